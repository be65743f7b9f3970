package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

var ErrInvalidMessage = errors.New("invalid message")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Peek reads the type discriminator and the correlation id without decoding the frame.
func Peek(data []byte) (MessageType, string, bool) {
	if !gjson.ValidBytes(data) {
		return "", "", false
	}
	res := gjson.GetManyBytes(data, "type", "id")
	if !res[0].Exists() {
		return "", res[1].String(), false
	}
	return MessageType(res[0].String()), res[1].String(), true
}

// DecodeClient parses and validates a client frame.
func DecodeClient(data []byte) (*ClientMessage, error) {
	typ, _, ok := Peek(data)
	if !ok {
		return nil, fmt.Errorf("%w: malformed frame", ErrInvalidMessage)
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch typ {
	case TypeJoin, TypeLeave, TypePublish:
		if msg.GroupID == "" {
			return nil, fmt.Errorf("%w: %s requires groupId", ErrInvalidMessage, typ)
		}
	}
	if typ == TypePublish {
		if err := ValidateEvent(msg.Event); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

// ValidateEvent checks that the payload matching Kind is present and well formed.
func ValidateEvent(e *Event) error {
	if e == nil {
		return fmt.Errorf("%w: event is required", ErrInvalidMessage)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var payload any
	switch e.Kind {
	case KindCommentPosted:
		if e.Comment == nil || e.Notice != nil {
			return fmt.Errorf("%w: comment_posted requires only a comment payload", ErrInvalidMessage)
		}
		payload = e.Comment
	case KindNotice:
		if e.Notice == nil || e.Comment != nil {
			return fmt.Errorf("%w: notice requires only a notice payload", ErrInvalidMessage)
		}
		payload = e.Notice
	}
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// DecodeServer parses a gateway frame on the client side.
func DecodeServer(data []byte) (*ServerMessage, error) {
	if _, _, ok := Peek(data); !ok {
		return nil, fmt.Errorf("%w: malformed frame", ErrInvalidMessage)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
