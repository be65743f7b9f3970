// Package wire defines the JSON frames exchanged between the gateway and live sessions.
package wire

import (
	"time"
)

type MessageType string

const (
	// client -> server
	TypeJoin    MessageType = "join"
	TypeLeave   MessageType = "leave"
	TypePublish MessageType = "publish"
	TypePing    MessageType = "ping"
	// either direction
	TypeClose MessageType = "close"
	// server -> client
	TypeDelivered MessageType = "delivered"
	TypeAck       MessageType = "ack"
	TypeError     MessageType = "error"
)

// Error codes carried by error frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeNotJoined       = "not_joined"
	CodeInvalidMessage  = "invalid_message"
	CodeInternal        = "internal"
)

type EventKind string

const (
	KindCommentPosted EventKind = "comment_posted"
	KindNotice        EventKind = "notice"
)

// ClientMessage is a frame sent by a live session. ID correlates the ack or error reply.
type ClientMessage struct {
	Type    MessageType `json:"type" validate:"required,oneof=join leave publish ping close"`
	ID      string      `json:"id,omitempty" validate:"max=64"`
	GroupID string      `json:"groupId,omitempty" validate:"max=128"`
	Event   *Event      `json:"event,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// ServerMessage is a frame sent by the gateway.
type ServerMessage struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	GroupID string      `json:"groupId,omitempty"`
	Event   *Event      `json:"event,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Event is a tagged payload; exactly one of Comment or Notice is set according to Kind.
type Event struct {
	Kind    EventKind      `json:"kind" validate:"required,oneof=comment_posted notice"`
	Comment *CommentPosted `json:"comment,omitempty"`
	Notice  *Notice        `json:"notice,omitempty"`
}

type CommentPosted struct {
	ActivityID  string    `json:"activityId"`
	CommentID   string    `json:"commentId" validate:"max=64"`
	Author      string    `json:"author"`
	DisplayName string    `json:"displayName,omitempty"`
	Image       string    `json:"image,omitempty"`
	Body        string    `json:"body" validate:"required,max=4000"`
	Timestamp   time.Time `json:"timestamp"`
}

type Notice struct {
	Message string `json:"message" validate:"required,max=1000"`
}

func NewCommentEvent(c CommentPosted) *Event {
	return &Event{Kind: KindCommentPosted, Comment: &c}
}

func NewNoticeEvent(message string) *Event {
	return &Event{Kind: KindNotice, Notice: &Notice{Message: message}}
}

func Ack(id string) ServerMessage {
	return ServerMessage{Type: TypeAck, ID: id}
}

func Error(id, code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, ID: id, Code: code, Message: message}
}

func Delivered(groupID string, event *Event) ServerMessage {
	return ServerMessage{Type: TypeDelivered, GroupID: groupID, Event: event}
}
