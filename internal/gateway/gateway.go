package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/activitycast/pkg/state"
	"github.com/a-essam23/activitycast/pkg/wire"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Gateway validates join/leave/publish frames from authenticated connections
// and is the only writer of group membership.
type Gateway struct {
	logger       *slog.Logger
	stateManager state.Manager

	newID func() string
	now   func() time.Time
}

func New(logger *slog.Logger, stateManager state.Manager) *Gateway {
	return &Gateway{
		logger:       logger.With(slog.String("component", "gateway")),
		stateManager: stateManager,
		newID:        func() string { return ulid.Make().String() },
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// HandleMessage is the transport message handler. The transport calls it
// sequentially for a given connection.
func (g *Gateway) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := g.stateManager.GetConnection(connID)
	if !ok {
		g.logger.Error("could not find connection profile for active connection", slog.String("connID", connID.String()))
		return
	}
	logger := g.logger.With(slog.String("connID", connID.String()), slog.String("userID", conn.Username))

	clientMsg, err := wire.DecodeClient(msg)
	if err != nil {
		_, id, _ := wire.Peek(msg)
		logger.Warn("Rejected client message", slog.Any("error", err))
		g.reply(conn, wire.Error(id, wire.CodeInvalidMessage, err.Error()))
		return
	}

	logger.Debug("Handling client message", slog.String("type", string(clientMsg.Type)), slog.String("groupID", clientMsg.GroupID))
	switch clientMsg.Type {
	case wire.TypeJoin:
		err = g.Join(connID, clientMsg.GroupID)
	case wire.TypeLeave:
		err = g.Leave(connID, clientMsg.GroupID)
	case wire.TypePublish:
		err = g.Publish(connID, clientMsg.GroupID, clientMsg.Event)
	case wire.TypePing:
	case wire.TypeClose:
		logger.Info("Client requested close", slog.String("reason", clientMsg.Reason))
		conn.Transport.Close(nil)
		return
	}

	if err != nil {
		logger.Warn("Client request failed", slog.String("type", string(clientMsg.Type)), slog.Any("error", err))
		g.reply(conn, wire.Error(clientMsg.ID, errorCode(err), err.Error()))
		return
	}
	g.reply(conn, wire.Ack(clientMsg.ID))
}

func (g *Gateway) Join(connID uuid.UUID, groupID string) error {
	if err := g.stateManager.Join(connID, groupID); err != nil {
		return fmt.Errorf("failed to join group '%s': %w", groupID, err)
	}
	g.logger.Info("Connection joined group", slog.String("connID", connID.String()), slog.String("groupID", groupID))
	return nil
}

// Leave fails with state.ErrNotJoined if the connection is not in the group.
func (g *Gateway) Leave(connID uuid.UUID, groupID string) error {
	if !g.stateManager.IsMember(connID, groupID) {
		return fmt.Errorf("cannot leave group '%s': %w", groupID, state.ErrNotJoined)
	}
	if err := g.stateManager.Leave(connID, groupID); err != nil {
		return fmt.Errorf("failed to leave group '%s': %w", groupID, err)
	}
	g.logger.Info("Connection left group", slog.String("connID", connID.String()), slog.String("groupID", groupID))
	return nil
}

// Publish broadcasts event to every member of groupID, the sender included.
// Comment events are stamped with the sender's identity; nothing is stored.
func (g *Gateway) Publish(connID uuid.UUID, groupID string, event *wire.Event) error {
	conn, ok := g.stateManager.GetConnection(connID)
	if !ok {
		return state.ErrConnectionNotFound
	}
	if !g.stateManager.IsMember(connID, groupID) {
		return fmt.Errorf("cannot publish to group '%s': %w", groupID, state.ErrNotJoined)
	}
	if err := wire.ValidateEvent(event); err != nil {
		return err
	}

	out := *event
	if event.Comment != nil {
		if id := event.Comment.CommentID; id != "" {
			if _, err := ulid.ParseStrict(id); err != nil {
				return fmt.Errorf("%w: commentId %q is not a ULID", wire.ErrInvalidMessage, id)
			}
		}
		c := *event.Comment
		c.ActivityID = groupID
		c.Author = conn.Username
		c.DisplayName = conn.DisplayName
		if c.CommentID == "" {
			c.CommentID = g.newID()
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = g.now()
		}
		out.Comment = &c
	}

	data, err := wire.Encode(wire.Delivered(groupID, &out))
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	n := g.stateManager.Broadcast(groupID, data, uuid.Nil)
	g.logger.Debug("Broadcast event", slog.String("groupID", groupID), slog.String("kind", string(out.Kind)), slog.Int("delivered", n))
	return nil
}

func (g *Gateway) reply(conn *state.Connection, msg wire.ServerMessage) {
	if msg.ID == "" && msg.Type == wire.TypeAck {
		return
	}
	data, err := wire.Encode(msg)
	if err != nil {
		g.logger.Error("failed to marshal reply", slog.Any("error", err))
		return
	}
	if !conn.Transport.TrySend(data) {
		g.logger.Warn("Dropped reply for saturated connection", slog.String("connID", conn.ID.String()))
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, state.ErrNotJoined):
		return wire.CodeNotJoined
	case errors.Is(err, wire.ErrInvalidMessage):
		return wire.CodeInvalidMessage
	case errors.Is(err, state.ErrUnauthenticated):
		return wire.CodeUnauthenticated
	default:
		return wire.CodeInternal
	}
}
