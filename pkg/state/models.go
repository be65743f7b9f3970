package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the outbound side of a live connection.
type Transport interface {
	ID() uuid.UUID
	// TrySend must not block; false means the message was dropped.
	TrySend(msg []byte) bool
	Close(err error)
}

// ConnState is the gateway lifecycle of a connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// representation of a single transport-layer connection.
// Values returned by a Manager are point-in-time copies.
type Connection struct {
	ID          uuid.UUID
	Username    string
	DisplayName string
	IPAddress   string
	Transport   Transport
	State       ConnState
	Groups      []string // joined group ids, sorted
	CreatedAt   time.Time
}

// canonical representation of a broadcast group, keyed by activity id.
type Group struct {
	ID      string
	Members []uuid.UUID
}
