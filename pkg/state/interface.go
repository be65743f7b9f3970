package state

import (
	"github.com/a-essam23/activitycast/pkg/auth"
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Lifecycle ---
	// fails with ErrUnauthenticated when principal is missing.
	RegisterConnection(conn Transport, ipAddr string, principal *auth.Principal) (*Connection, error)
	// leaves every joined group and forgets the connection. Safe to call twice.
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	AllConnections() []*Connection

	// --- User Lookups ---
	GetUserConnectionCount(username string) (int, error)
	FindOldestUserConnection(username string) (*Connection, bool)

	// --- Group Membership ---
	// Join and Leave are idempotent. A group exists only while it has members.
	Join(connID uuid.UUID, groupID string) error
	Leave(connID uuid.UUID, groupID string) error
	IsMember(connID uuid.UUID, groupID string) bool
	FindGroup(groupID string) (*Group, bool)
	GroupMembers(groupID string) ([]uuid.UUID, error)

	// --- Fan-out ---
	// delivers msg to every member except exclude (uuid.Nil excludes nobody)
	// and returns how many connections accepted it.
	Broadcast(groupID string, msg []byte, exclude uuid.UUID) int
}
