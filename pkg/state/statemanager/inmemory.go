package statemanager

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/a-essam23/activitycast/pkg/auth"
	"github.com/a-essam23/activitycast/pkg/state"
	"github.com/google/uuid"
)

// connRecord is the registry's copy of one connection. mu guards groups and status.
type connRecord struct {
	mu sync.Mutex

	id          uuid.UUID
	username    string
	displayName string
	ipAddress   string
	transport   state.Transport
	createdAt   time.Time

	groups map[string]struct{}
	status state.ConnState
}

// groupRecord is one broadcast group. A removed record is never reused;
// joiners that find one look the group up again.
type groupRecord struct {
	mu      sync.Mutex
	id      string
	members map[uuid.UUID]state.Transport
	removed bool
}

// InMemoryManager keeps connections and groups in two indexes. Each record has
// its own lock; the index locks are only held for map access.
// Lock order: connRecord.mu, then groupRecord.mu, then groupMu.
type InMemoryManager struct {
	conns  map[uuid.UUID]*connRecord
	users  map[string]map[uuid.UUID]*connRecord
	groups map[string]*groupRecord

	connMu  sync.RWMutex
	userMu  sync.RWMutex
	groupMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*connRecord),
		users:  make(map[string]map[uuid.UUID]*connRecord),
		groups: make(map[string]*groupRecord),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(conn state.Transport, ipAddr string, principal *auth.Principal) (*state.Connection, error) {
	if principal == nil || principal.Username == "" {
		return nil, state.ErrUnauthenticated
	}

	rec := &connRecord{
		id:          conn.ID(),
		username:    principal.Username,
		displayName: principal.DisplayName,
		ipAddress:   ipAddr,
		transport:   conn,
		createdAt:   time.Now(),
		groups:      make(map[string]struct{}),
		status:      state.StateAuthenticated,
	}

	m.connMu.Lock()
	if _, exists := m.conns[rec.id]; exists {
		m.connMu.Unlock()
		return nil, state.ErrAlreadyRegistered
	}
	m.conns[rec.id] = rec
	m.connMu.Unlock()

	m.userMu.Lock()
	userConns, ok := m.users[rec.username]
	if !ok {
		userConns = make(map[uuid.UUID]*connRecord)
		m.users[rec.username] = userConns
	}
	userConns[rec.id] = rec
	m.userMu.Unlock()

	m.logger.Debug("Connection registered", slog.String("connID", rec.id.String()), slog.String("userID", rec.username))
	return rec.snapshot(), nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	rec, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	m.connMu.Unlock()

	rec.mu.Lock()
	rec.status = state.StateClosed
	for groupID := range rec.groups {
		m.removeMember(groupID, connID)
	}
	rec.groups = make(map[string]struct{})
	rec.mu.Unlock()

	m.userMu.Lock()
	if userConns, ok := m.users[rec.username]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(m.users, rec.username)
		}
	}
	m.userMu.Unlock()

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	rec, ok := m.lookupConn(connID)
	if !ok {
		return nil, false
	}
	return rec.snapshot(), true
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.connMu.RLock()
	recs := make([]*connRecord, 0, len(m.conns))
	for _, rec := range m.conns {
		recs = append(recs, rec)
	}
	m.connMu.RUnlock()

	out := make([]*state.Connection, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

// --- User Lookups ---

func (m *InMemoryManager) GetUserConnectionCount(username string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	return len(m.users[username]), nil
}

func (m *InMemoryManager) FindOldestUserConnection(username string) (*state.Connection, bool) {
	m.userMu.RLock()
	var oldest *connRecord
	for _, rec := range m.users[username] {
		if oldest == nil || rec.createdAt.Before(oldest.createdAt) {
			oldest = rec
		}
	}
	m.userMu.RUnlock()

	if oldest == nil {
		return nil, false
	}
	return oldest.snapshot(), true
}

// --- Group Membership ---

func (m *InMemoryManager) Join(connID uuid.UUID, groupID string) error {
	rec, ok := m.lookupConn(connID)
	if !ok {
		return fmt.Errorf("cannot join group '%s': %w", groupID, state.ErrConnectionNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.status == state.StateClosed {
		return fmt.Errorf("cannot join group '%s': %w", groupID, state.ErrConnectionNotFound)
	}
	if _, joined := rec.groups[groupID]; joined {
		return nil
	}

	for {
		g := m.groupFor(groupID)
		g.mu.Lock()
		if g.removed {
			// lost a race with the last member leaving; look up again.
			g.mu.Unlock()
			continue
		}
		g.members[connID] = rec.transport
		g.mu.Unlock()
		break
	}

	rec.groups[groupID] = struct{}{}
	rec.status = state.StateJoined
	m.logger.Debug("Connection joined group", slog.String("connID", connID.String()), slog.String("groupID", groupID))
	return nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, groupID string) error {
	rec, ok := m.lookupConn(connID)
	if !ok {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, joined := rec.groups[groupID]; !joined {
		return nil
	}
	delete(rec.groups, groupID)
	m.removeMember(groupID, connID)

	if len(rec.groups) == 0 && rec.status == state.StateJoined {
		rec.status = state.StateAuthenticated
	}
	m.logger.Debug("Connection left group", slog.String("connID", connID.String()), slog.String("groupID", groupID))
	return nil
}

func (m *InMemoryManager) IsMember(connID uuid.UUID, groupID string) bool {
	rec, ok := m.lookupConn(connID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	_, joined := rec.groups[groupID]
	return joined
}

func (m *InMemoryManager) FindGroup(groupID string) (*state.Group, bool) {
	m.groupMu.RLock()
	g, ok := m.groups[groupID]
	m.groupMu.RUnlock()
	if !ok {
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed {
		return nil, false
	}
	return &state.Group{ID: g.id, Members: sortedIDs(g.members)}, true
}

func (m *InMemoryManager) GroupMembers(groupID string) ([]uuid.UUID, error) {
	g, ok := m.FindGroup(groupID)
	if !ok {
		return nil, fmt.Errorf("group '%s': %w", groupID, state.ErrGroupNotFound)
	}
	return g.Members, nil
}

// --- Fan-out ---

func (m *InMemoryManager) Broadcast(groupID string, msg []byte, exclude uuid.UUID) int {
	m.groupMu.RLock()
	g, ok := m.groups[groupID]
	m.groupMu.RUnlock()
	if !ok {
		return 0
	}

	// deliver to the membership as of now; later joins and leaves do not affect this call.
	type target struct {
		id uuid.UUID
		t  state.Transport
	}
	g.mu.Lock()
	targets := make([]target, 0, len(g.members))
	for id, t := range g.members {
		if id != exclude {
			targets = append(targets, target{id: id, t: t})
		}
	}
	g.mu.Unlock()

	delivered := 0
	for _, tg := range targets {
		if tg.t.TrySend(msg) {
			delivered++
			continue
		}
		m.logger.Debug("Dropped broadcast for saturated or closed connection",
			slog.String("groupID", groupID),
			slog.String("connID", tg.id.String()),
		)
	}
	return delivered
}

// --- internals ---

func (m *InMemoryManager) lookupConn(connID uuid.UUID) (*connRecord, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	rec, ok := m.conns[connID]
	return rec, ok
}

// groupFor returns the live record for groupID, creating it if needed.
func (m *InMemoryManager) groupFor(groupID string) *groupRecord {
	m.groupMu.RLock()
	g, ok := m.groups[groupID]
	m.groupMu.RUnlock()
	if ok {
		return g
	}

	m.groupMu.Lock()
	defer m.groupMu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		return g
	}
	g = &groupRecord{id: groupID, members: make(map[uuid.UUID]state.Transport)}
	m.groups[groupID] = g
	m.logger.Debug("Created group", slog.String("groupID", groupID))
	return g
}

// removeMember drops connID from the group and deletes the group once empty.
// The caller holds the connection record's lock.
func (m *InMemoryManager) removeMember(groupID string, connID uuid.UUID) {
	m.groupMu.RLock()
	g, ok := m.groups[groupID]
	m.groupMu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, connID)
	if len(g.members) > 0 || g.removed {
		return
	}
	// For memory hygiene, remove the group if it's now empty.
	g.removed = true
	m.groupMu.Lock()
	if m.groups[groupID] == g {
		delete(m.groups, groupID)
	}
	m.groupMu.Unlock()
	m.logger.Debug("Removed empty group", slog.String("groupID", groupID))
}

func (r *connRecord) snapshot() *state.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make([]string, 0, len(r.groups))
	for id := range r.groups {
		groups = append(groups, id)
	}
	slices.Sort(groups)

	return &state.Connection{
		ID:          r.id,
		Username:    r.username,
		DisplayName: r.displayName,
		IPAddress:   r.ipAddress,
		Transport:   r.transport,
		State:       r.status,
		Groups:      groups,
		CreatedAt:   r.createdAt,
	}
}

func sortedIDs(members map[uuid.UUID]state.Transport) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	return ids
}
