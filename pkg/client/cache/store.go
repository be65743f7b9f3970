// Package cache holds the client's local copy of activities. Every mutation
// goes through a Store method and is serialised by the store's lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/a-essam23/activitycast/pkg/activity"
	"github.com/a-essam23/activitycast/pkg/wire"
)

var (
	ErrNotCached       = errors.New("activity is not cached")
	ErrMutationPending = errors.New("an attendance change is already in flight")
)

// Backend is the slice of the storage service the store calls itself.
type Backend interface {
	Get(ctx context.Context, id string) (*activity.Activity, error)
	Attend(ctx context.Context, id string) error
	Unattend(ctx context.Context, id string) error
}

const dateKeyLayout = "2006-01-02"

type Store struct {
	mu      sync.Mutex
	user    User
	backend Backend
	logger  *slog.Logger

	// order lists the ids of the current listing. items may also hold
	// pinned snapshots that a Clear took out of the listing.
	order  []string
	items  map[string]*Activity
	pinned map[string]struct{}
	// orphans holds delivered comments for activities not cached yet.
	orphans map[string][]activity.Comment

	subs    map[int]chan struct{}
	nextSub int
}

func New(user User, backend Backend, logger *slog.Logger) *Store {
	return &Store{
		user:    user,
		backend: backend,
		logger:  logger.With(slog.String("component", "cache")),
		items:   make(map[string]*Activity),
		pinned:  make(map[string]struct{}),
		orphans: make(map[string][]activity.Comment),
		subs:    make(map[int]chan struct{}),
	}
}

// User returns the user the derived flags are computed for.
func (s *Store) User() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Upsert inserts or replaces the snapshot for a.ID. New ids go to the end of
// the insertion order. Comments and in-flight changes the cache knows about but
// a are missing are carried over, so a stale fetch cannot undo a live event.
// The merged comments are kept in CreatedAt order.
func (s *Store) Upsert(a activity.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(a)
	s.notifyLocked()
}

// UpsertAll applies a page of results as one change.
func (s *Store) UpsertAll(list []activity.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range list {
		s.upsertLocked(a)
	}
	s.notifyLocked()
}

func (s *Store) upsertLocked(a activity.Activity) {
	next := &Activity{Activity: a}
	next.Attendees = slices.Clone(a.Attendees)
	next.Comments = slices.Clone(a.Comments)

	merged := false
	for _, c := range s.orphans[a.ID] {
		if !next.hasComment(c.ID) {
			next.Comments = append(next.Comments, c)
			merged = true
		}
	}
	delete(s.orphans, a.ID)

	prev, exists := s.items[a.ID]
	if exists {
		for _, c := range prev.Comments {
			if !next.hasComment(c.ID) {
				next.Comments = append(next.Comments, c)
				merged = true
			}
		}
		for id, st := range prev.commentStates {
			next.setCommentState(id, st)
		}
		next.Pending = prev.Pending
		switch prev.Pending {
		case MutationAttend:
			if !next.HasAttendee(s.user.Username) {
				next.Attendees = append(next.Attendees, newAttendee(s.user))
			}
		case MutationCancel:
			next.Attendees = withoutAttendee(next.Attendees, s.user.Username)
		}
	}
	if !exists || !slices.Contains(s.order, a.ID) {
		s.order = append(s.order, a.ID)
	}
	if merged {
		slices.SortStableFunc(next.Comments, func(x, y activity.Comment) int {
			return x.CreatedAt.Compare(y.CreatedAt)
		})
	}
	next.derive(s.user)
	s.items[a.ID] = next
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return
	}
	delete(s.items, id)
	delete(s.pinned, id)
	delete(s.orphans, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	s.notifyLocked()
}

// Clear empties the listing. Pinned snapshots stay reachable through Get and
// the mutation methods but are no longer listed until upserted again.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.items {
		if _, ok := s.pinned[id]; !ok {
			delete(s.items, id)
		}
	}
	s.order = nil
	s.notifyLocked()
}

// Pin keeps the snapshot for id alive across Clear. The live session pins the
// activity it is joined to.
func (s *Store) Pin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[id] = struct{}{}
}

// Unpin releases id. A snapshot that is not part of the listing any more is dropped.
func (s *Store) Unpin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pinned[id]; !ok {
		return
	}
	delete(s.pinned, id)
	if _, ok := s.items[id]; ok && !slices.Contains(s.order, id) {
		delete(s.items, id)
		s.notifyLocked()
	}
}

// Get returns a copy of the cached snapshot. ok is false when the caller has to fetch it.
func (s *Store) Get(id string) (Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return Activity{}, false
	}
	return a.clone(), true
}

// Load returns the cached snapshot or fetches and caches it.
func (s *Store) Load(ctx context.Context, id string) (Activity, error) {
	if a, ok := s.Get(id); ok {
		return a, nil
	}
	if s.backend == nil {
		return Activity{}, fmt.Errorf("load activity %s: %w", id, ErrNotCached)
	}
	fetched, err := s.backend.Get(ctx, id)
	if err != nil {
		return Activity{}, fmt.Errorf("load activity %s: %w", id, err)
	}
	s.Upsert(*fetched)
	a, _ := s.Get(id)
	return a, nil
}

// Len returns the number of listed snapshots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// All returns copies of every snapshot in insertion order.
func (s *Store) All() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Activity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].clone())
	}
	return out
}

// GroupedByDate yields (date, activities) pairs in ascending date order.
// Activities are sorted by their date and grouped by its UTC calendar day.
// The grouping is recomputed each time the sequence is ranged over.
func (s *Store) GroupedByDate() iter.Seq2[string, []Activity] {
	return func(yield func(string, []Activity) bool) {
		all := s.All()
		slices.SortStableFunc(all, func(a, b Activity) int {
			return a.Date.Compare(b.Date)
		})

		var (
			key   string
			group []Activity
		)
		for _, a := range all {
			k := a.Date.UTC().Format(dateKeyLayout)
			if group != nil && k != key {
				if !yield(key, group) {
					return
				}
				group = nil
			}
			key = k
			group = append(group, a)
		}
		if group != nil {
			yield(key, group)
		}
	}
}

// Attend optimistically adds the current user to the activity, then asks the
// storage service. A failed call reverts the change and returns the error.
func (s *Store) Attend(ctx context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotCached
	}
	if a.Pending != MutationNone {
		s.mu.Unlock()
		return ErrMutationPending
	}
	if a.IsGoing {
		s.mu.Unlock()
		return nil
	}
	a.Attendees = append(a.Attendees, newAttendee(s.user))
	a.Pending = MutationAttend
	a.derive(s.user)
	s.notifyLocked()
	s.mu.Unlock()

	err := s.backend.Attend(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok = s.items[id]; ok {
		a.Pending = MutationNone
		if err != nil {
			a.Attendees = withoutAttendee(a.Attendees, s.user.Username)
		}
		a.derive(s.user)
		s.notifyLocked()
	}
	if err != nil {
		s.logger.Warn("Attend failed, reverted", slog.String("activityID", id), slog.Any("error", err))
		return fmt.Errorf("attend activity %s: %w", id, err)
	}
	return nil
}

// CancelAttendance is the reverse of Attend, with the same revert-on-failure rule.
func (s *Store) CancelAttendance(ctx context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotCached
	}
	if a.Pending != MutationNone {
		s.mu.Unlock()
		return ErrMutationPending
	}
	idx := slices.IndexFunc(a.Attendees, func(at activity.Attendee) bool { return at.Username == s.user.Username })
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	removed := a.Attendees[idx]
	a.Attendees = slices.Delete(slices.Clone(a.Attendees), idx, idx+1)
	a.Pending = MutationCancel
	a.derive(s.user)
	s.notifyLocked()
	s.mu.Unlock()

	err := s.backend.Unattend(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok = s.items[id]; ok {
		a.Pending = MutationNone
		if err != nil && !a.HasAttendee(removed.Username) {
			a.Attendees = slices.Insert(a.Attendees, min(idx, len(a.Attendees)), removed)
		}
		a.derive(s.user)
		s.notifyLocked()
	}
	if err != nil {
		s.logger.Warn("Cancel attendance failed, reverted", slog.String("activityID", id), slog.Any("error", err))
		return fmt.Errorf("cancel attendance %s: %w", id, err)
	}
	return nil
}

// ApplyComment appends a delivered comment unless one with the same id is
// already present, in which case it only confirms a pending local copy.
// Comments for an activity that is not cached are held and merged by the
// next Upsert of it. It reports whether a cached comment sequence grew.
func (s *Store) ApplyComment(ev *wire.CommentPosted) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[ev.ActivityID]
	if !ok {
		held := s.orphans[ev.ActivityID]
		if !slices.ContainsFunc(held, func(c activity.Comment) bool { return c.ID == ev.CommentID }) {
			s.orphans[ev.ActivityID] = append(held, commentFromEvent(ev))
			s.logger.Debug("Holding comment for uncached activity", slog.String("activityID", ev.ActivityID))
		}
		return false
	}
	if a.hasComment(ev.CommentID) {
		if a.CommentState(ev.CommentID) != CommentConfirmed {
			a.setCommentState(ev.CommentID, CommentConfirmed)
			s.notifyLocked()
		}
		return false
	}
	a.Comments = append(a.Comments, commentFromEvent(ev))
	s.notifyLocked()
	return true
}

// AddPendingComment appends a locally authored comment marked pending.
func (s *Store) AddPendingComment(activityID string, c activity.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[activityID]
	if !ok {
		return ErrNotCached
	}
	if a.hasComment(c.ID) {
		return nil
	}
	a.Comments = append(a.Comments, c)
	a.setCommentState(c.ID, CommentPending)
	s.notifyLocked()
	return nil
}

// ConfirmComment clears the pending or failed marker of a comment.
func (s *Store) ConfirmComment(activityID, commentID string) {
	s.setCommentState(activityID, commentID, CommentConfirmed)
}

// FailComment marks a comment whose publish failed. The comment stays in place.
func (s *Store) FailComment(activityID, commentID string) {
	s.setCommentState(activityID, commentID, CommentFailed)
}

func (s *Store) setCommentState(activityID, commentID string, st CommentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[activityID]
	if !ok || !a.hasComment(commentID) || a.CommentState(commentID) == st {
		return
	}
	a.setCommentState(commentID, st)
	s.notifyLocked()
}

// Subscribe returns a channel that receives a value after changes. Bursts of
// changes may be coalesced into one signal. Call cancel to stop.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Store) notifyLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func withoutAttendee(list []activity.Attendee, username string) []activity.Attendee {
	return slices.DeleteFunc(slices.Clone(list), func(at activity.Attendee) bool {
		return at.Username == username
	})
}
