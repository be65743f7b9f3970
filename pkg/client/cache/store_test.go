package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/activitycast/pkg/activity"
	"github.com/a-essam23/activitycast/pkg/logging"
	"github.com/a-essam23/activitycast/pkg/wire"
	"github.com/go-playground/assert/v2"
)

var me = User{Username: "bob", DisplayName: "Bob"}

type fakeBackend struct {
	mu        sync.Mutex
	items     map[string]activity.Activity
	attendErr error
	gate      chan struct{}
	gets      int
}

func (f *fakeBackend) Get(_ context.Context, id string) (*activity.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	a, ok := f.items[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &a, nil
}

func (f *fakeBackend) Attend(context.Context, string) error {
	if f.gate != nil {
		<-f.gate
	}
	return f.attendErr
}

func (f *fakeBackend) Unattend(context.Context, string) error {
	if f.gate != nil {
		<-f.gate
	}
	return f.attendErr
}

func hosted(id, host string, date time.Time) activity.Activity {
	return activity.Activity{
		ID:        id,
		Title:     "title " + id,
		Category:  "music",
		Date:      date,
		City:      "Cairo",
		Venue:     "Venue",
		Attendees: []activity.Attendee{{Username: host, DisplayName: host, IsHost: true}},
	}
}

func newStore(b *fakeBackend) *Store {
	if b == nil {
		b = &fakeBackend{}
	}
	return New(me, b, logging.Discard())
}

var day = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func TestUpsertDerivesFlags(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "bob", day))
	s.Upsert(hosted("a2", "alice", day))

	a1, ok := s.Get("a1")
	assert.Equal(t, ok, true)
	assert.Equal(t, a1.IsHost, true)
	assert.Equal(t, a1.IsGoing, true)

	a2, _ := s.Get("a2")
	assert.Equal(t, a2.IsHost, false)
	assert.Equal(t, a2.IsGoing, false)

	_, ok = s.Get("missing")
	assert.Equal(t, ok, false)
}

func TestUpsertReplacesAndKeepsOrder(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))
	s.Upsert(hosted("a2", "alice", day))

	updated := hosted("a1", "alice", day)
	updated.Title = "renamed"
	s.Upsert(updated)

	all := s.All()
	assert.Equal(t, len(all), 2)
	assert.Equal(t, all[0].ID, "a1")
	assert.Equal(t, all[0].Title, "renamed")
	assert.Equal(t, all[1].ID, "a2")
	assert.Equal(t, s.Len(), 2)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))

	a, _ := s.Get("a1")
	a.Attendees[0].Username = "mallory"
	a.Comments = append(a.Comments, activity.Comment{ID: "x"})

	again, _ := s.Get("a1")
	assert.Equal(t, again.Attendees[0].Username, "alice")
	assert.Equal(t, len(again.Comments), 0)
}

func TestRemoveAndClear(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))
	s.Upsert(hosted("a2", "alice", day))

	s.Remove("a1")
	s.Remove("a1")
	assert.Equal(t, s.Len(), 1)
	assert.Equal(t, s.All()[0].ID, "a2")

	s.Clear()
	assert.Equal(t, s.Len(), 0)
	assert.Equal(t, len(s.All()), 0)
}

func TestLoadFetchesOnMiss(t *testing.T) {
	b := &fakeBackend{items: map[string]activity.Activity{"a1": hosted("a1", "bob", day)}}
	s := newStore(b)

	a, err := s.Load(context.Background(), "a1")
	assert.Equal(t, err, nil)
	assert.Equal(t, a.IsHost, true)

	_, err = s.Load(context.Background(), "a1")
	assert.Equal(t, err, nil)
	assert.Equal(t, b.gets, 1)

	_, err = s.Load(context.Background(), "nope")
	assert.NotEqual(t, err, nil)
}

func TestGroupedByDate(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("late", "alice", day.Add(48*time.Hour)))
	s.Upsert(hosted("evening", "alice", day.Add(8*time.Hour)))
	s.Upsert(hosted("morning", "alice", day))

	var keys []string
	var ids [][]string
	for key, group := range s.GroupedByDate() {
		keys = append(keys, key)
		var g []string
		for _, a := range group {
			g = append(g, a.ID)
		}
		ids = append(ids, g)
	}

	assert.Equal(t, keys, []string{"2024-06-01", "2024-06-03"})
	assert.Equal(t, ids, [][]string{{"morning", "evening"}, {"late"}})
}

func TestGroupedByDateStopsEarly(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))
	s.Upsert(hosted("a2", "alice", day.Add(24*time.Hour)))

	n := 0
	for range s.GroupedByDate() {
		n++
		break
	}
	assert.Equal(t, n, 1)
}

func TestGroupedByDateEmpty(t *testing.T) {
	s := newStore(nil)
	for range s.GroupedByDate() {
		t.Fatal("empty store yielded a group")
	}
}

func TestAttendSuccess(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	s := newStore(b)
	s.Upsert(hosted("a1", "alice", day))

	done := make(chan error, 1)
	go func() { done <- s.Attend(context.Background(), "a1") }()

	// the optimistic change is visible before the backend answers
	waitFor(t, func() bool {
		a, _ := s.Get("a1")
		return a.Pending == MutationAttend
	})
	a, _ := s.Get("a1")
	assert.Equal(t, a.IsGoing, true)
	assert.Equal(t, s.Attend(context.Background(), "a1"), ErrMutationPending)

	close(b.gate)
	assert.Equal(t, <-done, nil)

	a, _ = s.Get("a1")
	assert.Equal(t, a.IsGoing, true)
	assert.Equal(t, a.Pending, MutationNone)
	assert.Equal(t, len(a.Attendees), 2)
}

func TestAttendFailureReverts(t *testing.T) {
	boom := errors.New("boom")
	s := newStore(&fakeBackend{attendErr: boom})
	s.Upsert(hosted("a1", "alice", day))

	err := s.Attend(context.Background(), "a1")
	assert.Equal(t, errors.Is(err, boom), true)

	a, _ := s.Get("a1")
	assert.Equal(t, a.IsGoing, false)
	assert.Equal(t, a.Pending, MutationNone)
	assert.Equal(t, len(a.Attendees), 1)
}

func TestAttendUnknown(t *testing.T) {
	s := newStore(nil)
	assert.Equal(t, s.Attend(context.Background(), "nope"), ErrNotCached)
	assert.Equal(t, s.CancelAttendance(context.Background(), "nope"), ErrNotCached)
}

func TestCancelAttendance(t *testing.T) {
	s := newStore(nil)
	a := hosted("a1", "alice", day)
	a.Attendees = append(a.Attendees, activity.Attendee{Username: "bob"}, activity.Attendee{Username: "carol"})
	s.Upsert(a)

	assert.Equal(t, s.CancelAttendance(context.Background(), "a1"), nil)
	got, _ := s.Get("a1")
	assert.Equal(t, got.IsGoing, false)
	assert.Equal(t, len(got.Attendees), 2)
}

func TestCancelAttendanceFailureRestoresPosition(t *testing.T) {
	boom := errors.New("boom")
	s := newStore(&fakeBackend{attendErr: boom})
	a := hosted("a1", "alice", day)
	a.Attendees = append(a.Attendees, activity.Attendee{Username: "bob"}, activity.Attendee{Username: "carol"})
	s.Upsert(a)

	err := s.CancelAttendance(context.Background(), "a1")
	assert.Equal(t, errors.Is(err, boom), true)

	got, _ := s.Get("a1")
	assert.Equal(t, got.IsGoing, true)
	assert.Equal(t, got.Attendees[1].Username, "bob")
	assert.Equal(t, len(got.Attendees), 3)
}

func TestUpsertDuringPendingAttendKeepsOptimisticState(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	s := newStore(b)
	s.Upsert(hosted("a1", "alice", day))

	done := make(chan error, 1)
	go func() { done <- s.Attend(context.Background(), "a1") }()
	waitFor(t, func() bool {
		a, _ := s.Get("a1")
		return a.Pending == MutationAttend
	})

	// a listing fetched before the attend landed
	s.Upsert(hosted("a1", "alice", day))
	a, _ := s.Get("a1")
	assert.Equal(t, a.IsGoing, true)

	close(b.gate)
	assert.Equal(t, <-done, nil)
}

func posted(activityID, commentID, body string) *wire.CommentPosted {
	return &wire.CommentPosted{
		ActivityID: activityID,
		CommentID:  commentID,
		Author:     "alice",
		Body:       body,
		Timestamp:  day,
	}
}

func TestApplyCommentIsIdempotent(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))

	assert.Equal(t, s.ApplyComment(posted("a1", "c1", "hi")), true)
	assert.Equal(t, s.ApplyComment(posted("a1", "c1", "hi")), false)
	assert.Equal(t, s.ApplyComment(posted("a1", "c2", "again")), true)

	a, _ := s.Get("a1")
	assert.Equal(t, len(a.Comments), 2)
	assert.Equal(t, a.Comments[0].ID, "c1")
	assert.Equal(t, a.Comments[1].Body, "again")
	assert.Equal(t, a.Comments[0].Username, "alice")
}

func TestApplyCommentUncachedActivity(t *testing.T) {
	s := newStore(nil)
	assert.Equal(t, s.ApplyComment(posted("ghost", "c1", "hi")), false)
	assert.Equal(t, s.ApplyComment(posted("ghost", "c1", "hi")), false)
	assert.Equal(t, s.Len(), 0)
	_, ok := s.Get("ghost")
	assert.Equal(t, ok, false)

	// the held comment lands once the activity shows up
	s.Upsert(hosted("ghost", "alice", day))
	a, _ := s.Get("ghost")
	assert.Equal(t, len(a.Comments), 1)
	assert.Equal(t, a.Comments[0].ID, "c1")
}

func commentIDs(a Activity) []string {
	var ids []string
	for _, c := range a.Comments {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestCommentAndFetchOrderDoNotMatter(t *testing.T) {
	fetched := hosted("a1", "alice", day)
	fetched.Comments = []activity.Comment{{ID: "old", Body: "stored", CreatedAt: day.Add(-time.Hour)}}
	ev := posted("a1", "new", "live")

	eventFirst := newStore(nil)
	eventFirst.ApplyComment(ev)
	eventFirst.Upsert(fetched)

	fetchFirst := newStore(nil)
	fetchFirst.Upsert(fetched)
	fetchFirst.ApplyComment(ev)

	a, _ := eventFirst.Get("a1")
	b, _ := fetchFirst.Get("a1")
	assert.Equal(t, commentIDs(a), []string{"old", "new"})
	assert.Equal(t, commentIDs(a), commentIDs(b))
}

func TestLoadWithoutBackend(t *testing.T) {
	s := New(me, nil, logging.Discard())
	_, err := s.Load(context.Background(), "a1")
	assert.Equal(t, errors.Is(err, ErrNotCached), true)
}

func TestPinnedSurvivesClear(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))
	s.Upsert(hosted("a2", "alice", day))
	s.Pin("a1")

	s.Clear()
	assert.Equal(t, s.Len(), 0)
	assert.Equal(t, len(s.All()), 0)
	_, ok := s.Get("a2")
	assert.Equal(t, ok, false)

	// still usable while out of the listing
	a, ok := s.Get("a1")
	assert.Equal(t, ok, true)
	assert.Equal(t, a.Title, "title a1")
	assert.Equal(t, s.AddPendingComment("a1", activity.Comment{ID: "c1", CreatedAt: day}), nil)
	assert.Equal(t, s.ApplyComment(posted("a1", "c2", "live")), true)
	assert.Equal(t, s.Attend(context.Background(), "a1"), nil)

	// a new listing that contains it takes it back
	s.Upsert(hosted("a1", "alice", day))
	assert.Equal(t, s.Len(), 1)
	a, _ = s.Get("a1")
	assert.Equal(t, len(a.Comments), 2)
	assert.Equal(t, a.CommentState("c1"), CommentPending)

	// listed snapshots stay after unpin
	s.Unpin("a1")
	_, ok = s.Get("a1")
	assert.Equal(t, ok, true)
}

func TestUnpinDropsUnlistedSnapshot(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))
	s.Pin("a1")
	s.Clear()

	s.Unpin("a1")
	_, ok := s.Get("a1")
	assert.Equal(t, ok, false)

	// a second unpin and unpinning an unknown id are no-ops
	s.Unpin("a1")
	s.Unpin("zz")
	assert.Equal(t, s.Len(), 0)
}

func TestPendingCommentLifecycle(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))

	c := activity.Comment{ID: "c1", Body: "mine", Username: "bob"}
	assert.Equal(t, s.AddPendingComment("a1", c), nil)
	a, _ := s.Get("a1")
	assert.Equal(t, a.CommentState("c1"), CommentPending)

	// the echo of our own publish confirms without duplicating
	assert.Equal(t, s.ApplyComment(posted("a1", "c1", "mine")), false)
	a, _ = s.Get("a1")
	assert.Equal(t, len(a.Comments), 1)
	assert.Equal(t, a.CommentState("c1"), CommentConfirmed)

	assert.Equal(t, s.AddPendingComment("missing", c), ErrNotCached)
}

func TestFailCommentKeepsComment(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))
	_ = s.AddPendingComment("a1", activity.Comment{ID: "c1", Body: "mine"})

	s.FailComment("a1", "c1")
	a, _ := s.Get("a1")
	assert.Equal(t, len(a.Comments), 1)
	assert.Equal(t, a.CommentState("c1"), CommentFailed)
	assert.Equal(t, a.CommentState("c1").String(), "failed")

	s.ConfirmComment("a1", "c1")
	a, _ = s.Get("a1")
	assert.Equal(t, a.CommentState("c1"), CommentConfirmed)
}

func TestUpsertKeepsLiveComments(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))
	s.ApplyComment(posted("a1", "live", "from the socket"))
	_ = s.AddPendingComment("a1", activity.Comment{ID: "mine", Body: "pending", CreatedAt: day.Add(2 * time.Minute)})

	fresh := hosted("a1", "alice", day)
	fresh.Comments = []activity.Comment{{ID: "stored", Body: "from storage", CreatedAt: day.Add(-time.Minute)}}
	s.Upsert(fresh)

	a, _ := s.Get("a1")
	assert.Equal(t, commentIDs(a), []string{"stored", "live", "mine"})
	assert.Equal(t, a.CommentState("mine"), CommentPending)
}

func TestUpsertMergesCommentsByTime(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))
	s.ApplyComment(posted("a1", "live", "from the socket"))

	// the fetch was taken later and holds a comment written after the live one
	fresh := hosted("a1", "alice", day)
	fresh.Comments = []activity.Comment{
		{ID: "early", CreatedAt: day.Add(-time.Minute)},
		{ID: "late", CreatedAt: day.Add(time.Minute)},
	}
	s.Upsert(fresh)

	a, _ := s.Get("a1")
	assert.Equal(t, commentIDs(a), []string{"early", "live", "late"})
}

func TestSubscribeSignalsChanges(t *testing.T) {
	s := newStore(nil)
	ch, cancel := s.Subscribe()

	s.Upsert(hosted("a1", "alice", day))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.Equal(t, open, false)
	s.Upsert(hosted("a2", "alice", day))
}

func TestConcurrentAccess(t *testing.T) {
	s := newStore(nil)
	s.Upsert(hosted("a1", "alice", day))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.ApplyComment(posted("a1", string(rune('a'+i))+string(rune('a'+j%26))+string(rune('0'+j/26)), "x"))
				s.Get("a1")
				for range s.GroupedByDate() {
				}
			}
		}(i)
	}
	wg.Wait()

	a, _ := s.Get("a1")
	assert.Equal(t, len(a.Comments), 8*50)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
