package cache

import (
	"slices"

	"github.com/a-essam23/activitycast/pkg/activity"
	"github.com/a-essam23/activitycast/pkg/wire"
)

// User is the signed-in user the derived flags are computed for.
type User struct {
	Username    string
	DisplayName string
	Image       string
}

// CommentState tracks a locally posted comment until the gateway confirms it.
type CommentState int

const (
	CommentConfirmed CommentState = iota
	CommentPending
	CommentFailed
)

func (s CommentState) String() string {
	switch s {
	case CommentPending:
		return "pending"
	case CommentFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Mutation is an attendance change waiting on the storage service.
type Mutation int

const (
	MutationNone Mutation = iota
	MutationAttend
	MutationCancel
)

// Activity is the cached snapshot of one activity. Values handed out by the
// Store are copies; changing them does not change the cache.
type Activity struct {
	activity.Activity

	IsGoing bool
	IsHost  bool
	Pending Mutation

	// states of comments that are not yet confirmed, keyed by comment id
	commentStates map[string]CommentState
}

// CommentState reports the reconciliation state of a comment in this snapshot.
func (a *Activity) CommentState(commentID string) CommentState {
	return a.commentStates[commentID]
}

func (a *Activity) hasComment(id string) bool {
	return slices.ContainsFunc(a.Comments, func(c activity.Comment) bool { return c.ID == id })
}

func (a *Activity) setCommentState(id string, s CommentState) {
	if s == CommentConfirmed {
		delete(a.commentStates, id)
		return
	}
	if a.commentStates == nil {
		a.commentStates = make(map[string]CommentState)
	}
	a.commentStates[id] = s
}

// derive recomputes IsGoing and IsHost for user.
func (a *Activity) derive(user User) {
	a.IsGoing = a.HasAttendee(user.Username)
	a.IsHost = a.IsHostedBy(user.Username)
}

func (a *Activity) clone() Activity {
	out := *a
	out.Attendees = slices.Clone(a.Attendees)
	out.Comments = slices.Clone(a.Comments)
	if a.commentStates != nil {
		out.commentStates = make(map[string]CommentState, len(a.commentStates))
		for k, v := range a.commentStates {
			out.commentStates[k] = v
		}
	}
	return out
}

func newAttendee(user User) activity.Attendee {
	return activity.Attendee{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Image:       user.Image,
	}
}

func commentFromEvent(ev *wire.CommentPosted) activity.Comment {
	return activity.Comment{
		ID:          ev.CommentID,
		Body:        ev.Body,
		Username:    ev.Author,
		DisplayName: ev.DisplayName,
		Image:       ev.Image,
		CreatedAt:   ev.Timestamp,
	}
}
