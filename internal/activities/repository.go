package activities

import (
	"context"
	"errors"
	"time"

	"github.com/a-essam23/activitycast/pkg/activity"
)

var (
	ErrNotFound         = errors.New("activity not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyAttending = errors.New("already attending this activity")
	ErrNotAttending     = errors.New("not attending this activity")
	ErrHostCannotLeave  = errors.New("the host cannot remove themselves")
)

// ListQuery selects one page of activities. Username scopes IsGoing and IsHost.
type ListQuery struct {
	Limit     int
	Offset    int
	Username  string
	IsGoing   bool
	IsHost    bool
	StartDate time.Time
}

// Repository is the storage service behind the REST endpoints.
type Repository interface {
	List(ctx context.Context, q ListQuery) ([]activity.Activity, int, error)
	Get(ctx context.Context, id string) (*activity.Activity, error)
	Create(ctx context.Context, a *activity.Activity, host activity.Attendee) error
	Update(ctx context.Context, a *activity.Activity) error
	Delete(ctx context.Context, id string) error
	Attend(ctx context.Context, id string, attendee activity.Attendee) error
	Unattend(ctx context.Context, id, username string) error
	Close() error
}
