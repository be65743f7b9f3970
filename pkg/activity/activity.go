package activity

import "time"

// Attendee is a user signed up to an activity.
type Attendee struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Image       string `json:"image,omitempty"`
	IsHost      bool   `json:"isHost"`
}

// Comment is one entry of an activity's discussion.
type Comment struct {
	ID          string    `json:"id"`
	Body        string    `json:"body"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Image       string    `json:"image,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Activity is the resource clients browse and discuss.
type Activity struct {
	ID          string     `json:"id"`
	Title       string     `json:"title" validate:"required"`
	Description string     `json:"description"`
	Category    string     `json:"category" validate:"required"`
	Date        time.Time  `json:"date" validate:"required"`
	City        string     `json:"city" validate:"required"`
	Venue       string     `json:"venue" validate:"required"`
	Attendees   []Attendee `json:"attendees"`
	Comments    []Comment  `json:"comments"`
}

// Envelope is one page of a listing plus the total matching count.
type Envelope struct {
	Activities    []Activity `json:"activities"`
	ActivityCount int        `json:"activityCount"`
}

// Listing predicates understood by the storage service.
const (
	PredicateAll       = "all"
	PredicateIsGoing   = "isGoing"
	PredicateIsHost    = "isHost"
	PredicateStartDate = "startDate"
)

// HasAttendee reports whether username is in the attendee list.
func (a *Activity) HasAttendee(username string) bool {
	for _, at := range a.Attendees {
		if at.Username == username {
			return true
		}
	}
	return false
}

// IsHostedBy reports whether username attends as host.
func (a *Activity) IsHostedBy(username string) bool {
	for _, at := range a.Attendees {
		if at.Username == username && at.IsHost {
			return true
		}
	}
	return false
}
