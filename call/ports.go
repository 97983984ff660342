package call

import (
	"context"
	"time"
)

// Profile is the result of an identity lookup.
type Profile struct {
	Username  string
	AvatarURL string
}

// Directory resolves user identifiers to display profiles. A nil profile
// with a nil error means the user has no profile; callers substitute a
// default display name and never treat it as an error.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
}

// RecordUpdate carries the mutable fields of a persisted call record.
// Nil pointers leave the corresponding column untouched.
type RecordUpdate struct {
	Status          string
	EndedAt         *time.Time
	DurationSeconds *int
}

// Records persists call records. All operations are best-effort: errors
// are logged and tolerated, and a failed Create simply leaves the
// session without a record id.
type Records interface {
	// Create inserts a new record and returns its id.
	Create(ctx context.Context, callerID, receiverID, status string) (string, error)

	// Update patches an existing record.
	Update(ctx context.Context, id string, upd RecordUpdate) error
}

// PushAction is one actionable button on a push notification.
type PushAction struct {
	Action string
	Title  string
}

// Push is an outbound notification payload.
type Push struct {
	Title   string
	Body    string
	Tag     string
	Data    map[string]string
	Actions []PushAction
}

// Pusher dispatches push notifications. Sends are fire-and-forget;
// errors are swallowed and logged.
type Pusher interface {
	Send(ctx context.Context, userID string, p Push) error
}

// RecordEventKind discriminates realtime record stream events.
type RecordEventKind int

const (
	// RecordInserted signals a new inbound call record.
	RecordInserted RecordEventKind = iota
	// RecordUpdated signals a status or end change on an existing
	// record.
	RecordUpdated
)

// RecordRow is the record payload carried by a stream event.
type RecordRow struct {
	ID         string
	CallerID   string
	ReceiverID string
	Status     string
	EndedAt    *time.Time
}

// RecordEvent is one realtime change on a call record the client cares
// about.
type RecordEvent struct {
	Kind RecordEventKind
	Call RecordRow
}

// RecordStream delivers realtime call-record events for one user. The
// returned stop function cancels the subscription and closes the
// channel.
type RecordStream interface {
	Subscribe(ctx context.Context, userID string) (<-chan RecordEvent, func(), error)
}
