// Package call implements the voice-call session state machine.
//
// The Engine owns the single live call session per client: its status,
// the ring/duration/reset timers, the peer media session, and the
// network quality monitor. All external collaborators (call-record
// persistence, push dispatch, profile lookup, the per-user realtime
// record stream) are narrow interfaces; their failures are best-effort
// and never block a call.
//
// A Listener subscribes to the realtime record stream and feeds inbound
// call offers into the engine, rejecting new calls while one is active.
package call

import (
	"fmt"
	"time"
)

// Status is the call session state.
type Status int

const (
	// StatusIdle indicates no call activity. The session always returns
	// here; it is never destroyed.
	StatusIdle Status = iota
	// StatusCalling indicates an outgoing call awaiting the peer, or an
	// accepted incoming call awaiting the media connection.
	StatusCalling
	// StatusRinging indicates an inbound call awaiting a user decision.
	StatusRinging
	// StatusConnected indicates media is flowing.
	StatusConnected
	// StatusEnded indicates a call that finished or was abandoned.
	StatusEnded
	// StatusMissed indicates an inbound call nobody answered.
	StatusMissed
	// StatusRejected indicates an inbound call the user declined.
	StatusRejected
)

// String returns the lower-case label for the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	case StatusMissed:
		return "missed"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Persisted call-record statuses.
const (
	// RecordMissed is the initial record status; it stands until the
	// call is answered, rejected or ended.
	RecordMissed = "missed"
	// RecordAnswered marks a record whose call was accepted.
	RecordAnswered = "answered"
	// RecordRejected marks a declined or superseded call.
	RecordRejected = "rejected"
	// RecordEnded marks a call completed normally.
	RecordEnded = "ended"
)

// Participant is an immutable snapshot of a call party, captured at call
// start or accept. It is not live-synced with the profile store.
type Participant struct {
	ID        string
	Username  string
	AvatarURL string
}

// Snapshot is a read-only copy of the call session handed to
// subscribers.
type Snapshot struct {
	Status     Status
	Caller     *Participant
	Receiver   *Participant
	IsIncoming bool

	// CallID references the persisted call record; empty when
	// persistence failed (the call proceeds regardless).
	CallID string

	StartedAt time.Time
	// Duration is the elapsed call time in seconds; only meaningful
	// while connected or just ended.
	Duration int

	Muted     bool
	SpeakerOn bool

	Reconnecting      bool
	ReconnectAttempts int

	// Err is the last user-facing failure message, cleared explicitly.
	Err string
}

// FormatDuration renders elapsed seconds as mm:ss for display.
func FormatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
