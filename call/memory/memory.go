// Package memory provides in-process reference implementations of the
// call collaborator ports: record persistence, profile directory, push
// dispatch and the realtime record stream. They back the test suites and
// the loopback example; real deployments plug in their own adapters.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadlink/callkit/call"
)

// Record is one stored call record.
type Record struct {
	ID              string
	CallerID        string
	ReceiverID      string
	Status          string
	EndedAt         *time.Time
	DurationSeconds *int
}

// Records is an in-memory call.Records implementation that broadcasts
// every change to subscribed streams.
type Records struct {
	mu      sync.Mutex
	records map[string]*Record
	streams map[int]*subscription
	nextSub int
}

type subscription struct {
	userID string
	ch     chan call.RecordEvent
}

// NewRecords creates an empty record store.
func NewRecords() *Records {
	return &Records{
		records: make(map[string]*Record),
		streams: make(map[int]*subscription),
	}
}

// Create inserts a record and notifies the receiver's stream.
func (r *Records) Create(ctx context.Context, callerID, receiverID, status string) (string, error) {
	r.mu.Lock()
	rec := &Record{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     status,
	}
	r.records[rec.ID] = rec
	r.notifyLocked(rec, call.RecordEvent{Kind: call.RecordInserted, Call: rowOf(rec)})
	r.mu.Unlock()
	return rec.ID, nil
}

// Update patches a record and notifies interested streams.
func (r *Records) Update(ctx context.Context, id string, upd call.RecordUpdate) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return errors.New("record not found")
	}
	if upd.Status != "" {
		rec.Status = upd.Status
	}
	if upd.EndedAt != nil {
		rec.EndedAt = upd.EndedAt
	}
	if upd.DurationSeconds != nil {
		rec.DurationSeconds = upd.DurationSeconds
	}
	r.notifyLocked(rec, call.RecordEvent{Kind: call.RecordUpdated, Call: rowOf(rec)})
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the record, or nil.
func (r *Records) Get(id string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	copied := *rec
	return &copied
}

// Subscribe implements call.RecordStream: events for records where the
// user is caller or receiver.
func (r *Records) Subscribe(ctx context.Context, userID string) (<-chan call.RecordEvent, func(), error) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	sub := &subscription{userID: userID, ch: make(chan call.RecordEvent, 16)}
	r.streams[id] = sub
	r.mu.Unlock()

	stop := func() {
		r.mu.Lock()
		if s, ok := r.streams[id]; ok {
			delete(r.streams, id)
			close(s.ch)
		}
		r.mu.Unlock()
	}
	return sub.ch, stop, nil
}

// notifyLocked delivers an event to every stream interested in rec.
// Slow consumers drop events rather than block the store.
func (r *Records) notifyLocked(rec *Record, ev call.RecordEvent) {
	for _, sub := range r.streams {
		if sub.userID != rec.CallerID && sub.userID != rec.ReceiverID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func rowOf(rec *Record) call.RecordRow {
	return call.RecordRow{
		ID:         rec.ID,
		CallerID:   rec.CallerID,
		ReceiverID: rec.ReceiverID,
		Status:     rec.Status,
		EndedAt:    rec.EndedAt,
	}
}

// Directory is an in-memory call.Directory.
type Directory struct {
	mu       sync.Mutex
	profiles map[string]call.Profile
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{profiles: make(map[string]call.Profile)}
}

// Put stores a profile.
func (d *Directory) Put(userID string, p call.Profile) {
	d.mu.Lock()
	d.profiles[userID] = p
	d.mu.Unlock()
}

// Lookup returns the stored profile, or nil without error when the user
// has none.
func (d *Directory) Lookup(ctx context.Context, userID string) (*call.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// Pusher is an in-memory call.Pusher that records sent notifications.
type Pusher struct {
	mu   sync.Mutex
	sent []SentPush
}

// SentPush is one captured notification.
type SentPush struct {
	UserID string
	Push   call.Push
}

// NewPusher creates an empty pusher.
func NewPusher() *Pusher {
	return &Pusher{}
}

// Send records the notification.
func (p *Pusher) Send(ctx context.Context, userID string, push call.Push) error {
	p.mu.Lock()
	p.sent = append(p.sent, SentPush{UserID: userID, Push: push})
	p.mu.Unlock()
	return nil
}

// Sent returns a copy of all captured notifications.
func (p *Pusher) Sent() []SentPush {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentPush, len(p.sent))
	copy(out, p.sent)
	return out
}
