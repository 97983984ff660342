package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Listener subscribes to the per-user realtime record stream and feeds
// inbound call offers into the engine. An inbound call arriving while a
// session is active never touches the engine: the listener marks that
// record rejected at the persistence layer instead, so a second caller
// cannot clobber the in-flight session.
type Listener struct {
	engine    *Engine
	stream    RecordStream
	records   Records
	directory Directory
	userID    string

	mu     sync.Mutex
	cancel func()
}

// NewListener builds a listener for userID. records and directory may be
// nil; the corresponding side effects are skipped.
func NewListener(engine *Engine, stream RecordStream, records Records, directory Directory, userID string) (*Listener, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if stream == nil {
		return nil, errors.New("record stream is required")
	}
	return &Listener{
		engine:    engine,
		stream:    stream,
		records:   records,
		directory: directory,
		userID:    userID,
	}, nil
}

// Start subscribes to the stream and consumes events until the stream
// closes or Stop is called.
func (l *Listener) Start(ctx context.Context) error {
	events, cancel, err := l.stream.Subscribe(ctx, l.userID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"user_id":  l.userID,
	}).Info("Listening for incoming calls")

	go func() {
		for ev := range events {
			l.handle(ctx, ev)
		}
	}()
	return nil
}

// Stop cancels the stream subscription. Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handle routes one stream event.
func (l *Listener) handle(ctx context.Context, ev RecordEvent) {
	switch ev.Kind {
	case RecordInserted:
		l.handleInsert(ctx, ev.Call)
	case RecordUpdated:
		l.handleUpdate(ev.Call)
	}
}

// handleInsert reacts to a new inbound call record.
func (l *Listener) handleInsert(ctx context.Context, row RecordRow) {
	if row.ReceiverID != l.userID {
		return
	}
	// Only fresh records ring; anything else was already decided.
	if row.Status != RecordMissed {
		return
	}

	if l.engine.Status() != StatusIdle {
		logrus.WithFields(logrus.Fields{
			"function": "handleInsert",
			"call_id":  row.ID,
		}).Warn("Rejecting inbound call: a call is already in progress")
		go l.rejectRecord(row.ID)
		return
	}

	caller := Participant{ID: row.CallerID}
	if l.directory != nil {
		profile, err := l.directory.Lookup(ctx, row.CallerID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "handleInsert",
				"caller_id": row.CallerID,
				"error":     err,
			}).Warn("Caller profile lookup failed, using default display name")
		} else if profile != nil {
			caller.Username = profile.Username
			caller.AvatarURL = profile.AvatarURL
		}
	}

	if err := l.engine.SetIncomingCall(caller, row.ID); err != nil {
		// Lost the race against another call; reject this record too.
		go l.rejectRecord(row.ID)
	}
}

// handleUpdate reacts to a status or end change on a record. Only the
// record the session currently references can affect it.
func (l *Listener) handleUpdate(row RecordRow) {
	if l.engine.CallID() != row.ID {
		return
	}
	if row.Status == RecordRejected || row.Status == RecordEnded || row.EndedAt != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleUpdate",
			"call_id":  row.ID,
			"status":   row.Status,
		}).Info("Call ended remotely, resetting session")
		l.engine.Reset()
	}
}

// rejectRecord marks a superseded inbound call rejected, best-effort.
func (l *Listener) rejectRecord(id string) {
	if l.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.records.Update(ctx, id, RecordUpdate{Status: RecordRejected}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "rejectRecord",
			"call_id":  id,
			"error":    err,
		}).Warn("Failed to reject superseded call record")
	}
}
