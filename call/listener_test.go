package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream hands out a single controllable event channel.
type fakeStream struct {
	mu        sync.Mutex
	ch        chan RecordEvent
	cancelled bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan RecordEvent, 16)}
}

func (s *fakeStream) Subscribe(ctx context.Context, userID string) (<-chan RecordEvent, func(), error) {
	return s.ch, func() {
		s.mu.Lock()
		if !s.cancelled {
			s.cancelled = true
			close(s.ch)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fakeStream) emit(ev RecordEvent) { s.ch <- ev }

func (s *fakeStream) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// fakeDirectory serves profiles from a map.
type fakeDirectory struct {
	profiles map[string]Profile
}

func (d *fakeDirectory) Lookup(ctx context.Context, userID string) (*Profile, error) {
	p, ok := d.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type listenerFixture struct {
	*engineFixture
	listener *Listener
	stream   *fakeStream
}

func newListenerFixture(t *testing.T) *listenerFixture {
	t.Helper()

	fx := newEngineFixture(t, func(o *Options) { o.RingTimeout = 10 * time.Second })
	stream := newFakeStream()
	directory := &fakeDirectory{profiles: map[string]Profile{
		"bob": {Username: "Bob", AvatarURL: "https://cdn/bob.png"},
	}}

	listener, err := NewListener(fx.engine, stream, fx.records, directory, "alice")
	require.NoError(t, err)
	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(listener.Stop)

	return &listenerFixture{engineFixture: fx, listener: listener, stream: stream}
}

func TestNewListenerValidation(t *testing.T) {
	fx := newEngineFixture(t, nil)

	_, err := NewListener(nil, newFakeStream(), nil, nil, "alice")
	assert.Error(t, err)

	_, err = NewListener(fx.engine, nil, nil, nil, "alice")
	assert.Error(t, err)
}

func TestListenerRingsOnInboundInsert(t *testing.T) {
	fx := newListenerFixture(t)

	fx.stream.emit(RecordEvent{Kind: RecordInserted, Call: RecordRow{
		ID: "rec-9", CallerID: "bob", ReceiverID: "alice", Status: RecordMissed,
	}})

	waitStatus(t, fx.engine, StatusRinging)
	snap := fx.engine.Snapshot()
	assert.Equal(t, "rec-9", snap.CallID)
	require.NotNil(t, snap.Caller)
	assert.Equal(t, "Bob", snap.Caller.Username, "caller profile resolved from the directory")
	assert.Equal(t, "https://cdn/bob.png", snap.Caller.AvatarURL)
}

func TestListenerIgnoresRecordsForOtherUsers(t *testing.T) {
	fx := newListenerFixture(t)

	fx.stream.emit(RecordEvent{Kind: RecordInserted, Call: RecordRow{
		ID: "rec-9", CallerID: "bob", ReceiverID: "carol", Status: RecordMissed,
	}})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusIdle, fx.engine.Status())
}

func TestListenerIgnoresDecidedRecords(t *testing.T) {
	fx := newListenerFixture(t)

	fx.stream.emit(RecordEvent{Kind: RecordInserted, Call: RecordRow{
		ID: "rec-9", CallerID: "bob", ReceiverID: "alice", Status: RecordRejected,
	}})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusIdle, fx.engine.Status())
}

func TestListenerRejectsInboundWhileBusy(t *testing.T) {
	fx := newListenerFixture(t)

	require.NoError(t, fx.engine.StartCall(context.Background(), Participant{ID: "dave"}))
	require.Equal(t, StatusCalling, fx.engine.Status())

	fx.stream.emit(RecordEvent{Kind: RecordInserted, Call: RecordRow{
		ID: "rec-9", CallerID: "bob", ReceiverID: "alice", Status: RecordMissed,
	}})

	// The superseded record is rejected at the persistence layer and the
	// in-flight session is untouched.
	require.Eventually(t, func() bool {
		return fx.records.lastStatus("rec-9") == RecordRejected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusCalling, fx.engine.Status())
	assert.Equal(t, "rec-1", fx.engine.CallID())
}

func TestListenerResetsOnRemoteHangup(t *testing.T) {
	fx := newListenerFixture(t)

	fx.stream.emit(RecordEvent{Kind: RecordInserted, Call: RecordRow{
		ID: "rec-9", CallerID: "bob", ReceiverID: "alice", Status: RecordMissed,
	}})
	waitStatus(t, fx.engine, StatusRinging)

	fx.stream.emit(RecordEvent{Kind: RecordUpdated, Call: RecordRow{
		ID: "rec-9", CallerID: "bob", ReceiverID: "alice", Status: RecordEnded,
	}})
	waitStatus(t, fx.engine, StatusIdle)
}

func TestListenerIgnoresUpdatesForOtherCalls(t *testing.T) {
	fx := newListenerFixture(t)

	fx.stream.emit(RecordEvent{Kind: RecordInserted, Call: RecordRow{
		ID: "rec-9", CallerID: "bob", ReceiverID: "alice", Status: RecordMissed,
	}})
	waitStatus(t, fx.engine, StatusRinging)

	fx.stream.emit(RecordEvent{Kind: RecordUpdated, Call: RecordRow{
		ID: "rec-other", CallerID: "bob", ReceiverID: "alice", Status: RecordEnded,
	}})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusRinging, fx.engine.Status())
}

func TestListenerStopIsIdempotent(t *testing.T) {
	fx := newListenerFixture(t)

	fx.listener.Stop()
	fx.listener.Stop()
	assert.True(t, fx.stream.wasCancelled())
}
