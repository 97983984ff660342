package callkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlink/callkit/call"
	"github.com/squadlink/callkit/call/memory"
	"github.com/squadlink/callkit/quality"
	"github.com/squadlink/callkit/signaling"
)

func newTestClient(t *testing.T, userID string, records *memory.Records) *Client {
	t.Helper()

	opts := NewOptions(userID, signaling.NewMemoryTransport(nil))
	opts.Records = records
	opts.Stream = records
	opts.Pusher = memory.NewPusher()

	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(NewOptions("", signaling.NewMemoryTransport(nil)))
	assert.Error(t, err)

	_, err = New(NewOptions("alice", nil))
	assert.ErrorIs(t, err, call.ErrNoTransport)
}

func TestNewWithoutStream(t *testing.T) {
	client, err := New(NewOptions("alice", signaling.NewMemoryTransport(nil)))
	require.NoError(t, err)
	defer client.Close()

	// No stream configured: listening is a no-op, outgoing-only client.
	assert.NoError(t, client.Start(context.Background()))
}

func TestClientDefaults(t *testing.T) {
	client := newTestClient(t, "alice", memory.NewRecords())

	snap := client.Snapshot()
	assert.Equal(t, call.StatusIdle, snap.Status)
	assert.True(t, snap.SpeakerOn)
	assert.False(t, snap.Muted)
	assert.Empty(t, snap.CallID)
}

func TestClientInboundCallRing(t *testing.T) {
	records := memory.NewRecords()
	client := newTestClient(t, "alice", records)
	require.NoError(t, client.Start(context.Background()))

	ctx := context.Background()
	id, err := records.Create(ctx, "bob", "alice", call.RecordMissed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return client.Snapshot().Status == call.StatusRinging
	}, 2*time.Second, 10*time.Millisecond, "inbound record never rang")
	assert.Equal(t, id, client.Snapshot().CallID)

	require.NoError(t, client.RejectCall(ctx))
	require.Eventually(t, func() bool {
		rec := records.Get(id)
		return rec != nil && rec.Status == call.RecordRejected
	}, 2*time.Second, 10*time.Millisecond)

	// Post-terminal auto-reset returns the session to idle.
	require.Eventually(t, func() bool {
		return client.Snapshot().Status == call.StatusIdle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientTogglesAndSubscription(t *testing.T) {
	client := newTestClient(t, "alice", memory.NewRecords())

	notified := make(chan call.Snapshot, 8)
	unsub := client.Subscribe(func(snap call.Snapshot) { notified <- snap })
	defer unsub()

	assert.False(t, client.ToggleSpeaker())
	select {
	case snap := <-notified:
		assert.False(t, snap.SpeakerOn)
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
	assert.True(t, client.ToggleSpeaker())
}

func TestClientQualityDelegation(t *testing.T) {
	client := newTestClient(t, "alice", memory.NewRecords())

	level, changed := client.ReportQuality(quality.ScoreExcellent, quality.ScoreGood)
	assert.True(t, changed)
	assert.Equal(t, quality.LevelExcellent, level)
	assert.Equal(t, quality.LevelGood, client.Quality().Snapshot().RemoteLevel)
	assert.Equal(t, 128, client.Quality().Profile().Bitrate)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	client := newTestClient(t, "alice", memory.NewRecords())
	client.Close()
	client.Close()
	assert.Equal(t, call.StatusIdle, client.Snapshot().Status)
}
