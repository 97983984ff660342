package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a controllable TimeProvider.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMonitor(clock TimeProvider) *Monitor {
	return NewMonitor(&Config{
		HistorySize:       5,
		MinChangeInterval: 5 * time.Second,
		TimeProvider:      clock,
	})
}

func TestMonitorFirstSampleCommitsImmediately(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	level, changed := m.Update(ScoreExcellent, ScoreUnknown)

	assert.True(t, changed, "first sample should commit without waiting out the gate")
	assert.Equal(t, LevelExcellent, level)
	assert.Equal(t, Profiles[LevelExcellent], m.Profile())
}

func TestMonitorHysteresisBlocksRapidChanges(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	_, changed := m.Update(ScoreExcellent, ScoreUnknown)
	require.True(t, changed)

	// Flood the window with poor samples within the gate interval.
	clock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		_, changed = m.Update(ScoreLost, ScoreUnknown)
		assert.False(t, changed, "change inside the hysteresis interval must be suppressed")
	}
	assert.Equal(t, LevelExcellent, m.Snapshot().LocalLevel)

	// Once the gate opens the suppressed change commits.
	clock.Advance(5 * time.Second)
	level, changed := m.Update(ScoreLost, ScoreUnknown)
	assert.True(t, changed)
	assert.Equal(t, LevelPoor, level)
	assert.Equal(t, Profiles[LevelPoor], m.Profile())
}

func TestMonitorGateIsStrictlyGreaterThanInterval(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	_, changed := m.Update(ScoreExcellent, ScoreUnknown)
	require.True(t, changed)

	// Exactly the interval is not enough.
	clock.Advance(5 * time.Second)
	_, changed = m.Update(ScoreLost, ScoreUnknown)
	assert.False(t, changed)

	clock.Advance(time.Millisecond)
	_, changed = m.Update(ScoreLost, ScoreUnknown)
	assert.True(t, changed)
}

func TestMonitorWindowEvictsOldestSample(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	// Fill the window with one poor sample followed by good ones.
	m.Update(ScoreLost, ScoreUnknown)
	for i := 0; i < 4; i++ {
		m.Update(ScoreGood, ScoreUnknown)
	}
	require.Len(t, m.Snapshot().History, 5)

	// mean = (5+2+2+2+2)/5 = 2.6 -> poor
	assert.Equal(t, LevelPoor, m.StableLevel())

	// One more good sample evicts the lost one: mean = 2.0 -> good.
	m.Update(ScoreGood, ScoreUnknown)
	require.Len(t, m.Snapshot().History, 5)
	assert.Equal(t, LevelGood, m.StableLevel())
}

func TestMonitorCoarseThresholds(t *testing.T) {
	tests := []struct {
		name    string
		samples []Score
		want    Level
	}{
		{"all excellent", []Score{1, 1, 1, 1, 1}, LevelExcellent},
		{"mostly excellent mean 1.4", []Score{1, 1, 1, 2, 2}, LevelExcellent},
		{"mean between thresholds", []Score{2, 2, 2, 2, 2}, LevelGood},
		{"mixed good mean 2.4", []Score{2, 2, 2, 2, 4}, LevelGood},
		{"above upper threshold", []Score{2, 2, 2, 4, 4}, LevelPoor},
		{"all lost", []Score{5, 5, 5, 5, 5}, LevelPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(newFakeClock())
			for _, s := range tt.samples {
				m.Update(s, ScoreUnknown)
			}
			assert.Equal(t, tt.want, m.StableLevel())
		})
	}
}

func TestMonitorRemoteScoreMapsDirectly(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	m.Update(ScoreExcellent, ScoreGood)
	assert.Equal(t, LevelGood, m.Snapshot().RemoteLevel)

	m.Update(ScoreExcellent, ScoreLost)
	assert.Equal(t, LevelPoor, m.Snapshot().RemoteLevel)

	// ScoreUnknown leaves the remote level as it was.
	m.Update(ScoreExcellent, ScoreUnknown)
	assert.Equal(t, LevelPoor, m.Snapshot().RemoteLevel)
}

func TestMonitorReset(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.Update(ScoreLost, ScoreLost)
	require.NotEqual(t, LevelUnknown, m.Snapshot().LocalLevel)

	m.Reset()

	snap := m.Snapshot()
	assert.Equal(t, LevelUnknown, snap.LocalLevel)
	assert.Equal(t, LevelUnknown, snap.RemoteLevel)
	assert.Equal(t, ScoreUnknown, snap.LocalScore)
	assert.Empty(t, snap.History)
	assert.Equal(t, Profiles[LevelUnknown], snap.Profile)

	// A fresh sample commits immediately again after reset.
	_, changed := m.Update(ScoreExcellent, ScoreUnknown)
	assert.True(t, changed)
}

func TestMonitorProfileFollowsCommittedLevel(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.Update(ScoreExcellent, ScoreUnknown)
	assert.Equal(t, 128, m.Profile().Bitrate)
	assert.Equal(t, 48000, m.Profile().SampleRate)

	clock.Advance(6 * time.Second)
	for i := 0; i < 5; i++ {
		m.Update(ScoreLost, ScoreUnknown)
	}
	assert.Equal(t, 16, m.Profile().Bitrate)
	assert.Equal(t, 16000, m.Profile().SampleRate)
}

func TestLevelForScore(t *testing.T) {
	assert.Equal(t, LevelExcellent, LevelForScore(ScoreExcellent))
	assert.Equal(t, LevelGood, LevelForScore(ScoreGood))
	assert.Equal(t, LevelPoor, LevelForScore(ScorePoor))
	assert.Equal(t, LevelPoor, LevelForScore(ScoreLost))
	assert.Equal(t, LevelUnknown, LevelForScore(ScoreUnknown))
}

func TestLevelStringAndBars(t *testing.T) {
	assert.Equal(t, "excellent", LevelExcellent.String())
	assert.Equal(t, "unknown", LevelUnknown.String())
	assert.Equal(t, 4, LevelExcellent.Bars())
	assert.Equal(t, 3, LevelGood.Bars())
	assert.Equal(t, 2, LevelMedium.Bars())
	assert.Equal(t, 1, LevelPoor.Bars())
	assert.Equal(t, 0, LevelUnknown.Bars())
}
