// Package quality converts noisy per-sample link measurements into a
// stable network quality level and a recommended audio profile.
//
// Raw connection quality flaps. The monitor keeps a bounded history of
// recent samples, derives the level from the window mean, and refuses to
// commit a level change more often than once per hysteresis interval.
// The cost is a few seconds of staleness; the gain is a quality
// indicator that does not flicker.
package quality

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the public five-level quality vocabulary.
type Level int

const (
	// LevelUnknown indicates quality has not been assessed yet.
	LevelUnknown Level = iota
	// LevelExcellent indicates optimal link conditions.
	LevelExcellent
	// LevelGood indicates good link conditions with minor issues.
	LevelGood
	// LevelMedium indicates degraded but usable link conditions.
	LevelMedium
	// LevelPoor indicates severely constrained link conditions.
	LevelPoor
)

// String returns the lower-case label for the level.
func (l Level) String() string {
	switch l {
	case LevelExcellent:
		return "excellent"
	case LevelGood:
		return "good"
	case LevelMedium:
		return "medium"
	case LevelPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Bars returns the number of signal bars to render for the level, out
// of four.
func (l Level) Bars() int {
	switch l {
	case LevelExcellent:
		return 4
	case LevelGood:
		return 3
	case LevelMedium:
		return 2
	case LevelPoor:
		return 1
	default:
		return 0
	}
}

// Score is a raw per-sample link quality measurement on a fixed ordinal
// scale where lower is better. Zero means no measurement.
type Score int

const (
	// ScoreUnknown indicates no measurement.
	ScoreUnknown Score = 0
	// ScoreExcellent indicates an optimal sample.
	ScoreExcellent Score = 1
	// ScoreGood indicates a good sample.
	ScoreGood Score = 2
	// ScorePoor indicates a degraded sample.
	ScorePoor Score = 4
	// ScoreLost indicates a sample taken while connectivity was lost.
	ScoreLost Score = 5
)

// LevelForScore maps a single raw sample to the five-level vocabulary.
// This is the direct per-sample mapping used for remote quality display;
// the committed local level goes through the windowed coarse map instead.
func LevelForScore(s Score) Level {
	switch s {
	case ScoreExcellent:
		return LevelExcellent
	case ScoreGood:
		return LevelGood
	case ScorePoor, ScoreLost:
		return LevelPoor
	default:
		return LevelUnknown
	}
}

// AudioProfile is the audio encoding configuration recommended for a
// quality level.
type AudioProfile struct {
	Bitrate    int // kbps
	SampleRate int // Hz
}

// Profiles maps each quality level to its recommended audio profile.
var Profiles = map[Level]AudioProfile{
	LevelExcellent: {Bitrate: 128, SampleRate: 48000},
	LevelGood:      {Bitrate: 64, SampleRate: 44100},
	LevelMedium:    {Bitrate: 32, SampleRate: 32000},
	LevelPoor:      {Bitrate: 16, SampleRate: 16000},
	LevelUnknown:   {Bitrate: 64, SampleRate: 44100},
}

// TimeProvider supplies the current time. It allows injecting a mock
// clock for deterministic hysteresis tests.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// Config defines monitor tuning parameters.
type Config struct {
	// HistorySize is the length of the sliding sample window.
	HistorySize int

	// MinChangeInterval is the minimum delay between two committed level
	// changes.
	MinChangeInterval time.Duration

	// TimeProvider supplies the clock. Nil means the system clock.
	TimeProvider TimeProvider
}

// DefaultConfig returns the standard monitor tuning: a five sample
// window and a five second hysteresis gate.
func DefaultConfig() *Config {
	return &Config{
		HistorySize:       5,
		MinChangeInterval: 5 * time.Second,
		TimeProvider:      RealTimeProvider{},
	}
}

// State is a read-only snapshot of the monitor.
type State struct {
	LocalLevel  Level
	RemoteLevel Level
	LocalScore  Score
	RemoteScore Score
	Profile     AudioProfile
	History     []Score
}

// Monitor smooths raw link quality samples into stable level changes.
// All methods are safe for concurrent use.
type Monitor struct {
	mu sync.Mutex

	localLevel  Level
	remoteLevel Level
	localScore  Score
	remoteScore Score

	history    []Score
	profile    AudioProfile
	lastChange time.Time

	cfg Config
}

// NewMonitor creates a monitor. A nil config selects DefaultConfig.
func NewMonitor(cfg *Config) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.MinChangeInterval <= 0 {
		cfg.MinChangeInterval = DefaultConfig().MinChangeInterval
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = RealTimeProvider{}
	}
	return &Monitor{
		localLevel:  LevelUnknown,
		remoteLevel: LevelUnknown,
		profile:     Profiles[LevelUnknown],
		history:     make([]Score, 0, cfg.HistorySize),
		cfg:         *cfg,
	}
}

// Update ingests one local sample (and optionally a remote one; pass
// ScoreUnknown to skip) and returns the newly committed local level.
// The second return value is false when no change was committed, either
// because the windowed level is unchanged or because the hysteresis gate
// is still closed.
func (m *Monitor) Update(local, remote Score) (Level, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.TimeProvider.Now()

	m.history = append(m.history, local)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}

	m.localScore = local
	if remote != ScoreUnknown {
		m.remoteScore = remote
		m.remoteLevel = LevelForScore(remote)
	}

	candidate := levelForMean(m.mean())
	canChange := now.Sub(m.lastChange) > m.cfg.MinChangeInterval
	if candidate == m.localLevel || !canChange {
		return LevelUnknown, false
	}

	previous := m.localLevel
	m.localLevel = candidate
	m.profile = Profiles[candidate]
	m.lastChange = now

	logrus.WithFields(logrus.Fields{
		"function": "Update",
		"from":     previous.String(),
		"to":       candidate.String(),
		"bitrate":  m.profile.Bitrate,
	}).Debug("Committed network quality change")

	return candidate, true
}

// Reset clears all monitor state back to its unknown defaults. It is
// called unconditionally at call teardown.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.localLevel = LevelUnknown
	m.remoteLevel = LevelUnknown
	m.localScore = ScoreUnknown
	m.remoteScore = ScoreUnknown
	m.history = m.history[:0]
	m.profile = Profiles[LevelUnknown]
	m.lastChange = time.Time{}
}

// StableLevel recomputes the level from the current window mean, for
// display purposes. It neither mutates state nor respects the
// hysteresis gate.
func (m *Monitor) StableLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return LevelUnknown
	}
	return levelForMean(m.mean())
}

// Profile returns the currently recommended audio profile.
func (m *Monitor) Profile() AudioProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Snapshot returns a copy of the monitor state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]Score, len(m.history))
	copy(history, m.history)

	return State{
		LocalLevel:  m.localLevel,
		RemoteLevel: m.remoteLevel,
		LocalScore:  m.localScore,
		RemoteScore: m.remoteScore,
		Profile:     m.profile,
		History:     history,
	}
}

// mean computes the window average. Callers must hold the lock and
// guarantee a non-empty history.
func (m *Monitor) mean() float64 {
	var sum int
	for _, s := range m.history {
		sum += int(s)
	}
	return float64(sum) / float64(len(m.history))
}

// levelForMean maps a window mean to the coarse three-level committed
// vocabulary. The five-level labels are reserved for direct per-sample
// mapping.
func levelForMean(mean float64) Level {
	switch {
	case mean <= 1.5:
		return LevelExcellent
	case mean <= 2.5:
		return LevelGood
	default:
		return LevelPoor
	}
}
