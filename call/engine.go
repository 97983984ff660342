package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/squadlink/callkit/media"
	"github.com/squadlink/callkit/metrics"
	"github.com/squadlink/callkit/quality"
	"github.com/squadlink/callkit/signaling"
)

// TimeProvider supplies the current time. It allows injecting a mock
// clock for deterministic duration tests.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// MediaSession is the engine's view of one peer media connection. The
// concrete implementation is media.Session; tests substitute fakes.
type MediaSession interface {
	Connect(ctx context.Context, transport signaling.Transport, channel string, isOffer bool) error
	ToggleMute() bool
	Close()
	OnConnectionStateChange(fn func(media.ConnState))
	OnAnswerReceived(fn func())
}

// Options configures an Engine.
type Options struct {
	// UserID is the authenticated local identity. StartCall refuses to
	// run without one.
	UserID string

	// Transport carries signaling between the two peers. Required.
	Transport signaling.Transport

	// Collaborator ports. All are optional; a nil port disables the
	// corresponding best-effort side effect.
	Directory Directory
	Records   Records
	Pusher    Pusher

	// Quality is the network quality monitor owned by this engine. Nil
	// selects a monitor with default tuning.
	Quality *quality.Monitor

	// Collector receives instrumentation. Nil disables it.
	Collector metrics.Collector

	// NewMediaSession builds the peer media session for a call. Nil
	// selects media.NewSession with default config.
	NewMediaSession func() MediaSession

	// RingTimeout is how long a call may stay in calling/ringing before
	// it is treated as unanswered.
	RingTimeout time.Duration

	// TickInterval is the duration tick period while connected.
	TickInterval time.Duration

	// Post-terminal delays before the session auto-resets to idle.
	EndedResetDelay    time.Duration
	RejectedResetDelay time.Duration
	MissedResetDelay   time.Duration

	// MaxReconnectAttempts caps the diagnostic reconnect counter. The
	// engine does not renegotiate itself; the transport has its own
	// retry window before declaring failure.
	MaxReconnectAttempts int

	// DefaultDisplayName substitutes for a missing profile.
	DefaultDisplayName string

	// TimeProvider supplies the clock. Nil means the system clock.
	TimeProvider TimeProvider
}

// DefaultOptions returns the standard engine tuning.
func DefaultOptions() Options {
	return Options{
		RingTimeout:          30 * time.Second,
		TickInterval:         time.Second,
		EndedResetDelay:      2 * time.Second,
		RejectedResetDelay:   time.Second,
		MissedResetDelay:     2 * time.Second,
		MaxReconnectAttempts: 5,
		DefaultDisplayName:   "Unknown",
		TimeProvider:         RealTimeProvider{},
	}
}

// Engine is the call session state machine. One engine exists per client
// process; the session it owns is perpetually reused, reset to idle
// between calls and never destroyed.
//
// All session mutations flow through a single dispatch point guarded by
// one mutex, giving the cooperative single-writer timeline the design
// assumes. Blocking collaborator I/O happens outside the lock.
type Engine struct {
	opts Options

	mu  sync.Mutex
	gen uint64

	status     Status
	caller     *Participant
	receiver   *Participant
	isIncoming bool
	callID     string

	startedAt time.Time
	duration  int

	muted     bool
	speakerOn bool

	reconnecting      bool
	reconnectAttempts int

	errMsg string

	// The single live media session. At most one exists at a time;
	// starting a new one tears down any previous instance
	// unconditionally.
	media MediaSession

	ringTimer  *time.Timer
	resetTimer *time.Timer
	tickerStop chan struct{}

	subs    map[int]func(Snapshot)
	nextSub int
}

// NewEngine creates an engine from opts, filling zero fields from
// DefaultOptions.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}

	defaults := DefaultOptions()
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = defaults.RingTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaults.TickInterval
	}
	if opts.EndedResetDelay <= 0 {
		opts.EndedResetDelay = defaults.EndedResetDelay
	}
	if opts.RejectedResetDelay <= 0 {
		opts.RejectedResetDelay = defaults.RejectedResetDelay
	}
	if opts.MissedResetDelay <= 0 {
		opts.MissedResetDelay = defaults.MissedResetDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if opts.DefaultDisplayName == "" {
		opts.DefaultDisplayName = defaults.DefaultDisplayName
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = defaults.TimeProvider
	}
	if opts.Quality == nil {
		opts.Quality = quality.NewMonitor(nil)
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewNopCollector()
	}
	if opts.NewMediaSession == nil {
		opts.NewMediaSession = func() MediaSession {
			return media.NewSession(media.DefaultConfig())
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewEngine",
		"user_id":      opts.UserID,
		"ring_timeout": opts.RingTimeout,
	}).Debug("Call engine created")

	return &Engine{
		opts:      opts,
		gen:       1,
		status:    StatusIdle,
		speakerOn: true,
		subs:      make(map[int]func(Snapshot)),
	}, nil
}

// StartCall places an outgoing call to receiver. It persists a call
// record and dispatches a push notification best-effort, then drives
// the media negotiation; a transport or negotiation failure surfaces on
// the session error field and reverts the session to idle.
func (e *Engine) StartCall(ctx context.Context, receiver Participant) error {
	e.mu.Lock()
	if e.status != StatusIdle {
		status := e.status
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "StartCall",
			"status":   status.String(),
		}).Warn("Ignoring start request: a call is already in progress")
		return ErrBusy
	}
	if e.opts.UserID == "" {
		e.errMsg = normalizeError(ErrNotAuthenticated)
		snap := e.snapshotLocked()
		subs := e.subscribersLocked()
		e.mu.Unlock()
		for _, fn := range subs {
			fn(snap)
		}
		return ErrNotAuthenticated
	}
	e.mu.Unlock()

	caller := e.lookupSelf(ctx)
	if receiver.Username == "" {
		receiver.Username = e.opts.DefaultDisplayName
	}

	callID := e.createRecord(ctx, e.opts.UserID, receiver.ID)

	snap := e.dispatch(event{
		kind:     evOutgoingStarted,
		caller:   &caller,
		receiver: &receiver,
		callID:   callID,
	})
	if snap.Status != StatusCalling {
		return ErrBusy
	}

	// Push notification is skipped when persistence failed: there is no
	// record id for the callee to act on.
	if callID != "" {
		go e.sendIncomingPush(receiver.ID, caller, callID)
	}

	m, gen := e.takeMedia()
	channel := signaling.ChannelName(e.opts.UserID, receiver.ID)
	if err := m.Connect(ctx, e.opts.Transport, channel, true); err != nil {
		e.dispatch(event{kind: evConnectFailed, gen: gen, err: err})
		return fmt.Errorf("connect media session: %w", err)
	}
	return nil
}

// SetIncomingCall transitions the session to ringing for an inbound
// offer. It no-ops with a warning when the session is not idle; the
// Listener is responsible for rejecting the superseded record.
func (e *Engine) SetIncomingCall(caller Participant, callID string) error {
	if caller.Username == "" {
		caller.Username = e.opts.DefaultDisplayName
	}
	snap := e.dispatch(event{kind: evIncomingOffer, caller: &caller, callID: callID})
	if snap.Status != StatusRinging || snap.CallID != callID {
		return ErrBusy
	}
	return nil
}

// AcceptCall answers the ringing inbound call: it marks the record
// answered, moves the session to calling in the answer role, and drives
// the media negotiation. The session becomes connected only once the
// peer connection reports connected.
func (e *Engine) AcceptCall(ctx context.Context) error {
	e.mu.Lock()
	if e.status != StatusRinging || e.caller == nil {
		status := e.status
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "AcceptCall",
			"status":   status.String(),
		}).Warn("Ignoring accept request: no incoming call")
		return ErrNoIncomingCall
	}
	callerID := e.caller.ID
	callID := e.callID
	e.mu.Unlock()

	receiver := e.lookupSelf(ctx)
	if callID != "" {
		e.updateRecord(ctx, callID, RecordUpdate{Status: RecordAnswered})
	}

	snap := e.dispatch(event{kind: evAccepted, receiver: &receiver})
	if snap.Status != StatusCalling {
		return ErrNoIncomingCall
	}

	m, gen := e.takeMedia()
	channel := signaling.ChannelName(e.opts.UserID, callerID)
	if err := m.Connect(ctx, e.opts.Transport, channel, false); err != nil {
		e.dispatch(event{kind: evConnectFailed, gen: gen, err: err})
		return fmt.Errorf("connect media session: %w", err)
	}
	return nil
}

// RejectCall declines the ringing inbound call, persisting the rejection
// best-effort. The session auto-resets shortly after.
func (e *Engine) RejectCall(ctx context.Context) error {
	e.mu.Lock()
	if e.status != StatusRinging {
		status := e.status
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "RejectCall",
			"status":   status.String(),
		}).Warn("Ignoring reject request: no incoming call")
		return ErrNoIncomingCall
	}
	callID := e.callID
	e.mu.Unlock()

	if callID != "" {
		e.updateRecord(ctx, callID, RecordUpdate{Status: RecordRejected})
	}
	e.dispatch(event{kind: evRejected})
	return nil
}

// EndCall hangs up the current call from any active state. The record
// receives its end timestamp, the elapsed duration when the call was
// connected, and a missed status when it was still calling. EndCall is
// safe to invoke when nothing is active.
func (e *Engine) EndCall(ctx context.Context) error {
	e.mu.Lock()
	status := e.status
	callID := e.callID
	startedAt := e.startedAt
	e.mu.Unlock()

	switch status {
	case StatusCalling, StatusRinging, StatusConnected:
	default:
		return nil
	}

	if callID != "" {
		now := e.opts.TimeProvider.Now()
		upd := RecordUpdate{EndedAt: &now}
		switch status {
		case StatusConnected:
			d := int(now.Sub(startedAt).Seconds())
			upd.DurationSeconds = &d
		case StatusCalling:
			upd.Status = RecordMissed
		}
		e.updateRecord(ctx, callID, upd)
	}

	e.dispatch(event{kind: evEndRequested})
	return nil
}

// Reset is the single idempotent teardown primitive: cancel all timers,
// tear down the media session, reset the quality monitor and restore
// every session field to its idle default. Always safe to call.
func (e *Engine) Reset() {
	e.dispatch(event{kind: evAutoReset})
}

// ToggleMute flips the local audio track and returns the new muted
// state.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	m := e.media
	current := e.muted
	e.mu.Unlock()
	if m == nil {
		return current
	}

	muted := m.ToggleMute()
	snap, subs := e.mutate(func() { e.muted = muted })
	for _, fn := range subs {
		fn(snap)
	}
	return muted
}

// ToggleSpeaker flips the local speaker flag and returns the new value.
// It is independent of call status.
func (e *Engine) ToggleSpeaker() bool {
	var on bool
	snap, subs := e.mutate(func() {
		e.speakerOn = !e.speakerOn
		on = e.speakerOn
	})
	for _, fn := range subs {
		fn(snap)
	}
	return on
}

// ClearError clears the user-facing error message.
func (e *Engine) ClearError() {
	snap, subs := e.mutate(func() { e.errMsg = "" })
	for _, fn := range subs {
		fn(snap)
	}
}

// ReportQuality feeds one pair of link quality samples into the monitor
// and returns the newly committed level, if any.
func (e *Engine) ReportQuality(local, remote quality.Score) (quality.Level, bool) {
	level, changed := e.opts.Quality.Update(local, remote)
	if changed {
		e.opts.Collector.QualityChanged(level.String())
		logrus.WithFields(logrus.Fields{
			"function": "ReportQuality",
			"level":    level.String(),
		}).Info("Network quality level changed")
	}
	return level, changed
}

// Quality returns the engine's network quality monitor.
func (e *Engine) Quality() *quality.Monitor { return e.opts.Quality }

// Status returns the current session status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CallID returns the persisted record id of the current call, or empty.
func (e *Engine) CallID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callID
}

// Snapshot returns a read-only copy of the session.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe registers a change callback and returns its unsubscribe
// function. Subscribers receive a session snapshot after every change;
// UI bindings are external subscribers, not part of the engine.
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// dispatch is the single authoritative transition point. It applies the
// event under the lock, then notifies subscribers and runs deferred side
// effects outside it.
func (e *Engine) dispatch(ev event) Snapshot {
	e.mu.Lock()
	if ev.gen != 0 && ev.gen != e.gen {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"event":    ev.kind.String(),
		}).Debug("Dropping event from superseded session generation")
		return snap
	}

	changed, effects := e.apply(ev)
	snap := e.snapshotLocked()
	var subs []func(Snapshot)
	if changed {
		subs = e.subscribersLocked()
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	for _, effect := range effects {
		effect()
	}
	return snap
}

// apply performs one state transition. Callers hold the lock. It returns
// whether observable state changed and any side effects to run after the
// lock is released.
func (e *Engine) apply(ev event) (bool, []func()) {
	var effects []func()

	logrus.WithFields(logrus.Fields{
		"function": "apply",
		"event":    ev.kind.String(),
		"status":   e.status.String(),
	}).Debug("Dispatching call event")

	switch ev.kind {
	case evOutgoingStarted:
		if e.status != StatusIdle {
			logrus.WithFields(logrus.Fields{
				"function": "apply",
				"status":   e.status.String(),
			}).Warn("Outgoing call superseded before it could start")
			if ev.callID != "" {
				callID := ev.callID
				effects = append(effects, func() { e.updateRecordAsync(callID, RecordUpdate{Status: RecordRejected}) })
			}
			return false, effects
		}
		e.gen++
		e.status = StatusCalling
		e.caller = ev.caller
		e.receiver = ev.receiver
		e.isIncoming = false
		e.callID = ev.callID
		e.errMsg = ""
		e.armRingTimerLocked()
		e.opts.Collector.CallStarted("outgoing")
		return true, effects

	case evIncomingOffer:
		if e.status != StatusIdle {
			logrus.WithFields(logrus.Fields{
				"function": "apply",
				"status":   e.status.String(),
				"call_id":  ev.callID,
			}).Warn("Ignoring incoming call: a call is already in progress")
			return false, effects
		}
		e.gen++
		e.status = StatusRinging
		e.caller = ev.caller
		e.receiver = nil
		e.isIncoming = true
		e.callID = ev.callID
		e.errMsg = ""
		e.armRingTimerLocked()
		e.opts.Collector.CallStarted("incoming")
		return true, effects

	case evAccepted:
		if e.status != StatusRinging {
			return false, effects
		}
		e.cancelRingTimerLocked()
		e.status = StatusCalling
		e.receiver = ev.receiver
		return true, effects

	case evRejected:
		if e.status != StatusRinging {
			return false, effects
		}
		e.cancelTimersLocked()
		e.status = StatusRejected
		e.opts.Collector.CallEnded("rejected", 0)
		e.armResetTimerLocked(e.opts.RejectedResetDelay)
		return true, effects

	case evEndRequested:
		switch e.status {
		case StatusCalling, StatusRinging, StatusConnected:
		default:
			return false, effects
		}
		wasCalling := e.status == StatusCalling
		wasConnected := e.status == StatusConnected
		e.cancelTimersLocked()
		if wasConnected {
			e.duration = int(e.opts.TimeProvider.Now().Sub(e.startedAt).Seconds())
		}
		effects = append(effects, e.releaseMediaLocked())
		e.status = StatusEnded
		label := "ended"
		if wasCalling {
			label = "missed"
		}
		e.opts.Collector.CallEnded(label, time.Duration(e.duration)*time.Second)
		e.armResetTimerLocked(e.opts.EndedResetDelay)
		return true, effects

	case evConnectFailed:
		if e.status != StatusCalling {
			return false, effects
		}
		e.cancelTimersLocked()
		effects = append(effects, e.releaseMediaLocked())
		e.opts.Collector.CallEnded("failed", 0)
		e.resetLocked()
		e.errMsg = normalizeError(ev.err)
		logrus.WithFields(logrus.Fields{
			"function": "apply",
			"error":    ev.err,
		}).Error("Media connection failed, call aborted")
		return true, effects

	case evRingTimeout:
		switch e.status {
		case StatusCalling:
			// Unanswered outgoing call: persist as missed if a record
			// exists, then wind down.
			e.cancelTimersLocked()
			effects = append(effects, e.releaseMediaLocked())
			if e.callID != "" {
				callID := e.callID
				now := e.opts.TimeProvider.Now()
				effects = append(effects, func() {
					e.updateRecordAsync(callID, RecordUpdate{Status: RecordMissed, EndedAt: &now})
				})
			}
			e.status = StatusEnded
			e.opts.Collector.CallEnded("missed", 0)
			e.armResetTimerLocked(e.opts.MissedResetDelay)
			return true, effects
		case StatusRinging:
			e.cancelTimersLocked()
			e.status = StatusMissed
			e.opts.Collector.CallEnded("missed", 0)
			e.armResetTimerLocked(e.opts.MissedResetDelay)
			return true, effects
		default:
			return false, effects
		}

	case evAutoReset:
		e.cancelTimersLocked()
		effects = append(effects, e.releaseMediaLocked())
		e.resetLocked()
		return true, effects

	case evTick:
		if e.status != StatusConnected {
			return false, effects
		}
		e.duration = int(e.opts.TimeProvider.Now().Sub(e.startedAt).Seconds())
		return true, effects

	case evPeerConnected:
		switch {
		case e.status == StatusCalling:
			e.cancelRingTimerLocked()
			e.status = StatusConnected
			e.startedAt = e.opts.TimeProvider.Now()
			e.duration = 0
			e.errMsg = ""
			e.reconnecting = false
			e.reconnectAttempts = 0
			e.startTickerLocked()
			logrus.WithFields(logrus.Fields{
				"function": "apply",
				"call_id":  e.callID,
			}).Info("Call connected")
			return true, effects
		case e.status == StatusConnected && e.reconnecting:
			e.reconnecting = false
			e.reconnectAttempts = 0
			e.errMsg = ""
			return true, effects
		default:
			return false, effects
		}

	case evPeerDisconnected:
		if e.status != StatusConnected {
			return false, effects
		}
		// Transient loss: recovery sub-state only, status unchanged.
		e.reconnecting = true
		if e.reconnectAttempts < e.opts.MaxReconnectAttempts {
			e.reconnectAttempts++
		}
		return true, effects

	case evPeerFailed:
		if e.status != StatusConnected {
			return false, effects
		}
		e.cancelTimersLocked()
		e.duration = int(e.opts.TimeProvider.Now().Sub(e.startedAt).Seconds())
		effects = append(effects, e.releaseMediaLocked())
		if e.callID != "" {
			callID := e.callID
			now := e.opts.TimeProvider.Now()
			d := e.duration
			effects = append(effects, func() {
				e.updateRecordAsync(callID, RecordUpdate{EndedAt: &now, DurationSeconds: &d})
			})
		}
		e.status = StatusEnded
		e.errMsg = userErrConnectionLost
		e.opts.Collector.CallEnded("failed", time.Duration(e.duration)*time.Second)
		e.armResetTimerLocked(e.opts.EndedResetDelay)
		return true, effects

	case evAnswerReceived:
		logrus.WithFields(logrus.Fields{
			"function": "apply",
			"call_id":  e.callID,
		}).Debug("Remote answer received")
		return false, effects

	default:
		return false, effects
	}
}

// resetLocked restores every session field to its idle default and
// bumps the generation so stale timer and peer events are dropped.
// Callers hold the lock and have already cancelled timers and released
// the media session.
func (e *Engine) resetLocked() {
	e.gen++
	e.status = StatusIdle
	e.caller = nil
	e.receiver = nil
	e.isIncoming = false
	e.callID = ""
	e.startedAt = time.Time{}
	e.duration = 0
	e.muted = false
	e.speakerOn = true
	e.reconnecting = false
	e.reconnectAttempts = 0
	e.errMsg = ""
	e.opts.Quality.Reset()
}

// releaseMediaLocked detaches the current media session and returns the
// effect that closes it outside the lock. The peer connection may emit
// state callbacks during close; closing outside the lock avoids
// re-entrancy, and the generation guard drops those stale events.
func (e *Engine) releaseMediaLocked() func() {
	old := e.media
	e.media = nil
	return func() {
		if old != nil {
			old.Close()
		}
	}
}

// takeMedia replaces the engine's media session with a fresh one, wiring
// its callbacks to the dispatch loop under the current generation. Any
// previous session is closed unconditionally.
func (e *Engine) takeMedia() (MediaSession, uint64) {
	e.mu.Lock()
	old := e.media
	gen := e.gen
	m := e.opts.NewMediaSession()
	e.media = m
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.OnConnectionStateChange(func(state media.ConnState) {
		switch state {
		case media.StateConnected:
			e.dispatch(event{kind: evPeerConnected, gen: gen})
		case media.StateDisconnected:
			e.dispatch(event{kind: evPeerDisconnected, gen: gen})
		case media.StateFailed:
			e.dispatch(event{kind: evPeerFailed, gen: gen})
		}
	})
	m.OnAnswerReceived(func() {
		e.dispatch(event{kind: evAnswerReceived, gen: gen})
	})
	return m, gen
}

// armRingTimerLocked starts the ring timeout under the current
// generation.
func (e *Engine) armRingTimerLocked() {
	gen := e.gen
	e.ringTimer = time.AfterFunc(e.opts.RingTimeout, func() {
		e.dispatch(event{kind: evRingTimeout, gen: gen})
	})
}

// armResetTimerLocked schedules the post-terminal auto-reset.
func (e *Engine) armResetTimerLocked(delay time.Duration) {
	gen := e.gen
	e.resetTimer = time.AfterFunc(delay, func() {
		e.dispatch(event{kind: evAutoReset, gen: gen})
	})
}

// startTickerLocked starts the 1 Hz duration tick.
func (e *Engine) startTickerLocked() {
	gen := e.gen
	stop := make(chan struct{})
	e.tickerStop = stop
	interval := e.opts.TickInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.dispatch(event{kind: evTick, gen: gen})
			case <-stop:
				return
			}
		}
	}()
}

// cancelRingTimerLocked stops the ring timeout if armed.
func (e *Engine) cancelRingTimerLocked() {
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

// cancelTimersLocked stops every live timer. Invoked before any
// transition away from the state that created them.
func (e *Engine) cancelTimersLocked() {
	e.cancelRingTimerLocked()
	if e.resetTimer != nil {
		e.resetTimer.Stop()
		e.resetTimer = nil
	}
	if e.tickerStop != nil {
		close(e.tickerStop)
		e.tickerStop = nil
	}
}

// snapshotLocked copies the session. Callers hold the lock.
func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:            e.status,
		IsIncoming:        e.isIncoming,
		CallID:            e.callID,
		StartedAt:         e.startedAt,
		Duration:          e.duration,
		Muted:             e.muted,
		SpeakerOn:         e.speakerOn,
		Reconnecting:      e.reconnecting,
		ReconnectAttempts: e.reconnectAttempts,
		Err:               e.errMsg,
	}
	if e.caller != nil {
		caller := *e.caller
		snap.Caller = &caller
	}
	if e.receiver != nil {
		receiver := *e.receiver
		snap.Receiver = &receiver
	}
	return snap
}

// subscribersLocked copies the subscriber list. Callers hold the lock.
func (e *Engine) subscribersLocked() []func(Snapshot) {
	subs := make([]func(Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	return subs
}

// mutate applies a field change under the lock and returns the snapshot
// and subscribers to notify.
func (e *Engine) mutate(change func()) (Snapshot, []func(Snapshot)) {
	e.mu.Lock()
	change()
	snap := e.snapshotLocked()
	subs := e.subscribersLocked()
	e.mu.Unlock()
	return snap, subs
}

// lookupSelf resolves the local user's display profile, substituting the
// default display name when the directory has nothing. A lookup failure
// is never surfaced.
func (e *Engine) lookupSelf(ctx context.Context) Participant {
	p := Participant{ID: e.opts.UserID, Username: e.opts.DefaultDisplayName}
	if e.opts.Directory == nil {
		return p
	}
	profile, err := e.opts.Directory.Lookup(ctx, e.opts.UserID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "lookupSelf",
			"user_id":  e.opts.UserID,
			"error":    err,
		}).Warn("Profile lookup failed, using default display name")
		return p
	}
	if profile == nil {
		return p
	}
	if profile.Username != "" {
		p.Username = profile.Username
	}
	p.AvatarURL = profile.AvatarURL
	return p
}

// createRecord inserts the call record best-effort. An empty id means
// persistence failed; the call proceeds without one.
func (e *Engine) createRecord(ctx context.Context, callerID, receiverID string) string {
	if e.opts.Records == nil {
		return ""
	}
	id, err := e.opts.Records.Create(ctx, callerID, receiverID, RecordMissed)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "createRecord",
			"receiver_id": receiverID,
			"error":       err,
		}).Warn("Failed to create call record, proceeding without one")
		return ""
	}
	return id
}

// updateRecord patches the record best-effort; failures are logged and
// tolerated.
func (e *Engine) updateRecord(ctx context.Context, id string, upd RecordUpdate) {
	if e.opts.Records == nil {
		return
	}
	if err := e.opts.Records.Update(ctx, id, upd); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "updateRecord",
			"call_id":  id,
			"error":    err,
		}).Warn("Failed to update call record")
	}
}

// updateRecordAsync patches the record from a timer-driven transition,
// detached from any caller context.
func (e *Engine) updateRecordAsync(id string, upd RecordUpdate) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.updateRecord(ctx, id, upd)
	}()
}

// sendIncomingPush notifies the callee. Fire-and-forget: errors are
// swallowed and logged, and dispatch never blocks or fails the call.
func (e *Engine) sendIncomingPush(receiverID string, caller Participant, callID string) {
	if e.opts.Pusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.opts.Pusher.Send(ctx, receiverID, Push{
		Title: "Incoming call",
		Body:  caller.Username + " is calling you",
		Tag:   "incoming-call-" + callID,
		Data: map[string]string{
			"type":          "incoming_call",
			"call_id":       callID,
			"caller_id":     caller.ID,
			"caller_name":   caller.Username,
			"caller_avatar": caller.AvatarURL,
		},
		Actions: []PushAction{
			{Action: "answer", Title: "Answer"},
			{Action: "decline", Title: "Decline"},
		},
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "sendIncomingPush",
			"receiver_id": receiverID,
			"call_id":     callID,
			"error":       err,
		}).Warn("Push notification failed")
	}
}
