// Package media wraps one peer-to-peer audio connection per call.
//
// A Session owns a single pion PeerConnection and drives the
// offer/answer exchange over a signaling conduit. Connectivity
// candidates are tolerated in any order relative to the description
// exchange: candidates arriving early are buffered and applied once the
// remote description is set. The offering side re-sends its offer
// periodically until the answer arrives, so the callee may join the
// signaling channel late without losing the call.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/squadlink/callkit/signaling"
)

// ConnState is the connection state surfaced to the call engine.
type ConnState int

const (
	// StateConnected indicates media is flowing.
	StateConnected ConnState = iota
	// StateDisconnected indicates a transient connectivity loss; the
	// transport has its own internal retry window before failing.
	StateDisconnected
	// StateFailed indicates the connection is unrecoverable.
	StateFailed
)

// String returns the lower-case label for the state.
func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Sentinel errors for media session operations.
var (
	// ErrNegotiationTimeout indicates the peer never completed the
	// description exchange.
	ErrNegotiationTimeout = errors.New("negotiation timed out waiting for peer")

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("media session is closed")
)

// Config defines media session tuning parameters.
type Config struct {
	// ICEServers used for candidate gathering.
	ICEServers []webrtc.ICEServer

	// OfferResendInterval is how often the offering side re-broadcasts
	// its offer until the answer arrives.
	OfferResendInterval time.Duration

	// NegotiationTimeout bounds the whole description exchange. This is
	// separate from the engine's ring timeout.
	NegotiationTimeout time.Duration
}

// DefaultConfig returns media defaults: public STUN, 2s offer re-send,
// 60s negotiation timeout.
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
		OfferResendInterval: 2 * time.Second,
		NegotiationTimeout:  60 * time.Second,
	}
}

// Session manages one underlying peer connection.
type Session struct {
	cfg Config

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	sender  *webrtc.RTPSender
	track   *webrtc.TrackLocalStaticSample
	conduit signaling.Conduit
	pending []webrtc.ICECandidateInit
	isOffer bool
	muted   bool
	closed  bool

	negotiated chan struct{}
	negOnce    sync.Once
	answerOnce sync.Once
	offerStop  chan struct{}
	closedCh   chan struct{}

	onState  func(ConnState)
	onAnswer func()
}

// NewSession creates an unconnected session.
func NewSession(cfg Config) *Session {
	return &Session{
		cfg:        cfg,
		negotiated: make(chan struct{}),
		offerStop:  make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
}

// OnConnectionStateChange registers the callback invoked on
// connected/disconnected/failed transitions. Must be set before Connect.
func (s *Session) OnConnectionStateChange(fn func(ConnState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// OnAnswerReceived registers the callback fired exactly once, on the
// offering side only, when the remote answer arrives. Must be set before
// Connect.
func (s *Session) OnAnswerReceived(fn func()) {
	s.mu.Lock()
	s.onAnswer = fn
	s.mu.Unlock()
}

// Connect opens the signaling channel and performs the description
// exchange, blocking until the peer connection is negotiated or the
// timeout elapses. With isOffer the session generates and sends the
// offer and awaits the answer; otherwise it awaits the offer and replies
// with an answer. A transport open failure is a hard error: no partial
// state survives.
func (s *Session) Connect(ctx context.Context, transport signaling.Transport, channel string, isOffer bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.isOffer = isOffer
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"channel":  channel,
		"is_offer": isOffer,
	}).Info("Starting media session negotiation")

	if err := s.setupPeerConnection(); err != nil {
		s.Close()
		return err
	}

	conduit, err := transport.Open(ctx, channel)
	if err != nil {
		s.Close()
		return fmt.Errorf("open signaling channel: %w", err)
	}
	s.mu.Lock()
	s.conduit = conduit
	s.mu.Unlock()
	conduit.SetHandler(s.handleSignal)

	if isOffer {
		if err := s.sendOfferLoop(); err != nil {
			s.Close()
			return err
		}
	}

	timeout := time.NewTimer(s.cfg.NegotiationTimeout)
	defer timeout.Stop()

	select {
	case <-s.negotiated:
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"channel":  channel,
		}).Info("Media session negotiated")
		return nil
	case <-timeout.C:
		s.Close()
		return ErrNegotiationTimeout
	case <-s.closedCh:
		return ErrSessionClosed
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// setupPeerConnection builds the peer connection, the outbound audio
// track and the state/candidate callbacks.
func (s *Session) setupPeerConnection() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: s.cfg.ICEServers,
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "callkit",
	)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.mu.Lock()
		fn := s.onState
		s.mu.Unlock()
		if fn == nil {
			return
		}
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			fn(StateConnected)
		case webrtc.ICEConnectionStateDisconnected:
			fn(StateDisconnected)
		case webrtc.ICEConnectionStateFailed:
			fn(StateFailed)
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		s.mu.Lock()
		conduit := s.conduit
		s.mu.Unlock()
		if conduit == nil {
			return
		}
		if err := conduit.Send(signaling.Envelope{
			Type:      signaling.TypeCandidate,
			Candidate: payload,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnICECandidate",
				"error":    err,
			}).Warn("Failed to send connectivity candidate")
		}
	})

	s.mu.Lock()
	s.pc = pc
	s.track = track
	s.sender = sender
	s.mu.Unlock()
	return nil
}

// sendOfferLoop creates the offer, sends it, and keeps re-sending until
// the answer arrives in case the callee joins the channel late.
func (s *Session) sendOfferLoop() error {
	s.mu.Lock()
	pc := s.pc
	conduit := s.conduit
	s.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	send := func() {
		if err := conduit.Send(signaling.Envelope{
			Type: signaling.TypeOffer,
			SDP:  offer.SDP,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendOfferLoop",
				"error":    err,
			}).Warn("Failed to send offer")
		}
	}
	send()

	go func() {
		ticker := time.NewTicker(s.cfg.OfferResendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				send()
			case <-s.negotiated:
				return
			case <-s.offerStop:
				return
			}
		}
	}()
	return nil
}

// handleSignal routes one inbound envelope. Candidates may arrive before
// or after the description exchange.
func (s *Session) handleSignal(env signaling.Envelope) {
	s.mu.Lock()
	if s.closed || s.pc == nil {
		s.mu.Unlock()
		return
	}
	pc := s.pc
	conduit := s.conduit
	isOffer := s.isOffer
	s.mu.Unlock()

	switch env.Type {
	case signaling.TypeOffer:
		if isOffer {
			return
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  env.SDP,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleSignal",
				"error":    err,
			}).Warn("Failed to apply remote offer")
			return
		}
		s.flushPendingCandidates()

		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleSignal",
				"error":    err,
			}).Warn("Failed to create answer")
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleSignal",
				"error":    err,
			}).Warn("Failed to set local answer")
			return
		}
		if err := conduit.Send(signaling.Envelope{
			Type: signaling.TypeAnswer,
			SDP:  answer.SDP,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleSignal",
				"error":    err,
			}).Warn("Failed to send answer")
			return
		}
		s.negOnce.Do(func() { close(s.negotiated) })

	case signaling.TypeAnswer:
		if !isOffer {
			return
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  env.SDP,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleSignal",
				"error":    err,
			}).Warn("Failed to apply remote answer")
			return
		}
		s.flushPendingCandidates()
		s.answerOnce.Do(func() {
			s.mu.Lock()
			fn := s.onAnswer
			s.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
		s.negOnce.Do(func() { close(s.negotiated) })

	case signaling.TypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Candidate, &init); err != nil {
			return
		}
		if pc.RemoteDescription() != nil {
			if err := pc.AddICECandidate(init); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleSignal",
					"error":    err,
				}).Warn("Failed to add connectivity candidate")
			}
			return
		}
		// Remote description not set yet; apply opportunistically later.
		s.mu.Lock()
		s.pending = append(s.pending, init)
		s.mu.Unlock()
	}
}

// flushPendingCandidates applies candidates queued before the remote
// description was set.
func (s *Session) flushPendingCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	pc := s.pc
	s.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "flushPendingCandidates",
				"error":    err,
			}).Warn("Failed to add buffered candidate")
		}
	}
}

// ToggleMute flips the local audio track and returns the new muted
// state. Muting swaps the outbound track out of the RTP sender; no
// signaling message is involved.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil {
		return s.muted
	}

	if s.muted {
		if err := s.sender.ReplaceTrack(s.track); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ToggleMute",
				"error":    err,
			}).Warn("Failed to restore audio track")
			return s.muted
		}
		s.muted = false
	} else {
		if err := s.sender.ReplaceTrack(nil); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ToggleMute",
				"error":    err,
			}).Warn("Failed to detach audio track")
			return s.muted
		}
		s.muted = true
	}
	return s.muted
}

// Muted reports the current local mute state.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// PendingCandidates reports how many candidates are buffered awaiting
// the remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close releases the peer connection and the signaling conduit. It is
// idempotent and safe on a session that never connected.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	conduit := s.conduit
	s.pc = nil
	s.sender = nil
	s.track = nil
	s.conduit = nil
	s.pending = nil
	s.muted = false
	close(s.offerStop)
	close(s.closedCh)
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"error":    err,
			}).Warn("Failed to close peer connection")
		}
	}
	if conduit != nil {
		conduit.Close()
	}
}
