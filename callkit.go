package callkit

import (
	"context"
	"errors"
	"time"

	"github.com/squadlink/callkit/call"
	"github.com/squadlink/callkit/media"
	"github.com/squadlink/callkit/metrics"
	"github.com/squadlink/callkit/quality"
	"github.com/squadlink/callkit/signaling"
)

// Options configures a Client.
type Options struct {
	// UserID is the authenticated local identity. Required.
	UserID string

	// Transport carries signaling between peers. Required.
	Transport signaling.Transport

	// Collaborator ports. Records, Pusher and Directory are best-effort
	// and may be nil. Stream is required for incoming calls; when nil
	// the client can only place outgoing calls.
	Directory call.Directory
	Records   call.Records
	Pusher    call.Pusher
	Stream    call.RecordStream

	// Collector receives instrumentation. Nil disables it.
	Collector metrics.Collector

	// Media tunes the peer connection. Zero value selects
	// media.DefaultConfig.
	Media media.Config

	// RingTimeout overrides the 30s default when positive.
	RingTimeout time.Duration
}

// NewOptions returns options with the required fields set and everything
// else at its default.
func NewOptions(userID string, transport signaling.Transport) *Options {
	return &Options{
		UserID:    userID,
		Transport: transport,
	}
}

// Client is the top-level voice-call facade: one engine, one quality
// monitor and one incoming-call listener per client process.
type Client struct {
	engine   *call.Engine
	listener *call.Listener
	monitor  *quality.Monitor
}

// New wires a client from options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		return nil, errors.New("options are required")
	}
	if opts.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Transport == nil {
		return nil, call.ErrNoTransport
	}

	mediaCfg := opts.Media
	if mediaCfg.OfferResendInterval == 0 && mediaCfg.NegotiationTimeout == 0 && mediaCfg.ICEServers == nil {
		mediaCfg = media.DefaultConfig()
	}

	monitor := quality.NewMonitor(nil)

	engineOpts := call.DefaultOptions()
	engineOpts.UserID = opts.UserID
	engineOpts.Transport = opts.Transport
	engineOpts.Directory = opts.Directory
	engineOpts.Records = opts.Records
	engineOpts.Pusher = opts.Pusher
	engineOpts.Quality = monitor
	engineOpts.Collector = opts.Collector
	engineOpts.NewMediaSession = func() call.MediaSession {
		return media.NewSession(mediaCfg)
	}
	if opts.RingTimeout > 0 {
		engineOpts.RingTimeout = opts.RingTimeout
	}

	engine, err := call.NewEngine(engineOpts)
	if err != nil {
		return nil, err
	}

	client := &Client{engine: engine, monitor: monitor}

	if opts.Stream != nil {
		listener, err := call.NewListener(engine, opts.Stream, opts.Records, opts.Directory, opts.UserID)
		if err != nil {
			return nil, err
		}
		client.listener = listener
	}
	return client, nil
}

// Start begins listening for incoming calls. It is a no-op when no
// record stream was configured.
func (c *Client) Start(ctx context.Context) error {
	if c.listener == nil {
		return nil
	}
	return c.listener.Start(ctx)
}

// Close stops the listener and resets any active call session.
func (c *Client) Close() {
	if c.listener != nil {
		c.listener.Stop()
	}
	c.engine.Reset()
}

// StartCall places an outgoing call.
func (c *Client) StartCall(ctx context.Context, receiver call.Participant) error {
	return c.engine.StartCall(ctx, receiver)
}

// AcceptCall answers the ringing inbound call.
func (c *Client) AcceptCall(ctx context.Context) error {
	return c.engine.AcceptCall(ctx)
}

// RejectCall declines the ringing inbound call.
func (c *Client) RejectCall(ctx context.Context) error {
	return c.engine.RejectCall(ctx)
}

// EndCall hangs up the current call.
func (c *Client) EndCall(ctx context.Context) error {
	return c.engine.EndCall(ctx)
}

// ToggleMute flips the local audio track and returns the new muted
// state.
func (c *Client) ToggleMute() bool { return c.engine.ToggleMute() }

// ToggleSpeaker flips the local speaker flag.
func (c *Client) ToggleSpeaker() bool { return c.engine.ToggleSpeaker() }

// ClearError clears the user-facing error message.
func (c *Client) ClearError() { c.engine.ClearError() }

// Snapshot returns the current session state.
func (c *Client) Snapshot() call.Snapshot { return c.engine.Snapshot() }

// Subscribe registers a session change callback and returns its
// unsubscribe function.
func (c *Client) Subscribe(fn func(call.Snapshot)) func() {
	return c.engine.Subscribe(fn)
}

// ReportQuality feeds link quality samples into the monitor.
func (c *Client) ReportQuality(local, remote quality.Score) (quality.Level, bool) {
	return c.engine.ReportQuality(local, remote)
}

// Quality returns the network quality monitor.
func (c *Client) Quality() *quality.Monitor { return c.monitor }
