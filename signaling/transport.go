// Package signaling provides the out-of-band channel used to negotiate
// peer-to-peer media sessions.
//
// A Transport opens a bidirectional Conduit keyed by a deterministic
// channel name shared by exactly two participants (see ChannelName).
// Conduits carry small discriminated Envelope messages: session
// descriptions and connectivity candidates. Delivery is at-most-once and
// the protocol tolerates reordering, because every message type is either
// idempotent or monotonically superseded by a later one.
//
// Two implementations are provided: MemoryTransport, an in-process hub
// for tests and examples, and WebsocketTransport, a client for a thin
// websocket relay.
package signaling

import (
	"context"
	"errors"
)

// Envelope message types.
const (
	// TypeOffer carries a session description offer.
	TypeOffer = "offer"
	// TypeAnswer carries a session description answer.
	TypeAnswer = "answer"
	// TypeCandidate carries a connectivity candidate.
	TypeCandidate = "candidate"
)

// Envelope is the discriminated signaling payload exchanged between the
// two peers on a channel. Exactly one of SDP or Candidate is populated,
// selected by Type.
type Envelope struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Candidate []byte `json:"candidate,omitempty"`
}

// Handler consumes inbound envelopes from a conduit. Handlers are invoked
// sequentially per conduit; implementations must not block for long.
type Handler func(Envelope)

// Conduit is one end of an open signaling channel.
type Conduit interface {
	// Send delivers an envelope to the other participants on the channel.
	Send(env Envelope) error

	// SetHandler registers the callback for inbound envelopes. Envelopes
	// arriving before a handler is set are dropped; the negotiation
	// protocol recovers via offer re-sending.
	SetHandler(h Handler)

	// Close releases the channel. Close is idempotent.
	Close() error
}

// Transport opens signaling conduits by channel name.
type Transport interface {
	// Open joins the named channel. Failure to open is a hard error: the
	// caller must abort the call attempt.
	Open(ctx context.Context, channel string) (Conduit, error)
}

// Sentinel errors for signaling operations.
var (
	// ErrConduitClosed indicates a send on a closed conduit.
	ErrConduitClosed = errors.New("signaling conduit is closed")

	// ErrTransportClosed indicates an open on a closed transport.
	ErrTransportClosed = errors.New("signaling transport is closed")
)
