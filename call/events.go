package call

import "fmt"

// eventKind discriminates the engine's event union. Every state
// transition, whether from a user action, a timer expiry or a peer
// connection change, flows through the same dispatch point, so the
// state machine has one authoritative transition function instead of
// timers mutating state from multiple call sites.
type eventKind int

const (
	// User-action events (emitted by the public methods after their
	// collaborator I/O has completed).
	evOutgoingStarted eventKind = iota
	evIncomingOffer
	evAccepted
	evRejected
	evEndRequested
	evConnectFailed

	// Timer events.
	evRingTimeout
	evAutoReset
	evTick

	// Peer media events.
	evPeerConnected
	evPeerDisconnected
	evPeerFailed
	evAnswerReceived
)

// String returns a label for logging.
func (k eventKind) String() string {
	switch k {
	case evOutgoingStarted:
		return "outgoing_started"
	case evIncomingOffer:
		return "incoming_offer"
	case evAccepted:
		return "accepted"
	case evRejected:
		return "rejected"
	case evEndRequested:
		return "end_requested"
	case evConnectFailed:
		return "connect_failed"
	case evRingTimeout:
		return "ring_timeout"
	case evAutoReset:
		return "auto_reset"
	case evTick:
		return "tick"
	case evPeerConnected:
		return "peer_connected"
	case evPeerDisconnected:
		return "peer_disconnected"
	case evPeerFailed:
		return "peer_failed"
	case evAnswerReceived:
		return "answer_received"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// event is one entry in the engine's dispatch queue. gen carries the
// session generation a timer or peer callback was armed under; events
// from a superseded generation are dropped, which enforces the
// no-dangling-timers invariant even when a timer fires while a
// transition is in flight. User-action events carry gen zero, meaning
// the current generation.
type event struct {
	kind eventKind
	gen  uint64

	caller   *Participant
	receiver *Participant
	callID   string
	err      error
}
