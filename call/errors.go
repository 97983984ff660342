package call

import "errors"

// Sentinel errors for call engine operations. These enable reliable
// classification with errors.Is().
var (
	// ErrNotAuthenticated indicates no local identity is configured;
	// starting a call is aborted without side effects.
	ErrNotAuthenticated = errors.New("no authenticated identity")

	// ErrBusy indicates the session is not idle; the operation was
	// refused to protect the in-flight call.
	ErrBusy = errors.New("a call is already in progress")

	// ErrNoIncomingCall indicates there is no ringing call to accept or
	// reject.
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrNoTransport indicates the engine was built without a signaling
	// transport.
	ErrNoTransport = errors.New("signaling transport is required")
)

// userErrConnectionLost is the user-facing message for an unrecoverable
// mid-call connectivity failure.
const userErrConnectionLost = "connection lost, please check your network"

// normalizeError converts any failure into a user-facing message string,
// so internal representations never leak to the UI surface.
func normalizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if msg == "" {
		return "call failed"
	}
	return msg
}
