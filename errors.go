package signalr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a Error by the taxonomy in the Hub Protocol design:
// wrong state for the requested operation, a transport/network failure,
// a malformed frame, a remote invocation failure, user cancellation, or
// an operation against an already-disposed connection.
type Kind int

const (
	// InvalidState means the operation is not legal in the connection's
	// current state (e.g. Start from Connected, Send from Disconnected).
	InvalidState Kind = iota + 1

	// TransportFailure means the transport's network or I/O layer failed
	// and surfaced the failure through the duplex pipe.
	TransportFailure

	// ProtocolError means a frame could not be decoded: missing field,
	// wrong shape, or a framing violation.
	ProtocolError

	// InvocationFailed means a remote Completion carried a non-empty
	// error string.
	InvocationFailed

	// Cancelled means the caller's context was cancelled before the
	// operation finished.
	Cancelled

	// Disposed means the operation targeted a connection that has
	// already been torn down. Reported as InvalidState per §7.
	Disposed
)

func (k Kind) String() string {
	switch k {
	case InvalidState:
		return "InvalidState"
	case TransportFailure:
		return "TransportFailure"
	case ProtocolError:
		return "ProtocolError"
	case InvocationFailed:
		return "InvocationFailed"
	case Cancelled:
		return "Cancelled"
	case Disposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by every public operation in this
// package. It carries a Kind so callers can branch on failure class
// without string-matching messages, while still exposing the original
// wrapped cause via Unwrap.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: errors.New(msg)}
}

func wrapError(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind, msg: msg, err: errors.New(msg)}
	}
	return &Error{Kind: kind, msg: msg, err: errors.Wrap(cause, msg)}
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.err.Error())
}

func (e *Error) Unwrap() error { return e.err }

// ErrInvalidStateStart is returned verbatim (message text is contract,
// see §4.D) when Start is called on a connection that is not
// Disconnected.
var ErrInvalidStateStart = newError(InvalidState, "Cannot start a connection that is not in the Disconnected state.")

// ErrInvalidStateSend is returned verbatim when Send is called on a
// connection that is not Connected.
var ErrInvalidStateSend = newError(InvalidState, "Cannot send messages when the connection is not in the Connected state.")

// errInvalidTransferFormat builds the error Start returns when
// requestedFormat is not exactly one of Text or Binary (zero or more
// than one bit set).
func errInvalidTransferFormat() error {
	return errors.Wrap(newError(InvalidState, "Invalid transfer mode."), "requestedTransferMode")
}
