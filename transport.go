package signalr

import "context"

// TransferFormat selects whether a transport exchanges text or binary
// frames. Exactly one bit must be set; a bitwise-OR of both is rejected
// by every transport's Start.
type TransferFormat int

const (
	// Text requests UTF-8 framed messages (record-separator framing).
	Text TransferFormat = 1 << iota
	// Binary requests length-prefixed binary framing.
	Binary
)

func (f TransferFormat) valid() bool {
	return f == Text || f == Binary
}

// Transport is the capability set a wire mechanism (WebSocket,
// long-polling, server-sent events) must present to the Connection
// Core. No inheritance is required: a tagged WebSocket/LongPolling/SSE
// variant behind this interface is enough (§9 design notes).
type Transport interface {
	// Start dials/opens the transport and begins exchanging bytes with
	// pipe. It returns only once the transport is ready; failures here
	// propagate to exactly the caller of Start.
	Start(ctx context.Context, url string, pipe Half, format TransferFormat) error

	// Stop drains in-flight sends, releases network resources, and
	// completes pipe.Output. After Stop returns, Running is complete.
	Stop(ctx context.Context) error

	// Running is closed when the transport's internal loops have
	// exited, whether due to Stop or a remote/network failure. When Start
	// fails, no loops are launched and Running is not closed.
	Running() <-chan struct{}

	// Mode reports the negotiated transfer format. It is zero until
	// Start has returned successfully.
	Mode() TransferFormat
}

// validateTransferFormat enforces the single-bit contract from §4.B /
// §6: Start must fail fast, before touching the network, on a
// multi-bit or zero requestedFormat.
func validateTransferFormat(format TransferFormat) error {
	if !format.valid() {
		return errInvalidTransferFormat()
	}
	return nil
}
