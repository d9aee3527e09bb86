package signalr

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// State is the client-side connection lifecycle from §3: an ordered
// enum where only the owner of a state-transition token may change
// state, Disposed is terminal, and Connecting→Disconnecting is a legal
// abort-mid-start transition.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Disposed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Disposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// SyncSender is an optional capability a Transport may implement when
// its wire mechanics are inherently request/response (long-polling)
// rather than a continuously streamed pipe (WebSocket, SSE). When
// present, Connection.Send calls it directly so a send failure (e.g. an
// HTTP 5xx) is surfaced synchronously to the Send caller as required by
// §7, instead of only being observed later on the application reader.
type SyncSender interface {
	SendSync(ctx context.Context, data []byte) error
}

// ReceivedHandler processes the currently buffered bytes the transport
// deposited on the application reader and reports how many of them it
// consumed; the reader advances by exactly that count, leaving any
// trailing partial frame buffered for the next call. Handlers run
// sequentially; the reader does not advance until the handler's call
// returns (§4.D backpressure).
type ReceivedHandler func(ctx context.Context, data []byte) (consumed int, err error)

// ClosedHandler is notified once per completed start cycle when the
// connection closes, with the triggering error (nil for a clean,
// user-initiated Stop/Dispose).
type ClosedHandler func(err error)

// TransportFactory builds a fresh Transport instance for a connect or
// reconnect attempt.
type TransportFactory func() Transport

// Connection is the client-side Connection Core (§4.D): it binds a
// logical connection to an underlying Transport, mediates a full-duplex
// byte pipe between application code and transport code, serializes
// Start/Stop/Dispose, and reconnects automatically on transport
// failure.
type Connection struct {
	url             string
	newTransport    TransportFactory
	requestedFormat TransferFormat
	protocolName    string
	allowReconnect  bool
	logger          Logger
	pipeCapacity    int

	mu      sync.Mutex
	state   State
	disposed bool

	startWG *sync.WaitGroup
	stopWG  *sync.WaitGroup

	transport Transport
	duplex    DuplexPair
	cancelSup context.CancelFunc

	receivedHandler ReceivedHandler
	closedHandlers  []ClosedHandler
}

// ConnectionOption configures a Connection at construction time.
type ConnectionOption func(*Connection)

// WithReconnect enables automatic reconnection on transport failure
// (§4.D "Transport supervision & reconnect").
func WithReconnect(allow bool) ConnectionOption {
	return func(c *Connection) { c.allowReconnect = allow }
}

// WithLogger injects a structured logger instead of the no-op default.
func WithLogger(l Logger) ConnectionOption {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPipeCapacity overrides the default bounded-pipe capacity used for
// the duplex pair created on each (re)connect.
func WithPipeCapacity(n int) ConnectionOption {
	return func(c *Connection) { c.pipeCapacity = n }
}

// WithProtocol overrides the hub protocol name sent in the negotiation
// handshake (§4.C, §6); it must match the Codec the caller later hands
// to NewHubConnection. Defaults to "json".
func WithProtocol(name string) ConnectionOption {
	return func(c *Connection) { c.protocolName = name }
}

// NewConnection builds a Connection bound to url, using newTransport to
// mint a fresh Transport for each connect/reconnect attempt, negotiating
// format with the transport.
func NewConnection(url string, format TransferFormat, newTransport TransportFactory, opts ...ConnectionOption) *Connection {
	c := &Connection{
		url:             url,
		newTransport:    newTransport,
		requestedFormat: format,
		protocolName:    "json",
		logger:          nopLogger(),
		state:           Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnReceived registers the sequential inbound fan-out handler. Only one
// handler is supported at a time, matching the teacher's single-client
// callback shape generalized to an explicit registration point.
func (c *Connection) OnReceived(h ReceivedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivedHandler = h
}

// OnClosed registers a handler invoked exactly once per completed start
// cycle when the connection closes.
func (c *Connection) OnClosed(h ClosedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedHandlers = append(c.closedHandlers, h)
}

// State returns a snapshot of the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start transitions Disconnected → Connecting → Connected. Only a
// connection currently Disconnected accepts Start; any other state
// fails with the exact §4.D error message, whether the source was
// Disposed after a run or never started.
func (c *Connection) Start(ctx context.Context) error {
	if err := validateTransferFormat(c.requestedFormat); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrInvalidStateStart
	}
	c.state = Connecting
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.startWG = wg
	c.mu.Unlock()

	transport, duplex, supCtx, cancel, err := c.attemptConnect(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = Disconnected
	} else {
		c.state = Connected
		c.transport = transport
		c.duplex = duplex
		c.cancelSup = cancel
	}
	c.startWG = nil
	c.mu.Unlock()
	wg.Done()

	if err != nil {
		return err
	}
	go c.supervise(supCtx, transport, duplex)
	return nil
}

// attemptConnect builds a fresh duplex pair and transport instance,
// starts the transport, and drives the protocol-negotiation handshake
// (§4.C, §6) to completion before handing the connection back as ready.
// It never mutates Connection state directly so it can be reused by
// both Start and the reconnect path.
func (c *Connection) attemptConnect(ctx context.Context) (Transport, DuplexPair, context.Context, context.CancelFunc, error) {
	duplex := CreateConnectionPair(c.pipeCapacity, c.pipeCapacity)
	transport := c.newTransport()

	if err := transport.Start(ctx, c.url, duplex.Transport, c.requestedFormat); err != nil {
		return nil, DuplexPair{}, nil, nil, err
	}

	if err := c.negotiateProtocol(ctx, duplex); err != nil {
		_ = transport.Stop(ctx)
		return nil, DuplexPair{}, nil, nil, err
	}

	supCtx, cancel := context.WithCancel(context.Background())
	return transport, duplex, supCtx, cancel, nil
}

// negotiateProtocol sends the {"protocol":"<name>"}\x1e handshake frame
// and blocks for the server's acknowledgement before Start is allowed to
// report Connected (§4.C "the client sends and awaits the handshake
// before any HubMessage may cross the wire", §6). The server is expected
// to echo the same negotiation frame back; a mismatched or malformed ack
// aborts the connect attempt.
func (c *Connection) negotiateProtocol(ctx context.Context, duplex DuplexPair) error {
	req, err := EncodeNegotiation(NegotiationMessage{Protocol: c.protocolName})
	if err != nil {
		return err
	}
	if _, err := duplex.Application.Output.Write(ctx, req); err != nil {
		return wrapError(TransportFailure, "send negotiation handshake", err)
	}

	reader := duplex.Application.Input
	for {
		data, err := reader.Read(ctx)
		if err != nil {
			return wrapError(TransportFailure, "negotiation handshake failed", err)
		}
		msg, consumed, ok, err := DecodeNegotiation(data)
		if err != nil {
			return err
		}
		if !ok {
			continue // frame not fully buffered yet; Read blocks for more bytes
		}
		reader.Advance(consumed)
		if msg.Protocol != c.protocolName {
			return wrapError(ProtocolError, fmt.Sprintf("server negotiated protocol %q, expected %q", msg.Protocol, c.protocolName), nil)
		}
		return nil
	}
}

// awaitNoStartInFlight blocks, without holding c.mu, until there is no
// Start call currently in progress. This is how Stop/Dispose "wait for
// Start to complete (success or failure) before invoking transport
// Stop" (§4.D).
func (c *Connection) awaitNoStartInFlight() {
	for {
		c.mu.Lock()
		wg := c.startWG
		c.mu.Unlock()
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// Stop transitions a Connected (or Connecting-then-resolved) connection
// to Disconnected. Concurrent Stop calls are idempotent: all observe
// the same teardown completion and no duplicate transport Stop occurs.
func (c *Connection) Stop(ctx context.Context) error {
	c.awaitNoStartInFlight()

	c.mu.Lock()
	if c.state == Disconnected || c.state == Disposed {
		c.mu.Unlock()
		return nil
	}
	if wg := c.stopWG; wg != nil {
		c.mu.Unlock()
		wg.Wait()
		return nil
	}
	c.state = Disconnecting
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.stopWG = wg
	transport := c.transport
	cancel := c.cancelSup
	c.mu.Unlock()

	c.teardown(ctx, transport, cancel, nil)

	c.mu.Lock()
	c.state = Disconnected
	c.stopWG = nil
	c.mu.Unlock()
	wg.Done()
	return nil
}

// Dispose is equivalent to Stop followed by a terminal transition to
// Disposed. A Dispose on a connection that was never Started (or has
// already fully stopped) is a no-op that never fires Closed.
func (c *Connection) Dispose(ctx context.Context) error {
	c.awaitNoStartInFlight()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true

	if c.state == Disconnected {
		c.state = Disposed
		c.mu.Unlock()
		return nil
	}
	if wg := c.stopWG; wg != nil {
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		c.state = Disposed
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnecting
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.stopWG = wg
	transport := c.transport
	cancel := c.cancelSup
	c.mu.Unlock()

	c.teardown(ctx, transport, cancel, nil)

	c.mu.Lock()
	c.state = Disposed
	c.stopWG = nil
	c.mu.Unlock()
	wg.Done()
	return nil
}

// teardown is the user-initiated close path shared by Stop and Dispose:
// cancel the supervisor, stop the transport, fire Closed(nil) once.
func (c *Connection) teardown(ctx context.Context, transport Transport, cancel context.CancelFunc, closeErr error) {
	if cancel != nil {
		cancel()
	}
	if transport != nil {
		if err := transport.Stop(ctx); err != nil {
			c.logger.Debug("transport stop returned an error during teardown", zap.Error(err))
		}
	}
	c.fireClosed(closeErr)
}

func (c *Connection) fireClosed(err error) {
	c.mu.Lock()
	handlers := append([]ClosedHandler(nil), c.closedHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// Send writes data toward the transport. Only legal while Connected;
// otherwise fails with the exact §4.D error message. Transports that
// implement SyncSender (long-polling) are called directly so a send
// failure is surfaced to this call, not just observed later on the
// reader.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrInvalidStateSend
	}
	transport := c.transport
	duplex := c.duplex
	cancel := c.cancelSup
	output := duplex.Application.Output
	c.mu.Unlock()

	if ss, ok := transport.(SyncSender); ok {
		if err := ss.SendSync(ctx, data); err != nil {
			wrapped := wrapError(TransportFailure, "send failed", err)
			go c.handleDisconnect(wrapped, transport, cancel, duplex)
			return wrapped
		}
		return nil
	}

	if _, err := output.Write(ctx, data); err != nil {
		return wrapError(TransportFailure, "send failed", err)
	}
	return nil
}

// supervise watches the transport's Running signal and the application
// reader for completion. Whichever completes first drives the failure
// path: capture the error, transition to Disconnecting, fire Closed
// once, and reconnect if enabled (§4.D).
func (c *Connection) supervise(ctx context.Context, transport Transport, duplex DuplexPair) {
	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- c.readLoop(ctx, duplex)
	}()

	select {
	case <-transport.Running():
		select {
		case err := <-readErrCh:
			c.handleDisconnect(err, transport, nil, duplex)
		case <-ctx.Done():
		}
	case err := <-readErrCh:
		c.handleDisconnect(err, transport, nil, duplex)
	case <-ctx.Done():
	}
}

// readLoop fans inbound chunks out to the registered ReceivedHandler in
// order, never concurrently, advancing the reader only after the
// handler returns (backpressure). It returns the terminal error once
// the application reader completes.
func (c *Connection) readLoop(ctx context.Context, duplex DuplexPair) error {
	reader := duplex.Application.Input
	for {
		data, err := reader.Read(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		n := len(data)
		if n > 0 {
			c.mu.Lock()
			handler := c.receivedHandler
			c.mu.Unlock()
			if handler != nil {
				consumed, herr := handler(ctx, data)
				if herr != nil {
					// A malformed frame or other receive-pass failure
					// aborts the pass and closes the connection (§7).
					return herr
				}
				reader.Advance(consumed)
				continue
			}
		}
		reader.Advance(n)
	}
}

// handleDisconnect runs the shared failure-close logic used by both the
// supervisor (transport/reader failure) and SyncSender send failures.
// cancel may be nil when the supervisor itself detected the failure (it
// is already winding down).
func (c *Connection) handleDisconnect(err error, transport Transport, cancel context.CancelFunc, duplex DuplexPair) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return // already being torn down via explicit Stop/Dispose
	}
	c.state = Disconnecting
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.stopWG = wg
	if cancel == nil {
		cancel = c.cancelSup
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		_ = transport.Stop(context.Background())
	}
	c.fireClosed(err)

	c.mu.Lock()
	c.stopWG = nil
	reconnect := c.allowReconnect && !c.disposed
	if reconnect {
		c.state = Connecting
	} else {
		c.state = Disconnected
	}
	c.mu.Unlock()
	wg.Done()

	if reconnect {
		go c.reconnect()
	}
}

// reconnect reacquires a fresh duplex pair and transport instance and
// resumes at Connecting, opaque to Send callers until Connected is
// re-established (§4.D). A single attempt is made; on failure the
// connection settles back to Disconnected for the caller to Start again.
func (c *Connection) reconnect() {
	transport, duplex, supCtx, cancel, err := c.attemptConnect(context.Background())

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if transport != nil {
			_ = transport.Stop(context.Background())
		}
		return
	}
	if err != nil {
		c.state = Disconnected
		c.mu.Unlock()
		c.logger.Debug("reconnect attempt failed", zap.Error(err))
		return
	}
	c.state = Connected
	c.transport = transport
	c.duplex = duplex
	c.cancelSup = cancel
	c.mu.Unlock()

	go c.supervise(supCtx, transport, duplex)
}
