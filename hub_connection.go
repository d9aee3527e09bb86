package signalr

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// pendingCall is a single in-flight client-initiated invocation: held in
// the invocationId → pendingCall mapping until a terminal Completion
// arrives, or the connection closes and every pending entry is
// failed-out (§3, §4.F).
type pendingCall struct {
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func (p *pendingCall) finish(result interface{}, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// StreamHandle is returned by HubConnection.Stream (§3, §4.F): each
// server-pushed StreamItem for this invocation is delivered on Items,
// which closes when the server's terminal Completion arrives (or the
// connection closes mid-stream); Err then reports the stream's outcome.
//
// push runs on the connection's read loop and finish can run concurrently
// from a Dispose/Stop caller, so items is only ever closed by forward, the
// single goroutine that owns it; push and finish never touch it directly.
type StreamHandle struct {
	incoming chan interface{}
	items    chan interface{}
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
}

func newStreamHandle() *StreamHandle {
	s := &StreamHandle{
		incoming: make(chan interface{}),
		items:    make(chan interface{}),
		done:     make(chan struct{}),
	}
	go s.forward()
	return s
}

func (s *StreamHandle) forward() {
	defer close(s.items)
	for {
		select {
		case item := <-s.incoming:
			select {
			case s.items <- item:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// Items returns the channel of stream items; it closes once the stream
// ends, whether by Completion or connection closure.
func (s *StreamHandle) Items() <-chan interface{} { return s.items }

// Err blocks until the stream ends and reports its terminal error, nil
// for a Completion carrying no error.
func (s *StreamHandle) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StreamHandle) push(item interface{}) {
	select {
	case s.incoming <- item:
	case <-s.done:
	}
}

func (s *StreamHandle) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// HubConnection is the Hub Invocation Layer (§4.F): it sits atop a
// Connection, uses a Codec to (de)serialize HubMessage values, matches
// server Completions to pending client calls, and routes server
// Invocations to registered target handlers.
type HubConnection struct {
	conn  *Connection
	codec Codec

	logger Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall
	streams  map[string]*StreamHandle
	handlers map[string]reflect.Value
	argTypes map[string][]interface{}
	nextID   uint64
}

// HubConnectionOption configures a HubConnection at construction time.
type HubConnectionOption func(*HubConnection)

// WithHubLogger injects a structured logger.
func WithHubLogger(l Logger) HubConnectionOption {
	return func(h *HubConnection) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHubConnection wraps conn with the hub invocation layer, wiring
// itself in as conn's received-handler and closed-handler.
func NewHubConnection(conn *Connection, codec Codec, opts ...HubConnectionOption) *HubConnection {
	h := &HubConnection{
		conn:     conn,
		codec:    codec,
		logger:   nopLogger(),
		pending:  make(map[string]*pendingCall),
		streams:  make(map[string]*StreamHandle),
		handlers: make(map[string]reflect.Value),
		argTypes: make(map[string][]interface{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	conn.OnReceived(h.onReceived)
	conn.OnClosed(h.onClosed)
	return h
}

// ArgumentTypes implements InvocationBinder so the Codec can deserialize
// a server-initiated Invocation's arguments into the same types the
// registered target handler expects.
func (h *HubConnection) ArgumentTypes(target string) ([]interface{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	types, ok := h.argTypes[target]
	return types, ok
}

// On registers a handler for a server-initiated Invocation of target.
// handler must be a func; its parameter types drive argument
// deserialization (GLOSSARY: invocation binder).
func (h *HubConnection) On(target string, handler interface{}) error {
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Func {
		return newError(ProtocolError, "handler must be a function")
	}
	t := v.Type()
	argTypes := make([]interface{}, t.NumIn())
	for i := 0; i < t.NumIn(); i++ {
		argTypes[i] = reflect.Zero(t.In(i)).Interface()
	}

	h.mu.Lock()
	h.handlers[target] = v
	h.argTypes[target] = argTypes
	h.mu.Unlock()
	return nil
}

// Invoke sends an Invocation for target and blocks until the matching
// Completion arrives, ctx is cancelled, or the connection closes.
func (h *HubConnection) Invoke(ctx context.Context, target string, args ...interface{}) (interface{}, error) {
	id := strconv.FormatUint(atomic.AddUint64(&h.nextID, 1), 10)

	call := &pendingCall{done: make(chan struct{})}
	h.mu.Lock()
	h.pending[id] = call
	h.mu.Unlock()

	data, err := h.codec.WriteMessage(HubMessage{
		Type: MessageTypeInvocation,
		Invocation: &InvocationMessage{
			InvocationID: id,
			Target:       target,
			Arguments:    args,
			NonBlocking:  false,
		},
	})
	if err != nil {
		h.removePending(id)
		return nil, err
	}

	if err := h.conn.Send(ctx, data); err != nil {
		h.removePending(id)
		return nil, err
	}

	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		h.removePending(id)
		return nil, wrapError(Cancelled, "invoke cancelled", ctx.Err())
	}
}

// Send is a fire-and-forget Invocation: the server does not reply and
// no InvocationID is assigned (§3 "non-blocking").
func (h *HubConnection) Send(ctx context.Context, target string, args ...interface{}) error {
	data, err := h.codec.WriteMessage(HubMessage{
		Type: MessageTypeInvocation,
		Invocation: &InvocationMessage{
			Target:      target,
			Arguments:   args,
			NonBlocking: true,
		},
	})
	if err != nil {
		return err
	}
	return h.conn.Send(ctx, data)
}

// Stream issues a server-streaming Invocation for target and returns a
// StreamHandle that receives each item the server pushes until the
// matching Completion arrives (§3, §4.F).
func (h *HubConnection) Stream(ctx context.Context, target string, args ...interface{}) (*StreamHandle, error) {
	id := strconv.FormatUint(atomic.AddUint64(&h.nextID, 1), 10)

	handle := newStreamHandle()
	h.mu.Lock()
	h.streams[id] = handle
	h.mu.Unlock()

	data, err := h.codec.WriteMessage(HubMessage{
		Type: MessageTypeStreamInvocation,
		Invocation: &InvocationMessage{
			InvocationID: id,
			Target:       target,
			Arguments:    args,
		},
	})
	if err != nil {
		h.removeStream(id)
		handle.finish(err)
		return nil, err
	}

	if err := h.conn.Send(ctx, data); err != nil {
		h.removeStream(id)
		handle.finish(err)
		return nil, err
	}
	return handle, nil
}

func (h *HubConnection) removePending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

func (h *HubConnection) removeStream(id string) {
	h.mu.Lock()
	delete(h.streams, id)
	h.mu.Unlock()
}

// onReceived is installed as the Connection's ReceivedHandler: it
// parses as many whole messages as are buffered and routes each by
// type, per §4.F. It reports exactly how many bytes were consumed so
// any trailing partial frame stays buffered for the next call.
func (h *HubConnection) onReceived(ctx context.Context, data []byte) (int, error) {
	messages, consumed, err := h.codec.TryParseMessages(data, h)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		h.dispatch(msg)
	}
	return consumed, nil
}

func (h *HubConnection) dispatch(msg HubMessage) {
	switch msg.Type {
	case MessageTypeInvocation:
		h.dispatchInvocation(msg.Invocation)
	case MessageTypeStreamItem:
		h.dispatchStreamItem(msg.StreamItem)
	case MessageTypeCompletion:
		h.dispatchCompletion(msg.Completion)
	case MessageTypePing, MessageTypeClose:
		// handled at the transport/connection level; nothing to do here.
	}
}

func (h *HubConnection) dispatchInvocation(inv *InvocationMessage) {
	h.mu.Lock()
	handler, ok := h.handlers[inv.Target]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("invocation for unregistered target", zap.String("target", inv.Target))
		return
	}

	in := make([]reflect.Value, len(inv.Arguments))
	t := handler.Type()
	for i, a := range inv.Arguments {
		if a == nil && i < t.NumIn() {
			in[i] = reflect.Zero(t.In(i))
			continue
		}
		in[i] = reflect.ValueOf(a)
	}
	handler.Call(in)
}

func (h *HubConnection) dispatchStreamItem(si *StreamItemMessage) {
	h.mu.Lock()
	handle, ok := h.streams[si.InvocationID]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("stream item received with no registered observer", zap.String("invocationId", si.InvocationID))
		return
	}
	handle.push(si.Item)
}

func (h *HubConnection) dispatchCompletion(c *CompletionMessage) {
	h.mu.Lock()
	call, ok := h.pending[c.InvocationID]
	if ok {
		delete(h.pending, c.InvocationID)
	}
	stream, streamOK := h.streams[c.InvocationID]
	if streamOK {
		delete(h.streams, c.InvocationID)
	}
	h.mu.Unlock()

	var completionErr error
	if c.Error != "" {
		completionErr = wrapError(InvocationFailed, c.Error, newError(InvocationFailed, c.Error))
	}

	if streamOK {
		stream.finish(completionErr)
	}
	if !ok {
		return
	}
	if completionErr != nil {
		call.finish(nil, completionErr)
		return
	}
	call.finish(c.Result, nil)
}

// onClosed is installed as the Connection's ClosedHandler: every
// pending invocation is failed with the close error (§4.F).
func (h *HubConnection) onClosed(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]*pendingCall)
	streams := h.streams
	h.streams = make(map[string]*StreamHandle)
	h.mu.Unlock()

	closeErr := wrapError(TransportFailure, "connection closed", closeErrOrDefault(err))
	for _, call := range pending {
		call.finish(nil, closeErr)
	}
	for _, stream := range streams {
		stream.finish(closeErr)
	}
}

func closeErrOrDefault(err error) error {
	if err != nil {
		return err
	}
	return newError(TransportFailure, "connection closed")
}
