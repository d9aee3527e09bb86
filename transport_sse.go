package signalr

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"sync"
)

// ServerSentEventsTransport is a receive-only Transport over the SSE
// wire format (`text/event-stream`, Text transfer format only); sends
// reuse the long-polling transport's synchronous HTTP POST, since SSE
// itself is one-directional (§2 row A, §10 package layout).
type ServerSentEventsTransport struct {
	client *http.Client
	header http.Header
	logger Logger
	send   *LongPollingTransport

	mu      sync.Mutex
	mode    TransferFormat
	running chan struct{}
	cancel  context.CancelFunc
}

// SSEOption configures a ServerSentEventsTransport.
type SSEOption func(*ServerSentEventsTransport)

// WithSSEHeader sets a header sent with the event-stream GET and the
// delegated POST sends.
func WithSSEHeader(h http.Header) SSEOption {
	return func(t *ServerSentEventsTransport) { t.header = h }
}

// WithSSEClient overrides the *http.Client used for the event stream.
func WithSSEClient(c *http.Client) SSEOption {
	return func(t *ServerSentEventsTransport) { t.client = c }
}

// WithSSELogger injects a structured logger.
func WithSSELogger(l Logger) SSEOption {
	return func(t *ServerSentEventsTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewServerSentEventsTransport returns an SSE-backed Transport.
func NewServerSentEventsTransport(opts ...SSEOption) *ServerSentEventsTransport {
	t := &ServerSentEventsTransport{
		client:  http.DefaultClient,
		header:  http.Header{},
		logger:  nopLogger(),
		running: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *ServerSentEventsTransport) Mode() TransferFormat {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *ServerSentEventsTransport) Running() <-chan struct{} { return t.running }

// Start opens the event-stream GET and begins dispatching "data:" lines
// to pipe.Output. SSE only carries Text frames.
func (t *ServerSentEventsTransport) Start(ctx context.Context, url string, pipe Half, format TransferFormat) error {
	if err := validateTransferFormat(format); err != nil {
		return err
	}
	if format != Text {
		return wrapError(TransportFailure, "server-sent events transport only supports the Text transfer format", nil)
	}

	sendTransport := NewLongPollingTransport(
		WithLongPollHeader(t.header),
		WithLongPollClient(t.client),
		WithLongPollLogger(t.logger),
	)
	// The send half has no inbound pipe of its own; SendSync only reads
	// t.url, so Start it against a disposable pipe pair.
	sendPipe := CreateConnectionPair(0, 0)
	if err := sendTransport.Start(ctx, url, sendPipe.Transport, Text); err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return wrapError(TransportFailure, "build event-stream request", err)
	}
	t.applyHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return wrapError(TransportFailure, "event-stream request failed", err)
	}

	t.mu.Lock()
	t.mode = format
	t.cancel = cancel
	t.send = sendTransport
	t.mu.Unlock()

	go func() {
		t.readEvents(streamCtx, resp, pipe.Output)
		close(t.running)
	}()

	return nil
}

func (t *ServerSentEventsTransport) readEvents(ctx context.Context, resp *http.Response, out *Writer) {
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		if _, err := out.Write(ctx, []byte(payload)); err != nil {
			return
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line, ignore
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		out.Complete(wrapError(TransportFailure, "event-stream read failed", err))
		return
	}
	out.Complete(wrapError(TransportFailure, "event-stream closed by server", nil))
}

// SendSync delegates to the internal long-polling send transport, since
// SSE carries no client→server direction of its own.
func (t *ServerSentEventsTransport) SendSync(ctx context.Context, data []byte) error {
	t.mu.Lock()
	send := t.send
	t.mu.Unlock()
	if send == nil {
		return wrapError(TransportFailure, "server-sent events transport not started", nil)
	}
	return send.SendSync(ctx, data)
}

func (t *ServerSentEventsTransport) applyHeaders(req *http.Request) {
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
}

// Stop cancels the event stream and the delegated send transport.
func (t *ServerSentEventsTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	send := t.send
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if send != nil {
		_ = send.Stop(ctx)
	}

	select {
	case <-t.running:
	case <-ctx.Done():
		return wrapError(Cancelled, "stop cancelled", ctx.Err())
	}
	return nil
}

var _ Transport = (*ServerSentEventsTransport)(nil)
var _ SyncSender = (*ServerSentEventsTransport)(nil)
