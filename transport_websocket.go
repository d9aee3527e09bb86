package signalr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EvilPomelo/SignalR/internal/wsutil"
)

// Time allowed to write a message to the peer before the write fails.
const wsWriteWait = 10 * time.Second

// Time allowed to read the next pong from the peer before the
// connection is considered dead.
const wsPongWait = 60 * time.Second

// Send pings at this period; must be less than wsPongWait.
const wsPingPeriod = (wsPongWait * 9) / 10

// userAgent identifies this client to the server (§6).
const userAgent = "EvilPomelo-SignalR-go/1.0 (+github.com/EvilPomelo/SignalR)"

// WebSocketTransport is the gorilla/websocket-backed Transport,
// generalized from the teacher's package-level client (dial, send,
// read loop) into a per-connection Transport instance implementing the
// §4.B contract.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	header http.Header
	logger Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	mode    TransferFormat
	running chan struct{}
	cancel  context.CancelFunc
}

// WebSocketOption configures a WebSocketTransport.
type WebSocketOption func(*WebSocketTransport)

// WithWebSocketHeader sets a header (e.g. Authorization) sent with the
// upgrade request.
func WithWebSocketHeader(h http.Header) WebSocketOption {
	return func(t *WebSocketTransport) { t.header = h }
}

// WithWebSocketLogger injects a structured logger.
func WithWebSocketLogger(l Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewWebSocketTransport returns a Transport backed by gorilla/websocket.
func NewWebSocketTransport(opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		dialer:  websocket.DefaultDialer,
		header:  http.Header{},
		logger:  nopLogger(),
		running: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *WebSocketTransport) Mode() TransferFormat {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *WebSocketTransport) Running() <-chan struct{} { return t.running }

// Start dials url (rewritten to ws/wss), then spawns a read pump (network
// → pipe.Output) and a write pump (pipe.Input → network). Start returns
// only once the dial has completed.
func (t *WebSocketTransport) Start(ctx context.Context, rawURL string, pipe Half, format TransferFormat) error {
	if err := validateTransferFormat(format); err != nil {
		return err
	}

	wsURL, err := toWebSocketURL(rawURL)
	if err != nil {
		return wrapError(TransportFailure, "invalid transport url", err)
	}

	header := t.header.Clone()
	header.Set("User-Agent", userAgent)

	conn, _, err := t.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return wrapError(TransportFailure, "websocket dial failed", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.mode = format
	t.cancel = cancel
	t.mu.Unlock()

	msgType := websocket.TextMessage
	if format == Binary {
		msgType = websocket.BinaryMessage
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		wsutil.ReadPump(pumpCtx, conn, pipe.Output, wsPongWait)
	}()
	go func() {
		defer wg.Done()
		wsutil.WritePump(pumpCtx, conn, pipe.Input, msgType, wsPingPeriod, wsWriteWait)
	}()

	go func() {
		wg.Wait()
		close(t.running)
	}()

	return nil
}

// Stop closes the WebSocket connection and waits for Running to close.
func (t *WebSocketTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}

	select {
	case <-t.running:
	case <-ctx.Done():
		return wrapError(Cancelled, "stop cancelled", ctx.Err())
	}
	return nil
}

func toWebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already correct
	default:
		return "", fmt.Errorf("unsupported transport url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
