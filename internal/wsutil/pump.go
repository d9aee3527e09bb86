// Package wsutil holds the read-pump/write-pump pair shared by the
// client WebSocket transport and the server's WebSocket handshake
// handler: both move bytes between a *websocket.Conn and one half of a
// duplex byte pipe the same way, differing only in which half they are
// handed. It depends on no signalr types so both the root package and
// server-side handlers can import it without a cycle.
package wsutil

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ByteWriter is the append-with-backpressure half of a duplex pipe;
// *signalr.Writer satisfies it.
type ByteWriter interface {
	Write(ctx context.Context, b []byte) (int, error)
	Complete(err error)
}

// ByteReader is the read-available/advance-cursor half of a duplex
// pipe; *signalr.Reader satisfies it.
type ByteReader interface {
	Read(ctx context.Context) ([]byte, error)
	Advance(n int)
}

// ReadPump copies inbound WebSocket frames into out until the
// connection fails, completing out with the terminal error so the
// reader on the other half of the pipe observes it (§4.B).
func ReadPump(ctx context.Context, conn *websocket.Conn, out ByteWriter, pongWait time.Duration) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			out.Complete(err)
			return
		}
		if _, werr := out.Write(ctx, data); werr != nil {
			return
		}
	}
}

// WritePump drains in and ships each chunk as a WebSocket frame of
// msgType (websocket.TextMessage or websocket.BinaryMessage),
// interleaving periodic pings.
func WritePump(ctx context.Context, conn *websocket.Conn, in ByteReader, msgType int, pingPeriod, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var once sync.Once
	done := make(chan struct{})
	closeDone := func() { once.Do(func() { close(done) }) }

	go func() {
		defer closeDone()
		for {
			data, err := in.Read(ctx)
			if err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteMessage(msgType, data); werr != nil {
				return
			}
			in.Advance(len(data))
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
