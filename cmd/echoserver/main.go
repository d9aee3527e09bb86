// Command echoserver is a minimal demo binary wiring the server-side
// Connection Manager, the WebSocket wire mechanics, and the JSON Hub
// Protocol codec together: it accepts WebSocket upgrades, negotiates the
// "json" hub protocol, and answers every "Echo" invocation with its
// first argument.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	signalr "github.com/EvilPomelo/SignalR"
	"github.com/EvilPomelo/SignalR/internal/wsutil"
	"github.com/EvilPomelo/SignalR/server"
)

var addr = flag.String("addr", ":8086", "listen address")

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	manager := server.NewManager(
		server.WithManagerLogger(logger),
		server.WithOnRemove(func(id string) {
			logger.Info("connection removed", zap.String("connectionId", id))
		}),
	)
	manager.Start()

	codec := signalr.NewJSONCodec()

	mux := http.NewServeMux()
	mux.HandleFunc("/hub", func(w http.ResponseWriter, r *http.Request) {
		handleHub(w, r, manager, codec, logger)
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	logger.Info("echoserver listening", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func handleHub(w http.ResponseWriter, r *http.Request, manager *server.Manager, codec signalr.Codec, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	record := manager.CreateConnection()
	defer manager.RemoveConnection(record.ID)
	logger.Info("connection established", zap.String("connectionId", record.ID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go wsutil.WritePump(ctx, conn, record.Pipes.Transport.Input, websocket.TextMessage, pingPeriod, writeWait)
	go wsutil.ReadPump(ctx, conn, record.Pipes.Transport.Output, pongWait)

	if err := negotiateHubProtocol(record, codec, logger); err != nil {
		logger.Warn("negotiation handshake failed", zap.String("connectionId", record.ID), zap.Error(err))
		return
	}

	runHubDispatch(record, codec, logger)
}

// negotiateHubProtocol reads the client's {"protocol":"<name>"}\x1e
// handshake frame off the application side of the duplex pair, rejects
// it if it doesn't name this server's codec, and echoes it back as the
// acknowledgement the client's Connection.Start blocks on (§4.C, §6).
func negotiateHubProtocol(record *server.Record, codec signalr.Codec, logger *zap.Logger) error {
	reader := record.Pipes.Application.Input
	writer := record.Pipes.Application.Output
	ctx := context.Background()

	var buf []byte
	for {
		chunk, err := reader.Read(ctx)
		if err != nil {
			return err
		}
		buf = append(buf[:0:0], chunk...)

		msg, consumed, ok, err := signalr.DecodeNegotiation(buf)
		if err != nil {
			return err
		}
		if !ok {
			continue // handshake frame not fully buffered yet
		}
		reader.Advance(consumed)

		if msg.Protocol != codec.Name() {
			return fmt.Errorf("client negotiated protocol %q, server only speaks %q", msg.Protocol, codec.Name())
		}

		ack, err := signalr.EncodeNegotiation(msg)
		if err != nil {
			return err
		}
		if _, err := writer.Write(ctx, ack); err != nil {
			return err
		}
		record.Touch()
		logger.Debug("negotiated hub protocol", zap.String("connectionId", record.ID), zap.String("protocol", msg.Protocol))
		return nil
	}
}

// runHubDispatch reads framed hub messages off the application side of
// the duplex pair and answers Invocations of "Echo", until the pipe
// completes (the transport closed).
func runHubDispatch(record *server.Record, codec signalr.Codec, logger *zap.Logger) {
	reader := record.Pipes.Application.Input
	writer := record.Pipes.Application.Output
	ctx := context.Background()

	var buf []byte
	for {
		chunk, err := reader.Read(ctx)
		if err != nil {
			logger.Debug("hub dispatch loop ending", zap.String("connectionId", record.ID), zap.Error(err))
			return
		}
		buf = append(buf[:0:0], chunk...)

		messages, consumed, err := codec.TryParseMessages(buf, nil)
		if err != nil {
			logger.Warn("malformed hub message", zap.String("connectionId", record.ID), zap.Error(err))
			return
		}
		reader.Advance(consumed)
		record.Touch()

		for _, msg := range messages {
			if msg.Type != signalr.MessageTypeInvocation || msg.Invocation == nil {
				continue
			}
			dispatchEcho(msg.Invocation, codec, writer, ctx, logger, record.ID)
		}
	}
}

func dispatchEcho(inv *signalr.InvocationMessage, codec signalr.Codec, writer *signalr.Writer, ctx context.Context, logger *zap.Logger, connID string) {
	if inv.Target != "Echo" {
		return
	}
	if inv.NonBlocking {
		return
	}

	var result interface{}
	if len(inv.Arguments) > 0 {
		result = inv.Arguments[0]
	}

	data, err := codec.WriteMessage(signalr.HubMessage{
		Type: signalr.MessageTypeCompletion,
		Completion: &signalr.CompletionMessage{
			InvocationID: inv.InvocationID,
			Result:       result,
			HasResult:    true,
		},
	})
	if err != nil {
		logger.Warn("encode completion failed", zap.String("connectionId", connID), zap.Error(err))
		return
	}
	if _, err := writer.Write(ctx, data); err != nil {
		logger.Debug("write completion failed", zap.String("connectionId", connID), zap.Error(err))
	}
}
