// Command echoclient is a minimal demo binary dialing echoserver over
// WebSocket, invoking its "Echo" target a few times, and exercising
// automatic reconnect by restarting the underlying transport on close.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	signalr "github.com/EvilPomelo/SignalR"
)

var url = flag.String("url", "http://127.0.0.1:8086/hub", "hub url")

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	conn := signalr.NewConnection(*url, signalr.Text,
		func() signalr.Transport { return signalr.NewWebSocketTransport(signalr.WithWebSocketLogger(logger)) },
		signalr.WithReconnect(true),
		signalr.WithLogger(logger),
	)

	conn.OnClosed(func(err error) {
		if err != nil {
			logger.Warn("connection closed", zap.Error(err))
		} else {
			logger.Info("connection closed cleanly")
		}
	})

	hub := signalr.NewHubConnection(conn, signalr.NewJSONCodec(), signalr.WithHubLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.Start(ctx); err != nil {
		logger.Fatal("start failed", zap.Error(err))
	}
	defer conn.Dispose(context.Background())

	for i := 0; i < 3; i++ {
		callCtx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := hub.Invoke(callCtx, "Echo", fmt.Sprintf("ping-%d", i))
		cancelCall()
		if err != nil {
			logger.Error("invoke failed", zap.Error(err))
			continue
		}
		fmt.Printf("echo reply: %v\n", result)
		time.Sleep(500 * time.Millisecond)
	}
}
