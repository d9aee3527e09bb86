package signalr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "text/event-stream" {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
			return
		}
		// background send-side long-poll noise the SSE transport starts
		// internally; nothing for it to deliver.
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestSSETransportDeliversDataLines(t *testing.T) {
	server := sseServer(t, "data: hello\n\n")
	defer server.Close()

	transport := NewServerSentEventsTransport()
	duplex := CreateConnectionPair(0, 0)
	require.NoError(t, transport.Start(context.Background(), server.URL, duplex.Transport, Text))
	defer transport.Stop(context.Background())

	data, err := duplex.Application.Input.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestSSETransportJoinsMultiLineData(t *testing.T) {
	server := sseServer(t, "data: line one\ndata: line two\n\n")
	defer server.Close()

	transport := NewServerSentEventsTransport()
	duplex := CreateConnectionPair(0, 0)
	require.NoError(t, transport.Start(context.Background(), server.URL, duplex.Transport, Text))
	defer transport.Stop(context.Background())

	data, err := duplex.Application.Input.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", string(data))
}

func TestSSETransportRejectsBinaryFormat(t *testing.T) {
	transport := NewServerSentEventsTransport()
	duplex := CreateConnectionPair(0, 0)
	err := transport.Start(context.Background(), "http://example.com", duplex.Transport, Binary)
	require.Error(t, err)
}

func TestSSESendSyncDelegatesToPost(t *testing.T) {
	posted := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posted <- struct{}{}
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport := NewServerSentEventsTransport()
	duplex := CreateConnectionPair(0, 0)
	require.NoError(t, transport.Start(context.Background(), server.URL, duplex.Transport, Text))
	defer transport.Stop(context.Background())

	require.NoError(t, transport.SendSync(context.Background(), []byte("payload")))

	select {
	case <-posted:
	case <-time.After(time.Second):
		t.Fatal("SendSync never reached the server over POST")
	}
}

func TestSSESendSyncBeforeStartFails(t *testing.T) {
	transport := NewServerSentEventsTransport()
	err := transport.SendSync(context.Background(), []byte("payload"))
	require.Error(t, err)
}
