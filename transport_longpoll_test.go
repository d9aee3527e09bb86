package signalr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLongPollingTransportDeliversPolledBytes(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		if n == 1 {
			w.Write([]byte("first-chunk"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport := NewLongPollingTransport()
	duplex := CreateConnectionPair(0, 0)
	require.NoError(t, transport.Start(context.Background(), server.URL, duplex.Transport, Text))

	data, err := duplex.Application.Input.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first-chunk", string(data))
	duplex.Application.Input.Advance(len(data))

	require.NoError(t, transport.Stop(context.Background()))
}

func TestLongPollingTransportSurfaces5xxAsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	transport := NewLongPollingTransport()
	duplex := CreateConnectionPair(0, 0)
	require.NoError(t, transport.Start(context.Background(), server.URL, duplex.Transport, Text))

	_, err := duplex.Application.Input.Read(context.Background())
	require.Error(t, err)

	select {
	case <-transport.Running():
	case <-time.After(time.Second):
		t.Fatal("transport never reported Running closed after a 5xx poll")
	}
}

func TestLongPollingSendSyncSurfaces5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport := NewLongPollingTransport()
	duplex := CreateConnectionPair(0, 0)
	require.NoError(t, transport.Start(context.Background(), server.URL, duplex.Transport, Text))
	defer transport.Stop(context.Background())

	err := transport.SendSync(context.Background(), []byte("payload"))
	require.Error(t, err)
}

func TestLongPollingSendSyncSucceedsOn200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport := NewLongPollingTransport()
	duplex := CreateConnectionPair(0, 0)
	require.NoError(t, transport.Start(context.Background(), server.URL, duplex.Transport, Text))
	defer transport.Stop(context.Background())

	require.NoError(t, transport.SendSync(context.Background(), []byte("payload")))
}
