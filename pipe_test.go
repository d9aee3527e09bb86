package signalr

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPipeWriteThenRead(t *testing.T) {
	half := newPipe(0)
	w := &Writer{p: half}
	r := &Reader{p: half}

	ctx := context.Background()
	n, err := w.Write(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	r.Advance(len(data))
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	half := newPipe(0)
	w := &Writer{p: half}
	r := &Reader{p: half}

	done := make(chan []byte, 1)
	go func() {
		data, err := r.Read(context.Background())
		require.NoError(t, err)
		done <- data
	}()

	select {
	case <-done:
		t.Fatal("Read returned before any Write")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := w.Write(context.Background(), []byte("x"))
	require.NoError(t, err)

	select {
	case data := <-done:
		assert.Equal(t, "x", string(data))
	case <-time.After(time.Second):
		t.Fatal("Read never unblocked after Write")
	}
}

func TestPipePartialConsumptionWaitsForNewData(t *testing.T) {
	half := newPipe(0)
	w := &Writer{p: half}
	r := &Reader{p: half}
	ctx := context.Background()

	_, err := w.Write(ctx, []byte("ab"))
	require.NoError(t, err)

	data, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
	r.Advance(0) // handler consumed nothing: waiting for more bytes

	secondRead := make(chan []byte, 1)
	go func() {
		d, err := r.Read(context.Background())
		require.NoError(t, err)
		secondRead <- d
	}()

	select {
	case <-secondRead:
		t.Fatal("Read returned again on the same unconsumed partial frame without new data")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = w.Write(ctx, []byte("cd"))
	require.NoError(t, err)

	select {
	case d := <-secondRead:
		assert.Equal(t, "abcd", string(d))
	case <-time.After(time.Second):
		t.Fatal("Read never unblocked after new bytes arrived")
	}
}

func TestPipeWriteBlocksOnCapacity(t *testing.T) {
	half := newPipe(4)
	w := &Writer{p: half}
	r := &Reader{p: half}
	ctx := context.Background()

	_, err := w.Write(ctx, []byte("abcd"))
	require.NoError(t, err)

	writeDone := make(chan struct{})
	go func() {
		_, err := w.Write(context.Background(), []byte("e"))
		assert.NoError(t, err)
		close(writeDone)
	}()

	select {
	case <-writeDone:
		t.Fatal("Write did not block while the pipe was at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	data, err := r.Read(ctx)
	require.NoError(t, err)
	r.Advance(len(data))

	select {
	case <-writeDone:
	case <-time.After(time.Second):
		t.Fatal("Write never unblocked after Advance freed capacity")
	}
}

func TestPipeCompleteUnblocksReaderWithEOF(t *testing.T) {
	half := newPipe(0)
	r := &Reader{p: half}
	w := &Writer{p: half}

	w.Complete(nil)
	_, err := r.Read(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestPipeCompleteWithErrorSurfacesToReader(t *testing.T) {
	half := newPipe(0)
	r := &Reader{p: half}
	w := &Writer{p: half}

	boom := newError(TransportFailure, "boom")
	w.Complete(boom)
	_, err := r.Read(context.Background())
	assert.Equal(t, boom, err)
}

func TestPipeWriteAfterCompleteFails(t *testing.T) {
	half := newPipe(0)
	w := &Writer{p: half}
	w.Complete(nil)

	_, err := w.Write(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, errClosedPipe)
}

func TestPipeCompleteIsIdempotent(t *testing.T) {
	half := newPipe(0)
	w := &Writer{p: half}
	w.Complete(newError(TransportFailure, "first"))
	w.Complete(newError(TransportFailure, "second"))

	r := &Reader{p: half}
	_, err := r.Read(context.Background())
	assert.Contains(t, err.Error(), "first")
}

func TestPipeReadRespectsContextCancellation(t *testing.T) {
	half := newPipe(0)
	r := &Reader{p: half}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Read(ctx)
	require.Error(t, err)
	var sigErr *Error
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, Cancelled, sigErr.Kind)
}

func TestCreateConnectionPairWiresBothDirections(t *testing.T) {
	duplex := CreateConnectionPair(0, 0)
	ctx := context.Background()

	_, err := duplex.Application.Output.Write(ctx, []byte("to-transport"))
	require.NoError(t, err)
	data, err := duplex.Transport.Input.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "to-transport", string(data))

	_, err = duplex.Transport.Output.Write(ctx, []byte("to-app"))
	require.NoError(t, err)
	data, err = duplex.Application.Input.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "to-app", string(data))
}
