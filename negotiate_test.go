package signalr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiationRoundTrip(t *testing.T) {
	encoded, err := EncodeNegotiation(NegotiationMessage{Protocol: "json"})
	require.NoError(t, err)
	assert.Equal(t, recordSeparator, encoded[len(encoded)-1])

	msg, consumed, ok, err := DecodeNegotiation(encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, len(encoded), consumed)
	assert.Equal(t, "json", msg.Protocol)
}

func TestDecodeNegotiationIncompleteBufferNeedsMore(t *testing.T) {
	_, consumed, ok, err := DecodeNegotiation([]byte(`{"protocol":"json"}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, consumed)
}

func TestDecodeNegotiationMissingProtocolIsProtocolError(t *testing.T) {
	buf := append([]byte(`{"not-protocol":"json"}`), recordSeparator)
	_, _, ok, err := DecodeNegotiation(buf)
	require.Error(t, err)
	assert.False(t, ok)
	var sigErr *Error
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, ProtocolError, sigErr.Kind)
}

func TestDecodeNegotiationNonObjectIsProtocolError(t *testing.T) {
	buf := append([]byte(`"just a string"`), recordSeparator)
	_, _, ok, err := DecodeNegotiation(buf)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestDecodeNegotiationProtocolNotStringIsProtocolError(t *testing.T) {
	buf := append([]byte(`{"protocol":5}`), recordSeparator)
	_, _, ok, err := DecodeNegotiation(buf)
	require.Error(t, err)
	assert.False(t, ok)
}
