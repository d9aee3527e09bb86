package signalr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecNameAndFormat(t *testing.T) {
	c := NewJSONCodec()
	assert.Equal(t, "json", c.Name())
	assert.Equal(t, Text, c.TransferFormat())
}

func TestJSONCodecInvocationRoundTrip(t *testing.T) {
	c := NewJSONCodec()
	original := HubMessage{
		Type: MessageTypeInvocation,
		Invocation: &InvocationMessage{
			InvocationID: "42",
			Target:       "Echo",
			Arguments:    []interface{}{"hello", float64(3)},
		},
	}

	encoded, err := c.WriteMessage(original)
	require.NoError(t, err)
	require.True(t, len(encoded) > 0)
	assert.Equal(t, recordSeparator, encoded[len(encoded)-1])

	messages, consumed, err := c.TryParseMessages(encoded, nil)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), consumed)
	require.Len(t, messages, 1)
	got := messages[0]
	require.NotNil(t, got.Invocation)
	assert.Equal(t, "42", got.Invocation.InvocationID)
	assert.Equal(t, "Echo", got.Invocation.Target)
	assert.Equal(t, []interface{}{"hello", float64(3)}, got.Invocation.Arguments)
	assert.False(t, got.Invocation.NonBlocking)
}

func TestJSONCodecNonBlockingInvocationHasNoInvocationID(t *testing.T) {
	c := NewJSONCodec()
	msg := HubMessage{Type: MessageTypeInvocation, Invocation: &InvocationMessage{
		Target:      "Fire",
		Arguments:   []interface{}{},
		NonBlocking: true,
	}}
	encoded, err := c.WriteMessage(msg)
	require.NoError(t, err)

	messages, _, err := c.TryParseMessages(encoded, nil)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "", messages[0].Invocation.InvocationID)
	assert.True(t, messages[0].Invocation.NonBlocking)
}

func TestJSONCodecCompletionRoundTrip(t *testing.T) {
	c := NewJSONCodec()
	msg := HubMessage{Type: MessageTypeCompletion, Completion: &CompletionMessage{
		InvocationID: "7",
		Result:       "done",
		HasResult:    true,
	}}
	encoded, err := c.WriteMessage(msg)
	require.NoError(t, err)

	messages, _, err := c.TryParseMessages(encoded, nil)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	comp := messages[0].Completion
	assert.Equal(t, "7", comp.InvocationID)
	assert.Equal(t, "done", comp.Result)
	assert.True(t, comp.HasResult)
}

func TestJSONCodecParsesMultipleBufferedMessages(t *testing.T) {
	c := NewJSONCodec()
	one, _ := c.WriteMessage(HubMessage{Type: MessageTypePing, Ping: &PingMessage{}})
	two, _ := c.WriteMessage(HubMessage{Type: MessageTypePing, Ping: &PingMessage{}})
	buf := append(append([]byte{}, one...), two...)

	messages, consumed, err := c.TryParseMessages(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Len(t, messages, 2)
}

func TestJSONCodecLeavesPartialMessageUnconsumed(t *testing.T) {
	c := NewJSONCodec()
	full, _ := c.WriteMessage(HubMessage{Type: MessageTypePing, Ping: &PingMessage{}})
	partial := append(append([]byte{}, full...), []byte(`{"type":6`)...) // no trailing separator yet

	messages, consumed, err := c.TryParseMessages(partial, nil)
	require.NoError(t, err)
	assert.Equal(t, len(full), consumed)
	assert.Len(t, messages, 1)
}

func TestJSONCodecMissingTargetIsProtocolError(t *testing.T) {
	c := NewJSONCodec()
	raw := append([]byte(`{"type":1}`), recordSeparator)

	_, _, err := c.TryParseMessages(raw, nil)
	require.Error(t, err)
	var sigErr *Error
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, ProtocolError, sigErr.Kind)
}

func TestJSONCodecUnknownTypeIsProtocolError(t *testing.T) {
	c := NewJSONCodec()
	raw := append([]byte(`{"type":99}`), recordSeparator)

	_, _, err := c.TryParseMessages(raw, nil)
	require.Error(t, err)
	var sigErr *Error
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, ProtocolError, sigErr.Kind)
}

type stubBinder map[string][]interface{}

func (b stubBinder) ArgumentTypes(target string) ([]interface{}, bool) {
	types, ok := b[target]
	return types, ok
}

func TestJSONCodecDecodesTypedArgumentsViaBinder(t *testing.T) {
	c := NewJSONCodec()
	msg := HubMessage{Type: MessageTypeInvocation, Invocation: &InvocationMessage{
		InvocationID: "1",
		Target:       "Add",
		Arguments:    []interface{}{1, 2},
	}}
	encoded, err := c.WriteMessage(msg)
	require.NoError(t, err)

	binder := stubBinder{"Add": {int(0), int(0)}}
	messages, _, err := c.TryParseMessages(encoded, binder)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	args := messages[0].Invocation.Arguments
	require.Len(t, args, 2)
	assert.IsType(t, int(0), args[0])
	assert.IsType(t, int(0), args[1])
}
