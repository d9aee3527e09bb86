package signalr

import (
	"bytes"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// msgpackHubProtocol is the "messagepack" Codec: 7-bit varint
// length-prefix framing plus a positional msgpack array per message
// (§4.C).
type msgpackHubProtocol struct{}

// NewMsgPackCodec returns the binary Hub Protocol codec.
func NewMsgPackCodec() Codec { return msgpackHubProtocol{} }

func (msgpackHubProtocol) Name() string                    { return "messagepack" }
func (msgpackHubProtocol) TransferFormat() TransferFormat { return Binary }

// readVarint decodes a 7-bit continuation-bit varint length prefix
// (little-endian, max 5 bytes / ~2 GiB, §4.C). needMore is true when buf
// is too short to contain a complete prefix yet; that is not an error.
func readVarint(buf []byte) (value uint64, consumed int, needMore bool, err error) {
	for i := 0; i < len(buf) && i < 5; i++ {
		b := buf[i]
		value |= uint64(b&0x7f) << uint(7*i)
		if b&0x80 == 0 {
			return value, i + 1, false, nil
		}
	}
	if len(buf) < 5 {
		return 0, 0, true, nil
	}
	return 0, 0, false, newError(ProtocolError, "length prefix exceeds 5 bytes")
}

// writeVarint encodes n as a 7-bit continuation-bit varint.
func writeVarint(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			break
		}
	}
	return out
}

func (msgpackHubProtocol) TryParseMessages(input []byte, binder InvocationBinder) ([]HubMessage, int, error) {
	if binder == nil {
		binder = nilBinder{}
	}

	var messages []HubMessage
	consumed := 0
	for {
		rest := input[consumed:]
		length, prefixLen, needMore, err := readVarint(rest)
		if err != nil {
			return nil, 0, err
		}
		if needMore {
			break
		}
		if prefixLen+int(length) > len(rest) {
			break // whole message body not buffered yet
		}

		body := rest[prefixLen : prefixLen+int(length)]
		msg, err := decodeMsgpackMessage(body, binder)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, msg)
		consumed += prefixLen + int(length)
	}
	return messages, consumed, nil
}

func decodeMsgpackMessage(body []byte, binder InvocationBinder) (HubMessage, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	n, err := dec.DecodeArrayLen()
	if err != nil || n < 1 {
		return HubMessage{}, wrapError(ProtocolError, "malformed msgpack hub message envelope", err)
	}
	typeVal, err := dec.DecodeInt()
	if err != nil {
		return HubMessage{}, wrapError(ProtocolError, "malformed msgpack type discriminator", err)
	}

	switch MessageType(typeVal) {
	case MessageTypeInvocation:
		invocationID, err := dec.DecodeString()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed invocationId", err)
		}
		target, err := dec.DecodeString()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed target", err)
		}
		if target == "" {
			return HubMessage{}, newError(ProtocolError, "invocation message missing required target field")
		}
		args, err := decodeMsgpackArguments(dec, binder, target)
		if err != nil {
			return HubMessage{}, err
		}
		nonBlocking, err := dec.DecodeBool()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed nonBlocking flag", err)
		}
		return HubMessage{Type: MessageTypeInvocation, Invocation: &InvocationMessage{
			InvocationID: invocationID,
			Target:       target,
			Arguments:    args,
			NonBlocking:  nonBlocking,
		}}, nil

	case MessageTypeStreamInvocation:
		invocationID, err := dec.DecodeString()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed invocationId", err)
		}
		target, err := dec.DecodeString()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed target", err)
		}
		if target == "" {
			return HubMessage{}, newError(ProtocolError, "stream invocation message missing required target field")
		}
		args, err := decodeMsgpackArguments(dec, binder, target)
		if err != nil {
			return HubMessage{}, err
		}
		return HubMessage{Type: MessageTypeStreamInvocation, Invocation: &InvocationMessage{
			InvocationID: invocationID,
			Target:       target,
			Arguments:    args,
		}}, nil

	case MessageTypeStreamItem:
		invocationID, err := dec.DecodeString()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed invocationId", err)
		}
		item, err := dec.DecodeInterface()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed stream item", err)
		}
		return HubMessage{Type: MessageTypeStreamItem, StreamItem: &StreamItemMessage{
			InvocationID: invocationID,
			Item:         item,
		}}, nil

	case MessageTypeCompletion:
		invocationID, err := dec.DecodeString()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed invocationId", err)
		}
		errStr, err := dec.DecodeString()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed error field", err)
		}
		hasResult, err := dec.DecodeBool()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed hasResult flag", err)
		}
		result, err := dec.DecodeInterface()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed result", err)
		}
		if !hasResult {
			result = nil
		}
		return HubMessage{Type: MessageTypeCompletion, Completion: &CompletionMessage{
			InvocationID: invocationID,
			Result:       result,
			Error:        errStr,
			HasResult:    hasResult,
		}}, nil

	case MessageTypePing:
		return HubMessage{Type: MessageTypePing, Ping: &PingMessage{}}, nil

	case MessageTypeClose:
		errStr, err := dec.DecodeString()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed error field", err)
		}
		allowReconnect, err := dec.DecodeBool()
		if err != nil {
			return HubMessage{}, wrapError(ProtocolError, "malformed allowReconnect flag", err)
		}
		return HubMessage{Type: MessageTypeClose, Close: &CloseMessage{
			Error:          errStr,
			AllowReconnect: allowReconnect,
		}}, nil

	default:
		return HubMessage{}, newError(ProtocolError, "unsupported hub message type discriminator")
	}
}

func decodeMsgpackArguments(dec *msgpack.Decoder, binder InvocationBinder, target string) ([]interface{}, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, wrapError(ProtocolError, "malformed arguments array", err)
	}
	if n <= 0 {
		return []interface{}{}, nil
	}
	types, haveTypes := binder.ArgumentTypes(target)
	args := make([]interface{}, n)
	for i := 0; i < n; i++ {
		if haveTypes && i < len(types) && types[i] != nil {
			ptr := reflect.New(reflect.TypeOf(types[i]))
			if err := dec.Decode(ptr.Interface()); err != nil {
				return nil, wrapError(ProtocolError, "malformed invocation argument", err)
			}
			args[i] = ptr.Elem().Interface()
			continue
		}
		v, err := dec.DecodeInterface()
		if err != nil {
			return nil, wrapError(ProtocolError, "malformed invocation argument", err)
		}
		args[i] = v
	}
	return args, nil
}

func (msgpackHubProtocol) WriteMessage(msg HubMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	switch msg.Type {
	case MessageTypeInvocation:
		inv := msg.Invocation
		_ = enc.EncodeArrayLen(5)
		_ = enc.EncodeInt8(int8(MessageTypeInvocation))
		_ = enc.EncodeString(inv.InvocationID)
		_ = enc.EncodeString(inv.Target)
		_ = enc.EncodeArrayLen(len(inv.Arguments))
		for _, a := range inv.Arguments {
			if err := enc.Encode(a); err != nil {
				return nil, wrapError(ProtocolError, "encode invocation argument", err)
			}
		}
		_ = enc.EncodeBool(inv.NonBlocking)

	case MessageTypeStreamInvocation:
		inv := msg.Invocation
		_ = enc.EncodeArrayLen(4)
		_ = enc.EncodeInt8(int8(MessageTypeStreamInvocation))
		_ = enc.EncodeString(inv.InvocationID)
		_ = enc.EncodeString(inv.Target)
		_ = enc.EncodeArrayLen(len(inv.Arguments))
		for _, a := range inv.Arguments {
			if err := enc.Encode(a); err != nil {
				return nil, wrapError(ProtocolError, "encode stream invocation argument", err)
			}
		}

	case MessageTypeStreamItem:
		si := msg.StreamItem
		_ = enc.EncodeArrayLen(3)
		_ = enc.EncodeInt8(int8(MessageTypeStreamItem))
		_ = enc.EncodeString(si.InvocationID)
		if err := enc.Encode(si.Item); err != nil {
			return nil, wrapError(ProtocolError, "encode stream item", err)
		}

	case MessageTypeCompletion:
		c := msg.Completion
		_ = enc.EncodeArrayLen(5)
		_ = enc.EncodeInt8(int8(MessageTypeCompletion))
		_ = enc.EncodeString(c.InvocationID)
		_ = enc.EncodeString(c.Error)
		_ = enc.EncodeBool(c.HasResult)
		if err := enc.Encode(c.Result); err != nil {
			return nil, wrapError(ProtocolError, "encode completion result", err)
		}

	case MessageTypePing:
		_ = enc.EncodeArrayLen(1)
		_ = enc.EncodeInt8(int8(MessageTypePing))

	case MessageTypeClose:
		_ = enc.EncodeArrayLen(3)
		_ = enc.EncodeInt8(int8(MessageTypeClose))
		_ = enc.EncodeString(msg.Close.Error)
		_ = enc.EncodeBool(msg.Close.AllowReconnect)

	default:
		return nil, newError(ProtocolError, "unsupported hub message type discriminator")
	}

	body := buf.Bytes()
	framed := append(writeVarint(uint64(len(body))), body...)
	return framed, nil
}
