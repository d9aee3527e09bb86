package signalr

import (
	"bytes"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

var hubJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonEnvelope is the wire shape of every JSON-framed hub message: one
// object keyed by an integer "type" discriminator plus whichever
// variant-specific fields apply (§4.C).
type jsonEnvelope struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []jsoniter.RawMessage `json:"arguments,omitempty"`
	NonBlocking    bool              `json:"nonBlocking,omitempty"`
	Item           jsoniter.RawMessage   `json:"item,omitempty"`
	Result         jsoniter.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// jsonHubProtocol is the "json" Codec: record-separator text framing
// plus the standard SignalR-shaped JSON envelope, decoded with a
// caller-supplied InvocationBinder (§4.C).
type jsonHubProtocol struct{}

// NewJSONCodec returns the JSON Hub Protocol codec.
func NewJSONCodec() Codec { return jsonHubProtocol{} }

func (jsonHubProtocol) Name() string                    { return "json" }
func (jsonHubProtocol) TransferFormat() TransferFormat { return Text }

func (jsonHubProtocol) TryParseMessages(input []byte, binder InvocationBinder) ([]HubMessage, int, error) {
	if binder == nil {
		binder = nilBinder{}
	}

	var messages []HubMessage
	consumed := 0
	for {
		idx := bytes.IndexByte(input[consumed:], recordSeparator)
		if idx < 0 {
			break
		}
		raw := input[consumed : consumed+idx]
		msg, err := decodeJSONEnvelope(raw, binder)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, msg)
		consumed += idx + 1
	}
	return messages, consumed, nil
}

func decodeJSONEnvelope(raw []byte, binder InvocationBinder) (HubMessage, error) {
	var env jsonEnvelope
	if err := hubJSON.Unmarshal(raw, &env); err != nil {
		return HubMessage{}, wrapError(ProtocolError, "malformed hub message", err)
	}

	switch env.Type {
	case MessageTypeInvocation:
		if env.Target == "" {
			return HubMessage{}, newError(ProtocolError, "invocation message missing required 'target' field")
		}
		args, err := decodeArguments(env.Arguments, binder, env.Target)
		if err != nil {
			return HubMessage{}, err
		}
		return HubMessage{Type: MessageTypeInvocation, Invocation: &InvocationMessage{
			InvocationID: env.InvocationID,
			Target:       env.Target,
			Arguments:    args,
			NonBlocking:  env.InvocationID == "",
		}}, nil

	case MessageTypeStreamInvocation:
		if env.Target == "" {
			return HubMessage{}, newError(ProtocolError, "stream invocation message missing required 'target' field")
		}
		if env.InvocationID == "" {
			return HubMessage{}, newError(ProtocolError, "stream invocation message missing required 'invocationId' field")
		}
		args, err := decodeArguments(env.Arguments, binder, env.Target)
		if err != nil {
			return HubMessage{}, err
		}
		return HubMessage{Type: MessageTypeStreamInvocation, Invocation: &InvocationMessage{
			InvocationID: env.InvocationID,
			Target:       env.Target,
			Arguments:    args,
		}}, nil

	case MessageTypeStreamItem:
		if env.InvocationID == "" {
			return HubMessage{}, newError(ProtocolError, "stream item message missing required 'invocationId' field")
		}
		var item interface{}
		if len(env.Item) > 0 {
			if err := hubJSON.Unmarshal(env.Item, &item); err != nil {
				return HubMessage{}, wrapError(ProtocolError, "malformed stream item", err)
			}
		}
		return HubMessage{Type: MessageTypeStreamItem, StreamItem: &StreamItemMessage{
			InvocationID: env.InvocationID,
			Item:         item,
		}}, nil

	case MessageTypeCompletion:
		if env.InvocationID == "" {
			return HubMessage{}, newError(ProtocolError, "completion message missing required 'invocationId' field")
		}
		var result interface{}
		hasResult := len(env.Result) > 0
		if hasResult {
			if err := hubJSON.Unmarshal(env.Result, &result); err != nil {
				return HubMessage{}, wrapError(ProtocolError, "malformed completion result", err)
			}
		}
		return HubMessage{Type: MessageTypeCompletion, Completion: &CompletionMessage{
			InvocationID: env.InvocationID,
			Result:       result,
			Error:        env.Error,
			HasResult:    hasResult,
		}}, nil

	case MessageTypePing:
		return HubMessage{Type: MessageTypePing, Ping: &PingMessage{}}, nil

	case MessageTypeClose:
		return HubMessage{Type: MessageTypeClose, Close: &CloseMessage{
			Error:          env.Error,
			AllowReconnect: env.AllowReconnect,
		}}, nil

	default:
		return HubMessage{}, newError(ProtocolError, "unsupported hub message type discriminator")
	}
}

func decodeArguments(raw []jsoniter.RawMessage, binder InvocationBinder, target string) ([]interface{}, error) {
	types, haveTypes := binder.ArgumentTypes(target)
	args := make([]interface{}, len(raw))
	for i, r := range raw {
		if haveTypes && i < len(types) && types[i] != nil {
			ptr := reflect.New(reflect.TypeOf(types[i]))
			if err := hubJSON.Unmarshal(r, ptr.Interface()); err != nil {
				return nil, wrapError(ProtocolError, "malformed invocation argument", err)
			}
			args[i] = ptr.Elem().Interface()
			continue
		}
		var v interface{}
		if err := hubJSON.Unmarshal(r, &v); err != nil {
			return nil, wrapError(ProtocolError, "malformed invocation argument", err)
		}
		args[i] = v
	}
	return args, nil
}

func (jsonHubProtocol) WriteMessage(msg HubMessage) ([]byte, error) {
	env := jsonEnvelope{Type: msg.Type}

	switch msg.Type {
	case MessageTypeInvocation:
		inv := msg.Invocation
		env.InvocationID = inv.InvocationID
		env.Target = inv.Target
		env.NonBlocking = inv.NonBlocking
		for _, a := range inv.Arguments {
			b, err := hubJSON.Marshal(a)
			if err != nil {
				return nil, wrapError(ProtocolError, "encode invocation argument", err)
			}
			env.Arguments = append(env.Arguments, b)
		}
		if env.Arguments == nil {
			env.Arguments = []jsoniter.RawMessage{}
		}

	case MessageTypeStreamInvocation:
		inv := msg.Invocation
		env.InvocationID = inv.InvocationID
		env.Target = inv.Target
		for _, a := range inv.Arguments {
			b, err := hubJSON.Marshal(a)
			if err != nil {
				return nil, wrapError(ProtocolError, "encode stream invocation argument", err)
			}
			env.Arguments = append(env.Arguments, b)
		}
		if env.Arguments == nil {
			env.Arguments = []jsoniter.RawMessage{}
		}

	case MessageTypeStreamItem:
		si := msg.StreamItem
		env.InvocationID = si.InvocationID
		b, err := hubJSON.Marshal(si.Item)
		if err != nil {
			return nil, wrapError(ProtocolError, "encode stream item", err)
		}
		env.Item = b

	case MessageTypeCompletion:
		c := msg.Completion
		env.InvocationID = c.InvocationID
		env.Error = c.Error
		if c.HasResult {
			b, err := hubJSON.Marshal(c.Result)
			if err != nil {
				return nil, wrapError(ProtocolError, "encode completion result", err)
			}
			env.Result = b
		}

	case MessageTypePing:
		// no additional fields

	case MessageTypeClose:
		env.Error = msg.Close.Error
		env.AllowReconnect = msg.Close.AllowReconnect

	default:
		return nil, newError(ProtocolError, "unsupported hub message type discriminator")
	}

	body, err := hubJSON.Marshal(env)
	if err != nil {
		return nil, wrapError(ProtocolError, "encode hub message", err)
	}
	return append(body, recordSeparator), nil
}
