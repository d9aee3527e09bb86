package signalr

// MessageType is the integer discriminator carried by every framed hub
// message (§3, §6 example payload).
type MessageType int

const (
	MessageTypeInvocation MessageType = 1
	MessageTypeStreamItem MessageType = 2
	MessageTypeCompletion MessageType = 3
	// MessageTypeStreamInvocation, MessageTypeCancelInvocation,
	// MessageTypePing and MessageTypeClose round out the wire protocol's
	// discriminator space (§12 supplemented features); the Connection
	// Core neither originates nor requires them. Both codecs round-trip
	// StreamInvocation, Ping and Close; CancelInvocation is declared only,
	// and both codecs reject it as an unsupported discriminator.
	MessageTypeStreamInvocation MessageType = 4
	MessageTypeCancelInvocation MessageType = 5
	MessageTypePing             MessageType = 6
	MessageTypeClose            MessageType = 7
)

// HubMessage is the tagged sum type from §3. Exactly one of the
// Invocation/StreamItem/Completion/Ping/Close pointer fields is set;
// callers should type-switch on Type.
type HubMessage struct {
	Type MessageType

	Invocation *InvocationMessage
	StreamItem *StreamItemMessage
	Completion *CompletionMessage
	Ping       *PingMessage
	Close      *CloseMessage
}

// InvocationMessage requests a remote procedure call. InvocationID is
// empty iff the caller used NonBlocking and expects no response.
type InvocationMessage struct {
	InvocationID string        `json:"invocationId,omitempty" msgpack:"invocationId"`
	Target       string        `json:"target" msgpack:"target"`
	Arguments    []interface{} `json:"arguments" msgpack:"arguments"`
	NonBlocking  bool          `json:"-" msgpack:"-"`
}

// StreamItemMessage carries one item of a streamed response. StreamItems
// for a given InvocationID may only precede its Completion (§3).
type StreamItemMessage struct {
	InvocationID string      `json:"invocationId" msgpack:"invocationId"`
	Item         interface{} `json:"item" msgpack:"item"`
}

// CompletionMessage terminates an invocation. Result and Error are
// mutually exclusive; at most one Completion is sent per InvocationID.
type CompletionMessage struct {
	InvocationID string      `json:"invocationId" msgpack:"invocationId"`
	Result       interface{} `json:"result,omitempty" msgpack:"result"`
	Error        string      `json:"error,omitempty" msgpack:"error"`
	HasResult    bool        `json:"-" msgpack:"-"`
}

// PingMessage is a keepalive frame (§12 supplemented features).
type PingMessage struct{}

// CloseMessage is sent by the server when it closes a connection.
type CloseMessage struct {
	Error          string `json:"error,omitempty" msgpack:"error"`
	AllowReconnect bool   `json:"allowReconnect,omitempty" msgpack:"allowReconnect"`
}

// InvocationBinder maps a target name to the Go types its arguments
// should be deserialized into, so a codec can produce typed values
// without runtime reflection on the wire shape (GLOSSARY).
type InvocationBinder interface {
	// ArgumentTypes returns the expected argument types for target, or
	// ok=false if target is unknown (the codec then leaves arguments as
	// generic interface{} values).
	ArgumentTypes(target string) (types []interface{}, ok bool)
}

// nilBinder is used when the caller has no typed-argument information;
// every target decodes its arguments as generic values.
type nilBinder struct{}

func (nilBinder) ArgumentTypes(string) ([]interface{}, bool) { return nil, false }

// Codec encodes and decodes framed Hub Protocol messages (§4.C). JSON
// and MsgPack implementations live in protocol_json.go and
// protocol_msgpack.go.
type Codec interface {
	// Name is the protocol name used in the negotiation handshake, e.g.
	// "json" or "messagepack".
	Name() string

	// TransferFormat reports which TransferFormat this codec frames on
	// the wire (Text for JSON, Binary for MsgPack).
	TransferFormat() TransferFormat

	// TryParseMessages consumes zero or more whole messages from input,
	// appending them to the returned slice, and reports whether any
	// bytes were consumed. Malformed records return a *Error of Kind
	// ProtocolError rather than a partial-data result (§4.C contract).
	TryParseMessages(input []byte, binder InvocationBinder) (messages []HubMessage, consumed int, err error)

	// WriteMessage serializes one message followed by its framing
	// sentinel.
	WriteMessage(msg HubMessage) ([]byte, error)
}
