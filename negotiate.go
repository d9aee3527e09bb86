package signalr

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
)

// recordSeparator is ASCII "Information Separator Two", the delimiter
// terminating every text-framed message (§6).
const recordSeparator byte = 0x1e

var negotiateJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// NegotiationMessage is the single-field handshake payload exchanged
// before any HubMessage: {"protocol":"<name>"}\x1e (§4.C, §6).
type NegotiationMessage struct {
	Protocol string `json:"protocol"`
}

// EncodeNegotiation serializes m as UTF-8 JSON with no BOM, terminated
// by a single record separator.
func EncodeNegotiation(m NegotiationMessage) ([]byte, error) {
	body, err := negotiateJSON.Marshal(m)
	if err != nil {
		return nil, wrapError(ProtocolError, "encode negotiation message", err)
	}
	return append(body, recordSeparator), nil
}

// DecodeNegotiation slices the first record-separated frame from buf
// and parses it as a NegotiationMessage. It returns the number of bytes
// consumed (including the separator) and false if the buffer holds no
// complete frame yet. A frame that parses but is not a JSON object, or
// is missing a string "protocol" field, raises a ProtocolError.
func DecodeNegotiation(buf []byte) (msg NegotiationMessage, consumed int, ok bool, err error) {
	idx := bytes.IndexByte(buf, recordSeparator)
	if idx < 0 {
		return NegotiationMessage{}, 0, false, nil
	}

	raw := buf[:idx]
	var generic map[string]interface{}
	if jsonErr := negotiateJSON.Unmarshal(raw, &generic); jsonErr != nil {
		return NegotiationMessage{}, 0, false, wrapError(ProtocolError, "negotiation message is not a JSON object", jsonErr)
	}
	protocolVal, present := generic["protocol"]
	if !present {
		return NegotiationMessage{}, 0, false, newError(ProtocolError, "negotiation message missing required 'protocol' property")
	}
	protocol, isString := protocolVal.(string)
	if !isString {
		return NegotiationMessage{}, 0, false, newError(ProtocolError, "negotiation message 'protocol' property is not a string")
	}

	return NegotiationMessage{Protocol: protocol}, idx + 1, true, nil
}
