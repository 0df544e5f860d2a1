package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Version is the only JSON-RPC version accepted.
const Version = "2.0"

// NullID is the id used on failures that cannot be correlated to a request.
var NullID = json.RawMessage("null")

// Shape classifies an inbound frame.
type Shape int

const (
	ShapeInvalid Shape = iota
	ShapeRequest
	ShapeNotification
	ShapeResponse
)

// String returns the shape name used in logs and metrics.
func (s Shape) String() string {
	switch s {
	case ShapeRequest:
		return "request"
	case ShapeNotification:
		return "notification"
	case ShapeResponse:
		return "response"
	default:
		return "invalid"
	}
}

// ErrorObject is the wire form of a failure.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is an inbound frame before dispatch. Exactly one of the request,
// notification or response shapes is populated; see Shape.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Shape reports which envelope the message is.
func (m *Message) Shape() Shape {
	if m.JSONRPC != Version {
		return ShapeInvalid
	}
	hasID := len(m.ID) > 0
	switch {
	case m.Method != "" && !hasID:
		return ShapeNotification
	case m.Method != "" && validID(m.ID):
		return ShapeRequest
	case m.Method == "" && hasID && validID(m.ID):
		return ShapeResponse
	default:
		return ShapeInvalid
	}
}

// ReplyID returns the id to use when answering the message with a failure.
func (m *Message) ReplyID() json.RawMessage {
	if validID(m.ID) {
		return m.ID
	}
	return NullID
}

// validID accepts JSON numbers and strings.
func validID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return false
	}
	switch c := id[0]; {
	case c == '"':
		var s string
		return Unmarshal(id, &s) == nil
	case c == '-' || (c >= '0' && c <= '9'):
		_, err := strconv.ParseFloat(string(id), 64)
		return err == nil
	default:
		return false
	}
}

// NumericID parses an id carrying an unsigned integer, as forward ids do.
func NumericID(id json.RawMessage) (uint64, bool) {
	id = bytes.TrimSpace(id)
	if len(id) == 0 || id[0] == '"' {
		return 0, false
	}
	n, err := strconv.ParseUint(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IDFromUint renders an integer id in wire form.
func IDFromUint(n uint64) json.RawMessage {
	return json.RawMessage(strconv.FormatUint(n, 10))
}

// Request is an outbound request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

// Notification is an outbound notification.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an outbound success or failure.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// EncodeRequest renders a request frame.
func EncodeRequest(id json.RawMessage, method string, params any) ([]byte, error) {
	return Marshal(Request{JSONRPC: Version, ID: id, Method: method, Params: params})
}

// EncodeNotification renders a notification frame.
func EncodeNotification(method string, params any) ([]byte, error) {
	return Marshal(Notification{JSONRPC: Version, Method: method, Params: params})
}

// EncodeResult renders a success frame. A nil result is sent as JSON null.
func EncodeResult(id json.RawMessage, result any) ([]byte, error) {
	raw, ok := result.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = Marshal(result); err != nil {
			return nil, err
		}
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return Marshal(Response{JSONRPC: Version, ID: orNull(id), Result: raw})
}

// EncodeError renders a failure frame.
func EncodeError(id json.RawMessage, obj *ErrorObject) ([]byte, error) {
	return Marshal(Response{JSONRPC: Version, ID: orNull(id), Error: obj})
}

func orNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return NullID
	}
	return id
}
