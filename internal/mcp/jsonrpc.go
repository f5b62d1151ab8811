package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a single JSON-RPC 2.0 envelope. The same type carries
// requests (Method and ID), notifications (Method, no ID) and responses
// (ID with Result or Error), because every transport moves all three
// over one channel.
//
// ID stays raw so ids assigned by the server (which may be strings)
// round-trip unchanged when we answer server-initiated requests.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsNotification reports whether m is a one-way message.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0 && (m.Result != nil || m.Error != nil)
}

// IntID returns the message id as an integer. Numeric strings are
// accepted because a few servers echo ids back quoted.
func (m *Message) IntID() (int64, bool) {
	return parseID(m.ID)
}

func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// RPCError is a JSON-RPC 2.0 error object. A server returning one is a
// protocol error: the call reached the server and was refused.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

// newResult builds a success response to a request with the given id.
func newResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: jsonrpcVersion, ID: id, Result: raw}, nil
}

// newErrorResponse builds an error response to a request with the given id.
func newErrorResponse(id json.RawMessage, code int, msg string) *Message {
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// decodeMessage parses one inbound envelope. Anything that is not a
// well-formed JSON-RPC 2.0 message yields a *SerializationError, which
// carries the id when one could still be recovered from the payload.
func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, newSerializationError(data, err)
	}
	if m.JSONRPC != jsonrpcVersion {
		return nil, newSerializationError(data, fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC))
	}
	if !m.IsRequest() && !m.IsNotification() && !m.IsResponse() {
		return nil, newSerializationError(data, fmt.Errorf("not a request, notification or response"))
	}
	return &m, nil
}

// decodeBatch parses a body that holds either one envelope or a JSON
// array of them. A malformed element does not discard its siblings.
func decodeBatch(data []byte) ([]*Message, []error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		m, err := decodeMessage(trimmed)
		if err != nil {
			return nil, []error{err}
		}
		return []*Message{m}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, []error{newSerializationError(trimmed, err)}
	}

	var (
		msgs []*Message
		errs []error
	)
	for _, e := range elems {
		m, err := decodeMessage(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, errs
}

// probeID pulls just the id out of a payload that failed full decoding.
func probeID(data []byte) json.RawMessage {
	var p struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	if bytes.Equal(p.ID, []byte("null")) {
		return nil
	}
	return p.ID
}
