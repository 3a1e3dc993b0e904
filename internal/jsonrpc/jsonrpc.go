// Package jsonrpc holds the JSON-RPC 2.0 envelope types shared by the router, the pool and the stdio client.
// Ids are kept as raw JSON so that 0, "abc" and 12345 round-trip byte for byte.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

const Version = mcp.JSONRPC_VERSION

// MethodInitialized is the notification a client sends once it has accepted an initialize result.
const MethodInitialized = "notifications/initialized"

const (
	CodeParseError     = mcp.PARSE_ERROR
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeMethodNotFound = mcp.METHOD_NOT_FOUND
	CodeInvalidParams  = mcp.INVALID_PARAMS
	CodeInternalError  = mcp.INTERNAL_ERROR
)

var null = json.RawMessage("null")

// Request is an inbound or outbound JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no usable id and so expects no response.
func (r *Request) IsNotification() bool {
	return IsNullID(r.ID)
}

// Marshal encodes the request on a single line, as required by the stdio transport.
func (r *Request) Marshal() ([]byte, error) {
	if r.JSONRPC == "" {
		r.JSONRPC = Version
	}
	return json.Marshal(r)
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error response for the given request id.
// A missing id is rendered as null.
func NewError(id json.RawMessage, code int, msg string) *Response {
	if len(id) == 0 {
		id = null
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: msg},
	}
}

// NewResult builds a success response, marshaling result unless it is already raw JSON.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	var raw json.RawMessage
	switch r := result.(type) {
	case json.RawMessage:
		raw = r
	default:
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshaling result: %w", err)
		}
		raw = b
	}
	if len(id) == 0 {
		id = null
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// DecodeRequest parses and validates an envelope.
// The returned *Error is suitable for sending back to the caller as-is.
func DecodeRequest(b []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: fmt.Sprintf("parse error: %s", err)}
	}
	if req.JSONRPC != Version {
		return &req, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid jsonrpc version %q", req.JSONRPC)}
	}
	if req.Method == "" {
		return &req, &Error{Code: CodeInvalidRequest, Message: "missing method"}
	}
	return &req, nil
}

// IsNullID reports whether id is absent or JSON null.
func IsNullID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) == 0 || bytes.Equal(trimmed, null)
}
