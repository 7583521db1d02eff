// Package rpc implements the JSON-RPC 2.0 plumbing between the server
// and plugin subprocesses: the request envelope, the error variants,
// and the HTTP client used for /mcp calls.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC error codes used on the wire.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request or notification (ID nil).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewResponse builds a success response for an id.
func NewResponse(id *int64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for an id.
func NewErrorResponse(id *int64, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

// RPCError is a JSON-RPC level failure returned by the remote handler.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TimeoutError reports that a call did not complete within its deadline.
// It is distinguishable from transport errors: a timed-out tool call is
// not treated as a plugin crash.
type TimeoutError struct {
	Method  string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s timed out after %s", e.Method, e.Elapsed)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errorsAs(err, &te)
}
