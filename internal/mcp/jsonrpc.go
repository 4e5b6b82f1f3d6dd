package mcp

import (
	"encoding/json"
	"fmt"
)

// Every message on the wire carries this version tag; tool servers
// reject anything else.
const jsonrpcVersion = "2.0"

// Request is an outbound call awaiting a correlated Response. IDs are
// assigned by the client from a per-connection counter.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a versioned request ready for a transport.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is what a tool server sends back for a Request. A well-formed
// response carries either Result or Error, never both; Result stays raw
// so each caller can decode into its own shape.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object a tool server embeds in a failed
// response. It satisfies the error interface so callers can return it
// directly up the stack.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("tool server rpc error %d: %s", e.Code, e.Message)
}

// Notification is a fire-and-forget message: it has no ID and the
// server sends nothing back.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a versioned notification ready for a transport.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}
