package mcp

import "context"

// Transport carries JSON-RPC traffic to one tool server. The two
// implementations are StdioTransport (spawned subprocess, newline
// framing) and HTTPTransport (streamable HTTP); the Client above them
// never sees the difference.
type Transport interface {
	// Send delivers one request and blocks for its correlated response.
	// Framing and encoding are the transport's problem; ctx bounds the
	// wait.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a notification. Nothing comes back.
	Notify(ctx context.Context, notif *Notification) error

	// Close tears the connection down; a stdio transport also stops
	// its subprocess. Safe to call more than once.
	Close() error
}
