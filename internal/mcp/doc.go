// Package mcp implements a client for the Model Context Protocol: JSON-RPC
// 2.0 framing, a stdio transport for spawned tool servers, a streamable
// HTTP transport for remote ones, and a typed client for the protocol
// operations the orchestrator needs (initialize, tools/list, tools/call).
package mcp
