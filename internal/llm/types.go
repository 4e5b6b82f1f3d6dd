// Package llm provides the reasoning-service client.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents one transcript entry. Insertion order is the
// literal protocol transcript sent to the reasoning service.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // correlation id on tool results
	IsError    bool       `json:"is_error,omitempty"`     // marks errored tool results
}

// ToolCall is a tool invocation requested by the reasoning service.
// ID is the correlation id that the matching tool result must echo.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes one entry of the catalog offered to the reasoning
// service.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatResponse is the provider-neutral response. Wire-format conversion
// happens at the provider boundary (anthropic.go).
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the response requests any tool invocations.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.Message.ToolCalls) > 0
}
