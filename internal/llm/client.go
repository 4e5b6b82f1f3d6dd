package llm

import "context"

// Client is the reasoning-service interface the agent loop depends on.
// One Chat call is one turn: the full transcript plus the tool catalog
// goes out; text and/or tool-call requests come back.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []Tool) (*ChatResponse, error)
}
