// Package session holds per-conversation state: the reasoning-service
// transcript, the discovered tool catalog, and user identity.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mknsk/mcp-orchestrator/internal/llm"
	"github.com/mknsk/mcp-orchestrator/internal/registry"
)

// DefaultMaxMessages bounds a conversation transcript. The window keeps
// the seeded instruction plus the most recent entries.
const DefaultMaxMessages = 40

// Context is the state of one conversation. All mutation goes through
// the Store while holding its lock; callers treat returned pointers as
// owned by the calling request until the query completes.
type Context struct {
	ID            string
	UserID        string
	UserEmail     string
	PrimaryServer string

	Messages []llm.Message
	Catalog  []registry.Descriptor

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is the list-view projection of a conversation. First and last
// message are the opening user query and the most recent entry, with the
// seeded instruction excluded.
type Summary struct {
	ID           string    `json:"conversationId"`
	UserID       string    `json:"userId"`
	FirstMessage string    `json:"firstMessage,omitempty"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	Messages     int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store owns all live conversations. Safe for concurrent use.
type Store struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Context

	maxMessages int
}

// NewStore builds an empty store. maxMessages <= 0 selects the default
// transcript window.
func NewStore(maxMessages int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		logger:      logger,
		conns:       make(map[string]*Context),
		maxMessages: maxMessages,
	}
}

// GetOrCreate returns the conversation with the given id, creating it
// when the id is empty or unknown. New conversations are seeded with the
// system instruction. User identity is backfilled onto conversations
// that were created before it was known.
func (s *Store) GetOrCreate(conversationID, userID, userEmail, systemInstruction string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID != "" {
		if ctx, ok := s.conns[conversationID]; ok {
			if ctx.UserID == "" {
				ctx.UserID = userID
			}
			if ctx.UserEmail == "" {
				ctx.UserEmail = userEmail
			}
			return ctx
		}
	}

	id := conversationID
	if id == "" {
		if userID != "" {
			id = fmt.Sprintf("user-%s-%s", userID, uuid.NewString())
		} else {
			id = "conv-" + uuid.NewString()
		}
	}

	now := time.Now()
	ctx := &Context{
		ID:        id,
		UserID:    userID,
		UserEmail: userEmail,
		Messages: []llm.Message{
			{Role: "system", Content: systemInstruction},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conns[id] = ctx

	s.logger.Debug("conversation created", "conversation", id, "user", userID)
	return ctx
}

// Get returns a conversation by id, or nil.
func (s *Store) Get(conversationID string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[conversationID]
}

// Touch records activity and trims the transcript to the window.
func (s *Store) Touch(ctx *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx.UpdatedAt = time.Now()
	ctx.Messages = trim(ctx.Messages, s.maxMessages)
}

// trim keeps the transcript within max entries: the seeded instruction
// at index 0 survives, the rest of the window is the most recent tail.
// Tool-call pairing is then repaired in both directions so the protocol
// transcript stays valid: a result whose request fell outside the window
// pulls the request back in, and a request whose results are all gone is
// dropped along with any orphaned results.
func trim(messages []llm.Message, max int) []llm.Message {
	if len(messages) <= max || max < 2 {
		return messages
	}

	head := messages[0]
	tail := messages[len(messages)-(max-1):]

	// Correlation ids of surviving requests and results.
	haveReq := make(map[string]int) // id -> index into kept slice (post-head)
	haveRes := make(map[string]bool)
	for i, m := range tail {
		for _, tc := range m.ToolCalls {
			haveReq[tc.ID] = i
		}
		if m.Role == "tool" && m.ToolCallID != "" {
			haveRes[m.ToolCallID] = true
		}
	}

	// Restore requests whose results survived the cut. They are inserted
	// at the front of the tail in their original order. A restored
	// multi-call request brings back ALL of its results, including ones
	// that were cut: the request and its results move as one unit, or a
	// result landing outside the window would leave the surviving request
	// partially unanswered.
	var restored []llm.Message
	restoredReq := make(map[string]bool)
	cut := messages[1 : len(messages)-(max-1)]
	for _, m := range cut {
		if len(m.ToolCalls) > 0 {
			needed := false
			for _, tc := range m.ToolCalls {
				if haveRes[tc.ID] {
					needed = true
				}
				haveReq[tc.ID] = -1
			}
			if needed {
				restored = append(restored, m)
				for _, tc := range m.ToolCalls {
					restoredReq[tc.ID] = true
				}
			}
			continue
		}
		// Results follow their request, so a forward walk sees the
		// request first.
		if m.Role == "tool" && restoredReq[m.ToolCallID] {
			restored = append(restored, m)
			haveRes[m.ToolCallID] = true
		}
	}

	kept := make([]llm.Message, 0, 1+len(restored)+len(tail))
	kept = append(kept, head)
	kept = append(kept, restored...)
	for _, m := range tail {
		// Drop results whose request did not survive and was not restored.
		if m.Role == "tool" && m.ToolCallID != "" {
			if _, ok := haveReq[m.ToolCallID]; !ok {
				continue
			}
		}
		kept = append(kept, m)
	}

	// Second direction: drop requests none of whose results survived.
	resKept := make(map[string]bool)
	for _, m := range kept {
		if m.Role == "tool" && m.ToolCallID != "" {
			resKept[m.ToolCallID] = true
		}
	}
	final := kept[:0:0]
	for _, m := range kept {
		if len(m.ToolCalls) > 0 {
			matched := false
			for _, tc := range m.ToolCalls {
				if resKept[tc.ID] {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		final = append(final, m)
	}

	return final
}

// Clear removes one conversation. Returns false when the id is unknown.
func (s *Store) Clear(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[conversationID]; !ok {
		return false
	}
	delete(s.conns, conversationID)
	s.logger.Debug("conversation cleared", "conversation", conversationID)
	return true
}

// ClearAll removes every conversation owned by userID and returns how
// many were removed. Ownership is by recorded user id, falling back to
// the id prefix for conversations created before identity was known.
func (s *Store) ClearAll(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := "user-" + userID + "-"
	n := 0
	for id, ctx := range s.conns {
		if ctx.UserID == userID || strings.HasPrefix(id, prefix) {
			delete(s.conns, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("user conversations cleared", "user", userID, "count", n)
	}
	return n
}

// List returns summaries of conversations, optionally filtered by user,
// most recently active first.
func (s *Store) List(userID string) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := "user-" + userID + "-"
	var out []Summary
	for id, ctx := range s.conns {
		if userID != "" && ctx.UserID != userID && !strings.HasPrefix(id, prefix) {
			continue
		}
		first, last := "", ""
		if len(ctx.Messages) > 1 {
			first = ctx.Messages[1].Content
			last = ctx.Messages[len(ctx.Messages)-1].Content
		}
		out = append(out, Summary{
			ID:           id,
			UserID:       ctx.UserID,
			FirstMessage: first,
			LastMessage:  last,
			Messages:     len(ctx.Messages),
			UpdatedAt:    ctx.UpdatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}
