// Package agent runs the query loop: it alternates reasoning-service
// turns with tool dispatch until the service answers in prose, a guard
// trips, or a limit is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mknsk/mcp-orchestrator/internal/config"
	"github.com/mknsk/mcp-orchestrator/internal/llm"
	"github.com/mknsk/mcp-orchestrator/internal/registry"
	"github.com/mknsk/mcp-orchestrator/internal/session"
)

// Markers the reasoning service is instructed to prefix special
// responses with. Stripped before the answer reaches the caller.
const (
	ClarifyMarker  = "#CLARIFY#"
	NoAnswerMarker = "#NOANSWER#"
)

// systemInstruction seeds every new conversation.
const systemInstruction = "You are a tool-using assistant. Use the available tools to answer the user's question. " +
	"Prefer calling tools over guessing. When a tool fails, try an alternative or explain what went wrong."

// queryInstruction is appended to every user query.
const queryInstruction = "\n\nIf you need more information from the user before you can proceed, " +
	"prefix your reply with " + ClarifyMarker + ". If the question cannot be answered with the " +
	"available tools, prefix your reply with " + NoAnswerMarker + "."

// Canned finalization texts for the bounded paths.
const (
	limitReachedText = "I reached the maximum number of tool-use turns for this request. " +
		"The tool results gathered so far are included below."
	stagnationText = "I stopped early because repeated content fetches kept returning " +
		"essentially the same material. The results gathered so far are included below."
	notExecutedText = "not executed: the request was stopped before this call ran"
	timeoutApology = "Sorry, processing this request took too long and was cancelled. Please try again, " +
		"or narrow the question."
	recoveryInstruction = "The previous tool session failed partway through. Summarize any progress and " +
		"partial findings from the conversation so far in a short answer. Do not request any tools."
)

// brokenTransportMarkers identify failures that poison cached
// connections. Any of these triggers a full cache flush so the next
// query reconnects from scratch.
var brokenTransportMarkers = []string{
	"stream is not readable",
	"stream not readable",
	"network error",
	"connection closed",
}

// Connections is the slice of the connection manager the loop needs.
type Connections interface {
	registry.Connector
	CallTool(ctx context.Context, serverName, toolName string, arguments map[string]any) (string, error)
	CloseAll()
	ServerNames() []string
}

// Request is one query submission.
type Request struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	UserEmail      string `json:"userEmail,omitempty"`

	// TimeoutMs overrides the configured query timeout when positive.
	TimeoutMs int `json:"queryTimeoutMs,omitempty"`

	// LLMAnswer, when false, suppresses the prose answer once tool
	// results exist: the loop still drains follow-up tool requests but
	// returns a null answer with the collected tool responses.
	LLMAnswer *bool `json:"llm_answer,omitempty"`
}

// ToolInvocation records one dispatched tool call.
type ToolInvocation struct {
	Tool       string `json:"tool"`
	Server     string `json:"server,omitempty"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError,omitempty"`
	ForcedStop bool   `json:"forcedStop,omitempty"`
}

// Result is the structured outcome of one query. Every path through the
// loop produces one; nothing surfaces as an unhandled fault.
type Result struct {
	Answer             *string          `json:"answer"`
	ConversationID     string           `json:"conversationId"`
	UserID             string           `json:"userId,omitempty"`
	NeedsClarification bool             `json:"needsClarification"`
	NoAnswer           bool             `json:"noAnswer"`
	Error              bool             `json:"error"`
	ErrorMessage       string           `json:"errorMessage,omitempty"`
	ToolResponses      []ToolInvocation `json:"toolResponses"`
}

// Loop is the per-process query engine. All state it mutates lives in
// the injected stores; the Loop itself is stateless across queries.
type Loop struct {
	conns    Connections
	registry *registry.Registry
	sessions *session.Store
	chat     llm.Client
	cfg      config.QueryConfig
	logger   *slog.Logger
}

// New builds a query loop over the given collaborators.
func New(conns Connections, reg *registry.Registry, sessions *session.Store, chat llm.Client, cfg config.QueryConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		conns:    conns,
		registry: reg,
		sessions: sessions,
		chat:     chat,
		cfg:      cfg,
		logger:   logger,
	}
}

// Process runs one query under the governor: the whole attempt races a
// deadline, and deadline expiry cancels the in-flight work rather than
// abandoning it. Transport-class failures flush the connection cache so
// the next query starts from fresh connections.
func (l *Loop) Process(ctx context.Context, req Request) *Result {
	timeout := time.Duration(l.cfg.TimeoutMs) * time.Millisecond
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := l.run(qctx, req)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			l.logger.Error("query timed out", "timeout", timeout, "elapsed", elapsed)
			return &Result{
				ConversationID: req.ConversationID,
				UserID:         req.UserID,
				Error:          true,
				ErrorMessage:   timeoutApology,
				ToolResponses:  []ToolInvocation{},
			}
		}

		if isBrokenTransport(err) {
			l.logger.Warn("transport failure, flushing connection cache", "error", err)
			l.conns.CloseAll()
		}

		l.logger.Error("query failed", "error", err, "elapsed", elapsed)
		return &Result{
			ConversationID: req.ConversationID,
			UserID:         req.UserID,
			Error:          true,
			ErrorMessage:   err.Error(),
			ToolResponses:  []ToolInvocation{},
		}
	}

	l.logger.Info("query complete",
		"conversation", result.ConversationID,
		"tool_calls", len(result.ToolResponses),
		"elapsed", elapsed,
	)
	return result
}

// run executes the state machine: Init, Discover, then alternating
// Invoke and Dispatch until a finalizing condition, then Finalize.
func (l *Loop) run(ctx context.Context, req Request) (*Result, error) {
	// Init: resolve the conversation and append the augmented query.
	conv := l.sessions.GetOrCreate(req.ConversationID, req.UserID, req.UserEmail, systemInstruction)

	query := req.Query
	if conv.UserEmail != "" {
		query += "\n\n(The requesting user's email address is " + conv.UserEmail + "; use it where a tool needs one.)"
	}
	query += queryInstruction
	conv.Messages = append(conv.Messages, llm.Message{Role: "user", Content: query})

	// Discover: populate the catalog on the conversation's first query.
	if len(conv.Catalog) == 0 {
		catalog, report := l.registry.Discover(ctx, l.conns, l.conns.ServerNames())
		conv.Catalog = catalog
		conv.PrimaryServer = firstServer(catalog)
		if report.Failed > 0 {
			l.logger.Warn("partial discovery", "failed", report.Failed, "errors", report.Errors)
		}
	}

	tools := make([]llm.Tool, len(conv.Catalog))
	for i, d := range conv.Catalog {
		tools[i] = llm.Tool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}

	guard := newLoopGuard(l.cfg.RepeatParam, l.cfg.FetchToolMarker, l.logger)
	invocations := []ToolInvocation{}
	maxTurns := l.cfg.MaxTurns
	extendedSeen := false

	var finalText string

	for turn := 1; ; turn++ {
		if turn > maxTurns {
			l.logger.Warn("turn limit reached", "limit", maxTurns, "extended", extendedSeen)
			finalText = limitReachedText
			break
		}

		resp, err := l.chat.Chat(ctx, conv.Messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// One-shot recovery: restart from the instruction alone and
			// ask for a plain-text progress summary, no tools offered.
			l.logger.Error("reasoning service failed, attempting recovery", "error", err)
			resp, err = l.chat.Chat(ctx, []llm.Message{
				conv.Messages[0],
				{Role: "user", Content: recoveryInstruction},
			}, nil)
			if err != nil {
				return nil, fmt.Errorf("reasoning service failed: %w", err)
			}
			finalText = resp.Message.Content
			break
		}

		if !resp.HasToolCalls() {
			finalText = resp.Message.Content
			break
		}

		// Dispatch: append the assistant turn, then execute each
		// requested call in order. A failed call is data, not a fault.
		conv.Messages = append(conv.Messages, resp.Message)

		abort := false
		answered := make(map[string]bool, len(resp.Message.ToolCalls))
		for _, tc := range resp.Message.ToolCalls {
			if ctx.Err() != nil {
				settleUnanswered(conv, resp.Message.ToolCalls, answered)
				l.sessions.Touch(conv)
				return nil, ctx.Err()
			}

			serverName, localName, ok := l.registry.Resolve(tc.Name)
			if !ok {
				// Unknown prefix: route to the primary server and treat
				// the whole name as local.
				serverName, localName = conv.PrimaryServer, tc.Name
			}

			extended := l.isExtended(tc.Name)
			if extended {
				extendedSeen = true
				if l.cfg.ExtendedMaxTurns > maxTurns {
					maxTurns = l.cfg.ExtendedMaxTurns
				}
			}

			if extended && !guard.allowAction(tc.Name, tc.Arguments) {
				invocations = append(invocations, ToolInvocation{
					Tool: tc.Name, Server: serverName, Result: ForcedStopText, ForcedStop: true,
				})
				conv.Messages = append(conv.Messages, llm.Message{
					Role: "tool", ToolCallID: tc.ID, Content: ForcedStopText, IsError: true,
				})
				answered[tc.ID] = true
				continue
			}

			// Counts executed extended calls only; refused calls above do
			// not advance the truncation tier.
			if extended {
				guard.extendedCalls++
			}

			text, callErr := l.conns.CallTool(ctx, serverName, localName, tc.Arguments)
			if callErr != nil {
				if ctx.Err() != nil {
					settleUnanswered(conv, resp.Message.ToolCalls, answered)
					l.sessions.Touch(conv)
					return nil, ctx.Err()
				}
				l.logger.Error("tool call failed", "tool", tc.Name, "server", serverName, "error", callErr)
				errText := "Tool call failed: " + callErr.Error()
				invocations = append(invocations, ToolInvocation{
					Tool: tc.Name, Server: serverName, Result: errText, IsError: true,
				})
				conv.Messages = append(conv.Messages, llm.Message{
					Role: "tool", ToolCallID: tc.ID, Content: errText, IsError: true,
				})
				answered[tc.ID] = true
				continue
			}

			clamped := truncate(text, truncateLimit(extended, guard.extendedCalls))
			invocations = append(invocations, ToolInvocation{
				Tool: tc.Name, Server: serverName, Result: clamped,
			})
			conv.Messages = append(conv.Messages, llm.Message{
				Role: "tool", ToolCallID: tc.ID, Content: clamped,
			})
			answered[tc.ID] = true

			if extended && guard.isFetchTool(localName) && guard.observeFetch(text) {
				abort = true
				break
			}
		}

		if abort {
			// Calls the service requested after the aborting fetch never
			// ran; settle them so the persisted transcript stays paired.
			settleUnanswered(conv, resp.Message.ToolCalls, answered)
			finalText = stagnationText
			break
		}
	}

	// The closing assistant turn joins the transcript unstripped so the
	// next query sees the conversation as the service produced it.
	conv.Messages = append(conv.Messages, llm.Message{Role: "assistant", Content: finalText})
	l.sessions.Touch(conv)

	// Finalize: strip markers, honor tool-only mode, optionally collapse
	// the invocation list.
	needsClarification := strings.Contains(finalText, ClarifyMarker)
	noAnswer := strings.Contains(finalText, NoAnswerMarker)
	finalText = strings.TrimSpace(strings.ReplaceAll(
		strings.ReplaceAll(finalText, ClarifyMarker, ""), NoAnswerMarker, ""))

	var answer *string
	if req.LLMAnswer == nil || *req.LLMAnswer || len(invocations) == 0 {
		answer = &finalText
	}

	if l.cfg.LastResponseOnly && len(invocations) > 1 {
		invocations = invocations[len(invocations)-1:]
	}

	return &Result{
		Answer:             answer,
		ConversationID:     conv.ID,
		UserID:             conv.UserID,
		NeedsClarification: needsClarification,
		NoAnswer:           noAnswer,
		ToolResponses:      invocations,
	}, nil
}

// isExtended reports whether a global tool name belongs to the extended
// category, by configured substring markers.
func (l *Loop) isExtended(globalName string) bool {
	name := strings.ToLower(globalName)
	for _, marker := range l.cfg.ExtendedToolMarkers {
		if marker != "" && strings.Contains(name, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// settleUnanswered appends an error result for every requested call
// that never produced one. The reasoning-service protocol rejects a
// transcript holding a tool request without a paired result, so any
// exit that leaves the dispatch loop mid-turn must settle first.
func settleUnanswered(conv *session.Context, calls []llm.ToolCall, answered map[string]bool) {
	for _, tc := range calls {
		if answered[tc.ID] {
			continue
		}
		conv.Messages = append(conv.Messages, llm.Message{
			Role: "tool", ToolCallID: tc.ID, Content: notExecutedText, IsError: true,
		})
	}
}

// firstServer picks the primary routing fallback: the first server in
// the discovered catalog's stable order.
func firstServer(catalog []registry.Descriptor) string {
	if len(catalog) == 0 {
		return ""
	}
	return catalog[0].Server
}

// isBrokenTransport matches failure text that indicates a dead or
// half-open transport underneath a cached connection.
func isBrokenTransport(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range brokenTransportMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
