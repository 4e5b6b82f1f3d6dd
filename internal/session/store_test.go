package session

import (
	"fmt"
	"strings"
	"testing"

	"github.com/mknsk/mcp-orchestrator/internal/llm"
)

func TestGetOrCreate_NewAndExisting(t *testing.T) {
	s := NewStore(0, nil)

	ctx := s.GetOrCreate("", "alice", "alice@example.com", "instructions")
	if !strings.HasPrefix(ctx.ID, "user-alice-") {
		t.Errorf("id = %q, want user-alice- prefix", ctx.ID)
	}
	if len(ctx.Messages) != 1 || ctx.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", ctx.Messages)
	}

	again := s.GetOrCreate(ctx.ID, "", "", "other instructions")
	if again != ctx {
		t.Error("existing conversation not returned")
	}
	if len(again.Messages) != 1 {
		t.Error("existing conversation re-seeded")
	}
}

func TestGetOrCreate_AnonymousID(t *testing.T) {
	s := NewStore(0, nil)
	ctx := s.GetOrCreate("", "", "", "i")
	if !strings.HasPrefix(ctx.ID, "conv-") {
		t.Errorf("id = %q, want conv- prefix", ctx.ID)
	}
}

func TestGetOrCreate_BackfillsIdentity(t *testing.T) {
	s := NewStore(0, nil)
	ctx := s.GetOrCreate("", "", "", "i")

	again := s.GetOrCreate(ctx.ID, "bob", "bob@example.com", "i")
	if again.UserID != "bob" || again.UserEmail != "bob@example.com" {
		t.Errorf("identity not backfilled: %+v", again)
	}
}

func TestTrim_KeepsInstructionAndTail(t *testing.T) {
	msgs := []llm.Message{{Role: "system", Content: "seed"}}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, llm.Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	got := trim(msgs, 5)
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].Content != "seed" {
		t.Errorf("head = %q, want seed", got[0].Content)
	}
	if got[1].Content != "m6" || got[4].Content != "m9" {
		t.Errorf("tail = %v", got[1:])
	}
}

func TestTrim_RestoresRequestForSurvivingResult(t *testing.T) {
	// The tool request sits just outside the window but its result is
	// inside. The request is pulled back in so the pairing stays intact.
	msgs := []llm.Message{
		{Role: "system", Content: "seed"},
		{Role: "user", Content: "old"},
		{Role: "user", Content: "older"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "tc1", Name: "weather_get_forecast"}}},
		{Role: "tool", Content: "sunny", ToolCallID: "tc1"},
		{Role: "assistant", Content: "It is sunny."},
		{Role: "user", Content: "thanks"},
	}

	got := trim(msgs, 4)

	var haveReq, haveRes bool
	for _, m := range got {
		if len(m.ToolCalls) > 0 && m.ToolCalls[0].ID == "tc1" {
			haveReq = true
		}
		if m.Role == "tool" && m.ToolCallID == "tc1" {
			haveRes = true
		}
	}
	if !haveRes {
		t.Fatal("result fell out of the window in this layout; test setup wrong")
	}
	if !haveReq {
		t.Error("request for surviving result was not restored")
	}
	if got[0].Content != "seed" {
		t.Error("instruction lost")
	}
}

func TestTrim_RestoresCutResultsOfMultiCallRequest(t *testing.T) {
	// A request with two calls straddles the window: one result survives,
	// the other was cut. The request comes back with BOTH results so no
	// call is left unanswered.
	msgs := []llm.Message{
		{Role: "system", Content: "seed"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "a", Name: "weather_get_forecast"},
			{ID: "b", Name: "weather_get_alerts"},
		}},
		{Role: "tool", Content: "sunny", ToolCallID: "a"},
		{Role: "tool", Content: "none", ToolCallID: "b"},
		{Role: "user", Content: "thanks"},
		{Role: "assistant", Content: "Sunny, no alerts."},
	}

	got := trim(msgs, 4)

	results := map[string]bool{}
	var request *llm.Message
	for i, m := range got {
		if m.Role == "tool" {
			results[m.ToolCallID] = true
		}
		if len(m.ToolCalls) > 0 {
			request = &got[i]
		}
	}
	if request == nil {
		t.Fatal("multi-call request was dropped")
	}
	for _, tc := range request.ToolCalls {
		if !results[tc.ID] {
			t.Errorf("call %q kept without its result", tc.ID)
		}
	}
	if got[0].Content != "seed" {
		t.Error("instruction lost")
	}
}

func TestTrim_DropsOrphanedResult(t *testing.T) {
	// A result whose request is long gone (and nothing restores it) must
	// not survive alone.
	msgs := []llm.Message{
		{Role: "system", Content: "seed"},
		{Role: "tool", Content: "stale", ToolCallID: "ghost"},
	}
	for i := 0; i < 6; i++ {
		msgs = append(msgs, llm.Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	// Put the orphan inside the window.
	msgs = append(msgs, llm.Message{Role: "tool", Content: "stale2", ToolCallID: "ghost2"})
	msgs = append(msgs, llm.Message{Role: "user", Content: "latest"})

	got := trim(msgs, 5)
	for _, m := range got {
		if m.Role == "tool" {
			t.Errorf("orphaned result survived: %+v", m)
		}
	}
}

func TestTrim_DropsRequestWithoutResults(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "seed"},
	}
	for i := 0; i < 6; i++ {
		msgs = append(msgs, llm.Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	// Request inside the window whose result was cut (it never made it in).
	msgs = append(msgs, llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "lonely", Name: "t"}}})
	msgs = append(msgs, llm.Message{Role: "user", Content: "latest"})

	got := trim(msgs, 4)
	for _, m := range got {
		if len(m.ToolCalls) > 0 {
			t.Errorf("unmatched request survived: %+v", m)
		}
	}
}

func TestTrim_NoopUnderLimit(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "seed"},
		{Role: "user", Content: "hi"},
	}
	got := trim(msgs, 40)
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestClearAndList(t *testing.T) {
	s := NewStore(0, nil)
	a := s.GetOrCreate("", "alice", "", "i")
	s.GetOrCreate("", "alice", "", "i")
	b := s.GetOrCreate("", "bob", "", "i")

	if got := len(s.List("alice")); got != 2 {
		t.Errorf("alice has %d conversations, want 2", got)
	}
	if got := len(s.List("")); got != 3 {
		t.Errorf("all = %d, want 3", got)
	}

	if !s.Clear(a.ID) {
		t.Error("Clear returned false for known id")
	}
	if s.Clear(a.ID) {
		t.Error("Clear returned true for removed id")
	}

	if n := s.ClearAll("alice"); n != 1 {
		t.Errorf("ClearAll removed %d, want 1", n)
	}
	if s.Get(b.ID) == nil {
		t.Error("bob's conversation removed by alice's clear")
	}
}
