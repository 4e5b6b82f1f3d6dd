package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic_SystemExtraction(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are an orchestrator."},
		{Role: "system", Content: "Answer briefly."},
		{Role: "user", Content: "hello"},
	}

	msgs, system := convertToAnthropic(messages)

	if system != "You are an orchestrator.\n\nAnswer briefly." {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d wire messages, want 1", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestConvertToAnthropic_ToolCalls(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "weather?"},
		{
			Role:    "assistant",
			Content: "Checking.",
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Name: "weather_get_forecast", Arguments: map[string]any{"city": "Oslo"}},
			},
		},
		{Role: "tool", Content: "Sunny", ToolCallID: "toolu_1"},
		{Role: "tool", Content: "boom", ToolCallID: "toolu_2", IsError: true},
	}

	msgs, _ := convertToAnthropic(messages)
	if len(msgs) != 4 {
		t.Fatalf("got %d wire messages, want 4", len(msgs))
	}

	blocks, ok := msgs[1].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("assistant content is %T, want blocks", msgs[1].Content)
	}
	if len(blocks) != 2 || blocks[0].Type != "text" || blocks[1].Type != "tool_use" {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[1].ID != "toolu_1" || blocks[1].Name != "weather_get_forecast" {
		t.Errorf("tool_use block = %+v", blocks[1])
	}

	// Tool results become user messages with tool_result blocks echoing
	// the correlation id.
	res, ok := msgs[2].Content.([]anthropicContent)
	if !ok || len(res) != 1 {
		t.Fatalf("tool result content = %v", msgs[2].Content)
	}
	if res[0].Type != "tool_result" || res[0].ToolUseID != "toolu_1" || res[0].Content != "Sunny" {
		t.Errorf("tool_result block = %+v", res[0])
	}
	if res[0].IsError {
		t.Error("successful result marked is_error")
	}

	errRes := msgs[3].Content.([]anthropicContent)
	if !errRes[0].IsError {
		t.Error("errored result not marked is_error")
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model:      "claude-sonnet-4",
		StopReason: "tool_use",
		Content: []anthropicContent{
			{Type: "text", Text: "Let me check. "},
			{Type: "text", Text: "One moment."},
			{Type: "tool_use", ID: "toolu_9", Name: "calendar_create_event", Input: map[string]any{"title": "standup"}},
		},
		Usage: anthropicUsage{InputTokens: 10, OutputTokens: 20},
	}

	got := convertFromAnthropic(resp)

	if got.Message.Content != "Let me check. One moment." {
		t.Errorf("content = %q", got.Message.Content)
	}
	if !got.HasToolCalls() || len(got.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %v", got.Message.ToolCalls)
	}
	tc := got.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Name != "calendar_create_event" || tc.Arguments["title"] != "standup" {
		t.Errorf("tool call = %+v", tc)
	}
	if got.InputTokens != 10 || got.OutputTokens != 20 {
		t.Errorf("usage = %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "test-model" || req.MaxTokens != 1024 {
			t.Errorf("request = model %q, max_tokens %d", req.Model, req.MaxTokens)
		}
		if req.System != "sys" {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != "weather_get_forecast" {
			t.Errorf("tools = %+v", req.Tools)
		}

		json.NewEncoder(w).Encode(anthropicResponse{
			Model:      "test-model",
			StopReason: "end_turn",
			Content:    []anthropicContent{{Type: "text", Text: "42"}},
			Usage:      anthropicUsage{InputTokens: 5, OutputTokens: 1},
		})
	}))
	defer server.Close()

	c := NewAnthropicClient("test-key", "test-model", 1024, nil)
	c.apiURL = server.URL

	resp, err := c.Chat(context.Background(),
		[]Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "q"},
		},
		[]Tool{{Name: "weather_get_forecast", InputSchema: map[string]any{"type": "object"}}},
	)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "42" || resp.StopReason != "end_turn" {
		t.Errorf("response = %+v", resp)
	}
}

func TestAnthropicClient_Chat_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewAnthropicClient("k", "m", 512, nil)
	c.apiURL = server.URL

	if _, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "q"}}, nil); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestConvertToolsToAnthropic_NilSchema(t *testing.T) {
	tools := convertToolsToAnthropic([]Tool{{Name: "t"}})
	if len(tools) != 1 {
		t.Fatal("missing tool")
	}

	// A nil schema gets a minimal valid object schema.
	schema, ok := tools[0].InputSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("schema = %v", tools[0].InputSchema)
	}
}
