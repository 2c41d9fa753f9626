package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o"}, slog.Default())
}

func TestChatParsesResponse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req["model"] != "gpt-4o" {
			t.Errorf("model = %v, want default gpt-4o", req["model"])
		}
		if _, ok := req["stream"]; ok {
			t.Error("non-streaming request carried a stream flag")
		}

		fmt.Fprint(w, `{
			"choices": [{
				"message": {"content": "  はい、わかりました  "},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`)
	})

	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, Options{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "はい、わかりました" {
		t.Errorf("content = %q, want trimmed text", resp.Content)
	}
	if resp.Usage.TotalTokens != 17 {
		t.Errorf("total tokens = %d, want 17", resp.Usage.TotalTokens)
	}
}

func TestChatOptionsOverrideDefaults(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v, want override", req["model"])
		}
		if req["temperature"] != 0.3 {
			t.Errorf("temperature = %v, want 0.3", req["temperature"])
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	})

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil,
		Options{Model: "gpt-4o-mini", Temperature: 0.3})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
}

func TestChatErrorStatusCarriesCode(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	})

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, Options{})
	if err == nil {
		t.Fatal("want error on 429")
	}
	var llmErr *Error
	if !errors.As(err, &llmErr) || llmErr.Code != CodeChat {
		t.Errorf("got %v, want %s error", err, CodeChat)
	}
}

func TestCallFunctionsWrapsDefinitions(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tools []ToolDefinition `json:"tools"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Type != "function" || req.Tools[0].Function.Name != "ping" {
			t.Errorf("tools = %+v", req.Tools)
		}
		fmt.Fprint(w, `{
			"choices": [{
				"message": {"tool_calls": [
					{"id": "call_1", "type": "function",
					 "function": {"name": "ping", "arguments": "{}"}}
				]},
				"finish_reason": "tool_calls"
			}]
		}`)
	})

	resp, err := c.CallFunctions(context.Background(),
		[]Message{{Role: "user", Content: "ping"}},
		[]FunctionDef{{Name: "ping", Parameters: json.RawMessage(`{"type":"object"}`)}},
		Options{})
	if err != nil {
		t.Fatalf("CallFunctions failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "ping" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestChatStreamAccumulatesChunks(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req["stream"] != true {
			t.Error("streaming request did not set stream flag")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"こん\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ばんは\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	var chunks []string
	for chunk := range stream.Chunks() {
		chunks = append(chunks, chunk)
	}
	resp, err := stream.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := strings.Join(chunks, ""); got != "こんばんは" {
		t.Errorf("chunks = %q", got)
	}
	if resp.Content != "こんばんは" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestChatStreamAssemblesToolCallDeltas(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Arguments arrive split across deltas; the ID and name arrive first.
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"name\":\"create_task\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"title\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"x\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	for range stream.Chunks() {
	}
	resp, err := stream.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "create_task" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"title":"x"}` {
		t.Errorf("arguments = %q, want reassembled JSON", tc.Function.Arguments)
	}
}

func TestChatStreamSkipsMalformedChunks(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: not json at all\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	for range stream.Chunks() {
	}
	resp, err := stream.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want the one valid chunk", resp.Content)
	}
}

func TestChatStreamErrorStatus(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})

	_, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err == nil {
		t.Fatal("want error on 401")
	}
	var llmErr *Error
	if !errors.As(err, &llmErr) || llmErr.Code != CodeStream {
		t.Errorf("got %v, want %s error", err, CodeStream)
	}
}
