// Package llm implements the language-model client for chat completions
// with function calling and streaming. Uses the OpenAI-compatible API
// format, which works with OpenAI and any compatible endpoint.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Error codes distinguishing where a model interaction failed.
const (
	CodeChat   = "LLM_CHAT_FAILED"
	CodeStream = "LLM_STREAM_FAILED"
)

// Error is a model-interaction failure carrying a stable machine-readable
// code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is a role-tagged entry in the model conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition is an OpenAI-compatible tool definition for function calling.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function exposed to the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Options are per-call generation parameters. Zero values are omitted from
// the request.
type Options struct {
	Model           string
	Temperature     float64
	PresencePenalty float64
	MaxTokens       int
}

// Response holds a parsed chat completion.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Usage holds token accounting from the API response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Config configures the client.
type Config struct {
	// BaseURL is the API root (default https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests.
	APIKey string `yaml:"api_key"`

	// Model is the default model when a call does not override it.
	Model string `yaml:"model"`
}

// Client talks to the model provider.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client from config.
func New(cfg Config, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			// No global timeout: each call carries a context, and a global
			// timeout would race with long-lived streaming responses.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// Model returns the default model name.
func (c *Client) Model() string { return c.model }

// ---------- Wire types ----------

type chatRequest struct {
	Model           string           `json:"model"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	PresencePenalty *float64         `json:"presence_penalty,omitempty"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type streamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []streamToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// ---------- Requests ----------

func (c *Client) buildRequest(model string, messages []Message, tools []ToolDefinition, opts Options, stream bool) chatRequest {
	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if len(tools) > 0 {
		req.Tools = tools
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if opts.PresencePenalty > 0 {
		p := opts.PresencePenalty
		req.PresencePenalty = &p
	}
	if opts.MaxTokens > 0 {
		m := opts.MaxTokens
		req.MaxTokens = &m
	}
	return req
}

func (c *Client) resolveModel(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return c.model
}

func (c *Client) newHTTPRequest(ctx context.Context, body any, stream bool) (*http.Request, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// Chat sends a non-streaming chat completion with optional tools.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Response, error) {
	model := c.resolveModel(opts)
	reqBody := c.buildRequest(model, messages, tools, opts, false)

	req, err := c.newHTTPRequest(ctx, reqBody, false)
	if err != nil {
		return nil, &Error{Code: CodeChat, Err: err}
	}

	c.logger.Debug("sending chat completion",
		"model", model, "messages", len(messages), "tools", len(tools))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeChat, Err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: CodeChat, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error", "model", model, "status", resp.StatusCode,
			"body", truncate(string(respBody), 500))
		return nil, &Error{Code: CodeChat,
			Err: fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &Error{Code: CodeChat, Err: fmt.Errorf("parsing response: %w", err)}
	}
	if chatResp.Error != nil {
		return nil, &Error{Code: CodeChat, Err: fmt.Errorf("API error: %s", chatResp.Error.Message)}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &Error{Code: CodeChat, Err: fmt.Errorf("no response from model")}
	}

	choice := chatResp.Choices[0]
	c.logger.Info("chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
	)

	return &Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}, nil
}

// CallFunctions sends a completion that offers the given function schemas
// and returns whatever calls the model selected. Zero calls is a valid
// outcome the caller must handle.
func (c *Client) CallFunctions(ctx context.Context, messages []Message, fns []FunctionDef, opts Options) (*Response, error) {
	tools := make([]ToolDefinition, 0, len(fns))
	for _, fn := range fns {
		tools = append(tools, ToolDefinition{Type: "function", Function: fn})
	}
	return c.Chat(ctx, messages, tools, opts)
}

// ChatStream opens a streaming chat completion and returns a Stream the
// caller drains. Chunks arrive on Stream.Chunks(); Wait returns the
// accumulated response exactly once after the chunk channel closes.
func (c *Client) ChatStream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	model := c.resolveModel(opts)
	reqBody := c.buildRequest(model, messages, nil, opts, true)

	req, err := c.newHTTPRequest(ctx, reqBody, true)
	if err != nil {
		return nil, &Error{Code: CodeStream, Err: err}
	}

	c.logger.Debug("sending streaming chat completion",
		"model", model, "messages", len(messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeStream, Err: fmt.Errorf("API request failed: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &Error{Code: CodeStream,
			Err: fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}

	stream := newStream()
	go c.consumeSSE(resp.Body, model, stream)
	return stream, nil
}

// consumeSSE reads the SSE body, forwarding content deltas and
// accumulating tool calls, then completes the stream exactly once.
func (c *Client) consumeSSE(body io.ReadCloser, model string, stream *Stream) {
	defer body.Close()

	start := time.Now()
	var content strings.Builder
	toolCallsAccum := make(map[int]*ToolCall)
	finishReason := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("failed to parse SSE chunk, skipping",
				"payload", truncate(payload, 100), "error", err)
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				stream.emit(choice.Delta.Content)
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := toolCallsAccum[tc.Index]
				if !ok {
					acc = &ToolCall{Type: "function"}
					toolCallsAccum[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					acc.Function.Arguments += tc.Function.Arguments
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		stream.fail(&Error{Code: CodeStream, Err: fmt.Errorf("reading stream: %w", err)})
		return
	}

	indices := make([]int, 0, len(toolCallsAccum))
	for i := range toolCallsAccum {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	var toolCalls []ToolCall
	for _, i := range indices {
		if acc := toolCallsAccum[i]; acc.ID != "" || acc.Function.Name != "" {
			toolCalls = append(toolCalls, *acc)
		}
	}

	c.logger.Info("streaming chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"finish_reason", finishReason,
		"tool_calls", len(toolCalls),
	)

	stream.complete(&Response{
		Content:      strings.TrimSpace(content.String()),
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
