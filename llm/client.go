// Package llm provides the Anthropic client used for LLM instructions,
// agent replies, and reflection analysis.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default client configuration values
const (
	DefaultTimeout   = 2 * time.Minute
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultMaxTokens = 4096
)

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithModel sets the model.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithMaxTokens sets the response token limit.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// New creates an Anthropic client. The API key defaults to the
// ANTHROPIC_API_KEY environment variable.
func New(opts ...Option) *Client {
	c := &Client{
		apiKey:    os.Getenv("ANTHROPIC_API_KEY"),
		baseURL:   DefaultBaseURL,
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Message is a conversation message.
type Message struct {
	Role    string
	Content string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSchema describes a callable tool in the Anthropic tool format.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Response is the parsed result of a completion.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// cacheControl marks a block for Anthropic prompt caching.
type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// systemBlock is a structured system prompt block with optional cache control.
type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type apiRequest struct {
	Model     string    `json:"model"`
	Messages  []apiMsg  `json:"messages"`
	System    any       `json:"system,omitempty"` // string or []systemBlock
	MaxTokens int       `json:"max_tokens"`
	Tools     []apiTool `json:"tools,omitempty"`
}

type apiMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiTool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	CacheControl *cacheControl  `json:"cache_control,omitempty"`
}

type apiContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Model      string            `json:"model"`
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate sends a single-turn prompt and returns the text reply.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.Complete(ctx, system, []Message{{Role: RoleUser, Content: prompt}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Complete sends a full conversation, optionally offering tools, and returns
// the parsed response including any tool calls the model requested.
func (c *Client) Complete(ctx context.Context, system string, messages []Message, tools []ToolSchema) (*Response, error) {
	req := &apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
	}

	if system != "" {
		req.System = []systemBlock{{
			Type:         "text",
			Text:         system,
			CacheControl: &cacheControl{Type: "ephemeral"},
		}}
	}

	for _, m := range messages {
		req.Messages = append(req.Messages, apiMsg{Role: m.Role, Content: m.Content})
	}

	// The last tool carries cache_control so the whole prefix
	// (system + tools) lands in the prompt cache.
	for i, t := range tools {
		at := apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		if i == len(tools)-1 {
			at.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		req.Tools = append(req.Tools, at)
	}

	raw, err := c.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StopReason:   raw.StopReason,
		InputTokens:  raw.Usage.InputTokens,
		OutputTokens: raw.Usage.OutputTokens,
	}
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	return resp, nil
}

// ValidateKey makes a minimal API call to verify the API key is usable.
func (c *Client) ValidateKey(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("API key is empty")
	}

	req := &apiRequest{
		Model:     c.model,
		MaxTokens: 1,
		Messages:  []apiMsg{{Role: RoleUser, Content: "hi"}},
	}

	_, err := c.doRequest(ctx, req)
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "authentication") {
		return fmt.Errorf("invalid API key: %w", err)
	}
	return fmt.Errorf("could not reach Anthropic API: %w", err)
}

func (c *Client) doRequest(ctx context.Context, req *apiRequest) (*apiResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	const maxRetries = 5
	for attempt := 0; attempt <= maxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}

		respBody, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if httpResp.StatusCode == http.StatusOK {
			var resp apiResponse
			if err := json.Unmarshal(respBody, &resp); err != nil {
				return nil, fmt.Errorf("unmarshal response: %w", err)
			}
			return &resp, nil
		}

		// Retry on 429 (rate limit) and 529 (overloaded).
		if (httpResp.StatusCode == 429 || httpResp.StatusCode == 529) && attempt < maxRetries {
			wait := retryAfterDelay(httpResp, attempt)
			slog.Warn("API rate limited, retrying", "status", httpResp.StatusCode, "attempt", attempt+1, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(respBody))
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// retryAfterDelay returns how long to wait before retrying a rate-limited
// request. It respects the retry-after header if present, otherwise uses
// exponential backoff capped at one minute.
func retryAfterDelay(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("retry-after"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	wait := time.Duration(5<<uint(attempt)) * time.Second
	if wait > 60*time.Second {
		wait = 60 * time.Second
	}
	return wait
}
