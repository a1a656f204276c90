package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func textResponse(text string) string {
	return `{"id":"msg_1","model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"` + text + `"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`
}

func TestGenerateReturnsText(t *testing.T) {
	var gotReq apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(textResponse("Hello there.")))
	}))
	defer srv.Close()

	c := New(WithAPIKey("test-key"), WithBaseURL(srv.URL))
	got, err := c.Generate(context.Background(), "You are terse.", "Say hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello there." {
		t.Errorf("got %q, want %q", got, "Hello there.")
	}

	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "Say hello" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	blocks, ok := gotReq.System.([]any)
	if !ok || len(blocks) != 1 {
		t.Fatalf("system = %+v", gotReq.System)
	}
	sb := blocks[0].(map[string]any)
	if sb["text"] != "You are terse." {
		t.Errorf("system text = %v", sb["text"])
	}
	if sb["cache_control"] == nil {
		t.Error("system block missing cache_control")
	}
}

func TestCompleteParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"msg_1","content":[
			{"type":"text","text":"Looking that up."},
			{"type":"tool_use","id":"toolu_1","name":"check_order","input":{"order_id":"A1"}}
		],"stop_reason":"tool_use","usage":{"input_tokens":20,"output_tokens":8}}`))
	}))
	defer srv.Close()

	c := New(WithAPIKey("k"), WithBaseURL(srv.URL))
	resp, err := c.Complete(context.Background(), "", []Message{{Role: RoleUser, Content: "where is my order A1?"}}, []ToolSchema{
		{Name: "check_order", Description: "Check an order", InputSchema: map[string]any{"type": "object"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Text != "Looking that up." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "check_order" || tc.ID != "toolu_1" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["order_id"] != "A1" {
		t.Errorf("arguments = %+v", tc.Arguments)
	}
}

func TestCompleteRetriesOnRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("retry-after", "0")
			w.WriteHeader(429)
			w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		w.Write([]byte(textResponse("ok")))
	}))
	defer srv.Close()

	c := New(WithAPIKey("k"), WithBaseURL(srv.URL))
	got, err := c.Generate(context.Background(), "", "ping")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()

	c := New(WithAPIKey("k"), WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), "", "ping")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateKeyEmpty(t *testing.T) {
	c := New(WithAPIKey(""))
	if err := c.ValidateKey(context.Background()); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestRetryAfterDelay(t *testing.T) {
	tests := []struct {
		header  string
		attempt int
		want    time.Duration
	}{
		{"7", 0, 7 * time.Second},
		{"", 0, 5 * time.Second},
		{"", 1, 10 * time.Second},
		{"", 4, 60 * time.Second},
		{"bogus", 0, 5 * time.Second},
	}

	for _, tt := range tests {
		resp := &http.Response{Header: http.Header{}}
		if tt.header != "" {
			resp.Header.Set("retry-after", tt.header)
		}
		if got := retryAfterDelay(resp, tt.attempt); got != tt.want {
			t.Errorf("retryAfterDelay(%q, %d) = %v, want %v", tt.header, tt.attempt, got, tt.want)
		}
	}
}
