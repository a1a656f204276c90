package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyops/parley"
	"github.com/parleyops/parley/basic"
)

func newTestServer(t *testing.T, scripts map[string]string) (*Server, *httptest.Server, *basic.Runtime) {
	t.Helper()
	store := openStore(t)
	rt := basic.NewRuntime(basic.WithMemory(store))

	if scripts != nil {
		cfg := parley.BotConfig{Name: "support", Main: "start"}
		if _, err := rt.AddBot(cfg, scripts); err != nil {
			t.Fatalf("AddBot: %v", err)
		}
	}

	s := New(rt, store, Config{Addr: ":0", WebhookTimeout: 2 * time.Second})
	s.startedAt = time.Now()
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := httptest.NewServer(corsMiddleware(mux))
	t.Cleanup(srv.Close)
	return s, srv, rt
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestWebhookEndpointResponse(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{
		"start": `TALK "hi"`,
		"orders": `
WEBHOOK "order-update"
result_status = 201
result_id = body["id"]
result_header_location = "/orders/" & body["id"]
`,
	})

	resp := postJSON(t, srv.URL+"/api/support/webhook/order-update", map[string]any{"id": "X42"})
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/orders/X42" {
		t.Errorf("location = %q", loc)
	}
	body := decodeBody(t, resp)
	if body["id"] != "X42" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhookDefaultBody(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{
		"start": `TALK "hi"`,
		"ping": `
WEBHOOK "ping"
x = 1
`,
	})

	resp := postJSON(t, srv.URL+"/api/support/webhook/ping", map[string]any{})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhookUnknownBot(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{"start": `TALK "hi"`})

	resp := postJSON(t, srv.URL+"/api/nobody/webhook/x", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookDeadline(t *testing.T) {
	s, srv, _ := newTestServer(t, map[string]string{
		"start": `TALK "hi"`,
		"slow": `
WEBHOOK "slow"
WAIT 30
`,
	})
	s.cfg.WebhookTimeout = 150 * time.Millisecond

	start := time.Now()
	resp := postJSON(t, srv.URL+"/api/support/webhook/slow", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("deadline not enforced, took %v", time.Since(start))
	}
}

func TestTurnEndpoint(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{
		"start": `
TALK "Welcome to support."
ADD SUGGESTION "I need a refund" AS "Refund"
`,
	})

	resp := postJSON(t, srv.URL+"/api/support/turn", turnRequest{UserID: "u1", Text: "hello"})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)

	msgs, _ := body["messages"].([]any)
	if len(msgs) == 0 || msgs[0] != "Welcome to support." {
		t.Errorf("messages = %v", msgs)
	}
	if sid, _ := body["session_id"].(string); sid == "" {
		t.Error("missing session_id")
	}
	sugg, _ := body["suggestions"].([]any)
	if len(sugg) != 1 {
		t.Errorf("suggestions = %v", sugg)
	}
}

func TestTurnEndpointRejectsEmpty(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{"start": `TALK "hi"`})

	resp := postJSON(t, srv.URL+"/api/support/turn", turnRequest{UserID: "", Text: "x"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

type recordingAgent struct {
	name string
	mu   sync.Mutex
	got  []parley.Envelope
}

func (a *recordingAgent) Name() string { return a.name }

func (a *recordingAgent) Receive(ctx context.Context, env parley.Envelope) (parley.Value, error) {
	a.mu.Lock()
	a.got = append(a.got, env)
	a.mu.Unlock()
	return parley.S("done"), nil
}

// envelopes waits for the agent to have received n envelopes; local
// delivery is asynchronous.
func (a *recordingAgent) envelopes(t *testing.T, n int) []parley.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		a.mu.Lock()
		got := append([]parley.Envelope(nil), a.got...)
		a.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("agent received %d envelopes, want %d", len(got), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDeliverEndpoint(t *testing.T) {
	_, srv, rt := newTestServer(t, map[string]string{"start": `TALK "hi"`})

	agent := &recordingAgent{name: "billing"}
	rt.Exchange().Register(agent)

	env := parley.NewEnvelope("triage", "billing", parley.TypeRequest, parley.S("check invoice"))
	resp := postJSON(t, srv.URL+"/api/a2a/deliver", env)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["id"] != env.ID {
		t.Errorf("id = %v, want %v", body["id"], env.ID)
	}

	got := agent.envelopes(t, 1)
	if got[0].Payload.Text() != "check invoice" {
		t.Errorf("agent got %+v", got)
	}
}

func TestDeliverUnknownAgent(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{"start": `TALK "hi"`})

	env := parley.NewEnvelope("triage", "nobody", parley.TypeRequest, parley.S("x"))
	resp := postJSON(t, srv.URL+"/api/a2a/deliver", env)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHTTPRouterRoundTrip(t *testing.T) {
	_, srv, rt := newTestServer(t, map[string]string{"start": `TALK "hi"`})

	agent := &recordingAgent{name: "remote-bot"}
	rt.Exchange().Register(agent)

	router := NewHTTPRouter(srv.URL)
	env := parley.NewEnvelope("local", "remote-bot", parley.TypeRequest, parley.S("over the wire"))
	if err := router.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}

	got := agent.envelopes(t, 1)[0]
	if got.CorrelationID != env.CorrelationID || got.HopCount != env.HopCount {
		t.Errorf("envelope mutated in transit: %+v", got)
	}
}

func TestHTTPRouterErrorStatus(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{"start": `TALK "hi"`})

	router := NewHTTPRouter(srv.URL)
	env := parley.NewEnvelope("local", "nobody", parley.TypeRequest, parley.S("x"))
	if err := router.Route(context.Background(), env); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestToolEndpoints(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{
		"start": `TALK "hi"`,
		"check_order": `
PARAM order_id AS STRING DESCRIPTION "The order to look up"
DESCRIPTION "Check the status of an order"
RETURN "order " & order_id & " is shipped"
`,
	})

	resp, err := http.Get(srv.URL + "/api/support/tools")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", tools)
	}

	resp = postJSON(t, srv.URL+"/api/support/tools/check_order", map[string]any{"order_id": "A7"})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["result"] != "order A7 is shipped" {
		t.Errorf("result = %v", body["result"])
	}

	// Missing required argument never runs the script.
	resp = postJSON(t, srv.URL+"/api/support/tools/check_order", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestJobEndpoints(t *testing.T) {
	_, srv, _ := newTestServer(t, map[string]string{
		"start":  `TALK "hi"`,
		"digest": `TALK "digest ran"`,
	})

	resp := postJSON(t, srv.URL+"/api/jobs", ScheduledJob{
		BotID: "support", Name: "digest", Cron: "every 5 minutes", Script: "digest",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	if created["cron"] != "*/5 * * * *" {
		t.Errorf("cron = %v, want canonical form", created["cron"])
	}

	resp = postJSON(t, srv.URL+"/api/jobs", ScheduledJob{
		BotID: "support", Name: "bad", Cron: "gibberish", Script: "digest",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad cron status = %d, want 422", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/support/digest", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delResp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestSuggestionKeyboard(t *testing.T) {
	kb, ok := suggestionKeyboard([]parley.Suggestion{
		{Text: "I want a refund", Label: "Refund"},
		{Text: "Track my order", Label: "Track"},
	})
	if !ok {
		t.Fatal("expected keyboard")
	}
	if len(kb.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2", len(kb.InlineKeyboard))
	}
	btn := kb.InlineKeyboard[0][0]
	if btn.Text != "Refund" || btn.CallbackData == nil || *btn.CallbackData != "I want a refund" {
		t.Errorf("button = %+v", btn)
	}

	if _, ok := suggestionKeyboard(nil); ok {
		t.Error("empty suggestions should produce no keyboard")
	}
}

func TestTurnCollectorDrain(t *testing.T) {
	c := newTurnCollector()
	go func() {
		c.emit("one")
		time.Sleep(50 * time.Millisecond)
		c.emit("two")
	}()

	got := c.drain(context.Background(), 200*time.Millisecond, 2*time.Second)
	if strings.Join(got, ",") != "one,two" {
		t.Errorf("drained = %v", got)
	}
}
