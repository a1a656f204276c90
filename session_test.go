package parley

import (
	"testing"
	"time"
)

func TestSessionEmitRecordsTranscript(t *testing.T) {
	var out []string
	s := NewSession("bot1", "u1", NewScope(nil), func(text string) {
		out = append(out, text)
	})

	s.RecordUser("hello")
	s.Emit("hi there")
	s.Emit("how can I help?")

	if len(out) != 2 || out[0] != "hi there" {
		t.Errorf("output = %v", out)
	}
	tr := s.Transcript(10)
	if len(tr) != 3 {
		t.Fatalf("transcript len = %d, want 3", len(tr))
	}
	if tr[0].Role != "user" || tr[1].Role != "bot" {
		t.Errorf("roles = %q, %q", tr[0].Role, tr[1].Role)
	}
	// Transcript(n) returns the most recent n entries.
	if got := s.Transcript(1); len(got) != 1 || got[0].Text != "how can I help?" {
		t.Errorf("Transcript(1) = %v", got)
	}
}

func TestSessionTryDeliver(t *testing.T) {
	s := NewSession("bot1", "u1", NewScope(nil), func(string) {})

	// Nothing is parked on the input channel: delivery must not block.
	if s.TryDeliver("early") {
		t.Error("delivery without a waiting reader should fail")
	}

	got := make(chan string, 1)
	go func() {
		got <- <-s.Input()
	}()

	deadline := time.After(2 * time.Second)
	for !s.TryDeliver("hello") {
		select {
		case <-deadline:
			t.Fatal("reader never picked up delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if v := <-got; v != "hello" {
		t.Errorf("received %q", v)
	}
}

func TestSessionSuggestionsDrain(t *testing.T) {
	s := NewSession("bot1", "u1", NewScope(nil), func(string) {})
	s.AddSuggestion("Track my order", "orders")
	s.AddSuggestion("Talk to a human", "human")

	sugg := s.Suggestions()
	if len(sugg) != 2 || sugg[0].Label != "orders" {
		t.Errorf("suggestions = %v", sugg)
	}
	if got := s.Suggestions(); len(got) != 0 {
		t.Error("suggestions should drain on read")
	}
}

func TestSessionHandoff(t *testing.T) {
	s := NewSession("bot1", "u1", NewScope(nil), func(string) {})
	if got := s.ActiveBot(); got != "bot1" {
		t.Errorf("initial active bot = %q", got)
	}
	s.Handoff("billing")
	if got := s.ActiveBot(); got != "billing" {
		t.Errorf("after handoff = %q", got)
	}
}

func TestSessionBindAgents(t *testing.T) {
	s := NewSession("bot1", "u1", NewScope(nil), func(string) {})
	s.BindAgent("helper")
	s.BindAgent("helper") // idempotent
	s.BindAgent("critic")
	if got := s.BoundAgents(); len(got) != 2 {
		t.Errorf("bound = %v", got)
	}
	s.UnbindAgent("helper")
	if got := s.BoundAgents(); len(got) != 1 || got[0] != "critic" {
		t.Errorf("after unbind = %v", got)
	}
}

func TestSessionEnd(t *testing.T) {
	s := NewSession("bot1", "u1", NewScope(nil), func(string) {})
	s.UseKB("faq")
	s.AddSuggestion("a", "b")
	s.End()
	if !s.Ended() {
		t.Error("Ended() = false after End")
	}
	if len(s.KBs()) != 0 || len(s.Suggestions()) != 0 {
		t.Error("End should clear bound UI state")
	}
}
