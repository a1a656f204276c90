package parley

import (
	"testing"
	"time"
)

func TestMemStoreBotAndUser(t *testing.T) {
	m := NewMemStore()

	if err := m.SetBotMemory("bot1", "mode", S("eager")); err != nil {
		t.Fatalf("SetBotMemory: %v", err)
	}
	got, err := m.GetBotMemory("bot1", "mode")
	if err != nil || got.Text() != "eager" {
		t.Errorf("GetBotMemory = (%q, %v)", got.Text(), err)
	}

	// Bot memory is scoped per bot.
	got, _ = m.GetBotMemory("bot2", "mode")
	if !got.IsNull() {
		t.Errorf("cross-bot read = %q, want null", got.Text())
	}

	if err := m.SetUserMemory("u1", "name", S("Ada")); err != nil {
		t.Fatalf("SetUserMemory: %v", err)
	}
	got, err = m.GetUserMemory("u1", "name")
	if err != nil || got.Text() != "Ada" {
		t.Errorf("GetUserMemory = (%q, %v)", got.Text(), err)
	}

	// Misses are null, never errors.
	got, err = m.GetBotMemory("bot1", "absent")
	if err != nil || !got.IsNull() {
		t.Errorf("miss = (%v, %v), want (null, nil)", got.Text(), err)
	}
}

func TestMemStoreClearUser(t *testing.T) {
	m := NewMemStore()
	m.SetUserMemory("u1", "a", N(1))
	m.SetUserMemory("u1", "b", N(2))
	m.SetUserMemory("u2", "a", N(3))

	if err := m.ClearUserMemory("u1"); err != nil {
		t.Fatalf("ClearUserMemory: %v", err)
	}
	if got, _ := m.GetUserMemory("u1", "a"); !got.IsNull() {
		t.Error("cleared key still present")
	}
	if got, _ := m.GetUserMemory("u2", "a"); got.Text() != "3" {
		t.Error("clear leaked into another user")
	}
}

func TestMemStoreEphemeralTTL(t *testing.T) {
	m := NewMemStore()
	m.Remember("u1", "bot1", "otp", S("1234"), 20*time.Millisecond)

	got, _ := m.Recall("u1", "bot1", "otp")
	if got.Text() != "1234" {
		t.Fatalf("Recall before expiry = %q", got.Text())
	}

	time.Sleep(40 * time.Millisecond)
	got, _ = m.Recall("u1", "bot1", "otp")
	if !got.IsNull() {
		t.Errorf("Recall after expiry = %q, want null", got.Text())
	}

	// Forget removes before expiry.
	m.Remember("u1", "bot1", "token", S("x"), time.Minute)
	if err := m.Forget("u1", "bot1", "token"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if got, _ := m.Recall("u1", "bot1", "token"); !got.IsNull() {
		t.Errorf("forgotten key = %q, want null", got.Text())
	}
}
