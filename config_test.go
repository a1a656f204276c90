package parley

import (
	"testing"
	"time"
)

func TestParseBotConfig(t *testing.T) {
	yml := `
name: support
main: welcome
config:
  param-retries: "3"
  a2a-timeout: 10s
  Answer-Mode: direct
`
	cfg, err := ParseBotConfig([]byte(yml))
	if err != nil {
		t.Fatalf("ParseBotConfig: %v", err)
	}
	if cfg.Name != "support" || cfg.Main != "welcome" {
		t.Errorf("cfg = %+v", cfg)
	}
	// Config lookups are case-insensitive.
	if got, ok := cfg.Get("answer-mode"); !ok || got != "direct" {
		t.Errorf("Get(answer-mode) = (%q, %v)", got, ok)
	}
}

func TestBotConfigDefaultMain(t *testing.T) {
	cfg, err := ParseBotConfig([]byte("name: minimal\n"))
	if err != nil {
		t.Fatalf("ParseBotConfig: %v", err)
	}
	if cfg.Main != "start" {
		t.Errorf("Main = %q, want start", cfg.Main)
	}
}

func TestA2AConfigFrom(t *testing.T) {
	cfg := A2AConfigFrom(map[string]string{
		"a2a-enabled":     "false",
		"a2a-timeout":     "45s",
		"a2a-max-hops":    "8",
		"a2a-retry-count": "1",
	})
	if cfg.Enabled {
		t.Error("Enabled should be false")
	}
	if cfg.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.MaxHops != 8 || cfg.RetryCount != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
	// Unset fields keep defaults.
	if cfg.QueueSize != 100 {
		t.Errorf("QueueSize = %d, want 100", cfg.QueueSize)
	}
}

func TestA2AConfigDefaults(t *testing.T) {
	cfg := DefaultA2AConfig()
	if !cfg.Enabled || cfg.Timeout != 30*time.Second || cfg.MaxHops != 5 || cfg.RetryCount != 3 || cfg.QueueSize != 100 {
		t.Errorf("defaults = %+v", cfg)
	}
}
