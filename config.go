package parley

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BotConfig is the per-bot configuration document. Config carries the
// flat key/value surface scripts and subsystems read: param-* entries
// become scope globals, a2a-* entries tune agent messaging.
type BotConfig struct {
	Name   string            `yaml:"name"`
	Main   string            `yaml:"main"`
	Config map[string]string `yaml:"config"`
}

// LoadBotConfig reads and parses a bot's config.yaml.
func LoadBotConfig(path string) (*BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseBotConfig(data)
}

// ParseBotConfig parses YAML config content.
func ParseBotConfig(data []byte) (*BotConfig, error) {
	var cfg BotConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Config == nil {
		cfg.Config = make(map[string]string)
	}
	if cfg.Main == "" {
		cfg.Main = "start"
	}
	return &cfg, nil
}

// Get returns a config value by key, case-insensitively.
func (c *BotConfig) Get(key string) string {
	if v, ok := c.Config[key]; ok {
		return v
	}
	key = strings.ToLower(key)
	for k, v := range c.Config {
		if strings.ToLower(k) == key {
			return v
		}
	}
	return ""
}

// A2AConfig is the agent messaging configuration surface.
type A2AConfig struct {
	Enabled    bool
	Timeout    time.Duration
	MaxHops    int
	RetryCount int
	QueueSize  int
}

// DefaultA2AConfig returns the documented defaults.
func DefaultA2AConfig() A2AConfig {
	return A2AConfig{
		Enabled:    true,
		Timeout:    30 * time.Second,
		MaxHops:    5,
		RetryCount: 3,
		QueueSize:  100,
	}
}

// A2AConfigFrom overlays a2a-* keys from a bot config map onto the
// defaults. Unparseable values keep their default.
func A2AConfigFrom(config map[string]string) A2AConfig {
	cfg := DefaultA2AConfig()
	for key, raw := range config {
		switch strings.ToLower(key) {
		case "a2a-enabled":
			cfg.Enabled = strings.EqualFold(raw, "true")
		case "a2a-timeout":
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				cfg.Timeout = time.Duration(n) * time.Second
			}
		case "a2a-max-hops":
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				cfg.MaxHops = n
			}
		case "a2a-retry-count":
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
				cfg.RetryCount = n
			}
		case "a2a-queue-size":
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				cfg.QueueSize = n
			}
		}
	}
	return cfg
}
