package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Insight is an advisory quality assessment of a conversation. It is
// recomputed periodically and never required for correctness.
type Insight struct {
	BotID       string    `json:"bot_id"`
	SessionID   string    `json:"session_id"`
	Score       float64   `json:"quality_score"` // clamped to [0,1]
	Issues      []string  `json:"issues"`
	Suggestions []string  `json:"suggestions"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Summary renders a one-line human-readable form.
func (i Insight) Summary() string {
	return fmt.Sprintf("quality %.2f, %d issue(s), %d suggestion(s)", i.Score, len(i.Issues), len(i.Suggestions))
}

// Generator is the narrow LLM surface reflection needs.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// InsightStore persists reflection insights.
type InsightStore interface {
	SaveInsight(in Insight) error
	LatestInsight(botID, sessionID string) (Insight, bool, error)
}

// ReflectorOption configures a Reflector.
type ReflectorOption func(*Reflector)

// WithReflectInterval sets how often sessions are sampled.
func WithReflectInterval(d time.Duration) ReflectorOption {
	return func(r *Reflector) { r.interval = d }
}

// WithSampleSize sets how many recent turns feed one reflection.
func WithSampleSize(n int) ReflectorOption {
	return func(r *Reflector) { r.sample = n }
}

// Reflector periodically scores session transcripts. Every failure
// path here is logged and discarded: reflection can never surface an
// error into a conversation.
type Reflector struct {
	gen      Generator
	store    InsightStore
	interval time.Duration
	sample   int
}

// NewReflector creates a reflector over the given LLM and store.
func NewReflector(gen Generator, store InsightStore, opts ...ReflectorOption) *Reflector {
	r := &Reflector{
		gen:      gen,
		store:    store,
		interval: 5 * time.Minute,
		sample:   20,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const reflectionSystem = "You review conversations between a user and a support agent. " +
	"Reply with a single JSON object: {\"score\": <0..1>, \"issues\": [..], \"suggestions\": [..]}. " +
	"Score the agent's helpfulness, accuracy and tone. No prose outside the JSON."

// Run samples every live session on each tick until ctx is cancelled.
// sessions supplies the current session set on demand.
func (r *Reflector) Run(ctx context.Context, sessions func() []*Session) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	slog.Info("reflector started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reflector stopped")
			return
		case <-ticker.C:
			for _, s := range sessions() {
				if s.Ended() {
					continue
				}
				if _, err := r.Reflect(ctx, s); err != nil {
					slog.Warn("reflection failed", "session", s.ID, "error", err)
				}
			}
		}
	}
}

// Reflect scores one session now and stores the insight.
func (r *Reflector) Reflect(ctx context.Context, s *Session) (Insight, error) {
	turns := s.Transcript(r.sample)
	if len(turns) == 0 {
		return Insight{}, fmt.Errorf("empty transcript")
	}

	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}

	raw, err := r.gen.Generate(ctx, reflectionSystem, b.String())
	if err != nil {
		return Insight{}, fmt.Errorf("reflection generate: %w", err)
	}

	insight, err := parseInsight(raw)
	if err != nil {
		return Insight{}, err
	}
	insight.BotID = s.BotID
	insight.SessionID = s.ID
	insight.ComputedAt = time.Now()

	if r.store != nil {
		if err := r.store.SaveInsight(insight); err != nil {
			return Insight{}, fmt.Errorf("save insight: %w", err)
		}
	}
	return insight, nil
}

// Latest returns the most recent stored insight for a session.
func (r *Reflector) Latest(botID, sessionID string) (Insight, bool) {
	if r.store == nil {
		return Insight{}, false
	}
	in, ok, err := r.store.LatestInsight(botID, sessionID)
	if err != nil {
		slog.Warn("insight lookup failed", "session", sessionID, "error", err)
		return Insight{}, false
	}
	return in, ok
}

// parseInsight extracts the JSON object from an LLM reply, tolerating
// prose around it, and clamps the score.
func parseInsight(raw string) (Insight, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Insight{}, fmt.Errorf("no JSON object in reflection reply")
	}
	var parsed struct {
		Score       float64  `json:"score"`
		Issues      []string `json:"issues"`
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return Insight{}, fmt.Errorf("decode reflection reply: %w", err)
	}
	score := parsed.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return Insight{Score: score, Issues: parsed.Issues, Suggestions: parsed.Suggestions}, nil
}
