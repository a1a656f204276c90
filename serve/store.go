// Package serve hosts the HTTP server, scheduler, channels and the
// persistent store backing a running bot deployment.
package serve

import (
	"time"

	"github.com/parleyops/parley"
)

// Store persists everything a serving deployment needs across
// restarts: the three memory layers, webhook endpoint registrations,
// scheduled jobs, the agent message log and reflection insights.
// It extends the embedded runtime's memory contract so a Runtime can
// use it directly as its MemoryStore and InsightStore.
type Store interface {
	parley.MemoryStore
	parley.InsightStore

	// Init creates tables if they don't exist.
	Init() error

	// Close closes the store.
	Close() error

	// UpsertWebhookEndpoint registers an endpoint for a bot. Endpoint
	// names are unique per bot.
	UpsertWebhookEndpoint(botID, endpoint, script string) error

	// ListWebhookEndpoints returns a bot's registered endpoints.
	ListWebhookEndpoints(botID string) ([]WebhookEndpoint, error)

	// UpsertScheduledJob creates or replaces a scheduled job.
	UpsertScheduledJob(job ScheduledJob) error

	// DeleteScheduledJob removes a job by bot and name.
	DeleteScheduledJob(botID, name string) error

	// ListScheduledJobs returns all persisted jobs.
	ListScheduledJobs() ([]ScheduledJob, error)

	// InsertEnvelope records a routed agent message.
	InsertEnvelope(env parley.Envelope) error

	// ListEnvelopes returns recent messages for a session, newest first.
	ListEnvelopes(sessionID string, limit int) ([]parley.Envelope, error)

	// PruneEnvelopes deletes messages older than their TTL allows.
	PruneEnvelopes(olderThan time.Time) (int64, error)
}

// WebhookEndpoint is a persisted webhook registration.
type WebhookEndpoint struct {
	BotID     string    `json:"bot_id"`
	Endpoint  string    `json:"endpoint"`
	Script    string    `json:"script"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduledJob is a persisted recurring script trigger.
type ScheduledJob struct {
	BotID     string    `json:"bot_id"`
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Script    string    `json:"script"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
