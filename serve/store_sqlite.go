package serve

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parleyops/parley"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
// Values are stored as their JSON encoding.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Init creates the schema tables.
func (s *SQLiteStore) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bot_memory (
		bot_id     TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (bot_id, key)
	);

	CREATE TABLE IF NOT EXISTS user_memory (
		user_id    TEXT NOT NULL,
		bot_id     TEXT NOT NULL DEFAULT '',
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		expires_at DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, bot_id, key)
	);

	CREATE TABLE IF NOT EXISTS webhook_endpoints (
		bot_id     TEXT NOT NULL,
		endpoint   TEXT NOT NULL,
		script     TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (bot_id, endpoint)
	);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		bot_id     TEXT NOT NULL,
		name       TEXT NOT NULL,
		cron       TEXT NOT NULL,
		script     TEXT NOT NULL,
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (bot_id, name)
	);

	CREATE TABLE IF NOT EXISTS a2a_messages (
		id             TEXT PRIMARY KEY,
		from_agent     TEXT NOT NULL,
		to_agent       TEXT NOT NULL DEFAULT '',
		message_type   TEXT NOT NULL,
		payload        TEXT NOT NULL DEFAULT 'null',
		correlation_id TEXT NOT NULL DEFAULT '',
		session_id     TEXT NOT NULL DEFAULT '',
		hop_count      INTEGER NOT NULL DEFAULT 0,
		created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS reflection_insights (
		bot_id      TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		score       REAL NOT NULL DEFAULT 0,
		issues      TEXT NOT NULL DEFAULT '[]',
		suggestions TEXT NOT NULL DEFAULT '[]',
		computed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_user_memory_user ON user_memory(user_id);
	CREATE INDEX IF NOT EXISTS idx_a2a_session ON a2a_messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_a2a_created ON a2a_messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_insights_session ON reflection_insights(bot_id, session_id, computed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeValue(v parley.Value) (string, error) {
	data, err := v.JSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeValue(raw string) (parley.Value, error) {
	return parley.FromJSON([]byte(raw))
}

// SetBotMemory upserts a (bot, key) entry.
func (s *SQLiteStore) SetBotMemory(botID, key string, v parley.Value) error {
	raw, err := encodeValue(v)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO bot_memory (bot_id, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(bot_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		botID, key, raw,
	)
	return err
}

// GetBotMemory reads a (bot, key) entry; misses are Null.
func (s *SQLiteStore) GetBotMemory(botID, key string) (parley.Value, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT value FROM bot_memory WHERE bot_id = ? AND key = ?`, botID, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return parley.Null, nil
	}
	if err != nil {
		return parley.Null, err
	}
	return decodeValue(raw)
}

// SetUserMemory upserts a permanent (user, key) entry.
func (s *SQLiteStore) SetUserMemory(userID, key string, v parley.Value) error {
	raw, err := encodeValue(v)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO user_memory (user_id, bot_id, key, value, expires_at, updated_at)
		 VALUES (?, '', ?, ?, NULL, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id, bot_id, key) DO UPDATE
		 SET value = excluded.value, expires_at = NULL, updated_at = CURRENT_TIMESTAMP`,
		userID, key, raw,
	)
	return err
}

// GetUserMemory reads a permanent (user, key) entry; misses are Null.
func (s *SQLiteStore) GetUserMemory(userID, key string) (parley.Value, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT value FROM user_memory WHERE user_id = ? AND bot_id = '' AND key = ?`,
		userID, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return parley.Null, nil
	}
	if err != nil {
		return parley.Null, err
	}
	return decodeValue(raw)
}

// ClearUserMemory removes all permanent entries for a user.
func (s *SQLiteStore) ClearUserMemory(userID string) error {
	_, err := s.db.Exec(
		`DELETE FROM user_memory WHERE user_id = ? AND bot_id = ''`, userID,
	)
	return err
}

// Remember upserts an ephemeral (user, bot, key) entry with an expiry.
func (s *SQLiteStore) Remember(userID, botID, key string, v parley.Value, ttl time.Duration) error {
	raw, err := encodeValue(v)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO user_memory (user_id, bot_id, key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id, bot_id, key) DO UPDATE
		 SET value = excluded.value, expires_at = excluded.expires_at, updated_at = CURRENT_TIMESTAMP`,
		userID, botID, key, raw, time.Now().Add(ttl).UTC(),
	)
	return err
}

// Recall reads an ephemeral entry; missing or expired entries are Null.
// Expired rows are deleted on read.
func (s *SQLiteStore) Recall(userID, botID, key string) (parley.Value, error) {
	var raw string
	var expires sql.NullTime
	err := s.db.QueryRow(
		`SELECT value, expires_at FROM user_memory WHERE user_id = ? AND bot_id = ? AND key = ?`,
		userID, botID, key,
	).Scan(&raw, &expires)
	if err == sql.ErrNoRows {
		return parley.Null, nil
	}
	if err != nil {
		return parley.Null, err
	}
	if expires.Valid && time.Now().After(expires.Time) {
		s.Forget(userID, botID, key)
		return parley.Null, nil
	}
	return decodeValue(raw)
}

// Forget removes an ephemeral entry.
func (s *SQLiteStore) Forget(userID, botID, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM user_memory WHERE user_id = ? AND bot_id = ? AND key = ?`,
		userID, botID, key,
	)
	return err
}

// UpsertWebhookEndpoint registers an endpoint for a bot.
func (s *SQLiteStore) UpsertWebhookEndpoint(botID, endpoint, script string) error {
	_, err := s.db.Exec(
		`INSERT INTO webhook_endpoints (bot_id, endpoint, script) VALUES (?, ?, ?)
		 ON CONFLICT(bot_id, endpoint) DO UPDATE SET script = excluded.script`,
		botID, endpoint, script,
	)
	return err
}

// ListWebhookEndpoints returns a bot's registered endpoints.
func (s *SQLiteStore) ListWebhookEndpoints(botID string) ([]WebhookEndpoint, error) {
	rows, err := s.db.Query(
		`SELECT bot_id, endpoint, script, created_at FROM webhook_endpoints
		 WHERE bot_id = ? ORDER BY endpoint`, botID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []WebhookEndpoint
	for rows.Next() {
		var e WebhookEndpoint
		if err := rows.Scan(&e.BotID, &e.Endpoint, &e.Script, &e.CreatedAt); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// UpsertScheduledJob creates or replaces a scheduled job.
func (s *SQLiteStore) UpsertScheduledJob(job ScheduledJob) error {
	_, err := s.db.Exec(
		`INSERT INTO scheduled_jobs (bot_id, name, cron, script, enabled) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(bot_id, name) DO UPDATE
		 SET cron = excluded.cron, script = excluded.script, enabled = excluded.enabled`,
		job.BotID, job.Name, job.Cron, job.Script, job.Enabled,
	)
	return err
}

// DeleteScheduledJob removes a job by bot and name.
func (s *SQLiteStore) DeleteScheduledJob(botID, name string) error {
	_, err := s.db.Exec(
		`DELETE FROM scheduled_jobs WHERE bot_id = ? AND name = ?`, botID, name,
	)
	return err
}

// ListScheduledJobs returns all persisted jobs.
func (s *SQLiteStore) ListScheduledJobs() ([]ScheduledJob, error) {
	rows, err := s.db.Query(
		`SELECT bot_id, name, cron, script, enabled, created_at
		 FROM scheduled_jobs ORDER BY bot_id, name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		if err := rows.Scan(&j.BotID, &j.Name, &j.Cron, &j.Script, &j.Enabled, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// InsertEnvelope records a routed agent message.
func (s *SQLiteStore) InsertEnvelope(env parley.Envelope) error {
	payload, err := env.Payload.JSON()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO a2a_messages
		 (id, from_agent, to_agent, message_type, payload, correlation_id, session_id, hop_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.From, env.To, string(env.Type), string(payload),
		env.CorrelationID, env.SessionID, env.HopCount, env.CreatedAt.UTC(),
	)
	return err
}

// ListEnvelopes returns recent messages for a session, newest first.
func (s *SQLiteStore) ListEnvelopes(sessionID string, limit int) ([]parley.Envelope, error) {
	rows, err := s.db.Query(
		`SELECT id, from_agent, to_agent, message_type, payload, correlation_id, session_id, hop_count, created_at
		 FROM a2a_messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []parley.Envelope
	for rows.Next() {
		var env parley.Envelope
		var typ, payload string
		if err := rows.Scan(&env.ID, &env.From, &env.To, &typ, &payload,
			&env.CorrelationID, &env.SessionID, &env.HopCount, &env.CreatedAt); err != nil {
			return nil, err
		}
		env.Type = parley.ParseMessageType(typ)
		if v, err := decodeValue(payload); err == nil {
			env.Payload = v
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// PruneEnvelopes deletes messages created before the cutoff.
func (s *SQLiteStore) PruneEnvelopes(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM a2a_messages WHERE created_at < ?`, olderThan.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveInsight stores a reflection insight.
func (s *SQLiteStore) SaveInsight(in parley.Insight) error {
	issues, _ := json.Marshal(in.Issues)
	suggestions, _ := json.Marshal(in.Suggestions)
	_, err := s.db.Exec(
		`INSERT INTO reflection_insights (bot_id, session_id, score, issues, suggestions, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.BotID, in.SessionID, in.Score, string(issues), string(suggestions), in.ComputedAt.UTC(),
	)
	return err
}

// LatestInsight returns the most recent insight for a session.
func (s *SQLiteStore) LatestInsight(botID, sessionID string) (parley.Insight, bool, error) {
	var in parley.Insight
	var issues, suggestions string
	err := s.db.QueryRow(
		`SELECT bot_id, session_id, score, issues, suggestions, computed_at
		 FROM reflection_insights WHERE bot_id = ? AND session_id = ?
		 ORDER BY computed_at DESC, rowid DESC LIMIT 1`,
		botID, sessionID,
	).Scan(&in.BotID, &in.SessionID, &in.Score, &issues, &suggestions, &in.ComputedAt)
	if err == sql.ErrNoRows {
		return parley.Insight{}, false, nil
	}
	if err != nil {
		return parley.Insight{}, false, err
	}
	json.Unmarshal([]byte(issues), &in.Issues)
	json.Unmarshal([]byte(suggestions), &in.Suggestions)
	return in, true, nil
}
