package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/parleyops/parley"
	"github.com/parleyops/parley/basic"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	DBPath         string
	TelegramToken  string
	TelegramBot    string
	WebhookTimeout time.Duration
}

// envelopeRetention is how long routed messages remain queryable
// before the GC sweep removes them.
const envelopeRetention = time.Hour

// Server is the HTTP front for a bot runtime: webhooks, live turns,
// agent delivery, tool calls and the operational API.
type Server struct {
	rt        *basic.Runtime
	store     Store
	sched     *Scheduler
	cfg       Config
	startedAt time.Time
}

// New creates a Server around an already configured runtime and store.
func New(rt *basic.Runtime, store Store, cfg Config) *Server {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 30 * time.Second
	}
	return &Server{
		rt:    rt,
		store: store,
		sched: NewScheduler(rt, store.UpsertScheduledJob, store.DeleteScheduledJob),
		cfg:   cfg,
	}
}

// Scheduler returns the server's job scheduler.
func (s *Server) Scheduler() *Scheduler { return s.sched }

// Start registers routes and listens for HTTP requests. It blocks
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: corsMiddleware(mux),
	}

	go s.sched.Start(ctx)
	go s.pruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("parley serve started", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with 5s timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	return nil
}

// pruneLoop garbage-collects old agent messages.
func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PruneEnvelopes(time.Now().Add(-envelopeRetention))
			if err != nil {
				slog.Warn("envelope prune failed", "error", err)
			} else if n > 0 {
				slog.Info("envelopes pruned", "count", n)
			}
		}
	}
}

// registerRoutes adds all API routes to the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Triggers
	mux.HandleFunc("POST /api/{bot}/webhook/{endpoint}", s.handleWebhook)
	mux.HandleFunc("POST /api/{bot}/turn", s.handleTurn)
	mux.HandleFunc("POST /api/{bot}/tools/{name}", s.handleCallTool)

	// Agent transport
	mux.HandleFunc("POST /api/a2a/deliver", s.handleDeliver)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)

	// Introspection
	mux.HandleFunc("GET /api/{bot}/tools", s.handleListTools)
	mux.HandleFunc("GET /api/{bot}/insights/{session}", s.handleInsights)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleAddJob)
	mux.HandleFunc("DELETE /api/jobs/{bot}/{name}", s.handleRemoveJob)
	mux.HandleFunc("GET /api/health", s.handleHealth)
}

// handleWebhook runs a webhook script under a hard deadline. A script
// that overruns gets a 504; side effects it already committed stand.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot")
	endpoint := r.PathValue("endpoint")

	params := map[string]parley.Value{}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			params[key] = parley.S(vals[0])
		}
	}

	headers := map[string]parley.Value{}
	for key := range r.Header {
		headers[key] = parley.S(r.Header.Get(key))
	}

	body := parley.Null
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err == nil && len(bytes.TrimSpace(raw)) > 0 {
		if v, err := parley.FromJSON(raw); err == nil {
			body = v
		} else {
			body = parley.S(string(raw))
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WebhookTimeout)
	defer cancel()

	type outcome struct {
		resp *basic.WebhookResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := s.rt.RunWebhook(ctx, botID, endpoint, parley.M(params), body, parley.M(headers))
		done <- outcome{resp, err}
	}()

	select {
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "webhook deadline exceeded")
		return
	case out := <-done:
		if out.err != nil {
			status := http.StatusInternalServerError
			if errors.Is(out.err, parley.ErrAgentNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, out.err.Error())
			return
		}
		for k, v := range out.resp.Headers {
			w.Header().Set(k, v)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(out.resp.Status)
		w.Write(out.resp.Body)
	}
}

// turnRequest is the live-turn request body.
type turnRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// turnCollector gathers instance output so a synchronous HTTP caller
// can read everything the turn produced.
type turnCollector struct {
	mu       sync.Mutex
	messages []string
	last     time.Time
}

func newTurnCollector() *turnCollector {
	return &turnCollector{last: time.Now()}
}

func (c *turnCollector) emit(text string) {
	c.mu.Lock()
	c.messages = append(c.messages, text)
	c.last = time.Now()
	c.mu.Unlock()
}

// drain waits until output has been quiet for the idle window, then
// returns everything collected so far.
func (c *turnCollector) drain(ctx context.Context, idle, max time.Duration) []string {
	deadline := time.Now().Add(max)
	for {
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
		c.mu.Lock()
		quiet := time.Since(c.last) >= idle
		n := len(c.messages)
		c.mu.Unlock()
		if (quiet && n > 0) || time.Now().After(deadline) || ctx.Err() != nil {
			c.mu.Lock()
			out := make([]string, len(c.messages))
			copy(out, c.messages)
			c.mu.Unlock()
			return out
		}
	}
}

// handleTurn feeds one user message into a session and replies with
// the output the instance produced before parking or finishing.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}

	collector := newTurnCollector()
	if err := s.rt.HandleTurn(r.Context(), botID, req.UserID, req.Text, collector.emit); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, parley.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	messages := collector.drain(r.Context(), 500*time.Millisecond, 25*time.Second)

	resp := map[string]any{"messages": messages}
	if sess, ok := s.rt.Session(botID, req.UserID); ok {
		if sugg := sess.Suggestions(); len(sugg) > 0 {
			resp["suggestions"] = sugg
		}
		resp["session_id"] = sess.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeliver is the inbound half of the HTTP agent transport.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var env parley.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	if env.Expired() {
		writeError(w, http.StatusGone, "envelope expired")
		return
	}

	if err := s.rt.Exchange().Route(r.Context(), env); err != nil {
		if errors.Is(err, parley.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": env.ID})
}

// handleSessionMessages returns the persisted message log for a session.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	envs, err := s.store.ListEnvelopes(r.PathValue("id"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": envs})
}

// handleListTools exports a bot's tool schemas.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot")
	if _, ok := s.rt.Bot(botID); !ok {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.rt.ToolSchemas(botID)})
}

// handleCallTool runs a declared tool script with validated arguments.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot")
	name := r.PathValue("name")

	var rawArgs map[string]any
	if err := json.NewDecoder(r.Body).Decode(&rawArgs); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid arguments")
		return
	}
	args := make(map[string]parley.Value, len(rawArgs))
	for k, v := range rawArgs {
		args[k] = parley.FromAny(v)
	}

	result, err := s.rt.CallTool(r.Context(), botID, name, args)
	if err != nil {
		var rerr *basic.RuntimeError
		if errors.As(err, &rerr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if errors.Is(err, parley.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// handleInsights returns the latest reflection insight for a session.
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	refl := s.rt.Reflector()
	if refl == nil {
		writeError(w, http.StatusNotFound, "reflection not enabled")
		return
	}
	in, ok := refl.Latest(r.PathValue("bot"), r.PathValue("session"))
	if !ok {
		writeError(w, http.StatusNotFound, "no insight recorded")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// handleListJobs returns all scheduled jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.sched.ListJobs()})
}

// handleAddJob registers a scheduled job.
func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var job ScheduledJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job")
		return
	}
	if job.BotID == "" || job.Name == "" || job.Cron == "" || job.Script == "" {
		writeError(w, http.StatusBadRequest, "bot_id, name, cron and script are required")
		return
	}
	if _, ok := s.rt.Bot(job.BotID); !ok {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	job.Enabled = true
	if err := s.sched.AddJob(job); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleRemoveJob removes a scheduled job.
func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RemoveJob(r.PathValue("bot"), r.PathValue("name")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports liveness and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// HTTPRouter is the outbound half of the HTTP agent transport. It
// implements parley.Router by posting envelopes to a peer server's
// deliver endpoint; the exchange layers retry on top, reusing the
// envelope unchanged.
type HTTPRouter struct {
	base   string
	client *http.Client
}

// NewHTTPRouter creates a router targeting a peer server base URL.
func NewHTTPRouter(baseURL string) *HTTPRouter {
	return &HTTPRouter{
		base:   baseURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Route posts the envelope to the peer.
func (h *HTTPRouter) Route(ctx context.Context, env parley.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.base+"/api/a2a/deliver", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %q: %w", env.To, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver to %q: status %d", env.To, resp.StatusCode)
	}
	return nil
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
