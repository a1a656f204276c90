package basic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/parleyops/parley"
)

// Sandbox executes untrusted script-supplied code and returns its
// combined output.
type Sandbox interface {
	Run(ctx context.Context, lang, code string) (string, error)
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithMemory sets the persistent memory backend.
func WithMemory(store parley.MemoryStore) RuntimeOption {
	return func(rt *Runtime) { rt.memory = store }
}

// WithExchange sets the message exchange shared by hosted bots.
func WithExchange(x *parley.Exchange) RuntimeOption {
	return func(rt *Runtime) { rt.exchange = x }
}

// WithLLM sets the language model backend.
func WithLLM(gen parley.Generator) RuntimeOption {
	return func(rt *Runtime) { rt.llm = gen }
}

// WithSandbox sets the EXECUTE backend.
func WithSandbox(s Sandbox) RuntimeOption {
	return func(rt *Runtime) { rt.sandbox = s }
}

// WithReflector sets the conversation-quality reflector.
func WithReflector(r *parley.Reflector) RuntimeOption {
	return func(rt *Runtime) { rt.reflector = r }
}

// WithHTTPClient sets the client used by outbound HTTP instructions.
func WithHTTPClient(c *http.Client) RuntimeOption {
	return func(rt *Runtime) { rt.httpClient = c }
}

// Bot is one hosted agent: its config, compiled scripts, and the
// config-derived globals every instance scope layers over.
type Bot struct {
	Name     string
	Config   parley.BotConfig
	programs map[string]*Program // by script name
	webhooks map[string]*Program // by endpoint name
	globals  *parley.Scope
}

// Program returns a compiled script by name.
func (b *Bot) Program(name string) (*Program, bool) {
	p, ok := b.programs[name]
	return p, ok
}

// Main returns the bot's entry script.
func (b *Bot) Main() (*Program, bool) {
	return b.Program(b.Config.Main)
}

// ScheduleSpec is one schedule registration collected from a script.
type ScheduleSpec struct {
	Script string
	Expr   string
}

// Runtime hosts bots and owns the four trigger entry points: live
// turns, scheduled jobs, webhooks, and tool calls. Each instance runs
// as its own goroutine; the runtime never blocks one instance on
// another.
type Runtime struct {
	reg        *Registry
	exchange   *parley.Exchange
	memory     parley.MemoryStore
	llm        parley.Generator
	sandbox    Sandbox
	reflector  *parley.Reflector
	httpClient *http.Client

	mu       sync.Mutex
	bots     map[string]*Bot
	cache    map[string]*Program // by source hash
	sessions map[string]*parley.Session
	busy     map[string]bool // sessions with a running instance
}

// NewRuntime creates a runtime with in-memory defaults.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		memory:     parley.NewMemStore(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bots:       make(map[string]*Bot),
		cache:      make(map[string]*Program),
		sessions:   make(map[string]*parley.Session),
		busy:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.exchange == nil {
		rt.exchange = parley.NewExchange(parley.DefaultA2AConfig())
	}
	rt.reg = NewRegistry()
	registerCore(rt.reg)
	registerSession(rt.reg)
	registerMemory(rt.reg, rt)
	registerHTTP(rt.reg, rt)
	registerA2A(rt.reg, rt)
	return rt
}

// Registry returns the dispatch registry, open for extension before
// bots are added.
func (rt *Runtime) Registry() *Registry { return rt.reg }

// Exchange returns the shared message exchange.
func (rt *Runtime) Exchange() *parley.Exchange { return rt.exchange }

// Memory returns the persistent memory backend.
func (rt *Runtime) Memory() parley.MemoryStore { return rt.memory }

// LLM returns the language model backend, nil when unset.
func (rt *Runtime) LLM() parley.Generator { return rt.llm }

// Sandbox returns the EXECUTE backend, nil when unset.
func (rt *Runtime) Sandbox() Sandbox { return rt.sandbox }

// Reflector returns the quality reflector, nil when unset.
func (rt *Runtime) Reflector() *parley.Reflector { return rt.reflector }

// HTTPClient returns the outbound HTTP client.
func (rt *Runtime) HTTPClient() *http.Client { return rt.httpClient }

// CompileCached compiles source, reusing the cached Program when the
// same source was compiled before.
func (rt *Runtime) CompileCached(name, source string) (*Program, error) {
	prog, err := Compile(name, source)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cached, ok := rt.cache[prog.Hash]; ok && cached.Name == name {
		return cached, nil
	}
	rt.cache[prog.Hash] = prog
	return prog, nil
}

// AddBot compiles a bot's scripts, verifies every instruction resolves
// to a handler, and registers the bot on the exchange.
func (rt *Runtime) AddBot(cfg parley.BotConfig, sources map[string]string) (*Bot, error) {
	bot := &Bot{
		Name:     cfg.Name,
		Config:   cfg,
		programs: make(map[string]*Program, len(sources)),
		webhooks: make(map[string]*Program),
		globals:  parley.NewScope(nil),
	}
	bot.globals.SeedParams(cfg.Config)

	for name, source := range sources {
		prog, err := rt.CompileCached(name, source)
		if err != nil {
			return nil, err
		}
		if err := rt.reg.Verify(prog); err != nil {
			return nil, err
		}
		bot.programs[name] = prog
		for _, endpoint := range prog.Webhooks {
			if existing, ok := bot.webhooks[endpoint]; ok {
				return nil, &CompileError{
					Script:  name,
					Message: fmt.Sprintf("webhook endpoint %q already registered by %s", endpoint, existing.Name),
				}
			}
			bot.webhooks[endpoint] = prog
		}
	}
	if _, ok := bot.Main(); !ok && len(sources) > 0 {
		slog.Warn("bot has no main script", "bot", cfg.Name, "main", cfg.Main)
	}

	rt.mu.Lock()
	rt.bots[cfg.Name] = bot
	rt.mu.Unlock()
	rt.exchange.Register(&botAgent{rt: rt, bot: bot})
	slog.Info("bot added", "bot", cfg.Name, "scripts", len(sources))
	return bot, nil
}

// Bot returns a hosted bot by name.
func (rt *Runtime) Bot(name string) (*Bot, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b, ok := rt.bots[name]
	return b, ok
}

// Schedules lists every SET SCHEDULE registration for a bot.
func (rt *Runtime) Schedules(botID string) []ScheduleSpec {
	bot, ok := rt.Bot(botID)
	if !ok {
		return nil
	}
	var specs []ScheduleSpec
	for name, prog := range bot.programs {
		for _, expr := range prog.Schedules {
			specs = append(specs, ScheduleSpec{Script: name, Expr: expr})
		}
	}
	return specs
}

// WebhookSpec is one WEBHOOK registration: the endpoint name and the
// script declaring it.
type WebhookSpec struct {
	Endpoint string
	Script   string
}

// WebhookEndpoints lists a bot's registered webhook endpoints.
func (rt *Runtime) WebhookEndpoints(botID string) []WebhookSpec {
	bot, ok := rt.Bot(botID)
	if !ok {
		return nil
	}
	specs := make([]WebhookSpec, 0, len(bot.webhooks))
	for name, prog := range bot.webhooks {
		specs = append(specs, WebhookSpec{Endpoint: name, Script: prog.Name})
	}
	return specs
}

func sessionKey(botID, userID string) string {
	return botID + "\x00" + userID
}

// Session returns the live session for a bot/user pair, if any.
func (rt *Runtime) Session(botID, userID string) (*parley.Session, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.sessions[sessionKey(botID, userID)]
	return s, ok
}

// Sessions returns a snapshot of all live sessions, the sampling
// source for the reflector loop.
func (rt *Runtime) Sessions() []*parley.Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*parley.Session, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		out = append(out, s)
	}
	return out
}

// HandleTurn is the live-turn trigger. A turn either resumes an
// instance parked at HEAR, or starts the bot's main script on the
// session scope. A turn arriving while an instance is mid-run and not
// hearing is dropped with a log line.
func (rt *Runtime) HandleTurn(ctx context.Context, botID, userID, text string, out parley.OutputFunc) error {
	bot, ok := rt.Bot(botID)
	if !ok {
		return parley.ErrAgentNotFound
	}
	key := sessionKey(botID, userID)

	rt.mu.Lock()
	sess := rt.sessions[key]
	if sess == nil || sess.Ended() {
		sess = parley.NewSession(botID, userID, bot.globals, out)
		rt.sessions[key] = sess
	}
	busy := rt.busy[key]
	rt.mu.Unlock()

	if busy {
		if sess.TryDeliver(text) {
			return nil
		}
		slog.Warn("turn dropped, instance busy", "bot", botID, "user", userID)
		return nil
	}

	prog, ok := bot.Main()
	if !ok {
		return fmt.Errorf("bot %q has no script %q", botID, bot.Config.Main)
	}
	sess.RecordUser(text)
	sess.Scope.Set("input", parley.S(text))

	rt.mu.Lock()
	rt.busy[key] = true
	rt.mu.Unlock()

	go rt.runTurnInstance(key, bot, sess, prog)
	return nil
}

// runTurnInstance runs one live-turn instance, following handoffs to
// co-hosted bots until the chain settles.
func (rt *Runtime) runTurnInstance(key string, bot *Bot, sess *parley.Session, prog *Program) {
	defer func() {
		rt.mu.Lock()
		delete(rt.busy, key)
		rt.mu.Unlock()
	}()

	for {
		ex := NewExecution(rt, prog, sess.Scope)
		ex.Session = sess
		ex.BotID = bot.Name
		ex.UserID = sess.UserID

		_, err := ex.Run(context.Background())
		switch {
		case err == nil:
			return
		case errors.Is(err, parley.ErrSessionEnded):
			rt.mu.Lock()
			delete(rt.sessions, key)
			rt.mu.Unlock()
			return
		case errors.Is(err, parley.ErrHandoff):
			target, ok := rt.Bot(sess.ActiveBot())
			if !ok {
				slog.Warn("handoff to unknown bot", "target", sess.ActiveBot(), "from", bot.Name)
				return
			}
			next, ok := target.Main()
			if !ok {
				slog.Warn("handoff target has no main script", "target", target.Name)
				return
			}
			slog.Info("conversation handed off", "from", bot.Name, "to", target.Name)
			bot, prog = target, next
		default:
			slog.Error("script instance failed", "bot", bot.Name, "script", prog.Name, "error", err)
			return
		}
	}
}

// RunJob is the schedule trigger: a fresh scope seeded only with
// config globals, no session state.
func (rt *Runtime) RunJob(ctx context.Context, botID, script string) error {
	bot, ok := rt.Bot(botID)
	if !ok {
		return parley.ErrAgentNotFound
	}
	prog, ok := bot.Program(script)
	if !ok {
		return fmt.Errorf("bot %q has no script %q", botID, script)
	}
	ex := NewExecution(rt, prog, parley.NewScope(bot.globals))
	ex.BotID = botID
	ex.SetEmit(func(text string) {
		slog.Info("scheduled output", "bot", botID, "script", script, "text", text)
	})
	_, err := ex.Run(ctx)
	return err
}

// WebhookResponse is the HTTP response a webhook instance produced.
type WebhookResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Reserved variable prefix mapped into the webhook HTTP response.
const resultPrefix = "result_"

// RunWebhook is the webhook trigger. Query params, parsed body and
// headers are bound as three read-only collections; the response is
// built from the script's result variables.
func (rt *Runtime) RunWebhook(ctx context.Context, botID, endpoint string, params, body, headers parley.Value) (*WebhookResponse, error) {
	bot, ok := rt.Bot(botID)
	if !ok {
		return nil, parley.ErrAgentNotFound
	}
	prog, ok := bot.webhooks[endpoint]
	if !ok {
		return nil, fmt.Errorf("bot %q has no webhook %q", botID, endpoint)
	}

	scope := parley.NewScope(bot.globals)
	scope.Set("params", params)
	scope.Set("body", body)
	scope.Set("headers", headers)

	ex := NewExecution(rt, prog, scope)
	ex.BotID = botID
	ex.SetEmit(func(text string) {
		slog.Info("webhook output", "bot", botID, "endpoint", endpoint, "text", text)
	})
	if _, err := ex.Run(ctx); err != nil {
		return nil, err
	}
	return webhookResponse(scope)
}

// webhookResponse maps result variables to the HTTP response: a single
// "result" value becomes the body; otherwise result_status,
// result_header_* and remaining result_* variables are assembled.
// With neither form the response is 200 {"status":"ok"}.
func webhookResponse(scope *parley.Scope) (*WebhookResponse, error) {
	resp := &WebhookResponse{Status: http.StatusOK, Headers: map[string]string{}}

	if scope.Has("result") {
		raw, err := scope.Get("result").JSON()
		if err != nil {
			return nil, fmt.Errorf("encode webhook result: %w", err)
		}
		resp.Body = raw
		return resp, nil
	}

	bodyFields := map[string]parley.Value{}
	for _, name := range scope.Names() {
		if !strings.HasPrefix(name, resultPrefix) {
			continue
		}
		rest := name[len(resultPrefix):]
		switch {
		case rest == "status":
			if code := scope.Get(name).Int(); code >= 100 && code < 600 {
				resp.Status = code
			}
		case strings.HasPrefix(rest, "header_"):
			resp.Headers[rest[len("header_"):]] = scope.Get(name).Text()
		default:
			bodyFields[rest] = scope.Get(name)
		}
	}
	if len(bodyFields) == 0 {
		resp.Body = []byte(`{"status":"ok"}`)
		return resp, nil
	}
	data, err := json.Marshal(parley.M(bodyFields))
	if err != nil {
		return nil, fmt.Errorf("encode webhook result: %w", err)
	}
	resp.Body = data
	return resp, nil
}

// CallTool is the tool-call trigger: the orchestrator invokes a script
// by name with arguments validated against its declared signature.
func (rt *Runtime) CallTool(ctx context.Context, botID, tool string, args map[string]parley.Value) (parley.Value, error) {
	bot, ok := rt.Bot(botID)
	if !ok {
		return parley.Null, parley.ErrAgentNotFound
	}
	prog, ok := bot.Program(tool)
	if !ok || prog.Tool == nil {
		return parley.Null, fmt.Errorf("bot %q has no tool %q", botID, tool)
	}
	bound, err := prog.Tool.ValidateArgs(args)
	if err != nil {
		return parley.Null, &RuntimeError{Script: tool, Op: "TOOL CALL", Err: err}
	}

	scope := parley.NewScope(bot.globals)
	for name, v := range bound {
		scope.Set(name, v)
	}
	ex := NewExecution(rt, prog, scope)
	ex.BotID = botID
	ex.SetEmit(func(text string) {
		slog.Info("tool output", "bot", botID, "tool", tool, "text", text)
	})
	result, err := ex.Run(ctx)
	if err != nil {
		return parley.Null, err
	}
	if result.IsNull() && scope.Has("result") {
		result = scope.Get("result")
	}
	return result, nil
}

// ToolSchemas exports every declared tool of a bot as function
// schemas for the LLM orchestrator.
func (rt *Runtime) ToolSchemas(botID string) []map[string]any {
	bot, ok := rt.Bot(botID)
	if !ok {
		return nil
	}
	var schemas []map[string]any
	for _, prog := range bot.programs {
		if prog.Tool != nil {
			schemas = append(schemas, prog.Tool.Schema())
		}
	}
	return schemas
}

// botAgent adapts a hosted bot to the exchange's Agent interface.
// Request-like envelopes run the bot's main script on a fresh scope;
// everything else queues in the inbox for GET A2A MESSAGES.
type botAgent struct {
	rt  *Runtime
	bot *Bot
}

func (a *botAgent) Name() string { return a.bot.Name }

func (a *botAgent) Receive(ctx context.Context, env parley.Envelope) (parley.Value, error) {
	switch env.Type {
	case parley.TypeRequest, parley.TypeDelegate, parley.TypeCollaborate:
	default:
		return parley.Null, parley.ErrNoHandler
	}
	prog, ok := a.bot.Main()
	if !ok {
		return parley.Null, parley.ErrNoHandler
	}

	scope := parley.NewScope(a.bot.globals)
	scope.Set("message", env.Payload)
	scope.Set("from", parley.S(env.From))

	ex := NewExecution(a.rt, prog, scope)
	ex.BotID = a.bot.Name
	ex.UserID = "agent:" + env.From
	ex.Hop = env.HopCount

	result, err := ex.Run(ctx)
	if err != nil {
		return parley.Null, err
	}
	// Scripts may RETURN the reply or set a reply variable.
	if result.IsNull() && scope.Has("reply") {
		result = scope.Get("reply")
	}
	return result, nil
}
