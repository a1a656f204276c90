package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Agent is one addressable runtime endpoint capable of receiving
// envelopes. Receive processes an inbound envelope and returns the
// reply payload for request-like messages; agents without a wired
// handler return ErrNoHandler and the envelope is queued for polling.
type Agent interface {
	Name() string
	Receive(ctx context.Context, env Envelope) (Value, error)
}

// Router delivers envelopes to agents. The in-process exchange and
// the remote HTTP transport implement the same interface, so calling
// scripts cannot observe which path an envelope took.
type Router interface {
	Route(ctx context.Context, env Envelope) error
}

// DelegationState tracks one delegation through its lifecycle.
type DelegationState int

const (
	DelegationCreated DelegationState = iota
	DelegationInFlight
	DelegationResolved
	DelegationTimedOut
	DelegationRejected
)

func (s DelegationState) String() string {
	switch s {
	case DelegationInFlight:
		return "in-flight"
	case DelegationResolved:
		return "resolved"
	case DelegationTimedOut:
		return "timed-out"
	case DelegationRejected:
		return "rejected"
	default:
		return "created"
	}
}

// Script-visible outcomes for failed delegations. Returned as ordinary
// values so scripts can branch on them; a delegation failure is never
// an abort.
var (
	TimeoutValue  = S("TIMEOUT")
	RejectedValue = S("REJECTED")
)

type delegationWait struct {
	fut     *Future
	state   DelegationState
	created time.Time
}

// ExchangeOption configures an Exchange.
type ExchangeOption func(*Exchange)

// WithRemoteRouter sets the transport used for agents not registered
// in this process.
func WithRemoteRouter(r Router) ExchangeOption {
	return func(x *Exchange) { x.remote = r }
}

// WithEnvelopeLog sets a hook called for every routed envelope, used
// by the serve store to persist traffic.
func WithEnvelopeLog(fn func(Envelope)) ExchangeOption {
	return func(x *Exchange) { x.record = fn }
}

// Exchange is the in-process agent registry and envelope router. It
// owns the delegation waits: each correlation ID resolves at most one
// waiter, and waits are garbage-collected on resolution or expiry.
type Exchange struct {
	cfg    A2AConfig
	remote Router
	record func(Envelope)

	mu      sync.Mutex
	agents  map[string]Agent
	waits   map[string]*delegationWait
	inboxes map[string][]Envelope
	pending map[string]Envelope // responses that arrived before their wait
}

// NewExchange creates an exchange with the given messaging config.
func NewExchange(cfg A2AConfig, opts ...ExchangeOption) *Exchange {
	x := &Exchange{
		cfg:     cfg,
		agents:  make(map[string]Agent),
		waits:   make(map[string]*delegationWait),
		inboxes: make(map[string][]Envelope),
		pending: make(map[string]Envelope),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Config returns the exchange's messaging configuration.
func (x *Exchange) Config() A2AConfig { return x.cfg }

// Register adds an agent endpoint. A later registration under the
// same name replaces the earlier one.
func (x *Exchange) Register(a Agent) {
	x.mu.Lock()
	x.agents[a.Name()] = a
	x.mu.Unlock()
}

// Unregister removes an agent endpoint and drops its inbox.
func (x *Exchange) Unregister(name string) {
	x.mu.Lock()
	delete(x.agents, name)
	delete(x.inboxes, name)
	x.mu.Unlock()
}

// Lookup returns a registered agent by name.
func (x *Exchange) Lookup(name string) (Agent, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	a, ok := x.agents[name]
	return a, ok
}

// Route delivers an envelope: responses resolve their correlated wait,
// everything else is dispatched to the target agent, in process when
// it is registered here, over the remote transport otherwise.
func (x *Exchange) Route(ctx context.Context, env Envelope) error {
	if !x.cfg.Enabled {
		return ErrA2ADisabled
	}
	if x.record != nil {
		x.record(env)
	}

	if env.Type == TypeResponse || env.Type == TypeError {
		x.resolveWait(env)
		return nil
	}

	x.mu.Lock()
	agent, ok := x.agents[env.To]
	x.mu.Unlock()
	if ok {
		go x.deliver(agent, env)
		return nil
	}
	if x.remote != nil {
		return x.routeRemote(ctx, env)
	}
	return fmt.Errorf("route %s to %q: %w", env.Type, env.To, ErrAgentNotFound)
}

// deliver runs an agent's handler for one envelope and routes the
// reply. A handler failure becomes an error envelope; it never
// propagates to other deliveries.
func (x *Exchange) deliver(agent Agent, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), x.cfg.Timeout)
	defer cancel()

	result, err := agent.Receive(ctx, env)
	switch {
	case errors.Is(err, ErrNoHandler):
		x.enqueue(agent.Name(), env)
	case err != nil:
		slog.Warn("a2a delivery failed", "to", agent.Name(), "type", string(env.Type), "error", err)
		if wantsResponse(env.Type) {
			if rerr := x.Route(ctx, env.ErrorResponse(agent.Name(), err.Error())); rerr != nil {
				slog.Warn("a2a error reply not routable", "to", env.From, "error", rerr)
			}
		}
	case wantsResponse(env.Type):
		if rerr := x.Route(ctx, env.Response(agent.Name(), result)); rerr != nil {
			slog.Warn("a2a reply not routable", "to", env.From, "error", rerr)
		}
	}
}

func wantsResponse(t MessageType) bool {
	return t == TypeRequest || t == TypeDelegate || t == TypeCollaborate
}

// routeRemote pushes an envelope over the remote transport, retrying
// transport failures with exponential backoff. Retries reuse the
// envelope unchanged: same correlation ID, same hop count.
func (x *Exchange) routeRemote(ctx context.Context, env Envelope) error {
	op := func() error {
		return x.remote.Route(ctx, env)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(x.cfg.RetryCount)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("remote route to %q: %w", env.To, err)
	}
	return nil
}

func (x *Exchange) resolveWait(env Envelope) {
	x.mu.Lock()
	wait, ok := x.waits[env.CorrelationID]
	if ok {
		delete(x.waits, env.CorrelationID)
		wait.state = DelegationResolved
	} else {
		// Response arrived before its wait was registered. Park it so
		// a separate WAIT statement can still claim it; TTL expiry
		// garbage-collects unclaimed entries.
		for id, p := range x.pending {
			if p.Expired() {
				delete(x.pending, id)
			}
		}
		x.pending[env.CorrelationID] = env
	}
	x.mu.Unlock()
	if !ok {
		return
	}
	wait.fut.Complete(env.Payload, nil)
}

func (x *Exchange) enqueue(agent string, env Envelope) {
	x.mu.Lock()
	defer x.mu.Unlock()
	box := x.inboxes[agent]
	if len(box) >= x.cfg.QueueSize {
		slog.Warn("a2a inbox full, dropping envelope", "agent", agent, "from", env.From)
		return
	}
	x.inboxes[agent] = append(box, env)
}

// Inbox drains the queued envelopes for an agent, dropping any that
// expired while queued. Each envelope is consumed exactly once.
func (x *Exchange) Inbox(agent string) []Envelope {
	x.mu.Lock()
	box := x.inboxes[agent]
	delete(x.inboxes, agent)
	x.mu.Unlock()

	live := box[:0]
	for _, env := range box {
		if !env.Expired() {
			live = append(live, env)
		}
	}
	return live
}

// Send routes a fire-and-forget envelope and returns it so callers can
// later wait on its correlation ID.
func (x *Exchange) Send(ctx context.Context, sessionID, from, to string, typ MessageType, payload Value, hop int) (Envelope, error) {
	env := NewEnvelope(from, to, typ, payload)
	env.SessionID = sessionID
	env.HopCount = hop
	if err := x.Route(ctx, env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Delegate performs a point-to-point delegation. The hop count is the
// parent's plus one; exceeding the configured ceiling rejects the call
// before any routing attempt. When timeout is zero the configured
// default applies. The returned Value is always script-safe: the
// response payload, TimeoutValue, or RejectedValue.
func (x *Exchange) Delegate(ctx context.Context, sessionID, from, to string, payload Value, parentHop int, timeout time.Duration) (Value, DelegationState, error) {
	if !x.cfg.Enabled {
		return Null, DelegationCreated, ErrA2ADisabled
	}
	hop := parentHop + 1
	if hop > x.cfg.MaxHops {
		slog.Warn("delegation rejected at hop limit", "from", from, "to", to, "hop", hop, "max", x.cfg.MaxHops)
		return RejectedValue, DelegationRejected, nil
	}
	if timeout <= 0 {
		timeout = x.cfg.Timeout
	}

	env := NewEnvelope(from, to, TypeDelegate, payload)
	env.SessionID = sessionID
	env.HopCount = hop

	wait := &delegationWait{fut: NewFuture(), state: DelegationInFlight, created: time.Now()}
	x.mu.Lock()
	x.waits[env.CorrelationID] = wait
	x.mu.Unlock()

	if err := x.Route(ctx, env); err != nil {
		x.dropWait(env.CorrelationID)
		return Null, DelegationCreated, err
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := wait.fut.Await(wctx)
	if err != nil {
		x.dropWait(env.CorrelationID)
		if errors.Is(err, context.DeadlineExceeded) {
			wait.state = DelegationTimedOut
			return TimeoutValue, DelegationTimedOut, nil
		}
		return Null, DelegationInFlight, err
	}
	return result, DelegationResolved, nil
}

func (x *Exchange) dropWait(correlationID string) {
	x.mu.Lock()
	delete(x.waits, correlationID)
	x.mu.Unlock()
}

// Broadcast fans a payload to every named agent with no correlation
// tracking and no wait. One target's failure never affects the others.
func (x *Exchange) Broadcast(ctx context.Context, sessionID, from string, targets []string, payload Value) []string {
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		env := NewEnvelope(from, target, TypeBroadcast, payload)
		env.SessionID = sessionID
		if err := x.Route(ctx, env); err != nil {
			slog.Warn("broadcast delivery failed", "to", target, "error", err)
			continue
		}
		ids = append(ids, env.ID)
	}
	return ids
}

// Collaborate sends a collaborate envelope to each named agent,
// carrying the task and the full collaborator list.
func (x *Exchange) Collaborate(ctx context.Context, sessionID, from string, targets []string, task string) []string {
	payload := M(map[string]Value{
		"task":          S(task),
		"collaborators": Arr(stringValues(targets)...),
	})
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		env := NewEnvelope(from, target, TypeCollaborate, payload)
		env.SessionID = sessionID
		if err := x.Route(ctx, env); err != nil {
			slog.Warn("collaborate delivery failed", "to", target, "error", err)
			continue
		}
		ids = append(ids, env.ID)
	}
	return ids
}

// WaitFor blocks until a response envelope correlated to the given ID
// arrives, or the timeout elapses. Used by the explicit WAIT FOR BOT
// form where the send and the wait are separate script statements.
func (x *Exchange) WaitFor(ctx context.Context, correlationID string, timeout time.Duration) (Value, error) {
	if timeout <= 0 {
		timeout = x.cfg.Timeout
	}
	x.mu.Lock()
	if env, ok := x.pending[correlationID]; ok {
		delete(x.pending, correlationID)
		x.mu.Unlock()
		if !env.Expired() {
			return env.Payload, nil
		}
		return TimeoutValue, nil
	}
	wait := &delegationWait{fut: NewFuture(), state: DelegationInFlight, created: time.Now()}
	x.waits[correlationID] = wait
	x.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := wait.fut.Await(wctx)
	if err != nil {
		x.dropWait(correlationID)
		if errors.Is(err, context.DeadlineExceeded) {
			return TimeoutValue, nil
		}
		return Null, err
	}
	return result, nil
}

func stringValues(items []string) []Value {
	out := make([]Value, len(items))
	for i, s := range items {
		out[i] = S(s)
	}
	return out
}
