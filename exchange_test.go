package parley

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcAgent adapts a function to the Agent interface for tests.
type funcAgent struct {
	name string
	fn   func(ctx context.Context, env Envelope) (Value, error)
}

func (a funcAgent) Name() string { return a.name }
func (a funcAgent) Receive(ctx context.Context, env Envelope) (Value, error) {
	return a.fn(ctx, env)
}

func echoAgent(name string) Agent {
	return funcAgent{name: name, fn: func(_ context.Context, env Envelope) (Value, error) {
		return S("echo:" + env.Payload.Text()), nil
	}}
}

func TestDelegateRoundTrip(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())
	x.Register(echoAgent("support"))

	result, state, err := x.Delegate(context.Background(), "sess-1", "main", "support", S("ping"), 0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DelegationResolved, state)
	assert.Equal(t, "echo:ping", result.Text())
}

func TestDelegateTimeout(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())
	x.Register(funcAgent{name: "slow", fn: func(ctx context.Context, _ Envelope) (Value, error) {
		<-ctx.Done()
		return Null, ctx.Err()
	}})

	result, state, err := x.Delegate(context.Background(), "sess-1", "main", "slow", S("ping"), 0, 50*time.Millisecond)
	require.NoError(t, err, "timeout is a script value, not an error")
	assert.Equal(t, DelegationTimedOut, state)
	assert.Equal(t, TimeoutValue, result)
}

func TestDelegateHopLimit(t *testing.T) {
	cfg := DefaultA2AConfig()
	cfg.MaxHops = 2
	x := NewExchange(cfg)

	delivered := false
	x.Register(funcAgent{name: "far", fn: func(_ context.Context, _ Envelope) (Value, error) {
		delivered = true
		return Null, nil
	}})

	// Parent already at the ceiling: reject before routing.
	result, state, err := x.Delegate(context.Background(), "sess-1", "main", "far", S("x"), 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, DelegationRejected, state)
	assert.Equal(t, RejectedValue, result)
	assert.False(t, delivered, "envelope must not be routed past the hop ceiling")
}

func TestDelegateUnknownAgent(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())
	_, _, err := x.Delegate(context.Background(), "sess-1", "main", "ghost", S("x"), 0, time.Second)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestDelegateDisabled(t *testing.T) {
	cfg := DefaultA2AConfig()
	cfg.Enabled = false
	x := NewExchange(cfg)
	_, _, err := x.Delegate(context.Background(), "sess-1", "main", "anyone", S("x"), 0, time.Second)
	assert.ErrorIs(t, err, ErrA2ADisabled)
}

func TestConcurrentDelegationsKeepCorrelation(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())
	x.Register(funcAgent{name: "worker", fn: func(_ context.Context, env Envelope) (Value, error) {
		// Stagger replies so interleaving would surface crosstalk.
		time.Sleep(time.Duration(env.Payload.Int()%7) * time.Millisecond)
		return env.Payload, nil
	}})

	const n = 40
	var wg sync.WaitGroup
	errs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := N(float64(i))
			got, state, err := x.Delegate(context.Background(), "sess-1", "main", "worker", want, 0, 5*time.Second)
			if err != nil || state != DelegationResolved || !got.Equal(want) {
				errs[i] = fmt.Sprintf("delegate %d: got %q state %v err %v", i, got.Text(), state, err)
			}
		}(i)
	}
	wg.Wait()
	for _, e := range errs {
		if e != "" {
			t.Error(e)
		}
	}
}

func TestErrorReplyResolvesWait(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())
	x.Register(funcAgent{name: "broken", fn: func(_ context.Context, _ Envelope) (Value, error) {
		return Null, fmt.Errorf("db unreachable")
	}})

	result, state, err := x.Delegate(context.Background(), "sess-1", "main", "broken", S("x"), 0, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DelegationResolved, state)
	assert.Equal(t, "db unreachable", result.Index(S("error")).Text())
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())

	var mu sync.Mutex
	got := map[string]string{}
	receiver := func(name string) Agent {
		return funcAgent{name: name, fn: func(_ context.Context, env Envelope) (Value, error) {
			mu.Lock()
			got[name] = env.Payload.Text()
			mu.Unlock()
			return Null, nil
		}}
	}
	x.Register(receiver("a"))
	x.Register(receiver("c"))
	// "b" is not registered and there is no remote transport.

	ids := x.Broadcast(context.Background(), "sess-1", "main", []string{"a", "b", "c"}, S("hello"))
	assert.Len(t, ids, 2, "only routable targets yield envelope IDs")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["a"] == "hello" && got["c"] == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboxQueuesUnhandled(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())
	x.Register(funcAgent{name: "passive", fn: func(_ context.Context, _ Envelope) (Value, error) {
		return Null, ErrNoHandler
	}})

	_, err := x.Send(context.Background(), "sess-1", "main", "passive", TypeBroadcast, S("news"), 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		x.mu.Lock()
		defer x.mu.Unlock()
		return len(x.inboxes["passive"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	box := x.Inbox("passive")
	require.Len(t, box, 1)
	assert.Equal(t, "news", box[0].Payload.Text())
	assert.Empty(t, x.Inbox("passive"), "drain consumes exactly once")
}

func TestInboxCapDropsOverflow(t *testing.T) {
	cfg := DefaultA2AConfig()
	cfg.QueueSize = 2
	x := NewExchange(cfg)

	for i := 0; i < 5; i++ {
		x.enqueue("passive", NewEnvelope("main", "passive", TypeBroadcast, N(float64(i))))
	}
	assert.Len(t, x.Inbox("passive"), 2)
}

func TestWaitForClaimsEarlyResponse(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())
	x.Register(echoAgent("helper"))

	env, err := x.Send(context.Background(), "sess-1", "main", "helper", TypeRequest, S("task"), 0)
	require.NoError(t, err)

	// Let the response land in the pending map before anyone waits.
	assert.Eventually(t, func() bool {
		x.mu.Lock()
		defer x.mu.Unlock()
		_, ok := x.pending[env.CorrelationID]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	result, err := x.WaitFor(context.Background(), env.CorrelationID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:task", result.Text())
}

func TestWaitForTimeout(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())
	result, err := x.WaitFor(context.Background(), "no-such-correlation", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimeoutValue, result)
}

func TestCollaboratePayload(t *testing.T) {
	x := NewExchange(DefaultA2AConfig())

	var mu sync.Mutex
	var seen Envelope
	x.Register(funcAgent{name: "peer", fn: func(_ context.Context, env Envelope) (Value, error) {
		mu.Lock()
		seen = env
		mu.Unlock()
		return S("ok"), nil
	}})

	ids := x.Collaborate(context.Background(), "sess-1", "main", []string{"peer"}, "summarize Q3")
	require.Len(t, ids, 1)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen.ID != ""
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TypeCollaborate, seen.Type)
	assert.Equal(t, "summarize Q3", seen.Payload.Index(S("task")).Text())
	assert.Equal(t, 1, seen.Payload.Index(S("collaborators")).Len())
}

func TestEnvelopeLogHook(t *testing.T) {
	var mu sync.Mutex
	var logged []Envelope
	x := NewExchange(DefaultA2AConfig(), WithEnvelopeLog(func(env Envelope) {
		mu.Lock()
		logged = append(logged, env)
		mu.Unlock()
	}))
	x.Register(echoAgent("a"))

	_, _, err := x.Delegate(context.Background(), "sess-1", "main", "a", S("x"), 0, 2*time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	// The delegate and its response both pass through the hook.
	require.GreaterOrEqual(t, len(logged), 2)
	assert.Equal(t, logged[0].CorrelationID, logged[1].CorrelationID)
	assert.Equal(t, logged[0].HopCount+1, logged[1].HopCount)
}
