package parley

import (
	"context"
	"sync"
)

// Future represents an asynchronous result a script instance can park
// on. Parking is cooperative: the waiting goroutine blocks on the done
// channel under its own context, so unrelated instances are unaffected.
type Future struct {
	result    Value
	err       error
	completed bool
	done      chan struct{}
	mu        sync.RWMutex
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future. The first call wins; later calls are
// ignored so an envelope can never resolve a wait twice.
func (f *Future) Complete(v Value, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return
	}
	f.result = v
	f.err = err
	f.completed = true
	close(f.done)
}

// Await waits for the future to complete and returns the result.
func (f *Future) Await(ctx context.Context) (Value, error) {
	select {
	case <-ctx.Done():
		return Null, ctx.Err()
	case <-f.done:
		f.mu.RLock()
		defer f.mu.RUnlock()
		return f.result, f.err
	}
}

// Done returns true if the future has completed.
func (f *Future) Done() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.completed
}

// Result returns the result if completed, or ErrNotCompleted if not.
func (f *Future) Result() (Value, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.completed {
		return Null, ErrNotCompleted
	}
	return f.result, f.err
}
