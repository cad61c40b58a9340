// Package tasks provides the completion path shared by upstream calls and
// simulated pipelines: cancellable futures, and a tracker that keeps
// superseded completions from touching shared state.
package tasks

import (
	"context"
	"sync"
)

// Future is the eventual result of work started with Go.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    T
	err    error
}

// Go runs fn in its own goroutine with a context derived from ctx.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel()
		f.val, f.err = fn(ctx)
		if f.err == nil && ctx.Err() != nil {
			f.err = ctx.Err()
		}
	}()
	return f
}

// Done is closed once the work has returned.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Cancel cancels the work's context. It does not wait for the work to return.
func (f *Future[T]) Cancel() { f.cancel() }

// Await blocks until the work returns or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Ticket identifies one outstanding completion for a key.
type Ticket struct {
	Key string
	gen uint64
}

// Tracker hands out per-key generations so that only the most recent
// completion for a key is applied. Keys lock independently: a slow Commit
// only holds up Begin, Commit and Invalidate on its own key.
type Tracker struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	mu  sync.Mutex
	gen uint64
}

func NewTracker() *Tracker {
	return &Tracker{keys: make(map[string]*keyState)}
}

func (t *Tracker) state(key string, create bool) *keyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ks, ok := t.keys[key]
	if !ok && create {
		ks = &keyState{}
		t.keys[key] = ks
	}
	return ks
}

// Begin supersedes every outstanding ticket for key and returns a new one.
func (t *Tracker) Begin(key string) Ticket {
	ks := t.state(key, true)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.gen++
	return Ticket{Key: key, gen: ks.gen}
}

// Current reports whether tk is still the latest ticket for its key.
func (t *Tracker) Current(tk Ticket) bool {
	ks := t.state(tk.Key, false)
	if ks == nil {
		return false
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.gen == tk.gen
}

// Commit runs apply if tk is still current, holding the key's lock so a
// concurrent Begin or Invalidate on the same key cannot interleave. apply
// must not call back into the tracker for the same key. Commit reports
// whether apply ran.
func (t *Tracker) Commit(tk Ticket, apply func()) bool {
	ks := t.state(tk.Key, false)
	if ks == nil {
		return false
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.gen != tk.gen {
		return false
	}
	apply()
	return true
}

// Invalidate supersedes every outstanding ticket for key without issuing a
// new one. It waits for a Commit in progress on key, so once it returns no
// ticket issued before the call can apply.
func (t *Tracker) Invalidate(key string) {
	ks := t.state(key, false)
	if ks == nil {
		return
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.gen++
}

// Forget drops key. Tickets issued for it before the call never commit.
// Keys must not be reused after Forget.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	ks, ok := t.keys[key]
	delete(t.keys, key)
	t.mu.Unlock()
	if ok {
		ks.mu.Lock()
		ks.gen++
		ks.mu.Unlock()
	}
}

// Len returns the number of keys tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}
