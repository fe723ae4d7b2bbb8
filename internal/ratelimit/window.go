// Package ratelimit admits requests per identity over a trailing one-minute
// window. Window keeps state in process; RedisWindow shares it across
// replicas through a Lua sliding window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Period is the length of the trailing window.
const Period = time.Minute

// Limiter decides whether one more request from identity fits under
// limitPerMinute. A limit of zero or less disables limiting.
type Limiter interface {
	Admit(ctx context.Context, identity string, limitPerMinute int) (bool, error)
}

type entry struct {
	mu    sync.Mutex
	times []time.Time // ascending
	last  time.Time
	dead  bool // evicted; callers must reload
}

// prune drops timestamps older than cutoff. Caller holds mu.
func (e *entry) prune(cutoff time.Time) {
	i := 0
	for i < len(e.times) && !e.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.times = append(e.times[:0], e.times[i:]...)
	}
}

// Window is an in-memory sliding window limiter. Each identity has its own
// lock so unrelated callers never contend.
type Window struct {
	entries sync.Map // identity -> *entry
	now     func() time.Time
}

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// NewWindow returns an empty in-memory limiter.
func NewWindow(opts ...Option) *Window {
	w := &Window{now: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Admit checks and records atomically for identity.
func (w *Window) Admit(_ context.Context, identity string, limitPerMinute int) (bool, error) {
	if limitPerMinute <= 0 {
		return true, nil
	}

	e := w.lock(identity)
	defer e.mu.Unlock()

	now := w.now()

	e.prune(now.Add(-Period))
	e.last = now
	if len(e.times) >= limitPerMinute {
		return false, nil
	}
	e.times = append(e.times, now)
	return true, nil
}

// lock returns the live entry for identity with its mutex held.
func (w *Window) lock(identity string) *entry {
	for {
		v, _ := w.entries.LoadOrStore(identity, &entry{})
		e := v.(*entry)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// Len reports how many identities currently hold state.
func (w *Window) Len() int {
	n := 0
	w.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep evicts identities with no activity inside the window.
func (w *Window) Sweep() int {
	cutoff := w.now().Add(-Period)
	evicted := 0
	w.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		idle := !e.last.After(cutoff)
		if idle {
			e.dead = true
			w.entries.Delete(k)
			evicted++
		}
		e.mu.Unlock()
		return true
	})
	return evicted
}

// RunJanitor sweeps idle identities every interval until ctx is done.
func (w *Window) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = Period
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Sweep()
		}
	}
}
