package modelmap

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL bounds how stale a served map can be.
	DefaultTTL = 60 * time.Second
	// RetryBackoff spaces refresh attempts while the source is failing.
	// It never exceeds the TTL.
	RetryBackoff = 5 * time.Second
)

type snapshot struct {
	m         Map
	fetchedAt time.Time
	expiresAt time.Time
}

// Lookup caches the model map and refetches it once the TTL has elapsed.
//
// Readers never lock. Concurrent refreshers may both fetch; the last
// successful store wins. When a refresh fails and a previous map exists it
// keeps being served, and the next attempt waits RetryBackoff.
type Lookup struct {
	src Source
	ttl time.Duration
	now func() time.Time
	cur atomic.Pointer[snapshot]

	// OnRefresh, if set, observes every fetch attempt.
	OnRefresh func(err error)
}

// NewLookup returns a Lookup over src. A non-positive ttl uses DefaultTTL.
func NewLookup(src Source, ttl time.Duration) *Lookup {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lookup{src: src, ttl: ttl, now: time.Now}
}

// Resolve maps role to its ModelConfig, falling back to _default.
func (l *Lookup) Resolve(ctx context.Context, role string) (ModelConfig, error) {
	m, err := l.Current(ctx)
	if err != nil {
		return ModelConfig{}, err
	}
	return m.Resolve(role)
}

// Current returns the cached map, refreshing it when expired.
func (l *Lookup) Current(ctx context.Context) (Map, error) {
	snap := l.cur.Load()
	if snap != nil && l.now().Before(snap.expiresAt) {
		return snap.m, nil
	}

	m, err := l.fetch(ctx)
	if l.OnRefresh != nil {
		l.OnRefresh(err)
	}
	if err != nil {
		if snap != nil {
			slog.WarnContext(ctx, "model_map_refresh_failed",
				slog.String("error", err.Error()),
				slog.Time("serving_since", snap.fetchedAt),
			)
			l.cur.Store(&snapshot{
				m:         snap.m,
				fetchedAt: snap.fetchedAt,
				expiresAt: l.now().Add(min(RetryBackoff, l.ttl)),
			})
			return snap.m, nil
		}
		return nil, err
	}

	now := l.now()
	l.cur.Store(&snapshot{m: m, fetchedAt: now, expiresAt: now.Add(l.ttl)})
	return m, nil
}

func (l *Lookup) fetch(ctx context.Context) (Map, error) {
	data, err := l.src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data, l.src.Format())
	if err != nil {
		return nil, fmt.Errorf("modelmap: refresh: %w", err)
	}
	return m, nil
}
