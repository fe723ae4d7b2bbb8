package proxy

import (
	"sync"
	"time"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
)

// cbState is the state of one provider's breaker.
//
//	cbClosed   normal operation; requests pass.
//	cbOpen     the provider is failing; requests fail fast.
//	cbHalfOpen one probe request is let through to test recovery.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the defaults in internal/providers.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before one probe
	// request is allowed.
	HalfOpenTimeout time.Duration
}

func (c CBConfig) withDefaults() CBConfig {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = providers.CBErrorThreshold
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = providers.CBTimeWindow
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = providers.CBHalfOpenTimeout
	}
	return c
}

type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker keeps one breaker per provider name, created on first use.
// An open breaker makes the gateway answer 502 at once; there is no retry
// and no failover to another provider.
type CircuitBreaker struct {
	breakers sync.Map // provider name -> *providerCB
	cfg      CBConfig
	now      func() time.Time
}

func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Allow reports whether provider may receive the next request.
//
//   - Closed: always.
//   - Open: no, until HalfOpenTimeout has passed; then the breaker moves to
//     half-open and this caller becomes the probe.
//   - HalfOpen: only if no probe is in flight.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbOpen:
		if cb.now().Sub(pcb.openedAt) >= cb.cfg.HalfOpenTimeout {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = cb.now()
}

// RecordFailure counts a failure. A failed half-open probe reopens the
// breaker immediately.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := cb.now()

	if pcb.state == cbHalfOpen {
		pcb.state = cbOpen
		pcb.openedAt = now
		pcb.probeInflight = false
		return
	}

	if now.Sub(pcb.windowStart) > cb.cfg.TimeWindow {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	if pcb.errorCount >= cb.cfg.ErrorThreshold {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// Release gives back a half-open probe slot when the request ended without
// a verdict on the provider (for example a caller-side validation error).
func (cb *CircuitBreaker) Release(provider string) {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	pcb.probeInflight = false
	pcb.mu.Unlock()
}

func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	if v, ok := cb.breakers.Load(provider); ok {
		return v.(*providerCB)
	}
	v, _ := cb.breakers.LoadOrStore(provider, &providerCB{windowStart: cb.now()})
	return v.(*providerCB)
}
