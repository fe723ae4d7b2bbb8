package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/metrics"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// KeyFunc returns the API key used to probe provider.
type KeyFunc func(ctx context.Context, provider string) (string, error)

// Probe checks one dependency; nil means healthy.
type Probe func(ctx context.Context) error

type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker probes providers and dependencies in the background and
// serves the latest results. Provider failures degrade health; dependency
// failures (model map, store) also fail readiness.
type HealthChecker struct {
	providers map[string]providers.Provider
	keyFor    KeyFunc
	deps      map[string]Probe
	baseCtx   context.Context
	metrics   *metrics.Registry
	log       *slog.Logger

	providerStatuses map[string]*componentStatus
	depStatuses      map[string]*componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker runs a first probe synchronously and then keeps probing
// every 30 seconds until Close.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.Provider,
	keyFor KeyFunc,
	deps map[string]Probe,
	met *metrics.Registry,
	log *slog.Logger,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	hc := &HealthChecker{
		providers:        provs,
		keyFor:           keyFor,
		deps:             deps,
		baseCtx:          ctx,
		metrics:          met,
		log:              log,
		providerStatuses: make(map[string]*componentStatus, len(provs)),
		depStatuses:      make(map[string]*componentStatus, len(deps)),
		startTime:        time.Now(),
		done:             make(chan struct{}),
	}

	for name := range provs {
		hc.providerStatuses[name] = &componentStatus{}
	}
	for name := range deps {
		hc.depStatuses[name] = &componentStatus{}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Dependencies  map[string]string `json:"dependencies"`
}

func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	deps := make(map[string]string, len(hc.depStatuses))
	for name, s := range hc.depStatuses {
		st := s.get()
		deps[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Dependencies:  deps,
	}
}

// ReadinessOK is true when every dependency answered its last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	for _, s := range hc.depStatuses {
		if s.get() != "ok" {
			return false
		}
	}
	return true
}

func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, prov := range hc.providers {
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := hc.probeProvider(ctx, name, prov)
			if err != nil {
				hc.log.DebugContext(ctx, "provider_probe_failed",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				s.set("degraded")
			} else {
				s.set("ok")
			}
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(name, err == nil)
			}
		}()
	}

	for name, check := range hc.deps {
		s := hc.depStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := check(ctx); err != nil {
				hc.log.WarnContext(ctx, "dependency_probe_failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				s.set("down")
				return
			}
			s.set("ok")
		}()
	}

	wg.Wait()
}

func (hc *HealthChecker) probeProvider(ctx context.Context, name string, prov providers.Provider) error {
	key := ""
	if hc.keyFor != nil {
		k, err := hc.keyFor(ctx, name)
		if err != nil {
			return err
		}
		key = k
	}
	return prov.HealthCheck(ctx, key)
}
