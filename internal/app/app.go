// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     (Redis when a component needs it, blob store)
//  2. initServices  (metrics, rate limiter, role policy, model map, secrets)
//  3. initAudit     (audit sinks and dispatcher)
//  4. initProviders (OpenAI and Anthropic clients)
//  5. initGateway   (proxy, health probes, HTTP server)
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/audit"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/config"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/metrics"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/modelmap"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/pii"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
	anthropicprov "github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers/anthropic"
	openaiprov "github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers/openai"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/proxy"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/ratelimit"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/roles"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/secrets"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

const shutdownTimeout = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connection; nil unless a component is Redis-backed.
	rdb *redis.Client

	blob    store.Blob
	prom    *metrics.Registry
	limiter ratelimit.Limiter
	window  *ratelimit.Window
	roles   *roles.Resolver
	models  *modelmap.Lookup
	keys    *secrets.Cache
	scrub   *pii.Scrubber
	auditor *audit.Dispatcher

	provs map[string]providers.Provider
	gw    *proxy.Gateway
	srv   *fasthttp.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"audit", a.initAudit},
		{"providers", a.initProviders},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Handler returns the gateway's routed handler.
func (a *App) Handler() fasthttp.RequestHandler {
	return a.srv.Handler
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. In-flight requests get shutdownTimeout to finish, after
// which the app is closed.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.StoreMode),
		slog.String("rate_limit_backend", a.cfg.RateLimit.Backend),
		slog.Int("rate_limit_qpm", a.cfg.RateLimit.QPM),
		slog.Any("audit_sinks", a.cfg.Audit.Sinks),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("app: serve %s: %w", addr, err)
		}
		return nil
	})

	if a.window != nil {
		g.Go(func() error {
			a.window.RunJanitor(gctx, ratelimit.Period)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Warn("server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.gw != nil {
			a.gw.Close()
		}
		if a.auditor != nil {
			if err := a.auditor.Close(); err != nil {
				a.log.Error("audit close error", slog.String("error", err.Error()))
			}
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisProbe reports Redis reachability for /readiness. Reuses the
// existing client.
func redisProbe(rdb *redis.Client) proxy.Probe {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// modelMapProbe fails when the map cannot be loaded or has no _default.
func modelMapProbe(l *modelmap.Lookup) proxy.Probe {
	return func(ctx context.Context) error {
		m, err := l.Current(ctx)
		if err != nil {
			return err
		}
		if !m.HasDefault() {
			return fmt.Errorf("model map has no %s entry", modelmap.DefaultKey)
		}
		return nil
	}
}

// buildProviders creates one client per supported provider. Keys are not
// bound here; the gateway resolves them per request.
func buildProviders(cfg *config.Config) map[string]providers.Provider {
	var oaOpts []openaiprov.Option
	if cfg.OpenAI.BaseURL != "" {
		oaOpts = append(oaOpts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	oaOpts = append(oaOpts, openaiprov.WithTimeout(cfg.UpstreamTimeout))

	var anOpts []anthropicprov.Option
	if cfg.Anthropic.BaseURL != "" {
		anOpts = append(anOpts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	anOpts = append(anOpts, anthropicprov.WithTimeout(cfg.UpstreamTimeout))

	return map[string]providers.Provider{
		modelmap.ProviderOpenAI:    openaiprov.New(oaOpts...),
		modelmap.ProviderAnthropic: anthropicprov.New(anOpts...),
	}
}
