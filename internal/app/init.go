package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/audit"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/config"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/metrics"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/modelmap"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/pii"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/proxy"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/ratelimit"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/roles"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/secrets"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

// initInfra establishes the Redis connection when a component needs it and
// selects the blob store.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.NeedsRedis() {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	switch a.cfg.StoreMode {
	case config.BackendRedis:
		a.blob = store.NewRedisBlob(a.rdb)
		a.log.Info("blob store: redis")
	default:
		a.blob = store.NewMemoryBlob()
		a.log.Info("blob store: memory (in-process)")
	}

	return nil
}

// initServices creates the metrics registry and the per-request lookups:
// rate limiter, role resolver, model map and secrets cache.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch {
	case a.cfg.RateLimit.QPM == 0:
		a.log.Info("rate limiting disabled")
	case a.cfg.RateLimit.Backend == config.BackendRedis:
		a.limiter = ratelimit.NewRedisWindow(a.rdb)
		a.log.Info("rate limiting enabled", slog.String("backend", "redis"), slog.Int("qpm", a.cfg.RateLimit.QPM))
	default:
		a.window = ratelimit.NewWindow()
		a.limiter = a.window
		a.log.Info("rate limiting enabled", slog.String("backend", "memory"), slog.Int("qpm", a.cfg.RateLimit.QPM))
	}

	policy := roles.DefaultPolicy()
	if a.cfg.RolePolicyFile != "" {
		p, err := roles.LoadPolicy(a.cfg.RolePolicyFile)
		if err != nil {
			return err
		}
		policy = p
		a.log.Info("role policy loaded", slog.String("file", a.cfg.RolePolicyFile))
	}
	a.roles = roles.New(policy)

	if err := a.initModelMap(ctx); err != nil {
		return err
	}

	var src secrets.Source
	switch a.cfg.SecretsBackend {
	case config.SecretsStore:
		src = secrets.BlobSource{Blob: a.blob}
	default:
		src = secrets.EnvSource{Overrides: a.cfg.SecretValues}
	}
	a.keys = secrets.NewCache(src)

	a.scrub = pii.New(a.cfg.MaskPII)

	return nil
}

// initModelMap builds the cached lookup and loads the map once so an
// unreadable source fails startup. A map without _default is only logged:
// requests that need the fallback are rejected individually.
func (a *App) initModelMap(ctx context.Context) error {
	var src modelmap.Source
	if a.cfg.ModelMap.File != "" {
		src = modelmap.FileSource{Path: a.cfg.ModelMap.File}
	} else {
		src = modelmap.BlobSource{Blob: a.blob, Key: a.cfg.ModelMap.Key}
	}

	a.models = modelmap.NewLookup(src, a.cfg.ModelMap.TTL)
	a.models.OnRefresh = func(err error) {
		a.prom.RecordModelMapRefresh(err)
		if err != nil {
			a.log.Warn("model_map_refresh_failed", slog.String("error", err.Error()))
		}
	}

	m, err := a.models.Current(ctx)
	if err != nil {
		return fmt.Errorf("model map: %w", err)
	}
	if !m.HasDefault() {
		a.log.Warn("model map has no _default entry; unmapped roles will be rejected")
	}
	a.log.Info("model map loaded", slog.Any("roles", m.Roles()))

	return nil
}

// initAudit opens the configured sinks and starts the dispatcher.
func (a *App) initAudit(ctx context.Context) error {
	exclude, err := audit.ParseExcludeList(a.cfg.Audit.ExcludeModels)
	if err != nil {
		return fmt.Errorf("audit exclusions: %w", err)
	}

	var sinks []audit.Sink
	for _, name := range a.cfg.Audit.Sinks {
		s, err := a.openSink(ctx, name)
		if err != nil {
			closeSinks(sinks)
			return fmt.Errorf("audit sink %s: %w", name, err)
		}
		if name != config.SinkLog {
			s = audit.Excluding(s, exclude)
		}
		sinks = append(sinks, s)
	}

	d, err := audit.NewDispatcher(a.baseCtx, a.log, sinks,
		audit.WithWorkers(a.cfg.Audit.Workers),
		audit.WithTimeout(a.cfg.Audit.Timeout),
		audit.WithResultHook(a.prom.RecordAuditWrite),
	)
	if err != nil {
		closeSinks(sinks)
		return err
	}
	a.auditor = d

	a.log.Info("audit enabled",
		slog.Any("sinks", a.cfg.Audit.Sinks),
		slog.Int("excluded_models", exclude.Len()),
	)
	return nil
}

func (a *App) openSink(ctx context.Context, name string) (audit.Sink, error) {
	switch name {
	case config.SinkLog:
		return audit.NewLogSink(a.log), nil
	case config.SinkBlob:
		return audit.NewBlobSink(a.blob), nil
	case config.SinkSQLite:
		return audit.OpenSQLite(ctx, a.cfg.Audit.SQLitePath)
	case config.SinkPostgres:
		return audit.OpenPostgres(ctx, a.cfg.Audit.PostgresDSN)
	case config.SinkClickHouse:
		return audit.OpenClickHouse(ctx, a.cfg.Audit.ClickHouseDSN)
	default:
		return nil, fmt.Errorf("unknown sink %q", name)
	}
}

func closeSinks(sinks []audit.Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

// initProviders builds the provider clients.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.cfg)

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initGateway wires the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	probes := map[string]proxy.Probe{
		"model_map": modelMapProbe(a.models),
	}
	if a.rdb != nil {
		probes["redis"] = redisProbe(a.rdb)
	}

	opts := proxy.GatewayOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		Roles:          a.roles,
		Limiter:        a.limiter,
		RateLimitQPM:   a.cfg.RateLimit.QPM,
		Models:         a.models,
		Keys:           a.keys,
		SecretNames:    a.cfg.SecretNames(),
		Audit:          a.auditor,
		Attachments:    a.blob,
		Scrubber:       a.scrub,
		RequestTimeout: a.cfg.RequestTimeout,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		AllowOrigins: a.cfg.AllowOrigins,
		HealthProbes: probes,
	}

	a.gw = proxy.NewGateway(a.baseCtx, a.provs, opts)
	a.srv = a.gw.Server()
	a.log.Info("cors origins", slog.Any("origins", a.cfg.AllowOrigins))

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
