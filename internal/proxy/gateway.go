// Package proxy is the gateway orchestrator.
//
// For each chat completion the Gateway parses the OpenAI-compatible body,
// resolves a role, applies the per-identity rate limit, picks
// {provider, model} from the model map, fetches the provider key, and makes
// exactly one upstream call. Non-streaming answers are normalized into a
// chat.completion; streams are translated chunk by chunk into
// chat.completion.chunk events. A scrubbed audit record is handed to the
// audit dispatcher once the outcome is known.
//
// Key constraints:
//   - One upstream call per request. No retries, no failover.
//   - Rate limiter, audit, attachment store and metrics are optional and
//     nil-safe.
//   - The upstream call runs under a hard ceiling (REQUEST_TIMEOUT) that also
//     covers streams; a caller that goes away cancels the upstream read.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/audit"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/metrics"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/modelmap"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/pii"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/ratelimit"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/roles"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/stream"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/pkg/apierr"
)

const (
	// DefaultRequestTimeout bounds one upstream call, streams included.
	DefaultRequestTimeout = 5 * time.Minute

	routeChat = "chat_completions"
)

var errCircuitOpen = errors.New("circuit breaker open")

type (
	// ModelResolver maps a role to its upstream model.
	ModelResolver interface {
		Resolve(ctx context.Context, role string) (modelmap.ModelConfig, error)
	}

	// KeyStore returns provider credentials by secret name.
	KeyStore interface {
		Get(ctx context.Context, name string) (string, error)
	}

	// Auditor accepts finished records. Submit must not block.
	Auditor interface {
		Submit(rec audit.Record)
	}
)

// GatewayOptions holds the gateway's collaborators. Models and Keys are
// required for requests to succeed; everything else may be nil.
type GatewayOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	Roles        *roles.Resolver
	Limiter      ratelimit.Limiter
	RateLimitQPM int
	Models       ModelResolver
	Keys         KeyStore

	// SecretNames maps a provider name to the secret holding its API key.
	// Missing entries default to OPENAI_API_KEY / ANTHROPIC_API_KEY.
	SecretNames map[string]string

	Audit       Auditor
	Attachments store.Blob
	Scrubber    *pii.Scrubber

	RequestTimeout time.Duration
	CBConfig       CBConfig
	AllowOrigins   []string

	// HealthProbes are dependency checks that gate /readiness.
	HealthProbes map[string]Probe
	// DisableHealthChecks skips background provider probes.
	DisableHealthChecks bool
}

// Gateway serves the chat completion API. All dependencies are injected so
// they can be replaced with doubles in tests.
type Gateway struct {
	providers map[string]providers.Provider
	cb        *CircuitBreaker
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	roles       *roles.Resolver
	limiter     ratelimit.Limiter
	qpm         int
	models      ModelResolver
	keys        KeyStore
	secretNames map[string]string
	audit       Auditor
	attachments store.Blob
	scrub       *pii.Scrubber

	requestTimeout time.Duration
	allowOrigins   []string
}

// NewGateway creates a Gateway. baseCtx parents every upstream call, so
// cancelling it aborts in-flight requests on shutdown.
func NewGateway(baseCtx context.Context, provs map[string]providers.Provider, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	rr := opts.Roles
	if rr == nil {
		rr = roles.New(roles.DefaultPolicy())
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	origins := opts.AllowOrigins
	if len(origins) == 0 {
		origins = []string{DefaultAllowOrigin}
	}

	g := &Gateway{
		providers:      provs,
		cb:             NewCircuitBreaker(opts.CBConfig),
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		roles:          rr,
		limiter:        opts.Limiter,
		qpm:            opts.RateLimitQPM,
		models:         opts.Models,
		keys:           opts.Keys,
		secretNames:    opts.SecretNames,
		audit:          opts.Audit,
		attachments:    opts.Attachments,
		scrub:          opts.Scrubber,
		requestTimeout: timeout,
		allowOrigins:   origins,
	}

	if g.metrics != nil {
		for name := range provs {
			g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
		}
	}

	if !opts.DisableHealthChecks && (len(provs) > 0 || len(opts.HealthProbes) > 0) {
		g.health = NewHealthChecker(baseCtx, provs, g.apiKey, opts.HealthProbes, g.metrics, log)
	}

	return g
}

// Close stops background probes.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// call accumulates what is known about one request for metrics and audit.
type call struct {
	start     time.Time
	route     string
	req       *canonical.Request
	provider  string
	model     string
	resp      *canonical.Response
	estimated bool
	status    int
	err       error
	refs      []audit.Ref
}

// dispatchChat handles POST /chat/completions and /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	c := &call{start: time.Now(), route: routeChat}
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	streaming := false
	defer func() {
		if !streaming {
			g.complete(c)
		}
	}()

	reqID, _ := ctx.UserValue(requestIDKey).(string)
	if reqID == "" {
		reqID = uuid.NewString()
	}

	// 1. Parse and validate.
	req, err := parseRequest(ctx.PostBody())
	if err != nil {
		g.fail(ctx, c, err)
		return
	}
	c.req = req
	req.Meta = canonical.Metadata{
		RequestID:  reqID,
		ReceivedAt: c.start,
		RemoteIP:   ctx.RemoteIP().String(),
		UserAgent:  string(ctx.UserAgent()),
	}
	req.Identity = identity(ctx, req.Identity)

	// 2. Role. Resolution and rate limiting do not depend on each other.
	req.Role = g.roles.Resolve(req.Alias, req.Messages, strings.TrimSpace(string(ctx.Request.Header.Peek("X-Role"))))

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("alias", req.Alias),
		slog.String("role", req.Role),
		slog.String("identity", req.Identity),
		slog.Bool("stream", req.Stream),
	)

	// 3. Rate limit, before any upstream work.
	if err := g.admit(ctx, req); err != nil {
		g.fail(ctx, c, err)
		return
	}

	// 4. Model map.
	cfg, err := g.resolveModel(ctx, req.Role)
	if err != nil {
		g.fail(ctx, c, err)
		return
	}
	c.provider, c.model = cfg.Provider, cfg.Model

	prov, ok := g.providers[cfg.Provider]
	if !ok {
		g.fail(ctx, c, apierr.Configuration(fmt.Sprintf("provider %q is not configured", cfg.Provider), nil))
		return
	}

	// 5. Credentials.
	key, err := g.apiKey(ctx, cfg.Provider)
	if err != nil {
		g.fail(ctx, c, apierr.Configuration(fmt.Sprintf("no API key configured for provider %q", cfg.Provider), err))
		return
	}

	c.refs = g.persistAttachments(ctx, req)

	// 6. Circuit breaker: fail fast, no retry.
	if !g.cb.Allow(cfg.Provider) {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(cfg.Provider, g.cb.State(cfg.Provider).String())
		}
		g.log.WarnContext(ctx, "circuit_breaker_open",
			slog.String("request_id", reqID),
			slog.String("provider", cfg.Provider),
		)
		g.fail(ctx, c, &apierr.Error{
			Kind:    apierr.KindUpstreamUnavailable,
			Message: fmt.Sprintf("%s is temporarily unavailable", cfg.Provider),
			Err:     errCircuitOpen,
		})
		return
	}

	// 7. The single upstream call. Its context hangs off the gateway, not
	// the fasthttp request, so it outlives the handler for streams.
	upCtx, cancel := context.WithTimeout(g.baseCtx, g.requestTimeout)

	upStart := time.Now()
	resp, err := prov.Request(upCtx, &providers.ProxyRequest{
		Model:       cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		APIKey:      key,
		RequestID:   reqID,
	})
	g.recordUpstream(cfg.Provider, err, time.Since(upStart))
	if err != nil {
		cancel()
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("provider", cfg.Provider),
			slog.String("model", cfg.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(c.start)),
		)
		g.fail(ctx, c, apierr.ProviderFailure(cfg.Provider, err))
		return
	}

	// 8a. Streaming.
	if resp.Stream != nil {
		streaming = true
		g.writeStream(ctx, c, resp.Stream, upCtx, cancel)
		return
	}
	defer cancel()

	// 8b. Non-streaming.
	if resp.Response == nil {
		g.fail(ctx, c, apierr.Internal(errors.New("provider returned neither a response nor a stream")))
		return
	}
	out := canonical.Normalize(*resp.Response)
	body, err := json.Marshal(out)
	if err != nil {
		g.fail(ctx, c, apierr.Internal(err))
		return
	}
	c.resp = &out
	c.status = fasthttp.StatusOK

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeStream commits to an SSE response and pumps translated chunks from
// the body stream writer. Every flush waits on the caller, which is the
// backpressure path back to the upstream reader.
func (g *Gateway) writeStream(
	ctx *fasthttp.RequestCtx,
	c *call,
	events <-chan providers.StreamEvent,
	upCtx context.Context,
	cancel context.CancelFunc,
) {
	c.status = fasthttp.StatusOK

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer g.complete(c)
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("stream writer panic: %v", r)
				g.log.Error("stream_panic",
					slog.String("request_id", c.req.Meta.RequestID),
					slog.Any("panic", r),
				)
			}
		}()

		t := stream.NewTranslator("", "", c.provider)
		werr := stream.Pump(upCtx, events, t, w)

		res := t.Result()
		c.resp = &res
		c.estimated = t.UsageEstimated()

		outcome := "complete"
		switch {
		case werr != nil:
			outcome = "client_gone"
			c.err = werr
		case errors.Is(t.Err(), context.DeadlineExceeded):
			outcome = "timeout"
			c.err = t.Err()
		case t.Err() != nil:
			outcome = "error"
			c.err = t.Err()
		}
		if g.metrics != nil {
			g.metrics.RecordStreamOutcome(c.provider, outcome)
		}

		attrs := []slog.Attr{
			slog.String("request_id", c.req.Meta.RequestID),
			slog.String("provider", c.provider),
			slog.String("outcome", outcome),
			slog.String("finish_reason", res.FinishReason()),
			slog.Duration("elapsed", time.Since(c.start)),
		}
		if c.err != nil {
			attrs = append(attrs, slog.String("error", c.err.Error()))
			g.log.LogAttrs(g.baseCtx, slog.LevelWarn, "stream_end", attrs...)
			return
		}
		g.log.LogAttrs(g.baseCtx, slog.LevelDebug, "stream_end", attrs...)
	})
}

// fail writes err as the JSON error envelope.
func (g *Gateway) fail(ctx *fasthttp.RequestCtx, c *call, err error) {
	e := apierr.From(err)
	c.err = err
	c.status = e.HTTPStatus()
	if e.Kind == apierr.KindInternal || (e.Kind == apierr.KindConfiguration && !e.ClientFault) {
		reqID, _ := ctx.UserValue(requestIDKey).(string)
		g.log.ErrorContext(ctx, "request_failed",
			slog.String("request_id", reqID),
			slog.String("kind", e.Kind.String()),
			slog.String("error", e.Error()),
		)
	}
	apierr.WriteError(ctx, e)
}

// complete records metrics and submits the audit record. It runs once per
// request, after the last byte for streams.
func (g *Gateway) complete(c *call) {
	dur := time.Since(c.start)

	var rec audit.Record
	if c.req != nil {
		rec = audit.Build(audit.Input{
			Request:        c.req,
			Provider:       c.provider,
			Model:          c.model,
			Response:       c.resp,
			UsageEstimated: c.estimated,
			Status:         c.status,
			Err:            c.err,
			Latency:        dur,
			Attachments:    c.refs,
		}, g.scrub)
	}

	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(c.route, c.status, dur)

		role, streamed := "none", false
		if c.req != nil {
			role, streamed = c.req.Role, c.req.Stream
			if !g.roles.Known(role) {
				role = "custom"
			}
		}
		g.metrics.RecordRequest(c.provider, role, streamed, c.status)
		if c.resp != nil {
			g.metrics.AddTokens(c.provider, c.resp.Usage.PromptTokens, c.resp.Usage.CompletionTokens)
			g.metrics.AddCost(c.provider, rec.Model, rec.CostUSD)
		}
	}

	if c.req != nil && g.audit != nil {
		g.audit.Submit(rec)
	}
}

func (g *Gateway) admit(ctx context.Context, req *canonical.Request) error {
	qpm := g.qpm
	if g.limiter == nil || qpm <= 0 {
		return nil
	}

	ok, err := g.limiter.Admit(ctx, req.Identity, qpm)
	if err != nil {
		g.log.WarnContext(ctx, "rate_limit_error",
			slog.String("request_id", req.Meta.RequestID),
			slog.String("error", err.Error()),
		)
		if g.metrics != nil {
			g.metrics.RecordRateLimit("error")
		}
		return nil
	}
	if !ok {
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", req.Meta.RequestID),
			slog.String("identity", req.Identity),
			slog.Int("limit_per_minute", qpm),
		)
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		return apierr.RateLimited(qpm)
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}
	return nil
}

func (g *Gateway) resolveModel(ctx context.Context, role string) (modelmap.ModelConfig, error) {
	if g.models == nil {
		return modelmap.ModelConfig{}, apierr.Configuration("model map is not configured", nil)
	}
	cfg, err := g.models.Resolve(ctx, role)
	switch {
	case errors.Is(err, modelmap.ErrInvalidConfiguration):
		return cfg, apierr.ConfigurationClient(fmt.Sprintf("no model mapping for role %q and no %s entry", role, modelmap.DefaultKey), err)
	case err != nil:
		return cfg, apierr.Configuration("model map unavailable", err)
	}
	return cfg, nil
}

func (g *Gateway) apiKey(ctx context.Context, provider string) (string, error) {
	if g.keys == nil {
		return "", errors.New("no credential store configured")
	}
	name := g.secretNames[provider]
	if name == "" {
		name = strings.ToUpper(provider) + "_API_KEY"
	}
	return g.keys.Get(ctx, name)
}

// persistAttachments stores message and request attachments. Failures are
// logged and skipped; they never fail the request.
func (g *Gateway) persistAttachments(ctx context.Context, req *canonical.Request) []audit.Ref {
	if g.attachments == nil {
		return nil
	}

	all := append([]canonical.Attachment(nil), req.Attachments...)
	for _, m := range req.Messages {
		all = append(all, m.Attachments...)
	}

	var refs []audit.Ref
	for _, a := range all {
		if a.Data == "" {
			continue
		}
		ref, err := audit.PersistAttachment(ctx, g.attachments, a)
		if err != nil {
			g.log.WarnContext(ctx, "attachment_persist_failed",
				slog.String("request_id", req.Meta.RequestID),
				slog.String("name", a.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// recordUpstream feeds the circuit breaker and metrics. Only failures that
// say something about the provider's health count against the breaker.
func (g *Gateway) recordUpstream(provider string, err error, dur time.Duration) {
	switch {
	case err == nil:
		g.cb.RecordSuccess(provider)
	case providerFault(err):
		g.cb.RecordFailure(provider)
	default:
		g.cb.Release(provider)
	}

	if g.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = classifyError(err)
		g.metrics.RecordError(provider, outcome)
	}
	g.metrics.ObserveUpstream(provider, outcome, dur)
	g.metrics.SetCircuitBreaker(provider, int64(g.cb.State(provider)))
}

// providerFault is true for 5xx, 429, timeouts and transport errors.
func providerFault(err error) bool {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return false
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		s := sc.HTTPStatus()
		return s >= 500 || s == fasthttp.StatusTooManyRequests || s == fasthttp.StatusRequestTimeout
	}
	return true
}

// classifyError turns an upstream error into a short metrics label.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return "configuration"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "network"
}

// identity is X-User-Id, else the body's user field, else a shared
// anonymous key.
func identity(ctx *fasthttp.RequestCtx, bodyUser string) string {
	if id := strings.TrimSpace(string(ctx.Request.Header.Peek("X-User-Id"))); id != "" {
		return id
	}
	if id := strings.TrimSpace(bodyUser); id != "" {
		return id
	}
	return AnonymousIdentity
}
