// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{provider,role,stream,status}
	requestsTotal *prometheus.CounterVec

	// gateway_upstream_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_cost_usd_total{provider,model}
	costTotal *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_stream_outcomes_total{provider,outcome}
	streamOutcomes *prometheus.CounterVec

	// gateway_model_map_refresh_total{result}
	modelMapRefresh *prometheus.CounterVec

	// gateway_audit_writes_total{sink,result}
	auditWrites *prometheus.CounterVec

	// circuit_breaker_state{provider}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, including the full stream",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Chat completion requests by resolved provider, role and outcome",
			},
			[]string{"provider", "role", "stream", "status"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Time until the upstream provider answered (first event for streams)",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage reported by providers or estimated for streams",
			},
			[]string{"provider", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_usd_total",
				Help: "Estimated spend in USD",
			},
			[]string{"provider", "model"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		streamOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_outcomes_total",
				Help: "How streamed responses ended",
			},
			[]string{"provider", "outcome"},
		),

		modelMapRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_model_map_refresh_total",
				Help: "Model map refresh attempts",
			},
			[]string{"result"},
		),

		auditWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_audit_writes_total",
				Help: "Audit sink writes by sink and result",
			},
			[]string{"sink", "result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"provider", "state"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamDuration,
		r.providerErrors,
		r.tokensTotal,
		r.costTotal,
		r.rateLimitTotal,
		r.streamOutcomes,
		r.modelMapRefresh,
		r.auditWrites,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest counts one chat completion. provider is empty when the
// request failed before a provider was chosen.
func (r *Registry) RecordRequest(provider, role string, stream bool, statusCode int) {
	if provider == "" {
		provider = "none"
	}
	r.requestsTotal.WithLabelValues(provider, role, strconv.FormatBool(stream), strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstream records how long the provider took to answer.
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) AddCost(provider, model string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(provider, model).Add(usd)
	}
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// RecordStreamOutcome counts how a stream ended: "complete", "error",
// "timeout" or "client_gone".
func (r *Registry) RecordStreamOutcome(provider, outcome string) {
	r.streamOutcomes.WithLabelValues(provider, outcome).Inc()
}

// RecordModelMapRefresh is wired as the model map lookup refresh hook.
func (r *Registry) RecordModelMapRefresh(err error) {
	if err != nil {
		r.modelMapRefresh.WithLabelValues("error").Inc()
		return
	}
	r.modelMapRefresh.WithLabelValues("ok").Inc()
}

// RecordAuditWrite is wired as the audit dispatcher result hook.
func (r *Registry) RecordAuditWrite(sink string, err error) {
	if err != nil {
		r.auditWrites.WithLabelValues(sink, "error").Inc()
		return
	}
	r.auditWrites.WithLabelValues(sink, "ok").Inc()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		r.cbTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	r.cbRejections.WithLabelValues(provider, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
