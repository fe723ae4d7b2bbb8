package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(&ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	return string(ctx.Response.Body())
}

func TestRegistry_Exposition(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")
	r.RecordRequest("openai", "frontend_developer", true, 200)
	r.RecordRequest("", "backend_developer", false, 429)
	r.AddTokens("anthropic", 10, 2)
	r.RecordModelMapRefresh(nil)
	r.RecordModelMapRefresh(errors.New("s3 down"))
	r.RecordAuditWrite("sqlite", errors.New("locked"))
	r.RecordStreamOutcome("openai", "complete")

	body := scrape(t, r)
	for _, want := range []string{
		`gateway_build_info{version="test"} 1`,
		`gateway_requests_total{provider="none",role="backend_developer",status="429",stream="false"} 1`,
		`gateway_requests_total{provider="openai",role="frontend_developer",status="200",stream="true"} 1`,
		`gateway_tokens_total{direction="output",provider="anthropic"} 2`,
		`gateway_model_map_refresh_total{result="error"} 1`,
		`gateway_model_map_refresh_total{result="ok"} 1`,
		`gateway_audit_writes_total{result="error",sink="sqlite"} 1`,
		`gateway_stream_outcomes_total{outcome="complete",provider="openai"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestRegistry_CircuitBreakerTransitions(t *testing.T) {
	r := New()
	r.SetCircuitBreaker("openai", 0)
	r.SetCircuitBreaker("openai", 0)
	r.SetCircuitBreaker("openai", 1)

	body := scrape(t, r)
	for _, want := range []string{
		`gateway_circuit_breaker_transitions_total{provider="openai",to_state="0"} 1`,
		`gateway_circuit_breaker_transitions_total{provider="openai",to_state="1"} 1`,
		`circuit_breaker_state{provider="openai"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}
