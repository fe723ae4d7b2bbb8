package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/pkg/apierr"
)

// ChatPaths are the routes that accept chat completions.
var ChatPaths = []string{"/chat/completions", "/v1/chat/completions"}

// Handler builds the routed handler with the full middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	for _, p := range ChatPaths {
		r.POST(p, g.dispatchChat)
		r.OPTIONS(p, noContent)
		for _, m := range []string{fasthttp.MethodGet, fasthttp.MethodPut, fasthttp.MethodPatch, fasthttp.MethodDelete} {
			r.Handle(m, p, apierr.WriteMethodNotAllowed)
		}
	}
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.allowOrigins),
		securityHeaders,
	)
}

// Server returns a fasthttp server for the gateway. WriteTimeout is left
// unset so long streams are bounded by the request timeout instead.
func (g *Gateway) Server() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               "sf-ai-gateway",
		ReadTimeout:        60 * time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: 32 << 20,
	}
}

func noContent(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
