package proxy

import (
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/pkg/apierr"
)

// DefaultAllowOrigin is used when no origins are configured.
const DefaultAllowOrigin = "https://app.cursor.sh"

const (
	corsAllowHeaders = "content-type, authorization, x-role, x-user-id, x-request-id"
	corsAllowMethods = "POST, OPTIONS"
	corsMaxAge       = "86400"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				reqID, _ := ctx.UserValue(requestIDKey).(string)
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("request_id", reqID),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.WriteError(ctx, apierr.Internal(nil))
			}
		}()
		next(ctx)
	}
}

const requestIDKey = "request_id"

// requestID echoes X-Request-ID or generates a UUID v4, and stores it under
// "request_id" for handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

// timing records the handler duration in X-Response-Time. For streams this
// is the time to the first byte.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds the OWASP API header set to every response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// allowOrigin picks the Access-Control-Allow-Origin value for a request
// origin: the origin itself when listed, "*" when the list has a wildcard,
// otherwise the first configured origin.
func allowOrigin(origins []string, origin string) string {
	if len(origins) == 0 {
		return DefaultAllowOrigin
	}
	if origin != "" && slices.Contains(origins, origin) {
		return origin
	}
	if slices.Contains(origins, "*") {
		return "*"
	}
	return origins[0]
}

// corsHandler sets CORS headers on every response and answers OPTIONS
// preflights with 204.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", allowOrigin(origins, string(ctx.Request.Header.Peek("Origin"))))
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			h.Add("Vary", "Origin")

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so the first middleware is the outermost:
//
//	applyMiddleware(h, mw1, mw2) -> mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
