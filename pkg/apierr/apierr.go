// Package apierr defines the gateway error taxonomy and writes errors in the
// OpenAI-compatible envelope {"error":{"code","message","type"}}.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimitError = "rate_limit_error"
	TypeProviderError  = "api_error"
	TypeNotImplemented = "not_implemented_error"
	TypeConfiguration  = "configuration_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeMethodNotAllowed    = "method_not_allowed"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeRequestTimeout      = "request_timeout"
	CodeNotImplemented      = "not_implemented"
	CodeConfigurationError  = "configuration_error"
	CodeInternalError       = "internal_error"
)

// Kind classifies a gateway failure. Each kind maps to one HTTP status,
// except ConfigurationError which depends on whether the caller can fix it.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindRateLimitExceeded
	KindUpstreamUnavailable
	KindNotImplemented
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindRateLimitExceeded:
		return "RateLimitExceeded"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	case KindNotImplemented:
		return "NotImplemented"
	case KindConfiguration:
		return "ConfigurationError"
	default:
		return "Internal"
	}
}

// Error is a classified gateway error. Message is safe to show to callers;
// Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	// ClientFault marks a ConfigurationError the caller can correct
	// (for example an unmapped role with no default); it selects 400 over 500.
	ClientFault bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case KindRateLimitExceeded:
		return fasthttp.StatusTooManyRequests
	case KindUpstreamUnavailable:
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return fasthttp.StatusGatewayTimeout
		}
		return fasthttp.StatusBadGateway
	case KindNotImplemented:
		return fasthttp.StatusNotImplemented
	case KindConfiguration:
		if e.ClientFault {
			return fasthttp.StatusBadRequest
		}
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusInternalServerError
	}
}

func (e *Error) typeAndCode() (string, string) {
	switch e.Kind {
	case KindInvalidRequest:
		return TypeInvalidRequest, CodeInvalidRequest
	case KindRateLimitExceeded:
		return TypeRateLimitError, CodeRateLimitExceeded
	case KindUpstreamUnavailable:
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return TypeProviderError, CodeRequestTimeout
		}
		return TypeProviderError, CodeUpstreamUnavailable
	case KindNotImplemented:
		return TypeNotImplemented, CodeNotImplemented
	case KindConfiguration:
		return TypeConfiguration, CodeConfigurationError
	default:
		return TypeServerError, CodeInternalError
	}
}

// InvalidRequest reports a malformed or incomplete request body.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// RateLimited reports a rejected admission.
func RateLimited(limitPerMinute int) *Error {
	return &Error{
		Kind:    KindRateLimitExceeded,
		Message: fmt.Sprintf("Rate limit exceeded: %d requests per minute", limitPerMinute),
	}
}

// Upstream wraps a provider or network failure.
func Upstream(err error) *Error {
	msg := "upstream provider unavailable"
	if err != nil {
		msg = err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "provider request timed out"
	}
	return &Error{Kind: KindUpstreamUnavailable, Message: msg, Err: err}
}

// ProviderFailure wraps an upstream failure with a message that names the
// provider but never repeats the upstream error text. Classified errors pass
// through unchanged.
func ProviderFailure(provider string, err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	e := Upstream(err)
	if errors.Is(err, context.DeadlineExceeded) {
		return e
	}
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		e.Message = fmt.Sprintf("%s returned HTTP %d", provider, sc.HTTPStatus())
		return e
	}
	e.Message = fmt.Sprintf("%s is unavailable", provider)
	return e
}

// NotImplemented reports a request feature the gateway does not translate.
func NotImplemented(format string, args ...any) *Error {
	return &Error{Kind: KindNotImplemented, Message: fmt.Sprintf(format, args...)}
}

// Configuration reports a server-side configuration fault (500).
func Configuration(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}

// ConfigurationClient reports a configuration gap the caller can route
// around, such as a role without a mapping (400).
func ConfigurationClient(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, ClientFault: true, Err: err}
}

// Internal wraps an unexpected fault. The caller only ever sees a generic
// message.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// From classifies any error. Unclassified errors become Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body renders the JSON envelope for an error.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Code:    code,
		Message: message,
		Type:    errType,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// WriteError classifies err and writes it. Internal faults never leak their
// cause.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	e := From(err)
	errType, code := e.typeAndCode()
	if e.Kind == KindRateLimitExceeded {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, e.HTTPStatus(), e.Message, errType, code)
}

// WriteMethodNotAllowed writes a 405 for non-POST calls on the chat route.
func WriteMethodNotAllowed(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Allow", "POST, OPTIONS")
	Write(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed", TypeInvalidRequest, CodeMethodNotAllowed)
}
