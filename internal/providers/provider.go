// Package providers defines the contract shared by the upstream LLM clients
// (OpenAI and Anthropic) and the output-token budget both of them clamp to.
//
// Each provider lives in its own sub-package, builds strongly typed SDK
// params, and maps results back into internal/canonical shapes.
package providers

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
)

const (
	// StreamBuffer bounds the channel between an upstream reader and the
	// caller writer.
	StreamBuffer = 64

	// DefaultMaxTokens is used when the caller does not ask for a limit.
	DefaultMaxTokens = 2000

	// TokensPerChar is the fixed estimate used for budgeting and for usage
	// when a stream ends without reporting it.
	TokensPerChar = 0.5

	// UpstreamTimeout is the default per-client HTTP timeout.
	UpstreamTimeout = 10 * time.Minute
)

// Circuit breaker defaults.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
)

type (
	// ProxyRequest is a normalized upstream call.
	ProxyRequest struct {
		Model       string
		Messages    []canonical.Message
		Temperature *float64
		MaxTokens   *int
		Stream      bool
		APIKey      string
		RequestID   string
	}

	// ProxyResponse carries either a complete response or a stream.
	ProxyResponse struct {
		Response *canonical.Response
		Stream   <-chan StreamEvent // nil if it's not a stream.
	}
)

// EventKind tags a StreamEvent.
type EventKind int

const (
	// EventStart opens a message. ID, Model, Created and Role may be set.
	EventStart EventKind = iota
	// EventDelta carries one non-empty piece of content.
	EventDelta
	// EventFinish carries the finish reason and, when known, usage.
	EventFinish
	// EventStop ends the upstream message.
	EventStop
	// EventError reports a mid-stream failure. It is always the last event.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventDelta:
		return "delta"
	case EventFinish:
		return "finish"
	case EventStop:
		return "stop"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is a provider-neutral streaming event.
type StreamEvent struct {
	Kind         EventKind
	ID           string
	Model        string
	Created      int64
	Role         string
	Text         string
	FinishReason string
	Usage        *canonical.Usage
	Err          error
}

// Provider is an upstream LLM API.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	// HealthCheck verifies connectivity and the credential.
	HealthCheck(ctx context.Context, apiKey string) error
}

type StatusCoder interface {
	HTTPStatus() int
}

// Send delivers ev unless ctx is cancelled first. It reports whether the
// event was delivered.
func Send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Budget describes a model family's context window.
type Budget struct {
	Window int
	Margin int
	Min    int
}

// EstimateTokens approximates the token count of texts at a fixed
// character ratio.
func EstimateTokens(texts ...string) int {
	chars := 0
	for _, t := range texts {
		chars += utf8.RuneCountInString(t)
	}
	return int(math.Ceil(float64(chars) * TokensPerChar))
}

// EstimateMessages sums the estimate over every message body.
func EstimateMessages(msgs []canonical.Message) int {
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	return EstimateTokens(texts...)
}

// SafeMaxTokens clamps the requested output tokens (or DefaultMaxTokens)
// into [b.Min, b.Window - estimate - b.Margin]. When the window leaves less
// than b.Min the result is b.Min.
func SafeMaxTokens(requested *int, estimate int, b Budget) int {
	want := DefaultMaxTokens
	if requested != nil && *requested > 0 {
		want = *requested
	}
	available := b.Window - estimate - b.Margin
	return max(b.Min, min(want, available))
}
