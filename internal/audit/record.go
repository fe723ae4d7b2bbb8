// Package audit builds per-request audit records and delivers them to
// durable sinks off the request path.
package audit

import (
	"math"
	"time"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/pii"
)

// ContextPreviewChars is the length of the conversation tail kept in a record.
const ContextPreviewChars = 200

// Record is an immutable snapshot of one completed request.
type Record struct {
	RequestID      string              `json:"request_id"`
	Timestamp      time.Time           `json:"timestamp"`
	Identity       string              `json:"identity"`
	Role           string              `json:"role"`
	Provider       string              `json:"provider"`
	Model          string              `json:"model"`
	Stream         bool                `json:"stream"`
	Messages       []canonical.Message `json:"messages"`
	LatestUser     string              `json:"latest_user_message"`
	ContextPreview string              `json:"context_preview"`
	Response       string              `json:"response"`
	FinishReason   string              `json:"finish_reason"`
	TokensIn       int                 `json:"tokens_in"`
	TokensOut      int                 `json:"tokens_out"`
	TotalTokens    int                 `json:"total_tokens"`
	UsageEstimated bool                `json:"usage_estimated,omitempty"`
	CostUSD        float64             `json:"cost_usd"`
	LatencyMs      int64               `json:"latency_ms"`
	Status         int                 `json:"status"`
	Error          string              `json:"error,omitempty"`
	Attachments    []Ref               `json:"attachments,omitempty"`
	RemoteIP       string              `json:"remote_ip,omitempty"`
	UserAgent      string              `json:"user_agent,omitempty"`
}

// Input is what the gateway knows once a response has been determined.
// Response is nil when the request failed before an upstream answer.
type Input struct {
	Request        *canonical.Request
	Provider       string
	Model          string
	Response       *canonical.Response
	UsageEstimated bool
	Status         int
	Err            error
	Latency        time.Duration
	Attachments    []Ref
}

// Build assembles a Record. Free text passes through scrub, which may be
// nil or disabled.
func Build(in Input, scrub *pii.Scrubber) Record {
	req := in.Request
	if req == nil {
		req = &canonical.Request{}
	}

	msgs := make([]canonical.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = canonical.Message{Role: m.Role, Content: scrub.Scrub(m.Content)}
		for _, a := range m.Attachments {
			msgs[i].Attachments = append(msgs[i].Attachments, canonical.Attachment{Name: a.Name, MimeType: a.MimeType})
		}
	}

	ts := req.Meta.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	model := in.Model
	rec := Record{
		RequestID:      req.Meta.RequestID,
		Timestamp:      ts.UTC(),
		Identity:       req.Identity,
		Role:           req.Role,
		Provider:       in.Provider,
		Model:          model,
		Stream:         req.Stream,
		Messages:       msgs,
		LatestUser:     scrub.Scrub(canonical.LatestUserMessage(req.Messages)),
		ContextPreview: tail(scrub.Scrub(canonical.JoinContent(req.Messages)), ContextPreviewChars),
		UsageEstimated: in.UsageEstimated,
		LatencyMs:      in.Latency.Milliseconds(),
		Status:         in.Status,
		Attachments:    in.Attachments,
		RemoteIP:       req.Meta.RemoteIP,
		UserAgent:      req.Meta.UserAgent,
	}

	if in.Response != nil {
		rec.Response = scrub.Scrub(in.Response.Content())
		rec.FinishReason = in.Response.FinishReason()
		rec.TokensIn = in.Response.Usage.PromptTokens
		rec.TokensOut = in.Response.Usage.CompletionTokens
		rec.TotalTokens = in.Response.Usage.TotalTokens
		if in.Response.Model != "" {
			rec.Model = in.Response.Model
		}
	}
	if in.Err != nil {
		rec.Error = scrub.Scrub(in.Err.Error())
	}
	rec.CostUSD = Cost(rec.Model, rec.TokensIn, rec.TokensOut)

	return rec
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// Price is the USD cost per 1K tokens.
type Price struct {
	Input  float64
	Output float64
}

var (
	prices = map[string]Price{
		"gpt-4o":                     {Input: 0.0025, Output: 0.01},
		"gpt-4o-mini":                {Input: 0.00015, Output: 0.0006},
		"gpt-4-turbo":                {Input: 0.01, Output: 0.03},
		"claude-3-5-sonnet-20240620": {Input: 0.003, Output: 0.015},
		"claude-3-5-haiku":           {Input: 0.00025, Output: 0.00125},
		"claude-3-5-haiku-20241022":  {Input: 0.00025, Output: 0.00125},
	}
	defaultPrice = Price{Input: 0.001, Output: 0.002}
)

// PriceFor returns the price of model, or the fallback price.
func PriceFor(model string) Price {
	if p, ok := prices[model]; ok {
		return p
	}
	return defaultPrice
}

// Cost is the USD cost of a call rounded to six decimals.
func Cost(model string, tokensIn, tokensOut int) float64 {
	p := PriceFor(model)
	usd := float64(tokensIn)/1000*p.Input + float64(tokensOut)/1000*p.Output
	return math.Round(usd*1e6) / 1e6
}
