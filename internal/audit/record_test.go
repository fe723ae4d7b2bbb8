package audit

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/pii"
)

func testRequest() *canonical.Request {
	return &canonical.Request{
		Alias:    "frontend-helper",
		Role:     "frontend_developer",
		Identity: "u-1",
		Messages: []canonical.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Mail me at jane@example.com"},
		},
		Meta: canonical.Metadata{
			RequestID:  "req-1",
			ReceivedAt: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
			RemoteIP:   "10.0.0.1",
			UserAgent:  "cursor/1.0",
		},
	}
}

func TestBuild_MasksPII(t *testing.T) {
	resp := canonical.Normalize(canonical.Response{
		ID:    "chatcmpl-1",
		Model: "gpt-4o-mini",
		Choices: []canonical.Choice{{
			Message: canonical.ResponseMessage{Content: "Call 090-1234-5678"},
		}},
		Usage: canonical.Usage{PromptTokens: 1000, CompletionTokens: 1000},
	})

	rec := Build(Input{
		Request:  testRequest(),
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Response: &resp,
		Status:   200,
		Latency:  1500 * time.Millisecond,
	}, pii.New(true))

	if rec.LatestUser != "Mail me at [EMAIL]" {
		t.Errorf("latest user = %q", rec.LatestUser)
	}
	if rec.Messages[1].Content != "Mail me at [EMAIL]" {
		t.Errorf("message = %q", rec.Messages[1].Content)
	}
	if rec.Response != "Call [PHONE]" {
		t.Errorf("response = %q", rec.Response)
	}
	if rec.TotalTokens != 2000 || rec.FinishReason != "stop" {
		t.Errorf("usage/finish = %d/%q", rec.TotalTokens, rec.FinishReason)
	}
	if rec.CostUSD != 0.00075 {
		t.Errorf("cost = %v, want 0.00075", rec.CostUSD)
	}
	if rec.LatencyMs != 1500 || rec.RequestID != "req-1" || rec.RemoteIP != "10.0.0.1" {
		t.Errorf("meta = %+v", rec)
	}
}

func TestBuild_PIIDisabled(t *testing.T) {
	rec := Build(Input{Request: testRequest()}, pii.New(false))
	if !strings.Contains(rec.LatestUser, "jane@example.com") {
		t.Fatalf("latest user = %q", rec.LatestUser)
	}
	rec = Build(Input{Request: testRequest()}, nil)
	if !strings.Contains(rec.LatestUser, "jane@example.com") {
		t.Fatalf("nil scrubber altered text: %q", rec.LatestUser)
	}
}

func TestBuild_ContextPreviewIsTail(t *testing.T) {
	req := testRequest()
	req.Messages = []canonical.Message{{Role: "user", Content: strings.Repeat("a", 300) + strings.Repeat("é", 50)}}

	rec := Build(Input{Request: req}, nil)
	if n := len([]rune(rec.ContextPreview)); n != ContextPreviewChars {
		t.Fatalf("preview length = %d", n)
	}
	if !strings.HasSuffix(rec.ContextPreview, strings.Repeat("é", 50)) {
		t.Fatalf("preview is not the tail: %q", rec.ContextPreview)
	}
}

func TestBuild_Failure(t *testing.T) {
	rec := Build(Input{
		Request:  testRequest(),
		Provider: "anthropic",
		Model:    "claude-3-5-sonnet-20240620",
		Status:   502,
		Err:      errors.New("upstream said no to jane@example.com"),
	}, pii.New(true))

	if rec.Error != "upstream said no to [EMAIL]" {
		t.Errorf("error = %q", rec.Error)
	}
	if rec.CostUSD != 0 || rec.TotalTokens != 0 || rec.Response != "" {
		t.Errorf("failed request has usage: %+v", rec)
	}
}

func TestCost(t *testing.T) {
	cases := []struct {
		model   string
		in, out int
		want    float64
	}{
		{"gpt-4o", 1000, 1000, 0.0125},
		{"gpt-4o-mini", 10, 2, 0.000003},
		{"claude-3-5-sonnet-20240620", 2000, 500, 0.0135},
		{"claude-3-5-haiku", 1000, 0, 0.00025},
		{"unknown-model", 1000, 1000, 0.003},
		{"gpt-4-turbo", 0, 0, 0},
	}
	for _, tc := range cases {
		if got := Cost(tc.model, tc.in, tc.out); got != tc.want {
			t.Errorf("Cost(%s, %d, %d) = %v, want %v", tc.model, tc.in, tc.out, got, tc.want)
		}
	}
}
