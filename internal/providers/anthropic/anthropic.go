// Package anthropic is the Anthropic Messages API client. Responses and
// stream events are mapped onto the OpenAI-shaped canonical types.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/pkg/apierr"
)

const (
	defaultBaseURL = "https://api.anthropic.com/"
	providerName   = "anthropic"
)

// Budget is the context window used for every Claude model.
var Budget = providers.Budget{Window: 8192, Margin: 500, Min: 1000}

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	baseURL string
	timeout time.Duration
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// New creates a new Anthropic Provider. The API key is supplied per request.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		timeout: providers.UpstreamTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: p.timeout}

	p.client = anthropic.NewClient(
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context, apiKey string) error {
	opts, err := requestOptions(apiKey)
	if err != nil {
		return err
	}
	_, err = p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	}, opts...)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	opts, err := requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	params := BuildParams(req)

	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

// BuildParams lifts system messages into the system field and clamps
// max_tokens to the context window.
func BuildParams(req *providers.ProxyRequest) anthropic.MessageNewParams {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content)
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	systemPrompt := strings.Join(system, "\n")
	texts := make([]string, 0, len(req.Messages)+1)
	for _, m := range msgs {
		for _, c := range m.Content {
			if c.OfText != nil {
				texts = append(texts, c.OfText.Text)
			}
		}
	}
	texts = append(texts, systemPrompt)
	estimate := providers.EstimateTokens(texts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(providers.SafeMaxTokens(req.MaxTokens, estimate, Budget)),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

// Normalize maps a Messages API response onto the canonical response: the
// first text block becomes the content, the stop reason goes through the
// finish-reason table and usage is summed.
func Normalize(msg *anthropic.Message) canonical.Response {
	if msg == nil {
		return canonical.Normalize(canonical.Response{})
	}

	content := ""
	for _, b := range msg.Content {
		if b.Type == "text" {
			content = b.Text
			break
		}
	}

	return canonical.Normalize(canonical.Response{
		ID:      msg.ID,
		Object:  canonical.ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   string(msg.Model),
		Choices: []canonical.Choice{{
			Index:        0,
			Message:      canonical.ResponseMessage{Role: canonical.RoleAssistant, Content: content},
			FinishReason: canonical.FinishReason(string(msg.StopReason)),
		}},
		Usage: canonical.NewUsage(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
	})
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := Normalize(msg)
	return &providers.ProxyResponse{Response: &out}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = errors.New("anthropic: stream closed before the first event")
		}
		return nil, toProviderError(err)
	}

	ch := make(chan providers.StreamEvent, providers.StreamBuffer)
	go readStream(ctx, stream, ch)

	return &providers.ProxyResponse{Stream: ch}, nil
}

// readStream translates Messages API events. The stream is already
// positioned on its first event.
//
//	message_start       -> start (input tokens remembered)
//	content_block_delta -> delta, when the text is non-empty
//	message_delta       -> finish with stop reason and usage
//	message_stop        -> stop
//
// Any other event type is skipped.
func readStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], ch chan<- providers.StreamEvent) {
	defer close(ch)
	defer stream.Close()

	var inputTokens int

	for ok := true; ok; ok = stream.Next() {
		ev := stream.Current()

		var out providers.StreamEvent
		switch ev.Type {
		case "message_start":
			inputTokens = int(ev.Message.Usage.InputTokens)
			out = providers.StreamEvent{
				Kind:    providers.EventStart,
				ID:      ev.Message.ID,
				Model:   string(ev.Message.Model),
				Created: time.Now().Unix(),
				Role:    canonical.RoleAssistant,
			}
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			out = providers.StreamEvent{Kind: providers.EventDelta, Text: ev.Delta.Text}
		case "message_delta":
			in := int(ev.Usage.InputTokens)
			if in == 0 {
				in = inputTokens
			}
			usage := canonical.NewUsage(in, int(ev.Usage.OutputTokens))
			out = providers.StreamEvent{
				Kind:         providers.EventFinish,
				FinishReason: canonical.FinishReason(string(ev.Delta.StopReason)),
				Usage:        &usage,
			}
		case "message_stop":
			out = providers.StreamEvent{Kind: providers.EventStop}
		default:
			continue
		}

		if !providers.Send(ctx, ch, out) {
			return
		}
		if out.Kind == providers.EventStop {
			return
		}
	}

	if err := stream.Err(); err != nil {
		providers.Send(ctx, ch, providers.StreamEvent{Kind: providers.EventError, Err: toProviderError(err)})
	}
}

func requestOptions(key string) ([]option.RequestOption, error) {
	if key == "" {
		return nil, apierr.Configuration("anthropic: no API key configured", nil)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		return &ProviderError{
			StatusCode: sdkErr.StatusCode,
			Message:    sdkErr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
