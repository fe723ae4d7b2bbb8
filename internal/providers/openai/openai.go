// Package openai is the OpenAI chat-completions client. OpenAI's wire format
// is already canonical, so normalization is a field-for-field copy.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/pkg/apierr"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var (
	// StandardBudget applies to non-reasoning chat models.
	StandardBudget = providers.Budget{Window: 32000, Margin: 1000, Min: 1000}
	// ReasoningBudget leaves room for hidden reasoning tokens.
	ReasoningBudget = providers.Budget{Window: 128000, Margin: 1000, Min: 4000}
)

var reasoningPrefixes = []string{"gpt-5", "o1", "o3", "o4"}

// IsReasoningModel reports whether model belongs to a family that rejects
// temperature and takes max_completion_tokens.
func IsReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, p := range reasoningPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

type Provider struct {
	baseURL string
	timeout time.Duration
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTimeout sets the HTTP client timeout. It also bounds streams.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// New creates a client. The API key is supplied per request.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		timeout: providers.UpstreamTimeout,
	}

	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: p.timeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
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
	if _, err := p.client.Models.List(ctx, opts...); err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
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

// BuildParams converts a request into SDK params, applying the family's
// token budget and temperature rules.
func BuildParams(req *providers.ProxyRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	estimate := providers.EstimateMessages(req.Messages)

	if IsReasoningModel(req.Model) {
		params.MaxCompletionTokens = openaiSDK.Int(int64(providers.SafeMaxTokens(req.MaxTokens, estimate, ReasoningBudget)))
	} else {
		params.MaxTokens = openaiSDK.Int(int64(providers.SafeMaxTokens(req.MaxTokens, estimate, StandardBudget)))
		if req.Temperature != nil {
			params.Temperature = openaiSDK.Float(*req.Temperature)
		}
	}

	if req.Stream {
		params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaiSDK.Bool(true),
		}
	}

	return params
}

// Normalize maps a completion onto the canonical response.
func Normalize(resp *openaiSDK.ChatCompletion) canonical.Response {
	if resp == nil {
		return canonical.Normalize(canonical.Response{})
	}
	out := canonical.Response{
		ID:      resp.ID,
		Object:  canonical.ObjectCompletion,
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   canonical.NewUsage(int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens)),
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, canonical.Choice{
			Index: int(c.Index),
			Message: canonical.ResponseMessage{
				Role:    string(c.Message.Role),
				Content: c.Message.Content,
			},
			FinishReason: c.FinishReason,
		})
	}
	return canonical.Normalize(out)
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := Normalize(resp)
	return &providers.ProxyResponse{Response: &out}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	// Pull the first chunk here so connection and HTTP errors surface as
	// ordinary errors before the caller commits to an SSE response.
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = errors.New("openai: stream closed before the first chunk")
		}
		return nil, toProviderError(err)
	}

	ch := make(chan providers.StreamEvent, providers.StreamBuffer)
	go readStream(ctx, stream, ch)

	return &providers.ProxyResponse{Stream: ch}, nil
}

// readStream converts SDK chunks into stream events. The stream is already
// positioned on its first chunk.
func readStream(ctx context.Context, stream *ssestream.Stream[openaiSDK.ChatCompletionChunk], ch chan<- providers.StreamEvent) {
	defer close(ch)
	defer stream.Close()

	var (
		started      bool
		finishReason string
		usage        *canonical.Usage
	)

	for ok := true; ok; ok = stream.Next() {
		chunk := stream.Current()

		if !started {
			started = true
			if !providers.Send(ctx, ch, providers.StreamEvent{
				Kind:    providers.EventStart,
				ID:      chunk.ID,
				Model:   chunk.Model,
				Created: chunk.Created,
				Role:    canonical.RoleAssistant,
			}) {
				return
			}
		}

		if chunk.JSON.Usage.Valid() {
			u := canonical.NewUsage(int(chunk.Usage.PromptTokens), int(chunk.Usage.CompletionTokens))
			usage = &u
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]

		if c.Delta.Content != "" {
			if !providers.Send(ctx, ch, providers.StreamEvent{Kind: providers.EventDelta, Text: c.Delta.Content}) {
				return
			}
		}
		if c.FinishReason != "" {
			finishReason = c.FinishReason
		}
	}

	if err := stream.Err(); err != nil {
		providers.Send(ctx, ch, providers.StreamEvent{Kind: providers.EventError, Err: toProviderError(err)})
		return
	}

	// Usage arrives in a trailing chunk after the finish reason, so the
	// terminal event is only known once the upstream is exhausted.
	if finishReason != "" || usage != nil {
		if !providers.Send(ctx, ch, providers.StreamEvent{
			Kind:         providers.EventFinish,
			FinishReason: finishReason,
			Usage:        usage,
		}) {
			return
		}
	}
	providers.Send(ctx, ch, providers.StreamEvent{Kind: providers.EventStop})
}

func requestOptions(key string) ([]option.RequestOption, error) {
	if key == "" {
		return nil, apierr.Configuration("openai: no API key configured", nil)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return &ProviderError{
			StatusCode: sdkErr.StatusCode,
			Message:    sdkErr.Error(),
			Type:       "openai_error",
			Code:       sdkErr.Code,
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
