// Package canonical holds the OpenAI-shaped request, response and stream
// chunk types every provider is normalized into.
package canonical

import (
	"strings"
	"time"
)

const (
	ObjectCompletion = "chat.completion"
	ObjectChunk      = "chat.completion.chunk"

	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

type (
	// Attachment is a file carried by a message or a request. Data is the
	// base64 payload as received.
	Attachment struct {
		Name     string `json:"name"`
		MimeType string `json:"mimeType,omitempty"`
		Data     string `json:"data,omitempty"`
	}

	// Message is one conversation turn.
	Message struct {
		Role        string       `json:"role"`
		Content     string       `json:"content"`
		Attachments []Attachment `json:"attachments,omitempty"`
	}

	// Metadata describes where a request came from.
	Metadata struct {
		RequestID  string
		ReceivedAt time.Time
		RemoteIP   string
		UserAgent  string
	}

	// Request is the normalized inbound payload.
	Request struct {
		Alias       string
		Role        string
		Messages    []Message
		Attachments []Attachment
		Temperature *float64
		MaxTokens   *int
		Stream      bool
		Identity    string
		Meta        Metadata
	}

	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	ResponseMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	Choice struct {
		Index        int             `json:"index"`
		Message      ResponseMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	// Response is the invariant non-streaming output shape.
	Response struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
	}

	Delta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	ChunkChoice struct {
		Index        int     `json:"index"`
		Delta        Delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	ChunkError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}

	// Chunk is one increment of a streamed response. Usage is only set on
	// the terminal chunk.
	Chunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []ChunkChoice `json:"choices"`
		Usage   *Usage        `json:"usage,omitempty"`
		Error   *ChunkError   `json:"error,omitempty"`
	}
)

// NewUsage builds a Usage whose total is always the sum of its parts.
func NewUsage(in, out int) Usage {
	if in < 0 {
		in = 0
	}
	if out < 0 {
		out = 0
	}
	return Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// Content returns the first choice's text, or "".
func (r *Response) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// FinishReason returns the first choice's finish reason, or "".
func (r *Response) FinishReason() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].FinishReason
}

// Normalize fills defaults on an already canonical response. Applying it
// twice yields the same value.
func Normalize(r Response) Response {
	if r.Object == "" {
		r.Object = ObjectCompletion
	}
	if len(r.Choices) == 0 {
		r.Choices = []Choice{{Index: 0, Message: ResponseMessage{Role: RoleAssistant}}}
	}
	choices := make([]Choice, len(r.Choices))
	for i, c := range r.Choices {
		if c.Message.Role == "" {
			c.Message.Role = RoleAssistant
		}
		if c.FinishReason == "" {
			c.FinishReason = FinishStop
		}
		choices[i] = c
	}
	r.Choices = choices
	r.Usage = NewUsage(r.Usage.PromptTokens, r.Usage.CompletionTokens)
	return r
}

// LatestUserMessage returns the content of the last user turn.
func LatestUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// JoinContent concatenates every message body with newlines.
func JoinContent(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}
