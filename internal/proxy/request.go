package proxy

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/pkg/apierr"
)

const (
	// DefaultAlias is used when the body names no model.
	DefaultAlias = "gpt-4o"
	// AnonymousIdentity is the rate-limit key for unidentified callers.
	AnonymousIdentity = "openai-user"
)

type (
	inboundMessage struct {
		Role        string                 `json:"role"`
		Content     json.RawMessage        `json:"content"`
		Attachments []canonical.Attachment `json:"attachments"`
	}

	inboundRequest struct {
		Model               string                 `json:"model"`
		Messages            []inboundMessage       `json:"messages"`
		Stream              bool                   `json:"stream"`
		Temperature         *float64               `json:"temperature"`
		MaxTokens           *int                   `json:"max_tokens"`
		MaxCompletionTokens *int                   `json:"max_completion_tokens"`
		User                string                 `json:"user"`
		N                   *int                   `json:"n"`
		Tools               json.RawMessage        `json:"tools"`
		Functions           json.RawMessage        `json:"functions"`
		Attachments         []canonical.Attachment `json:"attachments"`
	}

	contentPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
)

// parseRequest validates an inbound body and converts it to the canonical
// request. Identity and role are filled in by the caller.
func parseRequest(body []byte) (*canonical.Request, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apierr.InvalidRequest("request body is empty")
	}

	var in inboundRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apierr.InvalidRequest("invalid JSON: %s", err.Error())
	}
	if len(in.Messages) == 0 {
		return nil, apierr.InvalidRequest("'messages' must be a non-empty array")
	}
	if in.N != nil && *in.N > 1 {
		return nil, apierr.NotImplemented("n > 1 is not supported")
	}
	if present(in.Tools) || present(in.Functions) {
		return nil, apierr.NotImplemented("tools and functions are not supported")
	}

	msgs := make([]canonical.Message, len(in.Messages))
	for i, m := range in.Messages {
		text, err := messageText(m.Content)
		if err != nil {
			return nil, err
		}
		msgs[i] = canonical.Message{Role: m.Role, Content: text, Attachments: m.Attachments}
	}

	alias := strings.TrimSpace(in.Model)
	if alias == "" {
		alias = DefaultAlias
	}

	maxTokens := in.MaxTokens
	if in.MaxCompletionTokens != nil {
		maxTokens = in.MaxCompletionTokens
	}

	return &canonical.Request{
		Alias:       alias,
		Messages:    msgs,
		Attachments: in.Attachments,
		Temperature: in.Temperature,
		MaxTokens:   maxTokens,
		Stream:      in.Stream,
		Identity:    in.User,
	}, nil
}

func present(raw json.RawMessage) bool {
	s := bytes.TrimSpace(raw)
	return len(s) > 0 && !bytes.Equal(s, []byte("null")) && !bytes.Equal(s, []byte("[]"))
}

// messageText accepts a string, null, or an array of text parts.
func messageText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", apierr.InvalidRequest("invalid message content: %s", err.Error())
		}
		return s, nil

	case '[':
		var parts []contentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", apierr.InvalidRequest("invalid message content: %s", err.Error())
		}
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type != "text" {
				return "", apierr.NotImplemented("content part type %q is not supported", p.Type)
			}
			texts = append(texts, p.Text)
		}
		return strings.Join(texts, "\n"), nil
	}

	return "", apierr.InvalidRequest("message content must be a string or an array of text parts")
}
