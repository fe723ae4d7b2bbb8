package proxy

import (
	"errors"
	"testing"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/pkg/apierr"
)

func kindOf(t *testing.T, err error) apierr.Kind {
	t.Helper()
	var e *apierr.Error
	if !errors.As(err, &e) {
		t.Fatalf("error %v is not classified", err)
	}
	return e.Kind
}

func TestParseRequest_Defaults(t *testing.T) {
	req, err := parseRequest([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Alias != DefaultAlias {
		t.Errorf("alias = %q, want %q", req.Alias, DefaultAlias)
	}
	if req.Stream || req.Temperature != nil || req.MaxTokens != nil {
		t.Errorf("unexpected optional fields: %+v", req)
	}
	if req.Messages[0].Content != "hi" {
		t.Errorf("content = %q", req.Messages[0].Content)
	}
}

func TestParseRequest_Fields(t *testing.T) {
	req, err := parseRequest([]byte(`{
		"model":" backend-helper ",
		"stream":true,
		"temperature":0.7,
		"max_tokens":100,
		"user":"dev@example.com",
		"n":1,
		"tools":[],
		"messages":[{"role":"system","content":null},{"role":"user","content":"x"}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Alias != "backend-helper" {
		t.Errorf("alias = %q", req.Alias)
	}
	if !req.Stream {
		t.Error("stream should be true")
	}
	if req.Temperature == nil || *req.Temperature != 0.7 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 100 {
		t.Errorf("max tokens = %v", req.MaxTokens)
	}
	if req.Identity != "dev@example.com" {
		t.Errorf("identity = %q", req.Identity)
	}
	if req.Messages[0].Content != "" {
		t.Errorf("null content should be empty, got %q", req.Messages[0].Content)
	}
}

func TestParseRequest_MaxCompletionTokensWins(t *testing.T) {
	req, err := parseRequest([]byte(`{"max_tokens":10,"max_completion_tokens":20,"messages":[{"role":"user","content":"x"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 20 {
		t.Errorf("max tokens = %v, want 20", req.MaxTokens)
	}
}

func TestParseRequest_Attachments(t *testing.T) {
	req, err := parseRequest([]byte(`{
		"messages":[{"role":"user","content":"x","attachments":[{"name":"a.png","mimeType":"image/png","data":"AAAA"}]}],
		"attachments":[{"name":"b.txt","data":"BBBB"}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages[0].Attachments) != 1 || req.Messages[0].Attachments[0].MimeType != "image/png" {
		t.Errorf("message attachments = %+v", req.Messages[0].Attachments)
	}
	if len(req.Attachments) != 1 || req.Attachments[0].Name != "b.txt" {
		t.Errorf("request attachments = %+v", req.Attachments)
	}
}

func TestParseRequest_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want apierr.Kind
	}{
		{"empty", "  ", apierr.KindInvalidRequest},
		{"not json", "{", apierr.KindInvalidRequest},
		{"missing messages", `{"model":"x"}`, apierr.KindInvalidRequest},
		{"numeric content", `{"messages":[{"role":"user","content":42}]}`, apierr.KindInvalidRequest},
		{"n=3", `{"n":3,"messages":[{"role":"user","content":"x"}]}`, apierr.KindNotImplemented},
		{"tools", `{"tools":[{"type":"function"}],"messages":[{"role":"user","content":"x"}]}`, apierr.KindNotImplemented},
		{"functions", `{"functions":[{"name":"f"}],"messages":[{"role":"user","content":"x"}]}`, apierr.KindNotImplemented},
		{"image part", `{"messages":[{"role":"user","content":[{"type":"image_url"}]}]}`, apierr.KindNotImplemented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseRequest([]byte(tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := kindOf(t, err); got != tc.want {
				t.Errorf("kind = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMessageText_Parts(t *testing.T) {
	got, err := messageText([]byte(`[{"type":"text","text":"one"},{"type":"text","text":"two"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if got != "one\ntwo" {
		t.Errorf("text = %q", got)
	}
}

func TestPresent(t *testing.T) {
	cases := map[string]bool{
		``:        false,
		`null`:    false,
		`[]`:      false,
		`[{}]`:    true,
		`{"a":1}`: true,
	}
	for raw, want := range cases {
		if got := present([]byte(raw)); got != want {
			t.Errorf("present(%q) = %v, want %v", raw, got, want)
		}
	}
}
