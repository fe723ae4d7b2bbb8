package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
)

func feed(events ...providers.StreamEvent) <-chan providers.StreamEvent {
	ch := make(chan providers.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// parseSSE splits a body into chunks and reports whether [DONE] came last.
func parseSSE(t *testing.T, body string) ([]canonical.Chunk, bool) {
	t.Helper()
	var chunks []canonical.Chunk
	done := false
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		if done {
			t.Fatalf("frame after [DONE]: %q", frame)
		}
		data, ok := strings.CutPrefix(frame, "data: ")
		if !ok {
			t.Fatalf("malformed frame %q", frame)
		}
		if data == Done {
			done = true
			continue
		}
		var c canonical.Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, done
}

func pump(t *testing.T, ctx context.Context, tr *Translator, events <-chan providers.StreamEvent) ([]canonical.Chunk, bool) {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := Pump(ctx, events, tr, w); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	return parseSSE(t, buf.String())
}

func terminalCount(chunks []canonical.Chunk) int {
	n := 0
	for _, c := range chunks {
		if c.Choices[0].FinishReason != nil {
			n++
		}
	}
	return n
}

func contentOf(chunks []canonical.Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Choices[0].Delta.Content)
	}
	return sb.String()
}

func TestPump_AnthropicScenario(t *testing.T) {
	usage := canonical.NewUsage(10, 2)
	tr := NewTranslator("chatcmpl-fixed", "", "openai")
	chunks, done := pump(t, context.Background(), tr, feed(
		providers.StreamEvent{Kind: providers.EventStart, ID: "msg-1", Model: "claude-3-5-sonnet-20240620", Created: 1700000000},
		providers.StreamEvent{Kind: providers.EventDelta, Text: "Hel"},
		providers.StreamEvent{Kind: providers.EventDelta, Text: "lo"},
		providers.StreamEvent{Kind: providers.EventFinish, FinishReason: "stop", Usage: &usage},
		providers.StreamEvent{Kind: providers.EventStop},
	))

	if !done {
		t.Fatal("missing [DONE]")
	}
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4: %+v", len(chunks), chunks)
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk must carry the role: %+v", chunks[0])
	}
	if got := contentOf(chunks); got != "Hello" {
		t.Errorf("content = %q", got)
	}

	last := chunks[3]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Fatalf("terminal chunk = %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 12 {
		t.Fatalf("usage = %+v", last.Usage)
	}

	for i, c := range chunks {
		if c.ID != "chatcmpl-fixed" || c.Model != "claude-3-5-sonnet-20240620" || c.Created != 1700000000 {
			t.Errorf("chunk %d identity = %s/%s/%d", i, c.ID, c.Model, c.Created)
		}
		if c.Object != "chat.completion.chunk" {
			t.Errorf("chunk %d object = %q", i, c.Object)
		}
		if i < 3 && c.Usage != nil {
			t.Errorf("chunk %d carries usage", i)
		}
	}
}

func TestPump_ContentMatchesResult(t *testing.T) {
	tr := NewTranslator("", "", "openai")
	chunks, _ := pump(t, context.Background(), tr, feed(
		providers.StreamEvent{Kind: providers.EventStart, ID: "chatcmpl-9", Model: "gpt-4o"},
		providers.StreamEvent{Kind: providers.EventDelta, Text: "The answer "},
		providers.StreamEvent{Kind: providers.EventDelta, Text: "is "},
		providers.StreamEvent{Kind: providers.EventDelta, Text: "42."},
		providers.StreamEvent{Kind: providers.EventFinish, FinishReason: "stop"},
	))

	res := tr.Result()
	if res.Content() != contentOf(chunks) || res.Content() != "The answer is 42." {
		t.Fatalf("result %q vs stream %q", res.Content(), contentOf(chunks))
	}
	if res.ID != "chatcmpl-9" || res.FinishReason() != "stop" {
		t.Fatalf("result = %+v", res)
	}
	if res.Usage.TotalTokens != res.Usage.PromptTokens+res.Usage.CompletionTokens {
		t.Fatalf("usage not summed: %+v", res.Usage)
	}
}

func TestPump_EstimatesUsageWhenMissing(t *testing.T) {
	tr := NewTranslator("id", "gpt-4o", "openai")
	chunks, done := pump(t, context.Background(), tr, feed(
		providers.StreamEvent{Kind: providers.EventStart},
		providers.StreamEvent{Kind: providers.EventDelta, Text: "abcd"},
	))

	if !done || terminalCount(chunks) != 1 {
		t.Fatalf("done=%v terminal=%d", done, terminalCount(chunks))
	}
	last := chunks[len(chunks)-1]
	if last.Usage == nil || *last.Usage != (canonical.Usage{PromptTokens: 0, CompletionTokens: 2, TotalTokens: 2}) {
		t.Fatalf("usage = %+v", last.Usage)
	}
	if !tr.UsageEstimated() {
		t.Error("expected estimated usage")
	}
}

func TestPump_MidStreamError(t *testing.T) {
	tr := NewTranslator("id", "gpt-4o", "openai")
	chunks, done := pump(t, context.Background(), tr, feed(
		providers.StreamEvent{Kind: providers.EventStart},
		providers.StreamEvent{Kind: providers.EventDelta, Text: "Par"},
		providers.StreamEvent{Kind: providers.EventError, Err: errors.New(`POST "https://internal-proxy.corp:8443/v1/chat": 500 db replica 10.0.3.7 down`)},
	))

	if !done {
		t.Fatal("missing [DONE] after error")
	}
	if terminalCount(chunks) != 1 {
		t.Fatalf("terminal chunks = %d, want 1", terminalCount(chunks))
	}
	last := chunks[len(chunks)-1]
	if *last.Choices[0].FinishReason != "error" || last.Error == nil {
		t.Fatalf("error chunk = %+v", last)
	}
	if last.Choices[0].Delta != (canonical.Delta{}) {
		t.Errorf("error chunk delta must be empty: %+v", last.Choices[0].Delta)
	}
	if last.Error.Message != "openai is unavailable" || last.Error.Type == "" {
		t.Errorf("error = %+v", last.Error)
	}
	if tr.Err() == nil || !strings.Contains(tr.Err().Error(), "10.0.3.7") {
		t.Errorf("translator must keep the upstream text: %v", tr.Err())
	}
	if res := tr.Result(); res.FinishReason() != "error" {
		t.Errorf("result = %+v", res)
	}
}

func TestPump_StatusErrorMessage(t *testing.T) {
	tr := NewTranslator("id", "claude-sonnet-4", "anthropic")
	chunks, _ := pump(t, context.Background(), tr, feed(
		providers.StreamEvent{Kind: providers.EventStart},
		providers.StreamEvent{Kind: providers.EventError, Err: statusError{status: 529, body: `{"type":"overloaded_error"}`}},
	))

	last := chunks[len(chunks)-1]
	if last.Error == nil || last.Error.Message != "anthropic returned HTTP 529" {
		t.Fatalf("error = %+v", last.Error)
	}
}

func TestPump_DeadlineMessage(t *testing.T) {
	tr := NewTranslator("id", "gpt-4o", "openai")
	chunks, _ := pump(t, context.Background(), tr, feed(
		providers.StreamEvent{Kind: providers.EventStart},
		providers.StreamEvent{Kind: providers.EventError, Err: context.DeadlineExceeded},
	))

	last := chunks[len(chunks)-1]
	if last.Error == nil || last.Error.Message != "provider request timed out" {
		t.Fatalf("error = %+v", last.Error)
	}
}

func TestPump_EmptyUpstream(t *testing.T) {
	tr := NewTranslator("id", "gpt-4o", "openai")
	chunks, done := pump(t, context.Background(), tr, feed())

	if !done || len(chunks) != 1 || terminalCount(chunks) != 1 {
		t.Fatalf("done=%v chunks=%+v", done, chunks)
	}
	if !errors.Is(tr.Err(), ErrTruncated) {
		t.Fatalf("err = %v", tr.Err())
	}
}

func TestPump_DeadlineEndsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan providers.StreamEvent) // never written
	tr := NewTranslator("id", "gpt-4o", "openai")
	chunks, done := pump(t, ctx, tr, events)

	if !done || terminalCount(chunks) != 1 {
		t.Fatalf("done=%v chunks=%+v", done, chunks)
	}
	if !errors.Is(tr.Err(), context.Canceled) {
		t.Fatalf("err = %v", tr.Err())
	}
}

func TestTranslator_IgnoresEventsAfterTerminal(t *testing.T) {
	tr := NewTranslator("id", "m", "openai")
	tr.Handle(providers.StreamEvent{Kind: providers.EventStart})
	tr.Handle(providers.StreamEvent{Kind: providers.EventFinish, FinishReason: "length"})

	if out := tr.Handle(providers.StreamEvent{Kind: providers.EventDelta, Text: "late"}); out != nil {
		t.Fatalf("emitted after terminal: %+v", out)
	}
	if out := tr.Handle(providers.StreamEvent{Kind: providers.EventFinish}); out != nil {
		t.Fatalf("second terminal: %+v", out)
	}
	if out := tr.Close(nil); out != nil {
		t.Fatalf("close after terminal: %+v", out)
	}
	if res := tr.Result(); res.FinishReason() != "length" {
		t.Fatalf("finish = %q", res.FinishReason())
	}
}

type statusError struct {
	status int
	body   string
}

func (e statusError) Error() string   { return e.body }
func (e statusError) HTTPStatus() int { return e.status }

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestPump_CallerGone(t *testing.T) {
	tr := NewTranslator("id", "m", "openai")
	w := bufio.NewWriter(failingWriter{})
	err := Pump(context.Background(), feed(
		providers.StreamEvent{Kind: providers.EventStart},
		providers.StreamEvent{Kind: providers.EventDelta, Text: "x"},
	), tr, w)

	if err == nil {
		t.Fatal("expected write error")
	}
	if !tr.Done() || tr.Err() == nil {
		t.Fatalf("translator not terminated: done=%v err=%v", tr.Done(), tr.Err())
	}
}
