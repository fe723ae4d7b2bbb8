// Package stream turns provider-neutral stream events into canonical
// chat.completion.chunk objects and writes them as server-sent events.
//
// A Translator is a per-connection state machine:
//
//	awaitingStart -> streaming -> terminated
//
// Every chunk it produces shares one id/model/created. Exactly one chunk
// carries a finish reason, and nothing is produced after it.
package stream

import (
	"errors"
	"strings"
	"time"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/pkg/apierr"
)

type state int

const (
	awaitingStart state = iota
	streaming
	terminated
)

func (s state) String() string {
	switch s {
	case awaitingStart:
		return "awaiting_start"
	case streaming:
		return "streaming"
	default:
		return "terminated"
	}
}

// ErrTruncated marks a stream the upstream closed without a terminal event.
var ErrTruncated = errors.New("stream: upstream ended without a terminal event")

// Translator is not safe for concurrent use; one goroutine owns it.
type Translator struct {
	id       string
	model    string
	provider string
	created  int64

	state        state
	content      strings.Builder
	finishReason string
	usage        *canonical.Usage
	estimated    bool
	err          error
}

// NewTranslator seeds the stream identity. Values supplied by the upstream
// start event replace empty seeds only, so a caller-visible id chosen up
// front is kept. provider names the upstream in error chunks.
func NewTranslator(id, model, provider string) *Translator {
	return &Translator{id: id, model: model, provider: provider}
}

// Handle consumes one event and returns the chunks to forward, in order.
func (t *Translator) Handle(ev providers.StreamEvent) []canonical.Chunk {
	if t.state == terminated {
		return nil
	}

	switch ev.Kind {
	case providers.EventStart:
		if t.state == awaitingStart {
			return []canonical.Chunk{t.start(ev)}
		}
		return nil

	case providers.EventDelta:
		if ev.Text == "" {
			return nil
		}
		var out []canonical.Chunk
		if t.state == awaitingStart {
			out = append(out, t.start(ev))
		}
		t.content.WriteString(ev.Text)
		return append(out, t.chunk(canonical.Delta{Content: ev.Text}, nil))

	case providers.EventFinish:
		var out []canonical.Chunk
		if t.state == awaitingStart {
			out = append(out, t.start(ev))
		}
		return append(out, t.finish(ev.FinishReason, ev.Usage))

	case providers.EventStop:
		var out []canonical.Chunk
		if t.state == awaitingStart {
			out = append(out, t.start(ev))
		}
		return append(out, t.finish(canonical.FinishStop, nil))

	case providers.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("stream: upstream error")
		}
		return []canonical.Chunk{t.fail(err)}
	}
	return nil
}

// Close ends the stream when the event source is exhausted or abandoned.
// cause is nil for a clean end of channel. It returns the terminal chunk if
// one is still owed.
func (t *Translator) Close(cause error) []canonical.Chunk {
	if t.state == terminated {
		return nil
	}
	if cause == nil {
		if t.state == awaitingStart {
			cause = ErrTruncated
		} else {
			return []canonical.Chunk{t.finish(canonical.FinishStop, nil)}
		}
	}
	return []canonical.Chunk{t.fail(cause)}
}

// Done reports whether the terminal chunk has been produced.
func (t *Translator) Done() bool { return t.state == terminated }

// Err returns the failure that ended the stream, if any. Unlike the error
// chunk it keeps the upstream text.
func (t *Translator) Err() error { return t.err }

// UsageEstimated reports whether usage was derived from content length.
func (t *Translator) UsageEstimated() bool { return t.estimated }

// Result reconstructs the response exactly as the caller received it.
func (t *Translator) Result() canonical.Response {
	usage := canonical.Usage{}
	if t.usage != nil {
		usage = *t.usage
	}
	return canonical.Response{
		ID:      t.id,
		Object:  canonical.ObjectCompletion,
		Created: t.created,
		Model:   t.model,
		Choices: []canonical.Choice{{
			Index:        0,
			Message:      canonical.ResponseMessage{Role: canonical.RoleAssistant, Content: t.content.String()},
			FinishReason: t.finishReason,
		}},
		Usage: usage,
	}
}

func (t *Translator) start(ev providers.StreamEvent) canonical.Chunk {
	if t.id == "" {
		t.id = ev.ID
	}
	if t.model == "" {
		t.model = ev.Model
	}
	t.created = ev.Created
	if t.created == 0 {
		t.created = time.Now().Unix()
	}
	t.state = streaming
	return t.chunk(canonical.Delta{Role: canonical.RoleAssistant}, nil)
}

func (t *Translator) finish(reason string, usage *canonical.Usage) canonical.Chunk {
	if reason == "" {
		reason = canonical.FinishStop
	}
	t.finishReason = reason
	t.settleUsage(usage)
	t.state = terminated

	u := *t.usage
	c := t.chunk(canonical.Delta{}, &reason)
	c.Usage = &u
	return c
}

func (t *Translator) fail(err error) canonical.Chunk {
	if t.created == 0 {
		t.created = time.Now().Unix()
	}
	t.err = err
	t.finishReason = canonical.FinishError
	t.settleUsage(nil)
	t.state = terminated

	reason := canonical.FinishError
	c := t.chunk(canonical.Delta{}, &reason)
	e := apierr.ProviderFailure(t.provider, err)
	c.Error = &canonical.ChunkError{Message: e.Message, Type: apierr.TypeProviderError}
	return c
}

// settleUsage keeps reported usage, else estimates output tokens from the
// content seen so far. Input tokens are unknown in that case.
func (t *Translator) settleUsage(reported *canonical.Usage) {
	if reported != nil {
		u := canonical.NewUsage(reported.PromptTokens, reported.CompletionTokens)
		t.usage = &u
		return
	}
	if t.usage != nil {
		return
	}
	u := canonical.NewUsage(0, providers.EstimateTokens(t.content.String()))
	t.usage = &u
	t.estimated = true
}

func (t *Translator) chunk(d canonical.Delta, finish *string) canonical.Chunk {
	return canonical.Chunk{
		ID:      t.id,
		Object:  canonical.ObjectChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []canonical.ChunkChoice{{Index: 0, Delta: d, FinishReason: finish}},
	}
}
