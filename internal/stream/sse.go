package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/providers"
)

// Done is the terminal SSE sentinel.
const Done = "[DONE]"

// WriteChunk writes one "data: <json>\n\n" frame and flushes it.
func WriteChunk(w *bufio.Writer, c canonical.Chunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("stream: marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return w.Flush()
}

// WriteDone writes the [DONE] sentinel and flushes it.
func WriteDone(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", Done); err != nil {
		return err
	}
	return w.Flush()
}

// Pump forwards events to w in order until the translator terminates, the
// channel closes, or ctx ends. The terminal chunk and [DONE] are always
// attempted. A non-nil return means the caller could not be written to.
//
// Each write flushes, so a slow reader blocks Pump, which in turn stops
// draining events and stalls the upstream reader on its bounded channel.
func Pump(ctx context.Context, events <-chan providers.StreamEvent, t *Translator, w *bufio.Writer) error {
	write := func(chunks []canonical.Chunk) error {
		for _, c := range chunks {
			if err := WriteChunk(w, c); err != nil {
				return err
			}
		}
		return nil
	}

	var werr error
loop:
	for !t.Done() {
		select {
		case <-ctx.Done():
			werr = write(t.Close(ctx.Err()))
			break loop
		case ev, ok := <-events:
			if !ok {
				werr = write(t.Close(nil))
				break loop
			}
			if werr = write(t.Handle(ev)); werr != nil {
				t.Close(werr)
				return werr
			}
		}
	}
	if werr != nil {
		return werr
	}
	return WriteDone(w)
}
