package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

// LogSink writes each record as a structured "chat_completion" event.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	attrs := []slog.Attr{
		slog.String("request_id", rec.RequestID),
		slog.String("identity", rec.Identity),
		slog.String("role", rec.Role),
		slog.String("provider", rec.Provider),
		slog.String("model", rec.Model),
		slog.Bool("stream", rec.Stream),
		slog.String("finish_reason", rec.FinishReason),
		slog.Int("tokens_in", rec.TokensIn),
		slog.Int("tokens_out", rec.TokensOut),
		slog.Int("total_tokens", rec.TotalTokens),
		slog.Float64("cost_usd", rec.CostUSD),
		slog.Int64("latency_ms", rec.LatencyMs),
		slog.Int("status", rec.Status),
		slog.String("context_preview", rec.ContextPreview),
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}
	if len(rec.Attachments) > 0 {
		attrs = append(attrs, slog.Int("attachments", len(rec.Attachments)))
	}

	level := slog.LevelInfo
	if rec.Status >= 500 {
		level = slog.LevelError
	} else if rec.Status >= 400 {
		level = slog.LevelWarn
	}
	s.log.LogAttrs(ctx, level, "chat_completion", attrs...)
	return nil
}

// BlobSink stores each record as a JSON object at
// audit/<yyyy-mm-dd>/<request_id>.json. Objects are write-once.
type BlobSink struct {
	blob store.Blob
}

func NewBlobSink(blob store.Blob) *BlobSink {
	return &BlobSink{blob: blob}
}

func (s *BlobSink) Name() string { return "blob" }

// Key returns the object key for rec.
func (s *BlobSink) Key(rec Record) string {
	return fmt.Sprintf("audit/%s/%s.json", rec.Timestamp.UTC().Format("2006-01-02"), rec.RequestID)
}

func (s *BlobSink) Write(ctx context.Context, rec Record) error {
	if rec.RequestID == "" {
		return errors.New("audit: blob sink: record has no request id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	err = s.blob.PutOnce(ctx, s.Key(rec), body)
	if errors.Is(err, store.ErrExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: blob sink: %w", err)
	}
	return nil
}
