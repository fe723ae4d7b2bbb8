package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS ai_api_logs (
	request_id          TEXT PRIMARY KEY,
	created_at          DATETIME NOT NULL,
	identity            TEXT,
	role                TEXT,
	provider            TEXT,
	model               TEXT,
	stream              INTEGER,
	messages            TEXT,
	latest_user_message TEXT,
	context_preview     TEXT,
	response            TEXT,
	finish_reason       TEXT,
	tokens_in           INTEGER,
	tokens_out          INTEGER,
	total_tokens        INTEGER,
	cost_usd            REAL,
	latency_ms          INTEGER,
	status              INTEGER,
	error               TEXT,
	attachments         TEXT,
	remote_ip           TEXT,
	user_agent          TEXT
)`

// SQLiteSink appends records to the ai_api_logs table of a SQLite file.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// ":memory:" is accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_ai_api_logs_created ON ai_api_logs(created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate sqlite: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Write(ctx context.Context, rec Record) error {
	msgs, atts, err := marshalColumns(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ai_api_logs
		(request_id, created_at, identity, role, provider, model, stream,
		 messages, latest_user_message, context_preview, response, finish_reason,
		 tokens_in, tokens_out, total_tokens, cost_usd, latency_ms, status,
		 error, attachments, remote_ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Timestamp.UTC(), rec.Identity, rec.Role, rec.Provider, rec.Model, rec.Stream,
		msgs, rec.LatestUser, rec.ContextPreview, rec.Response, rec.FinishReason,
		rec.TokensIn, rec.TokensOut, rec.TotalTokens, rec.CostUSD, rec.LatencyMs, rec.Status,
		rec.Error, atts, rec.RemoteIP, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("audit: sqlite insert: %w", err)
	}
	return nil
}

// DB exposes the handle for queries and tests.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

func (s *SQLiteSink) Close() error { return s.db.Close() }

func marshalColumns(rec Record) (string, string, error) {
	msgs, err := json.Marshal(rec.Messages)
	if err != nil {
		return "", "", fmt.Errorf("audit: marshal messages: %w", err)
	}
	atts := []byte("[]")
	if len(rec.Attachments) > 0 {
		if atts, err = json.Marshal(rec.Attachments); err != nil {
			return "", "", fmt.Errorf("audit: marshal attachments: %w", err)
		}
	}
	return string(msgs), string(atts), nil
}
