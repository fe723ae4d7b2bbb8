package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS ai_api_logs (
	request_id          TEXT PRIMARY KEY,
	created_at          TIMESTAMPTZ NOT NULL,
	identity            TEXT,
	role                TEXT,
	provider            TEXT,
	model               TEXT,
	stream              BOOLEAN,
	messages            JSONB,
	latest_user_message TEXT,
	context_preview     TEXT,
	response            TEXT,
	finish_reason       TEXT,
	tokens_in           INTEGER,
	tokens_out          INTEGER,
	total_tokens        INTEGER,
	cost_usd            DOUBLE PRECISION,
	latency_ms          BIGINT,
	status              INTEGER,
	error               TEXT,
	attachments         JSONB,
	remote_ip           TEXT,
	user_agent          TEXT
);
CREATE INDEX IF NOT EXISTS idx_ai_api_logs_created ON ai_api_logs (created_at);`

// PostgresSink writes records to ai_api_logs through a pgx pool.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse postgres dsn: %w", err)
	}
	if cfg.MaxConns == 0 || cfg.MaxConns > 10 {
		cfg.MaxConns = 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: migrate postgres: %w", err)
	}

	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	msgs, atts, err := marshalColumns(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ai_api_logs
		(request_id, created_at, identity, role, provider, model, stream,
		 messages, latest_user_message, context_preview, response, finish_reason,
		 tokens_in, tokens_out, total_tokens, cost_usd, latency_ms, status,
		 error, attachments, remote_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20::jsonb, $21, $22)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.Timestamp.UTC(), rec.Identity, rec.Role, rec.Provider, rec.Model, rec.Stream,
		msgs, rec.LatestUser, rec.ContextPreview, rec.Response, rec.FinishReason,
		rec.TokensIn, rec.TokensOut, rec.TotalTokens, rec.CostUSD, rec.LatencyMs, rec.Status,
		rec.Error, atts, rec.RemoteIP, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("audit: postgres insert: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
