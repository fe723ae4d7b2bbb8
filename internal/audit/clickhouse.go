package audit

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const clickhouseSchema = `CREATE TABLE IF NOT EXISTS ai_api_logs (
	request_id          String,
	created_at          DateTime64(3, 'UTC'),
	identity            String,
	role                LowCardinality(String),
	provider            LowCardinality(String),
	model               LowCardinality(String),
	stream              Bool,
	messages            String,
	latest_user_message String,
	context_preview     String,
	response            String,
	finish_reason       LowCardinality(String),
	tokens_in           Int64,
	tokens_out          Int64,
	total_tokens        Int64,
	cost_usd            Float64,
	latency_ms          Int64,
	status              Int32,
	error               String,
	attachments         String,
	remote_ip           String,
	user_agent          String
) ENGINE = MergeTree
ORDER BY (created_at, request_id)`

// ClickHouseSink appends records to ai_api_logs in ClickHouse.
type ClickHouseSink struct {
	conn driver.Conn
}

// OpenClickHouse connects with a clickhouse:// DSN, pings and migrates.
func OpenClickHouse(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: migrate clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, rec Record) error {
	msgs, atts, err := marshalColumns(rec)
	if err != nil {
		return err
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO ai_api_logs")
	if err != nil {
		return fmt.Errorf("audit: clickhouse prepare: %w", err)
	}
	defer batch.Abort()

	if err := batch.Append(
		rec.RequestID, rec.Timestamp.UTC(), rec.Identity, rec.Role, rec.Provider, rec.Model, rec.Stream,
		msgs, rec.LatestUser, rec.ContextPreview, rec.Response, rec.FinishReason,
		int64(rec.TokensIn), int64(rec.TokensOut), int64(rec.TotalTokens), rec.CostUSD, rec.LatencyMs, int32(rec.Status),
		rec.Error, atts, rec.RemoteIP, rec.UserAgent,
	); err != nil {
		return fmt.Errorf("audit: clickhouse append: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: clickhouse send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
