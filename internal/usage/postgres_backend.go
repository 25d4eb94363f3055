package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend implements the Backend interface using PostgreSQL with pgx.
// Batches are written with COPY.
type PostgresBackend struct {
	*batchWriter
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL DEFAULT '',
	api_key_id TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	client_format TEXT NOT NULL DEFAULT '',
	requested_model TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	combo TEXT NOT NULL DEFAULT '',
	credential TEXT NOT NULL DEFAULT '',
	stream BOOLEAN NOT NULL DEFAULT FALSE,
	status INTEGER NOT NULL DEFAULT 0,
	failed BOOLEAN NOT NULL DEFAULT FALSE,
	error TEXT NOT NULL DEFAULT '',
	latency_ms BIGINT NOT NULL DEFAULT 0,
	requested_at TIMESTAMPTZ NOT NULL,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	reasoning_tokens BIGINT NOT NULL DEFAULT 0,
	cached_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	phases JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_usage_requested_at ON usage_records(requested_at);
CREATE INDEX IF NOT EXISTS idx_usage_api_key ON usage_records(api_key_id);
CREATE INDEX IF NOT EXISTS idx_usage_provider_model ON usage_records(provider, model);

CREATE TABLE IF NOT EXISTS request_attempts (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	attempt_type TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	connection_id TEXT NOT NULL DEFAULT '',
	selection_reason TEXT NOT NULL DEFAULT '',
	circuit_breaker_state TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	latency_ms BIGINT NOT NULL DEFAULT 0,
	skipped BOOLEAN NOT NULL DEFAULT FALSE,
	skip_reason TEXT NOT NULL DEFAULT '',
	combo_name TEXT NOT NULL DEFAULT '',
	api_key_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_request ON request_attempts(request_id);
CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON request_attempts(created_at);
`

var (
	recordColumns = []string{
		"request_id", "api_key_id", "endpoint", "client_format", "requested_model",
		"provider", "model", "combo", "credential", "stream", "status", "failed", "error",
		"latency_ms", "requested_at", "input_tokens", "output_tokens",
		"reasoning_tokens", "cached_tokens", "total_tokens", "cost", "phases",
	}
	attemptColumns = []string{
		"id", "request_id", "attempt_number", "attempt_type", "model", "provider",
		"connection_id", "selection_reason", "circuit_breaker_state", "status", "error",
		"latency_ms", "skipped", "skip_reason", "combo_name", "api_key_id", "created_at",
	}
)

// NewPostgresBackend creates a new PostgreSQL-backed persistence layer.
// The backend must be started with Start() before use.
func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	b := &PostgresBackend{pool: pool}
	b.batchWriter = newBatchWriter(b, cfg)
	return b, nil
}

func (b *PostgresBackend) Start() error {
	b.start()
	return nil
}

func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stop()
	b.pool.Close()
	return nil
}

func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0)::BIGINT,
			COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE requested_at >= $1
	`, since)

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.TotalTokens, &stats.TotalCost); err != nil {
		return nil, fmt.Errorf("failed to query global stats: %w", err)
	}
	return &stats, nil
}

func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			DATE(requested_at)::TEXT as day,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0)::BIGINT,
			COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE requested_at >= $1
		GROUP BY DATE(requested_at)
		ORDER BY day
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Requests, &d.Tokens, &d.Cost); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			EXTRACT(HOUR FROM requested_at)::INTEGER as hour,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0)::BIGINT
		FROM usage_records
		WHERE requested_at >= $1
		GROUP BY hour
		ORDER BY hour
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly stats: %w", err)
	}
	defer rows.Close()

	var results []HourlyStats
	for rows.Next() {
		var h HourlyStats
		if err := rows.Scan(&h.Hour, &h.Requests, &h.Tokens); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COUNT(*) as requests,
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0)::BIGINT,
			COALESCE(SUM(output_tokens), 0)::BIGINT,
			COALESCE(SUM(reasoning_tokens), 0)::BIGINT,
			COALESCE(SUM(total_tokens), 0)::BIGINT,
			COUNT(DISTINCT NULLIF(credential, '')),
			COALESCE(ARRAY_AGG(DISTINCT model) FILTER (WHERE model != ''), '{}')
		FROM usage_records
		WHERE requested_at >= $1
		GROUP BY 1
		ORDER BY requests DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider stats: %w", err)
	}
	defer rows.Close()

	var results []ProviderStats
	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(
			&ps.Provider, &ps.Requests, &ps.SuccessCount, &ps.FailureCount,
			&ps.InputTokens, &ps.OutputTokens, &ps.ReasoningTokens, &ps.TotalTokens,
			&ps.CredentialCount, &ps.Models,
		); err != nil {
			return nil, err
		}
		results = append(results, ps)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(model, ''), 'unknown'),
			COALESCE(NULLIF(provider, ''), 'unknown'),
			COUNT(*) as requests,
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0)::BIGINT,
			COALESCE(SUM(output_tokens), 0)::BIGINT,
			COALESCE(SUM(total_tokens), 0)::BIGINT,
			COALESCE(AVG(latency_ms), 0)::DOUBLE PRECISION
		FROM usage_records
		WHERE requested_at >= $1
		GROUP BY 1, 2
		ORDER BY requests DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query model stats: %w", err)
	}
	defer rows.Close()

	var results []ModelStats
	for rows.Next() {
		var ms ModelStats
		if err := rows.Scan(
			&ms.Model, &ms.Provider, &ms.Requests, &ms.SuccessCount, &ms.FailureCount,
			&ms.InputTokens, &ms.OutputTokens, &ms.TotalTokens, &ms.AvgLatencyMs,
		); err != nil {
			return nil, err
		}
		results = append(results, ms)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryKeySpend(ctx context.Context) (map[string]float64, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT api_key_id, COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE api_key_id != ''
		GROUP BY api_key_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query key spend: %w", err)
	}
	defer rows.Close()

	spend := make(map[string]float64)
	for rows.Next() {
		var key string
		var cost float64
		if err := rows.Scan(&key, &cost); err != nil {
			return nil, err
		}
		spend[key] = cost
	}
	return spend, rows.Err()
}

func (b *PostgresBackend) QueryAttempts(ctx context.Context, requestID string) ([]Attempt, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, request_id, attempt_number, attempt_type, model, provider,
			connection_id, selection_reason, circuit_breaker_state, status, error,
			latency_ms, skipped, skip_reason, combo_name, api_key_id, created_at
		FROM request_attempts
		WHERE request_id = $1
		ORDER BY attempt_number
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var results []Attempt
	for rows.Next() {
		var a Attempt
		var typ string
		var latencyMs int64
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.Number, &typ, &a.Model, &a.Provider,
			&a.ConnectionID, &a.SelectionReason, &a.BreakerState, &a.Status, &a.Error,
			&latencyMs, &a.Skipped, &a.SkipReason, &a.Combo, &a.APIKeyID, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Type = AttemptType(typ)
		a.Latency = time.Duration(latencyMs) * time.Millisecond
		results = append(results, a)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM usage_records WHERE requested_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	tag, err = b.pool.Exec(ctx, `DELETE FROM request_attempts WHERE created_at < $1`, before)
	if err != nil {
		return n, err
	}
	return n + tag.RowsAffected(), nil
}

func (b *PostgresBackend) writeRecords(ctx context.Context, records []Record) error {
	_, err := b.pool.CopyFrom(
		ctx,
		pgx.Identifier{"usage_records"},
		recordColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			return recordArgs(records[i]), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy records: %w", err)
	}
	return nil
}

func (b *PostgresBackend) writeAttempts(ctx context.Context, attempts []Attempt) error {
	_, err := b.pool.CopyFrom(
		ctx,
		pgx.Identifier{"request_attempts"},
		attemptColumns,
		pgx.CopyFromSlice(len(attempts), func(i int) ([]any, error) {
			return attemptArgs(attempts[i]), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy attempts: %w", err)
	}
	return nil
}
