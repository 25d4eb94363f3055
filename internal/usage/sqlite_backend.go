package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nghyane/omnigate/internal/json"
	_ "modernc.org/sqlite"
)

// SQLiteBackend implements the Backend interface using SQLite in WAL mode
// behind a single connection.
type SQLiteBackend struct {
	*batchWriter
	db     *sql.DB
	dbPath string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL DEFAULT '',
	api_key_id TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	client_format TEXT NOT NULL DEFAULT '',
	requested_model TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	combo TEXT NOT NULL DEFAULT '',
	credential TEXT NOT NULL DEFAULT '',
	stream BOOLEAN NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	failed BOOLEAN NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	requested_at TIMESTAMP NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	phases TEXT NOT NULL DEFAULT '{}'
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
	latency_ms INTEGER NOT NULL DEFAULT 0,
	skipped BOOLEAN NOT NULL DEFAULT 0,
	skip_reason TEXT NOT NULL DEFAULT '',
	combo_name TEXT NOT NULL DEFAULT '',
	api_key_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_request ON request_attempts(request_id);
CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON request_attempts(created_at);
`

// NewSQLiteBackend creates a new SQLite-backed persistence layer.
// The backend must be started with Start() before use.
func NewSQLiteBackend(dbPath string, cfg BackendConfig) (*SQLiteBackend, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("SQLite path is required")
	}

	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	b := &SQLiteBackend{db: db, dbPath: dbPath}
	b.batchWriter = newBatchWriter(b, cfg)
	return b, nil
}

func (b *SQLiteBackend) Start() error {
	b.start()
	return nil
}

func (b *SQLiteBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stop()
	return b.db.Close()
}

// DBPath returns the filesystem path to the SQLite database.
func (b *SQLiteBackend) DBPath() string {
	if b == nil {
		return ""
	}
	return b.dbPath
}

func (b *SQLiteBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE requested_at >= ?
	`, sqliteTime(since))

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.TotalTokens, &stats.TotalCost); err != nil {
		return nil, fmt.Errorf("failed to query global stats: %w", err)
	}
	return &stats, nil
}

func (b *SQLiteBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			DATE(requested_at) as day,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE requested_at >= ?
		GROUP BY day
		HAVING day IS NOT NULL
		ORDER BY day
	`, sqliteTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		var day sql.NullString
		if err := rows.Scan(&day, &d.Requests, &d.Tokens, &d.Cost); err != nil {
			return nil, err
		}
		if day.Valid && day.String != "" {
			d.Day = day.String
			results = append(results, d)
		}
	}
	return results, rows.Err()
}

func (b *SQLiteBackend) QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			CAST(strftime('%H', requested_at) AS INTEGER) as hour,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE requested_at >= ?
		GROUP BY hour
		HAVING hour IS NOT NULL
		ORDER BY hour
	`, sqliteTime(since))
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

func (b *SQLiteBackend) QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COUNT(*) as requests,
			COALESCE(SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(reasoning_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(DISTINCT NULLIF(credential, '')),
			GROUP_CONCAT(DISTINCT NULLIF(model, ''))
		FROM usage_records
		WHERE requested_at >= ?
		GROUP BY provider
		ORDER BY requests DESC
	`, sqliteTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query provider stats: %w", err)
	}
	defer rows.Close()

	var results []ProviderStats
	for rows.Next() {
		var ps ProviderStats
		var models sql.NullString
		if err := rows.Scan(
			&ps.Provider, &ps.Requests, &ps.SuccessCount, &ps.FailureCount,
			&ps.InputTokens, &ps.OutputTokens, &ps.ReasoningTokens, &ps.TotalTokens,
			&ps.CredentialCount, &models,
		); err != nil {
			return nil, err
		}
		if models.Valid && models.String != "" {
			ps.Models = strings.Split(models.String, ",")
		}
		results = append(results, ps)
	}
	return results, rows.Err()
}

func (b *SQLiteBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(model, ''), 'unknown') as model,
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COUNT(*) as requests,
			COALESCE(SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_records
		WHERE requested_at >= ?
		GROUP BY model, provider
		ORDER BY requests DESC
	`, sqliteTime(since))
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

func (b *SQLiteBackend) QueryKeySpend(ctx context.Context) (map[string]float64, error) {
	rows, err := b.db.QueryContext(ctx, `
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

func (b *SQLiteBackend) QueryAttempts(ctx context.Context, requestID string) ([]Attempt, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, request_id, attempt_number, attempt_type, model, provider,
			connection_id, selection_reason, circuit_breaker_state, status, error,
			latency_ms, skipped, skip_reason, combo_name, api_key_id
		FROM request_attempts
		WHERE request_id = ?
		ORDER BY attempt_number
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var results []Attempt
	for rows.Next() {
		var a Attempt
		var latencyMs int64
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.Number, &a.Type, &a.Model, &a.Provider,
			&a.ConnectionID, &a.SelectionReason, &a.BreakerState, &a.Status, &a.Error,
			&latencyMs, &a.Skipped, &a.SkipReason, &a.Combo, &a.APIKeyID,
		); err != nil {
			return nil, err
		}
		a.Latency = time.Duration(latencyMs) * time.Millisecond
		results = append(results, a)
	}
	return results, rows.Err()
}

func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	cutoff := sqliteTime(before)
	result, err := b.db.ExecContext(ctx, `DELETE FROM usage_records WHERE requested_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	result, err = b.db.ExecContext(ctx, `DELETE FROM request_attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return n, err
	}
	m, _ := result.RowsAffected()
	return n + m, nil
}

func (b *SQLiteBackend) writeRecords(ctx context.Context, records []Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (
			request_id, api_key_id, endpoint, client_format, requested_model,
			provider, model, combo, credential, stream, status, failed, error,
			latency_ms, requested_at, input_tokens, output_tokens,
			reasoning_tokens, cached_tokens, total_tokens, cost, phases
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, sqliteArgs(recordArgs(r))...)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) writeAttempts(ctx context.Context, attempts []Attempt) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO request_attempts (
			id, request_id, attempt_number, attempt_type, model, provider,
			connection_id, selection_reason, circuit_breaker_state, status, error,
			latency_ms, skipped, skip_reason, combo_name, api_key_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, a := range attempts {
		if _, err := stmt.ExecContext(ctx, sqliteArgs(attemptArgs(a))...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqliteTimeLayout sorts lexically and is understood by DATE and strftime.
const sqliteTimeLayout = "2006-01-02 15:04:05.000"

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

// sqliteArgs stores timestamps as sqliteTimeLayout text.
func sqliteArgs(args []any) []any {
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			args[i] = sqliteTime(t)
		}
	}
	return args
}

// recordArgs returns column values in usage_records insert order. Shared
// with the postgres COPY path.
func recordArgs(r Record) []any {
	requestedAt := r.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}
	return []any{
		r.RequestID, r.APIKeyID, r.Endpoint, r.ClientFormat, r.RequestedModel,
		r.Provider, r.Model, r.Combo, r.Credential, r.Stream, r.Status, r.Failed, r.Error,
		r.Latency.Milliseconds(), requestedAt.UTC(),
		r.InputTokens, r.OutputTokens, r.ReasoningTokens, r.CachedTokens, r.TotalTokens,
		r.Cost, encodePhases(r.Phases),
	}
}

func attemptArgs(a Attempt) []any {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return []any{
		a.ID, a.RequestID, a.Number, string(a.Type), a.Model, a.Provider,
		a.ConnectionID, a.SelectionReason, a.BreakerState, a.Status, a.Error,
		a.Latency.Milliseconds(), a.Skipped, a.SkipReason, a.Combo, a.APIKeyID, createdAt.UTC(),
	}
}

func encodePhases(phases map[string]time.Duration) string {
	if len(phases) == 0 {
		return "{}"
	}
	ms := make(map[string]float64, len(phases))
	for name, d := range phases {
		ms[name] = float64(d.Microseconds()) / 1000
	}
	data, err := json.Marshal(ms)
	if err != nil {
		return "{}"
	}
	return string(data)
}
