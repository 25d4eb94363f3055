// Package usage records request logs, per-attempt rows and per-key spend.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/nghyane/omnigate/internal/config"
)

// Backend defines the persistence contract for usage records.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Enqueue adds a request record to the write queue without blocking.
	// Records are dropped when the queue is full.
	Enqueue(record Record)

	// EnqueueAttempt adds a request_attempts row to the write queue.
	EnqueueAttempt(attempt Attempt)

	// Flush forces pending records to be written to storage.
	Flush(ctx context.Context) error

	// Dropped reports how many records and attempts were discarded.
	Dropped() int64

	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)
	QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error)
	QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error)
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)

	// QueryKeySpend returns the total recorded cost per API key id.
	QueryKeySpend(ctx context.Context) (map[string]float64, error)

	// QueryAttempts returns the attempts of one request in order.
	QueryAttempts(ctx context.Context, requestID string) ([]Attempt, error)

	// Cleanup removes records and attempts older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start begins background workers (write loop, cleanup loop).
	Start() error

	// Stop gracefully shuts down the backend, flushing pending writes.
	Stop() error
}

// BackendConfig holds parameters for backend initialization.
type BackendConfig struct {
	// DSN is the database connection string (sqlite://... or postgres://...).
	DSN string

	// BatchSize is the number of records to batch before writing.
	BatchSize int

	// FlushInterval is how often to flush pending writes.
	FlushInterval time.Duration

	// RetentionDays is how many days of records to keep.
	RetentionDays int

	// QueueSize bounds each write queue.
	QueueSize int
}

// NewBackend creates the appropriate backend based on DSN configuration.
func NewBackend(cfg BackendConfig) (Backend, error) {
	parsed, err := config.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("DSN is required (use sqlite:// or postgres://)")
	}

	switch parsed.Backend {
	case "postgres":
		return NewPostgresBackend(parsed.URL, cfg)
	case "sqlite":
		return NewSQLiteBackend(parsed.Path, cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %q", parsed.Backend)
	}
}
