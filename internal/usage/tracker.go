package usage

import (
	"context"
	"time"

	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Tracker updates live counters and per-key spend, and hands records to the
// persistence backend. A Tracker without a backend keeps counters only.
type Tracker struct {
	counters Counters
	cost     *CostTracker
	backend  Backend
}

func NewTracker(backend Backend, pricePerToken float64) *Tracker {
	return &Tracker{
		cost:    NewCostTracker(pricePerToken, backend),
		backend: backend,
	}
}

// Open builds a tracker from configuration, starting the backend named by
// the DSN and seeding counters and spend from history.
func Open(cfg config.UsageConfig) (*Tracker, error) {
	if cfg.DSN == "" {
		return NewTracker(nil, cfg.PricePerToken), nil
	}
	backend, err := NewBackend(BackendConfig{DSN: cfg.DSN, RetentionDays: cfg.RetentionDays})
	if err != nil {
		return nil, err
	}
	if err := backend.Start(); err != nil {
		return nil, err
	}
	t := NewTracker(backend, cfg.PricePerToken)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.bootstrap(ctx)
	return t, nil
}

func (t *Tracker) bootstrap(ctx context.Context) {
	stats, err := t.backend.QueryGlobalStats(ctx, time.Time{})
	if err != nil {
		log.Warnf("Failed to bootstrap usage counters from history: %v", err)
	} else {
		t.counters.Bootstrap(*stats)
		log.Infof("Bootstrapped usage counters: %d requests, %d tokens", stats.TotalRequests, stats.TotalTokens)
	}
	if err := t.cost.seed(ctx); err != nil {
		log.Warnf("Failed to load API key spend: %v", err)
	}
}

func (t *Tracker) Cost() *CostTracker { return t.cost }

func (t *Tracker) Backend() Backend { return t.backend }

// Record updates counters and queues the record for persistence.
func (t *Tracker) Record(r Record) {
	if t == nil {
		return
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now()
	}
	if r.Model == "" {
		r.Model = "unknown"
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.InputTokens + r.OutputTokens
	}
	t.counters.Record(r.Failed, r.TotalTokens, r.Cost)
	if t.backend != nil {
		t.backend.Enqueue(r)
	}
}

func (t *Tracker) RecordAttempt(a Attempt) {
	if t == nil || t.backend == nil {
		return
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	t.backend.EnqueueAttempt(a)
}

func (t *Tracker) Counters() CounterSnapshot { return t.counters.Snapshot() }

// Snapshot gathers counters and backend aggregates since the given time.
// Queries run concurrently.
func (t *Tracker) Snapshot(ctx context.Context, since time.Time) (*Snapshot, error) {
	snap := &Snapshot{Counters: t.counters.Snapshot(), Since: since}
	if t.backend == nil {
		return snap, nil
	}
	b := t.backend
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { snap.Global, err = b.QueryGlobalStats(gctx, since); return })
	g.Go(func() (err error) { snap.Daily, err = b.QueryDailyStats(gctx, since); return })
	g.Go(func() (err error) { snap.Hourly, err = b.QueryHourlyStats(gctx, since); return })
	g.Go(func() (err error) { snap.Providers, err = b.QueryProviderStats(gctx, since); return })
	g.Go(func() (err error) { snap.Models, err = b.QueryModelStats(gctx, since); return })
	g.Go(func() (err error) { snap.KeySpend, err = b.QueryKeySpend(gctx); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Stop flushes and closes the backend.
func (t *Tracker) Stop() error {
	if t == nil || t.backend == nil {
		return nil
	}
	return t.backend.Stop()
}
