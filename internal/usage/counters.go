package usage

import "sync/atomic"

// nanosPerUnit converts cost to fixed point so it fits an atomic int64.
const nanosPerUnit = 1e9

func toNanos(cost float64) int64    { return int64(cost * nanosPerUnit) }
func fromNanos(nanos int64) float64 { return float64(nanos) / nanosPerUnit }

// Counters provides lock-free counters for real-time usage metrics.
// Historical data is queried from the backend.
type Counters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	totalTokens   atomic.Int64
	costNanos     atomic.Int64
}

func (c *Counters) Record(failed bool, tokens int64, cost float64) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if failed {
		c.failureCount.Add(1)
	} else {
		c.successCount.Add(1)
	}
	c.totalTokens.Add(tokens)
	c.costNanos.Add(toNanos(cost))
}

func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
		TotalTokens:   c.totalTokens.Load(),
		TotalCost:     fromNanos(c.costNanos.Load()),
	}
}

// Bootstrap seeds counters from historical totals. Call once at startup.
func (c *Counters) Bootstrap(stats AggregatedStats) {
	if c == nil {
		return
	}
	c.totalRequests.Store(stats.TotalRequests)
	c.successCount.Store(stats.SuccessCount)
	c.failureCount.Store(stats.FailureCount)
	c.totalTokens.Store(stats.TotalTokens)
	c.costNanos.Store(toNanos(stats.TotalCost))
}

// CounterSnapshot holds an immutable point-in-time view of counter values.
type CounterSnapshot struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	FailureCount  int64   `json:"failure_count"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
}
