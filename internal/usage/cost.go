package usage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultPricePerToken applies when no price is configured.
const DefaultPricePerToken = 0.000001

// BudgetExceededError is returned by CheckBudget once a key has spent its
// budget.
type BudgetExceededError struct {
	KeyID  string
	Spent  float64
	Budget float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("Budget exceeded for API key %s (spent %.4f of %.4f)", e.KeyID, e.Spent, e.Budget)
}

func (e *BudgetExceededError) StatusCode() int { return 429 }

// CostTracker holds per-API-key spend in memory. Totals are loaded from the
// backend on first use.
type CostTracker struct {
	price   float64
	backend Backend
	spend   sync.Map // key id -> *atomic.Int64 (nanos)

	seedMu sync.Mutex
	seeded atomic.Bool
}

func NewCostTracker(price float64, backend Backend) *CostTracker {
	if price <= 0 {
		price = DefaultPricePerToken
	}
	return &CostTracker{price: price, backend: backend}
}

func (c *CostTracker) Price() float64 { return c.price }

// Cost prices a request by its prompt and completion tokens.
func (c *CostTracker) Cost(promptTokens, completionTokens int64) float64 {
	return float64(promptTokens+completionTokens) * c.price
}

// RecordCost adds the cost of a request to keyID and returns it.
func (c *CostTracker) RecordCost(keyID string, promptTokens, completionTokens int64) float64 {
	cost := c.Cost(promptTokens, completionTokens)
	if keyID != "" && cost > 0 {
		c.counter(keyID).Add(toNanos(cost))
	}
	return cost
}

func (c *CostTracker) Spent(keyID string) float64 {
	v, ok := c.spend.Load(keyID)
	if !ok {
		return 0
	}
	return fromNanos(v.(*atomic.Int64).Load())
}

// CheckBudget returns a *BudgetExceededError when keyID has spent at least
// budget. A zero budget is unlimited. Other errors mean the spend could not
// be loaded; callers treat them as a pass.
func (c *CostTracker) CheckBudget(ctx context.Context, keyID string, budget float64) error {
	if budget <= 0 || keyID == "" {
		return nil
	}
	if err := c.seed(ctx); err != nil {
		return err
	}
	if spent := c.Spent(keyID); spent >= budget {
		return &BudgetExceededError{KeyID: keyID, Spent: spent, Budget: budget}
	}
	return nil
}

func (c *CostTracker) counter(keyID string) *atomic.Int64 {
	if v, ok := c.spend.Load(keyID); ok {
		return v.(*atomic.Int64)
	}
	v, _ := c.spend.LoadOrStore(keyID, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (c *CostTracker) seed(ctx context.Context) error {
	if c.seeded.Load() || c.backend == nil {
		return nil
	}
	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	if c.seeded.Load() {
		return nil
	}
	totals, err := c.backend.QueryKeySpend(ctx)
	if err != nil {
		return fmt.Errorf("load key spend: %w", err)
	}
	for key, spent := range totals {
		c.counter(key).Add(toNanos(spent))
	}
	c.seeded.Store(true)
	return nil
}
