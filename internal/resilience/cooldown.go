package resilience

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cooldowns tracks provider/model pairs that recently answered 429 or 503.
type Cooldowns struct {
	entries sync.Map // "provider/model" -> *atomic.Int64 (expiry, unix nanos)
}

func NewCooldowns() *Cooldowns {
	return &Cooldowns{}
}

func cooldownKey(provider, model string) string {
	return provider + "/" + model
}

// Set marks the pair unavailable for d. A later expiry wins.
func (c *Cooldowns) Set(provider, model string, d time.Duration) {
	until := time.Now().Add(d).UnixNano()
	v, _ := c.entries.LoadOrStore(cooldownKey(provider, model), new(atomic.Int64))
	exp := v.(*atomic.Int64)
	for {
		cur := exp.Load()
		if cur >= until || exp.CompareAndSwap(cur, until) {
			return
		}
	}
}

// Remaining returns how long the pair stays in cooldown, or zero.
func (c *Cooldowns) Remaining(provider, model string) time.Duration {
	v, ok := c.entries.Load(cooldownKey(provider, model))
	if !ok {
		return 0
	}
	left := time.Until(time.Unix(0, v.(*atomic.Int64).Load()))
	return max(left, 0)
}

func (c *Cooldowns) Active(provider, model string) bool {
	return c.Remaining(provider, model) > 0
}

func (c *Cooldowns) Clear(provider, model string) {
	c.entries.Delete(cooldownKey(provider, model))
}

// Sweep drops expired entries.
func (c *Cooldowns) Sweep() {
	now := time.Now().UnixNano()
	c.entries.Range(func(k, v any) bool {
		if v.(*atomic.Int64).Load() <= now {
			c.entries.Delete(k)
		}
		return true
	})
}
