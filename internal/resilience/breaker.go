package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by Allow while a provider's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// ResetTimeout is how long the breaker stays open before one probe.
	ResetTimeout time.Duration

	OnStateChange func(provider string, from, to gobreaker.State)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, ResetTimeout: 30 * time.Second}
}

type providerBreaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	state    atomic.Int32
	openedAt atomic.Int64
}

// Breakers holds one two-step breaker per provider. Reads of the current
// state never block on another request.
type Breakers struct {
	cfg      BreakerConfig
	breakers sync.Map // provider -> *providerBreaker
}

func NewBreakers(cfg BreakerConfig) *Breakers {
	d := DefaultBreakerConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = d.ResetTimeout
	}
	return &Breakers{cfg: cfg}
}

func (b *Breakers) get(provider string) *providerBreaker {
	if v, ok := b.breakers.Load(provider); ok {
		return v.(*providerBreaker)
	}
	pb := &providerBreaker{}
	threshold := b.cfg.Threshold
	pb.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			pb.state.Store(int32(to))
			if to == gobreaker.StateOpen {
				pb.openedAt.Store(time.Now().UnixNano())
			}
			log.WithFields(log.Fields{"provider": name, "from": from.String(), "to": to.String()}).Info("circuit breaker state change")
			if b.cfg.OnStateChange != nil {
				b.cfg.OnStateChange(name, from, to)
			}
		},
	})
	actual, _ := b.breakers.LoadOrStore(provider, pb)
	return actual.(*providerBreaker)
}

// Allow admits one request to provider. done must be called with the
// outcome. In half-open state only a single probe is admitted.
func (b *Breakers) Allow(provider string) (done func(success bool), err error) {
	done, err = b.get(provider).cb.Allow()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return done, err
}

// State reads the mirrored state without touching the breaker's lock.
// Open breakers past their reset window report half-open.
func (b *Breakers) State(provider string) gobreaker.State {
	v, ok := b.breakers.Load(provider)
	if !ok {
		return gobreaker.StateClosed
	}
	pb := v.(*providerBreaker)
	state := gobreaker.State(pb.state.Load())
	if state == gobreaker.StateOpen && b.remaining(pb) <= 0 {
		return gobreaker.StateHalfOpen
	}
	return state
}

// IsOpen reports whether requests to provider are currently rejected.
func (b *Breakers) IsOpen(provider string) bool {
	return b.State(provider) == gobreaker.StateOpen
}

// RetryAfter returns the time left in the reset window, or zero.
func (b *Breakers) RetryAfter(provider string) time.Duration {
	v, ok := b.breakers.Load(provider)
	if !ok {
		return 0
	}
	pb := v.(*providerBreaker)
	if gobreaker.State(pb.state.Load()) != gobreaker.StateOpen {
		return 0
	}
	return max(b.remaining(pb), 0)
}

func (b *Breakers) remaining(pb *providerBreaker) time.Duration {
	opened := pb.openedAt.Load()
	if opened == 0 {
		return 0
	}
	return time.Until(time.Unix(0, opened).Add(b.cfg.ResetTimeout))
}

// Snapshot returns the state name of every known provider breaker.
func (b *Breakers) Snapshot() map[string]string {
	out := make(map[string]string)
	b.breakers.Range(func(k, _ any) bool {
		name := k.(string)
		out[name] = b.State(name).String()
		return true
	})
	return out
}
