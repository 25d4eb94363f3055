package dispatch

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/usage"
	"golang.org/x/time/rate"
)

// keyLimiters holds one token bucket per client key. A bucket is rebuilt
// when the configured rate changes.
type keyLimiters struct {
	mu sync.Mutex
	m  map[string]*keyLimiter
}

type keyLimiter struct {
	limit rate.Limit
	burst int
	lim   *rate.Limiter
}

func (k *keyLimiters) allow(key config.APIKey) bool {
	if key.RateLimit <= 0 {
		return true
	}
	limit := rate.Limit(key.RateLimit)
	burst := key.Burst
	if burst <= 0 {
		burst = max(int(key.RateLimit), 1)
	}

	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyLimiter)
	}
	l, ok := k.m[key.ID()]
	if !ok || l.limit != limit || l.burst != burst {
		l = &keyLimiter{limit: limit, burst: burst, lim: rate.NewLimiter(limit, burst)}
		k.m[key.ID()] = l
	}
	k.mu.Unlock()
	return l.lim.Allow()
}

// ModelAllowed reports whether model matches one of the glob patterns. An
// empty list allows everything.
func ModelAllowed(patterns []string, model string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "*" || p == model {
			return true
		}
		if ok, err := path.Match(p, model); err == nil && ok {
			return true
		}
	}
	return false
}

// checkPolicy authenticates the client key and applies its model allow
// list, budget and rate limit. It returns nil without error for anonymous
// access when keys are optional.
func (d *Dispatcher) checkPolicy(ctx context.Context, cfg *config.Config, apiKey, model string) (*config.APIKey, error) {
	if apiKey == "" {
		if cfg.Auth.RequireAPIKey {
			return nil, provider.NewClientError(http.StatusUnauthorized, "Missing API key")
		}
		return nil, nil
	}
	key, ok := cfg.FindAPIKey(apiKey)
	if !ok {
		if cfg.Auth.RequireAPIKey {
			return nil, provider.NewClientError(http.StatusUnauthorized, "Invalid API key")
		}
		return nil, nil
	}
	if !ModelAllowed(key.AllowedModels, model) {
		return &key, provider.NewClientError(http.StatusForbidden, "API key is not allowed to use model %s", model)
	}
	if d.tracker != nil {
		err := d.tracker.Cost().CheckBudget(ctx, key.ID(), key.Budget)
		var exceeded *usage.BudgetExceededError
		switch {
		case errors.As(err, &exceeded):
			log.WithField("api_key", key.ID()).Warn(exceeded.Error())
			return &key, &provider.ClientError{Status: http.StatusTooManyRequests, Message: exceeded.Error(), Err: exceeded}
		case err != nil:
			log.WithError(err).Debug("budget check failed, allowing request")
		}
	}
	if !d.limiters.allow(key) {
		return &key, provider.NewClientError(http.StatusTooManyRequests, "Rate limit exceeded for API key %s", key.ID())
	}
	return &key, nil
}
