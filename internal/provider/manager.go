package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/resilience"
)

const (
	quotaBackoffBase = time.Second
	quotaBackoffMax  = 30 * time.Minute
	authCooldown     = 5 * time.Minute
	serverCooldown   = 30 * time.Second

	// modelCooldownRetryAfter is advertised to clients rejected by a model cooldown.
	modelCooldownRetryAfter = 30 * time.Second

	DefaultModelCooldown = 60 * time.Second
)

// CallFunc performs one upstream request with cred. A non-2xx answer must be
// returned as an error (normally *UpstreamError) with a nil response.
type CallFunc func(ctx context.Context, cred *Credential) (*http.Response, error)

// Attempt describes one credential attempt inside Execute.
type Attempt struct {
	Provider     string
	Model        string
	Credential   string
	Status       int
	Err          error
	Latency      time.Duration
	Fallback     bool
	BreakerState string
}

type Options struct {
	Breakers  *resilience.Breakers
	Cooldowns *resilience.Cooldowns

	// ModelCooldown is applied to provider/model after a 429 or 503.
	ModelCooldown time.Duration

	// OnAttempt observes every credential attempt. It runs inline and must
	// not block.
	OnAttempt func(Attempt)
}

// Manager owns the account pools of every provider and runs the credential
// fallback loop.
type Manager struct {
	pools     atomic.Pointer[map[string]*Pool]
	reloadMu  sync.Mutex
	breakers  *resilience.Breakers
	cooldowns *resilience.Cooldowns
	modelCD   time.Duration
	onAttempt func(Attempt)
}

func NewManager(providers []config.Provider, opts Options) *Manager {
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewBreakers(resilience.DefaultBreakerConfig())
	}
	if opts.Cooldowns == nil {
		opts.Cooldowns = resilience.NewCooldowns()
	}
	if opts.ModelCooldown <= 0 {
		opts.ModelCooldown = DefaultModelCooldown
	}
	m := &Manager{
		breakers:  opts.Breakers,
		cooldowns: opts.Cooldowns,
		modelCD:   opts.ModelCooldown,
		onAttempt: opts.OnAttempt,
	}
	m.Reload(providers)
	return m
}

// Reload rebuilds the pools. Accounts that survive keep their cooldown and
// backoff state.
func (m *Manager) Reload(providers []config.Provider) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	old := map[string]*Credential{}
	if cur := m.pools.Load(); cur != nil {
		for _, p := range *cur {
			for _, c := range p.creds {
				old[c.ID] = c
			}
		}
	}
	next := make(map[string]*Pool, len(providers))
	for i := range providers {
		p := &providers[i]
		if !p.IsEnabled() {
			continue
		}
		pool := NewPool(p)
		for _, c := range pool.creds {
			if prev, ok := old[c.ID]; ok {
				c.adopt(prev)
			}
		}
		next[p.ID] = pool
	}
	m.pools.Store(&next)
}

func (m *Manager) Pool(provider string) *Pool {
	cur := m.pools.Load()
	if cur == nil {
		return nil
	}
	return (*cur)[provider]
}

func (m *Manager) Breakers() *resilience.Breakers   { return m.breakers }
func (m *Manager) Cooldowns() *resilience.Cooldowns { return m.cooldowns }

// Available reports whether provider/model can take a request right now: the
// breaker is not open, the model is not cooling down, and at least one
// account is not rate limited.
func (m *Manager) Available(provider, model string) (bool, string) {
	if m.breakers.IsOpen(provider) {
		return false, "circuit_open"
	}
	if m.cooldowns.Active(provider, model) {
		return false, "model_cooldown"
	}
	if pool := m.Pool(provider); pool != nil && pool.AllRateLimited() {
		return false, "all_rate_limited"
	}
	return true, ""
}

// Execute runs call against the accounts of provider until one succeeds or a
// failure that does not allow fallback occurs. An excluded account is never
// tried twice, so the loop ends after at most one attempt per account.
func (m *Manager) Execute(ctx context.Context, provider, model string, call CallFunc) (*http.Response, *Credential, error) {
	pool := m.Pool(provider)
	if pool == nil {
		return nil, nil, NewClientError(http.StatusBadRequest, "Unknown provider: %s", provider)
	}
	if wait := m.cooldowns.Remaining(provider, model); wait > 0 {
		log.WithFields(log.Fields{"provider": provider, "model": model}).Warn("model in cooldown, rejecting request")
		return nil, nil, &UnavailableError{
			Message: fmt.Sprintf("Model %s/%s is temporarily unavailable (cooldown)", provider, model),
			After:   modelCooldownRetryAfter,
		}
	}
	if m.breakers.IsOpen(provider) {
		return nil, nil, &CircuitOpenError{Provider: provider, After: m.breakers.RetryAfter(provider)}
	}

	exclude := make(map[string]struct{}, pool.Len())
	var (
		lastErr    error
		lastStatus int
	)
	for len(exclude) <= pool.Len() {
		sel := pool.pick(exclude)
		if sel.cred == nil {
			return nil, nil, noCredentials(sel, len(exclude), provider, model, lastErr, lastStatus)
		}
		cred := sel.cred
		entry := log.WithFields(log.Fields{"provider": provider, "model": model, "account": shortID(cred.ID)})

		done, err := m.breakers.Allow(provider)
		if err != nil {
			entry.Warn("circuit open during credential loop")
			return nil, cred, &CircuitOpenError{Provider: provider, After: m.breakers.RetryAfter(provider)}
		}

		release := cred.acquire()
		start := time.Now()
		resp, err := call(ctx, cred)
		latency := time.Since(start)

		if err == nil {
			done(true)
			cred.recordSuccess()
			resp.Body = &releaseBody{ReadCloser: resp.Body, release: release}
			m.emit(ctx, Attempt{Provider: provider, Model: model, Credential: cred.ID, Status: resp.StatusCode, Latency: latency, BreakerState: m.breakers.State(provider).String()})
			return resp, cred, nil
		}
		release()

		if ctx.Err() != nil {
			// The client went away; the account did nothing wrong.
			done(true)
			m.emit(ctx, Attempt{Provider: provider, Model: model, Credential: cred.ID, Status: StatusOf(ctx.Err()), Err: err, Latency: latency})
			return nil, cred, err
		}

		status := StatusOf(err)
		done(!isProviderFailure(status))

		if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
			m.cooldowns.Set(provider, model, m.modelCD)
			entry.WithField("status", status).Infof("model marked unavailable for %s", m.modelCD)
		}

		fallback := m.markAccountUnavailable(cred, status, err)
		m.emit(ctx, Attempt{Provider: provider, Model: model, Credential: cred.ID, Status: status, Err: err, Latency: latency, Fallback: fallback, BreakerState: m.breakers.State(provider).String()})
		if !fallback {
			return nil, cred, err
		}
		entry.WithField("status", status).Warn("account unavailable, trying fallback")
		exclude[cred.ID] = struct{}{}
		lastErr, lastStatus = err, status
	}
	return nil, nil, noCredentials(selection{}, len(exclude), provider, model, lastErr, lastStatus)
}

type attemptObserverKey struct{}

// WithAttemptObserver returns a context whose Execute calls report every
// credential attempt to fn, in addition to Options.OnAttempt.
func WithAttemptObserver(ctx context.Context, fn func(Attempt)) context.Context {
	return context.WithValue(ctx, attemptObserverKey{}, fn)
}

func (m *Manager) emit(ctx context.Context, a Attempt) {
	if m.onAttempt != nil {
		m.onAttempt(a)
	}
	if fn, ok := ctx.Value(attemptObserverKey{}).(func(Attempt)); ok && fn != nil {
		fn(a)
	}
}

// markAccountUnavailable puts a failing account on cooldown and reports
// whether the caller should move on to another account. A 503 only moves on.
func (m *Manager) markAccountUnavailable(cred *Credential, status int, err error) bool {
	if !CanFallback(err) {
		return false
	}
	msg := err.Error()
	cred.recordFailure(status, msg)

	var cooldown time.Duration
	switch {
	case status == http.StatusTooManyRequests || isQuotaMessage(msg):
		cooldown = RetryAfterOf(err)
		if cooldown <= 0 {
			level := cred.backoffLevel.Add(1) - 1
			cooldown = resilience.ExponentialDelay(int(level), quotaBackoffBase, quotaBackoffMax)
		}
	case status == http.StatusServiceUnavailable:
		// Overload is tracked by the model cooldown; the account stays
		// usable for other models.
		return true
	case status == http.StatusUnauthorized || status == http.StatusPaymentRequired || status == http.StatusForbidden:
		cooldown = authCooldown
	default:
		cooldown = serverCooldown
	}
	cred.SetCooldown(cooldown)
	return true
}

func noCredentials(sel selection, excluded int, provider, model string, lastErr error, lastStatus int) error {
	if sel.allRateLimited {
		msg := sel.lastError
		if lastErr != nil {
			msg = lastErr.Error()
		}
		if msg == "" {
			msg = "Unavailable"
		}
		status := lastStatus
		if status == 0 {
			status = sel.lastStatus
		}
		if status == 0 {
			status = http.StatusTooManyRequests
		}
		log.WithFields(log.Fields{"provider": provider, "model": model, "retry_after": sel.retryAfter}).Warn(msg)
		return &UnavailableError{
			Status:  status,
			Message: fmt.Sprintf("[%s/%s] %s", provider, model, msg),
			After:   sel.retryAfter,
		}
	}
	if excluded == 0 {
		log.WithField("provider", provider).Error("no credentials for provider")
		return &ClientError{
			Status:  http.StatusBadRequest,
			Message: "No credentials for provider: " + provider,
			Err:     ErrNoCredentials,
		}
	}
	log.WithField("provider", provider).Warn("no more accounts available")
	if lastErr != nil {
		return lastErr
	}
	return &UnavailableError{Status: http.StatusServiceUnavailable, Message: "All accounts unavailable"}
}

// isProviderFailure reports whether status should count against the breaker.
func isProviderFailure(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	b.once.Do(b.release)
	return b.ReadCloser.Close()
}
