package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nghyane/omnigate/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Credential is one upstream account. Selection state is atomic so the hot
// path never takes a lock.
type Credential struct {
	Provider  string
	ID        string
	Name      string
	APIKey    string
	ProjectID string
	ProxyURL  string
	Priority  int

	tokens  oauth2.TokenSource
	refresh *singleflight.Group

	cooldownUntil atomic.Int64 // unix nanos
	backoffLevel  atomic.Int32
	lastStatus    atomic.Int32
	lastError     atomic.Pointer[string]
	active        atomic.Int64
	served        atomic.Int64
}

// IsOAuth reports whether the credential authenticates with a bearer token
// obtained by an OAuth flow rather than a static key.
func (c *Credential) IsOAuth() bool { return c.tokens != nil }

// Token returns the API key, or a valid OAuth access token, refreshing it when
// expired. Concurrent refreshes of the same account share one exchange.
func (c *Credential) Token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return c.APIKey, nil
	}
	ch := c.refresh.DoChan(c.ID, func() (any, error) {
		return c.tokens.Token()
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", &UpstreamError{Provider: c.Provider, Status: 401, Message: "token refresh failed: " + res.Err.Error()}
		}
		return res.Val.(*oauth2.Token).AccessToken, nil
	}
}

// CooldownRemaining returns how long the account stays unavailable.
func (c *Credential) CooldownRemaining() time.Duration {
	until := c.cooldownUntil.Load()
	if until == 0 {
		return 0
	}
	return max(time.Until(time.Unix(0, until)), 0)
}

// SetCooldown makes the account unavailable for d. The last writer wins.
func (c *Credential) SetCooldown(d time.Duration) {
	c.cooldownUntil.Store(time.Now().Add(d).UnixNano())
}

func (c *Credential) LastStatus() int { return int(c.lastStatus.Load()) }

func (c *Credential) LastError() string {
	if p := c.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Credential) Active() int64 { return c.active.Load() }

func (c *Credential) acquire() func() {
	c.active.Add(1)
	return func() { c.active.Add(-1) }
}

func (c *Credential) recordFailure(status int, msg string) {
	c.lastStatus.Store(int32(status))
	c.lastError.Store(&msg)
}

func (c *Credential) recordSuccess() {
	c.served.Add(1)
	c.backoffLevel.Store(0)
	c.cooldownUntil.Store(0)
	c.lastStatus.Store(0)
	c.lastError.Store(nil)
}

// adopt copies runtime state from the credential it replaces on reload.
func (c *Credential) adopt(old *Credential) {
	c.cooldownUntil.Store(old.cooldownUntil.Load())
	c.backoffLevel.Store(old.backoffLevel.Load())
	c.lastStatus.Store(old.lastStatus.Load())
	c.lastError.Store(old.lastError.Load())
	c.served.Store(old.served.Load())
	if c.tokens != nil && old.tokens != nil && c.ID == old.ID {
		c.tokens = old.tokens
	}
}

func credentialID(providerID, secret string) string {
	sum := sha256.Sum256([]byte(providerID + "\x00" + secret))
	return providerID + "-" + hex.EncodeToString(sum[:4])
}

// Pool holds the accounts of one provider.
type Pool struct {
	provider string
	creds    []*Credential
}

// NewPool builds the accounts of p. Static keys come first, then OAuth
// accounts, each ordered by priority.
func NewPool(p *config.Provider) *Pool {
	pool := &Pool{provider: p.ID}
	group := new(singleflight.Group)
	for _, k := range p.GetAPIKeys() {
		proxy := k.ProxyURL
		if proxy == "" {
			proxy = p.ProxyURL
		}
		pool.creds = append(pool.creds, &Credential{
			Provider:  p.ID,
			ID:        credentialID(p.ID, k.Key),
			APIKey:    k.Key,
			ProjectID: k.ProjectID,
			ProxyURL:  proxy,
			Priority:  k.Priority,
		})
	}
	for _, a := range p.OAuth {
		secret := a.RefreshToken
		if secret == "" {
			secret = a.AccessToken
		}
		name := a.Name
		if name == "" {
			name = credentialID(p.ID, secret)
		}
		pool.creds = append(pool.creds, &Credential{
			Provider:  p.ID,
			ID:        credentialID(p.ID, secret),
			Name:      name,
			ProjectID: a.ProjectID,
			ProxyURL:  p.ProxyURL,
			Priority:  a.Priority,
			tokens:    newTokenSource(p.Type, a, p.ProxyURL),
			refresh:   group,
		})
	}
	// Keyless providers (local litellm, compatible endpoints without auth)
	// still get one anonymous account.
	if len(pool.creds) == 0 && !p.NeedsCredentials() {
		pool.creds = append(pool.creds, &Credential{Provider: p.ID, ID: p.ID + "-anon", ProxyURL: p.ProxyURL})
	}
	sort.SliceStable(pool.creds, func(i, j int) bool {
		return pool.creds[i].Priority < pool.creds[j].Priority
	})
	return pool
}

func (p *Pool) Provider() string { return p.provider }

func (p *Pool) Len() int { return len(p.creds) }

func (p *Pool) Credentials() []*Credential { return p.creds }

// selection is the outcome of picking an account.
type selection struct {
	cred           *Credential
	allRateLimited bool
	retryAfter     time.Duration
	lastStatus     int
	lastError      string
}

// pick returns the best account not in exclude. Lower priority wins, ties go
// to the account with fewer in-flight requests. When every remaining account
// is cooling down, allRateLimited is set with the earliest expiry.
func (p *Pool) pick(exclude map[string]struct{}) selection {
	var (
		best      *Credential
		remaining int
		earliest  time.Duration
		last      *Credential
	)
	for _, c := range p.creds {
		if _, skip := exclude[c.ID]; skip {
			continue
		}
		remaining++
		if wait := c.CooldownRemaining(); wait > 0 {
			if earliest == 0 || wait < earliest {
				earliest = wait
				last = c
			}
			continue
		}
		if best == nil || c.Priority < best.Priority ||
			(c.Priority == best.Priority && c.active.Load() < best.active.Load()) {
			best = c
		}
	}
	if best != nil {
		return selection{cred: best}
	}
	if remaining == 0 {
		return selection{}
	}
	return selection{
		allRateLimited: true,
		retryAfter:     earliest,
		lastStatus:     last.LastStatus(),
		lastError:      last.LastError(),
	}
}

// AllRateLimited reports whether no account can take a request right now.
func (p *Pool) AllRateLimited() bool {
	if len(p.creds) == 0 {
		return false
	}
	return p.pick(nil).allRateLimited
}
