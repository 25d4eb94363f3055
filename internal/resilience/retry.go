package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries: 2,
	BaseDelay:  200 * time.Millisecond,
	MaxDelay:   2 * time.Second,
}

// IsConnectError reports failures that happened before any byte of the
// request reached the upstream, which makes a retry safe.
func IsConnectError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// NewRetryPolicy retries connect errors with exponential backoff and returns
// the last failure once retries run out.
func NewRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(_ *http.Response, err error) bool { return IsConnectError(err) }).
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		ReturnLastFailure().
		Build()
}

// retryTransport replays requests whose body can be rewound.
type retryTransport struct {
	next   http.RoundTripper
	policy retrypolicy.RetryPolicy[*http.Response]
}

// WithRetry wraps next so idempotent connect failures are retried.
func WithRetry(next http.RoundTripper, cfg RetryConfig) http.RoundTripper {
	if cfg.MaxRetries <= 0 {
		return next
	}
	return &retryTransport{next: next, policy: NewRetryPolicy(cfg)}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return t.next.RoundTrip(req)
	}
	attempt := 0
	return failsafe.With(t.policy).WithContext(req.Context()).Get(func() (*http.Response, error) {
		r := req
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r = req.Clone(req.Context())
			r.Body = body
		}
		attempt++
		return t.next.RoundTrip(r)
	})
}

// Backoff returns min(max, base*2^attempt) with full jitter.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := ExponentialDelay(attempt, base, maxDelay)
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)))
}

// ExponentialDelay returns min(max, base*2^attempt) without jitter.
func ExponentialDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return maxDelay
	}
	delay := base * time.Duration(1<<attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
