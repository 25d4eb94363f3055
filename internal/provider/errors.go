package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nghyane/omnigate/internal/json"
	"github.com/nghyane/omnigate/internal/resilience"
	"github.com/nghyane/omnigate/internal/runtime/executor/stream"
)

// ErrNoCredentials is wrapped by the 400 returned for a provider without accounts.
var ErrNoCredentials = errors.New("no credentials for provider")

type statusCoder interface {
	StatusCode() int
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

type fallbacker interface {
	ShouldFallback() bool
}

// ClientError is a request problem the client must fix. It is never retried.
type ClientError struct {
	Status  int
	Message string
	Code    string
	Err     error
}

func NewClientError(status int, format string, args ...any) *ClientError {
	return &ClientError{Status: status, Message: fmt.Sprintf(format, args...)}
}

func (e *ClientError) Error() string   { return e.Message }
func (e *ClientError) Unwrap() error   { return e.Err }
func (e *ClientError) StatusCode() int { return e.Status }

// UpstreamError carries a non-2xx answer from a provider.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
	Body     []byte
	After    time.Duration
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("upstream %s returned %d", e.Provider, e.Status)
}

func (e *UpstreamError) StatusCode() int           { return e.Status }
func (e *UpstreamError) RetryAfter() time.Duration { return e.After }

// Transient reports whether a later attempt might succeed.
func (e *UpstreamError) Transient() bool {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (e *UpstreamError) ShouldFallback() bool {
	return ShouldFallback(e.Status, e.Message)
}

// NewUpstreamError builds an UpstreamError from a failed response and its
// already drained body.
func NewUpstreamError(provider string, resp *http.Response, body []byte) *UpstreamError {
	e := &UpstreamError{Provider: provider, Status: resp.StatusCode, Body: body}
	e.Message = upstreamMessage(body)
	if e.Message == "" {
		e.Message = fmt.Sprintf("upstream %s returned %d", provider, resp.StatusCode)
	}
	e.After = ParseRetryAfter(resp.Header.Get("Retry-After"))
	return e
}

// upstreamMessage pulls error.message (or message) out of a provider error body.
func upstreamMessage(body []byte) string {
	var doc struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return strings.TrimSpace(string(body))
	}
	if len(doc.Error) > 0 {
		var inner struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(doc.Error, &inner) == nil && inner.Message != "" {
			return inner.Message
		}
		var s string
		if json.Unmarshal(doc.Error, &s) == nil && s != "" {
			return s
		}
	}
	return doc.Message
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

// CircuitOpenError is returned without any network call while a provider's
// breaker is open.
type CircuitOpenError struct {
	Provider string
	After    time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("Provider %s circuit breaker is open", e.Provider)
}

func (e *CircuitOpenError) Unwrap() error             { return resilience.ErrCircuitOpen }
func (e *CircuitOpenError) StatusCode() int           { return http.StatusServiceUnavailable }
func (e *CircuitOpenError) RetryAfter() time.Duration { return max(e.After, time.Second) }
func (e *CircuitOpenError) ShouldFallback() bool      { return true }

// UnavailableError is a 503 for a model in cooldown or an exhausted pool.
type UnavailableError struct {
	Status  int
	Message string
	After   time.Duration
}

func (e *UnavailableError) Error() string { return e.Message }

func (e *UnavailableError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusServiceUnavailable
	}
	return e.Status
}

func (e *UnavailableError) RetryAfter() time.Duration { return e.After }
func (e *UnavailableError) ShouldFallback() bool      { return true }

// StreamIdleTimeoutError terminates a stream whose upstream went silent.
type StreamIdleTimeoutError struct {
	Idle time.Duration
}

func (e *StreamIdleTimeoutError) Error() string {
	return fmt.Sprintf("stream idle for %s", e.Idle)
}

func (e *StreamIdleTimeoutError) Unwrap() error   { return stream.ErrStreamIdleTimeout }
func (e *StreamIdleTimeoutError) StatusCode() int { return http.StatusGatewayTimeout }

// ShouldFallback reports whether a failure with this status or message should
// move on to another account or candidate.
func ShouldFallback(status int, msg string) bool {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusPaymentRequired,
		status == http.StatusForbidden, status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests, status >= 500:
		return true
	}
	return isQuotaMessage(msg)
}

func isQuotaMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"quota", "rate limit", "rate_limit", "resource_exhausted", "too many requests", "capacity"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

// StatusOf maps any error to the HTTP status the client should see.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if s := sc.StatusCode(); s > 0 {
			return s
		}
	}
	switch {
	case errors.Is(err, stream.ErrStreamIdleTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return stream.StatusClientClosed
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// RetryAfterOf returns the Retry-After carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

// CanFallback reports whether err allows trying the next candidate.
func CanFallback(err error) bool {
	if err == nil {
		return false
	}
	var fb fallbacker
	if errors.As(err, &fb) {
		return fb.ShouldFallback()
	}
	var ce *ClientError
	if errors.As(err, &ce) || errors.Is(err, context.Canceled) {
		return false
	}
	// network failures without a status
	return true
}

// ErrorType returns the error.type string for a status.
func ErrorType(status int) (typ, code string) {
	switch {
	case status == http.StatusBadRequest:
		return "invalid_request_error", "BAD_REQUEST"
	case status == http.StatusUnauthorized:
		return "authentication_error", "UNAUTHORIZED"
	case status == http.StatusPaymentRequired:
		return "billing_error", "PAYMENT_REQUIRED"
	case status == http.StatusForbidden:
		return "permission_error", "FORBIDDEN"
	case status == http.StatusNotFound:
		return "not_found_error", "NOT_FOUND"
	case status == http.StatusRequestEntityTooLarge:
		return "payload_too_large", "PAYLOAD_TOO_LARGE"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error", "RATE_LIMITED"
	case status == http.StatusServiceUnavailable:
		return "service_unavailable", "SERVICE_UNAVAILABLE"
	case status == http.StatusGatewayTimeout:
		return "timeout_error", "TIMEOUT"
	case status == stream.StatusClientClosed:
		return "client_closed", "CLIENT_CLOSED"
	case status >= 500:
		return "api_error", "UPSTREAM_ERROR"
	}
	return "invalid_request_error", strconv.Itoa(status)
}

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ErrorBody renders err as {"error":{"message","type","code"}}.
func ErrorBody(err error) (status int, body []byte) {
	status = StatusOf(err)
	typ, code := ErrorType(status)
	var ce *ClientError
	if errors.As(err, &ce) && ce.Code != "" {
		code = ce.Code
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return status, json.MustMarshal(errorEnvelope{Error: errorDetail{Message: msg, Type: typ, Code: code}})
}

// WriteError writes the error envelope with Retry-After when known.
func WriteError(w http.ResponseWriter, err error) {
	status, body := ErrorBody(err)
	if ra := RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((ra+time.Second-1)/time.Second)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
