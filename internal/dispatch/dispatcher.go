// Package dispatch runs one client request through policy, model resolution,
// combo fanout and the credential fallback loop, then streams or renders the
// upstream answer in the client's format.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/registry"
	"github.com/nghyane/omnigate/internal/runtime/executor"
	"github.com/nghyane/omnigate/internal/telemetry"
	"github.com/nghyane/omnigate/internal/translator"
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/nghyane/omnigate/internal/usage"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
)

// ConfigSource yields the live configuration. *config.Watcher implements it.
type ConfigSource interface {
	Current() *config.Config
}

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

// StaticConfig serves cfg forever.
func StaticConfig(cfg *config.Config) ConfigSource { return staticConfig{cfg: cfg} }

// Request is one inbound client call.
type Request struct {
	Body []byte

	// Format is the client wire format; empty means detect from Body.
	Format translator.Format

	// Model and Stream override the body fields when the route carries
	// them, as the Gemini routes do.
	Model  string
	Stream *bool

	APIKey    string
	Endpoint  string
	RequestID string

	// Writer receives streamed responses.
	Writer http.ResponseWriter
}

// Response is a rendered non-stream answer. Streamed responses have already
// been written to Request.Writer and carry no Body.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
	Streamed    bool
}

type Options struct {
	Config    ConfigSource
	Registry  *registry.Registry
	Manager   *provider.Manager
	Executors *executor.Set
	Tracker   *usage.Tracker
	Sink      *EventSink
}

type Dispatcher struct {
	cfg       ConfigSource
	registry  *registry.Registry
	manager   *provider.Manager
	executors *executor.Set
	tracker   *usage.Tracker
	sink      *EventSink
	limiters  keyLimiters
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		cfg:       opts.Config,
		registry:  opts.Registry,
		manager:   opts.Manager,
		executors: opts.Executors,
		tracker:   opts.Tracker,
		sink:      opts.Sink,
	}
}

// requestState follows one request through dispatch. It is owned by the
// handling goroutine.
type requestState struct {
	id       string
	start    time.Time
	cfg      *config.Config
	endpoint string
	writer   http.ResponseWriter

	src    translator.Format
	body   []byte
	model  string
	stream bool
	key    *config.APIKey

	combo      string
	target     *registry.Target
	credential string

	attempts   int
	dispatched int
	lastSent   string

	usage     *ir.Usage
	estimated bool
	status    int
	streamErr error
}

func (st *requestState) keyID() string {
	if st.key == nil {
		return ""
	}
	return st.key.ID()
}

// Handle runs req to completion. An error means nothing was written to the
// client yet; the caller renders it.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (*Response, error) {
	st := &requestState{
		id:       req.RequestID,
		start:    time.Now(),
		cfg:      d.cfg.Current(),
		endpoint: req.Endpoint,
		writer:   req.Writer,
	}
	if st.id == "" {
		st.id = uuid.NewString()
	}

	ctx, span, timings := telemetry.StartRequest(ctx, "gateway.request",
		attribute.String("request.id", st.id),
		attribute.String("http.route", req.Endpoint),
	)
	defer span.End()

	resp, err := d.handle(ctx, st, req)
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	d.finalize(ctx, st, timings, resp, err)
	return resp, err
}

func (d *Dispatcher) handle(ctx context.Context, st *requestState, req Request) (*Response, error) {
	_, parse := telemetry.StartPhase(ctx, telemetry.PhaseParse)
	if limit := st.cfg.Server.BodyLimit; limit > 0 && int64(len(req.Body)) > limit {
		err := provider.NewClientError(http.StatusRequestEntityTooLarge, "Request body too large (limit %d bytes)", limit)
		parse.EndWithError(err)
		return nil, err
	}
	if !gjson.ValidBytes(req.Body) || !gjson.ParseBytes(req.Body).IsObject() {
		err := provider.NewClientError(http.StatusBadRequest, "Invalid JSON body")
		parse.EndWithError(err)
		return nil, err
	}
	st.src = req.Format
	if st.src == "" {
		st.src = translator.DetectFormat(req.Body)
	}
	parse.End()

	_, validate := telemetry.StartPhase(ctx, telemetry.PhaseValidate)
	st.body = dropNulls(req.Body)
	st.model = req.Model
	if st.model == "" {
		st.model = gjson.GetBytes(st.body, "model").String()
	}
	if req.Stream != nil {
		st.stream = *req.Stream
	} else {
		st.stream = gjson.GetBytes(st.body, "stream").Bool()
	}
	if st.model == "" {
		err := provider.NewClientError(http.StatusBadRequest, "Missing model")
		validate.EndWithError(err)
		return nil, err
	}
	validate.End()

	_, policy := telemetry.StartPhase(ctx, telemetry.PhasePolicy)
	key, err := d.checkPolicy(ctx, st.cfg, req.APIKey, st.model)
	st.key = key
	if err != nil {
		policy.EndWithError(err)
		return nil, err
	}
	policy.End()

	_, resolve := telemetry.StartPhase(ctx, telemetry.PhaseResolve)
	res, err := d.registry.Resolve(st.model)
	if err != nil {
		resolve.EndWithError(err)
		return nil, err
	}
	resolve.End()

	if res.Combo != nil {
		return d.runCombo(ctx, st, res.Combo)
	}
	return d.runTarget(ctx, st, *res.Target, st.cfg.Resilience.RequestTimeout, "direct")
}

// runTarget sends the request to one provider model through the credential
// loop and delivers the answer. After a nil error the response has been
// committed and no further fallback is possible.
func (d *Dispatcher) runTarget(ctx context.Context, st *requestState, target registry.Target, timeout time.Duration, reason string) (*Response, error) {
	ex, ok := d.executors.Get(target.Provider)
	if !ok {
		return nil, &provider.UnavailableError{Message: fmt.Sprintf("Provider %s is not available", target.Provider)}
	}
	tgt := ex.Format()
	if !translator.Supported(st.src, tgt) {
		return nil, &provider.UnavailableError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("Cannot translate %s requests for provider %s (%s)", st.src, target.Provider, tgt),
		}
	}

	ctx, connect := telemetry.StartPhase(ctx, telemetry.PhaseConnect)
	connect.SetAttributes(attribute.String("provider", target.Provider), attribute.String("model", target.Model))

	before := st.attempts
	ctx = provider.WithAttemptObserver(ctx, func(a provider.Attempt) {
		st.recordAttempt(d, a, reason)
	})
	attemptCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	resp, cred, err := d.manager.Execute(attemptCtx, target.Provider, target.Model, func(ctx context.Context, cred *provider.Credential) (*http.Response, error) {
		body, err := translator.TranslateRequest(st.src, tgt, target.Model, st.body, st.stream, translator.RequestOptions{ProjectID: cred.ProjectID})
		if err != nil {
			return nil, &provider.ClientError{Status: http.StatusBadRequest, Message: fmt.Sprintf("Invalid request: %v", err), Err: err}
		}
		return ex.Execute(ctx, executor.ExecRequest{Model: target.Model, Body: body, Stream: st.stream, Credential: cred})
	})
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		cancel()
		if timedOut.Load() && ctx.Err() == nil {
			err = &provider.UpstreamError{
				Provider: target.Provider,
				Status:   http.StatusGatewayTimeout,
				Message:  fmt.Sprintf("Provider %s did not respond within %s", target.Provider, timeout),
			}
		}
		if st.attempts == before {
			st.recordRejected(d, target, reason, err)
		}
		connect.EndWithError(err)
		return nil, err
	}
	defer cancel()
	connect.End()

	st.target = &target
	st.credential = cred.ID
	if st.stream {
		return d.streamResponse(attemptCtx, st, target, tgt, resp)
	}
	return d.collectResponse(attemptCtx, st, target, tgt, resp)
}

// runCombo tries the combo's candidates in strategy order. Candidates that
// cannot serve right now are skipped without a network call; the last real
// failure is surfaced when every candidate fails.
func (d *Dispatcher) runCombo(ctx context.Context, st *requestState, combo *config.Combo) (*Response, error) {
	st.combo = combo.Name
	cands, err := d.registry.Candidates(combo)
	if err != nil {
		return nil, err
	}
	limit := combo.MaxAttempts
	if limit <= 0 || limit > len(cands) {
		limit = len(cands)
	}
	timeout := combo.Timeout
	if timeout <= 0 {
		timeout = st.cfg.Resilience.RequestTimeout
	}
	strategy := string(combo.Strategy)
	if strategy == "" {
		strategy = string(config.StrategyPriority)
	}
	entry := log.WithFields(log.Fields{"request_id": st.id, "combo": combo.Name, "strategy": strategy})
	entry.Debugf("combo with %d candidates", len(cands))

	var lastErr error
	for _, c := range cands {
		if st.dispatched >= limit {
			break
		}
		if ok, why := d.manager.Available(c.Provider, c.Model); !ok {
			entry.WithField("target", c.String()).Debugf("skipping candidate: %s", why)
			st.recordSkip(d, c, strategy, why)
			continue
		}
		st.dispatched++
		done := d.registry.TrackUse(c.Combo, c.Target)
		resp, err := d.runTarget(ctx, st, c.Target, timeout, strategy)
		done()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !provider.CanFallback(err) {
			return nil, err
		}
		entry.WithField("target", c.String()).WithError(err).Warn("combo candidate failed, trying next")
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &provider.UnavailableError{
		Message: fmt.Sprintf("All models in combo %s are unavailable", combo.Name),
		After:   d.earliestRecovery(cands),
	}
}

// earliestRecovery is the shortest wait until a skipped candidate may serve
// again, or zero when unknown.
func (d *Dispatcher) earliestRecovery(cands []registry.Candidate) time.Duration {
	var best time.Duration
	consider := func(w time.Duration) {
		if w > 0 && (best == 0 || w < best) {
			best = w
		}
	}
	for _, c := range cands {
		if d.manager.Breakers().IsOpen(c.Provider) {
			consider(d.manager.Breakers().RetryAfter(c.Provider))
		}
		consider(d.manager.Cooldowns().Remaining(c.Provider, c.Model))
	}
	return best
}
