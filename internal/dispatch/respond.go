package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/registry"
	"github.com/nghyane/omnigate/internal/runtime/executor/stream"
	"github.com/nghyane/omnigate/internal/telemetry"
	"github.com/nghyane/omnigate/internal/translator"
	"github.com/nghyane/omnigate/internal/usage"
)

func (d *Dispatcher) engineOptions(st *requestState, target registry.Target, tgt translator.Format) stream.Options {
	return stream.Options{
		Mode:        stream.ModeFor(st.src, tgt),
		Source:      st.src,
		Target:      tgt,
		Model:       st.model,
		Provider:    target.Provider,
		RequestBody: st.body,
		IdleTimeout: st.cfg.Resilience.IdleTimeout,
		Estimator:   stream.NewEstimator(st.cfg.Estimator, st.src),
		Logger:      log.WithFields(log.Fields{"request_id": st.id, "provider": target.Provider, "model": target.Model}),
	}
}

// streamResponse relays the upstream SSE body to the client. Failures after
// the headers are sent are recorded on the request, not returned.
func (d *Dispatcher) streamResponse(ctx context.Context, st *requestState, target registry.Target, tgt translator.Format, resp *http.Response) (*Response, error) {
	if st.writer == nil {
		_ = resp.Body.Close()
		return nil, provider.NewClientError(http.StatusInternalServerError, "streaming is not supported on this route")
	}
	var result stream.Result
	opts := d.engineOptions(st, target, tgt)
	opts.OnComplete = func(r stream.Result) { result = r }
	eng, err := stream.New(opts)
	if err != nil {
		_ = resp.Body.Close()
		return nil, provider.NewClientError(http.StatusBadRequest, "%v", err)
	}

	h := st.writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	st.writer.WriteHeader(http.StatusOK)

	runErr := eng.Run(ctx, resp.Body, st.writer)
	_ = resp.Body.Close()

	st.usage, st.estimated = result.Usage, result.Estimated
	st.status = result.Status
	if st.status == 0 {
		st.status = http.StatusOK
	}
	switch {
	case errors.Is(runErr, stream.ErrStreamIdleTimeout):
		st.status = http.StatusGatewayTimeout
		st.streamErr = &provider.StreamIdleTimeoutError{Idle: st.cfg.Resilience.IdleTimeout}
	case runErr != nil:
		st.streamErr = runErr
		if result.Status == 0 {
			st.status = provider.StatusOf(runErr)
		}
	case result.Err != nil:
		st.streamErr = result.Err
	}
	return &Response{Status: http.StatusOK, Streamed: true}, nil
}

// collectResponse reads the whole upstream body and renders one client
// document.
func (d *Dispatcher) collectResponse(ctx context.Context, st *requestState, target registry.Target, tgt translator.Format, resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	var result stream.Result
	opts := d.engineOptions(st, target, tgt)
	opts.OnComplete = func(r stream.Result) { result = r }
	out, _, err := stream.Collect(ctx, opts, resp.Body)
	if err != nil {
		return nil, &provider.UpstreamError{Provider: target.Provider, Status: http.StatusBadGateway, Message: err.Error()}
	}
	st.usage, st.estimated = result.Usage, result.Estimated
	st.status = http.StatusOK
	return &Response{Status: http.StatusOK, Body: out, ContentType: "application/json"}, nil
}

func (st *requestState) nextAttempt(d *Dispatcher, a usage.Attempt) {
	st.attempts++
	a.ID = uuid.NewString()
	a.RequestID = st.id
	a.Number = st.attempts
	a.Combo = st.combo
	a.APIKeyID = st.keyID()
	a.CreatedAt = time.Now()
	a.Type = usage.AttemptFallback
	if a.Number == 1 {
		a.Type = usage.AttemptPrimary
	}
	d.publish(Event{Type: EventAttempt, RequestID: st.id, Data: a})
}

// recordAttempt stores one credential attempt reported by the manager. A
// repeat on the same provider model is another account of the same pool.
func (st *requestState) recordAttempt(d *Dispatcher, a provider.Attempt, reason string) {
	key := a.Provider + "/" + a.Model
	if st.lastSent == key {
		reason = "credential_fallback"
	}
	st.lastSent = key
	row := usage.Attempt{
		Model:           a.Model,
		Provider:        a.Provider,
		ConnectionID:    a.Credential,
		SelectionReason: reason,
		BreakerState:    a.BreakerState,
		Status:          a.Status,
		Latency:         a.Latency,
	}
	if a.Err != nil {
		row.Error = a.Err.Error()
	}
	st.nextAttempt(d, row)
}

// recordSkip stores a combo candidate that was filtered out before dispatch.
func (st *requestState) recordSkip(d *Dispatcher, c registry.Candidate, reason, why string) {
	st.nextAttempt(d, usage.Attempt{
		Model:           c.Model,
		Provider:        c.Provider,
		SelectionReason: reason,
		BreakerState:    d.manager.Breakers().State(c.Provider).String(),
		Skipped:         true,
		SkipReason:      why,
	})
}

// recordRejected stores a target refused before any credential was tried.
func (st *requestState) recordRejected(d *Dispatcher, target registry.Target, reason string, err error) {
	st.nextAttempt(d, usage.Attempt{
		Model:           target.Model,
		Provider:        target.Provider,
		SelectionReason: reason,
		BreakerState:    d.manager.Breakers().State(target.Provider).String(),
		Status:          provider.StatusOf(err),
		Error:           err.Error(),
		Skipped:         true,
		SkipReason:      skipReason(err),
	})
}

func skipReason(err error) string {
	var (
		open    *provider.CircuitOpenError
		unavail *provider.UnavailableError
		client  *provider.ClientError
	)
	switch {
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &unavail):
		return "unavailable"
	case errors.As(err, &client):
		return "rejected"
	}
	return "error"
}

func (d *Dispatcher) publish(e Event) {
	if d.sink != nil {
		d.sink.Publish(e)
		return
	}
	// Without a sink, persist inline.
	if d.tracker != nil {
		UsageHandler(d.tracker)(e)
	}
}

// finalize prices the request and publishes its record. It never fails the
// request.
func (d *Dispatcher) finalize(ctx context.Context, st *requestState, timings *telemetry.Timings, resp *Response, err error) {
	_, phase := telemetry.StartPhase(ctx, telemetry.PhaseFinalize)
	rec := usage.Record{
		RequestID:      st.id,
		APIKeyID:       st.keyID(),
		Endpoint:       st.endpoint,
		ClientFormat:   string(st.src),
		RequestedModel: st.model,
		Combo:          st.combo,
		Credential:     st.credential,
		Stream:         st.stream,
		Latency:        time.Since(st.start),
		RequestedAt:    st.start,
	}
	if st.target != nil {
		rec.Provider, rec.Model = st.target.Provider, st.target.Model
	}
	switch {
	case err != nil:
		rec.Status = provider.StatusOf(err)
		rec.Error = err.Error()
	case st.status != 0:
		rec.Status = st.status
	case resp != nil:
		rec.Status = resp.Status
	}
	if st.streamErr != nil {
		rec.Error = st.streamErr.Error()
	}
	rec.Failed = err != nil || rec.Status >= http.StatusBadRequest

	if u := st.usage; u != nil {
		rec.InputTokens = int64(u.PromptTokens)
		rec.OutputTokens = int64(u.CompletionTokens)
		rec.ReasoningTokens = int64(u.ReasoningTokens)
		rec.CachedTokens = int64(u.CachedTokens)
		rec.TotalTokens = int64(u.TotalTokens)
		if err == nil && d.tracker != nil {
			rec.Cost = d.tracker.Cost().RecordCost(rec.APIKeyID, rec.InputTokens, rec.OutputTokens)
		}
	}
	phase.End()
	rec.Phases = timings.Map()
	d.publish(Event{Type: EventRequest, RequestID: st.id, Data: rec})
}
