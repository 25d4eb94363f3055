// Package telemetry wires OpenTelemetry tracing and per-request phase
// timings.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nghyane/omnigate"

// Request phases, in dispatch order.
const (
	PhaseParse    = "parse"
	PhaseValidate = "validate"
	PhasePolicy   = "policy"
	PhaseResolve  = "resolve"
	PhaseConnect  = "connect"
	PhaseFinalize = "finalize"
)

// Provider owns the SDK tracer provider when an exporter is configured.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup installs the global tracer provider. Without an OTLP endpoint the
// global no-op provider stays in place.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		return &Provider{}, nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "omnigate"
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	log.Infof("Tracing enabled, exporting to %s (sample ratio %.2f)", cfg.OTLPEndpoint, ratio)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// StartRequest opens the root span of a gateway request and attaches a fresh
// Timings to the context.
func StartRequest(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, *Timings) {
	timings := &Timings{}
	ctx = context.WithValue(ctx, timingsKey{}, timings)
	ctx, span := tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
	return ctx, span, timings
}

// Phase is an open phase span. End records its duration.
type Phase struct {
	name    string
	start   time.Time
	span    trace.Span
	timings *Timings
	once    sync.Once
}

// StartPhase opens a child span for one dispatch phase.
func StartPhase(ctx context.Context, phase string) (context.Context, *Phase) {
	ctx, span := tracer().Start(ctx, phase)
	return ctx, &Phase{name: phase, start: time.Now(), span: span, timings: TimingsFrom(ctx)}
}

func (p *Phase) SetAttributes(attrs ...attribute.KeyValue) { p.span.SetAttributes(attrs...) }

// End closes the span and adds the elapsed time to the request timings.
// Calling End more than once has no further effect.
func (p *Phase) End() {
	p.once.Do(func() {
		p.timings.Add(p.name, time.Since(p.start))
		p.span.End()
	})
}

// EndWithError records err on the span before ending it.
func (p *Phase) EndWithError(err error) {
	if err != nil {
		recordSpanError(p.span, err)
	}
	p.End()
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	recordSpanError(trace.SpanFromContext(ctx), err)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

type timingsKey struct{}

// TimingsFrom returns the request timings in ctx, or nil.
func TimingsFrom(ctx context.Context) *Timings {
	t, _ := ctx.Value(timingsKey{}).(*Timings)
	return t
}

// Timings accumulates per-phase durations for one request. A nil *Timings
// ignores writes.
type Timings struct {
	mu     sync.Mutex
	phases map[string]time.Duration
}

func (t *Timings) Add(phase string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.phases == nil {
		t.phases = make(map[string]time.Duration, 6)
	}
	t.phases[phase] += d
	t.mu.Unlock()
}

// Map returns a copy of the recorded phases.
func (t *Timings) Map() map[string]time.Duration {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Duration, len(t.phases))
	for k, v := range t.phases {
		out[k] = v
	}
	return out
}
