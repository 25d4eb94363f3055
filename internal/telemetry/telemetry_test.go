package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nghyane/omnigate/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestPhasesRecordTimingsAndSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, root, timings := StartRequest(context.Background(), "POST /v1/chat/completions")
	_, parse := StartPhase(ctx, PhaseParse)
	time.Sleep(2 * time.Millisecond)
	parse.End()
	parse.End()

	_, connect := StartPhase(ctx, PhaseConnect)
	connect.EndWithError(errors.New("upstream 502"))
	root.End()

	phases := timings.Map()
	if phases[PhaseParse] < 2*time.Millisecond {
		t.Errorf("parse = %v", phases[PhaseParse])
	}
	if _, ok := phases[PhaseConnect]; !ok {
		t.Error("connect phase missing")
	}

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(ended))
	}
	for _, s := range ended {
		if s.Name() == PhaseConnect && s.Status().Code != codes.Error {
			t.Errorf("connect status = %v", s.Status())
		}
		if s.Name() == PhaseParse && s.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Error("parse span is not a child of the request span")
		}
	}
}

func TestPhaseWithoutRequest(t *testing.T) {
	_, p := StartPhase(context.Background(), PhaseResolve)
	p.End()
	if TimingsFrom(context.Background()) != nil {
		t.Error("expected no timings")
	}
	var nilTimings *Timings
	nilTimings.Add("x", time.Second)
	if nilTimings.Map() != nil {
		t.Error("nil timings must stay nil")
	}
}

func TestSetupWithoutEndpoint(t *testing.T) {
	p, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}
