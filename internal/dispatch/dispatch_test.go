package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/registry"
	"github.com/nghyane/omnigate/internal/resilience"
	"github.com/nghyane/omnigate/internal/runtime/executor"
	"github.com/nghyane/omnigate/internal/translator"
	"github.com/nghyane/omnigate/internal/usage"
	"github.com/tidwall/gjson"
)

const completion = `{"id":"chatcmpl-1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`

// upstream answers chat completions with status for the keys in fail and
// with a fixed completion otherwise.
func upstream(t *testing.T, fail map[string]int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if status, ok := fail[key]; ok {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream says no"}}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "stream").Bool() {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte(`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"hey"}}]}` + "\n\n" +
				`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}` + "\n\n" +
				"data: [DONE]\n\n"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completion))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func openAIProvider(id, baseURL string, keys ...string) config.Provider {
	p := config.Provider{Type: config.ProviderTypeOpenAI, ID: id, BaseURL: baseURL, Models: []config.ProviderModel{{Name: "m"}}}
	for _, k := range keys {
		p.APIKeys = append(p.APIKeys, config.ProviderAPIKey{Key: k})
	}
	return p
}

type harness struct {
	d       *Dispatcher
	manager *provider.Manager
	tracker *usage.Tracker
	sink    *EventSink

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		manager: provider.NewManager(cfg.Providers, provider.Options{}),
		tracker: usage.NewTracker(nil, 0),
	}
	h.sink = NewEventSink(64, UsageHandler(h.tracker), func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	execs, errs := executor.NewSet(cfg.Providers, resilience.RetryConfig{})
	if len(errs) > 0 {
		t.Fatalf("executors: %v", errs)
	}
	h.d = New(Options{
		Config:    StaticConfig(cfg),
		Registry:  registry.New(cfg),
		Manager:   h.manager,
		Executors: execs,
		Tracker:   h.tracker,
		Sink:      h.sink,
	})
	return h
}

// drain closes the sink so every event has been handled.
func (h *harness) drain() ([]usage.Record, []usage.Attempt) {
	h.sink.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	var (
		recs     []usage.Record
		attempts []usage.Attempt
	)
	for _, e := range h.events {
		switch d := e.Data.(type) {
		case usage.Record:
			recs = append(recs, d)
		case usage.Attempt:
			attempts = append(attempts, d)
		}
	}
	return recs, attempts
}

func (h *harness) call(body string, mutate ...func(*Request)) (*Response, error) {
	req := Request{Body: []byte(body), Format: translator.FormatOpenAI, Endpoint: "/v1/chat/completions"}
	for _, m := range mutate {
		m(&req)
	}
	return h.d.Handle(context.Background(), req)
}

func statusOf(t *testing.T, err error, want int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", want)
	}
	if got := provider.StatusOf(err); got != want {
		t.Fatalf("status = %d, want %d (%v)", got, want, err)
	}
}

func TestHandleNonStream(t *testing.T) {
	srv, _ := upstream(t, nil)
	cfg := &config.Config{Providers: []config.Provider{openAIProvider("a", srv.URL, "k1")}}
	h := newHarness(t, cfg)

	resp, err := h.call(`{"model":"a/m","messages":[{"role":"user","content":"hi"}],"temperature":null}`)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK || resp.Streamed {
		t.Fatalf("resp = %+v", resp)
	}
	if gjson.GetBytes(resp.Body, "choices.0.message.content").String() != "hello" {
		t.Errorf("body = %s", resp.Body)
	}

	recs, attempts := h.drain()
	if len(recs) != 1 || len(attempts) != 1 {
		t.Fatalf("records=%d attempts=%d", len(recs), len(attempts))
	}
	r := recs[0]
	if r.Provider != "a" || r.Model != "m" || r.Status != 200 || r.Failed {
		t.Errorf("record = %+v", r)
	}
	if r.InputTokens != 10 || r.OutputTokens != 5 || r.TotalTokens != 15 {
		t.Errorf("tokens = %d/%d/%d", r.InputTokens, r.OutputTokens, r.TotalTokens)
	}
	if r.Cost <= 0 {
		t.Errorf("cost = %v", r.Cost)
	}
	if _, ok := r.Phases["connect"]; !ok {
		t.Errorf("phases = %v", r.Phases)
	}
	if a := attempts[0]; a.Type != usage.AttemptPrimary || a.Number != 1 || a.Status != 200 || a.SelectionReason != "direct" {
		t.Errorf("attempt = %+v", a)
	}
	if c := h.tracker.Counters(); c.TotalRequests != 1 || c.SuccessCount != 1 || c.TotalTokens != 15 {
		t.Errorf("counters = %+v", c)
	}
}

func TestHandleStream(t *testing.T) {
	srv, _ := upstream(t, nil)
	cfg := &config.Config{Providers: []config.Provider{openAIProvider("a", srv.URL, "k1")}}
	h := newHarness(t, cfg)

	rec := httptest.NewRecorder()
	resp, err := h.call(`{"model":"a/m","stream":true,"messages":[{"role":"user","content":"hi"}]}`, func(r *Request) { r.Writer = rec })
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Streamed {
		t.Fatalf("resp = %+v", resp)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "hey") || strings.Count(out, "data: [DONE]") != 1 {
		t.Errorf("stream = %s", out)
	}

	recs, _ := h.drain()
	if len(recs) != 1 || !recs[0].Stream || recs[0].Status != 200 || recs[0].TotalTokens != 4 {
		t.Errorf("records = %+v", recs)
	}
}

func TestHandleRejectsBadInput(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{BodyLimit: 64}}
	h := newHarness(t, cfg)

	_, err := h.call(`not json`)
	statusOf(t, err, http.StatusBadRequest)

	_, err = h.call(`[1,2]`)
	statusOf(t, err, http.StatusBadRequest)

	_, err = h.call(`{"messages":[]}`)
	statusOf(t, err, http.StatusBadRequest)
	if !strings.Contains(err.Error(), "Missing model") {
		t.Errorf("err = %v", err)
	}

	_, err = h.call(`{"model":"x","messages":[{"role":"user","content":"` + strings.Repeat("a", 100) + `"}]}`)
	statusOf(t, err, http.StatusRequestEntityTooLarge)

	recs, attempts := h.drain()
	if len(recs) != 4 || len(attempts) != 0 {
		t.Fatalf("records=%d attempts=%d", len(recs), len(attempts))
	}
	for _, r := range recs {
		if !r.Failed {
			t.Errorf("record not failed: %+v", r)
		}
	}
}

func TestHandleUnknownModel(t *testing.T) {
	srv, calls := upstream(t, nil)
	cfg := &config.Config{Providers: []config.Provider{openAIProvider("a", srv.URL, "k1")}}
	h := newHarness(t, cfg)

	_, err := h.call(`{"model":"nope/ghost","messages":[]}`)
	statusOf(t, err, http.StatusBadRequest)
	if calls.Load() != 0 {
		t.Error("unknown model must not reach upstream")
	}
}

func TestPolicy(t *testing.T) {
	srv, _ := upstream(t, nil)
	cfg := &config.Config{
		Providers: []config.Provider{openAIProvider("a", srv.URL, "k1")},
		Auth: config.AuthConfig{
			RequireAPIKey: true,
			APIKeys: []config.APIKey{
				{Key: "sk-open", Name: "open"},
				{Key: "sk-narrow", Name: "narrow", AllowedModels: []string{"b/*"}},
				{Key: "sk-slow", Name: "slow", RateLimit: 0.001, Burst: 1},
				{Key: "sk-broke", Name: "broke", Budget: 0.0000001},
			},
		},
	}
	h := newHarness(t, cfg)
	body := `{"model":"a/m","messages":[{"role":"user","content":"hi"}]}`
	withKey := func(k string) func(*Request) { return func(r *Request) { r.APIKey = k } }

	_, err := h.call(body)
	statusOf(t, err, http.StatusUnauthorized)

	_, err = h.call(body, withKey("sk-unknown"))
	statusOf(t, err, http.StatusUnauthorized)

	_, err = h.call(body, withKey("sk-narrow"))
	statusOf(t, err, http.StatusForbidden)

	if _, err = h.call(body, withKey("sk-open")); err != nil {
		t.Fatalf("allowed key: %v", err)
	}

	if _, err = h.call(body, withKey("sk-slow")); err != nil {
		t.Fatalf("first call within burst: %v", err)
	}
	_, err = h.call(body, withKey("sk-slow"))
	statusOf(t, err, http.StatusTooManyRequests)

	// The first call is admitted and spends past the budget.
	if _, err = h.call(body, withKey("sk-broke")); err != nil {
		t.Fatalf("first budget call: %v", err)
	}
	_, err = h.call(body, withKey("sk-broke"))
	statusOf(t, err, http.StatusTooManyRequests)
	var be *usage.BudgetExceededError
	if !errors.As(err, &be) {
		t.Errorf("expected BudgetExceededError, got %T", err)
	}
}

func TestCredentialFallback(t *testing.T) {
	srv, calls := upstream(t, map[string]int{"k1": http.StatusTooManyRequests})
	p := openAIProvider("a", srv.URL)
	p.APIKeys = []config.ProviderAPIKey{{Key: "k1", Priority: 1}, {Key: "k2", Priority: 2}}
	cfg := &config.Config{Providers: []config.Provider{p}}
	h := newHarness(t, cfg)

	resp, err := h.call(`{"model":"a/m","messages":[{"role":"user","content":"hi"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || calls.Load() != 2 {
		t.Fatalf("status=%d calls=%d", resp.Status, calls.Load())
	}

	_, attempts := h.drain()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %+v", attempts)
	}
	first, second := attempts[0], attempts[1]
	if first.Status != 429 || first.Type != usage.AttemptPrimary {
		t.Errorf("first = %+v", first)
	}
	if second.Status != 200 || second.Type != usage.AttemptFallback || second.SelectionReason != "credential_fallback" {
		t.Errorf("second = %+v", second)
	}
	if first.ConnectionID == second.ConnectionID {
		t.Error("fallback must use another account")
	}
}

func TestComboFallsThrough(t *testing.T) {
	bad, _ := upstream(t, map[string]int{"ka": http.StatusInternalServerError})
	good, _ := upstream(t, nil)
	cfg := &config.Config{
		Providers: []config.Provider{
			openAIProvider("a", bad.URL, "ka"),
			openAIProvider("b", good.URL, "kb"),
		},
		Combos: []config.Combo{{Name: "duo", Strategy: config.StrategyPriority, Models: []config.ComboModel{
			{Model: "a/m"}, {Model: "b/m"},
		}}},
	}
	h := newHarness(t, cfg)

	resp, err := h.call(`{"model":"duo","messages":[{"role":"user","content":"hi"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Fatalf("resp = %+v", resp)
	}

	recs, attempts := h.drain()
	if len(recs) != 1 || recs[0].Combo != "duo" || recs[0].Provider != "b" {
		t.Errorf("records = %+v", recs)
	}
	if len(attempts) != 2 || attempts[0].Provider != "a" || attempts[0].Status != 500 || attempts[1].Provider != "b" {
		t.Fatalf("attempts = %+v", attempts)
	}
	if attempts[1].Type != usage.AttemptFallback || attempts[1].SelectionReason != string(config.StrategyPriority) {
		t.Errorf("second attempt = %+v", attempts[1])
	}
}

func TestComboSkipsOpenBreaker(t *testing.T) {
	bad, badCalls := upstream(t, nil)
	good, _ := upstream(t, nil)
	cfg := &config.Config{
		Providers: []config.Provider{
			openAIProvider("a", bad.URL, "ka"),
			openAIProvider("b", good.URL, "kb"),
		},
		Combos: []config.Combo{{Name: "duo", Models: []config.ComboModel{{Model: "a/m"}, {Model: "b/m"}}}},
	}
	h := newHarness(t, cfg)
	for !h.manager.Breakers().IsOpen("a") {
		done, err := h.manager.Breakers().Allow("a")
		if err != nil {
			t.Fatal(err)
		}
		done(false)
	}
	if _, err := h.call(`{"model":"duo","messages":[{"role":"user","content":"hi"}]}`); err != nil {
		t.Fatal(err)
	}
	if badCalls.Load() != 0 {
		t.Error("open breaker candidate must not be called")
	}

	_, attempts := h.drain()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %+v", attempts)
	}
	if !attempts[0].Skipped || attempts[0].SkipReason != "circuit_open" || attempts[0].Provider != "a" {
		t.Errorf("skip = %+v", attempts[0])
	}
	if attempts[1].Skipped || attempts[1].Provider != "b" || attempts[1].Status != 200 {
		t.Errorf("dispatch = %+v", attempts[1])
	}
}

func TestComboAllUnavailable(t *testing.T) {
	srv, _ := upstream(t, nil)
	cfg := &config.Config{
		Providers: []config.Provider{openAIProvider("a", srv.URL, "ka"), openAIProvider("b", srv.URL, "kb")},
		Combos:    []config.Combo{{Name: "duo", Models: []config.ComboModel{{Model: "a/m"}, {Model: "b/m"}}}},
	}
	h := newHarness(t, cfg)
	h.manager.Cooldowns().Set("a", "m", time.Minute)
	h.manager.Cooldowns().Set("b", "m", 30*time.Second)

	_, err := h.call(`{"model":"duo","messages":[]}`)
	statusOf(t, err, http.StatusServiceUnavailable)
	if !strings.Contains(err.Error(), "duo") {
		t.Errorf("err = %v", err)
	}
	if after := provider.RetryAfterOf(err); after <= 0 || after > 30*time.Second {
		t.Errorf("retry after = %v", after)
	}
}

func TestComboSurfacesLastFailure(t *testing.T) {
	srv, _ := upstream(t, map[string]int{"ka": http.StatusBadGateway, "kb": http.StatusInternalServerError})
	cfg := &config.Config{
		Providers: []config.Provider{openAIProvider("a", srv.URL, "ka"), openAIProvider("b", srv.URL, "kb")},
		Combos:    []config.Combo{{Name: "duo", Models: []config.ComboModel{{Model: "a/m"}, {Model: "b/m"}}}},
	}
	h := newHarness(t, cfg)

	_, err := h.call(`{"model":"duo","messages":[]}`)
	statusOf(t, err, http.StatusInternalServerError)
}

func TestComboStopsOnClientError(t *testing.T) {
	srv, calls := upstream(t, map[string]int{"ka": http.StatusBadRequest})
	cfg := &config.Config{
		Providers: []config.Provider{openAIProvider("a", srv.URL, "ka"), openAIProvider("b", srv.URL, "kb")},
		Combos:    []config.Combo{{Name: "duo", Models: []config.ComboModel{{Model: "a/m"}, {Model: "b/m"}}}},
	}
	h := newHarness(t, cfg)

	_, err := h.call(`{"model":"duo","messages":[]}`)
	statusOf(t, err, http.StatusBadRequest)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, a 400 must not fall back", calls.Load())
	}
}

func TestDropNulls(t *testing.T) {
	in := `{"model":"m","temperature":null,"messages":[{"role":"user","content":"hi","name":null}],"meta":{"a.b":null,"keep":1}}`
	out := dropNulls([]byte(in))
	for _, path := range []string{"temperature", "messages.0.name", `meta.a\.b`} {
		if gjson.GetBytes(out, path).Exists() {
			t.Errorf("%s survived: %s", path, out)
		}
	}
	if gjson.GetBytes(out, "meta.keep").Int() != 1 || gjson.GetBytes(out, "messages.0.content").String() != "hi" {
		t.Errorf("out = %s", out)
	}
}

func TestModelAllowed(t *testing.T) {
	cases := []struct {
		patterns []string
		model    string
		want     bool
	}{
		{nil, "anything", true},
		{[]string{"*"}, "openai/gpt-4o", true},
		{[]string{"openai/*"}, "openai/gpt-4o", true},
		{[]string{"openai/*"}, "claude/sonnet", false},
		{[]string{"main"}, "main", true},
		{[]string{"main"}, "main2", false},
	}
	for _, c := range cases {
		if got := ModelAllowed(c.patterns, c.model); got != c.want {
			t.Errorf("ModelAllowed(%v, %q) = %v", c.patterns, c.model, got)
		}
	}
}

func TestEventSinkDropsAndSubscribes(t *testing.T) {
	block := make(chan struct{})
	s := NewEventSink(1, func(Event) { <-block })
	ch, unsubscribe := s.Subscribe(4)

	// One event is held by the handler and one fills the queue.
	var accepted int
	for i := 0; i < 5; i++ {
		if s.Publish(Event{Type: EventRequest}) {
			accepted++
		}
	}
	if s.Dropped() == 0 || int64(accepted)+s.Dropped() != 5 {
		t.Errorf("accepted=%d dropped=%d", accepted, s.Dropped())
	}
	close(block)

	select {
	case e := <-ch:
		if e.Type != EventRequest {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber got nothing")
	}
	unsubscribe()
	s.Close()
	if s.Publish(Event{}) {
		t.Error("publish after close must fail")
	}
}
