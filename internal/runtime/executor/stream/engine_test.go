package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/translator"
	"github.com/tidwall/gjson"
)

// dataPayloads returns the JSON payloads of every data line in out.
func dataPayloads(out []byte) []string {
	var res []string
	for _, line := range strings.Split(string(out), "\n") {
		if p, ok := strings.CutPrefix(line, "data: "); ok && p != "[DONE]" {
			res = append(res, p)
		}
	}
	return res
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestModeFor(t *testing.T) {
	if ModeFor(translator.FormatOpenAI, translator.FormatOpenAI) != ModePassthrough {
		t.Error("openai/openai should pass through")
	}
	if ModeFor(translator.FormatOpenAI, translator.FormatClaude) != ModeTranslate {
		t.Error("openai/claude should translate")
	}
	if ModeFor(translator.FormatClaude, translator.FormatClaude) != ModeTranslate {
		t.Error("claude/claude should translate")
	}
}

func TestPassthroughSplitsLinesAndCleansChunks(t *testing.T) {
	var result Result
	e := newEngine(t, Options{Mode: ModePassthrough, OnComplete: func(r Result) { result = r }})

	var out bytes.Buffer
	parts := []string{
		`data:{"id":"chatcmpl","object":"chat.completion.chunk","x_extra":1,"choices":[{"index":0,"delta":{"content":"<think>plan</think>Hi"}}]}`,
		"\n\n" + `data: {"id":"chatcmpl","choices":[{"index":0,"delta":{}}]}` + "\n",
		`data: {"id":"chatcmpl","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\ndata: [DONE]\n\ndata: [DONE]\n",
	}
	for _, p := range parts {
		b, err := e.Write([]byte(p))
		if err != nil {
			t.Fatal(err)
		}
		out.Write(b)
	}
	out.Write(e.Flush())

	if n := strings.Count(out.String(), "data: [DONE]"); n != 1 {
		t.Fatalf("[DONE] count = %d in %q", n, out.String())
	}
	if strings.Contains(out.String(), "data:{") {
		t.Error("data prefix not normalized")
	}

	payloads := dataPayloads(out.Bytes())
	if len(payloads) != 2 {
		t.Fatalf("payloads = %v", payloads)
	}
	first := gjson.Parse(payloads[0])
	if first.Get("x_extra").Exists() {
		t.Error("unknown field survived")
	}
	if !strings.HasPrefix(first.Get("id").String(), "chatcmpl-") {
		t.Errorf("id = %q", first.Get("id").String())
	}
	if first.Get("choices.0.delta.content").String() != "Hi" || first.Get("choices.0.delta.reasoning_content").String() != "plan" {
		t.Errorf("think split = %s", payloads[0])
	}

	finish := gjson.Parse(payloads[1])
	if finish.Get("usage.completion_tokens").Int() <= 0 {
		t.Errorf("finish chunk lacks estimated usage: %s", payloads[1])
	}
	if result.Status != 200 || !result.Estimated || result.Usage == nil {
		t.Errorf("result = %+v", result)
	}
}

func TestPassthroughKeepsUpstreamUsage(t *testing.T) {
	e := newEngine(t, Options{Mode: ModePassthrough})
	in := `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"x"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}` + "\n\n"
	out, _ := e.Write([]byte(in))
	out = append(out, e.Flush()...)

	p := dataPayloads(out)
	if len(p) != 1 || gjson.Get(p[0], "usage.prompt_tokens").Int() != 3 {
		t.Fatalf("payloads = %v", p)
	}
	if u := e.Usage(); u == nil || u.TotalTokens != 4 {
		t.Errorf("usage = %+v", u)
	}
}

func TestPassthroughForwardsMalformedJSON(t *testing.T) {
	e := newEngine(t, Options{Mode: ModePassthrough})
	out, _ := e.Write([]byte("data: {not json\n"))
	if string(out) != "data: {not json\n\n" {
		t.Fatalf("out = %q", out)
	}
}

func TestTranslateClaudeUpstreamToOpenAI(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeTranslate, Source: translator.FormatOpenAI, Target: translator.FormatClaude, Model: "m"})
	stream := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":1}}}`,
		"",
		"event: content_block_start",
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		"",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		"",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		"",
		`data: {"type":"message_stop"}`,
		"", "",
	}, "\n")
	out, _ := e.Write([]byte(stream))
	out = append(out, e.Flush()...)

	if n := strings.Count(string(out), "data: [DONE]"); n != 1 {
		t.Fatalf("[DONE] count = %d", n)
	}
	var text string
	var finish gjson.Result
	for _, p := range dataPayloads(out) {
		r := gjson.Parse(p)
		text += r.Get("choices.0.delta.content").String()
		if r.Get("choices.0.finish_reason").String() != "" {
			finish = r
		}
	}
	if text != "Hello" {
		t.Errorf("text = %q", text)
	}
	if finish.Get("choices.0.finish_reason").String() != "stop" || finish.Get("usage.completion_tokens").Int() != 5 {
		t.Errorf("finish = %s", finish.Raw)
	}
	if u := e.Usage(); u == nil || u.PromptTokens != 10 || u.CompletionTokens != 5 {
		t.Errorf("usage = %+v", u)
	}
}

func TestTranslateInjectsEstimatedUsageOnce(t *testing.T) {
	e := newEngine(t, Options{
		Mode:        ModeTranslate,
		Source:      translator.FormatClaude,
		Target:      translator.FormatGemini,
		RequestBody: []byte(`{"messages":[{"role":"user","content":"hello there"}]}`),
	})
	in := `data: {"candidates":[{"content":{"parts":[{"text":"abcdefgh"}]}}]}` + "\n\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"ijkl"}]},"finishReason":"STOP"}]}` + "\n\n"
	out, _ := e.Write([]byte(in))
	out = append(out, e.Flush()...)

	s := string(out)
	if strings.Count(s, "event: message_delta") != 1 || strings.Count(s, "event: message_stop") != 1 {
		t.Fatalf("out = %s", s)
	}
	for _, p := range dataPayloads(out) {
		r := gjson.Parse(p)
		if r.Get("type").String() == "message_delta" && r.Get("usage.output_tokens").Int() <= 0 {
			t.Errorf("message_delta without usage: %s", p)
		}
	}
	if strings.Count(s, "data: [DONE]") != 1 {
		t.Error("missing [DONE]")
	}
}

func TestFlushEmitsDoneWithoutUpstreamTerminal(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeTranslate, Source: translator.FormatOpenAI, Target: translator.FormatGemini})
	out, _ := e.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`))
	if len(out) != 0 {
		t.Fatalf("partial line emitted early: %q", out)
	}
	out = e.Flush()
	s := string(out)
	if !strings.Contains(s, "partial") || strings.Count(s, "data: [DONE]") != 1 {
		t.Fatalf("flush = %s", s)
	}
	if e.Flush() != nil {
		t.Error("second Flush emitted output")
	}
	if _, err := e.Write([]byte("x")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Write after Flush err = %v", err)
	}
}

func TestTranslateDropsMalformedLine(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeTranslate, Source: translator.FormatOpenAI, Target: translator.FormatClaude})
	out, _ := e.Write([]byte("data: {oops\n\n"))
	if len(out) != 0 {
		t.Fatalf("out = %q", out)
	}
}

func TestRunStreamsToWriter(t *testing.T) {
	var result Result
	e := newEngine(t, Options{
		Mode:        ModePassthrough,
		IdleTimeout: time.Second,
		OnComplete:  func(r Result) { result = r },
	})
	up := io.NopCloser(strings.NewReader(`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"hey"}}]}` + "\n\n" +
		`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\ndata: [DONE]\n\n"))

	var w bytes.Buffer
	if err := e.Run(context.Background(), up, &w); err != nil {
		t.Fatal(err)
	}
	if strings.Count(w.String(), "data: [DONE]") != 1 || !strings.Contains(w.String(), "hey") {
		t.Errorf("w = %s", w.String())
	}
	if result.Status != 200 {
		t.Errorf("result = %+v", result)
	}
}

func TestRunIdleTimeout(t *testing.T) {
	var timeouts atomic.Int32
	var result Result
	e := newEngine(t, Options{
		Mode:        ModePassthrough,
		IdleTimeout: 30 * time.Millisecond,
		OnTimeout:   func() { timeouts.Add(1) },
		OnComplete:  func(r Result) { result = r },
	})
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), pr, io.Discard) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamIdleTimeout) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not abort")
	}
	if timeouts.Load() != 1 {
		t.Errorf("OnTimeout calls = %d", timeouts.Load())
	}
	if result.Status != 504 || !errors.Is(result.Err, ErrStreamIdleTimeout) {
		t.Errorf("result = %+v", result)
	}
}

func TestRunClientCancel(t *testing.T) {
	var result Result
	e := newEngine(t, Options{Mode: ModePassthrough, OnComplete: func(r Result) { result = r }})
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, pr, io.Discard) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if result.Status != StatusClientClosed {
		t.Errorf("result = %+v", result)
	}
}

func TestCollectGeminiJSON(t *testing.T) {
	body := `{"candidates":[{"content":{"parts":[{"text":"Done."}]},"finishReason":"STOP"}]}`
	out, usage, err := Collect(context.Background(), Options{
		Source:      translator.FormatOpenAI,
		Target:      translator.FormatGemini,
		Model:       "gemini-2.5-flash",
		RequestBody: []byte(`{"messages":[]}`),
	}, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "choices.0.message.content").String() != "Done." {
		t.Errorf("out = %s", out)
	}
	if !usage.Valid() {
		t.Errorf("usage not estimated: %+v", usage)
	}
}

func TestEstimators(t *testing.T) {
	if got := (RatioEstimator{CharsPerToken: 4}).Estimate("abcdefgh"); got != 2 {
		t.Errorf("ratio = %d", got)
	}
	if got := (RatioEstimator{CharsPerToken: 4}).Estimate(""); got != 0 {
		t.Errorf("empty = %d", got)
	}
	claude := NewEstimator(config.EstimatorConfig{CharsPerToken: 4}, translator.FormatClaude)
	if got := claude.Estimate("abcdefg"); got != 2 {
		t.Errorf("claude ratio = %d", got)
	}
}
