// Package stream turns an upstream SSE byte stream into client SSE bytes.
// One Engine serves exactly one stream and is not safe for concurrent use.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/sseutil"
	"github.com/nghyane/omnigate/internal/translator"
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrStreamIdleTimeout aborts a stream whose upstream went quiet.
var ErrStreamIdleTimeout = errors.New("stream idle timeout")

// ErrEngineClosed is returned by Write after Flush.
var ErrEngineClosed = errors.New("stream engine closed")

// Mode selects how upstream lines are handled.
type Mode int

const (
	// ModePassthrough cleans OpenAI chunks for an OpenAI client.
	ModePassthrough Mode = iota
	// ModeTranslate routes every event through a response translator.
	ModeTranslate
)

func (m Mode) String() string {
	if m == ModePassthrough {
		return "passthrough"
	}
	return "translate"
}

// ModeFor picks the mode for a client in src and an upstream in tgt.
func ModeFor(src, tgt translator.Format) Mode {
	if src == translator.FormatOpenAI && tgt == translator.FormatOpenAI {
		return ModePassthrough
	}
	return ModeTranslate
}

// Result is reported once per stream.
type Result struct {
	Status    int
	Usage     *ir.Usage
	Estimated bool
	Err       error
}

type Options struct {
	Mode Mode

	// Source is the client format, Target the upstream format.
	Source translator.Format
	Target translator.Format

	Model    string
	Provider string

	// RequestBody feeds the prompt side of estimated usage.
	RequestBody []byte

	IdleTimeout time.Duration
	Estimator   Estimator

	OnComplete func(Result)
	OnTimeout  func()

	Logger *log.Entry
}

type Engine struct {
	opts Options
	tr   translator.ResponseTranslator
	log  *log.Entry

	buf     []byte
	content strings.Builder
	fixedID string

	usage     *ir.Usage
	estimated bool
	usageSent bool
	doneSent  bool
	flushed   bool

	completeOnce sync.Once
}

// New builds an engine. Translate mode requires a supported format pair.
func New(opts Options) (*Engine, error) {
	if opts.Estimator == nil {
		opts.Estimator = RatioEstimator{CharsPerToken: 4}
	}
	if opts.Source == "" {
		opts.Source = translator.FormatOpenAI
	}
	if opts.Target == "" {
		opts.Target = opts.Source
	}
	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		fixedID: fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli()),
	}
	if e.log == nil {
		e.log = log.WithFields(log.Fields{"provider": opts.Provider, "model": opts.Model})
	}
	if opts.Mode == ModeTranslate {
		tr, err := translator.NewResponseTranslator(opts.Source, opts.Target, opts.Model)
		if err != nil {
			return nil, err
		}
		e.tr = tr
	}
	return e, nil
}

// Write consumes one upstream chunk and returns the client bytes it
// completes. A trailing partial line is kept for the next call.
func (e *Engine) Write(p []byte) ([]byte, error) {
	if e.flushed {
		return nil, ErrEngineClosed
	}
	e.buf = append(e.buf, p...)

	var out bytes.Buffer
	rest := e.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		e.processLine(bytes.TrimRight(rest[:i], "\r"), &out)
		rest = rest[i+1:]
	}
	if len(rest) == 0 {
		e.buf = e.buf[:0]
	} else {
		e.buf = append(e.buf[:0:0], rest...)
	}
	return out.Bytes(), nil
}

// Flush ends the stream: drains the partial line and pending translator
// state, emits [DONE] once and reports the result.
func (e *Engine) Flush() []byte {
	if e.flushed {
		return nil
	}
	var out bytes.Buffer
	if len(bytes.TrimSpace(e.buf)) > 0 {
		e.processLine(bytes.TrimRight(e.buf, "\r"), &out)
	}
	e.buf = nil
	e.flushed = true

	if e.tr != nil {
		e.translate(nil, &out)
	}
	e.writeDone(&out)

	if !e.usage.Valid() && e.content.Len() > 0 {
		e.usage = e.estimate()
	}
	if e.usage != nil {
		e.log.WithFields(log.Fields{
			"prompt_tokens":     e.usage.PromptTokens,
			"completion_tokens": e.usage.CompletionTokens,
			"estimated":         e.estimated,
		}).Debug("stream usage")
	}
	e.complete(Result{Status: 200, Usage: e.usage, Estimated: e.estimated})
	return out.Bytes()
}

// Usage returns the usage seen or estimated so far.
func (e *Engine) Usage() *ir.Usage {
	return e.usage
}

// Fail reports a terminated stream. Only the first report counts.
func (e *Engine) Fail(status int, err error) {
	e.complete(Result{Status: status, Usage: e.usage, Estimated: e.estimated, Err: err})
}

func (e *Engine) complete(r Result) {
	e.completeOnce.Do(func() {
		if e.opts.OnComplete != nil {
			e.opts.OnComplete(r)
		}
	})
}

func (e *Engine) processLine(line []byte, out *bytes.Buffer) {
	if e.opts.Mode == ModePassthrough {
		e.passthroughLine(line, out)
		return
	}
	e.translateLine(line, out)
}

func (e *Engine) passthroughLine(line []byte, out *bytes.Buffer) {
	kind, payload := sseutil.ParseLine(line)
	switch kind {
	case sseutil.LineEmpty:
		return
	case sseutil.LineDone:
		e.writeDone(out)
		return
	case sseutil.LineData:
	default:
		out.Write(sseutil.NormalizeDataPrefix(line))
		out.WriteByte('\n')
		return
	}

	if !gjson.ValidBytes(payload) {
		out.Write(ir.BuildSSEChunk(payload))
		return
	}

	data := sseutil.SanitizeOpenAIChunk(payload)
	if fixed, ok := sseutil.FixInvalidID(data, e.fixedID); ok {
		data = fixed
	}
	if !sseutil.HasValuableOpenAIContent(data) {
		return
	}
	data = e.splitThinking(data)

	delta := gjson.GetBytes(data, "choices.0.delta")
	e.content.WriteString(delta.Get("content").String())
	e.content.WriteString(delta.Get("reasoning_content").String())
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		e.content.WriteString(tc.Get("function.arguments").String())
		return true
	})

	if u := sseutil.ExtractUsage(data); u.Valid() {
		e.usage = mergeUsage(e.usage, u)
		e.usageSent = true
	} else if sseutil.IsOpenAIFinish(data) {
		data = e.attachUsage(translator.FormatOpenAI, data)
	}
	out.Write(ir.BuildSSEChunk(data))
}

// splitThinking moves inline <think> spans into reasoning_content.
func (e *Engine) splitThinking(data []byte) []byte {
	delta := gjson.GetBytes(data, "choices.0.delta")
	content := delta.Get("content")
	if content.Type != gjson.String || delta.Get("reasoning_content").String() != "" {
		return data
	}
	text, thinking := sseutil.ExtractThinking(content.String())
	if thinking == "" {
		return data
	}
	if out, err := sjson.SetBytes(data, "choices.0.delta.content", text); err == nil {
		data = out
	}
	if out, err := sjson.SetBytes(data, "choices.0.delta.reasoning_content", thinking); err == nil {
		data = out
	}
	return data
}

func (e *Engine) translateLine(line []byte, out *bytes.Buffer) {
	kind, payload := sseutil.ParseLine(line)
	switch kind {
	case sseutil.LineDone:
		e.translate(nil, out)
		e.writeDone(out)
		return
	case sseutil.LineData:
	default:
		return
	}

	e.content.WriteString(upstreamText(e.opts.Target, payload))
	if u := sseutil.ExtractUsage(payload); u.Valid() {
		e.usage = mergeUsage(e.usage, u)
	}
	e.translate(payload, out)
}

func (e *Engine) translate(payload []byte, out *bytes.Buffer) {
	events, err := e.tr.Translate(payload)
	if err != nil {
		e.log.WithError(err).Debug("dropping upstream line")
		return
	}
	for _, ev := range events {
		if !valuable(e.opts.Source, ev.Data) {
			continue
		}
		if isTerminal(e.opts.Source, ev) {
			if carriesUsage(e.opts.Source, ev.Data) {
				e.usageSent = true
			} else {
				ev.Data = e.attachUsage(e.opts.Source, ev.Data)
			}
		}
		out.Write(ev.Bytes())
	}
}

// attachUsage injects stored or estimated usage into a terminal event, at
// most once per stream.
func (e *Engine) attachUsage(f translator.Format, data []byte) []byte {
	if e.usageSent {
		return data
	}
	e.usageSent = true
	u := e.usage
	if !u.Valid() {
		u = e.estimate()
		e.usage = u
	}
	out, err := injectUsage(f, data, u)
	if err != nil {
		return data
	}
	return out
}

func (e *Engine) estimate() *ir.Usage {
	e.estimated = true
	prompt := e.opts.Estimator.Estimate(string(e.opts.RequestBody))
	completion := e.opts.Estimator.Estimate(e.content.String())
	return &ir.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func (e *Engine) writeDone(out *bytes.Buffer) {
	if e.doneSent {
		return
	}
	e.doneSent = true
	out.Write(ir.DoneChunk)
}
