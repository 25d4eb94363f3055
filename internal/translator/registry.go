package translator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nghyane/omnigate/internal/translator/from_ir"
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/nghyane/omnigate/internal/translator/to_ir"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrUnsupportedPair is returned for (source, target) pairs with no translator.
var ErrUnsupportedPair = errors.New("unsupported format pair")

// ErrMalformedChunk marks one upstream payload that could not be decoded.
// The stream goes on without it.
var ErrMalformedChunk = errors.New("malformed upstream chunk")

// Event is one client-facing SSE event.
type Event = ir.Event

// RequestOptions carries per-credential values some targets need.
type RequestOptions struct {
	// ProjectID fills the Cloud Code envelope "project".
	ProjectID string
}

// ResponseTranslator converts one stream of upstream payloads into client
// events. A nil payload flushes.
type ResponseTranslator interface {
	Translate(payload []byte) ([]Event, error)
}

func requestParser(src Format) func([]byte) (*ir.Request, error) {
	switch src {
	case FormatOpenAI:
		return to_ir.ParseOpenAIRequest
	case FormatClaude:
		return to_ir.ParseClaudeRequest
	case FormatOpenAIResponses:
		return to_ir.ParseResponsesRequest
	case FormatGemini, FormatGeminiCLI, FormatAntigravity:
		return to_ir.ParseGeminiRequest
	}
	return nil
}

func chunkParser(tgt Format) to_ir.ChunkParser {
	switch tgt {
	case FormatOpenAI:
		return to_ir.NewOpenAIChunkParser()
	case FormatClaude:
		return to_ir.NewClaudeEventParser()
	case FormatOpenAIResponses:
		return to_ir.NewResponsesEventParser()
	case FormatGemini, FormatGeminiCLI, FormatAntigravity:
		return to_ir.NewGeminiChunkParser()
	}
	return nil
}

func emitter(src Format, model string) from_ir.Emitter {
	switch src {
	case FormatOpenAI:
		return from_ir.NewOpenAIEmitter(model)
	case FormatClaude:
		return from_ir.NewClaudeEmitter(model)
	case FormatOpenAIResponses:
		return from_ir.NewResponsesEmitter(model)
	case FormatGemini:
		return from_ir.NewGeminiEmitter(model, false)
	case FormatGeminiCLI, FormatAntigravity:
		return from_ir.NewGeminiEmitter(model, true)
	}
	return nil
}

// Supported reports whether requests in src can be served by a tgt upstream.
func Supported(src, tgt Format) bool {
	return requestParser(src) != nil && chunkParser(tgt) != nil
}

// TranslateRequest converts a client body in src into an upstream body in
// tgt for model. Identity pairs only get the model rewritten.
func TranslateRequest(src, tgt Format, model string, body []byte, stream bool, opts RequestOptions) ([]byte, error) {
	if !Supported(src, tgt) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, src, tgt)
	}
	if src == tgt {
		return rewriteModel(tgt, model, body, opts)
	}

	req, err := requestParser(src)(body)
	if err != nil {
		return nil, err
	}
	req.Model = model
	req.Stream = stream

	switch tgt {
	case FormatOpenAI:
		return from_ir.ToOpenAIRequest(req)
	case FormatClaude:
		return from_ir.ToClaudeRequest(req)
	case FormatOpenAIResponses:
		return from_ir.ToResponsesRequest(req)
	case FormatGemini:
		return from_ir.ToGeminiRequest(req, from_ir.GeminiOptions{SafetySettings: true})
	case FormatGeminiCLI:
		return from_ir.ToCloudCodeEnvelope(req, from_ir.EnvelopeOptions{ProjectID: opts.ProjectID})
	case FormatAntigravity:
		return from_ir.ToCloudCodeEnvelope(req, from_ir.EnvelopeOptions{Antigravity: true, ProjectID: opts.ProjectID})
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, src, tgt)
}

func rewriteModel(f Format, model string, body []byte, opts RequestOptions) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, to_ir.ErrInvalidJSON
	}
	switch {
	case f == FormatGemini:
		// The model travels in the URL.
		return body, nil
	case f.IsEnvelope():
		out, err := sjson.SetBytes(body, "model", modelName(model))
		if err != nil || opts.ProjectID == "" {
			return out, err
		}
		return sjson.SetBytes(out, "project", opts.ProjectID)
	}
	return sjson.SetBytes(body, "model", model)
}

func modelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// NewResponseTranslator returns the per-stream translator for a client in
// src talking to an upstream in tgt.
func NewResponseTranslator(src, tgt Format, model string) (ResponseTranslator, error) {
	if !Supported(src, tgt) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, src, tgt)
	}
	switch {
	case src == tgt || (src.IsEnvelope() && tgt.IsEnvelope()):
		return &identityTranslator{named: src == FormatClaude || src == FormatOpenAIResponses}, nil
	case src.IsGeminiFamily() && tgt.IsGeminiFamily():
		return &geminiRelay{wrap: src.IsEnvelope()}, nil
	}
	return &irTranslator{parser: chunkParser(tgt), emitter: emitter(src, model)}, nil
}

// identityTranslator forwards payloads. Claude and Responses events are
// named from their "type" field.
type identityTranslator struct {
	named bool
}

func (t *identityTranslator) Translate(payload []byte) ([]Event, error) {
	if payload == nil {
		return nil, nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, ErrMalformedChunk
	}
	ev := Event{Data: payload}
	if t.named {
		ev.Name = gjson.GetBytes(payload, "type").String()
	}
	return []Event{ev}, nil
}

// geminiRelay moves Gemini chunks in or out of the Cloud Code envelope.
type geminiRelay struct {
	wrap bool
}

func (t *geminiRelay) Translate(payload []byte) ([]Event, error) {
	if payload == nil {
		return nil, nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, ErrMalformedChunk
	}
	inner := payload
	if r := gjson.GetBytes(payload, "response"); r.IsObject() {
		inner = []byte(r.Raw)
	}
	if t.wrap {
		out, err := sjson.SetRawBytes([]byte("{}"), "response", inner)
		if err != nil {
			return nil, ErrMalformedChunk
		}
		return []Event{{Data: out}}, nil
	}
	return []Event{{Data: inner}}, nil
}

// irTranslator routes upstream payloads through the IR.
type irTranslator struct {
	parser  to_ir.ChunkParser
	emitter from_ir.Emitter
	flushed bool
}

func (t *irTranslator) Translate(payload []byte) ([]Event, error) {
	if payload == nil {
		if t.flushed {
			return nil, nil
		}
		t.flushed = true
		var out []Event
		for _, ev := range t.parser.Flush() {
			out = append(out, t.emitter.Emit(ev)...)
		}
		return append(out, t.emitter.Finish()...), nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, ErrMalformedChunk
	}
	var out []Event
	for _, ev := range t.parser.Parse(payload) {
		out = append(out, t.emitter.Emit(ev)...)
	}
	return out, nil
}
