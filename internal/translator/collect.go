package translator

import (
	"bufio"
	"bytes"

	"github.com/nghyane/omnigate/internal/sseutil"
	"github.com/nghyane/omnigate/internal/translator/from_ir"
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/nghyane/omnigate/internal/translator/to_ir"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CollectResponse turns a complete upstream body in tgt into a single
// response document in src. The body may be one JSON document or a buffered
// SSE stream. Usage is returned when the upstream reported any.
func CollectResponse(src, tgt Format, model string, body []byte) ([]byte, *ir.Usage, error) {
	if !Supported(src, tgt) {
		return nil, nil, ErrUnsupportedPair
	}
	payloads := splitPayloads(body)

	if src == tgt || (src.IsGeminiFamily() && tgt.IsGeminiFamily()) {
		if len(payloads) == 1 {
			out, err := relayDocument(src, tgt, payloads[0])
			return out, sseutil.ExtractUsage(payloads[0]), err
		}
		// Buffered stream from a same-family upstream: fold it through the IR.
	}

	parser := chunkParser(tgt)
	var acc ir.Accumulator
	for _, p := range payloads {
		if !gjson.ValidBytes(p) {
			continue
		}
		for _, ev := range parser.Parse(p) {
			acc.Add(ev)
		}
	}
	for _, ev := range parser.Flush() {
		acc.Add(ev)
	}
	resp := acc.Response()

	var (
		out []byte
		err error
	)
	switch src {
	case FormatOpenAI:
		out, err = from_ir.RenderOpenAIResponse(resp, model)
	case FormatClaude:
		out, err = from_ir.RenderClaudeResponse(resp, model)
	case FormatOpenAIResponses:
		out, err = from_ir.RenderResponsesResponse(resp, model)
	case FormatGemini:
		out, err = from_ir.RenderGeminiResponse(resp, model, false)
	default:
		out, err = from_ir.RenderGeminiResponse(resp, model, true)
	}
	return out, resp.Usage, err
}

func relayDocument(src, tgt Format, doc []byte) ([]byte, error) {
	if !gjson.ValidBytes(doc) {
		return nil, to_ir.ErrInvalidJSON
	}
	if src == tgt || src.IsEnvelope() == tgt.IsEnvelope() {
		return doc, nil
	}
	inner := doc
	if r := gjson.GetBytes(doc, "response"); r.IsObject() {
		inner = []byte(r.Raw)
	}
	if src.IsEnvelope() {
		return sjson.SetRawBytes([]byte("{}"), "response", inner)
	}
	return inner, nil
}

// splitPayloads returns the JSON payloads of an SSE body, or the body itself
// when it is a plain document.
func splitPayloads(body []byte) [][]byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && gjson.ValidBytes(trimmed) {
		if trimmed[0] == '[' {
			// Gemini non-SSE streams arrive as a JSON array of chunks.
			var out [][]byte
			gjson.ParseBytes(trimmed).ForEach(func(_, v gjson.Result) bool {
				out = append(out, []byte(v.Raw))
				return true
			})
			return out
		}
		return [][]byte{trimmed}
	}

	var out [][]byte
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for sc.Scan() {
		kind, payload := sseutil.ParseLine(sc.Bytes())
		if kind == sseutil.LineData && len(payload) > 0 {
			out = append(out, append([]byte(nil), payload...))
		}
	}
	return out
}

