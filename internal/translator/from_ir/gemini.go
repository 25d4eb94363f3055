package from_ir

import (
	"time"

	"github.com/nghyane/omnigate/internal/json"
	"github.com/nghyane/omnigate/internal/sseutil"
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/nghyane/omnigate/internal/translator/schema"
	"google.golang.org/genai"
)

// GeminiOptions selects the variant-specific parts of a Gemini body.
type GeminiOptions struct {
	// SafetySettings adds the permissive safety block.
	SafetySettings bool
}

var safetyCategories = []genai.HarmCategory{
	genai.HarmCategoryHateSpeech,
	genai.HarmCategoryDangerousContent,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryHarassment,
	genai.HarmCategoryCivicIntegrity,
}

func defaultSafetySettings() []any {
	out := make([]any, 0, len(safetyCategories))
	for _, c := range safetyCategories {
		out = append(out, map[string]any{"category": string(c), "threshold": string(genai.HarmBlockThresholdOff)})
	}
	return out
}

// ToGeminiRequest renders a generateContent body.
func ToGeminiRequest(req *ir.Request, opts GeminiOptions) ([]byte, error) {
	return json.Marshal(geminiBody(req, opts))
}

func geminiBody(req *ir.Request, opts GeminiOptions) map[string]any {
	root := map[string]any{"contents": geminiContents(req)}

	// A lone system message is the whole prompt, so it goes out as the user turn.
	if sys := req.SystemText(); len(sys) > 0 && len(req.Messages) > 1 {
		parts := make([]any, 0, len(sys))
		for _, text := range sys {
			parts = append(parts, map[string]any{"text": text})
		}
		root["systemInstruction"] = map[string]any{"role": "user", "parts": parts}
	}

	gc := map[string]any{}
	if req.Temperature != nil {
		gc["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gc["topP"] = *req.TopP
	}
	if req.TopK != nil {
		gc["topK"] = *req.TopK
	}
	if req.MaxTokens != nil {
		gc["maxOutputTokens"] = *req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		gc["stopSequences"] = req.StopSequences
	}
	if budget, ok := ir.ResolveThinkingBudget(req.Thinking); ok {
		gc["thinkingConfig"] = map[string]any{"thinkingBudget": budget, "include_thoughts": true}
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_schema":
			gc["responseMimeType"] = "application/json"
			if rf.Schema != nil {
				gc["responseSchema"] = schema.SanitizeResponseSchema(rf.Schema)
			}
		case "json_object":
			gc["responseMimeType"] = "application/json"
		case "text":
			gc["responseMimeType"] = "text/plain"
		}
	}
	root["generationConfig"] = gc

	if len(req.Tools) > 0 {
		decls := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema.SanitizeMap(toolParams(t)),
			})
		}
		root["tools"] = []any{map[string]any{"functionDeclarations": decls}}
		switch req.ToolChoice {
		case "none":
			root["toolConfig"] = map[string]any{"functionCallingConfig": map[string]any{"mode": "NONE"}}
		case "required":
			root["toolConfig"] = map[string]any{"functionCallingConfig": map[string]any{"mode": "ANY"}}
		}
	}
	if opts.SafetySettings {
		root["safetySettings"] = defaultSafetySettings()
	}
	return root
}

// geminiContents renders the conversation. Tool responses are emitted in a
// user turn right after the model turn that made the calls, and only for
// calls that were answered.
func geminiContents(req *ir.Request) []any {
	idToName, results := ir.BuildToolMaps(req.Messages)
	contents := make([]any, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case ir.RoleSystem:
			if len(req.Messages) == 1 {
				contents = append(contents, map[string]any{"role": "user", "parts": []any{map[string]any{"text": ir.CombineTextParts(msg)}}})
			}

		case ir.RoleUser:
			if parts := geminiUserParts(msg); len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "user", "parts": parts})
			}

		case ir.RoleAssistant:
			var parts []any
			if r := ir.CombineReasoningParts(msg); r != "" {
				parts = append(parts,
					map[string]any{"thought": true, "text": r},
					map[string]any{"thoughtSignature": ir.DefaultThinkingSignature, "text": ""},
				)
			}
			if text := ir.CombineTextParts(msg); text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, map[string]any{
					"thoughtSignature": ir.DefaultThinkingSignature,
					"functionCall":     map[string]any{"id": tc.ID, "name": tc.Name, "args": ir.ParseArgs(tc.Args)},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "model", "parts": parts})
			}

			var responses []any
			for _, tc := range msg.ToolCalls {
				res, ok := results[tc.ID]
				if !ok {
					continue
				}
				name := idToName[tc.ID]
				if name == "" {
					name = ir.ToolNameFromID(tc.ID)
				}
				responses = append(responses, map[string]any{"functionResponse": map[string]any{
					"id":       tc.ID,
					"name":     name,
					"response": map[string]any{"result": ir.ResultAsObject(res.Result)},
				}})
			}
			if len(responses) > 0 {
				contents = append(contents, map[string]any{"role": "user", "parts": responses})
			}
		}
	}
	return contents
}

func geminiUserParts(msg ir.Message) []any {
	var parts []any
	for _, p := range msg.Content {
		switch p.Type {
		case ir.ContentTypeText:
			if p.Text != "" {
				parts = append(parts, map[string]any{"text": p.Text})
			}
		case ir.ContentTypeImage:
			if p.Image != nil && p.Image.Data != "" {
				parts = append(parts, map[string]any{"inlineData": map[string]any{"mime_type": p.Image.MimeType, "data": p.Image.Data}})
			}
		}
	}
	return parts
}

// GeminiEmitter renders generateContent chunks. Tool calls are buffered until
// their arguments are complete, since Gemini sends each call whole.
type GeminiEmitter struct {
	model      string
	wrap       bool
	calls      orderedCalls
	flushed    int
	usage      *ir.Usage
	started    bool
	finishSent bool
}

// NewGeminiEmitter returns an emitter; wrap adds the Cloud Code
// {"response": ...} envelope.
func NewGeminiEmitter(model string, wrap bool) *GeminiEmitter {
	return &GeminiEmitter{model: model, wrap: wrap}
}

func (e *GeminiEmitter) chunk(parts []any, finish string) ir.Event {
	candidate := map[string]any{"index": 0, "content": map[string]any{"role": "model", "parts": parts}}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	body := map[string]any{"candidates": []any{candidate}, "modelVersion": e.model}
	if finish != "" && e.usage != nil {
		body["usageMetadata"] = geminiUsage(e.usage)
	}
	ev := event("", body)
	if e.wrap {
		ev.Data = sseutil.WrapResponse(ev.Data)
	}
	return ev
}

func (e *GeminiEmitter) pendingCalls() []any {
	var parts []any
	for ; e.flushed < e.calls.len(); e.flushed++ {
		tc := e.calls.get(e.flushed)
		if tc == nil {
			continue
		}
		part := map[string]any{"functionCall": map[string]any{"id": tc.ID, "name": tc.Name, "args": ir.ParseArgs(tc.Args)}}
		if tc.ThoughtSignature != "" {
			part["thoughtSignature"] = tc.ThoughtSignature
		}
		parts = append(parts, part)
	}
	return parts
}

func (e *GeminiEmitter) Emit(ev ir.StreamEvent) []ir.Event {
	if e.finishSent {
		return nil
	}
	switch ev.Type {
	case ir.EventTypeToken:
		if ev.Content == "" {
			return nil
		}
		e.started = true
		parts := append(e.pendingCalls(), map[string]any{"text": ev.Content})
		return []ir.Event{e.chunk(parts, "")}
	case ir.EventTypeReasoning:
		if ev.Reasoning == "" {
			return nil
		}
		e.started = true
		part := map[string]any{"text": ev.Reasoning, "thought": true}
		if ev.Signature != "" {
			part["thoughtSignature"] = ev.Signature
		}
		return []ir.Event{e.chunk([]any{part}, "")}
	case ir.EventTypeToolCall:
		if ev.ToolCall != nil {
			e.started = true
			e.calls.start(ev.ToolCallIndex, ev.ToolCall)
		}
	case ir.EventTypeToolCallDelta:
		if tc := e.calls.get(ev.ToolCallIndex); tc != nil && ev.ToolCall != nil {
			tc.Args += ev.ToolCall.Args
		}
	case ir.EventTypeUsage:
		if ev.Usage.Valid() {
			e.usage = ev.Usage
		}
	case ir.EventTypeFinish:
		if ev.Usage.Valid() {
			e.usage = ev.Usage
		}
		return []ir.Event{e.finish(ev.FinishReason)}
	}
	return nil
}

func (e *GeminiEmitter) Finish() []ir.Event {
	if !e.started || e.finishSent {
		return nil
	}
	return []ir.Event{e.finish(ir.FinishReasonStop)}
}

func (e *GeminiEmitter) finish(reason ir.FinishReason) ir.Event {
	e.finishSent = true
	parts := e.pendingCalls()
	if parts == nil {
		parts = []any{map[string]any{"text": ""}}
	}
	return e.chunk(parts, ir.ToGeminiFinishReason(reason))
}

func geminiUsage(u *ir.Usage) map[string]any {
	out := map[string]any{
		"promptTokenCount":     u.PromptTokens,
		"candidatesTokenCount": u.CompletionTokens - u.ReasoningTokens,
		"totalTokenCount":      u.TotalTokens,
	}
	if u.ReasoningTokens > 0 {
		out["thoughtsTokenCount"] = u.ReasoningTokens
	}
	if u.CachedTokens > 0 {
		out["cachedContentTokenCount"] = u.CachedTokens
	}
	return out
}

// RenderGeminiResponse renders a complete generateContent body.
func RenderGeminiResponse(resp *ir.Response, model string, wrap bool) ([]byte, error) {
	var parts []any
	if resp.Reasoning != "" {
		parts = append(parts, map[string]any{"text": resp.Reasoning, "thought": true})
	}
	if resp.Text != "" {
		parts = append(parts, map[string]any{"text": resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		parts = append(parts, map[string]any{"functionCall": map[string]any{"id": tc.ID, "name": tc.Name, "args": ir.ParseArgs(tc.Args)}})
	}
	if parts == nil {
		parts = []any{}
	}
	out := map[string]any{
		"candidates": []any{map[string]any{
			"index":        0,
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": ir.ToGeminiFinishReason(resp.FinishReason),
		}},
		"modelVersion": model,
		"createTime":   time.Now().UTC().Format(time.RFC3339),
	}
	if resp.Usage != nil {
		out["usageMetadata"] = geminiUsage(resp.Usage)
	}
	data, err := json.Marshal(out)
	if err != nil || !wrap {
		return data, err
	}
	return sseutil.WrapResponse(data), nil
}
