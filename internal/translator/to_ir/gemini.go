package to_ir

import (
	"strings"

	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
)

// ParseGeminiRequest parses a generateContent body. Cloud Code envelopes
// ({"model":..., "request":{...}}) are unwrapped first.
func ParseGeminiRequest(body []byte) (*ir.Request, error) {
	root, err := parseRoot(body)
	if err != nil {
		return nil, err
	}
	model := root.Get("model").String()
	if inner := root.Get("request"); inner.IsObject() {
		root = inner
	}

	gc := root.Get("generationConfig")
	req := &ir.Request{
		Model:         model,
		Temperature:   floatPtr(gc.Get("temperature")),
		TopP:          floatPtr(gc.Get("topP")),
		TopK:          intPtr(gc.Get("topK")),
		MaxTokens:     intPtr(gc.Get("maxOutputTokens")),
		StopSequences: stringList(gc.Get("stopSequences")),
	}

	if tc := gc.Get("thinkingConfig"); tc.IsObject() {
		include := tc.Get("includeThoughts")
		if !include.Exists() {
			include = tc.Get("include_thoughts")
		}
		req.Thinking = &ir.ThinkingConfig{
			IncludeThoughts: include.Bool() || tc.Get("thinkingBudget").Int() > 0,
			Budget:          int(tc.Get("thinkingBudget").Int()),
			Effort:          strings.ToLower(tc.Get("thinkingLevel").String()),
		}
	}

	switch mime := gc.Get("responseMimeType").String(); {
	case mime == "application/json" && gc.Get("responseSchema").IsObject():
		req.ResponseFormat = &ir.ResponseFormat{Type: "json_schema", Name: "response", Schema: schemaMap(gc.Get("responseSchema"))}
	case mime == "application/json":
		req.ResponseFormat = &ir.ResponseFormat{Type: "json_object"}
	}

	if sys := contentText(root.Get("systemInstruction.parts")); sys != "" {
		req.Messages = append(req.Messages, ir.Message{Role: ir.RoleSystem, Content: []ir.ContentPart{textPart(sys)}})
	}

	// Gemini may omit call ids; pair responses with calls by name in order.
	pending := make(map[string][]string)
	root.Get("contents").ForEach(func(_, c gjson.Result) bool {
		req.Messages = append(req.Messages, parseGeminiContent(c, pending)...)
		return true
	})

	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		t.Get("functionDeclarations").ForEach(func(_, fd gjson.Result) bool {
			params := fd.Get("parameters")
			if !params.Exists() {
				params = fd.Get("parametersJsonSchema")
			}
			req.Tools = append(req.Tools, ir.ToolDefinition{
				Name:        fd.Get("name").String(),
				Description: fd.Get("description").String(),
				Parameters:  schemaMap(params),
			})
			return true
		})
		return true
	})

	switch root.Get("toolConfig.functionCallingConfig.mode").String() {
	case "ANY":
		req.ToolChoice = "required"
	case "NONE":
		req.ToolChoice = "none"
	case "AUTO":
		req.ToolChoice = "auto"
	}
	return req, nil
}

func parseGeminiContent(c gjson.Result, pending map[string][]string) []ir.Message {
	role := ir.RoleUser
	if c.Get("role").String() == "model" {
		role = ir.RoleAssistant
	}
	msg := ir.Message{Role: role}
	var results []ir.ContentPart

	c.Get("parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			name := fc.Get("name").String()
			id := fc.Get("id").String()
			if id == "" {
				id = ir.GenToolCallID()
			}
			pending[name] = append(pending[name], id)
			args := "{}"
			if a := fc.Get("args"); a.IsObject() {
				args = a.Raw
			}
			msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
				ID:               id,
				Name:             name,
				Args:             args,
				ThoughtSignature: part.Get("thoughtSignature").String(),
			})
		case part.Get("functionResponse").Exists():
			fr := part.Get("functionResponse")
			name := fr.Get("name").String()
			id := fr.Get("id").String()
			if queue := pending[name]; len(queue) > 0 {
				if id == "" {
					id = queue[0]
				}
				pending[name] = removeID(queue, id)
			}
			if id == "" {
				id = name
			}
			results = append(results, ir.ContentPart{
				Type: ir.ContentTypeToolResult,
				ToolResult: &ir.ToolResultPart{
					ToolCallID: id,
					Name:       name,
					Result:     geminiResult(fr.Get("response")),
				},
			})
		case part.Get("thought").Bool():
			msg.Content = append(msg.Content, ir.ContentPart{
				Type:             ir.ContentTypeReasoning,
				Reasoning:        part.Get("text").String(),
				ThoughtSignature: part.Get("thoughtSignature").String(),
			})
		case part.Get("inlineData").Exists() || part.Get("inline_data").Exists():
			data := part.Get("inlineData")
			if !data.Exists() {
				data = part.Get("inline_data")
			}
			mime := data.Get("mimeType").String()
			if mime == "" {
				mime = data.Get("mime_type").String()
			}
			msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeImage, Image: &ir.ImagePart{
				MimeType: mime,
				Data:     data.Get("data").String(),
			}})
		case part.Get("text").Exists():
			if t := part.Get("text").String(); t != "" {
				msg.Content = append(msg.Content, textPart(t))
			}
		}
		return true
	})

	var out []ir.Message
	if len(results) > 0 {
		out = append(out, ir.Message{Role: ir.RoleTool, Content: results})
	}
	if len(msg.Content) > 0 || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	return out
}

func removeID(queue []string, id string) []string {
	for i, v := range queue {
		if v == id {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}

// geminiResult unwraps {"result": v}; strings come back bare.
func geminiResult(resp gjson.Result) string {
	if r := resp.Get("result"); r.Exists() && len(resp.Map()) == 1 {
		if r.Type == gjson.String {
			return r.String()
		}
		return r.Raw
	}
	return resp.Raw
}

// GeminiChunkParser parses generateContent chunks, including Cloud Code
// {"response": ...} envelopes. usageMetadata is cumulative, so only the
// latest one is reported, together with the finish.
type GeminiChunkParser struct {
	toolCount int
	usage     *ir.Usage
	started   bool
	finished  bool
}

func NewGeminiChunkParser() *GeminiChunkParser {
	return &GeminiChunkParser{}
}

func (p *GeminiChunkParser) Parse(data []byte) []ir.StreamEvent {
	root := gjson.ParseBytes(data)
	if inner := root.Get("response"); inner.IsObject() {
		root = inner
	}
	if !root.IsObject() {
		return nil
	}

	var events []ir.StreamEvent
	if u := parseGeminiUsage(root.Get("usageMetadata")); u != nil {
		p.usage = u
	}

	candidate := root.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		p.started = true
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			id := fc.Get("id").String()
			if id == "" {
				id = ir.GenToolCallID()
			}
			args := "{}"
			if a := fc.Get("args"); a.IsObject() {
				args = a.Raw
			}
			events = append(events, ir.StreamEvent{
				Type: ir.EventTypeToolCall,
				ToolCall: &ir.ToolCall{
					ID:               id,
					Name:             fc.Get("name").String(),
					Args:             args,
					ThoughtSignature: part.Get("thoughtSignature").String(),
				},
				ToolCallIndex: p.toolCount,
			})
			p.toolCount++
		case part.Get("thought").Bool():
			events = append(events, ir.StreamEvent{
				Type:      ir.EventTypeReasoning,
				Reasoning: part.Get("text").String(),
				Signature: part.Get("thoughtSignature").String(),
			})
		case part.Get("text").Exists():
			if t := part.Get("text").String(); t != "" {
				events = append(events, ir.StreamEvent{Type: ir.EventTypeToken, Content: t})
			}
		}
		return true
	})

	if fr := candidate.Get("finishReason").String(); fr != "" && !p.finished {
		p.finished = true
		reason := ir.MapGeminiFinishReason(fr)
		if p.toolCount > 0 && reason == ir.FinishReasonStop {
			reason = ir.FinishReasonToolCalls
		}
		if p.usage != nil {
			events = append(events, ir.StreamEvent{Type: ir.EventTypeUsage, Usage: p.usage})
		}
		events = append(events, ir.StreamEvent{Type: ir.EventTypeFinish, FinishReason: reason, Usage: p.usage})
	}
	return events
}

func (p *GeminiChunkParser) Flush() []ir.StreamEvent {
	if !p.started || p.finished {
		return nil
	}
	p.finished = true
	reason := ir.FinishReasonStop
	if p.toolCount > 0 {
		reason = ir.FinishReasonToolCalls
	}
	var events []ir.StreamEvent
	if p.usage != nil {
		events = append(events, ir.StreamEvent{Type: ir.EventTypeUsage, Usage: p.usage})
	}
	return append(events, ir.StreamEvent{Type: ir.EventTypeFinish, FinishReason: reason, Usage: p.usage})
}

func parseGeminiUsage(u gjson.Result) *ir.Usage {
	if !u.IsObject() {
		return nil
	}
	thoughts := int(u.Get("thoughtsTokenCount").Int())
	usage := &ir.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()) + thoughts,
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
		ReasoningTokens:  thoughts,
		CachedTokens:     int(u.Get("cachedContentTokenCount").Int()),
	}
	if !usage.Valid() {
		return nil
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}
