package to_ir

import (
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
)

// ParseOpenAIRequest parses a Chat Completions request body.
func ParseOpenAIRequest(body []byte) (*ir.Request, error) {
	root, err := parseRoot(body)
	if err != nil {
		return nil, err
	}

	req := &ir.Request{
		Model:          root.Get("model").String(),
		Temperature:    floatPtr(root.Get("temperature")),
		TopP:           floatPtr(root.Get("top_p")),
		TopK:           intPtr(root.Get("top_k")),
		MaxTokens:      intPtr(root.Get("max_tokens")),
		StopSequences:  stringList(root.Get("stop")),
		Stream:         root.Get("stream").Bool(),
		ResponseFormat: responseFormat(root.Get("response_format")),
		User:           root.Get("user").String(),
	}
	if req.MaxTokens == nil {
		req.MaxTokens = intPtr(root.Get("max_completion_tokens"))
	}

	if effort := root.Get("reasoning_effort").String(); effort != "" {
		req.Thinking = &ir.ThinkingConfig{IncludeThoughts: effort != "none", Effort: effort}
	}
	// Claude-style thinking sent to an OpenAI endpoint wins over the effort.
	if t := thinkingFromClaude(root.Get("thinking")); t != nil {
		req.Thinking = t
	}

	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		if msg, ok := parseOpenAIMessage(m); ok {
			req.Messages = append(req.Messages, msg)
		}
		return true
	})

	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		if def, ok := parseOpenAITool(t); ok {
			req.Tools = append(req.Tools, def)
		}
		return true
	})

	switch tc := root.Get("tool_choice"); {
	case tc.Type == gjson.String:
		req.ToolChoice = tc.String()
	case tc.IsObject():
		req.ToolChoice = tc.Get("function.name").String()
	}
	return req, nil
}

func parseOpenAIMessage(m gjson.Result) (ir.Message, bool) {
	content := m.Get("content")
	switch m.Get("role").String() {
	case "system", "developer":
		text := contentText(content)
		if text == "" {
			return ir.Message{}, false
		}
		return ir.Message{Role: ir.RoleSystem, Content: []ir.ContentPart{textPart(text)}}, true

	case "user":
		msg := ir.Message{Role: ir.RoleUser, Content: parseOpenAIContent(content)}
		return msg, len(msg.Content) > 0

	case "assistant":
		msg := ir.Message{Role: ir.RoleAssistant}
		if r := m.Get("reasoning_content"); r.String() != "" {
			msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeReasoning, Reasoning: r.String()})
		}
		msg.Content = append(msg.Content, parseOpenAIContent(content)...)
		if calls := m.Get("tool_calls"); calls.IsArray() {
			msg.ToolCalls = ir.ParseOpenAIStyleToolCalls(calls.Array())
		}
		return msg, len(msg.Content) > 0 || len(msg.ToolCalls) > 0

	case "tool", "function":
		id := m.Get("tool_call_id").String()
		if id == "" {
			id = m.Get("name").String()
		}
		return ir.Message{Role: ir.RoleTool, Content: []ir.ContentPart{{
			Type: ir.ContentTypeToolResult,
			ToolResult: &ir.ToolResultPart{
				ToolCallID: id,
				Name:       m.Get("name").String(),
				Result:     contentText(content),
			},
		}}}, true
	}
	return ir.Message{}, false
}

func parseOpenAIContent(content gjson.Result) []ir.ContentPart {
	if content.Type == gjson.String {
		if s := content.String(); s != "" {
			return []ir.ContentPart{textPart(s)}
		}
		return nil
	}
	var parts []ir.ContentPart
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text", "input_text", "output_text":
			if t := block.Get("text").String(); t != "" {
				parts = append(parts, textPart(t))
			}
		case "image_url":
			url := block.Get("image_url.url").String()
			if url == "" {
				url = block.Get("image_url").String()
			}
			if url != "" {
				parts = append(parts, imagePartFromURL(url))
			}
		}
		return true
	})
	return parts
}

// parseOpenAITool accepts both {type:function, function:{...}} and the
// Claude-style {name, input_schema} some clients send to OpenAI endpoints.
func parseOpenAITool(t gjson.Result) (ir.ToolDefinition, bool) {
	fn := t.Get("function")
	if !fn.Exists() {
		if name := t.Get("name").String(); name != "" {
			return ir.ToolDefinition{
				Name:        name,
				Description: t.Get("description").String(),
				Parameters:  schemaMap(t.Get("input_schema")),
			}, true
		}
		return ir.ToolDefinition{}, false
	}
	name := fn.Get("name").String()
	if name == "" {
		return ir.ToolDefinition{}, false
	}
	return ir.ToolDefinition{
		Name:        name,
		Description: fn.Get("description").String(),
		Parameters:  schemaMap(fn.Get("parameters")),
	}, true
}

// OpenAIChunkParser parses chat.completion.chunk payloads. A finish without
// usage is held until the trailing usage chunk or Flush.
type OpenAIChunkParser struct {
	toolIndex     map[int]int
	toolIDs       map[int]string
	toolCount     int
	pendingFinish *ir.StreamEvent
	finished      bool
}

func NewOpenAIChunkParser() *OpenAIChunkParser {
	return &OpenAIChunkParser{toolIndex: make(map[int]int), toolIDs: make(map[int]string)}
}

func (p *OpenAIChunkParser) Parse(data []byte) []ir.StreamEvent {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil
	}
	var events []ir.StreamEvent

	choice := root.Get("choices.0")
	if choice.Exists() {
		if msg := choice.Get("message"); msg.IsObject() {
			events = p.appendMessage(events, msg)
		} else {
			events = p.appendDelta(events, choice.Get("delta"))
		}
	}

	usage := parseOpenAIUsage(root.Get("usage"))
	if usage != nil {
		events = append(events, ir.StreamEvent{Type: ir.EventTypeUsage, Usage: usage})
	}

	if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.String() != "" && !p.finished {
		finish := ir.StreamEvent{Type: ir.EventTypeFinish, FinishReason: ir.MapOpenAIFinishReason(fr.String())}
		if usage != nil {
			p.finished = true
			finish.Usage = usage
			events = append(events, finish)
		} else {
			p.pendingFinish = &finish
		}
	} else if usage != nil && p.pendingFinish != nil {
		p.finished = true
		finish := *p.pendingFinish
		finish.Usage = usage
		p.pendingFinish = nil
		events = append(events, finish)
	}
	return events
}

func (p *OpenAIChunkParser) Flush() []ir.StreamEvent {
	if p.pendingFinish == nil {
		return nil
	}
	p.finished = true
	finish := *p.pendingFinish
	p.pendingFinish = nil
	return []ir.StreamEvent{finish}
}

func (p *OpenAIChunkParser) appendDelta(events []ir.StreamEvent, delta gjson.Result) []ir.StreamEvent {
	reasoning := delta.Get("reasoning_content").String()
	if reasoning == "" {
		reasoning = delta.Get("reasoning").String()
	}
	if reasoning != "" {
		events = append(events, ir.StreamEvent{Type: ir.EventTypeReasoning, Reasoning: reasoning})
	}
	if c := delta.Get("content").String(); c != "" {
		events = append(events, ir.StreamEvent{Type: ir.EventTypeToken, Content: c})
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		upstream := int(tc.Get("index").Int())
		args := tc.Get("function.arguments").String()
		id := tc.Get("id").String()
		idx, seen := p.toolIndex[upstream]
		// Some upstreams reuse index 0 for every call and tell them apart by id.
		if !seen || (id != "" && id != p.toolIDs[upstream]) {
			idx = p.toolCount
			p.toolCount++
			p.toolIndex[upstream] = idx
			if id == "" {
				id = ir.GenToolCallID()
			}
			p.toolIDs[upstream] = id
			events = append(events, ir.StreamEvent{
				Type:          ir.EventTypeToolCall,
				ToolCall:      &ir.ToolCall{ID: id, Name: tc.Get("function.name").String()},
				ToolCallIndex: idx,
			})
		}
		if args != "" {
			events = append(events, ir.StreamEvent{
				Type:          ir.EventTypeToolCallDelta,
				ToolCall:      &ir.ToolCall{Args: args},
				ToolCallIndex: idx,
			})
		}
		return true
	})
	return events
}

// appendMessage handles a non-streamed chat.completion body.
func (p *OpenAIChunkParser) appendMessage(events []ir.StreamEvent, msg gjson.Result) []ir.StreamEvent {
	if r := msg.Get("reasoning_content").String(); r != "" {
		events = append(events, ir.StreamEvent{Type: ir.EventTypeReasoning, Reasoning: r})
	}
	if c := msg.Get("content").String(); c != "" {
		events = append(events, ir.StreamEvent{Type: ir.EventTypeToken, Content: c})
	}
	for _, call := range ir.ParseOpenAIStyleToolCalls(msg.Get("tool_calls").Array()) {
		call := call
		if call.ID == "" {
			call.ID = ir.GenToolCallID()
		}
		events = append(events, ir.StreamEvent{Type: ir.EventTypeToolCall, ToolCall: &call, ToolCallIndex: p.toolCount})
		p.toolCount++
	}
	return events
}

func parseOpenAIUsage(u gjson.Result) *ir.Usage {
	if !u.IsObject() {
		return nil
	}
	usage := &ir.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		ReasoningTokens:  int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		CachedTokens:     int(u.Get("prompt_tokens_details.cached_tokens").Int()),
	}
	if !usage.Valid() {
		return nil
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}
