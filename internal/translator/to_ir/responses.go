package to_ir

import (
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
)

// ParseResponsesRequest parses an OpenAI Responses request body.
func ParseResponsesRequest(body []byte) (*ir.Request, error) {
	root, err := parseRoot(body)
	if err != nil {
		return nil, err
	}

	req := &ir.Request{
		Model:       root.Get("model").String(),
		Temperature: floatPtr(root.Get("temperature")),
		TopP:        floatPtr(root.Get("top_p")),
		MaxTokens:   intPtr(root.Get("max_output_tokens")),
		Stream:      root.Get("stream").Bool(),
		User:        root.Get("user").String(),
	}
	if effort := root.Get("reasoning.effort").String(); effort != "" {
		req.Thinking = &ir.ThinkingConfig{IncludeThoughts: effort != "none", Effort: effort}
	}
	if f := root.Get("text.format"); f.IsObject() {
		req.ResponseFormat = &ir.ResponseFormat{Type: f.Get("type").String(), Name: f.Get("name").String(), Schema: schemaMap(f.Get("schema"))}
	}

	if text := root.Get("instructions").String(); text != "" {
		req.Messages = append(req.Messages, ir.Message{Role: ir.RoleSystem, Content: []ir.ContentPart{textPart(text)}})
	}

	input := root.Get("input")
	if input.Type == gjson.String {
		req.Messages = append(req.Messages, ir.Message{Role: ir.RoleUser, Content: []ir.ContentPart{textPart(input.String())}})
	}
	input.ForEach(func(_, item gjson.Result) bool {
		req.Messages = appendResponsesItem(req.Messages, item)
		return true
	})

	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		if t.Get("type").String() != "function" {
			return true
		}
		name := t.Get("name").String()
		params := t.Get("parameters")
		if name == "" {
			name = t.Get("function.name").String()
			params = t.Get("function.parameters")
		}
		req.Tools = append(req.Tools, ir.ToolDefinition{
			Name:        name,
			Description: t.Get("description").String(),
			Parameters:  schemaMap(params),
		})
		return true
	})

	switch tc := root.Get("tool_choice"); {
	case tc.Type == gjson.String:
		req.ToolChoice = tc.String()
	case tc.IsObject():
		req.ToolChoice = tc.Get("name").String()
	}
	return req, nil
}

func appendResponsesItem(msgs []ir.Message, item gjson.Result) []ir.Message {
	typ := item.Get("type").String()
	if typ == "" && item.Get("role").Exists() {
		typ = "message"
	}

	switch typ {
	case "message":
		role := ir.RoleUser
		switch item.Get("role").String() {
		case "system", "developer":
			role = ir.RoleSystem
		case "assistant":
			role = ir.RoleAssistant
		}
		parts := parseOpenAIContent(item.Get("content"))
		item.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "input_image" {
				url := block.Get("image_url").String()
				if url == "" {
					url = block.Get("image_url.url").String()
				}
				if url != "" {
					parts = append(parts, imagePartFromURL(url))
				}
			}
			return true
		})
		if len(parts) == 0 {
			return msgs
		}
		return append(msgs, ir.Message{Role: role, Content: parts})

	case "reasoning":
		text := contentText(item.Get("summary"))
		if text == "" {
			return msgs
		}
		return append(msgs, ir.Message{Role: ir.RoleAssistant, Content: []ir.ContentPart{{
			Type: ir.ContentTypeReasoning, Reasoning: text,
		}}})

	case "function_call":
		call := ir.ToolCall{
			ID:   item.Get("call_id").String(),
			Name: item.Get("name").String(),
			Args: item.Get("arguments").String(),
		}
		// Consecutive calls belong to the same assistant turn.
		if n := len(msgs); n > 0 && msgs[n-1].Role == ir.RoleAssistant {
			msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
			return msgs
		}
		return append(msgs, ir.Message{Role: ir.RoleAssistant, ToolCalls: []ir.ToolCall{call}})

	case "function_call_output":
		output := item.Get("output")
		result := output.String()
		if output.IsArray() {
			result = contentText(output)
		}
		return append(msgs, ir.Message{Role: ir.RoleTool, Content: []ir.ContentPart{{
			Type:       ir.ContentTypeToolResult,
			ToolResult: &ir.ToolResultPart{ToolCallID: item.Get("call_id").String(), Result: result},
		}}})
	}
	return msgs
}

// ResponsesEventParser parses OpenAI Responses stream events.
type ResponsesEventParser struct {
	toolIndex int
	inTool    bool
	started   bool
	finished  bool
}

func NewResponsesEventParser() *ResponsesEventParser {
	return &ResponsesEventParser{}
}

func (p *ResponsesEventParser) Parse(data []byte) []ir.StreamEvent {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil
	}

	switch root.Get("type").String() {
	case ir.ResponsesCreated, ir.ResponsesInProgress:
		p.started = true

	case ir.ResponsesOutputTextDelta:
		p.started = true
		if d := root.Get("delta").String(); d != "" {
			return []ir.StreamEvent{{Type: ir.EventTypeToken, Content: d}}
		}

	case ir.ResponsesReasoningDelta, ir.ResponsesReasoningTextDelta:
		p.started = true
		if d := root.Get("delta").String(); d != "" {
			return []ir.StreamEvent{{Type: ir.EventTypeReasoning, Reasoning: d}}
		}

	case ir.ResponsesOutputItemAdded:
		p.started = true
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		p.inTool = true
		call := &ir.ToolCall{ID: item.Get("call_id").String(), Name: item.Get("name").String(), Args: item.Get("arguments").String()}
		if call.ID == "" {
			call.ID = ir.GenToolCallID()
		}
		return []ir.StreamEvent{{Type: ir.EventTypeToolCall, ToolCall: call, ToolCallIndex: p.toolIndex}}

	case ir.ResponsesFuncArgsDelta:
		if d := root.Get("delta").String(); d != "" && p.inTool {
			return []ir.StreamEvent{{Type: ir.EventTypeToolCallDelta, ToolCall: &ir.ToolCall{Args: d}, ToolCallIndex: p.toolIndex}}
		}

	case ir.ResponsesOutputItemDone:
		if root.Get("item.type").String() == "function_call" && p.inTool {
			p.inTool = false
			p.toolIndex++
		}

	case ir.ResponsesCompleted, "response.incomplete":
		if p.finished {
			return nil
		}
		return p.finish(root.Get("response"))

	default:
		if root.Get("object").String() == "response" {
			return p.parseResponse(root)
		}
	}
	return nil
}

func (p *ResponsesEventParser) Flush() []ir.StreamEvent {
	if !p.started || p.finished {
		return nil
	}
	p.finished = true
	return []ir.StreamEvent{{Type: ir.EventTypeFinish, FinishReason: ir.FinishReasonStop}}
}

func (p *ResponsesEventParser) finish(resp gjson.Result) []ir.StreamEvent {
	p.finished = true
	reason := ir.FinishReasonStop
	if resp.Get("incomplete_details.reason").String() == "max_output_tokens" {
		reason = ir.FinishReasonLength
	}
	var events []ir.StreamEvent
	usage := parseResponsesUsage(resp.Get("usage"))
	if usage != nil {
		events = append(events, ir.StreamEvent{Type: ir.EventTypeUsage, Usage: usage})
	}
	return append(events, ir.StreamEvent{Type: ir.EventTypeFinish, FinishReason: reason, Usage: usage})
}

// parseResponse handles a non-streamed response object.
func (p *ResponsesEventParser) parseResponse(resp gjson.Result) []ir.StreamEvent {
	var events []ir.StreamEvent
	resp.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, c gjson.Result) bool {
				if c.Get("type").String() == "output_text" {
					events = append(events, ir.StreamEvent{Type: ir.EventTypeToken, Content: c.Get("text").String()})
				}
				return true
			})
		case "reasoning":
			if text := contentText(item.Get("summary")); text != "" {
				events = append(events, ir.StreamEvent{Type: ir.EventTypeReasoning, Reasoning: text})
			}
		case "function_call":
			events = append(events, ir.StreamEvent{
				Type: ir.EventTypeToolCall,
				ToolCall: &ir.ToolCall{
					ID:   item.Get("call_id").String(),
					Name: item.Get("name").String(),
					Args: item.Get("arguments").String(),
				},
				ToolCallIndex: p.toolIndex,
			})
			p.toolIndex++
		}
		return true
	})
	return append(events, p.finish(resp)...)
}

// parseResponsesUsage counts cache reads and writes as prompt tokens.
func parseResponsesUsage(u gjson.Result) *ir.Usage {
	if !u.IsObject() {
		return nil
	}
	cacheRead := int(u.Get("cache_read_input_tokens").Int())
	cacheCreate := int(u.Get("cache_creation_input_tokens").Int())
	usage := &ir.Usage{
		PromptTokens:        int(u.Get("input_tokens").Int()) + cacheRead + cacheCreate,
		CompletionTokens:    int(u.Get("output_tokens").Int()),
		ReasoningTokens:     int(u.Get("output_tokens_details.reasoning_tokens").Int()),
		CachedTokens:        cacheRead + int(u.Get("input_tokens_details.cached_tokens").Int()),
		CacheCreationTokens: cacheCreate,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if !usage.Valid() {
		return nil
	}
	return usage
}
