package from_ir

import (
	"time"

	"github.com/nghyane/omnigate/internal/json"
	"github.com/nghyane/omnigate/internal/translator/ir"
)

// ToOpenAIRequest renders a Chat Completions request. Tool results whose
// call was never emitted are dropped.
func ToOpenAIRequest(req *ir.Request) ([]byte, error) {
	root := map[string]any{
		"model":    req.Model,
		"messages": openAIMessages(req.Messages),
	}
	if req.Stream {
		root["stream"] = true
		root["stream_options"] = map[string]any{"include_usage": true}
	}
	if req.Temperature != nil {
		root["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		root["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		root["max_tokens"] = *req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		root["stop"] = req.StopSequences
	}
	if req.User != "" {
		root["user"] = req.User
	}
	if req.Thinking != nil {
		effort := req.Thinking.Effort
		if effort == "" {
			effort = ir.BudgetToEffort(req.Thinking.Budget)
		}
		if effort != "" {
			root["reasoning_effort"] = effort
		}
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_schema":
			name := rf.Name
			if name == "" {
				name = "response"
			}
			root["response_format"] = map[string]any{
				"type":        "json_schema",
				"json_schema": map[string]any{"name": name, "schema": rf.Schema},
			}
		case "json_object", "text":
			root["response_format"] = map[string]any{"type": rf.Type}
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			fn := map[string]any{"name": t.Name, "parameters": toolParams(t)}
			if t.Description != "" {
				fn["description"] = t.Description
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		root["tools"] = tools
		switch req.ToolChoice {
		case "":
		case "auto", "none", "required":
			root["tool_choice"] = req.ToolChoice
		default:
			root["tool_choice"] = map[string]any{"type": "function", "function": map[string]any{"name": req.ToolChoice}}
		}
	}
	return json.Marshal(root)
}

func openAIMessages(msgs []ir.Message) []any {
	_, results := ir.BuildToolMaps(msgs)
	out := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case ir.RoleSystem:
			out = append(out, map[string]any{"role": "system", "content": ir.CombineTextParts(msg)})
		case ir.RoleUser:
			if content := openAIContent(msg); content != nil {
				out = append(out, map[string]any{"role": "user", "content": content})
			}
		case ir.RoleAssistant:
			m := map[string]any{"role": "assistant"}
			if text := ir.CombineTextParts(msg); text != "" {
				m["content"] = text
			} else {
				m["content"] = nil
			}
			if r := ir.CombineReasoningParts(msg); r != "" {
				m["reasoning_content"] = r
			}
			if len(msg.ToolCalls) > 0 {
				calls := make([]any, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					calls = append(calls, map[string]any{
						"id":       tc.ID,
						"type":     "function",
						"function": map[string]any{"name": tc.Name, "arguments": string(ir.ArgsAsRaw(tc.Args))},
					})
				}
				m["tool_calls"] = calls
			}
			out = append(out, m)
		}
		for _, part := range msg.Content {
			if part.Type != ir.ContentTypeToolResult || part.ToolResult == nil {
				continue
			}
			if _, ok := results[part.ToolResult.ToolCallID]; !ok {
				continue
			}
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": part.ToolResult.ToolCallID,
				"content":      part.ToolResult.Result,
			})
		}
	}
	return out
}

// openAIContent returns a plain string for text-only messages.
func openAIContent(msg ir.Message) any {
	var parts []any
	textOnly := true
	for _, p := range msg.Content {
		switch p.Type {
		case ir.ContentTypeText:
			parts = append(parts, map[string]any{"type": "text", "text": p.Text})
		case ir.ContentTypeImage:
			if p.Image != nil {
				textOnly = false
				parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": dataURL(p.Image)}})
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}
	if textOnly {
		return ir.CombineTextParts(msg)
	}
	return parts
}

// OpenAIEmitter renders chat.completion.chunk events.
type OpenAIEmitter struct {
	id         string
	model      string
	created    int64
	roleSent   bool
	toolCalls  bool
	usage      *ir.Usage
	finishSent bool
}

func NewOpenAIEmitter(model string) *OpenAIEmitter {
	return &OpenAIEmitter{id: ir.GenChatCompletionID(), model: model, created: time.Now().Unix()}
}

func (e *OpenAIEmitter) chunk(delta map[string]any, finish any) ir.Event {
	if !e.roleSent {
		e.roleSent = true
		delta["role"] = "assistant"
	}
	return event("", map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []any{map[string]any{"index": 0, "delta": delta, "finish_reason": finish}},
	})
}

func (e *OpenAIEmitter) Emit(ev ir.StreamEvent) []ir.Event {
	if e.finishSent {
		return nil
	}
	switch ev.Type {
	case ir.EventTypeToken:
		if ev.Content != "" {
			return []ir.Event{e.chunk(map[string]any{"content": ev.Content}, nil)}
		}
	case ir.EventTypeReasoning:
		if ev.Reasoning != "" {
			return []ir.Event{e.chunk(map[string]any{"reasoning_content": ev.Reasoning}, nil)}
		}
	case ir.EventTypeToolCall:
		if ev.ToolCall == nil {
			return nil
		}
		e.toolCalls = true
		return []ir.Event{e.chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index":    ev.ToolCallIndex,
			"id":       ev.ToolCall.ID,
			"type":     "function",
			"function": map[string]any{"name": ev.ToolCall.Name, "arguments": ev.ToolCall.Args},
		}}}, nil)}
	case ir.EventTypeToolCallDelta:
		if ev.ToolCall == nil || ev.ToolCall.Args == "" {
			return nil
		}
		return []ir.Event{e.chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index":    ev.ToolCallIndex,
			"function": map[string]any{"arguments": ev.ToolCall.Args},
		}}}, nil)}
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

func (e *OpenAIEmitter) Finish() []ir.Event {
	if e.finishSent || !e.roleSent {
		return nil
	}
	return []ir.Event{e.finish(ir.FinishReasonStop)}
}

func (e *OpenAIEmitter) finish(reason ir.FinishReason) ir.Event {
	e.finishSent = true
	if reason == "" {
		reason = ir.FinishReasonStop
	}
	if reason == ir.FinishReasonStop && e.toolCalls {
		reason = ir.FinishReasonToolCalls
	}
	chunk := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{}, "finish_reason": string(reason)}},
	}
	if e.usage != nil {
		chunk["usage"] = openAIUsage(e.usage)
	}
	return event("", chunk)
}

func openAIUsage(u *ir.Usage) map[string]any {
	out := map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
	if u.CachedTokens > 0 || u.CacheCreationTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CachedTokens}
	}
	if u.CacheCreationTokens > 0 {
		out["cache_creation_tokens"] = u.CacheCreationTokens
	}
	if u.ReasoningTokens > 0 {
		out["completion_tokens_details"] = map[string]any{"reasoning_tokens": u.ReasoningTokens}
	}
	return out
}

// RenderOpenAIResponse renders a complete chat.completion body.
func RenderOpenAIResponse(resp *ir.Response, model string) ([]byte, error) {
	msg := map[string]any{"role": "assistant", "content": resp.Text}
	if resp.Text == "" && len(resp.ToolCalls) > 0 {
		msg["content"] = nil
	}
	if resp.Reasoning != "" {
		msg["reasoning_content"] = resp.Reasoning
	}
	if len(resp.ToolCalls) > 0 {
		calls := make([]any, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			calls = append(calls, map[string]any{
				"id":       tc.ID,
				"type":     "function",
				"function": map[string]any{"name": tc.Name, "arguments": string(ir.ArgsAsRaw(tc.Args))},
			})
		}
		msg["tool_calls"] = calls
	}
	out := map[string]any{
		"id":      ir.GenChatCompletionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": string(resp.FinishReason)}},
	}
	if resp.Usage != nil {
		out["usage"] = openAIUsage(resp.Usage)
	}
	return json.Marshal(out)
}
