package from_ir

import (
	"github.com/nghyane/omnigate/internal/json"
	"github.com/nghyane/omnigate/internal/translator/ir"
)

// ToClaudeRequest renders an Anthropic Messages request. Consecutive turns
// with the same role are merged, as the API requires alternation.
func ToClaudeRequest(req *ir.Request) ([]byte, error) {
	root := map[string]any{
		"model":      req.Model,
		"max_tokens": ir.ClaudeDefaultMaxTokens,
		"messages":   claudeMessages(req.Messages),
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		root["max_tokens"] = *req.MaxTokens
	}
	if req.Stream {
		root["stream"] = true
	}
	if sys := req.SystemText(); len(sys) > 0 {
		blocks := make([]any, 0, len(sys))
		for _, text := range sys {
			blocks = append(blocks, map[string]any{"type": ir.ClaudeBlockText, "text": text})
		}
		root["system"] = blocks
	}
	if req.Temperature != nil {
		root["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		root["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		root["top_k"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		root["stop_sequences"] = req.StopSequences
	}
	if req.User != "" {
		root["metadata"] = map[string]any{"user_id": req.User}
	}

	if budget, ok := ir.ResolveThinkingBudget(req.Thinking); ok {
		root["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
		if maxTokens, _ := root["max_tokens"].(int); maxTokens <= budget {
			root["max_tokens"] = budget + ir.ClaudeDefaultMaxTokens
		}
		// Extended thinking rejects any temperature other than 1.
		delete(root, "temperature")
		delete(root, "top_k")
	}

	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tool := map[string]any{"name": t.Name, "input_schema": toolParams(t)}
			if t.Description != "" {
				tool["description"] = t.Description
			}
			tools = append(tools, tool)
		}
		root["tools"] = tools
		switch req.ToolChoice {
		case "":
		case "auto":
			root["tool_choice"] = map[string]any{"type": "auto"}
		case "required":
			root["tool_choice"] = map[string]any{"type": "any"}
		case "none":
			root["tool_choice"] = map[string]any{"type": "none"}
		default:
			root["tool_choice"] = map[string]any{"type": "tool", "name": req.ToolChoice}
		}
	}
	return json.Marshal(root)
}

func claudeMessages(msgs []ir.Message) []any {
	_, results := ir.BuildToolMaps(msgs)

	type turn struct {
		role    string
		content []any
	}
	var turns []*turn
	push := func(role string, blocks []any) {
		if len(blocks) == 0 {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].content = append(turns[n-1].content, blocks...)
			return
		}
		turns = append(turns, &turn{role: role, content: blocks})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case ir.RoleSystem:
			continue
		case ir.RoleAssistant:
			push("assistant", claudeBlocks(msg, results))
		default:
			push("user", claudeBlocks(msg, results))
		}
	}

	out := make([]any, 0, len(turns))
	for _, t := range turns {
		out = append(out, map[string]any{"role": t.role, "content": t.content})
	}
	return out
}

func claudeBlocks(msg ir.Message, results map[string]*ir.ToolResultPart) []any {
	blocks := make([]any, 0, len(msg.Content)+len(msg.ToolCalls))
	for _, p := range msg.Content {
		switch p.Type {
		case ir.ContentTypeReasoning:
			// Replayed thinking without a signature is rejected upstream.
			if p.Reasoning != "" && p.ThoughtSignature != "" && p.ThoughtSignature != ir.DefaultThinkingSignature {
				blocks = append(blocks, map[string]any{"type": ir.ClaudeBlockThinking, "thinking": p.Reasoning, "signature": p.ThoughtSignature})
			}
		case ir.ContentTypeText:
			if p.Text != "" {
				blocks = append(blocks, map[string]any{"type": ir.ClaudeBlockText, "text": p.Text})
			}
		case ir.ContentTypeImage:
			if p.Image == nil {
				continue
			}
			source := map[string]any{"type": "base64", "media_type": p.Image.MimeType, "data": p.Image.Data}
			if p.Image.URL != "" {
				source = map[string]any{"type": "url", "url": p.Image.URL}
			}
			blocks = append(blocks, map[string]any{"type": ir.ClaudeBlockImage, "source": source})
		case ir.ContentTypeToolResult:
			if p.ToolResult == nil {
				continue
			}
			if _, ok := results[p.ToolResult.ToolCallID]; !ok {
				continue
			}
			block := map[string]any{
				"type":        ir.ClaudeBlockToolResult,
				"tool_use_id": p.ToolResult.ToolCallID,
				"content":     p.ToolResult.Result,
			}
			if p.ToolResult.IsError {
				block["is_error"] = true
			}
			blocks = append(blocks, block)
		}
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, map[string]any{
			"type":  ir.ClaudeBlockToolUse,
			"id":    tc.ID,
			"name":  tc.Name,
			"input": ir.ParseArgs(tc.Args),
		})
	}
	return blocks
}

// ClaudeEmitter renders Anthropic Messages stream events.
type ClaudeEmitter struct {
	messageID  string
	model      string
	started    bool
	nextIndex  int
	openKind   string
	openIndex  int
	toolBlocks map[int]int
	toolCalls  bool
	usage      *ir.Usage
	finishSent bool
}

func NewClaudeEmitter(model string) *ClaudeEmitter {
	return &ClaudeEmitter{messageID: ir.GenMessageID(), model: model, toolBlocks: make(map[int]int)}
}

func (e *ClaudeEmitter) start(out []ir.Event) []ir.Event {
	if e.started {
		return out
	}
	e.started = true
	return append(out, event(ir.ClaudeSSEMessageStart, map[string]any{
		"type": ir.ClaudeSSEMessageStart,
		"message": map[string]any{
			"id": e.messageID, "type": "message", "role": "assistant", "model": e.model,
			"content": []any{}, "stop_reason": nil, "stop_sequence": nil,
			"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}))
}

func (e *ClaudeEmitter) closeBlock(out []ir.Event) []ir.Event {
	if e.openKind == "" {
		return out
	}
	e.openKind = ""
	return append(out, event(ir.ClaudeSSEContentBlockStop, map[string]any{"type": ir.ClaudeSSEContentBlockStop, "index": e.openIndex}))
}

func (e *ClaudeEmitter) openBlock(out []ir.Event, kind string, block map[string]any) []ir.Event {
	out = e.closeBlock(out)
	e.openKind, e.openIndex = kind, e.nextIndex
	e.nextIndex++
	return append(out, event(ir.ClaudeSSEContentBlockStart, map[string]any{
		"type": ir.ClaudeSSEContentBlockStart, "index": e.openIndex, "content_block": block,
	}))
}

func (e *ClaudeEmitter) delta(index int, delta map[string]any) ir.Event {
	return event(ir.ClaudeSSEContentBlockDelta, map[string]any{"type": ir.ClaudeSSEContentBlockDelta, "index": index, "delta": delta})
}

func (e *ClaudeEmitter) Emit(ev ir.StreamEvent) []ir.Event {
	if e.finishSent {
		return nil
	}
	var out []ir.Event
	switch ev.Type {
	case ir.EventTypeToken:
		if ev.Content == "" {
			return nil
		}
		out = e.start(out)
		if e.openKind != ir.ClaudeBlockText {
			out = e.openBlock(out, ir.ClaudeBlockText, map[string]any{"type": ir.ClaudeBlockText, "text": ""})
		}
		out = append(out, e.delta(e.openIndex, map[string]any{"type": "text_delta", "text": ev.Content}))

	case ir.EventTypeReasoning:
		if ev.Reasoning == "" && ev.Signature == "" {
			return nil
		}
		out = e.start(out)
		if e.openKind != ir.ClaudeBlockThinking {
			out = e.openBlock(out, ir.ClaudeBlockThinking, map[string]any{"type": ir.ClaudeBlockThinking, "thinking": ""})
		}
		if ev.Reasoning != "" {
			out = append(out, e.delta(e.openIndex, map[string]any{"type": "thinking_delta", "thinking": ev.Reasoning}))
		}
		if ev.Signature != "" {
			out = append(out, e.delta(e.openIndex, map[string]any{"type": "signature_delta", "signature": ev.Signature}))
		}

	case ir.EventTypeToolCall:
		if ev.ToolCall == nil {
			return nil
		}
		out = e.start(out)
		e.toolCalls = true
		out = e.openBlock(out, ir.ClaudeBlockToolUse, map[string]any{
			"type": ir.ClaudeBlockToolUse, "id": ev.ToolCall.ID, "name": ev.ToolCall.Name, "input": map[string]any{},
		})
		e.toolBlocks[ev.ToolCallIndex] = e.openIndex
		if ev.ToolCall.Args != "" {
			out = append(out, e.delta(e.openIndex, map[string]any{"type": "input_json_delta", "partial_json": ev.ToolCall.Args}))
		}

	case ir.EventTypeToolCallDelta:
		idx, ok := e.toolBlocks[ev.ToolCallIndex]
		if !ok || ev.ToolCall == nil || ev.ToolCall.Args == "" {
			return nil
		}
		out = append(out, e.delta(idx, map[string]any{"type": "input_json_delta", "partial_json": ev.ToolCall.Args}))

	case ir.EventTypeUsage:
		if ev.Usage.Valid() {
			e.usage = ev.Usage
		}

	case ir.EventTypeFinish:
		if ev.Usage.Valid() {
			e.usage = ev.Usage
		}
		out = e.finish(e.start(out), ev.FinishReason)
	}
	return out
}

func (e *ClaudeEmitter) Finish() []ir.Event {
	if !e.started || e.finishSent {
		return nil
	}
	return e.finish(nil, ir.FinishReasonStop)
}

func (e *ClaudeEmitter) finish(out []ir.Event, reason ir.FinishReason) []ir.Event {
	e.finishSent = true
	out = e.closeBlock(out)
	if e.toolCalls && (reason == "" || reason == ir.FinishReasonStop) {
		reason = ir.FinishReasonToolCalls
	}
	md := map[string]any{
		"type":  ir.ClaudeSSEMessageDelta,
		"delta": map[string]any{"stop_reason": ir.ToClaudeStopReason(reason), "stop_sequence": nil},
	}
	if e.usage != nil {
		md["usage"] = claudeUsage(e.usage)
	}
	out = append(out, event(ir.ClaudeSSEMessageDelta, md))
	return append(out, event(ir.ClaudeSSEMessageStop, map[string]any{"type": ir.ClaudeSSEMessageStop}))
}

func claudeUsage(u *ir.Usage) map[string]any {
	out := map[string]any{
		"input_tokens":  u.PromptTokens - u.CachedTokens - u.CacheCreationTokens,
		"output_tokens": u.CompletionTokens,
	}
	if u.CachedTokens > 0 {
		out["cache_read_input_tokens"] = u.CachedTokens
	}
	if u.CacheCreationTokens > 0 {
		out["cache_creation_input_tokens"] = u.CacheCreationTokens
	}
	if n, _ := out["input_tokens"].(int); n < 0 {
		out["input_tokens"] = u.PromptTokens
	}
	return out
}

// RenderClaudeResponse renders a complete Messages response body.
func RenderClaudeResponse(resp *ir.Response, model string) ([]byte, error) {
	content := make([]any, 0, 2+len(resp.ToolCalls))
	if resp.Reasoning != "" {
		content = append(content, map[string]any{"type": ir.ClaudeBlockThinking, "thinking": resp.Reasoning, "signature": resp.Signature})
	}
	if resp.Text != "" {
		content = append(content, map[string]any{"type": ir.ClaudeBlockText, "text": resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		content = append(content, map[string]any{"type": ir.ClaudeBlockToolUse, "id": tc.ID, "name": tc.Name, "input": ir.ParseArgs(tc.Args)})
	}
	out := map[string]any{
		"id":            ir.GenMessageID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   ir.ToClaudeStopReason(resp.FinishReason),
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
	}
	if resp.Usage != nil {
		out["usage"] = claudeUsage(resp.Usage)
	}
	return json.Marshal(out)
}
