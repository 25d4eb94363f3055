package from_ir

import (
	"strconv"
	"strings"
	"time"

	"github.com/nghyane/omnigate/internal/json"
	"github.com/nghyane/omnigate/internal/translator/ir"
)

// ToResponsesRequest renders an OpenAI Responses request.
func ToResponsesRequest(req *ir.Request) ([]byte, error) {
	root := map[string]any{
		"model": req.Model,
		"input": responsesInput(req.Messages),
		"store": false,
	}
	if req.Stream {
		root["stream"] = true
	}
	if sys := req.SystemText(); len(sys) > 0 {
		root["instructions"] = strings.Join(sys, "\n\n")
	}
	if req.Temperature != nil {
		root["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		root["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		root["max_output_tokens"] = *req.MaxTokens
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
			root["reasoning"] = map[string]any{"effort": effort, "summary": "auto"}
		}
	}
	if rf := req.ResponseFormat; rf != nil {
		format := map[string]any{"type": rf.Type}
		if rf.Type == "json_schema" {
			name := rf.Name
			if name == "" {
				name = "response"
			}
			format["name"] = name
			format["schema"] = rf.Schema
		}
		root["text"] = map[string]any{"format": format}
	}
	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  toolParams(t),
			})
		}
		root["tools"] = tools
		switch req.ToolChoice {
		case "":
		case "auto", "none", "required":
			root["tool_choice"] = req.ToolChoice
		default:
			root["tool_choice"] = map[string]any{"type": "function", "name": req.ToolChoice}
		}
	}
	return json.Marshal(root)
}

func responsesInput(msgs []ir.Message) []any {
	_, results := ir.BuildToolMaps(msgs)
	items := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case ir.RoleSystem:
			continue
		case ir.RoleAssistant:
			if text := ir.CombineTextParts(msg); text != "" {
				items = append(items, map[string]any{
					"type": "message", "role": "assistant",
					"content": []any{map[string]any{"type": "output_text", "text": text}},
				})
			}
			for _, tc := range msg.ToolCalls {
				items = append(items, map[string]any{
					"type": "function_call", "call_id": tc.ID, "name": tc.Name, "arguments": string(ir.ArgsAsRaw(tc.Args)),
				})
			}
		default:
			var content []any
			for _, p := range msg.Content {
				switch p.Type {
				case ir.ContentTypeText:
					content = append(content, map[string]any{"type": "input_text", "text": p.Text})
				case ir.ContentTypeImage:
					if p.Image != nil {
						content = append(content, map[string]any{"type": "input_image", "image_url": dataURL(p.Image)})
					}
				case ir.ContentTypeToolResult:
					if p.ToolResult == nil {
						continue
					}
					if _, ok := results[p.ToolResult.ToolCallID]; ok {
						items = append(items, map[string]any{
							"type": "function_call_output", "call_id": p.ToolResult.ToolCallID, "output": p.ToolResult.Result,
						})
					}
				}
			}
			if len(content) > 0 {
				items = append(items, map[string]any{"type": "message", "role": "user", "content": content})
			}
		}
	}
	return items
}

type responsesCall struct {
	itemID      string
	callID      string
	name        string
	args        strings.Builder
	outputIndex int
	done        bool
}

// ResponsesEmitter renders OpenAI Responses stream events. Every event
// carries a monotonically increasing sequence_number.
type ResponsesEmitter struct {
	id        string
	model     string
	createdAt int64
	seq       int
	started   bool
	finished  bool
	nextOut   int
	output    []any

	textItem   string
	textIndex  int
	textOpen   bool
	text       strings.Builder
	reasonItem string
	reasonIdx  int
	reasonOpen bool
	reasoning  strings.Builder

	calls map[int]*responsesCall
	order []int
	usage *ir.Usage
}

func NewResponsesEmitter(model string) *ResponsesEmitter {
	return &ResponsesEmitter{
		id:        ir.GenResponseID(),
		model:     model,
		createdAt: time.Now().Unix(),
		calls:     make(map[int]*responsesCall),
	}
}

func (e *ResponsesEmitter) ev(typ string, body map[string]any) ir.Event {
	body["type"] = typ
	body["sequence_number"] = e.seq
	e.seq++
	return event(typ, body)
}

func (e *ResponsesEmitter) response(status string) map[string]any {
	r := map[string]any{
		"id":         e.id,
		"object":     "response",
		"created_at": e.createdAt,
		"status":     status,
		"model":      e.model,
		"output":     []any{},
	}
	if status == "completed" && e.output != nil {
		r["output"] = e.output
	}
	if status == "completed" && e.usage != nil {
		r["usage"] = responsesUsage(e.usage)
	}
	return r
}

func (e *ResponsesEmitter) start(out []ir.Event) []ir.Event {
	if e.started {
		return out
	}
	e.started = true
	out = append(out, e.ev(ir.ResponsesCreated, map[string]any{"response": e.response("in_progress")}))
	return append(out, e.ev(ir.ResponsesInProgress, map[string]any{"response": e.response("in_progress")}))
}

func (e *ResponsesEmitter) Emit(ev ir.StreamEvent) []ir.Event {
	if e.finished {
		return nil
	}
	var out []ir.Event
	switch ev.Type {
	case ir.EventTypeToken:
		if ev.Content == "" {
			return nil
		}
		out = e.closeReasoning(e.start(out))
		if !e.textOpen {
			e.textOpen = true
			e.textItem = "msg_" + e.id[len("resp_"):]
			e.textIndex = e.nextOut
			e.nextOut++
			out = append(out, e.ev(ir.ResponsesOutputItemAdded, map[string]any{
				"output_index": e.textIndex,
				"item":         map[string]any{"id": e.textItem, "type": "message", "status": "in_progress", "role": "assistant", "content": []any{}},
			}))
			out = append(out, e.ev(ir.ResponsesContentPartAdded, map[string]any{
				"item_id": e.textItem, "output_index": e.textIndex, "content_index": 0,
				"part": map[string]any{"type": "output_text", "text": "", "annotations": []any{}},
			}))
		}
		e.text.WriteString(ev.Content)
		out = append(out, e.ev(ir.ResponsesOutputTextDelta, map[string]any{
			"item_id": e.textItem, "output_index": e.textIndex, "content_index": 0, "delta": ev.Content,
		}))

	case ir.EventTypeReasoning:
		if ev.Reasoning == "" {
			return nil
		}
		out = e.start(out)
		if !e.reasonOpen {
			e.reasonOpen = true
			e.reasonItem = "rs_" + e.id[len("resp_"):] + strconv.Itoa(e.nextOut)
			e.reasonIdx = e.nextOut
			e.nextOut++
			out = append(out, e.ev(ir.ResponsesOutputItemAdded, map[string]any{
				"output_index": e.reasonIdx,
				"item":         map[string]any{"id": e.reasonItem, "type": "reasoning", "summary": []any{}},
			}))
		}
		e.reasoning.WriteString(ev.Reasoning)
		out = append(out, e.ev(ir.ResponsesReasoningDelta, map[string]any{
			"item_id": e.reasonItem, "output_index": e.reasonIdx, "summary_index": 0, "delta": ev.Reasoning,
		}))

	case ir.EventTypeToolCall:
		if ev.ToolCall == nil {
			return nil
		}
		out = e.closeReasoning(e.start(out))
		call := &responsesCall{
			itemID:      "fc_" + ev.ToolCall.ID,
			callID:      ev.ToolCall.ID,
			name:        ev.ToolCall.Name,
			outputIndex: e.nextOut,
		}
		e.nextOut++
		e.calls[ev.ToolCallIndex] = call
		e.order = append(e.order, ev.ToolCallIndex)
		out = append(out, e.ev(ir.ResponsesOutputItemAdded, map[string]any{
			"output_index": call.outputIndex,
			"item": map[string]any{
				"id": call.itemID, "type": "function_call", "status": "in_progress",
				"call_id": call.callID, "name": call.name, "arguments": "",
			},
		}))
		if ev.ToolCall.Args != "" {
			out = append(out, e.argsDelta(call, ev.ToolCall.Args))
		}

	case ir.EventTypeToolCallDelta:
		call, ok := e.calls[ev.ToolCallIndex]
		if !ok || ev.ToolCall == nil || ev.ToolCall.Args == "" {
			return nil
		}
		out = append(out, e.argsDelta(call, ev.ToolCall.Args))

	case ir.EventTypeUsage:
		if ev.Usage.Valid() {
			e.usage = ev.Usage
		}

	case ir.EventTypeFinish:
		if ev.Usage.Valid() {
			e.usage = ev.Usage
		}
		out = e.complete(e.start(out))
	}
	return out
}

func (e *ResponsesEmitter) argsDelta(call *responsesCall, delta string) ir.Event {
	call.args.WriteString(delta)
	return e.ev(ir.ResponsesFuncArgsDelta, map[string]any{
		"item_id": call.itemID, "output_index": call.outputIndex, "delta": delta,
	})
}

// Finish emits the pending .done events and response.completed when the
// upstream ended without a finish.
func (e *ResponsesEmitter) Finish() []ir.Event {
	if !e.started || e.finished {
		return nil
	}
	return e.complete(nil)
}

func (e *ResponsesEmitter) closeReasoning(out []ir.Event) []ir.Event {
	if !e.reasonOpen {
		return out
	}
	e.reasonOpen = false
	item := map[string]any{
		"id": e.reasonItem, "type": "reasoning",
		"summary": []any{map[string]any{"type": "summary_text", "text": e.reasoning.String()}},
	}
	e.output = append(e.output, item)
	e.reasoning.Reset()
	return append(out, e.ev(ir.ResponsesOutputItemDone, map[string]any{"output_index": e.reasonIdx, "item": item}))
}

func (e *ResponsesEmitter) complete(out []ir.Event) []ir.Event {
	e.finished = true
	out = e.closeReasoning(out)

	if e.textOpen {
		e.textOpen = false
		text := e.text.String()
		part := map[string]any{"type": "output_text", "text": text, "annotations": []any{}}
		out = append(out, e.ev(ir.ResponsesOutputTextDone, map[string]any{
			"item_id": e.textItem, "output_index": e.textIndex, "content_index": 0, "text": text,
		}))
		out = append(out, e.ev(ir.ResponsesContentPartDone, map[string]any{
			"item_id": e.textItem, "output_index": e.textIndex, "content_index": 0, "part": part,
		}))
		item := map[string]any{"id": e.textItem, "type": "message", "status": "completed", "role": "assistant", "content": []any{part}}
		e.output = append(e.output, item)
		out = append(out, e.ev(ir.ResponsesOutputItemDone, map[string]any{"output_index": e.textIndex, "item": item}))
	}

	for _, idx := range e.order {
		call := e.calls[idx]
		if call.done {
			continue
		}
		call.done = true
		args := call.args.String()
		out = append(out, e.ev(ir.ResponsesFuncArgsDone, map[string]any{
			"item_id": call.itemID, "output_index": call.outputIndex, "arguments": args,
		}))
		item := map[string]any{
			"id": call.itemID, "type": "function_call", "status": "completed",
			"call_id": call.callID, "name": call.name, "arguments": args,
		}
		e.output = append(e.output, item)
		out = append(out, e.ev(ir.ResponsesOutputItemDone, map[string]any{"output_index": call.outputIndex, "item": item}))
	}

	return append(out, e.ev(ir.ResponsesCompleted, map[string]any{"response": e.response("completed")}))
}

func responsesUsage(u *ir.Usage) map[string]any {
	return map[string]any{
		"input_tokens":          u.PromptTokens,
		"output_tokens":         u.CompletionTokens,
		"total_tokens":          u.TotalTokens,
		"input_tokens_details":  map[string]any{"cached_tokens": u.CachedTokens},
		"output_tokens_details": map[string]any{"reasoning_tokens": u.ReasoningTokens},
	}
}

// RenderResponsesResponse renders a complete response object.
func RenderResponsesResponse(resp *ir.Response, model string) ([]byte, error) {
	e := NewResponsesEmitter(model)
	e.usage = resp.Usage
	if resp.Reasoning != "" {
		e.output = append(e.output, map[string]any{
			"id": "rs_" + e.id[len("resp_"):], "type": "reasoning",
			"summary": []any{map[string]any{"type": "summary_text", "text": resp.Reasoning}},
		})
	}
	if resp.Text != "" {
		e.output = append(e.output, map[string]any{
			"id": "msg_" + e.id[len("resp_"):], "type": "message", "status": "completed", "role": "assistant",
			"content": []any{map[string]any{"type": "output_text", "text": resp.Text, "annotations": []any{}}},
		})
	}
	for _, tc := range resp.ToolCalls {
		e.output = append(e.output, map[string]any{
			"id": "fc_" + tc.ID, "type": "function_call", "status": "completed",
			"call_id": tc.ID, "name": tc.Name, "arguments": string(ir.ArgsAsRaw(tc.Args)),
		})
	}
	return json.Marshal(e.response("completed"))
}
