package ir

import "strings"

// Response is a complete, non-streamed assistant turn.
type Response struct {
	Text         string
	Reasoning    string
	Signature    string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason FinishReason
}

// Accumulator folds stream events into a Response.
type Accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	signature string
	calls     []ToolCall
	usage     *Usage
	finish    FinishReason
}

func (a *Accumulator) Add(ev StreamEvent) {
	switch ev.Type {
	case EventTypeToken:
		a.text.WriteString(ev.Content)
	case EventTypeReasoning:
		a.reasoning.WriteString(ev.Reasoning)
		if ev.Signature != "" {
			a.signature = ev.Signature
		}
	case EventTypeToolCall:
		if ev.ToolCall == nil {
			return
		}
		for len(a.calls) <= ev.ToolCallIndex {
			a.calls = append(a.calls, ToolCall{})
		}
		call := &a.calls[ev.ToolCallIndex]
		call.ID, call.Name, call.ThoughtSignature = ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.ThoughtSignature
		call.Args += ev.ToolCall.Args
	case EventTypeToolCallDelta:
		if ev.ToolCall == nil || ev.ToolCallIndex >= len(a.calls) {
			return
		}
		a.calls[ev.ToolCallIndex].Args += ev.ToolCall.Args
	case EventTypeUsage:
		if ev.Usage.Valid() {
			a.usage = ev.Usage
		}
	case EventTypeFinish:
		a.finish = ev.FinishReason
		if ev.Usage.Valid() {
			a.usage = ev.Usage
		}
	}
}

// Response returns the accumulated turn. The finish reason defaults to stop,
// or tool_calls when calls were seen.
func (a *Accumulator) Response() *Response {
	r := &Response{
		Text:         a.text.String(),
		Reasoning:    a.reasoning.String(),
		Signature:    a.signature,
		ToolCalls:    a.calls,
		Usage:        a.usage,
		FinishReason: a.finish,
	}
	if r.FinishReason == "" {
		r.FinishReason = FinishReasonStop
	}
	if len(r.ToolCalls) > 0 && r.FinishReason == FinishReasonStop {
		r.FinishReason = FinishReasonToolCalls
	}
	return r
}
