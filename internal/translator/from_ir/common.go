// Package from_ir renders the intermediate representation as upstream request
// bodies and as client-format stream events.
package from_ir

import (
	"github.com/nghyane/omnigate/internal/json"
	"github.com/nghyane/omnigate/internal/translator/ir"
)

// Emitter renders IR stream events in one client format. Finish is called at
// end of stream and closes whatever the emitter left open.
type Emitter interface {
	Emit(ev ir.StreamEvent) []ir.Event
	Finish() []ir.Event
}

func event(name string, v any) ir.Event {
	data, _ := json.Marshal(v)
	return ir.Event{Name: name, Data: data}
}

func dataURL(img *ir.ImagePart) string {
	if img.URL != "" {
		return img.URL
	}
	return "data:" + img.MimeType + ";base64," + img.Data
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			result[k] = copyMap(val)
		case []any:
			arr := make([]any, len(val))
			for i, item := range val {
				if nested, ok := item.(map[string]any); ok {
					arr[i] = copyMap(nested)
				} else {
					arr[i] = item
				}
			}
			result[k] = arr
		default:
			result[k] = v
		}
	}
	return result
}

func toolParams(t ir.ToolDefinition) map[string]any {
	if len(t.Parameters) == 0 {
		return copyMap(ir.EmptyObjectSchema)
	}
	return copyMap(t.Parameters)
}

// orderedCalls keeps tool calls in first-seen order while deltas arrive.
type orderedCalls struct {
	calls []*ir.ToolCall
}

func (o *orderedCalls) start(idx int, tc *ir.ToolCall) *ir.ToolCall {
	for len(o.calls) <= idx {
		o.calls = append(o.calls, nil)
	}
	c := *tc
	o.calls[idx] = &c
	return o.calls[idx]
}

func (o *orderedCalls) get(idx int) *ir.ToolCall {
	if idx < 0 || idx >= len(o.calls) {
		return nil
	}
	return o.calls[idx]
}

func (o *orderedCalls) len() int { return len(o.calls) }
