package ir

import (
	stdjson "encoding/json"
	"strings"

	"github.com/nghyane/omnigate/internal/json"
	"github.com/tidwall/gjson"
)

// CombineTextParts joins every text part of msg.
func CombineTextParts(msg Message) string {
	var b strings.Builder
	for _, part := range msg.Content {
		if part.Type == ContentTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// CombineReasoningParts joins every reasoning part of msg.
func CombineReasoningParts(msg Message) string {
	var b strings.Builder
	for _, part := range msg.Content {
		if part.Type == ContentTypeReasoning {
			b.WriteString(part.Reasoning)
		}
	}
	return b.String()
}

// FirstReasoningSignature returns the first non-empty thought signature.
func FirstReasoningSignature(msg Message) string {
	for _, part := range msg.Content {
		if part.Type == ContentTypeReasoning && part.ThoughtSignature != "" {
			return part.ThoughtSignature
		}
	}
	return ""
}

// BuildToolMaps creates the call ID→name map and the results map in one pass.
// A result is kept only if its call ID was emitted by an earlier assistant
// message; orphan results are dropped here so no target sees them.
func BuildToolMaps(messages []Message) (map[string]string, map[string]*ToolResultPart) {
	idToName := make(map[string]string, 8)
	results := make(map[string]*ToolResultPart, 8)

	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			for i := range msg.ToolCalls {
				tc := &msg.ToolCalls[i]
				if tc.ID == "" {
					tc.ID = GenToolCallID()
				}
				idToName[tc.ID] = tc.Name
			}
		case RoleTool, RoleUser:
			for i := range msg.Content {
				part := &msg.Content[i]
				if part.Type != ContentTypeToolResult || part.ToolResult == nil {
					continue
				}
				if _, seen := idToName[part.ToolResult.ToolCallID]; seen {
					results[part.ToolResult.ToolCallID] = part.ToolResult
				}
			}
		}
	}
	return idToName, results
}

// ToolNameFromID recovers a function name from a call id shaped like
// "name-<n>-<m>" when the call map has no entry.
func ToolNameFromID(id string) string {
	parts := strings.Split(id, "-")
	if len(parts) > 2 {
		return strings.Join(parts[:len(parts)-2], "-")
	}
	return id
}

var emptyJSONObject = stdjson.RawMessage("{}")

// ArgsAsRaw returns args as a JSON object, quoting invalid input.
func ArgsAsRaw(args string) stdjson.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || trimmed == "{}" {
		return emptyJSONObject
	}
	if !json.Valid([]byte(trimmed)) {
		b, _ := json.Marshal(trimmed)
		return stdjson.RawMessage(b)
	}
	return stdjson.RawMessage(trimmed)
}

// ParseArgs decodes tool arguments into a map. Invalid or non-object input
// yields an empty map.
func ParseArgs(args string) map[string]any {
	out := map[string]any{}
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return out
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return out
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return out
}

// ResultAsObject wraps a tool result for providers that need an object
// response: JSON objects pass through, anything else becomes {"result": v}.
func ResultAsObject(result string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(result), &v); err != nil {
		return map[string]any{"result": result}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}

// ParseOpenAIStyleToolCalls parses a tool_calls array in OpenAI format.
func ParseOpenAIStyleToolCalls(toolCalls []gjson.Result) []ToolCall {
	result := make([]ToolCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		if t := tc.Get("type").String(); t != "" && t != "function" {
			continue
		}
		result = append(result, ToolCall{
			ID:   tc.Get("id").String(),
			Name: tc.Get("function.name").String(),
			Args: tc.Get("function.arguments").String(),
		})
	}
	return result
}
