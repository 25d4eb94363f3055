package sseutil

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// openAIChunkFields are the top-level fields the official SDKs know about.
var openAIChunkFields = map[string]struct{}{
	"id":                 {},
	"object":             {},
	"created":            {},
	"model":              {},
	"choices":            {},
	"usage":              {},
	"system_fingerprint": {},
	"service_tier":       {},
}

// SanitizeOpenAIChunk drops unknown top-level fields and a null usage.
// Invalid JSON is returned unchanged.
func SanitizeOpenAIChunk(data []byte) []byte {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return data
	}
	dirty := false
	root.ForEach(func(key, value gjson.Result) bool {
		if _, ok := openAIChunkFields[key.String()]; !ok || (key.String() == "usage" && value.Type == gjson.Null) {
			dirty = true
			return false
		}
		return true
	})
	if !dirty {
		return data
	}

	out := make([]byte, 0, len(data))
	out = append(out, '{')
	first := true
	root.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if _, ok := openAIChunkFields[name]; !ok {
			return true
		}
		if name == "usage" && value.Type == gjson.Null {
			return true
		}
		if !first {
			out = append(out, ',')
		}
		first = false
		out = append(out, key.Raw...)
		out = append(out, ':')
		out = append(out, value.Raw...)
		return true
	})
	return append(out, '}')
}

// IsGenericID reports ids that clients cannot use to correlate chunks.
func IsGenericID(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", "completion", "chatcmpl", "chatcmpl-", "chat.completion", "null", "undefined":
		return true
	}
	return false
}

// FixInvalidID replaces a generic chunk id with replacement.
func FixInvalidID(data []byte, replacement string) ([]byte, bool) {
	id := gjson.GetBytes(data, "id")
	if id.Exists() && id.Type == gjson.String && !IsGenericID(id.String()) {
		return data, false
	}
	out, err := sjson.SetBytes(data, "id", replacement)
	if err != nil {
		return data, false
	}
	return out, true
}

// HasValuableOpenAIContent reports whether an OpenAI chunk carries anything a
// client would render or act on.
func HasValuableOpenAIContent(data []byte) bool {
	root := gjson.ParseBytes(data)
	if HasValidUsage(root.Get("usage")) {
		return true
	}
	choice := root.Get("choices.0")
	if !choice.Exists() {
		return false
	}
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type != gjson.Null && fr.String() != "" {
		return true
	}
	if choice.Get("message").Exists() {
		return true
	}
	delta := choice.Get("delta")
	for _, field := range []string{"content", "reasoning_content", "reasoning", "refusal"} {
		if v := delta.Get(field); v.Type == gjson.String && v.String() != "" {
			return true
		}
	}
	if delta.Get("tool_calls").Exists() || delta.Get("role").Exists() {
		return true
	}
	return false
}

// IsOpenAIFinish reports a chunk with a non-empty finish_reason.
func IsOpenAIFinish(data []byte) bool {
	fr := gjson.GetBytes(data, "choices.0.finish_reason")
	return fr.Exists() && fr.Type != gjson.Null && fr.String() != ""
}
