package sseutil

import (
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
)

// HasValidUsage reports whether a usage object carries any token count.
func HasValidUsage(u gjson.Result) bool {
	if !u.IsObject() {
		return false
	}
	for _, f := range []string{
		"prompt_tokens", "completion_tokens", "total_tokens",
		"input_tokens", "output_tokens",
		"promptTokenCount", "candidatesTokenCount", "totalTokenCount",
	} {
		if u.Get(f).Int() > 0 {
			return true
		}
	}
	return false
}

// ExtractUsage reads token usage from any supported chunk shape: OpenAI
// usage, Claude usage and message.usage, Responses response.usage, and
// Gemini usageMetadata (optionally inside a response envelope).
func ExtractUsage(data []byte) *ir.Usage {
	root := gjson.ParseBytes(data)
	for _, path := range []string{"usage", "message.usage", "response.usage"} {
		if u := root.Get(path); HasValidUsage(u) {
			return parseUsageObject(u)
		}
	}
	for _, path := range []string{"usageMetadata", "response.usageMetadata"} {
		if u := root.Get(path); HasValidUsage(u) {
			return parseGeminiUsage(u)
		}
	}
	return nil
}

func parseUsageObject(u gjson.Result) *ir.Usage {
	out := &ir.Usage{}
	if u.Get("prompt_tokens").Exists() || u.Get("completion_tokens").Exists() {
		out.PromptTokens = int(u.Get("prompt_tokens").Int())
		out.CompletionTokens = int(u.Get("completion_tokens").Int())
		out.TotalTokens = int(u.Get("total_tokens").Int())
		out.ReasoningTokens = int(u.Get("completion_tokens_details.reasoning_tokens").Int())
		out.CachedTokens = int(u.Get("prompt_tokens_details.cached_tokens").Int())
	} else {
		cacheRead := int(u.Get("cache_read_input_tokens").Int())
		cacheCreate := int(u.Get("cache_creation_input_tokens").Int())
		out.PromptTokens = int(u.Get("input_tokens").Int()) + cacheRead + cacheCreate
		out.CompletionTokens = int(u.Get("output_tokens").Int())
		out.TotalTokens = int(u.Get("total_tokens").Int())
		out.CachedTokens = cacheRead + int(u.Get("input_tokens_details.cached_tokens").Int())
		out.CacheCreationTokens = cacheCreate
		out.ReasoningTokens = int(u.Get("output_tokens_details.reasoning_tokens").Int())
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

func parseGeminiUsage(u gjson.Result) *ir.Usage {
	out := &ir.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
		ReasoningTokens:  int(u.Get("thoughtsTokenCount").Int()),
		CachedTokens:     int(u.Get("cachedContentTokenCount").Int()),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}
