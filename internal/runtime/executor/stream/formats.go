package stream

import (
	"strings"

	"github.com/nghyane/omnigate/internal/sseutil"
	"github.com/nghyane/omnigate/internal/translator"
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// upstreamText returns the user-visible text an upstream payload in f
// carries, for usage estimation.
func upstreamText(f translator.Format, payload []byte) string {
	root := gjson.ParseBytes(payload)
	switch {
	case f == translator.FormatClaude:
		d := root.Get("delta")
		return d.Get("text").String() + d.Get("thinking").String() + d.Get("partial_json").String()
	case f == translator.FormatOpenAI:
		d := root.Get("choices.0.delta")
		text := d.Get("content").String() + d.Get("reasoning_content").String()
		d.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			text += tc.Get("function.arguments").String()
			return true
		})
		return text
	case f == translator.FormatOpenAIResponses:
		switch root.Get("type").String() {
		case ir.ResponsesOutputTextDelta, ir.ResponsesReasoningDelta, ir.ResponsesReasoningTextDelta, ir.ResponsesFuncArgsDelta:
			return root.Get("delta").String()
		}
	case f.IsGeminiFamily():
		if inner := root.Get("response"); inner.IsObject() {
			root = inner
		}
		var b strings.Builder
		root.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
			b.WriteString(p.Get("text").String())
			if fc := p.Get("functionCall.args"); fc.Exists() {
				b.WriteString(fc.Raw)
			}
			return true
		})
		return b.String()
	}
	return ""
}

// isTerminal reports whether a client event in f ends the turn.
func isTerminal(f translator.Format, ev translator.Event) bool {
	switch {
	case f == translator.FormatClaude:
		return eventType(ev) == ir.ClaudeSSEMessageDelta
	case f == translator.FormatOpenAI:
		return sseutil.IsOpenAIFinish(ev.Data)
	case f == translator.FormatOpenAIResponses:
		return eventType(ev) == ir.ResponsesCompleted
	case f.IsGeminiFamily():
		root := gjson.ParseBytes(ev.Data)
		if inner := root.Get("response"); inner.IsObject() {
			root = inner
		}
		return root.Get("candidates.0.finishReason").String() != ""
	}
	return false
}

func eventType(ev translator.Event) string {
	if ev.Name != "" {
		return ev.Name
	}
	return gjson.GetBytes(ev.Data, "type").String()
}

// carriesUsage reports whether a client event already has usage figures.
func carriesUsage(f translator.Format, data []byte) bool {
	if f == translator.FormatClaude {
		u := gjson.GetBytes(data, "usage")
		return u.Get("output_tokens").Int() > 0 || u.Get("input_tokens").Int() > 0
	}
	return sseutil.ExtractUsage(data).Valid()
}

// injectUsage writes u into a terminal client event in f.
func injectUsage(f translator.Format, data []byte, u *ir.Usage) ([]byte, error) {
	switch {
	case f == translator.FormatClaude:
		return sjson.SetBytes(data, "usage", map[string]any{
			"input_tokens":  u.PromptTokens,
			"output_tokens": u.CompletionTokens,
		})
	case f == translator.FormatOpenAIResponses:
		return sjson.SetBytes(data, "response.usage", map[string]any{
			"input_tokens":  u.PromptTokens,
			"output_tokens": u.CompletionTokens,
			"total_tokens":  u.TotalTokens,
		})
	case f.IsGeminiFamily():
		path := "usageMetadata"
		if gjson.GetBytes(data, "response").IsObject() {
			path = "response.usageMetadata"
		}
		return sjson.SetBytes(data, path, map[string]any{
			"promptTokenCount":     u.PromptTokens,
			"candidatesTokenCount": u.CompletionTokens,
			"totalTokenCount":      u.TotalTokens,
		})
	}
	return sjson.SetBytes(data, "usage", map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	})
}

// valuable drops client events that would only add noise downstream.
func valuable(f translator.Format, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if f == translator.FormatOpenAI {
		return sseutil.HasValuableOpenAIContent(data)
	}
	return true
}

// mergeUsage folds a newer partial report into the running one. Claude
// splits input and output counts across two events.
func mergeUsage(cur, next *ir.Usage) *ir.Usage {
	if !next.Valid() {
		return cur
	}
	if cur == nil {
		u := *next
		return &u
	}
	out := *cur
	pick := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	pick(&out.PromptTokens, next.PromptTokens)
	pick(&out.CompletionTokens, next.CompletionTokens)
	pick(&out.ReasoningTokens, next.ReasoningTokens)
	pick(&out.CachedTokens, next.CachedTokens)
	pick(&out.CacheCreationTokens, next.CacheCreationTokens)
	out.TotalTokens = max(next.TotalTokens, out.PromptTokens+out.CompletionTokens)
	return &out
}
