// Package translator converts request bodies and streamed responses between
// the client-facing and upstream wire formats.
package translator

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Format identifies a wire format.
type Format string

const (
	FormatOpenAI          Format = "openai"
	FormatOpenAIResponses Format = "openai-responses"
	FormatClaude          Format = "claude"
	FormatGemini          Format = "gemini"
	FormatGeminiCLI       Format = "gemini-cli"
	FormatAntigravity     Format = "antigravity"
)

// ParseFormat normalizes a format name. Unknown names yield "".
func ParseFormat(s string) Format {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatOpenAI, FormatOpenAIResponses, FormatClaude, FormatGemini, FormatGeminiCLI, FormatAntigravity:
		return f
	case "responses", "codex":
		return FormatOpenAIResponses
	case "anthropic":
		return FormatClaude
	}
	return ""
}

// IsGeminiFamily reports formats whose chunks are Gemini-shaped.
func (f Format) IsGeminiFamily() bool {
	return f == FormatGemini || f == FormatGeminiCLI || f == FormatAntigravity
}

// IsEnvelope reports formats wrapped in the Cloud Code envelope.
func (f Format) IsEnvelope() bool {
	return f == FormatGeminiCLI || f == FormatAntigravity
}

// DetectFormat classifies a request body by its structure alone.
func DetectFormat(body []byte) Format {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return FormatOpenAI
	}

	if root.Get("request.contents").Exists() {
		if strings.EqualFold(root.Get("userAgent").String(), "antigravity") || root.Get("requestType").String() == "agent" {
			return FormatAntigravity
		}
		return FormatGeminiCLI
	}
	if root.Get("contents").Exists() {
		return FormatGemini
	}
	if root.Get("input").Exists() && !root.Get("messages").Exists() {
		return FormatOpenAIResponses
	}

	messages := root.Get("messages")
	if !messages.Exists() {
		return FormatOpenAI
	}
	if root.Get("system").Exists() || root.Get("anthropic_version").Exists() {
		return FormatClaude
	}
	if looksLikeClaudeMessages(messages) {
		return FormatClaude
	}
	return FormatOpenAI
}

func looksLikeClaudeMessages(messages gjson.Result) bool {
	claude := false
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "tool" || msg.Get("tool_calls").Exists() {
			// OpenAI-only shapes.
			claude = false
			return false
		}
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "tool_use", "tool_result", "thinking", "redacted_thinking":
				claude = true
			case "image":
				if block.Get("source").Exists() {
					claude = true
				}
			}
			return !claude
		})
		return !claude
	})
	return claude
}
