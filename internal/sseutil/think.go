package sseutil

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ExtractThinking moves complete <think>…</think> spans out of content.
// Content without a complete span is returned untouched so that streamed
// whitespace survives.
func ExtractThinking(content string) (text, thinking string) {
	if !strings.Contains(content, thinkOpen) {
		return content, ""
	}

	var out, thought strings.Builder
	rest := content
	found := false
	for {
		start := strings.Index(rest, thinkOpen)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+len(thinkOpen):], thinkClose)
		if end < 0 {
			break
		}
		found = true
		out.WriteString(rest[:start])
		inner := rest[start+len(thinkOpen) : start+len(thinkOpen)+end]
		if thought.Len() > 0 {
			thought.WriteByte('\n')
		}
		thought.WriteString(strings.TrimSpace(inner))
		rest = rest[start+len(thinkOpen)+end+len(thinkClose):]
	}
	if !found {
		return content, ""
	}
	out.WriteString(rest)
	return strings.TrimSpace(out.String()), thought.String()
}
