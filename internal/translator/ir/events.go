package ir

// Event is one client-facing SSE event. An empty Name renders as a bare
// data line.
type Event struct {
	Name string
	Data []byte
}

// Bytes renders the event as SSE.
func (e Event) Bytes() []byte {
	return BuildSSEEvent(e.Name, e.Data)
}

// Claude Messages stream event and block names.
const (
	ClaudeSSEMessageStart      = "message_start"
	ClaudeSSEContentBlockStart = "content_block_start"
	ClaudeSSEContentBlockDelta = "content_block_delta"
	ClaudeSSEContentBlockStop  = "content_block_stop"
	ClaudeSSEMessageDelta      = "message_delta"
	ClaudeSSEMessageStop       = "message_stop"
	ClaudeSSEPing              = "ping"
	ClaudeSSEError             = "error"

	ClaudeBlockText       = "text"
	ClaudeBlockThinking   = "thinking"
	ClaudeBlockImage      = "image"
	ClaudeBlockToolUse    = "tool_use"
	ClaudeBlockToolResult = "tool_result"

	ClaudeStopEndTurn   = "end_turn"
	ClaudeStopToolUse   = "tool_use"
	ClaudeStopMaxTokens = "max_tokens"

	ClaudeDefaultMaxTokens = 4096
	ClaudeAPIVersion       = "2023-06-01"
)

// OpenAI Responses stream event names.
const (
	ResponsesCreated            = "response.created"
	ResponsesInProgress         = "response.in_progress"
	ResponsesCompleted          = "response.completed"
	ResponsesFailed             = "response.failed"
	ResponsesOutputItemAdded    = "response.output_item.added"
	ResponsesOutputItemDone     = "response.output_item.done"
	ResponsesContentPartAdded   = "response.content_part.added"
	ResponsesContentPartDone    = "response.content_part.done"
	ResponsesOutputTextDelta    = "response.output_text.delta"
	ResponsesOutputTextDone     = "response.output_text.done"
	ResponsesReasoningDelta     = "response.reasoning_summary_text.delta"
	ResponsesReasoningTextDelta = "response.reasoning_text.delta"
	ResponsesFuncArgsDelta      = "response.function_call_arguments.delta"
	ResponsesFuncArgsDone       = "response.function_call_arguments.done"
)

// MapClaudeStopReason converts an Anthropic stop_reason.
func MapClaudeStopReason(reason string) FinishReason {
	switch reason {
	case ClaudeStopToolUse:
		return FinishReasonToolCalls
	case ClaudeStopMaxTokens:
		return FinishReasonLength
	case "refusal":
		return FinishReasonContentFilter
	}
	return FinishReasonStop
}

// MapGeminiFinishReason converts a Gemini finishReason.
func MapGeminiFinishReason(reason string) FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return FinishReasonContentFilter
	case "MALFORMED_FUNCTION_CALL":
		return FinishReasonError
	}
	return FinishReasonStop
}

// MapOpenAIFinishReason normalizes an OpenAI finish_reason.
func MapOpenAIFinishReason(reason string) FinishReason {
	switch reason {
	case "length":
		return FinishReasonLength
	case "tool_calls", "function_call":
		return FinishReasonToolCalls
	case "content_filter":
		return FinishReasonContentFilter
	}
	return FinishReasonStop
}

// ToClaudeStopReason renders a finish reason for Anthropic clients.
func ToClaudeStopReason(reason FinishReason) string {
	switch reason {
	case FinishReasonToolCalls:
		return ClaudeStopToolUse
	case FinishReasonLength:
		return ClaudeStopMaxTokens
	}
	return ClaudeStopEndTurn
}

// ToGeminiFinishReason renders a finish reason for Gemini clients.
func ToGeminiFinishReason(reason FinishReason) string {
	switch reason {
	case FinishReasonLength:
		return "MAX_TOKENS"
	case FinishReasonContentFilter:
		return "SAFETY"
	}
	return "STOP"
}
