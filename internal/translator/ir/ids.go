package ir

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenToolCallID returns an OpenAI-style call id.
func GenToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// GenClaudeToolID returns an Anthropic-style tool_use id.
func GenClaudeToolID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// GenChatCompletionID returns "chatcmpl-<unix ms>".
func GenChatCompletionID() string {
	return "chatcmpl-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// GenMessageID returns an Anthropic-style message id.
func GenMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// GenResponseID returns a Responses API id.
func GenResponseID() string {
	return "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
