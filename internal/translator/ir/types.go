// Package ir is the provider-agnostic intermediate representation that every
// translator parses into and renders from.
package ir

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentType defines the type of content part.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeReasoning  ContentType = "reasoning"
	ContentTypeImage      ContentType = "image"
	ContentTypeToolResult ContentType = "tool_result"
)

// ContentPart is one ordered block of a message.
type ContentPart struct {
	Type             ContentType
	Text             string
	Reasoning        string
	ThoughtSignature string
	Image            *ImagePart
	ToolResult       *ToolResultPart
}

type ImagePart struct {
	MimeType string
	Data     string // base64, without the data: prefix
	URL      string
}

// ToolResultPart answers the tool call with the same ToolCallID.
type ToolResultPart struct {
	ToolCallID string
	Name       string
	Result     string
	IsError    bool
}

// ToolCall represents a request from the model to execute a tool.
type ToolCall struct {
	ID               string
	Name             string
	Args             string
	ThoughtSignature string
}

type Message struct {
	Role      Role
	Content   []ContentPart
	ToolCalls []ToolCall
}

// ToolDefinition represents a tool capability exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ResponseFormat is a structured-output request.
type ResponseFormat struct {
	Type   string // "text", "json_object", "json_schema"
	Name   string
	Schema map[string]any
}

// ThinkingConfig controls the reasoning capabilities of the model.
type ThinkingConfig struct {
	IncludeThoughts bool
	Budget          int
	Effort          string // "low", "medium", "high"
}

// Request is the unified chat request.
type Request struct {
	Model          string
	Messages       []Message
	Tools          []ToolDefinition
	ToolChoice     string
	Temperature    *float64
	TopP           *float64
	TopK           *int
	MaxTokens      *int
	StopSequences  []string
	Stream         bool
	Thinking       *ThinkingConfig
	ResponseFormat *ResponseFormat
	User           string
}

// SystemText joins the text of every system message.
func (r *Request) SystemText() []string {
	var out []string
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if t := CombineTextParts(m); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonError         FinishReason = "error"
)

type Usage struct {
	PromptTokens        int
	CompletionTokens    int
	TotalTokens         int
	ReasoningTokens     int
	CachedTokens        int
	CacheCreationTokens int
}

// Valid reports whether the usage carries any counts.
func (u *Usage) Valid() bool {
	return u != nil && (u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0)
}

type EventType string

const (
	EventTypeToken         EventType = "token"
	EventTypeReasoning     EventType = "reasoning"
	EventTypeToolCall      EventType = "tool_call"       // a new call: ID and Name known
	EventTypeToolCallDelta EventType = "tool_call_delta" // argument fragment
	EventTypeUsage         EventType = "usage"
	EventTypeFinish        EventType = "finish"
)

// StreamEvent is one unit parsed from an upstream chunk.
type StreamEvent struct {
	Type          EventType
	Content       string
	Reasoning     string
	Signature     string
	ToolCall      *ToolCall
	ToolCallIndex int
	Usage         *Usage
	FinishReason  FinishReason
}
