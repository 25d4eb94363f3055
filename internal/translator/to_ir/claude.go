package to_ir

import (
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
)

// ParseClaudeRequest parses an Anthropic Messages request body. Tool results
// carried in a user turn are split into a tool message placed before the
// remaining user content.
func ParseClaudeRequest(body []byte) (*ir.Request, error) {
	root, err := parseRoot(body)
	if err != nil {
		return nil, err
	}

	req := &ir.Request{
		Model:         root.Get("model").String(),
		Temperature:   floatPtr(root.Get("temperature")),
		TopP:          floatPtr(root.Get("top_p")),
		TopK:          intPtr(root.Get("top_k")),
		MaxTokens:     intPtr(root.Get("max_tokens")),
		StopSequences: stringList(root.Get("stop_sequences")),
		Stream:        root.Get("stream").Bool(),
		Thinking:      thinkingFromClaude(root.Get("thinking")),
		User:          root.Get("metadata.user_id").String(),
	}

	if text := contentText(root.Get("system")); text != "" {
		req.Messages = append(req.Messages, ir.Message{Role: ir.RoleSystem, Content: []ir.ContentPart{textPart(text)}})
	}

	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		req.Messages = append(req.Messages, parseClaudeMessage(m)...)
		return true
	})

	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		name := t.Get("name").String()
		if name == "" {
			return true
		}
		req.Tools = append(req.Tools, ir.ToolDefinition{
			Name:        name,
			Description: t.Get("description").String(),
			Parameters:  schemaMap(t.Get("input_schema")),
		})
		return true
	})

	switch tc := root.Get("tool_choice"); tc.Get("type").String() {
	case "auto":
		req.ToolChoice = "auto"
	case "any":
		req.ToolChoice = "required"
	case "none":
		req.ToolChoice = "none"
	case "tool":
		req.ToolChoice = tc.Get("name").String()
	}
	return req, nil
}

func parseClaudeMessage(m gjson.Result) []ir.Message {
	role := ir.RoleUser
	if m.Get("role").String() == "assistant" {
		role = ir.RoleAssistant
	}
	content := m.Get("content")
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []ir.Message{{Role: role, Content: []ir.ContentPart{textPart(content.String())}}}
	}

	msg := ir.Message{Role: role}
	var results []ir.ContentPart
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case ir.ClaudeBlockText:
			if t := block.Get("text").String(); t != "" {
				msg.Content = append(msg.Content, textPart(t))
			}
		case ir.ClaudeBlockThinking:
			msg.Content = append(msg.Content, ir.ContentPart{
				Type:             ir.ContentTypeReasoning,
				Reasoning:        block.Get("thinking").String(),
				ThoughtSignature: block.Get("signature").String(),
			})
		case ir.ClaudeBlockImage:
			src := block.Get("source")
			if src.Get("type").String() == "base64" {
				msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeImage, Image: &ir.ImagePart{
					MimeType: src.Get("media_type").String(),
					Data:     src.Get("data").String(),
				}})
			} else if url := src.Get("url").String(); url != "" {
				msg.Content = append(msg.Content, imagePartFromURL(url))
			}
		case ir.ClaudeBlockToolUse:
			input := block.Get("input")
			args := "{}"
			if input.IsObject() {
				args = input.Raw
			}
			msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
				ID:   block.Get("id").String(),
				Name: block.Get("name").String(),
				Args: args,
			})
		case ir.ClaudeBlockToolResult:
			results = append(results, ir.ContentPart{
				Type: ir.ContentTypeToolResult,
				ToolResult: &ir.ToolResultPart{
					ToolCallID: block.Get("tool_use_id").String(),
					Result:     contentText(block.Get("content")),
					IsError:    block.Get("is_error").Bool(),
				},
			})
		}
		return true
	})

	var out []ir.Message
	if len(results) > 0 {
		out = append(out, ir.Message{Role: ir.RoleTool, Content: results})
	}
	if len(msg.Content) > 0 || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	return out
}

type claudeBlock struct {
	kind    string
	toolIdx int
}

// ClaudeEventParser parses Anthropic Messages stream events.
type ClaudeEventParser struct {
	blocks      map[int]claudeBlock
	toolCount   int
	inputTokens int
	cacheRead   int
	cacheCreate int
	finished    bool
	started     bool
}

func NewClaudeEventParser() *ClaudeEventParser {
	return &ClaudeEventParser{blocks: make(map[int]claudeBlock)}
}

func (p *ClaudeEventParser) Parse(data []byte) []ir.StreamEvent {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil
	}

	switch root.Get("type").String() {
	case ir.ClaudeSSEMessageStart:
		p.started = true
		p.captureInput(root.Get("message.usage"))

	case ir.ClaudeSSEContentBlockStart:
		idx := int(root.Get("index").Int())
		block := root.Get("content_block")
		switch kind := block.Get("type").String(); kind {
		case ir.ClaudeBlockToolUse:
			p.blocks[idx] = claudeBlock{kind: kind, toolIdx: p.toolCount}
			p.toolCount++
			id := block.Get("id").String()
			if id == "" {
				id = ir.GenClaudeToolID()
			}
			return []ir.StreamEvent{{
				Type:          ir.EventTypeToolCall,
				ToolCall:      &ir.ToolCall{ID: id, Name: block.Get("name").String()},
				ToolCallIndex: p.blocks[idx].toolIdx,
			}}
		default:
			p.blocks[idx] = claudeBlock{kind: kind}
			if t := block.Get("text").String(); t != "" {
				return []ir.StreamEvent{{Type: ir.EventTypeToken, Content: t}}
			}
		}

	case ir.ClaudeSSEContentBlockDelta:
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			if t := delta.Get("text").String(); t != "" {
				return []ir.StreamEvent{{Type: ir.EventTypeToken, Content: t}}
			}
		case "thinking_delta":
			if t := delta.Get("thinking").String(); t != "" {
				return []ir.StreamEvent{{Type: ir.EventTypeReasoning, Reasoning: t}}
			}
		case "signature_delta":
			return []ir.StreamEvent{{Type: ir.EventTypeReasoning, Signature: delta.Get("signature").String()}}
		case "input_json_delta":
			block := p.blocks[int(root.Get("index").Int())]
			if pj := delta.Get("partial_json").String(); pj != "" && block.kind == ir.ClaudeBlockToolUse {
				return []ir.StreamEvent{{
					Type:          ir.EventTypeToolCallDelta,
					ToolCall:      &ir.ToolCall{Args: pj},
					ToolCallIndex: block.toolIdx,
				}}
			}
		}

	case ir.ClaudeSSEMessageDelta:
		if p.finished {
			return nil
		}
		p.finished = true
		usage := p.usage(root.Get("usage"))
		finish := ir.StreamEvent{
			Type:         ir.EventTypeFinish,
			FinishReason: ir.MapClaudeStopReason(root.Get("delta.stop_reason").String()),
			Usage:        usage,
		}
		if usage != nil {
			return []ir.StreamEvent{{Type: ir.EventTypeUsage, Usage: usage}, finish}
		}
		return []ir.StreamEvent{finish}

	case ir.ClaudeSSEMessageStop:
		if !p.finished {
			p.finished = true
			return []ir.StreamEvent{{Type: ir.EventTypeFinish, FinishReason: ir.FinishReasonStop}}
		}

	case "message":
		return p.parseMessage(root)
	}
	return nil
}

func (p *ClaudeEventParser) Flush() []ir.StreamEvent {
	if p.started && !p.finished {
		p.finished = true
		return []ir.StreamEvent{{Type: ir.EventTypeFinish, FinishReason: ir.FinishReasonStop}}
	}
	return nil
}

// parseMessage handles a non-streamed Messages response body.
func (p *ClaudeEventParser) parseMessage(root gjson.Result) []ir.StreamEvent {
	var events []ir.StreamEvent
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case ir.ClaudeBlockText:
			events = append(events, ir.StreamEvent{Type: ir.EventTypeToken, Content: block.Get("text").String()})
		case ir.ClaudeBlockThinking:
			events = append(events, ir.StreamEvent{
				Type:      ir.EventTypeReasoning,
				Reasoning: block.Get("thinking").String(),
				Signature: block.Get("signature").String(),
			})
		case ir.ClaudeBlockToolUse:
			events = append(events, ir.StreamEvent{
				Type: ir.EventTypeToolCall,
				ToolCall: &ir.ToolCall{
					ID:   block.Get("id").String(),
					Name: block.Get("name").String(),
					Args: block.Get("input").Raw,
				},
				ToolCallIndex: p.toolCount,
			})
			p.toolCount++
		}
		return true
	})
	p.captureInput(root.Get("usage"))
	usage := p.usage(root.Get("usage"))
	if usage != nil {
		events = append(events, ir.StreamEvent{Type: ir.EventTypeUsage, Usage: usage})
	}
	p.finished = true
	return append(events, ir.StreamEvent{
		Type:         ir.EventTypeFinish,
		FinishReason: ir.MapClaudeStopReason(root.Get("stop_reason").String()),
		Usage:        usage,
	})
}

func (p *ClaudeEventParser) captureInput(u gjson.Result) {
	if v := u.Get("input_tokens"); v.Exists() {
		p.inputTokens = int(v.Int())
	}
	if v := u.Get("cache_read_input_tokens"); v.Exists() {
		p.cacheRead = int(v.Int())
	}
	if v := u.Get("cache_creation_input_tokens"); v.Exists() {
		p.cacheCreate = int(v.Int())
	}
}

func (p *ClaudeEventParser) usage(u gjson.Result) *ir.Usage {
	if u.Get("input_tokens").Int() > 0 {
		p.captureInput(u)
	}
	usage := &ir.Usage{
		PromptTokens:        p.inputTokens + p.cacheRead + p.cacheCreate,
		CompletionTokens:    int(u.Get("output_tokens").Int()),
		CachedTokens:        p.cacheRead,
		CacheCreationTokens: p.cacheCreate,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if !usage.Valid() {
		return nil
	}
	return usage
}
