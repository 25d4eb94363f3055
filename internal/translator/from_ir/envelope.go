package from_ir

import (
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/nghyane/omnigate/internal/json"
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/nghyane/omnigate/internal/translator/schema"
)

// AntigravitySystemPrompt is required as the first system part by the
// Antigravity sandbox.
const AntigravitySystemPrompt = "You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding." +
	"You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question." +
	"**Absolute paths only**" +
	"**Proactiveness**"

// EnvelopeOptions configures the Cloud Code wrapper.
type EnvelopeOptions struct {
	Antigravity bool
	ProjectID   string
}

var (
	projectAdjectives = []string{"useful", "bright", "swift", "calm", "bold"}
	projectNouns      = []string{"fuze", "wave", "spark", "flow", "core"}
)

// GenerateProjectID returns a throwaway "adjective-noun-xxxxx" project id.
func GenerateProjectID() string {
	return projectAdjectives[rand.IntN(len(projectAdjectives))] + "-" +
		projectNouns[rand.IntN(len(projectNouns))] + "-" +
		uuid.NewString()[:5]
}

func sessionID() string {
	return "-" + strconv.FormatInt(rand.Int64N(9_000_000_000_000_000_000), 10)
}

func modelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// ToCloudCodeEnvelope renders a gemini-cli or antigravity request:
// {project, model, userAgent, requestId, request:{sessionId, ...}}.
func ToCloudCodeEnvelope(req *ir.Request, opts EnvelopeOptions) ([]byte, error) {
	project := opts.ProjectID
	if project == "" {
		project = GenerateProjectID()
	}
	envelope := map[string]any{
		"project":   project,
		"model":     modelName(req.Model),
		"userAgent": "gemini-cli",
		"requestId": "agent-" + uuid.NewString(),
	}

	var inner map[string]any
	switch {
	case opts.Antigravity && ir.IsClaude(req.Model):
		inner = claudeViaGemini(req)
	default:
		inner = geminiBody(req, GeminiOptions{SafetySettings: !opts.Antigravity})
	}
	inner["sessionId"] = sessionID()

	if opts.Antigravity {
		envelope["userAgent"] = "antigravity"
		envelope["requestType"] = "agent"
		prependSystemPart(inner, AntigravitySystemPrompt)
		if _, ok := inner["tools"]; ok {
			inner["toolConfig"] = map[string]any{"functionCallingConfig": map[string]any{"mode": "VALIDATED"}}
		}
	}
	envelope["request"] = inner
	return json.Marshal(envelope)
}

func prependSystemPart(inner map[string]any, text string) {
	part := map[string]any{"text": text}
	if si, ok := inner["systemInstruction"].(map[string]any); ok {
		if parts, ok := si["parts"].([]any); ok {
			si["parts"] = append([]any{part}, parts...)
			return
		}
	}
	inner["systemInstruction"] = map[string]any{"role": "user", "parts": []any{part}}
}

// claudeViaGemini renders Claude models served through Antigravity: plain
// Gemini parts without thought signatures or safety settings.
func claudeViaGemini(req *ir.Request) map[string]any {
	idToName, results := ir.BuildToolMaps(req.Messages)
	contents := make([]any, 0, len(req.Messages))

	for _, msg := range req.Messages {
		var parts []any
		role := "user"
		switch msg.Role {
		case ir.RoleSystem:
			continue
		case ir.RoleAssistant:
			role = "model"
			if text := ir.CombineTextParts(msg); text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, map[string]any{"functionCall": map[string]any{"id": tc.ID, "name": tc.Name, "args": ir.ParseArgs(tc.Args)}})
			}
		default:
			for _, p := range msg.Content {
				switch {
				case p.Type == ir.ContentTypeText && p.Text != "":
					parts = append(parts, map[string]any{"text": p.Text})
				case p.Type == ir.ContentTypeToolResult && p.ToolResult != nil:
					if _, ok := results[p.ToolResult.ToolCallID]; !ok {
						continue
					}
					name := idToName[p.ToolResult.ToolCallID]
					if name == "" {
						name = "unknown"
					}
					var result any = p.ToolResult.Result
					if err := json.Unmarshal([]byte(p.ToolResult.Result), &result); err != nil || result == nil {
						result = p.ToolResult.Result
					}
					parts = append(parts, map[string]any{"functionResponse": map[string]any{
						"id":       p.ToolResult.ToolCallID,
						"name":     name,
						"response": map[string]any{"result": result},
					}})
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		// Consecutive same-role turns merge, mirroring the Messages API.
		if n := len(contents); n > 0 {
			if last := contents[n-1].(map[string]any); last["role"] == role {
				last["parts"] = append(last["parts"].([]any), parts...)
				continue
			}
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	temperature := 1.0
	if req.Temperature != nil && *req.Temperature != 0 {
		temperature = *req.Temperature
	}
	maxTokens := ir.ClaudeDefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	inner := map[string]any{
		"contents":         contents,
		"generationConfig": map[string]any{"temperature": temperature, "maxOutputTokens": maxTokens},
	}

	if sys := req.SystemText(); len(sys) > 0 {
		parts := make([]any, 0, len(sys))
		for _, text := range sys {
			parts = append(parts, map[string]any{"text": text})
		}
		inner["systemInstruction"] = map[string]any{"role": "user", "parts": parts}
	}

	if len(req.Tools) > 0 {
		decls := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema.SanitizeMap(toolParams(t)),
			})
		}
		inner["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}
	return inner
}
