package from_ir

import (
	"strings"
	"testing"

	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
)

func intp(v int) *int { return &v }

func toolConversation() *ir.Request {
	return &ir.Request{
		Model: "gemini-2.5-pro",
		Messages: []ir.Message{
			{Role: ir.RoleSystem, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "sys"}}},
			{Role: ir.RoleUser, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "go"}}},
			{Role: ir.RoleAssistant,
				Content: []ir.ContentPart{{Type: ir.ContentTypeReasoning, Reasoning: "think"}},
				ToolCalls: []ir.ToolCall{
					{ID: "read_file-1-2", Args: `{"p":"a"}`},
					{ID: "call_b", Name: "list", Args: `{}`},
				},
			},
			{Role: ir.RoleTool, Content: []ir.ContentPart{
				{Type: ir.ContentTypeToolResult, ToolResult: &ir.ToolResultPart{ToolCallID: "read_file-1-2", Result: "plain text"}},
				{Type: ir.ContentTypeToolResult, ToolResult: &ir.ToolResultPart{ToolCallID: "orphan", Result: "x"}},
			}},
		},
	}
}

func TestGeminiToolPairing(t *testing.T) {
	req := toolConversation()
	req.Messages[2].ToolCalls[0].Name = ""
	body, err := ToGeminiRequest(req, GeminiOptions{})
	if err != nil {
		t.Fatal(err)
	}
	root := gjson.ParseBytes(body)
	if root.Get("systemInstruction.parts.0.text").String() != "sys" {
		t.Errorf("system = %s", root.Get("systemInstruction").Raw)
	}
	contents := root.Get("contents").Array()
	if len(contents) != 3 {
		t.Fatalf("contents = %s", root.Get("contents").Raw)
	}

	model := contents[1].Get("parts").Array()
	if !model[0].Get("thought").Bool() || model[1].Get("thoughtSignature").String() != ir.DefaultThinkingSignature {
		t.Errorf("reasoning parts = %s", contents[1].Raw)
	}
	if model[2].Get("thoughtSignature").String() != ir.DefaultThinkingSignature {
		t.Errorf("functionCall without signature: %s", model[2].Raw)
	}

	responses := contents[2].Get("parts").Array()
	if len(responses) != 1 {
		t.Fatalf("only answered calls get responses: %s", contents[2].Raw)
	}
	fr := responses[0].Get("functionResponse")
	if fr.Get("id").String() != "read_file-1-2" || fr.Get("name").String() != "read_file" {
		t.Errorf("functionResponse = %s", fr.Raw)
	}
	if fr.Get("response.result.result").String() != "plain text" {
		t.Errorf("non-object result must be wrapped: %s", fr.Raw)
	}
	if strings.Contains(string(body), "orphan") {
		t.Error("orphan result leaked")
	}
}

func TestGeminiSingleSystemMessage(t *testing.T) {
	req := &ir.Request{Messages: []ir.Message{{Role: ir.RoleSystem, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "only"}}}}}
	body, _ := ToGeminiRequest(req, GeminiOptions{})
	root := gjson.ParseBytes(body)
	if root.Get("systemInstruction").Exists() {
		t.Error("lone system message must not become systemInstruction")
	}
	if root.Get("contents.0.role").String() != "user" || root.Get("contents.0.parts.0.text").String() != "only" {
		t.Errorf("contents = %s", root.Get("contents").Raw)
	}
}

func TestGeminiGenerationConfig(t *testing.T) {
	temp := 0.5
	req := &ir.Request{
		Messages:    []ir.Message{{Role: ir.RoleUser, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "q"}}}},
		Temperature: &temp,
		MaxTokens:   intp(10),
		Thinking:    &ir.ThinkingConfig{Effort: "low"},
		ResponseFormat: &ir.ResponseFormat{Type: "json_schema", Schema: map[string]any{
			"$schema": "x", "type": "object", "additionalProperties": false,
			"properties": map[string]any{"a": map[string]any{"type": "string"}},
		}},
		Tools: []ir.ToolDefinition{{Name: "t", Parameters: map[string]any{"type": "object", "$schema": "x"}}},
	}
	body, _ := ToGeminiRequest(req, GeminiOptions{SafetySettings: true})
	gc := gjson.GetBytes(body, "generationConfig")
	if gc.Get("temperature").Float() != 0.5 || gc.Get("maxOutputTokens").Int() != 10 {
		t.Errorf("generationConfig = %s", gc.Raw)
	}
	if gc.Get("thinkingConfig.thinkingBudget").Int() != 1024 || !gc.Get("thinkingConfig.include_thoughts").Bool() {
		t.Errorf("thinkingConfig = %s", gc.Get("thinkingConfig").Raw)
	}
	if gc.Get("responseMimeType").String() != "application/json" || gc.Get("responseSchema.$schema").Exists() {
		t.Errorf("response schema = %s", gc.Raw)
	}
	params := gjson.GetBytes(body, "tools.0.functionDeclarations.0.parameters")
	if params.Get("$schema").Exists() || !params.Get("properties.reason").Exists() {
		t.Errorf("parameters not sanitized: %s", params.Raw)
	}
	if n := len(gjson.GetBytes(body, "safetySettings").Array()); n != 5 {
		t.Errorf("safety settings = %d", n)
	}
	if th := gjson.GetBytes(body, "safetySettings.0.threshold").String(); th != "OFF" {
		t.Errorf("threshold = %s", th)
	}
}

func TestAntigravityEnvelope(t *testing.T) {
	req := toolConversation()
	req.Model = "antigravity/gemini-3-pro"
	req.Tools = []ir.ToolDefinition{{Name: "list"}}
	body, err := ToCloudCodeEnvelope(req, EnvelopeOptions{Antigravity: true, ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	root := gjson.ParseBytes(body)
	if root.Get("project").String() != "proj-1" || root.Get("model").String() != "gemini-3-pro" {
		t.Errorf("envelope = %s", body)
	}
	if root.Get("userAgent").String() != "antigravity" || root.Get("requestType").String() != "agent" {
		t.Errorf("antigravity markers missing: %s", body)
	}
	if !strings.HasPrefix(root.Get("requestId").String(), "agent-") || !strings.HasPrefix(root.Get("request.sessionId").String(), "-") {
		t.Errorf("ids = %s %s", root.Get("requestId"), root.Get("request.sessionId"))
	}
	parts := root.Get("request.systemInstruction.parts").Array()
	if len(parts) != 2 || parts[0].Get("text").String() != AntigravitySystemPrompt || parts[1].Get("text").String() != "sys" {
		t.Errorf("system parts = %s", root.Get("request.systemInstruction").Raw)
	}
	if root.Get("request.toolConfig.functionCallingConfig.mode").String() != "VALIDATED" {
		t.Error("toolConfig missing")
	}
	if root.Get("request.safetySettings").Exists() {
		t.Error("antigravity must omit safetySettings")
	}
}

func TestGeminiCLIEnvelopeKeepsSafety(t *testing.T) {
	req := &ir.Request{Model: "gemini-2.5-flash", Messages: []ir.Message{{Role: ir.RoleUser, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "q"}}}}}
	body, _ := ToCloudCodeEnvelope(req, EnvelopeOptions{})
	root := gjson.ParseBytes(body)
	if root.Get("userAgent").String() != "gemini-cli" || !root.Get("request.safetySettings").Exists() {
		t.Errorf("envelope = %s", body)
	}
	if root.Get("requestType").Exists() || root.Get("request.systemInstruction").Exists() {
		t.Errorf("gemini-cli must not carry antigravity fields: %s", body)
	}
	if p := strings.Split(root.Get("project").String(), "-"); len(p) != 3 || len(p[2]) != 5 {
		t.Errorf("generated project = %s", root.Get("project"))
	}
}

func TestAntigravityClaudeModel(t *testing.T) {
	req := toolConversation()
	req.Model = "claude-sonnet-4-5"
	req.Tools = []ir.ToolDefinition{{Name: "list", Parameters: map[string]any{"type": "object", "additionalProperties": false}}}
	body, _ := ToCloudCodeEnvelope(req, EnvelopeOptions{Antigravity: true})
	inner := gjson.GetBytes(body, "request")
	if inner.Get("generationConfig.temperature").Float() != 1 || inner.Get("generationConfig.maxOutputTokens").Int() != 4096 {
		t.Errorf("generationConfig = %s", inner.Get("generationConfig").Raw)
	}
	if strings.Contains(inner.Raw, "thoughtSignature") {
		t.Error("claude via antigravity must not carry thought signatures")
	}
	if inner.Get("tools.0.functionDeclarations.0.parameters.additionalProperties").Exists() {
		t.Error("tool schema not sanitized")
	}
	fr := inner.Get(`contents.#(role=="user")#.parts.#.functionResponse`)
	if !strings.Contains(fr.Raw, "read_file-1-2") {
		t.Errorf("functionResponse missing: %s", inner.Get("contents").Raw)
	}
}

func TestClaudeRequest(t *testing.T) {
	req := &ir.Request{
		Model: "claude-sonnet-4",
		Messages: []ir.Message{
			{Role: ir.RoleSystem, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "sys"}}},
			{Role: ir.RoleUser, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "a"}}},
			{Role: ir.RoleUser, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "b"}}},
			{Role: ir.RoleAssistant,
				Content:   []ir.ContentPart{{Type: ir.ContentTypeReasoning, Reasoning: "r", ThoughtSignature: "sig"}},
				ToolCalls: []ir.ToolCall{{ID: "toolu_1", Name: "ls", Args: `{"d":1}`}},
			},
			{Role: ir.RoleTool, Content: []ir.ContentPart{{Type: ir.ContentTypeToolResult, ToolResult: &ir.ToolResultPart{ToolCallID: "toolu_1", Result: "ok"}}}},
		},
		Thinking: &ir.ThinkingConfig{Budget: 8000},
	}
	body, err := ToClaudeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	root := gjson.ParseBytes(body)
	if root.Get("system.0.text").String() != "sys" {
		t.Errorf("system = %s", root.Get("system").Raw)
	}
	msgs := root.Get("messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("messages = %s", root.Get("messages").Raw)
	}
	if n := len(msgs[0].Get("content").Array()); n != 2 {
		t.Errorf("consecutive user turns not merged: %s", msgs[0].Raw)
	}
	if msgs[1].Get("content.0.signature").String() != "sig" || msgs[1].Get("content.1.input.d").Int() != 1 {
		t.Errorf("assistant = %s", msgs[1].Raw)
	}
	if msgs[2].Get("content.0.type").String() != "tool_result" {
		t.Errorf("tool result = %s", msgs[2].Raw)
	}
	if root.Get("thinking.budget_tokens").Int() != 8000 || root.Get("max_tokens").Int() <= 8000 {
		t.Errorf("thinking = %s max_tokens = %d", root.Get("thinking").Raw, root.Get("max_tokens").Int())
	}
}

func TestClaudeRequestDefaultMaxTokens(t *testing.T) {
	body, _ := ToClaudeRequest(&ir.Request{Model: "m"})
	if gjson.GetBytes(body, "max_tokens").Int() != 4096 {
		t.Errorf("max_tokens = %s", gjson.GetBytes(body, "max_tokens"))
	}
}

func names(events []ir.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func emitAll(e Emitter, events ...ir.StreamEvent) []ir.Event {
	var out []ir.Event
	for _, ev := range events {
		out = append(out, e.Emit(ev)...)
	}
	return append(out, e.Finish()...)
}

var toolStream = []ir.StreamEvent{
	{Type: ir.EventTypeToken, Content: "hi"},
	{Type: ir.EventTypeToolCall, ToolCall: &ir.ToolCall{ID: "call_1", Name: "f"}},
	{Type: ir.EventTypeToolCallDelta, ToolCall: &ir.ToolCall{Args: `{"a":`}},
	{Type: ir.EventTypeToolCallDelta, ToolCall: &ir.ToolCall{Args: `1}`}},
	{Type: ir.EventTypeUsage, Usage: &ir.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	{Type: ir.EventTypeFinish, FinishReason: ir.FinishReasonStop},
}

func TestOpenAIEmitter(t *testing.T) {
	events := emitAll(NewOpenAIEmitter("m"), toolStream...)
	if len(events) != 5 {
		t.Fatalf("events = %d", len(events))
	}
	first := gjson.ParseBytes(events[0].Data)
	if first.Get("choices.0.delta.role").String() != "assistant" || !strings.HasPrefix(first.Get("id").String(), "chatcmpl-") {
		t.Errorf("first = %s", events[0].Data)
	}
	if gjson.GetBytes(events[1].Data, "choices.0.delta.role").Exists() {
		t.Error("role sent twice")
	}
	if gjson.GetBytes(events[2].Data, "choices.0.delta.tool_calls.0.index").Int() != 0 {
		t.Errorf("tool delta = %s", events[2].Data)
	}
	last := gjson.ParseBytes(events[4].Data)
	if last.Get("choices.0.finish_reason").String() != "tool_calls" || last.Get("usage.total_tokens").Int() != 5 {
		t.Errorf("finish = %s", events[4].Data)
	}
}

func TestOpenAIEmitterFlushWithoutFinish(t *testing.T) {
	e := NewOpenAIEmitter("m")
	e.Emit(ir.StreamEvent{Type: ir.EventTypeToken, Content: "x"})
	out := e.Finish()
	if len(out) != 1 || gjson.GetBytes(out[0].Data, "choices.0.finish_reason").String() != "stop" {
		t.Errorf("flush = %v", out)
	}
	if len(e.Finish()) != 0 {
		t.Error("second finish must be empty")
	}
}

func TestClaudeEmitter(t *testing.T) {
	stream := append([]ir.StreamEvent{{Type: ir.EventTypeReasoning, Reasoning: "plan", Signature: "sig"}}, toolStream...)
	got := names(emitAll(NewClaudeEmitter("m"), stream...))
	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop", "content_block_start", "content_block_delta",
		"content_block_stop", "content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events =\n%v\nwant\n%v", got, want)
	}
}

func TestClaudeEmitterStopReason(t *testing.T) {
	events := emitAll(NewClaudeEmitter("m"), toolStream...)
	var md ir.Event
	for _, e := range events {
		if e.Name == "message_delta" {
			md = e
		}
	}
	root := gjson.ParseBytes(md.Data)
	if root.Get("delta.stop_reason").String() != "tool_use" || root.Get("usage.output_tokens").Int() != 2 {
		t.Errorf("message_delta = %s", md.Data)
	}
}

func TestGeminiEmitterBuffersCalls(t *testing.T) {
	events := emitAll(NewGeminiEmitter("gemini-2.5-pro", true), toolStream...)
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	last := gjson.ParseBytes(events[1].Data)
	if last.Get("response.candidates.0.content.parts.0.functionCall.args.a").Int() != 1 {
		t.Errorf("call = %s", events[1].Data)
	}
	if last.Get("response.candidates.0.finishReason").String() != "STOP" || last.Get("response.usageMetadata.totalTokenCount").Int() != 5 {
		t.Errorf("finish = %s", events[1].Data)
	}
}

func TestResponsesEmitter(t *testing.T) {
	events := emitAll(NewResponsesEmitter("m"), toolStream...)
	want := []string{
		"response.created", "response.in_progress",
		"response.output_item.added", "response.content_part.added", "response.output_text.delta",
		"response.output_item.added", "response.function_call_arguments.delta", "response.function_call_arguments.delta",
		"response.output_text.done", "response.content_part.done", "response.output_item.done",
		"response.function_call_arguments.done", "response.output_item.done",
		"response.completed",
	}
	if got := names(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events =\n%v\nwant\n%v", got, want)
	}
	for i, e := range events {
		root := gjson.ParseBytes(e.Data)
		if root.Get("sequence_number").Int() != int64(i) || root.Get("type").String() != e.Name {
			t.Errorf("event %d = %s", i, e.Data)
		}
	}
	completed := gjson.ParseBytes(events[len(events)-1].Data)
	if completed.Get("response.usage.input_tokens").Int() != 3 || len(completed.Get("response.output").Array()) != 2 {
		t.Errorf("completed = %s", events[len(events)-1].Data)
	}
	if completed.Get("response.output.1.arguments").String() != `{"a":1}` {
		t.Errorf("arguments = %s", completed.Get("response.output.1").Raw)
	}
}

func TestResponsesEmitterFlushClosesItems(t *testing.T) {
	e := NewResponsesEmitter("m")
	e.Emit(ir.StreamEvent{Type: ir.EventTypeToken, Content: "x"})
	got := names(e.Finish())
	want := []string{"response.output_text.done", "response.content_part.done", "response.output_item.done", "response.completed"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("flush = %v", got)
	}
}

func TestResponsesRequest(t *testing.T) {
	req := toolConversation()
	req.Messages[2].ToolCalls[0].Name = "read_file"
	req.Thinking = &ir.ThinkingConfig{Budget: 32768}
	body, _ := ToResponsesRequest(req)
	root := gjson.ParseBytes(body)
	if root.Get("instructions").String() != "sys" || root.Get("reasoning.effort").String() != "high" {
		t.Errorf("request = %s", body)
	}
	types := root.Get("input.#.type").Array()
	want := []string{"message", "function_call", "function_call", "function_call_output"}
	if len(types) != len(want) {
		t.Fatalf("input = %s", root.Get("input").Raw)
	}
	for i := range want {
		if types[i].String() != want[i] {
			t.Errorf("input %d = %s", i, types[i])
		}
	}
}

func TestRenderResponses(t *testing.T) {
	resp := &ir.Response{Text: "done", Usage: &ir.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, FinishReason: ir.FinishReasonStop}
	for name, render := range map[string]func() ([]byte, error){
		"openai":    func() ([]byte, error) { return RenderOpenAIResponse(resp, "m") },
		"claude":    func() ([]byte, error) { return RenderClaudeResponse(resp, "m") },
		"gemini":    func() ([]byte, error) { return RenderGeminiResponse(resp, "m", false) },
		"responses": func() ([]byte, error) { return RenderResponsesResponse(resp, "m") },
	} {
		body, err := render()
		if err != nil || !gjson.ValidBytes(body) || !strings.Contains(string(body), `"done"`) {
			t.Errorf("%s: %s %v", name, body, err)
		}
	}
}
