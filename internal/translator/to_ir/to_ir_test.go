package to_ir

import (
	"testing"

	"github.com/nghyane/omnigate/internal/translator/ir"
)

func TestParseOpenAIRequest(t *testing.T) {
	body := []byte(`{
		"model":"gpt-4o","stream":true,"temperature":0.2,"max_completion_tokens":100,
		"reasoning_effort":"high","stop":"END",
		"messages":[
			{"role":"system","content":"be brief"},
			{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}]},
			{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"read","arguments":"{\"p\":1}"}}]},
			{"role":"tool","tool_call_id":"call_1","content":"ok"}
		],
		"tools":[{"type":"function","function":{"name":"read","parameters":{"type":"object"}}},{"name":"claude_style","input_schema":{"type":"object"}}],
		"tool_choice":{"type":"function","function":{"name":"read"}}
	}`)
	req, err := ParseOpenAIRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "gpt-4o" || !req.Stream || *req.MaxTokens != 100 || *req.Temperature != 0.2 {
		t.Errorf("scalars: %+v", req)
	}
	if req.Thinking == nil || req.Thinking.Effort != "high" {
		t.Errorf("thinking = %+v", req.Thinking)
	}
	if len(req.StopSequences) != 1 || req.StopSequences[0] != "END" {
		t.Errorf("stop = %v", req.StopSequences)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("messages = %d", len(req.Messages))
	}
	img := req.Messages[1].Content[1].Image
	if img == nil || img.MimeType != "image/png" || img.Data != "AAAA" {
		t.Errorf("image = %+v", img)
	}
	if calls := req.Messages[2].ToolCalls; len(calls) != 1 || calls[0].Args != `{"p":1}` {
		t.Errorf("tool calls = %+v", calls)
	}
	if tr := req.Messages[3].Content[0].ToolResult; tr.ToolCallID != "call_1" || tr.Result != "ok" {
		t.Errorf("tool result = %+v", tr)
	}
	if len(req.Tools) != 2 || req.Tools[1].Name != "claude_style" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if req.ToolChoice != "read" {
		t.Errorf("tool choice = %q", req.ToolChoice)
	}
}

func TestParseOpenAIRequestInvalid(t *testing.T) {
	if _, err := ParseOpenAIRequest([]byte(`{"model":`)); err != ErrInvalidJSON {
		t.Errorf("err = %v", err)
	}
	if _, err := ParseOpenAIRequest([]byte(`[1]`)); err != ErrInvalidJSON {
		t.Errorf("array body err = %v", err)
	}
}

func TestParseClaudeRequestSplitsToolResults(t *testing.T) {
	body := []byte(`{
		"model":"claude-sonnet-4","system":[{"type":"text","text":"sys"}],"max_tokens":512,
		"thinking":{"type":"enabled","budget_tokens":2048},
		"messages":[
			{"role":"user","content":"hi"},
			{"role":"assistant","content":[{"type":"thinking","thinking":"hmm","signature":"sig"},{"type":"tool_use","id":"toolu_1","name":"ls","input":{"d":"/"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"a b"}]},{"type":"text","text":"next"}]}
		],
		"tool_choice":{"type":"any"}
	}`)
	req, err := ParseClaudeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Thinking == nil || req.Thinking.Budget != 2048 {
		t.Errorf("thinking = %+v", req.Thinking)
	}
	roles := []ir.Role{ir.RoleSystem, ir.RoleUser, ir.RoleAssistant, ir.RoleTool, ir.RoleUser}
	if len(req.Messages) != len(roles) {
		t.Fatalf("messages = %+v", req.Messages)
	}
	for i, r := range roles {
		if req.Messages[i].Role != r {
			t.Errorf("message %d role = %s, want %s", i, req.Messages[i].Role, r)
		}
	}
	if sig := ir.FirstReasoningSignature(req.Messages[2]); sig != "sig" {
		t.Errorf("signature = %q", sig)
	}
	if tr := req.Messages[3].Content[0].ToolResult; tr.ToolCallID != "toolu_1" || tr.Result != "a b" {
		t.Errorf("tool result = %+v", tr)
	}
	if req.ToolChoice != "required" {
		t.Errorf("tool choice = %q", req.ToolChoice)
	}
}

func TestParseGeminiRequestPairsByName(t *testing.T) {
	body := []byte(`{"model":"gemini-2.5-pro","request":{
		"systemInstruction":{"parts":[{"text":"sys"}]},
		"contents":[
			{"role":"user","parts":[{"text":"q"}]},
			{"role":"model","parts":[{"functionCall":{"name":"search","args":{"q":"x"}}}]},
			{"role":"user","parts":[{"functionResponse":{"name":"search","response":{"result":"found"}}}]}
		],
		"generationConfig":{"maxOutputTokens":64,"thinkingConfig":{"thinkingBudget":1024,"includeThoughts":true}}
	}}`)
	req, err := ParseGeminiRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "gemini-2.5-pro" || *req.MaxTokens != 64 || req.Thinking.Budget != 1024 {
		t.Errorf("request = %+v", req)
	}
	call := req.Messages[2].ToolCalls[0]
	result := req.Messages[3].Content[0].ToolResult
	if call.ID == "" || result.ToolCallID != call.ID {
		t.Errorf("call %q not paired with result %q", call.ID, result.ToolCallID)
	}
	if result.Result != "found" {
		t.Errorf("result = %q", result.Result)
	}
}

func TestParseResponsesRequest(t *testing.T) {
	body := []byte(`{"model":"gpt-5","instructions":"sys","reasoning":{"effort":"low"},
		"input":[
			{"role":"user","content":[{"type":"input_text","text":"hi"},{"type":"input_image","image_url":"data:image/jpeg;base64,BB"}]},
			{"type":"function_call","call_id":"c1","name":"a","arguments":"{}"},
			{"type":"function_call","call_id":"c2","name":"b","arguments":"{}"},
			{"type":"function_call_output","call_id":"c1","output":"r1"}
		],
		"tools":[{"type":"function","name":"a","parameters":{"type":"object"}},{"type":"web_search"}]}`)
	req, err := ParseResponsesRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if len(req.Messages[1].Content) != 2 {
		t.Errorf("user content = %+v", req.Messages[1].Content)
	}
	if n := len(req.Messages[2].ToolCalls); n != 2 {
		t.Errorf("consecutive calls merged into %d", n)
	}
	if len(req.Tools) != 1 || req.Thinking.Effort != "low" {
		t.Errorf("tools = %+v thinking = %+v", req.Tools, req.Thinking)
	}
}

func collect(p ChunkParser, chunks ...string) []ir.StreamEvent {
	var out []ir.StreamEvent
	for _, c := range chunks {
		out = append(out, p.Parse([]byte(c))...)
	}
	return append(out, p.Flush()...)
}

func types(events []ir.StreamEvent) []ir.EventType {
	out := make([]ir.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestOpenAIChunkParserHoldsFinishForUsage(t *testing.T) {
	p := NewOpenAIChunkParser()
	events := p.Parse([]byte(`{"choices":[{"delta":{"content":"hi"},"finish_reason":"stop"}]}`))
	if len(events) != 1 || events[0].Type != ir.EventTypeToken {
		t.Fatalf("events = %+v", events)
	}
	events = p.Parse([]byte(`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`))
	got := types(events)
	if len(got) != 2 || got[0] != ir.EventTypeUsage || got[1] != ir.EventTypeFinish {
		t.Fatalf("events = %v", got)
	}
	if events[1].Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", events[1].Usage)
	}
	if len(p.Flush()) != 0 {
		t.Error("flush after finish must be empty")
	}
}

func TestOpenAIChunkParserToolCalls(t *testing.T) {
	events := collect(NewOpenAIChunkParser(),
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"f","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_b","function":{"name":"g","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	var acc ir.Accumulator
	for _, e := range events {
		acc.Add(e)
	}
	resp := acc.Response()
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Args != `{"x":1}` || resp.ToolCalls[1].Name != "g" {
		t.Errorf("calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != ir.FinishReasonToolCalls {
		t.Errorf("finish = %s", resp.FinishReason)
	}
}

func TestClaudeEventParser(t *testing.T) {
	events := collect(NewClaudeEventParser(),
		`{"type":"message_start","message":{"usage":{"input_tokens":10,"cache_read_input_tokens":4}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"plan"}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_x","name":"ls"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{}"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	)
	want := []ir.EventType{ir.EventTypeReasoning, ir.EventTypeToolCall, ir.EventTypeToolCallDelta, ir.EventTypeUsage, ir.EventTypeFinish}
	got := types(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	finish := events[len(events)-1]
	if finish.FinishReason != ir.FinishReasonToolCalls || finish.Usage.PromptTokens != 14 || finish.Usage.CompletionTokens != 3 {
		t.Errorf("finish = %+v usage = %+v", finish, finish.Usage)
	}
}

func TestGeminiChunkParserEnvelope(t *testing.T) {
	events := collect(NewGeminiChunkParser(),
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"a","thought":true},{"text":"b"}]}}],"usageMetadata":{"promptTokenCount":3}}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{"k":1}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4,"totalTokenCount":7}}}`,
	)
	got := types(events)
	want := []ir.EventType{ir.EventTypeReasoning, ir.EventTypeToken, ir.EventTypeToolCall, ir.EventTypeUsage, ir.EventTypeFinish}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	finish := events[len(events)-1]
	if finish.FinishReason != ir.FinishReasonToolCalls || finish.Usage.TotalTokens != 7 {
		t.Errorf("finish = %+v", finish)
	}
	if events[2].ToolCall.Args != `{"k":1}` {
		t.Errorf("args = %s", events[2].ToolCall.Args)
	}
}

func TestResponsesEventParser(t *testing.T) {
	events := collect(NewResponsesEventParser(),
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.output_text.delta","delta":"hel"}`,
		`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_9","name":"run","arguments":""}}`,
		`{"type":"response.function_call_arguments.delta","delta":"{}"}`,
		`{"type":"response.output_item.done","item":{"type":"function_call"}}`,
		`{"type":"response.completed","response":{"usage":{"input_tokens":8,"output_tokens":2,"cache_read_input_tokens":1}}}`,
	)
	got := types(events)
	want := []ir.EventType{ir.EventTypeToken, ir.EventTypeToolCall, ir.EventTypeToolCallDelta, ir.EventTypeUsage, ir.EventTypeFinish}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	if u := events[3].Usage; u.PromptTokens != 9 || u.CachedTokens != 1 {
		t.Errorf("usage = %+v", u)
	}
	if events[1].ToolCall.ID != "call_9" || events[2].ToolCallIndex != 0 {
		t.Errorf("tool events = %+v %+v", events[1], events[2])
	}
}

func TestResponsesEventParserFlushWithoutCompleted(t *testing.T) {
	p := NewResponsesEventParser()
	p.Parse([]byte(`{"type":"response.output_text.delta","delta":"x"}`))
	events := p.Flush()
	if len(events) != 1 || events[0].FinishReason != ir.FinishReasonStop {
		t.Errorf("flush = %+v", events)
	}
	if len(p.Flush()) != 0 {
		t.Error("second flush must be empty")
	}
}
