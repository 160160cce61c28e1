package engine

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAnthropicFormatter_Dialect(t *testing.T) {
	if got := NewAnthropicFormatter().Dialect(); got != DialectAnthropic {
		t.Errorf("Dialect() = %v", got)
	}
}

func TestAnthropicFormatter_BuildRequest_SystemBlockHasCacheControl(t *testing.T) {
	f := NewAnthropicFormatter()
	hr, err := f.BuildRequest(BuildRequestInput{
		Channel: ChannelConfig{Model: "claude-test", ToolMode: ToolModeFunctionCall, SystemInstruction: "be terse", Endpoint: "https://example"},
		History: []Message{{Role: RoleUser, Parts: []Part{NewTextPart("hi")}}},
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	var body anthropicRequest
	if err := json.Unmarshal(hr.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(body.System) != 1 || body.System[0].Text != "be terse" || body.System[0].CacheControl == nil {
		t.Errorf("System = %+v", body.System)
	}
	if body.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d", body.MaxTokens)
	}
	if _, ok := hr.Headers["anthropic-version"]; !ok {
		t.Error("expected anthropic-version header")
	}
}

func TestAnthropicFormatter_BuildRequest_ToolUseAndResultBlocks(t *testing.T) {
	f := NewAnthropicFormatter()
	hr, err := f.BuildRequest(BuildRequestInput{
		Channel: ChannelConfig{Model: "claude-test", ToolMode: ToolModeFunctionCall, Endpoint: "https://example"},
		History: []Message{
			{Role: RoleUser, Parts: []Part{NewTextPart("do it")}},
			{Role: RoleModel, Parts: []Part{NewFunctionCallPart("call-1", "Read", nil)}},
			{Role: RoleUser, IsFunctionResponse: true, Parts: []Part{NewFunctionResponsePart("call-1", "Read", json.RawMessage(`{"ok":true}`), nil)}},
		},
		Tools: []ToolDecl{{Name: "Read"}},
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hr.Body, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(raw["messages"], &messages); err != nil {
		t.Fatalf("unmarshal messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(messages))
	}
	var toolUseAssistant, toolResultUser bool
	for i, raw := range messages {
		var m map[string]json.RawMessage
		json.Unmarshal(raw, &m)
		var role string
		json.Unmarshal(m["role"], &role)
		var blocks []map[string]any
		json.Unmarshal(m["content"], &blocks)
		for _, b := range blocks {
			if role == "assistant" && b["type"] == "tool_use" {
				toolUseAssistant = true
			}
			if i == len(messages)-1 && role == "user" && b["type"] == "tool_result" {
				toolResultUser = true
			}
		}
	}
	if !toolUseAssistant {
		t.Error("expected a tool_use block on the assistant message")
	}
	if !toolResultUser {
		t.Error("expected a tool_result block on the trailing user message")
	}
}

func TestAnthropicFormatter_BuildRequest_ThoughtPartsOmitted(t *testing.T) {
	f := NewAnthropicFormatter()
	hr, err := f.BuildRequest(BuildRequestInput{
		Channel: ChannelConfig{Model: "claude-test", Endpoint: "https://example"},
		History: []Message{
			{Role: RoleUser, Parts: []Part{NewTextPart("hi")}},
			{Role: RoleModel, Parts: []Part{NewThoughtPart("secret reasoning"), NewTextPart("final answer")}},
		},
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if strings.Contains(string(hr.Body), "secret reasoning") {
		t.Error("thinking-part text must not be replayed without a signature")
	}
	if !strings.Contains(string(hr.Body), "final answer") {
		t.Error("expected the non-thought text to still be present")
	}
}

func TestAnthropicFormatter_ToAnthropicTools_LastGetsCacheControl(t *testing.T) {
	f := anthropicFormatter{}
	tools := f.toAnthropicTools([]ToolDecl{{Name: "A"}, {Name: "B"}})
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d", len(tools))
	}
	if tools[0].CacheControl != nil {
		t.Error("only the last tool should carry cache_control")
	}
	if tools[1].CacheControl == nil {
		t.Error("the last tool should carry cache_control")
	}
}

func TestAnthropicFormatter_ParseResponse(t *testing.T) {
	f := NewAnthropicFormatter()
	body := []byte(`{
		"id": "msg-1",
		"model": "claude-test",
		"content": [
			{"type": "thinking", "text": "reasoning..."},
			{"type": "text", "text": "the answer"},
			{"type": "tool_use", "id": "t1", "name": "Read", "input": {}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 5, "output_tokens": 3}
	}`)
	msg, err := f.ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if msg.Text() != "the answer" || msg.Thinking() != "reasoning..." {
		t.Errorf("msg = %+v", msg)
	}
	calls := msg.FunctionCalls()
	if len(calls) != 1 || calls[0].Name != "Read" {
		t.Errorf("calls = %+v", calls)
	}
	if msg.FinishReason != "tool_use" || msg.Usage.InputTokens != 5 {
		t.Errorf("msg = %+v", msg)
	}
}

func TestAnthropicFormatter_ParseStreamChunk_MessageStart(t *testing.T) {
	f := NewAnthropicFormatter()
	deltas, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{
		"type": "message_start",
		"message": {"id": "msg-1", "model": "claude-test", "usage": {"input_tokens": 2, "output_tokens": 0}}
	}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk() error = %v", err)
	}
	if len(deltas) != 1 || deltas[0].ResponseID != "msg-1" || deltas[0].ModelVersion != "claude-test" {
		t.Errorf("deltas = %+v", deltas)
	}
}

func TestAnthropicFormatter_ParseStreamChunk_ToolUseLifecycle(t *testing.T) {
	f := NewAnthropicFormatter()
	begin, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{
		"type": "content_block_start", "index": 1,
		"content_block": {"type": "tool_use", "id": "t1", "name": "Read"}
	}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk(start) error = %v", err)
	}
	if len(begin) != 1 || !begin[0].ToolCallBegin || begin[0].ToolCallIndex != 1 {
		t.Errorf("begin = %+v", begin)
	}

	args, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{
		"type": "content_block_delta", "index": 1,
		"delta": {"type": "input_json_delta", "partial_json": "{\"path\":"}
	}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk(delta) error = %v", err)
	}
	if len(args) != 1 || args[0].ToolCallArgsDelta == "" || args[0].ToolCallIndex != 1 {
		t.Errorf("args = %+v", args)
	}
}

func TestAnthropicFormatter_ParseStreamChunk_TextAndThinkingDeltas(t *testing.T) {
	f := NewAnthropicFormatter()
	text, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`)})
	if err != nil || len(text) != 1 || text[0].Parts[0].Text != "hi" {
		t.Errorf("text deltas = %+v, err = %v", text, err)
	}
	think, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`)})
	if err != nil || len(think) != 1 || !think[0].Parts[0].Thought {
		t.Errorf("thinking deltas = %+v, err = %v", think, err)
	}
}

func TestAnthropicFormatter_ParseStreamChunk_MessageDeltaAndStop(t *testing.T) {
	f := NewAnthropicFormatter()
	d, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`)})
	if err != nil || len(d) != 1 || d[0].FinishReason != "end_turn" || d[0].Usage.OutputTokens != 9 {
		t.Errorf("message_delta = %+v, err = %v", d, err)
	}

	stop, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{"type":"message_stop"}`)})
	if err != nil || len(stop) != 1 || !stop[0].Done {
		t.Errorf("message_stop = %+v, err = %v", stop, err)
	}
}

func TestAnthropicFormatter_ParseStreamChunk_PingAndContentBlockStopIgnored(t *testing.T) {
	f := NewAnthropicFormatter()
	for _, evtType := range []string{"ping", "content_block_stop"} {
		deltas, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{"type":"` + evtType + `"}`)})
		if err != nil {
			t.Fatalf("ParseStreamChunk(%s) error = %v", evtType, err)
		}
		if deltas != nil {
			t.Errorf("ParseStreamChunk(%s) = %+v, want nil", evtType, deltas)
		}
	}
}

func TestAnthropicFormatter_ParseStreamChunk_UnknownTypeErrors(t *testing.T) {
	f := NewAnthropicFormatter()
	_, err := f.ParseStreamChunk(Frame{Value: json.RawMessage(`{"type":"something_new"}`)})
	if err == nil {
		t.Fatal("expected an error for an unrecognized event type")
	}
}
