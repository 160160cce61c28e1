package engine

import (
	"encoding/json"
	"testing"
)

func TestOpenAIResponsesFormatter_Dialect(t *testing.T) {
	if got := NewOpenAIResponsesFormatter().Dialect(); got != DialectOpenAIResponses {
		t.Errorf("Dialect() = %v", got)
	}
}

func TestOpenAIResponsesFormatter_BuildRequest_CarriesContinuationFields(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	hr, err := f.BuildRequest(BuildRequestInput{
		Channel: ChannelConfig{Model: "gpt-5", ToolMode: ToolModeFunctionCall, Endpoint: "https://example"},
		History: []Message{{Role: RoleUser, Parts: []Part{NewTextPart("hi")}}},
		PreviousResponseID: "resp-prev",
		PromptCacheKey: "cache-key-1",
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	var body responsesRequest
	if err := json.Unmarshal(hr.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.PreviousResponseID != "resp-prev" || body.PromptCacheKey != "cache-key-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestOpenAIResponsesFormatter_BuildRequest_FunctionCallAndResponseItems(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	hr, err := f.BuildRequest(BuildRequestInput{
		Channel: ChannelConfig{Model: "gpt-5", ToolMode: ToolModeFunctionCall, Endpoint: "https://example"},
		History: []Message{
			{Role: RoleUser, Parts: []Part{NewTextPart("do it")}},
			{Role: RoleModel, Parts: []Part{NewFunctionCallPart("call-1", "Read", nil)}},
			{Role: RoleUser, IsFunctionResponse: true, Parts: []Part{NewFunctionResponsePart("call-1", "Read", json.RawMessage(`{"ok":true}`), nil)}},
		},
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	var body responsesRequest
	if err := json.Unmarshal(hr.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	var sawCall, sawOutput bool
	for _, item := range body.Input {
		if item.Type == "function_call" {
			sawCall = true
			if item.Arguments != "{}" {
				t.Errorf("Arguments = %q, want empty-args default", item.Arguments)
			}
		}
		if item.Type == "function_call_output" {
			sawOutput = true
			if item.CallID != "call-1" {
				t.Errorf("CallID = %q", item.CallID)
			}
		}
	}
	if !sawCall || !sawOutput {
		t.Errorf("Input = %+v, missing function_call/function_call_output items", body.Input)
	}
}

func TestOpenAIResponsesFormatter_ParseResponse(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	body := []byte(`{
		"id": "resp-1",
		"model": "gpt-5",
		"output": [
			{"type": "message", "content": [{"type": "output_text", "text": "hi"}]},
			{"type": "function_call", "call_id": "c1", "name": "Read", "arguments": ""}
		],
		"usage": {"input_tokens": 4, "output_tokens": 2}
	}`)
	msg, err := f.ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if msg.Text() != "hi" || msg.ResponseID != "resp-1" {
		t.Errorf("msg = %+v", msg)
	}
	calls := msg.FunctionCalls()
	if len(calls) != 1 || calls[0].Name != "Read" || string(calls[0].Arguments) != "{}" {
		t.Errorf("calls = %+v", calls)
	}
	if msg.Usage == nil || msg.Usage.InputTokens != 4 {
		t.Errorf("Usage = %+v", msg.Usage)
	}
}

func TestOpenAIResponsesFormatter_ParseStreamChunk_TextDelta(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	deltas, err := f.ParseStreamChunk(Frame{Event: "response.output_text.delta", Value: json.RawMessage(`{"type":"response.output_text.delta","delta":"hel"}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk() error = %v", err)
	}
	if len(deltas) != 1 || deltas[0].Parts[0].Text != "hel" {
		t.Errorf("deltas = %+v", deltas)
	}
}

func TestOpenAIResponsesFormatter_ParseStreamChunk_ReasoningDelta(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	deltas, err := f.ParseStreamChunk(Frame{Event: "response.reasoning_summary_text.delta", Value: json.RawMessage(`{"delta":"thinking"}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk() error = %v", err)
	}
	if len(deltas) != 1 || !deltas[0].Parts[0].Thought {
		t.Errorf("deltas = %+v", deltas)
	}
}

func TestOpenAIResponsesFormatter_ParseStreamChunk_ToolCallLifecycle(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	begin, err := f.ParseStreamChunk(Frame{Event: "response.output_item.added", Value: json.RawMessage(`{"output_index":2,"item":{"type":"function_call","call_id":"c1","name":"Read"}}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk(added) error = %v", err)
	}
	if len(begin) != 1 || !begin[0].ToolCallBegin || begin[0].ToolCallIndex != 2 || begin[0].ToolCallName != "Read" {
		t.Errorf("begin = %+v", begin)
	}

	args, err := f.ParseStreamChunk(Frame{Event: "response.function_call_arguments.delta", Value: json.RawMessage(`{"output_index":2,"delta":"{\"path\":1}"}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk(args) error = %v", err)
	}
	if len(args) != 1 || args[0].ToolCallArgsDelta == "" || args[0].ToolCallIndex != 2 {
		t.Errorf("args = %+v", args)
	}
}

func TestOpenAIResponsesFormatter_ParseStreamChunk_NonFunctionItemAddedIsIgnored(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	deltas, err := f.ParseStreamChunk(Frame{Event: "response.output_item.added", Value: json.RawMessage(`{"item":{"type":"message"}}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk() error = %v", err)
	}
	if len(deltas) != 0 {
		t.Errorf("deltas = %+v, want none for a non-function_call item", deltas)
	}
}

func TestOpenAIResponsesFormatter_ParseStreamChunk_Completed(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	deltas, err := f.ParseStreamChunk(Frame{Event: "response.completed", Value: json.RawMessage(`{
		"response": {"id": "resp-9", "model": "gpt-5", "usage": {"input_tokens": 1, "output_tokens": 1}}
	}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk() error = %v", err)
	}
	if len(deltas) != 1 || !deltas[0].Done || deltas[0].ResponseID != "resp-9" {
		t.Errorf("deltas = %+v", deltas)
	}
}

func TestOpenAIResponsesFormatter_ParseStreamChunk_Failed(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	_, err := f.ParseStreamChunk(Frame{Event: "response.failed", Value: json.RawMessage(`{
		"response": {"error": {"code": "server_error", "message": "boom"}}
	}`)})
	if err == nil {
		t.Fatal("expected an error for response.failed")
	}
}

func TestOpenAIResponsesFormatter_ParseStreamChunk_UnknownEventIgnored(t *testing.T) {
	f := NewOpenAIResponsesFormatter()
	deltas, err := f.ParseStreamChunk(Frame{Event: "response.some_unhandled_event", Value: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("ParseStreamChunk() error = %v", err)
	}
	if deltas != nil {
		t.Errorf("deltas = %+v, want nil for an unhandled event", deltas)
	}
}
