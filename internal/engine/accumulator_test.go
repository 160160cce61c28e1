package engine

import "testing"

func TestStreamAccumulator_MergesAdjacentTextOfSameThoughtness(t *testing.T) {
	a := NewStreamAccumulator(ToolModeFunctionCall)
	a.Feed(StreamDelta{Parts: []Part{NewTextPart("hello ")}})
	a.Feed(StreamDelta{Parts: []Part{NewTextPart("world")}})

	msg := a.Finalize()
	if got := msg.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
	if len(msg.Parts) != 1 {
		t.Errorf("expected adjacent text parts merged into one, got %d parts", len(msg.Parts))
	}
}

func TestStreamAccumulator_ThoughtAndTextDontMerge(t *testing.T) {
	a := NewStreamAccumulator(ToolModeFunctionCall)
	a.Feed(StreamDelta{Parts: []Part{NewThoughtPart("thinking")}})
	a.Feed(StreamDelta{Parts: []Part{NewTextPart("answer")}})

	msg := a.Finalize()
	if msg.Thinking() != "thinking" {
		t.Errorf("Thinking() = %q", msg.Thinking())
	}
	if msg.Text() != "answer" {
		t.Errorf("Text() = %q", msg.Text())
	}
}

func TestStreamAccumulator_NativeToolCallStreaming(t *testing.T) {
	a := NewStreamAccumulator(ToolModeFunctionCall)
	a.Feed(StreamDelta{ToolCallBegin: true, ToolCallIndex: 0, ToolCallID: "call-1", ToolCallName: "Read"})
	a.Feed(StreamDelta{ToolCallArgsDelta: `{"path":`, ToolCallIndex: 0})
	a.Feed(StreamDelta{ToolCallArgsDelta: `"a.go"}`, ToolCallIndex: 0})

	msg := a.Finalize()
	calls := msg.FunctionCalls()
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].Name != "Read" || calls[0].ID != "call-1" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if string(calls[0].Arguments) != `{"path":"a.go"}` {
		t.Errorf("Arguments = %s", calls[0].Arguments)
	}
}

func TestStreamAccumulator_NativeToolCall_EmptyArgsDefaultToEmptyObject(t *testing.T) {
	a := NewStreamAccumulator(ToolModeFunctionCall)
	a.Feed(StreamDelta{ToolCallBegin: true, ToolCallIndex: 0, ToolCallID: "call-1", ToolCallName: "NoArgs"})

	msg := a.Finalize()
	calls := msg.FunctionCalls()
	if len(calls) != 1 || string(calls[0].Arguments) != "{}" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestStreamAccumulator_NativeToolCallBegin_SynthesizesMissingID(t *testing.T) {
	a := NewStreamAccumulator(ToolModeFunctionCall)
	a.Feed(StreamDelta{ToolCallBegin: true, ToolCallIndex: 0, ToolCallName: "Read"})

	msg := a.Finalize()
	if msg.FunctionCalls()[0].ID == "" {
		t.Error("expected a synthesized call id")
	}
}

func TestStreamAccumulator_LiveExtractorRewritesTextualToolCall(t *testing.T) {
	a := NewStreamAccumulator(ToolModeXML)
	a.Feed(StreamDelta{Parts: []Part{NewTextPart("before <tool_use>\n<tool_name>Read</tool_name>\n<parameters>\n<file>a.go</file>\n</parameters>\n</tool_use> after")}})

	msg := a.Finalize()
	calls := msg.FunctionCalls()
	if len(calls) != 1 || calls[0].Name != "Read" {
		t.Fatalf("calls = %+v", calls)
	}
	if got := msg.Text(); got != "before  after" {
		t.Errorf("Text() = %q, want the tool_use block removed", got)
	}
}

func TestStreamAccumulator_FunctionCallModeSkipsLiveExtractor(t *testing.T) {
	a := NewStreamAccumulator(ToolModeFunctionCall)
	a.Feed(StreamDelta{Parts: []Part{NewTextPart("<tool_use><tool_name>Read</tool_name><parameters></parameters></tool_use>")}})

	msg := a.Finalize()
	if msg.HasFunctionCalls() {
		t.Error("function_call mode should not run the textual live extractor")
	}
}

func TestStreamAccumulator_PreservesOrderAcrossTextAndNativeCalls(t *testing.T) {
	a := NewStreamAccumulator(ToolModeXML)
	a.Feed(StreamDelta{Parts: []Part{NewTextPart("intro "), NewInlineDataPart("image/png", "AAAA", "x.png")}})
	a.Feed(StreamDelta{Parts: []Part{NewTextPart("outro")}})

	msg := a.Finalize()
	if len(msg.Parts) != 3 {
		t.Fatalf("Parts = %+v, want 3 (text, attachment, text)", msg.Parts)
	}
	if msg.Parts[0].Kind != PartText || msg.Parts[1].Kind != PartInlineData || msg.Parts[2].Kind != PartText {
		t.Errorf("unexpected order/kinds: %+v", msg.Parts)
	}
}

func TestStreamAccumulator_FeedUpdatesMetadata(t *testing.T) {
	a := NewStreamAccumulator(ToolModeFunctionCall)
	a.Feed(StreamDelta{
		Usage: &Usage{InputTokens: 10, OutputTokens: 5},
		FinishReason: "stop",
		ModelVersion: "v1",
		ResponseID: "resp-1",
	})

	msg := a.Finalize()
	if msg.FinishReason != "stop" || msg.ModelVersion != "v1" || msg.ResponseID != "resp-1" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Usage == nil || msg.Usage.InputTokens != 10 {
		t.Errorf("Usage = %+v", msg.Usage)
	}
	if msg.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", msg.ChunkCount)
	}
}

func TestStreamAccumulator_Finalize_EmptyMessageHasNoParts(t *testing.T) {
	a := NewStreamAccumulator(ToolModeFunctionCall)
	msg := a.Finalize()
	if len(msg.Parts) != 0 {
		t.Errorf("Parts = %+v, want empty", msg.Parts)
	}
	if msg.Role != RoleModel {
		t.Errorf("Role = %v, want RoleModel", msg.Role)
	}
}
