package engine

import (
	"strings"
	"testing"
)

func textMsg(role Role, n int) Message {
	return Message{Role: role, Parts: []Part{NewTextPart(strings.Repeat("x", n))}}
}

func TestEstimateTokens(t *testing.T) {
	m := textMsg(RoleUser, 40)
	if got := EstimateTokens(m); got != 10 {
		t.Errorf("EstimateTokens() = %d, want 10", got)
	}
}

func TestEstimateTokens_NeverZero(t *testing.T) {
	m := Message{Role: RoleUser}
	if got := EstimateTokens(m); got != 1 {
		t.Errorf("EstimateTokens() = %d, want 1 (floor)", got)
	}
}

func TestContextTrimmer_NoTrimNeeded(t *testing.T) {
	history := []Message{textMsg(RoleUser, 40), textMsg(RoleModel, 40)}
	trimmed, start := ContextTrimmer{}.Trim(history, -1, 1000)
	if start != 0 || len(trimmed) != 2 {
		t.Errorf("start = %d, len(trimmed) = %d, want 0, 2", start, len(trimmed))
	}
}

func TestContextTrimmer_DropsOldest(t *testing.T) {
	history := []Message{
		textMsg(RoleUser, 400),
		textMsg(RoleModel, 400),
		textMsg(RoleUser, 400),
		textMsg(RoleModel, 400),
	}
	// Each message is ~100 tokens; threshold of 150 should force dropping
	// from the front until only the last turn or two remain.
	trimmed, start := ContextTrimmer{}.Trim(history, -1, 150)
	if start == 0 {
		t.Error("expected some messages to be trimmed")
	}
	if len(trimmed) != len(history)-start {
		t.Errorf("len(trimmed) = %d, want %d", len(trimmed), len(history)-start)
	}
}

func TestContextTrimmer_NeverTrimsPastLastMessage(t *testing.T) {
	history := []Message{textMsg(RoleUser, 4000), textMsg(RoleModel, 4000)}
	trimmed, start := ContextTrimmer{}.Trim(history, -1, 1)
	if len(trimmed) != 1 {
		t.Errorf("len(trimmed) = %d, want 1 (always keep at least the last message)", len(trimmed))
	}
	if start != len(history)-1 {
		t.Errorf("start = %d, want %d", start, len(history)-1)
	}
}

func TestContextTrimmer_NeverCrossesSummaryAnchor(t *testing.T) {
	history := []Message{
		textMsg(RoleUser, 4000),
		{Role: RoleModel, IsSummary: true, Parts: []Part{NewTextPart(strings.Repeat("s", 400))}},
		textMsg(RoleUser, 40),
	}
	trimmed, start := ContextTrimmer{}.Trim(history, 1, 1)
	if start > 1 {
		t.Errorf("start = %d, should never trim past the summary anchor at index 1", start)
	}
	if len(trimmed) == 0 || trimmed[0].Role != RoleModel || !trimmed[0].IsSummary {
		t.Errorf("trimmed = %+v, expected to still include the summary message", trimmed)
	}
}

func TestContextTrimmer_KeepsFunctionCallResponsePairsTogether(t *testing.T) {
	call := Message{Role: RoleModel, Parts: []Part{
		NewTextPart(strings.Repeat("x", 4000)),
		NewFunctionCallPart("1", "Read", nil),
	}}
	resp := Message{Role: RoleUser, IsFunctionResponse: true, Parts: []Part{
		NewFunctionResponsePart("1", "Read", nil, nil),
	}}
	tail := textMsg(RoleUser, 40)
	history := []Message{call, resp, tail}

	trimmed, start := ContextTrimmer{}.Trim(history, -1, 1)

	// The call and its paired response must be dropped together, never
	// leaving an orphaned function response at the front.
	if start > 0 {
		if trimmed[0].IsFunctionResponse {
			t.Errorf("dropped the function call but kept its orphaned response: trimmed = %+v", trimmed)
		}
	}
}
