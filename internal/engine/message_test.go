package engine

import (
	"encoding/json"
	"testing"
)

func TestMessage_TextAndThinking(t *testing.T) {
	m := Message{Parts: []Part{
		NewTextPart("hello "),
		NewThoughtPart("pondering "),
		NewTextPart("world"),
		NewThoughtPart("more thought"),
	}}

	if got := m.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
	if got := m.Thinking(); got != "pondering more thought" {
		t.Errorf("Thinking() = %q, want %q", got, "pondering more thought")
	}
}

func TestPart_IsAttachment(t *testing.T) {
	tests := []struct {
		name string
		part Part
		want bool
	}{
		{"text", NewTextPart("x"), false},
		{"inline data", NewInlineDataPart("image/png", "AAAA", "x.png"), true},
		{"file data", NewFileDataPart("image/png", "file://x", "x.png"), true},
		{"function call", NewFunctionCallPart("id", "Tool", nil), false},
	}
	for _, tt := range tests {
		if got := tt.part.IsAttachment(); got != tt.want {
			t.Errorf("%s: IsAttachment() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewFunctionCallPart_SynthesizesID(t *testing.T) {
	p := NewFunctionCallPart("", "Tool", nil)
	if p.CallID == "" {
		t.Fatal("expected a synthesized call id")
	}
	p2 := NewFunctionCallPart("explicit", "Tool", nil)
	if p2.CallID != "explicit" {
		t.Errorf("CallID = %q, want explicit", p2.CallID)
	}
}

func TestMessage_FunctionCallsAndHasFunctionCalls(t *testing.T) {
	m := Message{Parts: []Part{
		NewTextPart("thinking"),
		NewFunctionCallPart("1", "Read", json.RawMessage(`{"file":"a"}`)),
		NewFunctionCallPart("2", "Edit", json.RawMessage(`{}`)),
	}}

	if !m.HasFunctionCalls() {
		t.Fatal("expected HasFunctionCalls to be true")
	}
	calls := m.FunctionCalls()
	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0].Name != "Read" || calls[1].Name != "Edit" {
		t.Errorf("unexpected call order/names: %+v", calls)
	}

	empty := Message{Parts: []Part{NewTextPart("no calls here")}}
	if empty.HasFunctionCalls() {
		t.Error("expected HasFunctionCalls to be false")
	}
}

func TestMessage_StripInternalMarkers(t *testing.T) {
	m := Message{Parts: []Part{
		NewTextPart("keep me"),
		NewInternalMarkerPart("continuation", json.RawMessage(`{}`)),
		NewTextPart("keep me too"),
	}}
	stripped := m.StripInternalMarkers()
	if len(stripped.Parts) != 2 {
		t.Fatalf("len(Parts) = %d, want 2", len(stripped.Parts))
	}
	for _, p := range stripped.Parts {
		if p.Kind == PartInternalMarker {
			t.Error("internal marker part survived stripping")
		}
	}
	// Original is untouched.
	if len(m.Parts) != 3 {
		t.Error("StripInternalMarkers should not mutate the receiver's Parts")
	}
}

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		raw string
		want Role
		ok bool
	}{
		{"user", RoleUser, true},
		{"human", RoleUser, true},
		{"model", RoleModel, true},
		{"assistant", RoleModel, true},
		{"bot", RoleModel, true},
		{"ai", RoleModel, true},
		{"system", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeRole(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeRole(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestToolResultToFunctionResponsePart(t *testing.T) {
	t.Run("normal response", func(t *testing.T) {
		p := ToolResultToFunctionResponsePart(ToolResult{ID: "1", Name: "Read", Response: json.RawMessage(`{"ok":true}`)})
		if string(p.RespResponse) != `{"ok":true}` {
			t.Errorf("RespResponse = %s", p.RespResponse)
		}
	})
	t.Run("rejected overrides response", func(t *testing.T) {
		p := ToolResultToFunctionResponsePart(ToolResult{ID: "1", Name: "Edit", Response: json.RawMessage(`{"ok":true}`), Rejected: true})
		if string(p.RespResponse) != `{"rejected":true}` {
			t.Errorf("RespResponse = %s, want rejected marker", p.RespResponse)
		}
	})
	t.Run("empty response defaults to empty object", func(t *testing.T) {
		p := ToolResultToFunctionResponsePart(ToolResult{ID: "1", Name: "Edit"})
		if string(p.RespResponse) != `{}` {
			t.Errorf("RespResponse = %s, want {}", p.RespResponse)
		}
	})
}

func TestConversation_LastSummaryIndex(t *testing.T) {
	c := Conversation{Messages: []Message{
		{Role: RoleUser},
		{Role: RoleModel, IsSummary: true},
		{Role: RoleUser},
		{Role: RoleModel},
	}}
	if got := c.LastSummaryIndex(); got != 1 {
		t.Errorf("LastSummaryIndex() = %d, want 1", got)
	}

	none := Conversation{Messages: []Message{{Role: RoleUser}}}
	if got := none.LastSummaryIndex(); got != -1 {
		t.Errorf("LastSummaryIndex() = %d, want -1", got)
	}
}

func TestConversation_OrphanedCalls(t *testing.T) {
	t.Run("no messages", func(t *testing.T) {
		c := Conversation{}
		if got := c.OrphanedCalls(); got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})

	t.Run("last message not from model", func(t *testing.T) {
		c := Conversation{Messages: []Message{{Role: RoleUser}}}
		if got := c.OrphanedCalls(); got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})

	t.Run("all calls answered", func(t *testing.T) {
		c := Conversation{Messages: []Message{
			{Role: RoleModel, Parts: []Part{NewFunctionCallPart("1", "Read", nil)}},
			{Role: RoleUser, Parts: []Part{NewFunctionResponsePart("1", "Read", json.RawMessage(`{}`), nil)}},
		}}
		if got := c.OrphanedCalls(); len(got) != 0 {
			t.Errorf("expected no orphans, got %+v", got)
		}
	})

	t.Run("unanswered call is orphaned", func(t *testing.T) {
		c := Conversation{Messages: []Message{
			{Role: RoleModel, Parts: []Part{
					NewFunctionCallPart("1", "Read", nil),
					NewFunctionCallPart("2", "Edit", nil),
				}},
		}}
		orphans := c.OrphanedCalls()
		if len(orphans) != 2 {
			t.Fatalf("len(orphans) = %d, want 2", len(orphans))
		}
	})
}
