package mcptools

import (
	"context"
	"strings"
	"testing"

	"github.com/xonecas/symbloop/internal/engine"
	"github.com/xonecas/symbloop/internal/mcp"
	"github.com/xonecas/symbloop/internal/shell"
)

// fakeChannelManager satisfies engine.ChannelManager for tests that never
// expect to actually reach a provider (argument-validation failures return
// before SubAgentHandler.Handle touches the channel).
type fakeChannelManager struct {
	has bool
}

func (f *fakeChannelManager) Channel(configID string) (engine.ChannelConfig, bool) {
	return engine.ChannelConfig{ID: configID}, f.has
}

func (f *fakeChannelManager) GetToolDeclarationsForPreview(cfg engine.ChannelConfig) []engine.ToolDecl {
	return nil
}

func (f *fakeChannelManager) Stream(ctx context.Context, req engine.GenerateRequest, onDelta func(engine.StreamDelta)) (engine.Message, error) {
	panic("Stream should not be called in this test")
}

func newTestSubAgentHandler(t *testing.T, has bool) *SubAgentHandler {
	t.Helper()
	sh := shell.New(t.TempDir(), nil)
	return NewSubAgentHandler(&fakeChannelManager{has: has}, "test-channel", nil, nil, sh, nil, "", nil)
}

func TestSubAgentHandler_EmptyPrompt(t *testing.T) {
	h := newTestSubAgentHandler(t, true)
	result, err := h.Handle(context.Background(), []byte(`{"prompt":""}`))
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error on empty prompt")
	}
}

func TestSubAgentHandler_InvalidArguments(t *testing.T) {
	h := newTestSubAgentHandler(t, true)
	result, err := h.Handle(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error on invalid JSON")
	}
}

func TestSubAgentHandler_MaxIterationsTooLarge(t *testing.T) {
	h := newTestSubAgentHandler(t, true)
	result, err := h.Handle(context.Background(), []byte(`{"prompt":"do something","max_iterations":1000}`))
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error on over-large max_iterations")
	}
}

func TestSubAgentHandler_ChannelNotFound(t *testing.T) {
	h := newTestSubAgentHandler(t, false)
	result, err := h.Handle(context.Background(), []byte(`{"prompt":"do something"}`))
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error when channel lookup fails")
	}
	if !strings.Contains(result.Content[0].Text, "channel not found") {
		t.Errorf("unexpected message: %s", result.Content[0].Text)
	}
}

func TestSubAgentHandler_CancelledContext(t *testing.T) {
	h := newTestSubAgentHandler(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := h.Handle(ctx, []byte(`{"prompt":"do something"}`))
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error on cancelled context")
	}
}

func TestNewSubAgentHandler_PanicsOnNilChannel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nil channel")
		}
	}()
	NewSubAgentHandler(nil, "", nil, nil, shell.New(t.TempDir(), nil), nil, "", nil)
}

func TestNewSubAgentHandler_PanicsOnNilShell(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nil shell")
		}
	}()
	NewSubAgentHandler(&fakeChannelManager{has: true}, "", nil, nil, nil, nil, "", nil)
}

func TestFilterSubAgentTool(t *testing.T) {
	tools := []mcp.Tool{{Name: "Read"}, {Name: "SubAgent"}, {Name: "Edit"}}
	filtered := filterSubAgentTool(tools)
	if len(filtered) != 2 {
		t.Fatalf("len(filtered) = %d, want 2", len(filtered))
	}
	for _, tl := range filtered {
		if tl.Name == "SubAgent" {
			t.Error("SubAgent tool should have been filtered out")
		}
	}
}

func TestBuildSubAgentSystemPrompt(t *testing.T) {
	prompt := buildSubAgentSystemPrompt()
	if prompt == "" {
		t.Fatal("expected non-empty system prompt")
	}
	if !strings.Contains(prompt, "sub-agent") {
		t.Errorf("expected prompt to describe the sub-agent role: %s", prompt)
	}
}

func TestRandomSuffix_Unique(t *testing.T) {
	a := randomSuffix()
	b := randomSuffix()
	if a == b {
		t.Errorf("expected distinct suffixes, got %q twice", a)
	}
}
