package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestQuoteJSON(t *testing.T) {
	if got := quoteJSON(`hi "there"`); got != `"hi \"there\""` {
		t.Errorf("quoteJSON() = %s", got)
	}
}

func TestErrorResponseJSON(t *testing.T) {
	got := errorResponseJSON(errors.New("boom"))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(got, &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if payload.Error != "boom" {
		t.Errorf("Error = %q", payload.Error)
	}
}

func TestAsEngineError(t *testing.T) {
	native := &Error{Code: ErrAPI, Message: "x"}
	if got := asEngineError(native, ErrNetwork); got != native {
		t.Error("expected the native *Error to pass through unchanged")
	}

	wrapped := asEngineError(errors.New("plain"), ErrNetwork)
	if wrapped.Code != ErrNetwork || wrapped.Message != "plain" {
		t.Errorf("wrapped = %+v", wrapped)
	}
}

func TestAppendToJSONString_ObjectGetsNoteField(t *testing.T) {
	got := appendToJSONString([]byte(`{"ok":true}`), "extra")
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(got, &payload); err != nil {
		t.Fatalf("invalid json: %v, got %s", err, got)
	}
	if string(payload["note"]) != `"extra"` {
		t.Errorf("note = %s", payload["note"])
	}
}

func TestAppendToJSONString_NonObjectFallsBackToQuoting(t *testing.T) {
	got := appendToJSONString([]byte(`"plain string"`), " extra")
	if string(got) != `"\"plain string\" extra"` {
		t.Errorf("got = %s", got)
	}
}

func TestBuildFunctionResponseMessage(t *testing.T) {
	results := []ToolResult{
		{ID: "1", Name: "Read", Response: json.RawMessage(`{"ok":true}`)},
		{ID: "2", Name: "Screenshot", Response: json.RawMessage(`{}`), Multimodal: []Part{NewInlineDataPart("image/png", "AAAA", "x.png")}},
	}
	msg := buildFunctionResponseMessage(results)

	if msg.Role != RoleUser || !msg.IsFunctionResponse {
		t.Fatalf("msg = %+v", msg)
	}
	// Attachments are emitted first, then the function-response parts in order.
	if len(msg.Parts) != 3 {
		t.Fatalf("Parts = %+v, want 3", msg.Parts)
	}
	if !msg.Parts[0].IsAttachment() {
		t.Errorf("expected attachment first, got %+v", msg.Parts[0])
	}
	if msg.Parts[1].Kind != PartFunctionResponse || msg.Parts[1].RespID != "1" {
		t.Errorf("Parts[1] = %+v", msg.Parts[1])
	}
	if msg.Parts[2].Kind != PartFunctionResponse || msg.Parts[2].RespID != "2" {
		t.Errorf("Parts[2] = %+v", msg.Parts[2])
	}
}

func TestInjectRepeatWarning(t *testing.T) {
	msg := Message{Parts: []Part{
		NewFunctionResponsePart("1", "Read", json.RawMessage(`{"ok":true}`), nil),
	}}
	injectRepeatWarning(&msg)
	if string(msg.Parts[0].RespResponse) == `{"ok":true}` {
		t.Error("expected the response json to be annotated with a warning")
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(msg.Parts[0].RespResponse, &payload); err != nil {
		t.Fatalf("invalid json after injection: %v", err)
	}
	if _, ok := payload["note"]; !ok {
		t.Error("expected a note field carrying the warning")
	}
}

// --- full-loop fakes ---

type fakeDriverStore struct {
	messages []Message
	meta map[string]json.RawMessage
}

func newFakeDriverStore() *fakeDriverStore {
	return &fakeDriverStore{meta: map[string]json.RawMessage{}}
}

func (s *fakeDriverStore) GetHistory(ctx context.Context, id string) ([]Message, error) {
	return append([]Message(nil), s.messages...), nil
}
func (s *fakeDriverStore) GetMessage(ctx context.Context, id string, index int) (*Message, error) {
	if index < 0 || index >= len(s.messages) {
		return nil, &Error{Code: ErrMessageNotFound}
	}
	return &s.messages[index], nil
}
func (s *fakeDriverStore) AddContent(ctx context.Context, id string, msg Message) error {
	s.messages = append(s.messages, msg)
	return nil
}
func (s *fakeDriverStore) UpdateMessage(ctx context.Context, id string, index int, patch Message) error {
	return nil
}
func (s *fakeDriverStore) DeleteToMessage(ctx context.Context, id string, fromIndex int) (int, error) {
	return 0, nil
}
func (s *fakeDriverStore) GetCustomMetadata(id, key string) (json.RawMessage, bool) {
	v, ok := s.meta[key]
	return v, ok
}
func (s *fakeDriverStore) SetCustomMetadata(id, key string, value json.RawMessage) {
	if value == nil {
		delete(s.meta, key)
		return
	}
	s.meta[key] = value
}

type fakeDriverChannelManager struct {
	cfg ChannelConfig
	// respond returns the message to hand back on each successive call.
	responses []Message
	call int
}

func (f *fakeDriverChannelManager) Channel(configID string) (ChannelConfig, bool) {
	return f.cfg, true
}
func (f *fakeDriverChannelManager) GetToolDeclarationsForPreview(cfg ChannelConfig) []ToolDecl {
	return nil
}
func (f *fakeDriverChannelManager) Stream(ctx context.Context, req GenerateRequest, onDelta func(StreamDelta)) (Message, error) {
	if f.call >= len(f.responses) {
		return Message{Role: RoleModel}, nil
	}
	msg := f.responses[f.call]
	f.call++
	onDelta(StreamDelta{Parts: msg.Parts, Done: true})
	return msg, nil
}

type fakeDriverTools struct {
	mu sync.Mutex
	invoked []string
}

func (f *fakeDriverTools) GetDeclarationsFiltered(predicate func(ToolDecl) bool) []ToolDecl {
	return nil
}
func (f *fakeDriverTools) Invoke(ctx context.Context, req InvokeRequest) (ToolResult, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, req.Name)
	f.mu.Unlock()
	return ToolResult{ID: req.ID, Name: req.Name, Response: json.RawMessage(`{"ok":true}`)}, nil
}
func (f *fakeDriverTools) NeedsConfirmation(call ToolCall) bool { return false }

type slowFakeTools struct {
	invokedAt func(name string)
}

func (slowFakeTools) GetDeclarationsFiltered(predicate func(ToolDecl) bool) []ToolDecl { return nil }
func (t slowFakeTools) Invoke(ctx context.Context, req InvokeRequest) (ToolResult, error) {
	if req.Name == "Slow" {
		time.Sleep(20 * time.Millisecond)
	}
	if t.invokedAt != nil {
		t.invokedAt(req.Name)
	}
	return ToolResult{ID: req.ID, Name: req.Name, Response: json.RawMessage(`{"ok":true}`)}, nil
}
func (slowFakeTools) NeedsConfirmation(call ToolCall) bool { return false }

func TestInvokeToolsConcurrently_PreservesOrderRegardlessOfCompletionOrder(t *testing.T) {
	var mu sync.Mutex
	var completionOrder []string
	tools := slowFakeTools{invokedAt: func(name string) {
		mu.Lock()
		completionOrder = append(completionOrder, name)
		mu.Unlock()
	}}
	calls := []ToolCall{
		{ID: "1", Name: "Slow"},
		{ID: "2", Name: "Fast"},
	}

	results := invokeToolsConcurrently(context.Background(), tools, "conv1", calls)

	if len(results) != 2 || results[0].Name != "Slow" || results[1].Name != "Fast" {
		t.Fatalf("results = %+v, want order preserved as [Slow, Fast]", results)
	}
	if len(completionOrder) != 2 || completionOrder[0] != "Fast" {
		t.Errorf("completionOrder = %v, want Fast to finish before Slow (proof of concurrency)", completionOrder)
	}
}

func TestInvokeToolsConcurrently_ErrorBecomesResponse(t *testing.T) {
	tools := &erroringTools{err: &Error{Code: ErrValidation, Message: "bad args"}}
	results := invokeToolsConcurrently(context.Background(), tools, "conv1", []ToolCall{{ID: "1", Name: "Edit"}})
	if len(results) != 1 || results[0].Response == nil {
		t.Fatalf("results = %+v, want a synthesized error response", results)
	}
}

type erroringTools struct {
	err error
}

func (*erroringTools) GetDeclarationsFiltered(predicate func(ToolDecl) bool) []ToolDecl { return nil }
func (e *erroringTools) Invoke(ctx context.Context, req InvokeRequest) (ToolResult, error) {
	return ToolResult{}, e.err
}
func (*erroringTools) NeedsConfirmation(call ToolCall) bool { return false }

type fakeDriverWorkspace struct{}

func (fakeDriverWorkspace) BaseSystemPrompt(forceRefresh bool) string { return "" }
func (fakeDriverWorkspace) PinnedPromptBlock() string { return "" }
func (fakeDriverWorkspace) SelectionReferencesBlock(refs []string) string { return "" }

func TestToolLoopDriver_Run_CompletesWithoutToolCalls(t *testing.T) {
	channel := &fakeDriverChannelManager{
		cfg: ChannelConfig{ID: "main", Enabled: true, Dialect: DialectOpenAIChat},
		responses: []Message{{Role: RoleModel, Parts: []Part{NewTextPart("final answer")}}},
	}
	store := newFakeDriverStore()
	tools := &fakeDriverTools{}

	driver := NewToolLoopDriver(ToolLoopDriverOptions{
		ConversationID: "conv1",
		ChannelConfigID: "main",
		Channel: channel,
		Store: store,
		Tools: tools,
		Workspace: fakeDriverWorkspace{},
		Continuation: &ContinuationCache{Store: store},
		Retry: &RetryPolicy{Config: ChannelConfig{}, Rand: rand.New(rand.NewSource(1))},
		Assembler: ContextAssembler{},
	})

	events := make(chan DriverEvent, 16)
	go driver.Run(context.Background(), events)

	var last DriverEvent
	for ev := range events {
		last = ev
	}
	if last.Kind != EventComplete {
		t.Fatalf("last event kind = %v, want EventComplete", last.Kind)
	}
	if last.Content.Text() != "final answer" {
		t.Errorf("Content.Text() = %q", last.Content.Text())
	}
}

func TestToolLoopDriver_Run_DispatchesToolCallsThenCompletes(t *testing.T) {
	channel := &fakeDriverChannelManager{
		cfg: ChannelConfig{ID: "main", Enabled: true, Dialect: DialectOpenAIChat},
		responses: []Message{
			{Role: RoleModel, Parts: []Part{NewFunctionCallPart("1", "Read", json.RawMessage(`{"path":"a.go"}`))}},
			{Role: RoleModel, Parts: []Part{NewTextPart("done")}},
		},
	}
	store := newFakeDriverStore()
	tools := &fakeDriverTools{}

	driver := NewToolLoopDriver(ToolLoopDriverOptions{
		ConversationID: "conv1",
		ChannelConfigID: "main",
		Channel: channel,
		Store: store,
		Tools: tools,
		Workspace: fakeDriverWorkspace{},
		Continuation: &ContinuationCache{Store: store},
		Retry: &RetryPolicy{Config: ChannelConfig{}, Rand: rand.New(rand.NewSource(1))},
		Assembler: ContextAssembler{},
	})

	events := make(chan DriverEvent, 16)
	go driver.Run(context.Background(), events)

	var kinds []EventKind
	var last DriverEvent
	for ev := range events {
		kinds = append(kinds, ev.Kind)
		last = ev
	}

	if last.Kind != EventComplete {
		t.Fatalf("last event kind = %v, want EventComplete", last.Kind)
	}
	if len(tools.invoked) != 1 || tools.invoked[0] != "Read" {
		t.Errorf("invoked = %v, want [Read]", tools.invoked)
	}

	foundExecuting := false
	for _, k := range kinds {
		if k == EventToolsExecuting {
			foundExecuting = true
		}
	}
	if !foundExecuting {
		t.Error("expected an EventToolsExecuting event in the stream")
	}
}

func TestToolLoopDriver_Run_ChannelNotFound(t *testing.T) {
	store := newFakeDriverStore()
	driver := NewToolLoopDriver(ToolLoopDriverOptions{
		ConversationID: "conv1",
		ChannelConfigID: "missing",
		Channel: &missingChannelManager{},
		Store: store,
		Tools: &fakeDriverTools{},
		Workspace: fakeDriverWorkspace{},
		Continuation: &ContinuationCache{Store: store},
		Retry: &RetryPolicy{Rand: rand.New(rand.NewSource(1))},
		Assembler: ContextAssembler{},
	})

	events := make(chan DriverEvent, 4)
	go driver.Run(context.Background(), events)

	var last DriverEvent
	for ev := range events {
		last = ev
	}
	if last.Kind != EventError || last.Err.Code != ErrConfigNotFound {
		t.Fatalf("last = %+v, want an ErrConfigNotFound EventError", last)
	}
}

type missingChannelManager struct{}

func (missingChannelManager) Channel(configID string) (ChannelConfig, bool) { return ChannelConfig{}, false }
func (missingChannelManager) GetToolDeclarationsForPreview(cfg ChannelConfig) []ToolDecl { return nil }
func (missingChannelManager) Stream(ctx context.Context, req GenerateRequest, onDelta func(StreamDelta)) (Message, error) {
	panic("Stream should not be called when the channel is missing")
}

func TestToolLoopDriver_Run_DisabledChannel(t *testing.T) {
	store := newFakeDriverStore()
	driver := NewToolLoopDriver(ToolLoopDriverOptions{
		ConversationID: "conv1",
		ChannelConfigID: "main",
		Channel: &fakeDriverChannelManager{cfg: ChannelConfig{ID: "main", Enabled: false}},
		Store: store,
		Tools: &fakeDriverTools{},
		Workspace: fakeDriverWorkspace{},
		Continuation: &ContinuationCache{Store: store},
		Retry: &RetryPolicy{Rand: rand.New(rand.NewSource(1))},
		Assembler: ContextAssembler{},
	})

	events := make(chan DriverEvent, 4)
	go driver.Run(context.Background(), events)

	var last DriverEvent
	for ev := range events {
		last = ev
	}
	if last.Kind != EventError || last.Err.Code != ErrConfigDisabled {
		t.Fatalf("last = %+v, want an ErrConfigDisabled EventError", last)
	}
}
