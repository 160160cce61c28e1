package engine

import (
	"context"
	"encoding/json"
	"testing"
)

// fakeMetadataStore implements ConversationStore, exercising only the
// customMetadata methods ContinuationCache actually calls.
type fakeMetadataStore struct {
	meta map[string]map[string]json.RawMessage
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{meta: map[string]map[string]json.RawMessage{}}
}

func (f *fakeMetadataStore) GetHistory(ctx context.Context, id string) ([]Message, error) {
	return nil, nil
}
func (f *fakeMetadataStore) GetMessage(ctx context.Context, id string, index int) (*Message, error) {
	return nil, nil
}
func (f *fakeMetadataStore) AddContent(ctx context.Context, id string, msg Message) error {
	return nil
}
func (f *fakeMetadataStore) UpdateMessage(ctx context.Context, id string, index int, patch Message) error {
	return nil
}
func (f *fakeMetadataStore) DeleteToMessage(ctx context.Context, id string, fromIndex int) (int, error) {
	return 0, nil
}

func (f *fakeMetadataStore) GetCustomMetadata(id, key string) (json.RawMessage, bool) {
	m, ok := f.meta[id]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func (f *fakeMetadataStore) SetCustomMetadata(id, key string, value json.RawMessage) {
	m, ok := f.meta[id]
	if !ok {
		m = map[string]json.RawMessage{}
		f.meta[id] = m
	}
	if value == nil {
		delete(m, key)
		return
	}
	m[key] = value
}

func TestContinuationCache_PrepareHints_NoState(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	hints := c.PrepareHints("conv1", "cfg1", 5)
	if hints.PreviousResponseID != "" || hints.SendSuffixOnly {
		t.Errorf("expected empty hints with no prior state, got %+v", hints)
	}
}

func TestContinuationCache_PrepareHints_SuffixOnlyAfterGrowth(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.RecordCompletion("conv1", "cfg1", "resp-1", 3, false)

	hints := c.PrepareHints("conv1", "cfg1", 5)
	if hints.PreviousResponseID != "resp-1" {
		t.Errorf("PreviousResponseID = %q, want resp-1", hints.PreviousResponseID)
	}
	if !hints.SendSuffixOnly || hints.SuffixStartIndex != 3 {
		t.Errorf("hints = %+v, want SendSuffixOnly=true SuffixStartIndex=3", hints)
	}
}

func TestContinuationCache_PrepareHints_TruncatedHistoryClears(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.RecordCompletion("conv1", "cfg1", "resp-1", 10, false)

	// History is now shorter than last sync -- e.g. an edit/delete happened.
	hints := c.PrepareHints("conv1", "cfg1", 4)
	if hints.PreviousResponseID != "" || hints.SendSuffixOnly {
		t.Errorf("expected cleared hints after truncation, got %+v", hints)
	}

	// The clear should persist: a follow-up call with a now-consistent
	// length should still start fresh, not resurrect stale state.
	hints2 := c.PrepareHints("conv1", "cfg1", 4)
	if hints2.PreviousResponseID != "" {
		t.Errorf("expected state to remain cleared, got %+v", hints2)
	}
}

func TestContinuationCache_PrepareHints_ConfigChangeClearsAll(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.RecordCompletion("conv1", "cfg1", "resp-1", 3, false)

	hints := c.PrepareHints("conv1", "cfg2", 5)
	if hints.PreviousResponseID != "" {
		t.Errorf("expected no continuation across a config change, got %+v", hints)
	}
}

func TestContinuationCache_RecordCompletion_SuppressedOrEmpty(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.RecordCompletion("conv1", "cfg1", "resp-1", 3, true)
	if c.readContinuation("conv1") != nil {
		t.Error("expected no state written when suppressWrite is true")
	}

	c.RecordCompletion("conv1", "cfg1", "", 3, false)
	if c.readContinuation("conv1") != nil {
		t.Error("expected no state written when responseID is empty")
	}
}

func TestContinuationCache_ClearConversation(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.RecordCompletion("conv1", "cfg1", "resp-1", 3, false)
	c.writeJSON("conv1", MetaOpenAIResponsesPromptCacheKey, &PromptCacheKeyState{ConfigID: "cfg1", Key: "k1"})

	c.ClearConversation("conv1")

	if c.readContinuation("conv1") != nil {
		t.Error("expected continuation state cleared")
	}
	if c.readPromptCacheKey("conv1") != nil {
		t.Error("expected prompt cache key cleared")
	}
}

func TestContinuationCache_ProbeAPIError_DisablesPreviousResponseID(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.RecordCompletion("conv1", "cfg1", "resp-1", 3, false)

	shouldRetry := c.ProbeAPIError("conv1", "cfg1", &Error{Status: 400, Body: "Unknown parameter: 'previous_response_id'"}, 0)
	if !shouldRetry {
		t.Fatal("expected ProbeAPIError to signal retry")
	}
	if c.readContinuation("conv1") != nil {
		t.Error("expected continuation state cleared after disabling previous_response_id")
	}
	features := c.readFeatures("conv1")
	if features == nil || !features.DisablePreviousResponseID {
		t.Errorf("expected DisablePreviousResponseID feature set, got %+v", features)
	}

	// A later request should no longer ask for previous_response_id.
	c.RecordCompletion("conv1", "cfg1", "resp-2", 3, false)
	hints := c.PrepareHints("conv1", "cfg1", 5)
	if hints.PreviousResponseID != "" {
		t.Errorf("expected previous_response_id to stay disabled, got %+v", hints)
	}
}

func TestContinuationCache_RecordCompletion_SynthesizesPromptCacheKey(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.RecordCompletion("conv1", "cfg1", "resp-1", 3, false)

	key := c.readPromptCacheKey("conv1")
	if key == nil || key.Key == "" {
		t.Fatal("expected a prompt cache key to be synthesized")
	}
	hints := c.PrepareHints("conv1", "cfg1", 5)
	if hints.PromptCacheKey != key.Key {
		t.Errorf("hints.PromptCacheKey = %q, want %q", hints.PromptCacheKey, key.Key)
	}

	// A second completion on the same channel reuses the same key, since
	// the whole point is a stable prefix across turns.
	c.RecordCompletion("conv1", "cfg1", "resp-2", 4, false)
	if got := c.readPromptCacheKey("conv1"); got == nil || got.Key != key.Key {
		t.Errorf("expected the prompt cache key to stay stable, got %+v", got)
	}
}

func TestContinuationCache_RecordCompletion_DoesNotSynthesizeWhenDisabled(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.writeJSON("conv1", MetaOpenAIResponsesFeatures, &ContinuationFeatures{ConfigID: "cfg1", DisablePromptCacheKey: true})

	c.RecordCompletion("conv1", "cfg1", "resp-1", 3, false)
	if c.readPromptCacheKey("conv1") != nil {
		t.Error("expected no prompt cache key when the feature is disabled")
	}
}

func TestContinuationCache_ProbeAPIError_DisablesPromptCacheKey(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}
	c.writeJSON("conv1", MetaOpenAIResponsesPromptCacheKey, &PromptCacheKeyState{ConfigID: "cfg1", Key: "k1"})

	shouldRetry := c.ProbeAPIError("conv1", "cfg1", &Error{Status: 400, Body: "unrecognized field prompt_cache_key"}, 0)
	if !shouldRetry {
		t.Fatal("expected ProbeAPIError to signal retry")
	}
	if c.readPromptCacheKey("conv1") != nil {
		t.Error("expected prompt cache key cleared")
	}
}

func TestContinuationCache_ProbeAPIError_IgnoresUnrelatedOrExhausted(t *testing.T) {
	c := &ContinuationCache{Store: newFakeMetadataStore()}

	if c.ProbeAPIError("conv1", "cfg1", &Error{Status: 400, Body: "some other error"}, 0) {
		t.Error("expected no retry for an unrelated 400 body")
	}
	if c.ProbeAPIError("conv1", "cfg1", &Error{Status: 500, Body: "previous_response_id"}, 0) {
		t.Error("expected no retry for a 5xx status")
	}
	if c.ProbeAPIError("conv1", "cfg1", &Error{Status: 400, Body: "previous_response_id"}, 2) {
		t.Error("expected no retry once fallbacksUsed reaches 2")
	}
}
