package engine

import (
	"encoding/json"
	"strings"
)

// Well-known customMetadata keys.
const (
	MetaOpenAIResponsesContinuation = "openaiResponsesContinuation"
	MetaOpenAIResponsesFeatures = "openaiResponsesFeatures"
	MetaOpenAIResponsesPromptCacheKey = "openaiResponsesPromptCacheKey"
	MetaPinnedPrompt = "pinnedPrompt"
	MetaPinnedSelections = "pinnedSelections"
	MetaLocateCarryover = "locateCarryover"
	MetaPlanRunner = "planRunner"
)

// ContinuationState is the {configId, previousResponseId,
// lastSyncedHistoryLength} tuple persisted under MetaOpenAIResponsesContinuation.
type ContinuationState struct {
	ConfigID string `json:"configId"`
	PreviousResponseID string `json:"previousResponseId"`
	LastSyncedHistoryLength int `json:"lastSyncedHistoryLength"`
}

// ContinuationFeatures is the {configId, disablePreviousResponseId?,
// disablePromptCacheKey?} tuple persisted under MetaOpenAIResponsesFeatures.
type ContinuationFeatures struct {
	ConfigID string `json:"configId"`
	DisablePreviousResponseID bool `json:"disablePreviousResponseId,omitempty"`
	DisablePromptCacheKey bool `json:"disablePromptCacheKey,omitempty"`
}

// PromptCacheKeyState is the {configId, key} tuple persisted under
// MetaOpenAIResponsesPromptCacheKey.
type PromptCacheKeyState struct {
	ConfigID string `json:"configId"`
	Key string `json:"key"`
}

// ContinuationCache tracks per-conversation provider-stateful handles and
// capability-disable flags learned from 400-class errors, persisted via
// the ConversationStore's customMetadata. The error-probing substring
// match follows the same error-body sniffing idiom as a classifier
// switching on error substrings, applied to the two specific substrings
// it names.
type ContinuationCache struct {
	Store ConversationStore
}

// Hints is what a formatter needs injected into BuildRequestInput for one
// request.
type Hints struct {
	PreviousResponseID string
	PromptCacheKey string
	SendSuffixOnly bool
	SuffixStartIndex int
}

// PrepareHints computes the continuation hints for this request and
// clears stale state per the write rules.
func (c *ContinuationCache) PrepareHints(convID, configID string, fullHistoryLen int) Hints {
	state := c.readContinuation(convID)
	features := c.readFeatures(convID)

	if state != nil && state.ConfigID != configID {
		c.clearAll(convID)
		state = nil
		features = nil
	}

	var hints Hints
	if state != nil {
		switch {
		case state.LastSyncedHistoryLength > fullHistoryLen:
			// History was truncated since last sync: clear continuation.
			c.setContinuation(convID, nil)
		case state.LastSyncedHistoryLength > 0 && state.LastSyncedHistoryLength < fullHistoryLen:
			if features == nil || !features.DisablePreviousResponseID {
				hints.PreviousResponseID = state.PreviousResponseID
				hints.SendSuffixOnly = true
				hints.SuffixStartIndex = state.LastSyncedHistoryLength
			}
		}
	}

	if key := c.readPromptCacheKey(convID); key != nil {
		if features == nil || !features.DisablePromptCacheKey {
			hints.PromptCacheKey = key.Key
		}
	}
	return hints
}

// RecordCompletion updates continuation state after a successful request
// that produced a response id. suppressWrite covers a "stream_closed"
// inference case, where writing must be suppressed.
func (c *ContinuationCache) RecordCompletion(convID, configID, responseID string, fullHistoryLen int, suppressWrite bool) {
	if suppressWrite || responseID == "" {
		return
	}
	c.setContinuation(convID, &ContinuationState{
			ConfigID: configID,
			PreviousResponseID: responseID,
			LastSyncedHistoryLength: fullHistoryLen,
		})
	c.ensurePromptCacheKey(convID, configID)
}

// ensurePromptCacheKey synthesizes a prompt-cache-key hint the first time a
// conversation completes on a given channel, then leaves it untouched: the
// key only earns cache hits if it stays stable across a conversation's
// turns, so once set it is never regenerated except when the channel
// changes or a 400-class error disables the capability (ProbeAPIError).
func (c *ContinuationCache) ensurePromptCacheKey(convID, configID string) {
	features := c.readFeatures(convID)
	if features != nil && features.DisablePromptCacheKey {
		return
	}
	if existing := c.readPromptCacheKey(convID); existing != nil && existing.ConfigID == configID {
		return
	}
	c.setPromptCacheKey(convID, &PromptCacheKeyState{ConfigID: configID, Key: convID + ":" + configID})
}

// ClearConversation clears every continuation-related key — used by retry
// (OpenAI-Responses continuation) and editAndRetry/deleteToIndex.
func (c *ContinuationCache) ClearConversation(convID string) {
	c.clearAll(convID)
}

// ProbeAPIError inspects a 4xx API error body for the two substrings
// below and, on match, disables the corresponding feature and clears
// the relevant state, returning whether the caller should retry once more.
func (c *ContinuationCache) ProbeAPIError(convID, configID string, apiErr *Error, fallbacksUsed int) (shouldRetry bool) {
	if fallbacksUsed >= 2 || apiErr.Status < 400 || apiErr.Status >= 500 {
		return false
	}
	body := strings.ToLower(apiErr.Body)
	features := c.readFeatures(convID)
	if features == nil {
		features = &ContinuationFeatures{ConfigID: configID}
	}
	retried := false
	if strings.Contains(body, "previous_response_id") && !features.DisablePreviousResponseID {
		features.DisablePreviousResponseID = true
		c.setContinuation(convID, nil)
		retried = true
	}
	if strings.Contains(body, "prompt_cache_key") && !features.DisablePromptCacheKey {
		features.DisablePromptCacheKey = true
		c.setPromptCacheKey(convID, nil)
		retried = true
	}
	if retried {
		c.writeJSON(convID, MetaOpenAIResponsesFeatures, features)
	}
	return retried
}

func (c *ContinuationCache) readContinuation(convID string) *ContinuationState {
	var s ContinuationState
	if !c.readJSON(convID, MetaOpenAIResponsesContinuation, &s) {
		return nil
	}
	return &s
}

func (c *ContinuationCache) setContinuation(convID string, s *ContinuationState) {
	if s == nil {
		c.Store.SetCustomMetadata(convID, MetaOpenAIResponsesContinuation, nil)
		return
	}
	c.writeJSON(convID, MetaOpenAIResponsesContinuation, s)
}

func (c *ContinuationCache) readFeatures(convID string) *ContinuationFeatures {
	var f ContinuationFeatures
	if !c.readJSON(convID, MetaOpenAIResponsesFeatures, &f) {
		return nil
	}
	return &f
}

func (c *ContinuationCache) readPromptCacheKey(convID string) *PromptCacheKeyState {
	var k PromptCacheKeyState
	if !c.readJSON(convID, MetaOpenAIResponsesPromptCacheKey, &k) {
		return nil
	}
	return &k
}

func (c *ContinuationCache) setPromptCacheKey(convID string, k *PromptCacheKeyState) {
	if k == nil {
		c.Store.SetCustomMetadata(convID, MetaOpenAIResponsesPromptCacheKey, nil)
		return
	}
	c.writeJSON(convID, MetaOpenAIResponsesPromptCacheKey, k)
}

func (c *ContinuationCache) clearAll(convID string) {
	c.Store.SetCustomMetadata(convID, MetaOpenAIResponsesContinuation, nil)
	c.Store.SetCustomMetadata(convID, MetaOpenAIResponsesFeatures, nil)
	c.Store.SetCustomMetadata(convID, MetaOpenAIResponsesPromptCacheKey, nil)
}

func (c *ContinuationCache) readJSON(convID, key string, v any) bool {
	raw, ok := c.Store.GetCustomMetadata(convID, key)
	if !ok || len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (c *ContinuationCache) writeJSON(convID, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Store.SetCustomMetadata(convID, key, raw)
}
