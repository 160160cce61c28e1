package engine

import "encoding/json"

// LocateTools is the fixed tool allow-list locate mode restricts a turn to:
// read-only search/inspection tools, never an editor.
var LocateTools = []string{"search_in_files", "find_files", "read_file", "get_errors", "get_usages", "open_file"}

// LocateCarryoverPayload is the structure stored under MetaLocateCarryover
// when a locate-mode turn completes: a short synopsis the next, unrestricted
// turn is primed with as extra task context.
type LocateCarryoverPayload struct {
	Summary string `json:"summary"`
}

// SetLocateCarryover records a synopsis of a completed locate-mode turn so
// the next ordinary chat call can be primed with it.
func SetLocateCarryover(store ConversationStore, conversationID, summary string) {
	if summary == "" {
		return
	}
	raw, err := json.Marshal(LocateCarryoverPayload{Summary: summary})
	if err != nil {
		return
	}
	store.SetCustomMetadata(conversationID, MetaLocateCarryover, raw)
}

// TakeLocateCarryover reads and clears any pending carry-over synopsis for
// the next turn.
func TakeLocateCarryover(store ConversationStore, conversationID string) (string, bool) {
	raw, ok := store.GetCustomMetadata(conversationID, MetaLocateCarryover)
	if !ok || len(raw) == 0 {
		return "", false
	}
	var payload LocateCarryoverPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false
	}
	store.SetCustomMetadata(conversationID, MetaLocateCarryover, nil)
	return payload.Summary, payload.Summary != ""
}
