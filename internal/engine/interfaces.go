package engine

import (
	"context"
	"encoding/json"
)

// ConversationStore is the persistence interface the engine consumes;
// internal/store implements it.
type ConversationStore interface {
	GetHistory(ctx context.Context, id string) ([]Message, error)
	GetMessage(ctx context.Context, id string, index int) (*Message, error)
	AddContent(ctx context.Context, id string, msg Message) error
	UpdateMessage(ctx context.Context, id string, index int, patch Message) error
	// DeleteToMessage truncates the conversation starting at fromIndex
	// (inclusive) and returns the number of messages deleted.
	DeleteToMessage(ctx context.Context, id string, fromIndex int) (int, error)

	GetCustomMetadata(id string, key string) (json.RawMessage, bool)
	SetCustomMetadata(id string, key string, value json.RawMessage)
}

// InvokeRequest is the dispatch-time input to ToolRegistry.Invoke.
type InvokeRequest struct {
	ID string
	Name string
	Args json.RawMessage
	ConversationID string
	MessageIndex int
}

// ToolRegistry is the tool-dispatch interface the engine consumes.
// internal/mcp.Proxy (+ internal/mcptools handlers) implements it.
type ToolRegistry interface {
	GetDeclarationsFiltered(predicate func(ToolDecl) bool) []ToolDecl
	Invoke(ctx context.Context, req InvokeRequest) (ToolResult, error)
	NeedsConfirmation(call ToolCall) bool
}

// WorkspaceContext is the editor-surface adapter the engine consumes:
// pinned files, workspace file tree, active editor, open tabs, environment;
// internal/workspace implements it.
type WorkspaceContext interface {
	BaseSystemPromptProvider
	PinnedPromptBlock() string
	SelectionReferencesBlock(refs []string) string
}

// GenerateResult wraps one finalized model Message. ChannelManager has no
// non-streaming method; Stream returns the Message directly.
type GenerateResult struct {
	Message Message
}

// RetryStatusCallback lets a caller observe retry attempts as they happen.
type RetryStatusCallback func(attempt int, err error, delayMS int64)

// GenerateRequest bundles ChannelManager.Stream's input.
type GenerateRequest struct {
	ConfigID string
	History []Message
	DynamicSystemPrompt string
	PreviousResponseID string
	PromptCacheKey string
	SkipTools bool
	Tools []ToolDecl
	OnRetry RetryStatusCallback
}

// ChannelManager is the provider-facing interface the driver consumes:
// it owns channel configuration lookup, formatter selection, and issuing
// the HTTP request/stream.
type ChannelManager interface {
	Channel(configID string) (ChannelConfig, bool)
	GetToolDeclarationsForPreview(cfg ChannelConfig) []ToolDecl
	// Stream issues a streaming request and invokes onDelta for every
	// chunk in order, returning the finalized message once the stream
	// completes (or a partial message plus the originating error on
	// failure/cancellation).
	Stream(ctx context.Context, req GenerateRequest, onDelta func(StreamDelta)) (Message, error)
}
