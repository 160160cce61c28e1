// Package engine implements the conversation tool-loop: request assembly,
// stream accumulation, tool-call dispatch, and the outer iteration loop that
// drives a channel until the model stops calling tools.
package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is the canonical message role. Providers use assorted aliases
// (assistant/bot/ai, human); NormalizeRole maps them onto these two.
type Role string

const (
	RoleUser Role = "user"
	RoleModel Role = "model"
)

// PartKind tags the variant a Part holds.
type PartKind int

const (
	PartText PartKind = iota
	PartInlineData
	PartFileData
	PartFunctionCall
	PartFunctionResponse
	PartInternalMarker
)

// InternalMarkerMIME names the content type of stateful-continuation
// hints. InternalMarker parts are recognised by Kind (NewInternalMarkerPart
// sets no MimeType) and are never forwarded to a provider; every
// ProviderFormatter strips them during history normalization.
const InternalMarkerMIME = "application/x-symbloop-openai-responses-stateful-marker"

// Part is a tagged union over the six part variants it defines.
// Only the fields relevant to Kind are populated; callers must switch on
// Kind rather than infer it from which fields are set.
type Part struct {
	Kind PartKind

	// Text
	Text string
	Thought bool
	ThoughtSignatures map[string]string // providerTag -> signature

	// InlineData
	MimeType string
	Base64 string
	DisplayName string

	// FileData
	URI string

	// FunctionCall
	CallID string
	CallName string
	CallArgs json.RawMessage

	// FunctionResponse
	RespID string
	RespName string
	RespResponse json.RawMessage
	RespParts []Part // multimodal siblings re-surfaced on replay

	// InternalMarker
	MarkerKind string
	MarkerPayload json.RawMessage
}

func NewTextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

func NewThoughtPart(text string) Part {
	return Part{Kind: PartText, Text: text, Thought: true}
}

func NewInlineDataPart(mimeType, base64, displayName string) Part {
	return Part{Kind: PartInlineData, MimeType: mimeType, Base64: base64, DisplayName: displayName}
}

func NewFileDataPart(mimeType, uri, displayName string) Part {
	return Part{Kind: PartFileData, MimeType: mimeType, URI: uri, DisplayName: displayName}
}

func NewFunctionCallPart(id, name string, args json.RawMessage) Part {
	if id == "" {
		id = SynthesizeToolCallID()
	}
	return Part{Kind: PartFunctionCall, CallID: id, CallName: name, CallArgs: args}
}

func NewFunctionResponsePart(id, name string, response json.RawMessage, multimodal []Part) Part {
	return Part{Kind: PartFunctionResponse, RespID: id, RespName: name, RespResponse: response, RespParts: multimodal}
}

func NewInternalMarkerPart(kind string, payload json.RawMessage) Part {
	return Part{Kind: PartInternalMarker, MarkerKind: kind, MarkerPayload: payload}
}

// IsAttachment reports whether a part carries binary/file content rather
// than structural information (used when deciding what to re-surface as a
// sibling on FunctionResponse replay).
func (p Part) IsAttachment() bool {
	return p.Kind == PartInlineData || p.Kind == PartFileData
}

// SynthesizeToolCallID produces a fresh id for providers that omit one on
// their native function-call wire representation.
func SynthesizeToolCallID() string {
	return "fc_" + uuid.NewString()
}

// ContextSnapshot captures the assembled request shape for debugging/UI,
// populated by the ContextAssembler.
type ContextSnapshot struct {
	SystemInstructionPreview string
	Modules []string // module titles split on "====\n\n<TITLE>\n\n" markers
	ToolCount int
	MCPToolCount int
	Trim TrimSummary
}

// TrimSummary records what the ContextTrimmer did for a given turn.
type TrimSummary struct {
	FullHistoryCount int
	TrimmedHistoryCount int
	TrimStartIndex int
	LastSummaryIndex int
}

// Usage is token-accounting for one model response.
type Usage struct {
	InputTokens int
	OutputTokens int
}

// Message is the canonical, provider-agnostic conversation entry.
type Message struct {
	Role Role
	Parts []Part

	IsFunctionResponse bool // a user message that is really a tool-response envelope
	IsSummary bool // a condensed turn acting as a history anchor

	SelectionReferences []string
	ContextOverrides map[string]any

	Usage *Usage
	FinishReason string
	ModelVersion string
	ResponseID string

	ChunkCount int
	FirstChunkTime time.Time
	ResponseDuration time.Duration
	StreamDuration time.Duration
	ThinkingStartTime time.Time
	ThinkingDuration time.Duration

	ContextSnapshot *ContextSnapshot
	TaskContext string

	// CheckpointID is the delta-tracker turn id (FlowFacade.CheckpointFunc's
	// return value) active while this message's iteration ran, if any.
	CheckpointID string

	CreatedAt time.Time
}

// Text concatenates every non-thought text part, in order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText && !p.Thought {
			out += p.Text
		}
	}
	return out
}

// Thinking concatenates every thought-bearing text part, in order.
func (m Message) Thinking() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText && p.Thought {
			out += p.Text
		}
	}
	return out
}

// ToolCall is the dispatch-facing projection of a FunctionCall part.
type ToolCall struct {
	ID string
	Name string
	Arguments json.RawMessage
}

// ToolResult is the dispatch-facing input to a FunctionResponse part.
type ToolResult struct {
	ID string
	Name string
	Response json.RawMessage
	Multimodal []Part
	Cancelled bool
	Rejected bool
}

// FunctionCalls extracts every FunctionCall part as a ToolCall.
func (m Message) FunctionCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartFunctionCall {
			calls = append(calls, ToolCall{ID: p.CallID, Name: p.CallName, Arguments: p.CallArgs})
		}
	}
	return calls
}

// HasFunctionCalls reports whether the message contains at least one
// FunctionCall part.
func (m Message) HasFunctionCalls() bool {
	for _, p := range m.Parts {
		if p.Kind == PartFunctionCall {
			return true
		}
	}
	return false
}

// StripInternalMarkers returns a copy of the message with every
// InternalMarker part removed. Every ProviderFormatter must call this
// before building an outgoing request.
func (m Message) StripInternalMarkers() Message {
	out := m
	out.Parts = nil
	for _, p := range m.Parts {
		if p.Kind == PartInternalMarker {
			continue
		}
		out.Parts = append(out.Parts, p)
	}
	return out
}

// NormalizeRole maps known role aliases onto the canonical Role set.
// Unknown roles return ("", false).
func NormalizeRole(raw string) (Role, bool) {
	switch raw {
	case "user", "human":
		return RoleUser, true
	case "model", "assistant", "bot", "ai":
		return RoleModel, true
	default:
		return "", false
	}
}

// ToolResultToFunctionResponsePart converts a dispatch result into its wire
// representation as a FunctionResponse part.
func ToolResultToFunctionResponsePart(r ToolResult) Part {
	resp := r.Response
	if r.Rejected {
		resp = json.RawMessage(`{"rejected":true}`)
	}
	if len(resp) == 0 {
		resp = json.RawMessage(`{}`)
	}
	return NewFunctionResponsePart(r.ID, r.Name, resp, r.Multimodal)
}

// Conversation is an ordered sequence of Messages plus free-form metadata,
// owned by a ConversationStore implementation. The engine only ever holds
// borrowed references to it per request.
type Conversation struct {
	ID string
	Messages []Message
	CustomMetadata map[string]json.RawMessage
}

// LastSummaryIndex returns the index of the last IsSummary=true message, or
// -1 if there is none. Nothing before this index is ever replayed to a
// provider; the summary message itself heads the replayed history.
func (c Conversation) LastSummaryIndex() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].IsSummary {
			return i
		}
	}
	return -1
}

// OrphanedCalls returns FunctionCall ids from the last model message that
// have no matching FunctionResponse anywhere in the conversation — the "orphaned
// call" recovery path `retry` must run before continuing.
func (c Conversation) OrphanedCalls() []ToolCall {
	if len(c.Messages) == 0 {
		return nil
	}
	last := c.Messages[len(c.Messages)-1]
	if last.Role != RoleModel {
		return nil
	}
	calls := last.FunctionCalls()
	if len(calls) == 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range c.Messages {
		for _, p := range m.Parts {
			if p.Kind == PartFunctionResponse {
				answered[p.RespID] = true
			}
		}
	}
	var orphans []ToolCall
	for _, c := range calls {
		if !answered[c.ID] {
			orphans = append(orphans, c)
		}
	}
	return orphans
}
