package engine

import (
	"context"
	"fmt"
	"time"
)

// ChatRequest is FlowFacade.Chat's input.
type ChatRequest struct {
	ConversationID string
	ChannelConfigID string
	Text string
	Attachments []Part
	SelectionRefs []string
	LocateMode bool
	Depth int
}

// ConfirmationRequest is FlowFacade.HandleToolConfirmation's input.
type ConfirmationRequest struct {
	ConversationID string
	ChannelConfigID string
	Confirmed []ToolCall
	Rejected []ToolCall
	Annotation string
	Depth int
}

// EditAndRetryRequest is FlowFacade.EditAndRetry's input.
type EditAndRetryRequest struct {
	ConversationID string
	ChannelConfigID string
	TargetIndex int
	NewParts []Part
	Depth int
}

// FlowFacade is the single entry point for a turn: chat / retry /
// editAndRetry / handleToolConfirmation / deleteToIndex / summarizeContext.
// Turn orchestration mirrors a conventional chat-loop shape, with checkpoint
// emission wired to internal/delta.Tracker (see DESIGN.md "Checkpoint/undo
// integration").
type FlowFacade struct {
	Store ConversationStore
	Tools ToolRegistry
	Workspace WorkspaceContext
	ChannelMgr ChannelManager
	Assembler ContextAssembler
	Continuation *ContinuationCache

	// CheckpointFunc creates a checkpoint and returns its id (wired to
	// delta.Tracker.BeginTurn by the CLI host).
	CheckpointFunc func(conversationID string) string
	// DeleteCheckpointsFrom deletes checkpoints at or after the given
	// turn id (wired to delta.Tracker.DeleteTurn).
	DeleteCheckpointsFrom func(conversationID string, fromTurnID string)

	MaxSubAgentDepth int
}

func newRetryPolicyFor(cm ChannelManager, configID string) *RetryPolicy {
	cfg, ok := cm.Channel(configID)
	if !ok {
		cfg = ChannelConfig{}
	}
	return NewRetryPolicy(cfg)
}

// Chat appends the user message (with locate-mode transform and carryover
// application) and runs the loop.
func (f *FlowFacade) Chat(ctx context.Context, req ChatRequest) (<-chan DriverEvent, error) {
	channel, ok := f.ChannelMgr.Channel(req.ChannelConfigID)
	if !ok {
		return nil, &Error{Code: ErrConfigNotFound, Message: "channel not found"}
	}
	if !channel.Enabled {
		return nil, &Error{Code: ErrConfigDisabled, Message: "channel disabled"}
	}
	if req.Depth > f.MaxSubAgentDepth {
		return nil, &Error{Code: ErrInvalidState, Message: fmt.Sprintf("max sub-agent depth exceeded: %d > %d", req.Depth, f.MaxSubAgentDepth)}
	}

	parts := append([]Part{NewTextPart(req.Text)}, req.Attachments...)

	var taskContext string
	var allowList []string
	if req.LocateMode {
		allowList = LocateTools
		taskContext = "You are in locate mode. Use only the search/read tools to find what the user asked for; you cannot edit files in this mode."
	} else if summary, ok := TakeLocateCarryover(f.Store, req.ConversationID); ok {
		taskContext = "Context from a prior locate: " + summary
	}

	userMsg := Message{
		Role: RoleUser,
		Parts: parts,
		SelectionReferences: req.SelectionRefs,
		TaskContext: taskContext,
		CreatedAt: time.Now(),
	}
	if err := f.Store.AddContent(ctx, req.ConversationID, userMsg); err != nil {
		return nil, asEngineError(err, ErrInvalidState)
	}

	hist, _ := f.Store.GetHistory(ctx, req.ConversationID)
	isFirst := len(hist) <= 1

	driver := NewToolLoopDriver(ToolLoopDriverOptions{
			ConversationID: req.ConversationID,
			ChannelConfigID: req.ChannelConfigID,
			Channel: f.ChannelMgr,
			Store: f.Store,
			Tools: f.Tools,
			Workspace: f.Workspace,
			Continuation: f.Continuation,
			Retry: newRetryPolicyFor(f.ChannelMgr, req.ChannelConfigID),
			Assembler: f.Assembler,
			MaxIterations: -1,
			Depth: req.Depth,
			IsFirstMessage: isFirst,
			CreateBeforeModelCheckpoint: true,
			CreateAfterModelCheckpoint: true,
			ToolAllowList: allowList,
			DynamicSystemPrompt: taskContext,
			PinnedPromptBlock: f.pinnedPromptBlock(),
			SelectionReferencesBlock: f.selectionReferencesBlock(req.SelectionRefs),
			EnableSelections: len(req.SelectionRefs) > 0,
			CheckpointFunc: f.checkpointFunc(req.ConversationID),
		})

	events := make(chan DriverEvent)
	go driver.Run(ctx, events)
	return events, nil
}

// Retry re-runs the loop on existing history; orphaned FunctionCalls are
// executed first, and OpenAI-Responses continuation is cleared to avoid a
// stale previous_response_id.
func (f *FlowFacade) Retry(ctx context.Context, conversationID, channelConfigID string, depth int) (<-chan DriverEvent, error) {
	f.Continuation.ClearConversation(conversationID)

	conv, err := f.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, asEngineError(err, ErrInvalidState)
	}
	if orphans := conv.OrphanedCalls(); len(orphans) > 0 {
		results := invokeToolsConcurrently(ctx, f.Tools, conversationID, orphans)
		responseMsg := buildFunctionResponseMessage(results)
		if err := f.Store.AddContent(ctx, conversationID, responseMsg); err != nil {
			return nil, asEngineError(err, ErrInvalidState)
		}
	}

	driver := NewToolLoopDriver(ToolLoopDriverOptions{
			ConversationID: conversationID,
			ChannelConfigID: channelConfigID,
			Channel: f.ChannelMgr,
			Store: f.Store,
			Tools: f.Tools,
			Workspace: f.Workspace,
			Continuation: f.Continuation,
			Retry: newRetryPolicyFor(f.ChannelMgr, channelConfigID),
			Assembler: f.Assembler,
			MaxIterations: -1,
			Depth: depth,
			IsFirstMessage: false,
			CreateBeforeModelCheckpoint: true,
			CreateAfterModelCheckpoint: true,
			PinnedPromptBlock: f.pinnedPromptBlock(),
			CheckpointFunc: f.checkpointFunc(conversationID),
		})
	events := make(chan DriverEvent)
	go driver.Run(ctx, events)
	return events, nil
}

// EditAndRetry validates the target index points to a user message,
// replaces its parts, truncates history beyond it, clears checkpoints and
// continuation, and re-runs.
func (f *FlowFacade) EditAndRetry(ctx context.Context, req EditAndRetryRequest) (<-chan DriverEvent, error) {
	target, err := f.Store.GetMessage(ctx, req.ConversationID, req.TargetIndex)
	if err != nil {
		return nil, asEngineError(err, ErrMessageNotFound)
	}
	if target == nil {
		return nil, &Error{Code: ErrMessageNotFound, Message: "message not found at index"}
	}
	if target.Role != RoleUser {
		return nil, &Error{Code: ErrInvalidMessageRole, Message: "editAndRetry target must be a user message"}
	}

	history, _ := f.Store.GetHistory(ctx, req.ConversationID)
	fromTurnID := turnIDAtOrAfter(history, req.TargetIndex+1)

	if err := f.Store.UpdateMessage(ctx, req.ConversationID, req.TargetIndex, Message{Parts: req.NewParts}); err != nil {
		return nil, asEngineError(err, ErrInvalidState)
	}
	if _, err := f.Store.DeleteToMessage(ctx, req.ConversationID, req.TargetIndex+1); err != nil {
		return nil, asEngineError(err, ErrInvalidState)
	}
	if f.DeleteCheckpointsFrom != nil {
		f.DeleteCheckpointsFrom(req.ConversationID, fromTurnID)
	}
	f.Continuation.ClearConversation(req.ConversationID)

	driver := NewToolLoopDriver(ToolLoopDriverOptions{
			ConversationID: req.ConversationID,
			ChannelConfigID: req.ChannelConfigID,
			Channel: f.ChannelMgr,
			Store: f.Store,
			Tools: f.Tools,
			Workspace: f.Workspace,
			Continuation: f.Continuation,
			Retry: newRetryPolicyFor(f.ChannelMgr, req.ChannelConfigID),
			Assembler: f.Assembler,
			MaxIterations: -1,
			Depth: req.Depth,
			IsFirstMessage: req.TargetIndex == 0,
			CreateBeforeModelCheckpoint: true,
			CreateAfterModelCheckpoint: true,
			PinnedPromptBlock: f.pinnedPromptBlock(),
			CheckpointFunc: f.checkpointFunc(req.ConversationID),
		})
	events := make(chan DriverEvent)
	go driver.Run(ctx, events)
	return events, nil
}

// HandleToolConfirmation partitions pending calls into confirmed/rejected,
// executes the confirmed ones, synthesizes rejected FunctionResponses,
// appends the composite message (and an optional annotation), and
// continues the loop.
func (f *FlowFacade) HandleToolConfirmation(ctx context.Context, req ConfirmationRequest) (<-chan DriverEvent, error) {
	results := invokeToolsConcurrently(ctx, f.Tools, req.ConversationID, req.Confirmed)
	for _, c := range req.Rejected {
		results = append(results, ToolResult{ID: c.ID, Name: c.Name, Rejected: true})
	}

	responseMsg := buildFunctionResponseMessage(results)
	if err := f.Store.AddContent(ctx, req.ConversationID, responseMsg); err != nil {
		return nil, asEngineError(err, ErrInvalidState)
	}
	if req.Annotation != "" {
		annotation := Message{Role: RoleUser, Parts: []Part{NewTextPart(req.Annotation)}, CreatedAt: time.Now()}
		if err := f.Store.AddContent(ctx, req.ConversationID, annotation); err != nil {
			return nil, asEngineError(err, ErrInvalidState)
		}
	}

	driver := NewToolLoopDriver(ToolLoopDriverOptions{
			ConversationID: req.ConversationID,
			ChannelConfigID: req.ChannelConfigID,
			Channel: f.ChannelMgr,
			Store: f.Store,
			Tools: f.Tools,
			Workspace: f.Workspace,
			Continuation: f.Continuation,
			Retry: newRetryPolicyFor(f.ChannelMgr, req.ChannelConfigID),
			Assembler: f.Assembler,
			MaxIterations: -1,
			Depth: req.Depth,
			IsFirstMessage: false,
			CreateBeforeModelCheckpoint: false,
			CreateAfterModelCheckpoint: true,
			PinnedPromptBlock: f.pinnedPromptBlock(),
			CheckpointFunc: f.checkpointFunc(req.ConversationID),
		})
	events := make(chan DriverEvent)
	go driver.Run(ctx, events)
	return events, nil
}

// DeleteToIndex deletes checkpoints and messages at or after index and
// clears continuation.
func (f *FlowFacade) DeleteToIndex(ctx context.Context, conversationID string, index int) (int, error) {
	if f.DeleteCheckpointsFrom != nil {
		history, _ := f.Store.GetHistory(ctx, conversationID)
		f.DeleteCheckpointsFrom(conversationID, turnIDAtOrAfter(history, index))
	}
	n, err := f.Store.DeleteToMessage(ctx, conversationID, index)
	if err != nil {
		return 0, asEngineError(err, ErrInvalidState)
	}
	f.Continuation.ClearConversation(conversationID)
	return n, nil
}

// SummarizeRange is SummarizeContext's input: the inclusive message index
// range to collapse into one summary anchor.
type SummarizeRange struct {
	ConversationID string
	ChannelConfigID string
	FromIndex int
	ToIndex int
}

// SummaryModelCaller is the minimal surface SummarizeContext needs to ask
// a model for a summary, decoupled from the full ChannelManager.Stream
// contract.
type SummaryModelCaller interface {
	Summarize(ctx context.Context, messages []Message, maxLength int) (string, error)
}

// SummarizeContext requests a summary from the model over [from,to],
// writes a single user/isSummary=true message at that position, and
// truncates the superseded range.
func (f *FlowFacade) SummarizeContext(ctx context.Context, caller SummaryModelCaller, req SummarizeRange, maxLength int) error {
	conv, err := f.loadConversation(ctx, req.ConversationID)
	if err != nil {
		return asEngineError(err, ErrInvalidState)
	}
	if req.ToIndex >= len(conv.Messages) || req.FromIndex < 0 || req.FromIndex > req.ToIndex {
		return &Error{Code: ErrInvalidState, Message: "invalid summarize range"}
	}
	toSummarize := conv.Messages[req.FromIndex : req.ToIndex+1]
	if len(toSummarize) == 0 {
		return &Error{Code: ErrNoHistory, Message: "nothing to summarize"}
	}

	summaryText, err := caller.Summarize(ctx, toSummarize, maxLength)
	if err != nil {
		return &Error{Code: ErrAPI, Message: "summarization failed", Cause: err}
	}

	summaryMsg := Message{
		Role: RoleUser,
		IsSummary: true,
		Parts: []Part{NewTextPart(summaryText)},
		CreatedAt: time.Now(),
	}
	if err := f.Store.UpdateMessage(ctx, req.ConversationID, req.FromIndex, summaryMsg); err != nil {
		return asEngineError(err, ErrInvalidState)
	}
	if req.ToIndex > req.FromIndex {
		tail := conv.Messages[req.ToIndex+1:]
		if _, err := f.Store.DeleteToMessage(ctx, req.ConversationID, req.FromIndex+1); err != nil {
			return asEngineError(err, ErrInvalidState)
		}
		for _, m := range tail {
			if err := f.Store.AddContent(ctx, req.ConversationID, m); err != nil {
				return asEngineError(err, ErrInvalidState)
			}
		}
	}
	return nil
}

// BuildSummarizationPrompt renders the prompt text an LLM-backed
// SummaryModelCaller sends the model.
func BuildSummarizationPrompt(messages []Message, maxLength int) string {
	prompt := fmt.Sprintf("Please summarize the following conversation concisely. Keep the summary under %d characters.\n\nFocus on:\n- Key topics discussed\n- Important decisions or conclusions\n- Any pending tasks or questions\n- Tool executions and their outcomes\n\nConversation:\n\n", maxLength)
	for _, m := range messages {
		prompt += fmt.Sprintf("[%s]: %s\n\n", m.Role, m.Text())
	}
	prompt += "---\nProvide a concise summary:"
	return prompt
}

func (f *FlowFacade) loadConversation(ctx context.Context, id string) (Conversation, error) {
	msgs, err := f.Store.GetHistory(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	return Conversation{ID: id, Messages: msgs}, nil
}

func (f *FlowFacade) pinnedPromptBlock() string {
	if f.Workspace == nil {
		return ""
	}
	return f.Workspace.PinnedPromptBlock()
}

func (f *FlowFacade) selectionReferencesBlock(refs []string) string {
	if f.Workspace == nil || len(refs) == 0 {
		return ""
	}
	return f.Workspace.SelectionReferencesBlock(refs)
}

func (f *FlowFacade) checkpointFunc(conversationID string) func() string {
	if f.CheckpointFunc == nil {
		return nil
	}
	return func() string { return f.CheckpointFunc(conversationID) }
}

// turnIDAtOrAfter returns the checkpoint/turn id carried by the first
// message at or after fromIndex, i.e. the earliest turn whose file deltas
// are about to be orphaned by a truncation at fromIndex. Returns "" if
// none of the truncated messages ran under a tracked checkpoint.
func turnIDAtOrAfter(messages []Message, fromIndex int) string {
	if fromIndex < 0 {
		fromIndex = 0
	}
	for i := fromIndex; i < len(messages); i++ {
		if messages[i].CheckpointID != "" {
			return messages[i].CheckpointID
		}
	}
	return ""
}
