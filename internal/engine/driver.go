package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// EventKind tags the driver's output event stream.
type EventKind int

const (
	EventChunk EventKind = iota
	EventCheckpoint
	EventToolsExecuting
	EventAwaitingConfirmation
	EventToolIteration
	EventComplete
	EventCancelled
	EventError
)

// DriverEvent is one tagged event in the driver's ordered output stream.
type DriverEvent struct {
	Kind EventKind
	ConversationID string

	Chunk StreamDelta

	Checkpoints []string
	CheckpointOnly bool

	Content Message
	PendingToolCalls []ToolCall
	ToolResults []ToolResult

	Err *Error
}

// reminderInterval is a cadence (in iterations) for a recitation reminder
// during long tool-calling loops. Run does not use it: no periodic
// reminder is injected.
const reminderInterval = 10

type recentCall struct {
	Name string
	Args string
}

// ToolLoopDriverOptions configures one driver invocation.
type ToolLoopDriverOptions struct {
	ConversationID string
	ChannelConfigID string
	Channel ChannelManager
	Store ConversationStore
	Tools ToolRegistry
	Workspace WorkspaceContext
	Continuation *ContinuationCache
	Retry *RetryPolicy
	Assembler ContextAssembler

	MaxIterations int // -1 means unbounded
	Depth int // 0=root, 1=sub-agent; enforced by caller against MaxSubAgentDepth
	IsFirstMessage bool
	CreateBeforeModelCheckpoint bool
	CreateAfterModelCheckpoint bool
	ToolAllowList []string
	DynamicSystemPrompt string
	PinnedPromptBlock string
	SelectionReferencesBlock string
	EnableSelections bool

	// CheckpointFunc creates a checkpoint (e.g. delta.Tracker.BeginTurn)
	// and returns its id. Optional.
	CheckpointFunc func() string
}

// ToolLoopDriver is the outer loop of one user turn:
// request -> stream -> append -> extract tool calls -> (confirm | dispatch
// | reject) -> continue. Progress is reported as a tagged async event
// stream instead of a plain OnMessage/OnDelta callback pair. Three
// identical consecutive tool calls get a repeated-call warning appended to
// their response; exceeding MaxIterations ends the turn with a
// MAX_TOOL_ITERATIONS error.
type ToolLoopDriver struct {
	opts ToolLoopDriverOptions
}

func NewToolLoopDriver(opts ToolLoopDriverOptions) *ToolLoopDriver {
	if opts.MaxIterations == 0 {
		opts.MaxIterations = 60
	}
	return &ToolLoopDriver{opts: opts}
}

// Run drives one user turn, emitting events on events until Complete,
// AwaitingConfirmation, Cancelled, Error, or a ToolIteration whose results
// include a cancelled tool.
func (d *ToolLoopDriver) Run(ctx context.Context, events chan<- DriverEvent) {
	defer close(events)
	o := &d.opts

	channel, ok := o.Channel.Channel(o.ChannelConfigID)
	if !ok {
		d.emitError(events, &Error{Code: ErrConfigNotFound, Message: "channel not found: " + o.ChannelConfigID})
		return
	}
	if !channel.Enabled {
		d.emitError(events, &Error{Code: ErrConfigDisabled, Message: "channel disabled: " + o.ChannelConfigID})
		return
	}

	var recent []recentCall
	firstMessage := o.IsFirstMessage

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			events <- DriverEvent{Kind: EventCancelled, ConversationID: o.ConversationID}
			return
		}

		if o.MaxIterations >= 0 && iteration > o.MaxIterations {
			d.emitError(events, &Error{Code: ErrMaxToolIterations, Message: "tool iteration limit reached"})
			return
		}

		// Gemini 429 spacing: sleep before the second and later requests.
		if channel.Dialect == DialectGemini && iteration >= 1 {
			if err := d.sleepGeminiSpacing(ctx); err != nil {
				events <- DriverEvent{Kind: EventCancelled, ConversationID: o.ConversationID}
				return
			}
		}

		var turnID string
		if o.CreateBeforeModelCheckpoint && o.CheckpointFunc != nil {
			turnID = o.CheckpointFunc()
			events <- DriverEvent{Kind: EventCheckpoint, ConversationID: o.ConversationID, Checkpoints: []string{turnID}}
		}

		conv, err := d.loadConversation(ctx)
		if err != nil {
			d.emitError(events, asEngineError(err, ErrInvalidState))
			return
		}

		assembled := o.Assembler.Assemble(AssembleInput{
				Conversation: conv,
				Channel: channel,
				BasePrompt: o.Workspace,
				ForceRefreshPrompt: firstMessage,
				PinnedPromptBlock: o.PinnedPromptBlock,
				SelectionRefsBlock: o.SelectionReferencesBlock,
				EnableSelections: o.EnableSelections,
				AllTools: o.Tools.GetDeclarationsFiltered(func(ToolDecl) bool { return true }),
				ToolAllowList: o.ToolAllowList,
				DynamicSystemPrompt: o.DynamicSystemPrompt,
			})

		hints := o.Continuation.PrepareHints(o.ConversationID, o.ChannelConfigID, len(conv.Messages))

		sendHistory := assembled.History
		if hints.SendSuffixOnly && hints.SuffixStartIndex >= 0 && hints.SuffixStartIndex <= len(sendHistory) {
			sendHistory = sendHistory[hints.SuffixStartIndex:]
		}

		genReq := GenerateRequest{
			ConfigID: o.ChannelConfigID,
			History: sendHistory,
			DynamicSystemPrompt: assembled.SystemInstruction,
			PreviousResponseID: hints.PreviousResponseID,
			PromptCacheKey: hints.PromptCacheKey,
			Tools: assembled.Tools,
		}

		msg, streamErr := d.runIterationWithRetry(ctx, channel, genReq, events)
		if streamErr != nil {
			if IsCancelled(streamErr) {
				events <- DriverEvent{Kind: EventCancelled, ConversationID: o.ConversationID}
				return
			}
			d.emitError(events, asEngineError(streamErr, ErrNetwork))
			return
		}

		msg.ContextSnapshot = &assembled.Snapshot
		msg.CreatedAt = time.Now()
		msg.CheckpointID = turnID
		suppressContinuation := msg.FinishReason == "stream_closed"
		if err := o.Store.AddContent(ctx, o.ConversationID, msg); err != nil {
			log.Warn().Err(err).Msg("failed to persist model message")
		}
		o.Continuation.RecordCompletion(o.ConversationID, o.ChannelConfigID, msg.ResponseID, len(conv.Messages)+1, suppressContinuation)

		calls := msg.FunctionCalls()
		if len(calls) == 0 {
			var afterCheckpoints []string
			if o.CreateAfterModelCheckpoint && o.CheckpointFunc != nil {
				afterCheckpoints = append(afterCheckpoints, o.CheckpointFunc())
			}
			events <- DriverEvent{Kind: EventComplete, ConversationID: o.ConversationID, Content: msg, Checkpoints: afterCheckpoints}
			return
		}

		needsConfirmation := false
		for _, c := range calls {
			if o.Tools.NeedsConfirmation(c) {
				needsConfirmation = true
				break
			}
		}
		if needsConfirmation {
			events <- DriverEvent{Kind: EventAwaitingConfirmation, ConversationID: o.ConversationID, Content: msg, PendingToolCalls: calls}
			return
		}

		events <- DriverEvent{Kind: EventToolsExecuting, ConversationID: o.ConversationID, Content: msg, PendingToolCalls: calls}

		results := d.dispatchTools(ctx, calls)
		responseMsg := buildFunctionResponseMessage(results)
		for _, c := range calls {
			recent = append(recent, recentCall{Name: c.Name, Args: string(c.Arguments)})
		}
		if len(recent) >= 3 {
			last3 := recent[len(recent)-3:]
			if last3[0] == last3[1] && last3[1] == last3[2] {
				injectRepeatWarning(&responseMsg)
			}
		}
		if err := o.Store.AddContent(ctx, o.ConversationID, responseMsg); err != nil {
			log.Warn().Err(err).Msg("failed to persist tool-response message")
		}

		events <- DriverEvent{Kind: EventToolIteration, ConversationID: o.ConversationID, Content: responseMsg, ToolResults: results}

		anyCancelled := false
		for _, r := range results {
			if r.Cancelled {
				anyCancelled = true
			}
		}
		if anyCancelled {
			return
		}

		_ = reminderInterval // no periodic reminder is injected anywhere in the loop

		firstMessage = false
	}
}

func (d *ToolLoopDriver) loadConversation(ctx context.Context) (Conversation, error) {
	msgs, err := d.opts.Store.GetHistory(ctx, d.opts.ConversationID)
	if err != nil {
		return Conversation{}, err
	}
	return Conversation{ID: d.opts.ConversationID, Messages: msgs}, nil
}

func (d *ToolLoopDriver) runIterationWithRetry(ctx context.Context, channel ChannelConfig, req GenerateRequest, events chan<- DriverEvent) (Message, error) {
	var fallbacks int
	var attempt int
	for {
		attempt++
		msg, err := d.opts.Channel.Stream(ctx, req, func(delta StreamDelta) {
				events <- DriverEvent{Kind: EventChunk, ConversationID: d.opts.ConversationID, Chunk: delta}
			})
		if err == nil {
			return msg, nil
		}

		if apiErr, ok := err.(*Error); ok && channel.Dialect == DialectOpenAIResponses {
			if d.opts.Continuation.ProbeAPIError(d.opts.ConversationID, d.opts.ChannelConfigID, apiErr, fallbacks) {
				fallbacks++
				req.PreviousResponseID = ""
				req.PromptCacheKey = ""
				continue
			}
		}

		if !d.opts.Retry.ShouldRetry(err, attempt) {
			return Message{}, err
		}
		if waitErr := d.opts.Retry.Wait(ctx, err, attempt); waitErr != nil {
			return Message{}, waitErr
		}
	}
}

func (d *ToolLoopDriver) dispatchTools(ctx context.Context, calls []ToolCall) []ToolResult {
	return invokeToolsConcurrently(ctx, d.opts.Tools, d.opts.ConversationID, calls)
}

// invokeToolsConcurrently fans out one ToolRegistry.Invoke per call and
// waits for all of them; single-writer-per-file discipline for any calls
// that touch the same path is the registry's concern, not the caller's.
// Results preserve the input order regardless of completion order.
func invokeToolsConcurrently(ctx context.Context, tools ToolRegistry, conversationID string, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	var g errgroup.Group
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			res, err := tools.Invoke(ctx, InvokeRequest{ID: c.ID, Name: c.Name, Args: c.Arguments, ConversationID: conversationID, MessageIndex: i})
			if err != nil {
				res = ToolResult{ID: c.ID, Name: c.Name, Response: errorResponseJSON(err)}
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()
	return results
}

func (d *ToolLoopDriver) sleepGeminiSpacing(ctx context.Context) error {
	const minInterval = 1500 * time.Millisecond
	const jitter = 500 * time.Millisecond
	timer := time.NewTimer(minInterval + time.Duration(d.opts.Retry.Rand.Int63n(int64(jitter))))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func buildFunctionResponseMessage(results []ToolResult) Message {
	msg := Message{Role: RoleUser, IsFunctionResponse: true, CreatedAt: time.Now()}
	for _, r := range results {
		for _, m := range r.Multimodal {
			if m.IsAttachment() {
				msg.Parts = append(msg.Parts, m)
			}
		}
	}
	for _, r := range results {
		msg.Parts = append(msg.Parts, ToolResultToFunctionResponsePart(r))
	}
	return msg
}

// injectRepeatWarning appends a repeated-call warning onto the last
// FunctionResponse part's response JSON so the model sees it on the next
// turn.
func injectRepeatWarning(msg *Message) {
	const warning = "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
	for i := len(msg.Parts) - 1; i >= 0; i-- {
		if msg.Parts[i].Kind == PartFunctionResponse {
			msg.Parts[i].RespResponse = appendToJSONString(msg.Parts[i].RespResponse, warning)
			return
		}
	}
}

func (d *ToolLoopDriver) emitError(events chan<- DriverEvent, err *Error) {
	events <- DriverEvent{Kind: EventError, ConversationID: d.opts.ConversationID, Err: err}
}

func asEngineError(err error, fallback string) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: fallback, Message: err.Error(), Cause: err}
}

func errorResponseJSON(err error) []byte {
	return []byte(`{"error":` + quoteJSON(err.Error()) + `}`)
}

func quoteJSON(s string) string {
	const hexDigits = "0123456789abcdef"
	b := []byte{'"'}
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			b = append(b, '\\', byte(r))
		case r < 0x20:
			b = append(b, '\\', 'u', '0', '0', hexDigits[r>>4], hexDigits[r&0xF])
		default:
			b = append(b, string(r)...)
		}
	}
	b = append(b, '"')
	return string(b)
}

func appendToJSONString(raw []byte, suffix string) []byte {
	s := string(raw)
	if len(s) >= 2 && s[0] == '{' {
		// Best-effort: append as a new field rather than mutating an
		// arbitrary nested value.
		return []byte(s[:len(s)-1] + `,"note":` + quoteJSON(suffix) + `}`)
	}
	return []byte(quoteJSON(s + suffix))
}
