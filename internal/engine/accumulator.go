package engine

import (
	"encoding/json"
	"time"
)

// StreamDelta is the canonical per-chunk output of a ProviderFormatter's
// ParseStreamChunk.
type StreamDelta struct {
	Parts []Part
	Done bool
	FinishReason string
	Usage *Usage
	ModelVersion string
	ResponseID string
	Event string

	// Native tool-call streaming (Anthropic tool_use / OpenAI function
	// call blocks), mirrored from EventToolCallBegin/
	// EventToolCallDelta pair. ToolCallIndex selects the in-flight call;
	// exactly one of ToolCallBegin or ToolCallArgsDelta != "" is set.
	ToolCallIndex int
	ToolCallBegin bool
	ToolCallID string
	ToolCallName string
	ToolCallArgsDelta string
}

// partialToolCall tracks an in-flight native tool call while its argument
// JSON streams in across multiple deltas, keyed by the provider's stream
// index.
type partialToolCall struct {
	id string
	name string
	args string
}

// StreamAccumulator folds an ordered sequence of StreamDelta into a single
// canonical Message.
type StreamAccumulator struct {
	toolMode ToolMode
	codec ToolCallCodec

	textParts []Part // in-order text/thought runs, merged by adjacency
	inlineParts []Part // non-text parts appended verbatim in arrival order, interleaved via order markers
	order []accOrderEntry

	nativeCalls map[int]*partialToolCall
	nativeOrder []int

	usage *Usage
	finishReason string
	modelVersion string
	responseID string

	chunkCount int
	firstChunkTime time.Time
	thinkingStart time.Time
	thinkingDur time.Duration
	thinking bool
}

type accOrderEntry struct {
	isText bool
	index int // index into textParts, if isText
	part Part
}

// NewStreamAccumulator creates an accumulator for the given channel's
// toolMode, which selects the live tool-call extractor.
func NewStreamAccumulator(mode ToolMode) *StreamAccumulator {
	return &StreamAccumulator{
		toolMode: mode,
		nativeCalls: make(map[int]*partialToolCall),
	}
}

// Feed folds one delta into the accumulator's running state.
func (a *StreamAccumulator) Feed(d StreamDelta) {
	a.chunkCount++
	if a.firstChunkTime.IsZero() {
		a.firstChunkTime = time.Now()
	}

	for _, p := range d.Parts {
		a.feedPart(p)
	}

	if d.ToolCallBegin {
		a.FeedNativeToolCallBegin(d.ToolCallIndex, d.ToolCallID, d.ToolCallName)
	}
	if d.ToolCallArgsDelta != "" {
		a.FeedNativeToolCallDelta(d.ToolCallIndex, d.ToolCallArgsDelta)
	}

	if d.Usage != nil {
		a.usage = d.Usage
	}
	if d.FinishReason != "" {
		a.finishReason = d.FinishReason
	}
	if d.ModelVersion != "" {
		a.modelVersion = d.ModelVersion
	}
	if d.ResponseID != "" {
		a.responseID = d.ResponseID
	}

	if a.toolMode != ToolModeFunctionCall {
		a.runLiveExtractor()
	}
}

func (a *StreamAccumulator) feedPart(p Part) {
	switch p.Kind {
	case PartText:
		if p.Thought && !a.thinking {
			a.thinking = true
			a.thinkingStart = time.Now()
		}
		if !p.Thought && a.thinking {
			a.thinking = false
			a.thinkingDur = time.Since(a.thinkingStart)
		}
		if n := len(a.textParts) - 1; n >= 0 && a.textParts[n].Thought == p.Thought &&
			len(a.order) > 0 && a.order[len(a.order)-1].isText && a.order[len(a.order)-1].index == n {
			a.textParts[n].Text += p.Text
			return
		}
		a.textParts = append(a.textParts, p)
		a.order = append(a.order, accOrderEntry{isText: true, index: len(a.textParts) - 1})
	default:
		a.order = append(a.order, accOrderEntry{isText: false, part: p})
	}
}

// FeedNativeToolCallBegin records the start of a native FunctionCall whose
// arguments will arrive incrementally (the provider-transport-level event
// shape, mirrored from EventToolCallBegin/EventToolCallDelta).
func (a *StreamAccumulator) FeedNativeToolCallBegin(index int, id, name string) {
	if id == "" {
		id = SynthesizeToolCallID()
	}
	a.nativeCalls[index] = &partialToolCall{id: id, name: name}
	a.nativeOrder = append(a.nativeOrder, index)
}

// FeedNativeToolCallDelta appends an argument-JSON fragment to an
// in-flight native tool call.
func (a *StreamAccumulator) FeedNativeToolCallDelta(index int, argsFragment string) {
	if tc, ok := a.nativeCalls[index]; ok {
		tc.args += argsFragment
	}
}

// runLiveExtractor scans the most recent text part for a complete textual
// tool-call encoding and, if found, replaces that region with a synthetic
// FunctionCall part.
func (a *StreamAccumulator) runLiveExtractor() {
	if len(a.textParts) == 0 {
		return
	}
	idx := len(a.textParts) - 1
	if a.textParts[idx].Thought {
		return
	}
	calls, rewritten, found := a.codec.EarliestExtraction(a.textParts[idx].Text)
	if !found {
		return
	}
	a.textParts[idx].Text = rewritten
	for _, c := range calls {
		a.order = append(a.order, accOrderEntry{isText: false, part: NewFunctionCallPart(c.ID, c.Name, c.Arguments)})
	}
}

// Finalize produces the accumulated Message. Call once after the driving
// stream reaches Done=true or the driver aborts (partial finalize).
func (a *StreamAccumulator) Finalize() Message {
	msg := Message{
		Role: RoleModel,
		Usage: a.usage,
		FinishReason: a.finishReason,
		ModelVersion: a.modelVersion,
		ResponseID: a.responseID,
		ChunkCount: a.chunkCount,
		FirstChunkTime: a.firstChunkTime,
		ThinkingStartTime: a.thinkingStart,
		ThinkingDuration: a.thinkingDur,
		CreatedAt: time.Now(),
	}

	for _, e := range a.order {
		if e.isText {
			msg.Parts = append(msg.Parts, a.textParts[e.index])
		} else {
			msg.Parts = append(msg.Parts, e.part)
		}
	}

	for _, idx := range a.nativeOrder {
		tc := a.nativeCalls[idx]
		args := json.RawMessage(tc.args)
		if len(tc.args) == 0 {
			args = json.RawMessage(`{}`)
		}
		msg.Parts = append(msg.Parts, NewFunctionCallPart(tc.id, tc.name, args))
	}

	return msg
}
