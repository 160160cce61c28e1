package engine

import (
	"context"
	"encoding/json"

	"github.com/xonecas/symbloop/internal/provider"
)

// LegacyChannel bridges a channel configured against one of the existing
// provider.Provider transports (ollama/vllm/zen/opencode/mock —
// internal/provider/*.go, kept unchanged) into the engine's canonical
// Message/ToolDecl/StreamDelta shapes, so those transports stay wired as
// "legacy" dialects alongside the four canonical ProviderFormatters instead
// of being deleted (DESIGN.md "Architecture decision"). It is not a
// ProviderFormatter (no HTTP body to hand back — provider.Provider already
// owns its own request construction and HTTP client), so
// DefaultChannelManager routes any channel id bound with RegisterLegacy to
// it before looking up a formatter.
type LegacyChannel struct {
	Provider provider.Provider
}

// DialectLegacyPrefix marks a ChannelConfig.Dialect value as routing to a
// LegacyChannel rather than a ProviderFormatter, e.g. "legacy:ollama".
const DialectLegacyPrefix = "legacy:"

func IsLegacyDialect(d Dialect) bool {
	return len(d) > len(DialectLegacyPrefix) && string(d)[:len(DialectLegacyPrefix)] == DialectLegacyPrefix
}

// Stream issues the request through the wrapped provider.Provider and
// folds its StreamEvent channel into StreamDelta callbacks, returning the
// finalized Message once the provider's channel closes.
func (lc *LegacyChannel) Stream(ctx context.Context, req GenerateRequest, toolMode ToolMode, onDelta func(StreamDelta)) (Message, error) {
	messages := toLegacyMessages(req.History)
	tools := toLegacyTools(req.Tools)
	if req.DynamicSystemPrompt != "" {
		messages = append([]provider.Message{{Role: "system", Content: req.DynamicSystemPrompt}}, messages...)
	}

	events, err := lc.Provider.ChatStream(ctx, messages, tools)
	if err != nil {
		return Message{}, &Error{Code: ErrNetwork, Message: "legacy provider chat stream", Cause: err}
	}

	acc := NewStreamAccumulator(toolMode)
	for ev := range events {
		switch ev.Type {
		case provider.EventContentDelta:
			d := StreamDelta{Parts: []Part{NewTextPart(ev.Content)}}
			acc.Feed(d)
			onDelta(d)
		case provider.EventReasoningDelta:
			d := StreamDelta{Parts: []Part{NewThoughtPart(ev.Content)}}
			acc.Feed(d)
			onDelta(d)
		case provider.EventToolCallBegin:
			d := StreamDelta{ToolCallIndex: ev.ToolCallIndex, ToolCallBegin: true, ToolCallID: ev.ToolCallID, ToolCallName: ev.ToolCallName}
			acc.Feed(d)
			onDelta(d)
		case provider.EventToolCallDelta:
			d := StreamDelta{ToolCallIndex: ev.ToolCallIndex, ToolCallArgsDelta: ev.ToolCallArgs}
			acc.Feed(d)
			onDelta(d)
		case provider.EventUsage:
			d := StreamDelta{Usage: &Usage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens}}
			acc.Feed(d)
			onDelta(d)
		case provider.EventDone:
			d := buildStreamDone("stop")
			acc.Feed(d)
			onDelta(d)
		case provider.EventError:
			return Message{}, &Error{Code: ErrNetwork, Message: "legacy provider stream error", Cause: ev.Err}
		}
	}
	return acc.Finalize(), nil
}

func toLegacyMessages(history []Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		if m.IsFunctionResponse {
			for _, p := range m.Parts {
				if p.Kind != PartFunctionResponse {
					continue
				}
				out = append(out, provider.Message{Role: "tool", ToolCallID: p.RespID, FunctionName: p.RespName, Content: string(p.RespResponse)})
			}
			continue
		}
		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		pm := provider.Message{Role: role, CreatedAt: m.CreatedAt}
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				if p.Thought {
					pm.Reasoning += p.Text
				} else {
					pm.Content += p.Text
				}
			case PartFunctionCall:
				args := p.CallArgs
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{ID: p.CallID, Name: p.CallName, Arguments: args})
			}
		}
		out = append(out, pm)
	}
	return out
}

func toLegacyTools(tools []ToolDecl) []provider.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]provider.Tool, len(tools))
	for i, t := range tools {
		out[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}
