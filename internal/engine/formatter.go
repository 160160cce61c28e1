package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolDecl is the declaration shape a ToolRegistry exposes.
type ToolDecl struct {
	Name string
	Description string
	Parameters json.RawMessage // JSON Schema
}

// HTTPRequest is the provider-agnostic request a ProviderFormatter builds.
// The concrete provider transport (or, for the four canonical dialects,
// the formatter's own HTTP call) is responsible for issuing it.
type HTTPRequest struct {
	Method string
	URL string
	Headers map[string]string
	Body []byte
	Stream bool
}

// ProviderFormatter is implemented once per wire dialect (Gemini, OpenAI
// Chat, OpenAI Responses, Anthropic).
type ProviderFormatter interface {
	Dialect() Dialect

	BuildRequest(req BuildRequestInput) (HTTPRequest, error)

	// ParseResponse parses a full (non-streaming) response body.
	ParseResponse(body []byte) (Message, error)

	// ParseStreamChunk parses one decoded frame from the StreamFramer into
	// zero or more canonical deltas (a single SSE event can map to zero,
	// one, or more StreamDelta values, e.g. Anthropic content_block_start
	// vs _delta).
	ParseStreamChunk(frame Frame) ([]StreamDelta, error)
}

// BuildRequestInput carries everything a formatter needs to build a
// request body.
type BuildRequestInput struct {
	Channel ChannelConfig
	History []Message
	Tools []ToolDecl
	DynamicSystemPrompt string
	PreviousResponseID string
	PromptCacheKey string
	SkipTools bool
	Stream bool
}

// formatErr constructs the taxonomy-tagged errors formatters return.
func formatErr(kind string, format string, args...any) error {
	return &Error{Code: kind, Message: fmt.Sprintf(format, args...)}
}

// ComposeSystemInstruction implements "System instruction
// composition" rule, shared by every formatter.
func ComposeSystemInstruction(base, dynamic string, tools []ToolDecl, toolMode ToolMode) string {
	composed := base
	if dynamic != "" {
		if composed != "" {
			composed += "\n\n" + dynamic
		} else {
			composed = dynamic
		}
	}
	toolBlock := EncodeToolDefinitions(tools, toolMode)
	hasTools := strings.Contains(composed, "{{$TOOLS}}")
	hasMCP := strings.Contains(composed, "{{$MCP_TOOLS}}")
	switch {
	case hasTools || hasMCP:
		if hasTools {
			composed = strings.ReplaceAll(composed, "{{$TOOLS}}", toolBlock)
		}
		if hasMCP {
			composed = strings.ReplaceAll(composed, "{{$MCP_TOOLS}}", toolBlock)
		}
	case toolBlock != "":
		composed += "\n\n" + toolBlock
	}
	return composed
}

// EncodeToolDefinitions renders the tool-definition block for toolModes
// that need a textual schema (xml/json); for function_call it returns ""
// since the native schema goes in the request body instead.
func EncodeToolDefinitions(tools []ToolDecl, mode ToolMode) string {
	if len(tools) == 0 || mode == ToolModeFunctionCall {
		return ""
	}
	var sb strings.Builder
	switch mode {
	case ToolModeXML:
		sb.WriteString("You can call tools using this schema:\n")
		sb.WriteString("<tool_use><tool_name>NAME</tool_name><parameters><param>value</param></parameters></tool_use>\n\n")
		sb.WriteString("Available tools:\n")
		for _, t := range tools {
			sb.WriteString(describeTool(t))
		}
	case ToolModeJSON:
		sb.WriteString("You can call tools using this schema:\n")
		sb.WriteString(`<<<TOOL_CALL>>>{"tool":"NAME","parameters":{...}}<<<END_TOOL_CALL>>>` + "\n\n")
		sb.WriteString("Available tools:\n")
		for _, t := range tools {
			sb.WriteString(describeTool(t))
		}
	}
	return sb.String()
}

func describeTool(t ToolDecl) string {
	var sb strings.Builder
	sb.WriteString("- ")
	sb.WriteString(t.Name)
	if t.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(t.Description)
	}
	sb.WriteString("\n")
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(t.Parameters, &schema); err == nil {
		required := make(map[string]bool)
		for _, r := range schema.Required {
			required[r] = true
		}
		for name, prop := range schema.Properties {
			req := ""
			if required[name] {
				req = ", required"
			}
			sb.WriteString(fmt.Sprintf(" - %s (%s%s): %s\n", name, prop.Type, req, prop.Description))
		}
	}
	return sb.String()
}

// NormalizeHistory implements "History normalization"
// steps 1-4 (steps 5-6, tool-mode rewriting and attachment down-conversion,
// are applied by RewriteForToolMode since they're toolMode-specific).
func NormalizeHistory(history []Message) []Message {
	var out []Message
	for _, m := range history {
		stripped := m.StripInternalMarkers()
		out = append(out, stripped)
	}

	// Advance to the first user message.
	start := 0
	for start < len(out) && out[start].Role != RoleUser {
		start++
	}
	out = out[start:]

	// Coalesce consecutive same-role messages.
	var coalesced []Message
	for _, m := range out {
		if n := len(coalesced) - 1; n >= 0 && coalesced[n].Role == m.Role {
			coalesced[n].Parts = append(coalesced[n].Parts, m.Parts...)
			continue
		}
		coalesced = append(coalesced, m)
	}
	return coalesced
}

// RewriteForToolMode applies steps 5-6: for xml/json
// toolModes, FunctionCall/FunctionResponse parts become text blocks, and
// multimodal FunctionResponse children are re-emitted as sibling
// attachment parts (Open Question #3 in DESIGN.md).
func RewriteForToolMode(history []Message, mode ToolMode, codec ToolCallCodec) []Message {
	if mode == ToolModeFunctionCall {
		return history
	}
	out := make([]Message, len(history))
	for i, m := range history {
		var parts []Part
		for _, p := range m.Parts {
			switch p.Kind {
			case PartFunctionCall:
				text := codec.EncodeXML(ToolCall{ID: p.CallID, Name: p.CallName, Arguments: p.CallArgs})
				if mode == ToolModeJSON {
					text = codec.EncodeJSON(ToolCall{ID: p.CallID, Name: p.CallName, Arguments: p.CallArgs})
				}
				parts = append(parts, NewTextPart(text))
			case PartFunctionResponse:
				payload := map[string]json.RawMessage{"tool_response": p.RespResponse}
				body, _ := json.Marshal(payload)
				parts = append(parts, NewTextPart(fmt.Sprintf("Tool %q result: %s", p.RespName, string(body))))
				for _, sib := range p.RespParts {
					if sib.IsAttachment() {
						parts = append(parts, sib)
					}
				}
			default:
				parts = append(parts, p)
			}
		}
		out[i] = m
		out[i].Parts = parts
	}
	return out
}

// buildStreamDone is a small helper most formatters reach for when the
// framer yields FrameEnd.
func buildStreamDone(finishReason string) StreamDelta {
	return StreamDelta{Done: true, FinishReason: finishReason}
}

// drainFrames is a convenience loop a formatter's streaming caller uses:
// read every frame from a StreamFramer, parse it, and invoke onDelta in
// order, stopping at the first Done=true delta or framer exhaustion.
//
// A framer that runs dry without ever yielding a completion marker means
// the connection dropped mid-stream. For every dialect except OpenAI
// Responses that is NETWORK_ERROR. OpenAI Responses is the exception: a
// connection that closes after at least one content part arrived is
// treated as complete, with finishReason set to "stream_closed" so the
// caller knows to suppress the continuation-cache write (the
// response-id the provider would have carried in its own completion
// event never arrived).
func drainFrames(ctx context.Context, framer *StreamFramer, formatter ProviderFormatter, dialect Dialect, onDelta func(StreamDelta)) error {
	sawPart := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		frame, ok := framer.Next()
		if !ok {
			if dialect == DialectOpenAIResponses && sawPart {
				onDelta(buildStreamDone("stream_closed"))
				return nil
			}
			return formatErr(ErrNetwork, "stream ended unexpectedly")
		}
		if frame.Kind == FrameEnd {
			onDelta(buildStreamDone("stream_end"))
			return nil
		}
		deltas, err := formatter.ParseStreamChunk(frame)
		if err != nil {
			continue // a parse failure on one event does not abort the stream
		}
		for _, d := range deltas {
			if len(d.Parts) > 0 {
				sawPart = true
			}
			onDelta(d)
			if d.Done {
				return nil
			}
		}
	}
}
