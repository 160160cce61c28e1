package engine

import (
	"encoding/json"
	"fmt"
)

// anthropicFormatter implements ProviderFormatter for Anthropic's Messages
// API. Grounded on provider/anthropic.go's toAnthropicMessages/
// toAnthropicTools/parseAnthropicSSEStream, adapted to build from and parse
// into engine.Message/Part instead of flat provider.Message,
// and to hand back HTTPRequest/StreamDelta instead of issuing the HTTP call
// itself.
type anthropicFormatter struct{}

func NewAnthropicFormatter() ProviderFormatter { return anthropicFormatter{} }

func (anthropicFormatter) Dialect() Dialect { return DialectAnthropic }

type anthropicCacheControl struct {
	Type string `json:"type"`
}

type anthropicCacheBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role string `json:"role"`
	Content any `json:"content"`
}

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicImageSource struct {
	Type string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data string `json:"data,omitempty"`
	URL string `json:"url,omitempty"`
}

type anthropicImageBlock struct {
	Type string `json:"type"`
	Source anthropicImageSource `json:"source"`
}

type anthropicToolUseBlock struct {
	Type string `json:"type"`
	ID string `json:"id"`
	Name string `json:"name"`
	Input json.RawMessage `json:"input"`
}

type anthropicToolResultBlock struct {
	Type string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicRequest struct {
	Model string `json:"model"`
	Messages []anthropicMessage `json:"messages"`
	System []anthropicCacheBlock `json:"system,omitempty"`
	MaxTokens int `json:"max_tokens"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream bool `json:"stream"`
	Tools []anthropicTool `json:"tools,omitempty"`
}

func (f anthropicFormatter) BuildRequest(req BuildRequestInput) (HTTPRequest, error) {
	history := NormalizeHistory(req.History)
	history = RewriteForToolMode(history, req.Channel.ToolMode, ToolCallCodec{})

	messages, err := f.toAnthropicMessages(history)
	if err != nil {
		return HTTPRequest{}, formatErr(ErrValidation, "anthropic: %v", err)
	}

	var system []anthropicCacheBlock
	sysText := ComposeSystemInstruction(req.Channel.SystemInstruction, req.DynamicSystemPrompt, req.Tools, req.Channel.ToolMode)
	if sysText != "" {
		system = []anthropicCacheBlock{{Type: "text", Text: sysText, CacheControl: &anthropicCacheControl{Type: "ephemeral"}}}
	}

	var tools []anthropicTool
	if !req.SkipTools && req.Channel.ToolMode == ToolModeFunctionCall {
		tools = f.toAnthropicTools(req.Tools)
	}

	body := anthropicRequest{
		Model: req.Channel.Model,
		Messages: messages,
		System: system,
		MaxTokens: 8192,
		Stream: req.Stream,
		Tools: tools,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return HTTPRequest{}, formatErr(ErrValidation, "anthropic: marshal request: %v", err)
	}

	headers := map[string]string{
		"content-type": "application/json",
		"anthropic-version": "2023-06-01",
	}
	for k, v := range req.Channel.Headers {
		headers[k] = v
	}

	return HTTPRequest{
		Method: "POST",
		URL: req.Channel.Endpoint,
		Headers: headers,
		Body: payload,
		Stream: req.Stream,
	}, nil
}

// toAnthropicMessages converts the canonical history to Anthropic's wire
// shape: FunctionResponse parts become tool_result user-role blocks,
// FunctionCall parts on a model message become tool_use blocks alongside
// any text, and plain text/image parts become text/image blocks.
func (f anthropicFormatter) toAnthropicMessages(history []Message) ([]anthropicMessage, error) {
	var out []anthropicMessage
	for _, m := range history {
		if m.IsFunctionResponse {
			var blocks []any
			for _, p := range m.Parts {
				if p.Kind != PartFunctionResponse {
					continue
				}
				content := string(p.RespResponse)
				blocks = append(blocks, anthropicToolResultBlock{Type: "tool_result", ToolUseID: p.RespID, Content: content})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: "user", Content: blocks})
			continue
		}

		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		var blocks []any
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				if p.Thought {
					continue // Anthropic thinking blocks require a signature we don't carry on replay
				}
				if p.Text != "" {
					blocks = append(blocks, anthropicTextBlock{Type: "text", Text: p.Text})
				}
			case PartInlineData:
				blocks = append(blocks, anthropicImageBlock{Type: "image", Source: anthropicImageSource{Type: "base64", MediaType: p.MimeType, Data: p.Base64}})
			case PartFileData:
				blocks = append(blocks, anthropicImageBlock{Type: "image", Source: anthropicImageSource{Type: "url", URL: p.URI}})
			case PartFunctionCall:
				input := p.CallArgs
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropicToolUseBlock{Type: "tool_use", ID: p.CallID, Name: p.CallName, Input: input})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}
	return out, nil
}

func (f anthropicFormatter) toAnthropicTools(tools []ToolDecl) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	out := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		out[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema}
	}
	out[len(out)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	return out
}

type anthropicResponse struct {
	ID string `json:"id"`
	Model string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		ID string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage struct {
		InputTokens int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (f anthropicFormatter) ParseResponse(body []byte) (Message, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(DecodeSingleJSON(body), &resp); err != nil {
		return Message{}, formatErr(ErrParse, "anthropic: parse response: %v", err)
	}
	msg := Message{
		Role: RoleModel,
		FinishReason: resp.StopReason,
		ModelVersion: resp.Model,
		ResponseID: resp.ID,
		Usage: &Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			msg.Parts = append(msg.Parts, NewTextPart(c.Text))
		case "thinking":
			msg.Parts = append(msg.Parts, NewThoughtPart(c.Text))
		case "tool_use":
			input := c.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			msg.Parts = append(msg.Parts, NewFunctionCallPart(c.ID, c.Name, input))
		}
	}
	return msg, nil
}

// Anthropic SSE event payloads, grounded on provider/anthropic.go's anthropicMessageStart/
// anthropicMessageDelta/anthropicContentBlockStart/anthropicContentBlockDelta.
type anthropicEventEnvelope struct {
	Type string `json:"type"`
	Index int `json:"index"`

	Message struct {
		ID string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`

	ContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		ID string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`

	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		Thinking string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`

	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseStreamChunk is stateless across calls per the ProviderFormatter
// contract, so block-index -> tool-call-index tracking is folded into the
// accumulator instead of a dedicated tracker, via
// ToolCallIndex = the Anthropic content-block index directly; the
// accumulator keys native calls by index, and Anthropic's indices are
// already a dense per-response sequence, so no remapping is needed.
func (f anthropicFormatter) ParseStreamChunk(frame Frame) ([]StreamDelta, error) {
	var evt anthropicEventEnvelope
	if err := json.Unmarshal(frame.Value, &evt); err != nil {
		return nil, formatErr(ErrParse, "anthropic: parse event: %v", err)
	}

	switch evt.Type {
	case "message_start":
		return []StreamDelta{{
				ResponseID: evt.Message.ID,
				ModelVersion: evt.Message.Model,
				Usage: &Usage{InputTokens: evt.Message.Usage.InputTokens, OutputTokens: evt.Message.Usage.OutputTokens},
			}}, nil
	case "content_block_start":
		if evt.ContentBlock.Type == "tool_use" {
			return []StreamDelta{{ToolCallIndex: evt.Index, ToolCallBegin: true, ToolCallID: evt.ContentBlock.ID, ToolCallName: evt.ContentBlock.Name}}, nil
		}
		if evt.ContentBlock.Type == "text" && evt.ContentBlock.Text != "" {
			return []StreamDelta{{Parts: []Part{NewTextPart(evt.ContentBlock.Text)}}}, nil
		}
		return nil, nil
	case "content_block_delta":
		switch evt.Delta.Type {
		case "text_delta":
			if evt.Delta.Text == "" {
				return nil, nil
			}
			return []StreamDelta{{Parts: []Part{NewTextPart(evt.Delta.Text)}}}, nil
		case "thinking_delta":
			if evt.Delta.Thinking == "" {
				return nil, nil
			}
			return []StreamDelta{{Parts: []Part{NewThoughtPart(evt.Delta.Thinking)}}}, nil
		case "input_json_delta":
			if evt.Delta.PartialJSON == "" {
				return nil, nil
			}
			return []StreamDelta{{ToolCallIndex: evt.Index, ToolCallArgsDelta: evt.Delta.PartialJSON}}, nil
		}
		return nil, nil
	case "message_delta":
		d := StreamDelta{}
		if evt.Delta.StopReason != "" {
			d.FinishReason = evt.Delta.StopReason
		}
		if evt.Usage.OutputTokens > 0 {
			d.Usage = &Usage{OutputTokens: evt.Usage.OutputTokens}
		}
		return []StreamDelta{d}, nil
	case "message_stop":
		return []StreamDelta{buildStreamDone("end_turn")}, nil
	case "ping", "content_block_stop":
		return nil, nil
	default:
		return nil, fmt.Errorf("anthropic: unknown event type %q", evt.Type)
	}
}
