package engine

import (
	"encoding/json"
)

// openAIChatFormatter implements ProviderFormatter for the OpenAI Chat
// Completions dialect. Grounded on provider/openai_common.go's
// toOpenAIMessages/toOpenAITools/parseSSEStream, adapted to engine.Message/
// Part and to HTTPRequest/StreamDelta instead of the SDK's own request
// struct and channel-of-StreamEvent plumbing.
type openAIChatFormatter struct{}

func NewOpenAIChatFormatter() ProviderFormatter { return openAIChatFormatter{} }

func (openAIChatFormatter) Dialect() Dialect { return DialectOpenAIChat }

type chatMessage struct {
	Role string `json:"role"`
	Content any `json:"content,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	Index int `json:"index"`
	ID string `json:"id"`
	Type string `json:"type"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type string `json:"type"`
	Function chatToolDecl `json:"function"`
}

type chatToolDecl struct {
	Name string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model string `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools []chatTool `json:"tools,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream bool `json:"stream"`
}

func (f openAIChatFormatter) BuildRequest(req BuildRequestInput) (HTTPRequest, error) {
	history := NormalizeHistory(req.History)
	history = RewriteForToolMode(history, req.Channel.ToolMode, ToolCallCodec{})

	messages := f.toChatMessages(history)
	sysText := ComposeSystemInstruction(req.Channel.SystemInstruction, req.DynamicSystemPrompt, req.Tools, req.Channel.ToolMode)
	if sysText != "" {
		messages = append([]chatMessage{{Role: "system", Content: sysText}}, messages...)
	}

	var tools []chatTool
	if !req.SkipTools && req.Channel.ToolMode == ToolModeFunctionCall {
		tools = f.toChatTools(req.Tools)
	}

	body := chatRequest{
		Model: req.Channel.Model,
		Messages: messages,
		Tools: tools,
		Stream: req.Stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return HTTPRequest{}, formatErr(ErrValidation, "openai_chat: marshal request: %v", err)
	}

	headers := map[string]string{"content-type": "application/json"}
	for k, v := range req.Channel.Headers {
		headers[k] = v
	}
	return HTTPRequest{Method: "POST", URL: req.Channel.Endpoint, Headers: headers, Body: payload, Stream: req.Stream}, nil
}

func (f openAIChatFormatter) toChatMessages(history []Message) []chatMessage {
	var out []chatMessage
	for _, m := range history {
		if m.IsFunctionResponse {
			for _, p := range m.Parts {
				if p.Kind != PartFunctionResponse {
					continue
				}
				out = append(out, chatMessage{Role: "tool", ToolCallID: p.RespID, Content: string(p.RespResponse)})
			}
			continue
		}

		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		var text string
		var contentParts []chatContentPart
		var toolCalls []chatToolCall
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				if !p.Thought {
					text += p.Text
				}
			case PartInlineData:
				contentParts = append(contentParts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: "data:" + p.MimeType + ";base64," + p.Base64}})
			case PartFileData:
				contentParts = append(contentParts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: p.URI}})
			case PartFunctionCall:
				args := p.CallArgs
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				toolCalls = append(toolCalls, chatToolCall{ID: p.CallID, Type: "function", Function: chatToolCallFunc{Name: p.CallName, Arguments: string(args)}})
			}
		}
		msg := chatMessage{Role: role, ToolCalls: toolCalls}
		if len(contentParts) > 0 {
			if text != "" {
				contentParts = append([]chatContentPart{{Type: "text", Text: text}}, contentParts...)
			}
			msg.Content = contentParts
		} else {
			msg.Content = text
		}
		out = append(out, msg)
	}
	return out
}

func (f openAIChatFormatter) toChatTools(tools []ToolDecl) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	out := make([]chatTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		out[i] = chatTool{Type: "function", Function: chatToolDecl{Name: t.Name, Description: t.Description, Parameters: params}}
	}
	return out
}

type chatResponse struct {
	ID string `json:"id"`
	Model string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (f openAIChatFormatter) ParseResponse(body []byte) (Message, error) {
	var resp chatResponse
	if err := json.Unmarshal(DecodeSingleJSON(body), &resp); err != nil {
		return Message{}, formatErr(ErrParse, "openai_chat: parse response: %v", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, formatErr(ErrParse, "openai_chat: response has no choices")
	}
	choice := resp.Choices[0]
	msg := Message{
		Role: RoleModel,
		FinishReason: choice.FinishReason,
		ModelVersion: resp.Model,
		ResponseID: resp.ID,
		Usage: &Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	if text, ok := choice.Message.Content.(string); ok && text != "" {
		msg.Parts = append(msg.Parts, NewTextPart(text))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		msg.Parts = append(msg.Parts, NewFunctionCallPart(tc.ID, tc.Function.Name, args))
	}
	return msg, nil
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
			Reasoning string `json:"reasoning,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
			ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func (f openAIChatFormatter) ParseStreamChunk(frame Frame) ([]StreamDelta, error) {
	var chunk chatStreamChunk
	if err := json.Unmarshal(frame.Value, &chunk); err != nil {
		return nil, formatErr(ErrParse, "openai_chat: parse chunk: %v", err)
	}
	var out []StreamDelta
	if chunk.Usage != nil {
		out = append(out, StreamDelta{Usage: &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}})
	}
	if len(chunk.Choices) == 0 {
		return out, nil
	}
	choice := chunk.Choices[0]
	reasoning := choice.Delta.Reasoning
	if reasoning == "" {
		reasoning = choice.Delta.ReasoningContent
	}
	if reasoning != "" {
		out = append(out, StreamDelta{Parts: []Part{NewThoughtPart(reasoning)}})
	}
	if choice.Delta.Content != "" {
		out = append(out, StreamDelta{Parts: []Part{NewTextPart(choice.Delta.Content)}})
	}
	for _, tc := range choice.Delta.ToolCalls {
		if tc.Function.Name != "" {
			out = append(out, StreamDelta{ToolCallIndex: tc.Index, ToolCallBegin: true, ToolCallID: tc.ID, ToolCallName: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			out = append(out, StreamDelta{ToolCallIndex: tc.Index, ToolCallArgsDelta: tc.Function.Arguments})
		}
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		out = append(out, buildStreamDone(*choice.FinishReason))
	}
	return out, nil
}
