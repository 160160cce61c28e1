package engine

import (
	"encoding/json"
)

// openAIResponsesFormatter implements ProviderFormatter for the OpenAI
// Responses API dialect — the one stateful native-continuation channel.
// Grounded on provider/openai_common.go's toResponsesInput/toResponsesTools/
// parseResponsesSSEStream, adapted to engine.Message/Part and to carrying
// PreviousResponseID/PromptCacheKey from BuildRequestInput, since that
// continuation concept has no equivalent in the legacy provider transports.
type openAIResponsesFormatter struct{}

func NewOpenAIResponsesFormatter() ProviderFormatter { return openAIResponsesFormatter{} }

func (openAIResponsesFormatter) Dialect() Dialect { return DialectOpenAIResponses }

type responsesInputItem struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	Content any `json:"content,omitempty"`
	ID string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type responsesTool struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters json.RawMessage `json:"parameters"`
}

type responsesRequest struct {
	Model string `json:"model"`
	Input []responsesInputItem `json:"input"`
	Instructions string `json:"instructions,omitempty"`
	Tools []responsesTool `json:"tools,omitempty"`
	Stream bool `json:"stream"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`
	PromptCacheKey string `json:"prompt_cache_key,omitempty"`
}

func (f openAIResponsesFormatter) BuildRequest(req BuildRequestInput) (HTTPRequest, error) {
	// The driver's ContinuationCache already trims History down to the
	// post-PreviousResponseID suffix before calling BuildRequest, so the
	// formatter itself only has to thread PreviousResponseID through.
	history := NormalizeHistory(req.History)
	history = RewriteForToolMode(history, req.Channel.ToolMode, ToolCallCodec{})

	items := f.toResponsesInput(history)
	instructions := ComposeSystemInstruction(req.Channel.SystemInstruction, req.DynamicSystemPrompt, req.Tools, req.Channel.ToolMode)

	var tools []responsesTool
	if !req.SkipTools && req.Channel.ToolMode == ToolModeFunctionCall {
		tools = f.toResponsesTools(req.Tools)
	}

	body := responsesRequest{
		Model: req.Channel.Model,
		Input: items,
		Instructions: instructions,
		Tools: tools,
		Stream: req.Stream,
		PreviousResponseID: req.PreviousResponseID,
		PromptCacheKey: req.PromptCacheKey,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return HTTPRequest{}, formatErr(ErrValidation, "openai_responses: marshal request: %v", err)
	}

	headers := map[string]string{"content-type": "application/json"}
	for k, v := range req.Channel.Headers {
		headers[k] = v
	}
	return HTTPRequest{Method: "POST", URL: req.Channel.Endpoint, Headers: headers, Body: payload, Stream: req.Stream}, nil
}

func (f openAIResponsesFormatter) toResponsesInput(history []Message) []responsesInputItem {
	var out []responsesInputItem
	for _, m := range history {
		if m.IsFunctionResponse {
			for _, p := range m.Parts {
				if p.Kind != PartFunctionResponse {
					continue
				}
				out = append(out, responsesInputItem{Type: "function_call_output", CallID: p.RespID, Output: string(p.RespResponse)})
			}
			continue
		}
		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		var text string
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				if !p.Thought {
					text += p.Text
				}
			case PartFunctionCall:
				args := string(p.CallArgs)
				if args == "" {
					args = "{}"
				}
				out = append(out, responsesInputItem{Type: "function_call", CallID: p.CallID, Name: p.CallName, Arguments: args})
			}
		}
		if text != "" {
			out = append(out, responsesInputItem{Type: "message", Role: role, Content: text})
		}
	}
	return out
}

func (f openAIResponsesFormatter) toResponsesTools(tools []ToolDecl) []responsesTool {
	if len(tools) == 0 {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	out := make([]responsesTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		out[i] = responsesTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: params}
	}
	return out
}

type responsesOutputItem struct {
	Type string `json:"type"`
	ID string `json:"id,omitempty"`
	CallID string `json:"call_id,omitempty"`
	Name string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Content []responsesItemContent `json:"content,omitempty"`
}

type responsesItemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesBody struct {
	ID string `json:"id"`
	Model string `json:"model"`
	Output []responsesOutputItem `json:"output"`
	Usage *struct {
		InputTokens int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (f openAIResponsesFormatter) ParseResponse(body []byte) (Message, error) {
	var resp responsesBody
	if err := json.Unmarshal(DecodeSingleJSON(body), &resp); err != nil {
		return Message{}, formatErr(ErrParse, "openai_responses: parse response: %v", err)
	}
	msg := Message{Role: RoleModel, ModelVersion: resp.Model, ResponseID: resp.ID}
	if resp.Usage != nil {
		msg.Usage = &Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					msg.Parts = append(msg.Parts, NewTextPart(c.Text))
				}
			}
		case "function_call":
			args := json.RawMessage(item.Arguments)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			msg.Parts = append(msg.Parts, NewFunctionCallPart(item.CallID, item.Name, args))
		}
	}
	return msg, nil
}

// Responses API SSE event payloads, grounded on provider/openai_common.go's
// responsesOutputTextDelta/responsesOutputItemAdded/
// responsesFuncCallArgsDelta/responsesReasoningDelta/responsesCompleted/
// responsesFailed. ParseStreamChunk is stateless, so — unlike a tracker
// that remaps output_index to a dense tool-call index — this formatter
// uses the output_index directly as ToolCallIndex; the
// accumulator keys native calls by index, not by a dense counter, so no
// remapping is required.
type responsesEventEnvelope struct {
	Type string `json:"type"`
	Delta string `json:"delta,omitempty"`
	OutputIndex int `json:"output_index"`
	Item struct {
		ID string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
		CallID string `json:"call_id,omitempty"`
	} `json:"item"`
	Response struct {
		ID string `json:"id"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage,omitempty"`
		Error struct {
			Code string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

func (f openAIResponsesFormatter) ParseStreamChunk(frame Frame) ([]StreamDelta, error) {
	var evt responsesEventEnvelope
	if err := json.Unmarshal(frame.Value, &evt); err != nil {
		return nil, formatErr(ErrParse, "openai_responses: parse event: %v", err)
	}
	switch frame.Event {
	case "response.output_text.delta":
		if evt.Delta == "" {
			return nil, nil
		}
		return []StreamDelta{{Parts: []Part{NewTextPart(evt.Delta)}}}, nil
	case "response.reasoning_summary_text.delta":
		if evt.Delta == "" {
			return nil, nil
		}
		return []StreamDelta{{Parts: []Part{NewThoughtPart(evt.Delta)}}}, nil
	case "response.output_item.added":
		if evt.Item.Type != "function_call" {
			return nil, nil
		}
		return []StreamDelta{{ToolCallIndex: evt.OutputIndex, ToolCallBegin: true, ToolCallID: evt.Item.CallID, ToolCallName: evt.Item.Name}}, nil
	case "response.function_call_arguments.delta":
		if evt.Delta == "" {
			return nil, nil
		}
		return []StreamDelta{{ToolCallIndex: evt.OutputIndex, ToolCallArgsDelta: evt.Delta}}, nil
	case "response.completed":
		d := StreamDelta{Done: true, FinishReason: "completed", ResponseID: evt.Response.ID, ModelVersion: evt.Response.Model}
		if evt.Response.Usage != nil {
			d.Usage = &Usage{InputTokens: evt.Response.Usage.InputTokens, OutputTokens: evt.Response.Usage.OutputTokens}
		}
		return []StreamDelta{d}, nil
	case "response.incomplete":
		return []StreamDelta{buildStreamDone("incomplete")}, nil
	case "response.failed":
		return nil, formatErr(ErrAPI, "openai_responses: %s: %s", evt.Response.Error.Code, evt.Response.Error.Message)
	default:
		return nil, nil
	}
}
