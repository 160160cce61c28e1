package engine

import (
	"encoding/json"
)

// geminiFormatter implements ProviderFormatter for the raw Gemini
// generateContent/streamGenerateContent dialect. The legacy provider
// transports only reach Gemini indirectly through the bundled zen SDK's
// unified-event translation (provider/zen.go's emitGeminiEvent); this
// formatter is new wiring, hand-rolled against Gemini's own wire shape
// (candidates[0].content.parts[].{text,functionCall}, usageMetadata) since
// nothing in the retrieved reference code builds a raw
// Gemini request body directly (see SPEC_FULL.md "New wiring").
type geminiFormatter struct{}

func NewGeminiFormatter() ProviderFormatter { return geminiFormatter{} }

func (geminiFormatter) Dialect() Dialect { return DialectGemini }

type geminiPart struct {
	Text string `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
	FileData *geminiFileData `json:"fileData,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResp *geminiFunctionResp `json:"functionResponse,omitempty"`
	Thought bool `json:"thought,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFunctionResp struct {
	Name string `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiContent struct {
	Role string `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDecl struct {
	Name string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"systemInstruction,omitempty"`
	Tools []geminiTool `json:"tools,omitempty"`
}

func (f geminiFormatter) BuildRequest(req BuildRequestInput) (HTTPRequest, error) {
	history := NormalizeHistory(req.History)
	history = RewriteForToolMode(history, req.Channel.ToolMode, ToolCallCodec{})

	contents := f.toGeminiContents(history)
	sysText := ComposeSystemInstruction(req.Channel.SystemInstruction, req.DynamicSystemPrompt, req.Tools, req.Channel.ToolMode)
	var sysInstr *geminiSystemInstruction
	if sysText != "" {
		sysInstr = &geminiSystemInstruction{Parts: []geminiPart{{Text: sysText}}}
	}

	var tools []geminiTool
	if !req.SkipTools && req.Channel.ToolMode == ToolModeFunctionCall && len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	body := geminiRequest{Contents: contents, SystemInstruction: sysInstr, Tools: tools}
	payload, err := json.Marshal(body)
	if err != nil {
		return HTTPRequest{}, formatErr(ErrValidation, "gemini: marshal request: %v", err)
	}

	url := req.Channel.Endpoint
	if req.Stream {
		url += ":streamGenerateContent?alt=sse"
	} else {
		url += ":generateContent"
	}
	headers := map[string]string{"content-type": "application/json"}
	for k, v := range req.Channel.Headers {
		headers[k] = v
	}
	return HTTPRequest{Method: "POST", URL: url, Headers: headers, Body: payload, Stream: req.Stream}, nil
}

func (f geminiFormatter) toGeminiContents(history []Message) []geminiContent {
	var out []geminiContent
	for _, m := range history {
		role := "user"
		if m.Role == RoleModel {
			role = "model"
		}
		var parts []geminiPart
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				if p.Text != "" {
					parts = append(parts, geminiPart{Text: p.Text, Thought: p.Thought})
				}
			case PartInlineData:
				parts = append(parts, geminiPart{InlineData: &geminiBlob{MimeType: p.MimeType, Data: p.Base64}})
			case PartFileData:
				parts = append(parts, geminiPart{FileData: &geminiFileData{MimeType: p.MimeType, FileURI: p.URI}})
			case PartFunctionCall:
				args := p.CallArgs
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: p.CallName, Args: args}})
			case PartFunctionResponse:
				parts = append(parts, geminiPart{FunctionResp: &geminiFunctionResp{Name: p.RespName, Response: p.RespResponse}})
				for _, sib := range p.RespParts {
					if sib.Kind == PartInlineData {
						parts = append(parts, geminiPart{InlineData: &geminiBlob{MimeType: sib.MimeType, Data: sib.Base64}})
					} else if sib.Kind == PartFileData {
						parts = append(parts, geminiPart{FileData: &geminiFileData{MimeType: sib.MimeType, FileURI: sib.URI}})
					}
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
	FinishReason string `json:"finishReason"`
}

type geminiResponseBody struct {
	Candidates []geminiCandidate `json:"candidates"`
	ModelVersion string `json:"modelVersion"`
	ResponseID string `json:"responseId"`
	UsageMetadata *struct {
		PromptTokenCount int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (f geminiFormatter) ParseResponse(body []byte) (Message, error) {
	var resp geminiResponseBody
	if err := json.Unmarshal(DecodeSingleJSON(body), &resp); err != nil {
		return Message{}, formatErr(ErrParse, "gemini: parse response: %v", err)
	}
	if len(resp.Candidates) == 0 {
		return Message{}, formatErr(ErrParse, "gemini: response has no candidates")
	}
	cand := resp.Candidates[0]
	msg := Message{Role: RoleModel, FinishReason: cand.FinishReason, ModelVersion: resp.ModelVersion, ResponseID: resp.ResponseID}
	if resp.UsageMetadata != nil {
		msg.Usage = &Usage{InputTokens: resp.UsageMetadata.PromptTokenCount, OutputTokens: resp.UsageMetadata.CandidatesTokenCount}
	}
	for _, p := range cand.Content.Parts {
		msg.Parts = append(msg.Parts, f.fromGeminiPart(p))
	}
	return msg, nil
}

func (f geminiFormatter) fromGeminiPart(p geminiPart) Part {
	switch {
	case p.FunctionCall != nil:
		args := p.FunctionCall.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return NewFunctionCallPart("", p.FunctionCall.Name, args)
	case p.InlineData != nil:
		return NewInlineDataPart(p.InlineData.MimeType, p.InlineData.Data, "")
	case p.FileData != nil:
		return NewFileDataPart(p.FileData.MimeType, p.FileData.FileURI, "")
	case p.Thought:
		return NewThoughtPart(p.Text)
	default:
		return NewTextPart(p.Text)
	}
}

// geminiStreamChunk mirrors provider/zen.go's emitGeminiEvent: each SSE
// chunk carries candidates[0].content.parts[].{text,functionCall} plus an
// optional usageMetadata tail chunk. Gemini's native tool calls carry no id
// on the wire, so fromGeminiPart gets one from NewFunctionCallPart, exactly
// as for a non-streaming response; here the call is
// fully present in one chunk (Gemini does not fragment functionCall.args
// across multiple deltas), so it is emitted as a single Parts entry rather
// than via the ToolCallBegin/ArgsDelta pair the token-fragmenting dialects
// need.
func (f geminiFormatter) ParseStreamChunk(frame Frame) ([]StreamDelta, error) {
	var chunk geminiResponseBody
	if err := json.Unmarshal(frame.Value, &chunk); err != nil {
		return nil, formatErr(ErrParse, "gemini: parse chunk: %v", err)
	}
	var out []StreamDelta
	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		d := StreamDelta{ModelVersion: chunk.ModelVersion, ResponseID: chunk.ResponseID}
		for _, p := range cand.Content.Parts {
			d.Parts = append(d.Parts, f.fromGeminiPart(p))
		}
		if cand.FinishReason != "" {
			d.Done = true
			d.FinishReason = cand.FinishReason
		}
		out = append(out, d)
	}
	if chunk.UsageMetadata != nil {
		out = append(out, StreamDelta{Usage: &Usage{InputTokens: chunk.UsageMetadata.PromptTokenCount, OutputTokens: chunk.UsageMetadata.CandidatesTokenCount}})
	}
	return out, nil
}
