package engine

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCallCodec translates between the three on-the-wire tool-call
// encodings (native functionCall, XML <tool_use>, JSON <<<TOOL_CALL>>>) and
// the canonical FunctionCall part. Every other component sees only
// canonical FunctionCall/FunctionResponse variants — the live extractor in
// StreamAccumulator is the only other place aware of textual encodings.
type ToolCallCodec struct{}

var (
	xmlToolUseRe = regexp.MustCompile(`(?s)<tool_use>\s*<tool_name>(.*?)</tool_name>\s*<parameters>(.*?)</parameters>\s*</tool_use>`)
	xmlParamRe = regexp.MustCompile(`(?s)<([a-zA-Z_][\w-]*)>(.*?)</([a-zA-Z_][\w-]*)>`)
	jsonToolCallRe = regexp.MustCompile(`(?s)<<<TOOL_CALL>>>(.*?)<<<END_TOOL_CALL>>>`)
)

// EncodeXML renders a FunctionCall as a <tool_use> text block for models
// that use the xml toolMode.
func (ToolCallCodec) EncodeXML(call ToolCall) string {
	var params map[string]any
	_ = json.Unmarshal(call.Arguments, &params)
	var sb strings.Builder
	sb.WriteString("<tool_use>\n<tool_name>")
	sb.WriteString(call.Name)
	sb.WriteString("</tool_name>\n<parameters>\n")
	for k, v := range params {
		sb.WriteString("<")
		sb.WriteString(k)
		sb.WriteString(">")
		sb.WriteString(stringifyParam(v))
		sb.WriteString("</")
		sb.WriteString(k)
		sb.WriteString(">\n")
	}
	sb.WriteString("</parameters>\n</tool_use>")
	return sb.String()
}

// EncodeJSON renders a FunctionCall as a fenced <<<TOOL_CALL>>> block for
// models that use the json toolMode.
func (ToolCallCodec) EncodeJSON(call ToolCall) string {
	payload := map[string]json.RawMessage{
		"tool": json.RawMessage(`"` + call.Name + `"`),
		"parameters": call.Arguments,
	}
	body, _ := json.Marshal(payload)
	return "<<<TOOL_CALL>>>" + string(body) + "<<<END_TOOL_CALL>>>"
}

// ExtractXML scans text for the first complete <tool_use>...</tool_use>
// region and returns the call found plus the text with that region removed.
func (ToolCallCodec) ExtractXML(text string) (calls []ToolCall, rewritten string, found bool) {
	loc := xmlToolUseRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, text, false
	}
	name := strings.TrimSpace(text[loc[2]:loc[3]])
	paramsBlock := text[loc[4]:loc[5]]
	params := map[string]any{}
	for _, m := range xmlParamRe.FindAllStringSubmatch(paramsBlock, -1) {
		params[m[1]] = m[2]
	}
	args, _ := json.Marshal(params)
	call := ToolCall{ID: SynthesizeToolCallID(), Name: name, Arguments: args}
	rewritten = text[:loc[0]] + text[loc[1]:]
	return []ToolCall{call}, rewritten, true
}

// ExtractJSON scans text for a complete <<<TOOL_CALL>>>...<<<END_TOOL_CALL>>>
// block and returns the call found plus the text with the block removed.
func (ToolCallCodec) ExtractJSON(text string) (calls []ToolCall, rewritten string, found bool) {
	loc := jsonToolCallRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, text, false
	}
	body := strings.TrimSpace(text[loc[2]:loc[3]])
	var payload struct {
		Tool string `json:"tool"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, text, false
	}
	args := payload.Parameters
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	call := ToolCall{ID: SynthesizeToolCallID(), Name: payload.Tool, Arguments: args}
	rewritten = text[:loc[0]] + text[loc[1]:]
	return []ToolCall{call}, rewritten, true
}

// EarliestExtraction runs both extractors and returns whichever match
// starts earlier in the text, per ("when both encodings
// appear in the same text, the earlier-starting region wins").
func (c ToolCallCodec) EarliestExtraction(text string) (calls []ToolCall, rewritten string, found bool) {
	xmlLoc := xmlToolUseRe.FindStringIndex(text)
	jsonLoc := jsonToolCallRe.FindStringIndex(text)
	switch {
	case xmlLoc == nil && jsonLoc == nil:
		return nil, text, false
	case xmlLoc == nil:
		return c.ExtractJSON(text)
	case jsonLoc == nil:
		return c.ExtractXML(text)
	case xmlLoc[0] <= jsonLoc[0]:
		return c.ExtractXML(text)
	default:
		return c.ExtractJSON(text)
	}
}

func stringifyParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
