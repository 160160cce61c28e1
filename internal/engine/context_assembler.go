package engine

import (
	"strings"
)

// AssembledContext is the ContextAssembler's output.
type AssembledContext struct {
	History []Message
	SystemInstruction string
	Tools []ToolDecl
	Snapshot ContextSnapshot
}

// BaseSystemPromptProvider lets WorkspaceContext feed the assembler
// without the assembler importing it directly.
type BaseSystemPromptProvider interface {
	// BaseSystemPrompt returns the host's composed system prompt (workspace
	// metadata, pinned files, environment). forceRefresh is set on the
	// first turn of a conversation.
	BaseSystemPrompt(forceRefresh bool) string
}

// ContextAssembler composes the final system instruction and trimmed
// history for one turn, unlike a naive loop that would send the full,
// untrimmed history every turn with no system-instruction placeholder
// mechanism. Built in the same explicit-error/zerolog idiom as the rest of
// the module.
type ContextAssembler struct {
	Trimmer ContextTrimmer
	Codec ToolCallCodec
}

// AssembleInput bundles everything Assemble needs for one turn.
type AssembleInput struct {
	Conversation Conversation
	Channel ChannelConfig
	BasePrompt BaseSystemPromptProvider
	ForceRefreshPrompt bool
	PinnedPromptBlock string
	SelectionRefsBlock string
	EnableSelections bool
	AllTools []ToolDecl
	ToolAllowList []string // when non-empty, restricts the tool list (locate mode)
	DynamicSystemPrompt string
}

// Assemble computes the trimmed history, composed system instruction, and
// filtered tool list for one turn.
func (a ContextAssembler) Assemble(in AssembleInput) AssembledContext {
	lastSummary := in.Conversation.LastSummaryIndex()
	fullHistory := in.Conversation.Messages
	historyFromSummary := fullHistory
	if lastSummary >= 0 {
		historyFromSummary = fullHistory[lastSummary:]
	}

	threshold := in.Channel.ResolvedContextThreshold()
	trimmedFromAnchor, trimStartInSubslice := a.Trimmer.Trim(historyFromSummary, 0, threshold)
	trimStartIndex := trimStartInSubslice
	if lastSummary >= 0 {
		trimStartIndex += lastSummary
	}

	normalized := NormalizeHistory(trimmedFromAnchor)
	normalized = RewriteForToolMode(normalized, in.Channel.ToolMode, a.Codec)

	base := ""
	if in.BasePrompt != nil {
		base = in.BasePrompt.BaseSystemPrompt(in.ForceRefreshPrompt)
	}
	composed := in.Channel.SystemInstruction
	if base != "" {
		composed = joinNonEmpty(composed, base)
	}
	if in.PinnedPromptBlock != "" {
		composed = joinNonEmpty(composed, in.PinnedPromptBlock)
	}
	if in.EnableSelections && in.SelectionRefsBlock != "" {
		composed = joinNonEmpty(composed, in.SelectionRefsBlock)
	}

	tools := filterTools(in.AllTools, in.ToolAllowList)
	composed = ComposeSystemInstruction(composed, in.DynamicSystemPrompt, tools, in.Channel.ToolMode)

	mcpCount := 0
	for _, t := range tools {
		if strings.HasPrefix(t.Name, "mcp_") || strings.Contains(t.Name, "__") {
			mcpCount++
		}
	}

	preview := composed
	if len(preview) > 400 {
		preview = preview[:400]
	}

	snapshot := ContextSnapshot{
		SystemInstructionPreview: preview,
		Modules: splitModules(composed),
		ToolCount: len(tools),
		MCPToolCount: mcpCount,
		Trim: TrimSummary{
			FullHistoryCount: len(fullHistory),
			TrimmedHistoryCount: len(normalized),
			TrimStartIndex: trimStartIndex,
			LastSummaryIndex: lastSummary,
		},
	}

	return AssembledContext{History: normalized, SystemInstruction: composed, Tools: tools, Snapshot: snapshot}
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n\n" + b
}

func filterTools(all []ToolDecl, allowList []string) []ToolDecl {
	if len(allowList) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(allowList))
	for _, n := range allowList {
		allowed[n] = true
	}
	var out []ToolDecl
	for _, t := range all {
		if allowed[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// splitModules segments the composed system instruction on
// "====\n\n<TITLE>\n\n" markers for the debug/UI ContextSnapshot.
func splitModules(composed string) []string {
	const marker = "====\n\n"
	if !strings.Contains(composed, marker) {
		return nil
	}
	var titles []string
	segments := strings.Split(composed, marker)
	for _, seg := range segments[1:] {
		nl := strings.Index(seg, "\n\n")
		if nl < 0 {
			continue
		}
		titles = append(titles, strings.TrimSpace(seg[:nl]))
	}
	return titles
}
