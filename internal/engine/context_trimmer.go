package engine

// EstimateTokens is a cheap token-count heuristic (≈4 characters per
// token), used only for trim-threshold comparisons, not billing. No
// tokenizer library is wired anywhere in this module, so a character-based
// estimate is the simplest approximation that's good enough for trimming
// decisions.
func EstimateTokens(m Message) int {
	n := 0
	for _, p := range m.Parts {
		switch p.Kind {
		case PartText:
			n += len(p.Text) / 4
		case PartFunctionCall:
			n += len(p.CallArgs)/4 + len(p.CallName)
		case PartFunctionResponse:
			n += len(p.RespResponse) / 4
		case PartInlineData:
			n += len(p.Base64) / 4
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

// ContextTrimmer drops oldest turns so estimated tokens stay under a
// configured threshold, never crossing a summary anchor and never
// splitting a FunctionCall/FunctionResponse pair.
type ContextTrimmer struct{}

// Trim returns the history to send on the wire, plus the index (into the
// original slice) of the first kept message. Nothing before
// lastSummaryIndex is kept; when history[lastSummaryIndex] is a summary
// message it is always kept, followed by the untrimmed suffix after it.
func (ContextTrimmer) Trim(history []Message, lastSummaryIndex int, threshold int) (trimmed []Message, trimStartIndex int) {
	floor := 0
	if lastSummaryIndex >= 0 {
		floor = lastSummaryIndex
	}

	total := 0
	for i := floor; i < len(history); i++ {
		total += EstimateTokens(history[i])
	}

	start := floor
	keepAnchor := lastSummaryIndex >= 0 && lastSummaryIndex < len(history) && history[lastSummaryIndex].IsSummary
	if keepAnchor {
		start = floor + 1
	}
	for total > threshold && start < len(history)-1 {
		total -= EstimateTokens(history[start])
		drop := start
		start++

		// Never split a FunctionCall/FunctionResponse pair: if the message
		// just dropped was a model turn with function calls, drop the
		// paired response turn in the same step.
		if history[drop].Role == RoleModel && history[drop].HasFunctionCalls() && start < len(history) {
			if history[start].IsFunctionResponse {
				total -= EstimateTokens(history[start])
				start++
			}
		}
	}

	if start > len(history) {
		start = len(history)
	}
	if keepAnchor {
		return append([]Message{history[floor]}, history[start:]...), floor
	}
	return history[start:], start
}
