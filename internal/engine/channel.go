package engine

import "time"

// ToolMode is the on-the-wire encoding a channel uses for tool invocations.
type ToolMode string

const (
	ToolModeFunctionCall ToolMode = "function_call"
	ToolModeXML ToolMode = "xml"
	ToolModeJSON ToolMode = "json"
)

// Dialect identifies which ProviderFormatter builds requests for a channel.
type Dialect string

const (
	DialectGemini Dialect = "gemini"
	DialectOpenAIChat Dialect = "openai_chat"
	DialectOpenAIResponses Dialect = "openai_responses"
	DialectAnthropic Dialect = "anthropic"
)

// RetryConfig is the per-channel retry policy configuration.
type RetryConfig struct {
	Enabled bool `toml:"enabled"`
	MaxAttempts int `toml:"max_attempts"`
	BaseInterval float64 `toml:"base_interval_seconds"`
}

// ChannelConfig describes one configured provider endpoint/model pairing.
// It extends internal/config.ProviderConfig's shape with the fields
// ProviderFormatter / ContextAssembler / ContinuationCache require.
type ChannelConfig struct {
	ID string `toml:"id"`
	Dialect Dialect `toml:"dialect"`
	Endpoint string `toml:"endpoint"`
	Model string `toml:"model"`
	CredentialRef string `toml:"credential_ref"`

	SystemInstruction string `toml:"system_instruction"`
	ToolMode ToolMode `toml:"tool_mode"`

	// ContextThreshold is either an absolute token count (>1) or a
	// fraction of the model's context window (0 < v <= 1).
	ContextThreshold float64 `toml:"context_threshold"`
	ModelContextWindow int `toml:"model_context_window"`

	Retry RetryConfig `toml:"retry"`

	Headers map[string]string `toml:"headers"`
	BodyOverlay map[string]any `toml:"body_overlay"`

	Timeout time.Duration `toml:"timeout"`
	PreferStream bool `toml:"prefer_stream"`
	SendHistoryThoughts bool `toml:"send_history_thoughts"`
	SendHistoryThoughtSignatures bool `toml:"send_history_thought_signatures"`

	Enabled bool `toml:"enabled"`
}

// ResolvedContextThreshold returns the absolute token threshold for this
// channel, resolving a percentage threshold against ModelContextWindow.
func (c ChannelConfig) ResolvedContextThreshold() int {
	if c.ContextThreshold > 1 {
		return int(c.ContextThreshold)
	}
	if c.ContextThreshold > 0 && c.ModelContextWindow > 0 {
		return int(c.ContextThreshold * float64(c.ModelContextWindow))
	}
	// Sensible default: 80% of a conservative 32k window.
	return int(0.8 * 32000)
}
