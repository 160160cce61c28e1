package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// DefaultChannelManager is the concrete ChannelManager: channel config
// lookup, formatter selection (one of the four canonical
// ProviderFormatters, or a LegacyChannel for a "legacy:*" dialect), HTTP
// issuance, and feeding a StreamAccumulator from the decoded frames.
// Grounded on provider.Registry for the legacy half, with the overall
// "stream then finalize" shape generalized to all four dialects.
type DefaultChannelManager struct {
	channels map[string]ChannelConfig
	order []string

	formatters map[Dialect]ProviderFormatter
	legacy map[string]*LegacyChannel

	tools ToolRegistry

	HTTPClient *http.Client
}

// NewDefaultChannelManager wires the four canonical formatters; legacy
// channels are registered afterward via RegisterLegacy.
func NewDefaultChannelManager(tools ToolRegistry) *DefaultChannelManager {
	return &DefaultChannelManager{
		channels: make(map[string]ChannelConfig),
		formatters: map[Dialect]ProviderFormatter{
			DialectGemini: NewGeminiFormatter(),
			DialectOpenAIChat: NewOpenAIChatFormatter(),
			DialectOpenAIResponses: NewOpenAIResponsesFormatter(),
			DialectAnthropic: NewAnthropicFormatter(),
		},
		legacy: make(map[string]*LegacyChannel),
		tools: tools,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// RegisterChannel adds or replaces a channel configuration.
func (m *DefaultChannelManager) RegisterChannel(cfg ChannelConfig) {
	if _, exists := m.channels[cfg.ID]; !exists {
		m.order = append(m.order, cfg.ID)
	}
	m.channels[cfg.ID] = cfg
}

// RegisterLegacy binds a channel id configured with a "legacy:*" dialect to
// one of provider.Provider transports.
func (m *DefaultChannelManager) RegisterLegacy(configID string, lc *LegacyChannel) {
	m.legacy[configID] = lc
}

func (m *DefaultChannelManager) Channel(configID string) (ChannelConfig, bool) {
	cfg, ok := m.channels[configID]
	return cfg, ok
}

func (m *DefaultChannelManager) GetToolDeclarationsForPreview(cfg ChannelConfig) []ToolDecl {
	if m.tools == nil {
		return nil
	}
	return m.tools.GetDeclarationsFiltered(func(ToolDecl) bool { return true })
}

// Stream issues req against the channel identified by req.ConfigID,
// dispatching to the legacy bridge or the matching ProviderFormatter, and
// returns the finalized Message.
func (m *DefaultChannelManager) Stream(ctx context.Context, req GenerateRequest, onDelta func(StreamDelta)) (Message, error) {
	cfg, ok := m.channels[req.ConfigID]
	if !ok {
		return Message{}, &Error{Code: ErrConfigNotFound, Message: "channel not found: " + req.ConfigID}
	}

	if lc, ok := m.legacy[req.ConfigID]; ok {
		return lc.Stream(ctx, req, cfg.ToolMode, onDelta)
	}

	formatter, ok := m.formatters[cfg.Dialect]
	if !ok {
		return Message{}, &Error{Code: ErrConfigNotFound, Message: "no formatter for dialect: " + string(cfg.Dialect)}
	}

	buildInput := BuildRequestInput{
		Channel: cfg,
		History: req.History,
		Tools: req.Tools,
		DynamicSystemPrompt: req.DynamicSystemPrompt,
		PreviousResponseID: req.PreviousResponseID,
		PromptCacheKey: req.PromptCacheKey,
		SkipTools: req.SkipTools,
		Stream: cfg.PreferStream,
	}
	httpReq, err := formatter.BuildRequest(buildInput)
	if err != nil {
		return Message{}, err
	}

	httpResp, err := m.issue(ctx, cfg, httpReq)
	if err != nil {
		if req.OnRetry != nil {
			req.OnRetry(1, err, 0)
		}
		return Message{}, err
	}
	defer httpResp.Close()

	if !httpReq.Stream {
		body, err := io.ReadAll(httpResp)
		if err != nil {
			return Message{}, &Error{Code: ErrNetwork, Message: "reading response body", Cause: err}
		}
		return formatter.ParseResponse(body)
	}

	acc := NewStreamAccumulator(cfg.ToolMode)
	framer := NewStreamFramer(httpResp)
	err = drainFrames(ctx, framer, formatter, cfg.Dialect, func(d StreamDelta) {
			acc.Feed(d)
			onDelta(d)
		})
	if err != nil {
		if e, ok := err.(*Error); ok {
			return acc.Finalize(), e
		}
		return acc.Finalize(), &Error{Code: ErrNetwork, Message: "stream interrupted", Cause: err}
	}
	return acc.Finalize(), nil
}

func (m *DefaultChannelManager) issue(ctx context.Context, cfg ChannelConfig, hr HTTPRequest) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, hr.Method, hr.URL, bytes.NewReader(hr.Body))
	if err != nil {
		return nil, &Error{Code: ErrValidation, Message: "building http request", Cause: err}
	}
	for k, v := range hr.Headers {
		httpReq.Header.Set(k, v)
	}

	client := m.HTTPClient
	if cfg.Timeout > 0 {
		c := *client
		c.Timeout = cfg.Timeout
		client = &c
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: ErrNetwork, Message: "http request failed", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewAPIError(resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
