package mcptools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/xonecas/symbloop/internal/engine"
	"github.com/xonecas/symbloop/internal/mcp"
)

// confirmByDefault lists the tool names that require user confirmation
// before dispatch: the two handlers that mutate the workspace (Edit,
// Shell) default to requiring it, everything else (read-only
// inspection/search tools) doesn't.
var confirmByDefault = map[string]bool{
	"Edit": true,
	"Shell": true,
}

// Registry adapts an *mcp.Proxy into engine.ToolRegistry, the interface
// ToolLoopDriver/FlowFacade dispatch calls through.
type Registry struct {
	Proxy *mcp.Proxy
	ConfirmNames map[string]bool // overrides confirmByDefault when non-nil
}

// NewRegistry wraps proxy with the default confirmation set.
func NewRegistry(proxy *mcp.Proxy) *Registry {
	return &Registry{Proxy: proxy, ConfirmNames: confirmByDefault}
}

// GetDeclarationsFiltered implements engine.ToolRegistry.
func (r *Registry) GetDeclarationsFiltered(predicate func(engine.ToolDecl) bool) []engine.ToolDecl {
	tools, err := r.Proxy.ListTools(context.Background())
	if err != nil {
		return nil
	}
	var out []engine.ToolDecl
	for _, t := range tools {
		decl := engine.ToolDecl{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
		if predicate == nil || predicate(decl) {
			out = append(out, decl)
		}
	}
	return out
}

// Invoke implements engine.ToolRegistry: dispatches through the proxy and
// flattens its mcp.ToolResult content blocks into the engine's
// json.RawMessage response shape.
func (r *Registry) Invoke(ctx context.Context, req engine.InvokeRequest) (engine.ToolResult, error) {
	result, err := r.Proxy.CallTool(ctx, req.Name, req.Args)
	if err != nil {
		return engine.ToolResult{}, err
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	response, marshalErr := json.Marshal(sb.String())
	if marshalErr != nil {
		response = json.RawMessage(`""`)
	}
	if result.IsError {
		response, _ = json.Marshal(map[string]string{"error": sb.String()})
	}

	return engine.ToolResult{ID: req.ID, Name: req.Name, Response: response}, nil
}

// NeedsConfirmation implements engine.ToolRegistry.
func (r *Registry) NeedsConfirmation(call engine.ToolCall) bool {
	set := r.ConfirmNames
	if set == nil {
		set = confirmByDefault
	}
	return set[call.Name]
}
