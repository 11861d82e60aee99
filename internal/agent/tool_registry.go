package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/spectra/pkg/models"
)

// ToolRegistry is the closed dispatch table from ToolName to handler.
// Only names in models.KnownToolNames can be registered, and lookups for
// any other name fail with ErrUnknownTool.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[models.ToolName]Tool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[models.ToolName]Tool),
	}
}

// Register adds a tool to the registry by its name.
// If a tool with the same name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register tool: nil tool")
	}
	name := tool.Name()
	if !name.Valid() {
		return fmt.Errorf("register tool: %w: %q", ErrUnknownTool, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	return nil
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name models.ToolName) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
const MaxToolParamsSize = 10 << 20

// Execute dispatches one call. Unknown names return ErrUnknownTool; the
// caller decides how to surface it.
func (r *ToolRegistry) Execute(ctx context.Context, name models.ToolName, params json.RawMessage) (*ToolResult, error) {
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool.Execute(ctx, params)
}

// Definitions returns the registered tools in a stable order for passing to
// LLM providers.
func (r *ToolRegistry) Definitions() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, name := range models.KnownToolNames {
		if t, ok := r.tools[name]; ok {
			tools = append(tools, t)
		}
	}
	return tools
}
