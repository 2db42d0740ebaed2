//go:build !windows

// Plugin hot-reload, adapted from internal/plugins/runtime_loader.go and
// internal/plugins/discovery.go's path-traversal validation: Go's native
// plugin.Open loads a shared object and looks up a well-known exported
// symbol, here a Tool rather than a RuntimePlugin. Reload is a maintenance
// operation (spec §4.3), not on the hot path: it unregisters the tool,
// re-opens the .so, and re-registers whatever Tool it finds.
package tools

import (
	"fmt"
	"path/filepath"
	"plugin"
	"strings"
	"sync"
)

// ToolPluginSymbol is the exported symbol name a tool plugin .so must
// define, of type Tool or *Tool.
const ToolPluginSymbol = "AgentRunTool"

// PluginHost tracks which tool IDs were loaded from which plugin file, so
// ReloadPlugin knows what to unregister and re-register.
type PluginHost struct {
	registry *Registry

	mu    sync.Mutex
	paths map[string]string // tool_id -> plugin path
}

// NewPluginHost constructs a PluginHost over registry.
func NewPluginHost(registry *Registry) *PluginHost {
	return &PluginHost{registry: registry, paths: make(map[string]string)}
}

// LoadPlugin opens the .so at path, registers the Tool it exports, and
// remembers the path for future ReloadPlugin calls.
func (h *PluginHost) LoadPlugin(path string) (Tool, error) {
	validated, err := validatePluginPath(path)
	if err != nil {
		return nil, fmt.Errorf("tools: invalid plugin path: %w", err)
	}

	tool, err := loadToolPlugin(validated)
	if err != nil {
		return nil, err
	}
	if err := h.registry.Register(tool); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.paths[tool.ToolID()] = validated
	h.mu.Unlock()
	return tool, nil
}

// ReloadPlugin unregisters toolID, re-opens its remembered plugin file,
// and re-registers the freshly loaded Tool. It is an error to reload a
// tool that was not loaded via LoadPlugin.
func (h *PluginHost) ReloadPlugin(toolID string) (Tool, error) {
	h.mu.Lock()
	path, ok := h.paths[toolID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tools: %s was not loaded from a plugin", toolID)
	}

	h.registry.Unregister(toolID)
	tool, err := loadToolPlugin(path)
	if err != nil {
		return nil, err
	}
	if err := h.registry.Register(tool); err != nil {
		return nil, err
	}
	return tool, nil
}

func loadToolPlugin(path string) (Tool, error) {
	plug, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tools: open plugin %s: %w", path, err)
	}
	symbol, err := plug.Lookup(ToolPluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("tools: lookup %s in %s: %w", ToolPluginSymbol, path, err)
	}
	switch v := symbol.(type) {
	case Tool:
		return v, nil
	case *Tool:
		return *v, nil
	default:
		return nil, fmt.Errorf("tools: plugin symbol %s in %s does not implement Tool", ToolPluginSymbol, path)
	}
}

// validatePluginPath rejects traversal attempts and resolves an absolute,
// cleaned path, matching internal/plugins/discovery.go's ValidatePluginPath.
func validatePluginPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("plugin path is empty")
	}
	cleaned := filepath.Clean(path)
	if containsTraversalSegment(cleaned) {
		return "", fmt.Errorf("path contains '..' after cleaning: %s", path)
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	if containsTraversalSegment(abs) {
		return "", fmt.Errorf("absolute path contains '..': %s", abs)
	}
	return abs, nil
}

func containsTraversalSegment(path string) bool {
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}
