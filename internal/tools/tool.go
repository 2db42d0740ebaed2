// Package tools implements the Tool Orchestrator: a registry of tools
// (each exposing typed methods and JSON schemas) and a uniform invocation
// contract that produces a models.ToolResult.
//
// The RWMutex-guarded registry and tool_id__method_name addressing are
// adapted from internal/agent/tool_registry.go's ToolRegistry; the
// execution contract (panic recovery, per-call timeout, semaphore-bounded
// concurrency) is adapted from internal/agent/executor.go's Executor.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgehq/agentrun/pkg/models"
)

// MaxToolNameLength bounds tool_id/method_name strings, matching the
// teacher's own registry hardening.
const MaxToolNameLength = 256

// MaxParamsSize bounds the serialized parameters object accepted by
// ValidateParams, matching the teacher's own registry hardening.
const MaxParamsSize = 10 * 1024 * 1024

// Method is one invokable method of a Tool: its schema plus the function
// that executes it. Execute receives already-validated params and returns
// arbitrary structured data or an error; the orchestrator wraps either
// into a models.ToolResult.
type Method struct {
	Schema  models.ToolSchema
	Execute func(ctx context.Context, params json.RawMessage) (any, error)
}

// Tool is an opaque capability exposing one or more named methods. Per
// spec §1, the core never inspects what a tool *does* — only its schema
// and its uniform invocation contract.
type Tool interface {
	ToolID() string
	Methods() []Method
}

// Registry discovers tools (direct registration; plugin hot-reload is
// layered on top in plugin.go) and exposes their schemas.
type Registry struct {
	mu       sync.RWMutex
	methods  map[string]Method             // "tool_id__method_name" -> Method
	compiled map[string]*jsonschema.Schema // same key -> compiled parameter schema
	toolIDs  map[string]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		methods:  make(map[string]Method),
		compiled: make(map[string]*jsonschema.Schema),
		toolIDs:  make(map[string]struct{}),
	}
}

// Register adds every method of tool to the registry, compiling each
// method's JSON parameter schema once up front so invocation-time
// validation never pays compilation cost.
func (r *Registry) Register(tool Tool) error {
	toolID := tool.ToolID()
	if len(toolID) > MaxToolNameLength {
		return fmt.Errorf("tools: tool_id %q exceeds max length", toolID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range tool.Methods() {
		if len(m.Schema.MethodName) > MaxToolNameLength {
			return fmt.Errorf("tools: method_name %q exceeds max length", m.Schema.MethodName)
		}
		m.Schema.ToolID = toolID
		full := m.Schema.FullName()

		compiled, err := compileParameterSchema(full, m.Schema.Parameters)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %s: %w", full, err)
		}

		r.methods[full] = m
		r.compiled[full] = compiled
	}
	r.toolIDs[toolID] = struct{}{}
	return nil
}

// Unregister removes every method belonging to toolID, used by plugin
// hot-reload before re-registering a freshly loaded version.
func (r *Registry) Unregister(toolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for full, m := range r.methods {
		if m.Schema.ToolID == toolID {
			delete(r.methods, full)
			delete(r.compiled, full)
		}
	}
	delete(r.toolIDs, toolID)
}

// Lookup returns the method registered under "tool_id__method_name".
func (r *Registry) Lookup(fullName string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[fullName]
	return m, ok
}

// Schemas returns every registered method's schema, the OpenAPI-style
// catalog the Task Planner prompts with.
func (r *Registry) Schemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSchema, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m.Schema)
	}
	return out
}

// XMLSchemas returns the subset of schemas carrying an XML-tag
// advertisement, the second of the two schema forms alongside Schemas'
// OpenAPI-style list.
func (r *Registry) XMLSchemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ToolSchema
	for _, m := range r.methods {
		if m.Schema.XMLTagName != "" {
			out = append(out, m.Schema)
		}
	}
	return out
}

// ValidateParams validates params against fullName's compiled JSON schema.
func (r *Registry) ValidateParams(fullName string, params json.RawMessage) error {
	if len(params) > MaxParamsSize {
		return fmt.Errorf("tools: params for %s exceed max size", fullName)
	}
	r.mu.RLock()
	schema, ok := r.compiled[fullName]
	r.mu.RUnlock()
	if !ok || schema == nil {
		return nil // no parameter schema supplied; nothing to validate
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("tools: params for %s are not valid JSON: %w", fullName, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tools: params for %s failed schema validation: %w", fullName, err)
	}
	return nil
}

func compileParameterSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://" + id + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
