package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgehq/agentrun/pkg/models"
)

// DefaultTimeout bounds every tool invocation made through Execute, which
// takes no per-call override; sandbox shell commands pass their own
// command timeout to the sandbox provider (60s by default, per spec §5),
// so this is a conservative backstop.
const DefaultTimeout = 300 * time.Second

// Orchestrator is the Tool Orchestrator: it discovers tools via Registry
// and invokes any registered method by (tool_id, method_name, params),
// returning a models.ToolResult. Concurrency is bounded by a semaphore so
// a burst of parallel subtask execution cannot exhaust sandbox resources,
// matching internal/agent/executor.go's Executor.
type Orchestrator struct {
	registry *Registry
	sem      chan struct{}

	mu        sync.Mutex
	cancelers map[string]context.CancelFunc // execution_id -> cancel
}

// NewOrchestrator constructs an Orchestrator bound to registry, allowing
// up to maxConcurrent invocations in flight at once.
func NewOrchestrator(registry *Registry, maxConcurrent int) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Orchestrator{
		registry:  registry,
		sem:       make(chan struct{}, maxConcurrent),
		cancelers: make(map[string]context.CancelFunc),
	}
}

// Execute invokes (toolID, methodName, params) uniformly: it validates
// params against the method's schema, recovers from panics, maps any
// returned error to a failed ToolResult, and wraps successful arbitrary
// results into a completed ToolResult.
func (o *Orchestrator) Execute(ctx context.Context, toolID, methodName string, params json.RawMessage) models.ToolResult {
	executionID := uuid.NewString()
	start := time.Now()
	result := models.ToolResult{
		ToolID:      toolID,
		ExecutionID: executionID,
		Status:      models.ToolResultRunning,
		StartTime:   start,
	}

	full := toolID + "__" + methodName
	method, ok := o.registry.Lookup(full)
	if !ok {
		return o.fail(result, fmt.Errorf("tools: no such tool method %s", full))
	}
	if err := o.registry.ValidateParams(full, params); err != nil {
		return o.fail(result, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	o.trackCancel(executionID, cancel)
	defer func() {
		cancel()
		o.untrackCancel(executionID)
	}()

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-callCtx.Done():
		return o.fail(result, callCtx.Err())
	}

	data, err := o.invokeSafely(callCtx, method, params)
	if err != nil {
		return o.fail(result, err)
	}

	end := time.Now()
	result.Status = models.ToolResultCompleted
	result.Progress = 1
	result.EndTime = &end
	result.Result = data
	return result
}

// invokeSafely calls method.Execute, converting any panic into an error so
// a single misbehaving tool cannot take down the worker process. Adapted
// from internal/agent/executor.go's recover()+debug.Stack() pattern.
func (o *Orchestrator) invokeSafely(ctx context.Context, method Method, params json.RawMessage) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tools: tool panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return method.Execute(ctx, params)
}

func (o *Orchestrator) fail(result models.ToolResult, err error) models.ToolResult {
	end := time.Now()
	result.Status = models.ToolResultFailed
	result.EndTime = &end
	result.Error = err.Error()
	return result
}

// Cancel requests cooperative cancellation of an in-flight invocation by
// execution_id. Whether the tool observes cancellation before returning is
// tool-specific, per spec §4.3.
func (o *Orchestrator) Cancel(executionID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancelers[executionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) trackCancel(executionID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancelers[executionID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrackCancel(executionID string) {
	o.mu.Lock()
	delete(o.cancelers, executionID)
	o.mu.Unlock()
}

// Registry exposes the underlying tool registry for schema discovery.
func (o *Orchestrator) Registry() *Registry { return o.registry }
