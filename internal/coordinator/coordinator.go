// Package coordinator implements the Run Coordinator: the background
// worker entry point that subscribes to control signals, drives Planner
// then Plan Executor, translates their output into Response Log appends,
// and performs sandbox cleanup plus run-status finalization on exit.
//
// Grounded on internal/planexec's sink-callback shape and the
// internal/registry/internal/responselog pub/sub primitives; the
// stop-watcher-goroutine-plus-shared-flag shape is adapted from
// internal/cron/scheduler.go's own background-goroutine-plus-context
// lifecycle.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/forgehq/agentrun/internal/llm"
	"github.com/forgehq/agentrun/internal/planexec"
	"github.com/forgehq/agentrun/internal/planner"
	"github.com/forgehq/agentrun/internal/registry"
	"github.com/forgehq/agentrun/internal/responselog"
	"github.com/forgehq/agentrun/internal/runstore"
	"github.com/forgehq/agentrun/internal/sandboxctl"
	"github.com/forgehq/agentrun/internal/taskstate"
	"github.com/forgehq/agentrun/internal/tools"
	"github.com/forgehq/agentrun/pkg/models"
)

// Logger is the minimal logging surface the coordinator needs.
type Logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Job is the background-worker entry point's arguments, per spec §4.7.
type Job struct {
	RunID      string
	ThreadID   string
	InstanceID string
	ProjectID  string
	ModelName  string
	Options    models.RunOptions
}

// RetryAttempts/RetryBackoffMin govern the finalize step's runs-row write,
// per spec §4.7 step 10 ("up to 3 retries on conflict, exponential
// backoff") and §7's transient-storage-failure handling.
const (
	RetryAttempts   = 3
	RetryBackoffMin = 200 * time.Millisecond
)

// ToolSetFactory builds a fresh tool Registry for one run, bound to the
// run's sandbox, per spec §4.7 step 4 ("Instantiate a fresh Tool
// Orchestrator per run, bound to the project's sandbox"). The returned
// Registry always carries SystemCompleteTool; the factory adds any
// sandbox-bound tools (ShellSandboxTool, etc).
type ToolSetFactory func(sandboxID string) (*tools.Registry, error)

// Coordinator wires together every collaborator a run needs: registry,
// response log, task state storage, tool set, sandbox provider, and the
// LLM provider used for planning and parameter synthesis.
type Coordinator struct {
	Registry           *registry.Registry
	Log                *responselog.Log
	TaskStorage        taskstate.Storage
	Sandbox            sandboxctl.Provider
	BuildTools         ToolSetFactory
	LLM                llm.Provider
	MaxConcurrentTools int
	Logger             Logger
}

// Run executes one background job end to end: steps 1-10 of spec §4.7.
// Run-level failures are captured in the finalized run row and response
// log rather than returned; Run returns an error only when the finalize
// write itself could not be persisted after retries.
func (c *Coordinator) Run(ctx context.Context, job Job, runs runstore.RunStore, threadMessages runstore.MessageStore) error {
	existing, err := runs.Get(ctx, job.RunID)
	if err == nil && existing.Status.Terminal() {
		// Duplicate delivery of an already-finished job: the task-broker
		// contract requires this be a safe no-op.
		return nil
	}

	stopRequested := &atomic.Bool{}
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go c.watchControl(watchCtx, job.RunID, job.InstanceID, stopRequested)

	if err := c.Registry.Register(ctx, job.InstanceID, job.RunID); err != nil && c.Logger != nil {
		c.Logger.Warn("coordinator: register run", "run_id", job.RunID, "error", err)
	}
	defer func() {
		if err := c.Registry.Deregister(ctx, job.InstanceID, job.RunID); err != nil && c.Logger != nil {
			c.Logger.Warn("coordinator: deregister run", "run_id", job.RunID, "error", err)
		}
	}()

	meta := models.ResponseEventMeta{ThreadRunID: job.RunID}
	var events []models.ResponseEvent
	eventCount := 0
	emit := func(ev models.ResponseEvent) {
		events = append(events, ev)
		eventCount++
		if _, err := c.Log.Append(ctx, job.RunID, ev); err != nil && c.Logger != nil {
			c.Logger.Warn("coordinator: append response event", "run_id", job.RunID, "error", err)
		}
		if err := c.Log.Notify(ctx, job.RunID); err != nil && c.Logger != nil {
			c.Logger.Warn("coordinator: notify response event", "run_id", job.RunID, "error", err)
		}
		if eventCount%registry.RefreshEvery == 0 {
			if err := c.Registry.RefreshTTL(ctx, job.InstanceID, job.RunID); err != nil && c.Logger != nil {
				c.Logger.Warn("coordinator: refresh ttl", "run_id", job.RunID, "error", err)
			}
		}
	}

	sandboxInfo, err := c.Sandbox.GetOrStart(ctx, job.ProjectID)
	if err != nil {
		emit(statusEvent(meta, models.SubstatusError, map[string]any{"error": err.Error()}))
		return c.finalize(ctx, job, runs, models.RunFailed, fmt.Sprintf("acquire sandbox: %v", err), events)
	}

	toolReg, err := c.BuildTools(sandboxInfo.ID)
	if err != nil {
		emit(statusEvent(meta, models.SubstatusError, map[string]any{"error": err.Error()}))
		return c.finalize(ctx, job, runs, models.RunFailed, fmt.Sprintf("build tool registry: %v", err), events)
	}
	orch := tools.NewOrchestrator(toolReg, c.concurrency())

	msg, err := threadMessages.FirstUserMessage(ctx, job.ThreadID)
	if err != nil || msg.Content == "" {
		emit(statusEvent(meta, models.SubstatusError, map[string]any{"error": "missing initial prompt for thread"}))
		return c.finalize(ctx, job, runs, models.RunFailed, "missing initial prompt for thread", events)
	}
	initialPrompt := msg.Content

	emit(statusEvent(meta, models.SubstatusThreadRunStart, nil))
	emit(statusEvent(meta, models.SubstatusAssistantResponseStart, nil))

	tasks := taskstate.NewManager(c.TaskStorage)
	plan := planner.New(tasks, toolReg, c.LLM, job.ModelName)

	planCtx := planner.PlanContext{ThreadID: job.ThreadID, ProjectID: job.ProjectID}
	mainTask, err := plan.PlanTask(ctx, initialPrompt, planCtx)
	if err != nil || mainTask.Status == models.TaskPlanningFailed {
		emit(statusEvent(meta, models.SubstatusError, map[string]any{"error": errString(err, mainTask)}))
		emit(statusEvent(meta, models.SubstatusThreadRunEnd, nil))
		return c.finalize(ctx, job, runs, models.RunFailed, errString(err, mainTask), events)
	}

	exec := planexec.New(tasks, orch, c.LLM, job.ModelName)
	sink := planexec.SinkFunc(func(_ context.Context, ev models.ResponseEvent) { emit(ev) })
	stop := func() bool { return stopRequested.Load() }

	execErr := exec.ExecutePlanForTask(ctx, mainTask.ID, job.RunID, stop, sink)

	finalStatus, finalErr := c.determineFinalStatus(tasks, mainTask.ID, stopRequested.Load(), execErr)
	emit(statusEvent(meta, models.SubstatusThreadRunEnd, nil))
	return c.finalize(ctx, job, runs, finalStatus, finalErr, events)
}

func (c *Coordinator) concurrency() int {
	if c.MaxConcurrentTools <= 0 {
		return 8
	}
	return c.MaxConcurrentTools
}

// determineFinalStatus implements spec §4.7 step 9.
func (c *Coordinator) determineFinalStatus(tasks *taskstate.Manager, mainTaskID string, stopped bool, execErr error) (models.RunStatus, string) {
	if stopped {
		return models.RunStopped, ""
	}
	if execErr != nil {
		return models.RunFailed, execErr.Error()
	}
	final, err := tasks.Get(mainTaskID)
	if err != nil {
		return models.RunFailed, fmt.Sprintf("load final task state: %v", err)
	}
	if final.Status == models.TaskFailed {
		return models.RunFailed, final.Error
	}
	return models.RunCompleted, ""
}

// finalize implements spec §4.7 step 10: persist final state with
// retries, publish the terminating control signal, clean the sandbox
// workspace, stop the sandbox, and extend response-log retention.
func (c *Coordinator) finalize(ctx context.Context, job Job, runs runstore.RunStore, status models.RunStatus, errMsg string, events []models.ResponseEvent) error {
	now := time.Now()
	var writeErr error
	for attempt := 0; attempt < RetryAttempts; attempt++ {
		_, writeErr = runs.Update(ctx, job.RunID, func(r *models.Run) error {
			r.Status = status
			r.CompletedAt = &now
			r.Error = errMsg
			r.Responses = events
			return nil
		})
		if writeErr == nil {
			break
		}
		if c.Logger != nil {
			c.Logger.Warn("coordinator: finalize run write failed, retrying", "run_id", job.RunID, "attempt", attempt, "error", writeErr)
		}
		time.Sleep(RetryBackoffMin << attempt)
	}

	var signal string
	switch status {
	case models.RunCompleted:
		signal = responselog.ControlEndStream
	case models.RunFailed:
		signal = responselog.ControlError
	case models.RunStopped:
		signal = responselog.ControlStop
	}
	if signal != "" {
		if err := c.Log.PublishControl(ctx, job.RunID, signal); err != nil && c.Logger != nil {
			c.Logger.Warn("coordinator: publish terminal control signal", "run_id", job.RunID, "error", err)
		}
		if err := c.Log.PublishControlToInstance(ctx, job.RunID, job.InstanceID, signal); err != nil && c.Logger != nil {
			c.Logger.Warn("coordinator: publish instance control signal", "run_id", job.RunID, "error", err)
		}
	}

	c.cleanupSandbox(ctx, job)

	if err := c.Log.SetRetention(ctx, job.RunID, responselog.RetentionAfterTerminal); err != nil && c.Logger != nil {
		c.Logger.Warn("coordinator: set response log retention", "run_id", job.RunID, "error", err)
	}

	return writeErr
}

func (c *Coordinator) cleanupSandbox(ctx context.Context, job Job) {
	if c.Sandbox == nil {
		return
	}
	for _, cmd := range sandboxctl.CleanupCommands {
		if _, err := c.Sandbox.Exec(ctx, job.ProjectID, cmd, 60*time.Second); err != nil && c.Logger != nil {
			c.Logger.Warn("coordinator: workspace cleanup command failed", "run_id", job.RunID, "cmd", cmd, "error", err)
		}
	}
	if err := c.Sandbox.Stop(ctx, job.ProjectID); err != nil && c.Logger != nil {
		c.Logger.Warn("coordinator: stop sandbox failed", "run_id", job.RunID, "error", err)
	}
}

// watchControl is the "stop watcher" of spec §4.7 step 2: it subscribes
// to both the global and instance-targeted control channels and flips
// stopRequested monotonically on receipt of STOP.
func (c *Coordinator) watchControl(ctx context.Context, runID, instance string, stopRequested *atomic.Bool) {
	sub := c.Log.SubscribeControl(ctx, runID, instance)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Channel():
			if !ok {
				return
			}
			if payload == responselog.ControlStop {
				stopRequested.Store(true)
			}
		}
	}
}

func statusEvent(meta models.ResponseEventMeta, substatus string, content map[string]any) models.ResponseEvent {
	m := meta
	m.Substatus = substatus
	c := content
	if c == nil {
		c = map[string]any{"status": substatus}
	} else if _, ok := c["status"]; !ok {
		c["status"] = substatus
	}
	return models.ResponseEvent{Type: models.EventStatus, Content: c, Metadata: m, Time: time.Now()}
}

func errString(err error, mainTask *models.Task) string {
	if err != nil {
		return err.Error()
	}
	if mainTask != nil {
		return mainTask.Error
	}
	return "planning failed"
}
