// Package planexec implements the Plan Executor: a dependency-aware driver
// that, for each runnable subtask of a planned main task, synthesizes tool
// parameters via an LLM, invokes the Tool Orchestrator, records results on
// the Task State Manager, and emits Response Log events through a
// caller-supplied sink.
//
// Grounded on spec §4.6. The emit-via-callback shape (rather than the
// executor owning a transport) is adapted from internal/agent/event_sink.go's
// EventSink interface, narrowed to the single Emit method the Run
// Coordinator needs to fan events into the Response Log.
package planexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgehq/agentrun/internal/llm"
	"github.com/forgehq/agentrun/internal/taskstate"
	"github.com/forgehq/agentrun/internal/tools"
	"github.com/forgehq/agentrun/pkg/models"
)

// MaxParamSynthesisAttempts bounds the total number of LLM calls made to
// obtain a parameters object for one subtask, per spec §4.6 step 3d.
const MaxParamSynthesisAttempts = 3

// deadlockGraceRounds is how many consecutive empty-runnable-set passes
// with pending subtasks remaining are tolerated before declaring a
// deadlock, per spec §4.6 step 2 ("observed twice with no progress").
const deadlockGraceRounds = 2

// Sink receives Response Events as the executor produces them. The Run
// Coordinator implements this by appending to the Response Log and
// publishing the new-event notification.
type Sink interface {
	Emit(ctx context.Context, event models.ResponseEvent)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, event models.ResponseEvent)

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, event models.ResponseEvent) { f(ctx, event) }

// ErrDeadlock is returned when no subtask is runnable but pending subtasks
// remain, observed across deadlockGraceRounds consecutive passes.
var ErrDeadlock = fmt.Errorf("planexec: deadlock: no runnable subtask but pending subtasks remain")

// stepResult is the per-subtask summary accumulated for the main task's
// final completion summary when no agent-initiated completion occurred.
type stepResult struct {
	Name   string `json:"name"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Executor is the Plan Executor.
type Executor struct {
	tasks        *taskstate.Manager
	orchestrator *tools.Orchestrator
	provider     llm.Provider
	model        string
}

// New constructs an Executor.
func New(tasks *taskstate.Manager, orchestrator *tools.Orchestrator, provider llm.Provider, model string) *Executor {
	return &Executor{tasks: tasks, orchestrator: orchestrator, provider: provider, model: model}
}

// StopRequested is polled cooperatively at the top of the loop and between
// subtasks, per spec §5's cancellation contract.
type StopRequested func() bool

// ExecutePlanForTask drives mainTaskID's subtask DAG to completion, emitting
// events tagged with threadRunID via sink. It returns nil once the main
// task reaches a terminal status through the normal loop; on deadlock it
// marks the main task failed and returns ErrDeadlock. Any other non-nil
// error indicates the executor itself failed outside of the normal
// fail-the-subtask path (e.g. the main task could not be loaded at all).
func (e *Executor) ExecutePlanForTask(ctx context.Context, mainTaskID, threadRunID string, stop StopRequested, sink Sink) error {
	meta := models.ResponseEventMeta{ThreadRunID: threadRunID}
	emit := func(ev models.ResponseEvent) { sink.Emit(ctx, ev) }

	executing := models.TaskExecutingPlan
	progress := 0.2
	if _, err := e.tasks.Update(ctx, mainTaskID, taskstate.Patch{Status: &executing, Progress: &progress}); err != nil {
		return fmt.Errorf("planexec: set executing_plan: %w", err)
	}
	emit(statusEvent(meta, models.SubstatusPlanExecutionStart, nil))

	subtasks, err := e.tasks.GetSubtasks(mainTaskID)
	if err != nil {
		return fmt.Errorf("planexec: load subtasks: %w", err)
	}
	total := len(subtasks)

	var stepResults []stepResult
	var completionSummary string
	agentCompleted := false
	emptyRounds := 0
	stepNo := 0

progressLoop:
	for {
		if stop != nil && stop() {
			break
		}

		runnable, pending := e.runnableAndPending(subtasks)
		if len(runnable) == 0 {
			if pending == 0 {
				break
			}
			emptyRounds++
			if emptyRounds >= deadlockGraceRounds {
				emit(statusEvent(meta, models.SubstatusFailed, map[string]any{
					"message": "deadlock: no runnable subtask but pending subtasks remain",
				}))
				failed := models.TaskFailed
				errMsg := ErrDeadlock.Error()
				if _, uerr := e.tasks.Update(ctx, mainTaskID, taskstate.Patch{Status: &failed, Error: &errMsg}); uerr != nil {
					return fmt.Errorf("planexec: mark main task failed after deadlock: %w", uerr)
				}
				return ErrDeadlock
			}
			continue
		}
		emptyRounds = 0

		for _, st := range runnable {
			if stop != nil && stop() {
				break progressLoop
			}

			stepNo++
			emit(assistantUpdate(meta, fmt.Sprintf("Step %d of %d: starting %s", stepNo, total, st.Name)))

			running := models.TaskRunning
			if _, err := e.tasks.Update(ctx, st.ID, taskstate.Patch{Status: &running}); err != nil {
				return fmt.Errorf("planexec: mark subtask running: %w", err)
			}

			if len(st.AssignedTools) == 0 {
				if _, err := e.tasks.Complete(ctx, st.ID, map[string]any{"note": "no tool assigned"}); err != nil {
					return fmt.Errorf("planexec: complete toolless subtask: %w", err)
				}
				stepResults = append(stepResults, stepResult{Name: st.Name, Tool: "", Result: "no tool assigned"})
				emit(assistantUpdate(meta, fmt.Sprintf("Step %d of %d: completed", stepNo, total)))
				continue
			}

			full := st.AssignedTools[0]
			toolID, methodName, ok := splitFullName(full)
			if !ok {
				e.failSubtaskAndPlan(ctx, mainTaskID, st.ID, fmt.Sprintf("malformed assigned tool %q", full), meta, true, stepNo, total, emit)
				break progressLoop
			}
			schema, ok := lookupSchema(e.orchestrator, full)
			if !ok {
				e.failSubtaskAndPlan(ctx, mainTaskID, st.ID, fmt.Sprintf("unknown tool %q", full), meta, true, stepNo, total, emit)
				break progressLoop
			}

			params, raw, err := e.synthesizeParams(ctx, st, schema)
			if err != nil {
				e.failSubtaskAndPlan(ctx, mainTaskID, st.ID, fmt.Sprintf("parameter synthesis failed: %v (last output: %s)", err, truncate(raw, 500)), meta, true, stepNo, total, emit)
				break progressLoop
			}

			callID := uuid.NewString()
			emit(models.ResponseEvent{
				Type:     models.EventToolStarted,
				Content:  map[string]any{"tool_call_id": callID, "tool_id": toolID, "method_name": methodName},
				Metadata: meta,
				Time:     time.Now(),
			})

			result := e.orchestrator.Execute(ctx, toolID, methodName, params)

			emit(models.ResponseEvent{
				Type:     models.EventToolResult,
				Content:  map[string]any{"tool_call_id": callID, "result": result.Result, "error": result.Error},
				Metadata: meta,
				Time:     time.Now(),
			})

			if result.Status == models.ToolResultFailed {
				emit(statusEvent(meta, "tool_failed", map[string]any{"tool_call_id": callID, "error": result.Error}))
				emit(assistantUpdate(meta, fmt.Sprintf("Step %d of %d: failed", stepNo, total)))
				e.failSubtaskAndPlan(ctx, mainTaskID, st.ID, result.Error, meta, false, -1, -1, emit)
				break progressLoop
			}

			emit(statusEvent(meta, "tool_completed", map[string]any{"tool_call_id": callID}))

			if full == tools.SystemCompleteFullName {
				if b, err := json.Marshal(result.Result); err == nil {
					var sc tools.SystemCompleteResult
					if json.Unmarshal(b, &sc) == nil {
						completionSummary = sc.Summary
					}
				}
				agentCompleted = true
			}

			if _, err := e.tasks.Complete(ctx, st.ID, result.Result); err != nil {
				return fmt.Errorf("planexec: complete subtask %s: %w", st.ID, err)
			}
			stepResults = append(stepResults, stepResult{Name: st.Name, Tool: full, Result: result.Result})
			emit(assistantUpdate(meta, fmt.Sprintf("Step %d of %d: completed", stepNo, total)))

			if agentCompleted {
				break progressLoop
			}
		}

		subtasks, err = e.tasks.GetSubtasks(mainTaskID)
		if err != nil {
			return fmt.Errorf("planexec: reload subtasks: %w", err)
		}
	}

	if stop != nil && stop() {
		stopped := models.TaskCancelled
		_, _ = e.tasks.Update(ctx, mainTaskID, taskstate.Patch{Status: &stopped})
		emit(statusEvent(meta, models.SubstatusPlanExecutionEnd, nil))
		emit(statusEvent(meta, models.SubstatusStopped, nil))
		return nil
	}

	main, err := e.tasks.Get(mainTaskID)
	if err != nil {
		return fmt.Errorf("planexec: reload main task: %w", err)
	}
	if main.Status == models.TaskFailed {
		emit(statusEvent(meta, models.SubstatusPlanExecutionEnd, nil))
		emit(statusEvent(meta, models.SubstatusFailed, map[string]any{"error": main.Error}))
		return nil
	}

	summary := completionSummary
	if summary == "" {
		summary = summarizeSteps(stepResults)
	}
	if _, err := e.tasks.Complete(ctx, mainTaskID, map[string]any{"summary": summary, "steps": stepResults}); err != nil {
		return fmt.Errorf("planexec: complete main task: %w", err)
	}
	emit(statusEvent(meta, models.SubstatusPlanExecutionEnd, nil))
	emit(statusEvent(meta, models.SubstatusCompleted, map[string]any{"summary": summary}))
	return nil
}

// runnableAndPending partitions subtasks into those whose status is
// pending and whose dependencies are all completed, and counts remaining
// pending subtasks (runnable or not), in creation order.
func (e *Executor) runnableAndPending(subtasks []*models.Task) (runnable []*models.Task, pendingCount int) {
	byID := make(map[string]*models.Task, len(subtasks))
	for _, t := range subtasks {
		byID[t.ID] = t
	}
	for _, t := range subtasks {
		if t.Status != models.TaskPending {
			continue
		}
		pendingCount++
		ready := true
		for _, dep := range t.Dependencies {
			d, ok := byID[dep]
			if !ok || d.Status != models.TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, t)
		}
	}
	return runnable, pendingCount
}

// failSubtaskAndPlan marks subtaskID failed and the main task failed; when
// announceStep is true it additionally emits the per-step
// tool_failed/assistant-update pair (skipped when the caller already
// emitted those for a tool-result failure, to avoid duplication). The
// terminal status=failed event is emitted once, after the loop exits.
func (e *Executor) failSubtaskAndPlan(ctx context.Context, mainTaskID, subtaskID, errMsg string, meta models.ResponseEventMeta, announceStep bool, stepNo, total int, emit func(models.ResponseEvent)) {
	_, _ = e.tasks.Fail(ctx, subtaskID, errMsg)
	if announceStep {
		emit(statusEvent(meta, "tool_failed", map[string]any{"error": errMsg}))
		emit(assistantUpdate(meta, fmt.Sprintf("Step %d of %d: failed", stepNo, total)))
	}
	failed := models.TaskFailed
	_, _ = e.tasks.Update(ctx, mainTaskID, taskstate.Patch{Status: &failed, Error: &errMsg})
}

// synthesizeParams builds a parameters object for calling schema by asking
// the LLM, per spec §4.6 step 3d: up to MaxParamSynthesisAttempts total
// attempts, each reminding the model of JSON-only output on retry.
func (e *Executor) synthesizeParams(ctx context.Context, subtask *models.Task, schema models.ToolSchema) (json.RawMessage, string, error) {
	var lastRaw string
	reminder := ""
	for attempt := 1; attempt <= MaxParamSynthesisAttempts; attempt++ {
		prompt := paramSynthesisPrompt(subtask, schema) + reminder
		resp, err := e.provider.Complete(ctx, llm.Request{
			Model:    e.model,
			JSONMode: true,
			Messages: []llm.Message{
				{Role: "system", Content: "Respond with a single JSON object only, no prose."},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			lastRaw = err.Error()
			reminder = "\n\nYour previous attempt failed to call the model. Output must be a single JSON object, using {} if there are no parameters."
			continue
		}
		lastRaw = resp.Text
		var decoded map[string]any
		if jsonErr := json.Unmarshal([]byte(resp.Text), &decoded); jsonErr != nil {
			reminder = "\n\nYour previous output was not valid JSON. Output must be a single JSON object, using {} if there are no parameters."
			continue
		}
		return json.RawMessage(resp.Text), lastRaw, nil
	}
	return nil, lastRaw, fmt.Errorf("exhausted %d parameter-synthesis attempts", MaxParamSynthesisAttempts)
}

func paramSynthesisPrompt(subtask *models.Task, schema models.ToolSchema) string {
	var b strings.Builder
	b.WriteString("Subtask: ")
	b.WriteString(subtask.Name)
	if subtask.Description != "" {
		b.WriteString("\nDescription: ")
		b.WriteString(subtask.Description)
	}
	b.WriteString("\nTool: ")
	b.WriteString(schema.FullName())
	b.WriteString("\nTool description: ")
	b.WriteString(schema.Description)
	b.WriteString("\nParameter schema:\n")
	b.Write(schema.Parameters)
	b.WriteString("\n\nProduce a single JSON object of parameters for this tool call.")
	return b.String()
}

func lookupSchema(o *tools.Orchestrator, fullName string) (models.ToolSchema, bool) {
	for _, s := range o.Registry().Schemas() {
		if s.FullName() == fullName {
			return s, true
		}
	}
	return models.ToolSchema{}, false
}

func splitFullName(full string) (toolID, method string, ok bool) {
	idx := strings.Index(full, "__")
	if idx < 0 {
		return "", "", false
	}
	return full[:idx], full[idx+2:], true
}

func statusEvent(meta models.ResponseEventMeta, substatus string, content map[string]any) models.ResponseEvent {
	meta.Substatus = substatus
	if content == nil {
		content = map[string]any{}
	}
	content["status"] = substatus
	return models.ResponseEvent{Type: models.EventStatus, Content: content, Metadata: meta, Time: time.Now()}
}

func assistantUpdate(meta models.ResponseEventMeta, text string) models.ResponseEvent {
	return models.ResponseEvent{
		Type:     models.EventAssistantMessageUpdate,
		Content:  map[string]any{"text": text},
		Metadata: meta,
		Time:     time.Now(),
	}
}

func summarizeSteps(steps []stepResult) string {
	if len(steps) == 0 {
		return "Plan completed with no steps executed."
	}
	var b strings.Builder
	b.WriteString("Completed ")
	b.WriteString(fmt.Sprintf("%d step(s):\n", len(steps)))
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s", i+1, s.Name)
		if s.Tool != "" {
			fmt.Fprintf(&b, " (%s)", s.Tool)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
