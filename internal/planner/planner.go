// Package planner implements the Task Planner: a single LLM call that turns
// a user prompt into a main task plus an ordered, dependency-annotated list
// of subtasks tagged with the tools they should invoke.
//
// Grounded on spec §4.5 and, for the shape of a tool-invoking plan, on
// original_source/backend/agentpress/plan_executor.py's execute_json_plan
// (which consumes a JSON plan whose actions carry tool_name/parameters) —
// the planner produces the plan that plan_executor.py's execute_plan then
// drives via the Task State Manager.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/forgehq/agentrun/internal/llm"
	"github.com/forgehq/agentrun/internal/taskstate"
	"github.com/forgehq/agentrun/internal/tools"
	"github.com/forgehq/agentrun/pkg/models"
)

// ErrPlanningFailed wraps the underlying cause of a planning_failed task;
// callers distinguish success by task.Status != models.TaskPlanningFailed,
// per spec §4.5 step 5, so this error exists mainly for logging.
type ErrPlanningFailed struct {
	Cause error
}

func (e *ErrPlanningFailed) Error() string { return fmt.Sprintf("planner: planning failed: %v", e.Cause) }
func (e *ErrPlanningFailed) Unwrap() error { return e.Cause }

// subtaskSpec is the shape the LLM is asked to emit for each subtask.
type subtaskSpec struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	AssignedTools []string `json:"assigned_tools"`
	Dependencies  []string `json:"dependencies"`
}

type planResponse struct {
	Subtasks []subtaskSpec `json:"subtasks"`
}

// Planner is the Task Planner.
type Planner struct {
	tasks    *taskstate.Manager
	toolReg  *tools.Registry
	provider llm.Provider
	model    string
}

// New constructs a Planner.
func New(tasks *taskstate.Manager, toolReg *tools.Registry, provider llm.Provider, model string) *Planner {
	return &Planner{tasks: tasks, toolReg: toolReg, provider: provider, model: model}
}

// PlanContext carries the thread/project the plan is being built for; it is
// included in the prompt for traceability but not otherwise interpreted.
type PlanContext struct {
	ThreadID  string
	ProjectID string
}

// PlanTask is the planner's single entry point: plan_task(description,
// context) -> Task, per spec §4.5.
func (p *Planner) PlanTask(ctx context.Context, description string, planCtx PlanContext) (*models.Task, error) {
	main, err := p.tasks.Create(ctx, models.Task{
		Name:        "Plan: " + truncate(description, 60),
		Description: description,
		Status:      models.TaskPendingPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: create main task: %w", err)
	}

	schemas := p.toolReg.Schemas()
	resp, err := p.provider.Complete(ctx, llm.Request{
		Model:    p.model,
		JSONMode: true,
		Messages: []llm.Message{
			{Role: "system", Content: planningSystemPrompt(schemas)},
			{Role: "user", Content: description},
		},
	})
	if err != nil {
		return p.fail(ctx, main.ID, fmt.Errorf("llm call: %w", err))
	}

	var plan planResponse
	if err := json.Unmarshal([]byte(resp.Text), &plan); err != nil {
		return p.fail(ctx, main.ID, fmt.Errorf("parse plan JSON: %w (raw: %s)", err, truncate(resp.Text, 500)))
	}

	if err := validatePlan(plan, schemas); err != nil {
		return p.fail(ctx, main.ID, err)
	}

	ids := make([]string, len(plan.Subtasks))
	nameToID := make(map[string]string, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		created, err := p.tasks.Create(ctx, models.Task{
			Name:          st.Name,
			Description:   st.Description,
			ParentID:      main.ID,
			AssignedTools: st.AssignedTools,
		})
		if err != nil {
			return p.fail(ctx, main.ID, fmt.Errorf("create subtask %d: %w", i, err))
		}
		ids[i] = created.ID
		nameToID[st.Name] = created.ID
		nameToID[strconv.Itoa(i)] = created.ID
	}

	// Second pass: rewrite each subtask's Dependencies from
	// sibling-index-or-name references into resolved sibling task ids.
	for i, st := range plan.Subtasks {
		deps := make([]string, 0, len(st.Dependencies))
		for _, ref := range st.Dependencies {
			if id, ok := nameToID[ref]; ok {
				deps = append(deps, id)
			}
		}
		if len(deps) > 0 {
			if _, err := p.tasks.Update(ctx, ids[i], taskstate.Patch{Dependencies: deps}); err != nil {
				return p.fail(ctx, main.ID, fmt.Errorf("resolve deps for subtask %d: %w", i, err))
			}
		}
	}

	progress := 0.1
	planned := models.TaskPlanned
	raw, _ := json.Marshal(plan)
	return p.tasks.Update(ctx, main.ID, taskstate.Patch{
		Status:   &planned,
		Progress: &progress,
		Metadata: map[string]any{"execution_plan": string(raw)},
	})
}

func (p *Planner) fail(ctx context.Context, taskID string, cause error) (*models.Task, error) {
	failed := models.TaskPlanningFailed
	task, err := p.tasks.Update(ctx, taskID, taskstate.Patch{
		Status:   &failed,
		Metadata: map[string]any{"error": cause.Error()},
	})
	if err != nil {
		return nil, fmt.Errorf("planner: mark planning_failed: %w", err)
	}
	return task, &ErrPlanningFailed{Cause: cause}
}

func validatePlan(plan planResponse, schemas []models.ToolSchema) error {
	if len(plan.Subtasks) == 0 {
		return fmt.Errorf("plan has no subtasks")
	}
	known := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		known[s.FullName()] = true
	}

	// Dependencies may only reference earlier siblings (by name or 0-based
	// index), so the earlier map is grown as each subtask is validated.
	earlier := make(map[string]bool, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		for _, tool := range st.AssignedTools {
			if tool != "" && !known[tool] {
				return fmt.Errorf("subtask %d (%s) assigns unknown tool %q", i, st.Name, tool)
			}
		}
		for _, dep := range st.Dependencies {
			if !earlier[dep] {
				return fmt.Errorf("subtask %d (%s) depends on %q, which is not an earlier sibling", i, st.Name, dep)
			}
		}
		earlier[st.Name] = true
		earlier[strconv.Itoa(i)] = true
	}
	return checkAcyclic(plan)
}

func checkAcyclic(plan planResponse) error {
	indexOf := make(map[string]int, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		indexOf[st.Name] = i
		indexOf[strconv.Itoa(i)] = i
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(plan.Subtasks))

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, dep := range plan.Subtasks[i].Dependencies {
			j, ok := indexOf[dep]
			if !ok {
				continue
			}
			switch color[j] {
			case gray:
				return fmt.Errorf("dependency cycle detected involving subtask %q", plan.Subtasks[i].Name)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}

	for i := range plan.Subtasks {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func planningSystemPrompt(schemas []models.ToolSchema) string {
	var b strings.Builder
	b.WriteString("You are a planning assistant. Decompose the user's request into a directed-acyclic list of subtasks.\n")
	b.WriteString("Available tools:\n")
	for _, s := range schemas {
		b.WriteString(fmt.Sprintf("- %s: %s\n", s.FullName(), s.Description))
	}
	b.WriteString("\nRespond with a JSON object of the form:\n")
	b.WriteString(`{"subtasks": [{"name": "...", "description": "...", "assigned_tools": ["tool_id__method_name"], "dependencies": ["sibling_index_or_name"]}]}`)
	b.WriteString("\nEach subtask's dependencies must reference only earlier subtasks (by name or 0-based index). Produce at least one subtask.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
