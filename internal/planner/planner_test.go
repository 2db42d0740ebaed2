package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/forgehq/agentrun/internal/llm"
	"github.com/forgehq/agentrun/internal/taskstate"
	"github.com/forgehq/agentrun/internal/tools"
	"github.com/forgehq/agentrun/pkg/models"
)

type memStorage struct {
	tasks map[string]*models.Task
}

func newMemStorage() *memStorage { return &memStorage{tasks: make(map[string]*models.Task)} }

func (m *memStorage) Save(_ context.Context, t *models.Task) error {
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}
func (m *memStorage) Load(_ context.Context, id string) (*models.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, taskstate.ErrNotFound
	}
	return t, nil
}
func (m *memStorage) LoadAll(_ context.Context) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}
func (m *memStorage) Delete(_ context.Context, id string) error {
	delete(m.tasks, id)
	return nil
}

type fakeProvider struct {
	response string
	err      error
}

func (f *fakeProvider) Name() string           { return "fake" }
func (f *fakeProvider) SupportsJSONMode() bool { return true }
func (f *fakeProvider) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.response}, nil
}

func newTestPlanner(t *testing.T, resp string, callErr error) (*Planner, *taskstate.Manager) {
	t.Helper()
	tm := taskstate.NewManager(newMemStorage())
	reg := tools.NewRegistry()
	if err := reg.Register(testTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p := New(tm, reg, &fakeProvider{response: resp, err: callErr}, "test-model")
	return p, tm
}

type testTool struct{}

func (testTool) ToolID() string { return "SearchTool" }
func (testTool) Methods() []tools.Method {
	return []tools.Method{
		{
			Schema: models.ToolSchema{MethodName: "search", Description: "Searches the web"},
			Execute: func(_ context.Context, _ json.RawMessage) (any, error) {
				return nil, nil
			},
		},
	}
}

func TestPlanTaskSuccess(t *testing.T) {
	resp := `{"subtasks": [
		{"name": "step1", "description": "search for X", "assigned_tools": ["SearchTool__search"], "dependencies": []},
		{"name": "step2", "description": "search for Y", "assigned_tools": ["SearchTool__search"], "dependencies": ["step1"]}
	]}`
	p, tm := newTestPlanner(t, resp, nil)

	main, err := p.PlanTask(context.Background(), "find X and Y", PlanContext{ThreadID: "t1", ProjectID: "p1"})
	if err != nil {
		t.Fatalf("PlanTask: %v", err)
	}
	if main.Status != models.TaskPlanned {
		t.Fatalf("status = %s, want planned", main.Status)
	}
	if main.Progress != 0.1 {
		t.Fatalf("progress = %v, want 0.1", main.Progress)
	}

	subs, err := tm.GetSubtasks(main.ID)
	if err != nil {
		t.Fatalf("GetSubtasks: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
	if len(subs[1].Dependencies) != 1 || subs[1].Dependencies[0] != subs[0].ID {
		t.Fatalf("subs[1].Dependencies = %+v, want [%s]", subs[1].Dependencies, subs[0].ID)
	}
}

func TestPlanTaskFailsOnUnknownTool(t *testing.T) {
	resp := `{"subtasks": [{"name": "step1", "description": "d", "assigned_tools": ["NoSuchTool__run"], "dependencies": []}]}`
	p, _ := newTestPlanner(t, resp, nil)

	main, err := p.PlanTask(context.Background(), "do something", PlanContext{})
	if err == nil {
		t.Fatal("expected an error for unknown tool")
	}
	if main.Status != models.TaskPlanningFailed {
		t.Fatalf("status = %s, want planning_failed", main.Status)
	}
	if main.Metadata["error"] == nil {
		t.Fatal("expected metadata.error to be set")
	}
}

func TestPlanTaskFailsOnInvalidJSON(t *testing.T) {
	p, _ := newTestPlanner(t, "not json at all", nil)

	main, err := p.PlanTask(context.Background(), "do something", PlanContext{})
	if err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
	if main.Status != models.TaskPlanningFailed {
		t.Fatalf("status = %s, want planning_failed", main.Status)
	}
}

func TestPlanTaskFailsOnLLMError(t *testing.T) {
	p, _ := newTestPlanner(t, "", errors.New("provider down"))

	main, err := p.PlanTask(context.Background(), "do something", PlanContext{})
	if err == nil {
		t.Fatal("expected an error when the LLM call fails")
	}
	if main.Status != models.TaskPlanningFailed {
		t.Fatalf("status = %s, want planning_failed", main.Status)
	}
}

func TestPlanTaskFailsOnDependencyCycle(t *testing.T) {
	resp := `{"subtasks": [
		{"name": "a", "description": "d", "assigned_tools": [], "dependencies": ["b"]},
		{"name": "b", "description": "d", "assigned_tools": [], "dependencies": ["a"]}
	]}`
	p, _ := newTestPlanner(t, resp, nil)

	main, err := p.PlanTask(context.Background(), "do something", PlanContext{})
	if err == nil {
		t.Fatal("expected an error for a dependency cycle")
	}
	if main.Status != models.TaskPlanningFailed {
		t.Fatalf("status = %s, want planning_failed", main.Status)
	}
}

func TestPlanTaskFailsOnForwardDependency(t *testing.T) {
	resp := `{"subtasks": [
		{"name": "a", "description": "d", "assigned_tools": [], "dependencies": ["b"]},
		{"name": "b", "description": "d", "assigned_tools": [], "dependencies": []}
	]}`
	p, _ := newTestPlanner(t, resp, nil)

	main, err := p.PlanTask(context.Background(), "do something", PlanContext{})
	if err == nil {
		t.Fatal("expected an error for a forward dependency reference")
	}
	if main.Status != models.TaskPlanningFailed {
		t.Fatalf("status = %s, want planning_failed", main.Status)
	}
}

func TestPlanTaskFailsWithNoSubtasks(t *testing.T) {
	p, _ := newTestPlanner(t, `{"subtasks": []}`, nil)

	main, err := p.PlanTask(context.Background(), "do nothing", PlanContext{})
	if err == nil {
		t.Fatal("expected an error when the plan has zero subtasks")
	}
	if main.Status != models.TaskPlanningFailed {
		t.Fatalf("status = %s, want planning_failed", main.Status)
	}
}
