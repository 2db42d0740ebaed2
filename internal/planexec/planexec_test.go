package planexec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
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
	responses []string
	i         int
	err       error
}

func (f *fakeProvider) Name() string           { return "fake" }
func (f *fakeProvider) SupportsJSONMode() bool { return true }
func (f *fakeProvider) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	resp := f.responses[f.i]
	if f.i < len(f.responses)-1 {
		f.i++
	}
	return llm.Response{Text: resp}, nil
}

type echoTool struct{ fail bool }

func (echoTool) ToolID() string { return "ShellTool" }
func (e echoTool) Methods() []tools.Method {
	return []tools.Method{
		{
			Schema: models.ToolSchema{MethodName: "run", Description: "runs a shell command", Parameters: json.RawMessage(`{"type":"object"}`)},
			Execute: func(_ context.Context, params json.RawMessage) (any, error) {
				if e.fail {
					return nil, errors.New("non-zero exit")
				}
				return map[string]any{"stdout": "hello\n", "exit_code": 0}, nil
			},
		},
	}
}

type collectingSink struct {
	events []models.ResponseEvent
}

func (s *collectingSink) Emit(_ context.Context, ev models.ResponseEvent) {
	s.events = append(s.events, ev)
}

func (s *collectingSink) statuses() []string {
	var out []string
	for _, ev := range s.events {
		if ev.Type == models.EventStatus {
			if m, ok := ev.Content.(map[string]any); ok {
				if st, ok := m["status"].(string); ok {
					out = append(out, st)
				}
			}
		}
	}
	return out
}

func buildPlan(t *testing.T, tm *taskstate.Manager, subtasks []models.Task) *models.Task {
	t.Helper()
	main, err := tm.Create(context.Background(), models.Task{Name: "main", Status: models.TaskPlanned})
	if err != nil {
		t.Fatalf("create main: %v", err)
	}
	for _, st := range subtasks {
		st.ParentID = main.ID
		st.Status = models.TaskPending
		if _, err := tm.Create(context.Background(), st); err != nil {
			t.Fatalf("create subtask: %v", err)
		}
	}
	return main
}

func TestExecutePlanForTask_HappyPath(t *testing.T) {
	tm := taskstate.NewManager(newMemStorage())
	reg := tools.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch := tools.NewOrchestrator(reg, 4)
	provider := &fakeProvider{responses: []string{`{"cmd":"echo hello"}`}}
	exec := New(tm, orch, provider, "test-model")

	main := buildPlan(t, tm, []models.Task{
		{Name: "echo", AssignedTools: []string{"ShellTool__run"}},
	})

	sink := &collectingSink{}
	if err := exec.ExecutePlanForTask(context.Background(), main.ID, "thread-run-1", nil, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final, err := tm.Get(main.ID)
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if final.Status != models.TaskCompleted {
		t.Fatalf("expected main task completed, got %s (error=%s)", final.Status, final.Error)
	}

	statuses := sink.statuses()
	wantSeq := []string{"plan_execution_start", "tool_completed", "plan_execution_end", "completed"}
	for _, want := range wantSeq {
		found := false
		for _, got := range statuses {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected status %q among %v", want, statuses)
		}
	}
}

func TestExecutePlanForTask_ToolFailure(t *testing.T) {
	tm := taskstate.NewManager(newMemStorage())
	reg := tools.NewRegistry()
	if err := reg.Register(echoTool{fail: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch := tools.NewOrchestrator(reg, 4)
	provider := &fakeProvider{responses: []string{`{"cmd":"false"}`}}
	exec := New(tm, orch, provider, "test-model")

	main := buildPlan(t, tm, []models.Task{
		{Name: "fail-step", AssignedTools: []string{"ShellTool__run"}},
	})

	sink := &collectingSink{}
	if err := exec.ExecutePlanForTask(context.Background(), main.ID, "thread-run-2", nil, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final, err := tm.Get(main.ID)
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if final.Status != models.TaskFailed {
		t.Fatalf("expected main task failed, got %s", final.Status)
	}

	statuses := sink.statuses()
	if statuses[len(statuses)-1] != "failed" {
		t.Fatalf("expected the terminal failed status last, got %v", statuses)
	}
	if statuses[len(statuses)-2] != "plan_execution_end" {
		t.Fatalf("expected plan_execution_end before the terminal status, got %v", statuses)
	}
}

func TestExecutePlanForTask_ParamSynthesisExhaustion(t *testing.T) {
	tm := taskstate.NewManager(newMemStorage())
	reg := tools.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch := tools.NewOrchestrator(reg, 4)
	provider := &fakeProvider{responses: []string{"not json at all"}}
	exec := New(tm, orch, provider, "test-model")

	main := buildPlan(t, tm, []models.Task{
		{Name: "bad-params", AssignedTools: []string{"ShellTool__run"}},
	})

	sink := &collectingSink{}
	if err := exec.ExecutePlanForTask(context.Background(), main.ID, "thread-run-6", nil, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final, err := tm.Get(main.ID)
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if final.Status != models.TaskFailed {
		t.Fatalf("expected main task failed after synthesis exhaustion, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "parameter synthesis failed") {
		t.Fatalf("main task error = %q, want a parameter-synthesis failure", final.Error)
	}
	for _, ev := range sink.events {
		if ev.Type == models.EventToolStarted {
			t.Fatal("tool must not start when parameter synthesis never produced params")
		}
	}
}

func TestExecutePlanForTask_TaskCompleteShortCircuit(t *testing.T) {
	tm := taskstate.NewManager(newMemStorage())
	reg := tools.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(tools.SystemCompleteTool{}); err != nil {
		t.Fatalf("register system complete: %v", err)
	}
	orch := tools.NewOrchestrator(reg, 4)
	provider := &fakeProvider{responses: []string{`{"summary":"all done"}`}}
	exec := New(tm, orch, provider, "test-model")

	main := buildPlan(t, tm, []models.Task{
		{Name: "finish", AssignedTools: []string{tools.SystemCompleteFullName}},
		{Name: "never-runs", AssignedTools: []string{"ShellTool__run"}},
	})

	sink := &collectingSink{}
	if err := exec.ExecutePlanForTask(context.Background(), main.ID, "thread-run-7", nil, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final, err := tm.Get(main.ID)
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if final.Status != models.TaskCompleted {
		t.Fatalf("expected completed, got %s (error=%s)", final.Status, final.Error)
	}
	result, ok := final.Result.(map[string]any)
	if !ok || result["summary"] != "all done" {
		t.Fatalf("main task result = %+v, want the agent-provided summary", final.Result)
	}

	started := 0
	for _, ev := range sink.events {
		if ev.Type == models.EventToolStarted {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("expected scheduling to stop after task_complete, got %d tool_started events", started)
	}
}

func TestExecutePlanForTask_DependencyOrdering(t *testing.T) {
	tm := taskstate.NewManager(newMemStorage())
	reg := tools.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch := tools.NewOrchestrator(reg, 4)
	provider := &fakeProvider{responses: []string{`{}`}}
	exec := New(tm, orch, provider, "test-model")

	mainTask, err := tm.Create(context.Background(), models.Task{Name: "main", Status: models.TaskPlanned})
	if err != nil {
		t.Fatalf("create main: %v", err)
	}
	s1, err := tm.Create(context.Background(), models.Task{Name: "s1", ParentID: mainTask.ID, Status: models.TaskPending, AssignedTools: []string{"ShellTool__run"}})
	if err != nil {
		t.Fatalf("create s1: %v", err)
	}
	s2, err := tm.Create(context.Background(), models.Task{Name: "s2", ParentID: mainTask.ID, Status: models.TaskPending, AssignedTools: []string{"ShellTool__run"}})
	if err != nil {
		t.Fatalf("create s2: %v", err)
	}
	if _, err := tm.Create(context.Background(), models.Task{
		Name: "s3", ParentID: mainTask.ID, Status: models.TaskPending,
		AssignedTools: []string{"ShellTool__run"}, Dependencies: []string{s1.ID, s2.ID},
	}); err != nil {
		t.Fatalf("create s3: %v", err)
	}

	sink := &collectingSink{}
	if err := exec.ExecutePlanForTask(context.Background(), mainTask.ID, "thread-run-3", nil, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var startedOrder []string
	for _, ev := range sink.events {
		if ev.Type == models.EventToolStarted {
			startedOrder = append(startedOrder, ev.Content.(map[string]any)["tool_call_id"].(string))
		}
	}
	if len(startedOrder) != 3 {
		t.Fatalf("expected 3 tool_started events, got %d", len(startedOrder))
	}

	var stepOrder []string
	for _, ev := range sink.events {
		if ev.Type != models.EventAssistantMessageUpdate {
			continue
		}
		if text, _ := ev.Content.(map[string]any)["text"].(string); strings.Contains(text, ": starting ") {
			stepOrder = append(stepOrder, text[strings.LastIndex(text, " ")+1:])
		}
	}
	if len(stepOrder) != 3 || stepOrder[2] != "s3" {
		t.Fatalf("subtask start order = %v, want s3 last, after its dependencies s1 and s2", stepOrder)
	}

	final, err := tm.Get(mainTask.ID)
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if final.Status != models.TaskCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestExecutePlanForTask_Deadlock(t *testing.T) {
	tm := taskstate.NewManager(newMemStorage())
	reg := tools.NewRegistry()
	orch := tools.NewOrchestrator(reg, 4)
	provider := &fakeProvider{responses: []string{`{}`}}
	exec := New(tm, orch, provider, "test-model")

	mainTask, err := tm.Create(context.Background(), models.Task{Name: "main", Status: models.TaskPlanned})
	if err != nil {
		t.Fatalf("create main: %v", err)
	}
	// A subtask that depends on a sibling id that never exists/never
	// completes can never become runnable.
	if _, err := tm.Create(context.Background(), models.Task{
		Name: "stuck", ParentID: mainTask.ID, Status: models.TaskPending,
		Dependencies: []string{"missing-sibling"},
	}); err != nil {
		t.Fatalf("create stuck: %v", err)
	}

	sink := &collectingSink{}
	err = exec.ExecutePlanForTask(context.Background(), mainTask.ID, "thread-run-4", nil, sink)
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock, got %v", err)
	}

	final, ferr := tm.Get(mainTask.ID)
	if ferr != nil {
		t.Fatalf("get main: %v", ferr)
	}
	if final.Status != models.TaskFailed {
		t.Fatalf("expected main task failed on deadlock, got %s", final.Status)
	}
}

func TestExecutePlanForTask_Stop(t *testing.T) {
	tm := taskstate.NewManager(newMemStorage())
	reg := tools.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch := tools.NewOrchestrator(reg, 4)
	provider := &fakeProvider{responses: []string{`{}`}}
	exec := New(tm, orch, provider, "test-model")

	main := buildPlan(t, tm, []models.Task{
		{Name: "s1", AssignedTools: []string{"ShellTool__run"}},
	})

	sink := &collectingSink{}
	stop := func() bool { return true } // stop requested before any work starts
	if err := exec.ExecutePlanForTask(context.Background(), main.ID, "thread-run-5", stop, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final, err := tm.Get(main.ID)
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if final.Status != models.TaskCancelled {
		t.Fatalf("expected main task cancelled on stop, got %s", final.Status)
	}

	statuses := sink.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != "stopped" {
		t.Fatalf("expected the terminal stopped status last, got %v", statuses)
	}
}
