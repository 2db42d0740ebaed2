package taskstate

import (
	"context"
	"errors"
	"testing"

	"github.com/forgehq/agentrun/pkg/models"
)

type fakeStorage struct {
	tasks     map[string]*models.Task
	failSave  bool
	failDel   bool
	saveCalls int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{tasks: make(map[string]*models.Task)}
}

func (f *fakeStorage) Save(_ context.Context, task *models.Task) error {
	f.saveCalls++
	if f.failSave {
		return errors.New("storage unavailable")
	}
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeStorage) Load(_ context.Context, id string) (*models.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (f *fakeStorage) LoadAll(_ context.Context) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStorage) Delete(_ context.Context, id string) error {
	if f.failDel {
		return errors.New("storage unavailable")
	}
	delete(f.tasks, id)
	return nil
}

func TestCreateAssignsIDAndPersists(t *testing.T) {
	storage := newFakeStorage()
	m := NewManager(storage)

	task, err := m.Create(context.Background(), models.Task{Name: "root task"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected a generated ID")
	}
	if task.Status != models.TaskPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if _, ok := storage.tasks[task.ID]; !ok {
		t.Fatal("task was not persisted")
	}
}

func TestCreateSubtaskAppendsToParent(t *testing.T) {
	storage := newFakeStorage()
	m := NewManager(storage)

	parent, err := m.Create(context.Background(), models.Task{Name: "parent"})
	if err != nil {
		t.Fatalf("Create(parent): %v", err)
	}
	child, err := m.Create(context.Background(), models.Task{Name: "child", ParentID: parent.ID})
	if err != nil {
		t.Fatalf("Create(child): %v", err)
	}

	subs, err := m.GetSubtasks(parent.ID)
	if err != nil {
		t.Fatalf("GetSubtasks: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != child.ID {
		t.Fatalf("subtasks = %+v, want [%s]", subs, child.ID)
	}
}

func TestUpdateRevertsInMemoryOnStorageFailure(t *testing.T) {
	storage := newFakeStorage()
	m := NewManager(storage)

	task, err := m.Create(context.Background(), models.Task{Name: "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	storage.failSave = true
	running := models.TaskRunning
	if _, err := m.Update(context.Background(), task.ID, Patch{Status: &running}); err == nil {
		t.Fatal("expected Update to fail when storage fails")
	}

	got, err := m.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.TaskPending {
		t.Fatalf("status = %s, want reverted to pending", got.Status)
	}
}

func TestCompleteSetsTerminalFieldsAndEndTime(t *testing.T) {
	storage := newFakeStorage()
	m := NewManager(storage)

	task, _ := m.Create(context.Background(), models.Task{Name: "t"})
	got, err := m.Complete(context.Background(), task.ID, map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !got.Status.Terminal() || got.EndTime == nil || got.Progress != 1.0 {
		t.Fatalf("task = %+v, want terminal/completed with EndTime and progress 1.0", got)
	}
}

func TestSubscribeReceivesUpdatesUntilUnsubscribed(t *testing.T) {
	storage := newFakeStorage()
	m := NewManager(storage)

	task, _ := m.Create(context.Background(), models.Task{Name: "t"})

	var received []models.TaskStatus
	unsub := m.Subscribe(task.ID, func(t *models.Task) { received = append(received, t.Status) })

	running := models.TaskRunning
	if _, err := m.Update(context.Background(), task.ID, Patch{Status: &running}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	unsub()

	failed := models.TaskFailed
	if _, err := m.Update(context.Background(), task.ID, Patch{Status: &failed}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if len(received) != 1 || received[0] != models.TaskRunning {
		t.Fatalf("received = %+v, want exactly one running notification", received)
	}
}

func TestSubscribeAllReceivesEveryTaskUpdate(t *testing.T) {
	storage := newFakeStorage()
	m := NewManager(storage)

	var ids []string
	m.SubscribeAll(func(t *models.Task) { ids = append(ids, t.ID) })

	a, _ := m.Create(context.Background(), models.Task{Name: "a"})
	b, _ := m.Create(context.Background(), models.Task{Name: "b"})

	if len(ids) != 2 || ids[0] != a.ID || ids[1] != b.ID {
		t.Fatalf("ids = %+v, want [%s %s]", ids, a.ID, b.ID)
	}
}

func TestDeleteReconcilesParentSubtasks(t *testing.T) {
	storage := newFakeStorage()
	m := NewManager(storage)

	parent, _ := m.Create(context.Background(), models.Task{Name: "parent"})
	child, _ := m.Create(context.Background(), models.Task{Name: "child", ParentID: parent.ID})

	if err := m.Delete(context.Background(), child.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	subs, err := m.GetSubtasks(parent.ID)
	if err != nil {
		t.Fatalf("GetSubtasks: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("subtasks = %+v, want empty after delete", subs)
	}
}

func TestGetByStatusFiltersAndOrders(t *testing.T) {
	storage := newFakeStorage()
	m := NewManager(storage)

	a, _ := m.Create(context.Background(), models.Task{Name: "a"})
	b, _ := m.Create(context.Background(), models.Task{Name: "b"})
	running := models.TaskRunning
	if _, err := m.Update(context.Background(), a.ID, Patch{Status: &running}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := m.Update(context.Background(), b.ID, Patch{Status: &running}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got := m.GetByStatus(models.TaskRunning)
	if len(got) != 2 {
		t.Fatalf("got %d running tasks, want 2", len(got))
	}
	if got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("GetByStatus order = [%s %s], want [%s %s] by start time", got[0].ID, got[1].ID, a.ID, b.ID)
	}
}
