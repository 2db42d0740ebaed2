// Package taskstate implements the Task State Manager: an in-memory
// authoritative map of plan-tree Tasks with write-through persistence and
// subscription notifications.
//
// Grounded on original_source/backend/agentpress/task_state_manager.py's
// TaskStateManager (in-memory cache + storage write-through + per-task and
// global listener sets) and task_types.py's TaskStorage abstract base,
// translated into an explicit Go interface; the mutex-serialized
// read-modify-write matches the teacher's per-session ref-counted mutex
// idiom in internal/agent/tool_registry.go.
package taskstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgehq/agentrun/pkg/models"
)

// ErrNotFound is returned by Get/GetSubtasks/Update on an unknown id (and by
// Create for an unknown parent); Delete of an unknown id is a no-op.
var ErrNotFound = errors.New("taskstate: task not found")

// Storage is the persistence interface the Manager writes through to.
type Storage interface {
	Save(ctx context.Context, task *models.Task) error
	Load(ctx context.Context, id string) (*models.Task, error)
	LoadAll(ctx context.Context) ([]*models.Task, error)
	Delete(ctx context.Context, id string) error
}

// Listener is notified after a task update successfully commits.
type Listener func(task *models.Task)

// Unsubscribe removes a previously registered Listener. Returning a
// closure (rather than requiring callers track callback identity for a
// separate Unsubscribe call) is carried over from the original
// task_state_manager.py's subscribe()/subscribe_to_all() shape.
type Unsubscribe func()

// Manager is the Task State Manager.
type Manager struct {
	storage Storage

	mu    sync.Mutex
	tasks map[string]*models.Task

	listenersMu     sync.Mutex
	listeners       map[string][]Listener
	globalListeners []Listener
}

// NewManager constructs a Manager backed by storage.
func NewManager(storage Storage) *Manager {
	return &Manager{
		storage:   storage,
		tasks:     make(map[string]*models.Task),
		listeners: make(map[string][]Listener),
	}
}

// Initialize loads existing tasks from storage into memory; call once at
// process startup (e.g. for operator reconciliation tooling).
func (m *Manager) Initialize(ctx context.Context) error {
	all, err := m.storage.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("taskstate: initialize: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*models.Task, len(all))
	for _, t := range all {
		m.tasks[t.ID] = t
	}
	return nil
}

// Create assigns an id, appends to the parent's subtasks list if ParentID
// is set, and persists both the new task and (if applicable) the updated
// parent.
func (m *Manager) Create(ctx context.Context, fields models.Task) (*models.Task, error) {
	if fields.ID == "" {
		fields.ID = uuid.NewString()
	}
	if fields.Status == "" {
		fields.Status = models.TaskPending
	}
	if fields.StartTime.IsZero() {
		fields.StartTime = time.Now()
	}
	task := fields

	m.mu.Lock()
	var parent *models.Task
	if task.ParentID != "" {
		p, ok := m.tasks[task.ParentID]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: parent %s", ErrNotFound, task.ParentID)
		}
		parentCopy := *p
		parentCopy.Subtasks = append(append([]string(nil), p.Subtasks...), task.ID)
		parent = &parentCopy
	}
	m.mu.Unlock()

	if err := m.storage.Save(ctx, &task); err != nil {
		return nil, fmt.Errorf("taskstate: save new task: %w", err)
	}
	if parent != nil {
		if err := m.storage.Save(ctx, parent); err != nil {
			return nil, fmt.Errorf("taskstate: save parent after create: %w", err)
		}
	}

	m.mu.Lock()
	m.tasks[task.ID] = &task
	if parent != nil {
		m.tasks[parent.ID] = parent
	}
	m.mu.Unlock()

	m.notify(task.ID, &task)
	if parent != nil {
		m.notify(parent.ID, parent)
	}
	return &task, nil
}

// Get returns a task by id.
func (m *Manager) Get(id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// GetSubtasks returns parent's subtasks, in creation order.
func (m *Manager) GetSubtasks(parentID string) ([]*models.Task, error) {
	parent, err := m.Get(parentID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Task, 0, len(parent.Subtasks))
	for _, id := range parent.Subtasks {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetByStatus returns every task currently in status, ordered by start time.
func (m *Manager) GetByStatus(status models.TaskStatus) []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Patch describes a partial update to a task. Nil fields are left
// untouched; Result is applied only when HasResult is set, and Metadata
// entries are merged into the existing map.
type Patch struct {
	Status       *models.TaskStatus
	Progress     *float64
	EndTime      *time.Time
	Error        *string
	Result       any
	HasResult    bool
	Metadata     map[string]any
	Dependencies []string
}

// Update performs an atomic read-modify-write: the in-memory copy is
// mutated and persisted while m.mu is held for the critical section; on
// storage failure the in-memory state is reverted and the error is
// propagated. Listeners fire only after a successful commit, outside the
// critical section.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*models.Task, error) {
	m.mu.Lock()
	existing, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	before := *existing
	updated := before
	applyPatch(&updated, patch)

	m.tasks[id] = &updated
	if err := m.storage.Save(ctx, &updated); err != nil {
		m.tasks[id] = &before
		m.mu.Unlock()
		return nil, fmt.Errorf("taskstate: update %s: %w", id, err)
	}
	m.mu.Unlock()

	m.notify(id, &updated)
	return &updated, nil
}

func applyPatch(t *models.Task, patch Patch) {
	if patch.Status != nil {
		t.Status = *patch.Status
		if t.Status.Terminal() && t.EndTime == nil {
			now := time.Now()
			t.EndTime = &now
		}
	}
	if patch.Progress != nil {
		t.Progress = *patch.Progress
	}
	if patch.EndTime != nil {
		t.EndTime = patch.EndTime
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.HasResult {
		t.Result = patch.Result
	}
	if patch.Dependencies != nil {
		t.Dependencies = patch.Dependencies
	}
	if patch.Metadata != nil {
		merged := make(map[string]any, len(t.Metadata)+len(patch.Metadata))
		for k, v := range t.Metadata {
			merged[k] = v
		}
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		t.Metadata = merged
	}
}

// SetStatus is a convenience wrapper that also updates progress.
func (m *Manager) SetStatus(ctx context.Context, id string, status models.TaskStatus, progress *float64) (*models.Task, error) {
	return m.Update(ctx, id, Patch{Status: &status, Progress: progress})
}

// Complete marks a task completed with the given result.
func (m *Manager) Complete(ctx context.Context, id string, result any) (*models.Task, error) {
	status := models.TaskCompleted
	progress := 1.0
	return m.Update(ctx, id, Patch{Status: &status, Progress: &progress, Result: result, HasResult: true})
}

// Fail marks a task failed with the given error message.
func (m *Manager) Fail(ctx context.Context, id string, errMsg string) (*models.Task, error) {
	status := models.TaskFailed
	return m.Update(ctx, id, Patch{Status: &status, Error: &errMsg})
}

// Delete removes a task; if it has a parent, the parent's subtasks list is
// updated first. If deleting the task itself then fails, the parent
// update is reverted in memory.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil // best-effort: already gone
	}
	parentID := task.ParentID
	var parentBefore, parentAfter *models.Task
	if parentID != "" {
		if p, ok := m.tasks[parentID]; ok {
			before := *p
			parentBefore = &before
			after := *p
			after.Subtasks = removeID(p.Subtasks, id)
			parentAfter = &after
			m.tasks[parentID] = parentAfter
		}
	}
	delete(m.tasks, id)
	m.mu.Unlock()

	if parentAfter != nil {
		if err := m.storage.Save(ctx, parentAfter); err != nil {
			m.mu.Lock()
			m.tasks[parentID] = parentBefore
			m.tasks[id] = task
			m.mu.Unlock()
			return fmt.Errorf("taskstate: update parent before delete: %w", err)
		}
	}

	if err := m.storage.Delete(ctx, id); err != nil {
		// Revert the parent update in memory since the child survives.
		if parentAfter != nil {
			m.mu.Lock()
			m.tasks[parentID] = parentBefore
			m.mu.Unlock()
			_ = m.storage.Save(ctx, parentBefore)
		}
		m.mu.Lock()
		m.tasks[id] = task
		m.mu.Unlock()
		return fmt.Errorf("taskstate: delete %s: %w", id, err)
	}
	return nil
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Subscribe registers a listener for one task's updates; the returned
// Unsubscribe removes it.
func (m *Manager) Subscribe(id string, l Listener) Unsubscribe {
	m.listenersMu.Lock()
	m.listeners[id] = append(m.listeners[id], l)
	idx := len(m.listeners[id]) - 1
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		ls := m.listeners[id]
		if idx < len(ls) {
			ls[idx] = nil
		}
	}
}

// SubscribeAll registers a listener for every task's updates.
func (m *Manager) SubscribeAll(l Listener) Unsubscribe {
	m.listenersMu.Lock()
	m.globalListeners = append(m.globalListeners, l)
	idx := len(m.globalListeners) - 1
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		if idx < len(m.globalListeners) {
			m.globalListeners[idx] = nil
		}
	}
}

func (m *Manager) notify(id string, task *models.Task) {
	m.listenersMu.Lock()
	perTask := append([]Listener(nil), m.listeners[id]...)
	global := append([]Listener(nil), m.globalListeners...)
	m.listenersMu.Unlock()

	for _, l := range perTask {
		if l != nil {
			l(task)
		}
	}
	for _, l := range global {
		if l != nil {
			l(task)
		}
	}
}
