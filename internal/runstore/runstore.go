// Package runstore persists the spec's relational tables (runs, threads,
// projects, messages, plus the tasks table behind taskstate.Storage) — the
// "relational store for durable records"
// collaborator named out of core scope in spec §1, but whose shape the
// Control Plane and Run Coordinator depend on directly.
//
// Grounded on internal/storage's AgentStore/ChannelConnectionStore
// interface-plus-in-memory-plus-cockroach-backed pattern, narrowed to the
// four tables spec §6 names plus the tasks table.
package runstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgehq/agentrun/internal/taskstate"
	"github.com/forgehq/agentrun/pkg/models"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("runstore: not found")

// RunStore persists Run rows.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	// Update performs a best-effort compare-and-set: it loads the current
	// row, applies fn, and saves. Callers use this for the Control Plane's
	// stop/Coordinator's finalize writes, where last-writer-wins on a
	// terminal status is acceptable per spec §5.
	Update(ctx context.Context, id string, fn func(*models.Run) error) (*models.Run, error)
	// ListByThread returns a thread's runs, most recent first.
	ListByThread(ctx context.Context, threadID string) ([]*models.Run, error)
	// RunningForProject returns the currently running run for a project,
	// if any, to enforce the one-active-run-per-project invariant.
	RunningForProject(ctx context.Context, projectID string) (*models.Run, error)
}

// ThreadStore persists Thread rows.
type ThreadStore interface {
	Create(ctx context.Context, thread *models.Thread) error
	Get(ctx context.Context, id string) (*models.Thread, error)
}

// ProjectStore persists Project rows.
type ProjectStore interface {
	Create(ctx context.Context, project *models.Project) error
	Get(ctx context.Context, id string) (*models.Project, error)
	UpdateName(ctx context.Context, id, name string) error
}

// MessageStore persists ThreadMessage rows.
type MessageStore interface {
	Append(ctx context.Context, msg *models.ThreadMessage) error
	// FirstUserMessage returns the first user message in a thread, used by
	// the Run Coordinator to recover initial_prompt_text on (re)start.
	FirstUserMessage(ctx context.Context, threadID string) (*models.ThreadMessage, error)
}

// Stores groups the persistence interfaces the Control Plane and Run
// Coordinator depend on. Tasks satisfies taskstate.Storage directly so a
// Stores value can seed a taskstate.Manager without an adapter.
type Stores struct {
	Runs     RunStore
	Threads  ThreadStore
	Projects ProjectStore
	Messages MessageStore
	Tasks    taskstate.Storage
}

// ---- in-memory implementation (used by unit tests and single-process deployments) ----

// MemoryStores is an in-memory Stores implementation.
type MemoryStores struct {
	mu       sync.Mutex
	runs     map[string]*models.Run
	threads  map[string]*models.Thread
	projects map[string]*models.Project
	messages map[string][]*models.ThreadMessage // threadID -> ordered messages
	tasks    map[string]*models.Task
}

// NewMemoryStores constructs an empty in-memory Stores.
func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		runs:     make(map[string]*models.Run),
		threads:  make(map[string]*models.Thread),
		projects: make(map[string]*models.Project),
		messages: make(map[string][]*models.ThreadMessage),
		tasks:    make(map[string]*models.Task),
	}
}

// Save/LoadTask/LoadAll/DeleteTask back taskstate.Storage (the
// write-through store for a taskstate.Manager) through taskStoreAdapter.
func (m *MemoryStores) Save(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *MemoryStores) LoadTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, taskstate.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStores) LoadAll(_ context.Context) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStores) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

// taskStoreAdapter implements taskstate.Storage by delegating to
// MemoryStores' distinctly-named task methods (Load/Delete on MemoryStores
// itself would collide with no other method here, but following the
// Thread/Project naming convention keeps the receiver's own method set
// unambiguous at call sites).
type taskStoreAdapter struct{ m *MemoryStores }

func (a *taskStoreAdapter) Save(ctx context.Context, task *models.Task) error { return a.m.Save(ctx, task) }
func (a *taskStoreAdapter) Load(ctx context.Context, id string) (*models.Task, error) {
	return a.m.LoadTask(ctx, id)
}
func (a *taskStoreAdapter) LoadAll(ctx context.Context) ([]*models.Task, error) { return a.m.LoadAll(ctx) }
func (a *taskStoreAdapter) Delete(ctx context.Context, id string) error        { return a.m.DeleteTask(ctx, id) }

var _ taskstate.Storage = (*taskStoreAdapter)(nil)

func (m *MemoryStores) Create(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStores) Get(_ context.Context, id string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStores) Update(_ context.Context, id string, fn func(*models.Run) error) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.runs[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStores) ListByThread(_ context.Context, threadID string) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Run
	for _, r := range m.runs {
		if r.ThreadID == threadID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStores) RunningForProject(_ context.Context, projectID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ProjectID == projectID && r.Status == models.RunRunning {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreateThread/GetThread are named distinctly from RunStore's Create/Get
// (same receiver, same method names otherwise collide across interfaces).
func (m *MemoryStores) CreateThread(_ context.Context, thread *models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	cp := *thread
	m.threads[thread.ID] = &cp
	return nil
}

func (m *MemoryStores) GetThread(_ context.Context, id string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStores) CreateProject(_ context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	cp := *project
	m.projects[project.ID] = &cp
	return nil
}

func (m *MemoryStores) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStores) UpdateName(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.Name = name
	return nil
}

func (m *MemoryStores) Append(_ context.Context, msg *models.ThreadMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], &cp)
	return nil
}

func (m *MemoryStores) FirstUserMessage(_ context.Context, threadID string) (*models.ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[threadID] {
		if msg.Type == "user" {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

var _ ThreadStore = (*threadStoreAdapter)(nil)
var _ ProjectStore = (*projectStoreAdapter)(nil)

// threadStoreAdapter/projectStoreAdapter exist purely so *MemoryStores can
// satisfy ThreadStore/ProjectStore under their interface method names
// (Create/Get) while keeping distinct method names on MemoryStores itself
// (CreateThread/GetThread, CreateProject/GetProject) to avoid a signature
// clash with RunStore's identically named Create/Get.
type threadStoreAdapter struct{ m *MemoryStores }
type projectStoreAdapter struct{ m *MemoryStores }

func (a *threadStoreAdapter) Create(ctx context.Context, t *models.Thread) error { return a.m.CreateThread(ctx, t) }
func (a *threadStoreAdapter) Get(ctx context.Context, id string) (*models.Thread, error) {
	return a.m.GetThread(ctx, id)
}

func (a *projectStoreAdapter) Create(ctx context.Context, p *models.Project) error {
	return a.m.CreateProject(ctx, p)
}
func (a *projectStoreAdapter) Get(ctx context.Context, id string) (*models.Project, error) {
	return a.m.GetProject(ctx, id)
}
func (a *projectStoreAdapter) UpdateName(ctx context.Context, id, name string) error {
	return a.m.UpdateName(ctx, id, name)
}

// AsStores returns Stores using the adapters, for callers that need
// MemoryStores to satisfy RunStore directly (m itself) alongside
// ThreadStore/ProjectStore via the adapters.
func (m *MemoryStores) AsStores() Stores {
	return Stores{
		Runs:     m,
		Threads:  &threadStoreAdapter{m: m},
		Projects: &projectStoreAdapter{m: m},
		Messages: m,
		Tasks:    &taskStoreAdapter{m: m},
	}
}