// Package controlplane implements the Control Plane: the externally
// callable operation set (initiate/start/stop/get/list/stream) that
// enforces the single-active-run-per-project invariant and hands work off
// to the task broker for a Run Coordinator to pick up.
//
// Grounded on internal/sessions/locker.go's DBLocker for the
// acquire-then-background-refresh lease shape reused by the Run Registry,
// and on spec §4.8's operation list directly for sequencing.
package controlplane

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgehq/agentrun/internal/auth"
	"github.com/forgehq/agentrun/internal/broker"
	"github.com/forgehq/agentrun/internal/llm"
	"github.com/forgehq/agentrun/internal/registry"
	"github.com/forgehq/agentrun/internal/responselog"
	"github.com/forgehq/agentrun/internal/runstore"
	"github.com/forgehq/agentrun/internal/sandboxctl"
	"github.com/forgehq/agentrun/pkg/models"
)

// ErrNoActiveRun is returned by stop when the target run is already terminal.
var ErrNoActiveRun = errors.New("controlplane: no active run")

// UploadedFile is one file blob supplied to initiate, already staged for
// upload into the project's sandbox workspace.
type UploadedFile struct {
	Path string
	Data []byte
}

// AgentRuns implements the Control Plane operations of spec §4.8 over the
// Run Registry, the relational stores, the task broker, and a sandbox
// provider. InstanceID identifies this Control Plane process for registry
// keys and instance-targeted control signals.
type AgentRuns struct {
	Stores     runstore.Stores
	Registry   *registry.Registry
	Log        *responselog.Log
	Broker     *broker.Broker
	Sandbox    sandboxctl.Provider
	LLM        llm.Provider
	InstanceID string
	Models     ModelResolver
}

// InitiateResult is the (thread_id, run_id) pair initiate returns.
type InitiateResult struct {
	ThreadID string
	RunID    string
}

// Initiate implements spec §4.8's initiate(prompt, files, options):
// creates a project + thread + sandbox, stages any uploaded files into the
// workspace, inserts the initial user message, starts a run, and fires a
// detached project-naming task whose failure is logged, never propagated.
func (a *AgentRuns) Initiate(ctx context.Context, accountID, prompt string, files []UploadedFile, modelName string, options models.RunOptions) (InitiateResult, error) {
	if accountID == "" {
		if acct, ok := auth.AccountFromContext(ctx); ok {
			accountID = acct
		}
	}
	project := &models.Project{AccountID: accountID, Name: "untitled project", ID: newID()}
	sandboxInfo, err := a.Sandbox.Create(ctx, project.ID)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("controlplane: create sandbox: %w", err)
	}
	project.Sandbox = models.SandboxInfo{ID: sandboxInfo.ID}
	if err := a.Stores.Projects.Create(ctx, project); err != nil {
		return InitiateResult{}, fmt.Errorf("controlplane: create project: %w", err)
	}

	thread := &models.Thread{ProjectID: project.ID, AccountID: accountID}
	if err := a.Stores.Threads.Create(ctx, thread); err != nil {
		return InitiateResult{}, fmt.Errorf("controlplane: create thread: %w", err)
	}

	content := prompt
	var failedUploads []string
	for _, f := range files {
		dest := "/workspace/" + f.Path
		if err := a.uploadFile(ctx, sandboxInfo.ID, dest, f.Data); err != nil {
			failedUploads = append(failedUploads, f.Path)
			continue
		}
		content += fmt.Sprintf("\n[uploaded: %s]", dest)
	}
	for _, f := range failedUploads {
		content += fmt.Sprintf("\n[upload failed: %s]", f)
	}

	if err := a.Stores.Messages.Append(ctx, &models.ThreadMessage{ThreadID: thread.ID, Type: "user", IsLLMMessage: true, Content: content}); err != nil {
		return InitiateResult{}, fmt.Errorf("controlplane: append initial message: %w", err)
	}

	runID, err := a.startRun(ctx, thread.ID, project.ID, accountID, modelName, options)
	if err != nil {
		return InitiateResult{}, err
	}

	go a.nameProject(project.ID, prompt)

	return InitiateResult{ThreadID: thread.ID, RunID: runID}, nil
}

// Start implements spec §4.8's start(thread_id, options) → run_id. If the
// thread's project already has a running run, it is stopped first.
func (a *AgentRuns) Start(ctx context.Context, threadID, modelName string, options models.RunOptions) (string, error) {
	thread, err := a.Stores.Threads.Get(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("controlplane: get thread: %w", err)
	}
	if existing, err := a.Stores.Runs.RunningForProject(ctx, thread.ProjectID); err == nil {
		if err := a.Stop(ctx, existing.ID, ""); err != nil {
			return "", fmt.Errorf("controlplane: stop conflicting run: %w", err)
		}
	}
	return a.startRun(ctx, threadID, thread.ProjectID, thread.AccountID, modelName, options)
}

func (a *AgentRuns) startRun(ctx context.Context, threadID, projectID, accountID, modelName string, options models.RunOptions) (string, error) {
	model := a.Models.Resolve(modelName)
	run := &models.Run{
		ThreadID:  threadID,
		ProjectID: projectID,
		AccountID: accountID,
		Status:    models.RunRunning,
		StartedAt: time.Now(),
		ModelName: model,
		Options:   options,
	}
	if err := a.Stores.Runs.Create(ctx, run); err != nil {
		return "", fmt.Errorf("controlplane: create run: %w", err)
	}
	if err := a.Registry.Register(ctx, a.InstanceID, run.ID); err != nil {
		return "", fmt.Errorf("controlplane: register run: %w", err)
	}

	job := broker.Job{
		RunID:      run.ID,
		ThreadID:   threadID,
		InstanceID: a.InstanceID,
		ProjectID:  projectID,
		ModelName:  model,
		Options:    options,
	}
	if err := a.Broker.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("controlplane: enqueue run: %w", err)
	}
	return run.ID, nil
}

// Stop implements spec §4.8's stop(run_id): writes a terminal status,
// publishes STOP on both the global and instance-targeted control
// channels, and expires the response list. errMsg, if non-empty, marks the
// run failed instead of stopped.
func (a *AgentRuns) Stop(ctx context.Context, runID, errMsg string) error {
	now := time.Now()
	status := models.RunStopped
	if errMsg != "" {
		status = models.RunFailed
	}
	_, err := a.Stores.Runs.Update(ctx, runID, func(r *models.Run) error {
		if r.Status.Terminal() {
			return ErrNoActiveRun
		}
		r.Status = status
		r.CompletedAt = &now
		r.Error = errMsg
		return nil
	})
	if err != nil && !errors.Is(err, ErrNoActiveRun) {
		return fmt.Errorf("controlplane: stop run: %w", err)
	}
	if err := a.Log.PublishControl(ctx, runID, responselog.ControlStop); err != nil {
		return fmt.Errorf("controlplane: publish stop: %w", err)
	}
	// Instance-targeted publishes are best-effort: the registry lookup names
	// whichever worker instances currently hold the run's liveness key, and
	// the global channel above is what coordinator.watchControl always
	// listens on regardless, so failure here is not fatal.
	if instances, err := a.Registry.FindInstances(ctx, runID); err == nil {
		for _, instance := range instances {
			_ = a.Log.PublishControlToInstance(ctx, runID, instance, responselog.ControlStop)
		}
	}
	return a.Log.SetRetention(ctx, runID, responselog.RetentionAfterTerminal)
}

// Get implements spec §4.8's get(run_id) → run metadata.
func (a *AgentRuns) Get(ctx context.Context, runID string) (*models.Run, error) {
	return a.Stores.Runs.Get(ctx, runID)
}

// List implements spec §4.8's list(thread_id) → runs, most recent first.
func (a *AgentRuns) List(ctx context.Context, threadID string) ([]*models.Run, error) {
	return a.Stores.Runs.ListByThread(ctx, threadID)
}

// uploadFile stages one file blob into the sandbox workspace. The sandbox
// provider only exposes shell execution, so the bytes travel base64-encoded
// through a decode-to-destination command.
func (a *AgentRuns) uploadFile(ctx context.Context, sandboxID, dest string, data []byte) error {
	if _, err := a.Sandbox.Exec(ctx, sandboxID, fmt.Sprintf("mkdir -p \"$(dirname %q)\"", dest), 30*time.Second); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("printf '%%s' %s | base64 -d > %q", encoded, dest)
	res, err := a.Sandbox.Exec(ctx, sandboxID, cmd, 60*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("controlplane: upload %s exited %d", dest, res.ExitCode)
	}
	return nil
}

// nameProject asks the LLM for a short project name and updates the
// project row; failures are swallowed per spec §4.8 ("failures logged, not
// propagated") since this runs detached from the caller's request.
func (a *AgentRuns) nameProject(projectID, prompt string) {
	if a.LLM == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := a.LLM.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Generate a 2-4 word project name for: " + prompt}},
	})
	if err != nil || resp.Text == "" {
		return
	}
	_ = a.Stores.Projects.UpdateName(ctx, projectID, resp.Text)
}

// newID is a small seam so call sites never need to check google/uuid
// usage elsewhere when generating ids outside a store's own Create.
func newID() string { return uuid.NewString() }
