// Package sandboxctl defines the sandbox provider contract the Run
// Coordinator uses to acquire, exec inside, and release a project's
// isolated sandbox container (spec §1's "sandbox provider" collaborator:
// create, get_or_start, exec, stop), plus a Daytona-backed implementation
// adapted from internal/tools/sandbox/daytona.go's API client wiring.
package sandboxctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"
)

// Info describes a sandbox handle returned by Create/GetOrStart.
type Info struct {
	ID        string
	Workspace string
}

// ExecResult is the outcome of one shell command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Provider is the sandbox provider contract: create, get_or_start, exec,
// stop, per spec §1/§4.7.
type Provider interface {
	Create(ctx context.Context, projectID string) (Info, error)
	GetOrStart(ctx context.Context, sandboxID string) (Info, error)
	Exec(ctx context.Context, sandboxID, command string, timeout time.Duration) (ExecResult, error)
	Stop(ctx context.Context, sandboxID string) error
}

// DaytonaRunnerOptions configures behavior of a DaytonaProvider that isn't
// part of the Daytona sandbox's own create parameters.
type DaytonaRunnerOptions struct {
	WorkspaceRoot  string
	DefaultTimeout time.Duration
}

// daytonaSandboxState is the provider's bookkeeping for one project's
// Daytona sandbox: the remote sandbox id and a cached toolbox client.
type daytonaSandboxState struct {
	daytonaID string
	toolbox   *toolbox.APIClient
}

// DaytonaProvider implements Provider over Daytona-hosted sandboxes, one
// per agentrun project. Unlike internal/tools/sandbox's DaytonaRunner
// (which reuses a single process-wide sandbox slot), DaytonaProvider keys
// its cache by the caller's sandboxID so concurrent runs across different
// projects never collide.
type DaytonaProvider struct {
	client        *daytonaClient
	workspaceRoot string
	defaultTO     time.Duration

	mu    sync.Mutex
	state map[string]*daytonaSandboxState
}

// NewDaytonaProvider resolves cfg (falling back to DAYTONA_* environment
// variables for anything left blank) and builds a DaytonaProvider.
func NewDaytonaProvider(cfg DaytonaConfig, opts DaytonaRunnerOptions) (*DaytonaProvider, error) {
	resolved, err := resolveDaytonaConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := newDaytonaClient(resolved)
	if err != nil {
		return nil, err
	}
	workspaceRoot := opts.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = "/workspace"
	}
	defaultTO := opts.DefaultTimeout
	if defaultTO <= 0 {
		defaultTO = 30 * time.Second
	}
	return &DaytonaProvider{
		client:        client,
		workspaceRoot: workspaceRoot,
		defaultTO:     defaultTO,
		state:         make(map[string]*daytonaSandboxState),
	}, nil
}

// Create provisions a fresh Daytona sandbox for projectID and remembers it
// under that id for subsequent GetOrStart/Exec/Stop calls.
func (p *DaytonaProvider) Create(ctx context.Context, projectID string) (Info, error) {
	sandbox, err := p.client.createSandbox(ctx)
	if err != nil {
		return Info{}, err
	}
	tc, err := p.client.toolboxClient(ctx, sandbox.GetId())
	if err != nil {
		return Info{}, err
	}
	p.mu.Lock()
	p.state[projectID] = &daytonaSandboxState{daytonaID: sandbox.GetId(), toolbox: tc}
	p.mu.Unlock()
	return Info{ID: projectID, Workspace: p.workspaceRoot}, nil
}

// GetOrStart returns the handle for sandboxID, creating it if this
// provider has no record of it (e.g. after a process restart) or
// restarting the underlying Daytona sandbox if it has been stopped.
func (p *DaytonaProvider) GetOrStart(ctx context.Context, sandboxID string) (Info, error) {
	p.mu.Lock()
	st, ok := p.state[sandboxID]
	p.mu.Unlock()
	if !ok {
		return p.Create(ctx, sandboxID)
	}

	state, err := p.client.sandboxState(ctx, st.daytonaID)
	if err != nil {
		return Info{}, err
	}
	if state != "started" {
		if err := p.client.startSandbox(ctx, st.daytonaID); err != nil {
			return Info{}, err
		}
	}
	return Info{ID: sandboxID, Workspace: p.workspaceRoot}, nil
}

// Exec runs command inside sandboxID's sandbox, bounded by timeout
// (falling back to the provider's default when timeout is zero).
func (p *DaytonaProvider) Exec(ctx context.Context, sandboxID, command string, timeout time.Duration) (ExecResult, error) {
	p.mu.Lock()
	st, ok := p.state[sandboxID]
	p.mu.Unlock()
	if !ok {
		if _, err := p.GetOrStart(ctx, sandboxID); err != nil {
			return ExecResult{}, err
		}
		p.mu.Lock()
		st = p.state[sandboxID]
		p.mu.Unlock()
	}

	if timeout <= 0 {
		timeout = p.defaultTO
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := toolbox.NewExecuteRequest(command)
	req.SetCwd(p.workspaceRoot)
	req.SetTimeout(int32(timeout.Seconds()))

	resp, httpResp, err := st.toolbox.ProcessAPI.ExecuteCommand(execCtx).Request(*req).Execute()
	if err != nil {
		if execCtx.Err() != nil {
			return ExecResult{TimedOut: true}, fmt.Errorf("sandboxctl: exec in %s timed out: %w", sandboxID, execCtx.Err())
		}
		return ExecResult{}, fmt.Errorf("sandboxctl: exec in %s: %w", sandboxID, formatToolboxError(err, httpResp))
	}

	exitCode := 0
	if resp.ExitCode != nil {
		exitCode = int(*resp.ExitCode)
	}
	return ExecResult{Stdout: resp.Result, ExitCode: exitCode}, nil
}

// Stop stops (without deleting) sandboxID's Daytona sandbox so it can be
// resumed by a later GetOrStart.
func (p *DaytonaProvider) Stop(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	st, ok := p.state[sandboxID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.client.stopSandbox(ctx, st.daytonaID)
}

// CleanupCommands is the fixed list of workspace-cleanup commands the Run
// Coordinator runs before stopping a sandbox, per spec §4.7 step 10
// ("deleting temp files and empty directories under /workspace").
var CleanupCommands = []string{
	"find /workspace -type f -name '*.tmp' -delete",
	"find /workspace -mindepth 1 -type d -empty -delete",
}
