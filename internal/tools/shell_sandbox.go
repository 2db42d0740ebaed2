package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgehq/agentrun/internal/sandboxctl"
)

// ShellSandboxToolID is the distinguished tool_id a plan uses to run a
// shell command inside the run's project sandbox.
const ShellSandboxToolID = "ShellTool"

// shellRunParams is the schema for ShellTool__run's single required
// parameter.
type shellRunParams struct {
	Cmd     string `json:"cmd"`
	Timeout int    `json:"timeout,omitempty"` // seconds; default DefaultShellTimeout
}

// ShellRunResult is the structured result of one ShellTool__run invocation.
type ShellRunResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// DefaultShellTimeout is applied when a subtask's synthesized parameters
// omit an explicit timeout, matching spec §5's 60s default for
// orchestration commands.
const DefaultShellTimeout = 60 * time.Second

// ShellSandboxTool is the Tool Orchestrator's binding of the distinguished
// shell capability onto one run's sandbox, per spec §4.7 step 4
// ("Instantiate a fresh Tool Orchestrator per run, bound to the project's
// sandbox").
type ShellSandboxTool struct {
	Provider  sandboxctl.Provider
	SandboxID string
}

// NewShellSandboxTool constructs a ShellSandboxTool bound to sandboxID.
func NewShellSandboxTool(provider sandboxctl.Provider, sandboxID string) *ShellSandboxTool {
	return &ShellSandboxTool{Provider: provider, SandboxID: sandboxID}
}

func (t *ShellSandboxTool) ToolID() string { return ShellSandboxToolID }

func (t *ShellSandboxTool) Methods() []Method {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"cmd": {"type": "string", "description": "Shell command to run inside the sandbox."},
			"timeout": {"type": "integer", "description": "Timeout in seconds."}
		},
		"required": ["cmd"]
	}`)
	runSchema := schemaFor("run", "Run a shell command inside the project sandbox.", schema)
	runSchema.XMLTagName = "shell"
	runSchema.XMLExample = `<shell timeout="60">echo hello</shell>`
	return []Method{
		{
			Schema: runSchema,
			Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
				var p shellRunParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, fmt.Errorf("shell tool: invalid params: %w", err)
				}
				if p.Cmd == "" {
					return nil, fmt.Errorf("shell tool: cmd is required")
				}
				timeout := DefaultShellTimeout
				if p.Timeout > 0 {
					timeout = time.Duration(p.Timeout) * time.Second
				}
				res, err := t.Provider.Exec(ctx, t.SandboxID, p.Cmd, timeout)
				if err != nil {
					return nil, err
				}
				if res.ExitCode != 0 {
					return ShellRunResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode},
						fmt.Errorf("shell tool: command exited %d: %s", res.ExitCode, truncateErr(res.Stderr))
				}
				return ShellRunResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
			},
		},
	}
}

func truncateErr(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
