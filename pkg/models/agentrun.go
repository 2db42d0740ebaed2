package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the status is write-once terminal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// RunOptions are the caller-supplied, advisory run options.
type RunOptions struct {
	EnableThinking       bool   `json:"enable_thinking,omitempty"`
	ReasoningEffort      string `json:"reasoning_effort,omitempty"` // low | medium | high
	Stream               bool   `json:"stream"`
	EnableContextManager bool   `json:"enable_context_manager,omitempty"`
}

// Run is the unit of work: one end-to-end execution of an agent for a
// single prompt.
type Run struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"thread_id"`
	ProjectID   string          `json:"project_id"`
	AccountID   string          `json:"account_id"`
	Status      RunStatus       `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Responses   []ResponseEvent `json:"responses,omitempty"`
	ModelName   string          `json:"model_name"`
	Options     RunOptions      `json:"options"`
}

// TaskStatus is the lifecycle status of a plan-tree Task.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskPendingPlan    TaskStatus = "pending_planning"
	TaskPlanned        TaskStatus = "planned"
	TaskExecutingPlan  TaskStatus = "executing_plan"
	TaskRunning        TaskStatus = "running"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
	TaskPlanningFailed TaskStatus = "planning_failed"
)

// Terminal reports whether the status is a terminal task status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskPlanningFailed:
		return true
	default:
		return false
	}
}

// Task is a node in the plan tree: either the main task produced by the
// planner, or one of its ordered subtasks.
type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Status         TaskStatus     `json:"status"`
	Progress       float64        `json:"progress"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	Subtasks       []string       `json:"subtasks,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	AssignedTools  []string       `json:"assigned_tools,omitempty"`
	Artifacts      []Artifact     `json:"artifacts,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
	Result         any            `json:"result,omitempty"`
}

// ResponseEventType enumerates the tagged variants of a ResponseEvent.
type ResponseEventType string

const (
	EventAssistantTextChunk      ResponseEventType = "assistant_text_chunk"
	EventToolStarted             ResponseEventType = "tool_started"
	EventToolResult              ResponseEventType = "tool_result"
	EventToolOutcome             ResponseEventType = "tool_outcome"
	EventAssistantMessageUpdate  ResponseEventType = "assistant_message_update"
	EventStatus                  ResponseEventType = "status"
)

// Status substatus values carried by EventStatus events.
const (
	SubstatusThreadRunStart         = "thread_run_start"
	SubstatusAssistantResponseStart = "assistant_response_start"
	SubstatusFinish                 = "finish"
	SubstatusThreadRunEnd           = "thread_run_end"
	SubstatusError                  = "error"
	SubstatusCompleted              = "completed"
	SubstatusFailed                 = "failed"
	SubstatusStopped                = "stopped"
	SubstatusPlanExecutionStart     = "plan_execution_start"
	SubstatusPlanExecutionEnd       = "plan_execution_end"
)

// ResponseEvent is one element of a run's Response Log. Events are opaque
// JSON to the log itself; only terminal status events are interpreted by
// the Control Plane.
type ResponseEvent struct {
	Sequence int64             `json:"sequence"`
	Type     ResponseEventType `json:"type"`
	Content  any               `json:"content"`
	Metadata ResponseEventMeta `json:"metadata"`
	Time     time.Time         `json:"time"`
}

// ResponseEventMeta carries at minimum the owning run's thread id.
type ResponseEventMeta struct {
	ThreadRunID string `json:"thread_run_id"`
	Substatus   string `json:"substatus,omitempty"`
}

// MarshalLine renders the event as a single JSON line, used both for the
// Response Log's append-only storage and the SSE `data: <json>` framing.
func (e ResponseEvent) MarshalLine() ([]byte, error) {
	return json.Marshal(e)
}

// ToolSchema is a machine-readable tool advertisement, discovered once by
// scanning registered tool instances and stable for the process lifetime.
type ToolSchema struct {
	ToolID      string          `json:"tool_id"`
	MethodName  string          `json:"method_name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	XMLTagName  string          `json:"xml_tag_name,omitempty"`
	XMLExample  string          `json:"xml_example,omitempty"`
}

// FullName is the `tool_id__method_name` identifier used in
// Task.AssignedTools and plan-executor invocation.
func (s ToolSchema) FullName() string {
	return s.ToolID + "__" + s.MethodName
}

// ToolResultStatus is the outcome of one tool invocation.
type ToolResultStatus string

const (
	ToolResultRunning   ToolResultStatus = "running"
	ToolResultCompleted ToolResultStatus = "completed"
	ToolResultFailed    ToolResultStatus = "failed"
	ToolResultCancelled ToolResultStatus = "cancelled"
)

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	ToolID      string           `json:"tool_id"`
	ExecutionID string           `json:"execution_id"`
	Status      ToolResultStatus `json:"status"`
	Progress    float64          `json:"progress"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     *time.Time       `json:"end_time,omitempty"`
	Result      any              `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Artifacts   []Artifact       `json:"artifacts,omitempty"`
}

// Artifact is a file or blob a tool produced during execution.
type Artifact struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	MimeType   string `json:"mime_type,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Reference  string `json:"reference,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// SandboxInfo is the structured `sandbox` blob stored on a Project.
type SandboxInfo struct {
	ID          string `json:"id"`
	Pass        string `json:"pass"`
	VNCPreview  string `json:"vnc_preview,omitempty"`
	SandboxURL  string `json:"sandbox_url,omitempty"`
	Token       string `json:"token,omitempty"`
	IsLocal     bool   `json:"is_local,omitempty"`
}

// Project is the long-lived owner of a sandbox and a set of threads.
type Project struct {
	ID        string      `json:"project_id"`
	AccountID string      `json:"account_id"`
	Name      string      `json:"name"`
	Sandbox   SandboxInfo `json:"sandbox"`
	CreatedAt time.Time   `json:"created_at"`
}

// Thread is an ordered conversation history associated with a project.
type Thread struct {
	ID        string    `json:"thread_id"`
	ProjectID string    `json:"project_id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadMessage is a single persisted message within a thread.
type ThreadMessage struct {
	ID            string         `json:"message_id"`
	ThreadID      string         `json:"thread_id"`
	Type          string         `json:"type"` // user | assistant | tool | status
	IsLLMMessage  bool           `json:"is_llm_message"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
