package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// SystemCompleteToolID and SystemCompleteMethod name the distinguished
// tool a plan uses to declare successful completion; see spec §4.3/§4.6.
const (
	SystemCompleteToolID = "SystemCompleteTask"
	SystemCompleteMethod = "task_complete"
)

// SystemCompleteFullName is the tool_id__method_name the Plan Executor
// checks for after a successful invocation.
const SystemCompleteFullName = SystemCompleteToolID + "__" + SystemCompleteMethod

// systemCompleteParams is the schema for task_complete's single parameter.
type systemCompleteParams struct {
	Summary string `json:"summary"`
}

// SystemCompleteResult is the structured result task_complete returns; the
// Plan Executor reads Summary to seed the main task's final result.
type SystemCompleteResult struct {
	Summary string `json:"summary"`
}

// SystemCompleteTool exists purely to let a plan declare agent-initiated
// completion; it performs no side effects.
type SystemCompleteTool struct{}

func (SystemCompleteTool) ToolID() string { return SystemCompleteToolID }

func (SystemCompleteTool) Methods() []Method {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "description": "A short summary of what was accomplished."}
		},
		"required": ["summary"]
	}`)
	return []Method{
		{
			Schema: schemaFor(SystemCompleteMethod, "Declare the plan successfully complete.", schema),
			Execute: func(_ context.Context, params json.RawMessage) (any, error) {
				var p systemCompleteParams
				if len(params) > 0 {
					if err := json.Unmarshal(params, &p); err != nil {
						return nil, fmt.Errorf("task_complete: invalid params: %w", err)
					}
				}
				return SystemCompleteResult{Summary: p.Summary}, nil
			},
		},
	}
}
