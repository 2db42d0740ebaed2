package tools

import (
	"encoding/json"

	"github.com/forgehq/agentrun/pkg/models"
)

// schemaFor builds a models.ToolSchema for a method whose ToolID is filled
// in by Registry.Register.
func schemaFor(methodName, description string, parameters json.RawMessage) models.ToolSchema {
	return models.ToolSchema{
		MethodName:  methodName,
		Description: description,
		Parameters:  parameters,
	}
}
