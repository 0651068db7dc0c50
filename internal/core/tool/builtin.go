package tool

import (
	"context"
	"time"
)

// registerBuiltInTools registers the default local tools. This is the single
// place to add new ones: one RegisterTool entry plus an executor function.
func (m *Manager) registerBuiltInTools() {
	m.RegisterTool(&ToolDefinition{
		Name:        "get_current_time",
		Description: "Returns the current date and time in ISO 8601 format. Use whenever the caller asks about the time, date, or day of the week.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Executor: executeGetCurrentTime,
	})
}

func executeGetCurrentTime(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return map[string]string{"current_time": time.Now().UTC().Format(time.RFC3339)}, nil
}
