package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchUnknownTool(t *testing.T) {
	m := NewManager()

	result := m.Dispatch(context.Background(), FunctionCallRequest{
		CallID: "fc1",
		Name:   "unknown_tool",
	})

	assert.Equal(t, "fc1", result.CallID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.Output), &payload))
	assert.Equal(t, "unknown_tool is not implemented", payload["error"])
}

func TestDispatchMalformedArguments(t *testing.T) {
	m := NewManager()

	var seenArgs map[string]interface{}
	m.RegisterTool(&ToolDefinition{
		Name: "echo_args",
		Executor: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			seenArgs = args
			return map[string]bool{"ok": true}, nil
		},
	})

	result := m.Dispatch(context.Background(), FunctionCallRequest{
		CallID:    "fc2",
		Name:      "echo_args",
		Arguments: `{not valid json`,
	})

	// Malformed arguments degrade to empty, never fail the call.
	assert.Equal(t, "fc2", result.CallID)
	assert.NotNil(t, seenArgs)
	assert.Empty(t, seenArgs)
	assert.JSONEq(t, `{"ok":true}`, result.Output)
}

func TestDispatchExecutorError(t *testing.T) {
	m := NewManager()
	m.RegisterTool(&ToolDefinition{
		Name: "always_fails",
		Executor: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("backend unavailable")
		},
	})

	result := m.Dispatch(context.Background(), FunctionCallRequest{CallID: "fc3", Name: "always_fails"})

	assert.Equal(t, "fc3", result.CallID)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.Output), &payload))
	assert.Equal(t, "backend unavailable", payload["error"])
}

func TestDispatchExecutorPanic(t *testing.T) {
	m := NewManager()
	m.RegisterTool(&ToolDefinition{
		Name: "panics",
		Executor: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("nil map write")
		},
	})

	result := m.Dispatch(context.Background(), FunctionCallRequest{CallID: "fc4", Name: "panics"})

	assert.Equal(t, "fc4", result.CallID)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.Output), &payload))
	assert.Equal(t, "nil map write", payload["error"])
}

func TestDispatchGetCurrentTime(t *testing.T) {
	m := NewManager()

	result := m.Dispatch(context.Background(), FunctionCallRequest{
		CallID:    "fc5",
		Name:      "get_current_time",
		Arguments: "{}",
	})

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.Output), &payload))

	parsed, err := time.Parse(time.RFC3339, payload["current_time"])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, time.Minute)
}

func TestDefinitionsShape(t *testing.T) {
	m := NewManager()
	m.RegisterTool(&ToolDefinition{
		Name:        "book_table",
		Description: "Books a table",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"guests": map[string]interface{}{"type": "integer"},
			},
		},
		Executor: func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil },
	})

	defs := m.Definitions()
	require.Len(t, defs, 2) // book_table + get_current_time, ordered by name

	first, ok := defs[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "function", first["type"])
	assert.Equal(t, "book_table", first["name"])
	assert.Equal(t, "Books a table", first["description"])
	assert.NotNil(t, first["parameters"])
}
