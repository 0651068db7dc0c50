package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
	"go.uber.org/zap"
)

// FunctionCallRequest is a tool invocation observed on a call's event stream.
// CallID correlates the eventual result; every request is answered exactly
// once.
type FunctionCallRequest struct {
	CallID    string
	Name      string
	Arguments string
}

// FunctionCallResult answers one FunctionCallRequest. Output is the
// JSON-encoded payload written back onto the stream. An error payload is a
// valid result.
type FunctionCallResult struct {
	CallID string
	Output string
}

// ToolExecutorFunc runs a local tool with decoded arguments.
type ToolExecutorFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool with its metadata and execution logic
type ToolDefinition struct {
	Name        string                 // Tool name (e.g., "get_current_time")
	Description string                 // Tool description for the model
	Parameters  map[string]interface{} // Function parameters schema
	Executor    ToolExecutorFunc       // Execution function
}

// Manager holds the static tool registry and dispatches function calls.
// Remote and built-in tools (web search, MCP bridges, connectors) never
// appear here: the remote service executes those itself and this system only
// observes their effects as ordinary stream events.
type Manager struct {
	mu       sync.RWMutex
	registry map[string]*ToolDefinition
}

// NewManager creates a tool manager with the default local tools registered.
func NewManager() *Manager {
	m := &Manager{
		registry: make(map[string]*ToolDefinition),
	}
	m.registerBuiltInTools()
	return m
}

// RegisterTool registers a tool. Later registrations replace earlier ones
// with the same name.
func (m *Manager) RegisterTool(tool *ToolDefinition) {
	m.mu.Lock()
	m.registry[tool.Name] = tool
	m.mu.Unlock()
	logger.Base().Info("Registered tool", zap.String("name", tool.Name))
}

// Definitions returns the function tool definitions in the flat shape the
// realtime session payload expects, ordered by name.
func (m *Manager) Definitions() []interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.registry))
	for name := range m.registry {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]interface{}, 0, len(names))
	for _, name := range names {
		def := m.registry[name]
		tools = append(tools, map[string]interface{}{
			"type":        "function",
			"name":        def.Name,
			"description": def.Description,
			"parameters":  def.Parameters,
		})
	}
	return tools
}

// Dispatch executes the requested tool and always returns exactly one result
// correlated by the request's call id. Unknown tools, malformed arguments,
// executor errors and panics all produce an error-shaped payload; a request
// is never dropped and the stream never crashes.
func (m *Manager) Dispatch(ctx context.Context, req FunctionCallRequest) FunctionCallResult {
	m.mu.RLock()
	def, exists := m.registry[req.Name]
	m.mu.RUnlock()

	if !exists || def.Executor == nil {
		logger.Base().Warn("Requested tool is not registered", zap.String("tool", req.Name))
		return errorResult(req.CallID, fmt.Sprintf("%s is not implemented", req.Name))
	}

	// Malformed argument JSON degrades to empty arguments.
	args := make(map[string]interface{})
	if req.Arguments != "" {
		if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil {
			logger.Base().Warn("Malformed tool arguments, proceeding with empty arguments",
				zap.String("tool", req.Name), zap.Error(err))
			args = make(map[string]interface{})
		}
	}

	output, err := m.execute(ctx, def, args)
	if err != nil {
		logger.Base().Error("Tool execution failed",
			zap.String("tool", req.Name), zap.String("call_id", req.CallID), zap.Error(err))
		return errorResult(req.CallID, err.Error())
	}

	payload, err := json.Marshal(output)
	if err != nil {
		return errorResult(req.CallID, fmt.Sprintf("failed to encode %s result: %v", req.Name, err))
	}

	return FunctionCallResult{CallID: req.CallID, Output: string(payload)}
}

// execute runs the executor with panic isolation.
func (m *Manager) execute(ctx context.Context, def *ToolDefinition, args map[string]interface{}) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Base().Error("Tool executor panic",
				zap.String("tool", def.Name), zap.Any("panic", r))
			err = fmt.Errorf("%v", r)
		}
	}()
	return def.Executor(ctx, args)
}

func errorResult(callID, message string) FunctionCallResult {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return FunctionCallResult{CallID: callID, Output: string(payload)}
}
