package openai

import (
	"context"

	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/tool"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
)

// executeFunctionCall runs one requested tool through the dispatch table and
// writes the correlated result back onto the stream. Dispatch never fails
// outright: unknown tools, bad arguments and executor errors all come back as
// an error-shaped payload, so every request is answered exactly once.
func (s *StreamConn) executeFunctionCall(correlationID, name, arguments string) {
	result := s.handler.tools.Dispatch(context.Background(), tool.FunctionCallRequest{
		CallID:    correlationID,
		Name:      name,
		Arguments: arguments,
	})
	s.sendFunctionResult(result)
}

// sendFunctionResult emits the function_call_output item for a completed tool
// call, then nudges the model to respond with the new information.
func (s *StreamConn) sendFunctionResult(result tool.FunctionCallResult) {
	output := map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": result.CallID,
			"output":  result.Output,
		},
	}
	if err := s.sendEvent(output); err != nil {
		logger.Base().Error("Failed to send function call result",
			zap.String("call_id", s.CallID),
			zap.String("correlation_id", result.CallID),
			zap.Error(err))
		return
	}

	logger.Base().Info("Function call result sent",
		zap.String("call_id", s.CallID),
		zap.String("correlation_id", result.CallID))

	if err := s.sendEvent(map[string]interface{}{"type": "response.create"}); err != nil {
		logger.Base().Error("Failed to trigger response after function call",
			zap.String("call_id", s.CallID),
			zap.Error(err))
	}
}
