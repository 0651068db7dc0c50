package openai

import (
	"strings"

	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
)

// handleServerEvent is the single decision point for stream events. Only a
// created conversation item carrying a function call is acted upon; error
// events are logged; everything else is conversational content this system
// deliberately ignores.
func (s *StreamConn) handleServerEvent(event map[string]interface{}) {
	eventType, ok := event["type"].(string)
	if !ok {
		logger.Base().Warn("Stream frame without type discriminator",
			zap.String("call_id", s.CallID))
		return
	}

	// Delta and audio-buffer events arrive continuously; keep them out of
	// the debug log too.
	if !strings.Contains(eventType, "delta") && !strings.Contains(eventType, "audio_buffer") {
		logger.Base().Debug("Stream event",
			zap.String("call_id", s.CallID),
			zap.String("event_type", eventType))
	}

	switch eventType {
	case "error":
		logger.Base().Error("Stream error event",
			zap.String("call_id", s.CallID),
			zap.Any("error", event["error"]))

	case "conversation.item.created":
		s.handleConversationItemCreated(event)
	}
}

// handleConversationItemCreated dispatches function-call items to the tool
// manager. Items of any other type are conversational content and ignored.
func (s *StreamConn) handleConversationItemCreated(event map[string]interface{}) {
	item, ok := event["item"].(map[string]interface{})
	if !ok {
		return
	}
	itemType, _ := item["type"].(string)
	if itemType != "function_call" {
		return
	}

	name, _ := item["name"].(string)
	arguments, _ := item["arguments"].(string)

	// The result correlates on call_id; older item shapes only carry id.
	correlationID, _ := item["call_id"].(string)
	if correlationID == "" {
		correlationID, _ = item["id"].(string)
	}
	if correlationID == "" {
		logger.Base().Error("Function call item without correlation id",
			zap.String("call_id", s.CallID),
			zap.String("tool", name))
		return
	}

	logger.Base().Info("Function call requested",
		zap.String("call_id", s.CallID),
		zap.String("tool", name),
		zap.String("correlation_id", correlationID))

	go s.executeFunctionCall(correlationID, name, arguments)
}
