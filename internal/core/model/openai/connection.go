package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/config"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/tool"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
)

// Stream lifecycle states. A stream only ever moves forward: Connecting ->
// Open -> Closed. Closed is terminal; a new event for the same call
// identifier is a new, unrelated session.
const (
	streamConnecting int32 = iota
	streamOpen
	streamClosed
)

// StreamConn is one call's bidirectional event stream.
type StreamConn struct {
	CallID string

	streamURL  string
	credential string

	conn    *websocket.Conn
	writeMu sync.Mutex
	state   int32

	handler *Handler
}

// Handler supervises the event streams of accepted calls. One instance is
// shared by all calls; each stream runs in its own goroutine.
type Handler struct {
	cfg   *config.OpenAIConfig
	tools *tool.Manager

	// onClose runs once per stream when it reaches Closed, with the call
	// identifier and a short reason. Set before the first stream starts.
	onClose func(callID, reason string)

	mu      sync.RWMutex
	streams map[string]*StreamConn
}

// NewHandler creates a stream supervisor over the given configuration and
// dispatch table.
func NewHandler(cfg *config.OpenAIConfig, tools *tool.Manager) *Handler {
	return &Handler{
		cfg:     cfg,
		tools:   tools,
		streams: make(map[string]*StreamConn),
	}
}

// SetCloseHook registers the callback invoked when a stream finishes.
func (h *Handler) SetCloseHook(hook func(callID, reason string)) {
	h.onClose = hook
}

// StartStream opens and services the event stream for an accepted call until
// the remote side closes it. It is meant to run in its own goroutine; the
// webhook response never waits on it, and nothing is reported back to the
// caller — failures are logged and the stream ends.
func (h *Handler) StartStream(ctx context.Context, callID string, accept *AcceptResult) {
	stream := &StreamConn{
		CallID:     callID,
		streamURL:  accept.StreamURL,
		credential: accept.Credential,
		state:      streamConnecting,
		handler:    h,
	}
	if !h.storeStream(stream) {
		logger.Base().Warn("Stream already active for call, ignoring duplicate start",
			zap.String("call_id", callID))
		return
	}

	// The accept side needs a moment to finish provisioning the session.
	// Connecting immediately races it and fails with a not-found error.
	select {
	case <-time.After(h.cfg.ConnectDelay):
	case <-ctx.Done():
		h.finishStream(stream, "cancelled before connect")
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: h.cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+stream.credential)

	conn, _, err := dialer.DialContext(ctx, stream.streamURL, header)
	if err != nil {
		logger.Base().Error("Failed to open event stream",
			zap.String("call_id", callID),
			zap.String("stream_url", stream.streamURL),
			zap.Error(err))
		h.finishStream(stream, "connect failed")
		return
	}
	stream.conn = conn
	atomic.StoreInt32(&stream.state, streamOpen)
	logger.Base().Info("Event stream open",
		zap.String("call_id", callID),
		zap.String("stream_url", stream.streamURL))

	// One greeting per call, before anything else is written. Without it
	// the caller hears silence until they speak first.
	if err := stream.sendGreeting(h.cfg.Greeting); err != nil {
		logger.Base().Error("Failed to send greeting", zap.String("call_id", callID), zap.Error(err))
	}

	reason := stream.readLoop()
	h.finishStream(stream, reason)
}

// readLoop consumes frames until the stream dies and returns the close
// reason. Each frame is a JSON object dispatched by its type discriminator.
func (s *StreamConn) readLoop() string {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Base().Info("Event stream closed by remote",
					zap.String("call_id", s.CallID),
					zap.Error(err))
				return "remote close"
			}
			logger.Base().Error("Event stream read error",
				zap.String("call_id", s.CallID),
				zap.Error(err))
			return "read error"
		}

		var event map[string]interface{}
		if err := json.Unmarshal(payload, &event); err != nil {
			logger.Base().Error("Undecodable stream frame",
				zap.String("call_id", s.CallID),
				zap.Error(err))
			return "decode error"
		}
		s.handleServerEvent(event)
	}
}

// sendGreeting prompts the remote side to speak first.
func (s *StreamConn) sendGreeting(instructions string) error {
	return s.sendEvent(map[string]interface{}{
		"type": "response.create",
		"response": map[string]interface{}{
			"instructions": instructions,
		},
	})
}

// sendEvent writes a single JSON event onto the stream.
func (s *StreamConn) sendEvent(event map[string]interface{}) error {
	if atomic.LoadInt32(&s.state) != streamOpen {
		return fmt.Errorf("stream for call %s is not open", s.CallID)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(event)
}

// close writes a close frame and tears down the transport. The read loop
// observes the closed connection and finishes the stream.
func (s *StreamConn) close() {
	if atomic.LoadInt32(&s.state) != streamOpen {
		return
	}
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// finishStream transitions a stream to Closed exactly once, removes it from
// the active set and fires the close hook.
func (h *Handler) finishStream(stream *StreamConn, reason string) {
	if atomic.SwapInt32(&stream.state, streamClosed) == streamClosed {
		return
	}
	if stream.conn != nil {
		_ = stream.conn.Close()
	}
	h.removeStream(stream.CallID)
	logger.Base().Info("Event stream finished",
		zap.String("call_id", stream.CallID),
		zap.String("reason", reason))
	if h.onClose != nil {
		h.onClose(stream.CallID, reason)
	}
}

// storeStream registers a stream for its call. Returns false when the call
// already has one, which keeps a replayed webhook from opening a second
// stream or emitting a second greeting.
func (h *Handler) storeStream(stream *StreamConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.streams[stream.CallID]; exists {
		return false
	}
	h.streams[stream.CallID] = stream
	return true
}

func (h *Handler) removeStream(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, callID)
}

// GetStream returns the active stream for a call, if any.
func (h *Handler) GetStream(callID string) (*StreamConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stream, exists := h.streams[callID]
	return stream, exists
}

// ActiveCalls lists the call identifiers with a live stream.
func (h *Handler) ActiveCalls() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.streams))
	for id := range h.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll tears down every active stream. Used during shutdown.
func (h *Handler) CloseAll() {
	h.mu.RLock()
	streams := make([]*StreamConn, 0, len(h.streams))
	for _, stream := range h.streams {
		streams = append(streams, stream)
	}
	h.mu.RUnlock()

	for _, stream := range streams {
		stream.close()
	}
}
