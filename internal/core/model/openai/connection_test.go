package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/tool"
)

var testUpgrader = websocket.Upgrader{}

// newStreamServer runs script against each upgraded connection and returns
// the ws:// endpoint.
func newStreamServer(t *testing.T, script func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]interface{}
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func closeNormally(conn *websocket.Conn) {
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
}

func streamTestHandler(closed chan string) *Handler {
	cfg := testOpenAIConfig("https://api.example")
	cfg.Greeting = "Greet the caller warmly."
	h := NewHandler(cfg, tool.NewManager())
	h.SetCloseHook(func(callID, reason string) {
		closed <- callID + "/" + reason
	})
	return h
}

func TestStreamSendsGreetingFirst(t *testing.T) {
	greeting := make(chan map[string]interface{}, 1)
	server, wsURL := newStreamServer(t, func(conn *websocket.Conn) {
		greeting <- readEvent(t, conn)
		closeNormally(conn)
	})
	defer server.Close()

	closed := make(chan string, 1)
	h := streamTestHandler(closed)
	h.StartStream(context.Background(), "abc123", &AcceptResult{StreamURL: wsURL, Credential: "sk-test"})

	event := <-greeting
	assert.Equal(t, "response.create", event["type"])
	response, ok := event["response"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Greet the caller warmly.", response["instructions"])

	select {
	case reason := <-closed:
		assert.Equal(t, "abc123/remote close", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("close hook never fired")
	}

	_, active := h.GetStream("abc123")
	assert.False(t, active)
}

func TestStreamDispatchesFunctionCall(t *testing.T) {
	results := make(chan map[string]interface{}, 2)
	server, wsURL := newStreamServer(t, func(conn *websocket.Conn) {
		readEvent(t, conn) // greeting

		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "conversation.item.created",
			"item": map[string]interface{}{
				"type":      "function_call",
				"id":        "fc1",
				"name":      "get_current_time",
				"arguments": "{}",
			},
		}))

		results <- readEvent(t, conn) // function_call_output
		results <- readEvent(t, conn) // response.create
		closeNormally(conn)
	})
	defer server.Close()

	closed := make(chan string, 1)
	h := streamTestHandler(closed)
	h.StartStream(context.Background(), "abc123", &AcceptResult{StreamURL: wsURL, Credential: "sk-test"})

	output := <-results
	assert.Equal(t, "conversation.item.create", output["type"])
	item, ok := output["item"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "fc1", item["call_id"])
	assert.Contains(t, item["output"], "current_time")

	trigger := <-results
	assert.Equal(t, "response.create", trigger["type"])

	<-closed
}

func TestStreamAnswersUnknownTool(t *testing.T) {
	results := make(chan map[string]interface{}, 1)
	server, wsURL := newStreamServer(t, func(conn *websocket.Conn) {
		readEvent(t, conn) // greeting

		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "conversation.item.created",
			"item": map[string]interface{}{
				"type":      "function_call",
				"id":        "fc9",
				"name":      "unknown_tool",
				"arguments": "{}",
			},
		}))

		results <- readEvent(t, conn)
		readEvent(t, conn) // response.create
		closeNormally(conn)
	})
	defer server.Close()

	closed := make(chan string, 1)
	h := streamTestHandler(closed)
	h.StartStream(context.Background(), "abc123", &AcceptResult{StreamURL: wsURL, Credential: "sk-test"})

	output := <-results
	item := output["item"].(map[string]interface{})
	assert.Equal(t, "fc9", item["call_id"])
	assert.Contains(t, item["output"], "unknown_tool is not implemented")

	<-closed
}

func TestStreamIgnoresConversationalEvents(t *testing.T) {
	server, wsURL := newStreamServer(t, func(conn *websocket.Conn) {
		readEvent(t, conn) // greeting

		// None of these may produce a reply.
		conn.WriteJSON(map[string]interface{}{"type": "session.created"})
		conn.WriteJSON(map[string]interface{}{"type": "response.output_audio.delta", "delta": "UklGR..."})
		conn.WriteJSON(map[string]interface{}{
			"type": "conversation.item.created",
			"item": map[string]interface{}{"type": "message", "role": "user"},
		})

		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Error("unexpected reply to conversational event")
		}
		closeNormally(conn)
	})
	defer server.Close()

	closed := make(chan string, 1)
	h := streamTestHandler(closed)
	h.StartStream(context.Background(), "abc123", &AcceptResult{StreamURL: wsURL, Credential: "sk-test"})

	<-closed
}

func TestStreamConnectFailure(t *testing.T) {
	closed := make(chan string, 1)
	h := streamTestHandler(closed)

	// Nothing is listening here.
	h.StartStream(context.Background(), "abc123", &AcceptResult{
		StreamURL:  "ws://127.0.0.1:1/v1/realtime?call_id=abc123",
		Credential: "sk-test",
	})

	select {
	case reason := <-closed:
		assert.Equal(t, "abc123/connect failed", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("close hook never fired")
	}
}

func TestStreamDuplicateStartIgnored(t *testing.T) {
	upgrades := make(chan struct{}, 2)
	hold := make(chan struct{})
	server, wsURL := newStreamServer(t, func(conn *websocket.Conn) {
		upgrades <- struct{}{}
		readEvent(t, conn) // greeting
		<-hold
		closeNormally(conn)
	})
	defer server.Close()

	closed := make(chan string, 2)
	h := streamTestHandler(closed)
	accept := &AcceptResult{StreamURL: wsURL, Credential: "sk-test"}

	go h.StartStream(context.Background(), "abc123", accept)

	require.Eventually(t, func() bool {
		_, active := h.GetStream("abc123")
		return active
	}, 2*time.Second, 10*time.Millisecond)

	// A replayed webhook starting the same call again must be a no-op.
	h.StartStream(context.Background(), "abc123", accept)

	close(hold)
	<-closed

	assert.Len(t, upgrades, 1)
}

func TestStreamAuthorizationHeader(t *testing.T) {
	auth := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		readEvent(t, conn)
		closeNormally(conn)
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	closed := make(chan string, 1)
	h := streamTestHandler(closed)
	h.StartStream(context.Background(), "abc123", &AcceptResult{StreamURL: wsURL, Credential: "ek_ephemeral"})

	assert.Equal(t, "Bearer ek_ephemeral", <-auth)
	<-closed
}
