package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/config"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/model/openai"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/webhook"
)

const testWebhookSecret = "whsec_d2ViaG9vay10ZXN0LXNlY3JldA==" // "webhook-test-secret"

type fakeAcceptor struct {
	mu     sync.Mutex
	calls  []string
	result *openai.AcceptResult
	err    error
}

func (f *fakeAcceptor) AcceptCall(ctx context.Context, callID string, session openai.SessionConfig) (*openai.AcceptResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, callID)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeAcceptor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type startedStream struct {
	callID string
	accept *openai.AcceptResult
}

type fakeStreams struct {
	started chan startedStream
}

func (f *fakeStreams) StartStream(ctx context.Context, callID string, accept *openai.AcceptResult) {
	f.started <- startedStream{callID: callID, accept: accept}
}

func newTestHandler(acceptor *fakeAcceptor) (*RealtimeWebhookHandler, *fakeStreams) {
	cfg := &config.Config{
		OpenAI: config.OpenAIConfig{
			APIKey:        "sk-test",
			WebhookSecret: testWebhookSecret,
		},
		Webhook: config.WebhookConfig{
			Path:      "/",
			Tolerance: 5 * time.Minute,
		},
	}
	streams := &fakeStreams{started: make(chan startedStream, 4)}
	h := NewRealtimeWebhookHandler(cfg, openai.SessionConfig{Type: "realtime"}, acceptor, streams, nil, nil, nil)
	return h, streams
}

func signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := webhook.Sign("wh_test", ts, body, testWebhookSecret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set(webhook.HeaderID, "wh_test")
	req.Header.Set(webhook.HeaderTimestamp, ts)
	req.Header.Set(webhook.HeaderSignature, sig)
	return req
}

func assertNoStream(t *testing.T, streams *fakeStreams) {
	t.Helper()
	select {
	case s := <-streams.started:
		t.Fatalf("unexpected stream started for call %s", s.callID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	acceptor := &fakeAcceptor{result: &openai.AcceptResult{}}
	h, streams := newTestHandler(acceptor)

	// Headers signed over one body, a different body delivered.
	signed := signedRequest(t, []byte(`{"type":"realtime.call.incoming","data":{"call_id":"abc123"}}`))
	tampered := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"type":"realtime.call.incoming","data":{"call_id":"evil"}}`)))
	tampered.Header = signed.Header

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, tampered)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, acceptor.callCount(), "verification must precede any side effect")
	assertNoStream(t, streams)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	acceptor := &fakeAcceptor{result: &openai.AcceptResult{}}
	h, streams := newTestHandler(acceptor)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"type":"realtime.call.incoming"}`)))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, acceptor.callCount())
	assertNoStream(t, streams)
}

func TestWebhookMissingCallID(t *testing.T) {
	acceptor := &fakeAcceptor{result: &openai.AcceptResult{}}
	h, streams := newTestHandler(acceptor)

	req := signedRequest(t, []byte(`{"type":"realtime.call.incoming","data":{}}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, acceptor.callCount())
	assertNoStream(t, streams)
}

func TestWebhookAcceptFailure(t *testing.T) {
	acceptor := &fakeAcceptor{err: &openai.AcceptError{StatusCode: http.StatusNotFound, Body: "call_id_not_found"}}
	h, streams := newTestHandler(acceptor)

	req := signedRequest(t, []byte(`{"type":"realtime.call.incoming","data":{"call_id":"expired"}}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Accept failed")
	assert.Equal(t, 1, acceptor.callCount())
	assertNoStream(t, streams)
}

func TestWebhookAcceptSuccess(t *testing.T) {
	accept := &openai.AcceptResult{
		StreamURL:  "wss://api.example/v1/realtime?call_id=abc123",
		Credential: "sk-test",
	}
	acceptor := &fakeAcceptor{result: accept}
	h, streams := newTestHandler(acceptor)

	req := signedRequest(t, []byte(`{"type":"realtime.call.incoming","data":{"call_id":"abc123"}}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer sk-test", rec.Header().Get("Authorization"))
	assert.Equal(t, "OK", rec.Body.String())

	select {
	case started := <-streams.started:
		assert.Equal(t, "abc123", started.callID)
		assert.Equal(t, accept, started.accept)
	case <-time.After(time.Second):
		t.Fatal("stream never started")
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	acceptor := &fakeAcceptor{result: &openai.AcceptResult{Credential: "sk-test"}}
	h, streams := newTestHandler(acceptor)

	body := []byte(`{"type":"realtime.call.incoming","data":{"call_id":"abc123"}}`)

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest(t, body))
	require.Equal(t, http.StatusOK, rec.Code)
	<-streams.started

	// Replay of the same notification: acknowledged, but no second accept
	// and no second stream.
	rec = httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest(t, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, acceptor.callCount())
	assertNoStream(t, streams)
}

func TestWebhookCallEnded(t *testing.T) {
	acceptor := &fakeAcceptor{result: &openai.AcceptResult{}}
	h, streams := newTestHandler(acceptor)

	req := signedRequest(t, []byte(`{"type":"realtime.call.ended","data":{"call_id":"abc123"}}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, acceptor.callCount())
	assertNoStream(t, streams)
}

func TestWebhookUnknownEventType(t *testing.T) {
	acceptor := &fakeAcceptor{result: &openai.AcceptResult{}}
	h, streams := newTestHandler(acceptor)

	req := signedRequest(t, []byte(`{"type":"realtime.call.transfer_requested","data":{"call_id":"abc123"}}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	// Forward compatibility: unknown types are acknowledged, not rejected.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, acceptor.callCount())
	assertNoStream(t, streams)
}

func TestWebhookSIPHeadersLogged(t *testing.T) {
	acceptor := &fakeAcceptor{result: &openai.AcceptResult{Credential: "sk-test"}}
	h, streams := newTestHandler(acceptor)

	body := []byte(`{"type":"realtime.call.incoming","data":{"call_id":"abc123","sip_headers":[{"name":"From","value":"sip:+15550100@carrier.example"}]}}`)
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest(t, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	<-streams.started
}

func TestRecoveryMiddleware(t *testing.T) {
	wrapped := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("boom"))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	wrapped := RateLimitMiddleware(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var got []int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		got = append(got, rec.Code)
	}
	assert.Equal(t, http.StatusOK, got[0])
	assert.Contains(t, got, http.StatusTooManyRequests)
}

func TestRateLimitDisabled(t *testing.T) {
	wrapped := RateLimitMiddleware(0, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("request %d", i))
	}
}
