package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/config"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
)

// Client performs the accept handshake against the realtime control API.
type Client struct {
	apiBase    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an accept client from the service credentials.
func NewClient(cfg *config.OpenAIConfig) *Client {
	return &Client{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.AcceptTimeout,
		},
	}
}

// AcceptResult carries the stream endpoint and credential to use for the
// call's event stream. Both fields are always populated: when the accept
// response omits them, the well-known default endpoint and the long-lived
// service credential are filled in instead.
type AcceptResult struct {
	StreamURL  string
	Credential string
}

// AcceptError is a non-success response from the accept endpoint. The call
// identifier cannot be recovered by retrying, so callers surface it and stop.
type AcceptError struct {
	StatusCode int
	Body       string
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept rejected with status %d: %s", e.StatusCode, e.Body)
}

// acceptResponse is the optional response body of a successful accept. Some
// deployments return an empty body, some return the stream coordinates.
type acceptResponse struct {
	WSURL        string `json:"ws_url"`
	ClientSecret struct {
		Value     string      `json:"value"`
		ExpiresAt interface{} `json:"expires_at"`
	} `json:"client_secret"`
}

// AcceptCall authorizes handling of an incoming call with the given session
// config. It must run as soon as the call identifier is known: the identifier
// expires server-side, and an expired one fails with call_id_not_found.
func (c *Client) AcceptCall(ctx context.Context, callID string, session SessionConfig) (*AcceptResult, error) {
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session config: %w", err)
	}

	acceptURL := fmt.Sprintf("%s/v1/realtime/calls/%s/accept", c.apiBase, url.PathEscape(callID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, acceptURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create accept request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach accept endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		logger.Base().Error("Accept handshake rejected",
			zap.String("call_id", callID),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return nil, &AcceptError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	result := &AcceptResult{
		StreamURL:  c.defaultStreamURL(callID),
		Credential: c.apiKey,
	}
	if len(body) > 0 {
		var acceptResp acceptResponse
		if err := json.Unmarshal(body, &acceptResp); err != nil {
			logger.Base().Warn("Accept response body not parseable, using default stream endpoint",
				zap.String("call_id", callID))
		} else if acceptResp.WSURL != "" {
			result.StreamURL = acceptResp.WSURL
			if acceptResp.ClientSecret.Value != "" {
				result.Credential = acceptResp.ClientSecret.Value
			}
		}
	}

	logger.Base().Info("Call accepted",
		zap.String("call_id", callID),
		zap.String("stream_url", result.StreamURL))
	return result, nil
}

// defaultStreamURL derives the fallback stream endpoint from the API base:
// same host, websocket scheme, parameterized by the call identifier.
func (c *Client) defaultStreamURL(callID string) string {
	u, err := url.Parse(c.apiBase)
	if err != nil {
		return "wss://api.openai.com/v1/realtime?call_id=" + url.QueryEscape(callID)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = "/v1/realtime"
	u.RawQuery = url.Values{"call_id": {callID}}.Encode()
	return u.String()
}
