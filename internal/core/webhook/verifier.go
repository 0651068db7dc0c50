package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signature headers per the realtime service's webhook scheme.
const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"

	secretPrefix    = "whsec_"
	signaturePrefix = "v1,"
)

var (
	ErrMissingHeaders    = errors.New("webhook: missing signature headers")
	ErrStaleTimestamp    = errors.New("webhook: timestamp outside tolerance")
	ErrSignatureMismatch = errors.New("webhook: signature mismatch")
)

// Verify authenticates the raw request body against the signature headers
// and, only on success, decodes the event envelope. The body must be the
// unmodified request bytes; parsing before verification would invalidate the
// signature. Verification is pure: no side effects.
//
// The signed content is "<id>.<timestamp>.<body>", the secret is the
// base64 payload after the "whsec_" prefix, and the signature header holds
// one or more space-separated "v1,<base64>" entries.
func Verify(rawBody []byte, headers http.Header, secret string, tolerance time.Duration) (*Event, error) {
	id := headers.Get(HeaderID)
	ts := headers.Get(HeaderTimestamp)
	sigHeader := headers.Get(HeaderSignature)
	if id == "" || ts == "" || sigHeader == "" {
		return nil, ErrMissingHeaders
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("webhook: bad timestamp %q: %w", ts, err)
	}
	if tolerance > 0 {
		age := time.Since(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return nil, ErrStaleTimestamp
		}
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("webhook: bad signing secret: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, ts)
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	if !signatureMatches(sigHeader, expected) {
		return nil, ErrSignatureMismatch
	}

	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("webhook: decode event: %w", err)
	}
	return &event, nil
}

// signatureMatches compares the expected MAC in constant time against every
// v1 signature offered in the header. Secret rotation delivers several.
func signatureMatches(header string, expected []byte) bool {
	for _, part := range strings.Fields(header) {
		if !strings.HasPrefix(part, signaturePrefix) {
			continue
		}
		offered, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(part, signaturePrefix))
		if err != nil {
			continue
		}
		if hmac.Equal(offered, expected) {
			return true
		}
	}
	return false
}

// Sign computes the signature header value for the given body. It exists for
// outbound webhook testing and local tooling.
func Sign(id, timestamp string, body []byte, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return "", fmt.Errorf("webhook: bad signing secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	return signaturePrefix + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
