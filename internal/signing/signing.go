// Package signing implements the Port request signature scheme.
//
// Outgoing webhook requests carry two headers:
//
//	X-Port-Timestamp: <unix seconds>
//	X-Port-Signature: v1,<base64(HMAC-SHA256(secret, timestamp + "." + compactJSON(body)))>
//
// Incoming run events carry the same pair under the event's "headers" key,
// signed by the control plane over the event document with those headers
// stripped. Signer and verifier share one canonicalizer so their output is
// byte-identical; CompactJSON emits non-ASCII characters raw (no \uXXXX
// escaping) and does not HTML-escape.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/port-labs/port-agent/internal/domain"
)

// Event header keys carrying the control plane's signature.
const (
	HeaderSignature = "X-Port-Signature"
	HeaderTimestamp = "X-Port-Timestamp"
)

// CompactJSON serializes v with compact separators, sorted object keys, and
// no ASCII or HTML escaping. Both signature directions depend on this exact
// byte form.
func CompactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("compact json: %w", err)
	}
	// Encoder appends a newline; the signed payload must not include it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign computes the v1 signature over timestamp + "." + payload.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignBody canonicalizes body and signs it. Used by the webhook dispatcher.
func SignBody(secret, timestamp string, body any) (string, error) {
	payload, err := CompactJSON(body)
	if err != nil {
		return "", err
	}
	return Sign(secret, timestamp, payload), nil
}

// VerifyEvent checks the control plane's signature on an incoming run event.
// Changelog events are not signed and pass verification unconditionally.
//
// The two Port headers are removed from the event before recomputing the
// signature; the GitLab variant strips the entire headers block, matching
// what the control plane signed. The event is mutated accordingly — callers
// pass the working copy that continues down the pipeline.
//
// Returns false when the headers are missing or the signature does not
// match; both cases log a warning and the event must be dropped silently.
func VerifyEvent(event domain.Event, secret, invocationType string) bool {
	if event.IsChangelog() {
		return true
	}

	headers, _ := event["headers"].(map[string]any)
	signature, _ := headers[HeaderSignature].(string)
	timestamp, _ := headers[HeaderTimestamp].(string)
	if signature == "" || timestamp == "" {
		slog.Warn("could not find the required signature headers, skipping the event")
		return false
	}

	if invocationType == domain.InvocationTypeGitLab {
		delete(event, "headers")
	} else {
		delete(headers, HeaderSignature)
		delete(headers, HeaderTimestamp)
	}

	payload, err := CompactJSON(map[string]any(event))
	if err != nil {
		slog.Warn("could not canonicalize event for signature verification", "error", err)
		return false
	}

	expected := Sign(secret, timestamp, payload)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		slog.Warn("could not verify signature, skipping the event")
		return false
	}
	return true
}
