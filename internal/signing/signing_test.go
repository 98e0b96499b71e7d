package signing

import (
	"encoding/json"
	"testing"

	"github.com/port-labs/port-agent/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-client-secret"

func event(t *testing.T, raw string) domain.Event {
	t.Helper()
	var e domain.Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	return e
}

func TestCompactJSON(t *testing.T) {
	out, err := CompactJSON(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(out), "compact separators, sorted keys, no trailing newline")

	// Non-ASCII is emitted raw, and HTML characters are not escaped.
	out, err = CompactJSON(map[string]any{"msg": "héllo <&>"})
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"héllo <&>"}`, string(out))
}

func TestSignRoundTrip(t *testing.T) {
	body := map[string]any{"context": map[string]any{"runId": "r1"}}
	ts := "1700000000"

	sig, err := SignBody(secret, ts, body)
	require.NoError(t, err)
	assert.Regexp(t, `^v1,[A-Za-z0-9+/]+={0,2}$`, sig)

	// Same body, secret and timestamp verify.
	again, err := SignBody(secret, ts, body)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	// Any flipped input fails.
	other, err := SignBody(secret, ts, map[string]any{"context": map[string]any{"runId": "r2"}})
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)

	late, err := SignBody(secret, "1700000001", body)
	require.NoError(t, err)
	assert.NotEqual(t, sig, late)

	wrongKey, err := SignBody("other-secret", ts, body)
	require.NoError(t, err)
	assert.NotEqual(t, sig, wrongKey)
}

// signEvent reproduces what the control plane does: sign the document
// without its signature headers, then attach them.
func signEvent(t *testing.T, e domain.Event, ts string) {
	t.Helper()
	payload, err := CompactJSON(map[string]any(e))
	require.NoError(t, err)
	sig := Sign(secret, ts, payload)

	headers, _ := e["headers"].(map[string]any)
	if headers == nil {
		headers = map[string]any{}
		e["headers"] = headers
	}
	headers[HeaderSignature] = sig
	headers[HeaderTimestamp] = ts
}

func TestVerifyEventWebhook(t *testing.T) {
	e := event(t, `{
		"context": {"runId": "r1"},
		"headers": {"X-Custom": "kept"},
		"payload": {"properties": {"x": 1}}
	}`)
	signEvent(t, e, "1700000000")

	assert.True(t, VerifyEvent(e, secret, domain.InvocationTypeWebhook))

	// Only the two Port headers were stripped.
	headers := e["headers"].(map[string]any)
	assert.Equal(t, "kept", headers["X-Custom"])
	assert.NotContains(t, headers, HeaderSignature)
	assert.NotContains(t, headers, HeaderTimestamp)
}

func TestVerifyEventGitLabStripsAllHeaders(t *testing.T) {
	e := event(t, `{"context": {"runId": "r1"}, "payload": {}}`)
	// GitLab events are signed without the headers block at all.
	signEvent(t, e, "1700000000")

	assert.True(t, VerifyEvent(e, secret, domain.InvocationTypeGitLab))
	assert.NotContains(t, e, "headers")
}

func TestVerifyEventTamperedBody(t *testing.T) {
	e := event(t, `{"context": {"runId": "r1"}, "payload": {"properties": {"x": 1}}}`)
	signEvent(t, e, "1700000000")

	e["payload"].(map[string]any)["properties"].(map[string]any)["x"] = 2.0
	assert.False(t, VerifyEvent(e, secret, domain.InvocationTypeWebhook))
}

func TestVerifyEventTamperedTimestamp(t *testing.T) {
	e := event(t, `{"context": {"runId": "r1"}}`)
	signEvent(t, e, "1700000000")

	e["headers"].(map[string]any)[HeaderTimestamp] = "1700009999"
	assert.False(t, VerifyEvent(e, secret, domain.InvocationTypeWebhook))
}

func TestVerifyEventMissingHeaders(t *testing.T) {
	e := event(t, `{"context": {"runId": "r1"}}`)
	assert.False(t, VerifyEvent(e, secret, domain.InvocationTypeWebhook))

	e = event(t, `{"context": {"runId": "r1"}, "headers": {"X-Port-Timestamp": "1700000000"}}`)
	assert.False(t, VerifyEvent(e, secret, domain.InvocationTypeWebhook))
}

func TestVerifyEventChangelogSkips(t *testing.T) {
	e := event(t, `{"changelogDestination": {"url": "http://hook", "agent": true}}`)
	assert.True(t, VerifyEvent(e, secret, domain.InvocationTypeWebhook))
}
