// Package port is the client for the Port control plane API: token minting,
// run status/response patches, run logs, Kafka credential retrieval and the
// polling claim/ack endpoints.
package port

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/port-labs/port-agent/internal/cache"
	"github.com/port-labs/port-agent/internal/config"
	"github.com/port-labs/port-agent/internal/domain"
)

const userAgent = "port-agent"

// tokenTTL is deliberately far below the token's real lifetime so a revoked
// credential is noticed quickly; a cache miss just mints a new token.
const tokenTTL = 5 * time.Minute

const tokenCacheKey = "access-token"

// Streamer setting values accepted by PatchOrgStreamerSetting.
var validStreamerNames = map[string]bool{
	config.StreamerKafka:   true,
	config.StreamerPolling: true,
}

// Client talks to the Port control plane API.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	orgID        string
	http         *http.Client
	tokens       *cache.Cache[string, string]
}

// New creates a Client from the agent settings.
func New(cfg *config.Settings) *Client {
	return &Client{
		baseURL:      cfg.PortAPIBaseURL,
		clientID:     cfg.PortClientID,
		clientSecret: cfg.PortClientSecret,
		orgID:        cfg.PortOrgID,
		http:         &http.Client{Timeout: 30 * time.Second},
		tokens:       cache.New[string, string](cache.Options{TTL: tokenTTL}),
	}
}

// AccessToken returns a cached API token, minting a fresh one on miss.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if token, ok := c.tokens.Get(tokenCacheKey); ok {
		return token, nil
	}

	body := map[string]any{
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
	}
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/access_token", body, nil, &out); err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	c.tokens.Set(tokenCacheKey, out.AccessToken)
	return out.AccessToken, nil
}

// ReportRunStatus patches the run with the given fields (status, link,
// summary, externalRunId). An empty patch is a no-op.
func (c *Client) ReportRunStatus(ctx context.Context, runID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	return c.doAuthed(ctx, http.MethodPatch, "/v1/actions/runs/"+runID, patch, nil, nil)
}

// ReportRunResponse attaches the target's response to a synchronized run.
func (c *Client) ReportRunResponse(ctx context.Context, runID string, response any) error {
	body := map[string]any{"response": response}
	return c.doAuthed(ctx, http.MethodPatch, "/v1/actions/runs/"+runID+"/response", body, nil, nil)
}

// AppendRunLog appends one line to the run's log.
func (c *Client) AppendRunLog(ctx context.Context, runID, message string) error {
	body := map[string]any{"message": message}
	return c.doAuthed(ctx, http.MethodPost, "/v1/actions/runs/"+runID+"/logs", body, nil, nil)
}

// RunLogger returns a best-effort log sink for the run. Delivery failures
// are logged locally and never interrupt processing.
func (c *Client) RunLogger(runID string) func(context.Context, string) {
	return func(ctx context.Context, message string) {
		if err := c.AppendRunLog(ctx, runID, message); err != nil {
			slog.Warn("failed to append run log", "runId", runID, "error", err)
		}
	}
}

// KafkaCredentials fetches the org's single-org Kafka credentials.
func (c *Client) KafkaCredentials(ctx context.Context) (brokers []string, username, password string, err error) {
	var out struct {
		Credentials struct {
			Brokers  []string `json:"brokers"`
			Username string   `json:"username"`
			Password string   `json:"password"`
		} `json:"credentials"`
	}
	if err = c.doAuthed(ctx, http.MethodGet, "/v1/kafka-credentials", nil, nil, &out); err != nil {
		return nil, "", "", fmt.Errorf("get kafka credentials: %w", err)
	}
	return out.Credentials.Brokers, out.Credentials.Username, out.Credentials.Password, nil
}

// ClaimPendingRuns claims up to limit pending webhook runs for this org.
// The returned documents are claim documents, not run events; the pipeline
// reshapes them before processing.
func (c *Client) ClaimPendingRuns(ctx context.Context, limit int) ([]domain.Event, error) {
	body := map[string]any{
		"installationId":   c.orgID,
		"limit":            limit,
		"invocationMethod": domain.InvocationTypeWebhook,
	}
	var out struct {
		Runs []map[string]any `json:"runs"`
	}
	headers := map[string]string{"x-port-reserved-usage": "true"}
	if err := c.doAuthed(ctx, http.MethodPost, "/v1/actions/runs/claim-pending", body, headers, &out); err != nil {
		return nil, fmt.Errorf("claim pending runs: %w", err)
	}
	events := make([]domain.Event, 0, len(out.Runs))
	for _, run := range out.Runs {
		events = append(events, domain.Event(run))
	}
	return events, nil
}

// AckRuns acknowledges claimed runs and returns how many the control plane
// actually granted to this agent. A run absent from the acked count was
// claimed by a competing agent and must not be processed.
func (c *Client) AckRuns(ctx context.Context, runIDs []string) (int, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	body := map[string]any{"runIds": runIDs}
	var out struct {
		AckedCount int `json:"ackedCount"`
	}
	headers := map[string]string{"x-port-reserved-usage": "true"}
	if err := c.doAuthed(ctx, http.MethodPatch, "/v1/actions/runs/ack", body, headers, &out); err != nil {
		return 0, fmt.Errorf("ack runs: %w", err)
	}
	return out.AckedCount, nil
}

// PatchOrgStreamerSetting records which streamer this agent runs with on the
// organization settings. Unknown names are skipped with a warning rather
// than sent.
func (c *Client) PatchOrgStreamerSetting(ctx context.Context, streamerName string) error {
	if !validStreamerNames[streamerName] {
		slog.Warn("unknown streamer type, skipping org setting update", "streamerName", streamerName)
		return nil
	}
	body := map[string]any{
		"settings": map[string]any{"portAgentStreamerName": streamerName},
	}
	return c.doAuthed(ctx, http.MethodPatch, "/v1/organization", body, nil, nil)
}

// doAuthed performs an authenticated JSON request against the API.
func (c *Client) doAuthed(ctx context.Context, method, path string, body any, extraHeaders map[string]string, out any) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	return c.doJSON(ctx, method, path, body, headers, out)
}

// doJSON performs one JSON request. Non-2xx responses become errors carrying
// the status code and a response excerpt.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, excerpt(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}

func excerpt(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
