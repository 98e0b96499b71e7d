// Package invoker dispatches transformed events to their outbound targets:
// arbitrary HTTP webhooks with request signing, and GitLab trigger-pipeline
// endpoints.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/port-labs/port-agent/internal/domain"
	"github.com/port-labs/port-agent/internal/mapping"
	"github.com/port-labs/port-agent/internal/signing"
	"github.com/port-labs/port-agent/internal/transform"
)

// RunLog delivers one progress line to the run's log in Port. Best-effort.
type RunLog func(ctx context.Context, message string)

func noopRunLog(context.Context, string) {}

// Reporter is the slice of the Port client the webhook invoker needs to
// feed results back to the control plane.
type Reporter interface {
	ReportRunStatus(ctx context.Context, runID string, patch map[string]any) error
	ReportRunResponse(ctx context.Context, runID string, response any) error
	RunLogger(runID string) func(context.Context, string)
}

// Webhook invokes HTTP targets with signed requests and reports the outcome.
type Webhook struct {
	transformer *transform.Transformer
	reporter    Reporter
	secret      string
	http        *http.Client

	// now is swappable for deterministic signature tests.
	now func() time.Time
}

// NewWebhook creates a webhook invoker. secret signs outgoing requests and
// verifies incoming events.
func NewWebhook(tr *transform.Transformer, reporter Reporter, secret string, timeout time.Duration) *Webhook {
	return &Webhook{
		transformer: tr,
		reporter:    reporter,
		secret:      secret,
		http:        &http.Client{Timeout: timeout},
		now:         time.Now,
	}
}

// Invoke processes one event end to end: signature verification, mapping
// selection, transformation, dispatch and reporting. Events that fail
// verification or match no mapping are dropped silently (warn only); a
// dispatch failure is returned so the source adapter can record it.
func (w *Webhook) Invoke(ctx context.Context, event domain.Event, im domain.InvocationMethod) error {
	slog.Info("processing event", "destination", im.Type, "url", im.URL)
	runID := event.RunID()

	if !signing.VerifyEvent(event, w.secret, im.Type) {
		return nil
	}

	m := w.transformer.FindMapping(event)
	if m == nil && im.URL == "" {
		slog.Info("no mapping matched and no destination url, skipping the event", "runId", runID)
		return nil
	}

	if runID != "" {
		return w.invokeRun(ctx, runID, m, event, im)
	}
	if im.URL != "" {
		// Changelog destination: dispatch without run reporting.
		decrypted := w.transformer.Decrypt(event, m)
		plan := w.transformer.BuildRequest(m, decrypted, im)
		resp, err := w.request(ctx, plan, noopRunLog)
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("webhook request failed with status %d", resp.StatusCode)
		}
		return nil
	}
	slog.Warn("could not find suitable invocation method for the event")
	return nil
}

func (w *Webhook) invokeRun(ctx context.Context, runID string, m *mapping.Mapping, event domain.Event, im domain.InvocationMethod) error {
	runLog := RunLog(w.reporter.RunLogger(runID))
	runLog(ctx, "An action message has been received")

	runLog(ctx, "Preparing the payload for the request")
	decrypted := w.transformer.Decrypt(event, m)
	plan := w.transformer.BuildRequest(m, decrypted, im)

	resp, err := w.request(ctx, plan, runLog)
	if err != nil {
		return err
	}

	if im.Synchronized {
		if body := responseBody(resp); body != nil {
			w.reportRunResponse(ctx, runID, body, runLog)
		}
	}

	report := w.transformer.BuildReport(m, resp, plan, decrypted, im)
	if patch := report.Patch(); len(patch) > 0 {
		slog.Info("reporting run status", "runId", runID, "patch", patch)
		if err := w.reporter.ReportRunStatus(ctx, runID, patch); err != nil {
			slog.Warn("failed to report run status", "runId", runID, "error", err)
			runLog(ctx, fmt.Sprintf("The run state failed to be reported: %v", err))
		}
	} else {
		slog.Info("no report fields resolved for run", "runId", runID)
	}

	if !resp.OK {
		return fmt.Errorf("webhook request failed with status %d", resp.StatusCode)
	}
	runLog(ctx, "Port agent finished processing the action run")
	return nil
}

// request sends the signed request and captures the response.
func (w *Webhook) request(ctx context.Context, plan transform.RequestPlan, runLog RunLog) (transform.ResponseView, error) {
	slog.Info("sending request", "method", plan.Method, "url", plan.URL)
	runLog(ctx, "Sending the request")

	payload, err := signing.CompactJSON(plan.Body)
	if err != nil {
		return transform.ResponseView{}, fmt.Errorf("encode request body: %w", err)
	}
	timestamp := strconv.FormatInt(w.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, plan.Method, plan.URL, bytes.NewReader(payload))
	if err != nil {
		return transform.ResponseView{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range plan.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(signing.HeaderTimestamp, timestamp)
	req.Header.Set(signing.HeaderSignature, signing.Sign(w.secret, timestamp, payload))

	if len(plan.Query) > 0 {
		q := url.Values{}
		for k, v := range plan.Query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	res, err := w.http.Do(req)
	if err != nil {
		runLog(ctx, fmt.Sprintf("The request failed: %v", err))
		return transform.ResponseView{}, err
	}
	defer res.Body.Close()

	text, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return transform.ResponseView{}, fmt.Errorf("read response body: %w", err)
	}

	view := transform.ResponseView{
		OK:         res.StatusCode >= 200 && res.StatusCode < 300,
		StatusCode: res.StatusCode,
		Headers:    flattenHeaders(res.Header),
		Text:       string(text),
	}
	if view.OK {
		var parsed any
		if err := json.Unmarshal(text, &parsed); err == nil {
			view.JSON = parsed
		}
		slog.Info("request succeeded", "statusCode", view.StatusCode)
		runLog(ctx, fmt.Sprintf("The request was successful with status code: %d", view.StatusCode))
	} else {
		slog.Warn("request failed", "statusCode", view.StatusCode, "response", view.Text)
		runLog(ctx, fmt.Sprintf("The request failed with status code: %d and response: %s", view.StatusCode, view.Text))
	}
	return view, nil
}

func (w *Webhook) reportRunResponse(ctx context.Context, runID string, body any, runLog RunLog) {
	runLog(ctx, "Reporting the run response")
	if err := w.reporter.ReportRunResponse(ctx, runID, body); err != nil {
		slog.Warn("failed to report run response", "runId", runID, "error", err)
		runLog(ctx, fmt.Sprintf("The run response failed to be reported: %v", err))
		return
	}
	runLog(ctx, "The run response was reported successfully")
}

// responseBody returns the parsed JSON body when available, the raw text
// otherwise, or nil for an empty body.
func responseBody(resp transform.ResponseView) any {
	if resp.JSON != nil {
		return resp.JSON
	}
	if resp.Text != "" {
		return resp.Text
	}
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
