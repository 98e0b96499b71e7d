// Package pipeline routes incoming events to the right dispatcher.
//
// The Kafka adapter feeds raw message bytes through ProcessMessage; the
// polling adapter feeds claim documents through ProcessRun, which reshapes
// them into the event form the dispatchers understand.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/port-labs/port-agent/internal/config"
	"github.com/port-labs/port-agent/internal/domain"
)

// Dispatcher invokes one outbound target for an event.
type Dispatcher interface {
	Invoke(ctx context.Context, event domain.Event, im domain.InvocationMethod) error
}

// Pipeline validates events and hands them to the dispatcher matching their
// invocation type.
type Pipeline struct {
	cfg     *config.Settings
	webhook Dispatcher
	gitlab  Dispatcher
}

// New creates a Pipeline.
func New(cfg *config.Settings, webhook, gitlab Dispatcher) *Pipeline {
	return &Pipeline{cfg: cfg, webhook: webhook, gitlab: gitlab}
}

// ProcessMessage handles one raw Kafka message. Skips (wrong recipient,
// unsupported type, filtered environment) return nil; only processing
// failures are errors.
func (p *Pipeline) ProcessMessage(ctx context.Context, raw []byte, kind domain.TopicKind) error {
	if p.cfg.DetailedLogging {
		slog.Info("raw message value", "value", string(raw))
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	event := domain.Event(doc)

	im := domain.ParseInvocationMethod(event.InvocationMethodRaw(kind))
	if reason := im.Validate(); reason != "" {
		slog.Info("skipping message", "reason", reason, "runId", event.RunID())
		return nil
	}
	if !p.cfg.EnvironmentAllowed(event.Environment()) {
		slog.Info("skipping message: environment not in whitelist",
			"environment", event.Environment(), "runId", event.RunID())
		return nil
	}

	return p.dispatch(ctx, event, im)
}

// ProcessRun handles one claimed run from the polling adapter. The claim
// document carries the invocation settings and the original event body side
// by side; the body is reshaped into the Kafka event form before dispatch.
func (p *Pipeline) ProcessRun(ctx context.Context, run domain.Event) error {
	runID := run.ClaimID()
	if runID == "" {
		slog.Error("claimed run is missing an id field")
		return nil
	}
	slog.Info("processing action run", "runId", runID)

	payload, _ := run["payload"].(map[string]any)
	imRaw := map[string]any{
		"type":         payload["type"],
		"url":          payload["url"],
		"agent":        payload["agent"],
		"synchronized": payload["synchronized"],
		"method":       payload["method"],
		"headers":      payload["headers"],
	}
	im := domain.ParseInvocationMethod(imRaw)
	if reason := im.Validate(); reason != "" {
		slog.Info("skipping run", "runId", runID, "reason", reason)
		return nil
	}

	event := reshapeClaim(run, runID, imRaw)
	if !p.cfg.EnvironmentAllowed(event.Environment()) {
		slog.Info("skipping run: environment not in whitelist",
			"environment", event.Environment(), "runId", runID)
		return nil
	}

	return p.dispatch(ctx, event, im)
}

func (p *Pipeline) dispatch(ctx context.Context, event domain.Event, im domain.InvocationMethod) error {
	switch im.Type {
	case domain.InvocationTypeGitLab:
		return p.gitlab.Invoke(ctx, event, im)
	default:
		return p.webhook.Invoke(ctx, event, im)
	}
}

// reshapeClaim turns a claim document into the event shape the dispatchers
// expect: the original body with the invocation headers, invocation method
// and run id folded in.
func reshapeClaim(run domain.Event, runID string, imRaw map[string]any) domain.Event {
	payload, _ := run["payload"].(map[string]any)
	body, _ := payload["body"].(map[string]any)

	event := domain.Event(body).Clone()
	if event == nil {
		event = domain.Event{}
	}
	if headers, ok := imRaw["headers"].(map[string]any); ok {
		event["headers"] = headers
	} else {
		event["headers"] = map[string]any{}
	}

	eventPayload, ok := event["payload"].(map[string]any)
	if !ok {
		eventPayload = map[string]any{}
		event["payload"] = eventPayload
	}
	action, ok := eventPayload["action"].(map[string]any)
	if !ok {
		action = map[string]any{}
		eventPayload["action"] = action
	}
	action["invocationMethod"] = imRaw

	eventContext, ok := event["context"].(map[string]any)
	if !ok {
		eventContext = map[string]any{}
		event["context"] = eventContext
	}
	eventContext["runId"] = runID

	return event
}
