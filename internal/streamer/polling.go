package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/port-labs/port-agent/internal/config"
	"github.com/port-labs/port-agent/internal/domain"
)

// RunSource is the slice of the Port client the polling streamer needs.
type RunSource interface {
	ClaimPendingRuns(ctx context.Context, limit int) ([]domain.Event, error)
	AckRuns(ctx context.Context, runIDs []string) (int, error)
	ReportRunStatus(ctx context.Context, runID string, patch map[string]any) error
}

// ProcessFunc handles one claimed run.
type ProcessFunc func(ctx context.Context, run domain.Event) error

// Polling pulls pending runs from the control plane over HTTP: claim a
// batch, ack each run, process the ones this agent won. Claim failures back
// off exponentially; a failure window that outlasts the configured maximum
// shuts the streamer down so the orchestrator can restart it cleanly.
type Polling struct {
	cfg     *config.Settings
	source  RunSource
	process ProcessFunc
	backoff *backoff

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewPolling creates a polling streamer.
func NewPolling(cfg *config.Settings, source RunSource, process ProcessFunc) *Polling {
	return &Polling{
		cfg:     cfg,
		source:  source,
		process: process,
		backoff: newBackoff(
			cfg.PollingInitialBackoff,
			cfg.PollingMaxBackoff,
			cfg.PollingBackoffFactor,
			cfg.PollingJitterFactor,
		),
	}
}

// Start begins the polling loop in a background goroutine.
func (p *Polling) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		slog.Info("starting polling streamer",
			"batchSize", p.cfg.PollingBatchSize, "interval", p.cfg.PollingInterval)
		p.err = p.run(ctx)
	}()
	return nil
}

// Stop cancels the polling loop and waits for it to finish.
func (p *Polling) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

// Done is closed when the loop has exited, whether by Stop or on its own.
func (p *Polling) Done() <-chan struct{} {
	return p.done
}

// Err reports why the loop exited. Nil after a clean Stop.
func (p *Polling) Err() error {
	if errors.Is(p.err, context.Canceled) {
		return nil
	}
	return p.err
}

func (p *Polling) run(ctx context.Context) error {
	var failingSince time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		runs, err := p.source.ClaimPendingRuns(ctx, p.cfg.PollingBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failingSince.IsZero() {
				failingSince = time.Now()
			} else if time.Since(failingSince) > p.cfg.PollingMaxFailureDuration {
				return fmt.Errorf("polling has been failing for over %s: %w",
					p.cfg.PollingMaxFailureDuration, err)
			}
			delay := p.backoff.next()
			slog.Error("error during polling, backing off", "error", err, "delay", delay)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		p.backoff.reset()
		failingSince = time.Time{}

		if len(runs) > 0 {
			slog.Info("claimed pending runs", "count", len(runs))
			for _, run := range runs {
				p.handleRun(ctx, run)
			}
		} else {
			slog.Debug("no pending runs found")
		}

		if !sleep(ctx, p.cfg.PollingInterval) {
			return ctx.Err()
		}
	}
}

// handleRun acks one claimed run and processes it if this agent won the
// claim. Ack races and ack errors skip the run; another agent owns it.
func (p *Polling) handleRun(ctx context.Context, run domain.Event) {
	runID := run.ClaimID()

	acked, err := p.source.AckRuns(ctx, []string{runID})
	if err != nil {
		slog.Error("failed to ack run", "runId", runID, "error", err)
		return
	}
	if acked == 0 {
		slog.Warn("run was claimed by another agent, skipping", "runId", runID)
		return
	}
	slog.Info("acked run", "runId", runID)

	if err := p.process(ctx, run); err != nil {
		slog.Error("failed to process run", "runId", runID, "error", err)
		p.reportProcessingFailure(ctx, runID)
	}
}

// reportProcessingFailure best-effort marks the run FAILURE so it does not
// stay in-progress forever after a processing error.
func (p *Polling) reportProcessingFailure(ctx context.Context, runID string) {
	patch := map[string]any{
		"status":  "FAILURE",
		"summary": "Agent failed to process the run",
	}
	if err := p.source.ReportRunStatus(ctx, runID, patch); err != nil {
		slog.Error("failed to report run failure", "runId", runID, "error", err)
	}
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
