// Command port-agent runs the Port action-run agent: it consumes action-run
// events from the Port control plane (Kafka or HTTP polling), transforms them
// through the control-the-payload mappings and dispatches them to webhook or
// GitLab pipeline targets inside the user's network.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/port-labs/port-agent/internal/config"
	"github.com/port-labs/port-agent/internal/health"
	"github.com/port-labs/port-agent/internal/invoker"
	"github.com/port-labs/port-agent/internal/jq"
	"github.com/port-labs/port-agent/internal/mapping"
	"github.com/port-labs/port-agent/internal/pipeline"
	"github.com/port-labs/port-agent/internal/port"
	"github.com/port-labs/port-agent/internal/streamer"
	"github.com/port-labs/port-agent/internal/transform"
)

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /port-agent healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		addr := os.Getenv("HEALTH_LISTEN_ADDR")
		if addr == "" {
			addr = config.DefaultHealthAddr
		}
		if err := health.Probe(addr); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	store, err := mapping.Load(cfg.MappingPath)
	if err != nil {
		slog.Error("failed to load mapping config", "path", cfg.MappingPath, "error", err)
		os.Exit(1)
	}
	slog.Info("mapping config loaded", "path", cfg.MappingPath, "mappings", store.Len())

	client := port.New(cfg)
	transformer := transform.New(store, jq.New(), cfg.PortClientSecret)
	webhook := invoker.NewWebhook(transformer, client, cfg.PortClientSecret, cfg.WebhookTimeout)
	gitlab := invoker.NewGitLab(cfg.GitLabURL, cfg.GitLabTimeout, os.Getenv)
	pl := pipeline.New(cfg, webhook, gitlab)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Record the active streamer on the org settings. Best-effort: the agent
	// must come up even when the control plane rejects the patch.
	patchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := client.PatchOrgStreamerSetting(patchCtx, cfg.StreamerName); err != nil {
		slog.Warn("failed to update org streamer setting, continuing startup", "error", err)
	} else {
		slog.Info("updated org streamer setting", "streamerName", cfg.StreamerName)
	}
	cancel()

	src, err := streamer.New(cfg, client, pl)
	if err != nil {
		slog.Error("failed to create streamer", "error", err)
		os.Exit(1)
	}

	slog.Info("starting streaming", "streamerName", cfg.StreamerName)
	if err := src.Start(ctx); err != nil {
		slog.Error("failed to start streamer", "error", err)
		os.Exit(1)
	}

	healthSrv := health.NewServer(cfg.HealthListenAddr, func() bool {
		select {
		case <-src.Done():
			return false
		default:
			return true
		}
	})
	healthSrv.Start()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, exiting gracefully")
	case <-src.Done():
	}
	src.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown failed", "error", err)
	}

	if err := src.Err(); err != nil {
		slog.Error("streamer exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("agent stopped")
}
