// Package streamer holds the source adapters that feed events into the
// pipeline: a Kafka consumer subscribed to the org's topics and an HTTP
// polling loop built on the claim/ack endpoints.
package streamer

import (
	"context"
	"fmt"

	"github.com/port-labs/port-agent/internal/config"
	"github.com/port-labs/port-agent/internal/pipeline"
	"github.com/port-labs/port-agent/internal/port"
)

// Streamer is a source adapter's lifecycle. Start launches the consume loop
// in the background; Done is closed when the loop exits on its own (fatal
// condition) or after Stop; Err tells the two apart.
type Streamer interface {
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Err() error
}

// New builds the streamer selected by STREAMER_NAME.
func New(cfg *config.Settings, client *port.Client, pl *pipeline.Pipeline) (Streamer, error) {
	switch cfg.StreamerName {
	case config.StreamerKafka:
		return NewKafka(cfg, client, pl.ProcessMessage), nil
	case config.StreamerPolling:
		return NewPolling(cfg, client, pl.ProcessRun), nil
	default:
		return nil, fmt.Errorf("no streamer found for name %q", cfg.StreamerName)
	}
}
