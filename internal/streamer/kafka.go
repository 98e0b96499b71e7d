package streamer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/port-labs/port-agent/internal/config"
	"github.com/port-labs/port-agent/internal/domain"
)

const kafkaClientID = "port-agent"

// CredentialSource fetches the org's Kafka credentials from the control
// plane.
type CredentialSource interface {
	KafkaCredentials(ctx context.Context) (brokers []string, username, password string, err error)
}

// MessageFunc handles one raw message from a topic of the given kind.
type MessageFunc func(ctx context.Context, raw []byte, kind domain.TopicKind) error

// Kafka consumes the org's runs and change-log topics. Offsets are committed
// synchronously after every record whether processing succeeded or not; a
// poison message is logged and never blocks the partition.
type Kafka struct {
	cfg     *config.Settings
	creds   CredentialSource
	process MessageFunc

	client *kgo.Client

	// partitions tracks the current assignment so a group member that got
	// nothing (duplicate group id) can shut itself down.
	partitions atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewKafka creates a Kafka streamer. The client connects on Start.
func NewKafka(cfg *config.Settings, creds CredentialSource, process MessageFunc) *Kafka {
	return &Kafka{cfg: cfg, creds: creds, process: process}
}

// Start connects to the brokers and begins consuming in a background
// goroutine.
func (k *Kafka) Start(ctx context.Context) error {
	ctx, k.cancel = context.WithCancel(ctx)
	k.done = make(chan struct{})

	client, err := k.newClient(ctx)
	if err != nil {
		close(k.done)
		return fmt.Errorf("create kafka client: %w", err)
	}
	k.client = client

	go func() {
		defer close(k.done)
		defer client.Close()
		k.err = k.run(ctx)
	}()
	go k.watchAssignment(ctx)
	return nil
}

// Stop cancels the consumer loop and waits for it to finish.
func (k *Kafka) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	if k.done != nil {
		<-k.done
	}
}

// Done is closed when the consumer loop has exited.
func (k *Kafka) Done() <-chan struct{} {
	return k.done
}

// Err reports why the loop exited. Nil after a clean Stop.
func (k *Kafka) Err() error {
	if errors.Is(k.err, context.Canceled) {
		return nil
	}
	return k.err
}

func (k *Kafka) newClient(ctx context.Context) (*kgo.Client, error) {
	brokers := strings.Split(k.cfg.KafkaBrokers, ",")
	opts := []kgo.Opt{
		kgo.ClientID(kafkaClientID),
		kgo.ConsumerGroup(k.cfg.KafkaGroupID),
		kgo.ConsumeTopics(k.cfg.KafkaRunsTopic, k.cfg.KafkaChangeLogTopic),
		kgo.ConsumeResetOffset(resetOffset(k.cfg.KafkaAutoOffsetReset)),
		kgo.SessionTimeout(k.cfg.KafkaSessionTimeout),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			n := 0
			for _, parts := range assigned {
				n += len(parts)
			}
			k.partitions.Add(int64(n))
			slog.Info("partitions assigned", "assignment", assigned)
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			n := 0
			for _, parts := range revoked {
				n += len(parts)
			}
			k.partitions.Add(-int64(n))
		}),
	}

	if !k.cfg.UsingLocalPortInstance {
		credBrokers, username, password, err := k.creds.KafkaCredentials(ctx)
		if err != nil {
			return nil, err
		}
		if len(credBrokers) > 0 {
			brokers = credBrokers
		}
		mech, err := saslMechanism(k.cfg.KafkaSASLMechanism, username, password)
		if err != nil {
			return nil, err
		}
		if mech != nil {
			opts = append(opts, kgo.SASL(mech))
		}
		if strings.Contains(strings.ToUpper(k.cfg.KafkaSecurityProtocol), "SSL") {
			opts = append(opts, kgo.DialTLSConfig(new(tls.Config)))
		}
	}

	opts = append([]kgo.Opt{kgo.SeedBrokers(brokers...)}, opts...)
	return kgo.NewClient(opts...)
}

func (k *Kafka) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})

		fetches.EachRecord(func(record *kgo.Record) {
			slog.Info("processing message",
				"topic", record.Topic, "partition", record.Partition, "offset", record.Offset)

			if err := k.process(ctx, record.Value, k.topicKind(record.Topic)); err != nil {
				slog.Error("failed to process message",
					"topic", record.Topic, "partition", record.Partition,
					"offset", record.Offset, "error", err)
			}

			// Commit regardless of the processing outcome: a poison message
			// must never wedge the partition.
			if err := k.client.CommitRecords(ctx, record); err != nil {
				slog.Error("failed to commit offset",
					"topic", record.Topic, "partition", record.Partition,
					"offset", record.Offset, "error", err)
			}
		})
	}
}

// watchAssignment shuts the consumer down when the group join leaves this
// member with no partitions, which usually means another consumer with the
// same group id is already running.
func (k *Kafka) watchAssignment(ctx context.Context) {
	timer := time.NewTimer(2 * k.cfg.KafkaSessionTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		if k.partitions.Load() == 0 {
			slog.Error("no partitions assigned; another consumer with the same " +
				"group id is likely running, closing this consumer")
			k.cancel()
		}
	}
}

func (k *Kafka) topicKind(topic string) domain.TopicKind {
	if topic == k.cfg.KafkaChangeLogTopic {
		return domain.TopicChangelog
	}
	return domain.TopicRuns
}

func resetOffset(policy string) kgo.Offset {
	if strings.EqualFold(policy, "latest") {
		return kgo.NewOffset().AtEnd()
	}
	return kgo.NewOffset().AtStart()
}

// saslMechanism maps the configured mechanism name to a franz-go SASL
// implementation. "none" (local brokers) yields nil.
func saslMechanism(name, username, password string) (sasl.Mechanism, error) {
	switch strings.ToUpper(name) {
	case "", "NONE":
		return nil, nil
	case "PLAIN":
		return plain.Auth{User: username, Pass: password}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: username, Pass: password}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: username, Pass: password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", name)
	}
}
