package streamer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/port-labs/port-agent/internal/config"
	"github.com/port-labs/port-agent/internal/domain"
)

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		name      string
		mechanism string
		wantNil   bool
		wantErr   bool
	}{
		{name: "none", mechanism: "none", wantNil: true},
		{name: "empty", mechanism: "", wantNil: true},
		{name: "plain", mechanism: "PLAIN"},
		{name: "plain lowercase", mechanism: "plain"},
		{name: "scram 256", mechanism: "SCRAM-SHA-256"},
		{name: "scram 512", mechanism: "SCRAM-SHA-512"},
		{name: "unknown", mechanism: "GSSAPI", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mech, err := saslMechanism(tt.mechanism, "user", "pass")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, mech)
			} else {
				assert.NotNil(t, mech)
			}
		})
	}
}

func TestResetOffset(t *testing.T) {
	assert.Equal(t, kgo.NewOffset().AtStart(), resetOffset("earliest"))
	assert.Equal(t, kgo.NewOffset().AtStart(), resetOffset(""))
	assert.Equal(t, kgo.NewOffset().AtEnd(), resetOffset("latest"))
	assert.Equal(t, kgo.NewOffset().AtEnd(), resetOffset("LATEST"))
}

func TestTopicKind(t *testing.T) {
	k := NewKafka(&config.Settings{
		KafkaRunsTopic:      "org.runs",
		KafkaChangeLogTopic: "org.change.log",
	}, nil, nil)

	assert.Equal(t, domain.TopicRuns, k.topicKind("org.runs"))
	assert.Equal(t, domain.TopicChangelog, k.topicKind("org.change.log"))
	assert.Equal(t, domain.TopicRuns, k.topicKind("unknown"), "unknown topics default to runs")
}

func TestFactorySelectsStreamer(t *testing.T) {
	cfg := &config.Settings{
		StreamerName:     config.StreamerPolling,
		PollingBatchSize: 20,
		PollingInterval:  time.Second,
	}
	s, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Polling{}, s)

	cfg.StreamerName = config.StreamerKafka
	s, err = New(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Kafka{}, s)

	cfg.StreamerName = "HTTPS"
	_, err = New(cfg, nil, nil)
	require.Error(t, err)
}
