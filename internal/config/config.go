// Package config loads the agent settings from environment variables.
// All settings are read once at startup and treated as read-only afterwards;
// a validation failure is fatal so that a misconfigured agent never starts
// consuming events.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Streamer names accepted by STREAMER_NAME.
const (
	StreamerKafka   = "KAFKA"
	StreamerPolling = "POLLING"
)

// Defaults for optional settings.
const (
	DefaultPortAPIBaseURL = "https://api.getport.io"
	DefaultGitLabURL      = "https://gitlab.com"
	DefaultMappingPath    = "./control_the_payload_config.json"
	DefaultHealthAddr     = "127.0.0.1:8080"

	DefaultKafkaBrokers          = "localhost:9092"
	DefaultKafkaSecurityProtocol = "plaintext"
	DefaultKafkaSASLMechanism    = "none"
	DefaultKafkaSessionTimeout   = 45 * time.Second
	DefaultKafkaAutoOffsetReset  = "earliest"

	DefaultPollingBatchSize          = 20
	DefaultPollingInterval           = 5 * time.Second
	DefaultPollingInitialBackoff     = 1 * time.Second
	DefaultPollingMaxBackoff         = 60 * time.Second
	DefaultPollingBackoffFactor      = 2.0
	DefaultPollingJitterFactor       = 0.1
	DefaultPollingMaxFailureDuration = time.Hour

	DefaultWebhookTimeout = 30 * time.Second
	DefaultGitLabTimeout  = 30 * time.Second
)

// Settings holds every environment-driven knob of the agent.
type Settings struct {
	LogLevel        string
	DetailedLogging bool

	StreamerName string

	PortOrgID        string
	PortAPIBaseURL   string
	PortClientID     string
	PortClientSecret string

	UsingLocalPortInstance bool

	KafkaBrokers          string
	KafkaSecurityProtocol string
	KafkaSASLMechanism    string
	KafkaSessionTimeout   time.Duration
	KafkaAutoOffsetReset  string
	KafkaGroupID          string
	KafkaRunsTopic        string
	KafkaChangeLogTopic   string

	PollingBatchSize          int
	PollingInterval           time.Duration
	PollingInitialBackoff     time.Duration
	PollingMaxBackoff         time.Duration
	PollingBackoffFactor      float64
	PollingJitterFactor       float64
	PollingMaxFailureDuration time.Duration

	MappingPath string

	WebhookTimeout time.Duration
	GitLabTimeout  time.Duration
	GitLabURL      string

	// AgentEnvironments is a whitelist of payload.environment values.
	// Empty means all environments are accepted.
	AgentEnvironments []string

	HealthListenAddr string
}

// Load reads settings from the environment and validates them.
func Load() (*Settings, error) {
	s := &Settings{
		LogLevel:        getString("LOG_LEVEL", "INFO"),
		DetailedLogging: getBool("DETAILED_LOGGING"),

		StreamerName: strings.ToUpper(streamerNameFromEnv()),

		PortOrgID:        os.Getenv("PORT_ORG_ID"),
		PortAPIBaseURL:   getString("PORT_API_BASE_URL", DefaultPortAPIBaseURL),
		PortClientID:     os.Getenv("PORT_CLIENT_ID"),
		PortClientSecret: os.Getenv("PORT_CLIENT_SECRET"),

		UsingLocalPortInstance: getBool("USING_LOCAL_PORT_INSTANCE"),

		KafkaBrokers:          getString("KAFKA_CONSUMER_BROKERS", DefaultKafkaBrokers),
		KafkaSecurityProtocol: getString("KAFKA_CONSUMER_SECURITY_PROTOCOL", DefaultKafkaSecurityProtocol),
		KafkaSASLMechanism:    getString("KAFKA_CONSUMER_AUTHENTICATION_MECHANISM", DefaultKafkaSASLMechanism),
		KafkaAutoOffsetReset:  getString("KAFKA_CONSUMER_AUTO_OFFSET_RESET", DefaultKafkaAutoOffsetReset),

		MappingPath: getString("CONTROL_THE_PAYLOAD_CONFIG_PATH", DefaultMappingPath),

		GitLabURL:        getString("GITLAB_URL", DefaultGitLabURL),
		HealthListenAddr: getString("HEALTH_LISTEN_ADDR", DefaultHealthAddr),
	}

	var err error
	if s.KafkaSessionTimeout, err = getMillis("KAFKA_CONSUMER_SESSION_TIMEOUT_MS", DefaultKafkaSessionTimeout); err != nil {
		return nil, err
	}
	if s.PollingBatchSize, err = getInt("POLLING_RUNS_BATCH_SIZE", DefaultPollingBatchSize); err != nil {
		return nil, err
	}
	if s.PollingInterval, err = getSeconds("POLLING_INTERVAL_SECONDS", DefaultPollingInterval); err != nil {
		return nil, err
	}
	if s.PollingInitialBackoff, err = getSeconds("POLLING_INITIAL_BACKOFF_SECONDS", DefaultPollingInitialBackoff); err != nil {
		return nil, err
	}
	if s.PollingMaxBackoff, err = getSeconds("POLLING_MAX_BACKOFF_SECONDS", DefaultPollingMaxBackoff); err != nil {
		return nil, err
	}
	if s.PollingBackoffFactor, err = getFloat("POLLING_BACKOFF_FACTOR", DefaultPollingBackoffFactor); err != nil {
		return nil, err
	}
	if s.PollingJitterFactor, err = getFloat("POLLING_BACKOFF_JITTER_FACTOR", DefaultPollingJitterFactor); err != nil {
		return nil, err
	}
	if s.PollingMaxFailureDuration, err = getSeconds("POLLING_MAX_FAILURE_DURATION_SECONDS", DefaultPollingMaxFailureDuration); err != nil {
		return nil, err
	}
	if s.WebhookTimeout, err = getSeconds("WEBHOOK_INVOKER_TIMEOUT", DefaultWebhookTimeout); err != nil {
		return nil, err
	}
	if s.GitLabTimeout, err = getSeconds("GITLAB_PIPELINE_INVOKER_TIMEOUT", DefaultGitLabTimeout); err != nil {
		return nil, err
	}

	// Topic and group defaults derive from the org id.
	s.KafkaRunsTopic = getString("KAFKA_RUNS_TOPIC", s.PortOrgID+".runs")
	s.KafkaChangeLogTopic = getString("KAFKA_CHANGE_LOG_TOPIC", s.PortOrgID+".change.log")
	s.KafkaGroupID = getString("KAFKA_CONSUMER_GROUP_ID", s.PortOrgID)

	if envs := os.Getenv("AGENT_ENVIRONMENTS"); envs != "" {
		for _, e := range strings.Split(envs, ",") {
			if e = strings.TrimSpace(e); e != "" {
				s.AgentEnvironments = append(s.AgentEnvironments, e)
			}
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// streamerNameFromEnv resolves STREAMER_NAME, falling back to the legacy
// PORT_AGENT_TRANSPORT_TYPE variable used by older deployments.
func streamerNameFromEnv() string {
	if v := os.Getenv("STREAMER_NAME"); v != "" {
		return v
	}
	return os.Getenv("PORT_AGENT_TRANSPORT_TYPE")
}

// validate checks required settings and value ranges.
func (s *Settings) validate() error {
	switch s.StreamerName {
	case StreamerKafka, StreamerPolling:
	case "":
		return fmt.Errorf("STREAMER_NAME is required (KAFKA or POLLING)")
	default:
		return fmt.Errorf("STREAMER_NAME=%q: must be KAFKA or POLLING", s.StreamerName)
	}

	for name, value := range map[string]string{
		"PORT_ORG_ID":        s.PortOrgID,
		"PORT_CLIENT_ID":     s.PortClientID,
		"PORT_CLIENT_SECRET": s.PortClientSecret,
	} {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if _, err := url.ParseRequestURI(s.PortAPIBaseURL); err != nil {
		return fmt.Errorf("PORT_API_BASE_URL=%q: invalid URL (%v)", s.PortAPIBaseURL, err)
	}
	if _, err := url.ParseRequestURI(s.GitLabURL); err != nil {
		return fmt.Errorf("GITLAB_URL=%q: invalid URL (%v)", s.GitLabURL, err)
	}

	if s.PollingBatchSize <= 0 {
		return fmt.Errorf("POLLING_RUNS_BATCH_SIZE must be positive, got %d", s.PollingBatchSize)
	}
	if s.PollingBackoffFactor < 1 {
		return fmt.Errorf("POLLING_BACKOFF_FACTOR must be >= 1, got %v", s.PollingBackoffFactor)
	}
	if s.PollingJitterFactor < 0 {
		return fmt.Errorf("POLLING_BACKOFF_JITTER_FACTOR must be >= 0, got %v", s.PollingJitterFactor)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog.Level, defaulting to info.
func (s *Settings) SlogLevel() slog.Level {
	switch strings.ToUpper(s.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnvironmentAllowed reports whether an event environment passes the
// AGENT_ENVIRONMENTS whitelist. An empty whitelist accepts everything.
func (s *Settings) EnvironmentAllowed(env string) bool {
	if len(s.AgentEnvironments) == 0 {
		return true
	}
	for _, allowed := range s.AgentEnvironments {
		if allowed == env {
			return true
		}
	}
	return false
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: must be an integer (%v)", key, v, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: must be a number (%v)", key, v, err)
	}
	return f, nil
}

// getSeconds reads an integer-or-fraction number of seconds.
func getSeconds(key string, fallback time.Duration) (time.Duration, error) {
	f, err := getFloat(key, fallback.Seconds())
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// getMillis reads an integer number of milliseconds.
func getMillis(key string, fallback time.Duration) (time.Duration, error) {
	n, err := getInt(key, int(fallback.Milliseconds()))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
