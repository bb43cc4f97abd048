package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"gopkg.in/yaml.v3"
)

// AppConfig is the main configuration structure for the application.
// It aggregates configurations for all subsystems.
type AppConfig struct {
	App        AppSettings      `yaml:"app"`        // General application configuration.
	Bus        BusConfig        `yaml:"bus"`        // Broker connection.
	Gate       GateConfig       `yaml:"gate"`       // Broker readiness wait.
	Topics     []bus.TopicSpec  `yaml:"topics"`     // Topics provisioned at startup.
	HTTP       HTTPConfig       `yaml:"http"`       // HTTP listener.
	Publish    PublishConfig    `yaml:"publish"`    // Publish façade.
	Subscriber SubscriberConfig `yaml:"subscriber"` // Subscribe façade.
	Monitor    MonitorConfig    `yaml:"monitor"`    // Monitor configuration.
	Retry      RetryConfig      `yaml:"retry"`      // Handler retry configuration.
	DLQ        DLQConfig        `yaml:"dlq"`        // Dead Letter Queue configuration.
}

// AppSettings contains general application settings.
type AppSettings struct {
	Env         string `yaml:"env"`          // Execution environment (e.g., development, production).
	LogLevel    string `yaml:"log_level"`    // Logging level.
	ServiceName string `yaml:"service_name"` // Value of the "service" key of every log line.
	LogFile     string `yaml:"log_file"`     // Structured log file, tailed by the monitor.
}

// BusConfig selects and addresses the broker.
type BusConfig struct {
	Driver         string   `yaml:"driver"`           // kafka, franz, nats, rabbitmq or memory.
	Brokers        []string `yaml:"brokers"`          // Kafka bootstrap servers, in order.
	ClientID       string   `yaml:"client_id"`        // Client identifier sent to the broker.
	NATSURL        string   `yaml:"nats_url"`         // NATS server URL.
	AMQPURL        string   `yaml:"amqp_url"`         // RabbitMQ URL.
	AdminTimeoutMs int      `yaml:"admin_timeout_ms"` // Bound of admin and probe round-trips.
}

// GateConfig bounds the broker readiness wait.
type GateConfig struct {
	MaxRetries      int `yaml:"max_retries"`       // Probe attempts before giving up.
	RetryIntervalMs int `yaml:"retry_interval_ms"` // Pause between two attempts.
}

// HTTPConfig contains listener settings.
type HTTPConfig struct {
	Addr              string `yaml:"addr"`                // Listen address.
	ReadTimeoutMs     int    `yaml:"read_timeout_ms"`     // Request read timeout.
	WriteTimeoutMs    int    `yaml:"write_timeout_ms"`    // Response write timeout.
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"` // Graceful shutdown bound.
}

// PublishConfig names the topics written by the HTTP layer.
type PublishConfig struct {
	GreetingTopic string `yaml:"greeting_topic"` // Receives the greeting of GET /.
	LogTopic      string `yaml:"log_topic"`      // Receives LogEvent records.
	TimeoutMs     int    `yaml:"timeout_ms"`     // Per-publish bound; 0 disables it.
}

// SubscriberConfig contains consumer settings.
type SubscriberConfig struct {
	Topics                 []string `yaml:"topics"`                   // Topics printed by the service.
	ConsumerGroup          string   `yaml:"consumer_group"`           // Consumer group identifier.
	ReadTimeoutMs          int      `yaml:"read_timeout_ms"`          // Poll timeout in milliseconds.
	EventsFile             string   `yaml:"events_file"`              // Journal of consumed messages.
	MetricsIntervalSeconds int      `yaml:"metrics_interval_seconds"` // Metrics log interval in seconds.
	MaxConsecutiveErrors   int      `yaml:"max_consecutive_errors"`   // Read errors tolerated in a row.
}

// MonitorConfig contains monitor-specific settings.
type MonitorConfig struct {
	MaxRecentLogs   int `yaml:"max_recent_logs"`   // Max recent logs to display.
	MaxRecentEvents int `yaml:"max_recent_events"` // Max recent events to display.
	UIUpdateMs      int `yaml:"ui_update_ms"`      // UI update frequency in milliseconds.
}

// RetryConfig contains handler retry settings.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`     // Maximum number of attempts; 1 disables retry.
	InitialDelayMs int     `yaml:"initial_delay_ms"` // Initial delay in milliseconds.
	MaxDelayMs     int     `yaml:"max_delay_ms"`     // Maximum delay in milliseconds.
	Multiplier     float64 `yaml:"multiplier"`       // Backoff multiplier.
}

// DLQConfig contains Dead Letter Queue (DLQ) settings.
type DLQConfig struct {
	Enabled bool   `yaml:"enabled"` // Enables or disables DLQ.
	Topic   string `yaml:"topic"`   // Topic receiving failed messages.
}

// DefaultConfig returns a configuration with default values.
// These values are used if no external configuration is provided.
//
// Returns:
//   - *AppConfig: A pointer to the default configuration.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		App: AppSettings{
			Env:         DefaultEnvironment,
			LogLevel:    DefaultLogLevel,
			ServiceName: ServiceName,
			LogFile:     ServiceLogFile,
		},
		Bus: BusConfig{
			Driver:         DefaultDriver,
			Brokers:        ParseBrokers(DefaultKafkaBootstrap),
			ClientID:       DefaultClientID,
			NATSURL:        DefaultNATSURL,
			AMQPURL:        DefaultAMQPURL,
			AdminTimeoutMs: int(DefaultAdminTimeout / time.Millisecond),
		},
		Gate: GateConfig{
			MaxRetries:      GateMaxRetries,
			RetryIntervalMs: int(GateRetryInterval / time.Millisecond),
		},
		Topics: []bus.TopicSpec{
			{Name: GreetingTopic, Partitions: 1, ReplicationFactor: 1},
			{Name: LogTopic, Partitions: 3, ReplicationFactor: 1},
		},
		HTTP: HTTPConfig{
			Addr:              DefaultHTTPAddr,
			ReadTimeoutMs:     int(HTTPReadTimeout / time.Millisecond),
			WriteTimeoutMs:    int(HTTPWriteTimeout / time.Millisecond),
			ShutdownTimeoutMs: int(HTTPShutdownTimeout / time.Millisecond),
		},
		Publish: PublishConfig{
			GreetingTopic: GreetingTopic,
			LogTopic:      LogTopic,
			TimeoutMs:     int(PublishTimeout / time.Millisecond),
		},
		Subscriber: SubscriberConfig{
			Topics:                 []string{GreetingTopic},
			ConsumerGroup:          DefaultConsumerGroup,
			ReadTimeoutMs:          int(SubscriberReadTimeout / time.Millisecond),
			EventsFile:             SubscriberEventsFile,
			MetricsIntervalSeconds: int(SubscriberMetricsInterval / time.Second),
			MaxConsecutiveErrors:   SubscriberMaxConsecutiveErrors,
		},
		Monitor: MonitorConfig{
			MaxRecentLogs:   MonitorMaxRecentLogs,
			MaxRecentEvents: MonitorMaxRecentEvents,
			UIUpdateMs:      int(MonitorUIUpdateInterval / time.Millisecond),
		},
		Retry: RetryConfig{
			MaxAttempts:    1,
			InitialDelayMs: 100,
			MaxDelayMs:     5000,
			Multiplier:     2.0,
		},
		DLQ: DLQConfig{
			Enabled: false,
			Topic:   DLQTopic,
		},
	}
}

// Load loads the configuration from a YAML file, utilizing default values if necessary.
// Environment variables override values from the YAML file.
//
// Parameters:
//   - configPath: Path to the YAML configuration file (optional).
//
// Returns:
//   - *AppConfig: The loaded configuration.
//   - error: An error if loading fails.
func Load(configPath string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromYAML(configPath, cfg); err != nil {
			// Not found file is acceptable, use defaults
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error loading config file: %w", err)
			}
		}
	}

	loadFromEnv(cfg)

	return cfg, nil
}

// loadFromYAML loads configuration from a YAML file.
func loadFromYAML(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing YAML: %w", err)
	}

	return nil
}

// loadFromEnv overrides the configuration with environment variables.
// Numeric values that do not parse are ignored.
func loadFromEnv(cfg *AppConfig) {
	// App Parameters
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.App.LogFile = v
	}

	// Bus Parameters
	if v := os.Getenv("BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("KAFKA_BOOTSTRAP"); v != "" {
		cfg.Bus.Brokers = ParseBrokers(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Bus.AMQPURL = v
	}

	// Gate Parameters
	setInt("GATE_MAX_RETRIES", &cfg.Gate.MaxRetries)
	setInt("GATE_RETRY_INTERVAL_MS", &cfg.Gate.RetryIntervalMs)

	// HTTP Parameters
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Subscriber Parameters
	if v := os.Getenv("SUBSCRIBE_TOPICS"); v != "" {
		cfg.Subscriber.Topics = splitList(v)
	}
	if v := os.Getenv("CONSUMER_GROUP"); v != "" {
		cfg.Subscriber.ConsumerGroup = v
	}
	if v := os.Getenv("EVENTS_FILE"); v != "" {
		cfg.Subscriber.EventsFile = v
	}

	// Retry Parameters
	setInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)

	// DLQ Parameters
	if v := os.Getenv("DLQ_ENABLED"); v != "" {
		cfg.DLQ.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DLQ_TOPIC"); v != "" {
		cfg.DLQ.Topic = v
	}
}

func setInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if i, err := strconv.Atoi(v); err == nil {
		*dst = i
	}
}

// ParseBrokers splits a comma-separated bootstrap string into host:port
// entries. Blank entries are dropped and the order is kept.
func ParseBrokers(s string) []string {
	return splitList(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first inconsistency of the configuration.
func (c *AppConfig) Validate() error {
	switch c.Bus.Driver {
	case DriverKafka, DriverFranz:
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("driver %s: %w", c.Bus.Driver, bus.ErrNoBrokers)
		}
	case DriverNATS:
		if c.Bus.NATSURL == "" {
			return errors.New("driver nats: nats_url is empty")
		}
	case DriverRabbitMQ:
		if c.Bus.AMQPURL == "" {
			return errors.New("driver rabbitmq: amqp_url is empty")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}

	if err := bus.ValidateTopicSpecs(c.Topics); err != nil {
		return err
	}
	if c.Publish.GreetingTopic == "" || c.Publish.LogTopic == "" {
		return errors.New("publish topics must be set")
	}
	if c.DLQ.Enabled && c.DLQ.Topic == "" {
		return errors.New("dlq enabled without a topic")
	}
	return nil
}

// GetRetryInterval returns the gate pause between probes.
func (c *AppConfig) GetRetryInterval() time.Duration {
	return time.Duration(c.Gate.RetryIntervalMs) * time.Millisecond
}

// GetAdminTimeout returns the bound of admin and probe round-trips.
func (c *AppConfig) GetAdminTimeout() time.Duration {
	return time.Duration(c.Bus.AdminTimeoutMs) * time.Millisecond
}

// GetPublishTimeout returns the per-publish bound.
func (c *AppConfig) GetPublishTimeout() time.Duration {
	return time.Duration(c.Publish.TimeoutMs) * time.Millisecond
}

// GetShutdownTimeout returns the HTTP graceful shutdown bound.
func (c *AppConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(c.HTTP.ShutdownTimeoutMs) * time.Millisecond
}

// GetReadTimeout returns the consumer poll timeout as a duration.
//
// Returns:
//   - time.Duration: The timeout.
func (c *AppConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Subscriber.ReadTimeoutMs) * time.Millisecond
}

// GetMetricsInterval returns the metrics interval as a duration.
//
// Returns:
//   - time.Duration: The interval.
func (c *AppConfig) GetMetricsInterval() time.Duration {
	return time.Duration(c.Subscriber.MetricsIntervalSeconds) * time.Second
}

// GetInitialRetryDelay returns the initial retry delay as a duration.
//
// Returns:
//   - time.Duration: The initial delay.
func (c *AppConfig) GetInitialRetryDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelayMs) * time.Millisecond
}

// GetMaxRetryDelay returns the maximum retry delay as a duration.
//
// Returns:
//   - time.Duration: The maximum delay.
func (c *AppConfig) GetMaxRetryDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}
