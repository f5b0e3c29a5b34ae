// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/inbound/engine"
	"github.com/absmach/inbound/source"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the inbound daemon.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Source    SourceConfig     `yaml:"source"`
	Engine    EngineConfig     `yaml:"engine"`
	Target    TargetConfig     `yaml:"target"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector address
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// SourceConfig selects and configures the message source.
type SourceConfig struct {
	Kind  string      `yaml:"kind"` // memory, amqp, mqtt, nats, kafka
	AMQP  AMQPConfig  `yaml:"amqp"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	NATS  NATSConfig  `yaml:"nats"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// AMQPConfig configures an AMQP 0.9.1 broker connection.
type AMQPConfig struct {
	URL           string        `yaml:"url"` // Overrides address and vhost
	Address       string        `yaml:"address"`
	Vhost         string        `yaml:"vhost"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	TopicExchange string        `yaml:"topic_exchange"`
	DurableQueues bool          `yaml:"durable_queues"`
}

// MQTTConfig configures an MQTT broker connection.
type MQTTConfig struct {
	Address        string        `yaml:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	QoS            byte          `yaml:"qos"`
	CleanSession   bool          `yaml:"clean_session"`
}

// NATSConfig configures a NATS server connection.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// KafkaConfig configures a Kafka cluster connection.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	MaxWait        time.Duration `yaml:"max_wait"`
	StartOffset    string        `yaml:"start_offset"` // first, last
}

// EngineConfig holds settings shared by all endpoints.
type EngineConfig struct {
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TargetConfig selects where messages are delivered.
type TargetConfig struct {
	Kind    string        `yaml:"kind"` // log, webhook
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures the HTTP delivery target.
type WebhookConfig struct {
	Name           string               `yaml:"name"`
	URL            string               `yaml:"url"`
	Headers        map[string]string    `yaml:"headers"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// EndpointConfig is the YAML form of an endpoint activation.
type EndpointConfig struct {
	Name               string `yaml:"name"`
	Destination        string `yaml:"destination"`
	DestinationType    string `yaml:"destination_type"` // queue, topic
	Durable            bool   `yaml:"durable"`
	Shared             bool   `yaml:"shared"`
	SubscriptionName   string `yaml:"subscription_name"`
	ClientID           string `yaml:"client_id"`
	Selector           string `yaml:"selector"`
	AckMode            string `yaml:"ack_mode"` // auto, dups-ok
	Concurrency        int    `yaml:"concurrency"`
	ClientMessageCache int    `yaml:"client_message_cache"`

	Transaction    string `yaml:"transaction"` // none, local, two-phase
	EnableRollback bool   `yaml:"enable_rollback"`

	FailurePolicy         FailurePolicyConfig `yaml:"failure_policy"`
	IgnoreFailuresOnStart bool                `yaml:"ignore_failures_on_start"`
	TraceLevel            int                 `yaml:"trace_level"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ReceiveTimeout  time.Duration `yaml:"receive_timeout"`
	MaxDeliveryRate float64       `yaml:"max_delivery_rate"`
}

// FailurePolicyConfig controls what happens after repeated delivery
// failures.
type FailurePolicyConfig struct {
	MaxDeliveryFailures int    `yaml:"max_delivery_failures"` // -1 = unlimited
	Pause               string `yaml:"pause"`                 // none, endpoint
}

// SelfPause reports whether the endpoint pauses itself at the threshold.
func (f FailurePolicyConfig) SelfPause() bool {
	return f.Pause == "endpoint"
}

// ToEngine converts the YAML form to an engine configuration.
func (e EndpointConfig) ToEngine() (engine.EndpointConfig, error) {
	destType, err := source.ParseDestinationType(e.DestinationType)
	if err != nil {
		return engine.EndpointConfig{}, err
	}
	ackMode, err := source.ParseAckMode(e.AckMode)
	if err != nil {
		return engine.EndpointConfig{}, err
	}
	tx, err := engine.ParseTransactionMode(e.Transaction)
	if err != nil {
		return engine.EndpointConfig{}, err
	}

	return engine.EndpointConfig{
		Destination:           e.Destination,
		DestinationType:       destType,
		Durable:               e.Durable,
		Shared:                e.Shared,
		SubscriptionName:      e.SubscriptionName,
		ClientID:              e.ClientID,
		Selector:              e.Selector,
		AckMode:               ackMode,
		Concurrency:           e.Concurrency,
		ClientMessageCache:    e.ClientMessageCache,
		Transaction:           tx,
		EnableRollback:        e.EnableRollback,
		MaxDeliveryFailures:   e.FailurePolicy.MaxDeliveryFailures,
		IgnoreFailuresOnStart: e.IgnoreFailuresOnStart,
		TraceLevel:            e.TraceLevel,
		Username:              e.Username,
		Password:              e.Password,
		ReceiveTimeout:        e.ReceiveTimeout,
		MaxDeliveryRate:       e.MaxDeliveryRate,
	}, nil
}

// DefaultEndpoint returns an endpoint with the activation defaults.
// Fields omitted from a YAML endpoint keep these values.
func DefaultEndpoint() EndpointConfig {
	return EndpointConfig{
		DestinationType: "queue",
		AckMode:         "auto",
		Concurrency:     10,
		Transaction:     "none",
		FailurePolicy: FailurePolicyConfig{
			MaxDeliveryFailures: engine.UnlimitedFailures,
			Pause:               "none",
		},
		ReceiveTimeout: engine.DefaultReceiveTimeout,
	}
}

// UnmarshalYAML applies endpoint defaults before decoding.
func (e *EndpointConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain EndpointConfig
	v := plain(DefaultEndpoint())
	if err := node.Decode(&v); err != nil {
		return err
	}
	*e = EndpointConfig(v)
	return nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "inbound",
			ServiceVersion:  "0.1.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			MetricsInterval: 10 * time.Second,
		},
		Source: SourceConfig{
			Kind: "memory",
			AMQP: AMQPConfig{
				Address:       "localhost:5672",
				Vhost:         "/",
				DialTimeout:   10 * time.Second,
				Heartbeat:     60 * time.Second,
				TopicExchange: "amq.topic",
				DurableQueues: true,
			},
			MQTT: MQTTConfig{
				Address:        "tcp://localhost:1883",
				ConnectTimeout: 10 * time.Second,
				KeepAlive:      30 * time.Second,
				QoS:            1,
				CleanSession:   true,
			},
			NATS: NATSConfig{
				URL:            "nats://localhost:4222",
				ConnectTimeout: 5 * time.Second,
			},
			Kafka: KafkaConfig{
				Brokers:        []string{"localhost:9092"},
				DialTimeout:    10 * time.Second,
				HealthInterval: 10 * time.Second,
				MaxWait:        500 * time.Millisecond,
				StartOffset:    "last",
			},
		},
		Engine: EngineConfig{
			BackoffBase:     engine.DefaultBackoffBase,
			BackoffMax:      engine.DefaultBackoffMax,
			Workers:         0, // Sized from the endpoints' work units
			QueueSize:       1024,
			ShutdownTimeout: 30 * time.Second,
		},
		Target: TargetConfig{
			Kind: "log",
			Webhook: WebhookConfig{
				Timeout: 5 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
		},
		Endpoints: []EndpointConfig{},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if err := c.Source.validate(); err != nil {
		return err
	}

	if c.Engine.BackoffBase <= 0 {
		return fmt.Errorf("engine.backoff_base must be positive")
	}
	if c.Engine.BackoffMax < c.Engine.BackoffBase {
		return fmt.Errorf("engine.backoff_max must be at least engine.backoff_base")
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers cannot be negative")
	}
	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be at least 1")
	}
	if c.Engine.ShutdownTimeout < time.Second {
		return fmt.Errorf("engine.shutdown_timeout must be at least 1 second")
	}

	switch c.Target.Kind {
	case "log":
	case "webhook":
		if c.Target.Webhook.URL == "" {
			return fmt.Errorf("target.webhook.url required when kind is webhook")
		}
		if c.Target.Webhook.Timeout < time.Millisecond {
			return fmt.Errorf("target.webhook.timeout must be positive")
		}
		if c.Target.Webhook.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("target.webhook.circuit_breaker.failure_threshold must be at least 1")
		}
	default:
		return fmt.Errorf("target.kind must be one of: log, webhook")
	}

	names := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d].name cannot be empty", i)
		}
		if names[ep.Name] {
			return fmt.Errorf("endpoints[%d].name %q is not unique", i, ep.Name)
		}
		names[ep.Name] = true

		if ep.FailurePolicy.Pause != "none" && ep.FailurePolicy.Pause != "endpoint" {
			return fmt.Errorf("endpoints[%d].failure_policy.pause must be 'none' or 'endpoint'", i)
		}
		cfg, err := ep.ToEngine()
		if err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}

	return nil
}

func (s SourceConfig) validate() error {
	switch s.Kind {
	case "memory":
	case "amqp":
		if s.AMQP.URL == "" && s.AMQP.Address == "" {
			return fmt.Errorf("source.amqp.url or source.amqp.address required when kind is amqp")
		}
	case "mqtt":
		if s.MQTT.Address == "" {
			return fmt.Errorf("source.mqtt.address required when kind is mqtt")
		}
		if s.MQTT.QoS > 2 {
			return fmt.Errorf("source.mqtt.qos must be 0, 1 or 2")
		}
	case "nats":
		if s.NATS.URL == "" {
			return fmt.Errorf("source.nats.url required when kind is nats")
		}
	case "kafka":
		if len(s.Kafka.Brokers) == 0 {
			return fmt.Errorf("source.kafka.brokers required when kind is kafka")
		}
		if s.Kafka.StartOffset != "first" && s.Kafka.StartOffset != "last" {
			return fmt.Errorf("source.kafka.start_offset must be 'first' or 'last'")
		}
	default:
		return fmt.Errorf("source.kind must be one of: memory, amqp, mqtt, nats, kafka")
	}
	return nil
}

// WorkUnits returns the total number of work units across endpoints.
func (c *Config) WorkUnits() int {
	total := 0
	for _, ep := range c.Endpoints {
		cfg, err := ep.ToEngine()
		if err != nil {
			continue
		}
		total += cfg.WorkUnits()
	}
	return total
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
