package bridge

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v7"
	"github.com/illmade-knight/go-waterbridge/pkg/buffer"
	"github.com/illmade-knight/go-waterbridge/pkg/cache"
	"github.com/illmade-knight/go-waterbridge/pkg/deadletter"
	"github.com/illmade-knight/go-waterbridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-waterbridge/pkg/mqttconverter"
	"github.com/illmade-knight/go-waterbridge/pkg/publisher"
	"github.com/illmade-knight/go-waterbridge/pkg/validation"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the bridge reads.
const EnvPrefix = "BRIDGE_"

// Liveness store backends.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

// LivenessConfig selects where liveness records are persisted.
type LivenessConfig struct {
	Store               string            `yaml:"store" env:"STORE"`
	StoreTimeout        time.Duration     `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	Redis               cache.RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	FirestoreProjectID  string            `yaml:"firestore_project_id" env:"FIRESTORE_PROJECT_ID"`
	FirestoreCollection string            `yaml:"firestore_collection" env:"FIRESTORE_COLLECTION"`
}

// Config is the complete bridge configuration.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	HTTPPort string `yaml:"http_port" env:"HTTP_PORT"`
	// ShutdownGrace bounds the final flush on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`

	MQTT       mqttconverter.MQTTClientConfig         `yaml:"mqtt" envPrefix:"MQTT_"`
	Pipeline   messagepipeline.StreamingServiceConfig `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Validation validation.Config                      `yaml:"validation" envPrefix:"VALIDATION_"`
	Buffer     buffer.SchedulerConfig                 `yaml:"buffer" envPrefix:"BUFFER_"`
	Publisher  publisher.Config                       `yaml:"publisher" envPrefix:"PUBLISHER_"`
	PubSub     messagepipeline.PubsubTransportConfig  `yaml:"pubsub" envPrefix:"PUBSUB_"`
	Liveness   LivenessConfig                         `yaml:"liveness" envPrefix:"LIVENESS_"`
	DeadLetter deadletter.Config                      `yaml:"dead_letter" envPrefix:"DEAD_LETTER_"`
}

// DefaultConfig returns a configuration with every section at its defaults.
// The broker URL, credentials and project ID still have to be supplied.
func DefaultConfig() Config {
	return Config{
		LogLevel:      "info",
		HTTPPort:      ":8080",
		ShutdownGrace: 30 * time.Second,
		MQTT:          mqttconverter.DefaultMQTTClientConfig(),
		Pipeline:      messagepipeline.StreamingServiceConfig{NumWorkers: 1},
		Validation:    validation.DefaultConfig(),
		Buffer:        buffer.DefaultSchedulerConfig(),
		Publisher:     publisher.DefaultConfig(),
		PubSub:        messagepipeline.DefaultPubsubTransportConfig(),
		Liveness: LivenessConfig{
			Store:               StoreMemory,
			StoreTimeout:        2 * time.Second,
			Redis:               cache.RedisConfig{KeyPrefix: "waterbridge:liveness:"},
			FirestoreCollection: "device-liveness",
		},
		DeadLetter: deadletter.Config{ObjectPrefix: "dead-letter"},
	}
}

// Load builds the configuration from the defaults, then the YAML file at path
// (if path is not empty), then BRIDGE_* environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required"))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("shutdown_grace must be positive"))
	}
	if err := c.MQTT.Validate(); err != nil {
		errs = append(errs, err)
	}
	// The consumer treats zero as unbounded; the bridge must eventually report failure.
	if c.MQTT.ReconnectMaxAttempts == 0 {
		errs = append(errs, errors.New("mqtt.reconnect_max_attempts must be positive"))
	}
	if c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required"))
	}
	if c.Buffer.Capacity <= 0 {
		errs = append(errs, errors.New("buffer.capacity must be positive"))
	}
	if c.Buffer.RebufferCapacity < 0 {
		errs = append(errs, errors.New("buffer.rebuffer_capacity cannot be negative"))
	}
	if c.Buffer.FlushInterval <= 0 {
		errs = append(errs, errors.New("buffer.flush_interval must be positive"))
	}
	if c.Publisher.MaxAttempts <= 0 {
		errs = append(errs, errors.New("publisher.max_attempts must be positive"))
	}
	if c.Publisher.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("publisher.breaker.failure_threshold must be positive"))
	}
	switch c.Liveness.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Liveness.Redis.Addr == "" {
			errs = append(errs, errors.New("liveness.redis.addr is required for the redis store"))
		}
		if c.Liveness.Redis.TTL != 0 {
			errs = append(errs, errors.New("liveness.redis.ttl must be unset, liveness records never expire"))
		}
	case StoreFirestore:
		if c.Liveness.FirestoreCollection == "" {
			errs = append(errs, errors.New("liveness.firestore_collection is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown liveness store %q", c.Liveness.Store))
	}
	return errors.Join(errs...)
}
