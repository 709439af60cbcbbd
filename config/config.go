// Package config loads the engine's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/correlate"
	"github.com/GoCodeAlone/stepengine/metrics"
	"github.com/GoCodeAlone/stepengine/observability/tracing"
	"github.com/GoCodeAlone/stepengine/scope"
	"github.com/GoCodeAlone/stepengine/snapshot"
)

// Backend names shared by the sections that pick one.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendKafka  = "kafka"
)

// EngineConfig is the root of the configuration file.
type EngineConfig struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Snapshots   SnapshotConfig    `yaml:"snapshots"`
	Lock        LockConfig        `yaml:"lock"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     tracing.Config    `yaml:"tracing"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// SlogLevel parses Level, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ExecutorConfig tunes the step executor.
type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	LockTTL        time.Duration `yaml:"lockTTL"`
	ReapGrace      time.Duration `yaml:"reapGrace"`
}

// DispatchConfig selects the broker and tunes the dispatcher.
type DispatchConfig struct {
	Broker         string        `yaml:"broker"`
	TopicPrefix    string        `yaml:"topicPrefix"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	RateLimit      float64       `yaml:"rateLimit"`
	Burst          int           `yaml:"burst"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queueSize"`
	NATS           NATSConfig    `yaml:"nats"`
	Kafka          KafkaConfig   `yaml:"kafka"`
}

// NATSConfig configures the NATS broker.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// KafkaConfig configures the Kafka broker.
type KafkaConfig struct {
	Brokers []string        `yaml:"brokers"`
	GroupID string          `yaml:"groupId"`
	SASL    KafkaSASLConfig `yaml:"sasl"`
}

// KafkaSASLConfig holds Kafka SASL credentials. Mechanism is PLAIN,
// SCRAM-SHA-256 or SCRAM-SHA-512; empty disables SASL.
type KafkaSASLConfig struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// CorrelationConfig selects where suspended instances and correlations live.
type CorrelationConfig struct {
	Store     string                 `yaml:"store"`
	Redis     RedisConfig            `yaml:"redis"`
	Retention time.Duration          `yaml:"retention"`
	Reaper    correlate.ReaperConfig `yaml:"reaper"`
}

// RedisConfig is a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SnapshotConfig selects the snapshot store.
type SnapshotConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Retain is how many snapshots per entity to keep; zero keeps all.
	Retain int `yaml:"retain"`
}

// LockConfig selects the per-instance lock.
type LockConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// MetricsConfig configures the Prometheus endpoint and collector.
type MetricsConfig struct {
	Enabled   bool           `yaml:"enabled"`
	Address   string         `yaml:"address"`
	Path      string         `yaml:"path"`
	Collector metrics.Config `yaml:",inline"`
}

// CatalogConfig lists the connectors steps may reference and any policies
// beyond the built-in roles.
type CatalogConfig struct {
	Connectors []access.Connector `yaml:"connectors"`
	Policies   []PolicyConfig     `yaml:"policies"`
}

// PolicyConfig is an additional authorization policy.
type PolicyConfig struct {
	Role        string   `yaml:"role"`
	Levels      []string `yaml:"levels"`
	Permissions []string `yaml:"permissions"`
	Kinds       []string `yaml:"kinds"`
}

// Policy converts the entry to an access.Policy.
func (p PolicyConfig) Policy() access.Policy {
	out := access.Policy{Role: access.Role(p.Role), Kinds: p.Kinds}
	for _, l := range p.Levels {
		out.Levels = append(out.Levels, scope.Level(l))
	}
	for _, perm := range p.Permissions {
		out.Permissions = append(out.Permissions, access.Permission(perm))
	}
	return out
}

// SimulatorConfig runs an in-process simulated worker.
type SimulatorConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Selectors []string          `yaml:"selectors"`
	Latency   time.Duration     `yaml:"latency"`
	Templates map[string]string `yaml:"templates"`
}

// Default returns a single-process configuration with in-memory backends.
func Default() *EngineConfig {
	return &EngineConfig{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Executor: ExecutorConfig{
			DefaultTimeout: 10 * time.Minute,
			LockTTL:        30 * time.Second,
			ReapGrace:      30 * time.Second,
		},
		Dispatch: DispatchConfig{
			Broker:         BackendMemory,
			TopicPrefix:    "stepengine",
			PublishTimeout: 10 * time.Second,
			Workers:        8,
			QueueSize:      256,
			NATS:           NATSConfig{URL: "nats://localhost:4222", Name: "stepengine"},
			Kafka:          KafkaConfig{GroupID: "stepengine"},
		},
		Correlation: CorrelationConfig{
			Store:     BackendMemory,
			Retention: 24 * time.Hour,
			Reaper:    correlate.DefaultReaperConfig(),
		},
		Snapshots: SnapshotConfig{Driver: snapshot.DriverMemory},
		Lock:      LockConfig{Backend: BackendMemory},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   ":9090",
			Path:      "/metrics",
			Collector: metrics.DefaultConfig(),
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// LoadFromFile reads a YAML file over the defaults. Environment variables
// in the file are expanded before parsing.
func LoadFromFile(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*EngineConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *EngineConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want text or json", c.Logging.Format))
	}

	switch c.Dispatch.Broker {
	case BackendMemory:
	case BackendNATS:
		if c.Dispatch.NATS.URL == "" {
			errs = append(errs, errors.New("dispatch.nats.url is required"))
		}
	case BackendKafka:
		if len(c.Dispatch.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("dispatch.kafka.brokers is required"))
		}
		switch c.Dispatch.Kafka.SASL.Mechanism {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			errs = append(errs, fmt.Errorf("dispatch.kafka.sasl.mechanism %q: want PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512", c.Dispatch.Kafka.SASL.Mechanism))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.broker %q: want memory, nats or kafka", c.Dispatch.Broker))
	}
	if c.Dispatch.RateLimit < 0 {
		errs = append(errs, errors.New("dispatch.rateLimit must not be negative"))
	}

	errs = append(errs, checkRedisBackend("correlation.store", c.Correlation.Store, c.Correlation.Redis)...)
	errs = append(errs, checkRedisBackend("lock.backend", c.Lock.Backend, c.Lock.Redis)...)

	switch c.Snapshots.Driver {
	case snapshot.DriverMemory:
	case snapshot.DriverSQLite, snapshot.DriverPostgres:
		if c.Snapshots.DSN == "" {
			errs = append(errs, fmt.Errorf("snapshots.dsn is required for driver %q", c.Snapshots.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshots.driver %q: want memory, sqlite or postgres", c.Snapshots.Driver))
	}
	if c.Snapshots.Retain < 0 {
		errs = append(errs, errors.New("snapshots.retain must not be negative"))
	}

	if c.Executor.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("executor.defaultTimeout must be positive"))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	seen := make(map[string]bool, len(c.Catalog.Connectors))
	for i, conn := range c.Catalog.Connectors {
		switch {
		case conn.ID == "":
			errs = append(errs, fmt.Errorf("catalog.connectors[%d]: id is required", i))
		case seen[conn.ID]:
			errs = append(errs, fmt.Errorf("catalog.connectors[%d]: duplicate id %q", i, conn.ID))
		}
		seen[conn.ID] = true
	}
	for i, p := range c.Catalog.Policies {
		if p.Role == "" {
			errs = append(errs, fmt.Errorf("catalog.policies[%d]: role is required", i))
		}
	}
	return errors.Join(errs...)
}

func checkRedisBackend(field, backend string, r RedisConfig) []error {
	switch backend {
	case BackendMemory:
		return nil
	case BackendRedis:
		if r.Addr == "" {
			return []error{fmt.Errorf("%s is redis but no redis.addr is set", field)}
		}
		return nil
	default:
		return []error{fmt.Errorf("%s %q: want memory or redis", field, backend)}
	}
}
