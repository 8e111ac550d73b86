package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/redq/internal/deadletter"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/policy"
	"github.com/rzbill/redq/internal/tracing"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// Fsync is always, interval or never.
	Fsync       string         `json:"fsync" yaml:"fsync"`
	Log         logpkg.Config  `json:"log" yaml:"log"`
	Redelivery  Redelivery     `json:"redelivery" yaml:"redelivery"`
	DeadLetter  DeadLetter     `json:"deadLetter" yaml:"deadLetter"`
	StateStore  StateStore     `json:"stateStore" yaml:"stateStore"`
	Coordinator Coordinator    `json:"coordinator" yaml:"coordinator"`
	Server      Server         `json:"server" yaml:"server"`
	Tracing     tracing.Config `json:"tracing" yaml:"tracing"`
}

// Redelivery holds the broker-side policy map. A nil Default leaves
// unmatched destinations without a policy, which dead-letters them on their
// first failure.
type Redelivery struct {
	Default      *policy.Settings    `json:"default" yaml:"default"`
	Destinations []DestinationPolicy `json:"destinations" yaml:"destinations"`
}

// DestinationPolicy binds a pattern such as "queue://orders.>" to a policy.
type DestinationPolicy struct {
	Pattern         string `json:"pattern" yaml:"pattern"`
	policy.Settings `yaml:",inline"`
}

// DeadLetter configures dead-letter routing.
type DeadLetter struct {
	// Strategy is shared or individual.
	Strategy string `json:"strategy" yaml:"strategy"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefix   string `json:"prefix" yaml:"prefix"`
	Kafka    Kafka  `json:"kafka" yaml:"kafka"`
}

// Kafka enables the dead-letter mirror when Brokers is non-empty.
type Kafka struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// StateStore selects where redelivery state lives.
type StateStore struct {
	// Backend is pebble, memory or redis.
	Backend     string `json:"backend" yaml:"backend"`
	RedisAddr   string `json:"redisAddr" yaml:"redisAddr"`
	RedisDB     int    `json:"redisDB" yaml:"redisDB"`
	RedisPrefix string `json:"redisPrefix" yaml:"redisPrefix"`
}

// Coordinator tunes the redelivery workers.
type Coordinator struct {
	Shards        int   `json:"shards" yaml:"shards"`
	QueueDepth    int   `json:"queueDepth" yaml:"queueDepth"`
	DivertRetryMs int64 `json:"divertRetryMs" yaml:"divertRetryMs"`
	// MaxDivertRetryMs bounds the doubling divert retry backoff.
	MaxDivertRetryMs int64 `json:"maxDivertRetryMs" yaml:"maxDivertRetryMs"`
}

// DivertRetry returns the first divert retry backoff.
func (c Coordinator) DivertRetry() time.Duration {
	return time.Duration(c.DivertRetryMs) * time.Millisecond
}

// MaxDivertRetry returns the divert retry backoff ceiling.
func (c Coordinator) MaxDivertRetry() time.Duration {
	return time.Duration(c.MaxDivertRetryMs) * time.Millisecond
}

// Server lists listen addresses. An empty address disables that server.
type Server struct {
	HTTP string `json:"http" yaml:"http"`
	GRPC string `json:"grpc" yaml:"grpc"`
}

// Default returns built-in defaults.
func Default() Config {
	def := policy.SettingsOf(policy.Default())
	return Config{
		DataDir: DefaultDataDir(),
		Fsync:   "interval",
		Log:     logpkg.Config{Level: "info", Format: "text", Outputs: []string{"console"}},
		Redelivery: Redelivery{
			Default: &def,
		},
		DeadLetter: DeadLetter{
			Strategy: deadletter.Shared.String(),
			Queue:    deadletter.DefaultQueue,
			Prefix:   deadletter.DefaultPrefix,
			Kafka:    Kafka{Topic: "redq-dlq"},
		},
		StateStore:  StateStore{Backend: "pebble", RedisAddr: "localhost:6379", RedisPrefix: "redq:rdl:"},
		Coordinator: Coordinator{Shards: 8, QueueDepth: 256, DivertRetryMs: 1000, MaxDivertRetryMs: 30000},
		Server:      Server{HTTP: ":8080", GRPC: ":9090"},
		Tracing:     tracing.Config{ServiceName: "redq", SampleRate: 1},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects malformed policies, patterns and enumerations.
func (c Config) Validate() error {
	if _, err := c.PolicyMap(); err != nil {
		return err
	}
	if _, err := deadletter.ParseStrategy(c.DeadLetter.Strategy); err != nil {
		return fmt.Errorf("config: deadLetter.strategy: %w", err)
	}
	switch c.StateStore.Backend {
	case "", "pebble", "memory", "redis":
	default:
		return fmt.Errorf("config: stateStore.backend %q: want pebble, memory or redis", c.StateStore.Backend)
	}
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		return fmt.Errorf("config: fsync %q: want always, interval or never", c.Fsync)
	}
	return nil
}

// PolicyMap builds a validated policy map. Entries keep file order, which
// decides ties between equally specific patterns.
func (c Config) PolicyMap() (*policy.Map, error) {
	m := policy.NewMap()
	if c.Redelivery.Default != nil {
		if err := m.SetDefault(c.Redelivery.Default.Policy()); err != nil {
			return nil, fmt.Errorf("config: redelivery.default: %w", err)
		}
	}
	for i, dp := range c.Redelivery.Destinations {
		pat, err := destination.ParsePattern(dp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("config: redelivery.destinations[%d]: %w", i, err)
		}
		if err := m.Put(pat, dp.Settings.Policy()); err != nil {
			return nil, fmt.Errorf("config: redelivery.destinations[%d] %s: %w", i, dp.Pattern, err)
		}
	}
	return m, nil
}
