// Package config loads the engine configuration: a YAML file layered over
// defaults, then environment overrides. Sequence definitions are validated while
// loading so that a malformed policy fails startup, never a generation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"sequencer/internal/domain/sequence"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig      `yaml:"log"`
	Storage   StorageConfig  `yaml:"storage"`
	Redis     RedisConfig    `yaml:"redis"`
	Audit     AuditConfig    `yaml:"audit"`
	Worker    WorkerConfig   `yaml:"worker"`
	Sequences []SequenceSpec `yaml:"sequences"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
	// LockTimeout bounds the wait for a sequence's counter lock.
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// RedisConfig enables the distributed sweep lock when Address is set.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Prefix   string        `yaml:"prefix"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type AuditConfig struct {
	// Sink is "log" or "postgres".
	Sink              string        `yaml:"sink"`
	Async             bool          `yaml:"async"`
	BufferSize        int           `yaml:"buffer_size"`
	BatchSize         int           `yaml:"batch_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	CompressThreshold int           `yaml:"compress_threshold"`
}

type WorkerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
	Reload        bool          `yaml:"reload"`
}

// SequenceSpec is one sequence definition as written in the file. Policy enums
// are validated by their text unmarshalers.
type SequenceSpec struct {
	Name                string                    `yaml:"name"`
	Scope               string                    `yaml:"scope"`
	Pattern             string                    `yaml:"pattern"`
	ResetPeriod         sequence.ResetPeriod      `yaml:"reset_period"`
	StepSize            int64                     `yaml:"step_size"`
	ResetLimit          int64                     `yaml:"reset_limit"`
	InitialValue        int64                     `yaml:"initial_value"`
	GapPolicy           sequence.GapPolicy        `yaml:"gap_policy"`
	OverflowBehavior    sequence.OverflowBehavior `yaml:"overflow_behavior"`
	OverflowPattern     string                    `yaml:"overflow_pattern"`
	ExhaustionThreshold string                    `yaml:"exhaustion_threshold"`
	// Active defaults to true.
	Active *bool `yaml:"active"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Backend:          BackendMemory,
			MaxConns:         25,
			MinConns:         2,
			LockTimeout:      10 * time.Second,
			StatementTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Prefix:  "sequencer:locks:",
			LockTTL: 30 * time.Second,
		},
		Audit: AuditConfig{
			Sink:              "log",
			Async:             true,
			BufferSize:        1024,
			BatchSize:         100,
			FlushInterval:     500 * time.Millisecond,
			CompressThreshold: 10 * 1024,
		},
		Worker: WorkerConfig{
			SweepInterval: 10 * time.Second,
			SweepBatch:    100,
			Reload:        true,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with the process environment.
func (c *Config) applyEnv() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	if env := os.Getenv("APP_ENV"); env != "" {
		c.Log.Development = env == "development"
	}
	c.Storage.Backend = getEnv("SEQUENCER_STORAGE_BACKEND", c.Storage.Backend)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Storage.DSN = dsn
		if os.Getenv("SEQUENCER_STORAGE_BACKEND") == "" {
			c.Storage.Backend = BackendPostgres
		}
	}
	c.Redis.Address = getEnv("REDIS_ADDR", c.Redis.Address)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Audit.Sink = getEnv("SEQUENCER_AUDIT_SINK", c.Audit.Sink)
	c.Worker.SweepInterval = getEnvDuration("SEQUENCER_SWEEP_INTERVAL", c.Worker.SweepInterval)
}

// Validate checks the configuration and every sequence definition.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}

	switch c.Audit.Sink {
	case "log":
	case "postgres":
		if c.Storage.Backend != BackendPostgres {
			return fmt.Errorf("audit: the postgres sink needs the postgres backend")
		}
	default:
		return fmt.Errorf("audit: unknown sink %q", c.Audit.Sink)
	}

	if c.Worker.SweepInterval <= 0 {
		return fmt.Errorf("worker: sweep_interval must be positive")
	}

	_, err := c.Definitions()
	return err
}

// Definitions converts the sequence specs into validated definitions.
func (c *Config) Definitions() ([]*sequence.Sequence, error) {
	seen := make(map[sequence.Key]struct{}, len(c.Sequences))
	out := make([]*sequence.Sequence, 0, len(c.Sequences))
	for i, spec := range c.Sequences {
		seq, err := spec.Sequence()
		if err != nil {
			return nil, fmt.Errorf("sequences[%d] (%s): %w", i, spec.Name, err)
		}
		if _, dup := seen[seq.Key]; dup {
			return nil, fmt.Errorf("sequences[%d]: duplicate sequence %s", i, seq.Key)
		}
		seen[seq.Key] = struct{}{}
		out = append(out, seq)
	}
	return out, nil
}

// Sequence builds and validates the definition.
func (s SequenceSpec) Sequence() (*sequence.Sequence, error) {
	seq := &sequence.Sequence{
		Key:              sequence.NewKey(strings.TrimSpace(s.Name), strings.TrimSpace(s.Scope)),
		Pattern:          s.Pattern,
		ResetPeriod:      s.ResetPeriod,
		StepSize:         s.StepSize,
		ResetLimit:       s.ResetLimit,
		InitialValue:     s.InitialValue,
		GapPolicy:        s.GapPolicy,
		OverflowBehavior: s.OverflowBehavior,
		OverflowPattern:  s.OverflowPattern,
		Active:           s.Active == nil || *s.Active,
	}
	if s.ExhaustionThreshold != "" {
		threshold, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(s.ExhaustionThreshold), "%"))
		if err != nil {
			return nil, fmt.Errorf("exhaustion_threshold: %w", err)
		}
		seq.ExhaustionThresholdPercent = threshold
	}
	seq.Normalize()
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
