// Package config loads and validates the YAML configuration file and turns
// it into the per-subsystem option structs. All durations are integer
// milliseconds in the file.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftsynchq/driftsync/internal/oplog"
	"github.com/driftsynchq/driftsync/internal/policy"
	"github.com/driftsynchq/driftsync/internal/resolve"
)

// Config is the full file. Zero values fall back to defaults in Normalize.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`

	Cache struct {
		Store           string `yaml:"store"` // pebble or badger
		SizeBudgetBytes int64  `yaml:"size_budget_bytes"`
		EncryptionKey   string `yaml:"encryption_key"` // 64 hex chars, optional
	} `yaml:"cache"`

	Sync struct {
		RemoteURL        string `yaml:"remote_url"`
		MaxBatch         int    `yaml:"max_batch"`
		Concurrency      int    `yaml:"concurrency"`
		BreakerThreshold int    `yaml:"breaker_threshold"`
		MaxAttempts      int    `yaml:"max_attempts"`
		Retry            struct {
			Strategy    string `yaml:"strategy"`
			BaseDelayMs int    `yaml:"base_delay_ms"`
			MaxDelayMs  int    `yaml:"max_delay_ms"`
		} `yaml:"retry"`
	} `yaml:"sync"`

	Policy struct {
		BlackoutWindows   []policy.Window `yaml:"blackout_windows"`
		BatteryCritical   float64         `yaml:"battery_critical"`
		RecheckIntervalMs int             `yaml:"recheck_interval_ms"`
	} `yaml:"policy"`

	Connectivity struct {
		DebounceMs int `yaml:"debounce_ms"`
	} `yaml:"connectivity"`

	// Kinds declares per-kind validation and conflict behavior.
	Kinds []Kind `yaml:"kinds"`

	// Roles maps role name to precedence rank; higher wins conflicts.
	Roles map[string]int `yaml:"roles"`

	Observability struct {
		OTelEnabled  bool   `yaml:"otel_enabled"`
		OTelEndpoint string `yaml:"otel_endpoint"`
	} `yaml:"observability"`
}

// Kind is the declared behavior of one operation kind. Schema is a JSON
// Schema document written inline as YAML.
type Kind struct {
	Name      string         `yaml:"name"`
	Protected bool           `yaml:"protected"`
	Sensitive bool           `yaml:"sensitive"`
	Schema    map[string]any `yaml:"schema"`
}

// Default returns a runnable configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = "./data"
	cfg.LogLevel = "info"
	cfg.Server.Listen = ":8347"
	cfg.Cache.Store = "pebble"
	cfg.Cache.SizeBudgetBytes = 256 << 20
	cfg.Sync.MaxBatch = 50
	cfg.Sync.Concurrency = 2
	cfg.Sync.BreakerThreshold = 5
	cfg.Sync.MaxAttempts = 8
	cfg.Sync.Retry.Strategy = oplog.BackoffExponential
	cfg.Sync.Retry.BaseDelayMs = 5000
	cfg.Sync.Retry.MaxDelayMs = 600000
	cfg.Policy.BatteryCritical = 0.15
	cfg.Policy.RecheckIntervalMs = int(5 * time.Minute / time.Millisecond)
	cfg.Connectivity.DebounceMs = 3000
	cfg.Roles = map[string]int{"admin": 3, "teacher": 2, "student": 1}
	return cfg
}

// Load reads path over the defaults. A missing file is an error; use
// Default() when no file is wanted.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Cache.Store {
	case "pebble", "badger":
	default:
		return fmt.Errorf("cache.store must be pebble or badger, got %q", c.Cache.Store)
	}
	if c.Cache.EncryptionKey != "" {
		key, err := hex.DecodeString(c.Cache.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("cache.encryption_key must be 64 hex characters")
		}
	}
	if c.Sync.MaxBatch <= 0 {
		return fmt.Errorf("sync.max_batch must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	seen := map[string]bool{}
	for _, k := range c.Kinds {
		if k.Name == "" {
			return fmt.Errorf("kinds entries require a name")
		}
		if seen[k.Name] {
			return fmt.Errorf("kind %q declared twice", k.Name)
		}
		seen[k.Name] = true
	}
	// Windows are parsed again by the gate; fail fast here instead.
	if _, err := policy.New(c.PolicyConfig()); err != nil {
		return err
	}
	return nil
}

// EncryptionKey returns the decoded cache key, or nil when unset.
func (c *Config) EncryptionKey() []byte {
	if c.Cache.EncryptionKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.Cache.EncryptionKey)
	if err != nil {
		return nil
	}
	return key
}

// PolicyConfig builds the gate configuration.
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		Windows:         c.Policy.BlackoutWindows,
		BatteryCritical: c.Policy.BatteryCritical,
		RecheckInterval: time.Duration(c.Policy.RecheckIntervalMs) * time.Millisecond,
	}
}

// ResolveRules builds the conflict precedence table. Mergers are registered
// by the embedding application, not the file.
func (c *Config) ResolveRules() resolve.Rules {
	rules := resolve.Rules{
		ProtectedKinds: map[string]bool{},
		SensitiveKinds: map[string]bool{},
		RolePrecedence: map[string]int{},
	}
	for _, k := range c.Kinds {
		if k.Protected {
			rules.ProtectedKinds[k.Name] = true
		}
		if k.Sensitive {
			rules.SensitiveKinds[k.Name] = true
		}
	}
	for role, rank := range c.Roles {
		rules.RolePrecedence[role] = rank
	}
	return rules
}

// Schemas compiles the per-kind payload schemas.
func (c *Config) Schemas() (*oplog.SchemaSet, error) {
	raw := map[string]json.RawMessage{}
	for _, k := range c.Kinds {
		if len(k.Schema) == 0 {
			continue
		}
		doc, err := json.Marshal(k.Schema)
		if err != nil {
			return nil, fmt.Errorf("encode schema for kind %q: %w", k.Name, err)
		}
		raw[k.Name] = doc
	}
	return oplog.NewSchemaSet(raw)
}

// RetryPolicy builds the operation log retry policy.
func (c *Config) RetryPolicy() oplog.RetryPolicy {
	return oplog.RetryPolicy{
		Strategy:    c.Sync.Retry.Strategy,
		BaseDelayMs: c.Sync.Retry.BaseDelayMs,
		MaxDelayMs:  c.Sync.Retry.MaxDelayMs,
	}
}

// Debounce returns the connectivity debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Connectivity.DebounceMs) * time.Millisecond
}
