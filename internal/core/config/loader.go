package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/healer/internal/healing/quality"
	"github.com/vietddude/healer/internal/healing/recovery"
	"github.com/vietddude/healer/internal/healing/scaling"
)

const DefaultPool = "default"

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*AppConfig, error) {
	cfg := prefilled()

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// prefilled returns a config carrying the defaults that cannot be told apart
// from their zero value after decoding (booleans, counts, nil maps). Pools
// decode over their own defaults, see scaling.PoolConfig.
func prefilled() *AppConfig {
	qp := quality.DefaultPolicy()
	qp.Weights = nil
	return &AppConfig{
		Retry:   recovery.DefaultPolicy(),
		Quality: QualityConfig{Policy: qp},
	}
}

func applyDefaults(cfg *AppConfig) {
	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.Quarantine == "" {
		cfg.Storage.Quarantine = cfg.Storage.Backend
	}

	cfg.Schema = cfg.Schema.WithDefaults()
	cfg.Quality.Policy = cfg.Quality.Policy.WithDefaults()

	hasDefaultPool := false
	for _, p := range cfg.Scaling.Pools {
		if p.ID == DefaultPool {
			hasDefaultPool = true
		}
	}

	needsDefaultPool := false
	for i := range cfg.Pipelines {
		p := &cfg.Pipelines[i]
		if p.Pool == "" {
			p.Pool = DefaultPool
			needsDefaultPool = true
		}
		if p.PollInterval == 0 {
			p.PollInterval = 5 * time.Second
		}
		if p.AttemptTimeout == 0 {
			p.AttemptTimeout = time.Hour
		}
	}
	if needsDefaultPool && !hasDefaultPool {
		cfg.Scaling.Pools = append(cfg.Scaling.Pools, scaling.PoolConfig{
			ID:     DefaultPool,
			Policy: scaling.DefaultPolicy(),
		})
	}
}

// Validate rejects inconsistent configuration.
func (c *AppConfig) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	switch c.Storage.Quarantine {
	case BackendMemory, BackendPostgres:
		if c.Storage.Quarantine != c.Storage.Backend {
			return fmt.Errorf("storage.quarantine %q must match storage.backend %q",
				c.Storage.Quarantine, c.Storage.Backend)
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for the redis quarantine")
		}
	case BackendObjectStore:
		if err := c.ObjectStore.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.quarantine: unknown backend %q", c.Storage.Quarantine)
	}

	if c.Executor.URL == "" {
		return errors.New("executor.url is required")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	if err := c.Schema.Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := c.Quality.Policy.Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if c.Quality.RulesFile == "" {
		reg := quality.NewRegistry()
		for pid, specs := range c.Quality.Rules {
			if _, err := reg.Compile(specs); err != nil {
				return fmt.Errorf("quality.rules[%s]: %w", pid, err)
			}
		}
	}

	pools := make(map[string]bool, len(c.Scaling.Pools))
	for _, p := range c.Scaling.Pools {
		if p.ID == "" {
			return errors.New("scaling.pools: pool id is required")
		}
		if pools[p.ID] {
			return fmt.Errorf("scaling.pools: duplicate pool %q", p.ID)
		}
		pools[p.ID] = true
		if err := p.Policy.Validate(); err != nil {
			return fmt.Errorf("scaling.pools[%s]: %w", p.ID, err)
		}
	}

	if len(c.Pipelines) == 0 {
		return errors.New("at least one pipeline is required")
	}
	seen := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.ID == "" {
			return errors.New("pipelines: id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("pipelines: duplicate pipeline %q", p.ID)
		}
		seen[p.ID] = true
		if !pools[p.Pool] {
			return fmt.Errorf("pipelines[%s]: unknown pool %q", p.ID, p.Pool)
		}
		if p.Interval < 0 || p.PollInterval <= 0 || p.AttemptTimeout <= 0 {
			return fmt.Errorf("pipelines[%s]: intervals must be positive", p.ID)
		}
		if err := c.RetryPolicy(p).Validate(); err != nil {
			return fmt.Errorf("pipelines[%s].retry: %w", p.ID, err)
		}
		if err := c.SchemaPolicy(p).Validate(); err != nil {
			return fmt.Errorf("pipelines[%s].schema: %w", p.ID, err)
		}
		if err := c.QualityPolicy(p).Validate(); err != nil {
			return fmt.Errorf("pipelines[%s].quality: %w", p.ID, err)
		}
	}
	return nil
}
