package config

import (
	"time"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/healing/quality"
	"github.com/vietddude/healer/internal/healing/recovery"
	"github.com/vietddude/healer/internal/healing/scaling"
	"github.com/vietddude/healer/internal/healing/schema"
	"github.com/vietddude/healer/internal/infra/executor"
	"github.com/vietddude/healer/internal/infra/notify"
	"github.com/vietddude/healer/internal/infra/objectstore"
	redisclient "github.com/vietddude/healer/internal/infra/redis"
	"github.com/vietddude/healer/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig              `yaml:"server"`
	Logging     LoggingConfig             `yaml:"logging"`
	Storage     StorageConfig             `yaml:"storage"`
	Database    postgres.Config           `yaml:"database"`
	Redis       redisclient.Config        `yaml:"redis"`
	ObjectStore objectstore.Config        `yaml:"object_store"`
	Executor    executor.Config           `yaml:"executor"`
	Retry       recovery.Policy           `yaml:"retry"`
	Classifier  recovery.ClassifierConfig `yaml:"classifier"`
	Schema      schema.Policy             `yaml:"schema"`
	Scaling     ScalingConfig             `yaml:"scaling"`
	Quality     QualityConfig             `yaml:"quality"`
	Alerts      notify.Config             `yaml:"alerts"`
	Pipelines   []PipelineConfig          `yaml:"pipelines"`
}

// ServerConfig holds HTTP server settings. GRPCPort 0 disables the gRPC
// health service.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Storage backends.
const (
	BackendMemory      = "memory"
	BackendPostgres    = "postgres"
	BackendRedis       = "redis"
	BackendObjectStore = "object_store"
)

// StorageConfig selects the repository backends.
type StorageConfig struct {
	// Backend for runs, pipeline state and schemas: memory or postgres.
	Backend string `yaml:"backend"`

	// Quarantine backend: defaults to Backend, or redis / object_store.
	Quarantine string `yaml:"quarantine"`

	// Migrate applies embedded migrations at start (postgres only).
	Migrate bool `yaml:"migrate"`

	// Retention for finished runs and quarantined records. 0 = keep forever.
	RunRetention        time.Duration `yaml:"run_retention"`
	QuarantineRetention time.Duration `yaml:"quarantine_retention"`
}

// ScalingConfig lists the resource pools.
type ScalingConfig struct {
	Pools []scaling.PoolConfig `yaml:"pools"`
}

// QualityConfig holds the gate policy and rule sources.
type QualityConfig struct {
	Policy quality.Policy  `yaml:",inline"`
	Rules  quality.RuleSet `yaml:"rules"`

	// RulesFile, when set, replaces Rules and is reloaded on change.
	RulesFile string `yaml:"rules_file"`
}

// PipelineConfig holds settings for a single pipeline.
type PipelineConfig struct {
	ID   string `yaml:"id"`
	Pool string `yaml:"pool"`

	// Interval between scheduled runs. 0 = manual triggers only.
	Interval       time.Duration `yaml:"interval"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// Schema seeded as version 1 when the store has none.
	InitialSchema []domain.Field `yaml:"initial_schema"`

	// Overrides of the global policies; unset values keep the global one.
	MaxAttempts          *int                  `yaml:"max_attempts"`
	BreakingChangeAction schema.BreakingAction `yaml:"breaking_change_action"`
	Tolerance            *float64              `yaml:"tolerance"`
}

// Pool returns the pool config by ID.
func (c *AppConfig) Pool(id string) (scaling.PoolConfig, bool) {
	for _, p := range c.Scaling.Pools {
		if p.ID == id {
			return p, true
		}
	}
	return scaling.PoolConfig{}, false
}

// RetryPolicy returns the retry policy of a pipeline.
func (c *AppConfig) RetryPolicy(p PipelineConfig) recovery.Policy {
	policy := c.Retry
	if p.MaxAttempts != nil {
		policy.MaxAttempts = *p.MaxAttempts
	}
	return policy
}

// SchemaPolicy returns the schema policy of a pipeline.
func (c *AppConfig) SchemaPolicy(p PipelineConfig) schema.Policy {
	policy := c.Schema
	if p.BreakingChangeAction != "" {
		policy.BreakingChangeAction = p.BreakingChangeAction
	}
	return policy
}

// QualityPolicy returns the quality policy of a pipeline.
func (c *AppConfig) QualityPolicy(p PipelineConfig) quality.Policy {
	policy := c.Quality.Policy
	if p.Tolerance != nil {
		policy.Tolerance = *p.Tolerance
	}
	return policy
}
