package scaling

import (
	"fmt"
	"time"
)

// Policy holds the hysteresis, cooldown and bounds of one resource pool.
type Policy struct {
	// Thresholds on the window average utilization, in percent
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`

	ScaleUpIncrement   int `yaml:"scale_up_increment"`
	ScaleDownIncrement int `yaml:"scale_down_increment"`

	// Cooldown is measured from the last applied action
	Cooldown time.Duration `yaml:"cooldown"`

	MinWorkers     int `yaml:"min_workers"`
	MaxWorkers     int `yaml:"max_workers"`
	InitialWorkers int `yaml:"initial_workers"`

	// WindowSize is the number of samples averaged per decision
	WindowSize int `yaml:"window_size"`

	// SampleInterval is how often the coordinator polls utilization (0 disables)
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// PoolConfig names a pool and its policy.
type PoolConfig struct {
	ID     string `yaml:"id"`
	Policy `yaml:",inline"`
}

const unsetWorkers = -1

// UnmarshalYAML decodes over DefaultPolicy so explicit zeros survive. Worker
// bounds left out are derived from the ones given.
func (c *PoolConfig) UnmarshalYAML(unmarshal func(any) error) error {
	type plain PoolConfig
	raw := plain{Policy: DefaultPolicy()}
	raw.MaxWorkers, raw.InitialWorkers = unsetWorkers, unsetWorkers
	if err := unmarshal(&raw); err != nil {
		return err
	}

	def := DefaultPolicy()
	if raw.MaxWorkers == unsetWorkers {
		raw.MaxWorkers = max(def.MaxWorkers, raw.MinWorkers)
	}
	if raw.InitialWorkers == unsetWorkers {
		raw.InitialWorkers = max(raw.MinWorkers, min(def.InitialWorkers, raw.MaxWorkers))
	}
	*c = PoolConfig(raw)
	return nil
}

// DefaultPolicy returns sensible defaults for a pool.
func DefaultPolicy() Policy {
	return Policy{
		ScaleUpThreshold:   80,
		ScaleDownThreshold: 30,
		ScaleUpIncrement:   2,
		ScaleDownIncrement: 1,
		Cooldown:           5 * time.Minute,
		MinWorkers:         1,
		MaxWorkers:         10,
		InitialWorkers:     2,
		WindowSize:         3,
		SampleInterval:     30 * time.Second,
	}
}

// WithDefaults fills the zero fields that Validate would reject. A zero
// down threshold, cooldown or minimum is a valid setting and is kept.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.ScaleUpThreshold == 0 {
		p.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if p.ScaleUpIncrement == 0 {
		p.ScaleUpIncrement = def.ScaleUpIncrement
	}
	if p.ScaleDownIncrement == 0 {
		p.ScaleDownIncrement = def.ScaleDownIncrement
	}
	if p.MaxWorkers == 0 {
		p.MaxWorkers = max(def.MaxWorkers, p.MinWorkers)
	}
	if p.InitialWorkers < p.MinWorkers {
		p.InitialWorkers = p.MinWorkers
	}
	if p.WindowSize == 0 {
		p.WindowSize = def.WindowSize
	}
	return p
}

// Validate rejects inconsistent thresholds and bounds.
func (p Policy) Validate() error {
	if p.ScaleUpThreshold <= p.ScaleDownThreshold {
		return fmt.Errorf("scale_up_threshold (%v) must be greater than scale_down_threshold (%v)",
			p.ScaleUpThreshold, p.ScaleDownThreshold)
	}
	if p.ScaleUpThreshold > 100 || p.ScaleDownThreshold < 0 {
		return fmt.Errorf("thresholds must be within [0, 100]")
	}
	if p.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", p.MaxWorkers)
	}
	if p.MinWorkers < 0 || p.MaxWorkers < p.MinWorkers {
		return fmt.Errorf("invalid worker bounds [%d, %d]", p.MinWorkers, p.MaxWorkers)
	}
	if p.InitialWorkers < p.MinWorkers || p.InitialWorkers > p.MaxWorkers {
		return fmt.Errorf("initial_workers %d outside [%d, %d]", p.InitialWorkers, p.MinWorkers, p.MaxWorkers)
	}
	if p.ScaleUpIncrement < 1 || p.ScaleDownIncrement < 1 {
		return fmt.Errorf("scale increments must be >= 1")
	}
	if p.WindowSize < 1 {
		return fmt.Errorf("window_size must be >= 1")
	}
	if p.Cooldown < 0 || p.SampleInterval < 0 {
		return fmt.Errorf("cooldown and sample_interval must not be negative")
	}
	return nil
}
