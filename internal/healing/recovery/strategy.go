package recovery

import (
	"fmt"
	"math"
	"time"
)

// StrategyKind selects how the delay grows with the attempt number.
type StrategyKind string

const (
	StrategyExponential StrategyKind = "exponential"
	StrategyLinear      StrategyKind = "linear"
	StrategyFixed       StrategyKind = "fixed"
)

// Policy defines retry behavior for a pipeline.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
	JitterEnabled   bool          `yaml:"jitter_enabled"`
	Strategy        StrategyKind  `yaml:"strategy"`
}

// DefaultPolicy returns the defaults used when a pipeline sets no retry section.
// 60s, 120s, 240s then give up (max 30m).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       60 * time.Second,
		MaxDelay:        30 * time.Minute,
		ExponentialBase: 2.0,
		JitterEnabled:   true,
		Strategy:        StrategyExponential,
	}
}

// WithDefaults fills the zero fields that Validate would reject. MaxAttempts
// is kept, 0 means no retries.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.BaseDelay == 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.ExponentialBase == 0 {
		p.ExponentialBase = def.ExponentialBase
	}
	if p.Strategy == "" {
		p.Strategy = def.Strategy
	}
	return p
}

// Validate checks the policy for inconsistent values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay (%s) must be >= base_delay (%s)", p.MaxDelay, p.BaseDelay)
	}
	if p.ExponentialBase < 1 {
		return fmt.Errorf("exponential_base must be >= 1, got %v", p.ExponentialBase)
	}
	switch p.Strategy {
	case StrategyExponential, StrategyLinear, StrategyFixed:
	default:
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	return nil
}

// Delay returns the un-jittered delay for the given attempt (1-indexed,
// counting the current failure). The result never exceeds MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch p.Strategy {
	case StrategyLinear:
		delay = float64(p.BaseDelay) * float64(attempt)
	case StrategyFixed:
		delay = float64(p.BaseDelay)
	default:
		delay = float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt-1))
	}

	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
