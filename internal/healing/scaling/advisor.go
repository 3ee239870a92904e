package scaling

import (
	"fmt"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
)

// Decision is the advisor result: ScaleUp, ScaleDown or NoAction.
type Decision interface {
	isDecision()
	// Delta is the signed worker change.
	Delta() int
}

// ScaleUp adds By workers.
type ScaleUp struct{ By int }

// ScaleDown removes By workers.
type ScaleDown struct{ By int }

// NoAction keeps the pool as is.
type NoAction struct{ Reason string }

func (ScaleUp) isDecision()   {}
func (ScaleDown) isDecision() {}
func (NoAction) isDecision()  {}

func (d ScaleUp) Delta() int   { return d.By }
func (d ScaleDown) Delta() int { return -d.By }
func (NoAction) Delta() int    { return 0 }

// ActionName returns a short label for logs and metrics.
func ActionName(d Decision) string {
	switch d.(type) {
	case ScaleUp:
		return "scale_up"
	case ScaleDown:
		return "scale_down"
	default:
		return "none"
	}
}

// Advise decides on the window average of state.History.
func Advise(policy Policy, state domain.ScalingState, now time.Time) Decision {
	avg, ok := state.AverageUtilization()
	if !ok {
		return NoAction{Reason: "no utilization samples"}
	}
	return Decide(policy, state, avg, now)
}

// Decide applies hysteresis thresholds, cooldown and bounds to utilization.
//
// Algorithm:
//   - utilization >= up threshold and workers < max: add increment, clamped to max
//   - utilization <= down threshold and workers > min: remove increment, clamped to min
//   - either action is suppressed while the cooldown since the last applied action runs
func Decide(policy Policy, state domain.ScalingState, utilization float64, now time.Time) Decision {
	switch {
	case utilization >= policy.ScaleUpThreshold:
		if state.Workers >= policy.MaxWorkers {
			return NoAction{Reason: fmt.Sprintf("at max workers (%d)", policy.MaxWorkers)}
		}
		if inCooldown(policy, state, now) {
			return NoAction{Reason: "cooldown"}
		}
		by := min(policy.ScaleUpIncrement, policy.MaxWorkers-state.Workers)
		return ScaleUp{By: by}

	case utilization <= policy.ScaleDownThreshold:
		if state.Workers <= policy.MinWorkers {
			return NoAction{Reason: fmt.Sprintf("at min workers (%d)", policy.MinWorkers)}
		}
		if inCooldown(policy, state, now) {
			return NoAction{Reason: "cooldown"}
		}
		by := min(policy.ScaleDownIncrement, state.Workers-policy.MinWorkers)
		return ScaleDown{By: by}

	default:
		return NoAction{Reason: "within thresholds"}
	}
}

func inCooldown(policy Policy, state domain.ScalingState, now time.Time) bool {
	if state.LastScaledAt.IsZero() {
		return false
	}
	return now.Sub(state.LastScaledAt) < policy.Cooldown
}
