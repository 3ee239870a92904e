package recovery

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
)

// Decision is the result of a retry consultation: either Retry or GiveUp.
type Decision interface {
	isDecision()
}

// Retry schedules the next attempt after a delay.
type Retry struct {
	After time.Duration
	// SuggestScaling is set when the failure was caused by resource exhaustion.
	SuggestScaling bool
}

// GiveUp stops retrying, the pipeline escalates.
type GiveUp struct {
	Reason string
}

func (Retry) isDecision()  {}
func (GiveUp) isDecision() {}

// Scheduler decides whether a failed attempt is retried and when.
type Scheduler struct {
	policy Policy
	rand   func() float64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRandSource replaces the jitter source. fn must return values in [0, 1).
func WithRandSource(fn func() float64) SchedulerOption {
	return func(s *Scheduler) {
		s.rand = fn
	}
}

// NewScheduler creates a scheduler for the given policy.
func NewScheduler(policy Policy, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		policy: policy.WithDefaults(),
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the effective policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Decide consults the policy. state must already count the current failure.
func (s *Scheduler) Decide(category domain.FailureCategory, state domain.RetryState) Decision {
	if !category.Retryable() {
		return GiveUp{Reason: fmt.Sprintf("%s failure is not retryable", category)}
	}

	attempt := state.ConsecutiveFailures
	if attempt > s.policy.MaxAttempts {
		return GiveUp{Reason: fmt.Sprintf(
			"retry budget exhausted after %d consecutive failures (max %d retries), last category %s",
			attempt, s.policy.MaxAttempts, category,
		)}
	}

	delay := s.policy.Delay(attempt)
	if s.policy.JitterEnabled {
		// factor in [0.5, 1.0]
		factor := 0.5 + 0.5*s.rand()
		delay = time.Duration(float64(delay) * factor)
	}

	return Retry{
		After:          delay,
		SuggestScaling: category == domain.CategoryResourceExhaustion,
	}
}

// RecordFailure returns state updated for a new failure of the given category.
func RecordFailure(state domain.RetryState, category domain.FailureCategory) domain.RetryState {
	state.ConsecutiveFailures++
	state.AttemptsSinceSuccess++
	state.LastCategory = category
	state.NextEligibleAt = time.Time{}
	return state
}

// Next records the failure, decides and stamps the next eligible time when
// the decision is a retry.
func (s *Scheduler) Next(
	state domain.RetryState,
	category domain.FailureCategory,
	now time.Time,
) (domain.RetryState, Decision) {
	state = RecordFailure(state, category)
	decision := s.Decide(category, state)
	if r, ok := decision.(Retry); ok {
		state.NextEligibleAt = now.Add(r.After)
	}
	return state, decision
}
