package domain

import "time"

// PipelineState is a state of the per-pipeline healing state machine.
type PipelineState string

const (
	StateIdle           PipelineState = "idle"
	StateSubmitted      PipelineState = "submitted"
	StateRunning        PipelineState = "running"
	StateSucceeded      PipelineState = "succeeded"
	StateFailed         PipelineState = "failed"
	StatePartialSuccess PipelineState = "partial_success"
	StateEscalated      PipelineState = "escalated"
)

// Terminal reports whether the state only clears through external intervention.
func (s PipelineState) Terminal() bool {
	return s == StateEscalated
}

// RunOutcome is the result of a single execution attempt.
type RunOutcome string

const (
	OutcomePending RunOutcome = "pending"
	OutcomeSuccess RunOutcome = "success"
	OutcomeFailed  RunOutcome = "failed"
	OutcomePartial RunOutcome = "partial"
)

// PipelineRun identifies one execution attempt of a pipeline.
type PipelineRun struct {
	ID         string             `json:"id"`
	PipelineID string             `json:"pipeline_id"`
	Attempt    int                `json:"attempt"`
	Handle     string             `json:"handle,omitempty"`
	BatchID    string             `json:"batch_id,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at,omitzero"`
	Outcome    RunOutcome         `json:"outcome"`
	Failure    *ClassifiedFailure `json:"failure,omitempty"`
}

// RetryState tracks consecutive failures for a pipeline. It is reset on any success.
type RetryState struct {
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	LastCategory         FailureCategory `json:"last_category,omitempty"`
	NextEligibleAt       time.Time       `json:"next_eligible_at,omitzero"`
	AttemptsSinceSuccess int             `json:"attempts_since_success"`
}

// Reset clears the state after a success.
func (r *RetryState) Reset() {
	*r = RetryState{}
}

// PipelineSnapshot is the persisted view of a pipeline's state machine.
type PipelineSnapshot struct {
	PipelineID       string        `json:"pipeline_id"`
	State            PipelineState `json:"state"`
	Attempt          int           `json:"attempt"`
	Retry            RetryState    `json:"retry"`
	EscalationReason string        `json:"escalation_reason,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// PipelineStatus is the user-visible status of a pipeline.
type PipelineStatus struct {
	PipelineID          string          `json:"pipeline_id"`
	State               PipelineState   `json:"state"`
	Attempt             int             `json:"attempt"`
	LastFailureCategory FailureCategory `json:"last_failure_category,omitempty"`
	EscalationReason    string          `json:"escalation_reason,omitempty"`
	NextRetryAt         time.Time       `json:"next_retry_at,omitzero"`
	SchemaVersion       int             `json:"schema_version"`
	LastVerdict         *VerdictSummary `json:"last_verdict,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// FailureStats aggregates failures of a pipeline over a time window.
type FailureStats struct {
	PipelineID    string                  `json:"pipeline_id"`
	Since         time.Time               `json:"since"`
	TotalRuns     int                     `json:"total_runs"`
	TotalFailures int                     `json:"total_failures"`
	ByCategory    map[FailureCategory]int `json:"by_category"`
}
