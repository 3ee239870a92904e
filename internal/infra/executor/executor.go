package executor

import (
	"context"
	"fmt"

	"github.com/vietddude/healer/internal/core/domain"
)

// RunState is the executor-side state of a submitted run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// Done reports whether the run finished.
func (s RunState) Done() bool {
	return s == RunSucceeded || s == RunFailed
}

// RunHandle identifies a submitted run.
type RunHandle struct {
	ID string `json:"id"`
}

// RunStatus is what the executor reports about a run. Batch, ObservedSchema
// and Utilization are optional.
type RunStatus struct {
	State          RunState                  `json:"state"`
	Failure        *domain.FailureSignal     `json:"failure,omitempty"`
	Batch          *domain.Batch             `json:"batch,omitempty"`
	ObservedSchema *domain.SchemaSnapshot    `json:"observed_schema,omitempty"`
	Utilization    *domain.UtilizationSample `json:"utilization,omitempty"`
}

// Executor runs a single attempt of a pipeline.
type Executor interface {
	// Submit starts a run. schemaHint is the accepted schema, nil if none.
	Submit(ctx context.Context, pipelineID string, schemaHint *domain.SchemaSnapshot) (RunHandle, error)

	// Status polls a run.
	Status(ctx context.Context, handle RunHandle) (RunStatus, error)

	// Cancel stops a run. Best effort.
	Cancel(ctx context.Context, handle RunHandle) error
}

// FailureError carries a structured failure signal through an error return.
type FailureError struct {
	Signal domain.FailureSignal
}

func (e *FailureError) Error() string {
	if e.Signal.Code != "" {
		return fmt.Sprintf("%s: %s", e.Signal.Code, e.Signal.Message)
	}
	return e.Signal.Message
}
