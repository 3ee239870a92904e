package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
)

var (
	// ErrNotFound is returned when a requested row doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by CompareAndSwap when the accepted
	// schema version moved since it was read
	ErrVersionConflict = errors.New("schema version conflict")
)

// RunHistoryStore persists attempts and the per-pipeline state machine.
type RunHistoryStore interface {
	// SaveRun inserts or updates a run by ID
	SaveRun(ctx context.Context, run *domain.PipelineRun) error

	// LatestRun returns the most recent run of a pipeline, or ErrNotFound
	LatestRun(ctx context.Context, pipelineID string) (*domain.PipelineRun, error)

	// ListRuns returns up to limit runs, newest first
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]*domain.PipelineRun, error)

	// SaveState upserts the pipeline snapshot
	SaveState(ctx context.Context, snap *domain.PipelineSnapshot) error

	// LoadState returns the last snapshot, or ErrNotFound
	LoadState(ctx context.Context, pipelineID string) (*domain.PipelineSnapshot, error)

	// FailureStats aggregates failed runs started at or after since
	FailureStats(ctx context.Context, pipelineID string, since time.Time) (*domain.FailureStats, error)

	// PruneRuns deletes runs that ended before the cutoff
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

// QuarantineStore holds records withheld from the output.
type QuarantineStore interface {
	// Write stores records durably. It must not return before they are persisted.
	Write(ctx context.Context, records []domain.QuarantineRecord) error

	// List returns quarantined records of a pipeline, newest first
	List(ctx context.Context, pipelineID string, limit int) ([]domain.QuarantineRecord, error)

	// Count returns the number of quarantined records of a pipeline
	Count(ctx context.Context, pipelineID string) (int, error)

	// Prune deletes records created before the cutoff
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SchemaStore holds the accepted schema of each pipeline.
type SchemaStore interface {
	// GetAccepted returns the accepted snapshot, or ErrNotFound
	GetAccepted(ctx context.Context, pipelineID string) (*domain.SchemaSnapshot, error)

	// CompareAndSwap accepts snapshot as version expectedVersion+1 if the
	// current version equals expectedVersion (0 when none exists). It returns
	// the stored snapshot or ErrVersionConflict.
	CompareAndSwap(
		ctx context.Context,
		pipelineID string,
		expectedVersion int,
		snapshot *domain.SchemaSnapshot,
	) (*domain.SchemaSnapshot, error)

	// History returns every accepted version, oldest first
	History(ctx context.Context, pipelineID string) ([]*domain.SchemaSnapshot, error)
}

// Stores bundles the repositories opened at process start.
type Stores struct {
	Runs       RunHistoryStore
	Quarantine QuarantineStore
	Schemas    SchemaStore
	Close      func() error
}
