package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/infra/storage"
)

// Outcome describes what Reconcile did with an observed schema.
type Outcome struct {
	Diff     domain.SchemaDiff
	Result   Compatibility
	Accepted *domain.SchemaSnapshot

	// Registered is set when the observation became version 1.
	Registered bool
	// Committed is set when a new version was stored.
	Committed bool
}

// Reconciler runs detection and evaluation against the schema store and
// commits adaptable changes with compare-and-swap.
type Reconciler struct {
	store     storage.SchemaStore
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store storage.SchemaStore, evaluator *Evaluator, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, evaluator: evaluator, logger: logger}
}

// Evaluator returns the underlying evaluator.
func (r *Reconciler) Evaluator() *Evaluator {
	return r.evaluator
}

// Reconcile compares observed with the accepted schema. Adaptable changes are
// committed; a version conflict re-reads and re-evaluates once before failing.
// Breaking changes are returned untouched for the caller to apply policy.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	pipelineID string,
	observed *domain.SchemaSnapshot,
) (*Outcome, error) {
	for try := 0; try < 2; try++ {
		out, err := r.reconcileOnce(ctx, pipelineID, observed)
		if errors.Is(err, storage.ErrVersionConflict) {
			r.logger.Warn("Schema version moved, re-evaluating",
				"pipeline", pipelineID,
				"try", try+1,
			)
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("reconcile schema for %s: %w", pipelineID, storage.ErrVersionConflict)
}

func (r *Reconciler) reconcileOnce(
	ctx context.Context,
	pipelineID string,
	observed *domain.SchemaSnapshot,
) (*Outcome, error) {
	accepted, err := r.store.GetAccepted(ctx, pipelineID)
	if errors.Is(err, storage.ErrNotFound) {
		stored, err := r.store.CompareAndSwap(ctx, pipelineID, 0, observed.Clone())
		if err != nil {
			return nil, err
		}
		r.logger.Info("Registered initial schema",
			"pipeline", pipelineID,
			"fields", len(stored.Fields),
		)
		return &Outcome{
			Result:     Compatible{},
			Accepted:   stored,
			Registered: true,
			Committed:  true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get accepted schema: %w", err)
	}

	diff := Detect(observed, accepted)
	result := r.evaluator.Evaluate(diff, accepted, observed)
	out := &Outcome{Diff: diff, Result: result, Accepted: accepted}

	if a, ok := result.(Adaptable); ok {
		stored, err := r.store.CompareAndSwap(ctx, pipelineID, accepted.Version, a.Merged)
		if err != nil {
			return nil, err
		}
		r.logger.Info("Accepted adaptable schema change",
			"pipeline", pipelineID,
			"from_version", accepted.Version,
			"to_version", stored.Version,
			"added", len(diff.Added),
			"type_changed", len(diff.TypeChanged),
		)
		out.Accepted = stored
		out.Committed = true
	}
	return out, nil
}

// AcceptLossy stores the lossy schema of a Breaking result, used by the
// ignore action.
func (r *Reconciler) AcceptLossy(
	ctx context.Context,
	pipelineID string,
	accepted *domain.SchemaSnapshot,
	b Breaking,
) (*domain.SchemaSnapshot, error) {
	expected := 0
	if accepted != nil {
		expected = accepted.Version
	}
	stored, err := r.store.CompareAndSwap(ctx, pipelineID, expected, b.Lossy.Clone())
	if err != nil {
		return nil, fmt.Errorf("failed to accept lossy schema: %w", err)
	}
	r.logger.Warn("Accepted lossy schema, breaking change ignored",
		"pipeline", pipelineID,
		"version", stored.Version,
		"reasons", b.Reasons,
	)
	return stored, nil
}
