package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/infra/storage"
)

// MemoryStorage keeps every repository in process memory. It backs
// development runs and tests when no database is configured.
type MemoryStorage struct {
	runs       map[string][]*domain.PipelineRun
	states     map[string]*domain.PipelineSnapshot
	schemas    map[string][]*domain.SchemaSnapshot
	quarantine map[string][]domain.QuarantineRecord
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:       make(map[string][]*domain.PipelineRun),
		states:     make(map[string]*domain.PipelineSnapshot),
		schemas:    make(map[string][]*domain.SchemaSnapshot),
		quarantine: make(map[string][]domain.QuarantineRecord),
	}
}

// Stores returns all repositories backed by s.
func (s *MemoryStorage) Stores() storage.Stores {
	return storage.Stores{
		Runs:       NewRunRepo(s),
		Quarantine: NewQuarantineRepo(s),
		Schemas:    NewSchemaRepo(s),
		Close:      func() error { return nil },
	}
}

// -----------------------------------------------------------------------------
// Run History Repository
// -----------------------------------------------------------------------------

type RunRepo struct {
	store *MemoryStorage
}

func NewRunRepo(store *MemoryStorage) *RunRepo {
	return &RunRepo{store: store}
}

func (r *RunRepo) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *run
	runs := r.store.runs[run.PipelineID]
	for i, existing := range runs {
		if existing.ID == run.ID {
			runs[i] = &cp
			return nil
		}
	}
	r.store.runs[run.PipelineID] = append(runs, &cp)
	return nil
}

func (r *RunRepo) LatestRun(ctx context.Context, pipelineID string) (*domain.PipelineRun, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	runs := r.store.runs[pipelineID]
	if len(runs) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *runs[len(runs)-1]
	return &cp, nil
}

func (r *RunRepo) ListRuns(ctx context.Context, pipelineID string, limit int) ([]*domain.PipelineRun, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	runs := r.store.runs[pipelineID]
	out := make([]*domain.PipelineRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *runs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *RunRepo) SaveState(ctx context.Context, snap *domain.PipelineSnapshot) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *snap
	r.store.states[snap.PipelineID] = &cp
	return nil
}

func (r *RunRepo) LoadState(ctx context.Context, pipelineID string) (*domain.PipelineSnapshot, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	snap, ok := r.store.states[pipelineID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (r *RunRepo) FailureStats(
	ctx context.Context,
	pipelineID string,
	since time.Time,
) (*domain.FailureStats, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	stats := &domain.FailureStats{
		PipelineID: pipelineID,
		Since:      since,
		ByCategory: make(map[domain.FailureCategory]int),
	}
	for _, run := range r.store.runs[pipelineID] {
		if run.StartedAt.Before(since) {
			continue
		}
		stats.TotalRuns++
		if run.Outcome == domain.OutcomeFailed {
			stats.TotalFailures++
			if run.Failure != nil {
				stats.ByCategory[run.Failure.Category]++
			}
		}
	}
	return stats, nil
}

func (r *RunRepo) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, runs := range r.store.runs {
		kept := runs[:0]
		for _, run := range runs {
			if !run.EndedAt.IsZero() && run.EndedAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, run)
		}
		r.store.runs[id] = kept
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Quarantine Repository
// -----------------------------------------------------------------------------

type QuarantineRepo struct {
	store *MemoryStorage
}

func NewQuarantineRepo(store *MemoryStorage) *QuarantineRepo {
	return &QuarantineRepo{store: store}
}

func (r *QuarantineRepo) Write(ctx context.Context, records []domain.QuarantineRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rec := range records {
		rec.ReasonCodes = slices.Clone(rec.ReasonCodes)
		r.store.quarantine[rec.PipelineID] = append(r.store.quarantine[rec.PipelineID], rec)
	}
	return nil
}

func (r *QuarantineRepo) List(ctx context.Context, pipelineID string, limit int) ([]domain.QuarantineRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	recs := r.store.quarantine[pipelineID]
	out := make([]domain.QuarantineRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, recs[i])
	}
	return out, nil
}

func (r *QuarantineRepo) Count(ctx context.Context, pipelineID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.quarantine[pipelineID]), nil
}

func (r *QuarantineRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, recs := range r.store.quarantine {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.CreatedAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, rec)
		}
		r.store.quarantine[id] = kept
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Schema Repository
// -----------------------------------------------------------------------------

type SchemaRepo struct {
	store *MemoryStorage
	now   func() time.Time
}

func NewSchemaRepo(store *MemoryStorage) *SchemaRepo {
	return &SchemaRepo{store: store, now: time.Now}
}

func (r *SchemaRepo) GetAccepted(ctx context.Context, pipelineID string) (*domain.SchemaSnapshot, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	versions := r.store.schemas[pipelineID]
	if len(versions) == 0 {
		return nil, storage.ErrNotFound
	}
	return versions[len(versions)-1].Clone(), nil
}

func (r *SchemaRepo) CompareAndSwap(
	ctx context.Context,
	pipelineID string,
	expectedVersion int,
	snapshot *domain.SchemaSnapshot,
) (*domain.SchemaSnapshot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	versions := r.store.schemas[pipelineID]
	current := 0
	if len(versions) > 0 {
		current = versions[len(versions)-1].Version
	}
	if current != expectedVersion {
		return nil, storage.ErrVersionConflict
	}
	stored := snapshot.Clone()
	stored.Version = current + 1
	stored.AcceptedAt = r.now()
	r.store.schemas[pipelineID] = append(versions, stored)
	return stored.Clone(), nil
}

func (r *SchemaRepo) History(ctx context.Context, pipelineID string) ([]*domain.SchemaSnapshot, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	versions := r.store.schemas[pipelineID]
	out := make([]*domain.SchemaSnapshot, len(versions))
	for i, v := range versions {
		out[i] = v.Clone()
	}
	return out, nil
}
