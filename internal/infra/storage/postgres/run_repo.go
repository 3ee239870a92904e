package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/infra/storage"
)

// RunRepo implements storage.RunHistoryStore using PostgreSQL.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new PostgreSQL run history repository.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

type runRow struct {
	ID              string         `db:"id"`
	PipelineID      string         `db:"pipeline_id"`
	Attempt         int            `db:"attempt"`
	Handle          string         `db:"handle"`
	BatchID         string         `db:"batch_id"`
	StartedAt       time.Time      `db:"started_at"`
	EndedAt         sql.NullTime   `db:"ended_at"`
	Outcome         string         `db:"outcome"`
	FailureCategory sql.NullString `db:"failure_category"`
	FailureCode     sql.NullString `db:"failure_code"`
	FailureMessage  sql.NullString `db:"failure_message"`
}

func toRunRow(run *domain.PipelineRun) runRow {
	row := runRow{
		ID:         run.ID,
		PipelineID: run.PipelineID,
		Attempt:    run.Attempt,
		Handle:     run.Handle,
		BatchID:    run.BatchID,
		StartedAt:  run.StartedAt,
		EndedAt:    sql.NullTime{Time: run.EndedAt, Valid: !run.EndedAt.IsZero()},
		Outcome:    string(run.Outcome),
	}
	if f := run.Failure; f != nil {
		row.FailureCategory = sql.NullString{String: string(f.Category), Valid: true}
		row.FailureCode = sql.NullString{String: f.Code, Valid: f.Code != ""}
		row.FailureMessage = sql.NullString{String: f.Message, Valid: true}
	}
	return row
}

func (r runRow) toDomain() *domain.PipelineRun {
	run := &domain.PipelineRun{
		ID:         r.ID,
		PipelineID: r.PipelineID,
		Attempt:    r.Attempt,
		Handle:     r.Handle,
		BatchID:    r.BatchID,
		StartedAt:  r.StartedAt,
		Outcome:    domain.RunOutcome(r.Outcome),
	}
	if r.EndedAt.Valid {
		run.EndedAt = r.EndedAt.Time
	}
	if r.FailureCategory.Valid {
		run.Failure = &domain.ClassifiedFailure{
			Category: domain.FailureCategory(r.FailureCategory.String),
			Code:     r.FailureCode.String,
			Message:  r.FailureMessage.String,
		}
	}
	return run
}

const runColumns = `id, pipeline_id, attempt, handle, batch_id, started_at, ended_at, outcome,
	failure_category, failure_code, failure_message`

// SaveRun upserts a run.
func (r *RunRepo) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (` + runColumns + `)
		VALUES (:id, :pipeline_id, :attempt, :handle, :batch_id, :started_at, :ended_at, :outcome,
			:failure_category, :failure_code, :failure_message)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle,
			batch_id = EXCLUDED.batch_id,
			ended_at = EXCLUDED.ended_at,
			outcome = EXCLUDED.outcome,
			failure_category = EXCLUDED.failure_category,
			failure_code = EXCLUDED.failure_code,
			failure_message = EXCLUDED.failure_message
	`
	if _, err := r.db.NamedExecContext(ctx, query, toRunRow(run)); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run.
func (r *RunRepo) LatestRun(ctx context.Context, pipelineID string) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE pipeline_id = $1 ORDER BY started_at DESC LIMIT 1`
	var row runRow
	if err := r.db.GetContext(ctx, &row, query, pipelineID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return row.toDomain(), nil
}

// ListRuns returns up to limit runs, newest first.
func (r *RunRepo) ListRuns(ctx context.Context, pipelineID string, limit int) ([]*domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE pipeline_id = $1 ORDER BY started_at DESC LIMIT $2`
	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows, query, pipelineID, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]*domain.PipelineRun, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// SaveState upserts the pipeline state snapshot.
func (r *RunRepo) SaveState(ctx context.Context, snap *domain.PipelineSnapshot) error {
	retry, err := json.Marshal(snap.Retry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry state: %w", err)
	}
	query := `
		INSERT INTO pipeline_state (pipeline_id, state, attempt, retry, escalation_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pipeline_id) DO UPDATE SET
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			retry = EXCLUDED.retry,
			escalation_reason = EXCLUDED.escalation_reason,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		snap.PipelineID,
		string(snap.State),
		snap.Attempt,
		string(retry),
		snap.EscalationReason,
		snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save pipeline state: %w", err)
	}
	return nil
}

// LoadState returns the last saved snapshot.
func (r *RunRepo) LoadState(ctx context.Context, pipelineID string) (*domain.PipelineSnapshot, error) {
	var row struct {
		PipelineID       string    `db:"pipeline_id"`
		State            string    `db:"state"`
		Attempt          int       `db:"attempt"`
		Retry            []byte    `db:"retry"`
		EscalationReason string    `db:"escalation_reason"`
		UpdatedAt        time.Time `db:"updated_at"`
	}
	query := `SELECT pipeline_id, state, attempt, retry, escalation_reason, updated_at
		FROM pipeline_state WHERE pipeline_id = $1`
	if err := r.db.GetContext(ctx, &row, query, pipelineID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pipeline state: %w", err)
	}

	snap := &domain.PipelineSnapshot{
		PipelineID:       row.PipelineID,
		State:            domain.PipelineState(row.State),
		Attempt:          row.Attempt,
		EscalationReason: row.EscalationReason,
		UpdatedAt:        row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Retry, &snap.Retry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry state: %w", err)
	}
	return snap, nil
}

// FailureStats aggregates runs started at or after since.
func (r *RunRepo) FailureStats(
	ctx context.Context,
	pipelineID string,
	since time.Time,
) (*domain.FailureStats, error) {
	query := `
		SELECT outcome, COALESCE(failure_category, '') AS category, COUNT(*) AS n
		FROM pipeline_runs
		WHERE pipeline_id = $1 AND started_at >= $2
		GROUP BY outcome, failure_category
	`
	var rows []struct {
		Outcome  string `db:"outcome"`
		Category string `db:"category"`
		N        int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, pipelineID, since); err != nil {
		return nil, fmt.Errorf("failed to aggregate failures: %w", err)
	}

	stats := &domain.FailureStats{
		PipelineID: pipelineID,
		Since:      since,
		ByCategory: make(map[domain.FailureCategory]int),
	}
	for _, row := range rows {
		stats.TotalRuns += row.N
		if domain.RunOutcome(row.Outcome) != domain.OutcomeFailed {
			continue
		}
		stats.TotalFailures += row.N
		if row.Category != "" {
			stats.ByCategory[domain.FailureCategory(row.Category)] += row.N
		}
	}
	return stats, nil
}

// PruneRuns deletes finished runs older than before.
func (r *RunRepo) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM pipeline_runs WHERE ended_at IS NOT NULL AND ended_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}
