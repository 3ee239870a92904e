package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/healer/internal/core/domain"
)

// QuarantineRepo implements storage.QuarantineStore using PostgreSQL.
type QuarantineRepo struct {
	db *DB
}

// NewQuarantineRepo creates a new PostgreSQL quarantine repository.
func NewQuarantineRepo(db *DB) *QuarantineRepo {
	return &QuarantineRepo{db: db}
}

// Write inserts records in one transaction.
func (r *QuarantineRepo) Write(ctx context.Context, records []domain.QuarantineRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO quarantine_records (id, pipeline_id, batch_id, record_id, reason_codes, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload of %s: %w", rec.RecordID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID,
			rec.PipelineID,
			rec.BatchID,
			rec.RecordID,
			pq.Array(rec.ReasonCodes),
			string(payload),
			rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert quarantine record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quarantine: %w", err)
	}
	return nil
}

// List returns the newest records of a pipeline.
func (r *QuarantineRepo) List(ctx context.Context, pipelineID string, limit int) ([]domain.QuarantineRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, pipeline_id, batch_id, record_id, reason_codes, payload, created_at
		FROM quarantine_records
		WHERE pipeline_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryxContext(ctx, query, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantine: %w", err)
	}
	defer rows.Close()

	var out []domain.QuarantineRecord
	for rows.Next() {
		var (
			rec     domain.QuarantineRecord
			reasons pq.StringArray
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.PipelineID, &rec.BatchID, &rec.RecordID,
			&reasons, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine record: %w", err)
		}
		rec.ReasonCodes = reasons
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of quarantined records of a pipeline.
func (r *QuarantineRepo) Count(ctx context.Context, pipelineID string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM quarantine_records WHERE pipeline_id = $1`, pipelineID); err != nil {
		return 0, fmt.Errorf("failed to count quarantine: %w", err)
	}
	return n, nil
}

// Prune deletes records created before the cutoff.
func (r *QuarantineRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM quarantine_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune quarantine: %w", err)
	}
	return res.RowsAffected()
}
