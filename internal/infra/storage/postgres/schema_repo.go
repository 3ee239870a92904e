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

// SchemaRepo implements storage.SchemaStore using PostgreSQL. Every accepted
// version is kept; the highest one is current.
type SchemaRepo struct {
	db *DB
}

// NewSchemaRepo creates a new PostgreSQL schema repository.
func NewSchemaRepo(db *DB) *SchemaRepo {
	return &SchemaRepo{db: db}
}

type schemaRow struct {
	Version    int       `db:"version"`
	Fields     []byte    `db:"fields"`
	AcceptedAt time.Time `db:"accepted_at"`
}

func (r schemaRow) toDomain() (*domain.SchemaSnapshot, error) {
	snap := &domain.SchemaSnapshot{Version: r.Version, AcceptedAt: r.AcceptedAt}
	if err := json.Unmarshal(r.Fields, &snap.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema fields: %w", err)
	}
	return snap, nil
}

// GetAccepted returns the highest accepted version.
func (r *SchemaRepo) GetAccepted(ctx context.Context, pipelineID string) (*domain.SchemaSnapshot, error) {
	query := `SELECT version, fields, accepted_at FROM schema_versions
		WHERE pipeline_id = $1 ORDER BY version DESC LIMIT 1`
	var row schemaRow
	if err := r.db.GetContext(ctx, &row, query, pipelineID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get accepted schema: %w", err)
	}
	return row.toDomain()
}

// CompareAndSwap inserts version expectedVersion+1 only if expectedVersion is
// still the current one. The primary key catches concurrent writers.
func (r *SchemaRepo) CompareAndSwap(
	ctx context.Context,
	pipelineID string,
	expectedVersion int,
	snapshot *domain.SchemaSnapshot,
) (*domain.SchemaSnapshot, error) {
	fields, err := json.Marshal(snapshot.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema fields: %w", err)
	}

	query := `
		INSERT INTO schema_versions (pipeline_id, version, fields, accepted_at)
		SELECT $1, $2::int + 1, $3, NOW()
		WHERE (SELECT COALESCE(MAX(version), 0) FROM schema_versions WHERE pipeline_id = $1) = $2::int
		ON CONFLICT (pipeline_id, version) DO NOTHING
		RETURNING version, fields, accepted_at
	`
	var row schemaRow
	if err := r.db.GetContext(ctx, &row, query, pipelineID, expectedVersion, string(fields)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrVersionConflict
		}
		return nil, fmt.Errorf("failed to store schema: %w", err)
	}
	return row.toDomain()
}

// History returns every version, oldest first.
func (r *SchemaRepo) History(ctx context.Context, pipelineID string) ([]*domain.SchemaSnapshot, error) {
	query := `SELECT version, fields, accepted_at FROM schema_versions
		WHERE pipeline_id = $1 ORDER BY version ASC`
	var rows []schemaRow
	if err := r.db.SelectContext(ctx, &rows, query, pipelineID); err != nil {
		return nil, fmt.Errorf("failed to list schema history: %w", err)
	}
	out := make([]*domain.SchemaSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
