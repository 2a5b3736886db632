// Package repo holds the PostgreSQL adapters.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// ArchiveRepositoryPG persists resolved job records after the sweeper
// removes them from the in-memory registry, so derived actions keep working
// past the retention window.
type ArchiveRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewArchiveRepository creates a new ArchiveRepositoryPG.
func NewArchiveRepository(pool *pgxpool.Pool) *ArchiveRepositoryPG {
	return &ArchiveRepositoryPG{pool: pool}
}

// Migrate creates the archive table if it does not exist.
func (r *ArchiveRepositoryPG) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS job_archive (
    job_id         TEXT PRIMARY KEY,
    state          TEXT NOT NULL,
    requester_id   TEXT NOT NULL,
    requester_name TEXT NOT NULL DEFAULT '',
    context_handle TEXT NOT NULL DEFAULT '',
    descriptor     JSONB NOT NULL,
    outputs        JSONB NOT NULL DEFAULT '[]',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    resolved_at    TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("migrate job_archive: %w", err)
	}
	return nil
}

// Insert stores a resolved record. Replays of the same job id are ignored;
// the first archived version wins.
func (r *ArchiveRepositoryPG) Insert(ctx context.Context, rec domain.Record) error {
	if !rec.State.Terminal() {
		return fmt.Errorf("%w: cannot archive %s in state %s", domain.ErrValidation, rec.JobID, rec.State)
	}

	descriptor, err := json.Marshal(rec.Descriptor)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
INSERT INTO job_archive (job_id, state, requester_id, requester_name, context_handle, descriptor, outputs, failure_reason, created_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (job_id) DO NOTHING;
`,
		rec.JobID,
		string(rec.State),
		rec.Requester.ID,
		rec.Requester.Name,
		rec.ContextHandle,
		descriptor,
		outputs,
		rec.FailureReason,
		rec.CreatedAt,
		rec.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert archive record: %w", err)
	}
	return nil
}

// GetByID fetches an archived record by backend job id.
func (r *ArchiveRepositoryPG) GetByID(ctx context.Context, id string) (domain.Record, error) {
	row := r.pool.QueryRow(ctx, `
SELECT job_id, state, requester_id, requester_name, context_handle, descriptor, outputs, failure_reason, created_at, resolved_at
FROM job_archive
WHERE job_id = $1;
`, id)

	var (
		rec        domain.Record
		state      string
		descriptor []byte
		outputs    []byte
	)
	err := row.Scan(
		&rec.JobID,
		&state,
		&rec.Requester.ID,
		&rec.Requester.Name,
		&rec.ContextHandle,
		&descriptor,
		&outputs,
		&rec.FailureReason,
		&rec.CreatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Record{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		}
		return domain.Record{}, fmt.Errorf("query archive: %w", err)
	}

	rec.State = domain.JobState(state)
	if err := json.Unmarshal(descriptor, &rec.Descriptor); err != nil {
		return domain.Record{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if err := json.Unmarshal(outputs, &rec.Outputs); err != nil {
		return domain.Record{}, fmt.Errorf("decode outputs: %w", err)
	}
	return rec, nil
}

// Prune removes archive rows resolved before the cutoff.
func (r *ArchiveRepositoryPG) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM job_archive WHERE resolved_at < $1;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	return tag.RowsAffected(), nil
}
