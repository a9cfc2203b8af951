package journal

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/motivearchive/internal/dbx"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
)

// SQLRepository works on PostgreSQL (pgx) and SQLite alike.
type SQLRepository struct {
	db dbx.DBTX
}

func NewSQLRepository(db dbx.DBTX) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) CreateRun(ctx context.Context, run *models.RunRecord) error {
	query :=
		`INSERT INTO reconcile_runs (id, started_at, finished_at, dry_run, planned, applied, failed, conflicts, errors)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.StartedAt, run.FinishedAt, run.DryRun,
		run.Planned, run.Applied, run.Failed, run.Conflicts, run.Errors)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) AddConflict(ctx context.Context, c *models.ConflictRecord) error {
	query :=
		`INSERT INTO reconcile_conflicts (run_id, owner_kind, owner_id, image_id, claimed_by, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query, c.RunID, c.OwnerKind, c.OwnerID, c.ImageID, c.ClaimedBy, c.Reason)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	query :=
		`SELECT id, started_at, finished_at, dry_run, planned, applied, failed, conflicts, errors
		 FROM reconcile_runs
		 ORDER BY started_at DESC
		 LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.RunRecord
	for rows.Next() {
		var run models.RunRecord
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.DryRun,
			&run.Planned, &run.Applied, &run.Failed, &run.Conflicts, &run.Errors); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *SQLRepository) ListConflicts(ctx context.Context, runID string) ([]models.ConflictRecord, error) {
	query :=
		`SELECT run_id, owner_kind, owner_id, image_id, claimed_by, reason
		 FROM reconcile_conflicts
		 WHERE run_id = $1
		 ORDER BY owner_kind, owner_id, image_id`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.ConflictRecord
	for rows.Next() {
		var c models.ConflictRecord
		if err := rows.Scan(&c.RunID, &c.OwnerKind, &c.OwnerID, &c.ImageID, &c.ClaimedBy, &c.Reason); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}
