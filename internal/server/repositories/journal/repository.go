package journal

import (
	"context"

	"github.com/dmitrijs2005/motivearchive/internal/server/models"
)

// Repository records reconciliation runs and the conflicts they left for
// manual review.
type Repository interface {
	CreateRun(ctx context.Context, run *models.RunRecord) error
	AddConflict(ctx context.Context, c *models.ConflictRecord) error
	ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
	ListConflicts(ctx context.Context, runID string) ([]models.ConflictRecord, error)
}
