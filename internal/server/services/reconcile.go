package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/dbx"
	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/dmitrijs2005/motivearchive/internal/reconcile"
	"github.com/dmitrijs2005/motivearchive/internal/server/config"
	"github.com/dmitrijs2005/motivearchive/internal/server/lock"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/images"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/owners"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/repomanager"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	newRunID = uuid.NewString
	now      = func() time.Time { return time.Now().UTC() }
)

// RunOptions selects what a reconciliation run does.
type RunOptions struct {
	DryRun bool
	// Kinds limits repairs and conflicts to these owner kinds. Empty means
	// every kind.
	Kinds []models.OwnerKind
}

// RunResult is the outcome of one run.
type RunResult struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Report     *reconcile.Report
}

// ReconcileService runs the association reconciler against the document
// store and records every run in the journal.
type ReconcileService struct {
	repomanager repomanager.RepositoryManager
	journalDB   *sql.DB
	journal     repomanager.JournalManager
	locker      lock.Locker
	lockTTL     time.Duration
	concurrency int
	logger      logging.Logger
}

// NewReconcileService builds the service. A nil journalDB disables the
// journal.
func NewReconcileService(m repomanager.RepositoryManager, journalDB *sql.DB, jm repomanager.JournalManager,
	locker lock.Locker, cfg *config.Config, logger logging.Logger) *ReconcileService {
	return &ReconcileService{
		repomanager: m,
		journalDB:   journalDB,
		journal:     jm,
		locker:      locker,
		lockTTL:     cfg.LockTTL,
		concurrency: cfg.ReconcileConcurrency,
		logger:      logger.With("module", "reconcile_service"),
	}
}

// Run detects inconsistencies and, unless opts.DryRun is set, repairs them.
// Only one run executes at a time across processes; a concurrent call fails
// with ErrLocked.
func (s *ReconcileService) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	kinds, err := selectKinds(opts.Kinds)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, common.ReconcileLockKey, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn(ctx, "lock release failed", "error", err)
		}
	}()

	result := &RunResult{ID: newRunID(), StartedAt: now(), DryRun: opts.DryRun}
	logger := s.logger.With("run_id", result.ID)

	allOwners, allImages, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	plan := scopePlan(reconcile.Detect(allOwners, allImages), kinds, imageOwnerKinds(allImages))
	logger.Info(ctx, "reconciliation planned",
		"repairs", len(plan.Repairs), "conflicts", len(plan.Conflicts),
		"orphans", len(plan.Orphans), "errors", len(plan.Errors), "dry_run", opts.DryRun)

	if opts.DryRun {
		result.Report = reconcile.DryRun(plan)
	} else {
		store := &associationStore{owners: s.repomanager.Owners(), images: s.repomanager.Images()}
		result.Report = reconcile.NewReconciler(store, logger, s.concurrency).Apply(ctx, plan)
	}
	result.FinishedAt = now()

	for _, c := range result.Report.Conflicts {
		logger.Warn(ctx, "ownership conflict", "conflict", c.Error())
	}
	for _, e := range result.Report.Errors {
		logger.Warn(ctx, "document skipped", "error", e.Error())
	}

	if err := s.record(ctx, result); err != nil {
		return result, fmt.Errorf("journal: %w", err)
	}

	logger.Info(ctx, "reconciliation finished",
		"applied", len(result.Report.Applied), "failed", len(result.Report.Failed))
	return result, nil
}

func (s *ReconcileService) load(ctx context.Context) ([]models.Owner, []models.Image, error) {
	var all []models.Owner
	for _, kind := range models.OwnerKinds {
		list, err := s.repomanager.Owners().List(ctx, kind)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", kind.Collection(), err)
		}
		all = append(all, list...)
	}

	imgs, err := s.repomanager.Images().List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load images: %w", err)
	}
	return all, imgs, nil
}

func (s *ReconcileService) record(ctx context.Context, result *RunResult) error {
	if s.journalDB == nil {
		return nil
	}

	report := result.Report
	run := &models.RunRecord{
		ID:         result.ID,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		DryRun:     result.DryRun,
		Planned:    report.Planned,
		Applied:    len(report.Applied),
		Failed:     len(report.Failed),
		Conflicts:  len(report.Conflicts),
		Errors:     len(report.Errors),
	}

	return dbx.WithTx(ctx, s.journalDB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.journal.Journal(tx)
		if err := repo.CreateRun(ctx, run); err != nil {
			return err
		}
		for _, c := range report.Conflicts {
			if err := repo.AddConflict(ctx, conflictRecord(result.ID, c)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Runs returns the most recent journaled runs.
func (s *ReconcileService) Runs(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if s.journalDB == nil {
		return nil, nil
	}
	return s.journal.Journal(s.journalDB).ListRuns(ctx, limit)
}

// Conflicts returns the conflicts journaled by run runID.
func (s *ReconcileService) Conflicts(ctx context.Context, runID string) ([]models.ConflictRecord, error) {
	if s.journalDB == nil {
		return nil, nil
	}
	return s.journal.Journal(s.journalDB).ListConflicts(ctx, runID)
}

func conflictRecord(runID string, c reconcile.Conflict) *models.ConflictRecord {
	rec := &models.ConflictRecord{
		RunID:     runID,
		OwnerKind: string(c.Owner.Kind),
		ImageID:   c.ImageID.Hex(),
		Reason:    c.Reason,
	}
	if c.Owner.Kind != "" {
		rec.OwnerID = c.Owner.ID.Hex()
	}
	if c.ClaimedBy != nil {
		rec.ClaimedBy = c.ClaimedBy.String()
	}
	return rec
}

func selectKinds(kinds []models.OwnerKind) (map[models.OwnerKind]bool, error) {
	if len(kinds) == 0 {
		kinds = models.OwnerKinds
	}
	selected := make(map[models.OwnerKind]bool, len(kinds))
	for _, k := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: %q", common.ErrUnknownOwnerKind, k)
		}
		selected[k] = true
	}
	return selected, nil
}

// imageOwnerKinds maps each image to the kind of its back-reference.
func imageOwnerKinds(imgs []models.Image) map[bson.ObjectID]models.OwnerKind {
	kinds := make(map[bson.ObjectID]models.OwnerKind, len(imgs))
	for _, img := range imgs {
		if img.Owner != nil {
			kinds[img.ID] = img.Owner.Kind
		}
	}
	return kinds
}

// scopePlan drops repairs, conflicts and orphans outside the selected kinds.
// Detection always sees every document, so an image owned by an unselected
// kind is never mistaken for a missing one.
func scopePlan(plan reconcile.Plan, kinds map[models.OwnerKind]bool, imageKinds map[bson.ObjectID]models.OwnerKind) reconcile.Plan {
	if len(kinds) == len(models.OwnerKinds) {
		return plan
	}

	inScope := func(kind models.OwnerKind) bool {
		return kind == "" || kinds[kind]
	}

	scoped := reconcile.Plan{Errors: plan.Errors}
	for _, r := range plan.Repairs {
		kind := r.Owner.Kind
		if r.Op == reconcile.OpNormalizeImage {
			kind = imageKinds[r.ImageID]
		}
		if inScope(kind) {
			scoped.Repairs = append(scoped.Repairs, r)
		}
	}
	for _, c := range plan.Conflicts {
		if inScope(c.Owner.Kind) {
			scoped.Conflicts = append(scoped.Conflicts, c)
		}
	}
	for _, id := range plan.Orphans {
		if inScope(imageKinds[id]) {
			scoped.Orphans = append(scoped.Orphans, id)
		}
	}
	return scoped
}

// associationStore applies reconciler repairs through the repositories.
type associationStore struct {
	owners owners.Repository
	images images.Repository
}

func (a *associationStore) AddImageID(ctx context.Context, ref models.OwnerRef, id bson.ObjectID) error {
	return a.owners.AddImageID(ctx, ref, id)
}

func (a *associationStore) RemoveImageID(ctx context.Context, ref models.OwnerRef, id bson.ObjectID) error {
	return a.owners.RemoveImageID(ctx, ref, id)
}

func (a *associationStore) ClearPrimary(ctx context.Context, ref models.OwnerRef, id bson.ObjectID) error {
	return a.owners.ClearPrimary(ctx, ref, id)
}

func (a *associationStore) SetBackReference(ctx context.Context, id bson.ObjectID, ref models.OwnerRef) error {
	return a.images.SetBackReference(ctx, id, ref)
}

func (a *associationStore) NormalizeOwner(ctx context.Context, ref models.OwnerRef) error {
	return a.owners.Normalize(ctx, ref)
}

func (a *associationStore) NormalizeImage(ctx context.Context, id bson.ObjectID) error {
	return a.images.Normalize(ctx, id)
}
