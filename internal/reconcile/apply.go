package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency caps how many documents are repaired in parallel.
const DefaultConcurrency = 4

// Store performs the repair writes. Every method must be idempotent.
type Store interface {
	AddImageID(ctx context.Context, owner models.OwnerRef, imageID bson.ObjectID) error
	RemoveImageID(ctx context.Context, owner models.OwnerRef, imageID bson.ObjectID) error
	ClearPrimary(ctx context.Context, owner models.OwnerRef, imageID bson.ObjectID) error
	SetBackReference(ctx context.Context, imageID bson.ObjectID, owner models.OwnerRef) error
	NormalizeOwner(ctx context.Context, owner models.OwnerRef) error
	NormalizeImage(ctx context.Context, imageID bson.ObjectID) error
}

// RepairError pairs a failed repair with its cause.
type RepairError struct {
	Repair Repair
	Err    error
}

func (e RepairError) Error() string {
	return e.Repair.String() + ": " + e.Err.Error()
}

func (e RepairError) Unwrap() error {
	return e.Err
}

// Report is the aggregate outcome of a reconciliation.
type Report struct {
	Planned int
	// Pending lists the repairs a dry run would apply.
	Pending   []Repair
	Applied   []Repair
	Failed    []RepairError
	Conflicts []Conflict
	Orphans   []bson.ObjectID
	Errors    []DocumentError
}

// OK reports whether every planned repair was applied.
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// Reconciler applies plans through a Store.
type Reconciler struct {
	store       Store
	logger      logging.Logger
	concurrency int
}

func NewReconciler(store Store, logger logging.Logger, concurrency int) *Reconciler {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Reconciler{
		store:       store,
		logger:      logger.With("module", "reconcile"),
		concurrency: concurrency,
	}
}

// Reconcile detects and applies repairs for the given documents.
func (r *Reconciler) Reconcile(ctx context.Context, owners []models.Owner, images []models.Image) *Report {
	return r.Apply(ctx, Detect(owners, images))
}

// DryRun turns a plan into a report without writing anything.
func DryRun(plan Plan) *Report {
	return &Report{
		Planned:   len(plan.Repairs),
		Pending:   plan.Repairs,
		Conflicts: plan.Conflicts,
		Orphans:   plan.Orphans,
		Errors:    plan.Errors,
	}
}

// Apply runs every repair of plan. Repairs on the same document run in plan
// order; different documents are repaired in parallel up to the configured
// concurrency. Failures are collected and never stop the batch.
func (r *Reconciler) Apply(ctx context.Context, plan Plan) *Report {
	report := DryRun(plan)
	report.Pending = nil

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	for _, group := range groupByTarget(plan.Repairs) {
		g.Go(func() error {
			for _, rep := range group {
				err := r.applyOne(ctx, rep)

				mu.Lock()
				if err != nil {
					report.Failed = append(report.Failed, RepairError{Repair: rep, Err: err})
				} else {
					report.Applied = append(report.Applied, rep)
				}
				mu.Unlock()

				if err != nil {
					r.logger.Error(ctx, "repair failed", "repair", rep.String(), "error", err)
				} else {
					r.logger.Debug(ctx, "repair applied", "repair", rep.String())
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	sortRepairs(report.Applied)
	sort.SliceStable(report.Failed, func(i, j int) bool {
		return report.Failed[i].Repair.Target() < report.Failed[j].Repair.Target()
	})

	return report
}

func (r *Reconciler) applyOne(ctx context.Context, rep Repair) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	switch rep.Op {
	case OpNormalizeOwner:
		return r.store.NormalizeOwner(ctx, rep.Owner)
	case OpNormalizeImage:
		return r.store.NormalizeImage(ctx, rep.ImageID)
	case OpRemoveImageID:
		return r.store.RemoveImageID(ctx, rep.Owner, rep.ImageID)
	case OpSetBackReference:
		return r.store.SetBackReference(ctx, rep.ImageID, rep.Owner)
	case OpAddImageID:
		return r.store.AddImageID(ctx, rep.Owner, rep.ImageID)
	case OpClearPrimary:
		return r.store.ClearPrimary(ctx, rep.Owner, rep.ImageID)
	}
	return fmt.Errorf("unknown repair %q", rep.Op)
}

// groupByTarget splits sorted repairs into per-document runs.
func groupByTarget(repairs []Repair) [][]Repair {
	var groups [][]Repair
	for i, rep := range repairs {
		if i == 0 || rep.Target() != repairs[i-1].Target() {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], rep)
	}
	return groups
}
