package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// -------- in-memory store --------

type memStore struct {
	mu     sync.Mutex
	owners map[models.OwnerRef]*models.Owner
	images map[bson.ObjectID]*models.Image

	failOn map[OpKind]error
	panics bool
	calls  []Repair
}

func newMemStore(owners []models.Owner, images []models.Image) *memStore {
	s := &memStore{
		owners: map[models.OwnerRef]*models.Owner{},
		images: map[bson.ObjectID]*models.Image{},
		failOn: map[OpKind]error{},
	}
	for i := range owners {
		o := owners[i]
		o.ImageIDs = append([]bson.ObjectID(nil), o.ImageIDs...)
		s.owners[o.Ref] = &o
	}
	for i := range images {
		img := images[i]
		s.images[img.ID] = &img
	}
	return s
}

func (s *memStore) record(op OpKind, owner models.OwnerRef, id bson.ObjectID) error {
	s.calls = append(s.calls, Repair{Op: op, Owner: owner, ImageID: id})
	if s.panics {
		panic("boom")
	}
	return s.failOn[op]
}

func (s *memStore) AddImageID(_ context.Context, owner models.OwnerRef, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpAddImageID, owner, id); err != nil {
		return err
	}
	o := s.owners[owner]
	if !o.HasImage(id) {
		o.ImageIDs = append(o.ImageIDs, id)
	}
	return nil
}

func (s *memStore) RemoveImageID(_ context.Context, owner models.OwnerRef, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpRemoveImageID, owner, id); err != nil {
		return err
	}
	o := s.owners[owner]
	kept := o.ImageIDs[:0]
	for _, x := range o.ImageIDs {
		if x != id {
			kept = append(kept, x)
		}
	}
	o.ImageIDs = kept
	return nil
}

func (s *memStore) ClearPrimary(_ context.Context, owner models.OwnerRef, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpClearPrimary, owner, id); err != nil {
		return err
	}
	o := s.owners[owner]
	if o.PrimaryImageID != nil && *o.PrimaryImageID == id {
		o.PrimaryImageID = nil
	}
	return nil
}

func (s *memStore) SetBackReference(_ context.Context, id bson.ObjectID, owner models.OwnerRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpSetBackReference, owner, id); err != nil {
		return err
	}
	img := s.images[id]
	if img.Owner == nil {
		ref := owner
		img.Owner = &ref
		img.Claims = []models.OwnerRef{ref}
	}
	return nil
}

func (s *memStore) NormalizeOwner(_ context.Context, owner models.OwnerRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpNormalizeOwner, owner, bson.NilObjectID); err != nil {
		return err
	}
	s.owners[owner].Legacy = false
	return nil
}

func (s *memStore) NormalizeImage(_ context.Context, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpNormalizeImage, models.OwnerRef{}, id); err != nil {
		return err
	}
	s.images[id].Legacy = false
	return nil
}

func (s *memStore) snapshot() ([]models.Owner, []models.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owners []models.Owner
	for _, o := range s.owners {
		owners = append(owners, *o)
	}
	var images []models.Image
	for _, img := range s.images {
		images = append(images, *img)
	}
	return owners, images
}

// -------- helpers --------

func ref(kind models.OwnerKind) models.OwnerRef {
	return models.OwnerRef{Kind: kind, ID: bson.NewObjectID()}
}

func owned(id bson.ObjectID, owner models.OwnerRef) models.Image {
	return models.Image{ID: id, Owner: &owner, Claims: []models.OwnerRef{owner}}
}

func newReconciler(store Store) *Reconciler {
	return NewReconciler(store, logging.Discard(), 2)
}

func ptr(id bson.ObjectID) *bson.ObjectID { return &id }

// -------- detection --------

func TestDetect_Consistent(t *testing.T) {
	p := ref(models.OwnerProject)
	a, b := bson.NewObjectID(), bson.NewObjectID()

	plan := Detect(
		[]models.Owner{{Ref: p, ImageIDs: []bson.ObjectID{a, b}, PrimaryImageID: &b}},
		[]models.Image{owned(a, p), owned(b, p)},
	)

	assert.Empty(t, plan.Repairs)
	assert.Empty(t, plan.Conflicts)
	assert.Empty(t, plan.Orphans)
	assert.Empty(t, plan.Errors)
}

func TestDetect_MissingForwardReference(t *testing.T) {
	p := ref(models.OwnerProject)
	img := bson.NewObjectID()

	plan := Detect([]models.Owner{{Ref: p}}, []models.Image{owned(img, p)})

	require.Len(t, plan.Repairs, 1)
	assert.Equal(t, Repair{Op: OpAddImageID, Owner: p, ImageID: img}, plan.Repairs[0])
}

func TestDetect_DanglingReferences(t *testing.T) {
	c := ref(models.OwnerCar)
	gone := bson.NewObjectID()

	plan := Detect([]models.Owner{{Ref: c, ImageIDs: []bson.ObjectID{gone}, PrimaryImageID: &gone}}, nil)

	assert.Equal(t, []Repair{
		{Op: OpRemoveImageID, Owner: c, ImageID: gone},
		{Op: OpClearPrimary, Owner: c, ImageID: gone},
	}, plan.Repairs)
}

func TestDetect_MissingBackReference(t *testing.T) {
	g := ref(models.OwnerGallery)
	img := bson.NewObjectID()

	plan := Detect([]models.Owner{{Ref: g, ImageIDs: []bson.ObjectID{img}}}, []models.Image{{ID: img}})

	assert.Equal(t, []Repair{{Op: OpSetBackReference, Owner: g, ImageID: img}}, plan.Repairs)
	assert.Empty(t, plan.Orphans)
}

func TestDetect_ForeignOwnerIsConflictNotRepair(t *testing.T) {
	c1, c2 := ref(models.OwnerCar), ref(models.OwnerCar)
	img := bson.NewObjectID()

	plan := Detect(
		[]models.Owner{{Ref: c1, ImageIDs: []bson.ObjectID{img}}, {Ref: c2, ImageIDs: []bson.ObjectID{img}}},
		[]models.Image{owned(img, c2)},
	)

	assert.Empty(t, plan.Repairs)
	require.Len(t, plan.Conflicts, 1)
	conflict := plan.Conflicts[0]
	assert.Equal(t, c1, conflict.Owner)
	require.NotNil(t, conflict.ClaimedBy)
	assert.Equal(t, c2, *conflict.ClaimedBy)
	assert.ErrorIs(t, conflict, common.ErrOwnershipConflict)
}

func TestDetect_ContestedUnownedImage(t *testing.T) {
	c, p := ref(models.OwnerCar), ref(models.OwnerProject)
	img := bson.NewObjectID()

	plan := Detect(
		[]models.Owner{{Ref: c, ImageIDs: []bson.ObjectID{img}}, {Ref: p, ImageIDs: []bson.ObjectID{img}}},
		[]models.Image{{ID: img}},
	)

	assert.Empty(t, plan.Repairs)
	assert.Len(t, plan.Conflicts, 2)
	for _, c := range plan.Conflicts {
		assert.Nil(t, c.ClaimedBy)
		assert.Equal(t, reasonContested, c.Reason)
	}
}

func TestDetect_ImageClaimingSeveralOwners(t *testing.T) {
	c, p := ref(models.OwnerCar), ref(models.OwnerProject)
	img := bson.NewObjectID()

	plan := Detect(
		[]models.Owner{{Ref: c}, {Ref: p}},
		[]models.Image{{ID: img, Owner: &c, Claims: []models.OwnerRef{c, p}}},
	)

	assert.Empty(t, plan.Repairs)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, reasonMultiClaim, plan.Conflicts[0].Reason)
}

func TestDetect_ForeignPrimary(t *testing.T) {
	c1, c2 := ref(models.OwnerCar), ref(models.OwnerCar)
	a, foreign := bson.NewObjectID(), bson.NewObjectID()

	plan := Detect(
		[]models.Owner{{Ref: c1, ImageIDs: []bson.ObjectID{a}, PrimaryImageID: &foreign}, {Ref: c2, ImageIDs: []bson.ObjectID{foreign}}},
		[]models.Image{owned(a, c1), owned(foreign, c2)},
	)

	assert.Empty(t, plan.Repairs)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, reasonForeignPrimary, plan.Conflicts[0].Reason)
}

func TestDetect_Orphans(t *testing.T) {
	missingOwner := ref(models.OwnerCar)
	unowned, pointsNowhere := bson.NewObjectID(), bson.NewObjectID()

	plan := Detect(nil, []models.Image{{ID: unowned}, owned(pointsNowhere, missingOwner)})

	assert.Empty(t, plan.Repairs)
	assert.ElementsMatch(t, []bson.ObjectID{unowned, pointsNowhere}, plan.Orphans)
}

func TestDetect_LegacyDocumentsNormalized(t *testing.T) {
	c := ref(models.OwnerCar)
	img := bson.NewObjectID()
	legacyImage := owned(img, c)
	legacyImage.Legacy = true

	plan := Detect([]models.Owner{{Ref: c, ImageIDs: []bson.ObjectID{img, img}, Legacy: true}}, []models.Image{legacyImage})

	assert.ElementsMatch(t, []Repair{
		{Op: OpNormalizeOwner, Owner: c},
		{Op: OpNormalizeImage, ImageID: img},
	}, plan.Repairs)
}

func TestDetect_InvalidReferencesReportedNotRewritten(t *testing.T) {
	c := ref(models.OwnerCar)
	img := bson.NewObjectID()

	plan := Detect(
		[]models.Owner{{Ref: c, ImageIDs: []bson.ObjectID{img}, Legacy: true, InvalidRefs: []any{"garbage"}}},
		[]models.Image{owned(img, c)},
	)

	assert.Empty(t, plan.Repairs)
	require.Len(t, plan.Errors, 1)
	assert.ErrorIs(t, plan.Errors[0], common.ErrInvalidIdentifier)
	assert.Equal(t, c.String(), plan.Errors[0].Target)
}

func TestDetect_InvalidImageBackReferenceReported(t *testing.T) {
	c := ref(models.OwnerCar)
	listed, unlisted := bson.NewObjectID(), bson.NewObjectID()

	tests := []struct {
		name   string
		owners []models.Owner
		image  bson.ObjectID
	}{
		{name: "listed by owner", owners: []models.Owner{{Ref: c, ImageIDs: []bson.ObjectID{listed}, PrimaryImageID: &listed}}, image: listed},
		{name: "listed by nobody", owners: []models.Owner{{Ref: c}}, image: unlisted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Detect(tt.owners, []models.Image{{ID: tt.image, InvalidRefs: []any{"not-an-id"}}})

			assert.Empty(t, plan.Repairs)
			assert.Empty(t, plan.Orphans)
			assert.Empty(t, plan.Conflicts)
			require.Len(t, plan.Errors, 1)
			assert.Equal(t, "image/"+tt.image.Hex(), plan.Errors[0].Target)
			assert.True(t, errors.Is(plan.Errors[0], common.ErrInvalidIdentifier))
		})
	}
}

func TestDetect_UnownedPrimaryIsConflict(t *testing.T) {
	c := ref(models.OwnerCar)
	other, primary := bson.NewObjectID(), bson.NewObjectID()

	plan := Detect(
		[]models.Owner{{Ref: c, ImageIDs: []bson.ObjectID{other}, PrimaryImageID: &primary}},
		[]models.Image{owned(other, c), {ID: primary}},
	)

	for _, r := range plan.Repairs {
		assert.NotEqual(t, primary, r.ImageID, "repair %s touches the primary", r)
	}
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, c, plan.Conflicts[0].Owner)
	assert.Equal(t, primary, plan.Conflicts[0].ImageID)
	assert.Nil(t, plan.Conflicts[0].ClaimedBy)
	assert.Equal(t, reasonUnownedPrimary, plan.Conflicts[0].Reason)
}

func TestDetect_RepairsGroupedByTarget(t *testing.T) {
	c := ref(models.OwnerCar)
	gone, missing := bson.NewObjectID(), bson.NewObjectID()

	plan := Detect(
		[]models.Owner{{Ref: c, ImageIDs: []bson.ObjectID{gone}, PrimaryImageID: &gone, Legacy: true}},
		[]models.Image{owned(missing, c)},
	)

	ops := make([]OpKind, 0, len(plan.Repairs))
	for _, r := range plan.Repairs {
		ops = append(ops, r.Op)
	}
	assert.Equal(t, []OpKind{OpNormalizeOwner, OpRemoveImageID, OpAddImageID, OpClearPrimary}, ops)
	assert.Len(t, groupByTarget(plan.Repairs), 1)
}

// -------- apply --------

func TestReconcile_AddThenFixedPoint(t *testing.T) {
	p := ref(models.OwnerProject)
	img := bson.NewObjectID()
	owners := []models.Owner{{Ref: p}}
	images := []models.Image{owned(img, p)}
	store := newMemStore(owners, images)
	r := newReconciler(store)

	report := r.Reconcile(context.Background(), owners, images)

	require.True(t, report.OK())
	assert.Equal(t, 1, report.Planned)
	assert.Equal(t, []Repair{{Op: OpAddImageID, Owner: p, ImageID: img}}, report.Applied)

	owners2, images2 := store.snapshot()
	second := r.Reconcile(context.Background(), owners2, images2)
	assert.Zero(t, second.Planned)
	assert.Empty(t, second.Applied)
}

func TestReconcile_MixedStateReachesFixedPoint(t *testing.T) {
	c1, c2 := ref(models.OwnerCar), ref(models.OwnerCar)
	p := ref(models.OwnerProject)
	g := ref(models.OwnerGallery)
	a, b, gone, unowned, foreign, orphan := bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID(),
		bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID()

	owners := []models.Owner{
		{Ref: c1, ImageIDs: []bson.ObjectID{a, gone, foreign}, PrimaryImageID: ptr(gone), Legacy: true},
		{Ref: c2, ImageIDs: []bson.ObjectID{foreign}},
		{Ref: p, ImageIDs: nil},
		{Ref: g, ImageIDs: []bson.ObjectID{unowned}},
	}
	legacyB := owned(b, p)
	legacyB.Legacy = true
	images := []models.Image{
		owned(a, c1),
		legacyB,
		{ID: unowned},
		owned(foreign, c2),
		{ID: orphan},
	}
	store := newMemStore(owners, images)
	r := newReconciler(store)

	report := r.Reconcile(context.Background(), owners, images)

	require.True(t, report.OK(), "failed: %v", report.Failed)
	assert.Equal(t, report.Planned, len(report.Applied))
	assert.Len(t, report.Conflicts, 1)
	assert.Equal(t, []bson.ObjectID{orphan}, report.Orphans)

	owners2, images2 := store.snapshot()
	second := Detect(owners2, images2)
	assert.Empty(t, second.Repairs)
	// conflicts are never resolved automatically: both sides stay intact
	assert.Len(t, second.Conflicts, 1)
	assert.True(t, store.owners[c1].HasImage(foreign))
	assert.Equal(t, c2, *store.images[foreign].Owner)
}

func TestApply_FailureDoesNotBlockOtherDocuments(t *testing.T) {
	c, p := ref(models.OwnerCar), ref(models.OwnerProject)
	x, y, gone := bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID()
	owners := []models.Owner{{Ref: c, ImageIDs: []bson.ObjectID{gone}}, {Ref: p}}
	images := []models.Image{owned(x, c), owned(y, p)}
	store := newMemStore(owners, images)
	store.failOn[OpRemoveImageID] = errors.New("write refused")

	report := newReconciler(store).Reconcile(context.Background(), owners, images)

	assert.False(t, report.OK())
	require.Len(t, report.Failed, 1)
	assert.Equal(t, OpRemoveImageID, report.Failed[0].Repair.Op)
	assert.Contains(t, report.Failed[0].Error(), "write refused")
	// both adds still ran, including the one on the failing document
	assert.Len(t, report.Applied, 2)
	assert.True(t, store.owners[c].HasImage(x))
	assert.True(t, store.owners[p].HasImage(y))
}

func TestApply_PanicIsContained(t *testing.T) {
	p := ref(models.OwnerProject)
	img := bson.NewObjectID()
	store := newMemStore([]models.Owner{{Ref: p}}, []models.Image{owned(img, p)})
	store.panics = true

	report := newReconciler(store).Apply(context.Background(), Plan{Repairs: []Repair{{Op: OpAddImageID, Owner: p, ImageID: img}}})

	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed[0].Err.Error(), "panic: boom")
}

func TestApply_CanceledContext(t *testing.T) {
	p := ref(models.OwnerProject)
	img := bson.NewObjectID()
	store := newMemStore([]models.Owner{{Ref: p}}, []models.Image{owned(img, p)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := newReconciler(store).Apply(ctx, Plan{Repairs: []Repair{{Op: OpAddImageID, Owner: p, ImageID: img}}})

	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0], context.Canceled)
	assert.Empty(t, store.calls)
}

func TestApply_UnknownOp(t *testing.T) {
	report := newReconciler(newMemStore(nil, nil)).Apply(context.Background(), Plan{Repairs: []Repair{{Op: "bogus"}}})

	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed[0].Error(), "unknown repair")
}

func TestDryRun_WritesNothing(t *testing.T) {
	p := ref(models.OwnerProject)
	img := bson.NewObjectID()
	store := newMemStore([]models.Owner{{Ref: p}}, []models.Image{owned(img, p)})

	owners, images := store.snapshot()
	report := DryRun(Detect(owners, images))

	assert.Equal(t, 1, report.Planned)
	assert.Equal(t, []Repair{{Op: OpAddImageID, Owner: p, ImageID: img}}, report.Pending)
	assert.Empty(t, report.Applied)
	assert.Empty(t, store.calls)
}

func TestApply_LeavesNothingPending(t *testing.T) {
	p := ref(models.OwnerProject)
	img := bson.NewObjectID()
	store := newMemStore([]models.Owner{{Ref: p}}, []models.Image{owned(img, p)})

	owners, images := store.snapshot()
	report := newReconciler(store).Apply(context.Background(), Detect(owners, images))

	assert.Empty(t, report.Pending)
	assert.Equal(t, []Repair{{Op: OpAddImageID, Owner: p, ImageID: img}}, report.Applied)
}

func TestNewReconciler_DefaultConcurrency(t *testing.T) {
	r := NewReconciler(newMemStore(nil, nil), logging.Discard(), 0)
	assert.Equal(t, DefaultConcurrency, r.concurrency)
}
