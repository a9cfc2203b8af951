package services

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/dmitrijs2005/motivearchive/internal/server/config"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/images"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/owners"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/repomanager"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// -------- owners --------

type fakeOwners struct {
	owners.Repository

	mu   sync.Mutex
	docs map[models.OwnerRef]*models.Owner

	addErr error
}

func newFakeOwners() *fakeOwners {
	return &fakeOwners{docs: map[models.OwnerRef]*models.Owner{}}
}

func (f *fakeOwners) put(o models.Owner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.ImageIDs = append([]bson.ObjectID(nil), o.ImageIDs...)
	f.docs[o.Ref] = &o
}

func (f *fakeOwners) doc(ref models.OwnerRef) *models.Owner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[ref]
}

func (f *fakeOwners) Get(_ context.Context, ref models.OwnerRef) (*models.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.docs[ref]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *o
	cp.ImageIDs = append([]bson.ObjectID(nil), o.ImageIDs...)
	return &cp, nil
}

func (f *fakeOwners) List(_ context.Context, kind models.OwnerKind) ([]models.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Owner
	for ref, o := range f.docs {
		if ref.Kind == kind {
			cp := *o
			cp.ImageIDs = append([]bson.ObjectID(nil), o.ImageIDs...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID.Hex() < out[j].Ref.ID.Hex() })
	return out, nil
}

func (f *fakeOwners) AddImageID(_ context.Context, ref models.OwnerRef, id bson.ObjectID) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.docs[ref]
	if !ok {
		return common.ErrorNotFound
	}
	if !o.HasImage(id) {
		o.ImageIDs = append(o.ImageIDs, id)
	}
	return nil
}

func (f *fakeOwners) RemoveImageID(_ context.Context, ref models.OwnerRef, id bson.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.docs[ref]
	if !ok {
		return common.ErrorNotFound
	}
	kept := o.ImageIDs[:0]
	for _, x := range o.ImageIDs {
		if x != id {
			kept = append(kept, x)
		}
	}
	o.ImageIDs = kept
	return nil
}

func (f *fakeOwners) SetPrimary(_ context.Context, ref models.OwnerRef, id bson.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.docs[ref]
	if !ok {
		return common.ErrorNotFound
	}
	o.PrimaryImageID = &id
	return nil
}

func (f *fakeOwners) SetPrimaryIfUnset(_ context.Context, ref models.OwnerRef, id bson.ObjectID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.docs[ref]
	if !ok || o.PrimaryImageID != nil {
		return false, nil
	}
	o.PrimaryImageID = &id
	return true, nil
}

func (f *fakeOwners) ClearPrimary(_ context.Context, ref models.OwnerRef, id bson.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.docs[ref]; ok && o.PrimaryImageID != nil && *o.PrimaryImageID == id {
		o.PrimaryImageID = nil
	}
	return nil
}

func (f *fakeOwners) Normalize(_ context.Context, ref models.OwnerRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.docs[ref]; ok {
		o.Legacy = false
	}
	return nil
}

// -------- images --------

type fakeImages struct {
	images.Repository

	mu   sync.Mutex
	docs map[bson.ObjectID]*models.Image

	createErr error
}

func newFakeImages() *fakeImages {
	return &fakeImages{docs: map[bson.ObjectID]*models.Image{}}
}

func (f *fakeImages) put(img models.Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img.Owner != nil && img.Claims == nil {
		img.Claims = []models.OwnerRef{*img.Owner}
	}
	f.docs[img.ID] = &img
}

func (f *fakeImages) Get(_ context.Context, id bson.ObjectID) (*models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.docs[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *img
	return &cp, nil
}

func (f *fakeImages) List(context.Context) ([]models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Image
	for _, img := range f.docs {
		out = append(out, *img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, nil
}

func (f *fakeImages) Create(_ context.Context, img *models.Image) (*models.Image, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if img.ID.IsZero() {
		img.ID = bson.NewObjectID()
	}
	f.put(*img)
	return img, nil
}

func (f *fakeImages) Delete(_ context.Context, id bson.ObjectID) (*models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.docs[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	delete(f.docs, id)
	return img, nil
}

func (f *fakeImages) Exists(_ context.Context, id bson.ObjectID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[id]
	return ok, nil
}

func (f *fakeImages) BelongsTo(_ context.Context, id bson.ObjectID, ref models.OwnerRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.docs[id]
	return ok && img.BelongsTo(ref), nil
}

func (f *fakeImages) SetBackReference(_ context.Context, id bson.ObjectID, ref models.OwnerRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.docs[id]
	if !ok {
		return common.ErrorNotFound
	}
	if img.Owner == nil {
		r := ref
		img.Owner = &r
		img.Claims = []models.OwnerRef{r}
		return nil
	}
	if *img.Owner == ref {
		return nil
	}
	return common.ErrOwnershipConflict
}

func (f *fakeImages) Normalize(_ context.Context, id bson.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img, ok := f.docs[id]; ok {
		img.Legacy = false
	}
	return nil
}

// -------- manager, storage, lock --------

type fakeRepoManager struct {
	repomanager.RepositoryManager
	owners *fakeOwners
	images *fakeImages
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{owners: newFakeOwners(), images: newFakeImages()}
}

func (m *fakeRepoManager) Owners() owners.Repository { return m.owners }
func (m *fakeRepoManager) Images() images.Repository { return m.images }

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	delErr  error
	signErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	if s.putErr != nil {
		return s.putErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	if s.delErr != nil {
		return s.delErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if s.signErr != nil {
		return "", s.signErr
	}
	return "http://signed/" + key, nil
}

type fakeLocker struct {
	held     bool
	err      error
	released int
}

func (l *fakeLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.held {
		return nil, common.ErrLocked
	}
	l.held = true
	return func(context.Context) error {
		l.held = false
		l.released++
		return nil
	}, nil
}

var errLockDown = errors.New("redis down")

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DeliveryBaseURL = "https://imagedelivery.net/acc/"
	return cfg
}

func testLogger() logging.Logger {
	return logging.Discard()
}
