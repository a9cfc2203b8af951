// Package services contains server-side business logic: the image lifecycle
// around cars, projects and galleries, and reconciliation runs.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/cover"
	"github.com/dmitrijs2005/motivearchive/internal/delivery"
	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/dmitrijs2005/motivearchive/internal/server/config"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/images"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/motivearchive/internal/server/storage"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// newStorageKey is a seam for tests.
var newStorageKey = storage.StorageKey

// originalURLTTL bounds how long a presigned link to a stored original stays valid.
const originalURLTTL = 15 * time.Minute

// Upload is a file received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// CoverView is the resolved cover of an owner.
type CoverView struct {
	Owner    models.OwnerRef
	ImageID  string
	URL      string
	Source   cover.Source
	Degraded string
}

// ImageView is an image with a servable URL.
type ImageView struct {
	ID  string
	URL string
	// AssetID is the CDN image id, empty when URL is not a delivery URL.
	AssetID     string
	Filename    string
	ContentType string
	Primary     bool
}

// OwnerView is one row of an owner listing.
type OwnerView struct {
	Ref   models.OwnerRef
	Title string
	Cover CoverView
}

// ImageService keeps owners and images associated while images are added,
// removed and promoted to cover.
type ImageService struct {
	repomanager  repomanager.RepositoryManager
	store        storage.ObjectStore
	fixer        delivery.Fixer
	deliveryBase string
	logger       logging.Logger
}

func NewImageService(m repomanager.RepositoryManager, store storage.ObjectStore, cfg *config.Config, logger logging.Logger) *ImageService {
	return &ImageService{
		repomanager:  m,
		store:        store,
		fixer:        delivery.NewFixer(cfg.DeliveryVariant),
		deliveryBase: strings.TrimRight(cfg.DeliveryBaseURL, "/"),
		logger:       logger.With("module", "images"),
	}
}

// Attach stores an uploaded file and associates it with owner. The first
// image of an owner becomes its primary. Once the object is stored, any
// failure is returned as ErrPartialUpload: the association is completed by
// the next reconciliation.
func (s *ImageService) Attach(ctx context.Context, ref models.OwnerRef, up Upload) (*models.Image, error) {
	if _, err := s.repomanager.Owners().Get(ctx, ref); err != nil {
		return nil, err
	}

	key := newStorageKey(up.Filename)
	if err := s.store.Put(ctx, key, up.Body, up.Size, up.ContentType); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	img := &models.Image{
		Owner:       &ref,
		Claims:      []models.OwnerRef{ref},
		URL:         s.deliveryBase + "/" + key,
		StorageKey:  key,
		Filename:    up.Filename,
		ContentType: up.ContentType,
		Size:        up.Size,
	}

	img, err := s.repomanager.Images().Create(ctx, img)
	if err != nil {
		if delErr := s.store.Delete(ctx, key); delErr != nil {
			s.logger.Warn(ctx, "orphan object left in storage", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("%w: create image: %w", common.ErrPartialUpload, err)
	}

	if err := s.link(ctx, ref, img.ID); err != nil {
		s.logger.Error(ctx, "image stored but not linked", "owner", ref.String(), "image", img.ID.Hex(), "error", err)
		return img, fmt.Errorf("%w: %w", common.ErrPartialUpload, err)
	}

	s.logger.Info(ctx, "image attached", "owner", ref.String(), "image", img.ID.Hex())
	return img, nil
}

// Associate links an image created elsewhere to owner.
func (s *ImageService) Associate(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error {
	if _, err := s.repomanager.Owners().Get(ctx, ref); err != nil {
		return err
	}
	if err := s.repomanager.Images().SetBackReference(ctx, imageID, ref); err != nil {
		return err
	}
	return s.link(ctx, ref, imageID)
}

func (s *ImageService) link(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error {
	owners := s.repomanager.Owners()
	if err := owners.AddImageID(ctx, ref, imageID); err != nil {
		return fmt.Errorf("add image id: %w", err)
	}
	if _, err := owners.SetPrimaryIfUnset(ctx, ref, imageID); err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	return nil
}

// Detach deletes an image, removes it from every owner claiming it and
// deletes the stored object.
func (s *ImageService) Detach(ctx context.Context, imageID bson.ObjectID) error {
	img, err := s.repomanager.Images().Delete(ctx, imageID)
	if err != nil {
		return err
	}

	var errs []error
	owners := s.repomanager.Owners()
	for _, ref := range img.Claims {
		if err := owners.RemoveImageID(ctx, ref, imageID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		if err := owners.ClearPrimary(ctx, ref, imageID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
		}
	}

	if img.StorageKey != "" {
		if err := s.store.Delete(ctx, img.StorageKey); err != nil {
			s.logger.Warn(ctx, "stored object not deleted", "key", img.StorageKey, "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: image/%s deleted: %w", common.ErrDanglingReference, imageID.Hex(), errors.Join(errs...))
	}
	s.logger.Info(ctx, "image detached", "image", imageID.Hex())
	return nil
}

// SetPrimary makes imageID the cover of owner. The image must belong to it.
func (s *ImageService) SetPrimary(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error {
	owners, imgs := s.repomanager.Owners(), s.repomanager.Images()

	if _, err := owners.Get(ctx, ref); err != nil {
		return err
	}

	img, err := imgs.Get(ctx, imageID)
	if err != nil {
		return err
	}
	if !img.BelongsTo(ref) || len(img.Claims) > 1 {
		return fmt.Errorf("%w: image/%s does not belong to %s", common.ErrOwnershipConflict, imageID.Hex(), ref)
	}

	if err := owners.AddImageID(ctx, ref, imageID); err != nil {
		return err
	}
	return owners.SetPrimary(ctx, ref, imageID)
}

// Cover resolves the cover image of owner.
func (s *ImageService) Cover(ctx context.Context, ref models.OwnerRef) (*CoverView, error) {
	owner, err := s.repomanager.Owners().Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	view := s.coverView(ctx, owner, lookup{s.repomanager.Images()}, func(id bson.ObjectID) (*models.Image, error) {
		return s.repomanager.Images().Get(ctx, id)
	})
	return &view, nil
}

// ListOwners returns every owner of kind with its cover. Images are loaded
// once for the whole listing.
func (s *ImageService) ListOwners(ctx context.Context, kind models.OwnerKind) ([]OwnerView, error) {
	owners, err := s.repomanager.Owners().List(ctx, kind)
	if err != nil {
		return nil, err
	}
	all, err := s.repomanager.Images().List(ctx)
	if err != nil {
		return nil, err
	}

	set := cover.NewImageSet(all)
	get := func(id bson.ObjectID) (*models.Image, error) {
		if img, ok := set[id]; ok {
			return img, nil
		}
		return nil, common.ErrorNotFound
	}

	views := make([]OwnerView, 0, len(owners))
	for i := range owners {
		views = append(views, OwnerView{
			Ref:   owners[i].Ref,
			Title: owners[i].Title,
			Cover: s.coverView(ctx, &owners[i], set, get),
		})
	}
	return views, nil
}

func (s *ImageService) coverView(ctx context.Context, owner *models.Owner, l cover.Lookup, get func(bson.ObjectID) (*models.Image, error)) CoverView {
	res := cover.Resolve(ctx, owner, l)
	view := CoverView{Owner: owner.Ref, Source: res.Source}

	if res.Degraded != nil {
		view.Degraded = res.Degraded.Error()
		s.logger.Warn(ctx, "cover degraded", "owner", owner.Ref.String(), "error", res.Degraded)
	}
	if !res.Found() {
		return view
	}

	view.ImageID = res.ID.Hex()
	img, err := get(res.ID)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			s.logger.Error(ctx, "cover image lookup failed", "owner", owner.Ref.String(), "error", err)
		}
		return view
	}
	view.URL = s.fixer.Fix(img.URL)
	return view
}

// Gallery returns the images of owner in imageIds order. References to
// missing images are skipped.
func (s *ImageService) Gallery(ctx context.Context, ref models.OwnerRef) ([]ImageView, error) {
	owner, err := s.repomanager.Owners().Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	imgs := s.repomanager.Images()
	views := make([]ImageView, 0, len(owner.ImageIDs))
	for _, id := range owner.ImageIDs {
		img, err := imgs.Get(ctx, id)
		if errors.Is(err, common.ErrorNotFound) {
			s.logger.Debug(ctx, "dangling image reference skipped", "owner", ref.String(), "image", id.Hex())
			continue
		}
		if err != nil {
			return nil, err
		}
		assetID, _ := delivery.AssetID(img.URL)
		views = append(views, ImageView{
			ID:          id.Hex(),
			URL:         s.fixer.Fix(img.URL),
			AssetID:     assetID,
			Filename:    img.Filename,
			ContentType: img.ContentType,
			Primary:     owner.PrimaryImageID != nil && *owner.PrimaryImageID == id,
		})
	}
	return views, nil
}

// Original returns a short-lived link to the stored original of an image.
func (s *ImageService) Original(ctx context.Context, imageID bson.ObjectID) (string, error) {
	img, err := s.repomanager.Images().Get(ctx, imageID)
	if err != nil {
		return "", err
	}
	if img.StorageKey == "" {
		return "", fmt.Errorf("image/%s has no stored original: %w", imageID.Hex(), common.ErrorNotFound)
	}

	link, err := s.store.PresignGet(ctx, img.StorageKey, originalURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return link, nil
}

// lookup adapts images.Repository to cover.Lookup.
type lookup struct {
	images images.Repository
}

func (l lookup) ImageExists(ctx context.Context, id bson.ObjectID) (bool, error) {
	return l.images.Exists(ctx, id)
}

func (l lookup) ImageBelongsTo(ctx context.Context, id bson.ObjectID, ref models.OwnerRef) (bool, error) {
	return l.images.BelongsTo(ctx, id, ref)
}
