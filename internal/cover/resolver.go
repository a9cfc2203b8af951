// Package cover decides which image is displayed as an owner's cover.
//
// The explicit primaryImageId wins when it points at an image that belongs
// to the owner. Otherwise the first entry of imageIds is used, and an owner
// without images has no cover. A broken primary reference degrades to the
// fallback instead of surfacing an error to listing pages.
package cover

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Lookup answers the two questions the resolver needs about images.
type Lookup interface {
	ImageExists(ctx context.Context, id bson.ObjectID) (bool, error)
	ImageBelongsTo(ctx context.Context, id bson.ObjectID, owner models.OwnerRef) (bool, error)
}

// Source tells where a resolved cover came from.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceFirst   Source = "first"
	SourceNone    Source = "none"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	ID     bson.ObjectID
	Source Source
	// Degraded explains why a set primaryImageId was not used.
	Degraded error
}

// Found reports whether a cover image was resolved.
func (r Resolution) Found() bool {
	return r.Source != SourceNone
}

// Resolve returns the cover image of owner. It never fails: lookup errors
// and invalid primary references are recorded in Resolution.Degraded.
func Resolve(ctx context.Context, owner *models.Owner, lookup Lookup) Resolution {
	var degraded error

	if owner.PrimaryImageID != nil {
		degraded = checkPrimary(ctx, owner, *owner.PrimaryImageID, lookup)
		if degraded == nil {
			return Resolution{ID: *owner.PrimaryImageID, Source: SourcePrimary}
		}
	}

	if len(owner.ImageIDs) > 0 {
		return Resolution{ID: owner.ImageIDs[0], Source: SourceFirst, Degraded: degraded}
	}

	return Resolution{Source: SourceNone, Degraded: degraded}
}

func checkPrimary(ctx context.Context, owner *models.Owner, id bson.ObjectID, lookup Lookup) error {
	exists, err := lookup.ImageExists(ctx, id)
	if err != nil {
		return fmt.Errorf("primary image lookup: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: primary image %s", common.ErrDanglingReference, id.Hex())
	}

	belongs, err := lookup.ImageBelongsTo(ctx, id, owner.Ref)
	if err != nil {
		return fmt.Errorf("primary image lookup: %w", err)
	}
	if !belongs {
		return fmt.Errorf("%w: primary image %s does not belong to %s", common.ErrOwnershipConflict, id.Hex(), owner.Ref)
	}
	return nil
}

// ImageSet is a Lookup over images loaded up front, used by batch list
// views to resolve many owners without a round trip per owner.
type ImageSet map[bson.ObjectID]*models.Image

// NewImageSet indexes images by id.
func NewImageSet(images []models.Image) ImageSet {
	set := make(ImageSet, len(images))
	for i := range images {
		set[images[i].ID] = &images[i]
	}
	return set
}

func (s ImageSet) ImageExists(_ context.Context, id bson.ObjectID) (bool, error) {
	_, ok := s[id]
	return ok, nil
}

func (s ImageSet) ImageBelongsTo(_ context.Context, id bson.ObjectID, owner models.OwnerRef) (bool, error) {
	img, ok := s[id]
	if !ok {
		return false, nil
	}
	return img.BelongsTo(owner), nil
}
