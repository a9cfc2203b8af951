// Package reconcile restores bidirectional consistency between owner
// documents (their imageIds and primaryImageId) and image documents (their
// owner back-reference).
//
// Detection is a pure function over loaded documents. Repairs are applied
// through a Store, one error boundary per item, so a bad document never
// blocks the rest of the batch. Ownership conflicts are reported and left
// untouched.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/ids"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// OpKind names a repair operation.
type OpKind string

const (
	OpNormalizeOwner   OpKind = "normalize_owner"
	OpNormalizeImage   OpKind = "normalize_image"
	OpRemoveImageID    OpKind = "remove_image_id"
	OpSetBackReference OpKind = "set_back_reference"
	OpAddImageID       OpKind = "add_image_id"
	OpClearPrimary     OpKind = "clear_primary"
)

// order inside one target document
var opOrder = map[OpKind]int{
	OpNormalizeOwner:   0,
	OpNormalizeImage:   0,
	OpRemoveImageID:    1,
	OpSetBackReference: 2,
	OpAddImageID:       3,
	OpClearPrimary:     4,
}

// Repair is one idempotent write restoring consistency.
type Repair struct {
	Op      OpKind
	Owner   models.OwnerRef
	ImageID bson.ObjectID
}

// Target is the key of the document the repair writes to.
func (r Repair) Target() string {
	switch r.Op {
	case OpNormalizeImage, OpSetBackReference:
		return "image/" + r.ImageID.Hex()
	default:
		return r.Owner.String()
	}
}

func (r Repair) String() string {
	switch r.Op {
	case OpNormalizeOwner:
		return fmt.Sprintf("%s %s", r.Op, r.Owner)
	case OpNormalizeImage:
		return fmt.Sprintf("%s image/%s", r.Op, r.ImageID.Hex())
	default:
		return fmt.Sprintf("%s %s image/%s", r.Op, r.Owner, r.ImageID.Hex())
	}
}

// Conflict is an ownership disagreement that needs a human decision.
type Conflict struct {
	// Owner is the document claiming the image. Zero when the image
	// itself claims several owners.
	Owner   models.OwnerRef
	ImageID bson.ObjectID
	// ClaimedBy is the image's back-reference, nil when the image is
	// unowned but contested.
	ClaimedBy *models.OwnerRef
	Reason    string
}

func (c Conflict) Error() string {
	claimed := "nobody"
	if c.ClaimedBy != nil {
		claimed = c.ClaimedBy.String()
	}
	return fmt.Sprintf("%s: image/%s listed by %s, back-reference %s: %s",
		common.ErrOwnershipConflict, c.ImageID.Hex(), c.Owner, claimed, c.Reason)
}

func (c Conflict) Unwrap() error {
	return common.ErrOwnershipConflict
}

// DocumentError is a per-document problem that blocks no other document.
type DocumentError struct {
	Target string
	Err    error
}

func (e DocumentError) Error() string {
	return e.Target + ": " + e.Err.Error()
}

func (e DocumentError) Unwrap() error {
	return e.Err
}

// Plan is the outcome of Detect.
type Plan struct {
	Repairs   []Repair
	Conflicts []Conflict
	// Orphans are images whose back-reference resolves to no owner.
	Orphans []bson.ObjectID
	Errors  []DocumentError
}

const (
	reasonForeignOwner   = "image belongs to another owner"
	reasonForeignPrimary = "primary image belongs to another owner"
	reasonContested      = "unowned image listed by several owners"
	reasonMultiClaim     = "image references several owners"
	reasonUnownedPrimary = "primary image is unowned"
)

// Detect compares owners and images and returns the repairs that restore
// consistency. Repairs are ordered by target document, then by operation.
func Detect(owners []models.Owner, images []models.Image) Plan {
	var plan Plan

	byRef := make(map[models.OwnerRef]*models.Owner, len(owners))
	for i := range owners {
		byRef[owners[i].Ref] = &owners[i]
	}
	byID := make(map[bson.ObjectID]*models.Image, len(images))
	for i := range images {
		byID[images[i].ID] = &images[i]
	}

	sortedOwners := make([]*models.Owner, 0, len(owners))
	for i := range owners {
		sortedOwners = append(sortedOwners, &owners[i])
	}
	sort.Slice(sortedOwners, func(i, j int) bool {
		return refLess(sortedOwners[i].Ref, sortedOwners[j].Ref)
	})

	sortedImages := make([]*models.Image, 0, len(images))
	for i := range images {
		sortedImages = append(sortedImages, &images[i])
	}
	sort.Slice(sortedImages, func(i, j int) bool {
		return sortedImages[i].ID.Hex() < sortedImages[j].ID.Hex()
	})

	// unowned image -> owners listing it
	claimants := make(map[bson.ObjectID][]models.OwnerRef)

	for _, owner := range sortedOwners {
		if len(owner.InvalidRefs) > 0 {
			plan.Errors = append(plan.Errors, DocumentError{
				Target: owner.Ref.String(),
				Err:    fmt.Errorf("%w: %v", common.ErrInvalidIdentifier, owner.InvalidRefs),
			})
		} else if owner.Legacy {
			plan.Repairs = append(plan.Repairs, Repair{Op: OpNormalizeOwner, Owner: owner.Ref})
		}

		for _, id := range ids.Dedupe(owner.ImageIDs) {
			img, ok := byID[id]
			switch {
			case !ok:
				plan.Repairs = append(plan.Repairs, Repair{Op: OpRemoveImageID, Owner: owner.Ref, ImageID: id})
			case len(img.InvalidRefs) > 0:
				// reported with the image
			case len(img.Claims) > 1:
				if !containsRef(img.Claims, owner.Ref) {
					plan.Conflicts = append(plan.Conflicts, Conflict{Owner: owner.Ref, ImageID: id, Reason: reasonMultiClaim})
				}
			case img.Owner == nil:
				claimants[id] = append(claimants[id], owner.Ref)
			case *img.Owner != owner.Ref:
				claimed := *img.Owner
				plan.Conflicts = append(plan.Conflicts, Conflict{
					Owner: owner.Ref, ImageID: id, ClaimedBy: &claimed, Reason: reasonForeignOwner,
				})
			}
		}

		if owner.PrimaryImageID != nil {
			id := *owner.PrimaryImageID
			img, ok := byID[id]
			switch {
			case !ok:
				plan.Repairs = append(plan.Repairs, Repair{Op: OpClearPrimary, Owner: owner.Ref, ImageID: id})
			case len(img.InvalidRefs) > 0:
			case img.Owner == nil && len(img.Claims) == 0 && !owner.HasImage(id):
				plan.Conflicts = append(plan.Conflicts, Conflict{Owner: owner.Ref, ImageID: id, Reason: reasonUnownedPrimary})
			case img.Owner != nil && len(img.Claims) <= 1 && *img.Owner != owner.Ref && !owner.HasImage(id):
				// a foreign image also listed in imageIds was reported above
				claimed := *img.Owner
				plan.Conflicts = append(plan.Conflicts, Conflict{
					Owner: owner.Ref, ImageID: id, ClaimedBy: &claimed, Reason: reasonForeignPrimary,
				})
			}
		}
	}

	for _, img := range sortedImages {
		if len(img.InvalidRefs) > 0 {
			plan.Errors = append(plan.Errors, DocumentError{
				Target: "image/" + img.ID.Hex(),
				Err:    fmt.Errorf("%w: %v", common.ErrInvalidIdentifier, img.InvalidRefs),
			})
			continue
		}

		if img.Legacy {
			plan.Repairs = append(plan.Repairs, Repair{Op: OpNormalizeImage, ImageID: img.ID})
		}

		if len(img.Claims) > 1 {
			plan.Conflicts = append(plan.Conflicts, Conflict{ImageID: img.ID, Reason: reasonMultiClaim})
			continue
		}

		if img.Owner == nil {
			switch list := claimants[img.ID]; len(list) {
			case 0:
				plan.Orphans = append(plan.Orphans, img.ID)
			case 1:
				plan.Repairs = append(plan.Repairs, Repair{Op: OpSetBackReference, Owner: list[0], ImageID: img.ID})
			default:
				for _, ref := range list {
					plan.Conflicts = append(plan.Conflicts, Conflict{Owner: ref, ImageID: img.ID, Reason: reasonContested})
				}
			}
			continue
		}

		owner, ok := byRef[*img.Owner]
		if !ok {
			plan.Orphans = append(plan.Orphans, img.ID)
			continue
		}
		if !owner.HasImage(img.ID) {
			plan.Repairs = append(plan.Repairs, Repair{Op: OpAddImageID, Owner: owner.Ref, ImageID: img.ID})
		}
	}

	sortRepairs(plan.Repairs)
	return plan
}

func sortRepairs(repairs []Repair) {
	sort.SliceStable(repairs, func(i, j int) bool {
		a, b := repairs[i], repairs[j]
		if a.Target() != b.Target() {
			return a.Target() < b.Target()
		}
		if opOrder[a.Op] != opOrder[b.Op] {
			return opOrder[a.Op] < opOrder[b.Op]
		}
		return a.ImageID.Hex() < b.ImageID.Hex()
	})
}

func refLess(a, b models.OwnerRef) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.ID.Hex() < b.ID.Hex()
}

func containsRef(refs []models.OwnerRef, ref models.OwnerRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
