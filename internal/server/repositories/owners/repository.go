package owners

import (
	"context"

	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Repository stores cars, projects and galleries. Reads always return ids in
// canonical form; writes only ever persist canonical ids.
type Repository interface {
	Get(ctx context.Context, ref models.OwnerRef) (*models.Owner, error)
	List(ctx context.Context, kind models.OwnerKind) ([]models.Owner, error)
	Create(ctx context.Context, owner *models.Owner) (*models.Owner, error)

	AddImageID(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error
	RemoveImageID(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error

	SetPrimary(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error
	SetPrimaryIfUnset(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) (bool, error)
	ClearPrimary(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error

	Normalize(ctx context.Context, ref models.OwnerRef) error
}
