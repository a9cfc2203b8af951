package images

import (
	"context"

	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Repository stores image documents and their owner back-references.
type Repository interface {
	Get(ctx context.Context, id bson.ObjectID) (*models.Image, error)
	List(ctx context.Context) ([]models.Image, error)
	ListByOwner(ctx context.Context, ref models.OwnerRef) ([]models.Image, error)
	Create(ctx context.Context, img *models.Image) (*models.Image, error)
	Delete(ctx context.Context, id bson.ObjectID) (*models.Image, error)

	Exists(ctx context.Context, id bson.ObjectID) (bool, error)
	BelongsTo(ctx context.Context, id bson.ObjectID, ref models.OwnerRef) (bool, error)

	SetBackReference(ctx context.Context, id bson.ObjectID, ref models.OwnerRef) error
	Normalize(ctx context.Context, id bson.ObjectID) error
}
