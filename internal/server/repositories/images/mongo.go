package images

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/ids"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CollectionName is the MongoDB collection holding image documents.
const CollectionName = "images"

// now is a seam for tests.
var now = func() time.Time { return time.Now().UTC() }

// imageDoc is the stored shape. An image points at its owner through one of
// the per-kind back-reference fields; legacy documents may hold hex strings.
type imageDoc struct {
	ID          bson.ObjectID `bson:"_id"`
	CarID       any           `bson:"carId,omitempty"`
	ProjectID   any           `bson:"projectId,omitempty"`
	GalleryID   any           `bson:"galleryId,omitempty"`
	URL         string        `bson:"url"`
	StorageKey  string        `bson:"storageKey,omitempty"`
	Filename    string        `bson:"filename,omitempty"`
	ContentType string        `bson:"contentType,omitempty"`
	Size        int64         `bson:"size,omitempty"`
	CreatedAt   time.Time     `bson:"createdAt"`
	UpdatedAt   time.Time     `bson:"updatedAt"`
}

func (d *imageDoc) backRef(kind models.OwnerKind) any {
	switch kind {
	case models.OwnerCar:
		return d.CarID
	case models.OwnerProject:
		return d.ProjectID
	case models.OwnerGallery:
		return d.GalleryID
	}
	return nil
}

type MongoRepository struct {
	coll *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(CollectionName)}
}

func (r *MongoRepository) findRaw(ctx context.Context, id bson.ObjectID) (*imageDoc, error) {
	doc := &imageDoc{}
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return doc, nil
}

func (r *MongoRepository) Get(ctx context.Context, id bson.ObjectID) (*models.Image, error) {
	doc, err := r.findRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	img := decodeImage(doc)
	return &img, nil
}

func (r *MongoRepository) List(ctx context.Context) ([]models.Image, error) {
	return r.find(ctx, bson.M{})
}

// ListByOwner returns images whose back-reference points at ref in either
// encoding.
func (r *MongoRepository) ListByOwner(ctx context.Context, ref models.OwnerRef) ([]models.Image, error) {
	if !ref.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownOwnerKind, ref.Kind)
	}
	return r.find(ctx, ownerFilter(ref))
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M) ([]models.Image, error) {
	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer cur.Close(ctx)

	var result []models.Image
	for cur.Next(ctx) {
		doc := &imageDoc{}
		if err := cur.Decode(doc); err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		result = append(result, decodeImage(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *MongoRepository) Create(ctx context.Context, img *models.Image) (*models.Image, error) {
	if img.ID.IsZero() {
		img.ID = bson.NewObjectID()
	}
	img.CreatedAt = now()
	img.UpdatedAt = img.CreatedAt

	if _, err := r.coll.InsertOne(ctx, encodeImage(img)); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return img, nil
}

// Delete removes the document and returns it so callers can clean up the
// owner and the stored object.
func (r *MongoRepository) Delete(ctx context.Context, id bson.ObjectID) (*models.Image, error) {
	doc := &imageDoc{}
	err := r.coll.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	img := decodeImage(doc)
	return &img, nil
}

func (r *MongoRepository) Exists(ctx context.Context, id bson.ObjectID) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (r *MongoRepository) BelongsTo(ctx context.Context, id bson.ObjectID, ref models.OwnerRef) (bool, error) {
	img, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return false, nil
		}
		return false, err
	}
	return img.BelongsTo(ref), nil
}

// SetBackReference points an unowned image at ref. Setting the same owner
// again is a no-op; an image that already belongs elsewhere is rejected with
// ErrOwnershipConflict.
func (r *MongoRepository) SetBackReference(ctx context.Context, id bson.ObjectID, ref models.OwnerRef) error {
	if !ref.Kind.Valid() {
		return fmt.Errorf("%w: %q", common.ErrUnknownOwnerKind, ref.Kind)
	}

	res, err := r.coll.UpdateOne(ctx, unownedFilter(id), bson.M{
		"$set": bson.M{ref.Kind.BackRefField(): ref.ID, "updatedAt": now()},
	})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	img, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if len(img.Claims) == 1 && img.BelongsTo(ref) {
		return nil
	}
	return fmt.Errorf("%w: image/%s already claimed", common.ErrOwnershipConflict, id.Hex())
}

// Normalize rewrites string-encoded back-references in canonical form,
// guarded by the values just read.
func (r *MongoRepository) Normalize(ctx context.Context, id bson.ObjectID) error {
	doc, err := r.findRaw(ctx, id)
	if err != nil {
		return err
	}

	set, err := normalizeSet(doc)
	if err != nil {
		return fmt.Errorf("image/%s: %w", id.Hex(), err)
	}
	if len(set) == 0 {
		return nil
	}
	set["updatedAt"] = now()

	res, err := r.coll.UpdateOne(ctx, guardFilter(doc), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("image/%s: %w", id.Hex(), common.ErrVersionConflict)
	}
	return nil
}

func decodeImage(doc *imageDoc) models.Image {
	img := models.Image{
		ID:          doc.ID,
		URL:         doc.URL,
		StorageKey:  doc.StorageKey,
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		Size:        doc.Size,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}

	for _, kind := range models.OwnerKinds {
		raw := doc.backRef(kind)
		id, err := ids.NormalizeOptional(raw)
		if err != nil {
			img.InvalidRefs = append(img.InvalidRefs, raw)
			continue
		}
		if id == nil {
			continue
		}
		img.Claims = append(img.Claims, models.OwnerRef{Kind: kind, ID: *id})
		if !ids.IsCanonical(raw) {
			img.Legacy = true
		}
	}
	if len(img.Claims) > 0 {
		owner := img.Claims[0]
		img.Owner = &owner
	}
	return img
}

func encodeImage(img *models.Image) *imageDoc {
	doc := &imageDoc{
		ID:          img.ID,
		URL:         img.URL,
		StorageKey:  img.StorageKey,
		Filename:    img.Filename,
		ContentType: img.ContentType,
		Size:        img.Size,
		CreatedAt:   img.CreatedAt,
		UpdatedAt:   img.UpdatedAt,
	}
	if img.Owner != nil {
		switch img.Owner.Kind {
		case models.OwnerCar:
			doc.CarID = img.Owner.ID
		case models.OwnerProject:
			doc.ProjectID = img.Owner.ID
		case models.OwnerGallery:
			doc.GalleryID = img.Owner.ID
		}
	}
	return doc
}

func ownerFilter(ref models.OwnerRef) bson.M {
	return bson.M{ref.Kind.BackRefField(): bson.M{"$in": ids.Encodings(ref.ID)}}
}

func unownedFilter(id bson.ObjectID) bson.M {
	filter := bson.M{"_id": id}
	for _, kind := range models.OwnerKinds {
		filter[kind.BackRefField()] = bson.M{"$in": bson.A{nil, ""}}
	}
	return filter
}

func guardFilter(doc *imageDoc) bson.M {
	filter := bson.M{"_id": doc.ID}
	for _, kind := range models.OwnerKinds {
		filter[kind.BackRefField()] = doc.backRef(kind)
	}
	return filter
}

// normalizeSet returns the canonical values of string-encoded
// back-references. Values that are not identifiers block the rewrite.
func normalizeSet(doc *imageDoc) (bson.M, error) {
	set := bson.M{}
	for _, kind := range models.OwnerKinds {
		raw := doc.backRef(kind)
		id, err := ids.NormalizeOptional(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind.BackRefField(), err)
		}
		if id != nil && !ids.IsCanonical(raw) {
			set[kind.BackRefField()] = *id
		}
	}
	return set, nil
}
