package owners

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
)

// now is a seam for tests.
var now = func() time.Time { return time.Now().UTC() }

// ownerDoc is the stored shape. Reference fields are decoded as raw values
// because legacy documents hold a mix of native and hex string ids.
type ownerDoc struct {
	ID             bson.ObjectID `bson:"_id"`
	Title          string        `bson:"title,omitempty"`
	ImageIDs       []any         `bson:"imageIds"`
	PrimaryImageID any           `bson:"primaryImageId,omitempty"`
	UpdatedAt      time.Time     `bson:"updatedAt,omitempty"`
}

type MongoRepository struct {
	db *mongo.Database
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{db: db}
}

func (r *MongoRepository) collection(kind models.OwnerKind) (*mongo.Collection, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownOwnerKind, kind)
	}
	return r.db.Collection(kind.Collection()), nil
}

func (r *MongoRepository) findRaw(ctx context.Context, ref models.OwnerRef) (*ownerDoc, error) {
	coll, err := r.collection(ref.Kind)
	if err != nil {
		return nil, err
	}

	doc := &ownerDoc{}
	err = coll.FindOne(ctx, bson.M{"_id": ref.ID}).Decode(doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return doc, nil
}

func (r *MongoRepository) Get(ctx context.Context, ref models.OwnerRef) (*models.Owner, error) {
	doc, err := r.findRaw(ctx, ref)
	if err != nil {
		return nil, err
	}
	owner := decodeOwner(ref.Kind, doc)
	return &owner, nil
}

func (r *MongoRepository) List(ctx context.Context, kind models.OwnerKind) ([]models.Owner, error) {
	coll, err := r.collection(kind)
	if err != nil {
		return nil, err
	}

	cur, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer cur.Close(ctx)

	var result []models.Owner
	for cur.Next(ctx) {
		doc := &ownerDoc{}
		if err := cur.Decode(doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind.Collection(), err)
		}
		result = append(result, decodeOwner(kind, doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *MongoRepository) Create(ctx context.Context, owner *models.Owner) (*models.Owner, error) {
	coll, err := r.collection(owner.Ref.Kind)
	if err != nil {
		return nil, err
	}
	if owner.Ref.ID.IsZero() {
		owner.Ref.ID = bson.NewObjectID()
	}
	owner.UpdatedAt = now()

	if _, err := coll.InsertOne(ctx, encodeOwner(owner)); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return owner, nil
}

// AddImageID appends imageID unless the owner already lists it in either
// encoding. Concurrent adds of different ids never lose each other.
func (r *MongoRepository) AddImageID(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error {
	return r.updateExisting(ctx, ref, addImageFilter(ref.ID, imageID), bson.M{
		"$addToSet": bson.M{"imageIds": imageID},
		"$set":      bson.M{"updatedAt": now()},
	})
}

// RemoveImageID drops every encoding of imageID from imageIds.
func (r *MongoRepository) RemoveImageID(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error {
	return r.updateExisting(ctx, ref, bson.M{"_id": ref.ID}, bson.M{
		"$pull": bson.M{"imageIds": bson.M{"$in": ids.Encodings(imageID)}},
		"$set":  bson.M{"updatedAt": now()},
	})
}

func (r *MongoRepository) SetPrimary(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error {
	coll, err := r.collection(ref.Kind)
	if err != nil {
		return err
	}

	res, err := coll.UpdateOne(ctx, bson.M{"_id": ref.ID}, bson.M{
		"$set": bson.M{"primaryImageId": imageID, "updatedAt": now()},
	})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// SetPrimaryIfUnset sets primaryImageId only when the owner has none. It
// reports whether the value was written.
func (r *MongoRepository) SetPrimaryIfUnset(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) (bool, error) {
	coll, err := r.collection(ref.Kind)
	if err != nil {
		return false, err
	}

	res, err := coll.UpdateOne(ctx, unsetPrimaryFilter(ref.ID), bson.M{
		"$set": bson.M{"primaryImageId": imageID, "updatedAt": now()},
	})
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// ClearPrimary unsets primaryImageId if it still points at imageID. A
// primary that changed in the meantime is left alone.
func (r *MongoRepository) ClearPrimary(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error {
	coll, err := r.collection(ref.Kind)
	if err != nil {
		return err
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"_id": ref.ID, "primaryImageId": bson.M{"$in": ids.Encodings(imageID)}},
		bson.M{"$unset": bson.M{"primaryImageId": ""}, "$set": bson.M{"updatedAt": now()}},
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Normalize rewrites imageIds and primaryImageId in canonical, deduplicated
// form. The write is guarded by the values just read, so a concurrent
// change makes it fail with ErrVersionConflict instead of being overwritten.
// Documents holding values that are not identifiers are never rewritten.
func (r *MongoRepository) Normalize(ctx context.Context, ref models.OwnerRef) error {
	doc, err := r.findRaw(ctx, ref)
	if err != nil {
		return err
	}

	update, err := normalizeUpdate(doc)
	if err != nil {
		return fmt.Errorf("%s: %w", ref, err)
	}
	if update == nil {
		return nil
	}

	coll, _ := r.collection(ref.Kind)
	res, err := coll.UpdateOne(ctx, guardFilter(doc), update)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", ref, common.ErrVersionConflict)
	}
	return nil
}

// updateExisting runs an update and maps "no such owner" to ErrorNotFound.
// A filter that excludes an existing document counts as a no-op.
func (r *MongoRepository) updateExisting(ctx context.Context, ref models.OwnerRef, filter, update bson.M) error {
	coll, err := r.collection(ref.Kind)
	if err != nil {
		return err
	}

	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := coll.CountDocuments(ctx, bson.M{"_id": ref.ID})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func decodeOwner(kind models.OwnerKind, doc *ownerDoc) models.Owner {
	owner := models.Owner{
		Ref:       models.OwnerRef{Kind: kind, ID: doc.ID},
		Title:     doc.Title,
		UpdatedAt: doc.UpdatedAt,
	}

	valid, invalid := ids.NormalizeLenient(doc.ImageIDs)
	owner.ImageIDs = ids.Dedupe(valid)
	owner.InvalidRefs = invalid

	primary, err := ids.NormalizeOptional(doc.PrimaryImageID)
	if err != nil {
		owner.InvalidRefs = append(owner.InvalidRefs, doc.PrimaryImageID)
	}
	owner.PrimaryImageID = primary

	owner.Legacy = len(owner.ImageIDs) != len(valid)
	for _, raw := range doc.ImageIDs {
		if !ids.IsCanonical(raw) {
			owner.Legacy = true
		}
	}
	if primary != nil && !ids.IsCanonical(doc.PrimaryImageID) {
		owner.Legacy = true
	}
	return owner
}

func encodeOwner(owner *models.Owner) *ownerDoc {
	doc := &ownerDoc{
		ID:        owner.Ref.ID,
		Title:     owner.Title,
		ImageIDs:  make([]any, 0, len(owner.ImageIDs)),
		UpdatedAt: owner.UpdatedAt,
	}
	for _, id := range ids.Dedupe(owner.ImageIDs) {
		doc.ImageIDs = append(doc.ImageIDs, id)
	}
	if owner.PrimaryImageID != nil {
		doc.PrimaryImageID = *owner.PrimaryImageID
	}
	return doc
}

func addImageFilter(ownerID, imageID bson.ObjectID) bson.M {
	return bson.M{"_id": ownerID, "imageIds": bson.M{"$nin": ids.Encodings(imageID)}}
}

func unsetPrimaryFilter(ownerID bson.ObjectID) bson.M {
	return bson.M{
		"_id": ownerID,
		"$or": bson.A{
			bson.M{"primaryImageId": bson.M{"$exists": false}},
			bson.M{"primaryImageId": nil},
			bson.M{"primaryImageId": ""},
		},
	}
}

// guardFilter matches doc only while its reference fields are unchanged.
func guardFilter(doc *ownerDoc) bson.M {
	var imageIDs any = doc.ImageIDs
	if doc.ImageIDs == nil {
		imageIDs = bson.M{"$in": bson.A{nil, bson.A{}}}
	}
	return bson.M{
		"_id":            doc.ID,
		"imageIds":       imageIDs,
		"primaryImageId": doc.PrimaryImageID,
	}
}

// normalizeUpdate returns the canonicalizing update for doc, or nil when doc
// is already canonical.
func normalizeUpdate(doc *ownerDoc) (bson.M, error) {
	owner := decodeOwner("", doc)
	if len(owner.InvalidRefs) > 0 {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidIdentifier, owner.InvalidRefs)
	}
	if !owner.Legacy {
		return nil, nil
	}

	canonical := make(bson.A, 0, len(owner.ImageIDs))
	for _, id := range owner.ImageIDs {
		canonical = append(canonical, id)
	}

	set := bson.M{"imageIds": canonical, "updatedAt": now()}
	update := bson.M{"$set": set}
	if owner.PrimaryImageID != nil {
		set["primaryImageId"] = *owner.PrimaryImageID
	} else if doc.PrimaryImageID != nil {
		update["$unset"] = bson.M{"primaryImageId": ""}
	}
	return update, nil
}
