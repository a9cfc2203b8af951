// Package repomanager wires repository constructors together with the schema
// setup of their backing stores: indexes for MongoDB and goose migrations for
// the SQL journal.
package repomanager

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/images"
	"github.com/dmitrijs2005/motivearchive/internal/server/repositories/owners"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoRepositoryManager vends MongoDB-backed repositories.
type MongoRepositoryManager struct {
	db     *mongo.Database
	owners *owners.MongoRepository
	images *images.MongoRepository
}

func NewMongoRepositoryManager(db *mongo.Database) *MongoRepositoryManager {
	return &MongoRepositoryManager{
		db:     db,
		owners: owners.NewMongoRepository(db),
		images: images.NewMongoRepository(db),
	}
}

func (m *MongoRepositoryManager) Owners() owners.Repository {
	return m.owners
}

func (m *MongoRepositoryManager) Images() images.Repository {
	return m.images
}

// createIndexes is a seam for tests.
var createIndexes = func(ctx context.Context, db *mongo.Database, collection string, idx []mongo.IndexModel) error {
	_, err := db.Collection(collection).Indexes().CreateMany(ctx, idx)
	return err
}

// indexPlan lists the indexes every collection needs.
func indexPlan() map[string][]mongo.IndexModel {
	plan := map[string][]mongo.IndexModel{}

	var backRefs []mongo.IndexModel
	for _, kind := range models.OwnerKinds {
		backRefs = append(backRefs, mongo.IndexModel{Keys: bson.D{{Key: kind.BackRefField(), Value: 1}}})
		plan[kind.Collection()] = []mongo.IndexModel{
			{Keys: bson.D{{Key: "imageIds", Value: 1}}},
		}
	}
	plan[images.CollectionName] = backRefs
	return plan
}

// RunMigrations creates the indexes used by association lookups. Creating
// an existing index is a no-op in MongoDB.
func (m *MongoRepositoryManager) RunMigrations(ctx context.Context) error {
	for collection, idx := range indexPlan() {
		if err := createIndexes(ctx, m.db, collection, idx); err != nil {
			return fmt.Errorf("create indexes for %s: %w", collection, err)
		}
	}
	return nil
}
