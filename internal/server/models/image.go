package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Image is one uploaded asset.
type Image struct {
	ID bson.ObjectID
	// Owner is the back-reference; nil for orphan images.
	Owner *OwnerRef
	// URL is the base delivery URL issued by the CDN. It is not servable
	// as is, see package delivery.
	URL         string
	StorageKey  string
	Filename    string
	ContentType string
	Size        int64

	// Legacy is set when the back-reference is string-encoded.
	Legacy bool
	// Claims lists every owner field set on the document. More than one
	// entry means the image claims several owners at once.
	Claims []OwnerRef
	// InvalidRefs holds raw back-reference values that are not identifiers.
	// They are reported, never rewritten.
	InvalidRefs []any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BelongsTo reports whether the back-reference points at ref.
func (i *Image) BelongsTo(ref OwnerRef) bool {
	return i.Owner != nil && *i.Owner == ref
}
