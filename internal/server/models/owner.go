// Package models defines the domain documents shared by the repositories,
// the core packages and the transport layer. Identifiers are always held in
// their canonical bson.ObjectID form.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// OwnerKind names a collection whose documents hold image references.
type OwnerKind string

const (
	OwnerCar     OwnerKind = "car"
	OwnerProject OwnerKind = "project"
	OwnerGallery OwnerKind = "gallery"
)

// OwnerKinds lists every kind in a stable order.
var OwnerKinds = []OwnerKind{OwnerCar, OwnerProject, OwnerGallery}

// ParseOwnerKind accepts the singular kind name or its collection name.
func ParseOwnerKind(s string) (OwnerKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range OwnerKinds {
		if s == string(k) || s == k.Collection() {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", common.ErrUnknownOwnerKind, s)
}

// Collection is the MongoDB collection holding owners of this kind.
func (k OwnerKind) Collection() string {
	switch k {
	case OwnerCar:
		return "cars"
	case OwnerProject:
		return "projects"
	case OwnerGallery:
		return "galleries"
	}
	return ""
}

// BackRefField is the image document field pointing at an owner of this kind.
func (k OwnerKind) BackRefField() string {
	switch k {
	case OwnerCar:
		return "carId"
	case OwnerProject:
		return "projectId"
	case OwnerGallery:
		return "galleryId"
	}
	return ""
}

// Valid reports whether k is one of OwnerKinds.
func (k OwnerKind) Valid() bool {
	return k.Collection() != ""
}

// OwnerRef identifies an owner document across collections.
type OwnerRef struct {
	Kind OwnerKind
	ID   bson.ObjectID
}

func (r OwnerRef) String() string {
	return string(r.Kind) + "/" + r.ID.Hex()
}

// Owner is a car, project or gallery as seen by the image association code.
type Owner struct {
	Ref            OwnerRef
	Title          string
	ImageIDs       []bson.ObjectID
	PrimaryImageID *bson.ObjectID

	// Legacy is set when the stored document holds string-encoded ids or
	// duplicated imageIds entries.
	Legacy bool
	// InvalidRefs holds raw imageIds/primaryImageId values that are not
	// identifiers at all. They are reported, never rewritten.
	InvalidRefs []any

	UpdatedAt time.Time
}

// HasImage reports whether id is listed in ImageIDs.
func (o *Owner) HasImage(id bson.ObjectID) bool {
	for _, x := range o.ImageIDs {
		if x == id {
			return true
		}
	}
	return false
}
