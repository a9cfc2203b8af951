// Package ids converts identifier values read from or written to the document
// store into the single canonical encoding used across the code base: the
// native MongoDB ObjectID.
//
// Legacy documents carry both native ObjectIDs and their 24-character hex
// renderings, sometimes inside the same array. Every read and write boundary
// passes values through this package so that the two encodings never mix
// again.
package ids

import (
	"fmt"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Normalize returns the canonical form of v.
//
// Accepted inputs are bson.ObjectID, a non-nil *bson.ObjectID, [12]byte and
// a 24-character hex string (either case). The all-zero id is never assigned
// by the driver and is rejected like any other malformed value.
func Normalize(v any) (bson.ObjectID, error) {
	var id bson.ObjectID

	switch x := v.(type) {
	case bson.ObjectID:
		id = x
	case *bson.ObjectID:
		if x == nil {
			return bson.NilObjectID, fmt.Errorf("%w: nil pointer", common.ErrInvalidIdentifier)
		}
		id = *x
	case [12]byte:
		id = bson.ObjectID(x)
	case string:
		parsed, err := bson.ObjectIDFromHex(x)
		if err != nil {
			return bson.NilObjectID, fmt.Errorf("%w: %q", common.ErrInvalidIdentifier, x)
		}
		id = parsed
	default:
		return bson.NilObjectID, fmt.Errorf("%w: unsupported type %T", common.ErrInvalidIdentifier, v)
	}

	if id.IsZero() {
		return bson.NilObjectID, fmt.Errorf("%w: zero id", common.ErrInvalidIdentifier)
	}
	return id, nil
}

// NormalizeAll normalizes every element of vs, preserving order. It does not
// remove duplicates. The first invalid element aborts the conversion.
func NormalizeAll(vs []any) ([]bson.ObjectID, error) {
	result := make([]bson.ObjectID, 0, len(vs))
	for i, v := range vs {
		id, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		result = append(result, id)
	}
	return result, nil
}

// NormalizeOptional treats nil and the empty string as "not set".
func NormalizeOptional(v any) (*bson.ObjectID, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && s == "" {
		return nil, nil
	}
	id, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// NormalizeLenient is the read-path variant of NormalizeAll: valid elements
// are returned in order and rejected raw values are handed back to the caller
// for reporting.
func NormalizeLenient(vs []any) (valid []bson.ObjectID, invalid []any) {
	valid = make([]bson.ObjectID, 0, len(vs))
	for _, v := range vs {
		id, err := Normalize(v)
		if err != nil {
			invalid = append(invalid, v)
			continue
		}
		valid = append(valid, id)
	}
	return valid, invalid
}

// IsCanonical reports whether v is already stored in the canonical encoding.
func IsCanonical(v any) bool {
	id, ok := v.(bson.ObjectID)
	return ok && !id.IsZero()
}

// Dedupe keeps the first occurrence of every id.
func Dedupe(in []bson.ObjectID) []bson.ObjectID {
	seen := make(map[bson.ObjectID]struct{}, len(in))
	out := make([]bson.ObjectID, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Encodings returns both encodings of id. Queries that must match legacy
// documents use it with $in.
func Encodings(id bson.ObjectID) bson.A {
	return bson.A{id, id.Hex()}
}
