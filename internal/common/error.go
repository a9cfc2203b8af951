// Package common defines shared constants and sentinel errors used across
// the server, the reconciliation CLI and the core packages. Callers should use
// errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrVersionConflict = errors.New("document changed concurrently")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Identifier errors. Malformed ids are rejected at the write boundary
	// and never persisted.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnknownOwnerKind  = errors.New("unknown owner kind")

	// Association errors.
	ErrDanglingReference = errors.New("dangling image reference")
	ErrOwnershipConflict = errors.New("image ownership conflict")
	ErrPartialUpload     = errors.New("partial upload failure")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrForbidden    = errors.New("forbidden")

	// Reconciliation run lock is held by another process.
	ErrLocked = errors.New("lock is held")
)
