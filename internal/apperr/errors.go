// Package apperr defines the sentinel errors shared across the messaging
// core. Stores and handlers wrap these with fmt.Errorf("...: %w", ...) so
// the HTTP boundary can classify failures with errors.Is.
package apperr

import "errors"

var (
	// ErrUnauthorized means the caller presented no or an invalid identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotAMember means a referenced user is not part of the organization.
	ErrNotAMember = errors.New("not a member of organization")

	// ErrInvalidPair means a direct conversation was requested between a
	// user and themselves.
	ErrInvalidPair = errors.New("invalid conversation pair")

	// ErrNotFound means a referenced conversation or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation means the request payload failed content validation
	// (empty message without attachments, bad reply reference, etc.).
	ErrValidation = errors.New("validation failed")
)
