package users

import (
	"errors"
	"fmt"
)

// Sentinel errors for common user operations
var (
	// ErrInvalidActor is returned for an identifier that is neither a DID nor a handle
	ErrInvalidActor = errors.New("invalid actor")

	// ErrDisplayNameTooLong is returned when a display name exceeds 64 graphemes
	ErrDisplayNameTooLong = errors.New("display name exceeds 64 graphemes")

	// ErrBioTooLong is returned when a bio exceeds 256 graphemes
	ErrBioTooLong = errors.New("bio exceeds 256 graphemes")
)

// InvalidActorError is returned when an actor does not parse as a DID or handle
type InvalidActorError struct {
	Actor  string
	Reason string
}

func (e *InvalidActorError) Error() string {
	return fmt.Sprintf("invalid actor %q: %s", e.Actor, e.Reason)
}

func (e *InvalidActorError) Unwrap() error { return ErrInvalidActor }
