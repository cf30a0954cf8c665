package communities

import "errors"

// Domain errors for communities
var (
	// ErrInvalidCommunity is returned when a community identifier is not a DID
	ErrInvalidCommunity = errors.New("community must be identified by DID")

	// ErrInvalidSort is returned for an unknown list sort
	ErrInvalidSort = errors.New("sort must be one of: popular, active, new, alphabetical")
)
