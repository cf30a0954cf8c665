package votes

import "errors"

var (
	// ErrInvalidDirection indicates the vote direction is not "up" or "down"
	ErrInvalidDirection = errors.New("invalid vote direction: must be 'up' or 'down'")

	// ErrInvalidSubject indicates the subject URI is malformed or invalid
	ErrInvalidSubject = errors.New("invalid subject URI")

	// ErrNotSignedIn indicates a vote was attempted without a session
	ErrNotSignedIn = errors.New("sign in to vote")
)
