package comments

import "errors"

var (
	// ErrCommentNotFound indicates the requested comment doesn't exist
	ErrCommentNotFound = errors.New("comment not found")

	// ErrInvalidReply indicates the reply reference is malformed or invalid
	ErrInvalidReply = errors.New("invalid reply reference")

	// ErrContentTooLong indicates comment content exceeds 10000 graphemes
	ErrContentTooLong = errors.New("comment content exceeds 10000 graphemes")

	// ErrContentEmpty indicates comment content is empty
	ErrContentEmpty = errors.New("comment content is required")

	// ErrNotAuthorized indicates the user is not authorized to perform this action
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotSignedIn indicates a write was attempted without a session
	ErrNotSignedIn = errors.New("sign in to comment")
)

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidReply) ||
		errors.Is(err, ErrContentTooLong) ||
		errors.Is(err, ErrContentEmpty)
}
