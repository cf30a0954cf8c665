package oauth

import "errors"

var (
	// ErrInvalidCallback indicates the callback URL is missing credentials
	ErrInvalidCallback = errors.New("invalid oauth callback")

	// ErrRedirectMismatch indicates the callback was not addressed to the
	// configured redirect URI
	ErrRedirectMismatch = errors.New("callback does not match redirect URI")

	// ErrInvalidHandle indicates the login identifier is neither a handle nor a DID
	ErrInvalidHandle = errors.New("invalid handle")
)
