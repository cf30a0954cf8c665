package session

import "errors"

var (
	// ErrNotFound indicates no session is stored under the requested key
	ErrNotFound = errors.New("session not found")

	// ErrNotSignedIn indicates an operation needs a session and there is none
	ErrNotSignedIn = errors.New("not signed in")

	// ErrInvalidSession indicates a session is missing required fields
	ErrInvalidSession = errors.New("invalid session")

	// ErrSessionExpired indicates the server rejected the refresh (HTTP 401).
	// The session has been signed out.
	ErrSessionExpired = errors.New("session expired")

	// ErrRefreshFailed indicates the refresh could not reach the server or the
	// server failed for a reason other than authentication
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrSessionChanged indicates the user signed out or in again while a
	// refresh was in flight, so its result was discarded
	ErrSessionChanged = errors.New("session changed during refresh")
)
