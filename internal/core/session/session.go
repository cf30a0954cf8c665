// Package session owns the signed-in user's session: persistence in secure
// storage, the single-flight refresh coordinator, and sign-out.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Session is the authenticated state handed out by the AppView OAuth flow.
// Token is sealed by the server and opaque to the client.
type Session struct {
	CreatedAt   time.Time `json:"createdAt"`
	RefreshedAt time.Time `json:"refreshedAt,omitempty"`
	Token       string    `json:"token"`
	DID         string    `json:"did"`
	SessionID   string    `json:"sessionId"`
	Handle      string    `json:"handle,omitempty"`
	// AccessToken is the PDS access token returned by /oauth/refresh. Only the
	// direct-to-PDS variant uses it.
	AccessToken string `json:"accessToken,omitempty"`
}

// Validate checks the fields every authenticated request depends on.
func (s Session) Validate() error {
	if s.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidSession)
	}
	if s.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidSession)
	}
	if _, err := syntax.ParseDID(s.DID); err != nil {
		return fmt.Errorf("%w: invalid DID %q: %v", ErrInvalidSession, s.DID, err)
	}
	return nil
}

// StorageKey namespaces the persisted session by build environment so that
// switching between, say, production and local builds never mixes tokens.
func StorageKey(environment string) string {
	env := strings.ToLower(strings.TrimSpace(environment))
	if env == "" {
		env = "default"
	}
	return "session_" + env
}

// Store is secure key-value storage for the serialized session blob.
// Load returns ErrNotFound when nothing is stored under key.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// RefreshResult carries the rotated credentials from /oauth/refresh.
type RefreshResult struct {
	Token       string
	AccessToken string
}

// Authenticator talks to the AppView OAuth endpoints.
type Authenticator interface {
	Refresh(ctx context.Context, s Session) (*RefreshResult, error)
	Logout(ctx context.Context, s Session) error
}

// EventKind says what changed.
type EventKind int

const (
	EventSignedIn EventKind = iota
	EventRestored
	EventRefreshed
	EventHandleChanged
	EventSignedOut
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventRestored:
		return "restored"
	case EventRefreshed:
		return "refreshed"
	case EventHandleChanged:
		return "handle_changed"
	case EventSignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// Event is delivered to Manager subscribers. Session is nil after sign-out.
type Event struct {
	Session    *Session
	Kind       EventKind
	Generation uint64
}
