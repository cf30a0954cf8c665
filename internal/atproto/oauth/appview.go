// Package oauth is the client side of the AppView's mobile OAuth flow. The
// AppView performs the atProto OAuth dance and hands the client a sealed
// token through a deep link; this package builds the login URL, reads the
// callback, and calls the refresh and logout endpoints.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"CovesClient/internal/atproto/xrpc"
	"CovesClient/internal/core/session"
)

const (
	loginPath   = "/oauth/mobile/login"
	refreshPath = "/oauth/refresh"
	logoutPath  = "/oauth/logout"

	// sessionCookie is the cookie the AppView reads the sealed token from on
	// logout.
	sessionCookie = "coves_session"
)

// Client calls the AppView OAuth endpoints. It must be built on an xrpc
// client without the auth transport, since refresh itself must never
// trigger a refresh.
type Client struct {
	xrpc   *xrpc.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates a Client.
func NewClient(c *xrpc.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{xrpc: c, logger: logger, now: time.Now}
}

// MobileLoginURL returns the URL the user opens in a browser to sign in.
// identifier may be a handle or a DID.
func (c *Client) MobileLoginURL(identifier, redirectURI string) (string, error) {
	identifier = strings.TrimPrefix(strings.TrimSpace(identifier), "@")
	if _, err := syntax.ParseAtIdentifier(identifier); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, identifier)
	}
	if _, err := url.Parse(redirectURI); err != nil || redirectURI == "" {
		return "", fmt.Errorf("invalid redirect URI %q", redirectURI)
	}

	q := url.Values{}
	q.Set("handle", identifier)
	q.Set("redirect_uri", redirectURI)
	return c.xrpc.BaseURL() + loginPath + "?" + q.Encode(), nil
}

// ParseCallback extracts the session from the deep link the AppView
// redirects to after a successful login. The link must be addressed to
// redirectURI.
func (c *Client) ParseCallback(callback, redirectURI string) (session.Session, error) {
	u, err := url.Parse(strings.TrimSpace(callback))
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if redirectURI != "" && !sameTarget(u, redirectURI) {
		c.logger.Warn("rejecting callback for unexpected target", "scheme", extractScheme(callback))
		return session.Session{}, ErrRedirectMismatch
	}

	q := u.Query()
	if e := q.Get("error"); e != "" {
		return session.Session{}, fmt.Errorf("%w: %s", ErrInvalidCallback, e)
	}

	s := session.Session{
		Token:     q.Get("token"),
		DID:       q.Get("did"),
		SessionID: q.Get("session_id"),
		Handle:    q.Get("handle"),
		CreatedAt: c.now().UTC(),
	}
	if err := s.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	return s, nil
}

type refreshRequest struct {
	DID         string `json:"did"`
	SessionID   string `json:"session_id"`
	SealedToken string `json:"sealed_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	SealedToken string `json:"sealed_token"`
}

// Refresh implements session.Authenticator. A 401 comes back as an
// authentication error.
func (c *Client) Refresh(ctx context.Context, s session.Session) (*session.RefreshResult, error) {
	req := refreshRequest{DID: s.DID, SessionID: s.SessionID, SealedToken: s.Token}
	var resp refreshResponse
	if err := c.xrpc.Do(ctx, http.MethodPost, refreshPath, nil, req, &resp, nil); err != nil {
		return nil, err
	}
	if resp.SealedToken == "" {
		return nil, fmt.Errorf("refresh response missing sealed_token")
	}
	return &session.RefreshResult{Token: resp.SealedToken, AccessToken: resp.AccessToken}, nil
}

// Logout implements session.Authenticator by revoking the session on the
// AppView.
func (c *Client) Logout(ctx context.Context, s session.Session) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.Token)
	header.Set("Cookie", (&http.Cookie{Name: sessionCookie, Value: s.Token}).String())
	if err := c.xrpc.Do(ctx, http.MethodPost, logoutPath, nil, nil, nil, header); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// sameTarget reports whether u points at redirectURI, ignoring the query.
func sameTarget(u *url.URL, redirectURI string) bool {
	want, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, want.Scheme) &&
		strings.EqualFold(u.Host, want.Host) &&
		strings.TrimRight(u.Path, "/") == strings.TrimRight(want.Path, "/") &&
		u.Opaque == want.Opaque
}

// extractScheme extracts the scheme from a URI for logging purposes
func extractScheme(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "invalid"
}
