package xrpc

import (
	"context"
	"io"
	"net/http"
)

// TokenSource supplies the bearer token for authenticated requests and
// recovers from 401 responses. The session manager implements it.
//
// Every token is tied to the session generation it was read under so that a
// late 401 can never refresh or sign out a session that replaced it.
type TokenSource interface {
	// Token returns the current sealed session token and its generation, if
	// signed in.
	Token() (token string, gen uint64, ok bool)

	// RefreshToken returns a token newer than stale for generation gen,
	// refreshing the session if nobody else already has. It fails without
	// side effects when gen is no longer current, and ends the session
	// itself when the server rejects the refresh.
	RefreshToken(ctx context.Context, gen uint64, stale string) (string, error)

	// Invalidate signs generation gen out after an unrecoverable 401.
	Invalidate(ctx context.Context, gen uint64)
}

// AuthTransport is an http.RoundTripper that adds the session token and
// handles 401 responses: it refreshes the session once, retries the original
// request once, and signs the user out on a renewed 401.
type AuthTransport struct {
	base   http.RoundTripper
	source TokenSource
}

// NewAuthTransport wraps base (http.DefaultTransport when nil).
func NewAuthTransport(base http.RoundTripper, source TokenSource) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AuthTransport{base: base, source: source}
}

// tokenSourceError carries a RefreshToken failure through http.Client so
// the caller sees it as returned, not as a network error.
type tokenSourceError struct {
	err error
}

func (e *tokenSourceError) Error() string { return e.err.Error() }

func (e *tokenSourceError) Unwrap() error { return e.err }

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, gen, ok := t.source.Token()
	if !ok {
		return t.base.RoundTrip(req)
	}

	resp, err := t.send(req, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// A body that cannot be replayed cannot be retried.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	ctx := req.Context()
	fresh, err := t.source.RefreshToken(ctx, gen, token)
	if err != nil {
		return nil, &tokenSourceError{err: err}
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}

	resp, err = t.send(retry, fresh)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		t.source.Invalidate(ctx, gen)
	}
	return resp, err
}

func (t *AuthTransport) send(req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(out)
}
