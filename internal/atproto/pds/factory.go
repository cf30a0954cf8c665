package pds

import (
	"errors"
	"net/http"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// TokenFunc returns the current PDS access token. It is consulted on every
// request so a refreshed session is picked up without rebuilding the client.
type TokenFunc func() string

// NewFromAccessToken creates a client that authenticates with a fixed
// Bearer token.
func NewFromAccessToken(host, did, accessToken string) (Client, error) {
	if accessToken == "" {
		return nil, errors.New("accessToken is required")
	}
	return NewFromTokenFunc(host, did, func() string { return accessToken })
}

// NewFromTokenFunc creates a client whose Bearer token is read from token
// on each request.
func NewFromTokenFunc(host, did string, token TokenFunc) (Client, error) {
	if host == "" {
		return nil, errors.New("host is required")
	}
	if _, err := syntax.ParseDID(did); err != nil {
		return nil, errors.New("a valid did is required")
	}
	if token == nil {
		return nil, errors.New("token func is required")
	}

	apiClient := atclient.NewAPIClient(host)
	apiClient.Auth = &bearerAuth{token: token}

	return &client{
		apiClient: apiClient,
		did:       did,
		host:      host,
	}, nil
}

// bearerAuth implements atclient.AuthMethod for Bearer token auth.
type bearerAuth struct {
	token TokenFunc
}

var _ atclient.AuthMethod = (*bearerAuth)(nil)

func (b *bearerAuth) DoWithAuth(c *http.Client, req *http.Request, _ syntax.NSID) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+b.token())
	return c.Do(req)
}
