package xrpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CovesClient/internal/core/apierrors"
)

type fakeTokenSource struct {
	refreshErr  error
	token       string
	next        string
	mu          sync.Mutex
	refreshes   int
	invalidated    int
	invalidatedGen uint64
	signedIn       bool
}

func (f *fakeTokenSource) Token() (string, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, 7, f.signedIn
}

func (f *fakeTokenSource) RefreshToken(ctx context.Context, gen uint64, stale string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.token = f.next
	return f.token, nil
}

func (f *fakeTokenSource) Invalidate(ctx context.Context, gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidatedGen = gen
	f.invalidated++
	f.signedIn = false
}

// tokenServer answers 200 only for requests carrying the accepted token and
// echoes the request body back.
func tokenServer(t *testing.T, accepted string, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.Header.Get("Authorization") != "Bearer "+accepted {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"AuthRequired","message":"expired"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
}

func TestAuthTransport_AddsBearerToken(t *testing.T) {
	var hits int32
	server := tokenServer(t, "sealed-1", &hits)
	defer server.Close()

	source := &fakeTokenSource{token: "sealed-1", signedIn: true}
	c := NewClient(server.URL, Options{}).WithTransport(NewAuthTransport(nil, source))

	var out map[string]string
	err := c.Post(context.Background(), "social.coves.feed.vote.create", map[string]string{"a": "b"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "b", out["a"])
	assert.Equal(t, int32(1), hits)
	assert.Equal(t, 0, source.refreshes)
}

func TestAuthTransport_RefreshesOnceAndRetries(t *testing.T) {
	var hits int32
	server := tokenServer(t, "sealed-2", &hits)
	defer server.Close()

	source := &fakeTokenSource{token: "sealed-1", next: "sealed-2", signedIn: true}
	c := NewClient(server.URL, Options{}).WithTransport(NewAuthTransport(nil, source))

	var out map[string]string
	err := c.Post(context.Background(), "social.coves.feed.vote.create", map[string]string{"replayed": "yes"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "yes", out["replayed"], "body must be replayed on retry")
	assert.Equal(t, int32(2), hits)
	assert.Equal(t, 1, source.refreshes)
	assert.Equal(t, 0, source.invalidated)
}

func TestAuthTransport_RenewedUnauthorizedSignsOut(t *testing.T) {
	var hits int32
	server := tokenServer(t, "never-valid", &hits)
	defer server.Close()

	source := &fakeTokenSource{token: "sealed-1", next: "sealed-2", signedIn: true}
	c := NewClient(server.URL, Options{}).WithTransport(NewAuthTransport(nil, source))

	err := c.Get(context.Background(), "social.coves.feed.getTimeline", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrAuthenticationRequired)

	assert.Equal(t, int32(2), hits, "exactly one retry")
	assert.Equal(t, 1, source.refreshes)
	assert.Equal(t, 1, source.invalidated)
	assert.Equal(t, uint64(7), source.invalidatedGen, "sign-out is scoped to the token's generation")
}

func TestAuthTransport_RefreshErrorIsReturnedAsIs(t *testing.T) {
	expired := &apierrors.Error{Kind: apierrors.KindAuthentication, Op: "refresh", Err: errors.New("session expired")}
	stale := errors.New("session changed during refresh")

	for name, tc := range map[string]struct {
		refreshErr error
		isAuth     bool
	}{
		"expired":  {refreshErr: expired, isAuth: true},
		"replaced": {refreshErr: stale},
		"canceled": {refreshErr: context.Canceled},
		"deadline": {refreshErr: context.DeadlineExceeded},
	} {
		t.Run(name, func(t *testing.T) {
			var hits int32
			server := tokenServer(t, "sealed-2", &hits)
			defer server.Close()

			source := &fakeTokenSource{token: "sealed-1", signedIn: true, refreshErr: tc.refreshErr}
			c := NewClient(server.URL, Options{}).WithTransport(NewAuthTransport(nil, source))

			err := c.Get(context.Background(), "social.coves.feed.getTimeline", nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.refreshErr)
			assert.Equal(t, tc.isAuth, apierrors.IsAuthError(err))
			assert.NotEqual(t, apierrors.KindNetwork, apierrors.KindOf(err))
			assert.Equal(t, int32(1), hits)
			assert.Equal(t, 0, source.invalidated, "the token source owns sign-out on refresh errors")
		})
	}
}

func TestAuthTransport_SignedOutPassesThrough(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	source := &fakeTokenSource{}
	c := NewClient(server.URL, Options{}).WithTransport(NewAuthTransport(nil, source))

	err := c.Get(context.Background(), "social.coves.feed.getTimeline", nil, nil)
	assert.ErrorIs(t, err, apierrors.ErrAuthenticationRequired)
	assert.Empty(t, gotAuth)
	assert.Equal(t, 0, source.refreshes)
	assert.Equal(t, 0, source.invalidated)
}
