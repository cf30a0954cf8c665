package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CovesClient/internal/appviewtest"
	"CovesClient/internal/config"
	"CovesClient/internal/core/feeds"
	"CovesClient/internal/core/session"
	"CovesClient/internal/core/votes"
)

const (
	viewerDID    = "did:plc:viewer"
	communityDID = "did:plc:community"
)

type fixture struct {
	srv  *appviewtest.Server
	app  *App
	reg  *prometheus.Registry
	post appviewtest.Post
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	srv := appviewtest.New(t)
	srv.AddCommunity(appviewtest.Community{DID: communityDID, Handle: "c-test.coves.social", Name: "test"})
	post := srv.AddPost(appviewtest.Post{CommunityDID: communityDID, AuthorDID: communityDID, Title: "hello"})

	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cfg.Environment = "test"
	cfg.Session = config.SessionConfig{Backend: config.SessionBackendMemory}
	if mutate != nil {
		mutate(&cfg)
	}

	reg := prometheus.NewRegistry()
	a, err := New(context.Background(), cfg, Options{Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return &fixture{srv: srv, app: a, reg: reg, post: post}
}

func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	token, sessionID := f.srv.AddAccount(appviewtest.Account{DID: viewerDID, Handle: "viewer.test"})
	require.NoError(t, f.app.Sessions.SignIn(context.Background(), session.Session{
		Token:     token,
		DID:       viewerDID,
		SessionID: sessionID,
		Handle:    "viewer.test",
	}))
}

type resetCounter struct{ n int }

func (r *resetCounter) Reset() { r.n++ }

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.BaseURL = "not a url"
	_, err := New(context.Background(), cfg, Options{})
	require.Error(t, err)
}

func TestApp_VoteThenSignOutClearsUserState(t *testing.T) {
	f := newFixture(t, nil)
	f.signIn(t)
	ctx := context.Background()

	subject := votes.StrongRef{URI: f.post.URI, CID: f.post.CID}
	active, err := f.app.Votes.Toggle(ctx, subject, votes.Up)
	require.NoError(t, err)
	assert.True(t, active)
	dir, ok := f.srv.Vote(viewerDID, f.post.URI)
	require.True(t, ok)
	assert.Equal(t, "up", dir)

	loader, err := f.app.Feeds.NewLoader(feeds.Request{Kind: feeds.KindDiscover})
	require.NoError(t, err)
	require.NoError(t, loader.Load(ctx, true))
	require.NotEmpty(t, loader.State().Items)
	untrack := f.app.Track(loader)
	defer untrack()

	counter := &resetCounter{}
	f.app.Track(counter)

	require.NoError(t, f.app.Sessions.SignOut(ctx))
	assert.Equal(t, 1, f.srv.Calls("/oauth/logout"))

	_, ok = f.app.Votes.State(f.post.URI)
	assert.False(t, ok)
	assert.Empty(t, loader.State().Items)
	assert.Equal(t, 1, counter.n)
}

func TestApp_RefreshesExpiredToken(t *testing.T) {
	f := newFixture(t, nil)
	f.signIn(t)
	ctx := context.Background()
	before, _ := f.app.Sessions.Current()

	f.srv.ExpireTokens()
	_, err := f.app.Feeds.GetFeed(ctx, feeds.Request{Kind: feeds.KindTimeline}, "")
	require.NoError(t, err)

	assert.Equal(t, 1, f.srv.Calls("/oauth/refresh"))
	after, ok := f.app.Sessions.Current()
	require.True(t, ok)
	assert.NotEqual(t, before.Token, after.Token)
	assert.NotEmpty(t, after.AccessToken)

	n, err := testutil.GatherAndCount(f.reg, "coves_client_refresh_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApp_RevokedSessionSignsOut(t *testing.T) {
	f := newFixture(t, nil)
	f.signIn(t)
	counter := &resetCounter{}
	f.app.Track(counter)

	f.srv.RevokeAll()
	_, err := f.app.Feeds.GetFeed(context.Background(), feeds.Request{Kind: feeds.KindTimeline}, "")
	require.Error(t, err)

	_, ok := f.app.Sessions.Current()
	assert.False(t, ok)
	assert.GreaterOrEqual(t, counter.n, 1)
}

func TestApp_CommentIdentityFollowsSession(t *testing.T) {
	f := newFixture(t, nil)

	_, _, ok := f.app.identity()
	assert.False(t, ok)

	f.signIn(t)
	did, handle, ok := f.app.identity()
	require.True(t, ok)
	assert.Equal(t, viewerDID, did)
	assert.Equal(t, "viewer.test", handle)
}

func TestPDSVotes_ClientPerSession(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.PDS = config.PDSConfig{Host: "https://pds.test", Enabled: true}
	})
	backend := &pdsVotes{app: f.app}
	ctx := context.Background()

	_, err := backend.repo(ctx)
	require.ErrorIs(t, err, session.ErrNotSignedIn)

	f.signIn(t)
	first, err := backend.repo(ctx)
	require.NoError(t, err)
	assert.Equal(t, viewerDID, first.DID())
	assert.Equal(t, "https://pds.test", first.HostURL())

	again, err := backend.repo(ctx)
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, f.app.Sessions.SignOut(ctx))
	f.signIn(t)
	fresh, err := backend.repo(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
}

// listRecordsServer is a PDS that serves a fixed vote collection.
func listRecordsServer(t *testing.T, subjectURI, direction string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.repo.listRecords" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{{
				"uri": "at://" + r.URL.Query().Get("repo") + "/" + votes.Collection + "/3kvote",
				"cid": "bafyvote",
				"value": map[string]any{
					"$type":     votes.Collection,
					"subject":   map[string]any{"uri": subjectURI, "cid": "bafypost"},
					"direction": direction,
				},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestApp_HydrateVotesFromPDS(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.PDS = config.PDSConfig{Host: "https://pds.invalid", Enabled: true}
	})
	f.app.Config.PDS.Host = listRecordsServer(t, f.post.URI, "down").URL
	ctx := context.Background()

	n, err := f.app.HydrateVotes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing to hydrate while signed out")

	f.signIn(t)
	n, err = f.app.HydrateVotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, votes.Down, f.app.Votes.Direction(f.post.URI))
}

func TestApp_HydrateVotesDisabledWithoutPDS(t *testing.T) {
	f := newFixture(t, nil)
	f.signIn(t)

	n, err := f.app.HydrateVotes(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApp_OwnProfileUpdatesSessionHandle(t *testing.T) {
	f := newFixture(t, nil)
	token, sessionID := f.srv.AddAccount(appviewtest.Account{DID: viewerDID, Handle: "renamed.test"})
	ctx := context.Background()
	require.NoError(t, f.app.Sessions.SignIn(ctx, session.Session{
		Token:     token,
		DID:       viewerDID,
		SessionID: sessionID,
		Handle:    "viewer.test",
	}))
	var events []session.EventKind
	unsubscribe := f.app.Sessions.Subscribe(func(ev session.Event) { events = append(events, ev.Kind) })
	defer unsubscribe()

	profile, err := f.app.Profiles.GetProfile(ctx, viewerDID, false)
	require.NoError(t, err)
	require.Equal(t, "renamed.test", profile.Handle)

	s, ok := f.app.Sessions.Current()
	require.True(t, ok)
	assert.Equal(t, "renamed.test", s.Handle)
	assert.Equal(t, []session.EventKind{session.EventHandleChanged}, events)

	_, handle, _ := f.app.identity()
	assert.Equal(t, "renamed.test", handle, "new comments carry the new handle")
}
