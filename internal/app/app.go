// Package app wires the client together from a Config: session storage, the
// session manager, XRPC clients, and the domain stores and services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"CovesClient/internal/atproto/oauth"
	"CovesClient/internal/atproto/pds"
	"CovesClient/internal/atproto/xrpc"
	"CovesClient/internal/config"
	"CovesClient/internal/core/comments"
	"CovesClient/internal/core/communities"
	"CovesClient/internal/core/feeds"
	"CovesClient/internal/core/session"
	"CovesClient/internal/core/users"
	"CovesClient/internal/core/votes"
	"CovesClient/internal/storage"
	"CovesClient/internal/telemetry"
)

// accessTokenSkew is how close to expiry the PDS access token may get before
// a direct-to-PDS write refreshes the session first.
const accessTokenSkew = time.Minute

// Resetter is anything holding per-user state that must be dropped on
// sign-out, such as a feed or thread loader.
type Resetter interface {
	Reset()
}

// Options overrides pieces of the wiring, mostly for tests.
type Options struct {
	Logger   *slog.Logger
	Registry prometheus.Registerer
	// Store replaces the session store selected by the config.
	Store session.Store
}

// App is a fully wired client.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Sink     telemetry.Sink
	Sessions *session.Manager
	OAuth    *oauth.Client

	// Public is unauthenticated; Authed adds the session token and refreshes
	// it on 401.
	Public *xrpc.Client
	Authed *xrpc.Client

	Votes         *votes.Store
	Subscriptions *communities.SubscriptionStore
	Feeds         *feeds.Service
	Comments      *comments.Service
	Communities   *communities.Service
	Profiles      *users.ProfileService

	pds         *pdsVotes
	closeStore  func() error
	unsubscribe func()

	mu      sync.Mutex
	tracked map[Resetter]struct{}
}

// New builds an App from cfg. Call Close when done.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := telemetry.NewSink(logger, opts.Registry)

	store, closeStore := opts.Store, func() error { return nil }
	if store == nil {
		var err error
		store, closeStore, err = storage.Open(ctx, cfg.Session)
		if err != nil {
			return nil, fmt.Errorf("failed to open session storage: %w", err)
		}
	}

	public := xrpc.NewClient(cfg.BaseURL, xrpc.Options{
		Logger:    logger,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	})
	authClient := oauth.NewClient(public, logger)
	manager := session.NewManager(store, authClient, session.Options{
		Logger:      logger,
		Sink:        sink,
		Environment: cfg.Environment,
		Timeout:     cfg.RequestTimeout,
	})
	authed := public.WithTransport(xrpc.NewAuthTransport(nil, manager))

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Sink:       sink,
		Sessions:   manager,
		OAuth:      authClient,
		Public:     public,
		Authed:     authed,
		closeStore: closeStore,
		tracked:    make(map[Resetter]struct{}),
	}

	var backend votes.Backend = votes.NewAppViewBackend(authed)
	if cfg.PDS.Enabled {
		a.pds = &pdsVotes{app: a}
		backend = a.pds
	}
	a.Votes = votes.NewStore(backend, votes.Options{Logger: logger, Sink: sink})
	a.Subscriptions = communities.NewSubscriptionStore(authed, communities.StoreOptions{Logger: logger, Sink: sink})
	a.Feeds = feeds.NewService(authed, a.Votes, sink, logger)
	a.Communities = communities.NewService(authed, a.Subscriptions, sink, logger)
	a.Comments = comments.NewService(authed, comments.Options{
		Votes:    a.Votes,
		Identity: a.identity,
		Sink:     sink,
		Logger:   logger,
	})
	a.Profiles = users.NewProfileService(users.NewAppViewAPI(authed), users.Options{
		Logger:    logger,
		CacheSize: cfg.ProfileCacheSize,
		Identity: func() (string, bool) {
			did, _, ok := a.identity()
			return did, ok
		},
		OnOwnProfile: a.syncHandle,
	})

	a.unsubscribe = manager.Subscribe(a.onSessionEvent)
	return a, nil
}

// Track registers r to be reset on sign-out. The returned func stops
// tracking it.
func (a *App) Track(r Resetter) (untrack func()) {
	a.mu.Lock()
	a.tracked[r] = struct{}{}
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.tracked, r)
		a.mu.Unlock()
	}
}

// Close stops listening for session events and releases storage.
func (a *App) Close() error {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	return a.closeStore()
}

// HydrateVotes loads the signed-in user's vote records from their PDS into
// the vote store. It does nothing unless direct PDS access is enabled and a
// session is active.
func (a *App) HydrateVotes(ctx context.Context) (int, error) {
	if a.pds == nil {
		return 0, nil
	}
	gen := a.Sessions.Generation()
	client, err := a.pds.repo(ctx)
	if errors.Is(err, session.ErrNotSignedIn) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := a.Votes.HydrateFromPDS(ctx, client)
	if a.Sessions.Generation() != gen {
		// Records of the previous account must not leak into the new one.
		a.Votes.Reset()
		return 0, session.ErrSessionChanged
	}
	return n, err
}

// syncHandle records a handle change seen on the signed-in user's profile.
func (a *App) syncHandle(ctx context.Context, profile *users.ProfileViewDetailed) {
	_, handle, ok := a.identity()
	if !ok || profile.Handle == "" || profile.Handle == handle {
		return
	}
	if err := a.Sessions.UpdateHandle(ctx, profile.Handle); err != nil {
		a.Logger.Warn("failed to record handle change", "did", profile.DID, "handle", profile.Handle, "error", err)
		return
	}
	a.Logger.Info("handle changed", "did", profile.DID, "old", handle, "new", profile.Handle)
}

func (a *App) identity() (did, handle string, ok bool) {
	s, ok := a.Sessions.Current()
	if !ok {
		return "", "", false
	}
	return s.DID, s.Handle, true
}

func (a *App) onSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSignedOut:
		a.resetUserState()
		a.Logger.Info("signed out, cleared user state")
	case session.EventSignedIn, session.EventRestored:
		// Cached viewer state may belong to a previous account.
		a.resetUserState()
	}
}

func (a *App) resetUserState() {
	a.Votes.Reset()
	a.Subscriptions.Reset()
	a.Profiles.Purge()

	a.mu.Lock()
	tracked := make([]Resetter, 0, len(a.tracked))
	for r := range a.tracked {
		tracked = append(tracked, r)
	}
	a.mu.Unlock()
	for _, r := range tracked {
		r.Reset()
	}
}

// pdsVotes is the direct-to-PDS vote backend. The PDS client depends on the
// signed-in DID, so it is built per session generation.
type pdsVotes struct {
	app *App

	mu     sync.Mutex
	gen    uint64
	client pds.Client
}

func (p *pdsVotes) Toggle(ctx context.Context, subject votes.StrongRef, dir votes.Direction, prev votes.VoteState, ok bool) (votes.VoteState, bool, error) {
	client, err := p.repo(ctx)
	if err != nil {
		return votes.VoteState{}, false, err
	}
	return votes.NewPDSBackend(client, p.app.Logger).Toggle(ctx, subject, dir, prev, ok)
}

func (p *pdsVotes) repo(ctx context.Context) (pds.Client, error) {
	m := p.app.Sessions
	if m.NeedsRefresh(accessTokenSkew) {
		if _, err := m.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	s, ok := m.Current()
	if !ok {
		return nil, session.ErrNotSignedIn
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	gen := m.Generation()
	if p.client != nil && p.gen == gen {
		return p.client, nil
	}
	client, err := pds.NewFromTokenFunc(p.app.Config.PDS.Host, s.DID, func() string {
		if cur, ok := m.Current(); ok {
			return cur.AccessToken
		}
		return ""
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create PDS client: %w", err)
	}
	p.client, p.gen = client, gen
	return client, nil
}
