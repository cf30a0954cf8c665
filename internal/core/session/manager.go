package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"CovesClient/internal/core/apierrors"
	"CovesClient/internal/core/observe"
	"CovesClient/internal/telemetry"
)

const refreshFlightKey = "refresh"

// Options configures a Manager.
type Options struct {
	Logger      *slog.Logger
	Sink        telemetry.Sink
	Now         func() time.Time
	Environment string
	// Timeout bounds each refresh and logout call.
	Timeout time.Duration
}

// Manager holds the current session and coordinates its lifecycle. It is
// safe for concurrent use.
type Manager struct {
	store    Store
	auth     Authenticator
	sink     telemetry.Sink
	logger   *slog.Logger
	now      func() time.Time
	current  *Session
	notifier observe.Notifier[Event]
	flights  singleflight.Group
	key      string
	timeout  time.Duration
	// generation changes whenever the session identity changes (sign-in,
	// restore, sign-out). Refreshes keep it.
	generation uint64
	// saveMu serializes store writes with the state change they back. It is
	// always taken before mu; mu itself is never held across store I/O.
	saveMu sync.Mutex
	mu     sync.RWMutex
}

// NewManager creates a manager persisting to store under the key for
// opts.Environment.
func NewManager(store Store, auth Authenticator, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Manager{
		store:   store,
		auth:    auth,
		sink:    opts.Sink,
		logger:  opts.Logger,
		now:     opts.Now,
		key:     StorageKey(opts.Environment),
		timeout: opts.Timeout,
	}
}

// StorageKey returns the key the session is persisted under.
func (m *Manager) StorageKey() string {
	return m.key
}

// Subscribe registers fn for session events.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.notifier.Subscribe(fn)
}

// Current returns a copy of the active session.
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, false
	}
	s := *m.current
	return &s, true
}

// Generation identifies the current session. Work started under one
// generation must not be applied after it changes.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Restore loads the persisted session for this environment. It reports
// whether a session was found.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	s, found, err := m.load(ctx)
	if !found {
		return false, err
	}

	m.mu.Lock()
	m.current = &s
	m.generation++
	ev := m.eventLocked(EventRestored)
	m.mu.Unlock()
	m.saveMu.Unlock()

	m.logger.Debug("session restored", "did", s.DID, "key", m.key)
	m.notifier.Notify(ev)
	return true, nil
}

// load reads the stored session, discarding blobs that no longer decode or
// validate. On success saveMu is left held for the caller to commit.
func (m *Manager) load(ctx context.Context) (Session, bool, error) {
	m.saveMu.Lock()
	data, err := m.store.Load(ctx, m.key)
	if errors.Is(err, ErrNotFound) {
		m.saveMu.Unlock()
		return Session{}, false, nil
	}
	if err != nil {
		m.saveMu.Unlock()
		return Session{}, false, fmt.Errorf("failed to load session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		m.logger.Warn("discarding unreadable stored session", "key", m.key, "error", err)
		_ = m.store.Delete(ctx, m.key)
		m.saveMu.Unlock()
		return Session{}, false, nil
	}
	if err := s.Validate(); err != nil {
		m.logger.Warn("discarding invalid stored session", "key", m.key, "error", err)
		_ = m.store.Delete(ctx, m.key)
		m.saveMu.Unlock()
		return Session{}, false, nil
	}
	return s, true, nil
}

// SignIn validates, persists, and activates s.
func (m *Manager) SignIn(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now().UTC()
	}

	m.saveMu.Lock()
	if err := m.persist(ctx, s); err != nil {
		m.saveMu.Unlock()
		return err
	}

	m.mu.Lock()
	m.current = &s
	m.generation++
	ev := m.eventLocked(EventSignedIn)
	m.mu.Unlock()
	m.saveMu.Unlock()

	m.logger.Info("signed in", "did", s.DID, "handle", s.Handle)
	m.notifier.Notify(ev)
	return nil
}

// UpdateHandle records a handle change for the signed-in user.
func (m *Manager) UpdateHandle(ctx context.Context, handle string) error {
	m.saveMu.Lock()
	updated, ok := m.Current()
	if !ok || updated.Handle == handle {
		m.saveMu.Unlock()
		if !ok {
			return ErrNotSignedIn
		}
		return nil
	}

	updated.Handle = handle
	if err := m.persist(ctx, *updated); err != nil {
		m.saveMu.Unlock()
		return err
	}

	m.mu.Lock()
	m.current = updated
	ev := m.eventLocked(EventHandleChanged)
	m.mu.Unlock()
	m.saveMu.Unlock()

	m.notifier.Notify(ev)
	return nil
}

// Refresh exchanges the current sealed token for a new one. Concurrent
// callers share a single request and observe the same session or error.
// The shared request is not canceled when an individual caller gives up.
func (m *Manager) Refresh(ctx context.Context) (*Session, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(refreshFlightKey, func() (any, error) {
		return m.doRefresh(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := res.Val.(Session)
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) doRefresh(ctx context.Context) (Session, error) {
	m.mu.RLock()
	if m.current == nil {
		m.mu.RUnlock()
		return Session{}, ErrNotSignedIn
	}
	cur := *m.current
	gen := m.generation
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.auth.Refresh(ctx, cur)
	if err != nil {
		if apierrors.IsAuthError(err) {
			m.sink.RecordRefresh(telemetry.RefreshExpired)
			m.logger.Warn("session refresh rejected, signing out", "did", cur.DID, "error", err)
			m.clear(ctx, gen)
			return Session{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		m.sink.RecordRefresh(telemetry.RefreshFailed)
		m.logger.Warn("session refresh failed", "did", cur.DID, "error", err)
		return Session{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	updated := cur
	updated.Token = res.Token
	if res.AccessToken != "" {
		updated.AccessToken = res.AccessToken
	}
	updated.RefreshedAt = m.now().UTC()

	m.saveMu.Lock()
	if m.Generation() != gen {
		m.saveMu.Unlock()
		m.logger.Debug("discarding refresh result for replaced session", "did", cur.DID)
		return Session{}, ErrSessionChanged
	}
	if current, ok := m.Current(); ok && current.Handle != cur.Handle {
		updated.Handle = current.Handle
	}
	if err := m.persist(ctx, updated); err != nil {
		// The server already rotated the token; keep it in memory.
		m.logger.Error("failed to persist refreshed session", "did", cur.DID, "error", err)
	}

	m.mu.Lock()
	m.current = &updated
	ev := m.eventLocked(EventRefreshed)
	m.mu.Unlock()
	m.saveMu.Unlock()

	m.sink.RecordRefresh(telemetry.RefreshSuccess)
	m.logger.Debug("session refreshed", "did", updated.DID)
	m.notifier.Notify(ev)
	return updated, nil
}

// SignOut revokes the session on the server (best effort) and clears it
// locally. Signing out while signed out is a no-op.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.RLock()
	if m.current == nil {
		m.mu.RUnlock()
		return nil
	}
	cur := *m.current
	gen := m.generation
	m.mu.RUnlock()

	logoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.auth.Logout(logoutCtx, cur); err != nil {
		m.logger.Warn("server logout failed, clearing local session anyway", "did", cur.DID, "error", err)
	}

	m.clear(ctx, gen)
	return nil
}

// Token implements xrpc.TokenSource.
func (m *Manager) Token() (string, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return "", m.generation, false
	}
	return m.current.Token, m.generation, true
}

// RefreshToken implements xrpc.TokenSource. If the session already moved on
// from stale, the newer token is returned without another refresh. A
// generation that is no longer current yields ErrSessionChanged and a caller
// giving up yields its context error; neither signs anybody out.
func (m *Manager) RefreshToken(ctx context.Context, gen uint64, stale string) (string, error) {
	m.mu.RLock()
	if m.current == nil || m.generation != gen {
		m.mu.RUnlock()
		return "", ErrSessionChanged
	}
	token := m.current.Token
	m.mu.RUnlock()

	if token != stale {
		return token, nil
	}
	s, err := m.Refresh(ctx)
	switch {
	case err == nil:
		return s.Token, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrSessionChanged):
		return "", err
	case errors.Is(err, ErrNotSignedIn):
		return "", ErrSessionChanged
	case errors.Is(err, ErrRefreshFailed):
		m.logger.Warn("signing out after failed refresh", "error", err)
		m.clear(ctx, gen)
	}
	return "", &apierrors.Error{Kind: apierrors.KindAuthentication, Op: "refresh", Err: err}
}

// Invalidate implements xrpc.TokenSource: it signs generation gen out
// locally without contacting the server, whose session is already unusable.
func (m *Manager) Invalidate(ctx context.Context, gen uint64) {
	m.clear(ctx, gen)
}

// NeedsRefresh reports whether the PDS access token expires within skew.
// Sessions without a parseable JWT access token never need a proactive
// refresh; the 401 path handles them.
func (m *Manager) NeedsRefresh(skew time.Duration) bool {
	m.mu.RLock()
	token := ""
	if m.current != nil {
		token = m.current.AccessToken
	}
	m.mu.RUnlock()
	if token == "" {
		return false
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return m.now().Add(skew).After(claims.ExpiresAt.Time)
}

// clear removes the session if it still belongs to generation gen.
func (m *Manager) clear(ctx context.Context, gen uint64) {
	m.saveMu.Lock()
	m.mu.RLock()
	if m.generation != gen || m.current == nil {
		m.mu.RUnlock()
		m.saveMu.Unlock()
		return
	}
	did := m.current.DID
	m.mu.RUnlock()

	if err := m.store.Delete(context.WithoutCancel(ctx), m.key); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Error("failed to delete stored session", "key", m.key, "error", err)
	}

	m.mu.Lock()
	m.current = nil
	m.generation++
	ev := m.eventLocked(EventSignedOut)
	m.mu.Unlock()
	m.saveMu.Unlock()

	m.logger.Info("signed out", "did", did)
	m.notifier.Notify(ev)
}

func (m *Manager) persist(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Save(ctx, m.key, data); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// eventLocked must be called with m.mu held.
func (m *Manager) eventLocked(kind EventKind) Event {
	ev := Event{Kind: kind, Generation: m.generation}
	if m.current != nil {
		s := *m.current
		ev.Session = &s
	}
	return ev
}
