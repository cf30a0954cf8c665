package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"CovesClient/internal/core/apierrors"
)

type countingStore struct {
	data    map[string][]byte
	mu      sync.Mutex
	saves   int
	deletes int
}

func newCountingStore() *countingStore {
	return &countingStore{data: make(map[string][]byte)}
}

func (s *countingStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *countingStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *countingStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.data, key)
	return nil
}

func (s *countingStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// gatedAuth blocks every refresh until release is closed so callers can pile
// up behind one flight.
type gatedAuth struct {
	err     error
	release chan struct{}
	started chan struct{}
	token   string
	calls   int32
	logouts int32
}

func (a *gatedAuth) Refresh(ctx context.Context, s Session) (*RefreshResult, error) {
	n := atomic.AddInt32(&a.calls, 1)
	if a.started != nil && n == 1 {
		close(a.started)
	}
	if a.release != nil {
		<-a.release
	}
	if a.err != nil {
		return nil, a.err
	}
	return &RefreshResult{Token: a.token}, nil
}

func (a *gatedAuth) Logout(ctx context.Context, s Session) error {
	atomic.AddInt32(&a.logouts, 1)
	return nil
}

type mockAuth struct {
	mock.Mock
}

func (m *mockAuth) Refresh(ctx context.Context, s Session) (*RefreshResult, error) {
	args := m.Called(ctx, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RefreshResult), args.Error(1)
}

func (m *mockAuth) Logout(ctx context.Context, s Session) error {
	return m.Called(ctx, s).Error(0)
}

func testSession() Session {
	return Session{
		Token:     "sealed-1",
		DID:       "did:plc:alice123",
		SessionID: "sess-1",
		Handle:    "alice.coves.social",
	}
}

func signedInManager(t *testing.T, store Store, auth Authenticator) *Manager {
	t.Helper()
	m := NewManager(store, auth, Options{Environment: "test", Timeout: 5 * time.Second})
	require.NoError(t, m.SignIn(context.Background(), testSession()))
	return m
}

func TestManager_ConcurrentRefreshSharesOneRequest(t *testing.T) {
	store := newCountingStore()
	auth := &gatedAuth{token: "sealed-2", release: make(chan struct{}), started: make(chan struct{})}
	m := signedInManager(t, store, auth)
	savesBefore := store.saveCount()

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Session, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = m.Refresh(context.Background())
	}()
	<-auth.started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}(i)
	}
	// Give the followers time to join the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(auth.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "sealed-2", results[i].Token)
	}
	assert.Equal(t, 1, store.saveCount()-savesBefore, "one storage write per flight")

	token, _, ok := m.Token()
	assert.True(t, ok)
	assert.Equal(t, "sealed-2", token)
}

func TestManager_RefreshFailureDoesNotPoisonLaterCalls(t *testing.T) {
	auth := new(mockAuth)
	m := signedInManager(t, newCountingStore(), auth)

	netErr := apierrors.Network("oauth/refresh", errors.New("connection reset"))
	auth.On("Refresh", mock.Anything, mock.Anything).Return(nil, netErr).Once()
	auth.On("Refresh", mock.Anything, mock.Anything).Return(&RefreshResult{Token: "sealed-2"}, nil).Once()

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, apierrors.ErrNetwork)

	_, stillSignedIn := m.Current()
	assert.True(t, stillSignedIn, "transport failures keep the session")

	s, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sealed-2", s.Token)
	auth.AssertExpectations(t)
}

func TestManager_RefreshUnauthorizedSignsOut(t *testing.T) {
	store := newCountingStore()
	auth := new(mockAuth)
	m := signedInManager(t, store, auth)

	var events []EventKind
	m.Subscribe(func(ev Event) { events = append(events, ev.Kind) })

	authErr := apierrors.FromStatus("oauth/refresh", 401, "", "Invalid or expired session")
	auth.On("Refresh", mock.Anything, mock.Anything).Return(nil, authErr).Once()

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, apierrors.ErrAuthenticationRequired)

	_, signedIn := m.Current()
	assert.False(t, signedIn)
	_, loadErr := store.Load(context.Background(), "session_test")
	assert.ErrorIs(t, loadErr, ErrNotFound)
	assert.Equal(t, []EventKind{EventSignedOut}, events)
}

func TestManager_RefreshWhileSignedOut(t *testing.T) {
	m := NewManager(newCountingStore(), new(mockAuth), Options{})
	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestManager_RefreshDiscardedAfterSignOut(t *testing.T) {
	store := newCountingStore()
	auth := &gatedAuth{token: "sealed-2", release: make(chan struct{}), started: make(chan struct{})}
	m := signedInManager(t, store, auth)

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		done <- err
	}()
	<-auth.started
	require.NoError(t, m.SignOut(context.Background()))
	close(auth.release)

	assert.ErrorIs(t, <-done, ErrSessionChanged)
	_, signedIn := m.Current()
	assert.False(t, signedIn, "a stale refresh must not resurrect the session")
}

func TestManager_CallerCancellationDoesNotCancelFlight(t *testing.T) {
	auth := &gatedAuth{token: "sealed-2", release: make(chan struct{}), started: make(chan struct{})}
	m := signedInManager(t, newCountingStore(), auth)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		done <- err
	}()
	<-auth.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	second := make(chan *Session, 1)
	go func() {
		s, _ := m.Refresh(context.Background())
		second <- s
	}()
	time.Sleep(20 * time.Millisecond)
	close(auth.release)

	s := <-second
	require.NotNil(t, s)
	assert.Equal(t, "sealed-2", s.Token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))
}

func TestManager_RefreshTokenSkipsWhenAlreadyRotated(t *testing.T) {
	auth := new(mockAuth)
	m := signedInManager(t, newCountingStore(), auth)

	token, err := m.RefreshToken(context.Background(), m.Generation(), "some-older-token")
	require.NoError(t, err)
	assert.Equal(t, "sealed-1", token)
	auth.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestManager_StaleGenerationIsIgnored(t *testing.T) {
	auth := new(mockAuth)
	m := signedInManager(t, newCountingStore(), auth)
	aliceGen := m.Generation()

	require.NoError(t, m.SignIn(context.Background(), Session{
		Token: "bob-1", DID: "did:plc:bob456", SessionID: "sess-2", Handle: "bob.coves.social",
	}))

	_, err := m.RefreshToken(context.Background(), aliceGen, "sealed-1")
	assert.ErrorIs(t, err, ErrSessionChanged)

	m.Invalidate(context.Background(), aliceGen)
	current, ok := m.Current()
	require.True(t, ok, "invalidating an old generation must not sign out the new user")
	assert.Equal(t, "did:plc:bob456", current.DID)
	auth.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestManager_RefreshTokenFailureSignsOut(t *testing.T) {
	auth := new(mockAuth)
	m := signedInManager(t, newCountingStore(), auth)

	netErr := apierrors.Network("oauth/refresh", errors.New("connection reset"))
	auth.On("Refresh", mock.Anything, mock.Anything).Return(nil, netErr).Once()

	_, err := m.RefreshToken(context.Background(), m.Generation(), "sealed-1")
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.True(t, apierrors.IsAuthError(err))
	_, ok := m.Current()
	assert.False(t, ok)
}

func TestManager_RefreshTokenCancelKeepsSession(t *testing.T) {
	auth := &gatedAuth{token: "sealed-2", release: make(chan struct{}), started: make(chan struct{})}
	m := signedInManager(t, newCountingStore(), auth)
	gen := m.Generation()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.RefreshToken(ctx, gen, "sealed-1")
		done <- err
	}()
	<-auth.started
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apierrors.IsAuthError(err))
	_, ok := m.Current()
	assert.True(t, ok)
	close(auth.release)
}

// slowSaveStore blocks Save while armed so tests can observe the manager
// mid-write.
type slowSaveStore struct {
	*countingStore
	armed   atomic.Bool
	saving  chan struct{}
	release chan struct{}
}

func (s *slowSaveStore) Save(ctx context.Context, key string, data []byte) error {
	if s.armed.CompareAndSwap(true, false) {
		close(s.saving)
		<-s.release
	}
	return s.countingStore.Save(ctx, key, data)
}

func TestManager_ReadsDoNotWaitForRefreshWrite(t *testing.T) {
	store := &slowSaveStore{countingStore: newCountingStore(), saving: make(chan struct{}), release: make(chan struct{})}
	auth := &gatedAuth{token: "sealed-2"}
	m := signedInManager(t, store, auth)
	store.armed.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		done <- err
	}()
	<-store.saving

	read := make(chan string, 1)
	go func() {
		token, _, _ := m.Token()
		read <- token
	}()
	select {
	case token := <-read:
		assert.Equal(t, "sealed-1", token, "the rotated token is visible only once stored")
	case <-time.After(time.Second):
		t.Fatal("Token blocked behind the storage write")
	}

	close(store.release)
	require.NoError(t, <-done)
	token, _, _ := m.Token()
	assert.Equal(t, "sealed-2", token)
}

func TestManager_RefreshKeepsConcurrentHandleChange(t *testing.T) {
	auth := &gatedAuth{token: "sealed-2", release: make(chan struct{}), started: make(chan struct{})}
	m := signedInManager(t, newCountingStore(), auth)

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		done <- err
	}()
	<-auth.started
	require.NoError(t, m.UpdateHandle(context.Background(), "alice.example.com"))
	close(auth.release)
	require.NoError(t, <-done)

	s, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "sealed-2", s.Token)
	assert.Equal(t, "alice.example.com", s.Handle)
}

func TestManager_RestoreUsesEnvironmentKey(t *testing.T) {
	store := newCountingStore()
	prod := NewManager(store, new(mockAuth), Options{Environment: "production"})
	require.NoError(t, prod.SignIn(context.Background(), testSession()))

	local := NewManager(store, new(mockAuth), Options{Environment: "local"})
	found, err := local.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, found, "sessions never leak across environments")

	again := NewManager(store, new(mockAuth), Options{Environment: "Production"})
	found, err = again.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, found)

	s, ok := again.Current()
	require.True(t, ok)
	assert.Equal(t, "did:plc:alice123", s.DID)
	assert.Equal(t, "session_production", again.StorageKey())
}

func TestManager_RestoreDiscardsCorruptBlob(t *testing.T) {
	store := newCountingStore()
	require.NoError(t, store.Save(context.Background(), "session_test", []byte("{garbage")))

	m := NewManager(store, new(mockAuth), Options{Environment: "test"})
	found, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	_, err = store.Load(context.Background(), "session_test")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SignInRejectsInvalidSession(t *testing.T) {
	m := NewManager(newCountingStore(), new(mockAuth), Options{})

	bad := testSession()
	bad.DID = "alice"
	err := m.SignIn(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidSession)

	bad = testSession()
	bad.Token = ""
	assert.ErrorIs(t, m.SignIn(context.Background(), bad), ErrInvalidSession)
}

func TestManager_SignOutBumpsGenerationEvenIfLogoutFails(t *testing.T) {
	store := newCountingStore()
	auth := new(mockAuth)
	m := signedInManager(t, store, auth)
	gen := m.Generation()

	auth.On("Logout", mock.Anything, mock.Anything).Return(errors.New("offline")).Once()
	require.NoError(t, m.SignOut(context.Background()))

	assert.Greater(t, m.Generation(), gen)
	_, signedIn := m.Current()
	assert.False(t, signedIn)
	_, err := store.Load(context.Background(), "session_test")
	assert.ErrorIs(t, err, ErrNotFound)

	// Second sign-out is a no-op.
	require.NoError(t, m.SignOut(context.Background()))
	auth.AssertExpectations(t)
}

func TestManager_UpdateHandlePersists(t *testing.T) {
	store := newCountingStore()
	m := signedInManager(t, store, new(mockAuth))

	require.NoError(t, m.UpdateHandle(context.Background(), "alice.example.com"))

	restored := NewManager(store, new(mockAuth), Options{Environment: "test"})
	found, err := restored.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	s, _ := restored.Current()
	assert.Equal(t, "alice.example.com", s.Handle)
}

func TestManager_NeedsRefresh(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	signed := func(exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
		s, err := tok.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name   string
		access string
		want   bool
	}{
		{name: "no access token", access: "", want: false},
		{name: "opaque token", access: "not-a-jwt", want: false},
		{name: "expires soon", access: signed(now.Add(30 * time.Second)), want: true},
		{name: "already expired", access: signed(now.Add(-time.Minute)), want: true},
		{name: "fresh", access: signed(now.Add(time.Hour)), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(newCountingStore(), new(mockAuth), Options{Now: func() time.Time { return now }})
			s := testSession()
			s.AccessToken = tt.access
			require.NoError(t, m.SignIn(context.Background(), s))
			assert.Equal(t, tt.want, m.NeedsRefresh(2*time.Minute))
		})
	}
}

func TestStorageKey(t *testing.T) {
	assert.Equal(t, "session_production", StorageKey("production"))
	assert.Equal(t, "session_local", StorageKey(" Local "))
	assert.Equal(t, "session_default", StorageKey(""))
}
