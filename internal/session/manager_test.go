package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vishaldhakal/nisimatsuya-client/internal/clock"
	"github.com/vishaldhakal/nisimatsuya-client/internal/domain"
	"github.com/vishaldhakal/nisimatsuya-client/internal/pubsub"
	"github.com/vishaldhakal/nisimatsuya-client/internal/storage"
	"github.com/vishaldhakal/nisimatsuya-client/internal/token"
)

var testNow = time.Unix(1_700_000_000, 0)

type mockAPI struct {
	mu           sync.Mutex
	refreshCalls int
	refreshFn    func(refreshToken string) (*domain.TokenResponse, error)
	loginFn      func(email, password string) (*domain.TokenResponse, error)
	logoutErr    error
	logoutCalls  int
}

func (m *mockAPI) Login(_ context.Context, email, password string) (*domain.TokenResponse, error) {
	return m.loginFn(email, password)
}

func (m *mockAPI) Signup(_ context.Context, _ domain.SignupRequest) (*domain.TokenResponse, error) {
	return nil, assert.AnError
}

func (m *mockAPI) RefreshToken(_ context.Context, refreshToken string) (*domain.TokenResponse, error) {
	m.mu.Lock()
	m.refreshCalls++
	m.mu.Unlock()
	return m.refreshFn(refreshToken)
}

func (m *mockAPI) Logout(_ context.Context, _ string) error {
	m.mu.Lock()
	m.logoutCalls++
	m.mu.Unlock()
	return m.logoutErr
}

func (m *mockAPI) refreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

type fixture struct {
	manager *Manager
	kv      *storage.MemoryStore
	clk     *clock.Fake
	api     *mockAPI
	bus     *pubsub.Bus
	lost    *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kv := storage.NewMemoryStore()
	clk := clock.NewFake(testNow)
	bus := pubsub.NewBus()
	mock := &mockAPI{}
	var lost atomic.Int32

	m := NewManager(kv, bus, clk, mock, zap.NewNop(), func() {
		lost.Add(1)
	})
	t.Cleanup(m.Close)

	return &fixture{manager: m, kv: kv, clk: clk, api: mock, bus: bus, lost: &lost}
}

func (f *fixture) install(t *testing.T, accessExp, refreshExp time.Time) *domain.Session {
	t.Helper()
	sess, err := f.manager.SetSession(context.Background(), &domain.TokenResponse{
		AccessToken:  signedToken(t, accessExp),
		RefreshToken: signedToken(t, refreshExp),
		User:         json.RawMessage(`{"id": 42, "email": "mom@example.com"}`),
	})
	require.NoError(t, err)
	return sess
}

func TestCreateSession_StampsAndBindsDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.manager.CreateSession(ctx, &domain.TokenResponse{
		AccessToken:  "a",
		RefreshToken: "r",
	})

	assert.Equal(t, testNow.UnixMilli(), sess.CreatedAt)
	assert.Equal(t, testNow.UnixMilli(), sess.LastActivity)
	assert.Regexp(t, `^device_`, sess.DeviceID)

	// The device id is generated once and reused.
	again := f.manager.CreateSession(ctx, &domain.TokenResponse{AccessToken: "a2"})
	assert.Equal(t, sess.DeviceID, again.DeviceID)
}

func TestSetSession_PersistsBlobAndCompatKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))

	blob, err := f.kv.Get(ctx, KeySession)
	require.NoError(t, err)
	var stored domain.Session
	require.NoError(t, json.Unmarshal(blob, &stored))
	assert.Equal(t, sess.AccessToken, stored.AccessToken)
	assert.Equal(t, sess.DeviceID, stored.DeviceID)

	access, err := f.kv.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.AccessToken, string(access))

	user, err := f.kv.Get(ctx, KeyUser)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 42, "email": "mom@example.com"}`, string(user))
}

func TestSetSession_ArmsRefreshTimer(t *testing.T) {
	f := newFixture(t)

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))
	assert.Equal(t, 1, f.clk.Pending())
}

func TestGetSession_ValidWhileRefreshable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Access token already dead, refresh token alive: still a session.
	f.install(t, testNow.Add(-time.Hour), testNow.Add(24*time.Hour))

	sess, err := f.manager.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
}

func TestGetSession_PurgesDoubleExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(-2*time.Hour), testNow.Add(-time.Hour))

	sess, err := f.manager.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	for _, key := range []string{KeySession, KeyAccessToken, KeyRefreshToken, KeyUser} {
		_, err := f.kv.Get(ctx, key)
		assert.ErrorIs(t, err, storage.ErrNotFound, "key %s should be purged", key)
	}
}

func TestGetSession_StampsLastActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))
	f.clk.Advance(10 * time.Minute)

	sess, err := f.manager.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, testNow.Add(10*time.Minute).UnixMilli(), sess.LastActivity)
	assert.Equal(t, testNow.UnixMilli(), sess.CreatedAt)
}

func TestGetSession_FallsBackToCompatKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Only the individual keys an older build wrote, no blob.
	access := signedToken(t, testNow.Add(time.Hour))
	refresh := signedToken(t, testNow.Add(24*time.Hour))
	require.NoError(t, f.kv.Set(ctx, KeyAccessToken, []byte(access)))
	require.NoError(t, f.kv.Set(ctx, KeyRefreshToken, []byte(refresh)))

	sess, err := f.manager.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, access, sess.AccessToken)
	assert.Equal(t, refresh, sess.RefreshToken)
}

func TestGetSession_NoSession(t *testing.T) {
	f := newFixture(t)

	sess, err := f.manager.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestHandleTokenRefresh_ReplacesTokensInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))

	newAccess := signedToken(t, testNow.Add(2*time.Hour))
	newRefresh := signedToken(t, testNow.Add(48*time.Hour))
	f.api.refreshFn = func(rt string) (*domain.TokenResponse, error) {
		assert.Equal(t, before.RefreshToken, rt)
		return &domain.TokenResponse{AccessToken: newAccess, RefreshToken: newRefresh}, nil
	}

	require.NoError(t, f.manager.HandleTokenRefresh(ctx))

	after := f.manager.Current()
	require.NotNil(t, after)
	assert.Equal(t, newAccess, after.AccessToken)
	assert.Equal(t, newRefresh, after.RefreshToken)
	assert.Equal(t, before.DeviceID, after.DeviceID)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestHandleTokenRefresh_KeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))

	f.api.refreshFn = func(string) (*domain.TokenResponse, error) {
		return &domain.TokenResponse{AccessToken: signedToken(t, testNow.Add(2*time.Hour))}, nil
	}

	require.NoError(t, f.manager.HandleTokenRefresh(ctx))

	after := f.manager.Current()
	require.NotNil(t, after)
	assert.Equal(t, before.RefreshToken, after.RefreshToken)
}

func TestHandleTokenRefresh_FailureClearsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))
	f.api.refreshFn = func(string) (*domain.TokenResponse, error) {
		return nil, assert.AnError
	}

	err := f.manager.HandleTokenRefresh(ctx)
	require.Error(t, err)

	assert.Nil(t, f.manager.Current())
	assert.Equal(t, int32(1), f.lost.Load())
	_, getErr := f.kv.Get(ctx, KeySession)
	assert.ErrorIs(t, getErr, storage.ErrNotFound)
}

func TestHandleTokenRefresh_ExpiredRefreshTokenIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A stored session whose refresh path is already dead.
	stale := &domain.Session{
		AccessToken:  signedToken(t, testNow.Add(-2*time.Hour)),
		RefreshToken: signedToken(t, testNow.Add(-time.Hour)),
	}
	blob, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, f.kv.Set(ctx, KeySession, blob))

	err = f.manager.HandleTokenRefresh(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 0, f.api.refreshCount())
	assert.Equal(t, int32(1), f.lost.Load())
}

func TestHandleTokenRefresh_ConcurrentCallsCollapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))

	release := make(chan struct{})
	f.api.refreshFn = func(string) (*domain.TokenResponse, error) {
		<-release
		return &domain.TokenResponse{AccessToken: signedToken(t, testNow.Add(2*time.Hour))}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.manager.HandleTokenRefresh(ctx)
		}()
	}

	// Give the goroutines a moment to pile onto the singleflight key.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.api.refreshCount())
}

func TestScheduledRefresh_FiresAtThreshold(t *testing.T) {
	f := newFixture(t)

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))

	refreshed := make(chan struct{})
	f.api.refreshFn = func(string) (*domain.TokenResponse, error) {
		close(refreshed)
		return &domain.TokenResponse{
			AccessToken:  signedToken(t, testNow.Add(3*time.Hour)),
			RefreshToken: signedToken(t, testNow.Add(48*time.Hour)),
		}, nil
	}

	// Timer is armed for expiry minus the threshold.
	f.clk.Advance(time.Hour - token.RefreshThreshold)

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled refresh never fired")
	}
}

func TestSetupTokenRefresh_InsideThresholdRefreshesImmediately(t *testing.T) {
	f := newFixture(t)

	refreshed := make(chan struct{})
	f.api.refreshFn = func(string) (*domain.TokenResponse, error) {
		close(refreshed)
		return &domain.TokenResponse{
			AccessToken:  signedToken(t, testNow.Add(time.Hour)),
			RefreshToken: signedToken(t, testNow.Add(48*time.Hour)),
		}, nil
	}

	// Access token expires in two minutes: inside the threshold but alive.
	f.install(t, testNow.Add(2*time.Minute), testNow.Add(24*time.Hour))

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate refresh never fired")
	}
}

func TestSetupTokenRefresh_DeadTokenArmsNothing(t *testing.T) {
	f := newFixture(t)

	f.manager.SetupTokenRefresh(signedToken(t, testNow.Add(-time.Hour)))
	assert.Equal(t, 0, f.clk.Pending())
	assert.Equal(t, 0, f.api.refreshCount())

	f.manager.SetupTokenRefresh("not-a-token")
	assert.Equal(t, 0, f.clk.Pending())
}

func TestClearSession_IsIdempotentAndCancelsTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))
	require.Equal(t, 1, f.clk.Pending())

	f.manager.ClearSession(ctx)
	f.manager.ClearSession(ctx)

	assert.Nil(t, f.manager.Current())
	assert.Equal(t, 0, f.clk.Pending())

	// The device id survives a logout.
	_, err := f.kv.Get(ctx, KeyDeviceID)
	assert.NoError(t, err)
}

func TestReconcile_IgnoredDuringLogoutGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))
	f.manager.ClearSession(ctx)

	// A stale writer re-persists a session right after our logout.
	stale := &domain.Session{
		AccessToken:  signedToken(t, testNow.Add(time.Hour)),
		RefreshToken: signedToken(t, testNow.Add(24*time.Hour)),
	}
	blob, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, f.kv.Set(ctx, KeySession, blob))

	f.manager.reconcile()
	assert.Nil(t, f.manager.Current(), "stale write must not resurrect the session inside the grace window")

	// After the grace window the same update is honored.
	f.clk.Advance(2 * logoutGrace)
	f.manager.reconcile()
	require.NotNil(t, f.manager.Current())
	assert.Equal(t, stale.AccessToken, f.manager.Current().AccessToken)
}

func TestReconcile_DropsSessionClearedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))

	// Another writer wiped the stored session.
	for _, key := range []string{KeySession, KeyAccessToken, KeyRefreshToken, KeyUser} {
		require.NoError(t, f.kv.Delete(ctx, key))
	}

	f.manager.reconcile()
	assert.Nil(t, f.manager.Current())
	assert.Equal(t, 0, f.clk.Pending())
}

func TestInitialize_RehydratesAndRearms(t *testing.T) {
	kv := storage.NewMemoryStore()
	clk := clock.NewFake(testNow)
	bus := pubsub.NewBus()
	mock := &mockAPI{}
	ctx := context.Background()

	// A previous process persisted a healthy session.
	seed := NewManager(kv, bus, clk, mock, zap.NewNop(), nil)
	_, err := seed.SetSession(ctx, &domain.TokenResponse{
		AccessToken:  signedToken(t, testNow.Add(time.Hour)),
		RefreshToken: signedToken(t, testNow.Add(24*time.Hour)),
	})
	require.NoError(t, err)
	seed.Close()

	m := NewManager(kv, bus, clk, mock, zap.NewNop(), nil)
	defer m.Close()
	require.NoError(t, m.Initialize(ctx))

	require.NotNil(t, m.Current())
	assert.Equal(t, 1, clk.Pending())
}

func TestInitialize_NoStoredSession(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.manager.Initialize(context.Background()))
	assert.Nil(t, f.manager.Current())
	assert.Equal(t, 0, f.clk.Pending())
}

func TestLogin_InstallsSession(t *testing.T) {
	f := newFixture(t)

	f.api.loginFn = func(email, password string) (*domain.TokenResponse, error) {
		assert.Equal(t, "mom@example.com", email)
		return &domain.TokenResponse{
			AccessToken:  signedToken(t, testNow.Add(time.Hour)),
			RefreshToken: signedToken(t, testNow.Add(24*time.Hour)),
		}, nil
	}

	sess, err := f.manager.Login(context.Background(), "mom@example.com", "hunter22")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.NotNil(t, f.manager.Current())
}

func TestLogout_ClearsLocallyEvenWhenRemoteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))
	f.api.logoutErr = assert.AnError

	f.manager.Logout(ctx)

	assert.Nil(t, f.manager.Current())
	_, err := f.kv.Get(ctx, KeySession)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTouchActivity_BumpsStamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, testNow.Add(time.Hour), testNow.Add(24*time.Hour))
	f.clk.Advance(time.Minute)

	f.manager.TouchActivity(ctx)

	sess := f.manager.Current()
	require.NotNil(t, sess)
	assert.Equal(t, testNow.Add(time.Minute).UnixMilli(), sess.LastActivity)
}

func TestTouchActivity_NoSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.NotPanics(t, func() {
		f.manager.TouchActivity(context.Background())
	})
}
