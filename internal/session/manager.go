package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vishaldhakal/nisimatsuya-client/internal/clock"
	"github.com/vishaldhakal/nisimatsuya-client/internal/domain"
	"github.com/vishaldhakal/nisimatsuya-client/internal/pubsub"
	"github.com/vishaldhakal/nisimatsuya-client/internal/storage"
	"github.com/vishaldhakal/nisimatsuya-client/internal/token"
)

// Storage keys. The individual token and user keys are kept alongside the
// consolidated blob for consumers of older storefront builds; the device id
// lives under its own key because it outlives any one session.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "auth_user"
	KeySession      = "session"
	KeyDeviceID     = "device_id"
)

const (
	// TopicUpdated is published whenever the manager mutates session state.
	TopicUpdated = "session.updated"

	// TopicActivity lets UI layers report user activity (pointer, key,
	// scroll analogs) without holding a reference to the manager.
	TopicActivity = "session.activity"

	// logoutGrace suppresses external storage updates right after a
	// logout, so a stale writer cannot resurrect a just-cleared session.
	logoutGrace = time.Second

	refreshCallTimeout = 15 * time.Second
)

var (
	ErrNoSession = errors.New("no active session")

	// ErrEmailVerificationRequired is returned by Signup when the account
	// was created but no session exists until the email is verified.
	ErrEmailVerificationRequired = errors.New("email verification required")
)

// AuthAPI is the slice of the identity provider the manager consumes.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*domain.TokenResponse, error)
	Signup(ctx context.Context, req domain.SignupRequest) (*domain.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenResponse, error)
	Logout(ctx context.Context, accessToken string) error
}

// Manager owns the authenticated session lifecycle: token decoding, expiry
// detection, scheduled refresh and cross-writer consistency. It is built
// once at startup and threaded through explicitly; there is no package
// level state.
type Manager struct {
	storage       storage.KeyValueStore
	bus           *pubsub.Bus
	clk           clock.Clock
	api           AuthAPI
	log           *zap.Logger
	onSessionLost func()

	mu              sync.Mutex
	current         *domain.Session
	refreshTimer    clock.Timer
	loggingOutUntil time.Time

	sfg     singleflight.Group
	cancels []func()
	done    chan struct{}
}

// NewManager wires a manager. onSessionLost fires after an unrecoverable
// session loss (the redirect-to-login hook); it may be nil.
func NewManager(kv storage.KeyValueStore, bus *pubsub.Bus, clk clock.Clock, authAPI AuthAPI, log *zap.Logger, onSessionLost func()) *Manager {
	return &Manager{
		storage:       kv,
		bus:           bus,
		clk:           clk,
		api:           authAPI,
		log:           log,
		onSessionLost: onSessionLost,
		done:          make(chan struct{}),
	}
}

// Initialize rehydrates any persisted valid session, re-arms its refresh
// timer and starts watching the bus for external storage changes and
// activity signals.
func (m *Manager) Initialize(ctx context.Context) error {
	sess, err := m.GetSession(ctx)
	if err != nil {
		return err
	}
	if sess != nil {
		m.mu.Lock()
		m.current = sess
		m.mu.Unlock()
		m.SetupTokenRefresh(sess.AccessToken)
	}

	storageCh, cancelStorage := m.bus.Subscribe(storage.TopicChange)
	activityCh, cancelActivity := m.bus.Subscribe(TopicActivity)
	m.mu.Lock()
	m.cancels = append(m.cancels, cancelStorage, cancelActivity)
	m.mu.Unlock()

	go m.watch(storageCh, activityCh)
	return nil
}

// Close stops the refresh timer and the bus watchers. The manager must not
// be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.stopTimerLocked()
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(m.done)
}

// Login authenticates and installs the resulting session.
func (m *Manager) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	tr, err := m.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.SetSession(ctx, tr)
}

// Signup registers an account. When the provider requires email
// verification before issuing tokens, no session is installed and
// ErrEmailVerificationRequired is returned.
func (m *Manager) Signup(ctx context.Context, req domain.SignupRequest) (*domain.Session, error) {
	tr, err := m.api.Signup(ctx, req)
	if err != nil {
		return nil, err
	}
	if tr.EmailVerificationRequired && tr.AccessToken == "" {
		return nil, ErrEmailVerificationRequired
	}
	return m.SetSession(ctx, tr)
}

// Logout revokes the session remotely (best-effort) and clears it locally
// regardless of the remote outcome: the client-side session is the
// authority for "am I logged in".
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	accessToken := ""
	if m.current != nil {
		accessToken = m.current.AccessToken
	}
	m.mu.Unlock()

	if accessToken != "" {
		if err := m.api.Logout(ctx, accessToken); err != nil {
			m.log.Warn("remote logout failed, clearing locally anyway", zap.Error(err))
		}
	}
	m.ClearSession(ctx)
}

// CreateSession builds the session aggregate from a token response,
// generating or reusing the persisted device id.
func (m *Manager) CreateSession(ctx context.Context, tr *domain.TokenResponse) *domain.Session {
	now := m.clk.Now().UnixMilli()
	return &domain.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		User:         tr.User,
		CreatedAt:    now,
		LastActivity: now,
		DeviceID:     m.ensureDeviceID(ctx),
	}
}

// SetSession persists a full session, stamps activity and arms the refresh
// timer.
func (m *Manager) SetSession(ctx context.Context, tr *domain.TokenResponse) (*domain.Session, error) {
	sess := m.CreateSession(ctx, tr)

	m.mu.Lock()
	if err := m.persistLocked(ctx, sess); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.current = sess
	m.mu.Unlock()

	m.SetupTokenRefresh(sess.AccessToken)
	m.bus.Publish(TopicUpdated, KeySession)
	return copySession(sess), nil
}

// GetSession reads the persisted session. A session whose access token is
// expired but whose refresh token still lives is returned (it is still
// refreshable); one with both tokens expired is purged and nil is returned.
func (m *Manager) GetSession(ctx context.Context) (*domain.Session, error) {
	sess := m.readStored(ctx)
	if sess == nil {
		return nil, nil
	}
	if !m.sessionValid(sess) {
		m.purgeStorage(ctx)
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		return nil, nil
	}

	sess.LastActivity = m.clk.Now().UnixMilli()
	m.mu.Lock()
	if err := m.persistLocked(ctx, sess); err != nil {
		m.log.Warn("failed to stamp session activity", zap.Error(err))
	}
	m.current = sess
	m.mu.Unlock()

	return copySession(sess), nil
}

// Current returns the in-memory session copy without touching storage.
func (m *Manager) Current() *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.current)
}

// HandleTokenRefresh exchanges the refresh token for new tokens in place.
// Concurrent invocations (timer plus explicit callers) collapse into a
// single network call. Failure is fatal to the session: it is cleared and
// the session-lost hook fires.
func (m *Manager) HandleTokenRefresh(ctx context.Context) error {
	_, err, _ := m.sfg.Do("refresh", func() (interface{}, error) {
		return nil, m.refreshOnce(ctx)
	})
	return err
}

func (m *Manager) refreshOnce(ctx context.Context) error {
	m.mu.Lock()
	sess := copySession(m.current)
	m.mu.Unlock()
	if sess == nil {
		sess = m.readStored(ctx)
	}

	if sess == nil || sess.RefreshToken == "" || token.IsExpired(m.clk, sess.RefreshToken) {
		m.sessionLost(ctx)
		return ErrNoSession
	}

	tr, err := m.api.RefreshToken(ctx, sess.RefreshToken)
	if err != nil {
		m.log.Warn("token refresh failed", zap.Error(err))
		m.sessionLost(ctx)
		return fmt.Errorf("token refresh failed: %w", err)
	}

	sess.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		sess.RefreshToken = tr.RefreshToken
	}
	sess.LastActivity = m.clk.Now().UnixMilli()

	m.mu.Lock()
	if err := m.persistLocked(ctx, sess); err != nil {
		m.log.Warn("failed to persist refreshed session", zap.Error(err))
	}
	m.current = sess
	m.mu.Unlock()

	m.SetupTokenRefresh(sess.AccessToken)
	m.bus.Publish(TopicUpdated, KeySession)
	return nil
}

// SetupTokenRefresh cancels any armed timer and schedules a refresh for
// RefreshThreshold before the token's expiry. A token already inside the
// threshold but not yet dead is refreshed immediately in the background
// instead of being left to rot.
func (m *Manager) SetupTokenRefresh(accessToken string) {
	m.mu.Lock()
	m.stopTimerLocked()
	m.mu.Unlock()

	exp, ok := token.ExpiresAt(accessToken)
	if !ok {
		return
	}

	delay := exp.Sub(m.clk.Now()) - token.RefreshThreshold
	if delay <= 0 {
		if !token.IsExpired(m.clk, accessToken) {
			go m.backgroundRefresh()
		}
		return
	}

	m.mu.Lock()
	m.refreshTimer = m.clk.AfterFunc(delay, m.backgroundRefresh)
	m.mu.Unlock()
}

// ClearSession removes every session key (the device id survives, it
// identifies the profile across sessions), cancels the refresh timer and
// opens the logout grace window. Idempotent.
func (m *Manager) ClearSession(ctx context.Context) {
	m.mu.Lock()
	m.stopTimerLocked()
	m.current = nil
	m.loggingOutUntil = m.clk.Now().Add(logoutGrace)
	m.mu.Unlock()

	m.purgeStorage(ctx)
	m.bus.Publish(TopicUpdated, KeySession)
}

// TouchActivity stamps LastActivity on the live session. Best-effort:
// called for correctness of idle accounting only, never required for auth.
func (m *Manager) TouchActivity(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.current.LastActivity = m.clk.Now().UnixMilli()
	if err := m.persistLocked(ctx, m.current); err != nil {
		m.log.Debug("failed to persist activity stamp", zap.Error(err))
	}
}

func (m *Manager) watch(storageCh, activityCh <-chan pubsub.Event) {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-storageCh:
			if !ok {
				return
			}
			if ev.Key == KeySession || ev.Key == KeyAccessToken || ev.Key == KeyRefreshToken {
				m.reconcile()
			}
		case _, ok := <-activityCh:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), refreshCallTimeout)
			m.TouchActivity(ctx)
			cancel()
		}
	}
}

// reconcile re-reads the stored session after an external change. During
// the logout grace window external updates are ignored: a stale writer must
// not resurrect a session this process just cleared.
func (m *Manager) reconcile() {
	m.mu.Lock()
	suppressed := m.clk.Now().Before(m.loggingOutUntil)
	m.mu.Unlock()
	if suppressed {
		m.log.Debug("ignoring storage change during logout grace window")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshCallTimeout)
	defer cancel()

	sess := m.readStored(ctx)
	if sess == nil || !m.sessionValid(sess) {
		m.mu.Lock()
		m.stopTimerLocked()
		m.current = nil
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	changed := m.current == nil || m.current.AccessToken != sess.AccessToken
	m.current = sess
	m.mu.Unlock()

	if changed {
		m.SetupTokenRefresh(sess.AccessToken)
	}
}

func (m *Manager) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshCallTimeout)
	defer cancel()

	if err := m.HandleTokenRefresh(ctx); err != nil {
		m.log.Warn("scheduled refresh did not recover the session", zap.Error(err))
	}
}

// sessionValid: unexpired access token, or an expired one that is still
// refreshable.
func (m *Manager) sessionValid(sess *domain.Session) bool {
	if !token.IsExpired(m.clk, sess.AccessToken) {
		return true
	}
	return sess.RefreshToken != "" && !token.IsExpired(m.clk, sess.RefreshToken)
}

// readStored loads the consolidated blob, falling back to the individual
// keys older builds wrote.
func (m *Manager) readStored(ctx context.Context) *domain.Session {
	if data, err := m.storage.Get(ctx, KeySession); err == nil {
		var sess domain.Session
		if err := json.Unmarshal(data, &sess); err == nil && sess.AccessToken != "" {
			return &sess
		}
		m.log.Warn("persisted session blob is corrupt, ignoring")
	}

	access, err := m.storage.Get(ctx, KeyAccessToken)
	if err != nil || len(access) == 0 {
		return nil
	}
	sess := &domain.Session{AccessToken: string(access)}
	if refresh, err := m.storage.Get(ctx, KeyRefreshToken); err == nil {
		sess.RefreshToken = string(refresh)
	}
	if user, err := m.storage.Get(ctx, KeyUser); err == nil {
		sess.User = json.RawMessage(user)
	}
	sess.DeviceID = m.ensureDeviceID(ctx)
	return sess
}

func (m *Manager) persistLocked(ctx context.Context, sess *domain.Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.storage.Set(ctx, KeySession, blob); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	// Compatibility keys are best-effort once the blob is down.
	if err := m.storage.Set(ctx, KeyAccessToken, []byte(sess.AccessToken)); err != nil {
		m.log.Debug("failed to persist access token key", zap.Error(err))
	}
	if err := m.storage.Set(ctx, KeyRefreshToken, []byte(sess.RefreshToken)); err != nil {
		m.log.Debug("failed to persist refresh token key", zap.Error(err))
	}
	if len(sess.User) > 0 {
		if err := m.storage.Set(ctx, KeyUser, sess.User); err != nil {
			m.log.Debug("failed to persist user key", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) purgeStorage(ctx context.Context) {
	for _, key := range []string{KeySession, KeyAccessToken, KeyRefreshToken, KeyUser} {
		if err := m.storage.Delete(ctx, key); err != nil {
			m.log.Debug("failed to remove session key", zap.String("key", key), zap.Error(err))
		}
	}
}

func (m *Manager) sessionLost(ctx context.Context) {
	m.ClearSession(ctx)
	if m.onSessionLost != nil {
		m.onSessionLost()
	}
}

// ensureDeviceID returns the persisted device id, generating one on first
// use. The format matches what earlier builds wrote: a device_ prefix, a
// random suffix and a creation timestamp.
func (m *Manager) ensureDeviceID(ctx context.Context) string {
	if data, err := m.storage.Get(ctx, KeyDeviceID); err == nil && len(data) > 0 {
		return string(data)
	}

	id := fmt.Sprintf("device_%s_%d", uuid.NewString(), m.clk.Now().UnixMilli())
	if err := m.storage.Set(ctx, KeyDeviceID, []byte(id)); err != nil {
		m.log.Warn("failed to persist device id", zap.Error(err))
	}
	return id
}

func (m *Manager) stopTimerLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

func copySession(sess *domain.Session) *domain.Session {
	if sess == nil {
		return nil
	}
	out := *sess
	if sess.User != nil {
		out.User = append(json.RawMessage(nil), sess.User...)
	}
	return &out
}
