// Package auth keeps the signed-in session: it persists the tokens, refreshes
// the access token when it expires and signs the user out when a refresh is
// rejected. Signing out only clears the session; local records stay usable.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowroll/flowroll/internal/remote"
)

// SessionKey is the settings key the session is persisted under.
const SessionKey = "session"

var (
	// ErrAuthExpired is returned when the session could not be refreshed.
	// The session has been cleared by the time the caller sees it.
	ErrAuthExpired = errors.New("session expired, sign in again")

	// ErrSignedOut is returned by operations that need a session when there
	// is none.
	ErrSignedOut = errors.New("not signed in")
)

// Session is the persisted authentication state.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
}

// Expired reports whether the access token is at or past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SessionFromToken builds a session from an auth response. Expiry and user
// id fall back to the access token's exp and sub claims when the response
// omits them. The user id may still be empty for refresh responses.
func SessionFromToken(tr *remote.TokenResponse, now time.Time) (*Session, error) {
	if tr == nil || tr.AccessToken == "" {
		return nil, fmt.Errorf("auth response has no access token")
	}

	s := &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
	}

	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0).UTC()
	case tr.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}

	if s.ExpiresAt.IsZero() || s.UserID == "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err == nil {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && s.ExpiresAt.IsZero() {
				s.ExpiresAt = exp.Time.UTC()
			}
			if sub, err := claims.GetSubject(); err == nil && s.UserID == "" {
				s.UserID = sub
			}
		}
	}
	if s.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("auth response has no expiry")
	}
	return s, nil
}

// SessionStore persists the session. store.KV implements it.
type SessionStore interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// Refresher exchanges a refresh token for a new session.
// remote.AuthAPI implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*remote.TokenResponse, error)
}

// Revoker invalidates a session on the server.
type Revoker interface {
	SignOut(ctx context.Context, accessToken string) error
}

// Config configures a Manager.
type Config struct {
	Logger *log.Logger
	Now    func() time.Time
}

// Manager owns the current session. It implements remote.TokenSource.
type Manager struct {
	mu        sync.Mutex
	store     SessionStore
	refresher Refresher
	logger    *log.Logger
	now       func() time.Time

	loaded  bool
	session *Session
}

// NewManager creates a Manager. cfg may be nil.
func NewManager(store SessionStore, refresher Refresher, cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	m := &Manager{
		store:     store,
		refresher: refresher,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if m.logger == nil {
		m.logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) loadLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	var s Session
	ok, err := m.store.Get(ctx, SessionKey, &s)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if ok && s.AccessToken != "" {
		m.session = &s
	}
	m.loaded = true
	return nil
}

// Start persists a new session after sign-in or sign-up.
func (m *Manager) Start(ctx context.Context, tr *remote.TokenResponse) (*Session, error) {
	s, err := SessionFromToken(tr, m.now())
	if err != nil {
		return nil, err
	}
	if s.UserID == "" {
		return nil, fmt.Errorf("auth response has no user id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(ctx, SessionKey, s); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	m.session = s
	m.loaded = true
	m.logger.Printf("Signed in as %s", s.UserID)

	cp := *s
	return &cp, nil
}

// Session returns a copy of the current session, or nil when signed out.
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	if m.session == nil {
		return nil, nil
	}
	cp := *m.session
	return &cp, nil
}

// UserID returns the signed-in user, or ErrSignedOut.
func (m *Manager) UserID(ctx context.Context) (string, error) {
	s, err := m.Session(ctx)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", ErrSignedOut
	}
	return s.UserID, nil
}

// Token implements remote.TokenSource. It refreshes the access token first
// when it is at or past its expiry. Without a session it returns an empty
// token so requests go out with the API key only.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return "", err
	}
	if m.session == nil {
		return "", nil
	}
	if m.session.Expired(m.now()) {
		return m.refreshLocked(ctx)
	}
	return m.session.AccessToken, nil
}

// Refresh implements remote.TokenSource.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return "", err
	}
	if m.session == nil {
		return "", ErrSignedOut
	}
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	tr, err := m.refresher.Refresh(ctx, m.session.RefreshToken)
	if err == nil {
		var s *Session
		s, err = SessionFromToken(tr, m.now())
		if err == nil {
			if s.UserID == "" {
				s.UserID = m.session.UserID
			}
			if s.Email == "" {
				s.Email = m.session.Email
			}
			if serr := m.store.Set(ctx, SessionKey, s); serr != nil {
				m.logger.Printf("WARNING: failed to persist refreshed session: %v", serr)
			}
			m.session = s
			return s.AccessToken, nil
		}
	}

	// Transport failures leave the session alone; the next call retries.
	if remote.IsRetryable(err) {
		return "", fmt.Errorf("failed to refresh session: %w", err)
	}

	m.logger.Printf("Session refresh rejected, signing out: %v", err)
	if cerr := m.clearLocked(ctx); cerr != nil {
		m.logger.Printf("WARNING: failed to clear session: %v", cerr)
	}
	return "", fmt.Errorf("%w: %w", ErrAuthExpired, err)
}

func (m *Manager) clearLocked(ctx context.Context) error {
	m.session = nil
	m.loaded = true
	return m.store.Delete(ctx, SessionKey)
}

// SignOut clears the session. When revoker is non-nil the server-side
// session is revoked too; a failure there is logged and otherwise ignored.
func (m *Manager) SignOut(ctx context.Context, revoker Revoker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return err
	}
	if m.session != nil && revoker != nil {
		if err := revoker.SignOut(ctx, m.session.AccessToken); err != nil {
			m.logger.Printf("WARNING: failed to revoke session: %v", err)
		}
	}
	if err := m.clearLocked(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
