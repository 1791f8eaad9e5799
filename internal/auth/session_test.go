package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"

	"github.com/flowroll/flowroll/internal/remote"
	"github.com/flowroll/flowroll/internal/storage"
	"github.com/flowroll/flowroll/internal/store"
)

type fakeRefresher struct {
	calls int
	err   error
	next  *remote.TokenResponse
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*remote.TokenResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.next != nil {
		return f.next, nil
	}
	tr := &remote.TokenResponse{
		AccessToken:  fmt.Sprintf("access-%d", f.calls),
		RefreshToken: fmt.Sprintf("refresh-%d", f.calls),
		ExpiresIn:    3600,
	}
	return tr, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T, r Refresher) (*Manager, *store.KV, *clock) {
	t.Helper()
	backend, err := storage.NewFileBackend(afero.NewMemMapFs(), "/data")
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	kv := store.NewKV(backend)
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(kv, r, &Config{Logger: log.New(io.Discard, "", 0), Now: c.now})
	return m, kv, c
}

func tokenResponse(userID string, expiresIn int64) *remote.TokenResponse {
	tr := &remote.TokenResponse{AccessToken: "access-0", RefreshToken: "refresh-0", ExpiresIn: expiresIn}
	tr.User.ID = userID
	return tr
}

func TestManager_StartPersists(t *testing.T) {
	ctx := context.Background()
	m, kv, c := setup(t, &fakeRefresher{})

	if _, err := m.UserID(ctx); !errors.Is(err, ErrSignedOut) {
		t.Fatalf("UserID before sign-in = %v, want ErrSignedOut", err)
	}

	s, err := m.Start(ctx, tokenResponse("user_42", 3600))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.ExpiresAt.Equal(c.t.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want one hour from now", s.ExpiresAt)
	}

	// A new manager over the same store sees the session.
	other := NewManager(kv, &fakeRefresher{}, &Config{Logger: log.New(io.Discard, "", 0), Now: c.now})
	uid, err := other.UserID(ctx)
	if err != nil {
		t.Fatalf("UserID failed: %v", err)
	}
	if uid != "user_42" {
		t.Errorf("UserID = %q, want user_42", uid)
	}
}

func TestManager_TokenRefreshesWhenExpired(t *testing.T) {
	ctx := context.Background()
	r := &fakeRefresher{}
	m, _, c := setup(t, r)

	if _, err := m.Start(ctx, tokenResponse("user_42", 60)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tok, err := m.Token(ctx)
	if err != nil || tok != "access-0" {
		t.Fatalf("Token = %q, %v; want access-0", tok, err)
	}
	if r.calls != 0 {
		t.Errorf("refreshed a valid token")
	}

	// Expiry at exactly now counts as expired.
	c.t = c.t.Add(60 * time.Second)
	tok, err = m.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "access-1" || r.calls != 1 {
		t.Errorf("Token = %q after %d refreshes, want access-1 after 1", tok, r.calls)
	}

	uid, _ := m.UserID(ctx)
	if uid != "user_42" {
		t.Errorf("refresh lost the user id: %q", uid)
	}
}

func TestManager_RejectedRefreshSignsOut(t *testing.T) {
	ctx := context.Background()
	r := &fakeRefresher{err: &remote.Error{Method: "POST", Path: "/auth/v1/token", StatusCode: http.StatusBadRequest, Body: "invalid refresh token"}}
	m, kv, _ := setup(t, r)

	if _, err := m.Start(ctx, tokenResponse("user_42", 3600)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err := m.Refresh(ctx)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Refresh = %v, want ErrAuthExpired", err)
	}
	if s, _ := m.Session(ctx); s != nil {
		t.Error("session still present after rejected refresh")
	}

	var persisted Session
	if ok, _ := kv.Get(ctx, SessionKey, &persisted); ok {
		t.Error("session still persisted after rejected refresh")
	}

	tok, err := m.Token(ctx)
	if err != nil || tok != "" {
		t.Errorf("Token after sign-out = %q, %v; want empty", tok, err)
	}
}

func TestManager_TransportFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	r := &fakeRefresher{err: fmt.Errorf("%w: connection refused", remote.ErrUnreachable)}
	m, _, _ := setup(t, r)

	if _, err := m.Start(ctx, tokenResponse("user_42", 3600)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err := m.Refresh(ctx)
	if err == nil || errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Refresh = %v, want a non-expiry error", err)
	}
	if s, _ := m.Session(ctx); s == nil {
		t.Error("session cleared by a transport failure")
	}
}

type recordingRevoker struct{ tokens []string }

func (r *recordingRevoker) SignOut(_ context.Context, token string) error {
	r.tokens = append(r.tokens, token)
	return errors.New("offline")
}

func TestManager_SignOut(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t, &fakeRefresher{})

	if _, err := m.Start(ctx, tokenResponse("user_42", 3600)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rev := &recordingRevoker{}
	if err := m.SignOut(ctx, rev); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if len(rev.tokens) != 1 || rev.tokens[0] != "access-0" {
		t.Errorf("revoked tokens = %v", rev.tokens)
	}
	if _, err := m.UserID(ctx); !errors.Is(err, ErrSignedOut) {
		t.Errorf("UserID after SignOut = %v, want ErrSignedOut", err)
	}
}

func TestSessionFromToken_Claims(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user_7",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	s, err := SessionFromToken(&remote.TokenResponse{AccessToken: access, RefreshToken: "r"}, time.Now())
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if s.UserID != "user_7" {
		t.Errorf("UserID = %q, want user_7", s.UserID)
	}
	if !s.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, exp)
	}

	if _, err := SessionFromToken(&remote.TokenResponse{AccessToken: "not-a-jwt"}, time.Now()); err == nil {
		t.Error("expected error for opaque token without expiry")
	}
}
