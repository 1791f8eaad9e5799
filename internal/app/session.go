package app

import (
	"context"
	"fmt"

	"github.com/flowroll/flowroll/internal/auth"
	"github.com/flowroll/flowroll/internal/ledger"
	"github.com/flowroll/flowroll/internal/migrate"
	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/remote"
	"github.com/flowroll/flowroll/internal/sync"
)

// SignInResult describes what happened after authenticating.
type SignInResult struct {
	Session   *auth.Session
	Migration *migrate.Result
	Reports   []*sync.Report

	// SyncErr is the error of the first sync, if any. Signing in succeeds
	// regardless; the records stay local until the next sync.
	SyncErr error
}

// SignIn authenticates with email and password, moves anonymous records
// to the user and runs one incremental sync.
func (a *App) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	tr, err := a.Remote.Auth().SignIn(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	return a.start(ctx, tr)
}

// SignUp creates an account, then behaves like SignIn.
func (a *App) SignUp(ctx context.Context, email, password string) (*SignInResult, error) {
	tr, err := a.Remote.Auth().SignUp(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("failed to sign up: %w", err)
	}
	return a.start(ctx, tr)
}

func (a *App) start(ctx context.Context, tr *remote.TokenResponse) (*SignInResult, error) {
	anon, err := a.KV.AnonymousID(ctx)
	if err != nil {
		return nil, err
	}

	s, err := a.Auth.Start(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	res := &SignInResult{Session: s}

	// The account's profile always wins over the device's anonymous one.
	// Without knowing whether it exists, the anonymous profile stays put.
	withProfile := true
	if err := a.fetchProfile(ctx, s.UserID); err != nil {
		a.logger.Printf("WARNING: Failed to fetch profile of %s, not migrating the local one: %v", s.UserID, err)
		withProfile = false
	}

	// A partial migration is reported but does not undo the sign-in.
	res.Migration, err = a.migrator(false, withProfile).Migrate(ctx, anon, s.UserID)
	if err != nil && res.Migration == nil {
		return res, fmt.Errorf("failed to migrate local records: %w", err)
	}

	res.Reports, res.SyncErr = a.Sync.Incremental(ctx)
	if res.SyncErr != nil {
		a.logger.Printf("WARNING: Initial sync failed: %v", res.SyncErr)
	}
	return res, nil
}

// fetchProfile stores the user's remote profile locally unless the device
// already has one, and marks it synced.
func (a *App) fetchProfile(ctx context.Context, userID string) error {
	local, err := a.Profiles.List(ctx, userID)
	if err != nil {
		return err
	}
	if len(local) > 0 {
		return nil
	}

	var rows []*record.Profile
	q := remote.NewQuery().Eq("id", userID).Limit(1)
	if err := a.Remote.Select(ctx, record.Profiles, q, &rows); err != nil {
		return fmt.Errorf("failed to fetch profile: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	p := rows[0]
	if err := a.Profiles.Save(ctx, p); err != nil {
		return err
	}
	at := a.now().UTC()
	if p.UpdatedAt.After(at) {
		at = p.UpdatedAt
	}
	return ledger.New(a.backend, record.Profiles).MarkSynced(ctx, p.ID, at)
}

// MigrateAnonymous copies the device's anonymous records to the signed-in
// user. It is safe to run more than once.
func (a *App) MigrateAnonymous(ctx context.Context, dryRun bool) (*migrate.Result, error) {
	user, err := a.Auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	anon, err := a.KV.AnonymousID(ctx)
	if err != nil {
		return nil, err
	}
	return a.Migrator(dryRun).Migrate(ctx, anon, user)
}

// SignOut ends the session locally and on the server. Local records are
// kept.
func (a *App) SignOut(ctx context.Context) error {
	var revoker auth.Revoker
	if a.Remote.Configured() {
		revoker = a.Remote.Auth()
	}
	return a.Auth.SignOut(ctx, revoker)
}
