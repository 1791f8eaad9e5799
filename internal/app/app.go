// Package app wires the local store, the remote client and the sync engine
// into the single object the fr command and the daemon work through.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/flowroll/flowroll/internal/auth"
	"github.com/flowroll/flowroll/internal/config"
	"github.com/flowroll/flowroll/internal/ledger"
	"github.com/flowroll/flowroll/internal/migrate"
	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/remote"
	"github.com/flowroll/flowroll/internal/storage"
	"github.com/flowroll/flowroll/internal/store"
	"github.com/flowroll/flowroll/internal/sync"
)

// Options configures Open. Only Config is required.
type Options struct {
	Config *config.Config

	// Fs backs the file storage backend. Nil means the OS filesystem.
	Fs afero.Fs

	Logger     *log.Logger
	Now        func() time.Time
	HTTPClient *http.Client

	// OnEvent receives sync events from the coordinator.
	OnEvent func(sync.Event)
}

// App is an open data directory.
type App struct {
	cfg     *config.Config
	backend storage.Backend
	logger  *log.Logger
	now     func() time.Time

	Techniques   *store.Collection[*record.Technique]
	Flows        *store.Collection[*record.Flow]
	TrainingLogs *store.Collection[*record.TrainingLog]
	Profiles     *store.ProfileStore
	KV           *store.KV

	Remote *remote.Client
	Auth   *auth.Manager
	Sync   *sync.Coordinator

	TechniqueView   *sync.View[*record.Technique]
	FlowView        *sync.View[*record.Flow]
	TrainingLogView *sync.View[*record.TrainingLog]
	ProfileView     *sync.View[*record.Profile]
}

// Open opens the data directory described by opts.Config, creating it if
// needed.
func Open(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[flowroll] ", log.LstdFlags)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	backend, err := openBackend(cfg, opts.Fs, logger)
	if err != nil {
		return nil, err
	}

	client, err := remote.New(remote.Config{
		BaseURL:    cfg.Remote.URL,
		APIKey:     cfg.Remote.APIKey,
		Timeout:    cfg.Remote.Timeout,
		HTTPClient: opts.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		now:     now,

		Techniques:   store.NewCollection[*record.Technique](backend, record.Techniques),
		Flows:        store.NewCollection[*record.Flow](backend, record.Flows),
		TrainingLogs: store.NewCollection[*record.TrainingLog](backend, record.TrainingLogs),
		Profiles:     store.NewProfileStore(backend),
		KV:           store.NewKV(backend),
		Remote:       client,

		TechniqueView:   sync.NewView[*record.Technique](),
		FlowView:        sync.NewView[*record.Flow](),
		TrainingLogView: sync.NewView[*record.TrainingLog](),
		ProfileView:     sync.NewView[*record.Profile](),
	}

	a.Auth = auth.NewManager(a.KV, client.Auth(), &auth.Config{Logger: logger, Now: now})
	client.SetTokenSource(a.Auth)

	a.Sync = sync.New(client, a.Auth, &sync.Config{
		Concurrency: cfg.Sync.Concurrency,
		Logger:      logger,
		Now:         now,
		OnEvent:     opts.OnEvent,
	},
		sync.NewTarget[*record.Technique](record.Techniques, a.Techniques, ledger.New(backend, record.Techniques), a.TechniqueView),
		sync.NewTarget[*record.Flow](record.Flows, a.Flows, ledger.New(backend, record.Flows), a.FlowView),
		sync.NewTarget[*record.TrainingLog](record.TrainingLogs, a.TrainingLogs, ledger.New(backend, record.TrainingLogs), a.TrainingLogView),
		sync.NewTarget[*record.Profile](record.Profiles, a.Profiles, ledger.New(backend, record.Profiles), a.ProfileView),
	)

	return a, nil
}

func openBackend(cfg *config.Config, fs afero.Fs, logger *log.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return storage.OpenSQLite(cfg.SQLitePath(), logger)
	default:
		opts := []storage.FileOption{storage.WithLogger(logger)}
		if fs == nil {
			fs = afero.NewOsFs()
			if cfg.Storage.FileLock {
				opts = append(opts, storage.WithFileLock())
			}
		}
		return storage.NewFileBackend(fs, cfg.DataDir, opts...)
	}
}

// Config returns the configuration the app was opened with.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Backend returns the storage backend.
func (a *App) Backend() storage.Backend {
	return a.backend
}

// Close releases the storage backend.
func (a *App) Close() error {
	return a.backend.Close()
}

// Migrator returns a migrator over every collection.
func (a *App) Migrator(dryRun bool) *migrate.Migrator {
	return a.migrator(dryRun, true)
}

func (a *App) migrator(dryRun, withProfile bool) *migrate.Migrator {
	sources := []migrate.Source{
		migrate.Collection[*record.Technique](a.Techniques),
		migrate.Collection[*record.Flow](a.Flows),
		migrate.Collection[*record.TrainingLog](a.TrainingLogs),
	}
	if withProfile {
		sources = append(sources, migrate.Collection[*record.Profile](a.Profiles))
	}
	return migrate.New(&migrate.Config{Logger: a.logger, Now: a.now, DryRun: dryRun}, sources...)
}

// Owner returns the id new records are stored under: the signed-in user, or
// the device's anonymous id.
func (a *App) Owner(ctx context.Context) (string, error) {
	id, err := a.Auth.UserID(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, auth.ErrSignedOut) {
		return "", err
	}
	return a.KV.AnonymousID(ctx)
}

// SignedIn reports whether a session exists.
func (a *App) SignedIn(ctx context.Context) (bool, error) {
	s, err := a.Auth.Session(ctx)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}
