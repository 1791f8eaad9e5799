// Package migrate copies records from one owner to another when an anonymous
// user signs in.
//
// Migration is copy-forward: every record owned by the source owner is
// cloned under a new id, re-owned and saved, while the original stays
// untouched. Each copy remembers its source in migrated_from, so running the
// same migration again skips sources that already have a copy instead of
// duplicating them. Records stored one per owner (profiles) are copied only
// when the destination owner has none yet.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/flowroll/flowroll/internal/record"
)

// ErrIncomplete is returned when some records could not be migrated. The
// migration can be re-run safely.
var ErrIncomplete = errors.New("migration incomplete")

// Store is the part of a record store the migrator needs.
type Store[T record.Record] interface {
	Name() string
	Save(ctx context.Context, rec T) error
	List(ctx context.Context, ownerID string) ([]T, error)
}

// Source is one migratable collection. Build it with Collection.
type Source interface {
	Name() string
	migrate(ctx context.Context, m *Migrator, from, to string, res *Result)
}

type source[T record.Record] struct {
	store Store[T]
}

// Collection adapts a typed store into a Source.
func Collection[T record.Record](s Store[T]) Source {
	return &source[T]{store: s}
}

func (s *source[T]) Name() string {
	return s.store.Name()
}

func (s *source[T]) migrate(ctx context.Context, m *Migrator, from, to string, res *Result) {
	name := s.store.Name()

	existing, err := s.store.List(ctx, to)
	if err != nil {
		res.addError(name, "", fmt.Errorf("failed to list %s for %s: %w", name, to, err))
		return
	}
	done := make(map[string]bool, len(existing))
	for _, rec := range existing {
		if src := rec.Base().MigratedFrom; src != "" {
			done[src] = true
		}
	}

	sources, err := s.store.List(ctx, from)
	if err != nil {
		res.addError(name, "", fmt.Errorf("failed to list %s for %s: %w", name, from, err))
		return
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			res.addError(name, src.Base().ID, err)
			return
		}

		_, keyed := any(src).(record.OwnerKeyed)
		if done[src.Base().ID] || (keyed && len(existing) > 0) {
			res.Skipped++
			continue
		}

		cp, err := record.Clone(src)
		if err != nil {
			res.addError(name, src.Base().ID, err)
			continue
		}

		meta := cp.Base()
		if keyed {
			meta.ID = to
		} else {
			meta.ID = record.NewID()
		}
		meta.OwnerID = to
		meta.UpdatedAt = m.now().UTC()
		meta.MigratedFrom = src.Base().ID

		if m.dryRun {
			m.logger.Printf("Would migrate %s %s -> %s", name, src.Base().ID, meta.ID)
			res.count(name)
			continue
		}

		if err := s.store.Save(ctx, cp); err != nil {
			m.logger.Printf("WARNING: Failed to migrate %s %s: %v", name, src.Base().ID, err)
			res.addError(name, src.Base().ID, err)
			continue
		}
		res.count(name)
	}
}

// Config configures a Migrator.
type Config struct {
	// Logger receives progress and per-record failures. Nil means stderr.
	Logger *log.Logger

	// Now overrides the clock used for UpdatedAt.
	Now func() time.Time

	// DryRun reports what would be migrated without saving anything.
	DryRun bool
}

// Migrator copies records between owners across a fixed set of collections.
type Migrator struct {
	sources []Source
	logger  *log.Logger
	now     func() time.Time
	dryRun  bool
}

// New creates a Migrator over sources. cfg may be nil.
func New(cfg *Config, sources ...Source) *Migrator {
	if cfg == nil {
		cfg = &Config{}
	}
	m := &Migrator{
		sources: sources,
		logger:  cfg.Logger,
		now:     cfg.Now,
		dryRun:  cfg.DryRun,
	}
	if m.logger == nil {
		m.logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Result contains statistics about a migration.
type Result struct {
	Migrated     int            `json:"migrated"`
	Skipped      int            `json:"skipped"`
	ByCollection map[string]int `json:"by_collection"`
	Errors       []string       `json:"errors,omitempty"`
}

func (r *Result) count(collection string) {
	r.Migrated++
	r.ByCollection[collection]++
}

func (r *Result) addError(collection, id string, err error) {
	if id == "" {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", collection, err))
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf("%s %s: %v", collection, id, err))
}

// Migrate copies every record owned by from to a new record owned by to.
//
// Per-record failures do not stop the migration; they are collected in
// Result.Errors and reported as ErrIncomplete.
func (m *Migrator) Migrate(ctx context.Context, from, to string) (*Result, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("both source and destination owner are required")
	}
	if from == to {
		return nil, fmt.Errorf("cannot migrate owner %s onto itself", from)
	}

	res := &Result{ByCollection: make(map[string]int)}
	m.logger.Printf("Migrating records from %s to %s", from, to)

	for _, src := range m.sources {
		src.migrate(ctx, m, from, to, res)
	}

	m.logger.Printf("Migration complete: migrated=%d skipped=%d errors=%d",
		res.Migrated, res.Skipped, len(res.Errors))

	if len(res.Errors) > 0 {
		return res, fmt.Errorf("%w: %d errors", ErrIncomplete, len(res.Errors))
	}
	return res, nil
}
