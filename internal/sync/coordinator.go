package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Event types published while sweeping.
const (
	EventStarted  = "sync_started"
	EventComplete = "sync_complete"
	EventFailed   = "sync_failed"

	// EventRecordChanged is published by watchers of the local store, not
	// by the coordinator.
	EventRecordChanged = "record_changed"
)

// Event describes the progress of one collection's sweep.
type Event struct {
	Type       string    `json:"type"`
	Mode       Mode      `json:"mode"`
	Collection string    `json:"collection"`
	Report     *Report   `json:"report,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Config configures a Coordinator.
type Config struct {
	// Concurrency is the number of collections swept at once. Values below
	// one mean one: collections are swept sequentially in target order.
	Concurrency int

	// Logger receives per-record warnings and sweep summaries. Nil means
	// stderr.
	Logger *log.Logger

	// Now overrides the clock used for ledger entries and reports.
	Now func() time.Time

	// OnEvent, if set, is called for every event. It may be called from
	// several goroutines at once when Concurrency is above one.
	OnEvent func(Event)
}

// Coordinator runs sweeps over a fixed set of collections.
type Coordinator struct {
	remote   Remote
	identity Identity
	targets  []Target
	env      *env
	limit    int
	onEvent  func(Event)

	running gosync.Mutex
}

// New creates a Coordinator. cfg may be nil.
func New(r Remote, identity Identity, cfg *Config, targets ...Target) *Coordinator {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := cfg.Concurrency
	if limit < 1 {
		limit = 1
	}

	return &Coordinator{
		remote:   r,
		identity: identity,
		targets:  targets,
		env:      &env{remote: r, logger: logger, now: now},
		limit:    limit,
		onEvent:  cfg.OnEvent,
	}
}

// Collections returns the names of the swept collections in order.
func (c *Coordinator) Collections() []string {
	names := make([]string, len(c.targets))
	for i, t := range c.targets {
		names[i] = t.Collection()
	}
	return names
}

// Backup pushes every local record and deletes remote rows missing locally.
func (c *Coordinator) Backup(ctx context.Context) ([]*Report, error) {
	return c.RunAll(ctx, ModeBackup)
}

// Restore pulls every remote row and deletes local records missing remotely.
func (c *Coordinator) Restore(ctx context.Context) ([]*Report, error) {
	return c.RunAll(ctx, ModeRestore)
}

// Incremental uploads dirty records and downloads everything.
func (c *Coordinator) Incremental(ctx context.Context) ([]*Report, error) {
	return c.RunAll(ctx, ModeIncremental)
}

// Dirty counts the signed-in user's local records that an incremental sync
// would upload.
func (c *Coordinator) Dirty(ctx context.Context) (int, error) {
	owner, err := c.identity.UserID(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range c.targets {
		n, err := t.dirty(ctx, owner)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Run sweeps a single collection.
func (c *Coordinator) Run(ctx context.Context, mode Mode, collection string) (*Report, error) {
	for _, t := range c.targets {
		if t.Collection() != collection {
			continue
		}
		reports, err := c.run(ctx, mode, []Target{t})
		if len(reports) == 0 {
			return nil, err
		}
		return reports[0], err
	}
	return nil, fmt.Errorf("unknown collection %q", collection)
}

// RunAll sweeps every collection. Reports are returned in target order, one
// per collection that got far enough to start.
//
// Skipped records across all collections are merged into one *PartialError.
// Collection-level failures are joined with it.
func (c *Coordinator) RunAll(ctx context.Context, mode Mode) ([]*Report, error) {
	return c.run(ctx, mode, c.targets)
}

func (c *Coordinator) run(ctx context.Context, mode Mode, targets []Target) ([]*Report, error) {
	if !c.running.TryLock() {
		return nil, ErrInProgress
	}
	defer c.running.Unlock()

	owner, err := c.identity.UserID(ctx)
	if err != nil {
		return nil, err
	}

	c.env.logger.Printf("Starting %s sync of %d collections for %s", mode, len(targets), owner)

	reports := make([]*Report, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(c.limit)
	for i, t := range targets {
		g.Go(func() error {
			c.emit(Event{Type: EventStarted, Mode: mode, Collection: t.Collection()})

			rep, err := t.sweep(ctx, c.env, mode, owner)
			reports[i], errs[i] = rep, err

			switch {
			case err == nil:
				c.env.logger.Printf("Sync complete: %s", rep)
				c.emit(Event{Type: EventComplete, Mode: mode, Collection: t.Collection(), Report: rep})
			case IsPartial(err):
				c.env.logger.Printf("Sync complete with failures: %s", rep)
				c.emit(Event{Type: EventComplete, Mode: mode, Collection: t.Collection(), Report: rep,
					Error: err.Error(), Message: UserMessage(err)})
			default:
				c.env.logger.Printf("Sync of %s failed: %v", t.Collection(), err)
				c.emit(Event{Type: EventFailed, Mode: mode, Collection: t.Collection(), Report: rep,
					Error: err.Error(), Message: UserMessage(err)})
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []*Report
	for _, rep := range reports {
		if rep != nil {
			out = append(out, rep)
		}
	}
	return out, combine(errs)
}

// combine merges per-record failures into one PartialError and joins it with
// any collection-level errors.
func combine(errs []error) error {
	var (
		failures []ItemFailure
		others   []error
	)
	for _, err := range errs {
		if err == nil {
			continue
		}
		var pe *PartialError
		if errors.As(err, &pe) {
			failures = append(failures, pe.Failures...)
			continue
		}
		others = append(others, err)
	}

	if len(failures) > 0 {
		partial := &PartialError{Failures: failures}
		if len(others) == 0 {
			return partial
		}
		others = append(others, partial)
	}
	return errors.Join(others...)
}

func (c *Coordinator) emit(ev Event) {
	if c.onEvent == nil {
		return
	}
	ev.At = c.env.now()
	c.onEvent(ev)
}
