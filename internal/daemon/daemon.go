package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/flowroll/flowroll/internal/auth"
	"github.com/flowroll/flowroll/internal/sync"
)

// Syncer runs sweeps. *sync.Coordinator implements it.
type Syncer interface {
	Collections() []string
	RunAll(ctx context.Context, mode sync.Mode) ([]*sync.Report, error)

	// Dirty counts local records the next incremental sync would upload.
	Dirty(ctx context.Context) (int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often an incremental sync runs regardless of local
	// changes, to pick up remote ones.
	Interval time.Duration

	// Debounce is how long the data directory must be quiet before queued
	// changes trigger a sync.
	Debounce time.Duration

	// Quiet is how long after a sync file events are ignored. Sweeps write
	// the collection documents themselves and must not retrigger.
	Quiet time.Duration

	// Logger for daemon activity.
	Logger *log.Logger

	// OnEvent receives record_changed events. Sync events are delivered by
	// the coordinator's own callback.
	OnEvent func(sync.Event)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Minute,
		Debounce: 2 * time.Second,
		Quiet:    time.Second,
		Logger:   log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon keeps the local store in sync in the background: it runs an
// incremental sync shortly after local edits and periodically otherwise.
type Daemon struct {
	syncer Syncer
	dir    string
	config *Config

	watcher *FileWatcher

	mu        gosync.Mutex
	pending   map[string]time.Time // collection -> last change
	syncing   int                  // syncs in flight
	lastSync  time.Time
	syncCount int

	// Changes seen while a sync ran. They may be the sync's own writes, so
	// they are only queued if records are still dirty afterwards.
	during map[string]bool
	// followUp is set while the queue holds only such changes, and
	// inFollowUp while the sync they triggered runs. A follow-up sync
	// never queues another.
	followUp   bool
	inFollowUp bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	stopOnce gosync.Once
}

// New creates a daemon for the data directory dir. Use Start to run it.
func New(syncer Syncer, dir string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if config.Quiet < 0 {
		config.Quiet = 0
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	watcher, err := NewFileWatcher(syncer.Collections())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:  syncer,
		dir:     dir,
		config:  config,
		watcher: watcher,
		pending: make(map[string]time.Time),
		during:  make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs an initial sync, then watches the data directory and syncs on
// change and on the configured interval. It blocks until ctx is cancelled
// or Stop is called.
//
// Sync failures are logged and never stop the daemon: the device may be
// offline or signed out and the next trigger tries again.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := d.watcher.Start(d.dir); err != nil {
		return err
	}
	d.config.Logger.Printf("Watching: %s", d.dir)

	d.SyncNow(ctx)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.periodicSync()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for a running sync to finish.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// SyncCount returns the number of syncs the daemon has run.
func (d *Daemon) SyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncCount
}

// SyncNow runs one incremental sync and returns its error. Being signed
// out or finding another sync in progress is logged as a skip.
func (d *Daemon) SyncNow(ctx context.Context) error {
	return d.runSync(ctx, false)
}

func (d *Daemon) runSync(ctx context.Context, followUp bool) error {
	d.mu.Lock()
	d.syncing++
	d.syncCount++
	if followUp {
		d.inFollowUp = true
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.syncing--
		d.lastSync = time.Now()
		if followUp {
			d.inFollowUp = false
		}
		d.mu.Unlock()
		d.requeueDuring(ctx)
	}()

	reports, err := d.syncer.RunAll(ctx, sync.ModeIncremental)
	switch {
	case err == nil:
		d.config.Logger.Printf("Sync complete (%d collections)", len(reports))
	case errors.Is(err, auth.ErrSignedOut):
		d.config.Logger.Println("Not signed in, skipping sync")
	case errors.Is(err, sync.ErrInProgress):
		d.config.Logger.Println("Sync already in progress, skipping")
	default:
		d.config.Logger.Printf("Sync failed: %s", sync.UserMessage(err))
	}
	return err
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(event)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a change unless it was caused by the daemon's own
// sync. Changes during a sync are held until it finishes.
func (d *Daemon) queueChange(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if d.syncing > 0 {
		if !d.inFollowUp {
			d.during[event.Collection] = true
		}
		return
	}
	if now.Sub(d.lastSync) < d.config.Quiet {
		return
	}

	d.config.Logger.Printf("Change: %s %s", event.Op, event.Collection)
	d.pending[event.Collection] = now
	d.followUp = false
	d.notifyChanged(event.Collection, now)
}

// requeueDuring queues the changes held during a sync when the store still
// has records to upload.
func (d *Daemon) requeueDuring(ctx context.Context) {
	d.mu.Lock()
	if d.syncing > 0 || len(d.during) == 0 {
		d.mu.Unlock()
		return
	}
	held := make([]string, 0, len(d.during))
	for c := range d.during {
		held = append(held, c)
	}
	clear(d.during)
	d.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	n, err := d.syncer.Dirty(ctx)
	if err != nil {
		if !errors.Is(err, auth.ErrSignedOut) {
			d.config.Logger.Printf("WARNING: Failed to check for local changes: %v", err)
		}
		return
	}
	if n == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.config.Logger.Printf("%d records changed during sync, queueing another", n)
	now := time.Now()
	if len(d.pending) == 0 {
		d.followUp = true
	}
	for _, c := range held {
		d.pending[c] = now
		d.notifyChanged(c, now)
	}
}

func (d *Daemon) notifyChanged(collection string, at time.Time) {
	if d.config.OnEvent != nil {
		d.config.OnEvent(sync.Event{Type: sync.EventRecordChanged, Collection: collection, At: at})
	}
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	tick := d.config.Debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if ok, followUp := d.takeSettled(); ok {
				d.runSync(d.ctx, followUp)
			}
		}
	}
}

// takeSettled clears the queue and reports true once no change has arrived
// for the debounce interval. followUp reports whether the queue held only
// changes carried over from a sync.
func (d *Daemon) takeSettled() (ok, followUp bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return false, false
	}
	now := time.Now()
	for _, at := range d.pending {
		if now.Sub(at) < d.config.Debounce {
			return false, false
		}
	}
	clear(d.pending)
	followUp, d.followUp = d.followUp, false
	return true, followUp
}

func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.SyncNow(d.ctx)
		}
	}
}
