package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/fsnotify/fsnotify"

	"github.com/flowroll/flowroll/internal/record"
)

// EventOp is the kind of change seen on a document.
type EventOp int

const (
	// OpWrite covers creates and writes, including the rename that
	// completes an atomic save.
	OpWrite EventOp = iota
	// OpDelete indicates a document was removed.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// profilePrefix is the document name prefix of per-owner profiles.
const profilePrefix = "profile_"

// FileEvent is a change to a collection document.
type FileEvent struct {
	// Path is the file that changed.
	Path string
	// Collection is the collection the document belongs to.
	Collection string
	// Op is the operation that occurred.
	Op EventOp
}

// FileWatcher watches the data directory for changes to collection
// documents. Temporary files, lock files and documents that are not
// collections (the sync ledger, settings) are ignored.
type FileWatcher struct {
	watcher     *fsnotify.Watcher
	collections map[string]bool
	events      chan FileEvent
	errors      chan error
	done        chan struct{}
	wg          gosync.WaitGroup
	mu          gosync.Mutex
	running     bool
	dir         string
}

// NewFileWatcher creates a watcher for the named collections. The watcher
// must be started with Start before it emits events.
func NewFileWatcher(collections []string) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	set := make(map[string]bool, len(collections))
	for _, c := range collections {
		set[c] = true
	}

	return &FileWatcher{
		watcher:     watcher,
		collections: set,
		events:      make(chan FileEvent, 100),
		errors:      make(chan error, 10),
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (fw *FileWatcher) Start(dir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch data directory %s: %w", dir, err)
	}
	fw.dir = dir

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel of collection changes. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning reports whether the watcher has been started and not stopped.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a FileEvent, or reports false for
// events that do not touch a collection document.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	collection, ok := fw.collectionOf(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: event.Name, Collection: collection, Op: op}, true
}

func (fw *FileWatcher) collectionOf(path string) (string, bool) {
	name, ok := strings.CutSuffix(filepath.Base(path), ".json")
	if !ok || name == "" {
		return "", false
	}
	if fw.collections[name] {
		return name, true
	}
	if strings.HasPrefix(name, profilePrefix) && fw.collections[record.Profiles] {
		return record.Profiles, true
	}
	return "", false
}
