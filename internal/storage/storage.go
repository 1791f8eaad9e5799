// Package storage provides the byte-level document storage the record store
// is built on.
//
// A document is an opaque JSON blob addressed by a short name such as
// "techniques" or "profile_user_42". Backends guarantee that a Write either
// fully replaces the previous content or leaves it untouched, and that Lock
// serializes read-modify-write cycles against the same document.
//
// Two backends are provided:
//
//	fs := afero.NewOsFs()
//	b, err := storage.NewFileBackend(fs, "~/.flowroll", storage.WithFileLock())
//
//	b, err := storage.OpenSQLite("~/.flowroll/flowroll.db", nil)
//
// Tests use NewFileBackend(afero.NewMemMapFs(), "/data").
package storage

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Backend stores named documents.
type Backend interface {
	// Read returns the document content. A missing document yields an error
	// for which IsNotExist reports true.
	Read(ctx context.Context, name string) ([]byte, error)

	// Write atomically replaces the document content.
	Write(ctx context.Context, name string, data []byte) error

	// Remove deletes the document. Removing a missing document is not an error.
	Remove(ctx context.Context, name string) error

	// List returns the names of all documents starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Lock acquires the exclusive lock for the named document and returns
	// the function that releases it.
	Lock(ctx context.Context, name string) (func(), error)

	// Close releases resources held by the backend.
	Close() error
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)

// ValidateName rejects names that could escape the data directory or collide
// with temporary and lock files.
func ValidateName(name string) error {
	if len(name) > 200 || !validName.MatchString(name) {
		return fmt.Errorf("invalid document name %q", name)
	}
	return nil
}

// lockSet hands out one mutex per document name.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *lockSet) get(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	return m
}

// acquire locks the named mutex, giving up when ctx is done.
func (l *lockSet) acquire(ctx context.Context, name string) (func(), error) {
	m := l.get(name)
	if m.TryLock() {
		return m.Unlock, nil
	}

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return m.Unlock, nil
	case <-ctx.Done():
		// Release the lock as soon as the waiter gets it.
		go func() {
			<-acquired
			m.Unlock()
		}()
		return nil, ctx.Err()
	}
}
