package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

const (
	docExt  = ".json"
	lockExt = ".lock"

	lockRetryDelay = 50 * time.Millisecond
)

// FileBackend stores each document as <dir>/<name>.json on an afero
// filesystem. Writes go to a temporary file in the same directory which is
// then renamed over the target.
type FileBackend struct {
	fs       afero.Fs
	dir      string
	fileLock bool
	logger   *log.Logger
	locks    lockSet
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithFileLock additionally takes an advisory lock file per document so that
// separate processes (the CLI and the daemon) serialize their writes. It only
// has an effect on the OS filesystem.
func WithFileLock() FileOption {
	return func(b *FileBackend) {
		b.fileLock = true
	}
}

// WithLogger sets the logger used for non-fatal cleanup failures.
func WithLogger(logger *log.Logger) FileOption {
	return func(b *FileBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewFileBackend creates the data directory if needed.
func NewFileBackend(fs afero.Fs, dir string, opts ...FileOption) (*FileBackend, error) {
	b := &FileBackend{
		fs:     fs,
		dir:    dir,
		logger: log.New(os.Stderr, "[storage] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if b.fileLock {
		if _, ok := fs.(*afero.OsFs); !ok {
			b.logger.Printf("File locks need the OS filesystem, using in-process locks only")
			b.fileLock = false
		}
	}
	return b, nil
}

// Dir returns the data directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Path returns the file path of the named document.
func (b *FileBackend) Path(name string) string {
	return filepath.Join(b.dir, name+docExt)
}

// Read implements Backend.
func (b *FileBackend) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, wrap("read", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("read", name, err)
	}

	data, err := afero.ReadFile(b.fs, b.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrap("read", name, ErrNotExist)
		}
		return nil, wrap("read", name, err)
	}
	return data, nil
}

// Write implements Backend.
func (b *FileBackend) Write(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return wrap("write", name, err)
	}
	if err := ctx.Err(); err != nil {
		return wrap("write", name, err)
	}

	tmp, err := afero.TempFile(b.fs, b.dir, name+".*.tmp")
	if err != nil {
		return wrap("write", name, fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		b.cleanup(tmpPath)
		return wrap("write", name, fmt.Errorf("failed to write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		b.cleanup(tmpPath)
		return wrap("write", name, fmt.Errorf("failed to sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		b.cleanup(tmpPath)
		return wrap("write", name, fmt.Errorf("failed to close temp file: %w", err))
	}

	if err := b.fs.Rename(tmpPath, b.Path(name)); err != nil {
		b.cleanup(tmpPath)
		return wrap("write", name, fmt.Errorf("failed to replace document: %w", err))
	}
	return nil
}

func (b *FileBackend) cleanup(path string) {
	if err := b.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		b.logger.Printf("WARNING: failed to remove temp file %s: %v", path, err)
	}
}

// Remove implements Backend.
func (b *FileBackend) Remove(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return wrap("remove", name, err)
	}
	if err := ctx.Err(); err != nil {
		return wrap("remove", name, err)
	}
	if err := b.fs.Remove(b.Path(name)); err != nil && !os.IsNotExist(err) {
		return wrap("remove", name, err)
	}
	return nil
}

// List implements Backend.
func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list", prefix, err)
	}

	entries, err := afero.ReadDir(b.fs, b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrap("list", prefix, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Temp files end in .tmp, so only finished documents match.
		name, ok := strings.CutSuffix(entry.Name(), docExt)
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		if ValidateName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Lock implements Backend.
func (b *FileBackend) Lock(ctx context.Context, name string) (func(), error) {
	if err := ValidateName(name); err != nil {
		return nil, wrap("lock", name, err)
	}

	unlock, err := b.locks.acquire(ctx, name)
	if err != nil {
		return nil, wrap("lock", name, err)
	}
	if !b.fileLock {
		return unlock, nil
	}

	unlock, err = lockFile(ctx, filepath.Join(b.dir, name+lockExt), unlock, b.logger)
	if err != nil {
		return nil, wrap("lock", name, err)
	}
	return unlock, nil
}

// lockFile takes an advisory lock on path on top of an in-process lock.
// The returned function releases both; on error the in-process lock is
// already released.
func lockFile(ctx context.Context, path string, unlock func(), logger *log.Logger) (func(), error) {
	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		unlock()
		if err == nil {
			err = fmt.Errorf("lock file busy")
		}
		return nil, err
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			logger.Printf("WARNING: failed to release lock %s: %v", path, err)
		}
		unlock()
	}, nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return nil
}
