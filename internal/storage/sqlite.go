package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteBackend stores one row per document in an embedded SQLite database.
// Every Write is a single-row upsert, so a document is never half written.
type SQLiteBackend struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
	locks  lockSet
}

// OpenSQLite opens (creating if needed) the database at path.
//
// If logger is nil, a default logger writing to stderr is used.
func OpenSQLite(path string, logger *log.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[storage] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	b := &SQLiteBackend{conn: conn, path: path, logger: logger}

	pragmas := []struct {
		stmt string
		desc string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}

	if _, err := conn.Exec(documentsSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}

	return b, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string {
	return b.path
}

// Read implements Backend.
func (b *SQLiteBackend) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, wrap("read", name, err)
	}

	var data []byte
	err := b.conn.QueryRowContext(ctx, `SELECT data FROM documents WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("read", name, ErrNotExist)
	}
	if err != nil {
		return nil, wrap("read", name, err)
	}
	return data, nil
}

// Write implements Backend.
func (b *SQLiteBackend) Write(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return wrap("write", name, err)
	}

	_, err := b.conn.ExecContext(ctx, `
		INSERT INTO documents (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return wrap("write", name, err)
	}
	return nil
}

// Remove implements Backend.
func (b *SQLiteBackend) Remove(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return wrap("remove", name, err)
	}
	if _, err := b.conn.ExecContext(ctx, `DELETE FROM documents WHERE name = ?`, name); err != nil {
		return wrap("remove", name, err)
	}
	return nil
}

// List implements Backend.
func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.conn.QueryContext(ctx, `SELECT name FROM documents`)
	if err != nil {
		return nil, wrap("list", prefix, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrap("list", prefix, err)
		}
		// LIKE would treat '_' in prefixes as a wildcard.
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// Lock implements Backend. SQLite serializes single statements itself; the
// lock covers a caller's whole read-modify-write cycle, across processes
// too, through a lock file next to the database.
func (b *SQLiteBackend) Lock(ctx context.Context, name string) (func(), error) {
	if err := ValidateName(name); err != nil {
		return nil, wrap("lock", name, err)
	}
	unlock, err := b.locks.acquire(ctx, name)
	if err != nil {
		return nil, wrap("lock", name, err)
	}
	unlock, err = lockFile(ctx, b.lockPath(name), unlock, b.logger)
	if err != nil {
		return nil, wrap("lock", name, err)
	}
	return unlock, nil
}

func (b *SQLiteBackend) lockPath(name string) string {
	return b.path + "." + name + lockExt
}

// Close checkpoints the WAL and closes the database.
func (b *SQLiteBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		b.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
