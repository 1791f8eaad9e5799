// Package ledger records when each record was last synced with the remote
// API. A record is dirty when it has no entry or when its UpdatedAt is later
// than its entry. Entries are never removed.
//
// All collections share one document, sync_ledger, shaped as
//
//	{"techniques": {"<id>": "2024-03-01T12:00:00Z", ...}, "flows": {...}}
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/storage"
)

// DocumentName is the storage document holding every ledger.
const DocumentName = "sync_ledger"

type document map[string]map[string]time.Time

// Ledger is the per-collection view of the sync ledger.
type Ledger struct {
	backend    storage.Backend
	collection string
}

// New returns the ledger for one collection.
func New(backend storage.Backend, collection string) *Ledger {
	return &Ledger{backend: backend, collection: collection}
}

// Collection returns the collection this ledger tracks.
func (l *Ledger) Collection() string {
	return l.collection
}

func (l *Ledger) load(ctx context.Context) (document, error) {
	data, err := l.backend.Read(ctx, DocumentName)
	if err != nil {
		if storage.IsNotExist(err) {
			return document{}, nil
		}
		return nil, err
	}
	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &storage.Error{Op: "decode", Name: DocumentName, Err: err}
	}
	return doc, nil
}

// MarkSynced records that the record was synced at the given time.
func (l *Ledger) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return l.MarkSyncedAll(ctx, map[string]time.Time{id: at})
}

// MarkSyncedAll records several sync times with a single write.
func (l *Ledger) MarkSyncedAll(ctx context.Context, entries map[string]time.Time) error {
	if len(entries) == 0 {
		return nil
	}

	unlock, err := l.backend.Lock(ctx, DocumentName)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := l.load(ctx)
	if err != nil {
		return err
	}
	entriesFor := doc[l.collection]
	if entriesFor == nil {
		entriesFor = make(map[string]time.Time, len(entries))
		doc[l.collection] = entriesFor
	}
	for id, at := range entries {
		entriesFor[id] = at.UTC()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &storage.Error{Op: "encode", Name: DocumentName, Err: err}
	}
	return l.backend.Write(ctx, DocumentName, data)
}

// LastSynced returns the recorded sync time of a record.
func (l *Ledger) LastSynced(ctx context.Context, id string) (time.Time, bool, error) {
	doc, err := l.load(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	at, ok := doc[l.collection][id]
	return at, ok, nil
}

// IsDirty reports whether rec needs to be uploaded.
func (l *Ledger) IsDirty(ctx context.Context, rec record.Record) (bool, error) {
	snap, err := l.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return snap.IsDirty(rec), nil
}

// Entries returns a copy of all entries of the collection.
func (l *Ledger) Entries(ctx context.Context) (map[string]time.Time, error) {
	snap, err := l.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.entries, nil
}

// Snapshot reads the ledger once so that a whole collection can be checked
// without re-reading the document per record.
func (l *Ledger) Snapshot(ctx context.Context) (*Snapshot, error) {
	doc, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	entries := doc[l.collection]
	if entries == nil {
		entries = map[string]time.Time{}
	}
	return &Snapshot{entries: entries}, nil
}

// Snapshot is a point-in-time copy of one collection's ledger.
type Snapshot struct {
	entries map[string]time.Time
}

// IsDirty reports whether rec has no entry or was updated after its entry.
func (s *Snapshot) IsDirty(rec record.Record) bool {
	last, ok := s.entries[rec.Base().ID]
	if !ok {
		return true
	}
	return rec.Base().UpdatedAt.After(last)
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}
