package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/storage"
)

func newBackend(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.NewFileBackend(afero.NewMemMapFs(), "/data")
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	return b
}

func TestIsDirty(t *testing.T) {
	ctx := context.Background()
	l := New(newBackend(t), record.Techniques)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tech := &record.Technique{Name: "Armbar"}
	record.Stamp(tech, "u1", now.Add(-time.Minute))

	dirty, err := l.IsDirty(ctx, tech)
	if err != nil {
		t.Fatalf("IsDirty failed: %v", err)
	}
	if !dirty {
		t.Error("record without ledger entry should be dirty")
	}

	if err := l.MarkSynced(ctx, tech.ID, now); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if dirty, _ := l.IsDirty(ctx, tech); dirty {
		t.Error("record should be clean right after MarkSynced")
	}

	record.Touch(tech, now)
	if dirty, _ := l.IsDirty(ctx, tech); dirty {
		t.Error("record updated at exactly the sync time should be clean")
	}

	record.Touch(tech, now.Add(time.Second))
	if dirty, _ := l.IsDirty(ctx, tech); !dirty {
		t.Error("record updated after sync should be dirty")
	}
}

func TestLedger_CollectionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	techniques := New(backend, record.Techniques)
	flows := New(backend, record.Flows)

	at := time.Now()
	if err := techniques.MarkSynced(ctx, "shared-id", at); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	if _, ok, _ := flows.LastSynced(ctx, "shared-id"); ok {
		t.Error("flows ledger sees an entry written to techniques")
	}
	got, ok, err := techniques.LastSynced(ctx, "shared-id")
	if err != nil || !ok {
		t.Fatalf("LastSynced = %v, %v, %v", got, ok, err)
	}
	if !got.Equal(at) {
		t.Errorf("LastSynced = %v, want %v", got, at)
	}
}

func TestLedger_MarkSyncedAll(t *testing.T) {
	ctx := context.Background()
	l := New(newBackend(t), record.TrainingLogs)

	at := time.Now()
	if err := l.MarkSyncedAll(ctx, map[string]time.Time{"a": at, "b": at, "c": at}); err != nil {
		t.Fatalf("MarkSyncedAll failed: %v", err)
	}
	if err := l.MarkSynced(ctx, "d", at); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("got %d entries, want 4", len(entries))
	}
}
