package store

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/flowroll/flowroll/internal/graph"
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

func newTechnique(owner, name string) *record.Technique {
	tech := &record.Technique{Name: name, Tags: []string{"gi"}}
	record.Stamp(tech, owner, time.Now())
	return tech
}

func TestCollection_SaveListRoundTrip(t *testing.T) {
	ctx := context.Background()
	flows := NewCollection[*record.Flow](newBackend(t), record.Flows)

	f := &record.Flow{
		Name: "Closed guard",
		Graph: graph.Graph{
			Nodes: []graph.Node{
				{ID: "n1", Kind: "position", Label: "Closed guard", X: 10, Y: 20},
				{ID: "n2", Kind: "technique", Label: "Armbar", LinkedTechniqueID: "t1", X: 40, Y: 20},
			},
			Edges: []graph.Edge{{ID: "e1", SourceNodeID: "n1", TargetNodeID: "n2", EdgeKind: "default"}},
		},
	}
	record.Stamp(f, "local_abc", time.Now())

	if err := flows.Save(ctx, f); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := flows.List(ctx, "local_abc")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("List returned %d records, want 1", len(got))
	}
	if !reflect.DeepEqual(got[0], f) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got[0], f)
	}
}

func TestCollection_UpsertPreservesPosition(t *testing.T) {
	ctx := context.Background()
	techniques := NewCollection[*record.Technique](newBackend(t), record.Techniques)

	a := newTechnique("u1", "Armbar")
	b := newTechnique("u1", "Kimura")
	c := newTechnique("u1", "Triangle")
	for _, tech := range []*record.Technique{a, b, c} {
		if err := techniques.Save(ctx, tech); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	b.Name = "Kimura from guard"
	record.Touch(b, time.Now())
	if err := techniques.Save(ctx, b); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := techniques.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d records, want 3 (no duplicates)", len(got))
	}
	if got[1].ID != b.ID || got[1].Name != "Kimura from guard" {
		t.Errorf("updated record at index 1 = %+v", got[1])
	}
}

func TestCollection_ListFiltersByOwner(t *testing.T) {
	ctx := context.Background()
	techniques := NewCollection[*record.Technique](newBackend(t), record.Techniques)

	for i, owner := range []string{"u1", "u2", "u1"} {
		if err := techniques.Save(ctx, newTechnique(owner, fmt.Sprintf("tech-%d", i))); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	tests := []struct {
		owner string
		want  int
	}{
		{"u1", 2},
		{"u2", 1},
		{"u3", 0},
		{"", 3},
	}
	for _, tt := range tests {
		got, err := techniques.List(ctx, tt.owner)
		if err != nil {
			t.Fatalf("List(%q) failed: %v", tt.owner, err)
		}
		if len(got) != tt.want {
			t.Errorf("List(%q) returned %d records, want %d", tt.owner, len(got), tt.want)
		}
	}
}

func TestCollection_GetAndDelete(t *testing.T) {
	ctx := context.Background()
	techniques := NewCollection[*record.Technique](newBackend(t), record.Techniques)

	tech := newTechnique("u1", "Omoplata")
	if err := techniques.Save(ctx, tech); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := techniques.Get(ctx, tech.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "Omoplata" {
		t.Errorf("Get returned %q", got.Name)
	}

	if err := techniques.Delete(ctx, tech.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := techniques.Get(ctx, tech.ID); !IsNotFound(err) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := techniques.Delete(ctx, tech.ID); err != nil {
		t.Errorf("Delete of missing id = %v, want nil", err)
	}
}

func TestCollection_SaveRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	techniques := NewCollection[*record.Technique](newBackend(t), record.Techniques)

	tech := newTechnique("", "Armbar")
	if err := techniques.Save(ctx, tech); err == nil {
		t.Fatal("Save of technique without owner succeeded")
	}

	got, err := techniques.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("invalid record was persisted")
	}
}

func TestCollection_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	techniques := NewCollection[*record.Technique](newBackend(t), record.Techniques)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := techniques.Save(ctx, newTechnique("u1", fmt.Sprintf("tech-%d", i))); err != nil {
				t.Errorf("Save failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := techniques.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != n {
		t.Errorf("List returned %d records after %d concurrent saves", len(got), n)
	}
}

func TestCollection_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	if err := backend.Write(ctx, record.Techniques, []byte("{not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	techniques := NewCollection[*record.Technique](backend, record.Techniques)
	_, err := techniques.List(ctx, "")
	if !storage.IsStorageError(err) {
		t.Errorf("List of corrupt document = %v, want storage error", err)
	}
}

func TestProfileStore(t *testing.T) {
	ctx := context.Background()
	profiles := NewProfileStore(newBackend(t))

	if got, err := profiles.List(ctx, "user_42"); err != nil || len(got) != 0 {
		t.Fatalf("List before save = %v, %v", got, err)
	}

	p := &record.Profile{Meta: record.Meta{ID: "user_42"}, DisplayName: "Rafa", Belt: "purple"}
	record.Stamp(p, "user_42", time.Now())
	if err := profiles.Save(ctx, p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	other := &record.Profile{Meta: record.Meta{ID: "user_7"}, Belt: "white"}
	record.Stamp(other, "user_7", time.Now())
	if err := profiles.Save(ctx, other); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := profiles.Get(ctx, "user_42")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("Get = %+v, want %+v", got, p)
	}

	all, err := profiles.List(ctx, "")
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List all returned %d profiles, want 2", len(all))
	}

	if err := profiles.Delete(ctx, "user_42"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := profiles.Get(ctx, "user_42"); !IsNotFound(err) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestProfileStore_IDMustMatchOwner(t *testing.T) {
	profiles := NewProfileStore(newBackend(t))

	p := &record.Profile{Belt: "blue"}
	record.Stamp(p, "user_42", time.Now())
	if err := profiles.Save(context.Background(), p); err == nil {
		t.Fatal("Save with id != owner succeeded")
	}
}

func TestKV_AnonymousIDIsStable(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)

	first, err := NewKV(backend).AnonymousID(ctx)
	if err != nil {
		t.Fatalf("AnonymousID failed: %v", err)
	}
	if len(first) <= len(AnonymousPrefix) || first[:len(AnonymousPrefix)] != AnonymousPrefix {
		t.Errorf("AnonymousID = %q, want %s prefix", first, AnonymousPrefix)
	}

	second, err := NewKV(backend).AnonymousID(ctx)
	if err != nil {
		t.Fatalf("AnonymousID failed: %v", err)
	}
	if first != second {
		t.Errorf("AnonymousID changed: %q then %q", first, second)
	}
}

func TestKV_RecentTechniques(t *testing.T) {
	ctx := context.Background()
	kv := NewKV(newBackend(t))

	for i := 0; i < MaxRecentTechniques+3; i++ {
		if err := kv.PushRecentTechnique(ctx, fmt.Sprintf("t%d", i)); err != nil {
			t.Fatalf("PushRecentTechnique failed: %v", err)
		}
	}
	if err := kv.PushRecentTechnique(ctx, "t5"); err != nil {
		t.Fatalf("PushRecentTechnique failed: %v", err)
	}

	ids, err := kv.RecentTechniques(ctx)
	if err != nil {
		t.Fatalf("RecentTechniques failed: %v", err)
	}
	if len(ids) != MaxRecentTechniques {
		t.Fatalf("got %d ids, want %d", len(ids), MaxRecentTechniques)
	}
	if ids[0] != "t5" || ids[1] != "t12" {
		t.Errorf("ids = %v, want t5 then t12 first", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %s in %v", id, ids)
		}
		seen[id] = true
	}
}

func TestKV_Flags(t *testing.T) {
	ctx := context.Background()
	kv := NewKV(newBackend(t))

	on, err := kv.Flag(ctx, "auto_sync")
	if err != nil || on {
		t.Fatalf("Flag before set = %v, %v", on, err)
	}

	if err := kv.SetFlag(ctx, "auto_sync", true); err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	if err := kv.Set(ctx, "theme", "dark"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	flags, err := kv.Flags(ctx)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if len(flags) != 1 || !flags["auto_sync"] {
		t.Errorf("Flags = %v, want only auto_sync=true", flags)
	}

	var theme string
	ok, err := kv.Get(ctx, "theme", &theme)
	if err != nil || !ok || theme != "dark" {
		t.Errorf("Get theme = %q, %v, %v", theme, ok, err)
	}

	if err := kv.Delete(ctx, "theme"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, _ := kv.Get(ctx, "theme", &theme); ok {
		t.Error("theme still present after Delete")
	}
}
