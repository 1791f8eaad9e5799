package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/flowroll/flowroll/internal/auth"
	"github.com/flowroll/flowroll/internal/sync"
)

type fakeSyncer struct {
	mu    gosync.Mutex
	calls int
	err   error
	dirty int

	// during, if set, runs inside RunAll with the call number.
	during func(call int)
}

func (f *fakeSyncer) Collections() []string {
	return testCollections
}

func (f *fakeSyncer) RunAll(ctx context.Context, mode sync.Mode) ([]*sync.Report, error) {
	f.mu.Lock()
	f.calls++
	call, during, err := f.calls, f.during, f.err
	f.mu.Unlock()

	if during != nil {
		during(call)
	}
	return nil, err
}

func (f *fakeSyncer) Dirty(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty, f.err
}

func (f *fakeSyncer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *Config {
	return &Config{
		Interval: time.Hour,
		Debounce: 50 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	}
}

// startDaemon runs d.Start in the background and stops it at cleanup.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start() returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func writeDoc(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("[]"), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, "/tmp", nil); err == nil {
		t.Error("New() with nil syncer should fail")
	}
	if _, err := New(&fakeSyncer{}, "", nil); err == nil {
		t.Error("New() with empty dir should fail")
	}

	d, err := New(&fakeSyncer{}, t.TempDir(), &Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()
	if d.config.Interval != 5*time.Minute || d.config.Debounce != 2*time.Second {
		t.Errorf("defaults not applied: %+v", d.config)
	}
}

func TestDaemon_InitialSync(t *testing.T) {
	s := &fakeSyncer{}
	d, err := New(s, t.TempDir(), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	if !waitFor(t, 2*time.Second, func() bool { return s.Calls() == 1 }) {
		t.Fatalf("expected initial sync, got %d calls", s.Calls())
	}
}

func TestDaemon_SyncsAfterChange(t *testing.T) {
	dir := t.TempDir()
	s := &fakeSyncer{}
	var (
		mu      gosync.Mutex
		changed []string
	)
	cfg := testConfig()
	cfg.OnEvent = func(ev sync.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Type == sync.EventRecordChanged {
			changed = append(changed, ev.Collection)
		}
	}

	d, err := New(s, dir, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	if !waitFor(t, 2*time.Second, func() bool { return s.Calls() == 1 }) {
		t.Fatal("expected initial sync")
	}

	// Events racing the end of the initial sync are dropped when nothing
	// is dirty, so keep writing until one gets through.
	ok := waitFor(t, 3*time.Second, func() bool {
		writeDoc(t, dir, "flows.json")
		time.Sleep(100 * time.Millisecond)
		return s.Calls() >= 2
	})
	if !ok {
		t.Fatalf("expected a sync after a change, got %d calls", s.Calls())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changed) == 0 || changed[0] != "flows" {
		t.Errorf("record_changed events = %v, want flows", changed)
	}
}

func TestDaemon_RequeuesChangesDuringSync(t *testing.T) {
	dir := t.TempDir()
	s := &fakeSyncer{dirty: 1}
	s.during = func(call int) {
		if call == 2 {
			writeDoc(t, dir, "techniques.json")
			time.Sleep(200 * time.Millisecond)
		}
	}
	var (
		mu      gosync.Mutex
		changed []string
	)
	cfg := testConfig()
	cfg.OnEvent = func(ev sync.Event) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, ev.Collection)
	}

	d, err := New(s, dir, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	if !waitFor(t, 2*time.Second, func() bool { return s.Calls() == 1 }) {
		t.Fatal("expected initial sync")
	}
	d.SyncNow(context.Background())

	if !waitFor(t, 2*time.Second, func() bool { return s.Calls() >= 3 }) {
		t.Fatalf("expected a follow-up sync, got %d calls", s.Calls())
	}

	// The follow-up does not queue another one.
	time.Sleep(300 * time.Millisecond)
	if got := s.Calls(); got != 3 {
		t.Errorf("expected 3 syncs, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changed) != 1 || changed[0] != "techniques" {
		t.Errorf("record_changed events = %v, want [techniques]", changed)
	}
}

func TestDaemon_DropsOwnWritesDuringSync(t *testing.T) {
	dir := t.TempDir()
	s := &fakeSyncer{}
	s.during = func(call int) {
		if call == 2 {
			writeDoc(t, dir, "techniques.json")
			time.Sleep(200 * time.Millisecond)
		}
	}

	d, err := New(s, dir, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	if !waitFor(t, 2*time.Second, func() bool { return s.Calls() == 1 }) {
		t.Fatal("expected initial sync")
	}
	d.SyncNow(context.Background())

	time.Sleep(300 * time.Millisecond)
	if got := s.Calls(); got != 2 {
		t.Errorf("expected no sync after the sync's own writes, got %d calls", got)
	}
}

func TestDaemon_IgnoresNonCollectionDocuments(t *testing.T) {
	dir := t.TempDir()
	s := &fakeSyncer{}
	d, err := New(s, dir, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	if !waitFor(t, 2*time.Second, func() bool { return s.Calls() == 1 }) {
		t.Fatal("expected initial sync")
	}

	writeDoc(t, dir, "settings.json")
	writeDoc(t, dir, "sync_ledger.json")
	writeDoc(t, dir, "notes.txt")
	time.Sleep(300 * time.Millisecond)

	if got := s.Calls(); got != 1 {
		t.Errorf("expected no sync for non-collection files, got %d calls", got)
	}
}

func TestDaemon_PeriodicSyncSurvivesErrors(t *testing.T) {
	s := &fakeSyncer{err: auth.ErrSignedOut}
	cfg := testConfig()
	cfg.Interval = 50 * time.Millisecond

	d, err := New(s, t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	if !waitFor(t, 3*time.Second, func() bool { return s.Calls() >= 3 }) {
		t.Fatalf("expected periodic syncs, got %d calls", s.Calls())
	}
	if d.SyncCount() < 3 {
		t.Errorf("SyncCount() = %d, want >= 3", d.SyncCount())
	}
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	d, err := New(&fakeSyncer{}, t.TempDir(), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
}
