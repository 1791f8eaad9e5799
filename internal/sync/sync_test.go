package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	gosync "sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowroll/flowroll/internal/auth"
	"github.com/flowroll/flowroll/internal/graph"
	"github.com/flowroll/flowroll/internal/ledger"
	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/remote"
	"github.com/flowroll/flowroll/internal/remote/remotetest"
	"github.com/flowroll/flowroll/internal/storage"
	"github.com/flowroll/flowroll/internal/store"
)

const owner = "user_42"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type identity string

func (i identity) UserID(context.Context) (string, error) {
	if i == "" {
		return "", auth.ErrSignedOut
	}
	return string(i), nil
}

type fixture struct {
	srv        *remotetest.Server
	client     *remote.Client
	backend    storage.Backend
	techniques *store.Collection[*record.Technique]
	flows      *store.Collection[*record.Flow]
	profiles   *store.ProfileStore
	techLedger *ledger.Ledger
	techView   *View[*record.Technique]
	logger     *log.Logger
}

func setup(t *testing.T) *fixture {
	t.Helper()

	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)

	logger := log.New(io.Discard, "", 0)
	client, err := remote.New(remote.Config{BaseURL: srv.URL, APIKey: srv.APIKey, Logger: logger})
	require.NoError(t, err)

	backend, err := storage.NewFileBackend(afero.NewMemMapFs(), "/data", storage.WithLogger(logger))
	require.NoError(t, err)

	return &fixture{
		srv:        srv,
		client:     client,
		backend:    backend,
		techniques: store.NewCollection[*record.Technique](backend, record.Techniques),
		flows:      store.NewCollection[*record.Flow](backend, record.Flows),
		profiles:   store.NewProfileStore(backend),
		techLedger: ledger.New(backend, record.Techniques),
		techView:   NewView[*record.Technique](),
		logger:     logger,
	}
}

func (f *fixture) coordinator(id Identity, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = f.logger
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return t0 }
	}
	return New(f.client, id, cfg,
		NewTarget[*record.Technique](record.Techniques, f.techniques, f.techLedger, f.techView),
		NewTarget[*record.Flow](record.Flows, f.flows, ledger.New(f.backend, record.Flows), nil),
		NewTarget[*record.Profile](record.Profiles, f.profiles, ledger.New(f.backend, record.Profiles), nil),
	)
}

func tech(id, name string, updated time.Time) *record.Technique {
	return &record.Technique{
		Meta: record.Meta{ID: id, OwnerID: owner, CreatedAt: updated, UpdatedAt: updated},
		Name: name,
	}
}

func (f *fixture) saveLocal(t *testing.T, techs ...*record.Technique) {
	t.Helper()
	for _, tc := range techs {
		require.NoError(t, f.techniques.Save(context.Background(), tc))
	}
}

func localIDs(t *testing.T, f *fixture) []string {
	t.Helper()
	recs, err := f.techniques.List(context.Background(), owner)
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestBackup_PushesLocalAndDeletesRemoteOnly(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)), tech("b", "Kimura", t0.Add(-time.Hour)))
	f.srv.Seed(record.Techniques, tech("x", "Deleted locally", t0.Add(-2*time.Hour)))

	reports, err := f.coordinator(identity(owner), nil).Backup(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	rep := reports[0]
	assert.Equal(t, record.Techniques, rep.Collection)
	assert.Equal(t, 2, rep.Pushed)
	assert.Equal(t, 1, rep.DeletedRemote)
	assert.ElementsMatch(t, []string{"a", "b"}, f.srv.IDs(record.Techniques))

	for _, id := range []string{"a", "b"} {
		at, ok, err := f.techLedger.LastSynced(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, at.Equal(t0))
	}
}

func TestBackup_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)), tech("b", "Kimura", t0.Add(-time.Hour)))
	coord := f.coordinator(identity(owner), nil)

	_, err := coord.Backup(ctx)
	require.NoError(t, err)
	first := f.srv.Rows(record.Techniques)

	_, err = coord.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, f.srv.Rows(record.Techniques))
}

func TestRestore_PullsRemoteAndDeletesLocalOnly(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.saveLocal(t, tech("a", "Local armbar", t0.Add(-time.Hour)), tech("x", "Only here", t0.Add(-time.Hour)))
	f.srv.Seed(record.Techniques,
		tech("a", "Remote armbar", t0.Add(-2*time.Hour)),
		tech("c", "Remote only", t0.Add(-2*time.Hour)),
	)
	profile := &record.Profile{
		Meta: record.Meta{ID: owner, OwnerID: owner, CreatedAt: t0, UpdatedAt: t0},
		Belt: "purple",
	}
	f.srv.Seed(record.Profiles, profile)

	reports, err := f.coordinator(identity(owner), nil).Restore(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, reports[0].DeletedLocal)
	assert.Equal(t, 2, reports[0].Pulled)
	assert.Equal(t, []string{"a", "c"}, localIDs(t, f))

	a, err := f.techniques.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Remote armbar", a.Name)

	got, err := f.profiles.Get(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, profile, got)
}

func TestRestore_KeepsRowsWithUnknownValues(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	heelHook := tech("h", "Heel hook", t0.Add(-time.Hour))
	heelHook.Category = "leglock"
	heelHook.VideoURL = "youtu.be/abc"
	f.srv.Seed(record.Techniques, heelHook)
	f.srv.Seed(record.Profiles, &record.Profile{
		Meta: record.Meta{ID: owner, OwnerID: owner, CreatedAt: t0, UpdatedAt: t0},
		Belt: "grey",
	})

	reports, err := f.coordinator(identity(owner), nil).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reports[0].Pulled)

	got, err := f.techniques.Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "leglock", got.Category)
	assert.Equal(t, "youtu.be/abc", got.VideoURL)

	p, err := f.profiles.Get(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "grey", p.Belt)
}

func TestIncremental_UploadsDirtyAndDownloadsAll(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	clean := tech("a", "Armbar", t0.Add(-time.Hour))
	dirty := tech("b", "Kimura", t0.Add(-time.Hour))
	f.saveLocal(t, clean, dirty)
	require.NoError(t, f.techLedger.MarkSynced(ctx, "a", t0.Add(-30*time.Minute)))

	f.srv.Seed(record.Techniques,
		tech("a", "Armbar (edited on phone)", t0.Add(-45*time.Minute)),
		tech("c", "Triangle", t0.Add(-45*time.Minute)),
	)

	reports, err := f.coordinator(identity(owner), nil).Incremental(ctx)
	require.NoError(t, err)

	rep := reports[0]
	assert.Equal(t, 1, rep.Pushed)
	assert.Equal(t, 1, rep.Unchanged)
	assert.Equal(t, 3, rep.Pulled)
	assert.Equal(t, 1, f.srv.CountRequests(http.MethodPost, "/rest/v1/techniques"))

	a, err := f.techniques.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Armbar (edited on phone)", a.Name, "remote wins for ids it has")

	assert.Equal(t, 3, f.techView.Len())
	assert.False(t, f.techView.Updated().IsZero())
	assert.GreaterOrEqual(t, rep.Duration(), time.Duration(0))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, localIDs(t, f))

	snap, err := f.techLedger.Snapshot(ctx)
	require.NoError(t, err)
	for _, rec := range f.techView.Items() {
		assert.False(t, snap.IsDirty(rec), "record %s still dirty", rec.ID)
	}
}

func TestIncremental_SkipsFailedRecords(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)), tech("b", "Kimura", t0.Add(-time.Hour)))
	f.srv.Fail(http.MethodPost, record.Techniques, http.StatusInternalServerError, 1)

	reports, err := f.coordinator(identity(owner), nil).Incremental(ctx)
	require.Error(t, err)
	assert.True(t, IsPartial(err))

	var pe *PartialError
	require.True(t, errors.As(err, &pe))
	require.Len(t, pe.Failures, 1)
	assert.Equal(t, "a", pe.Failures[0].RecordID)
	assert.Equal(t, OpPush, pe.Failures[0].Op)
	assert.Equal(t, http.StatusInternalServerError, remote.StatusOf(pe.Failures[0].Err))

	assert.Equal(t, 1, reports[0].Pushed)
	assert.Equal(t, []string{"b"}, f.srv.IDs(record.Techniques))

	// The failed record survives locally and is retried next time.
	assert.ElementsMatch(t, []string{"a", "b"}, localIDs(t, f))
	dirty, err := f.techLedger.IsDirty(ctx, tech("a", "Armbar", t0.Add(-time.Hour)))
	require.NoError(t, err)
	assert.True(t, dirty)

	_, err = f.coordinator(identity(owner), nil).Incremental(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, f.srv.IDs(record.Techniques))
}

func TestRunAll_FetchFailureAbortsOnlyThatCollection(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)))
	f.srv.Fail(http.MethodGet, record.Flows, http.StatusServiceUnavailable, 1)

	reports, err := f.coordinator(identity(owner), nil).Backup(ctx)
	require.Error(t, err)
	assert.False(t, IsPartial(err))
	assert.Equal(t, http.StatusServiceUnavailable, remote.StatusOf(err))

	require.Len(t, reports, 3)
	assert.Equal(t, 1, reports[0].Pushed)
	assert.Equal(t, []string{"a"}, f.srv.IDs(record.Techniques))
}

func TestRunAll_SignedOut(t *testing.T) {
	f := setup(t)
	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)))

	_, err := f.coordinator(identity(""), nil).Incremental(context.Background())
	assert.ErrorIs(t, err, auth.ErrSignedOut)
	assert.Empty(t, f.srv.Requests())
	assert.Equal(t, []string{"a"}, localIDs(t, f))
}

func TestDirty_CountsUnpushedRecords(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)), tech("b", "Kimura", t0.Add(-time.Hour)))
	c := f.coordinator(identity(owner), nil)

	n, err := c.Dirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.Incremental(ctx)
	require.NoError(t, err)
	n, err = c.Dirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.saveLocal(t, tech("a", "Straight armbar", t0.Add(time.Minute)))
	n, err = c.Dirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.coordinator(identity(""), nil).Dirty(ctx)
	assert.ErrorIs(t, err, auth.ErrSignedOut)
}

func TestRunAll_RefreshesExpiredToken(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.srv.RequireAuth = true

	kv := store.NewKV(f.backend)
	sessions := auth.NewManager(kv, f.client.Auth(), &auth.Config{Logger: f.logger})
	f.client.SetTokenSource(sessions)

	access, refresh := f.srv.IssueTokens(owner)
	tr := &remote.TokenResponse{AccessToken: access, RefreshToken: refresh, ExpiresIn: 3600}
	tr.User.ID = owner
	_, err := sessions.Start(ctx, tr)
	require.NoError(t, err)

	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)))
	coord := f.coordinator(sessions, nil)

	f.srv.RevokeAccessTokens()
	_, err = coord.Incremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, f.srv.IDs(record.Techniques))

	f.srv.RevokeAccessTokens()
	f.srv.RevokeRefreshTokens()
	_, err = coord.Incremental(ctx)
	assert.ErrorIs(t, err, auth.ErrAuthExpired)
	assert.Equal(t, "Your session expired. Sign in again to keep syncing.", UserMessage(err))

	s, err := sessions.Session(ctx)
	require.NoError(t, err)
	assert.Nil(t, s, "rejected refresh signs out")
	assert.Equal(t, []string{"a"}, localIDs(t, f), "local data survives sign-out")

	_, err = coord.Incremental(ctx)
	assert.ErrorIs(t, err, auth.ErrSignedOut)
}

func TestRunAll_EventsAndConcurrency(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)))

	flow := &record.Flow{
		Meta: record.Meta{ID: "f1", OwnerID: owner, CreatedAt: t0, UpdatedAt: t0},
		Name: "Guard",
		Graph: graph.Graph{
			Nodes: []graph.Node{{ID: "n1", Kind: "position", X: 10, Y: 20}},
		},
	}
	require.NoError(t, f.flows.Save(ctx, flow))

	var mu gosync.Mutex
	counts := map[string]int{}
	coord := f.coordinator(identity(owner), &Config{
		Concurrency: 3,
		OnEvent: func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			counts[ev.Type]++
		},
	})

	reports, err := coord.Backup(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, []string{record.Techniques, record.Flows, record.Profiles}, []string{
		reports[0].Collection, reports[1].Collection, reports[2].Collection,
	})

	assert.Equal(t, 3, counts[EventStarted])
	assert.Equal(t, 3, counts[EventComplete])
	assert.Zero(t, counts[EventFailed])

	rows := f.srv.Rows(record.Flows)
	require.Len(t, rows, 1)
	g, ok := rows[0]["graph"].(map[string]any)
	require.True(t, ok)
	nodes := g["nodes"].([]any)
	node := nodes[0].(map[string]any)
	assert.Contains(t, node, "position", "flows are uploaded in canonical graph form")
}

func TestRun_SingleCollection(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.saveLocal(t, tech("a", "Armbar", t0.Add(-time.Hour)))
	coord := f.coordinator(identity(owner), nil)

	rep, err := coord.Run(ctx, ModeBackup, record.Techniques)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pushed)
	assert.Zero(t, f.srv.CountRequests(http.MethodGet, "/rest/v1/flows"))

	_, err = coord.Run(ctx, ModeBackup, "groups")
	assert.Error(t, err)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"signed out", auth.ErrSignedOut, "Sign in to sync your data."},
		{"in progress", ErrInProgress, "A sync is already running."},
		{"unreachable", errors.Join(remote.ErrUnreachable), "Couldn't reach the server. Your data is safe on this device."},
		{"server error", &remote.Error{StatusCode: 502}, "Sync failed: the server answered 502. Your data is safe on this device."},
		{"partial", &PartialError{Failures: []ItemFailure{{Err: errors.New("a")}, {Err: errors.New("b")}}}, "Sync finished, but 2 items couldn't be synced. They will be retried next time."},
		{"storage", &storage.Error{Op: "write", Name: "flows", Err: errors.New("disk full")}, "Couldn't read or write local data."},
		{"unknown", errors.New("boom"), "Sync failed. Your data is safe on this device."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"backup":      ModeBackup,
		"restore":     ModeRestore,
		"incremental": ModeIncremental,
		"run":         ModeIncremental,
	} {
		got, ok := ParseMode(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := ParseMode("mirror")
	assert.False(t, ok)
}
