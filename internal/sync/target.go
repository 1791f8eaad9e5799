package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/flowroll/flowroll/internal/ledger"
	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/remote"
)

// Target is one collection the coordinator sweeps. Build it with NewTarget.
type Target interface {
	Collection() string
	sweep(ctx context.Context, env *env, mode Mode, owner string) (*Report, error)
	dirty(ctx context.Context, owner string) (int, error)
}

// env carries the coordinator state a sweep needs.
type env struct {
	remote Remote
	logger *log.Logger
	now    func() time.Time
}

type target[T record.Record] struct {
	table  string
	local  LocalStore[T]
	ledger *ledger.Ledger
	view   *View[T]
}

// NewTarget pairs a local collection with its remote table and ledger. view
// may be nil when nothing renders the collection.
func NewTarget[T record.Record](table string, local LocalStore[T], l *ledger.Ledger, view *View[T]) Target {
	return &target[T]{table: table, local: local, ledger: l, view: view}
}

func (t *target[T]) Collection() string {
	return t.table
}

func (t *target[T]) sweep(ctx context.Context, e *env, mode Mode, owner string) (*Report, error) {
	rep := &Report{Collection: t.table, Mode: mode, Owner: owner, Started: e.now()}

	var err error
	switch mode {
	case ModeBackup:
		err = t.backup(ctx, e, owner, rep)
	case ModeRestore:
		err = t.restore(ctx, e, owner, rep)
	case ModeIncremental:
		err = t.incremental(ctx, e, owner, rep)
	default:
		err = fmt.Errorf("unknown sync mode %q", mode)
	}
	rep.Finished = e.now()

	if err != nil {
		return rep, err
	}
	if len(rep.Failures) > 0 {
		return rep, &PartialError{Failures: rep.Failures}
	}
	return rep, nil
}

// backup pushes every local record after deleting remote rows that no longer
// exist locally.
func (t *target[T]) backup(ctx context.Context, e *env, owner string, rep *Report) error {
	remoteRows, err := t.fetch(ctx, e, owner)
	if err != nil {
		return err
	}
	localRows, err := t.local.List(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list local %s: %w", t.table, err)
	}

	localIDs := idSet(localRows)
	for _, row := range remoteRows {
		id := row.Base().ID
		if localIDs[id] {
			continue
		}
		if err := e.remote.Delete(ctx, t.table, id); err != nil {
			if fatal(err) {
				return err
			}
			t.skip(e, rep, id, OpDeleteRemote, err)
			continue
		}
		rep.DeletedRemote++
	}

	synced := make(map[string]time.Time, len(localRows))
	for _, rec := range localRows {
		if err := e.remote.Upsert(ctx, t.table, []T{rec}); err != nil {
			if fatal(err) {
				t.markSynced(ctx, e, rep, synced)
				return err
			}
			t.skip(e, rep, rec.Base().ID, OpPush, err)
			continue
		}
		synced[rec.Base().ID] = syncTime(rec, e.now())
		rep.Pushed++
	}
	t.markSynced(ctx, e, rep, synced)
	return nil
}

// restore saves every remote row locally after deleting local records that
// no longer exist remotely.
func (t *target[T]) restore(ctx context.Context, e *env, owner string, rep *Report) error {
	remoteRows, err := t.fetch(ctx, e, owner)
	if err != nil {
		return err
	}
	localRows, err := t.local.List(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list local %s: %w", t.table, err)
	}

	remoteIDs := idSet(remoteRows)
	for _, rec := range localRows {
		id := rec.Base().ID
		if remoteIDs[id] {
			continue
		}
		if err := t.local.Delete(ctx, id); err != nil {
			t.skip(e, rep, id, OpDeleteLocal, err)
			continue
		}
		rep.DeletedLocal++
	}

	t.pull(ctx, e, remoteRows, rep)
	return nil
}

// incremental uploads dirty records, then downloads everything.
func (t *target[T]) incremental(ctx context.Context, e *env, owner string, rep *Report) error {
	snap, err := t.ledger.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s ledger: %w", t.table, err)
	}
	localRows, err := t.local.List(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list local %s: %w", t.table, err)
	}

	synced := make(map[string]time.Time)
	for _, rec := range localRows {
		if !snap.IsDirty(rec) {
			rep.Unchanged++
			continue
		}
		if err := e.remote.Upsert(ctx, t.table, []T{rec}); err != nil {
			if fatal(err) {
				t.markSynced(ctx, e, rep, synced)
				return err
			}
			t.skip(e, rep, rec.Base().ID, OpPush, err)
			continue
		}
		synced[rec.Base().ID] = syncTime(rec, e.now())
		rep.Pushed++
	}
	t.markSynced(ctx, e, rep, synced)

	remoteRows, err := t.fetch(ctx, e, owner)
	if err != nil {
		return err
	}
	t.pull(ctx, e, remoteRows, rep)

	if t.view != nil {
		fresh, err := t.local.List(ctx, owner)
		if err != nil {
			return fmt.Errorf("failed to refresh %s view: %w", t.table, err)
		}
		t.view.Replace(fresh)
	}
	return nil
}

func (t *target[T]) dirty(ctx context.Context, owner string) (int, error) {
	snap, err := t.ledger.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s ledger: %w", t.table, err)
	}
	rows, err := t.local.List(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to list local %s: %w", t.table, err)
	}
	n := 0
	for _, rec := range rows {
		if snap.IsDirty(rec) {
			n++
		}
	}
	return n, nil
}

func (t *target[T]) fetch(ctx context.Context, e *env, owner string) ([]T, error) {
	var rows []T
	q := remote.NewQuery().Eq("owner_id", owner)
	if err := e.remote.Select(ctx, t.table, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch remote %s: %w", t.table, err)
	}
	return rows, nil
}

// pull saves remote rows locally and marks them synced.
func (t *target[T]) pull(ctx context.Context, e *env, rows []T, rep *Report) {
	synced := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		if err := t.local.Save(ctx, row); err != nil {
			t.skip(e, rep, row.Base().ID, OpPull, err)
			continue
		}
		synced[row.Base().ID] = syncTime(row, e.now())
		rep.Pulled++
	}
	t.markSynced(ctx, e, rep, synced)
}

func (t *target[T]) markSynced(ctx context.Context, e *env, rep *Report, synced map[string]time.Time) {
	if len(synced) == 0 {
		return
	}
	// Record finished items even when the sweep was cancelled.
	if err := t.ledger.MarkSyncedAll(context.WithoutCancel(ctx), synced); err != nil {
		t.skip(e, rep, "", OpMarkSynced, err)
	}
}

func (t *target[T]) skip(e *env, rep *Report, id, op string, err error) {
	e.logger.Printf("WARNING: Failed to %s %s %s: %v", op, t.table, id, err)
	rep.Failures = append(rep.Failures, ItemFailure{Collection: t.table, RecordID: id, Op: op, Err: err})
}

// syncTime is the ledger entry for a record synced at now. A record stamped
// ahead of this clock would otherwise stay dirty forever.
func syncTime(rec record.Record, now time.Time) time.Time {
	if u := rec.Base().UpdatedAt; u.After(now) {
		return u
	}
	return now
}

func idSet[T record.Record](rows []T) map[string]bool {
	ids := make(map[string]bool, len(rows))
	for _, r := range rows {
		ids[r.Base().ID] = true
	}
	return ids
}
