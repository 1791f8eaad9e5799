package sync

import (
	"context"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/remote"
)

// Mode selects the kind of sweep.
type Mode string

const (
	ModeBackup      Mode = "backup"
	ModeRestore     Mode = "restore"
	ModeIncremental Mode = "incremental"
)

// ParseMode accepts the names used on the command line.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeBackup, ModeRestore, ModeIncremental:
		return Mode(s), true
	case "run", "sync", "":
		return ModeIncremental, true
	default:
		return "", false
	}
}

// Remote is the subset of the remote client used by sweeps.
// *remote.Client implements it.
type Remote interface {
	Select(ctx context.Context, table string, q *remote.Query, out any) error
	Upsert(ctx context.Context, table string, rows any) error
	Delete(ctx context.Context, table, id string) error
}

// Identity resolves the signed-in user. *auth.Manager implements it.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// LocalStore is the record store of one collection.
// *store.Collection and *store.ProfileStore implement it.
type LocalStore[T record.Record] interface {
	Name() string
	Save(ctx context.Context, rec T) error
	List(ctx context.Context, ownerID string) ([]T, error)
	Delete(ctx context.Context, id string) error
}
