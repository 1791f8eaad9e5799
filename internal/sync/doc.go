// Package sync reconciles the local record store with the hosted backend.
//
// Overview
//
// Records are always written locally first. The coordinator moves them
// between the device and the remote tables in three independently invocable
// sweeps, each run once per collection (techniques, flows, training logs,
// profiles):
//
//	Local store  ──backup────────────▶  Remote tables   (local wins, full push)
//	Local store  ◀────────────restore──  Remote tables   (remote wins, full pull)
//	Local store  ◀──incremental──────▶  Remote tables   (dirty up, everything down)
//
// Backup
//
//  1. Fetch the owner's remote rows.
//  2. Delete every remote row whose id is absent locally. Deletions run before
//     pushes so a locally deleted record is never resurrected.
//  3. Upsert every local record, dirty or not.
//  4. Mark every pushed record synced in the ledger.
//
// Restore is the mirror image: remote-only rows are saved locally and
// local-only records are deleted.
//
// Incremental
//
//  1. Upload only the records the ledger reports as dirty and mark them synced.
//  2. Download every remote row, save it locally (remote overwrites local for
//     any id it has) and mark it synced.
//  3. Replace the collection's in-memory View with a fresh list.
//
// Usage
//
//	client, _ := remote.New(remote.Config{BaseURL: url, APIKey: key})
//	client.SetTokenSource(sessions)
//
//	techniques := store.NewCollection[*record.Technique](backend, record.Techniques)
//	coord := sync.New(client, sessions, nil,
//	    sync.NewTarget(record.Techniques, techniques, ledger.New(backend, record.Techniques), nil),
//	)
//
//	reports, err := coord.Incremental(ctx)
//	if err != nil {
//	    fmt.Println(sync.UserMessage(err))
//	}
//
// Error Handling
//
// The coordinator is resilient to individual record failures:
//
//   - A record that fails to upload, download or delete is logged, recorded
//     in the Report and skipped; the sweep continues.
//   - A sweep that finished with skipped records returns a *PartialError
//     listing every failure.
//   - Failing to fetch the remote collection, an unreachable server or an
//     expired session aborts that collection's sweep.
//   - Collections are swept independently; a failure in one never rolls back
//     another, and local data is never rolled back by a failed sweep.
//
// Sweeps need a signed-in user. Without one they return auth.ErrSignedOut
// and leave local data untouched.
package sync
