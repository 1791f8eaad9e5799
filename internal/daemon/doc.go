// Package daemon keeps the local record store in sync with the backend in
// the background.
//
// # Architecture
//
//   - FileWatcher: fsnotify watch over the data directory, reporting
//     changes to collection documents only
//   - Daemon: debounces those changes into incremental syncs and runs a
//     periodic sync to pick up remote edits
//
// # Usage
//
//	d, err := daemon.New(app.Sync, cfg.DataDir, &daemon.Config{
//	    Interval: cfg.Sync.Interval,
//	    Debounce: cfg.Sync.Debounce,
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
//
// # Debouncing
//
// A save rewrites a whole collection document, and a burst of edits
// produces a burst of file events. Changes are queued per collection and a
// sync starts once the directory has been quiet for Config.Debounce.
//
// Sweeps rewrite collection documents as they pull, so the daemon cannot
// tell its own writes from a user's edit made during a sync. Events within
// Config.Quiet after a sync are ignored. Events during a sync are held, and
// once it finishes they queue a follow-up sync only if the syncer still
// reports dirty records. A follow-up sync never queues another.
//
// # Error Handling
//
// A failed sync is logged with its user-facing message and the daemon
// keeps running. Being signed out is not an error for the daemon: local
// edits accumulate and are pushed after the next sign-in.
package daemon
