package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowroll/flowroll/internal/auth"
	"github.com/flowroll/flowroll/internal/remote"
	"github.com/flowroll/flowroll/internal/storage"
)

// ErrInProgress is returned when a sweep is requested while another one is
// still running on the same coordinator.
var ErrInProgress = errors.New("sync already in progress")

// Report summarizes one collection's sweep.
type Report struct {
	Collection string    `json:"collection"`
	Mode       Mode      `json:"mode"`
	Owner      string    `json:"owner"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`

	Pushed        int           `json:"pushed"`
	Pulled        int           `json:"pulled"`
	DeletedRemote int           `json:"deleted_remote"`
	DeletedLocal  int           `json:"deleted_local"`
	Unchanged     int           `json:"unchanged"`
	Failures      []ItemFailure `json:"failures,omitempty"`
}

// Duration returns how long the sweep took.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func (r *Report) String() string {
	return fmt.Sprintf("%s %s: pushed=%d pulled=%d deleted_remote=%d deleted_local=%d unchanged=%d failed=%d",
		r.Mode, r.Collection, r.Pushed, r.Pulled, r.DeletedRemote, r.DeletedLocal, r.Unchanged, len(r.Failures))
}

// Operations recorded in ItemFailure.Op.
const (
	OpPush         = "push"
	OpPull         = "pull"
	OpDeleteRemote = "delete_remote"
	OpDeleteLocal  = "delete_local"
	OpMarkSynced   = "mark_synced"
)

// ItemFailure is one record that was skipped during a sweep.
type ItemFailure struct {
	Collection string
	RecordID   string
	Op         string
	Err        error
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("%s %s %s: %v", f.Op, f.Collection, f.RecordID, f.Err)
}

// MarshalJSON renders the error as a string.
func (f ItemFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Collection string `json:"collection"`
		RecordID   string `json:"record_id,omitempty"`
		Op         string `json:"op"`
		Error      string `json:"error"`
	}{f.Collection, f.RecordID, f.Op, msg})
}

// PartialError is returned when a sweep completed but skipped some records.
type PartialError struct {
	Failures []ItemFailure
}

func (e *PartialError) Error() string {
	if len(e.Failures) == 1 {
		return "sync finished with 1 failed item: " + e.Failures[0].Error()
	}
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("sync finished with %d failed items: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *PartialError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// IsPartial reports whether err only describes skipped records.
func IsPartial(err error) bool {
	var pe *PartialError
	return errors.As(err, &pe)
}

// fatal reports whether err should abort the whole sweep rather than skip
// one record.
func fatal(err error) bool {
	return errors.Is(err, auth.ErrAuthExpired) ||
		errors.Is(err, auth.ErrSignedOut) ||
		errors.Is(err, remote.ErrUnreachable) ||
		errors.Is(err, remote.ErrNotConfigured)
}

// UserMessage turns a sweep error into a short notification text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var pe *PartialError
	switch {
	case errors.Is(err, auth.ErrAuthExpired):
		return "Your session expired. Sign in again to keep syncing."
	case errors.Is(err, auth.ErrSignedOut):
		return "Sign in to sync your data."
	case errors.Is(err, ErrInProgress):
		return "A sync is already running."
	case errors.Is(err, remote.ErrNotConfigured):
		return "Sync is not configured on this device."
	case errors.Is(err, remote.ErrUnreachable):
		return "Couldn't reach the server. Your data is safe on this device."
	case storage.IsStorageError(err) && !errors.As(err, &pe):
		return "Couldn't read or write local data."
	}

	if errors.As(err, &pe) {
		if len(pe.Failures) == 1 {
			return "Sync finished, but 1 item couldn't be synced. It will be retried next time."
		}
		return fmt.Sprintf("Sync finished, but %d items couldn't be synced. They will be retried next time.", len(pe.Failures))
	}
	if status := remote.StatusOf(err); status != 0 {
		return fmt.Sprintf("Sync failed: the server answered %d. Your data is safe on this device.", status)
	}
	return "Sync failed. Your data is safe on this device."
}
