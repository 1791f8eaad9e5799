// Package record defines the owner-scoped entities persisted by the local
// store and reconciled with the remote API.
//
// Every entity embeds Meta, which carries the identity, ownership and
// timestamps shared by all record types. UpdatedAt is rewritten on every
// mutation and is the only signal used to decide whether a record needs to
// be uploaded.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Collection names. They double as remote table names.
const (
	Techniques   = "techniques"
	Flows        = "flows"
	TrainingLogs = "training_logs"
	Profiles     = "profiles"
)

// Meta is the shape shared by every record.
type Meta struct {
	ID        string    `json:"id" validate:"required,max=128"`
	OwnerID   string    `json:"owner_id" validate:"required,max=128"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MigratedFrom is the id of the record this one was copied from when an
	// anonymous owner signed in. Empty for records created directly.
	MigratedFrom string `json:"migrated_from,omitempty"`
}

// Base returns the shared record fields.
func (m *Meta) Base() *Meta {
	return m
}

// Record is implemented by every persisted entity through its embedded Meta.
type Record interface {
	Base() *Meta
}

// OwnerKeyed is implemented by records stored one per owner rather than in a
// list. Their id is always the owner id.
type OwnerKeyed interface {
	Record
	KeyedByOwner() bool
}

// Stamp prepares a record for its first save: it assigns a fresh id when none
// is set, sets the owner and fills both timestamps.
func Stamp(r Record, ownerID string, now time.Time) {
	m := r.Base()
	if m.ID == "" {
		m.ID = NewID()
	}
	m.OwnerID = ownerID
	now = now.UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// Touch records a mutation.
func Touch(r Record, now time.Time) {
	r.Base().UpdatedAt = now.UTC()
}

// NewID returns a new opaque record id.
func NewID() string {
	return uuid.New().String()
}

// Clone returns a deep copy of v by round-tripping it through JSON, the same
// representation used on disk and on the wire.
func Clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to clone record: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to clone record: %w", err)
	}
	return out, nil
}
