// Package store implements the local record store: one JSON document per
// entity collection, one document per profile, and a small key-value
// document for scalars.
//
// Every operation re-reads the whole document from the backend. Save and
// Delete hold the document lock across their read-modify-write cycle, so
// concurrent callers serialize instead of losing each other's writes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/storage"
)

// ErrNotFound is returned by Get when no record has the requested id.
var ErrNotFound = errors.New("record not found")

// Collection persists all records of one type in a single document.
//
// T is a pointer type such as *record.Technique.
type Collection[T record.Record] struct {
	backend storage.Backend
	name    string
}

// NewCollection returns the collection stored under the given document name.
func NewCollection[T record.Record](backend storage.Backend, name string) *Collection[T] {
	return &Collection[T]{backend: backend, name: name}
}

// Name returns the collection (and document) name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Save validates rec and upserts it by id: an existing record keeps its
// position in the collection, a new one is appended.
func (c *Collection[T]) Save(ctx context.Context, rec T) error {
	if err := record.Validate(rec); err != nil {
		return err
	}

	unlock, err := c.backend.Lock(ctx, c.name)
	if err != nil {
		return err
	}
	defer unlock()

	all, err := c.load(ctx)
	if err != nil {
		return err
	}

	id := rec.Base().ID
	replaced := false
	for i := range all {
		if all[i].Base().ID == id {
			all[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, rec)
	}

	return c.store(ctx, all)
}

// List returns the records owned by ownerID in collection order. An empty
// ownerID returns every record.
func (c *Collection[T]) List(ctx context.Context, ownerID string) ([]T, error) {
	all, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		return all, nil
	}

	out := make([]T, 0, len(all))
	for _, rec := range all {
		if rec.Base().OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Get returns the record with the given id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	all, err := c.load(ctx)
	if err != nil {
		return zero, err
	}
	for _, rec := range all {
		if rec.Base().ID == id {
			return rec, nil
		}
	}
	return zero, fmt.Errorf("%s %s: %w", c.name, id, ErrNotFound)
}

// Delete removes the first record with the given id. Deleting an id that is
// not present is a no-op.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	unlock, err := c.backend.Lock(ctx, c.name)
	if err != nil {
		return err
	}
	defer unlock()

	all, err := c.load(ctx)
	if err != nil {
		return err
	}

	for i := range all {
		if all[i].Base().ID == id {
			all = append(all[:i], all[i+1:]...)
			return c.store(ctx, all)
		}
	}
	return nil
}

func (c *Collection[T]) load(ctx context.Context) ([]T, error) {
	data, err := c.backend.Read(ctx, c.name)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var all []T
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, &storage.Error{Op: "decode", Name: c.name, Err: err}
	}
	return all, nil
}

func (c *Collection[T]) store(ctx context.Context, all []T) error {
	if all == nil {
		all = []T{}
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return &storage.Error{Op: "encode", Name: c.name, Err: err}
	}
	return c.backend.Write(ctx, c.name, data)
}
