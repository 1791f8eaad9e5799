package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/storage"
)

const profilePrefix = "profile_"

// ProfileStore keeps one document per owner, named profile_<ownerID>.
type ProfileStore struct {
	backend storage.Backend
}

// NewProfileStore returns a profile store on backend.
func NewProfileStore(backend storage.Backend) *ProfileStore {
	return &ProfileStore{backend: backend}
}

// Name returns the collection name shared with the remote table.
func (s *ProfileStore) Name() string {
	return record.Profiles
}

func profileDoc(ownerID string) string {
	return profilePrefix + ownerID
}

// Save writes the profile for its owner. The profile id must equal the owner
// id.
func (s *ProfileStore) Save(ctx context.Context, p *record.Profile) error {
	if err := record.Validate(p); err != nil {
		return err
	}
	if p.ID != p.OwnerID {
		return &record.ValidationError{
			Kind: "Profile",
			Err:  fmt.Errorf("profile id %q must equal owner id %q", p.ID, p.OwnerID),
		}
	}

	name := profileDoc(p.OwnerID)
	unlock, err := s.backend.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return &storage.Error{Op: "encode", Name: name, Err: err}
	}
	return s.backend.Write(ctx, name, data)
}

// Get returns the owner's profile.
func (s *ProfileStore) Get(ctx context.Context, ownerID string) (*record.Profile, error) {
	name := profileDoc(ownerID)
	data, err := s.backend.Read(ctx, name)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, fmt.Errorf("profile %s: %w", ownerID, ErrNotFound)
		}
		return nil, err
	}

	var p record.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &storage.Error{Op: "decode", Name: name, Err: err}
	}
	return &p, nil
}

// List returns the owner's profile, if any. An empty ownerID returns every
// stored profile.
func (s *ProfileStore) List(ctx context.Context, ownerID string) ([]*record.Profile, error) {
	if ownerID != "" {
		p, err := s.Get(ctx, ownerID)
		if err != nil {
			if IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return []*record.Profile{p}, nil
	}

	names, err := s.backend.List(ctx, profilePrefix)
	if err != nil {
		return nil, err
	}
	var out []*record.Profile
	for _, name := range names {
		p, err := s.Get(ctx, strings.TrimPrefix(name, profilePrefix))
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Delete removes the profile with the given id. Since profile ids equal
// owner ids this is a single document removal.
func (s *ProfileStore) Delete(ctx context.Context, id string) error {
	name := profileDoc(id)
	if err := storage.ValidateName(name); err != nil {
		return &storage.Error{Op: "remove", Name: name, Err: err}
	}
	unlock, err := s.backend.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	return s.backend.Remove(ctx, name)
}
