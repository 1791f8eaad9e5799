package app

import (
	"context"
	"fmt"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/remote"
	"github.com/flowroll/flowroll/internal/store"
)

type collection[T record.Record] interface {
	Save(ctx context.Context, rec T) error
	List(ctx context.Context, ownerID string) ([]T, error)
}

// create stamps rec for the current owner, checks it as user input and
// saves it.
func create[T record.Record](ctx context.Context, a *App, c collection[T], rec T) error {
	owner, err := a.Owner(ctx)
	if err != nil {
		return err
	}
	record.Stamp(rec, owner, a.now())
	if err := record.ValidateInput(rec); err != nil {
		return err
	}
	return c.Save(ctx, rec)
}

// update saves an existing record with a new UpdatedAt so the next sync
// picks it up.
func update[T record.Record](ctx context.Context, a *App, c collection[T], rec T) error {
	if rec.Base().ID == "" {
		return fmt.Errorf("record has no id")
	}
	record.Touch(rec, a.now())
	if err := record.ValidateInput(rec); err != nil {
		return err
	}
	return c.Save(ctx, rec)
}

func list[T record.Record](ctx context.Context, a *App, c collection[T]) ([]T, error) {
	owner, err := a.Owner(ctx)
	if err != nil {
		return nil, err
	}
	return c.List(ctx, owner)
}

// CreateTechnique stores a new technique for the current owner.
func (a *App) CreateTechnique(ctx context.Context, t *record.Technique) error {
	return create(ctx, a, a.Techniques, t)
}

// UpdateTechnique saves changes to an existing technique.
func (a *App) UpdateTechnique(ctx context.Context, t *record.Technique) error {
	return update(ctx, a, a.Techniques, t)
}

// ListTechniques returns the current owner's techniques.
func (a *App) ListTechniques(ctx context.Context) ([]*record.Technique, error) {
	return list(ctx, a, a.Techniques)
}

// ViewTechnique returns a technique and records it as recently viewed.
func (a *App) ViewTechnique(ctx context.Context, id string) (*record.Technique, error) {
	t, err := a.Techniques.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.KV.PushRecentTechnique(ctx, id); err != nil {
		a.logger.Printf("WARNING: Failed to record recent technique %s: %v", id, err)
	}
	return t, nil
}

// RecentTechniques returns recently viewed techniques, most recent first.
// Ids whose technique no longer exists are skipped.
func (a *App) RecentTechniques(ctx context.Context) ([]*record.Technique, error) {
	ids, err := a.KV.RecentTechniques(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*record.Technique, 0, len(ids))
	for _, id := range ids {
		t, err := a.Techniques.Get(ctx, id)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateFlow stores a new flow for the current owner.
func (a *App) CreateFlow(ctx context.Context, f *record.Flow) error {
	return create(ctx, a, a.Flows, f)
}

// UpdateFlow saves changes to an existing flow.
func (a *App) UpdateFlow(ctx context.Context, f *record.Flow) error {
	return update(ctx, a, a.Flows, f)
}

// ListFlows returns the current owner's flows.
func (a *App) ListFlows(ctx context.Context) ([]*record.Flow, error) {
	return list(ctx, a, a.Flows)
}

// CreateTrainingLog stores a new training log for the current owner.
func (a *App) CreateTrainingLog(ctx context.Context, l *record.TrainingLog) error {
	return create(ctx, a, a.TrainingLogs, l)
}

// UpdateTrainingLog saves changes to an existing training log.
func (a *App) UpdateTrainingLog(ctx context.Context, l *record.TrainingLog) error {
	return update(ctx, a, a.TrainingLogs, l)
}

// ListTrainingLogs returns the current owner's training logs.
func (a *App) ListTrainingLogs(ctx context.Context) ([]*record.TrainingLog, error) {
	return list(ctx, a, a.TrainingLogs)
}

// Profile returns the current owner's profile, or store.ErrNotFound.
func (a *App) Profile(ctx context.Context) (*record.Profile, error) {
	owner, err := a.Owner(ctx)
	if err != nil {
		return nil, err
	}
	return a.Profiles.Get(ctx, owner)
}

// SaveProfile creates or replaces the current owner's profile.
func (a *App) SaveProfile(ctx context.Context, p *record.Profile) error {
	owner, err := a.Owner(ctx)
	if err != nil {
		return err
	}
	p.ID = owner
	record.Stamp(p, owner, a.now())
	if err := record.ValidateInput(p); err != nil {
		return err
	}
	return a.Profiles.Save(ctx, p)
}

// SetAvatar uploads an avatar image and stores its public URL in the
// profile, creating the profile if needed.
func (a *App) SetAvatar(ctx context.Context, contentType string, data []byte) (string, error) {
	owner, err := a.Owner(ctx)
	if err != nil {
		return "", err
	}
	url, err := a.Remote.UploadObject(ctx, a.cfg.Remote.AvatarBucket, remote.AvatarKey(owner), contentType, data)
	if err != nil {
		return "", err
	}

	p, err := a.Profiles.Get(ctx, owner)
	if store.IsNotFound(err) {
		p = &record.Profile{}
	} else if err != nil {
		return "", err
	}
	// Only the URL changes here, so a synced profile with fields this
	// client does not know is saved as is.
	p.AvatarURL = url
	p.ID = owner
	record.Stamp(p, owner, a.now())
	if err := a.Profiles.Save(ctx, p); err != nil {
		return "", err
	}
	return url, nil
}
