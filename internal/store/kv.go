package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/flowroll/flowroll/internal/storage"
)

// SettingsDocument is the document holding small scalar values.
const SettingsDocument = "settings"

// Well-known keys in the settings document.
const (
	keyAnonymousID      = "anonymous_id"
	keyRecentTechniques = "recent_techniques"
	keyFlagPrefix       = "flag."

	// AnonymousPrefix marks owner ids generated on this device.
	AnonymousPrefix = "local_"

	// MaxRecentTechniques bounds the recently viewed list.
	MaxRecentTechniques = 10
)

// KV is a flat JSON object of scalars: the anonymous device id, the recently
// viewed technique ids, feature flags and the session.
type KV struct {
	backend storage.Backend
}

// NewKV returns the key-value store on backend.
func NewKV(backend storage.Backend) *KV {
	return &KV{backend: backend}
}

func (kv *KV) load(ctx context.Context) (map[string]json.RawMessage, error) {
	data, err := kv.backend.Read(ctx, SettingsDocument)
	if err != nil {
		if storage.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	values := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, &storage.Error{Op: "decode", Name: SettingsDocument, Err: err}
	}
	return values, nil
}

func (kv *KV) store(ctx context.Context, values map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return &storage.Error{Op: "encode", Name: SettingsDocument, Err: err}
	}
	return kv.backend.Write(ctx, SettingsDocument, data)
}

// update runs fn on the decoded values while holding the document lock and
// writes the result back.
func (kv *KV) update(ctx context.Context, fn func(map[string]json.RawMessage) error) error {
	unlock, err := kv.backend.Lock(ctx, SettingsDocument)
	if err != nil {
		return err
	}
	defer unlock()

	values, err := kv.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(values); err != nil {
		return err
	}
	return kv.store(ctx, values)
}

// Get decodes the value stored under key into v. It reports whether the key
// was present.
func (kv *KV) Get(ctx context.Context, key string, v any) (bool, error) {
	values, err := kv.load(ctx)
	if err != nil {
		return false, err
	}
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key.
func (kv *KV) Set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	return kv.update(ctx, func(values map[string]json.RawMessage) error {
		values[key] = raw
		return nil
	})
}

// Delete removes key. Deleting a missing key is a no-op.
func (kv *KV) Delete(ctx context.Context, key string) error {
	return kv.update(ctx, func(values map[string]json.RawMessage) error {
		delete(values, key)
		return nil
	})
}

// AnonymousID returns the device's anonymous owner id, generating and
// persisting it on first use.
func (kv *KV) AnonymousID(ctx context.Context) (string, error) {
	var id string
	err := kv.update(ctx, func(values map[string]json.RawMessage) error {
		if raw, ok := values[keyAnonymousID]; ok {
			if err := json.Unmarshal(raw, &id); err == nil && id != "" {
				return nil
			}
		}
		id = AnonymousPrefix + uuid.New().String()
		raw, err := json.Marshal(id)
		if err != nil {
			return err
		}
		values[keyAnonymousID] = raw
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to load anonymous id: %w", err)
	}
	return id, nil
}

// RecentTechniques returns recently viewed technique ids, most recent first.
func (kv *KV) RecentTechniques(ctx context.Context) ([]string, error) {
	var ids []string
	if _, err := kv.Get(ctx, keyRecentTechniques, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// PushRecentTechnique moves id to the front of the recently viewed list,
// dropping duplicates and the oldest entries beyond MaxRecentTechniques.
func (kv *KV) PushRecentTechnique(ctx context.Context, id string) error {
	return kv.update(ctx, func(values map[string]json.RawMessage) error {
		var ids []string
		if raw, ok := values[keyRecentTechniques]; ok {
			_ = json.Unmarshal(raw, &ids)
		}

		out := make([]string, 0, MaxRecentTechniques)
		out = append(out, id)
		for _, existing := range ids {
			if existing == id {
				continue
			}
			if len(out) == MaxRecentTechniques {
				break
			}
			out = append(out, existing)
		}

		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		values[keyRecentTechniques] = raw
		return nil
	})
}

// Flag returns the feature flag value, false when unset.
func (kv *KV) Flag(ctx context.Context, name string) (bool, error) {
	var on bool
	if _, err := kv.Get(ctx, keyFlagPrefix+name, &on); err != nil {
		return false, err
	}
	return on, nil
}

// SetFlag sets a feature flag.
func (kv *KV) SetFlag(ctx context.Context, name string, on bool) error {
	return kv.Set(ctx, keyFlagPrefix+name, on)
}

// Flags returns every feature flag that has been set.
func (kv *KV) Flags(ctx context.Context) (map[string]bool, error) {
	values, err := kv.load(ctx)
	if err != nil {
		return nil, err
	}
	flags := make(map[string]bool)
	for key, raw := range values {
		name, ok := strings.CutPrefix(key, keyFlagPrefix)
		if !ok {
			continue
		}
		var on bool
		if err := json.Unmarshal(raw, &on); err != nil {
			continue
		}
		flags[name] = on
	}
	return flags, nil
}
