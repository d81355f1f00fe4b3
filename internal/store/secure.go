package store

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/obfuscate"
)

// Secure stores JSON values obfuscated on top of a RecordStore.
// Every value it writes is an opaque codec string.
type Secure struct {
	store RecordStore
	codec *obfuscate.Codec
}

// NewSecure creates the typed layer.
func NewSecure(store RecordStore, codec *obfuscate.Codec) *Secure {
	return &Secure{store: store, codec: codec}
}

// Store returns the underlying record store.
func (s *Secure) Store() RecordStore {
	return s.store
}

// PutJSON serializes v, obfuscates it and writes it under key.
func (s *Secure) PutJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to serialize value for "+key, err)
	}
	return s.store.Set(ctx, key, s.codec.Obfuscate(string(data)))
}

// GetJSON reads key into dest. It returns false when the key is absent or the
// stored value cannot be decoded; decode failures are logged, never returned.
func (s *Secure) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	raw, ok := s.store.Get(ctx, key)
	if !ok {
		return false
	}
	return s.Decode(key, raw, dest)
}

// Decode deobfuscates a raw stored value into dest.
func (s *Secure) Decode(key, raw string, dest interface{}) bool {
	plain := s.codec.Deobfuscate(raw)
	if err := json.Unmarshal([]byte(plain), dest); err != nil {
		logging.ErrorWithCode("Failed to decode local record", string(errors.ErrDecode), err, map[string]interface{}{
			"key": key,
		})
		return false
	}
	return true
}

// Delete removes key.
func (s *Secure) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}

// List returns the raw records under prefix.
func (s *Secure) List(ctx context.Context, prefix string) ([]Record, error) {
	return s.store.ListByPrefix(ctx, prefix)
}

// ClearAll deletes every well-known key and every record under the ad-hoc
// prefixes. The first failure is returned after all deletions were tried.
func (s *Secure) ClearAll(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, key := range WellKnownKeys {
		keep(s.store.Delete(ctx, key))
	}

	removed := 0
	for _, prefix := range []string{PrefixOfflineChecklist, PrefixEvaluation} {
		records, err := s.store.ListByPrefix(ctx, prefix)
		if err != nil {
			keep(err)
			continue
		}
		for _, r := range records {
			keep(s.store.Delete(ctx, r.Key))
			removed++
		}
	}

	logging.Info("Cleared local data", map[string]interface{}{
		"prefixed_records": removed,
	})
	return firstErr
}

// GetOr returns the decoded value under key, or def when it is absent or
// malformed.
func GetOr[T any](ctx context.Context, s *Secure, key string, def T) T {
	var v T
	if !s.GetJSON(ctx, key, &v) {
		return def
	}
	return v
}
