// Package store provides the local record store: namespaced key to opaque
// string persistence that survives process restarts.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/evalsync/internal/db"
	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
)

// Well-known keys of the local persisted state.
const (
	KeyAuth        = "secure_auth"
	KeyCompanies   = "secure_companies"
	KeyLocations   = "secure_locations"
	KeyTemplates   = "secure_templates"
	KeyEvaluations = "secure_evaluations"
	KeyLastSync    = "secure_lastSync"
)

// Ad-hoc key prefixes written by the capture and read paths.
const (
	PrefixOfflineChecklist = "offline_checklist_"
	PrefixEvaluation       = "evaluation_"
)

// WellKnownKeys lists every fixed key, in the order ClearAll removes them.
var WellKnownKeys = []string{
	KeyAuth,
	KeyCompanies,
	KeyLocations,
	KeyTemplates,
	KeyEvaluations,
	KeyLastSync,
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// DefaultNamespace prefixes every key when configuration does not set one.
const DefaultNamespace = "evalsync"

const probeKey = "__capability_probe__"

// Record is one stored entry as returned by ListByPrefix.
type Record struct {
	Key      string
	Value    string
	StoredAt time.Time
}

// RecordStore is the persistence contract shared by every backend.
// Keys passed in and returned are bare; backends apply the namespace.
type RecordStore interface {
	// Get returns the value and true, or "" and false when the key is absent.
	// Backend failures are logged and reported as absent.
	Get(ctx context.Context, key string) (string, bool)

	// Set stores value under key. Failures are returned as STORAGE_WRITE_FAILED.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListByPrefix returns every record whose key starts with prefix, sorted by key.
	ListByPrefix(ctx context.Context, prefix string) ([]Record, error)

	// Close releases the backend.
	Close() error
}

// Config selects and configures exactly one backend.
type Config struct {
	Backend   string
	Path      string
	Namespace string
	RedisAddr string
	RedisDB   int
}

// Open creates the configured backend and verifies it can write, read back
// and delete a probe record. Any failure is STORAGE_UNAVAILABLE.
func Open(ctx context.Context, cfg Config) (RecordStore, error) {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	var (
		s   RecordStore
		err error
	)
	fields := map[string]interface{}{
		"backend":   backendName(cfg.Backend),
		"namespace": ns,
	}
	switch cfg.Backend {
	case BackendSQLite, "":
		conn, err := db.Open(ctx, cfg.Path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to open sqlite store", err)
		}
		if version, err := db.CurrentVersion(ctx, conn); err == nil {
			fields["schema_version"] = version
		} else {
			logging.Warn("Failed to read sqlite schema version", map[string]interface{}{
				"error": err.Error(),
			})
		}
		s = NewSQLiteStore(conn, ns)
	case BackendRedis:
		s, err = DialRedis(ctx, cfg.RedisAddr, cfg.RedisDB, ns)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to connect redis store", err)
		}
	case BackendMemory:
		s = NewMemoryStore(ns)
	default:
		return nil, errors.Newf(errors.ErrStorageUnavailable, "unknown store backend %q", cfg.Backend)
	}

	if err := CheckCapability(ctx, s); err != nil {
		_ = s.Close()
		return nil, err
	}

	logging.Info("Record store ready", fields)
	return s, nil
}

// CheckCapability round-trips a probe record through s.
func CheckCapability(ctx context.Context, s RecordStore) error {
	want := fmt.Sprintf("probe-%d", time.Now().UnixNano())

	if err := s.Set(ctx, probeKey, want); err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "store rejected probe write", err)
	}
	got, ok := s.Get(ctx, probeKey)
	if !ok || got != want {
		return errors.New(errors.ErrStorageUnavailable, "store did not return probe record")
	}
	if err := s.Delete(ctx, probeKey); err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "store rejected probe delete", err)
	}
	return nil
}

func backendName(b string) string {
	if b == "" {
		return BackendSQLite
	}
	return b
}

// namespaced maps a bare key to its stored form.
func namespaced(ns, key string) string {
	return ns + ":" + key
}

// bare strips the namespace from a stored key.
func bare(ns, stored string) string {
	return strings.TrimPrefix(stored, ns+":")
}

func writeFailed(key string, err error) error {
	return errors.Wrap(errors.ErrStorageWrite, fmt.Sprintf("could not save %q to local storage", key), err)
}
