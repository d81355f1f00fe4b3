package store

import (
	"context"
	stderrors "errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
)

// RedisStore keeps records as hashes in Redis, for shared kiosk devices that
// run a local Redis instead of a per-user database file.
type RedisStore struct {
	client *redis.Client
	ns     string
}

const (
	fieldValue    = "value"
	fieldStoredAt = "stored_at"
)

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr string, dbIndex int, namespace string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIndex,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisStore(client, namespace), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, ns: namespace}
}

// Get implements RecordStore.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	value, err := s.client.HGet(ctx, namespaced(s.ns, key), fieldValue).Result()
	if err != nil {
		if !stderrors.Is(err, redis.Nil) {
			logging.Warn("redis store read failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return "", false
	}
	return value, true
}

// Set implements RecordStore.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	err := s.client.HSet(ctx, namespaced(s.ns, key),
		fieldValue, value,
		fieldStoredAt, time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return writeFailed(key, err)
	}
	return nil
}

// Delete implements RecordStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, namespaced(s.ns, key)).Err(); err != nil {
		return errors.Wrap(errors.ErrStorageWrite, "failed to delete record", err)
	}
	return nil
}

// ListByPrefix implements RecordStore.
func (s *RedisStore) ListByPrefix(ctx context.Context, prefix string) ([]Record, error) {
	pattern := escapeGlob(namespaced(s.ns, prefix)) + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to scan records", err)
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		fields, err := s.client.HMGet(ctx, k, fieldValue, fieldStoredAt).Result()
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to read record", err)
		}
		value, ok := fields[0].(string)
		if !ok {
			// Deleted between SCAN and HMGET.
			continue
		}
		var storedAt int64
		if raw, ok := fields[1].(string); ok {
			storedAt, _ = strconv.ParseInt(raw, 10, 64)
		}
		records = append(records, Record{
			Key:      bare(s.ns, k),
			Value:    value,
			StoredAt: time.UnixMilli(storedAt),
		})
	}
	return records, nil
}

// Close implements RecordStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
