package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
)

// SQLiteStore keeps records in the local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
	ns string
}

type recordRow struct {
	Key      string `db:"key"`
	Value    string `db:"value"`
	StoredAt int64  `db:"stored_at"`
}

// NewSQLiteStore wraps an open, migrated database.
func NewSQLiteStore(db *sqlx.DB, namespace string) *SQLiteStore {
	return &SQLiteStore{db: db, ns: namespace}
}

// Get implements RecordStore.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM records WHERE key = ?`, namespaced(s.ns, key))
	if err != nil {
		if !stderrors.Is(err, sql.ErrNoRows) {
			logging.Warn("sqlite store read failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return "", false
	}
	return value, true
}

// Set implements RecordStore.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (key, value, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at
	`, namespaced(s.ns, key), value, time.Now().UnixMilli())
	if err != nil {
		return writeFailed(key, err)
	}
	return nil
}

// Delete implements RecordStore.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, namespaced(s.ns, key)); err != nil {
		return errors.Wrap(errors.ErrStorageWrite, "failed to delete record", err)
	}
	return nil
}

// ListByPrefix implements RecordStore. The prefix is matched with substr
// rather than LIKE because '_' is a LIKE wildcard and appears in our keys.
func (s *SQLiteStore) ListByPrefix(ctx context.Context, prefix string) ([]Record, error) {
	full := namespaced(s.ns, prefix)

	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT key, value, stored_at FROM records
		WHERE substr(key, 1, ?) = ?
		ORDER BY key
	`, utf8.RuneCountInString(full), full)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to list records", err)
	}

	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, Record{
			Key:      bare(s.ns, r.Key),
			Value:    r.Value,
			StoredAt: time.UnixMilli(r.StoredAt),
		})
	}
	return records, nil
}

// Close implements RecordStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
