package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore stores records in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// NewSQLiteStore creates the cache_records table if needed.
func NewSQLiteStore(db *sql.DB, opts Options) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_records (
			key TEXT PRIMARY KEY,
			encoding TEXT NOT NULL,
			size INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data BLOB NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_records table: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_cache_records_updated_at ON cache_records(updated_at DESC)"); err != nil {
		return nil, fmt.Errorf("failed to create cache_records updated_at index: %w", err)
	}

	return &SQLiteStore{db: db, opts: opts}, nil
}

// Put upserts a record.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, encoding, err := encodePayload(rec.Value, s.opts.threshold())
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_records (key, encoding, size, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			encoding = excluded.encoding,
			size = excluded.size,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, rec.Key, encoding, len(rec.Value), updatedAt(rec).UnixMilli(), data)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Get returns a record by key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		encoding string
		updated  int64
		data     []byte
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT encoding, updated_at, data FROM cache_records WHERE key = ?", key,
	).Scan(&encoding, &updated, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query record: %w", err)
	}

	value, err := decodePayload(data, encoding)
	if err != nil {
		return nil, err
	}
	return &Record{Key: key, Value: value, UpdatedAt: time.UnixMilli(updated).UTC()}, nil
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_records WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List returns records under prefix ordered by key.
// substr is used instead of LIKE so '_' and '%' in keys match literally.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, encoding, updated_at, data
		FROM cache_records
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key
	`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		var (
			key, encoding string
			updated       int64
			data          []byte
		)
		if err := rows.Scan(&key, &encoding, &updated, &data); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		value, err := decodePayload(data, encoding)
		if err != nil {
			return nil, fmt.Errorf("decode record %q: %w", key, err)
		}
		items = append(items, &Record{Key: key, Value: value, UpdatedAt: time.UnixMilli(updated).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return items, nil
}

// DeletePrefix removes records under prefix.
func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_records WHERE substr(key, 1, length(?)) = ?", prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read delete rows affected: %w", err)
	}
	return n, nil
}

// Close is a no-op; DB lifecycle is managed by storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}
