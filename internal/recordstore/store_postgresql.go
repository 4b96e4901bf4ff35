package recordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore stores records in PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgreSQLStore creates the cache_records table if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, opts Options) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache_records (
			key TEXT PRIMARY KEY,
			encoding TEXT NOT NULL,
			size BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			data BYTEA NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_records table: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_cache_records_updated_at ON cache_records(updated_at DESC)"); err != nil {
		return nil, fmt.Errorf("failed to create cache_records updated_at index: %w", err)
	}

	return &PostgreSQLStore{pool: pool, opts: opts}, nil
}

// Put upserts a record.
func (s *PostgreSQLStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, encoding, err := encodePayload(rec.Value, s.opts.threshold())
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cache_records (key, encoding, size, updated_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			encoding = EXCLUDED.encoding,
			size = EXCLUDED.size,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data
	`, rec.Key, encoding, len(rec.Value), updatedAt(rec).UnixMilli(), data)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Get returns a record by key.
func (s *PostgreSQLStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		encoding string
		updated  int64
		data     []byte
	)
	err := s.pool.QueryRow(ctx,
		"SELECT encoding, updated_at, data FROM cache_records WHERE key = $1", key,
	).Scan(&encoding, &updated, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgreSQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM cache_records WHERE key = $1", key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List returns records under prefix ordered by key.
func (s *PostgreSQLStore) List(ctx context.Context, prefix string) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, encoding, updated_at, data
		FROM cache_records
		WHERE starts_with(key, $1)
		ORDER BY key
	`, prefix)
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
func (s *PostgreSQLStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	cmd, err := s.pool.Exec(ctx, "DELETE FROM cache_records WHERE starts_with(key, $1)", prefix)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// Close is a no-op; pool lifecycle is managed by storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
