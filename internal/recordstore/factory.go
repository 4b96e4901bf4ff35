package recordstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/storage"
)

// Result holds the initialized record store and optional owned storage.
type Result struct {
	Store   Store
	Storage storage.Storage
}

// Close releases resources held by the record store.
func (r *Result) Close() error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// Open connects to the configured backend and creates a record store on it.
// The returned Result owns the connection.
func Open(ctx context.Context, cfg storage.Config, opts Options) (*Result, error) {
	st, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	store, err := NewWithSharedStorage(ctx, st, opts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &Result{
		Store:   store,
		Storage: st,
	}, nil
}

// NewWithSharedStorage creates a record store on an existing connection.
// The caller keeps ownership of st.
func NewWithSharedStorage(ctx context.Context, st storage.Storage, opts Options) (Store, error) {
	if st == nil {
		return nil, fmt.Errorf("shared storage is required")
	}

	switch st.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(st.SQLiteDB(), opts)
	case storage.TypePostgreSQL:
		pool := st.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(ctx, pool, opts)
	case storage.TypeMongoDB:
		db := st.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		return NewMongoDBStore(db, opts)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", st.Type())
	}
}
