package recordstore_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/recordstore"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recordstore/recordstoretest"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/storage"
)

func TestMemoryStore(t *testing.T) {
	recordstoretest.Run(t, recordstore.NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "records.db")})
	require.NoError(t, err)
	defer st.Close()

	store, err := recordstore.NewSQLiteStore(st.SQLiteDB(), recordstore.Options{})
	require.NoError(t, err)
	recordstoretest.Run(t, store)
}

func TestSQLiteStoreUncompressed(t *testing.T) {
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer st.Close()

	store, err := recordstore.NewSQLiteStore(st.SQLiteDB(), recordstore.Options{CompressThreshold: -1})
	require.NoError(t, err)
	recordstoretest.Run(t, store)
}

func TestSQLiteStoreCompressesLargeValues(t *testing.T) {
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer st.Close()

	store, err := recordstore.NewSQLiteStore(st.SQLiteDB(), recordstore.Options{CompressThreshold: 64})
	require.NoError(t, err)

	ctx := context.Background()
	value := []byte(strings.Repeat("wizard", 500))
	require.NoError(t, store.Put(ctx, &recordstore.Record{Key: "big", Value: value}))
	require.NoError(t, store.Put(ctx, &recordstore.Record{Key: "small", Value: []byte("tiny")}))

	rows, err := st.SQLiteDB().QueryContext(ctx, "SELECT key, encoding, size, length(data) FROM cache_records ORDER BY key")
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		key, encoding string
		size, stored  int
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.key, &r.encoding, &r.size, &r.stored))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	assert.Equal(t, "br", got[0].encoding)
	assert.Equal(t, len(value), got[0].size)
	assert.Less(t, got[0].stored, got[0].size)
	assert.Equal(t, "identity", got[1].encoding)

	back, err := store.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, value, back.Value)
}

func TestNewWithSharedStorage(t *testing.T) {
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer st.Close()

	store, err := recordstore.NewWithSharedStorage(context.Background(), st, recordstore.Options{})
	require.NoError(t, err)
	_, ok := store.(*recordstore.SQLiteStore)
	assert.True(t, ok, "got %T", store)

	_, err = recordstore.NewWithSharedStorage(context.Background(), nil, recordstore.Options{})
	require.Error(t, err)
}

func TestOpenOwnsStorage(t *testing.T) {
	res, err := recordstore.Open(context.Background(), storage.Config{
		SQLite: storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "owned.db")},
	}, recordstore.Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Storage)
	assert.Equal(t, storage.TypeSQLite, res.Storage.Type())
	require.NoError(t, res.Close())
}
