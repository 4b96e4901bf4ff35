//go:build integration

package integration

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recordstore"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recordstore/recordstoretest"
)

func TestPostgreSQLRecordStore(t *testing.T) {
	_, err := pgPool.Exec(testCtx, `DROP TABLE IF EXISTS cache_records`)
	require.NoError(t, err)

	store, err := recordstore.NewPostgreSQLStore(testCtx, pgPool, recordstore.Options{CompressThreshold: 256})
	require.NoError(t, err)
	recordstoretest.Run(t, store)
}

func TestMongoDBRecordStore(t *testing.T) {
	db := mongoClient.Database("wizardtracker_conformance")
	require.NoError(t, db.Drop(testCtx))

	store, err := recordstore.NewMongoDBStore(db, recordstore.Options{CompressThreshold: 256})
	require.NoError(t, err)
	recordstoretest.Run(t, store)
}

func TestRedisStringStore(t *testing.T) {
	ctx := testCtx
	s, err := cache.NewRedisStore(cache.TierLocal, cache.RedisConfig{URL: redisURL, Prefix: "it:contract:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, ok, err := s.Get(ctx, "wizard_missing")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, k := range []string{"wizard_a", "wizard_b", "wizard_[x]", "other_a"} {
		require.NoError(t, s.Set(ctx, k, "v:"+k))
	}
	require.NoError(t, s.Set(ctx, "wizard_a", "v2"))

	got, ok, err := s.Get(ctx, "wizard_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", got)

	keys, err := s.Keys(ctx, "wizard_")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"wizard_[x]", "wizard_a", "wizard_b"}, keys)

	require.NoError(t, s.Remove(ctx, "wizard_a"))
	require.NoError(t, s.Remove(ctx, "wizard_a"))
	_, ok, err = s.Get(ctx, "wizard_a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStringStoreTTL(t *testing.T) {
	ctx := testCtx
	s, err := cache.NewRedisStore(cache.TierSession, cache.RedisConfig{URL: redisURL, Prefix: "it:ttl:", TTL: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set(ctx, "wizard_k", "v"))
	_, ok, err := s.Get(ctx, "wizard_k")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok, err := s.Get(ctx, "wizard_k")
		return err == nil && !ok
	}, 5*time.Second, 100*time.Millisecond)
}
