//go:build integration

package redisstore_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/redisstore"
	"github.com/rafaeljc/bifrost/subsystems"
)

// These tests need a running Redis; point REDIS_ADDR at it (defaults to
// localhost:6379) and run with -tags integration.

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func newTestDataStore(t *testing.T) (*redisstore.DataStore, *redis.Client) {
	t.Helper()
	ctx := context.Background()
	prefix := "bifrost-test-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	store, err := redisstore.NewDataStore(ctx, redisstore.Options{Addr: redisAddr(), Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	spy := redis.NewClient(&redis.Options{Addr: redisAddr()})
	t.Cleanup(func() {
		keys, _ := spy.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			spy.Del(ctx, keys...)
		}
		_ = spy.Close()
	})
	return store, spy
}

func serialized(version int, payload string) subsystems.SerializedItemDescriptor {
	return subsystems.SerializedItemDescriptor{Version: version, Item: []byte(payload)}
}

func TestDataStoreInitAndGet(t *testing.T) {
	store, _ := newTestDataStore(t)

	require.False(t, store.IsInitialized())
	err := store.Init([]subsystems.SerializedCollection{
		{Kind: subsystems.DataKindFeatures, Items: []subsystems.KeyedSerializedItemDescriptor{
			{Key: "f1", Item: serialized(2, `{"key":"f1","version":2}`)},
		}},
	})
	require.NoError(t, err)
	assert.True(t, store.IsInitialized())

	item, err := store.Get(subsystems.DataKindFeatures, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, item.Version)
	assert.JSONEq(t, `{"key":"f1","version":2}`, string(item.Item))

	missing, err := store.Get(subsystems.DataKindFeatures, "nope")
	require.NoError(t, err)
	assert.Equal(t, -1, missing.Version)
}

func TestDataStoreUpsertVersioning(t *testing.T) {
	store, _ := newTestDataStore(t)
	require.NoError(t, store.Init(nil))

	applied, err := store.Upsert(subsystems.DataKindFeatures, "f1", serialized(5, `{"key":"f1","version":5}`))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.Upsert(subsystems.DataKindFeatures, "f1", serialized(4, `{"key":"f1","version":4}`))
	require.NoError(t, err)
	assert.False(t, applied)

	item, err := store.Get(subsystems.DataKindFeatures, "f1")
	require.NoError(t, err)
	assert.Equal(t, 5, item.Version)

	// A tombstone with a higher version replaces the item and is returned
	// as a deleted descriptor.
	applied, err = store.Upsert(subsystems.DataKindFeatures, "f1", subsystems.SerializedItemDescriptor{
		Version: 6,
		Deleted: true,
		Item:    []byte(`{"key":"f1","version":6,"deleted":true}`),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	item, err = store.Get(subsystems.DataKindFeatures, "f1")
	require.NoError(t, err)
	assert.True(t, item.Deleted)
	assert.Equal(t, 6, item.Version)
}

func TestDataStoreConcurrentUpsertsSettle(t *testing.T) {
	store, _ := newTestDataStore(t)
	require.NoError(t, store.Init(nil))

	// Hammer one key from many writers so the WATCH/MULTI transactions keep
	// colliding; every call must still return, and the highest version wins.
	const writers = 20
	var wg sync.WaitGroup
	for version := 1; version <= writers; version++ {
		wg.Add(1)
		go func(version int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"key":"f1","version":%d}`, version)
			_, err := store.Upsert(subsystems.DataKindFeatures, "f1", serialized(version, payload))
			assert.NoError(t, err)
		}(version)
	}
	wg.Wait()

	item, err := store.Get(subsystems.DataKindFeatures, "f1")
	require.NoError(t, err)
	assert.Equal(t, writers, item.Version)
}

func TestDataStoreInitReplacesEverything(t *testing.T) {
	store, _ := newTestDataStore(t)

	require.NoError(t, store.Init([]subsystems.SerializedCollection{
		{Kind: subsystems.DataKindFeatures, Items: []subsystems.KeyedSerializedItemDescriptor{
			{Key: "old", Item: serialized(1, `{"key":"old","version":1}`)},
		}},
	}))
	require.NoError(t, store.Init([]subsystems.SerializedCollection{
		{Kind: subsystems.DataKindFeatures, Items: []subsystems.KeyedSerializedItemDescriptor{
			{Key: "new", Item: serialized(1, `{"key":"new","version":1}`)},
		}},
	}))

	item, err := store.Get(subsystems.DataKindFeatures, "old")
	require.NoError(t, err)
	assert.Equal(t, -1, item.Version)

	all, err := store.GetAll(subsystems.DataKindFeatures)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].Key)
}

func TestBigSegmentStore(t *testing.T) {
	ctx := context.Background()
	prefix := "bifrost-test-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	store, err := redisstore.NewBigSegmentStore(ctx, redisstore.Options{Addr: redisAddr(), Prefix: prefix})
	require.NoError(t, err)
	defer store.Close()

	spy := redis.NewClient(&redis.Options{Addr: redisAddr()})
	defer func() {
		keys, _ := spy.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			spy.Del(ctx, keys...)
		}
		_ = spy.Close()
	}()

	t.Run("metadata absent yields zero time", func(t *testing.T) {
		metadata, err := store.GetMetadata(ctx)
		require.NoError(t, err)
		assert.True(t, metadata.LastUpToDate.IsZero())
	})

	t.Run("metadata present", func(t *testing.T) {
		now := time.Now().Truncate(time.Millisecond)
		require.NoError(t, spy.Set(ctx, prefix+":big_segments_synchronized_on",
			strconv.FormatInt(now.UnixMilli(), 10), 0).Err())

		metadata, err := store.GetMetadata(ctx)
		require.NoError(t, err)
		assert.Equal(t, now.UnixMilli(), metadata.LastUpToDate.UnixMilli())
	})

	t.Run("membership include beats exclude", func(t *testing.T) {
		hash := "somehash"
		require.NoError(t, spy.SAdd(ctx, prefix+":big_segment_include:"+hash, "seg1.g1").Err())
		require.NoError(t, spy.SAdd(ctx, prefix+":big_segment_exclude:"+hash, "seg1.g1", "seg2.g1").Err())

		membership, err := store.GetMembership(ctx, hash)
		require.NoError(t, err)
		assert.True(t, membership["seg1.g1"])
		included, found := membership["seg2.g1"]
		assert.True(t, found)
		assert.False(t, included)
	})

	t.Run("unknown context yields nil membership", func(t *testing.T) {
		membership, err := store.GetMembership(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, membership)
	})
}
