package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/model"
	"github.com/rafaeljc/bifrost/subsystems"
)

func flagItem(key string, version int) subsystems.KeyedItemDescriptor {
	return subsystems.KeyedItemDescriptor{
		Key:  key,
		Item: subsystems.ItemDescriptor{Version: version, Item: &model.FeatureFlag{Key: key, Version: version}},
	}
}

func TestInMemoryStoreInit(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	assert.False(t, store.IsInitialized())

	err := store.Init([]subsystems.Collection{
		{Kind: subsystems.DataKindFeatures, Items: []subsystems.KeyedItemDescriptor{flagItem("f1", 1)}},
	})
	require.NoError(t, err)
	assert.True(t, store.IsInitialized())

	item, err := store.Get(subsystems.DataKindFeatures, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Version)

	// A second init replaces everything, including items absent from the
	// new data set.
	err = store.Init([]subsystems.Collection{
		{Kind: subsystems.DataKindFeatures, Items: []subsystems.KeyedItemDescriptor{flagItem("f2", 1)}},
	})
	require.NoError(t, err)

	item, err = store.Get(subsystems.DataKindFeatures, "f1")
	require.NoError(t, err)
	assert.Equal(t, subsystems.NotFound(), item)
}

func TestInMemoryStoreUpsertVersioning(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	require.NoError(t, store.Init(nil))

	applied, err := store.Upsert(subsystems.DataKindFeatures, "f1", flagItem("f1", 5).Item)
	require.NoError(t, err)
	assert.True(t, applied)

	t.Run("lower version is a no-op", func(t *testing.T) {
		applied, err := store.Upsert(subsystems.DataKindFeatures, "f1", flagItem("f1", 4).Item)
		require.NoError(t, err)
		assert.False(t, applied)

		item, err := store.Get(subsystems.DataKindFeatures, "f1")
		require.NoError(t, err)
		assert.Equal(t, 5, item.Version)
	})

	t.Run("equal version is a no-op", func(t *testing.T) {
		applied, err := store.Upsert(subsystems.DataKindFeatures, "f1", flagItem("f1", 5).Item)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("tombstone wins over stale item", func(t *testing.T) {
		applied, err := store.Upsert(subsystems.DataKindFeatures, "f1", subsystems.Tombstone(6))
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.Upsert(subsystems.DataKindFeatures, "f1", flagItem("f1", 6).Item)
		require.NoError(t, err)
		assert.False(t, applied)

		item, err := store.Get(subsystems.DataKindFeatures, "f1")
		require.NoError(t, err)
		assert.True(t, item.IsDeleted())
	})
}

func TestInMemoryStoreGetAllSkipsTombstones(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	require.NoError(t, store.Init([]subsystems.Collection{
		{Kind: subsystems.DataKindFeatures, Items: []subsystems.KeyedItemDescriptor{
			flagItem("alive", 1),
			{Key: "dead", Item: subsystems.Tombstone(2)},
		}},
	}))

	items, err := store.GetAll(subsystems.DataKindFeatures)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "alive", items[0].Key)
}

func TestInMemoryStoreGetUnknownKind(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	item, err := store.Get(subsystems.DataKindSegments, "nope")
	require.NoError(t, err)
	assert.Equal(t, subsystems.NotFound(), item)

	items, err := store.GetAll(subsystems.DataKindSegments)
	require.NoError(t, err)
	assert.Empty(t, items)
}
