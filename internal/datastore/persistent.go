package datastore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/bifrost/internal/metrics"
	"github.com/rafaeljc/bifrost/internal/model"
	"github.com/rafaeljc/bifrost/subsystems"
)

// defaultCacheCapacity bounds the read cache in front of a persistent store.
// Flag environments rarely exceed a few thousand items; the cache is a hard
// cap, not a sizing hint.
const defaultCacheCapacity = 5000

// availabilityPollInterval is how often a failed persistent store is probed
// for recovery.
const availabilityPollInterval = 500 * time.Millisecond

// Compile-time check that the wrapper satisfies the store contract.
var _ subsystems.DataStore = (*PersistentStoreWrapper)(nil)

// PersistentStoreWrapper adapts a PersistentDataStore (Redis, or any other
// serialized key-versioned backend) to the DataStore contract, adding a
// short-TTL read cache so that evaluations do not pay a database round trip
// per flag read. Cache entries are refreshed on every successful init and
// upsert and expire on their own otherwise, bounding the staleness seen when
// another SDK instance writes to a shared store.
type PersistentStoreWrapper struct {
	core   subsystems.PersistentDataStore
	cache  *otter.Cache[string, subsystems.ItemDescriptor]
	logger *slog.Logger

	mu            sync.Mutex
	inited        bool
	lastInitCheck time.Time
	pollingDown   bool
	closed        chan struct{}
	closeOnce     sync.Once
}

// NewPersistentStoreWrapper wraps a persistent store with a read cache of
// the given TTL. A zero or negative TTL disables caching entirely, which
// guarantees read-your-writes against a shared store at the cost of one
// query per read.
func NewPersistentStoreWrapper(
	core subsystems.PersistentDataStore,
	cacheTTL time.Duration,
	logger *slog.Logger,
) (*PersistentStoreWrapper, error) {
	if core == nil {
		return nil, fmt.Errorf("datastore: persistent store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &PersistentStoreWrapper{
		core:   core,
		logger: logger,
		closed: make(chan struct{}),
	}
	if cacheTTL > 0 {
		cache, err := otter.MustBuilder[string, subsystems.ItemDescriptor](defaultCacheCapacity).
			WithTTL(cacheTTL).
			Build()
		if err != nil {
			return nil, fmt.Errorf("datastore: building read cache: %w", err)
		}
		w.cache = &cache
	}
	return w, nil
}

func cacheKey(kind subsystems.DataKind, key string) string {
	return string(kind) + "/" + key
}

// Init serializes and writes the full data set, then refreshes the cache.
func (w *PersistentStoreWrapper) Init(allData []subsystems.Collection) error {
	serialized := make([]subsystems.SerializedCollection, 0, len(allData))
	for _, coll := range allData {
		out := subsystems.SerializedCollection{Kind: coll.Kind}
		for _, keyed := range coll.Items {
			item, err := model.MarshalItem(keyed.Key, keyed.Item)
			if err != nil {
				return fmt.Errorf("datastore: serializing %s/%s: %w", coll.Kind, keyed.Key, err)
			}
			out.Items = append(out.Items, subsystems.KeyedSerializedItemDescriptor{Key: keyed.Key, Item: item})
		}
		serialized = append(serialized, out)
	}
	if err := w.core.Init(serialized); err != nil {
		w.noteStoreError(err)
		return err
	}
	if w.cache != nil {
		w.cache.Clear()
		for _, coll := range allData {
			for _, keyed := range coll.Items {
				w.cache.Set(cacheKey(coll.Kind, keyed.Key), keyed.Item)
			}
		}
	}
	w.mu.Lock()
	w.inited = true
	w.mu.Unlock()
	return nil
}

// Get returns the item from cache when fresh, otherwise reads through to the
// persistent store. Misses and tombstones are cached too, so a hot loop on a
// nonexistent flag does not hammer the database.
func (w *PersistentStoreWrapper) Get(kind subsystems.DataKind, key string) (subsystems.ItemDescriptor, error) {
	ck := cacheKey(kind, key)
	if w.cache != nil {
		if item, ok := w.cache.Get(ck); ok {
			metrics.StoreCacheHits.Inc()
			return item, nil
		}
		metrics.StoreCacheMisses.Inc()
	}
	serialized, err := w.core.Get(kind, key)
	if err != nil {
		w.noteStoreError(err)
		return subsystems.ItemDescriptor{}, err
	}
	var item subsystems.ItemDescriptor
	if serialized.Version < 0 {
		item = subsystems.NotFound()
	} else {
		item, err = model.UnmarshalItem(kind, serialized)
		if err != nil {
			w.logger.Error("persistent store returned undeserializable item",
				slog.String("kind", string(kind)),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return subsystems.ItemDescriptor{}, err
		}
	}
	if w.cache != nil {
		w.cache.Set(ck, item)
	}
	return item, nil
}

// GetAll reads every item of a kind from the persistent store, skipping
// tombstones. It bypasses the item cache: full scans are rare (snapshot
// building) and caching them would multiply staleness windows.
func (w *PersistentStoreWrapper) GetAll(kind subsystems.DataKind) ([]subsystems.KeyedItemDescriptor, error) {
	serialized, err := w.core.GetAll(kind)
	if err != nil {
		w.noteStoreError(err)
		return nil, err
	}
	out := make([]subsystems.KeyedItemDescriptor, 0, len(serialized))
	for _, keyed := range serialized {
		item, err := model.UnmarshalItem(kind, keyed.Item)
		if err != nil {
			w.logger.Error("persistent store returned undeserializable item",
				slog.String("kind", string(kind)),
				slog.String("key", keyed.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if item.IsDeleted() {
			continue
		}
		out = append(out, subsystems.KeyedItemDescriptor{Key: keyed.Key, Item: item})
	}
	return out, nil
}

// Upsert writes through to the persistent store. On success the cache takes
// the new item; on a version conflict the cached entry is dropped so the
// next read observes whatever newer item won.
func (w *PersistentStoreWrapper) Upsert(kind subsystems.DataKind, key string, item subsystems.ItemDescriptor) (bool, error) {
	serialized, err := model.MarshalItem(key, item)
	if err != nil {
		return false, fmt.Errorf("datastore: serializing %s/%s: %w", kind, key, err)
	}
	applied, err := w.core.Upsert(kind, key, serialized)
	if err != nil {
		w.noteStoreError(err)
		return false, err
	}
	if w.cache != nil {
		if applied {
			w.cache.Set(cacheKey(kind, key), item)
		} else {
			w.cache.Delete(cacheKey(kind, key))
		}
	}
	return applied, nil
}

// IsInitialized reports whether a data set exists, possibly written by
// another process sharing the store. Once true it is memoized; while false
// the underlying store is asked at most once per poll interval, since this
// runs on the evaluation path.
func (w *PersistentStoreWrapper) IsInitialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inited {
		return true
	}
	now := time.Now()
	if now.Sub(w.lastInitCheck) < availabilityPollInterval {
		return false
	}
	w.lastInitCheck = now
	if w.core.IsInitialized() {
		w.inited = true
	}
	return w.inited
}

// Close shuts down the cache and the underlying store.
func (w *PersistentStoreWrapper) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	if w.cache != nil {
		w.cache.Close()
	}
	return w.core.Close()
}

// noteStoreError starts (once) a background probe that polls the store's
// availability after a failure, so recovery is observed and logged without
// adding latency to evaluations.
func (w *PersistentStoreWrapper) noteStoreError(err error) {
	w.mu.Lock()
	alreadyPolling := w.pollingDown
	w.pollingDown = true
	w.mu.Unlock()
	if alreadyPolling {
		return
	}
	w.logger.Error("persistent data store operation failed; polling for recovery",
		slog.String("error", err.Error()),
	)
	go w.pollAvailability()
}

func (w *PersistentStoreWrapper) pollAvailability() {
	ticker := time.NewTicker(availabilityPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closed:
			return
		case <-ticker.C:
			if w.core.IsStoreAvailable() {
				w.mu.Lock()
				w.pollingDown = false
				w.mu.Unlock()
				w.logger.Info("persistent data store is available again")
				return
			}
		}
	}
}
