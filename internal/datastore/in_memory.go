// Package datastore provides the SDK's local flag storage: a mutex-guarded
// in-memory store, and a caching wrapper that fronts a persistent store
// implementation with a short-TTL read cache.
package datastore

import (
	"log/slog"
	"sync"

	"github.com/rafaeljc/bifrost/subsystems"
)

// Compile-time check that InMemoryStore satisfies the store contract.
var _ subsystems.DataStore = (*InMemoryStore)(nil)

// InMemoryStore is the default data store: versioned items in maps guarded
// by a read-write mutex. Readers (evaluations) only contend with the single
// data source writer, and only for the duration of a map access.
type InMemoryStore struct {
	mu          sync.RWMutex
	items       map[subsystems.DataKind]map[string]subsystems.ItemDescriptor
	initialized bool
	logger      *slog.Logger
}

// NewInMemoryStore creates an empty, uninitialized store.
func NewInMemoryStore(logger *slog.Logger) *InMemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryStore{
		items:  make(map[subsystems.DataKind]map[string]subsystems.ItemDescriptor),
		logger: logger,
	}
}

// Init atomically replaces all store contents and marks the store
// initialized.
func (s *InMemoryStore) Init(allData []subsystems.Collection) error {
	fresh := make(map[subsystems.DataKind]map[string]subsystems.ItemDescriptor, len(allData))
	for _, coll := range allData {
		items := make(map[string]subsystems.ItemDescriptor, len(coll.Items))
		for _, keyed := range coll.Items {
			items[keyed.Key] = keyed.Item
		}
		fresh[coll.Kind] = items
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = fresh
	s.initialized = true
	return nil
}

// Get returns the descriptor for a key, NotFound() for unknown keys, and the
// tombstone for deleted keys.
func (s *InMemoryStore) Get(kind subsystems.DataKind, key string) (subsystems.ItemDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item, ok := s.items[kind][key]; ok {
		return item, nil
	}
	return subsystems.NotFound(), nil
}

// GetAll returns all non-deleted items of a kind.
func (s *InMemoryStore) GetAll(kind subsystems.DataKind) ([]subsystems.KeyedItemDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.items[kind]
	out := make([]subsystems.KeyedItemDescriptor, 0, len(items))
	for key, item := range items {
		if item.IsDeleted() {
			continue
		}
		out = append(out, subsystems.KeyedItemDescriptor{Key: key, Item: item})
	}
	return out, nil
}

// Upsert applies the item only if its version is greater than the stored
// version. Tombstones are versioned items, so a delete arriving before a
// stale create still wins.
func (s *InMemoryStore) Upsert(kind subsystems.DataKind, key string, item subsystems.ItemDescriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.items[kind]
	if !ok {
		items = make(map[string]subsystems.ItemDescriptor)
		s.items[kind] = items
	}
	if existing, ok := items[key]; ok && existing.Version >= item.Version {
		return false, nil
	}
	items[key] = item
	return true, nil
}

// IsInitialized reports whether Init has ever been called.
func (s *InMemoryStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Close releases nothing; the in-memory store holds no external resources.
func (s *InMemoryStore) Close() error { return nil }
