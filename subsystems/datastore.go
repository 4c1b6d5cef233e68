// Package subsystems defines the contracts between the SDK client and its
// pluggable components: data stores, data sources, big segment stores and
// event senders. Application code only needs this package when supplying a
// custom implementation of one of these, such as a database-backed store.
package subsystems

import "io"

// DataKind is the namespace an item belongs to in a data store.
type DataKind string

const (
	// DataKindFeatures is the namespace holding feature flags.
	DataKindFeatures DataKind = "features"
	// DataKindSegments is the namespace holding segments.
	DataKindSegments DataKind = "segments"
)

// AllDataKinds lists every namespace, in the order bulk data is applied.
// Segments are written before flags so that a flag never references a
// segment the store does not have yet.
func AllDataKinds() []DataKind { return []DataKind{DataKindSegments, DataKindFeatures} }

// ItemDescriptor is a versioned item in a data store. A nil Item with a
// non-zero Version is a tombstone: a placeholder proving that the item was
// deleted at that version, so a stale upsert cannot resurrect it.
type ItemDescriptor struct {
	Version int
	Item    any
}

// Tombstone returns an ItemDescriptor marking deletion at the given version.
func Tombstone(version int) ItemDescriptor { return ItemDescriptor{Version: version} }

// NotFound is the descriptor returned for keys that have never been stored.
func NotFound() ItemDescriptor { return ItemDescriptor{Version: -1} }

// IsDeleted reports whether the descriptor is a tombstone.
func (d ItemDescriptor) IsDeleted() bool { return d.Version >= 0 && d.Item == nil }

// KeyedItemDescriptor pairs an item with its key.
type KeyedItemDescriptor struct {
	Key  string
	Item ItemDescriptor
}

// Collection is all items of one kind, used for bulk store initialization.
type Collection struct {
	Kind  DataKind
	Items []KeyedItemDescriptor
}

// DataStore is a versioned key/namespace store holding the SDK's local copy
// of flags and segments.
//
// Implementations must be safe for concurrent readers with a single writer:
// the data source goroutine writes, evaluation goroutines read.
type DataStore interface {
	io.Closer

	// Init atomically replaces the entire store contents and marks the store
	// initialized. Versioning is not consulted; the new data set wins.
	Init(allData []Collection) error

	// Get returns the descriptor for a key. Missing keys yield NotFound();
	// deleted keys yield their tombstone.
	Get(kind DataKind, key string) (ItemDescriptor, error)

	// GetAll returns all non-deleted items of a kind.
	GetAll(kind DataKind) ([]KeyedItemDescriptor, error)

	// Upsert stores the item only if item.Version is greater than the stored
	// version (tombstones count). It returns whether the item was applied.
	Upsert(kind DataKind, key string, item ItemDescriptor) (bool, error)

	// IsInitialized reports whether Init has ever completed. Evaluations
	// before initialization return defaults with a CLIENT_NOT_READY reason.
	IsInitialized() bool
}

// SerializedItemDescriptor is the form items take in a persistent store:
// the version is stored alongside the serialized payload so that version
// checks do not require deserializing the whole item.
type SerializedItemDescriptor struct {
	Version int
	Deleted bool
	Item    []byte
}

// KeyedSerializedItemDescriptor pairs a serialized item with its key.
type KeyedSerializedItemDescriptor struct {
	Key  string
	Item SerializedItemDescriptor
}

// SerializedCollection is all serialized items of one kind.
type SerializedCollection struct {
	Kind  DataKind
	Items []KeyedSerializedItemDescriptor
}

// PersistentDataStore is a database-backed store holding flag data in
// serialized form. The SDK wraps implementations in its own read-through
// cache; implementations must not cache, only execute the operations asked
// of them. Implementations must be safe for concurrent use and may be shared
// with other SDK instances, which is why Upsert must be atomic with respect
// to the version check.
type PersistentDataStore interface {
	io.Closer

	// Init atomically replaces the store contents and marks it initialized.
	Init(allData []SerializedCollection) error

	// Get returns the serialized item, a tombstone record, or Version -1 if
	// the key has never been stored.
	Get(kind DataKind, key string) (SerializedItemDescriptor, error)

	// GetAll returns every stored item of a kind, including tombstones.
	GetAll(kind DataKind) ([]KeyedSerializedItemDescriptor, error)

	// Upsert stores the item only if item.Version is greater than the stored
	// version, atomically even across processes. It returns whether the item
	// was applied.
	Upsert(kind DataKind, key string, item SerializedItemDescriptor) (bool, error)

	// IsInitialized reports whether the store holds a data set, possibly
	// written by another process.
	IsInitialized() bool

	// IsStoreAvailable performs the cheapest possible liveness probe. The
	// SDK polls it after an operation fails, to detect recovery.
	IsStoreAvailable() bool
}
