// Package redisstore provides Redis-backed implementations of the SDK's
// persistent store interfaces: flag/segment data shared between SDK
// instances, and big segment membership written by an external
// synchronizer. Wire it in through the Config.DataStore and
// Config.BigSegments hooks.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/subsystems"
)

// DefaultPrefix namespaces all SDK keys in Redis when no prefix is given.
const DefaultPrefix = "bifrost"

const initedKeySuffix = "$inited"

// operationTimeout bounds individual Redis commands. The SDK's calling
// contexts (evaluation, data source updates) have no deadline of their own.
const operationTimeout = 3 * time.Second

// Options configures the Redis connection shared by both store types.
type Options struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password is optional.
	Password string
	// DB selects the Redis logical database.
	DB int
	// Prefix namespaces every key; defaults to DefaultPrefix.
	Prefix string
}

func (o *Options) applyDefaults() {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
}

func newClient(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redisstore: address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: failed to connect: %w", err)
	}
	return client, nil
}

// Compile-time check that DataStore satisfies the persistent store contract.
var _ subsystems.PersistentDataStore = (*DataStore)(nil)

// DataStore keeps flag data in one Redis hash per namespace
// ("<prefix>:features", "<prefix>:segments"), field per item key, value the
// serialized item. A separate "<prefix>:$inited" key marks that a full data
// set has been written, possibly by another process.
type DataStore struct {
	client *redis.Client
	prefix string
}

// NewDataStore connects to Redis and fails fast if it is unreachable.
func NewDataStore(ctx context.Context, opts Options) (*DataStore, error) {
	opts.applyDefaults()
	client, err := newClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &DataStore{client: client, prefix: opts.Prefix}, nil
}

func (s *DataStore) hashKey(kind subsystems.DataKind) string {
	return s.prefix + ":" + string(kind)
}

func (s *DataStore) initedKey() string {
	return s.prefix + ":" + initedKeySuffix
}

// storedItemVersion reads the version and deleted marker out of a stored
// payload without deserializing the full item.
type storedItemVersion struct {
	Version int  `json:"version"`
	Deleted bool `json:"deleted"`
}

func deserializeStored(data string) (subsystems.SerializedItemDescriptor, error) {
	var meta storedItemVersion
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return subsystems.SerializedItemDescriptor{}, fmt.Errorf("redisstore: malformed stored item: %w", err)
	}
	return subsystems.SerializedItemDescriptor{
		Version: meta.Version,
		Deleted: meta.Deleted,
		Item:    []byte(data),
	}, nil
}

// Init atomically replaces all stored data and sets the inited marker.
func (s *DataStore) Init(allData []subsystems.SerializedCollection) error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	for _, coll := range allData {
		hash := s.hashKey(coll.Kind)
		pipe.Del(ctx, hash)
		if len(coll.Items) > 0 {
			fields := make(map[string]any, len(coll.Items))
			for _, keyed := range coll.Items {
				fields[keyed.Key] = string(keyed.Item.Item)
			}
			pipe.HSet(ctx, hash, fields)
		}
	}
	pipe.Set(ctx, s.initedKey(), "", 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns one serialized item, or Version -1 when absent.
func (s *DataStore) Get(kind subsystems.DataKind, key string) (subsystems.SerializedItemDescriptor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	data, err := s.client.HGet(ctx, s.hashKey(kind), key).Result()
	if errors.Is(err, redis.Nil) {
		return subsystems.SerializedItemDescriptor{Version: -1}, nil
	}
	if err != nil {
		return subsystems.SerializedItemDescriptor{}, err
	}
	return deserializeStored(data)
}

// GetAll returns every stored item of a kind, tombstones included.
func (s *DataStore) GetAll(kind subsystems.DataKind) ([]subsystems.KeyedSerializedItemDescriptor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.hashKey(kind)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]subsystems.KeyedSerializedItemDescriptor, 0, len(fields))
	for key, data := range fields {
		item, err := deserializeStored(data)
		if err != nil {
			return nil, err
		}
		out = append(out, subsystems.KeyedSerializedItemDescriptor{Key: key, Item: item})
	}
	return out, nil
}

// upsertRetryLimit bounds optimistic lock retries under write contention.
const upsertRetryLimit = 100

// Upsert writes the item only if its version is higher than what is stored,
// atomically across processes via optimistic locking on the hash key. On
// contention it re-reads and re-checks until one side wins.
func (s *DataStore) Upsert(kind subsystems.DataKind, key string, item subsystems.SerializedItemDescriptor) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	hash := s.hashKey(kind)
	for attempt := 0; attempt < upsertRetryLimit; attempt++ {
		updated := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := tx.HGet(ctx, hash, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				var meta storedItemVersion
				if jsonErr := json.Unmarshal([]byte(existing), &meta); jsonErr == nil && meta.Version >= item.Version {
					updated = false
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, hash, key, string(item.Item))
				return nil
			})
			if err == nil {
				updated = true
			}
			return err
		}, hash)
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer touched the hash between read and write; retry
			// the whole check against the new state.
			continue
		}
		return updated, err
	}
	return false, fmt.Errorf("redisstore: upsert of %q did not settle after %d optimistic lock conflicts", key, upsertRetryLimit)
}

// IsInitialized checks for the inited marker written by Init.
func (s *DataStore) IsInitialized() bool {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	n, err := s.client.Exists(ctx, s.initedKey()).Result()
	return err == nil && n > 0
}

// IsStoreAvailable pings the server.
func (s *DataStore) IsStoreAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// Close closes the connection pool.
func (s *DataStore) Close() error {
	return s.client.Close()
}
