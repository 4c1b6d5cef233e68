package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/subsystems"
)

const (
	syncTimeKeySuffix = "big_segments_synchronized_on"
	includeKeySuffix  = "big_segment_include:"
	excludeKeySuffix  = "big_segment_exclude:"
)

// Compile-time check that BigSegmentStore satisfies the store contract.
var _ subsystems.BigSegmentStore = (*BigSegmentStore)(nil)

// BigSegmentStore reads big segment membership maintained in Redis by an
// external synchronizer: one include set and one exclude set per hashed
// context key, each holding big segment references, plus a timestamp key
// recording the last successful synchronization.
type BigSegmentStore struct {
	client *redis.Client
	prefix string
}

// NewBigSegmentStore connects to Redis and fails fast if it is unreachable.
func NewBigSegmentStore(ctx context.Context, opts Options) (*BigSegmentStore, error) {
	opts.applyDefaults()
	client, err := newClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &BigSegmentStore{client: client, prefix: opts.Prefix}, nil
}

// GetMetadata reads the synchronizer's last-up-to-date timestamp
// (epoch milliseconds). A missing key yields a zero time, which the manager
// treats as stale.
func (s *BigSegmentStore) GetMetadata(ctx context.Context) (subsystems.BigSegmentStoreMetadata, error) {
	value, err := s.client.Get(ctx, s.prefix+":"+syncTimeKeySuffix).Result()
	if errors.Is(err, redis.Nil) {
		return subsystems.BigSegmentStoreMetadata{}, nil
	}
	if err != nil {
		return subsystems.BigSegmentStoreMetadata{}, err
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return subsystems.BigSegmentStoreMetadata{}, err
	}
	return subsystems.BigSegmentStoreMetadata{LastUpToDate: time.UnixMilli(millis)}, nil
}

// GetMembership returns the include/exclude decisions recorded for one
// hashed context key. Inclusion wins over exclusion for the same segment
// reference. A context in neither set returns nil, meaning "unknown for
// every segment".
func (s *BigSegmentStore) GetMembership(ctx context.Context, contextKeyHash string) (subsystems.BigSegmentMembership, error) {
	included, err := s.client.SMembers(ctx, s.prefix+":"+includeKeySuffix+contextKeyHash).Result()
	if err != nil {
		return nil, err
	}
	excluded, err := s.client.SMembers(ctx, s.prefix+":"+excludeKeySuffix+contextKeyHash).Result()
	if err != nil {
		return nil, err
	}
	if len(included) == 0 && len(excluded) == 0 {
		return nil, nil
	}
	membership := make(subsystems.BigSegmentMembership, len(included)+len(excluded))
	for _, ref := range excluded {
		membership[ref] = false
	}
	for _, ref := range included {
		membership[ref] = true
	}
	return membership, nil
}

// Close closes the connection pool.
func (s *BigSegmentStore) Close() error {
	return s.client.Close()
}
