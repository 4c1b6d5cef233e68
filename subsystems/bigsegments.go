package subsystems

import (
	"context"
	"io"
	"time"
)

// BigSegmentStoreMetadata holds status information reported by a big segment
// store.
type BigSegmentStoreMetadata struct {
	// LastUpToDate is when the external process that populates the store
	// last completed a synchronization. The SDK compares it against the
	// configured staleness threshold.
	LastUpToDate time.Time
}

// BigSegmentMembership is one context's membership in big segments, keyed by
// segment reference ("segmentKey.gGeneration"). True means explicitly
// included, false explicitly excluded; an absent key means the store has no
// information, which evaluation treats as non-membership.
type BigSegmentMembership map[string]bool

// BigSegmentStore is a read-only view of a remote store holding big segment
// memberships: segments too large to ship in the regular flag data stream.
type BigSegmentStore interface {
	io.Closer

	// GetMetadata returns synchronization metadata. Called periodically by
	// the SDK to detect staleness.
	GetMetadata(ctx context.Context) (BigSegmentStoreMetadata, error)

	// GetMembership returns the membership record for one context, keyed by
	// the hash of its canonical key. A nil map with a nil error means the
	// context is in no big segment.
	GetMembership(ctx context.Context, contextHash string) (BigSegmentMembership, error)
}

// BigSegmentsStoreStatus is the SDK's view of big segment store health,
// published to subscribers whenever it changes.
type BigSegmentsStoreStatus struct {
	// Available is false while store queries are failing.
	Available bool

	// Stale is true when the store's LastUpToDate timestamp is older than
	// the configured threshold.
	Stale bool
}
