// Package bigsegments resolves membership in segments too large to ship in
// the regular flag data. Membership lives in an external store queried per
// context key; this package adds the cache and health tracking in front of
// that store.
package bigsegments

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/bifrost/evaluation"
	"github.com/rafaeljc/bifrost/subsystems"
)

const (
	defaultMembershipCacheSize = 1000
	defaultMembershipCacheTTL  = 5 * time.Second
	defaultStatusPollInterval  = 5 * time.Second
	defaultStaleAfter          = 2 * time.Minute

	storeQueryTimeout = 10 * time.Second
)

// ManagerConfig carries the big segment manager's tunables. Zero values get
// conservative defaults.
type ManagerConfig struct {
	// MembershipCacheSize caps how many context keys have cached memberships.
	MembershipCacheSize int
	// MembershipCacheTTL is how long one context's membership is reused.
	MembershipCacheTTL time.Duration
	// StatusPollInterval is the cadence of store metadata health checks.
	StatusPollInterval time.Duration
	// StaleAfter marks the store stale when its metadata timestamp is older
	// than this.
	StaleAfter time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.MembershipCacheSize <= 0 {
		c.MembershipCacheSize = defaultMembershipCacheSize
	}
	if c.MembershipCacheTTL <= 0 {
		c.MembershipCacheTTL = defaultMembershipCacheTTL
	}
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = defaultStatusPollInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
}

// Manager fronts a BigSegmentStore with a TTL membership cache and a
// background health poller. Evaluations ask it for memberships; status
// subscribers hear about availability and staleness transitions.
type Manager struct {
	store  subsystems.BigSegmentStore
	cfg    ManagerConfig
	cache  otter.Cache[string, subsystems.BigSegmentMembership]
	logger *slog.Logger

	mu        sync.Mutex
	status    subsystems.BigSegmentsStoreStatus
	havePoll  bool
	listeners []chan subsystems.BigSegmentsStoreStatus

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a manager and starts its status poller.
func NewManager(store subsystems.BigSegmentStore, cfg ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		panic("bigsegments: store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	cache, err := otter.MustBuilder[string, subsystems.BigSegmentMembership](cfg.MembershipCacheSize).
		WithTTL(cfg.MembershipCacheTTL).
		Build()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:  store,
		cfg:    cfg,
		cache:  cache,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.pollLoop()
	return m, nil
}

// Close stops the poller and releases the cache and store.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		m.cache.Close()
		m.mu.Lock()
		for _, ch := range m.listeners {
			close(ch)
		}
		m.listeners = nil
		m.mu.Unlock()
	})
	return m.store.Close()
}

// GetMembership returns the context's membership snapshot and the health
// status an evaluation should report. The membership may be nil when the
// store failed or holds nothing for this key; nil membership with a healthy
// status simply means "member of no big segments".
func (m *Manager) GetMembership(contextKey string) (subsystems.BigSegmentMembership, evaluation.BigSegmentsStatus) {
	hash := HashForContextKey(contextKey)
	if membership, ok := m.cache.Get(hash); ok {
		return membership, m.evaluationStatus()
	}

	ctx, cancelQuery := context.WithTimeout(m.ctx, storeQueryTimeout)
	defer cancelQuery()
	membership, err := m.store.GetMembership(ctx, hash)
	if err != nil {
		m.logger.Error("big segment membership query failed",
			slog.String("error", err.Error()),
		)
		return nil, evaluation.BigSegmentsStoreError
	}
	m.cache.Set(hash, membership)
	return membership, m.evaluationStatus()
}

// Status returns the latest store health snapshot.
func (m *Manager) Status() subsystems.BigSegmentsStoreStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// AddStatusListener subscribes to health transitions. Only changes are
// delivered, not every poll.
func (m *Manager) AddStatusListener() <-chan subsystems.BigSegmentsStoreStatus {
	ch := make(chan subsystems.BigSegmentsStoreStatus, 10)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Manager) evaluationStatus() evaluation.BigSegmentsStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.havePoll && !m.status.Available:
		return evaluation.BigSegmentsStoreError
	case m.havePoll && m.status.Stale:
		return evaluation.BigSegmentsStale
	default:
		return evaluation.BigSegmentsHealthy
	}
}

func (m *Manager) pollLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.StatusPollInterval)
	defer ticker.Stop()

	m.pollOnce()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

func (m *Manager) pollOnce() {
	ctx, cancelQuery := context.WithTimeout(m.ctx, storeQueryTimeout)
	defer cancelQuery()

	var newStatus subsystems.BigSegmentsStoreStatus
	metadata, err := m.store.GetMetadata(ctx)
	if err != nil {
		m.logger.Warn("big segment store metadata query failed",
			slog.String("error", err.Error()),
		)
	} else {
		newStatus.Available = true
		newStatus.Stale = metadata.LastUpToDate.IsZero() ||
			time.Since(metadata.LastUpToDate) > m.cfg.StaleAfter
	}

	m.mu.Lock()
	changed := !m.havePoll || newStatus != m.status
	m.havePoll = true
	m.status = newStatus
	listeners := make([]chan subsystems.BigSegmentsStoreStatus, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("big segment store status changed",
		slog.Bool("available", newStatus.Available),
		slog.Bool("stale", newStatus.Stale),
	)
	for _, ch := range listeners {
		select {
		case ch <- newStatus:
		default:
		}
	}
}

// HashForContextKey converts a context key to the hashed form big segment
// stores are keyed by. Stores never see raw context keys.
func HashForContextKey(contextKey string) string {
	sum := sha256.Sum256([]byte(contextKey))
	return base64.StdEncoding.EncodeToString(sum[:])
}
