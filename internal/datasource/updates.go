package datasource

import (
	"log/slog"

	"github.com/rafaeljc/bifrost/internal/metrics"
	"github.com/rafaeljc/bifrost/internal/validation"
	"github.com/rafaeljc/bifrost/subsystems"
)

// Compile-time check that UpdateSink satisfies the sink contract.
var _ subsystems.DataSourceUpdateSink = (*UpdateSink)(nil)

// UpdateSink is the SDK's implementation of DataSourceUpdateSink: it owns
// the data store handle on behalf of the data source, so sources never touch
// storage directly. Store failures are translated into status reports here,
// in one place, instead of in every source implementation.
type UpdateSink struct {
	store       subsystems.DataStore
	broadcaster *StatusBroadcaster
	logger      *slog.Logger
}

// NewUpdateSink creates a sink writing to the given store and reporting
// through the given broadcaster.
func NewUpdateSink(store subsystems.DataStore, broadcaster *StatusBroadcaster, logger *slog.Logger) *UpdateSink {
	if store == nil {
		panic("datasource: data store cannot be nil")
	}
	validation.AssertNotNil(broadcaster, "status broadcaster")
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateSink{store: store, broadcaster: broadcaster, logger: logger}
}

// Init replaces the full data set.
func (s *UpdateSink) Init(allData []subsystems.Collection) bool {
	if err := s.store.Init(allData); err != nil {
		s.reportStoreError(err)
		return false
	}
	metrics.DataSourceUpdatesTotal.WithLabelValues("put").Inc()
	return true
}

// Upsert applies one item update or deletion.
func (s *UpdateSink) Upsert(kind subsystems.DataKind, key string, item subsystems.ItemDescriptor) bool {
	applied, err := s.store.Upsert(kind, key, item)
	if err != nil {
		s.reportStoreError(err)
		return false
	}
	if !applied {
		// A newer version already in the store is normal after a reconnect
		// replays updates.
		s.logger.Debug("discarded stale data update",
			slog.String("kind", string(kind)),
			slog.String("key", key),
			slog.Int("version", item.Version),
		)
		return true
	}
	updateKind := "patch"
	if item.IsDeleted() {
		updateKind = "delete"
	}
	metrics.DataSourceUpdatesTotal.WithLabelValues(updateKind).Inc()
	return true
}

// UpdateStatus reports a data source state transition.
func (s *UpdateSink) UpdateStatus(newState subsystems.DataSourceState, errInfo subsystems.DataSourceErrorInfo) {
	s.broadcaster.Update(newState, errInfo)
}

func (s *UpdateSink) reportStoreError(err error) {
	s.logger.Error("failed to write flag data to store", slog.String("error", err.Error()))
	s.broadcaster.Update(subsystems.DataSourceStateInterrupted, subsystems.DataSourceErrorInfo{
		Kind:    subsystems.DataSourceErrorKindStoreError,
		Message: err.Error(),
	})
}
