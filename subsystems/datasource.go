package subsystems

import (
	"io"
	"time"
)

// DataSourceState is the lifecycle state of the component keeping the local
// flag store in sync with the flag service.
type DataSourceState string

const (
	// DataSourceStateInitializing: the source has not yet received a full
	// data set. This is the starting state.
	DataSourceStateInitializing DataSourceState = "INITIALIZING"
	// DataSourceStateValid: the source is connected and the store is
	// believed current.
	DataSourceStateValid DataSourceState = "VALID"
	// DataSourceStateInterrupted: the source was valid, hit a recoverable
	// error, and is reconnecting with backoff.
	DataSourceStateInterrupted DataSourceState = "INTERRUPTED"
	// DataSourceStateOff: the source hit an unrecoverable error (such as an
	// invalid SDK key) or was shut down; it will not reconnect.
	DataSourceStateOff DataSourceState = "OFF"
)

// DataSourceErrorKind classifies data source failures.
type DataSourceErrorKind string

const (
	// DataSourceErrorKindUnknown covers failures with no better category.
	DataSourceErrorKindUnknown DataSourceErrorKind = "UNKNOWN"
	// DataSourceErrorKindNetworkError: an I/O failure such as a dropped
	// connection or timeout.
	DataSourceErrorKindNetworkError DataSourceErrorKind = "NETWORK_ERROR"
	// DataSourceErrorKindErrorResponse: the flag service returned an HTTP
	// error status.
	DataSourceErrorKindErrorResponse DataSourceErrorKind = "ERROR_RESPONSE"
	// DataSourceErrorKindInvalidData: the service sent malformed data.
	DataSourceErrorKindInvalidData DataSourceErrorKind = "INVALID_DATA"
	// DataSourceErrorKindStoreError: a store update failed.
	DataSourceErrorKindStoreError DataSourceErrorKind = "STORE_ERROR"
)

// DataSourceErrorInfo describes the most recent data source error.
type DataSourceErrorInfo struct {
	Kind       DataSourceErrorKind
	StatusCode int
	Message    string
	Time       time.Time
}

// DataSourceStatus is a snapshot of the data source's state.
type DataSourceStatus struct {
	State      DataSourceState
	StateSince time.Time
	LastError  DataSourceErrorInfo
}

// DataSource is a component that keeps a DataStore up to date. The SDK
// provides streaming and polling implementations; test fixtures and custom
// transports can supply their own.
type DataSource interface {
	io.Closer

	// IsInitialized reports whether the source has delivered at least one
	// full data set to the store.
	IsInitialized() bool

	// Start begins the source's background activity and returns immediately.
	// The channel is closed once the source has either delivered its first
	// full data set or failed permanently.
	Start(closeWhenReady chan<- struct{})
}

// DataSourceUpdateSink is the write-capability handle a DataSource uses to
// apply updates. It is implemented by the SDK; the sink owns version
// arbitration, status broadcasting and store error handling, so sources just
// report what they received.
type DataSourceUpdateSink interface {
	// Init replaces the full data set. It returns false if the store
	// rejected the update.
	Init(allData []Collection) bool

	// Upsert applies a single item update or deletion (tombstone). It
	// returns false only on store failure; a version conflict that leaves a
	// newer item in place still counts as success.
	Upsert(kind DataKind, key string, item ItemDescriptor) bool

	// UpdateStatus reports a state transition, with error details when the
	// new state was caused by a failure.
	UpdateStatus(newState DataSourceState, err DataSourceErrorInfo)
}
