// Package datasource implements the components that keep the local flag
// store in sync with the flag service: a streaming processor, a polling
// processor, and the shared status machinery both report through.
package datasource

import (
	"sync"
	"time"

	"github.com/rafaeljc/bifrost/internal/metrics"
	"github.com/rafaeljc/bifrost/subsystems"
)

// StatusBroadcaster tracks the data source's lifecycle state and fans out
// transitions to subscribed channels. Subscribers get a buffered channel;
// a slow subscriber loses intermediate transitions rather than blocking the
// data source.
type StatusBroadcaster struct {
	mu        sync.Mutex
	current   subsystems.DataSourceStatus
	listeners []chan subsystems.DataSourceStatus
	closed    bool
}

// NewStatusBroadcaster creates a broadcaster in the INITIALIZING state.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		current: subsystems.DataSourceStatus{
			State:      subsystems.DataSourceStateInitializing,
			StateSince: time.Now(),
		},
	}
}

// Status returns the current status snapshot.
func (b *StatusBroadcaster) Status() subsystems.DataSourceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// AddListener subscribes to status changes. Every transition after the call
// is delivered on the returned channel, capacity permitting.
func (b *StatusBroadcaster) AddListener() <-chan subsystems.DataSourceStatus {
	ch := make(chan subsystems.DataSourceStatus, 10)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener unsubscribes and closes a channel returned by AddListener.
func (b *StatusBroadcaster) RemoveListener(ch <-chan subsystems.DataSourceStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(listener)
			return
		}
	}
}

// Update applies a state transition and broadcasts the new status.
//
// An INTERRUPTED report while still INITIALIZING stays INITIALIZING: the
// source has never been valid, so there is nothing to be interrupted from.
// The error info is still recorded. StateSince only moves when the state
// actually changes, so it always answers "how long have we been like this".
func (b *StatusBroadcaster) Update(newState subsystems.DataSourceState, errInfo subsystems.DataSourceErrorInfo) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if newState == subsystems.DataSourceStateInterrupted &&
		b.current.State == subsystems.DataSourceStateInitializing {
		newState = subsystems.DataSourceStateInitializing
	}
	status := b.current
	if newState != status.State {
		status.State = newState
		status.StateSince = time.Now()
	}
	if errInfo.Kind != "" {
		if errInfo.Time.IsZero() {
			errInfo.Time = time.Now()
		}
		status.LastError = errInfo
	}
	changed := status != b.current
	b.current = status
	listeners := make([]chan subsystems.DataSourceStatus, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	if !changed {
		return
	}
	metrics.DataSourceState.Set(stateMetricValue(status.State))
	for _, ch := range listeners {
		select {
		case ch <- status:
		default:
		}
	}
}

// Close marks the source permanently stopped and closes all listener
// channels.
func (b *StatusBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
}

func stateMetricValue(state subsystems.DataSourceState) float64 {
	switch state {
	case subsystems.DataSourceStateValid:
		return 1
	case subsystems.DataSourceStateInterrupted:
		return 2
	case subsystems.DataSourceStateOff:
		return 3
	default:
		return 0
	}
}
