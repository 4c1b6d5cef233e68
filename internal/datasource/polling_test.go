package datasource

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/subsystems"
)

const allDataBody = `{"flags":{"f1":{"key":"f1","version":1,"on":true}},"segments":{}}`

func TestPollingProcessorFetchesImmediately(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testSDKKey, r.Header.Get("Authorization"))
		assert.Equal(t, "/sdk/latest-all", r.URL.Path)
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(allDataBody))
	}))
	defer server.Close()

	sink, store, broadcaster := newTestSink(t)
	p := NewPollingProcessor(testSDKKey, PollConfig{URI: server.URL, Interval: time.Hour}, sink, nil, logger.NewDiscard())
	defer p.Close()

	ready := make(chan struct{})
	start := time.Now()
	p.Start(ready)
	waitReady(t, ready)

	// Readiness must come from the immediate fetch, not the first tick.
	assert.Less(t, time.Since(start), time.Hour/2)
	assert.True(t, p.IsInitialized())
	assert.Equal(t, subsystems.DataSourceStateValid, broadcaster.Status().State)

	item, err := store.Get(subsystems.DataKindFeatures, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Version)
}

func TestPollingProcessorSendsIfNoneMatch(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var etagsSeen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		etagsSeen = append(etagsSeen, r.Header.Get("If-None-Match"))
		count := len(etagsSeen)
		mu.Unlock()
		if count > 1 {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(allDataBody))
	}))
	defer server.Close()

	sink, _, broadcaster := newTestSink(t)
	p := NewPollingProcessor(testSDKKey, PollConfig{URI: server.URL, Interval: time.Second}, sink, nil, logger.NewDiscard())
	defer p.Close()

	ready := make(chan struct{})
	p.Start(ready)
	waitReady(t, ready)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(etagsSeen) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "", etagsSeen[0])
	assert.Equal(t, `"v1"`, etagsSeen[1])
	// A 304 keeps the source valid and initialized.
	assert.True(t, p.IsInitialized())
	assert.Equal(t, subsystems.DataSourceStateValid, broadcaster.Status().State)
}

func TestPollingProcessorStopsOnUnrecoverableError(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	sink, _, broadcaster := newTestSink(t)
	p := NewPollingProcessor(testSDKKey, PollConfig{URI: server.URL, Interval: time.Second}, sink, nil, logger.NewDiscard())
	defer p.Close()

	ready := make(chan struct{})
	p.Start(ready)
	waitReady(t, ready)

	assert.False(t, p.IsInitialized())
	assert.Equal(t, subsystems.DataSourceStateOff, broadcaster.Status().State)

	// The loop stopped: no further requests after the rejection.
	time.Sleep(1500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, requests)
}

func TestPollingProcessorRetriesRecoverableError(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		first := requests == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(allDataBody))
	}))
	defer server.Close()

	sink, _, _ := newTestSink(t)
	p := NewPollingProcessor(testSDKKey, PollConfig{URI: server.URL, Interval: time.Second}, sink, nil, logger.NewDiscard())
	defer p.Close()

	ready := make(chan struct{})
	p.Start(ready)
	waitReady(t, ready)
	assert.True(t, p.IsInitialized())
}
