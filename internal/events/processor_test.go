package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/subsystems"
)

// capturingSender records payloads instead of posting them.
type capturingSender struct {
	mu          sync.Mutex
	payloads    [][]byte
	diagnostics [][]byte
	result      subsystems.EventSenderResult
}

func newCapturingSender() *capturingSender {
	return &capturingSender{result: subsystems.EventSenderResult{Success: true}}
}

func (s *capturingSender) SendEventData(payload []byte, isDiagnostic bool) subsystems.EventSenderResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isDiagnostic {
		s.diagnostics = append(s.diagnostics, payload)
	} else {
		s.payloads = append(s.payloads, payload)
	}
	return s.result
}

func (s *capturingSender) eventPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.payloads))
	copy(out, s.payloads)
	return out
}

func decodePayload(t *testing.T, payload []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	require.NoError(t, json.Unmarshal(payload, &out))
	return out
}

func kindsOf(events []map[string]any) []string {
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e["kind"].(string))
	}
	return kinds
}

func newTestProcessor(t *testing.T, cfg Config, sender subsystems.EventSender) *Processor {
	t.Helper()
	cfg.DiagnosticOptOut = true
	p, err := NewProcessor(cfg, sender, logger.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func featureEvent(context evalcontext.Context, flagKey string, track bool) FeatureRequestEvent {
	return FeatureRequestEvent{
		BaseEvent:   BaseEvent{CreationDate: time.Now(), Context: context},
		FlagKey:     flagKey,
		Version:     intPtr(1),
		Variation:   intPtr(0),
		Value:       true,
		Default:     false,
		TrackEvents: track,
	}
}

func flushAndWait(t *testing.T, p *Processor) {
	t.Helper()
	p.Flush()
	p.waitUntilDrained()
	p.wg.Wait()
}

func TestProcessorSummarizesUntrackedEvaluations(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	p := newTestProcessor(t, Config{}, sender)
	context := evalcontext.New("u1")

	p.RecordFeatureRequestEvent(featureEvent(context, "flag1", false))
	p.RecordFeatureRequestEvent(featureEvent(context, "flag1", false))
	flushAndWait(t, p)

	payloads := sender.eventPayloads()
	require.Len(t, payloads, 1)
	events := decodePayload(t, payloads[0])

	// One index event for the context plus one summary; no per-evaluation
	// feature events.
	assert.ElementsMatch(t, []string{"index", "summary"}, kindsOf(events))
	for _, e := range events {
		if e["kind"] != "summary" {
			continue
		}
		features := e["features"].(map[string]any)
		flag := features["flag1"].(map[string]any)
		counters := flag["counters"].([]any)
		require.Len(t, counters, 1)
		assert.Equal(t, float64(2), counters[0].(map[string]any)["count"])
	}
}

func TestProcessorTrackedEvaluationEmitsFeatureEvent(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	p := newTestProcessor(t, Config{}, sender)

	p.RecordFeatureRequestEvent(featureEvent(evalcontext.New("u1"), "flag1", true))
	flushAndWait(t, p)

	payloads := sender.eventPayloads()
	require.Len(t, payloads, 1)
	events := decodePayload(t, payloads[0])
	assert.ElementsMatch(t, []string{"index", "feature", "summary"}, kindsOf(events))

	for _, e := range events {
		if e["kind"] == "feature" {
			assert.Equal(t, "flag1", e["key"])
			assert.Equal(t, map[string]any{"user": "u1"}, e["contextKeys"])
			assert.NotContains(t, e, "context")
		}
	}
}

func TestProcessorIndexEventDeduplication(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	p := newTestProcessor(t, Config{}, sender)
	context := evalcontext.New("u1")

	p.RecordFeatureRequestEvent(featureEvent(context, "flag1", false))
	flushAndWait(t, p)
	p.RecordFeatureRequestEvent(featureEvent(context, "flag2", false))
	flushAndWait(t, p)

	payloads := sender.eventPayloads()
	require.Len(t, payloads, 2)
	// The second window reuses the dedup cache entry, so no second index.
	assert.ElementsMatch(t, []string{"index", "summary"}, kindsOf(decodePayload(t, payloads[0])))
	assert.ElementsMatch(t, []string{"summary"}, kindsOf(decodePayload(t, payloads[1])))
}

func TestProcessorIdentifyAndCustomEvents(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	p := newTestProcessor(t, Config{}, sender)
	context := evalcontext.New("u1")
	metric := 9.5

	p.RecordIdentifyEvent(IdentifyEvent{BaseEvent{CreationDate: time.Now(), Context: context}})
	p.RecordCustomEvent(CustomEvent{
		BaseEvent:   BaseEvent{CreationDate: time.Now(), Context: context},
		Key:         "purchase",
		Data:        map[string]any{"sku": "x"},
		MetricValue: &metric,
	})
	flushAndWait(t, p)

	payloads := sender.eventPayloads()
	require.Len(t, payloads, 1)
	events := decodePayload(t, payloads[0])
	// Identify already carried the full context, so the custom event does
	// not trigger an index event.
	assert.ElementsMatch(t, []string{"identify", "custom"}, kindsOf(events))

	for _, e := range events {
		if e["kind"] == "custom" {
			assert.Equal(t, "purchase", e["key"])
			assert.Equal(t, 9.5, e["metricValue"])
		}
	}
}

func TestProcessorDebugEvents(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	p := newTestProcessor(t, Config{}, sender)

	event := featureEvent(evalcontext.New("u1"), "flag1", false)
	event.DebugEventsUntilDate = time.Now().Add(time.Hour)
	p.RecordFeatureRequestEvent(event)
	flushAndWait(t, p)

	events := decodePayload(t, sender.eventPayloads()[0])
	assert.ElementsMatch(t, []string{"index", "debug", "summary"}, kindsOf(events))
	for _, e := range events {
		if e["kind"] == "debug" {
			context := e["context"].(map[string]any)
			assert.Equal(t, "u1", context["key"])
		}
	}
}

func TestProcessorDebugEventsExpired(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	p := newTestProcessor(t, Config{}, sender)

	event := featureEvent(evalcontext.New("u1"), "flag1", false)
	event.DebugEventsUntilDate = time.Now().Add(-time.Hour)
	p.RecordFeatureRequestEvent(event)
	flushAndWait(t, p)

	events := decodePayload(t, sender.eventPayloads()[0])
	assert.NotContains(t, kindsOf(events), "debug")
}

func TestProcessorEmptyFlushSendsNothing(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	p := newTestProcessor(t, Config{}, sender)
	flushAndWait(t, p)
	assert.Empty(t, sender.eventPayloads())
}

func TestProcessorShutdownOnPermanentRejection(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	sender.result = subsystems.EventSenderResult{MustShutdown: true}
	p := newTestProcessor(t, Config{}, sender)

	p.RecordFeatureRequestEvent(featureEvent(evalcontext.New("u1"), "flag1", false))
	flushAndWait(t, p)
	require.Len(t, sender.eventPayloads(), 1)

	p.RecordFeatureRequestEvent(featureEvent(evalcontext.New("u2"), "flag1", false))
	flushAndWait(t, p)
	assert.Len(t, sender.eventPayloads(), 1)
}

func TestProcessorCloseFlushesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	sender := newCapturingSender()
	cfg := Config{DiagnosticOptOut: true}
	p, err := NewProcessor(cfg, sender, logger.NewDiscard())
	require.NoError(t, err)

	p.RecordFeatureRequestEvent(featureEvent(evalcontext.New("u1"), "flag1", false))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	require.Len(t, sender.eventPayloads(), 1)
}
