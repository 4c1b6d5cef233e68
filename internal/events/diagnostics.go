package events

import (
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/bifrost/internal/version"
)

// diagnosticID identifies one SDK instance across its diagnostic events.
// Only the last few characters of the SDK key are included, enough for the
// service to associate the instance with an environment without exposing
// the credential.
type diagnosticID struct {
	DiagnosticID string `json:"diagnosticId"`
	SDKKeySuffix string `json:"sdkKeySuffix,omitempty"`
}

type diagnosticInitOutput struct {
	Kind          string         `json:"kind"`
	CreationDate  int64          `json:"creationDate"`
	ID            diagnosticID   `json:"id"`
	SDK           map[string]any `json:"sdk"`
	Platform      map[string]any `json:"platform"`
	Configuration map[string]any `json:"configuration"`
}

type diagnosticStatsOutput struct {
	Kind              string       `json:"kind"`
	CreationDate      int64        `json:"creationDate"`
	ID                diagnosticID `json:"id"`
	DataSinceDate     int64        `json:"dataSinceDate"`
	DroppedEvents     int64        `json:"droppedEvents"`
	DeduplicatedUsers int64        `json:"deduplicatedUsers"`
	EventsInLastBatch int          `json:"eventsInLastBatch"`
}

// diagnosticsManager builds the two diagnostic event shapes. State is only
// touched from the dispatcher goroutine.
type diagnosticsManager struct {
	id        diagnosticID
	cfg       Config
	dataSince time.Time
}

func newDiagnosticsManager(cfg Config) *diagnosticsManager {
	id := diagnosticID{DiagnosticID: uuid.New().String()}
	if n := len(cfg.SDKKey); n > 6 {
		id.SDKKeySuffix = cfg.SDKKey[n-6:]
	}
	return &diagnosticsManager{id: id, cfg: cfg, dataSince: time.Now()}
}

func (m *diagnosticsManager) makeInitEvent() any {
	return diagnosticInitOutput{
		Kind:         diagnosticInitEventKind,
		CreationDate: toMillis(time.Now()),
		ID:           m.id,
		SDK: map[string]any{
			"name":    version.SDKName,
			"version": version.SDKVersion,
		},
		Platform: map[string]any{
			"name":   "go",
			"osName": runtime.GOOS,
			"osArch": runtime.GOARCH,
		},
		Configuration: map[string]any{
			"eventsCapacity":                 m.cfg.Capacity,
			"eventsFlushIntervalMillis":      m.cfg.FlushInterval.Milliseconds(),
			"contextKeysCapacity":            m.cfg.ContextKeysCapacity,
			"contextKeysFlushIntervalMillis": m.cfg.ContextKeysFlushInterval.Milliseconds(),
			"allAttributesPrivate":           m.cfg.AllAttributesPrivate,
			"diagnosticRecordingIntervalMillis": m.cfg.DiagnosticRecordingInterval.Milliseconds(),
		},
	}
}

// makeStatsEvent reports the counters accumulated since the previous stats
// event and starts a new accounting period.
func (m *diagnosticsManager) makeStatsEvent(dropped, deduplicated int64, eventsInLastBatch int) any {
	now := time.Now()
	out := diagnosticStatsOutput{
		Kind:              diagnosticEventKind,
		CreationDate:      toMillis(now),
		ID:                m.id,
		DataSinceDate:     toMillis(m.dataSince),
		DroppedEvents:     dropped,
		DeduplicatedUsers: deduplicated,
		EventsInLastBatch: eventsInLastBatch,
	}
	m.dataSince = now
	return out
}
