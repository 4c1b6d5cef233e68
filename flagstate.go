package bifrost

import (
	"encoding/json"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/evaluation"
	"github.com/rafaeljc/bifrost/internal/model"
	"github.com/rafaeljc/bifrost/subsystems"
)

// FlagsStateOption adjusts what AllFlagsState captures.
type FlagsStateOption int

const (
	// ClientSideOnly limits the snapshot to flags marked visible to
	// client-side environments.
	ClientSideOnly FlagsStateOption = iota
	// WithReasons includes the evaluation reason for every flag.
	WithReasons
	// DetailsOnlyForTrackedFlags omits version and reason metadata for flags
	// that do not need full event tracking, shrinking the payload.
	DetailsOnlyForTrackedFlags
)

// FeatureFlagsState is a snapshot of every flag's value for one context,
// in the JSON shape client-side SDKs bootstrap from.
type FeatureFlagsState struct {
	valid    bool
	values   map[string]any
	metadata map[string]flagMetadata
}

type flagMetadata struct {
	Variation            *int               `json:"variation,omitempty"`
	Version              *int               `json:"version,omitempty"`
	Reason               *evaluation.Reason `json:"reason,omitempty"`
	TrackEvents          bool               `json:"trackEvents,omitempty"`
	TrackReason          bool               `json:"trackReason,omitempty"`
	DebugEventsUntilDate *int64             `json:"debugEventsUntilDate,omitempty"`
}

// Valid reports whether the snapshot was built from a complete data set.
// An invalid snapshot is empty.
func (s FeatureFlagsState) Valid() bool { return s.valid }

// Value returns one flag's value from the snapshot, or nil if absent.
func (s FeatureFlagsState) Value(flagKey string) any { return s.values[flagKey] }

// Values returns all flag values keyed by flag key.
func (s FeatureFlagsState) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarshalJSON produces the bootstrap document: each flag key mapped to its
// value, a $flagsState block of per-flag metadata, and a $valid marker.
func (s FeatureFlagsState) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(s.values)+2)
	for k, v := range s.values {
		doc[k] = v
	}
	doc["$flagsState"] = s.metadata
	doc["$valid"] = s.valid
	return json.Marshal(doc)
}

// UnmarshalJSON restores a snapshot from its bootstrap document.
func (s *FeatureFlagsState) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.valid = false
	s.values = make(map[string]any)
	s.metadata = make(map[string]flagMetadata)
	for key, raw := range doc {
		switch key {
		case "$valid":
			if err := json.Unmarshal(raw, &s.valid); err != nil {
				return err
			}
		case "$flagsState":
			if err := json.Unmarshal(raw, &s.metadata); err != nil {
				return err
			}
		default:
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				return err
			}
			s.values[key] = value
		}
	}
	return nil
}

// AllFlagsState evaluates every flag for the given context without sending
// analytics events. It is intended for bootstrapping client-side SDKs, not
// for polling flag values server-side.
func (c *Client) AllFlagsState(context evalcontext.Context, options ...FlagsStateOption) FeatureFlagsState {
	state := FeatureFlagsState{
		values:   make(map[string]any),
		metadata: make(map[string]flagMetadata),
	}
	if c.isClosed() || context.Err() != nil {
		return state
	}
	if !c.Initialized() && !c.store.IsInitialized() {
		c.logger.Warn("AllFlagsState called before client initialization; returning empty state")
		return state
	}

	clientSideOnly := hasOption(options, ClientSideOnly)
	withReasons := hasOption(options, WithReasons)
	detailsOnlyForTracked := hasOption(options, DetailsOnlyForTrackedFlags)

	items, err := c.store.GetAll(subsystems.DataKindFeatures)
	if err != nil {
		c.logger.Error("AllFlagsState could not read the data store")
		return state
	}

	state.valid = true
	for _, keyed := range items {
		flag, ok := keyed.Item.Item.(*model.FeatureFlag)
		if !ok {
			continue
		}
		if clientSideOnly && !flag.IsClientSideUsingEnvironmentID() {
			continue
		}
		detail := c.evaluator.Evaluate(flag, context, nil)
		state.values[flag.Key] = detail.Value

		requireExperimentData := detail.Reason.InExperiment()
		tracked := flag.TrackEvents || requireExperimentData || flag.DebugEventsUntilDate != nil
		meta := flagMetadata{
			TrackEvents:          flag.TrackEvents || requireExperimentData,
			TrackReason:          requireExperimentData,
			DebugEventsUntilDate: flag.DebugEventsUntilDate,
		}
		if detail.VariationIndex != evaluation.NoVariation {
			variation := detail.VariationIndex
			meta.Variation = &variation
		}
		if !detailsOnlyForTracked || tracked {
			version := flag.Version
			meta.Version = &version
			if withReasons || requireExperimentData {
				reason := detail.Reason
				meta.Reason = &reason
			}
		}
		state.metadata[flag.Key] = meta
	}
	return state
}

func hasOption(options []FlagsStateOption, option FlagsStateOption) bool {
	for _, o := range options {
		if o == option {
			return true
		}
	}
	return false
}
