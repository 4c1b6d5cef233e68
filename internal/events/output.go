package events

import (
	"encoding/json"

	"github.com/rafaeljc/bifrost/evaluation"
)

// Event kind strings on the wire. These are a cross-SDK contract and must
// not change.
const (
	featureEventKind        = "feature"
	debugEventKind          = "debug"
	identifyEventKind       = "identify"
	customEventKind         = "custom"
	indexEventKind          = "index"
	summaryEventKind        = "summary"
	diagnosticInitEventKind = "diagnostic-init"
	diagnosticEventKind     = "diagnostic"
)

type featureOutput struct {
	Kind         string             `json:"kind"`
	CreationDate int64              `json:"creationDate"`
	Key          string             `json:"key"`
	ContextKeys  map[string]string  `json:"contextKeys,omitempty"`
	Context      any                `json:"context,omitempty"`
	Version      *int               `json:"version,omitempty"`
	Variation    *int               `json:"variation,omitempty"`
	Value        any                `json:"value"`
	Default      any                `json:"default"`
	Reason       *evaluation.Reason `json:"reason,omitempty"`
	PrereqOf     string             `json:"prereqOf,omitempty"`
}

type identifyOutput struct {
	Kind         string `json:"kind"`
	CreationDate int64  `json:"creationDate"`
	Context      any    `json:"context"`
}

type customOutput struct {
	Kind         string            `json:"kind"`
	CreationDate int64             `json:"creationDate"`
	Key          string            `json:"key"`
	ContextKeys  map[string]string `json:"contextKeys"`
	Data         any               `json:"data,omitempty"`
	MetricValue  *float64          `json:"metricValue,omitempty"`
}

type summaryOutput struct {
	Kind      string                       `json:"kind"`
	StartDate int64                        `json:"startDate"`
	EndDate   int64                        `json:"endDate"`
	Features  map[string]summaryFlagOutput `json:"features"`
}

type summaryFlagOutput struct {
	Default      any                    `json:"default"`
	ContextKinds []string               `json:"contextKinds"`
	Counters     []summaryCounterOutput `json:"counters"`
}

type summaryCounterOutput struct {
	Value     any  `json:"value"`
	Version   *int `json:"version,omitempty"`
	Variation *int `json:"variation,omitempty"`
	Count     int  `json:"count"`
	Unknown   bool `json:"unknown,omitempty"`
}

// outputFormatter turns recorded events into their wire forms.
type outputFormatter struct {
	contexts *contextFormatter
}

// makeFeatureOutput builds a "feature" or "debug" output event. Debug events
// carry the full context because they are meant for troubleshooting a
// specific evaluation; regular feature events only carry keys, with the full
// context delivered once per window by an index event.
func (f *outputFormatter) makeFeatureOutput(e FeatureRequestEvent, debug bool) featureOutput {
	out := featureOutput{
		Kind:         featureEventKind,
		CreationDate: toMillis(e.CreationDate),
		Key:          e.FlagKey,
		Version:      e.Version,
		Variation:    e.Variation,
		Value:        e.Value,
		Default:      e.Default,
		PrereqOf:     e.PrereqOf,
	}
	if debug {
		out.Kind = debugEventKind
		out.Context = f.contexts.format(e.Context)
	} else {
		out.ContextKeys = contextKeys(e.Context)
	}
	if e.IncludeReason {
		reason := e.Reason
		out.Reason = &reason
	}
	return out
}

func (f *outputFormatter) makeIdentifyOutput(e IdentifyEvent) identifyOutput {
	return identifyOutput{
		Kind:         identifyEventKind,
		CreationDate: toMillis(e.CreationDate),
		Context:      f.contexts.format(e.Context),
	}
}

func (f *outputFormatter) makeIndexOutput(e BaseEvent) identifyOutput {
	return identifyOutput{
		Kind:         indexEventKind,
		CreationDate: toMillis(e.CreationDate),
		Context:      f.contexts.format(e.Context),
	}
}

func (f *outputFormatter) makeCustomOutput(e CustomEvent) customOutput {
	return customOutput{
		Kind:         customEventKind,
		CreationDate: toMillis(e.CreationDate),
		Key:          e.Key,
		ContextKeys:  contextKeys(e.Context),
		Data:         e.Data,
		MetricValue:  e.MetricValue,
	}
}

// marshalPayload renders the flush payload: a JSON array of output events.
func marshalPayload(outputs []any) ([]byte, error) {
	return json.Marshal(outputs)
}
