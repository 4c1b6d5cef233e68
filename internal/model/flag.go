// Package model defines the in-memory data model for feature flags and
// segments, mirroring the JSON structure delivered by the flag service.
//
// Deserialized items go through a single preprocessing pass (Preprocess)
// that parses attribute references, compiles regexes and parses date/semver
// clause values once, so the evaluator never re-validates per access.
package model

import (
	"github.com/rafaeljc/bifrost/evalcontext"
)

// FeatureFlag is a complete flag configuration.
type FeatureFlag struct {
	// Key uniquely identifies the flag.
	Key string `json:"key"`

	// On is the targeting toggle. When false, evaluation short-circuits to
	// OffVariation.
	On bool `json:"on"`

	// Prerequisites are flags that must resolve to specific variations
	// before this flag's own targeting is consulted.
	Prerequisites []Prerequisite `json:"prerequisites,omitempty"`

	// Targets are explicit per-variation context key lists for the default
	// "user" kind.
	Targets []Target `json:"targets,omitempty"`

	// ContextTargets are explicit target lists for other context kinds. An
	// entry with kind "user" and no values is a placeholder preserving the
	// evaluation order of the corresponding Targets entry.
	ContextTargets []Target `json:"contextTargets,omitempty"`

	// Rules are evaluated in order after targets; the first match wins.
	Rules []FlagRule `json:"rules,omitempty"`

	// Fallthrough decides the result when the flag is on and nothing else
	// matched.
	Fallthrough VariationOrRollout `json:"fallthrough"`

	// OffVariation is the variation used when the flag is off or a
	// prerequisite fails. Nil means the caller's default value applies.
	OffVariation *int `json:"offVariation,omitempty"`

	// Variations are the possible result values, referenced by index.
	Variations []any `json:"variations"`

	// ClientSideAvailability controls exposure to client-side SDKs.
	ClientSideAvailability *ClientSideAvailability `json:"clientSideAvailability,omitempty"`

	// ClientSide is the deprecated predecessor of ClientSideAvailability.
	ClientSide bool `json:"clientSide,omitempty"`

	// Salt perturbs rollout bucketing so that a context's bucket in one flag
	// is independent of its bucket in another.
	Salt string `json:"salt,omitempty"`

	// TrackEvents requests a full analytics event for every evaluation.
	TrackEvents bool `json:"trackEvents,omitempty"`

	// TrackEventsFallthrough requests full events for fallthrough results
	// only.
	TrackEventsFallthrough bool `json:"trackEventsFallthrough,omitempty"`

	// DebugEventsUntilDate, if set, enables full debug events until the
	// given epoch-millisecond time.
	DebugEventsUntilDate *int64 `json:"debugEventsUntilDate,omitempty"`

	// Version increases with every change; the store's optimistic
	// concurrency check compares it.
	Version int `json:"version"`

	// Deleted marks a tombstone in polled payloads.
	Deleted bool `json:"deleted,omitempty"`
}

// IsClientSideUsingEnvironmentID reports whether the flag should appear in
// state snapshots built for client-side environments.
func (f *FeatureFlag) IsClientSideUsingEnvironmentID() bool {
	if f.ClientSideAvailability != nil {
		return f.ClientSideAvailability.UsingEnvironmentID
	}
	return f.ClientSide
}

// ClientSideAvailability describes which client-side credential types may
// fetch this flag.
type ClientSideAvailability struct {
	UsingMobileKey     bool `json:"usingMobileKey"`
	UsingEnvironmentID bool `json:"usingEnvironmentId"`
}

// Prerequisite names another flag and the variation it must resolve to.
type Prerequisite struct {
	Key       string `json:"key"`
	Variation int    `json:"variation"`
}

// Target is an explicit list of context keys mapped to one variation.
type Target struct {
	// ContextKind is the kind the keys belong to; empty means "user".
	ContextKind evalcontext.Kind `json:"contextKind,omitempty"`
	Values      []string         `json:"values"`
	Variation   int              `json:"variation"`

	valueSet map[string]struct{}
}

// HasKey reports whether the target list contains the given context key.
func (t *Target) HasKey(key string) bool {
	if t.valueSet != nil {
		_, ok := t.valueSet[key]
		return ok
	}
	for _, v := range t.Values {
		if v == key {
			return true
		}
	}
	return false
}

// Kind returns the target's context kind, defaulting to "user".
func (t *Target) Kind() evalcontext.Kind {
	if t.ContextKind == "" {
		return evalcontext.DefaultKind
	}
	return t.ContextKind
}

// FlagRule is an ordered targeting rule: a conjunction of clauses and a
// result.
type FlagRule struct {
	VariationOrRollout
	// ID identifies the rule for analytics reasons; optional.
	ID string `json:"id,omitempty"`
	// Clauses must all match for the rule to match.
	Clauses []Clause `json:"clauses,omitempty"`
	// TrackEvents requests full events for evaluations matching this rule.
	TrackEvents bool `json:"trackEvents,omitempty"`
}

// VariationOrRollout is a rule or fallthrough result: exactly one of
// Variation or Rollout should be set; neither is a malformed-flag condition.
type VariationOrRollout struct {
	Variation *int     `json:"variation,omitempty"`
	Rollout   *Rollout `json:"rollout,omitempty"`
}

// RolloutKind distinguishes plain percentage rollouts from experiments.
type RolloutKind string

const (
	// RolloutKindRollout is a plain percentage rollout.
	RolloutKindRollout RolloutKind = "rollout"
	// RolloutKindExperiment is an experiment: bucketing may use a seed
	// independent of the flag salt, and tracked variations set the
	// inExperiment property on the reason.
	RolloutKindExperiment RolloutKind = "experiment"
)

// Rollout distributes contexts across variations by deterministic bucketing.
type Rollout struct {
	// Kind defaults to "rollout" when empty.
	Kind RolloutKind `json:"kind,omitempty"`
	// ContextKind selects which individual context supplies the bucketing
	// attribute; empty means "user".
	ContextKind evalcontext.Kind `json:"contextKind,omitempty"`
	// Variations are cumulative weight ranges; weights are in units of
	// 0.001%, summing conceptually to 100000.
	Variations []WeightedVariation `json:"variations"`
	// BucketBy names the attribute to bucket on; empty means "key".
	BucketBy string `json:"bucketBy,omitempty"`
	// Seed, when set, replaces the flagKey/salt hash prefix so experiment
	// assignments stay stable if the flag's rollout is later edited.
	Seed *int64 `json:"seed,omitempty"`
}

// IsExperiment reports whether the rollout is an experiment.
func (r *Rollout) IsExperiment() bool { return r.Kind == RolloutKindExperiment }

// WeightedVariation is one slice of a rollout.
type WeightedVariation struct {
	Variation int `json:"variation"`
	// Weight is in units of 0.001%: 100000 is 100%.
	Weight int `json:"weight"`
	// Untracked excludes this slice from experiment analytics.
	Untracked bool `json:"untracked,omitempty"`
}
