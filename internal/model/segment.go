package model

import (
	"fmt"

	"github.com/rafaeljc/bifrost/evalcontext"
)

// Segment is a named group of contexts referenced by flag clauses via the
// segmentMatch operator.
type Segment struct {
	// Key uniquely identifies the segment.
	Key string `json:"key"`

	// Included lists context keys (of the "user" kind) that are always
	// members. Inclusion beats exclusion.
	Included []string `json:"included,omitempty"`

	// Excluded lists context keys (of the "user" kind) that are never
	// members unless also included.
	Excluded []string `json:"excluded,omitempty"`

	// IncludedContexts and ExcludedContexts are the per-kind equivalents of
	// Included and Excluded.
	IncludedContexts []SegmentTarget `json:"includedContexts,omitempty"`
	ExcludedContexts []SegmentTarget `json:"excludedContexts,omitempty"`

	// Salt perturbs bucketing for weighted segment rules.
	Salt string `json:"salt,omitempty"`

	// Rules are evaluated in order for contexts not settled by the explicit
	// lists; the first match makes the context a member.
	Rules []SegmentRule `json:"rules,omitempty"`

	// Unbounded marks a big segment: membership is not carried in the
	// regular flag data but queried from a big segment store.
	Unbounded bool `json:"unbounded,omitempty"`

	// UnboundedContextKind is the context kind a big segment's membership
	// list refers to; empty means "user".
	UnboundedContextKind evalcontext.Kind `json:"unboundedContextKind,omitempty"`

	// Generation distinguishes successive membership uploads of a big
	// segment. Membership queries are keyed by segment key and generation.
	Generation *int `json:"generation,omitempty"`

	// Version increases with every change.
	Version int `json:"version"`

	// Deleted marks a tombstone in polled payloads.
	Deleted bool `json:"deleted,omitempty"`

	includedSet map[string]struct{}
	excludedSet map[string]struct{}
}

// HasKeyInIncluded reports whether the key is in the user-kind include list.
func (s *Segment) HasKeyInIncluded(key string) bool {
	if s.includedSet != nil {
		_, ok := s.includedSet[key]
		return ok
	}
	return containsString(s.Included, key)
}

// HasKeyInExcluded reports whether the key is in the user-kind exclude list.
func (s *Segment) HasKeyInExcluded(key string) bool {
	if s.excludedSet != nil {
		_, ok := s.excludedSet[key]
		return ok
	}
	return containsString(s.Excluded, key)
}

// BigSegmentRef is the key under which a big segment's membership is stored:
// segment key plus generation, so that a re-uploaded membership list never
// mixes with the previous one. It is only meaningful when Generation is set.
func (s *Segment) BigSegmentRef() string {
	if s.Generation == nil {
		return ""
	}
	return fmt.Sprintf("%s.g%d", s.Key, *s.Generation)
}

// SegmentTarget is a per-kind explicit membership list.
type SegmentTarget struct {
	// ContextKind is the kind the keys belong to; empty means "user".
	ContextKind evalcontext.Kind `json:"contextKind,omitempty"`
	Values      []string         `json:"values"`

	valueSet map[string]struct{}
}

// HasKey reports whether the target list contains the given context key.
func (t *SegmentTarget) HasKey(key string) bool {
	if t.valueSet != nil {
		_, ok := t.valueSet[key]
		return ok
	}
	return containsString(t.Values, key)
}

// Kind returns the target's context kind, defaulting to "user".
func (t *SegmentTarget) Kind() evalcontext.Kind {
	if t.ContextKind == "" {
		return evalcontext.DefaultKind
	}
	return t.ContextKind
}

// SegmentRule is a conjunction of clauses with an optional percentage
// weight.
type SegmentRule struct {
	// ID identifies the rule; optional.
	ID string `json:"id,omitempty"`

	// Clauses must all match for the rule to apply.
	Clauses []Clause `json:"clauses,omitempty"`

	// Weight, if set, admits only the fraction weight/100000 of matching
	// contexts, selected by bucketing. Nil admits all matches.
	Weight *int `json:"weight,omitempty"`

	// BucketBy names the attribute to bucket on; empty means "key".
	BucketBy string `json:"bucketBy,omitempty"`

	// RolloutContextKind selects which individual context supplies the
	// bucketing attribute; empty means "user".
	RolloutContextKind evalcontext.Kind `json:"rolloutContextKind,omitempty"`
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
