// Package evaluation defines the result types produced by flag evaluation:
// the resolved value, the variation index and a structured reason explaining
// which branch of the flag's decision procedure was taken.
package evaluation

import (
	"encoding/json"
	"fmt"
)

// ReasonKind identifies the terminal state of a flag evaluation.
type ReasonKind string

const (
	// ReasonOff means the flag was off and the off variation (if any) applied.
	ReasonOff ReasonKind = "OFF"
	// ReasonTargetMatch means the context key was found in one of the flag's
	// explicit target lists.
	ReasonTargetMatch ReasonKind = "TARGET_MATCH"
	// ReasonRuleMatch means a rule's clauses all matched the context.
	ReasonRuleMatch ReasonKind = "RULE_MATCH"
	// ReasonPrerequisiteFailed means a prerequisite flag was off or resolved
	// to a variation other than the required one.
	ReasonPrerequisiteFailed ReasonKind = "PREREQUISITE_FAILED"
	// ReasonFallthrough means the flag was on and no target or rule matched.
	ReasonFallthrough ReasonKind = "FALLTHROUGH"
	// ReasonError means evaluation could not complete; ErrorKind says why.
	ReasonError ReasonKind = "ERROR"
)

// ErrorKind describes why an evaluation resolved to the default value.
type ErrorKind string

const (
	// ErrClientNotReady: evaluation was attempted before the SDK finished
	// initializing and no usable flag data was available.
	ErrClientNotReady ErrorKind = "CLIENT_NOT_READY"
	// ErrFlagNotFound: no flag with the requested key exists.
	ErrFlagNotFound ErrorKind = "FLAG_NOT_FOUND"
	// ErrMalformedFlag: the flag data is structurally invalid (variation
	// index out of range, empty rollout, fallthrough with no target, cycle).
	ErrMalformedFlag ErrorKind = "MALFORMED_FLAG"
	// ErrUserNotSpecified: the supplied context was invalid or empty.
	ErrUserNotSpecified ErrorKind = "USER_NOT_SPECIFIED"
	// ErrWrongType: the resolved value did not match the type requested by a
	// typed accessor such as BoolVariation.
	ErrWrongType ErrorKind = "WRONG_TYPE"
	// ErrException: an unexpected internal failure, caught and converted.
	ErrException ErrorKind = "EXCEPTION"
)

// BigSegmentsStatus reports the health of big segment data at the time an
// evaluation referenced a big segment.
type BigSegmentsStatus string

const (
	// BigSegmentsHealthy: membership data was available and current.
	BigSegmentsHealthy BigSegmentsStatus = "HEALTHY"
	// BigSegmentsStale: membership data was available but has not been
	// refreshed within the configured staleness window.
	BigSegmentsStale BigSegmentsStatus = "STALE"
	// BigSegmentsNotConfigured: the flag referenced a big segment but no big
	// segment store is configured; memberships resolved to non-match.
	BigSegmentsNotConfigured BigSegmentsStatus = "NOT_CONFIGURED"
	// BigSegmentsStoreError: a membership query failed; memberships resolved
	// to non-match.
	BigSegmentsStoreError BigSegmentsStatus = "STORE_ERROR"
)

// Reason explains the outcome of a flag evaluation. Reasons are immutable
// values compared by equality; use the New*Reason constructors.
type Reason struct {
	kind              ReasonKind
	ruleIndex         int
	ruleID            string
	prerequisiteKey   string
	errorKind         ErrorKind
	inExperiment      bool
	bigSegmentsStatus BigSegmentsStatus
}

// NewOffReason returns a reason with kind OFF.
func NewOffReason() Reason { return Reason{kind: ReasonOff, ruleIndex: -1} }

// NewFallthroughReason returns a reason with kind FALLTHROUGH.
func NewFallthroughReason() Reason { return Reason{kind: ReasonFallthrough, ruleIndex: -1} }

// NewFallthroughExperimentReason is NewFallthroughReason with the
// inExperiment property, used when an experiment rollout decided the result.
func NewFallthroughExperimentReason() Reason {
	return Reason{kind: ReasonFallthrough, ruleIndex: -1, inExperiment: true}
}

// NewTargetMatchReason returns a reason with kind TARGET_MATCH.
func NewTargetMatchReason() Reason { return Reason{kind: ReasonTargetMatch, ruleIndex: -1} }

// NewRuleMatchReason returns a reason with kind RULE_MATCH for the rule at
// the given index.
func NewRuleMatchReason(index int, ruleID string) Reason {
	return Reason{kind: ReasonRuleMatch, ruleIndex: index, ruleID: ruleID}
}

// NewRuleMatchExperimentReason is NewRuleMatchReason with the inExperiment
// property.
func NewRuleMatchExperimentReason(index int, ruleID string) Reason {
	return Reason{kind: ReasonRuleMatch, ruleIndex: index, ruleID: ruleID, inExperiment: true}
}

// NewPrerequisiteFailedReason returns a reason with kind PREREQUISITE_FAILED
// naming the first prerequisite that did not resolve as required.
func NewPrerequisiteFailedReason(prereqKey string) Reason {
	return Reason{kind: ReasonPrerequisiteFailed, ruleIndex: -1, prerequisiteKey: prereqKey}
}

// NewErrorReason returns a reason with kind ERROR.
func NewErrorReason(errorKind ErrorKind) Reason {
	return Reason{kind: ReasonError, ruleIndex: -1, errorKind: errorKind}
}

// Kind returns the reason kind.
func (r Reason) Kind() ReasonKind { return r.kind }

// RuleIndex returns the index of the matched rule, or -1 if the kind is not
// RULE_MATCH.
func (r Reason) RuleIndex() int {
	if r.kind != ReasonRuleMatch {
		return -1
	}
	return r.ruleIndex
}

// RuleID returns the matched rule's id, if the kind is RULE_MATCH.
func (r Reason) RuleID() string { return r.ruleID }

// PrerequisiteKey returns the failed prerequisite's flag key, if the kind is
// PREREQUISITE_FAILED.
func (r Reason) PrerequisiteKey() string { return r.prerequisiteKey }

// ErrorKind returns the error kind, if the kind is ERROR.
func (r Reason) ErrorKind() ErrorKind { return r.errorKind }

// InExperiment reports whether the result came from an experiment rollout
// whose variation is being measured.
func (r Reason) InExperiment() bool { return r.inExperiment }

// BigSegmentsStatus returns the attached big segment status, or "" if no big
// segment lookup happened during the evaluation.
func (r Reason) BigSegmentsStatus() BigSegmentsStatus { return r.bigSegmentsStatus }

// WithBigSegmentsStatus returns a copy of the reason carrying the given big
// segment status.
func (r Reason) WithBigSegmentsStatus(status BigSegmentsStatus) Reason {
	r.bigSegmentsStatus = status
	return r
}

// IsDefined reports whether the reason has a kind set.
func (r Reason) IsDefined() bool { return r.kind != "" }

// String returns a compact human-readable form, e.g. "RULE_MATCH(1,abc)".
func (r Reason) String() string {
	switch r.kind {
	case ReasonRuleMatch:
		return fmt.Sprintf("%s(%d,%s)", r.kind, r.ruleIndex, r.ruleID)
	case ReasonPrerequisiteFailed:
		return fmt.Sprintf("%s(%s)", r.kind, r.prerequisiteKey)
	case ReasonError:
		return fmt.Sprintf("%s(%s)", r.kind, r.errorKind)
	default:
		return string(r.kind)
	}
}

type reasonJSON struct {
	Kind              ReasonKind        `json:"kind"`
	RuleIndex         *int              `json:"ruleIndex,omitempty"`
	RuleID            string            `json:"ruleId,omitempty"`
	PrerequisiteKey   string            `json:"prerequisiteKey,omitempty"`
	ErrorKind         ErrorKind         `json:"errorKind,omitempty"`
	InExperiment      bool              `json:"inExperiment,omitempty"`
	BigSegmentsStatus BigSegmentsStatus `json:"bigSegmentsStatus,omitempty"`
}

// MarshalJSON produces the cross-SDK wire form of the reason.
func (r Reason) MarshalJSON() ([]byte, error) {
	out := reasonJSON{
		Kind:              r.kind,
		RuleID:            r.ruleID,
		PrerequisiteKey:   r.prerequisiteKey,
		ErrorKind:         r.errorKind,
		InExperiment:      r.inExperiment,
		BigSegmentsStatus: r.bigSegmentsStatus,
	}
	if r.kind == ReasonRuleMatch {
		idx := r.ruleIndex
		out.RuleIndex = &idx
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the cross-SDK wire form of the reason.
func (r *Reason) UnmarshalJSON(data []byte) error {
	var in reasonJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Reason{
		kind:              in.Kind,
		ruleIndex:         -1,
		ruleID:            in.RuleID,
		prerequisiteKey:   in.PrerequisiteKey,
		errorKind:         in.ErrorKind,
		inExperiment:      in.InExperiment,
		bigSegmentsStatus: in.BigSegmentsStatus,
	}
	if in.RuleIndex != nil {
		r.ruleIndex = *in.RuleIndex
	}
	return nil
}
