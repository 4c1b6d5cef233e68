package model

import (
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/rafaeljc/bifrost/evalcontext"
)

// Operator is one of the closed set of clause comparison operators. Unknown
// operators are representable and always evaluate to non-match, so newer
// flag data cannot break an older SDK.
type Operator string

// The full operator set. The names are part of the wire format.
const (
	OperatorIn                 Operator = "in"
	OperatorStartsWith         Operator = "startsWith"
	OperatorEndsWith           Operator = "endsWith"
	OperatorMatches            Operator = "matches"
	OperatorContains           Operator = "contains"
	OperatorLessThan           Operator = "lessThan"
	OperatorLessThanOrEqual    Operator = "lessThanOrEqual"
	OperatorGreaterThan        Operator = "greaterThan"
	OperatorGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OperatorBefore             Operator = "before"
	OperatorAfter              Operator = "after"
	OperatorSegmentMatch       Operator = "segmentMatch"
	OperatorSemVerEqual        Operator = "semVerEqual"
	OperatorSemVerLessThan     Operator = "semVerLessThan"
	OperatorSemVerGreaterThan  Operator = "semVerGreaterThan"
)

// Clause is a single condition within a rule: an attribute compared against
// a list of values with an operator, optionally negated.
type Clause struct {
	// ContextKind is the kind whose attributes the clause reads; empty means
	// "user".
	ContextKind evalcontext.Kind `json:"contextKind,omitempty"`

	// Attribute is an attribute reference in string form (plain name or
	// slash path).
	Attribute string `json:"attribute"`

	// Op is the comparison operator.
	Op Operator `json:"op"`

	// Values are the comparison operands; matching any one value matches the
	// clause (before negation).
	Values []any `json:"values"`

	// Negate inverts the final match result (XOR).
	Negate bool `json:"negate,omitempty"`

	preprocessed clausePreprocessed
}

// clausePreprocessed holds derived data computed once at load time.
type clausePreprocessed struct {
	done         bool
	attributeRef evalcontext.Ref
	values       []preprocessedValue
}

// preprocessedValue is the parsed form of one clause value for operators
// whose operands have a richer type than their JSON encoding. A nil/zero
// entry means the raw value was not parseable, which makes that operand a
// permanent non-match.
type preprocessedValue struct {
	regex    *regexp.Regexp
	parsedAs parsedValueKind
	time     time.Time
	semver   *semver.Version
}

type parsedValueKind int

const (
	parsedNone parsedValueKind = iota
	parsedRegex
	parsedTime
	parsedSemver
)

// AttributeRef returns the parsed attribute reference, computing it on
// demand if the clause has not been preprocessed.
func (c *Clause) AttributeRef() evalcontext.Ref {
	if c.preprocessed.done {
		return c.preprocessed.attributeRef
	}
	return evalcontext.NewRef(c.Attribute)
}

// Kind returns the clause's context kind, defaulting to "user".
func (c *Clause) Kind() evalcontext.Kind {
	if c.ContextKind == "" {
		return evalcontext.DefaultKind
	}
	return c.ContextKind
}

// preprocessedValueAt returns the parsed form of the value at index i, or a
// zero value if the clause was not preprocessed or i is out of range.
func (c *Clause) preprocessedValueAt(i int) (preprocessedValue, bool) {
	if !c.preprocessed.done || i < 0 || i >= len(c.preprocessed.values) {
		return preprocessedValue{}, false
	}
	return c.preprocessed.values[i], true
}

// PreprocessedRegexAt returns the compiled regex for value i under the
// "matches" operator, or nil if the pattern was invalid or not preprocessed.
func (c *Clause) PreprocessedRegexAt(i int) (*regexp.Regexp, bool) {
	v, ok := c.preprocessedValueAt(i)
	if !ok || v.parsedAs != parsedRegex {
		return nil, false
	}
	return v.regex, true
}

// PreprocessedTimeAt returns the parsed timestamp for value i under the
// before/after operators.
func (c *Clause) PreprocessedTimeAt(i int) (time.Time, bool) {
	v, ok := c.preprocessedValueAt(i)
	if !ok || v.parsedAs != parsedTime {
		return time.Time{}, false
	}
	return v.time, true
}

// PreprocessedSemverAt returns the parsed version for value i under the
// semVer operators.
func (c *Clause) PreprocessedSemverAt(i int) (*semver.Version, bool) {
	v, ok := c.preprocessedValueAt(i)
	if !ok || v.parsedAs != parsedSemver || v.semver == nil {
		return nil, false
	}
	return v.semver, true
}
