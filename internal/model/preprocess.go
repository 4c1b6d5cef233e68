package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/rafaeljc/bifrost/evalcontext"
)

// Preprocess computes the flag's derived data: parsed attribute references,
// compiled regexes, parsed date and semver operands, and target lookup sets.
// It must be called once after deserialization, before the flag is stored;
// the evaluator assumes it has run. Unparseable operands do not fail
// preprocessing — they become permanent non-matches, consistent with the
// evaluator's no-crash policy for bad flag data.
func (f *FeatureFlag) Preprocess() {
	for i := range f.Targets {
		f.Targets[i].valueSet = stringSet(f.Targets[i].Values)
	}
	for i := range f.ContextTargets {
		f.ContextTargets[i].valueSet = stringSet(f.ContextTargets[i].Values)
	}
	for i := range f.Rules {
		for j := range f.Rules[i].Clauses {
			f.Rules[i].Clauses[j].preprocess()
		}
	}
}

// Preprocess computes the segment's derived data. The same call-once
// contract as FeatureFlag.Preprocess applies.
func (s *Segment) Preprocess() {
	s.includedSet = stringSet(s.Included)
	s.excludedSet = stringSet(s.Excluded)
	for i := range s.IncludedContexts {
		s.IncludedContexts[i].valueSet = stringSet(s.IncludedContexts[i].Values)
	}
	for i := range s.ExcludedContexts {
		s.ExcludedContexts[i].valueSet = stringSet(s.ExcludedContexts[i].Values)
	}
	for i := range s.Rules {
		for j := range s.Rules[i].Clauses {
			s.Rules[i].Clauses[j].preprocess()
		}
	}
}

func (c *Clause) preprocess() {
	c.preprocessed = clausePreprocessed{
		done:         true,
		attributeRef: evalcontext.NewRef(c.Attribute),
	}
	switch c.Op {
	case OperatorMatches:
		c.preprocessed.values = preprocessValues(c.Values, func(s string) (preprocessedValue, bool) {
			re, err := regexp.Compile(s)
			if err != nil {
				return preprocessedValue{}, false
			}
			return preprocessedValue{parsedAs: parsedRegex, regex: re}, true
		})
	case OperatorBefore, OperatorAfter:
		c.preprocessed.values = make([]preprocessedValue, len(c.Values))
		for i, v := range c.Values {
			if t, ok := ParseTimeValue(v); ok {
				c.preprocessed.values[i] = preprocessedValue{parsedAs: parsedTime, time: t}
			}
		}
	case OperatorSemVerEqual, OperatorSemVerLessThan, OperatorSemVerGreaterThan:
		c.preprocessed.values = preprocessValues(c.Values, func(s string) (preprocessedValue, bool) {
			ver, ok := ParseSemVer(s)
			if !ok {
				return preprocessedValue{}, false
			}
			return preprocessedValue{parsedAs: parsedSemver, semver: ver}, true
		})
	}
}

func preprocessValues(values []any, parse func(string) (preprocessedValue, bool)) []preprocessedValue {
	out := make([]preprocessedValue, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if parsed, ok := parse(s); ok {
			out[i] = parsed
		}
	}
	return out
}

// ParseTimeValue parses a clause or attribute value as a timestamp: either
// an RFC3339 string or a number of milliseconds since the Unix epoch.
func ParseTimeValue(value any) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		if ms, ok := NumberAsFloat64(value); ok {
			sec := int64(ms / 1000)
			nsec := int64(ms-float64(sec)*1000) * int64(time.Millisecond)
			return time.Unix(sec, nsec).UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseSemVer parses a version string using semantic versioning rules plus
// the shorthand accepted by the clause operators: a missing minor or patch
// component counts as zero ("2" means "2.0.0", "2-rc1" means "2.0.0-rc1").
func ParseSemVer(s string) (*semver.Version, bool) {
	if s == "" || strings.TrimSpace(s) != s {
		return nil, false
	}
	// semver.NewVersion already coerces missing components, but also accepts
	// a leading "v", which the flag wire format does not.
	if strings.HasPrefix(s, "v") || strings.HasPrefix(s, "V") {
		return nil, false
	}
	ver, err := semver.NewVersion(s)
	if err != nil {
		return nil, false
	}
	return ver, true
}

// NumberAsFloat64 converts any Go numeric type to float64. Non-numeric
// values report false. JSON-decoded data only produces float64, but contexts
// and test fixtures built in code can carry native int types.
func NumberAsFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
