package evaluator

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/rafaeljc/bifrost/internal/model"
)

// matchAnyClauseValue applies the clause's operator between one attribute
// value and every clause value, matching if any comparison matches. Negation
// is not applied here. Type-mismatched comparisons and unparseable operands
// are non-matches, never errors; an unknown operator never matches.
func matchAnyClauseValue(c *model.Clause, attrValue any) bool {
	for i := range c.Values {
		if matchClauseValue(c, i, attrValue) {
			return true
		}
	}
	return false
}

func matchClauseValue(c *model.Clause, i int, attrValue any) bool {
	clauseValue := c.Values[i]
	switch c.Op {
	case model.OperatorIn:
		return valuesEqual(attrValue, clauseValue)

	case model.OperatorStartsWith:
		a, cv, ok := stringPair(attrValue, clauseValue)
		return ok && strings.HasPrefix(a, cv)

	case model.OperatorEndsWith:
		a, cv, ok := stringPair(attrValue, clauseValue)
		return ok && strings.HasSuffix(a, cv)

	case model.OperatorContains:
		a, cv, ok := stringPair(attrValue, clauseValue)
		return ok && strings.Contains(a, cv)

	case model.OperatorMatches:
		a, ok := attrValue.(string)
		if !ok {
			return false
		}
		re := clauseRegex(c, i, clauseValue)
		return re != nil && re.MatchString(a)

	case model.OperatorLessThan:
		a, cv, ok := numberPair(attrValue, clauseValue)
		return ok && a < cv

	case model.OperatorLessThanOrEqual:
		a, cv, ok := numberPair(attrValue, clauseValue)
		return ok && a <= cv

	case model.OperatorGreaterThan:
		a, cv, ok := numberPair(attrValue, clauseValue)
		return ok && a > cv

	case model.OperatorGreaterThanOrEqual:
		a, cv, ok := numberPair(attrValue, clauseValue)
		return ok && a >= cv

	case model.OperatorBefore:
		a, cv, ok := timePair(c, i, attrValue, clauseValue)
		return ok && a.Before(cv)

	case model.OperatorAfter:
		a, cv, ok := timePair(c, i, attrValue, clauseValue)
		return ok && a.After(cv)

	case model.OperatorSemVerEqual:
		a, cv, ok := semverPair(c, i, attrValue, clauseValue)
		return ok && a.Compare(cv) == 0

	case model.OperatorSemVerLessThan:
		a, cv, ok := semverPair(c, i, attrValue, clauseValue)
		return ok && a.Compare(cv) < 0

	case model.OperatorSemVerGreaterThan:
		a, cv, ok := semverPair(c, i, attrValue, clauseValue)
		return ok && a.Compare(cv) > 0

	default:
		// Unknown operator: representable, never matches, never an error.
		return false
	}
}

// valuesEqual implements the "in" operator's exact-equality semantics:
// strings and booleans compare directly, numbers compare as IEEE-754
// float64 regardless of their Go type, and structured values fall back to
// deep equality.
func valuesEqual(a, b any) bool {
	if af, aok := model.NumberAsFloat64(a); aok {
		bf, bok := model.NumberAsFloat64(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func stringPair(a, b any) (string, string, bool) {
	as, ok1 := a.(string)
	bs, ok2 := b.(string)
	return as, bs, ok1 && ok2
}

func numberPair(a, b any) (float64, float64, bool) {
	af, ok1 := model.NumberAsFloat64(a)
	bf, ok2 := model.NumberAsFloat64(b)
	return af, bf, ok1 && ok2
}

// clauseRegex uses the pattern compiled at preprocessing time when present,
// falling back to compiling on the fly for clauses built directly in code.
// An invalid pattern yields nil, making the comparison a non-match.
func clauseRegex(c *model.Clause, i int, clauseValue any) *regexp.Regexp {
	if re, ok := c.PreprocessedRegexAt(i); ok {
		return re
	}
	pattern, ok := clauseValue.(string)
	if !ok {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}

func timePair(c *model.Clause, i int, attrValue, clauseValue any) (time.Time, time.Time, bool) {
	a, ok := model.ParseTimeValue(attrValue)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	if cv, ok := c.PreprocessedTimeAt(i); ok {
		return a, cv, true
	}
	cv, ok := model.ParseTimeValue(clauseValue)
	return a, cv, ok
}

func semverPair(c *model.Clause, i int, attrValue, clauseValue any) (*semver.Version, *semver.Version, bool) {
	as, ok := attrValue.(string)
	if !ok {
		return nil, nil, false
	}
	a, ok := model.ParseSemVer(as)
	if !ok {
		return nil, nil, false
	}
	if cv, ok := c.PreprocessedSemverAt(i); ok {
		return a, cv, true
	}
	cs, ok := clauseValue.(string)
	if !ok {
		return nil, nil, false
	}
	cv, ok := model.ParseSemVer(cs)
	return a, cv, ok
}
