package evaluator

import (
	"fmt"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/internal/model"
)

// matchClauseNoSegments evaluates every operator except segmentMatch, which
// needs store access and lives on evalScope. The returned error marks a
// malformed clause (unparseable attribute reference); operator-level type
// mismatches are plain non-matches.
func matchClauseNoSegments(c *model.Clause, context evalcontext.Context) (bool, error) {
	ref := c.AttributeRef()
	if err := ref.Err(); err != nil {
		return false, fmt.Errorf("invalid attribute reference %q: %w", c.Attribute, err)
	}
	// A clause on the "kind" attribute applies across all of the context's
	// kinds rather than to one individual context.
	if ref.Depth() == 1 && ref.Component(0) == "kind" {
		return maybeNegate(c, matchClauseByKind(c, context)), nil
	}
	individual, ok := context.IndividualContextByKind(c.Kind())
	if !ok {
		return false, nil
	}
	value, ok := individual.GetValue(ref)
	if !ok {
		// A missing attribute is a non-match even for negated clauses:
		// negation inverts a comparison, not the attribute's presence.
		return false, nil
	}
	if elements, isSlice := value.([]any); isSlice {
		for _, element := range elements {
			if matchAnyClauseValue(c, element) {
				return maybeNegate(c, true), nil
			}
		}
		return maybeNegate(c, false), nil
	}
	return maybeNegate(c, matchAnyClauseValue(c, value)), nil
}

func matchClauseByKind(c *model.Clause, context evalcontext.Context) bool {
	for _, kind := range context.Kinds() {
		if matchAnyClauseValue(c, string(kind)) {
			return true
		}
	}
	return false
}

func maybeNegate(c *model.Clause, matched bool) bool {
	return matched != c.Negate
}
