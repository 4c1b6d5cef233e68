package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/internal/model"
)

func TestClauseMatchesCustomAttribute(t *testing.T) {
	t.Parallel()
	clause := &model.Clause{Attribute: "legs", Op: model.OperatorIn, Values: []any{float64(4)}}
	context := evalcontext.NewBuilder("key").SetInt("legs", 4).Build()

	matched, err := matchClauseNoSegments(clause, context)
	assert.NoError(t, err)
	assert.True(t, matched)
}

func TestClauseNegateInvertsMatch(t *testing.T) {
	t.Parallel()
	clause := &model.Clause{Attribute: "name", Op: model.OperatorIn, Values: []any{"Bob"}, Negate: true}

	bob := evalcontext.NewBuilder("key").Name("Bob").Build()
	alice := evalcontext.NewBuilder("key").Name("Alice").Build()

	matched, err := matchClauseNoSegments(clause, bob)
	assert.NoError(t, err)
	assert.False(t, matched)

	matched, err = matchClauseNoSegments(clause, alice)
	assert.NoError(t, err)
	assert.True(t, matched)
}

func TestNegatedClauseDoesNotMatchMissingAttribute(t *testing.T) {
	t.Parallel()
	// Negation inverts the comparison, not the attribute's presence: a
	// context without the attribute matches neither form of the clause.
	clause := &model.Clause{Attribute: "pet", Op: model.OperatorIn, Values: []any{"cat"}, Negate: true}
	context := evalcontext.New("key")

	matched, err := matchClauseNoSegments(clause, context)
	assert.NoError(t, err)
	assert.False(t, matched)
}

func TestClauseMatchesAnySliceElement(t *testing.T) {
	t.Parallel()
	clause := &model.Clause{Attribute: "groups", Op: model.OperatorIn, Values: []any{"admins"}}
	member := evalcontext.NewBuilder("key").
		SetValue("groups", []any{"users", "admins"}).Build()
	outsider := evalcontext.NewBuilder("key").
		SetValue("groups", []any{"users"}).Build()

	matched, err := matchClauseNoSegments(clause, member)
	assert.NoError(t, err)
	assert.True(t, matched)

	matched, err = matchClauseNoSegments(clause, outsider)
	assert.NoError(t, err)
	assert.False(t, matched)
}

func TestClauseOnKindMatchesAcrossAllKinds(t *testing.T) {
	t.Parallel()
	clause := &model.Clause{Attribute: "kind", Op: model.OperatorIn, Values: []any{"org"}}
	multi := evalcontext.NewMulti(
		evalcontext.New("u1"),
		evalcontext.NewWithKind("org", "acme"),
	)
	userOnly := evalcontext.New("u1")

	matched, err := matchClauseNoSegments(clause, multi)
	assert.NoError(t, err)
	assert.True(t, matched)

	matched, err = matchClauseNoSegments(clause, userOnly)
	assert.NoError(t, err)
	assert.False(t, matched)
}

func TestClauseScopedToKindReadsThatContext(t *testing.T) {
	t.Parallel()
	clause := &model.Clause{
		ContextKind: "org",
		Attribute:   "tier",
		Op:          model.OperatorIn,
		Values:      []any{"enterprise"},
	}
	org := evalcontext.NewBuilder("acme").Kind("org").SetString("tier", "enterprise").Build()
	user := evalcontext.NewBuilder("u1").SetString("tier", "enterprise").Build()

	matched, err := matchClauseNoSegments(clause, evalcontext.NewMulti(user, org))
	assert.NoError(t, err)
	assert.True(t, matched)

	// A user-only context has no org kind, so the clause cannot match even
	// though the user carries the attribute.
	matched, err = matchClauseNoSegments(clause, user)
	assert.NoError(t, err)
	assert.False(t, matched)
}

func TestClauseSlashPathReference(t *testing.T) {
	t.Parallel()
	clause := &model.Clause{Attribute: "/address/city", Op: model.OperatorIn, Values: []any{"Recife"}}
	context := evalcontext.NewBuilder("key").
		SetValue("address", map[string]any{"city": "Recife", "country": "BR"}).Build()

	matched, err := matchClauseNoSegments(clause, context)
	assert.NoError(t, err)
	assert.True(t, matched)
}

func TestClauseInvalidAttributeReferenceIsError(t *testing.T) {
	t.Parallel()
	clause := &model.Clause{Attribute: "//", Op: model.OperatorIn, Values: []any{"x"}}
	_, err := matchClauseNoSegments(clause, evalcontext.New("key"))
	assert.Error(t, err)
}
