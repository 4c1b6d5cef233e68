package evalcontext_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/evalcontext"
)

func TestNewCreatesUserContext(t *testing.T) {
	t.Parallel()
	c := evalcontext.New("my-key")
	require.NoError(t, c.Err())
	assert.Equal(t, evalcontext.DefaultKind, c.Kind())
	assert.Equal(t, "my-key", c.Key())
	assert.False(t, c.Multiple())
	assert.Equal(t, "my-key", c.FullyQualifiedKey())
}

func TestNonUserKindQualifiesTheKey(t *testing.T) {
	t.Parallel()
	c := evalcontext.NewWithKind("org", "acme")
	require.NoError(t, c.Err())
	assert.Equal(t, "org:acme", c.FullyQualifiedKey())
}

func TestKeyEscapingInFullyQualifiedKey(t *testing.T) {
	t.Parallel()
	c := evalcontext.NewWithKind("org", "a:b%c")
	require.NoError(t, c.Err())
	assert.Equal(t, "org:a%3Ab%25c", c.FullyQualifiedKey())
}

func TestInvalidContexts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		context evalcontext.Context
	}{
		{"empty key", evalcontext.New("")},
		{"zero value", evalcontext.Context{}},
		{"kind multi", evalcontext.NewWithKind("multi", "key")},
		{"kind kind", evalcontext.NewWithKind("kind", "key")},
		{"kind with space", evalcontext.NewWithKind("bad kind", "key")},
		{"empty kind", evalcontext.NewBuilder("key").Kind("").Build()},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, tc.context.Err())
			assert.False(t, tc.context.IsDefined())
		})
	}
}

func TestBuilderAttributes(t *testing.T) {
	t.Parallel()
	c := evalcontext.NewBuilder("key").
		Name("Ada").
		Anonymous(true).
		SetString("email", "ada@example.com").
		SetInt("logins", 7).
		SetBool("beta", true).
		Build()
	require.NoError(t, c.Err())

	name, hasName := c.Name()
	assert.True(t, hasName)
	assert.Equal(t, "Ada", name)
	assert.True(t, c.Anonymous())
	assert.ElementsMatch(t, []string{"email", "logins", "beta"}, c.AttributeNames())
}

func TestSetValueRedirectsBuiltins(t *testing.T) {
	t.Parallel()
	c := evalcontext.NewBuilder("old").
		SetValue("key", "new").
		SetValue("kind", "device").
		SetValue("name", "Pixel").
		SetValue("anonymous", true).
		Build()
	require.NoError(t, c.Err())
	assert.Equal(t, "new", c.Key())
	assert.Equal(t, evalcontext.Kind("device"), c.Kind())
	name, _ := c.Name()
	assert.Equal(t, "Pixel", name)
	assert.True(t, c.Anonymous())
	assert.Empty(t, c.AttributeNames())
}

func TestSetValueNilRemovesAttribute(t *testing.T) {
	t.Parallel()
	c := evalcontext.NewBuilder("key").
		SetString("a", "1").
		SetValue("a", nil).
		Build()
	assert.Empty(t, c.AttributeNames())
}

func TestBuilderIsReusableWithoutAliasing(t *testing.T) {
	t.Parallel()
	b := evalcontext.NewBuilder("key").SetString("a", "1")
	first := b.Build()
	b.SetString("a", "2")
	second := b.Build()

	v1, _ := first.GetValue(evalcontext.NewRef("a"))
	v2, _ := second.GetValue(evalcontext.NewRef("a"))
	assert.Equal(t, "1", v1)
	assert.Equal(t, "2", v2)
}

func TestGetValue(t *testing.T) {
	t.Parallel()
	c := evalcontext.NewBuilder("key").
		Name("Ada").
		SetValue("address", map[string]any{"city": "Recife", "geo": map[string]any{"lat": -8.05}}).
		Build()

	tests := []struct {
		ref      string
		expected any
		found    bool
	}{
		{"kind", "user", true},
		{"key", "key", true},
		{"name", "Ada", true},
		{"anonymous", false, true},
		{"/address/city", "Recife", true},
		{"/address/geo/lat", -8.05, true},
		{"/address/missing", nil, false},
		{"missing", nil, false},
	}
	for _, tc := range tests {
		value, found := c.GetValue(evalcontext.NewRef(tc.ref))
		assert.Equal(t, tc.found, found, tc.ref)
		if tc.found {
			assert.Equal(t, tc.expected, value, tc.ref)
		}
	}

	// An unset name is absent rather than empty.
	noName := evalcontext.New("key")
	_, found := noName.GetValue(evalcontext.NewRef("name"))
	assert.False(t, found)
}

func TestMultiContext(t *testing.T) {
	t.Parallel()
	user := evalcontext.New("u1")
	org := evalcontext.NewWithKind("org", "acme")
	multi := evalcontext.NewMulti(org, user)
	require.NoError(t, multi.Err())

	assert.True(t, multi.Multiple())
	assert.Equal(t, evalcontext.MultiKind, multi.Kind())
	assert.Equal(t, 2, multi.IndividualContextCount())
	// Members sort by kind, so the qualified key is order independent.
	assert.Equal(t, "org:acme:user:u1", multi.FullyQualifiedKey())
	assert.Equal(t, multi.FullyQualifiedKey(), evalcontext.NewMulti(user, org).FullyQualifiedKey())
	assert.Equal(t, []evalcontext.Kind{"org", "user"}, multi.Kinds())

	found, ok := multi.IndividualContextByKind("org")
	require.True(t, ok)
	assert.Equal(t, "acme", found.Key())
	_, ok = multi.IndividualContextByKind("device")
	assert.False(t, ok)

	// Empty kind means the default kind.
	found, ok = multi.IndividualContextByKind("")
	require.True(t, ok)
	assert.Equal(t, "u1", found.Key())
}

func TestMultiContextValidation(t *testing.T) {
	t.Parallel()
	user := evalcontext.New("u1")
	org := evalcontext.NewWithKind("org", "acme")

	assert.Error(t, evalcontext.NewMulti().Err())
	assert.Error(t, evalcontext.NewMulti(user, evalcontext.New("u2")).Err())
	assert.Error(t, evalcontext.NewMulti(user, evalcontext.New("")).Err())
	assert.Error(t, evalcontext.NewMulti(evalcontext.NewMulti(user, org), evalcontext.NewWithKind("device", "d1")).Err())

	// A single-member multi collapses to the member itself.
	single := evalcontext.NewMulti(user)
	require.NoError(t, single.Err())
	assert.False(t, single.Multiple())
}

func TestPrivateAttributes(t *testing.T) {
	t.Parallel()
	c := evalcontext.NewBuilder("key").
		SetString("email", "ada@example.com").
		Private("email", "/address/city").
		Build()

	refs := c.PrivateAttributes()
	require.Len(t, refs, 2)
	assert.Equal(t, "email", refs[0].String())
	assert.Equal(t, "/address/city", refs[1].String())

	// Private attributes stay readable for evaluation.
	value, found := c.GetValue(evalcontext.NewRef("email"))
	assert.True(t, found)
	assert.Equal(t, "ada@example.com", value)
}

func TestRefParsing(t *testing.T) {
	t.Parallel()
	plain := evalcontext.NewRef("email")
	require.NoError(t, plain.Err())
	assert.Equal(t, 1, plain.Depth())

	path := evalcontext.NewRef("/a/b")
	require.NoError(t, path.Err())
	assert.Equal(t, 2, path.Depth())
	assert.Equal(t, "a", path.Component(0))
	assert.Equal(t, "b", path.Component(1))

	escaped := evalcontext.NewRef("/a~1b/c~0d")
	require.NoError(t, escaped.Err())
	assert.Equal(t, "a/b", escaped.Component(0))
	assert.Equal(t, "c~d", escaped.Component(1))

	for _, bad := range []string{"", "/", "//", "/a/", "/a~2", "/a~"} {
		assert.Error(t, evalcontext.NewRef(bad).Err(), bad)
	}

	// A literal ref never parses slashes.
	literal := evalcontext.NewLiteralRef("/weird/name")
	require.NoError(t, literal.Err())
	assert.Equal(t, 1, literal.Depth())
	assert.Equal(t, "/weird/name", literal.Component(0))
}
