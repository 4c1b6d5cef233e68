// Package evalcontext defines the Context type: the description of an
// evaluation subject (user, organization, device, ...) that feature flags are
// evaluated against.
//
// A Context is an immutable value. It is either an individual context with a
// single kind, or a multi-context grouping one individual context per kind.
// Invalid inputs do not panic or return errors from constructors; they
// produce an invalid Context whose Err method explains the problem, and flag
// evaluation against an invalid Context yields the default value.
package evalcontext

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Context describes an evaluation subject. The zero value is an invalid
// context; use New, NewWithKind, NewBuilder or NewMulti.
type Context struct {
	err            error
	kind           Kind
	key            string
	name           string
	hasName        bool
	anonymous      bool
	attributes     map[string]any
	privateAttrs   []Ref
	multiContexts  []Context
	fullyQualified string
}

// New creates an individual context of the default kind "user" with the
// given key and no other attributes.
func New(key string) Context {
	return NewWithKind(DefaultKind, key)
}

// NewWithKind creates an individual context of the given kind and key.
func NewWithKind(kind Kind, key string) Context {
	return NewBuilder(key).Kind(kind).Build()
}

// NewMulti creates a multi-context from the given individual contexts. There
// must be at least one, each must be valid, kinds must be unique, and none of
// them may itself be a multi-context. Passing a single context returns that
// context unchanged.
func NewMulti(contexts ...Context) Context {
	if len(contexts) == 0 {
		return Context{err: fmt.Errorf("multi-context must contain at least one context")}
	}
	if len(contexts) == 1 {
		return contexts[0]
	}
	members := make([]Context, len(contexts))
	copy(members, contexts)
	sort.Slice(members, func(i, j int) bool { return members[i].kind < members[j].kind })
	seen := make(map[Kind]struct{}, len(members))
	for _, c := range members {
		if c.err != nil {
			return Context{err: fmt.Errorf("multi-context member is invalid: %w", c.err)}
		}
		if c.Multiple() {
			return Context{err: fmt.Errorf("multi-context cannot contain another multi-context")}
		}
		if _, dup := seen[c.kind]; dup {
			return Context{err: fmt.Errorf("multi-context has more than one context of kind %q", c.kind)}
		}
		seen[c.kind] = struct{}{}
	}
	keys := make([]string, len(members))
	for i, c := range members {
		keys[i] = string(c.kind) + ":" + escapeKeyForFullyQualified(c.key)
	}
	return Context{
		kind:           MultiKind,
		multiContexts:  members,
		fullyQualified: strings.Join(keys, ":"),
	}
}

// Err returns nil if the context is valid, or an error describing why it is
// not. Evaluating flags against an invalid context always yields the default
// value with an error reason.
func (c Context) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.kind == "" {
		return fmt.Errorf("uninitialized context")
	}
	return nil
}

// IsDefined reports whether the context is valid.
func (c Context) IsDefined() bool { return c.Err() == nil }

// Kind returns the context's kind, or "multi" for a multi-context.
func (c Context) Kind() Kind { return c.kind }

// Key returns the context's key. It is "" for a multi-context.
func (c Context) Key() string { return c.key }

// Name returns the context's name attribute and whether one was set.
func (c Context) Name() (string, bool) { return c.name, c.hasName }

// Anonymous reports whether the context was marked anonymous.
func (c Context) Anonymous() bool { return c.anonymous }

// Multiple reports whether this is a multi-context.
func (c Context) Multiple() bool { return c.kind == MultiKind }

// IndividualContextCount returns the number of individual contexts: 1 for a
// valid individual context, or the member count for a multi-context.
func (c Context) IndividualContextCount() int {
	if c.Multiple() {
		return len(c.multiContexts)
	}
	if c.Err() != nil {
		return 0
	}
	return 1
}

// IndividualContexts returns the individual contexts in kind order. For an
// individual context it returns a one-element slice containing the context
// itself.
func (c Context) IndividualContexts() []Context {
	if c.Multiple() {
		out := make([]Context, len(c.multiContexts))
		copy(out, c.multiContexts)
		return out
	}
	if c.Err() != nil {
		return nil
	}
	return []Context{c}
}

// IndividualContextByKind returns the individual context of the given kind,
// if any. An empty kind means the default kind "user".
func (c Context) IndividualContextByKind(kind Kind) (Context, bool) {
	if kind == "" {
		kind = DefaultKind
	}
	if c.Multiple() {
		for _, m := range c.multiContexts {
			if m.kind == kind {
				return m, true
			}
		}
		return Context{}, false
	}
	if c.Err() == nil && c.kind == kind {
		return c, true
	}
	return Context{}, false
}

// Kinds returns the sorted kinds present in the context.
func (c Context) Kinds() []Kind {
	if c.Multiple() {
		out := make([]Kind, len(c.multiContexts))
		for i, m := range c.multiContexts {
			out[i] = m.kind
		}
		return out
	}
	if c.Err() != nil {
		return nil
	}
	return []Kind{c.kind}
}

// FullyQualifiedKey returns a string that uniquely identifies the context
// across kinds: the plain key for a "user" context, "kind:key" for any other
// individual kind, and the kind-sorted concatenation of those for a
// multi-context. Keys are escaped so that the result is unambiguous.
func (c Context) FullyQualifiedKey() string { return c.fullyQualified }

// GetValue resolves an attribute reference against this context. The
// built-in attributes "kind", "key", "name" and "anonymous" are addressable;
// any other name resolves within the custom attributes, descending into
// nested JSON objects for multi-component references. The second return
// value is false if the attribute is not present.
//
// For a multi-context, only "kind" is addressable.
func (c Context) GetValue(ref Ref) (any, bool) {
	if !ref.IsDefined() {
		return nil, false
	}
	if c.Multiple() {
		if ref.Depth() == 1 && ref.Component(0) == "kind" {
			return string(c.kind), true
		}
		return nil, false
	}
	first := ref.Component(0)
	var value any
	switch first {
	case "kind":
		value = string(c.kind)
	case "key":
		value = c.key
	case "name":
		if !c.hasName {
			return nil, false
		}
		value = c.name
	case "anonymous":
		value = c.anonymous
	default:
		v, ok := c.attributes[first]
		if !ok {
			return nil, false
		}
		value = v
	}
	for i := 1; i < ref.Depth(); i++ {
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = obj[ref.Component(i)]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// AttributeNames returns the names of the custom attributes set on an
// individual context, in no particular order.
func (c Context) AttributeNames() []string {
	if len(c.attributes) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.attributes))
	for name := range c.attributes {
		out = append(out, name)
	}
	return out
}

// PrivateAttributes returns the attribute references marked private on this
// individual context.
func (c Context) PrivateAttributes() []Ref {
	out := make([]Ref, len(c.privateAttrs))
	copy(out, c.privateAttrs)
	return out
}

func escapeKeyForFullyQualified(key string) string {
	if !strings.ContainsAny(key, "%:") {
		return key
	}
	return url.PathEscape(key)
}
