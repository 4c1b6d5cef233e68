package evalcontext

import "errors"

var errEmptyKey = errors.New("context key cannot be empty")

// Builder constructs an individual Context. Builders are mutable; Build
// produces an immutable snapshot, so a builder may be reused afterwards
// without aliasing the contexts it already produced.
type Builder struct {
	kind         Kind
	key          string
	name         string
	hasName      bool
	anonymous    bool
	attributes   map[string]any
	privateAttrs []Ref
}

// NewBuilder returns a Builder for an individual context with the given key
// and the default kind "user".
func NewBuilder(key string) *Builder {
	return &Builder{kind: DefaultKind, key: key}
}

// Kind sets the context kind.
func (b *Builder) Kind(kind Kind) *Builder {
	b.kind = kind
	return b
}

// Key replaces the context key.
func (b *Builder) Key(key string) *Builder {
	b.key = key
	return b
}

// Name sets the context's name attribute.
func (b *Builder) Name(name string) *Builder {
	b.name = name
	b.hasName = true
	return b
}

// Anonymous marks the context as anonymous. Anonymous contexts are excluded
// from index events so that transient identities do not inflate analytics.
func (b *Builder) Anonymous(anonymous bool) *Builder {
	b.anonymous = anonymous
	return b
}

// SetString sets a string-valued custom attribute.
func (b *Builder) SetString(name string, value string) *Builder {
	return b.SetValue(name, value)
}

// SetInt sets an integer-valued custom attribute.
func (b *Builder) SetInt(name string, value int) *Builder {
	return b.SetValue(name, value)
}

// SetFloat64 sets a float-valued custom attribute.
func (b *Builder) SetFloat64(name string, value float64) *Builder {
	return b.SetValue(name, value)
}

// SetBool sets a boolean-valued custom attribute.
func (b *Builder) SetBool(name string, value bool) *Builder {
	return b.SetValue(name, value)
}

// SetValue sets a custom attribute of any JSON-compatible type (string,
// numeric, bool, nil, []any, map[string]any). Setting the built-in names
// "kind", "key", "name" or "anonymous" redirects to the corresponding
// builder method when the value has the right type and is otherwise a no-op.
// Setting a nil value removes the attribute.
func (b *Builder) SetValue(name string, value any) *Builder {
	switch name {
	case "":
		return b
	case "kind":
		if s, ok := value.(string); ok {
			return b.Kind(Kind(s))
		}
		return b
	case "key":
		if s, ok := value.(string); ok {
			return b.Key(s)
		}
		return b
	case "name":
		if s, ok := value.(string); ok {
			return b.Name(s)
		}
		return b
	case "anonymous":
		if v, ok := value.(bool); ok {
			return b.Anonymous(v)
		}
		return b
	}
	if value == nil {
		delete(b.attributes, name)
		return b
	}
	if b.attributes == nil {
		b.attributes = make(map[string]any)
	}
	b.attributes[name] = value
	return b
}

// Private marks attribute references as private: they are redacted from
// analytics events but remain fully available for flag evaluation. Each
// string is parsed as an attribute reference, so slash paths can redact
// values nested inside object attributes.
func (b *Builder) Private(refs ...string) *Builder {
	for _, r := range refs {
		b.privateAttrs = append(b.privateAttrs, NewRef(r))
	}
	return b
}

// PrivateRef is like Private but takes pre-parsed references.
func (b *Builder) PrivateRef(refs ...Ref) *Builder {
	b.privateAttrs = append(b.privateAttrs, refs...)
	return b
}

// Build validates the accumulated state and returns a Context. Validation
// failures produce an invalid Context (see Context.Err) rather than an
// error return.
func (b *Builder) Build() Context {
	if err := b.kind.Validate(); err != nil {
		return Context{err: err}
	}
	if b.key == "" {
		return Context{err: errEmptyKey}
	}
	c := Context{
		kind:      b.kind,
		key:       b.key,
		name:      b.name,
		hasName:   b.hasName,
		anonymous: b.anonymous,
	}
	if len(b.attributes) > 0 {
		c.attributes = make(map[string]any, len(b.attributes))
		for k, v := range b.attributes {
			c.attributes[k] = v
		}
	}
	if len(b.privateAttrs) > 0 {
		c.privateAttrs = make([]Ref, len(b.privateAttrs))
		copy(c.privateAttrs, b.privateAttrs)
	}
	if b.kind == DefaultKind {
		c.fullyQualified = b.key
	} else {
		c.fullyQualified = string(b.kind) + ":" + escapeKeyForFullyQualified(b.key)
	}
	return c
}
