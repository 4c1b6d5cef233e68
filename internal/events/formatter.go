package events

import (
	"github.com/rafaeljc/bifrost/evalcontext"
)

// contextFormatter produces the JSON form of a context for event payloads,
// applying private attribute redaction. Redacted attribute references are
// listed under _meta.redactedAttributes so the service can show that a value
// existed without ever receiving it.
type contextFormatter struct {
	allAttributesPrivate bool
	privateAttributes    []evalcontext.Ref
}

func newContextFormatter(allPrivate bool, private []evalcontext.Ref) *contextFormatter {
	return &contextFormatter{
		allAttributesPrivate: allPrivate,
		privateAttributes:    private,
	}
}

// format returns a JSON-marshalable representation of the context.
func (f *contextFormatter) format(context evalcontext.Context) any {
	if !context.Multiple() {
		return f.formatSingle(context)
	}
	out := map[string]any{"kind": string(evalcontext.MultiKind)}
	for _, individual := range context.IndividualContexts() {
		single := f.formatSingle(individual)
		delete(single, "kind")
		out[string(individual.Kind())] = single
	}
	return out
}

func (f *contextFormatter) formatSingle(context evalcontext.Context) map[string]any {
	out := map[string]any{
		"kind": string(context.Kind()),
		"key":  context.Key(),
	}
	if context.Anonymous() {
		out["anonymous"] = true
	}

	var redacted []string
	setOrRedact := func(name string, value any) {
		if f.allAttributesPrivate || f.isWholeAttributePrivate(context, name) {
			redacted = append(redacted, evalcontext.NewLiteralRef(name).String())
			return
		}
		value, nested := f.redactNested(context, name, value)
		redacted = append(redacted, nested...)
		out[name] = value
	}

	if name, ok := context.Name(); ok {
		setOrRedact("name", name)
	}
	for _, attr := range context.AttributeNames() {
		if value, ok := context.GetValue(evalcontext.NewLiteralRef(attr)); ok {
			setOrRedact(attr, value)
		}
	}

	if len(redacted) > 0 {
		out["_meta"] = map[string]any{"redactedAttributes": redacted}
	}
	return out
}

// isWholeAttributePrivate reports whether a single-component reference marks
// the entire attribute private, from either the global configuration or the
// context's own private list.
func (f *contextFormatter) isWholeAttributePrivate(context evalcontext.Context, name string) bool {
	for _, ref := range f.privateAttributes {
		if ref.Depth() == 1 && ref.Component(0) == name {
			return true
		}
	}
	for _, ref := range context.PrivateAttributes() {
		if ref.Depth() == 1 && ref.Component(0) == name {
			return true
		}
	}
	return false
}

// redactNested removes private sub-properties from an object-valued
// attribute, returning the (possibly copied and pruned) value and the
// references that were removed. References pointing into non-object values
// are ignored, matching how lookup would fail on them.
func (f *contextFormatter) redactNested(context evalcontext.Context, name string, value any) (any, []string) {
	refs := make([]evalcontext.Ref, 0, len(f.privateAttributes)+len(context.PrivateAttributes()))
	refs = append(refs, f.privateAttributes...)
	refs = append(refs, context.PrivateAttributes()...)

	var redacted []string
	for _, ref := range refs {
		if ref.Depth() < 2 || ref.Component(0) != name {
			continue
		}
		pruned, ok := pruneRef(value, ref, 1)
		if ok {
			value = pruned
			redacted = append(redacted, ref.String())
		}
	}
	return value, redacted
}

// pruneRef removes the property addressed by ref[depth:] from a copy of the
// value. It reports whether the property existed.
func pruneRef(value any, ref evalcontext.Ref, depth int) (any, bool) {
	object, ok := value.(map[string]any)
	if !ok {
		return value, false
	}
	component := ref.Component(depth)
	inner, ok := object[component]
	if !ok {
		return value, false
	}

	copied := make(map[string]any, len(object))
	for k, v := range object {
		copied[k] = v
	}
	if depth == ref.Depth()-1 {
		delete(copied, component)
		return copied, true
	}
	prunedInner, ok := pruneRef(inner, ref, depth+1)
	if !ok {
		return value, false
	}
	copied[component] = prunedInner
	return copied, true
}

// contextKeys returns the kind-to-key map used by feature and custom events,
// which identify the context without repeating its attributes.
func contextKeys(context evalcontext.Context) map[string]string {
	out := make(map[string]string, context.IndividualContextCount())
	for _, individual := range context.IndividualContexts() {
		out[string(individual.Kind())] = individual.Key()
	}
	return out
}
