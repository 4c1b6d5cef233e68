package evalcontext

import (
	"fmt"
	"strings"
)

// Ref is a parsed reference to a context attribute. Two syntaxes are
// accepted:
//
//   - a plain attribute name, such as "email", referencing a top-level
//     attribute (a plain name may contain slashes only if it does not start
//     with one);
//   - a slash-delimited path, such as "/address/city", referencing a value
//     nested inside JSON-object attributes. Within path components, "~1"
//     escapes "/" and "~0" escapes "~" (JSON Pointer escaping).
//
// A Ref is immutable after creation. Parse errors are carried in the value
// and reported by Err rather than failing construction, so that a malformed
// reference inside flag data degrades to a non-match instead of a crash.
type Ref struct {
	raw        string
	err        error
	components []string
}

// NewRef parses an attribute reference from its string form.
func NewRef(raw string) Ref {
	if raw == "" || raw == "/" {
		return Ref{raw: raw, err: fmt.Errorf("attribute reference cannot be empty")}
	}
	if !strings.HasPrefix(raw, "/") {
		return Ref{raw: raw, components: []string{raw}}
	}
	parts := strings.Split(raw[1:], "/")
	components := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return Ref{raw: raw, err: fmt.Errorf("attribute reference %q has a double or trailing slash", raw)}
		}
		unescaped, err := unescapeRefComponent(p)
		if err != nil {
			return Ref{raw: raw, err: err}
		}
		components = append(components, unescaped)
	}
	return Ref{raw: raw, components: components}
}

// NewLiteralRef creates a Ref that always refers to the top-level attribute
// with exactly the given name, even if the name starts with a slash.
func NewLiteralRef(name string) Ref {
	if name == "" {
		return Ref{raw: name, err: fmt.Errorf("attribute name cannot be empty")}
	}
	return Ref{raw: name, components: []string{name}}
}

// Err returns nil if the reference parsed successfully.
func (r Ref) Err() error { return r.err }

// IsDefined reports whether the reference is non-empty and well-formed.
func (r Ref) IsDefined() bool { return r.err == nil && len(r.components) > 0 }

// String returns the original string form of the reference.
func (r Ref) String() string { return r.raw }

// Depth returns the number of path components (1 for a plain name).
func (r Ref) Depth() int { return len(r.components) }

// Component returns the path component at the given index, or "" if out of
// range.
func (r Ref) Component(i int) string {
	if i < 0 || i >= len(r.components) {
		return ""
	}
	return r.components[i]
}

func unescapeRefComponent(s string) (string, error) {
	if !strings.Contains(s, "~") {
		return s, nil
	}
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '~' {
			out.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("attribute reference component %q has a dangling ~", s)
		}
		switch s[i+1] {
		case '0':
			out.WriteByte('~')
		case '1':
			out.WriteByte('/')
		default:
			return "", fmt.Errorf("attribute reference component %q has an invalid escape", s)
		}
		i++
	}
	return out.String(), nil
}
