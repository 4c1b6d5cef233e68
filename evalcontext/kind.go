package evalcontext

import "fmt"

// Kind classifies the entity a context describes, such as "user", "org" or
// "device". Flag rules and targets may be scoped to a specific kind.
type Kind string

const (
	// DefaultKind is the kind assumed when a context does not specify one.
	DefaultKind Kind = "user"

	// MultiKind is the synthetic kind reported by a multi-context. It is not a
	// valid kind for an individual context.
	MultiKind Kind = "multi"
)

// Validate checks that the kind is usable for an individual context: it must
// be non-empty, must not be a reserved word, and may only contain letters,
// digits, '.', '_' and '-'.
func (k Kind) Validate() error {
	switch k {
	case "":
		return fmt.Errorf("context kind cannot be empty")
	case "kind":
		return fmt.Errorf(`"kind" is not a valid context kind`)
	case MultiKind:
		return fmt.Errorf(`"multi" is not a valid kind for an individual context`)
	}
	for _, ch := range k {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.', ch == '_', ch == '-':
		default:
			return fmt.Errorf("context kind contains disallowed character %q", ch)
		}
	}
	return nil
}
