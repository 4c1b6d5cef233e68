package evaluation

// NoVariation is the variation index reported when evaluation did not select
// any of the flag's variations (the default value was used).
const NoVariation = -1

// Detail is the full result of a single flag evaluation: the resolved value,
// the index of the variation that produced it, and the reason. A Detail is
// produced fresh per evaluation and is immutable by convention.
type Detail struct {
	// Value is the resolved flag value, or the caller's default on error.
	Value any

	// VariationIndex is the index of the selected variation within the
	// flag's variation list, or NoVariation when the default value applied.
	VariationIndex int

	// Reason explains which branch of the evaluation produced the result.
	Reason Reason
}

// NewDetail constructs a Detail for a successfully selected variation.
func NewDetail(value any, variationIndex int, reason Reason) Detail {
	return Detail{Value: value, VariationIndex: variationIndex, Reason: reason}
}

// NewErrorDetail constructs a Detail for a failed evaluation carrying the
// caller-supplied default value.
func NewErrorDetail(errorKind ErrorKind, defaultValue any) Detail {
	return Detail{Value: defaultValue, VariationIndex: NoVariation, Reason: NewErrorReason(errorKind)}
}

// IsDefaultValue reports whether the caller's default value was used.
func (d Detail) IsDefaultValue() bool { return d.VariationIndex == NoVariation }
