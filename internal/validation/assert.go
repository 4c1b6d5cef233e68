// Package validation provides constructor-time contract checks.
package validation

import "fmt"

// AssertNotNil panics if the provided pointer is nil. It is used in
// constructors where a dependency is mandatory, so that a wiring mistake
// fails at startup rather than on the first evaluation.
//
// Usage:
//
//	validation.AssertNotNil(store, "data store")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("bifrost: %s cannot be nil", name))
	}
}

// AssertNotEmpty panics if the provided string is empty. Used for mandatory
// identifiers such as the SDK key.
func AssertNotEmpty(s, name string) {
	if s == "" {
		panic(fmt.Sprintf("bifrost: %s cannot be empty", name))
	}
}
