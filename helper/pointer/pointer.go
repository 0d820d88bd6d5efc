// Package pointer provides helpers for working with Go pointers.
package pointer

// Of returns a pointer to the given value.
func Of[A any](a A) *A {
	return &a
}
