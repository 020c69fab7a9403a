// Package locator breaks the Component -> BackendClient -> TableManager ->
// Component cycle spec.md §9's Design Notes call out: the startup schema
// check needs both a component's Definition and the backend's Maintenance
// facet, but neither package should hold a reference to the other.
// Locator is a named-provider registry resolved lazily, after every
// package has finished registering itself — so Component never carries a
// back-reference to a backend client, and the backend package never
// imports component. Grounded on
// infrastructure/database/generic_repository.go's generic-helper idiom,
// adapted from per-model CRUD helpers to a type-safe lookup-by-key table.
package locator

import "fmt"

// Locator holds named providers, each resolved on demand via Resolve.
// The provider map is not synchronized: Register and Resolve take no lock.
type Locator struct {
	providers map[string]interface{}
}

// New returns an empty Locator.
func New() *Locator {
	return &Locator{providers: make(map[string]interface{})}
}

// Register binds name to value, overwriting any prior binding. Intended
// to be called once per name during startup, before any Resolve.
func Register(l *Locator, name string, value interface{}) {
	l.providers[name] = value
}

// Resolve fetches a generically-typed value by name.
func Resolve[T any](l *Locator, name string) (T, error) {
	var zero T
	raw, ok := l.providers[name]
	if !ok {
		return zero, fmt.Errorf("locator: no provider registered for %q", name)
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("locator: provider %q is %T, not %T", name, raw, zero)
	}
	return typed, nil
}

// MustResolve is Resolve without the error return, for call sites that
// treat a missing/mistyped provider as a startup-time programming error.
func MustResolve[T any](l *Locator, name string) T {
	v, err := Resolve[T](l, name)
	if err != nil {
		panic(err)
	}
	return v
}
