// Package resource provides scoped-acquisition combinators: fallible
// construction with guaranteed disposal, chaining that unwinds earlier
// acquisitions when a later step fails, and batch aggregation with
// reverse-order release. Providers use them on every multi-step native
// setup path; callers use them to compose resources of their own.
package resource

import (
	"errors"
	"fmt"
	"sync"
)

// Resource couples an acquired value with the disposer that releases
// it. The disposer runs at most once regardless of how many paths
// call Release.
type Resource[T any] struct {
	value   T
	dispose func(T) error
	once    sync.Once
}

// New wraps an already-acquired value with its disposer. A nil
// disposer makes Release a no-op.
func New[T any](value T, dispose func(T) error) *Resource[T] {
	return &Resource[T]{value: value, dispose: dispose}
}

// Value returns the held value without transferring ownership.
func (r *Resource[T]) Value() T { return r.value }

// Release runs the disposer. Only the first call does work; later
// calls return nil.
func (r *Resource[T]) Release() error {
	var err error
	r.once.Do(func() {
		if r.dispose != nil {
			err = r.dispose(r.value)
		}
	})
	return err
}

// TryCreate invokes factory and couples the produced value with
// dispose. On factory failure, including a panic, no resource exists
// and nothing is left to release.
func TryCreate[T any](factory func() (T, error), dispose func(T) error) (r *Resource[T], err error) {
	defer func() {
		if p := recover(); p != nil {
			r = nil
			err = fmt.Errorf("resource factory panic: %v", p)
		}
	}()
	value, err := factory()
	if err != nil {
		return nil, err
	}
	return New(value, dispose), nil
}

// Apply runs f against the resource's value without transferring
// ownership; the resource stays live afterward.
func Apply[T, U any](r *Resource[T], f func(T) (U, error)) (U, error) {
	return f(r.value)
}

// Bind produces a dependent resource from r's value. If next fails,
// or panics, r is released before the error is returned. On success
// the returned resource owns both: releasing it disposes the
// dependent value first, then r.
func Bind[T, U any](r *Resource[T], next func(T) (*Resource[U], error)) (out *Resource[U], err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = errors.Join(fmt.Errorf("resource bind panic: %v", p), r.Release())
		}
	}()
	nr, err := next(r.value)
	if err != nil {
		return nil, errors.Join(err, r.Release())
	}
	return New(nr.Value(), func(U) error {
		return errors.Join(nr.Release(), r.Release())
	}), nil
}

// Combine aggregates acquired resources into one unit whose release
// disposes all of them in reverse-acquisition order.
func Combine[T any](rs ...*Resource[T]) *Resource[[]T] {
	values := make([]T, len(rs))
	for i, r := range rs {
		values[i] = r.Value()
	}
	return New(values, func([]T) error {
		var err error
		for i := len(rs) - 1; i >= 0; i-- {
			err = errors.Join(err, rs[i].Release())
		}
		return err
	})
}

// TryCreateAll attempts every factory, then either combines the full
// batch or, when any factory failed, releases the acquired resources
// in reverse order and reports every failure joined together. A
// partial batch never leaks.
func TryCreateAll[T any](factories ...func() (*Resource[T], error)) (*Resource[[]T], error) {
	var errs error
	acquired := make([]*Resource[T], 0, len(factories))
	for _, f := range factories {
		r, err := f()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		acquired = append(acquired, r)
	}
	if errs != nil {
		for i := len(acquired) - 1; i >= 0; i-- {
			errs = errors.Join(errs, acquired[i].Release())
		}
		return nil, errs
	}
	return Combine(acquired...), nil
}
