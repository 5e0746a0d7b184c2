package resource

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryCreateDisposesOnce(t *testing.T) {
	disposed := 0
	r, err := TryCreate(
		func() (int, error) { return 42, nil },
		func(int) error { disposed++; return nil },
	)
	require.NoError(t, err)
	assert.Equal(t, 42, r.Value())

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
	assert.Equal(t, 1, disposed)
}

func TestTryCreateFactoryError(t *testing.T) {
	disposed := false
	_, err := TryCreate(
		func() (int, error) { return 0, errors.New("nope") },
		func(int) error { disposed = true; return nil },
	)
	require.Error(t, err)
	assert.False(t, disposed, "disposer must not run for a failed factory")
}

func TestTryCreateFactoryPanic(t *testing.T) {
	r, err := TryCreate(
		func() (int, error) { panic("native call blew up") },
		func(int) error { return nil },
	)
	require.Error(t, err)
	assert.Nil(t, r)
	assert.Contains(t, err.Error(), "native call blew up")
}

func TestApplyKeepsOwnership(t *testing.T) {
	disposed := false
	r := New("value", func(string) error { disposed = true; return nil })

	got, err := Apply(r, func(s string) (int, error) { return len(s), nil })
	require.NoError(t, err)
	assert.Equal(t, 5, got)
	assert.False(t, disposed)

	require.NoError(t, r.Release())
	assert.True(t, disposed)
}

func TestBindReleasesBothInReverseOrder(t *testing.T) {
	var order []string
	first := New("first", func(string) error {
		order = append(order, "first")
		return nil
	})

	combined, err := Bind(first, func(s string) (*Resource[int], error) {
		return New(len(s), func(int) error {
			order = append(order, "second")
			return nil
		}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, combined.Value())

	require.NoError(t, combined.Release())
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestBindUnwindsOnFailure(t *testing.T) {
	released := false
	first := New(1, func(int) error { released = true; return nil })

	_, err := Bind(first, func(int) (*Resource[int], error) {
		return nil, errors.New("second step failed")
	})
	require.Error(t, err)
	assert.True(t, released, "first resource must be released when the next step fails")
}

func TestBindUnwindsOnPanic(t *testing.T) {
	released := false
	first := New(1, func(int) error { released = true; return nil })

	_, err := Bind(first, func(int) (*Resource[int], error) {
		panic("mapping failed hard")
	})
	require.Error(t, err)
	assert.True(t, released)
}

func TestCombineReleasesInReverseOrder(t *testing.T) {
	var order []int
	rs := make([]*Resource[int], 3)
	for i := range rs {
		i := i
		rs[i] = New(i, func(int) error {
			order = append(order, i)
			return nil
		})
	}

	unit := Combine(rs...)
	assert.Equal(t, []int{0, 1, 2}, unit.Value())

	require.NoError(t, unit.Release())
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestCombineJoinsDisposeErrors(t *testing.T) {
	bad := New(1, func(int) error { return errors.New("dispose failed") })
	good := New(2, func(int) error { return nil })

	err := Combine(bad, good).Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispose failed")
}

func TestTryCreateAllPartialFailure(t *testing.T) {
	var released []int
	factory := func(id int, fail bool) func() (*Resource[int], error) {
		return func() (*Resource[int], error) {
			if fail {
				return nil, fmt.Errorf("factory %d failed", id)
			}
			return New(id, func(int) error {
				released = append(released, id)
				return nil
			}), nil
		}
	}

	_, err := TryCreateAll(
		factory(0, false),
		factory(1, true),
		factory(2, false),
		factory(3, true),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "factory 1 failed")
	assert.Contains(t, err.Error(), "factory 3 failed")
	assert.Equal(t, []int{2, 0}, released, "acquired resources release in reverse order")
}

func TestTryCreateAllSuccess(t *testing.T) {
	var released []int
	mk := func(id int) func() (*Resource[int], error) {
		return func() (*Resource[int], error) {
			return New(id, func(int) error {
				released = append(released, id)
				return nil
			}), nil
		}
	}

	unit, err := TryCreateAll(mk(10), mk(11))
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11}, unit.Value())
	require.NoError(t, unit.Release())
	assert.Equal(t, []int{11, 10}, released)
}
