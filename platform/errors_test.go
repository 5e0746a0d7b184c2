package platform

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("no such file or directory")
	err := NamedError(KindNotFound, "open_shared_memory", "scratch", cause)

	assert.Equal(t, `open_shared_memory "scratch": not_found: no such file or directory`, err.Error())
	assert.Equal(t, "map_memory: resource", NewError(KindResource, "map_memory", nil).Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(KindBroken, "read_named_pipe", cause)

	require.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("while draining: %w", err)
	var pe *Error
	require.ErrorAs(t, wrapped, &pe)
	assert.Equal(t, KindBroken, pe.Kind)
}

func TestKindPredicates(t *testing.T) {
	err := fmt.Errorf("outer: %w", Unsupported("create_named_pipe", Wasm))

	assert.True(t, IsUnsupported(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, KindUnsupported, ErrKind(err))
	assert.Equal(t, KindUnknown, ErrKind(errors.New("plain")))
	assert.Contains(t, err.Error(), "not supported on wasm")
}

func TestKindLabels(t *testing.T) {
	// Metric labels are derived from these strings; keep them stable.
	labels := map[Kind]string{
		KindUnknown:      "unknown",
		KindInvalidValue: "invalid_value",
		KindNotFound:     "not_found",
		KindResource:     "resource",
		KindAccess:       "access",
		KindBroken:       "broken",
		KindTimeout:      "timeout",
		KindInvalidState: "invalid_state",
		KindUnsupported:  "unsupported",
	}
	for kind, want := range labels {
		assert.Equal(t, want, kind.String())
	}
}

func TestCapabilityLabels(t *testing.T) {
	assert.Equal(t, "memory", CapMemory.String())
	assert.Equal(t, "ipc", CapIPC.String())
	assert.Equal(t, "network", CapNetwork.String())
	assert.Equal(t, "sync", CapSync.String())
}
