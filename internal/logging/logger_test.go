package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		logger, err := New(Config{Level: level})
		require.NoError(t, err, "level %q", level)
		require.NoError(t, logger.Sync())
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestNopAndChildren(t *testing.T) {
	logger := Nop().Named("provider").With()
	// Must not panic and must accept writes.
	logger.Info("discarded")
	logger.Debug("discarded")
}
