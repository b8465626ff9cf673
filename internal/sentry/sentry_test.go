package sentry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EmptyDSNDisablesReporting(t *testing.T) {
	require.NoError(t, Init(Config{}, "dev"))
	assert.False(t, Enabled())

	// Without a client these are no-ops.
	CaptureError(errors.New("boom"), map[string]string{"component": "test"})
	Flush(0)
}

func TestInit_InvalidDSN(t *testing.T) {
	err := Init(Config{DSN: "::not a dsn"}, "dev")
	assert.Error(t, err)
}
