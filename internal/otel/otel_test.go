package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupOTelSDK_Disabled(t *testing.T) {
	shutdown, err := SetupOTelSDK(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupOTelSDK_Prometheus(t *testing.T) {
	shutdown, err := SetupOTelSDK(context.Background(), Config{Prometheus: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	// A second call is a no-op.
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, trace.ParentBased(trace.AlwaysSample()).Description(), sampler(0).Description())
	assert.Equal(t, trace.ParentBased(trace.AlwaysSample()).Description(), sampler(1).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
