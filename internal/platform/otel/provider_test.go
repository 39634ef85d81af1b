package otel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/louisbranch/offsync/internal/platform/otel"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("OFFSYNC_OTEL_ENDPOINT", "")
	t.Setenv("OFFSYNC_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupNoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("OFFSYNC_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("OFFSYNC_OTEL_ENABLED", "false")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so no export happens.
	t.Setenv("OFFSYNC_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("OFFSYNC_OTEL_ENABLED", "")
	t.Setenv("OFFSYNC_OTEL_SAMPLE_RATIO", "0.5")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsMalformedSettings(t *testing.T) {
	t.Setenv("OFFSYNC_OTEL_ENABLED", "sometimes")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	require.Error(t, err)
	require.NoError(t, shutdown(context.Background()))
}
