package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerRespectsVerboseLevel(t *testing.T) {
	quiet := NewLogger(false)
	require.False(t, quiet.Enabled(context.Background(), -4)) // slog.LevelDebug

	verbose := NewLogger(true)
	require.True(t, verbose.Enabled(context.Background(), -4))
}

func TestNewMeterProviderBuildsMeter(t *testing.T) {
	mp, err := NewMeterProvider()
	require.NoError(t, err)
	require.NotNil(t, mp)

	meter := Meter(mp, "factgraph/test")
	counter, err := meter.Int64Counter("factgraph.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, Shutdown(context.Background(), mp))
}

func TestShutdownHandlesNilProvider(t *testing.T) {
	require.NoError(t, Shutdown(context.Background(), nil))
}
