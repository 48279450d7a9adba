// Package telemetry builds the ambient logger and metrics provider shared
// by cmd/factgraphd's components (SPEC_FULL.md §2.1 AMBIENT STACK), grounded
// on malbeclabs/doublezero's telemetry services' newLogger construction
// (tint-over-slog, RFC3339-millis timestamps) and
// steveyegge/beads/internal/storage/dolt's otel metric-attribute usage.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewLogger builds the root *slog.Logger for the service, writing to stdout
// through tint with color always on (it does not check for a terminal),
// with millisecond-precision UTC timestamps.
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(t.Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return a
		},
	}))
}

// NewMeterProvider builds an OpenTelemetry meter provider that exports to
// stdout, sufficient for the in-process metrics this service records
// (ingest counters/histogram). A production deployment would substitute an
// OTLP exporter without changing any instrument call site.
func NewMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(60*time.Second))),
	)
	return mp, nil
}

// Shutdown flushes and stops a meter provider, used from cmd/factgraphd's
// deferred cleanup.
func Shutdown(ctx context.Context, mp *sdkmetric.MeterProvider) error {
	if mp == nil {
		return nil
	}
	return mp.Shutdown(ctx)
}

// Meter is a convenience accessor matching the otel/metric.Meter type
// ingest.NewMetrics expects.
func Meter(mp *sdkmetric.MeterProvider, name string) metric.Meter {
	return mp.Meter(name)
}
