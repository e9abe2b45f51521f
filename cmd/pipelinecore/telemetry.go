package main

import (
	"context"

	"goa.design/clue/log"

	"goa.design/pipeline-core/internal/telemetry"
)

// setupTelemetry builds the run's base context and the Logger/Metrics/
// Tracer triple every component is constructed with, selected by
// g.telemetry. "clue" follows the same log.Context/log.WithFormat/
// log.WithDebug wiring as a Goa-generated service's cmd/<svc>/main.go; the
// OTEL MeterProvider/TracerProvider clue.ConfigureOpenTelemetry installs is
// assumed configured by the surrounding deployment, not by this CLI.
func setupTelemetry(ctx context.Context, g globalFlags) (context.Context, telemetry.Logger, telemetry.Metrics, telemetry.Tracer) {
	if g.telemetry != "clue" {
		return ctx, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if g.debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx, telemetry.NewClueLogger(), telemetry.NewClueMetrics(), telemetry.NewClueTracer()
}
