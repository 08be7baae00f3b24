package plume

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const otelName = "github.com/akmonengine/plume"

var (
	metricsOnce sync.Once

	tracer trace.Tracer

	broadphaseCandidates metric.Int64Counter
	narrowphaseTests     metric.Int64Counter
	narrowphaseResults   metric.Int64Counter
	ghostBytes           metric.Int64Counter
	stageDuration        metric.Float64Histogram
)

// initMetrics binds the package instruments to the globally registered
// providers. Without an SDK installed they are no-ops, so the library never
// forces a telemetry pipeline on its callers.
func initMetrics() {
	metricsOnce.Do(func() {
		tracer = otel.Tracer(otelName)
		meter := otel.Meter(otelName)

		broadphaseCandidates, _ = meter.Int64Counter("plume.broadphase.candidates",
			metric.WithDescription("Candidate patch pairs found by broadphase traversal"))
		narrowphaseTests, _ = meter.Int64Counter("plume.narrowphase.tests",
			metric.WithDescription("Exact tests run on ghosted candidate pairs"))
		narrowphaseResults, _ = meter.Int64Counter("plume.narrowphase.results",
			metric.WithDescription("Hits reported by exact tests"))
		ghostBytes, _ = meter.Int64Counter("plume.ghost.bytes",
			metric.WithDescription("Payload bytes sent to narrowphase actors"),
			metric.WithUnit("By"))
		stageDuration, _ = meter.Float64Histogram("plume.stage.duration",
			metric.WithDescription("Stage latency from readiness to completion"),
			metric.WithUnit("s"))
	})
}
