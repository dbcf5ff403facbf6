// Package observe provides application-wide observability primitives for
// Linguavox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the API can serve them on
// /metrics. A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Linguavox metrics.
const meterName = "github.com/MrWong99/linguavox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// PronunciationDuration tracks one pronunciation assessment, from
	// handle acquisition to release.
	PronunciationDuration metric.Float64Histogram

	// ClassifyDuration tracks turn action classification latency.
	ClassifyDuration metric.Float64Histogram

	// FeedbackDuration tracks per-turn feedback generation latency.
	FeedbackDuration metric.Float64Histogram

	// ReportDuration tracks end-of-session report aggregation latency.
	ReportDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Turns counts turns appended to session transcripts. Use with
	// attributes: attribute.String("mode", ...), attribute.String("role", ...)
	Turns metric.Int64Counter

	// SchemaViolations counts structured provider outputs rejected by
	// validation. Use with attribute: attribute.String("record", ...)
	SchemaViolations metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// StoreFailures counts failed session persistence attempts.
	StoreFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live session controllers.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech assessment and LLM round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.PronunciationDuration, "linguavox.pronunciation.duration", "Latency of pronunciation assessment."},
		{&met.ClassifyDuration, "linguavox.classify.duration", "Latency of turn action classification."},
		{&met.FeedbackDuration, "linguavox.feedback.duration", "Latency of per-turn feedback generation."},
		{&met.ReportDuration, "linguavox.report.duration", "Latency of session report aggregation."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("linguavox.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("linguavox.turns",
		metric.WithDescription("Total appended turns by session mode and role."),
	); err != nil {
		return nil, err
	}
	if met.SchemaViolations, err = m.Int64Counter("linguavox.schema_violations",
		metric.WithDescription("Total provider outputs rejected by schema validation."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("linguavox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.StoreFailures, err = m.Int64Counter("linguavox.store.failures",
		metric.WithDescription("Total failed session store writes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("linguavox.active_sessions",
		metric.WithDescription("Number of live session controllers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("linguavox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one appended turn.
func (m *Metrics) RecordTurn(ctx context.Context, mode, role string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("role", role),
		),
	)
}

// RecordSchemaViolation records one rejected structured output.
func (m *Metrics) RecordSchemaViolation(ctx context.Context, record string) {
	m.SchemaViolations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("record", record)),
	)
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(ctx context.Context, h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}
