// Package observe provides application-wide observability primitives for
// voxcoach: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxcoach metrics.
const meterName = "github.com/voxcoach/voxcoach"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// UploadDuration tracks utterance transcription upload latency.
	UploadDuration metric.Float64Histogram

	// CoachDuration tracks coaching (LLM) request latency.
	CoachDuration metric.Float64Histogram

	// HTTPRequestDuration tracks API request latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram

	// BatchFlushes counts batcher flushes. Attribute: status (ok|error).
	BatchFlushes metric.Int64Counter

	// BatchedTexts records how many queued texts each flush combined.
	BatchedTexts metric.Int64Histogram

	// UtterancesDropped counts segments discarded without upload.
	// Attribute: reason (too_small|unvoiced).
	UtterancesDropped metric.Int64Counter

	// StaleCompletions counts async completions discarded because their
	// generation no longer matched the live session.
	StaleCompletions metric.Int64Counter

	// SessionSaves counts debounced persistence writes. Attribute: status.
	SessionSaves metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given provider.
// Pass otel.GetMeterProvider() for production use.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.UploadDuration, err = meter.Float64Histogram(
		"voxcoach_upload_duration_seconds",
		metric.WithDescription("Utterance transcription upload latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.CoachDuration, err = meter.Float64Histogram(
		"voxcoach_coach_duration_seconds",
		metric.WithDescription("Coaching request latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"voxcoach_http_request_duration_seconds",
		metric.WithDescription("API request latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.BatchFlushes, err = meter.Int64Counter(
		"voxcoach_batch_flushes_total",
		metric.WithDescription("Batcher flushes by status"),
	); err != nil {
		return nil, err
	}

	if m.BatchedTexts, err = meter.Int64Histogram(
		"voxcoach_batched_texts",
		metric.WithDescription("Queued texts combined per flush"),
	); err != nil {
		return nil, err
	}

	if m.UtterancesDropped, err = meter.Int64Counter(
		"voxcoach_utterances_dropped_total",
		metric.WithDescription("Segments discarded without upload, by reason"),
	); err != nil {
		return nil, err
	}

	if m.StaleCompletions, err = meter.Int64Counter(
		"voxcoach_stale_completions_total",
		metric.WithDescription("Async completions discarded after session clear or stop"),
	); err != nil {
		return nil, err
	}

	if m.SessionSaves, err = meter.Int64Counter(
		"voxcoach_session_saves_total",
		metric.WithDescription("Debounced session persistence writes by status"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide Metrics instance, creating it from
// the global meter provider on first use. Instrument creation errors are
// ignored here; the OTel SDK returns usable no-op instruments alongside them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, _ = NewMetrics(otel.GetMeterProvider())
		if defaultMetrics == nil {
			defaultMetrics = &Metrics{}
		}
	})
	return defaultMetrics
}

// StatusAttr returns the conventional status attribute for counters.
func StatusAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}

// RecordDuration is a small helper for recording a histogram value with
// attributes without repeating the option plumbing at every call site.
func RecordDuration(ctx context.Context, h metric.Float64Histogram, seconds float64, attrs ...attribute.KeyValue) {
	if h == nil {
		return
	}
	h.Record(ctx, seconds, metric.WithAttributes(attrs...))
}
