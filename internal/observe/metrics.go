// Package observe provides the OpenTelemetry metrics for voicelane: pipeline
// stage latencies, token usage, call and campaign counters, and the
// Prometheus exporter bridge so everything stays scrapeable via /metrics.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// meterName is the instrumentation scope name used for all voicelane metrics.
const meterName = "github.com/voicelane/voicelane"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageTTFB tracks time-to-first-byte per pipeline stage. Use with
	// attribute.String("processor", ...).
	StageTTFB metric.Float64Histogram

	// CallDuration tracks completed call length by end reason.
	CallDuration metric.Float64Histogram

	// Tokens counts LLM token usage. Use with attribute.String("kind",
	// "prompt"|"completion").
	Tokens metric.Int64Counter

	// Calls counts call completions by end reason and disposition.
	Calls metric.Int64Counter

	// BatchesScheduled counts orchestrator batch dispatches.
	BatchesScheduled metric.Int64Counter

	// RunsClaimed counts queued runs claimed by the batch processor.
	RunsClaimed metric.Int64Counter

	// BreakerTrips counts circuit breaker openings.
	BreakerTrips metric.Int64Counter

	// ActiveCalls tracks live media pipelines in this process.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageTTFB, err = m.Float64Histogram("voicelane.stage.ttfb",
		metric.WithDescription("Time to first byte per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voicelane.call.duration",
		metric.WithDescription("Completed call length by end reason."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("voicelane.llm.tokens",
		metric.WithDescription("LLM token usage by kind."),
	); err != nil {
		return nil, err
	}
	if met.Calls, err = m.Int64Counter("voicelane.calls",
		metric.WithDescription("Call completions by end reason and disposition."),
	); err != nil {
		return nil, err
	}
	if met.BatchesScheduled, err = m.Int64Counter("voicelane.campaign.batches",
		metric.WithDescription("Orchestrator batch dispatches."),
	); err != nil {
		return nil, err
	}
	if met.RunsClaimed, err = m.Int64Counter("voicelane.campaign.runs_claimed",
		metric.WithDescription("Queued runs claimed by the batch processor."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTrips, err = m.Int64Counter("voicelane.campaign.breaker_trips",
		metric.WithDescription("Circuit breaker openings."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicelane.active_calls",
		metric.WithDescription("Live media pipelines in this process."),
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

var _ pipeline.MetricsSink = (*Metrics)(nil)

// ObserveTTFB records one pipeline stage's time to first byte.
func (m *Metrics) ObserveTTFB(processor string, d time.Duration) {
	m.StageTTFB.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String("processor", processor)))
}

// AddUsage records LLM token usage.
func (m *Metrics) AddUsage(u llm.Usage) {
	ctx := context.Background()
	m.Tokens.Add(ctx, int64(u.PromptTokens),
		metric.WithAttributes(attribute.String("kind", "prompt")))
	m.Tokens.Add(ctx, int64(u.CompletionTokens),
		metric.WithAttributes(attribute.String("kind", "completion")))
}

// RecordCall records one finished call.
func (m *Metrics) RecordCall(ctx context.Context, reason, disposition string, duration time.Duration) {
	m.Calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("end_reason", reason),
		attribute.String("disposition", disposition),
	))
	m.CallDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("end_reason", reason)))
}

// RecordBatch records one orchestrator batch dispatch and its claim count.
func (m *Metrics) RecordBatch(ctx context.Context, campaignID string, claimed int) {
	attrs := metric.WithAttributes(attribute.String("campaign_id", campaignID))
	m.BatchesScheduled.Add(ctx, 1, attrs)
	m.RunsClaimed.Add(ctx, int64(claimed), attrs)
}

// RecordBreakerTrip records one circuit breaker opening.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, campaignID string) {
	m.BreakerTrips.Add(ctx, 1,
		metric.WithAttributes(attribute.String("campaign_id", campaignID)))
}
