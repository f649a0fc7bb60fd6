package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestObserveTTFB(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.ObserveTTFB("llm_service", 120*time.Millisecond)

	rm := collect(t, reader)
	got := findMetric(rm, "voicelane.stage.ttfb")
	if got == nil {
		t.Fatal("stage ttfb histogram not recorded")
	}
	hist, ok := got.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("unexpected histogram data: %+v", got.Data)
	}
	if hist.DataPoints[0].Sum < 0.119 || hist.DataPoints[0].Sum > 0.121 {
		t.Errorf("ttfb sum = %v, want ~0.12", hist.DataPoints[0].Sum)
	}
}

func TestAddUsage(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.AddUsage(llm.Usage{PromptTokens: 100, CompletionTokens: 40})
	m.AddUsage(llm.Usage{PromptTokens: 50, CompletionTokens: 10})

	rm := collect(t, reader)
	got := findMetric(rm, "voicelane.llm.tokens")
	if got == nil {
		t.Fatal("token counter not recorded")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected counter data: %+v", got.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 200 {
		t.Errorf("token total = %d, want 200", total)
	}
}

func TestRecordCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordCall(context.Background(), "COMPLETED", "QUALIFIED", 90*time.Second)

	rm := collect(t, reader)
	if findMetric(rm, "voicelane.calls") == nil {
		t.Error("call counter not recorded")
	}
	if findMetric(rm, "voicelane.call.duration") == nil {
		t.Error("call duration histogram not recorded")
	}
}
