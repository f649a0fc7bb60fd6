package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// MetricsSink receives pipeline measurements. The observe package implements
// it over OpenTelemetry instruments; tests use an in-memory recorder.
type MetricsSink interface {
	ObserveTTFB(processor string, d time.Duration)
	AddUsage(u llm.Usage)
}

// MetricsAggregator is the tail stage that drains MetricsFrames into the
// sink and accumulates token usage for the run's final accounting.
type MetricsAggregator struct {
	sink MetricsSink

	mu    sync.Mutex
	usage llm.Usage
}

// NewMetricsAggregator builds the metrics tail. sink may be nil.
func NewMetricsAggregator(sink MetricsSink) *MetricsAggregator {
	return &MetricsAggregator{sink: sink}
}

func (m *MetricsAggregator) Name() string { return "metrics_aggregator" }

func (m *MetricsAggregator) Process(_ context.Context, f Frame, out Push) error {
	mf, ok := f.(MetricsFrame)
	if !ok {
		out(f)
		return nil
	}
	if mf.TTFB > 0 && m.sink != nil {
		m.sink.ObserveTTFB(mf.Processor, mf.TTFB)
	}
	if mf.Usage != nil {
		m.mu.Lock()
		m.usage.PromptTokens += mf.Usage.PromptTokens
		m.usage.CompletionTokens += mf.Usage.CompletionTokens
		m.usage.TotalTokens += mf.Usage.TotalTokens
		m.mu.Unlock()
		if m.sink != nil {
			m.sink.AddUsage(*mf.Usage)
		}
	}
	return nil
}

// Usage returns the accumulated token usage for the call.
func (m *MetricsAggregator) Usage() llm.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}
