package loadtest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestEndpoint(t *testing.T) {
	e := NewEndpoint()
	if ok := e.WriteAudioFrame(context.Background(), make([]byte, 640), 16000); !ok {
		t.Fatal("WriteAudioFrame = false, want true")
	}
	e.WriteAudioFrame(context.Background(), make([]byte, 320), 16000)

	if got := e.Frames(); got != 2 {
		t.Errorf("Frames = %d, want 2", got)
	}
	if got := e.Bytes(); got != 960 {
		t.Errorf("Bytes = %d, want 960", got)
	}
	select {
	case <-e.Activity():
	default:
		t.Error("no activity signal after writes")
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{10, 20, 30, 40, 50}
	if got := percentile(sorted, 0.50); got != 30 {
		t.Errorf("p50 = %d, want 30", got)
	}
	if got := percentile(sorted, 1.0); got != 50 {
		t.Errorf("p100 = %d, want 50", got)
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("empty p95 = %d, want 0", got)
	}
}

func TestScenarioLines(t *testing.T) {
	s := DefaultScenario()
	lines := scenarioLines(s)
	if len(lines) != len(s.Turns) {
		t.Fatalf("lines = %d, want %d", len(lines), len(s.Turns))
	}
	for i, l := range lines {
		if l != s.Turns[i].Caller {
			t.Errorf("line %d = %q, want %q", i, l, s.Turns[i].Caller)
		}
	}
}

func TestScriptedLLM(t *testing.T) {
	s := DefaultScenario()
	p := scriptedLLM(s)
	if got, want := len(p.StreamScript), len(s.Turns)+1; got != want {
		t.Fatalf("script length = %d, want %d", got, want)
	}
	greeting := p.StreamScript[0]
	if greeting[0].Text != s.Greeting {
		t.Errorf("first reply = %q, want greeting", greeting[0].Text)
	}
	last := greeting[len(greeting)-1]
	if last.FinishReason != "stop" || last.Usage == nil {
		t.Errorf("terminal chunk = %+v, want finish + usage", last)
	}
}

func TestHarness_RunsScriptedCalls(t *testing.T) {
	if testing.Short() {
		t.Skip("full self-play calls take a few seconds")
	}

	h := New(Config{Calls: 2, Concurrency: 2, Logger: discard})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	report, err := h.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 0 {
		t.Fatalf("failed calls: %v", report.Errors)
	}
	if report.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", report.Succeeded)
	}
	if report.BotAudioBytes == 0 {
		t.Error("no bot audio produced")
	}
	if report.P50 <= 0 || report.P95 < report.P50 || report.Max < report.P95 {
		t.Errorf("latency stats out of order: p50=%v p95=%v max=%v", report.P50, report.P95, report.Max)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	h := New(Config{})
	if h.cfg.Calls != 1 || h.cfg.Concurrency != 1 {
		t.Errorf("defaults = %d calls / %d concurrency, want 1/1", h.cfg.Calls, h.cfg.Concurrency)
	}
	if h.cfg.Scenario.Greeting == "" {
		t.Error("default scenario not applied")
	}
	if h.cfg.Logger == nil {
		t.Error("default logger not applied")
	}
}
