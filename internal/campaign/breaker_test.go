package campaign

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/store"
)

// scriptBus replays the breaker script's window semantics in memory so the
// sliding-window behavior is testable without a Redis server.
type scriptBus struct {
	mu      sync.Mutex
	samples map[string][]float64
	deleted []string
	evalErr error
}

func newScriptBus() *scriptBus {
	return &scriptBus{samples: make(map[string][]float64)}
}

func (b *scriptBus) Eval(_ context.Context, _ *bus.Script, keys []string, args ...any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evalErr != nil {
		return nil, b.evalErr
	}

	now, err := strconv.ParseFloat(args[0].(string), 64)
	if err != nil {
		return nil, err
	}
	windowStart, err := strconv.ParseFloat(args[1].(string), 64)
	if err != nil {
		return nil, err
	}
	mode := args[2].(int)
	threshold, err := strconv.ParseFloat(args[3].(string), 64)
	if err != nil {
		return nil, err
	}
	minCalls := args[4].(int)

	failKey, succKey := keys[0], keys[1]
	b.samples[failKey] = trimBelow(b.samples[failKey], windowStart)
	b.samples[succKey] = trimBelow(b.samples[succKey], windowStart)
	switch mode {
	case 1:
		b.samples[failKey] = append(b.samples[failKey], now)
	case 0:
		b.samples[succKey] = append(b.samples[succKey], now)
	}

	f := int64(len(b.samples[failKey]))
	s := int64(len(b.samples[succKey]))
	total := f + s
	tripped := int64(0)
	if total > 0 && total >= int64(minCalls) && float64(f)/float64(total) >= threshold {
		tripped = 1
	}
	return []any{tripped, f, s}, nil
}

func (b *scriptBus) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.samples, k)
		b.deleted = append(b.deleted, k)
	}
	return nil
}

func trimBelow(samples []float64, min float64) []float64 {
	out := samples[:0]
	for _, s := range samples {
		if s > min {
			out = append(out, s)
		}
	}
	return out
}

type tripCounter struct{ n int }

func (c *tripCounter) RecordBreakerTrip(context.Context, string) { c.n++ }

func newTestBreaker(st *fakeStore) (*Breaker, *scriptBus, *eventRecorder) {
	sb := newScriptBus()
	rec := &eventRecorder{}
	return NewBreaker(sb, st, rec, discard), sb, rec
}

func TestBreakerTripSequence(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	b, sb, rec := newTestBreaker(st)
	trips := &tripCounter{}
	b.SetMetrics(trips)
	cfg := store.BreakerConfig{Enabled: true, FailureThreshold: 0.5, WindowSeconds: 60, MinCallsInWindow: 4}
	ctx := context.Background()

	// Three failures stay under min_calls_in_window.
	for i := 0; i < 3; i++ {
		if b.Observe(ctx, "c1", cfg, true) {
			t.Fatalf("outcome %d tripped before min calls reached", i+1)
		}
	}
	// The fourth outcome reaches the window minimum at 3F/1S (rate 0.75).
	if !b.Observe(ctx, "c1", cfg, false) {
		t.Fatal("fourth outcome should trip the breaker")
	}

	if st.campaigns["c1"].State != store.CampaignPaused {
		t.Errorf("campaign state = %s, want %s", st.campaigns["c1"].State, store.CampaignPaused)
	}
	if len(sb.deleted) != 2 {
		t.Errorf("deleted keys = %v, want both outcome windows", sb.deleted)
	}
	if trips.n != 1 {
		t.Errorf("trip metric count = %d, want 1", trips.n)
	}
	events := rec.byType(TypeCircuitBreakerTripped)
	if len(events) != 1 {
		t.Fatalf("trip events = %d, want 1", len(events))
	}
	e := events[0].(*CircuitBreakerTripped)
	if e.FailureCount != 3 || e.SuccessCount != 1 || e.FailureRate != 0.75 {
		t.Errorf("trip event = %+v, want 3F/1S at 0.75", e)
	}

	// The reset wiped the windows: the next outcome starts a fresh count.
	d, err := b.Record(ctx, "c1", cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if d.Tripped || d.FailureCount != 1 || d.SuccessCount != 0 {
		t.Errorf("post-reset decision = %+v, want a single fresh failure", d)
	}
}

func TestBreakerMinCallsZeroFirstOutcomeTrips(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	b, _, _ := newTestBreaker(st)
	cfg := store.BreakerConfig{Enabled: true, FailureThreshold: 0.5, WindowSeconds: 60, MinCallsInWindow: 0}

	// With no window minimum the very first failure satisfies both
	// conditions: total >= 0 and 1/1 >= threshold.
	if !b.Observe(context.Background(), "c1", cfg, true) {
		t.Fatal("min_calls_in_window 0 should trip on the first failure")
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	b, _, rec := newTestBreaker(st)
	cfg := store.BreakerConfig{Enabled: true, FailureThreshold: 0.5, WindowSeconds: 60, MinCallsInWindow: 4}
	ctx := context.Background()

	for _, failure := range []bool{false, false, false, true} {
		if b.Observe(ctx, "c1", cfg, failure) {
			t.Fatal("1F/3S is under the threshold and must not trip")
		}
	}
	if len(rec.events) != 0 {
		t.Errorf("events = %v, want none", rec.events)
	}
	if st.campaigns["c1"].State != store.CampaignRunning {
		t.Errorf("campaign state = %s, want %s", st.campaigns["c1"].State, store.CampaignRunning)
	}
}

func TestBreakerWindowSlides(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	b, _, _ := newTestBreaker(st)
	clock := newFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	b.now = clock.Now
	cfg := store.BreakerConfig{Enabled: true, FailureThreshold: 0.5, WindowSeconds: 60, MinCallsInWindow: 4}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Record(ctx, "c1", cfg, true); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(2 * time.Minute)
	d, err := b.Record(ctx, "c1", cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if d.FailureCount != 1 {
		t.Errorf("failures after window slide = %d, want 1", d.FailureCount)
	}
	if d.Tripped {
		t.Error("expired outcomes must not count toward a trip")
	}
}

func TestBreakerRecordThenIsOpenAgrees(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	b, _, _ := newTestBreaker(st)
	cfg := store.BreakerConfig{Enabled: true, FailureThreshold: 0.5, WindowSeconds: 60, MinCallsInWindow: 1}
	ctx := context.Background()

	recorded, err := b.Record(ctx, "c1", cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	evaluated, err := b.IsOpen(ctx, "c1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if recorded != evaluated {
		t.Errorf("Record = %+v, IsOpen = %+v, want identical decisions", recorded, evaluated)
	}
}

func TestBreakerFailsOpen(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	b, sb, rec := newTestBreaker(st)
	sb.evalErr = errors.New("connection refused")
	cfg := store.BreakerConfig{Enabled: true, FailureThreshold: 0.5, WindowSeconds: 60, MinCallsInWindow: 0}

	if b.Observe(context.Background(), "c1", cfg, true) {
		t.Fatal("evaluation errors must fail open")
	}
	if st.campaigns["c1"].State != store.CampaignRunning {
		t.Error("a failed evaluation must not change campaign state")
	}
	if len(rec.events) != 0 {
		t.Error("a failed evaluation must not publish events")
	}
}

func TestBreakerDisabledNeverTrips(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	b, _, _ := newTestBreaker(st)
	cfg := store.BreakerConfig{Enabled: false}

	for i := 0; i < 10; i++ {
		if b.Observe(context.Background(), "c1", cfg, true) {
			t.Fatal("disabled breaker must never trip")
		}
	}
}
