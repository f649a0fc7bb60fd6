package campaign

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voicelane/voicelane/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func businessHours() store.ScheduleConfig {
	slots := make([]store.ScheduleSlot, 0, 5)
	for day := 1; day <= 5; day++ { // Mon..Fri
		slots = append(slots, store.ScheduleSlot{DayOfWeek: day, StartTime: "09:00", EndTime: "17:00"})
	}
	return store.ScheduleConfig{Enabled: true, Timezone: "America/New_York", Slots: slots}
}

// inTZ builds an instant from local wall time in the config's timezone.
func inTZ(t *testing.T, tz string, year int, month time.Month, day, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.Fatal(err)
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func TestInWindow(t *testing.T) {
	cfg := businessHours()
	tz := cfg.Timezone

	// 2026-03-02 is a Monday.
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday start boundary", inTZ(t, tz, 2026, 3, 2, 9, 0), true},
		{"monday midday", inTZ(t, tz, 2026, 3, 2, 12, 30), true},
		{"monday end boundary excluded", inTZ(t, tz, 2026, 3, 2, 17, 0), false},
		{"monday before open", inTZ(t, tz, 2026, 3, 2, 8, 59), false},
		{"saturday", inTZ(t, tz, 2026, 3, 7, 10, 0), false},
		{"sunday", inTZ(t, tz, 2026, 3, 8, 10, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InWindow(cfg, tc.at, discard); got != tc.want {
				t.Errorf("InWindow(%s) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestInWindowDisabledAlwaysAllows(t *testing.T) {
	cfg := businessHours()
	cfg.Enabled = false
	saturday := inTZ(t, cfg.Timezone, 2026, 3, 7, 3, 0)
	if !InWindow(cfg, saturday, discard) {
		t.Error("disabled schedule should always allow")
	}
}

func TestInWindowFailsOpen(t *testing.T) {
	cfg := businessHours()
	cfg.Timezone = "Mars/Olympus_Mons"
	if !InWindow(cfg, time.Now(), discard) {
		t.Error("bad timezone should fail open")
	}

	cfg = businessHours()
	cfg.Slots[0] = store.ScheduleSlot{DayOfWeek: 1, StartTime: "9am", EndTime: "17:00"}
	monday := inTZ(t, cfg.Timezone, 2026, 3, 2, 3, 0)
	if !InWindow(cfg, monday, discard) {
		t.Error("bad slot time should fail open")
	}
}

func TestInWindowTimezoneConversion(t *testing.T) {
	cfg := businessHours()
	// 14:00 UTC on Monday 2026-03-02 is 09:00 in New York (EST).
	utc := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if !InWindow(cfg, utc, discard) {
		t.Error("14:00 UTC should fall inside 09:00 ET open")
	}
	if InWindow(cfg, utc.Add(-time.Minute), discard) {
		t.Error("13:59 UTC is 08:59 ET, outside the window")
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule(businessHours()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := ValidateSchedule(store.ScheduleConfig{Enabled: false}); err != nil {
		t.Errorf("disabled config should validate: %v", err)
	}

	bad := businessHours()
	bad.Timezone = "Nowhere/Null"
	if err := ValidateSchedule(bad); err == nil {
		t.Error("unknown timezone should be rejected")
	}

	bad = businessHours()
	bad.Slots = nil
	if err := ValidateSchedule(bad); err == nil {
		t.Error("enabled config needs at least one slot")
	}

	bad = businessHours()
	bad.Slots[0].DayOfWeek = 7
	if err := ValidateSchedule(bad); err == nil {
		t.Error("day_of_week 7 should be rejected")
	}

	bad = businessHours()
	bad.Slots[0].StartTime = "17:00"
	bad.Slots[0].EndTime = "09:00"
	if err := ValidateSchedule(bad); err == nil {
		t.Error("start after end should be rejected")
	}

	bad = businessHours()
	for len(bad.Slots) <= 50 {
		bad.Slots = append(bad.Slots, store.ScheduleSlot{DayOfWeek: 0, StartTime: "01:00", EndTime: "02:00"})
	}
	if err := ValidateSchedule(bad); err == nil {
		t.Error("more than 50 slots should be rejected")
	}
}

func TestParseHHMM(t *testing.T) {
	got, err := parseHHMM("09:30")
	if err != nil || got != 570 {
		t.Errorf("parseHHMM(09:30) = %d, %v; want 570, nil", got, err)
	}
	if _, err := parseHHMM("24:00"); err == nil {
		t.Error("24:00 should be rejected")
	}
	if _, err := parseHHMM("9:30:00"); err == nil {
		t.Error("seconds should be rejected")
	}
}

func TestBreakerDecisionFailureRate(t *testing.T) {
	if got := (BreakerDecision{}).FailureRate(); got != 0 {
		t.Errorf("empty window rate = %v, want 0", got)
	}
	d := BreakerDecision{FailureCount: 3, SuccessCount: 1}
	if got := d.FailureRate(); got != 0.75 {
		t.Errorf("rate = %v, want 0.75", got)
	}
}

func TestNormalizeBreakerConfig(t *testing.T) {
	got := normalizeBreakerConfig(store.BreakerConfig{Enabled: true})
	if got.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("threshold = %v, want default", got.FailureThreshold)
	}
	if got.WindowSeconds != DefaultWindowSeconds {
		t.Errorf("window = %v, want default", got.WindowSeconds)
	}
	// min_calls 0 is a documented setting: trip on the first outcome.
	if got.MinCallsInWindow != 0 {
		t.Errorf("min_calls = %v, want 0 preserved", got.MinCallsInWindow)
	}

	explicit := store.BreakerConfig{Enabled: true, FailureThreshold: 0.9, WindowSeconds: 30, MinCallsInWindow: 2}
	if normalizeBreakerConfig(explicit) != explicit {
		t.Error("explicit values should be preserved")
	}
}
