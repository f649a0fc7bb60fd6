package campaign

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/voicelane/voicelane/internal/store"
)

// InWindow reports whether a campaign may schedule batches at the given
// instant. A disabled config always allows. Errors in the config (unknown
// timezone, malformed slot times) fail open with a warning so a typo never
// silently stalls a campaign.
func InWindow(cfg store.ScheduleConfig, now time.Time, logger *slog.Logger) bool {
	if !cfg.Enabled || len(cfg.Slots) == 0 {
		return true
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("invalid schedule timezone, allowing",
			"timezone", cfg.Timezone, "error", err)
		return true
	}

	local := now.In(loc)
	day := int(local.Weekday()) // 0 = Sunday
	minute := local.Hour()*60 + local.Minute()

	for _, slot := range cfg.Slots {
		if slot.DayOfWeek != day {
			continue
		}
		start, err := parseHHMM(slot.StartTime)
		if err != nil {
			logger.Warn("invalid schedule slot, allowing", "start", slot.StartTime, "error", err)
			return true
		}
		end, err := parseHHMM(slot.EndTime)
		if err != nil {
			logger.Warn("invalid schedule slot, allowing", "end", slot.EndTime, "error", err)
			return true
		}
		if start <= minute && minute < end {
			return true
		}
	}
	return false
}

// ValidateSchedule rejects configs the scheduler could not honor. Used by
// the API layer on create and patch.
func ValidateSchedule(cfg store.ScheduleConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("campaign: invalid timezone %q: %w", cfg.Timezone, err)
	}
	if len(cfg.Slots) < 1 || len(cfg.Slots) > 50 {
		return fmt.Errorf("campaign: schedule needs 1 to 50 slots, got %d", len(cfg.Slots))
	}
	for i, slot := range cfg.Slots {
		if slot.DayOfWeek < 0 || slot.DayOfWeek > 6 {
			return fmt.Errorf("campaign: slot %d: day_of_week %d out of range", i, slot.DayOfWeek)
		}
		start, err := parseHHMM(slot.StartTime)
		if err != nil {
			return fmt.Errorf("campaign: slot %d: %w", i, err)
		}
		end, err := parseHHMM(slot.EndTime)
		if err != nil {
			return fmt.Errorf("campaign: slot %d: %w", i, err)
		}
		if start >= end {
			return fmt.Errorf("campaign: slot %d: start %s not before end %s", i, slot.StartTime, slot.EndTime)
		}
	}
	return nil
}

// parseHHMM converts a 24-hour "HH:MM" string to minutes since midnight.
func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
