package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/store"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 0.5
	DefaultWindowSeconds    = 120
	DefaultMinCallsInWindow = 5
)

// breakerScript trims both outcome windows, optionally records the current
// outcome, refreshes TTLs, and evaluates the failure rate in one atomic step.
// ARGV[3] selects the mode: 1 records a failure, 0 records a success, -1
// evaluates without recording.
//
// Returns {tripped, failure_count, success_count}.
const breakerScript = `
local failure_key = KEYS[1]
local success_key = KEYS[2]
local now = ARGV[1]
local window_start = ARGV[2]
local mode = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local min_calls = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

redis.call('ZREMRANGEBYSCORE', failure_key, '-inf', window_start)
redis.call('ZREMRANGEBYSCORE', success_key, '-inf', window_start)

if mode == 1 then
	redis.call('ZADD', failure_key, now, now)
elseif mode == 0 then
	redis.call('ZADD', success_key, now, now)
end

redis.call('EXPIRE', failure_key, ttl)
redis.call('EXPIRE', success_key, ttl)

local f = redis.call('ZCARD', failure_key)
local s = redis.call('ZCARD', success_key)
local t = f + s

if t > 0 and t >= min_calls and f / t >= threshold then
	return {1, f, s}
end
return {0, f, s}
`

// BreakerDecision is the outcome of one breaker evaluation.
type BreakerDecision struct {
	Tripped      bool
	FailureCount int
	SuccessCount int
}

// FailureRate returns failures over total outcomes in the window, or zero
// when the window is empty.
func (d BreakerDecision) FailureRate() float64 {
	total := d.FailureCount + d.SuccessCount
	if total == 0 {
		return 0
	}
	return float64(d.FailureCount) / float64(total)
}

// Breaker is the sliding-window failure-rate gate. Outcome samples live in
// two sorted sets per campaign; every mutation goes through one Lua script so
// cooperating processes never race on the window.
//
// All evaluation errors fail open: a broken breaker must never pause a
// healthy campaign.
type Breaker struct {
	bus     BreakerBus
	store   BreakerStore
	pub     EventSink
	logger  *slog.Logger
	script  *bus.Script
	now     func() time.Time
	metrics TripRecorder
}

// BreakerBus is the slice of the bus the breaker needs: atomic script
// evaluation for the windows and deletion for resets.
type BreakerBus interface {
	Eval(ctx context.Context, script *bus.Script, keys []string, args ...any) (any, error)
	Delete(ctx context.Context, keys ...string) error
}

// BreakerStore is the slice of the repository the breaker needs to pause a
// campaign on trip.
type BreakerStore interface {
	UpdateCampaignState(ctx context.Context, id string, to store.CampaignState, from ...store.CampaignState) (*store.Campaign, error)
}

// TripRecorder counts breaker openings. The observe package implements it.
type TripRecorder interface {
	RecordBreakerTrip(ctx context.Context, campaignID string)
}

// SetMetrics attaches a trip counter. Nil disables recording.
func (b *Breaker) SetMetrics(m TripRecorder) { b.metrics = m }

// NewBreaker returns a breaker over the given bus, store, and publisher.
func NewBreaker(b BreakerBus, st BreakerStore, pub EventSink, logger *slog.Logger) *Breaker {
	return &Breaker{
		bus:    b,
		store:  st,
		pub:    pub,
		logger: logger.With("component", "circuit_breaker"),
		script: bus.NewScript(breakerScript),
		now:    time.Now,
	}
}

func breakerKeys(campaignID string) (failures, successes string) {
	return "cb_failures:" + campaignID, "cb_successes:" + campaignID
}

func normalizeBreakerConfig(cfg store.BreakerConfig) store.BreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = DefaultWindowSeconds
	}
	if cfg.MinCallsInWindow < 0 {
		cfg.MinCallsInWindow = DefaultMinCallsInWindow
	}
	return cfg
}

// Record adds one call outcome to the window and returns the resulting
// decision.
func (b *Breaker) Record(ctx context.Context, campaignID string, cfg store.BreakerConfig, failure bool) (BreakerDecision, error) {
	mode := 0
	if failure {
		mode = 1
	}
	return b.eval(ctx, campaignID, cfg, mode)
}

// IsOpen evaluates the window without recording anything. The orchestrator
// runs this as a safety net before scheduling a batch.
func (b *Breaker) IsOpen(ctx context.Context, campaignID string, cfg store.BreakerConfig) (BreakerDecision, error) {
	return b.eval(ctx, campaignID, cfg, -1)
}

func (b *Breaker) eval(ctx context.Context, campaignID string, cfg store.BreakerConfig, mode int) (BreakerDecision, error) {
	cfg = normalizeBreakerConfig(cfg)
	failKey, succKey := breakerKeys(campaignID)

	nowSec := float64(b.now().UnixMicro()) / 1e6
	windowStart := nowSec - float64(cfg.WindowSeconds)
	ttl := cfg.WindowSeconds + 60

	res, err := b.bus.Eval(ctx, b.script, []string{failKey, succKey},
		fmt.Sprintf("%.6f", nowSec),
		fmt.Sprintf("%.6f", windowStart),
		mode,
		fmt.Sprintf("%g", cfg.FailureThreshold),
		cfg.MinCallsInWindow,
		ttl,
	)
	if err != nil {
		return BreakerDecision{}, fmt.Errorf("campaign: breaker eval: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return BreakerDecision{}, fmt.Errorf("campaign: breaker script returned %T", res)
	}
	return BreakerDecision{
		Tripped:      asInt(vals[0]) == 1,
		FailureCount: int(asInt(vals[1])),
		SuccessCount: int(asInt(vals[2])),
	}, nil
}

func asInt(v any) int64 {
	n, _ := v.(int64)
	return n
}

// Reset deletes both outcome windows. Called on trip and on campaign resume
// so a resumed campaign starts with a clean slate.
func (b *Breaker) Reset(ctx context.Context, campaignID string) error {
	failKey, succKey := breakerKeys(campaignID)
	return b.bus.Delete(ctx, failKey, succKey)
}

// Observe records a call outcome and, if the window trips, pauses the
// campaign. Returns whether the breaker tripped. Errors fail open.
func (b *Breaker) Observe(ctx context.Context, campaignID string, cfg store.BreakerConfig, failure bool) bool {
	if !cfg.Enabled {
		return false
	}
	decision, err := b.Record(ctx, campaignID, cfg, failure)
	if err != nil {
		b.logger.Warn("breaker record failed, failing open", "campaign_id", campaignID, "error", err)
		return false
	}
	if !decision.Tripped {
		return false
	}
	b.Trip(ctx, campaignID, cfg, decision)
	return true
}

// Trip pauses the campaign, clears the outcome windows, and publishes
// CircuitBreakerTripped so the orchestrator drops its in-memory state.
func (b *Breaker) Trip(ctx context.Context, campaignID string, cfg store.BreakerConfig, decision BreakerDecision) {
	cfg = normalizeBreakerConfig(cfg)
	b.logger.Warn("circuit breaker tripped",
		"campaign_id", campaignID,
		"failure_rate", decision.FailureRate(),
		"failures", decision.FailureCount,
		"successes", decision.SuccessCount)
	if b.metrics != nil {
		b.metrics.RecordBreakerTrip(ctx, campaignID)
	}

	_, err := b.store.UpdateCampaignState(ctx, campaignID, store.CampaignPaused,
		store.CampaignRunning, store.CampaignSyncing)
	if err != nil {
		b.logger.Error("pause on trip failed", "campaign_id", campaignID, "error", err)
	}
	if err := b.Reset(ctx, campaignID); err != nil {
		b.logger.Error("breaker reset failed", "campaign_id", campaignID, "error", err)
	}
	err = b.pub.Publish(ctx, &CircuitBreakerTripped{
		Header:        Header{CampaignID: campaignID},
		FailureRate:   decision.FailureRate(),
		FailureCount:  decision.FailureCount,
		SuccessCount:  decision.SuccessCount,
		Threshold:     cfg.FailureThreshold,
		WindowSeconds: cfg.WindowSeconds,
	})
	if err != nil {
		b.logger.Error("publish breaker trip failed", "campaign_id", campaignID, "error", err)
	}
}
