// Package campaign implements the orchestration core for outbound calling
// campaigns: the event protocol, the scheduler, schedule windows, the
// circuit breaker, retries, and the batch processor.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voicelane/voicelane/internal/bus"
)

// EventsChannel is the bus channel carrying every campaign event.
const EventsChannel = "campaign:events"

// EventType discriminates the campaign event union.
type EventType string

const (
	TypeSyncCompleted         EventType = "sync_completed"
	TypeBatchCompleted        EventType = "batch_completed"
	TypeBatchFailed           EventType = "batch_failed"
	TypeRetryNeeded           EventType = "retry_needed"
	TypeRetryFailed           EventType = "retry_failed"
	TypeCampaignCompleted     EventType = "campaign_completed"
	TypeCircuitBreakerTripped EventType = "circuit_breaker_tripped"
	TypeCampaignPaused        EventType = "campaign_paused"
	TypeCampaignResumed       EventType = "campaign_resumed"
)

// RetryReason categorizes a call outcome that may qualify for a retry.
type RetryReason string

const (
	ReasonBusy      RetryReason = "busy"
	ReasonNoAnswer  RetryReason = "no_answer"
	ReasonVoicemail RetryReason = "voicemail"
	ReasonFailed    RetryReason = "failed"
	ReasonError     RetryReason = "error"
)

// Event is one message on the campaign events channel.
type Event interface {
	EventType() EventType
	Campaign() string
}

// Header carries the fields common to every event.
type Header struct {
	CampaignID string    `json:"campaign_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Campaign implements Event.
func (h Header) Campaign() string { return h.CampaignID }

func (h *Header) stamp(t time.Time) {
	if h.Timestamp.IsZero() {
		h.Timestamp = t
	}
}

type stampable interface{ stamp(time.Time) }

// SyncCompleted signals that source ingestion finished and scheduling may
// begin.
type SyncCompleted struct {
	Header
	TotalRows int `json:"total_rows"`
}

func (SyncCompleted) EventType() EventType { return TypeSyncCompleted }

// BatchCompleted signals that a batch job finished and the next one may be
// scheduled.
type BatchCompleted struct {
	Header
	ProcessedCount int `json:"processed_count"`
	FailedCount    int `json:"failed_count"`
	BatchSize      int `json:"batch_size"`
}

func (BatchCompleted) EventType() EventType { return TypeBatchCompleted }

// BatchFailed signals that a batch job errored. The orchestrator does not
// schedule a follow-up batch for it.
type BatchFailed struct {
	Header
	Error          string `json:"error"`
	ProcessedCount int    `json:"processed_count"`
}

func (BatchFailed) EventType() EventType { return TypeBatchFailed }

// RetryNeeded reports a call outcome that qualifies for a retry under the
// campaign's retry policy.
type RetryNeeded struct {
	Header
	WorkflowRunID string      `json:"workflow_run_id"`
	QueuedRunID   string      `json:"queued_run_id"`
	Reason        RetryReason `json:"reason"`
}

func (RetryNeeded) EventType() EventType { return TypeRetryNeeded }

// RetryFailed reports that a run exhausted its retry budget.
type RetryFailed struct {
	Header
	QueuedRunID string      `json:"queued_run_id"`
	Reason      RetryReason `json:"reason"`
}

func (RetryFailed) EventType() EventType { return TypeRetryFailed }

// CampaignCompleted is the terminal marker for a drained campaign.
type CampaignCompleted struct {
	Header
	TotalRows       int     `json:"total_rows"`
	ProcessedRows   int     `json:"processed_rows"`
	FailedRows      int     `json:"failed_rows"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (CampaignCompleted) EventType() EventType { return TypeCampaignCompleted }

// CircuitBreakerTripped reports that the sliding-window breaker opened and
// the campaign has been paused.
type CircuitBreakerTripped struct {
	Header
	FailureRate   float64 `json:"failure_rate"`
	FailureCount  int     `json:"failure_count"`
	SuccessCount  int     `json:"success_count"`
	Threshold     float64 `json:"threshold"`
	WindowSeconds int     `json:"window_seconds"`
}

func (CircuitBreakerTripped) EventType() EventType { return TypeCircuitBreakerTripped }

// CampaignPaused is informational.
type CampaignPaused struct {
	Header
	Reason string `json:"reason,omitempty"`
}

func (CampaignPaused) EventType() EventType { return TypeCampaignPaused }

// CampaignResumed is informational.
type CampaignResumed struct {
	Header
}

func (CampaignResumed) EventType() EventType { return TypeCampaignResumed }

type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvent serializes an event for the wire.
func MarshalEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("campaign: marshal %s event: %w", e.EventType(), err)
	}
	return json.Marshal(envelope{Type: e.EventType(), Data: data})
}

// ParseEvent deserializes an event from the wire. Unknown types are an
// error so consumers notice protocol drift.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("campaign: parse event envelope: %w", err)
	}

	var e Event
	switch env.Type {
	case TypeSyncCompleted:
		e = &SyncCompleted{}
	case TypeBatchCompleted:
		e = &BatchCompleted{}
	case TypeBatchFailed:
		e = &BatchFailed{}
	case TypeRetryNeeded:
		e = &RetryNeeded{}
	case TypeRetryFailed:
		e = &RetryFailed{}
	case TypeCampaignCompleted:
		e = &CampaignCompleted{}
	case TypeCircuitBreakerTripped:
		e = &CircuitBreakerTripped{}
	case TypeCampaignPaused:
		e = &CampaignPaused{}
	case TypeCampaignResumed:
		e = &CampaignResumed{}
	default:
		return nil, fmt.Errorf("campaign: unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, e); err != nil {
		return nil, fmt.Errorf("campaign: parse %s event: %w", env.Type, err)
	}
	return e, nil
}

// EventSink accepts campaign events for fan-out. Publisher is the production
// implementation; tests substitute a recorder.
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

// Publisher emits campaign events on the shared channel.
type Publisher struct {
	bus *bus.Bus
	now func() time.Time
}

// NewPublisher returns a publisher over the given bus.
func NewPublisher(b *bus.Bus) *Publisher {
	return &Publisher{bus: b, now: time.Now}
}

// Publish stamps the event and fans it out. Events missing a timestamp get
// the current time.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if s, ok := e.(stampable); ok {
		s.stamp(p.now())
	}
	raw, err := MarshalEvent(e)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, EventsChannel, raw); err != nil {
		return fmt.Errorf("campaign: publish %s: %w", e.EventType(), err)
	}
	return nil
}
