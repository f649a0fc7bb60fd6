// Package transfer coordinates warm call transfers across workers: it dials
// the destination through the telephony provider, plays hold music to the
// caller, and waits on the event bus for the transfer leg to resolve.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/engine"
	"github.com/voicelane/voicelane/internal/telephony"
)

// contextTTL bounds how long an unresolved transfer context survives.
const contextTTL = 5 * time.Minute

// ContextKey holds the coordination record for one transfer attempt.
func ContextKey(transferID string) string { return "transfer:context:" + transferID }

// EventsChannel carries the resolution events for one transfer attempt.
func EventsChannel(transferID string) string { return "transfer:events:" + transferID }

// Event types.
const (
	EventAnswered  = "transfer_answered"
	EventCompleted = "transfer_completed"
	EventFailed    = "transfer_failed"
	EventCancelled = "transfer_cancelled"
	EventTimeout   = "transfer_timeout"
)

// Event is one transfer resolution message.
type Event struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// Context is the bus record of an in-flight transfer. The status-callback
// handler uses it to resolve the provider call ID back to the attempt.
type Context struct {
	TransferID     string    `json:"transfer_id"`
	CallSID        string    `json:"call_sid"` // transfer leg
	TargetNumber   string    `json:"target_number"`
	ToolID         string    `json:"tool_id"`
	OriginalCallID string    `json:"original_call_id"`
	ConferenceName string    `json:"conference_name"`
	InitiatedAt    time.Time `json:"initiated_at"`
}

// Coordinator runs transfer attempts for one call. It implements the
// engine's transfer hook.
type Coordinator struct {
	provider telephony.Provider
	bus      *bus.Bus
	logger   *slog.Logger

	// statusBase is the public https:// origin the provider posts transfer
	// leg status to.
	statusBase string

	// from is the caller ID presented on the transfer leg.
	from string

	// out receives hold music while the attempt is in flight. Nil disables
	// hold music.
	out      telephony.OutputWriter
	holdPCM  []byte
	holdRate int
}

// Config wires a per-call coordinator.
type Config struct {
	Provider   telephony.Provider
	Bus        *bus.Bus
	StatusBase string
	From       string
	Output     telephony.OutputWriter
	HoldPCM    []byte
	HoldRate   int
	Logger     *slog.Logger
}

// New builds a transfer coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		provider:   cfg.Provider,
		bus:        cfg.Bus,
		statusBase: cfg.StatusBase,
		from:       cfg.From,
		out:        cfg.Output,
		holdPCM:    cfg.HoldPCM,
		holdRate:   cfg.HoldRate,
		logger:     cfg.Logger.With("component", "transfer"),
	}
}

var _ engine.Transferer = (*Coordinator)(nil)

// Transfer dials the destination and blocks until the attempt resolves or
// times out. Hold music plays for the caller throughout.
func (c *Coordinator) Transfer(ctx context.Context, req engine.TransferRequest) (engine.TransferOutcome, error) {
	if !c.provider.SupportsTransfers() {
		return engine.TransferOutcome{}, errors.New("transfer: provider does not support transfers")
	}

	// Subscribe before dialing so a fast resolution cannot slip past us.
	sub, err := c.bus.Subscribe(ctx, EventsChannel(req.TransferID))
	if err != nil {
		return engine.TransferOutcome{}, fmt.Errorf("transfer: subscribe events: %w", err)
	}
	defer sub.Close()

	callSID, err := c.provider.TransferCall(ctx, telephony.TransferRequest{
		Destination:    req.Destination,
		From:           c.from,
		TransferID:     req.TransferID,
		ConferenceName: req.ConferenceName,
		StatusURL:      c.statusBase + "/transfer-result/" + req.TransferID,
		Timeout:        req.Timeout,
	})
	if err != nil {
		return engine.TransferOutcome{}, fmt.Errorf("transfer: dial destination: %w", err)
	}

	tc := Context{
		TransferID:     req.TransferID,
		CallSID:        callSID,
		TargetNumber:   req.Destination,
		ToolID:         req.ToolID,
		OriginalCallID: req.CallID,
		ConferenceName: req.ConferenceName,
		InitiatedAt:    time.Now(),
	}
	raw, err := json.Marshal(tc)
	if err != nil {
		return engine.TransferOutcome{}, fmt.Errorf("transfer: marshal context: %w", err)
	}
	if err := c.bus.Set(ctx, ContextKey(req.TransferID), raw, contextTTL); err != nil {
		return engine.TransferOutcome{}, fmt.Errorf("transfer: store context: %w", err)
	}
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.bus.Delete(cleanup, ContextKey(req.TransferID)); err != nil {
			c.logger.Warn("remove transfer context", "transfer_id", req.TransferID, "error", err)
		}
	}()

	holdDone := make(chan struct{})
	defer close(holdDone)
	if c.out != nil && len(c.holdPCM) > 0 {
		go c.playHold(ctx, holdDone)
	}

	outcome := c.await(ctx, sub, req.Timeout)
	c.logger.Info("transfer resolved",
		"transfer_id", req.TransferID, "completed", outcome.Completed, "reason", outcome.Reason)
	return outcome, nil
}

// await consumes resolution events until a terminal one or the deadline.
func (c *Coordinator) await(ctx context.Context, sub *bus.Subscription, timeout time.Duration) engine.TransferOutcome {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return engine.TransferOutcome{Reason: "cancelled"}
		case <-deadline.C:
			return engine.TransferOutcome{Reason: "timeout"}
		case msg, ok := <-sub.Messages():
			if !ok {
				return engine.TransferOutcome{Reason: "failed"}
			}
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				c.logger.Warn("malformed transfer event", "error", err)
				continue
			}
			switch ev.Type {
			case EventAnswered, EventCompleted:
				return engine.TransferOutcome{Completed: true}
			case EventFailed, EventCancelled, EventTimeout:
				reason := ev.Reason
				if reason == "" {
					reason = ev.Type
				}
				return engine.TransferOutcome{Reason: reason}
			}
		}
	}
}

// playHold loops the hold clip in 20 ms frames until the attempt resolves.
func (c *Coordinator) playHold(ctx context.Context, done <-chan struct{}) {
	frameBytes := c.holdRate * 2 / 50
	if frameBytes == 0 {
		return
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			end := pos + frameBytes
			if end > len(c.holdPCM) {
				pos, end = 0, frameBytes
				if end > len(c.holdPCM) {
					return
				}
			}
			if !c.out.WriteAudioFrame(ctx, c.holdPCM[pos:end], c.holdRate) {
				return
			}
			pos = end
		}
	}
}

// PublishResult resolves a transfer attempt. The status-callback endpoint
// calls it with the event derived from the provider's leg status.
func PublishResult(ctx context.Context, b *bus.Bus, ev Event) error {
	if ev.TransferID == "" {
		return errors.New("transfer: event without transfer id")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("transfer: marshal event: %w", err)
	}
	return b.Publish(ctx, EventsChannel(ev.TransferID), raw)
}

// EventFromCallStatus maps a provider leg status onto a resolution event.
// Statuses that are not terminal for the attempt return ok = false.
func EventFromCallStatus(transferID, status string) (Event, bool) {
	switch status {
	case "answered", "in-progress":
		return Event{Type: EventAnswered, TransferID: transferID}, true
	case "completed":
		return Event{Type: EventCompleted, TransferID: transferID}, true
	case "busy", "no-answer", "failed":
		return Event{Type: EventFailed, TransferID: transferID, Reason: status}, true
	case "canceled", "cancelled":
		return Event{Type: EventCancelled, TransferID: transferID}, true
	default:
		return Event{}, false
	}
}
