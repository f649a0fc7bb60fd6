package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/campaign"
)

// callMappingTTL bounds how long the call-to-run binding outlives the call.
const callMappingTTL = time.Hour

// CallRunKey maps a provider call ID to the workflow run it serves. Status
// callbacks resolve runs through it.
func CallRunKey(callID string) string { return "call:run:" + callID }

// Dialer originates campaign calls through the registered providers. It is
// the batch processor's outbound leg.
type Dialer struct {
	registry *Registry
	bus      *bus.Bus

	// publicBase is the externally reachable https:// origin providers call
	// back into.
	publicBase string
	logger     *slog.Logger
}

// NewDialer wires the campaign-facing dialer.
func NewDialer(registry *Registry, b *bus.Bus, publicBase string, logger *slog.Logger) *Dialer {
	return &Dialer{
		registry:   registry,
		bus:        b,
		publicBase: publicBase,
		logger:     logger.With("component", "dialer"),
	}
}

var _ campaign.Dialer = (*Dialer)(nil)

// Dial originates one outbound call for a workflow run: it picks the provider
// from the organization's telephony config, selects a caller ID from the
// number pool, and records the provider call ID so callbacks can find the run.
func (d *Dialer) Dial(ctx context.Context, req campaign.DialRequest) error {
	if req.Telephony == nil {
		return fmt.Errorf("telephony: dial: organization has no telephony config")
	}
	provider, err := d.registry.Get(req.Telephony.Provider)
	if err != nil {
		return err
	}
	from, err := PickFromNumber("", req.Telephony.FromNumbers)
	if err != nil {
		return err
	}

	res, err := provider.InitiateCall(ctx, InitiateRequest{
		To:            req.To,
		From:          from,
		WebhookURL:    d.answerURL(req.Run.ID),
		StatusURL:     d.statusURL(req.Run.ID),
		WorkflowRunID: req.Run.ID,
	})
	if err != nil {
		return fmt.Errorf("telephony: dial %s: %w", req.To, err)
	}

	if res.CallID != "" {
		if err := d.bus.Set(ctx, CallRunKey(res.CallID), []byte(req.Run.ID), callMappingTTL); err != nil {
			d.logger.Error("record call mapping", "call_id", res.CallID, "error", err)
		}
	}
	d.logger.Info("dialed",
		"run_id", req.Run.ID, "call_id", res.CallID, "to", req.To, "status", res.Status)
	return nil
}

func (d *Dialer) answerURL(runID string) string {
	return d.publicBase + "/v1/calls/answer?" + url.Values{"run_id": {runID}}.Encode()
}

func (d *Dialer) statusURL(runID string) string {
	return d.publicBase + "/v1/calls/status?" + url.Values{"run_id": {runID}}.Encode()
}
