package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/store"
)

// InFlightKey is the bus counter tracking active calls for a campaign. It is
// incremented on call initiation and decremented by the pipeline completion
// handler.
func InFlightKey(campaignID string) string { return "in_flight:" + campaignID }

// DialRequest asks the telephony layer to originate one outbound call.
type DialRequest struct {
	To        string
	Run       *store.WorkflowRun
	Campaign  *store.Campaign
	Telephony *store.TelephonyConfig
}

// Dialer originates outbound calls. Implemented by the telephony service;
// the processor only needs this one method.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) error
}

// Processor is the job-queue worker that claims a batch of queued runs under
// row locks and dispatches their calls under the concurrency cap.
type Processor struct {
	store   BatchStore
	bus     FlightCounter
	pub     EventSink
	dialer  Dialer
	logger  *slog.Logger
	now     func() time.Time
	metrics BatchRecorder
}

// BatchStore is the slice of the repository the processor needs. The pgx
// store satisfies it; tests substitute a fake.
type BatchStore interface {
	GetCampaign(ctx context.Context, orgID, id string) (*store.Campaign, error)
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	GetTelephonyConfig(ctx context.Context, orgID string) (*store.TelephonyConfig, error)
	CurrentDefinition(ctx context.Context, workflowID string) (*store.WorkflowDefinition, error)
	ClaimQueuedRuns(ctx context.Context, campaignID string, scheduledBefore time.Time, limit int) ([]*store.QueuedRun, error)
	FinishQueuedRun(ctx context.Context, id string, state store.QueuedRunState) error
	CreateWorkflowRun(ctx context.Context, r *store.WorkflowRun) (*store.WorkflowRun, error)
	AddCampaignCounters(ctx context.Context, id string, processedDelta, failedDelta int) error
	UpdateCampaignState(ctx context.Context, id string, to store.CampaignState, from ...store.CampaignState) (*store.Campaign, error)
}

// FlightCounter tracks active calls per campaign. The bus satisfies it.
type FlightCounter interface {
	GetInt(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
}

// BatchRecorder counts batch dispatches and their claim sizes. The observe
// package implements it.
type BatchRecorder interface {
	RecordBatch(ctx context.Context, campaignID string, claimed int)
}

// SetMetrics attaches a batch counter. Nil disables recording.
func (p *Processor) SetMetrics(m BatchRecorder) { p.metrics = m }

// NewProcessor wires a batch processor.
func NewProcessor(st BatchStore, b FlightCounter, pub EventSink, dialer Dialer, logger *slog.Logger) *Processor {
	return &Processor{
		store:  st,
		bus:    b,
		pub:    pub,
		dialer: dialer,
		logger: logger.With("component", "batch_processor"),
		now:    time.Now,
	}
}

// Register binds the processor to its job name.
func (p *Processor) Register(q *jobs.Queue) error {
	return q.Register(JobProcessBatch, p.handleJob)
}

func (p *Processor) handleJob(ctx context.Context, payload []byte) error {
	var args BatchJobArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return fmt.Errorf("campaign: batch args: %w", err)
	}
	if args.BatchSize <= 0 {
		args.BatchSize = DefaultBatchSize
	}

	processed, err := p.ProcessBatch(ctx, args)
	if err != nil {
		p.failCampaign(ctx, args.CampaignID, processed, err)
	}
	// The failure is fully handled here; returning nil keeps the job queue
	// from retrying a batch whose campaign is already failed.
	return nil
}

// ProcessBatch claims up to BatchSize due runs and dials them. Returns how
// many calls were initiated. An error means the batch aborted and the
// campaign should fail.
func (p *Processor) ProcessBatch(ctx context.Context, args BatchJobArgs) (int, error) {
	camp, err := p.store.GetCampaign(ctx, "", args.CampaignID)
	if err != nil {
		return 0, fmt.Errorf("campaign: load for batch: %w", err)
	}
	if camp.State != store.CampaignRunning {
		p.logger.Info("skipping batch, campaign not running",
			"campaign_id", camp.ID, "state", camp.State)
		return 0, nil
	}

	org, err := p.store.GetOrganization(ctx, camp.OrganizationID)
	if err != nil {
		return 0, fmt.Errorf("campaign: load organization: %w", err)
	}
	tel, err := p.store.GetTelephonyConfig(ctx, camp.OrganizationID)
	if err != nil {
		return 0, fmt.Errorf("campaign: telephony not configured: %w", err)
	}

	inFlight, err := p.bus.GetInt(ctx, InFlightKey(camp.ID))
	if err != nil {
		p.logger.Warn("read in-flight counter", "campaign_id", camp.ID, "error", err)
	}

	limit := batchLimit(camp, org, tel, args.BatchSize, int(inFlight))
	if limit <= 0 {
		// All slots are busy. Report an empty batch so the orchestrator
		// tries again after the debounce window.
		return 0, p.pub.Publish(ctx, &BatchCompleted{Header: Header{CampaignID: camp.ID}})
	}

	claimed, err := p.store.ClaimQueuedRuns(ctx, camp.ID, p.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("campaign: claim runs: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordBatch(ctx, camp.ID, len(claimed))
	}

	processed, failed := 0, 0
	for _, qr := range claimed {
		if err := p.dispatch(ctx, camp, tel, qr); err != nil {
			p.logger.Error("dispatch failed",
				"campaign_id", camp.ID, "queued_run_id", qr.ID, "error", err)
			failed++
			if err := p.store.FinishQueuedRun(ctx, qr.ID, store.QueuedRunFailed); err != nil {
				p.logger.Error("mark queued run failed", "queued_run_id", qr.ID, "error", err)
			}
			if err := p.store.AddCampaignCounters(ctx, camp.ID, 0, 1); err != nil {
				p.logger.Error("count failed row", "campaign_id", camp.ID, "error", err)
			}
			continue
		}
		processed++
	}

	err = p.pub.Publish(ctx, &BatchCompleted{
		Header:         Header{CampaignID: camp.ID},
		ProcessedCount: processed,
		FailedCount:    failed,
		BatchSize:      len(claimed),
	})
	if err != nil {
		return processed, err
	}
	p.logger.Info("batch processed",
		"campaign_id", camp.ID, "initiated", processed, "failed", failed, "claimed", len(claimed))
	return processed, nil
}

// batchLimit computes min(batch_size, free slots) where free slots come from
// the effective concurrency minus the in-flight count. The effective
// concurrency is min(org limit, campaign max, from-number count); the
// from-number cap only applies when numbers are configured.
func batchLimit(camp *store.Campaign, org *store.Organization, tel *store.TelephonyConfig, batchSize, inFlight int) int {
	effective := org.ConcurrentCallLimit
	if camp.MaxConcurrency > 0 && camp.MaxConcurrency < effective {
		effective = camp.MaxConcurrency
	}
	if n := len(tel.FromNumbers); n > 0 && n < effective {
		effective = n
	}

	free := effective - inFlight
	if free < 0 {
		free = 0
	}
	if batchSize < free {
		return batchSize
	}
	return free
}

// dispatch creates the WorkflowRun for a claimed queued run and originates
// the call. The in-flight counter is bumped only after the provider accepts
// the call.
func (p *Processor) dispatch(ctx context.Context, camp *store.Campaign, tel *store.TelephonyConfig, qr *store.QueuedRun) error {
	to := qr.ContextVars["phone_number"]
	if to == "" {
		return errors.New("campaign: queued run has no phone_number")
	}

	def, err := p.store.CurrentDefinition(ctx, camp.WorkflowID)
	if err != nil {
		return fmt.Errorf("campaign: current definition: %w", err)
	}

	run, err := p.store.CreateWorkflowRun(ctx, &store.WorkflowRun{
		WorkflowID:     camp.WorkflowID,
		CampaignID:     camp.ID,
		QueuedRunID:    qr.ID,
		Mode:           "campaign",
		State:          store.RunCreated,
		DefinitionID:   def.ID,
		InitialContext: qr.ContextVars,
	})
	if err != nil {
		return fmt.Errorf("campaign: create workflow run: %w", err)
	}

	err = p.dialer.Dial(ctx, DialRequest{
		To:        to,
		Run:       run,
		Campaign:  camp,
		Telephony: tel,
	})
	if err != nil {
		return fmt.Errorf("campaign: initiate call: %w", err)
	}

	if _, err := p.bus.Incr(ctx, InFlightKey(camp.ID)); err != nil {
		p.logger.Warn("bump in-flight counter", "campaign_id", camp.ID, "error", err)
	}
	return nil
}

// failCampaign handles an aborted batch: the campaign fails and BatchFailed
// tells the orchestrator not to schedule a follow-up.
func (p *Processor) failCampaign(ctx context.Context, campaignID string, processed int, cause error) {
	p.logger.Error("batch aborted, failing campaign", "campaign_id", campaignID, "error", cause)

	_, err := p.store.UpdateCampaignState(ctx, campaignID, store.CampaignFailed,
		store.CampaignRunning, store.CampaignSyncing)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Error("mark campaign failed", "campaign_id", campaignID, "error", err)
	}
	err = p.pub.Publish(ctx, &BatchFailed{
		Header:         Header{CampaignID: campaignID},
		Error:          cause.Error(),
		ProcessedCount: processed,
	})
	if err != nil {
		p.logger.Error("publish batch failed", "campaign_id", campaignID, "error", err)
	}
}
