package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/campaign"
	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/store"
)

// JobCompleteCall is the job name of the post-call completion handler.
const JobCompleteCall = "complete_call"

// signedURLTTL is how long webhook recipients can fetch artifact links.
const signedURLTTL = 24 * time.Hour

// CompletionArgs is the payload of a complete_call job. The pipeline flushes
// its buffers to temp files on call end and enqueues one of these.
type CompletionArgs struct {
	RunID           string         `json:"run_id"`
	EndReason       string         `json:"end_reason"`
	Disposition     string         `json:"disposition"`
	CallStatus      string         `json:"call_status,omitempty"` // provider terminal status
	DurationSeconds int            `json:"duration_seconds"`
	GatheredContext map[string]any `json:"gathered_context,omitempty"`
	Usage           store.RunUsage `json:"usage"`

	// RecordingPath and TranscriptPath are temp files; the handler removes
	// them after a successful upload.
	RecordingPath  string `json:"recording_path,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

// Completion is the job-queue worker that finishes a call: it uploads the
// artifacts, finalizes the run row, settles the campaign bookkeeping, and
// fires the webhook integrations.
type Completion struct {
	store        *store.Store
	bus          *bus.Bus
	storage      Storage
	pub          *campaign.Publisher
	breaker      *campaign.Breaker
	integrations IntegrationSource
	logger       *slog.Logger
}

// NewCompletion wires a completion worker. integrations may be nil.
func NewCompletion(st *store.Store, b *bus.Bus, storage Storage, pub *campaign.Publisher, breaker *campaign.Breaker, integrations IntegrationSource, logger *slog.Logger) *Completion {
	return &Completion{
		store:        st,
		bus:          b,
		storage:      storage,
		pub:          pub,
		breaker:      breaker,
		integrations: integrations,
		logger:       logger.With("component", "completion"),
	}
}

// Register binds the worker to its job name.
func (c *Completion) Register(q *jobs.Queue) error {
	return q.Register(JobCompleteCall, c.handleJob)
}

func (c *Completion) handleJob(ctx context.Context, payload []byte) error {
	var args CompletionArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return fmt.Errorf("artifacts: completion args: %w", err)
	}
	return c.Complete(ctx, args)
}

// Complete runs the full post-call sequence. Upload failures abort so the
// job retries; bookkeeping failures after a successful finalize are logged
// and swallowed, since retrying would double-count.
func (c *Completion) Complete(ctx context.Context, args CompletionArgs) error {
	run, err := c.store.GetWorkflowRun(ctx, args.RunID)
	if err != nil {
		return fmt.Errorf("artifacts: load run: %w", err)
	}

	recordingURL, transcriptURL, err := c.upload(ctx, args)
	if err != nil {
		return err
	}
	if recordingURL != "" || transcriptURL != "" {
		if err := c.store.SetRunArtifacts(ctx, run.ID, recordingURL, transcriptURL); err != nil {
			return fmt.Errorf("artifacts: record artifact urls: %w", err)
		}
	}

	failed := callFailed(args)
	state := store.RunCompleted
	if failed {
		state = store.RunFailed
	}
	run, err = c.store.FinalizeWorkflowRun(ctx, run.ID, store.RunCompletion{
		State:           state,
		GatheredContext: args.GatheredContext,
		Usage:           args.Usage,
		DispositionCode: args.Disposition,
		EndReason:       args.EndReason,
		DurationSeconds: args.DurationSeconds,
	})
	if err != nil {
		return fmt.Errorf("artifacts: finalize run: %w", err)
	}

	if run.CampaignID != "" {
		c.settleCampaign(ctx, run, args, failed)
	}

	c.deliver(ctx, run, args, recordingURL, transcriptURL)
	c.cleanup(args)
	return nil
}

// upload pushes the temp files to object storage.
func (c *Completion) upload(ctx context.Context, args CompletionArgs) (recordingURL, transcriptURL string, err error) {
	if args.RecordingPath != "" {
		data, err := os.ReadFile(args.RecordingPath)
		if err != nil {
			return "", "", fmt.Errorf("artifacts: read recording: %w", err)
		}
		recordingURL, err = c.storage.Put(ctx, RecordingKey(args.RunID), "audio/wav", data)
		if err != nil {
			return "", "", fmt.Errorf("artifacts: upload recording: %w", err)
		}
	}
	if args.TranscriptPath != "" {
		data, err := os.ReadFile(args.TranscriptPath)
		if err != nil {
			return "", "", fmt.Errorf("artifacts: read transcript: %w", err)
		}
		transcriptURL, err = c.storage.Put(ctx, TranscriptKey(args.RunID), "text/plain", data)
		if err != nil {
			return "", "", fmt.Errorf("artifacts: upload transcript: %w", err)
		}
	}
	return recordingURL, transcriptURL, nil
}

// settleCampaign releases the concurrency slot, closes out the queued run,
// feeds the breaker, and publishes a retry request when the outcome
// qualifies.
func (c *Completion) settleCampaign(ctx context.Context, run *store.WorkflowRun, args CompletionArgs, failed bool) {
	if _, err := c.bus.Decr(ctx, campaign.InFlightKey(run.CampaignID)); err != nil {
		c.logger.Warn("release in-flight slot", "campaign_id", run.CampaignID, "error", err)
	}

	qrState := store.QueuedRunDone
	if failed {
		qrState = store.QueuedRunFailed
	}
	if run.QueuedRunID != "" {
		if err := c.store.FinishQueuedRun(ctx, run.QueuedRunID, qrState); err != nil {
			c.logger.Error("finish queued run", "queued_run_id", run.QueuedRunID, "error", err)
		}
	}

	processed, failedDelta := 1, 0
	if failed {
		processed, failedDelta = 0, 1
	}
	if err := c.store.AddCampaignCounters(ctx, run.CampaignID, processed, failedDelta); err != nil {
		c.logger.Error("update campaign counters", "campaign_id", run.CampaignID, "error", err)
	}

	camp, err := c.store.GetCampaign(ctx, "", run.CampaignID)
	if err != nil {
		c.logger.Error("load campaign for settlement", "campaign_id", run.CampaignID, "error", err)
		return
	}
	c.breaker.Observe(ctx, camp.ID, camp.Breaker, failed)

	if reason, ok := retryReason(args); ok && run.QueuedRunID != "" {
		err := c.pub.Publish(ctx, &campaign.RetryNeeded{
			Header:        campaign.Header{CampaignID: camp.ID},
			WorkflowRunID: run.ID,
			QueuedRunID:   run.QueuedRunID,
			Reason:        reason,
		})
		if err != nil {
			c.logger.Error("publish retry needed", "campaign_id", camp.ID, "error", err)
		}
	}
}

// deliver fires the webhook integrations sequentially. Each integration's
// failure is logged but does not block the others; links are signed so
// recipients can download without storage credentials.
func (c *Completion) deliver(ctx context.Context, run *store.WorkflowRun, args CompletionArgs, recordingURL, transcriptURL string) {
	if c.integrations == nil {
		return
	}
	targets, err := c.integrations(ctx, run.WorkflowID)
	if err != nil {
		c.logger.Error("resolve integrations", "workflow_id", run.WorkflowID, "error", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	payload := CompletionPayload{
		WorkflowRunID:   run.ID,
		WorkflowID:      run.WorkflowID,
		CampaignID:      run.CampaignID,
		EndReason:       args.EndReason,
		Disposition:     args.Disposition,
		DurationSeconds: args.DurationSeconds,
		GatheredContext: args.GatheredContext,
	}
	payload.Usage.PromptTokens = args.Usage.PromptTokens
	payload.Usage.CompletionTokens = args.Usage.CompletionTokens
	payload.Usage.TotalTokens = args.Usage.TotalTokens
	if recordingURL != "" {
		if u, err := c.storage.SignedURL(ctx, RecordingKey(args.RunID), signedURLTTL); err == nil {
			payload.RecordingURL = u
		}
	}
	if transcriptURL != "" {
		if u, err := c.storage.SignedURL(ctx, TranscriptKey(args.RunID), signedURLTTL); err == nil {
			payload.TranscriptURL = u
		}
	}

	for _, target := range targets {
		if err := target.Deliver(ctx, payload); err != nil {
			c.logger.Error("integration delivery failed",
				"integration", target.Name(), "run_id", run.ID, "error", err)
		}
	}
}

func (c *Completion) cleanup(args CompletionArgs) {
	for _, path := range []string{args.RecordingPath, args.TranscriptPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("remove temp artifact", "path", path, "error", err)
		}
	}
}

// callFailed reports whether the outcome counts as a failure for the
// campaign counters and the breaker window.
func callFailed(args CompletionArgs) bool {
	switch args.CallStatus {
	case "busy", "no-answer", "failed":
		return true
	}
	return args.EndReason == "UNEXPECTED_ERROR"
}

// retryReason maps an outcome to its retry category. Completed transfers and
// ordinary hangups never retry; a voicemail disposition retries even though
// the call technically connected.
func retryReason(args CompletionArgs) (campaign.RetryReason, bool) {
	switch args.CallStatus {
	case "busy":
		return campaign.ReasonBusy, true
	case "no-answer":
		return campaign.ReasonNoAnswer, true
	case "failed":
		return campaign.ReasonFailed, true
	}
	if args.Disposition == "voicemail" {
		return campaign.ReasonVoicemail, true
	}
	if args.EndReason == "UNEXPECTED_ERROR" {
		return campaign.ReasonError, true
	}
	return "", false
}
