package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/store"
)

// SourceRow is one ingested row of a campaign source. Values holds the raw
// column map; phone_number is required, everything else becomes per-call
// context variables.
type SourceRow struct {
	UUID   string
	Values map[string]string
}

// SourceReader loads the rows of a campaign source. Implemented by the
// artifacts layer for csv sources and by the sheet client for google-sheet
// sources.
type SourceReader interface {
	ReadRows(ctx context.Context, orgID, sourceType, sourceID string) ([]SourceRow, error)
}

// Syncer is the job-queue worker that ingests a campaign source into queued
// runs and flips the campaign from syncing to running.
type Syncer struct {
	store  *store.Store
	pub    *Publisher
	src    SourceReader
	logger *slog.Logger
}

// NewSyncer wires a source syncer.
func NewSyncer(st *store.Store, pub *Publisher, src SourceReader, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:  st,
		pub:    pub,
		src:    src,
		logger: logger.With("component", "source_syncer"),
	}
}

// Register binds the syncer to its job name.
func (s *Syncer) Register(q *jobs.Queue) error {
	return q.Register(JobSyncSource, s.handleJob)
}

func (s *Syncer) handleJob(ctx context.Context, payload []byte) error {
	var args SyncJobArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return fmt.Errorf("campaign: sync args: %w", err)
	}
	if err := s.Sync(ctx, args.CampaignID); err != nil {
		s.logger.Error("sync aborted, failing campaign", "campaign_id", args.CampaignID, "error", err)
		_, stateErr := s.store.UpdateCampaignState(ctx, args.CampaignID, store.CampaignFailed,
			store.CampaignSyncing)
		if stateErr != nil && !errors.Is(stateErr, store.ErrNotFound) {
			s.logger.Error("mark campaign failed", "campaign_id", args.CampaignID, "error", stateErr)
		}
	}
	return nil
}

// Sync ingests the campaign source, creates one queued run per usable row,
// and publishes SyncCompleted so the orchestrator starts scheduling.
func (s *Syncer) Sync(ctx context.Context, campaignID string) error {
	camp, err := s.store.GetCampaign(ctx, "", campaignID)
	if err != nil {
		return fmt.Errorf("campaign: load for sync: %w", err)
	}
	if camp.State != store.CampaignSyncing {
		s.logger.Info("skipping sync, campaign not syncing",
			"campaign_id", camp.ID, "state", camp.State)
		return nil
	}

	rows, err := s.src.ReadRows(ctx, camp.OrganizationID, camp.SourceType, camp.SourceID)
	if err != nil {
		return fmt.Errorf("campaign: read source: %w", err)
	}

	total, skipped := 0, 0
	for _, row := range rows {
		if row.Values["phone_number"] == "" {
			skipped++
			continue
		}
		_, err := s.store.CreateQueuedRun(ctx, &store.QueuedRun{
			CampaignID:  camp.ID,
			SourceUUID:  row.UUID,
			ContextVars: row.Values,
			State:       store.QueuedRunQueued,
		})
		if err != nil {
			return fmt.Errorf("campaign: create queued run: %w", err)
		}
		total++
	}
	if skipped > 0 {
		s.logger.Warn("skipped rows without phone_number",
			"campaign_id", camp.ID, "skipped", skipped)
	}
	if total == 0 {
		return errors.New("campaign: source has no usable rows")
	}

	if err := s.store.SetCampaignTotalRows(ctx, camp.ID, total); err != nil {
		return fmt.Errorf("campaign: set total rows: %w", err)
	}
	if _, err := s.store.UpdateCampaignState(ctx, camp.ID, store.CampaignRunning, store.CampaignSyncing); err != nil {
		return fmt.Errorf("campaign: transition to running: %w", err)
	}

	err = s.pub.Publish(ctx, &SyncCompleted{
		Header:    Header{CampaignID: camp.ID},
		TotalRows: total,
	})
	if err != nil {
		return err
	}
	s.logger.Info("source synced", "campaign_id", camp.ID, "rows", total)
	return nil
}
