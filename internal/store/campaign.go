package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const campaignColumns = `
	id, organization_id, workflow_id, name, state, source_type, source_id,
	retry_config, max_concurrency, schedule_config, breaker_config,
	total_rows, processed_rows, failed_rows, last_batch_scheduled_at,
	created_at, updated_at, started_at, completed_at`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.WorkflowID, &c.Name, &c.State,
		&c.SourceType, &c.SourceID, &c.Retry, &c.MaxConcurrency,
		&c.Schedule, &c.Breaker, &c.TotalRows, &c.ProcessedRows,
		&c.FailedRows, &c.LastBatchScheduledAt, &c.CreatedAt, &c.UpdatedAt,
		&c.StartedAt, &c.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan campaign: %w", err)
	}
	return &c, nil
}

// CreateCampaign inserts a new campaign in state `created` and returns it.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) (*Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.State = CampaignCreated
	const q = `
		INSERT INTO campaigns
		    (id, organization_id, workflow_id, name, state, source_type,
		     source_id, retry_config, max_concurrency, schedule_config,
		     breaker_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + campaignColumns

	return scanCampaign(s.pool.QueryRow(ctx, q,
		c.ID, c.OrganizationID, c.WorkflowID, c.Name, c.State,
		c.SourceType, c.SourceID, c.Retry, c.MaxConcurrency,
		c.Schedule, c.Breaker,
	))
}

// GetCampaign returns a campaign scoped to the owning organization. Pass an
// empty orgID only from internal paths that have already authorized access.
func (s *Store) GetCampaign(ctx context.Context, orgID, id string) (*Campaign, error) {
	if orgID == "" {
		const q = `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
		return scanCampaign(s.pool.QueryRow(ctx, q, id))
	}
	const q = `SELECT ` + campaignColumns + `
		FROM campaigns WHERE id = $1 AND organization_id = $2`
	return scanCampaign(s.pool.QueryRow(ctx, q, id, orgID))
}

// ListCampaigns returns all campaigns for an organization, newest first.
func (s *Store) ListCampaigns(ctx context.Context, orgID string) ([]*Campaign, error) {
	const q = `SELECT ` + campaignColumns + `
		FROM campaigns WHERE organization_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list campaigns: %w", err)
	}
	return out, nil
}

// ListCampaignsByState returns all campaigns currently in the given state,
// across organizations. Used by the orchestrator's completion monitor.
func (s *Store) ListCampaignsByState(ctx context.Context, state CampaignState) ([]*Campaign, error) {
	const q = `SELECT ` + campaignColumns + ` FROM campaigns WHERE state = $1`
	rows, err := s.pool.Query(ctx, q, state)
	if err != nil {
		return nil, fmt.Errorf("store: list campaigns by state: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list campaigns by state: %w", err)
	}
	return out, nil
}

// UpdateCampaignState transitions a campaign, restricted to the allowed
// source states. Returns ErrNotFound if the campaign is not in any of the
// from states, which callers surface as a state-conflict error.
func (s *Store) UpdateCampaignState(ctx context.Context, id string, to CampaignState, from ...CampaignState) (*Campaign, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("store: invalid campaign state %q", to)
	}
	if len(from) == 0 {
		const q = `UPDATE campaigns SET state = $2, updated_at = now()
			WHERE id = $1 RETURNING ` + campaignColumns
		return scanCampaign(s.pool.QueryRow(ctx, q, id, to))
	}
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}
	const q = `UPDATE campaigns SET state = $2, updated_at = now(),
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL
				THEN now() ELSE started_at END
		WHERE id = $1 AND state = ANY($3)
		RETURNING ` + campaignColumns
	return scanCampaign(s.pool.QueryRow(ctx, q, id, to, states))
}

// MarkCampaignCompleted sets terminal completion state and timestamp.
func (s *Store) MarkCampaignCompleted(ctx context.Context, id string) (*Campaign, error) {
	const q = `UPDATE campaigns
		SET state = 'completed', completed_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'running'
		RETURNING ` + campaignColumns
	return scanCampaign(s.pool.QueryRow(ctx, q, id))
}

// UpdateCampaignConfig patches mutable campaign settings. Nil fields are left
// untouched. Not allowed on terminal campaigns; callers check state first but
// the query re-verifies.
func (s *Store) UpdateCampaignConfig(ctx context.Context, orgID, id string, name *string, retry *RetryConfig, maxConcurrency *int, schedule *ScheduleConfig) (*Campaign, error) {
	const q = `UPDATE campaigns SET
			name            = COALESCE($3, name),
			retry_config    = COALESCE($4, retry_config),
			max_concurrency = COALESCE($5, max_concurrency),
			schedule_config = COALESCE($6, schedule_config),
			updated_at      = now()
		WHERE id = $1 AND organization_id = $2
		  AND state NOT IN ('completed', 'failed')
		RETURNING ` + campaignColumns
	return scanCampaign(s.pool.QueryRow(ctx, q, id, orgID, name, retry, maxConcurrency, schedule))
}

// SetCampaignTotalRows records the source-sync row count.
func (s *Store) SetCampaignTotalRows(ctx context.Context, id string, total int) error {
	const q = `UPDATE campaigns SET total_rows = $2, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, total); err != nil {
		return fmt.Errorf("store: set total rows: %w", err)
	}
	return nil
}

// AddCampaignCounters atomically adds to the processed/failed counters.
// Counters only move forward; resume resets go through ResetCampaignCounters.
func (s *Store) AddCampaignCounters(ctx context.Context, id string, processedDelta, failedDelta int) error {
	const q = `UPDATE campaigns SET
			processed_rows = processed_rows + $2,
			failed_rows    = failed_rows + $3,
			updated_at     = now()
		WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, processedDelta, failedDelta); err != nil {
		return fmt.Errorf("store: add counters: %w", err)
	}
	return nil
}

// TouchCampaignBatchScheduled records the time of the most recent batch.
func (s *Store) TouchCampaignBatchScheduled(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE campaigns SET last_batch_scheduled_at = $2, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("store: touch batch scheduled: %w", err)
	}
	return nil
}

// CountPendingWork returns how many queued runs are ready for a campaign:
// state queued with no schedule, or scheduled at or before now.
func (s *Store) CountPendingWork(ctx context.Context, campaignID string, now time.Time) (int, error) {
	const q = `SELECT count(*) FROM queued_runs
		WHERE campaign_id = $1 AND state = 'queued'
		  AND (scheduled_for IS NULL OR scheduled_for <= $2)`
	var n int
	if err := s.pool.QueryRow(ctx, q, campaignID, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count pending work: %w", err)
	}
	return n, nil
}

// CountFutureRetries returns queued runs scheduled strictly after now.
// A campaign with future retries is not complete even when nothing is due.
func (s *Store) CountFutureRetries(ctx context.Context, campaignID string, now time.Time) (int, error) {
	const q = `SELECT count(*) FROM queued_runs
		WHERE campaign_id = $1 AND state = 'queued' AND scheduled_for > $2`
	var n int
	if err := s.pool.QueryRow(ctx, q, campaignID, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count future retries: %w", err)
	}
	return n, nil
}
