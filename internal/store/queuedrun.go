package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const queuedRunColumns = `
	id, campaign_id, source_uuid, context_vars, state, retry_count,
	parent_queued_run_id, scheduled_for, retry_reason, created_at, updated_at`

func scanQueuedRun(row pgx.Row) (*QueuedRun, error) {
	var (
		r      QueuedRun
		parent *string
	)
	err := row.Scan(
		&r.ID, &r.CampaignID, &r.SourceUUID, &r.ContextVars, &r.State,
		&r.RetryCount, &parent, &r.ScheduledFor, &r.RetryReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan queued run: %w", err)
	}
	if parent != nil {
		r.ParentQueuedRunID = *parent
	}
	return &r, nil
}

// CreateQueuedRun inserts a queued run. Used by source sync (first attempts)
// and by the orchestrator (retries, with ScheduledFor and parent set).
func (s *Store) CreateQueuedRun(ctx context.Context, r *QueuedRun) (*QueuedRun, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = QueuedRunQueued
	}
	var parent *string
	if r.ParentQueuedRunID != "" {
		parent = &r.ParentQueuedRunID
	}
	const q = `
		INSERT INTO queued_runs
		    (id, campaign_id, source_uuid, context_vars, state, retry_count,
		     parent_queued_run_id, scheduled_for, retry_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + queuedRunColumns

	return scanQueuedRun(s.pool.QueryRow(ctx, q,
		r.ID, r.CampaignID, r.SourceUUID, r.ContextVars, r.State,
		r.RetryCount, parent, r.ScheduledFor, r.RetryReason,
	))
}

// GetQueuedRun returns a single queued run by id.
func (s *Store) GetQueuedRun(ctx context.Context, id string) (*QueuedRun, error) {
	const q = `SELECT ` + queuedRunColumns + ` FROM queued_runs WHERE id = $1`
	return scanQueuedRun(s.pool.QueryRow(ctx, q, id))
}

// ClaimQueuedRuns atomically claims up to limit queued runs for a campaign
// and marks them processing, all in one transaction.
//
// Scheduled runs due at or before scheduledBefore are claimed first, oldest
// schedule first; remaining slots are filled with unscheduled runs in
// creation order. FOR UPDATE SKIP LOCKED ensures two concurrent batch
// processors never claim the same row; a crashed claimant's lock is released
// by the database on connection loss.
func (s *Store) ClaimQueuedRuns(ctx context.Context, campaignID string, scheduledBefore time.Time, limit int) ([]*QueuedRun, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*QueuedRun
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		ids := make([]string, 0, limit)

		const dueQ = `
			SELECT id FROM queued_runs
			WHERE campaign_id = $1 AND state = 'queued'
			  AND scheduled_for IS NOT NULL AND scheduled_for <= $2
			ORDER BY scheduled_for
			LIMIT $3
			FOR UPDATE SKIP LOCKED`
		rows, err := tx.Query(ctx, dueQ, campaignID, scheduledBefore, limit)
		if err != nil {
			return fmt.Errorf("store: claim due runs: %w", err)
		}
		ids, err = appendIDs(ids, rows)
		if err != nil {
			return err
		}

		if remaining := limit - len(ids); remaining > 0 {
			const freshQ = `
				SELECT id FROM queued_runs
				WHERE campaign_id = $1 AND state = 'queued'
				  AND scheduled_for IS NULL
				ORDER BY created_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED`
			rows, err := tx.Query(ctx, freshQ, campaignID, remaining)
			if err != nil {
				return fmt.Errorf("store: claim fresh runs: %w", err)
			}
			ids, err = appendIDs(ids, rows)
			if err != nil {
				return err
			}
		}

		if len(ids) == 0 {
			return nil
		}

		const markQ = `
			UPDATE queued_runs
			SET state = 'processing', updated_at = now()
			WHERE id = ANY($1)
			RETURNING ` + queuedRunColumns
		rows, err = tx.Query(ctx, markQ, ids)
		if err != nil {
			return fmt.Errorf("store: mark processing: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanQueuedRun(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func appendIDs(ids []string, rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan claim id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: claim rows: %w", err)
	}
	return ids, nil
}

// FinishQueuedRun moves a processing run to done or failed.
func (s *Store) FinishQueuedRun(ctx context.Context, id string, state QueuedRunState) error {
	if state != QueuedRunDone && state != QueuedRunFailed {
		return fmt.Errorf("store: invalid finish state %q", state)
	}
	const q = `UPDATE queued_runs SET state = $2, updated_at = now()
		WHERE id = $1 AND state = 'processing'`
	tag, err := s.pool.Exec(ctx, q, id, state)
	if err != nil {
		return fmt.Errorf("store: finish queued run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
