package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const runColumns = `
	id, workflow_id, campaign_id, queued_run_id, mode, state, definition_id,
	initial_context, gathered_context, usage, recording_url, transcript_url,
	storage_backend, disposition_code, end_reason, public_access_token,
	duration_seconds, created_at, updated_at, completed_at`

func scanRun(row pgx.Row) (*WorkflowRun, error) {
	var (
		r                            WorkflowRun
		campaignID, queuedRunID, tok *string
	)
	err := row.Scan(
		&r.ID, &r.WorkflowID, &campaignID, &queuedRunID, &r.Mode, &r.State,
		&r.DefinitionID, &r.InitialContext, &r.GatheredContext, &r.Usage,
		&r.RecordingURL, &r.TranscriptURL, &r.StorageBackend,
		&r.DispositionCode, &r.EndReason, &tok, &r.DurationSeconds,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan workflow run: %w", err)
	}
	if campaignID != nil {
		r.CampaignID = *campaignID
	}
	if queuedRunID != nil {
		r.QueuedRunID = *queuedRunID
	}
	if tok != nil {
		r.PublicAccessToken = *tok
	}
	return &r, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateWorkflowRun inserts a run for one call attempt.
func (s *Store) CreateWorkflowRun(ctx context.Context, r *WorkflowRun) (*WorkflowRun, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = RunCreated
	}
	if r.Mode == "" {
		r.Mode = "outbound"
	}
	const q = `
		INSERT INTO workflow_runs
		    (id, workflow_id, campaign_id, queued_run_id, mode, state,
		     definition_id, initial_context, storage_backend)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + runColumns

	return scanRun(s.pool.QueryRow(ctx, q,
		r.ID, r.WorkflowID, nilIfEmpty(r.CampaignID), nilIfEmpty(r.QueuedRunID),
		r.Mode, r.State, r.DefinitionID, r.InitialContext, r.StorageBackend,
	))
}

// GetWorkflowRun returns a run by id.
func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	const q = `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`
	return scanRun(s.pool.QueryRow(ctx, q, id))
}

// MarkRunStarted moves a run to in_progress when the call is answered and
// the media session comes up. Runs that already left created are untouched,
// so a duplicate media handshake cannot resurrect a finalized run.
func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	const q = `UPDATE workflow_runs
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state = $3`
	if _, err := s.pool.Exec(ctx, q, id, RunInProgress, RunCreated); err != nil {
		return fmt.Errorf("store: mark run started: %w", err)
	}
	return nil
}

// RunCompletion carries everything the pipeline writes back on call end.
type RunCompletion struct {
	State           RunState
	GatheredContext map[string]any
	Usage           RunUsage
	DispositionCode string
	EndReason       string
	DurationSeconds int
}

// FinalizeWorkflowRun writes call results back to the run. The row is read
// FOR UPDATE inside the transaction so concurrent finalizers (disconnect
// handler racing the completion job) serialize.
func (s *Store) FinalizeWorkflowRun(ctx context.Context, id string, c RunCompletion) (*WorkflowRun, error) {
	var out *WorkflowRun
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var state RunState
		const lockQ = `SELECT state FROM workflow_runs WHERE id = $1 FOR UPDATE`
		if err := tx.QueryRow(ctx, lockQ, id).Scan(&state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: lock run: %w", err)
		}
		if state == RunCompleted || state == RunFailed {
			// Already finalized; keep the first writer's result.
			run, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
			if err != nil {
				return err
			}
			out = run
			return nil
		}

		const q = `UPDATE workflow_runs SET
				state            = $2,
				gathered_context = $3,
				usage            = $4,
				disposition_code = $5,
				end_reason       = $6,
				duration_seconds = $7,
				completed_at     = now(),
				updated_at       = now()
			WHERE id = $1
			RETURNING ` + runColumns
		run, err := scanRun(tx.QueryRow(ctx, q, id,
			c.State, c.GatheredContext, c.Usage, c.DispositionCode,
			c.EndReason, c.DurationSeconds))
		if err != nil {
			return err
		}
		out = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetRunArtifacts records uploaded recording/transcript URLs.
func (s *Store) SetRunArtifacts(ctx context.Context, id, recordingURL, transcriptURL string) error {
	const q = `UPDATE workflow_runs
		SET recording_url = $2, transcript_url = $3, updated_at = now()
		WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, recordingURL, transcriptURL); err != nil {
		return fmt.Errorf("store: set artifacts: %w", err)
	}
	return nil
}

// EnsurePublicAccessToken returns the run's public access token, generating
// one on first call. The COALESCE keeps an existing token, so repeated calls
// always return the same value.
func (s *Store) EnsurePublicAccessToken(ctx context.Context, id string) (string, error) {
	candidate := uuid.NewString()
	const q = `UPDATE workflow_runs
		SET public_access_token = COALESCE(public_access_token, $2)
		WHERE id = $1
		RETURNING public_access_token`
	var tok string
	err := s.pool.QueryRow(ctx, q, id, candidate).Scan(&tok)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: ensure public access token: %w", err)
	}
	return tok, nil
}

// RunFilter restricts ListCampaignRuns. Zero values mean "no filter".
type RunFilter struct {
	DateFrom        time.Time
	DateTo          time.Time
	DispositionCode string
	MinDuration     int
	MaxDuration     int
	Status          RunState
	MinTokenUsage   int
}

// RunSort names the allowed sort columns for ListCampaignRuns.
var runSortColumns = map[string]string{
	"created_at": "created_at",
	"duration":   "duration_seconds",
	"status":     "state",
}

// ListCampaignRuns returns a page of workflow runs for a campaign,
// organization-scoped via the workflow join.
func (s *Store) ListCampaignRuns(ctx context.Context, orgID, campaignID string, f RunFilter, sortBy, sortOrder string, page, limit int) ([]*WorkflowRun, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	args := []any{campaignID, orgID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"r.campaign_id = $1",
		"w.organization_id = $2",
	}
	if !f.DateFrom.IsZero() {
		conditions = append(conditions, "r.created_at >= "+next(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		conditions = append(conditions, "r.created_at <= "+next(f.DateTo))
	}
	if f.DispositionCode != "" {
		conditions = append(conditions, "r.disposition_code = "+next(f.DispositionCode))
	}
	if f.MinDuration > 0 {
		conditions = append(conditions, "r.duration_seconds >= "+next(f.MinDuration))
	}
	if f.MaxDuration > 0 {
		conditions = append(conditions, "r.duration_seconds <= "+next(f.MaxDuration))
	}
	if f.Status != "" {
		conditions = append(conditions, "r.state = "+next(string(f.Status)))
	}
	if f.MinTokenUsage > 0 {
		conditions = append(conditions, "(r.usage->>'total_tokens')::int >= "+next(f.MinTokenUsage))
	}
	where := strings.Join(conditions, " AND ")

	col, ok := runSortColumns[sortBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		dir = "ASC"
	}

	countQ := `SELECT count(*) FROM workflow_runs r
		JOIN workflows w ON w.id = r.workflow_id
		WHERE ` + where
	var total int
	if err := s.pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count runs: %w", err)
	}

	listQ := fmt.Sprintf(`SELECT %s FROM workflow_runs r
		JOIN workflows w ON w.id = r.workflow_id
		WHERE %s
		ORDER BY r.%s %s
		LIMIT %s OFFSET %s`,
		qualifyRunColumns(), where, col, dir,
		next(limit), next((page-1)*limit))

	rows, err := s.pool.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	return out, total, nil
}

// qualifyRunColumns prefixes every run column with the r alias for joins.
func qualifyRunColumns() string {
	cols := strings.Split(runColumns, ",")
	for i, c := range cols {
		cols[i] = "r." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
