package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voicelane/voicelane/internal/artifacts"
	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/campaign"
	"github.com/voicelane/voicelane/internal/store"
)

// Bounds on user-supplied campaign settings.
const (
	maxRetriesCeiling     = 10
	minRetryDelaySeconds  = 30
	maxRetryDelaySeconds  = 3600
	maxConcurrencyCeiling = 100
)

// createCampaignRequest is the body of POST /campaign/create.
type createCampaignRequest struct {
	Name           string                `json:"name"`
	WorkflowID     string                `json:"workflow_id"`
	SourceType     string                `json:"source_type"`
	SourceID       string                `json:"source_id"`
	Retry          *store.RetryConfig    `json:"retry_config,omitempty"`
	MaxConcurrency int                   `json:"max_concurrency,omitempty"`
	Schedule       *store.ScheduleConfig `json:"schedule_config,omitempty"`
}

// campaignResponse is the external shape of a campaign.
type campaignResponse struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	WorkflowID     string               `json:"workflow_id"`
	State          store.CampaignState  `json:"state"`
	SourceType     string               `json:"source_type"`
	SourceID       string               `json:"source_id"`
	Retry          store.RetryConfig    `json:"retry_config"`
	MaxConcurrency int                  `json:"max_concurrency"`
	Schedule       store.ScheduleConfig `json:"schedule_config"`
	TotalRows      int                  `json:"total_rows"`
	ProcessedRows  int                  `json:"processed_rows"`
	FailedRows     int                  `json:"failed_rows"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

func toCampaignResponse(c *store.Campaign) campaignResponse {
	return campaignResponse{
		ID:             c.ID,
		Name:           c.Name,
		WorkflowID:     c.WorkflowID,
		State:          c.State,
		SourceType:     c.SourceType,
		SourceID:       c.SourceID,
		Retry:          c.Retry,
		MaxConcurrency: c.MaxConcurrency,
		Schedule:       c.Schedule,
		TotalRows:      c.TotalRows,
		ProcessedRows:  c.ProcessedRows,
		FailedRows:     c.FailedRows,
		CreatedAt:      c.CreatedAt,
		StartedAt:      c.StartedAt,
		CompletedAt:    c.CompletedAt,
	}
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	org, err := orgID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, validationf("invalid request body: %v", err))
		return
	}

	if req.Name == "" {
		writeError(w, validationf("name is required"))
		return
	}
	if req.SourceType != "csv" && req.SourceType != "google-sheet" {
		writeError(w, validationf("source_type must be csv or google-sheet, got %q", req.SourceType))
		return
	}
	if req.SourceID == "" {
		writeError(w, validationf("source_id is required"))
		return
	}
	if req.SourceType == "csv" && !strings.HasPrefix(req.SourceID, artifacts.SourceKeyPrefix(org)) {
		writeError(w, authorizationf("source %q does not belong to your organization", req.SourceID))
		return
	}
	if err := validateRetry(req.Retry); err != nil {
		writeError(w, err)
		return
	}
	if req.Schedule != nil {
		if err := campaign.ValidateSchedule(*req.Schedule); err != nil {
			writeError(w, validationf("%v", err))
			return
		}
	}

	if _, err := s.store.GetWorkflow(r.Context(), org, req.WorkflowID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, notFoundf("workflow %s not found", req.WorkflowID))
		} else {
			writeError(w, err)
		}
		return
	}
	if err := s.validateConcurrency(r.Context(), org, req.MaxConcurrency); err != nil {
		writeError(w, err)
		return
	}

	// The source must be readable and carry a phone_number column before
	// anything is persisted.
	if _, err := s.source.ReadRows(r.Context(), org, req.SourceType, req.SourceID); err != nil {
		writeError(w, validationf("source validation failed: %v", err))
		return
	}

	c := &store.Campaign{
		OrganizationID: org,
		WorkflowID:     req.WorkflowID,
		Name:           req.Name,
		State:          store.CampaignCreated,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		MaxConcurrency: req.MaxConcurrency,
		Breaker: store.BreakerConfig{
			Enabled:          true,
			FailureThreshold: campaign.DefaultFailureThreshold,
			WindowSeconds:    campaign.DefaultWindowSeconds,
			MinCallsInWindow: campaign.DefaultMinCallsInWindow,
		},
	}
	if req.Retry != nil {
		c.Retry = *req.Retry
	}
	if req.Schedule != nil {
		c.Schedule = *req.Schedule
	}

	created, err := s.store.CreateCampaign(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("campaign created", "campaign_id", created.ID, "organization_id", org)
	writeJSON(w, http.StatusCreated, toCampaignResponse(created))
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	org, err := orgID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), org)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, toCampaignResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCampaign(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCampaign(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.State != store.CampaignCreated {
		writeError(w, conflictf("campaign is %s, only created campaigns can start", c.State))
		return
	}

	org, err := s.store.GetOrganization(r.Context(), c.OrganizationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if org.ConcurrentCallLimit < 1 {
		writeError(w, quotaf("organization has no concurrent call quota"))
		return
	}
	tel, err := s.store.GetTelephonyConfig(r.Context(), c.OrganizationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, configf("telephony is not configured"))
		} else {
			writeError(w, err)
		}
		return
	}
	if len(tel.FromNumbers) == 0 {
		writeError(w, configf("telephony config has no outbound numbers"))
		return
	}

	updated, err := s.store.UpdateCampaignState(r.Context(), c.ID, store.CampaignSyncing, store.CampaignCreated)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, conflictf("campaign already started"))
		} else {
			writeError(w, err)
		}
		return
	}

	payload, _ := json.Marshal(campaign.SyncJobArgs{CampaignID: c.ID})
	if err := s.queue.Enqueue(r.Context(), campaign.JobSyncSource, payload); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("campaign started", "campaign_id", c.ID)
	writeJSON(w, http.StatusOK, toCampaignResponse(updated))
}

func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCampaign(r)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.UpdateCampaignState(r.Context(), c.ID, store.CampaignPaused,
		store.CampaignRunning, store.CampaignSyncing)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, conflictf("campaign is %s, only running or syncing campaigns can pause", c.State))
		} else {
			writeError(w, err)
		}
		return
	}
	err = s.pub.Publish(r.Context(), &campaign.CampaignPaused{
		Header: campaign.Header{CampaignID: c.ID},
		Reason: "user_requested",
	})
	if err != nil {
		s.logger.Error("publish campaign paused", "campaign_id", c.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(updated))
}

func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCampaign(r)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.UpdateCampaignState(r.Context(), c.ID, store.CampaignRunning,
		store.CampaignPaused)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, conflictf("campaign is %s, only paused campaigns can resume", c.State))
		} else {
			writeError(w, err)
		}
		return
	}

	// A resumed campaign gets a clean breaker window; the outcomes that
	// caused the pause must not immediately re-trip it.
	if err := s.breaker.Reset(r.Context(), c.ID); err != nil {
		s.logger.Error("reset breaker on resume", "campaign_id", c.ID, "error", err)
	}
	err = s.pub.Publish(r.Context(), &campaign.CampaignResumed{
		Header: campaign.Header{CampaignID: c.ID},
	})
	if err != nil {
		s.logger.Error("publish campaign resumed", "campaign_id", c.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(updated))
}

// patchCampaignRequest is the body of PATCH /campaign/{id}. Nil fields stay
// untouched.
type patchCampaignRequest struct {
	Name           *string               `json:"name,omitempty"`
	Retry          *store.RetryConfig    `json:"retry_config,omitempty"`
	MaxConcurrency *int                  `json:"max_concurrency,omitempty"`
	Schedule       *store.ScheduleConfig `json:"schedule_config,omitempty"`
}

func (s *Server) handlePatchCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCampaign(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.State.IsTerminal() {
		writeError(w, conflictf("campaign is %s and can no longer be updated", c.State))
		return
	}

	var req patchCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, validationf("invalid request body: %v", err))
		return
	}
	if req.Name != nil && *req.Name == "" {
		writeError(w, validationf("name must not be empty"))
		return
	}
	if err := validateRetry(req.Retry); err != nil {
		writeError(w, err)
		return
	}
	if req.Schedule != nil {
		if err := campaign.ValidateSchedule(*req.Schedule); err != nil {
			writeError(w, validationf("%v", err))
			return
		}
	}
	if req.MaxConcurrency != nil {
		if err := s.validateConcurrency(r.Context(), c.OrganizationID, *req.MaxConcurrency); err != nil {
			writeError(w, err)
			return
		}
	}

	updated, err := s.store.UpdateCampaignConfig(r.Context(), c.OrganizationID, c.ID,
		req.Name, req.Retry, req.MaxConcurrency, req.Schedule)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, conflictf("campaign can no longer be updated"))
		} else {
			writeError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(updated))
}

// runResponse is the external shape of one workflow run in a runs listing.
type runResponse struct {
	ID              string         `json:"id"`
	State           store.RunState `json:"state"`
	DispositionCode string         `json:"disposition_code,omitempty"`
	EndReason       string         `json:"end_reason,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	TotalTokens     int            `json:"total_tokens"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

type runsPage struct {
	Runs  []runResponse `json:"runs"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
	Total int           `json:"total"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCampaign(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	filter, err := parseRunFilter(q)
	if err != nil {
		writeError(w, err)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	runs, total, err := s.store.ListCampaignRuns(r.Context(), c.OrganizationID, c.ID,
		filter, q.Get("sort_by"), q.Get("sort_order"), page, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := runsPage{Runs: make([]runResponse, 0, len(runs)), Page: max(page, 1), Limit: limit, Total: total}
	for _, run := range runs {
		out.Runs = append(out.Runs, runResponse{
			ID:              run.ID,
			State:           run.State,
			DispositionCode: run.DispositionCode,
			EndReason:       run.EndReason,
			DurationSeconds: run.DurationSeconds,
			TotalTokens:     run.Usage.TotalTokens,
			CreatedAt:       run.CreatedAt,
			CompletedAt:     run.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// progressResponse is the body of GET /campaign/{id}/progress.
type progressResponse struct {
	State         store.CampaignState `json:"state"`
	TotalRows     int                 `json:"total_rows"`
	ProcessedRows int                 `json:"processed_rows"`
	FailedRows    int                 `json:"failed_rows"`
	InFlight      int                 `json:"in_flight"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCampaign(r)
	if err != nil {
		writeError(w, err)
		return
	}
	inFlight, err := s.bus.GetInt(r.Context(), campaign.InFlightKey(c.ID))
	if err != nil && !errors.Is(err, bus.ErrNotFound) {
		s.logger.Warn("read in-flight counter", "campaign_id", c.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, progressResponse{
		State:         c.State,
		TotalRows:     c.TotalRows,
		ProcessedRows: c.ProcessedRows,
		FailedRows:    c.FailedRows,
		InFlight:      int(inFlight),
	})
}

func (s *Server) handleSourceDownloadURL(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCampaign(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.SourceType != "csv" {
		writeError(w, validationf("download URLs are only available for csv sources"))
		return
	}
	if !strings.HasPrefix(c.SourceID, artifacts.SourceKeyPrefix(c.OrganizationID)) {
		writeError(w, authorizationf("source key is outside the organization prefix"))
		return
	}
	u, err := s.storage.SignedURL(r.Context(), c.SourceID, time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

// loadCampaign resolves the {id} path value scoped to the caller's org.
func (s *Server) loadCampaign(r *http.Request) (*store.Campaign, error) {
	org, err := orgID(r)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCampaign(r.Context(), org, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundf("campaign not found")
	}
	return c, err
}

func validateRetry(cfg *store.RetryConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > maxRetriesCeiling {
		return validationf("max_retries must be between 0 and %d, got %d", maxRetriesCeiling, cfg.MaxRetries)
	}
	if cfg.RetryDelaySeconds < minRetryDelaySeconds || cfg.RetryDelaySeconds > maxRetryDelaySeconds {
		return validationf("retry_delay_seconds must be between %d and %d, got %d",
			minRetryDelaySeconds, maxRetryDelaySeconds, cfg.RetryDelaySeconds)
	}
	return nil
}

// validateConcurrency checks the requested concurrency against the static
// ceiling, the organization quota, and the outbound number pool. Zero means
// "use the organization default" and always passes.
func (s *Server) validateConcurrency(ctx context.Context, orgID string, requested int) error {
	if requested == 0 {
		return nil
	}
	if requested < 1 || requested > maxConcurrencyCeiling {
		return validationf("max_concurrency must be between 1 and %d, got %d", maxConcurrencyCeiling, requested)
	}

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	limit := org.ConcurrentCallLimit
	tel, err := s.store.GetTelephonyConfig(ctx, orgID)
	if err == nil && len(tel.FromNumbers) > 0 && len(tel.FromNumbers) < limit {
		limit = len(tel.FromNumbers)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if limit > 0 && requested > limit {
		return validationf("max_concurrency %d exceeds the organization limit of %d", requested, limit)
	}
	return nil
}

func parseRunFilter(q map[string][]string) (store.RunFilter, error) {
	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	var f store.RunFilter
	if v := get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, validationf("date_from: %v", err)
		}
		f.DateFrom = t
	}
	if v := get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, validationf("date_to: %v", err)
		}
		f.DateTo = t
	}
	f.DispositionCode = get("disposition_code")
	if v := get("min_duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, validationf("min_duration: %v", err)
		}
		f.MinDuration = n
	}
	if v := get("max_duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, validationf("max_duration: %v", err)
		}
		f.MaxDuration = n
	}
	if v := get("status"); v != "" {
		st := store.RunState(v)
		if !st.IsValid() {
			return f, validationf("status %q is not a run state", v)
		}
		f.Status = st
	}
	if v := get("min_token_usage"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, validationf("min_token_usage: %v", err)
		}
		f.MinTokenUsage = n
	}
	return f, nil
}
