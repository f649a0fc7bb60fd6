package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/store"
)

// Job names dispatched through the job queue.
const (
	JobProcessBatch = "process_campaign_batch"
	JobSyncSource   = "sync_campaign_source"
)

// DefaultBatchSize is the number of queued runs requested per batch job.
const DefaultBatchSize = 10

const (
	// processingDebounce suppresses duplicate batch scheduling for the same
	// campaign within a short window.
	processingDebounce = 5 * time.Second

	// staleBatchAfter bounds how long a scheduled batch may go unreported
	// before the monitor clears the in-progress marker.
	staleBatchAfter = 5 * time.Minute

	// inactivityCompleteAfter is how long a drained campaign must stay quiet
	// before the monitor marks it completed.
	inactivityCompleteAfter = time.Hour

	defaultMonitorInterval = 60 * time.Second
)

// BatchJobArgs is the payload of a process_campaign_batch job.
type BatchJobArgs struct {
	CampaignID string `json:"campaign_id"`
	BatchSize  int    `json:"batch_size"`
}

// SyncJobArgs is the payload of a sync_campaign_source job.
type SyncJobArgs struct {
	CampaignID string `json:"campaign_id"`
}

// Orchestrator keeps every running campaign draining while enforcing
// schedule windows, breaker safety, and retry policy.
//
// Per-campaign bookkeeping lives in plain maps under one mutex. The
// orchestrator runs two cooperative tasks (the event loop and the completion
// monitor); contention on the maps is only between those two.
type Orchestrator struct {
	store   OrchestratorStore
	bus     *bus.Bus
	queue   BatchScheduler
	breaker *Breaker
	pub     EventSink
	logger  *slog.Logger

	now             func() time.Time
	monitorInterval time.Duration

	mu              sync.Mutex
	lastActivity    map[string]time.Time
	processingLock  map[string]time.Time
	batchInProgress map[string]time.Time
}

// OrchestratorStore is the slice of the repository the orchestrator needs.
// The pgx store satisfies it; tests substitute a fake.
type OrchestratorStore interface {
	GetCampaign(ctx context.Context, orgID, id string) (*store.Campaign, error)
	ListCampaignsByState(ctx context.Context, state store.CampaignState) ([]*store.Campaign, error)
	MarkCampaignCompleted(ctx context.Context, id string) (*store.Campaign, error)
	AddCampaignCounters(ctx context.Context, id string, processedDelta, failedDelta int) error
	TouchCampaignBatchScheduled(ctx context.Context, id string, at time.Time) error
	CountPendingWork(ctx context.Context, campaignID string, now time.Time) (int, error)
	CountFutureRetries(ctx context.Context, campaignID string, now time.Time) (int, error)
	GetQueuedRun(ctx context.Context, id string) (*store.QueuedRun, error)
	CreateQueuedRun(ctx context.Context, r *store.QueuedRun) (*store.QueuedRun, error)
}

// BatchScheduler enqueues batch jobs. The job queue satisfies it.
type BatchScheduler interface {
	Enqueue(ctx context.Context, job string, payload []byte, opts ...jobs.EnqueueOption) error
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock overrides the wall clock. Tests use this to drive debounce and
// staleness windows.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithMonitorInterval overrides the completion-monitor period.
func WithMonitorInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.monitorInterval = d }
}

// NewOrchestrator wires the orchestrator over its collaborators.
func NewOrchestrator(st OrchestratorStore, b *bus.Bus, q BatchScheduler, breaker *Breaker, pub EventSink, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:           st,
		bus:             b,
		queue:           q,
		breaker:         breaker,
		pub:             pub,
		logger:          logger.With("component", "orchestrator"),
		now:             time.Now,
		monitorInterval: defaultMonitorInterval,
		lastActivity:    make(map[string]time.Time),
		processingLock:  make(map[string]time.Time),
		batchInProgress: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run subscribes to campaign events and starts the completion monitor. It
// blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub, err := o.bus.Subscribe(ctx, EventsChannel)
	if err != nil {
		return fmt.Errorf("campaign: orchestrator subscribe: %w", err)
	}
	defer sub.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.eventLoop(ctx, sub) })
	g.Go(func() error { return o.monitor(ctx) })
	return g.Wait()
}

func (o *Orchestrator) eventLoop(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			e, err := ParseEvent(msg.Payload)
			if err != nil {
				o.logger.Warn("dropping malformed campaign event", "error", err)
				continue
			}
			o.HandleEvent(ctx, e)
		}
	}
}

// HandleEvent processes one campaign event. Exported for the event loop and
// for tests that drive the orchestrator directly.
func (o *Orchestrator) HandleEvent(ctx context.Context, e Event) {
	id := e.Campaign()
	o.touchActivity(id)

	switch e := e.(type) {
	case *BatchCompleted:
		o.clearBatchInProgress(id)
		camp, err := o.store.GetCampaign(ctx, "", id)
		if err != nil {
			o.logger.Error("load campaign after batch", "campaign_id", id, "error", err)
			return
		}
		if camp.State != store.CampaignRunning {
			o.clearState(id)
			return
		}
		o.ScheduleBatch(ctx, camp)

	case *BatchFailed:
		// The batch processor already decided whether the campaign failed.
		// Scheduling another batch here would race with that decision.
		o.clearBatchInProgress(id)
		o.logger.Warn("batch failed", "campaign_id", id, "error", e.Error)

	case *SyncCompleted:
		camp, err := o.store.GetCampaign(ctx, "", id)
		if err != nil {
			o.logger.Error("load campaign after sync", "campaign_id", id, "error", err)
			return
		}
		o.ScheduleBatch(ctx, camp)

	case *RetryNeeded:
		o.handleRetry(ctx, e)

	case *CircuitBreakerTripped:
		// The publisher already paused the campaign.
		o.clearState(id)

	default:
		// Informational events only bump activity.
	}
}

// handleRetry applies the campaign retry policy to one qualifying outcome.
func (o *Orchestrator) handleRetry(ctx context.Context, e *RetryNeeded) {
	camp, err := o.store.GetCampaign(ctx, "", e.CampaignID)
	if err != nil {
		o.logger.Error("load campaign for retry", "campaign_id", e.CampaignID, "error", err)
		return
	}
	cfg := camp.Retry
	if !cfg.Enabled || !retryableReason(cfg, e.Reason) {
		return
	}

	parent, err := o.store.GetQueuedRun(ctx, e.QueuedRunID)
	if err != nil {
		o.logger.Error("load queued run for retry", "queued_run_id", e.QueuedRunID, "error", err)
		return
	}

	if parent.RetryCount >= cfg.MaxRetries {
		if err := o.store.AddCampaignCounters(ctx, camp.ID, 0, 1); err != nil {
			o.logger.Error("count exhausted retry", "campaign_id", camp.ID, "error", err)
		}
		err := o.pub.Publish(ctx, &RetryFailed{
			Header:      Header{CampaignID: camp.ID},
			QueuedRunID: parent.ID,
			Reason:      e.Reason,
		})
		if err != nil {
			o.logger.Error("publish retry failed", "campaign_id", camp.ID, "error", err)
		}
		return
	}

	attempt := parent.RetryCount + 1
	scheduledFor := o.now().Add(time.Duration(cfg.RetryDelaySeconds) * time.Second)
	_, err = o.store.CreateQueuedRun(ctx, &store.QueuedRun{
		CampaignID:        camp.ID,
		SourceUUID:        retrySourceUUID(parent.SourceUUID, attempt),
		ContextVars:       parent.ContextVars,
		State:             store.QueuedRunQueued,
		RetryCount:        attempt,
		ParentQueuedRunID: parent.ID,
		ScheduledFor:      &scheduledFor,
		RetryReason:       string(e.Reason),
	})
	if err != nil {
		o.logger.Error("create retry run", "campaign_id", camp.ID, "parent", parent.ID, "error", err)
		return
	}
	o.logger.Info("retry scheduled",
		"campaign_id", camp.ID, "parent", parent.ID,
		"attempt", attempt, "reason", e.Reason, "scheduled_for", scheduledFor)
}

// retryableReason maps a retry reason onto the per-reason flags. Hard
// failures (failed, error) retry whenever retries are enabled.
func retryableReason(cfg store.RetryConfig, reason RetryReason) bool {
	switch reason {
	case ReasonBusy:
		return cfg.RetryOnBusy
	case ReasonNoAnswer:
		return cfg.RetryOnNoAnswer
	case ReasonVoicemail:
		return cfg.RetryOnVoicemail
	case ReasonFailed, ReasonError:
		return true
	}
	return false
}

// retrySourceUUID derives a child source uuid from the original row uuid so
// the whole retry chain stays traceable to one source row.
func retrySourceUUID(parentUUID string, attempt int) string {
	base := parentUUID
	if i := strings.Index(base, "_retry_"); i >= 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s_retry_%d", base, attempt)
}

// ScheduleBatch enqueues the next batch job for a campaign if the debounce
// window, campaign state, schedule window, breaker, and pending work all
// allow it.
func (o *Orchestrator) ScheduleBatch(ctx context.Context, camp *store.Campaign) {
	now := o.now()
	if !o.acquireProcessingLock(camp.ID, now) {
		return
	}

	fresh, err := o.store.GetCampaign(ctx, "", camp.ID)
	if err != nil {
		o.logger.Error("refresh campaign", "campaign_id", camp.ID, "error", err)
		return
	}
	if fresh.State != store.CampaignRunning && fresh.State != store.CampaignSyncing {
		return
	}

	if !InWindow(fresh.Schedule, now, o.logger) {
		return
	}

	if fresh.Breaker.Enabled {
		decision, err := o.breaker.IsOpen(ctx, fresh.ID, fresh.Breaker)
		if err != nil {
			o.logger.Warn("breaker check failed, failing open", "campaign_id", fresh.ID, "error", err)
		} else if decision.Tripped {
			o.breaker.Trip(ctx, fresh.ID, fresh.Breaker, decision)
			o.clearState(fresh.ID)
			return
		}
	}

	pending, err := o.store.CountPendingWork(ctx, fresh.ID, now)
	if err != nil {
		o.logger.Error("count pending work", "campaign_id", fresh.ID, "error", err)
		return
	}
	if pending == 0 {
		return
	}

	args, err := json.Marshal(BatchJobArgs{CampaignID: fresh.ID, BatchSize: DefaultBatchSize})
	if err != nil {
		o.logger.Error("marshal batch args", "campaign_id", fresh.ID, "error", err)
		return
	}
	if err := o.queue.Enqueue(ctx, JobProcessBatch, args); err != nil {
		o.logger.Error("enqueue batch", "campaign_id", fresh.ID, "error", err)
		return
	}
	if err := o.store.TouchCampaignBatchScheduled(ctx, fresh.ID, now); err != nil {
		o.logger.Error("touch batch scheduled", "campaign_id", fresh.ID, "error", err)
	}

	o.mu.Lock()
	o.lastActivity[fresh.ID] = now
	o.batchInProgress[fresh.ID] = now
	o.mu.Unlock()

	o.logger.Info("batch scheduled", "campaign_id", fresh.ID, "pending", pending)
}

// monitor periodically sweeps running campaigns for stale batches, orphaned
// due retries, and completion.
func (o *Orchestrator) monitor(ctx context.Context) error {
	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	campaigns, err := o.store.ListCampaignsByState(ctx, store.CampaignRunning)
	if err != nil {
		o.logger.Error("list running campaigns", "error", err)
		return
	}
	for _, camp := range campaigns {
		o.sweepCampaign(ctx, camp)
	}
}

func (o *Orchestrator) sweepCampaign(ctx context.Context, camp *store.Campaign) {
	now := o.now()

	o.mu.Lock()
	started, inProgress := o.batchInProgress[camp.ID]
	if inProgress && now.Sub(started) > staleBatchAfter {
		o.logger.Warn("clearing stale batch marker", "campaign_id", camp.ID, "scheduled_at", started)
		delete(o.batchInProgress, camp.ID)
		inProgress = false
	}
	activity, seen := o.lastActivity[camp.ID]
	if !seen {
		// First sighting after a restart. Start the inactivity clock now
		// rather than completing a campaign we have never observed.
		o.lastActivity[camp.ID] = now
		activity = now
	}
	o.mu.Unlock()

	if inProgress {
		return
	}

	pending, err := o.store.CountPendingWork(ctx, camp.ID, now)
	if err != nil {
		o.logger.Error("count pending work", "campaign_id", camp.ID, "error", err)
		return
	}
	if pending > 0 {
		if InWindow(camp.Schedule, now, o.logger) {
			o.ScheduleBatch(ctx, camp)
		}
		return
	}

	future, err := o.store.CountFutureRetries(ctx, camp.ID, now)
	if err != nil {
		o.logger.Error("count future retries", "campaign_id", camp.ID, "error", err)
		return
	}
	if future > 0 || now.Sub(activity) < inactivityCompleteAfter {
		return
	}

	o.complete(ctx, camp)
}

func (o *Orchestrator) complete(ctx context.Context, camp *store.Campaign) {
	done, err := o.store.MarkCampaignCompleted(ctx, camp.ID)
	if err != nil {
		o.logger.Error("mark campaign completed", "campaign_id", camp.ID, "error", err)
		return
	}

	var duration float64
	if done.StartedAt != nil && done.CompletedAt != nil {
		duration = done.CompletedAt.Sub(*done.StartedAt).Seconds()
	}
	err = o.pub.Publish(ctx, &CampaignCompleted{
		Header:          Header{CampaignID: done.ID},
		TotalRows:       done.TotalRows,
		ProcessedRows:   done.ProcessedRows,
		FailedRows:      done.FailedRows,
		DurationSeconds: duration,
	})
	if err != nil {
		o.logger.Error("publish campaign completed", "campaign_id", done.ID, "error", err)
	}
	o.clearState(done.ID)
	o.logger.Info("campaign completed",
		"campaign_id", done.ID,
		"total", done.TotalRows, "processed", done.ProcessedRows, "failed", done.FailedRows)
}

// ─── In-memory state ────────────────────────────────────────────────────────

// acquireProcessingLock reports whether scheduling may proceed and records
// the attempt. The lock expires by age; there is no explicit release.
func (o *Orchestrator) acquireProcessingLock(campaignID string, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.processingLock[campaignID]; ok && now.Sub(prev) < processingDebounce {
		return false
	}
	o.processingLock[campaignID] = now
	return true
}

func (o *Orchestrator) touchActivity(campaignID string) {
	o.mu.Lock()
	o.lastActivity[campaignID] = o.now()
	o.mu.Unlock()
}

func (o *Orchestrator) clearBatchInProgress(campaignID string) {
	o.mu.Lock()
	delete(o.batchInProgress, campaignID)
	o.mu.Unlock()
}

// clearState drops all in-memory bookkeeping for a campaign. Called on
// completion, pause, trip, and any transition away from running.
func (o *Orchestrator) clearState(campaignID string) {
	o.mu.Lock()
	delete(o.lastActivity, campaignID)
	delete(o.processingLock, campaignID)
	delete(o.batchInProgress, campaignID)
	o.mu.Unlock()
}
