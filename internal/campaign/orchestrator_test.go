package campaign

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/store"
)

// ─── Fakes shared by the orchestrator, breaker, and batch tests ─────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []string
	args [][]byte
}

func (q *fakeQueue) Enqueue(_ context.Context, job string, payload []byte, _ ...jobs.EnqueueOption) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	q.args = append(q.args, payload)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// fakeStore backs the orchestrator, breaker, and batch processor interfaces
// with in-memory maps.
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*store.Campaign
	orgs      map[string]*store.Organization
	tels      map[string]*store.TelephonyConfig
	defs      map[string]*store.WorkflowDefinition
	queued    map[string]*store.QueuedRun

	pending       int
	futureRetries int
	claimable     []*store.QueuedRun
	claimCalls    int

	createdQueued []*store.QueuedRun
	createdRuns   []*store.WorkflowRun
	finished      map[string]store.QueuedRunState
	processedAdd  int
	failedAdd     int
	completed     []string
	touched       []time.Time
	nextID        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: make(map[string]*store.Campaign),
		orgs:      make(map[string]*store.Organization),
		tels:      make(map[string]*store.TelephonyConfig),
		defs:      make(map[string]*store.WorkflowDefinition),
		queued:    make(map[string]*store.QueuedRun),
		finished:  make(map[string]store.QueuedRunState),
	}
}

func (s *fakeStore) GetCampaign(_ context.Context, _, id string) (*store.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) ListCampaignsByState(_ context.Context, state store.CampaignState) ([]*store.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Campaign
	for _, c := range s.campaigns {
		if c.State == state {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkCampaignCompleted(_ context.Context, id string) (*store.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.State = store.CampaignCompleted
	s.completed = append(s.completed, id)
	return c, nil
}

func (s *fakeStore) AddCampaignCounters(_ context.Context, _ string, processedDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedAdd += processedDelta
	s.failedAdd += failedDelta
	return nil
}

func (s *fakeStore) TouchCampaignBatchScheduled(_ context.Context, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, at)
	return nil
}

func (s *fakeStore) CountPendingWork(_ context.Context, _ string, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *fakeStore) CountFutureRetries(_ context.Context, _ string, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.futureRetries, nil
}

func (s *fakeStore) GetQueuedRun(_ context.Context, id string) (*store.QueuedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.queued[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) CreateQueuedRun(_ context.Context, r *store.QueuedRun) (*store.QueuedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = "queued-" + strconv.Itoa(s.nextID)
	s.queued[r.ID] = r
	s.createdQueued = append(s.createdQueued, r)
	return r, nil
}

func (s *fakeStore) GetOrganization(_ context.Context, id string) (*store.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (s *fakeStore) GetTelephonyConfig(_ context.Context, orgID string) (*store.TelephonyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tels[orgID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) CurrentDefinition(_ context.Context, workflowID string) (*store.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (s *fakeStore) ClaimQueuedRuns(_ context.Context, _ string, _ time.Time, limit int) ([]*store.QueuedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	if limit > len(s.claimable) {
		limit = len(s.claimable)
	}
	claimed := s.claimable[:limit]
	s.claimable = s.claimable[limit:]
	return claimed, nil
}

func (s *fakeStore) FinishQueuedRun(_ context.Context, id string, state store.QueuedRunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[id] = state
	return nil
}

func (s *fakeStore) CreateWorkflowRun(_ context.Context, r *store.WorkflowRun) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = "run-" + strconv.Itoa(s.nextID)
	s.createdRuns = append(s.createdRuns, r)
	return r, nil
}

func (s *fakeStore) UpdateCampaignState(_ context.Context, id string, to store.CampaignState, from ...store.CampaignState) (*store.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if len(from) > 0 {
		allowed := false
		for _, f := range from {
			if c.State == f {
				allowed = true
			}
		}
		if !allowed {
			return nil, store.ErrNotFound
		}
	}
	c.State = to
	return c, nil
}

func runningCampaign(id string) *store.Campaign {
	return &store.Campaign{
		ID:             id,
		OrganizationID: "org-1",
		WorkflowID:     "wf-1",
		State:          store.CampaignRunning,
	}
}

func newTestOrchestrator(t *testing.T, st *fakeStore) (*Orchestrator, *fakeQueue, *eventRecorder, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) // a Monday
	q := &fakeQueue{}
	rec := &eventRecorder{}
	breaker := NewBreaker(newScriptBus(), st, rec, discard)
	breaker.now = clock.Now
	o := NewOrchestrator(st, nil, q, breaker, rec, discard, WithClock(clock.Now))
	return o, q, rec, clock
}

// ─── Scheduling ─────────────────────────────────────────────────────────────

func TestOrchestratorSchedulesNextBatch(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	st.pending = 5
	o, q, _, _ := newTestOrchestrator(t, st)

	o.HandleEvent(context.Background(), &BatchCompleted{Header: Header{CampaignID: "c1"}})

	if got := q.count(); got != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", got)
	}
	if q.jobs[0] != JobProcessBatch {
		t.Errorf("job = %q, want %q", q.jobs[0], JobProcessBatch)
	}
	var args BatchJobArgs
	if err := json.Unmarshal(q.args[0], &args); err != nil {
		t.Fatal(err)
	}
	if args.CampaignID != "c1" || args.BatchSize != DefaultBatchSize {
		t.Errorf("args = %+v, want campaign c1 with default batch size", args)
	}
	if len(st.touched) != 1 {
		t.Errorf("batch-scheduled touches = %d, want 1", len(st.touched))
	}
}

func TestOrchestratorDebouncesScheduling(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	st.pending = 5
	o, q, _, clock := newTestOrchestrator(t, st)
	ctx := context.Background()

	o.HandleEvent(ctx, &BatchCompleted{Header: Header{CampaignID: "c1"}})
	o.HandleEvent(ctx, &BatchCompleted{Header: Header{CampaignID: "c1"}})
	if got := q.count(); got != 1 {
		t.Fatalf("enqueued jobs inside debounce window = %d, want 1", got)
	}

	clock.Advance(6 * time.Second)
	o.HandleEvent(ctx, &BatchCompleted{Header: Header{CampaignID: "c1"}})
	if got := q.count(); got != 2 {
		t.Fatalf("enqueued jobs after debounce window = %d, want 2", got)
	}
}

func TestOrchestratorDropsStateForPausedCampaign(t *testing.T) {
	st := newFakeStore()
	camp := runningCampaign("c1")
	camp.State = store.CampaignPaused
	st.campaigns["c1"] = camp
	st.pending = 5
	o, q, _, _ := newTestOrchestrator(t, st)

	o.HandleEvent(context.Background(), &BatchCompleted{Header: Header{CampaignID: "c1"}})

	if q.count() != 0 {
		t.Error("paused campaign must not get a batch")
	}
	o.mu.Lock()
	_, tracked := o.lastActivity["c1"]
	o.mu.Unlock()
	if tracked {
		t.Error("paused campaign should drop in-memory state")
	}
}

func TestOrchestratorHonorsScheduleWindow(t *testing.T) {
	st := newFakeStore()
	camp := runningCampaign("c1")
	camp.Schedule = businessHours()
	st.campaigns["c1"] = camp
	st.pending = 5
	o, q, _, clock := newTestOrchestrator(t, st)
	clock.Set(inTZ(t, "America/New_York", 2026, time.March, 7, 10, 0)) // Saturday
	ctx := context.Background()

	o.HandleEvent(ctx, &BatchCompleted{Header: Header{CampaignID: "c1"}})
	if q.count() != 0 {
		t.Fatal("no batch may be scheduled outside the window")
	}

	// Pending work outside the window must not look like completion either.
	o.sweep(ctx)
	clock.Advance(2 * time.Hour)
	o.sweep(ctx)
	if len(st.completed) != 0 {
		t.Error("campaign with pending work must not complete")
	}
}

func TestOrchestratorBreakerSuppressesBatch(t *testing.T) {
	st := newFakeStore()
	camp := runningCampaign("c1")
	camp.Breaker = store.BreakerConfig{Enabled: true, FailureThreshold: 0.5, WindowSeconds: 60, MinCallsInWindow: 4}
	st.campaigns["c1"] = camp
	st.pending = 5
	o, q, rec, _ := newTestOrchestrator(t, st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := o.breaker.Record(ctx, "c1", camp.Breaker, true); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := o.breaker.Record(ctx, "c1", camp.Breaker, false); err != nil {
		t.Fatal(err)
	}

	o.HandleEvent(ctx, &BatchCompleted{Header: Header{CampaignID: "c1"}})

	if q.count() != 0 {
		t.Fatal("tripped breaker must suppress the next batch")
	}
	if camp.State != store.CampaignPaused {
		t.Errorf("campaign state = %s, want %s", camp.State, store.CampaignPaused)
	}
	if got := len(rec.byType(TypeCircuitBreakerTripped)); got != 1 {
		t.Errorf("trip events = %d, want 1", got)
	}
}

// ─── Retry policy ───────────────────────────────────────────────────────────

func TestOrchestratorRetryOnNoAnswer(t *testing.T) {
	st := newFakeStore()
	camp := runningCampaign("c1")
	camp.Retry = store.RetryConfig{Enabled: true, MaxRetries: 1, RetryDelaySeconds: 120, RetryOnNoAnswer: true}
	st.campaigns["c1"] = camp
	st.queued["q1"] = &store.QueuedRun{
		ID:          "q1",
		CampaignID:  "c1",
		SourceUUID:  "row-7",
		ContextVars: map[string]string{"phone_number": "+15550001111"},
	}
	o, _, rec, clock := newTestOrchestrator(t, st)

	o.HandleEvent(context.Background(), &RetryNeeded{
		Header:      Header{CampaignID: "c1"},
		QueuedRunID: "q1",
		Reason:      ReasonNoAnswer,
	})

	if len(st.createdQueued) != 1 {
		t.Fatalf("created queued runs = %d, want 1", len(st.createdQueued))
	}
	child := st.createdQueued[0]
	if child.SourceUUID != "row-7_retry_1" {
		t.Errorf("child source uuid = %q, want row-7_retry_1", child.SourceUUID)
	}
	if child.RetryCount != 1 || child.ParentQueuedRunID != "q1" {
		t.Errorf("child = %+v, want retry 1 of q1", child)
	}
	if child.State != store.QueuedRunQueued {
		t.Errorf("child state = %s, want %s", child.State, store.QueuedRunQueued)
	}
	if child.ContextVars["phone_number"] != "+15550001111" {
		t.Error("child must inherit the parent's context vars")
	}
	wantAt := clock.Now().Add(120 * time.Second)
	if child.ScheduledFor == nil || !child.ScheduledFor.Equal(wantAt) {
		t.Errorf("scheduled for = %v, want %v", child.ScheduledFor, wantAt)
	}
	if len(rec.byType(TypeRetryFailed)) != 0 {
		t.Error("a scheduled retry must not report exhaustion")
	}
}

func TestOrchestratorRetryChainNaming(t *testing.T) {
	st := newFakeStore()
	camp := runningCampaign("c1")
	camp.Retry = store.RetryConfig{Enabled: true, MaxRetries: 3, RetryDelaySeconds: 60, RetryOnNoAnswer: true}
	st.campaigns["c1"] = camp
	st.queued["q2"] = &store.QueuedRun{
		ID:         "q2",
		CampaignID: "c1",
		SourceUUID: "row-7_retry_1",
		RetryCount: 1,
	}
	o, _, _, _ := newTestOrchestrator(t, st)

	o.HandleEvent(context.Background(), &RetryNeeded{
		Header:      Header{CampaignID: "c1"},
		QueuedRunID: "q2",
		Reason:      ReasonNoAnswer,
	})

	if len(st.createdQueued) != 1 {
		t.Fatalf("created queued runs = %d, want 1", len(st.createdQueued))
	}
	if got := st.createdQueued[0].SourceUUID; got != "row-7_retry_2" {
		t.Errorf("child source uuid = %q, want row-7_retry_2", got)
	}
}

func TestOrchestratorRetryExhaustion(t *testing.T) {
	st := newFakeStore()
	camp := runningCampaign("c1")
	camp.Retry = store.RetryConfig{Enabled: true, MaxRetries: 1, RetryDelaySeconds: 120, RetryOnNoAnswer: true}
	st.campaigns["c1"] = camp
	st.queued["q2"] = &store.QueuedRun{
		ID:         "q2",
		CampaignID: "c1",
		SourceUUID: "row-7_retry_1",
		RetryCount: 1,
	}
	o, _, rec, _ := newTestOrchestrator(t, st)

	o.HandleEvent(context.Background(), &RetryNeeded{
		Header:      Header{CampaignID: "c1"},
		QueuedRunID: "q2",
		Reason:      ReasonNoAnswer,
	})

	if len(st.createdQueued) != 0 {
		t.Fatal("exhausted retries must not create more runs")
	}
	if st.failedAdd != 1 {
		t.Errorf("failed counter delta = %d, want 1", st.failedAdd)
	}
	events := rec.byType(TypeRetryFailed)
	if len(events) != 1 {
		t.Fatalf("retry failed events = %d, want 1", len(events))
	}
	if e := events[0].(*RetryFailed); e.QueuedRunID != "q2" || e.Reason != ReasonNoAnswer {
		t.Errorf("retry failed event = %+v", e)
	}
}

func TestOrchestratorRetryRespectsReasonFlags(t *testing.T) {
	st := newFakeStore()
	camp := runningCampaign("c1")
	camp.Retry = store.RetryConfig{Enabled: true, MaxRetries: 2, RetryDelaySeconds: 60, RetryOnNoAnswer: true}
	st.campaigns["c1"] = camp
	st.queued["q1"] = &store.QueuedRun{ID: "q1", CampaignID: "c1", SourceUUID: "row-1"}
	o, _, rec, _ := newTestOrchestrator(t, st)

	o.HandleEvent(context.Background(), &RetryNeeded{
		Header:      Header{CampaignID: "c1"},
		QueuedRunID: "q1",
		Reason:      ReasonVoicemail,
	})

	if len(st.createdQueued) != 0 || st.failedAdd != 0 || len(rec.events) != 0 {
		t.Error("a reason with its retry flag off must be ignored")
	}
}

// ─── Completion monitor ─────────────────────────────────────────────────────

func TestOrchestratorCompletesAfterInactivity(t *testing.T) {
	st := newFakeStore()
	camp := runningCampaign("c1")
	camp.TotalRows = 3
	camp.ProcessedRows = 3
	st.campaigns["c1"] = camp
	o, _, rec, clock := newTestOrchestrator(t, st)
	ctx := context.Background()

	// First sighting only seeds the inactivity clock.
	o.sweep(ctx)
	if len(st.completed) != 0 {
		t.Fatal("first sweep after restart must not complete")
	}

	clock.Advance(61 * time.Minute)
	o.sweep(ctx)
	if len(st.completed) != 1 {
		t.Fatalf("completed campaigns = %d, want 1", len(st.completed))
	}
	events := rec.byType(TypeCampaignCompleted)
	if len(events) != 1 {
		t.Fatalf("completion events = %d, want 1", len(events))
	}
	if e := events[0].(*CampaignCompleted); e.TotalRows != 3 || e.ProcessedRows != 3 {
		t.Errorf("completion event = %+v, want totals 3/3", e)
	}
	o.mu.Lock()
	_, tracked := o.lastActivity["c1"]
	o.mu.Unlock()
	if tracked {
		t.Error("completed campaign should drop in-memory state")
	}
}

func TestOrchestratorWaitsForFutureRetries(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	st.futureRetries = 1
	o, _, _, clock := newTestOrchestrator(t, st)
	ctx := context.Background()

	o.sweep(ctx)
	clock.Advance(2 * time.Hour)
	o.sweep(ctx)

	if len(st.completed) != 0 {
		t.Error("campaign with future retries must not complete")
	}
}

func TestOrchestratorClearsStaleBatchMarker(t *testing.T) {
	st := newFakeStore()
	st.campaigns["c1"] = runningCampaign("c1")
	st.pending = 3
	o, q, _, clock := newTestOrchestrator(t, st)
	ctx := context.Background()

	o.mu.Lock()
	o.batchInProgress["c1"] = clock.Now()
	o.mu.Unlock()

	o.sweep(ctx)
	if q.count() != 0 {
		t.Fatal("a fresh in-progress batch must block rescheduling")
	}

	clock.Advance(6 * time.Minute)
	o.sweep(ctx)
	if q.count() != 1 {
		t.Fatalf("enqueued jobs after stale marker cleared = %d, want 1", q.count())
	}
}
