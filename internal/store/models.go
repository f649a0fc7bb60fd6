package store

import "time"

// CampaignState is the lifecycle state of a campaign.
type CampaignState string

const (
	CampaignCreated   CampaignState = "created"
	CampaignSyncing   CampaignState = "syncing"
	CampaignRunning   CampaignState = "running"
	CampaignPaused    CampaignState = "paused"
	CampaignCompleted CampaignState = "completed"
	CampaignFailed    CampaignState = "failed"
)

// IsValid reports whether s is a known campaign state.
func (s CampaignState) IsValid() bool {
	switch s {
	case CampaignCreated, CampaignSyncing, CampaignRunning,
		CampaignPaused, CampaignCompleted, CampaignFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s permits no further transitions.
func (s CampaignState) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// QueuedRunState is the lifecycle state of a queued run.
type QueuedRunState string

const (
	QueuedRunQueued     QueuedRunState = "queued"
	QueuedRunProcessing QueuedRunState = "processing"
	QueuedRunDone       QueuedRunState = "done"
	QueuedRunFailed     QueuedRunState = "failed"
)

// IsValid reports whether s is a known queued-run state.
func (s QueuedRunState) IsValid() bool {
	switch s {
	case QueuedRunQueued, QueuedRunProcessing, QueuedRunDone, QueuedRunFailed:
		return true
	}
	return false
}

// RunState is the lifecycle state of a workflow run (one call attempt).
type RunState string

const (
	RunCreated    RunState = "created"
	RunInProgress RunState = "in_progress"
	RunCompleted  RunState = "completed"
	RunFailed     RunState = "failed"
)

// IsValid reports whether s is a known run state.
func (s RunState) IsValid() bool {
	switch s {
	case RunCreated, RunInProgress, RunCompleted, RunFailed:
		return true
	}
	return false
}

// RetryConfig controls per-campaign call retries.
type RetryConfig struct {
	Enabled           bool `json:"enabled"`
	MaxRetries        int  `json:"max_retries"`
	RetryDelaySeconds int  `json:"retry_delay_seconds"`
	RetryOnBusy       bool `json:"retry_on_busy"`
	RetryOnNoAnswer   bool `json:"retry_on_no_answer"`
	RetryOnVoicemail  bool `json:"retry_on_voicemail"`
}

// ScheduleSlot is one allowed calling interval. Times are HH:MM strings in
// 24-hour format; start is strictly before end.
type ScheduleSlot struct {
	DayOfWeek int    `json:"day_of_week"` // 0 = Sunday .. 6 = Saturday
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// ScheduleConfig restricts batch scheduling to time-of-day windows in the
// campaign's timezone.
type ScheduleConfig struct {
	Enabled  bool           `json:"enabled"`
	Timezone string         `json:"timezone"`
	Slots    []ScheduleSlot `json:"slots"`
}

// BreakerConfig tunes the campaign circuit breaker.
type BreakerConfig struct {
	Enabled          bool    `json:"enabled"`
	FailureThreshold float64 `json:"failure_threshold"`
	WindowSeconds    int     `json:"window_seconds"`
	MinCallsInWindow int     `json:"min_calls_in_window"`
}

// Organization is the owning tenant of every other entity.
type Organization struct {
	ID                  string
	Name                string
	ConcurrentCallLimit int
	DispositionMapping  map[string]string
	CreatedAt           time.Time
}

// WorkflowConfig carries workflow-level call tuning.
type WorkflowConfig struct {
	DictionaryWords           []DictionaryWord `json:"dictionary_words,omitempty"`
	MaxCallDurationSeconds    int              `json:"max_call_duration_seconds,omitempty"`
	MaxUserIdleTimeoutSeconds int              `json:"max_user_idle_timeout_seconds,omitempty"`
	TurnStopStrategy          string           `json:"turn_stop_strategy,omitempty"`
	DelayedStart              bool             `json:"delayed_start,omitempty"`
	DelayedStartSeconds       int              `json:"delayed_start_seconds,omitempty"`
	VoiceID                   string           `json:"voice_id,omitempty"`
	GlobalPrompt              string           `json:"global_prompt,omitempty"`
	CompletionWebhooks        []WebhookConfig  `json:"completion_webhooks,omitempty"`
}

// WebhookConfig is one endpoint that receives the call result payload after
// artifacts are uploaded.
type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// DictionaryWord is an STT vocabulary hint configured on the workflow.
type DictionaryWord struct {
	Word  string  `json:"word"`
	Boost float64 `json:"boost"`
}

// Workflow is a long-lived conversational script owned by one organization.
type Workflow struct {
	ID                  string
	OrganizationID      string
	Name                string
	CurrentDefinitionID string // empty until the first definition is published
	Config              WorkflowConfig
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WorkflowDefinition is a versioned snapshot of a workflow's node/edge graph.
type WorkflowDefinition struct {
	ID         string
	WorkflowID string
	Snapshot   []byte // JSON graph, validated by the workflow package
	IsCurrent  bool
	CreatedAt  time.Time
}

// Campaign is a bounded, scheduled set of outbound calls.
type Campaign struct {
	ID                   string
	OrganizationID       string
	WorkflowID           string
	Name                 string
	State                CampaignState
	SourceType           string // "google-sheet" or "csv"
	SourceID             string
	Retry                RetryConfig
	MaxConcurrency       int
	Schedule             ScheduleConfig
	Breaker              BreakerConfig
	TotalRows            int
	ProcessedRows        int
	FailedRows           int
	LastBatchScheduledAt *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// QueuedRun is one not-yet-attempted call corresponding to a source row.
type QueuedRun struct {
	ID                string
	CampaignID        string
	SourceUUID        string
	ContextVars       map[string]string
	State             QueuedRunState
	RetryCount        int
	ParentQueuedRunID string // empty for first attempts
	ScheduledFor      *time.Time
	RetryReason       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RunUsage accumulates token and cost accounting for one call.
type RunUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// WorkflowRun is one executed call attempt.
type WorkflowRun struct {
	ID                string
	WorkflowID        string
	CampaignID        string // empty for non-campaign calls
	QueuedRunID       string
	Mode              string
	State             RunState
	DefinitionID      string
	InitialContext    map[string]string
	GatheredContext   map[string]any
	Usage             RunUsage
	RecordingURL      string
	TranscriptURL     string
	StorageBackend    string
	DispositionCode   string
	EndReason         string
	PublicAccessToken string
	DurationSeconds   int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// TelephonyConfig is the per-organization provider binding.
type TelephonyConfig struct {
	OrganizationID    string
	Provider          string
	Credentials       map[string]string
	FromNumbers       []string
	InboundWorkflowID string
	UpdatedAt         time.Time
}

// ToolKind discriminates custom tool behavior.
type ToolKind string

const (
	ToolHTTP          ToolKind = "http"
	ToolEndCall       ToolKind = "end_call"
	ToolTransferCall  ToolKind = "transfer_call"
	ToolKnowledgeBase ToolKind = "knowledge_base"
)

// IsValid reports whether k is a known tool kind.
func (k ToolKind) IsValid() bool {
	switch k {
	case ToolHTTP, ToolEndCall, ToolTransferCall, ToolKnowledgeBase:
		return true
	}
	return false
}

// CustomTool is an organization-defined tool attachable to workflow nodes.
type CustomTool struct {
	ID             string
	OrganizationID string
	Name           string
	Description    string
	Kind           ToolKind
	Spec           []byte // kind-specific JSON, decoded by the engine
	CreatedAt      time.Time
}
