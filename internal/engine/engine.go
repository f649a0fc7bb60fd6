// Package engine owns the workflow traversal for a single call: it registers
// transition functions and tools with the LLM, composes node prompts, runs
// variable extraction, and decides when and why the call ends.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// Call end reasons. They land on the WorkflowRun and feed disposition
// mapping.
const (
	EndReasonCompleted        = "COMPLETED"
	EndReasonUserHangup       = "USER_HANGUP"
	EndReasonIdleExceeded     = "USER_IDLE_MAX_DURATION_EXCEEDED"
	EndReasonDurationExceeded = "CALL_DURATION_EXCEEDED"
	EndReasonTransfer         = "TRANSFER_CALL"
	EndReasonTransferFailed   = "TRANSFER_CALL_FAILED"
	EndReasonUnexpected       = "UNEXPECTED_ERROR"
)

// Defaults applied when the workflow config leaves them unset.
const (
	DefaultIdleTimeout     = 10 * time.Second
	DefaultMaxCallDuration = 300 * time.Second
	DefaultDelayedStart    = 2 * time.Second
	DefaultTransferTimeout = 45 * time.Second
)

// ToolStore resolves custom tool definitions and serves knowledge-base
// retrieval. *store.Store implements it.
type ToolStore interface {
	GetCustomTool(ctx context.Context, orgID, id string) (*store.CustomTool, error)
	SearchKnowledge(ctx context.Context, orgID string, documentIDs []string, query []float32, topK int) ([]store.ScoredChunk, error)
}

// Embedder turns a retrieval query into the vector the knowledge store
// searches with.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// toolHandler executes one LLM-requested function call.
type toolHandler func(ctx context.Context, args map[string]any) pipeline.FunctionResult

// Config wires an Engine for one call.
type Config struct {
	LLM      llm.Provider
	Convo    *pipeline.Context
	Graph    *workflow.Graph
	Workflow store.WorkflowConfig
	Org      *store.Organization

	Tools    ToolStore // may be nil when the graph references no tools
	Embedder Embedder  // required only for knowledge-base nodes
	Transfer Transferer

	// CallID is the provider call identifier, used to derive transfer
	// conference names.
	CallID string

	// CallContext templates node prompts and seeds per-row variables.
	CallContext map[string]string

	IdleTimeout     time.Duration
	MaxCallDuration time.Duration
	TransferTimeout time.Duration

	// OnTransition observes node changes as (next, previous) names.
	OnTransition func(next, prev string)

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Engine traverses the workflow graph for one call. It implements the
// pipeline's FunctionHandler and the user-mute strategy.
type Engine struct {
	llm      llm.Provider
	convo    *pipeline.Context
	graph    *workflow.Graph
	wf       store.WorkflowConfig
	org      *store.Organization
	tools    ToolStore
	embedder Embedder
	transfer Transferer
	logger   *slog.Logger
	client   *http.Client
	callID   string

	idleTimeout     time.Duration
	maxCallDuration time.Duration
	transferTimeout time.Duration
	onTransition    func(next, prev string)

	task *pipeline.Task

	mu          sync.Mutex
	current     *workflow.Node
	entered     bool // start node entered (delayed start applies once)
	callContext map[string]string
	gathered    map[string]any
	handlers    map[string]toolHandler
	disposed    bool
	muted       bool
	botSpeaking bool
	endReason   string
	disposition string

	idle     *idleMonitor
	durTimer *time.Timer
}

// New builds an engine for one call. The pipeline task is attached separately
// with SetTask because the task's processor list needs the engine first.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		if cfg.Workflow.MaxUserIdleTimeoutSeconds > 0 {
			cfg.IdleTimeout = time.Duration(cfg.Workflow.MaxUserIdleTimeoutSeconds) * time.Second
		} else {
			cfg.IdleTimeout = DefaultIdleTimeout
		}
	}
	if cfg.MaxCallDuration <= 0 {
		if cfg.Workflow.MaxCallDurationSeconds > 0 {
			cfg.MaxCallDuration = time.Duration(cfg.Workflow.MaxCallDurationSeconds) * time.Second
		} else {
			cfg.MaxCallDuration = DefaultMaxCallDuration
		}
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.CallContext == nil {
		cfg.CallContext = map[string]string{}
	}

	e := &Engine{
		llm:             cfg.LLM,
		convo:           cfg.Convo,
		graph:           cfg.Graph,
		wf:              cfg.Workflow,
		org:             cfg.Org,
		tools:           cfg.Tools,
		embedder:        cfg.Embedder,
		transfer:        cfg.Transfer,
		logger:          cfg.Logger.With("component", "engine"),
		client:          cfg.HTTPClient,
		callID:          cfg.CallID,
		idleTimeout:     cfg.IdleTimeout,
		maxCallDuration: cfg.MaxCallDuration,
		transferTimeout: cfg.TransferTimeout,
		onTransition:    cfg.OnTransition,
		callContext:     cfg.CallContext,
		gathered:        map[string]any{},
		handlers:        map[string]toolHandler{},
	}
	e.idle = newIdleMonitor(e)
	return e
}

// SetTask attaches the pipeline task the engine injects frames into.
func (e *Engine) SetTask(t *pipeline.Task) { e.task = t }

// Start seeds gathered context, enters the start node, and arms the
// max-call-duration watchdog.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.gathered["time"] = easternNow().Format("Monday, January 2, 2006 at 3:04 PM MST")
	e.mu.Unlock()

	if err := e.setNode(ctx, e.graph.Start().ID); err != nil {
		return err
	}

	e.durTimer = time.AfterFunc(e.maxCallDuration, func() {
		e.logger.Info("max call duration reached")
		e.EndCall(context.Background(), EndReasonDurationExceeded, false)
	})
	return nil
}

// HandleFunctionCall dispatches an LLM tool call to the handler registered
// for the current node.
func (e *Engine) HandleFunctionCall(ctx context.Context, call llm.ToolCall) pipeline.FunctionResult {
	e.mu.Lock()
	h := e.handlers[call.Name]
	e.mu.Unlock()
	if h == nil {
		e.logger.Warn("unknown function call", "name", call.Name)
		return errorResult("unknown function " + call.Name)
	}
	args, err := decodeArgs(call.Arguments)
	if err != nil {
		e.logger.Warn("malformed function arguments", "name", call.Name, "error", err)
		return errorResult("malformed arguments")
	}
	return h(ctx, args)
}

// ShouldMute is the user-mute strategy: it sees every frame, tracks bot
// speech, resets the idle monitor on user activity, and suppresses user input
// while the pipeline is muted or the node forbids barge-in.
func (e *Engine) ShouldMute(f pipeline.Frame) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch f.(type) {
	case pipeline.BotStartedSpeakingFrame:
		e.botSpeaking = true
		e.idle.pause()
	case pipeline.BotStoppedSpeakingFrame:
		e.botSpeaking = false
		if !e.disposed {
			e.idle.arm(e.idleTimeout)
		}
	case pipeline.VADUserStartedFrame, pipeline.UserStartedSpeakingFrame:
		e.idle.reset()
	}

	if e.muted || e.disposed {
		return true
	}
	if e.botSpeaking && e.current != nil && !e.current.Interruptible() {
		return true
	}
	return false
}

// EndCall disposes the call: mute, synchronous extraction, disposition
// mapping, then an EndFrame (or CancelFrame when abort is set).
func (e *Engine) EndCall(ctx context.Context, reason string, abort bool) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.muted = true
	e.endReason = reason
	node := e.current
	e.mu.Unlock()

	e.idle.stop()
	if e.durTimer != nil {
		e.durTimer.Stop()
	}

	if node != nil && node.ExtractionEnabled {
		if err := e.extract(ctx, node); err != nil {
			e.logger.Warn("final extraction failed", "node", node.Name, "error", err)
		}
	}

	e.mu.Lock()
	raw := reason
	if v, ok := e.gathered["call_disposition"].(string); ok && v != "" {
		raw = v
	}
	e.disposition = raw
	if mapped, ok := e.org.DispositionMapping[raw]; ok {
		e.disposition = mapped
	}
	e.mu.Unlock()

	e.logger.Info("call disposed", "reason", reason, "disposition", e.disposition, "abort", abort)
	if e.task != nil {
		if abort {
			e.task.Push(pipeline.CancelFrame{})
		} else {
			e.task.Push(pipeline.EndFrame{})
		}
	}
}

// EndReason returns the recorded end reason, empty while the call runs.
func (e *Engine) EndReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endReason
}

// Disposition returns the mapped call disposition, empty while the call runs.
func (e *Engine) Disposition() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposition
}

// GatheredContext returns a copy of the accumulated extraction results.
func (e *Engine) GatheredContext() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.gathered))
	for k, v := range e.gathered {
		out[k] = v
	}
	return out
}

// CurrentNode returns the active node's name.
func (e *Engine) CurrentNode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.Name
}

func (e *Engine) setMuted(v bool) {
	e.mu.Lock()
	e.muted = v
	e.mu.Unlock()
}

func easternNow() time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Now().UTC()
	}
	return time.Now().In(loc)
}

func errorResult(msg string) pipeline.FunctionResult {
	return pipeline.FunctionResult{Result: map[string]any{"status": "error", "error": msg}}
}
