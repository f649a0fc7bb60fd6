// Package calls builds live call sessions for the media transports. The
// factory resolves the workflow run behind a media handshake, assembles the
// engine over the configured providers, and hands the transport a session
// that settles the run when the call ends.
package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/voicelane/voicelane/internal/artifacts"
	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/engine"
	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/observe"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/telephony"
	"github.com/voicelane/voicelane/internal/transfer"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
	"github.com/voicelane/voicelane/pkg/provider/stt"
	"github.com/voicelane/voicelane/pkg/provider/tts"
)

// Config wires a Factory.
type Config struct {
	Store *store.Store
	Bus   *bus.Bus
	Queue *jobs.Queue

	LLM      llm.Provider
	STT      stt.Provider
	TTS      tts.Provider
	Embedder engine.Embedder

	// Registry resolves the telephony adapter backing warm transfers.
	Registry *telephony.Registry

	// PublicBase is the externally reachable origin transfer status
	// callbacks post to.
	PublicBase string

	// HoldPCM loops for the caller while a transfer is in flight. Empty
	// disables hold music.
	HoldPCM  []byte
	HoldRate int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Factory builds one engine session per answered call.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a session factory.
func New(cfg Config) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: cfg.Logger.With("component", "calls")}
}

// Session implements telephony.SessionFactory: it loads the run named by the
// handshake, parses its workflow definition, and assembles the engine session
// writing audio to out.
func (f *Factory) Session(ctx context.Context, out telephony.OutputWriter, info telephony.StartInfo) (telephony.CallSession, error) {
	if info.WorkflowRunID == "" {
		return nil, fmt.Errorf("calls: handshake without workflow_run_id")
	}
	run, err := f.cfg.Store.GetWorkflowRun(ctx, info.WorkflowRunID)
	if err != nil {
		return nil, fmt.Errorf("calls: load run %s: %w", info.WorkflowRunID, err)
	}
	if run.State == store.RunCompleted || run.State == store.RunFailed {
		return nil, fmt.Errorf("calls: run %s already finalized", run.ID)
	}

	wf, err := f.cfg.Store.GetWorkflow(ctx, "", run.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("calls: load workflow %s: %w", run.WorkflowID, err)
	}
	defID := run.DefinitionID
	if defID == "" {
		defID = wf.CurrentDefinitionID
	}
	def, err := f.cfg.Store.GetDefinition(ctx, defID)
	if err != nil {
		return nil, fmt.Errorf("calls: load definition %s: %w", defID, err)
	}
	graph, err := workflow.Parse(def.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("calls: definition %s: %w", defID, err)
	}
	org, err := f.cfg.Store.GetOrganization(ctx, wf.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("calls: load organization %s: %w", wf.OrganizationID, err)
	}

	scfg := engine.SessionConfig{
		LLM:         f.cfg.LLM,
		STT:         f.cfg.STT,
		TTS:         f.cfg.TTS,
		Output:      out,
		Graph:       graph,
		Workflow:    wf.Config,
		Org:         org,
		Tools:       f.cfg.Store,
		Embedder:    f.cfg.Embedder,
		Transfer:    f.transferer(ctx, org.ID, out),
		CallID:      info.CallID,
		CallContext: run.InitialContext,
		Logger:      f.logger.With("run_id", run.ID, "call_id", info.CallID),
	}
	if f.cfg.Metrics != nil {
		scfg.Metrics = f.cfg.Metrics
	}
	session := engine.NewSession(scfg)

	if err := f.cfg.Store.MarkRunStarted(ctx, run.ID); err != nil {
		f.logger.Warn("mark run started", "run_id", run.ID, "error", err)
	}

	return &liveCall{Session: session, factory: f, runID: run.ID}, nil
}

// transferer assembles the per-call transfer coordinator, or nil when the
// organization has no telephony binding (WebRTC and test calls).
func (f *Factory) transferer(ctx context.Context, orgID string, out telephony.OutputWriter) engine.Transferer {
	tel, err := f.cfg.Store.GetTelephonyConfig(ctx, orgID)
	if err != nil {
		return nil
	}
	provider, err := f.cfg.Registry.Get(tel.Provider)
	if err != nil || !provider.SupportsTransfers() {
		return nil
	}
	from := ""
	if len(tel.FromNumbers) > 0 {
		from = tel.FromNumbers[0]
	}
	return transfer.New(transfer.Config{
		Provider:   provider,
		Bus:        f.cfg.Bus,
		StatusBase: f.cfg.PublicBase,
		From:       from,
		Output:     out,
		HoldPCM:    f.cfg.HoldPCM,
		HoldRate:   f.cfg.HoldRate,
		Logger:     f.logger,
	})
}

// liveCall runs the engine session and settles the workflow run afterwards.
type liveCall struct {
	*engine.Session

	factory *Factory
	runID   string
}

// Run drives the call to completion and then enqueues the completion job
// with the run's outcome and artifact material.
func (c *liveCall) Run(ctx context.Context) error {
	started := time.Now()
	err := c.Session.Run(ctx)

	// The transport's context is usually gone by now; settlement gets its
	// own deadline.
	settleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.settle(settleCtx, time.Since(started), err)
	return err
}

func (c *liveCall) settle(ctx context.Context, elapsed time.Duration, runErr error) {
	f := c.factory

	endReason := c.Engine.EndReason()
	if endReason == "" {
		if runErr != nil {
			endReason = engine.EndReasonUnexpected
		} else {
			endReason = engine.EndReasonUserHangup
		}
	}

	usage := c.Metrics.Usage()
	args := artifacts.CompletionArgs{
		RunID:           c.runID,
		EndReason:       endReason,
		Disposition:     c.Engine.Disposition(),
		CallStatus:      "completed",
		DurationSeconds: int(elapsed.Seconds()),
		GatheredContext: c.Engine.GatheredContext(),
		Usage: store.RunUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	}

	if wav, err := c.Recorder.WAV(); err != nil {
		f.logger.Warn("encode recording", "run_id", c.runID, "error", err)
	} else if path, err := writeTemp("recording-*.wav", wav); err != nil {
		f.logger.Warn("stage recording", "run_id", c.runID, "error", err)
	} else {
		args.RecordingPath = path
	}
	if transcript := c.Recorder.Transcript(); transcript != "" {
		if path, err := writeTemp("transcript-*.txt", []byte(transcript)); err != nil {
			f.logger.Warn("stage transcript", "run_id", c.runID, "error", err)
		} else {
			args.TranscriptPath = path
		}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		f.logger.Error("encode completion args", "run_id", c.runID, "error", err)
		return
	}
	if err := f.cfg.Queue.Enqueue(ctx, artifacts.JobCompleteCall, payload); err != nil {
		f.logger.Error("enqueue completion", "run_id", c.runID, "error", err)
		return
	}

	if f.cfg.Metrics != nil {
		f.cfg.Metrics.RecordCall(ctx, endReason, args.Disposition, elapsed)
	}
	f.logger.Info("call settled",
		"run_id", c.runID,
		"end_reason", endReason,
		"disposition", args.Disposition,
		"duration", elapsed.Round(time.Second),
		"tokens", usage.TotalTokens,
	)
}

// writeTemp stages artifact bytes for the completion job, which uploads and
// deletes them.
func writeTemp(pattern string, data []byte) (string, error) {
	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
