package engine

import (
	"context"
	"log/slog"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
	"github.com/voicelane/voicelane/pkg/provider/stt"
	"github.com/voicelane/voicelane/pkg/provider/tts"
)

// SessionConfig wires one call: providers, transport, workflow, and tenant
// context.
type SessionConfig struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// Output receives synthesized audio; the transport adapter implements it.
	Output pipeline.OutputTransport

	Graph    *workflow.Graph
	Workflow store.WorkflowConfig
	Org      *store.Organization

	Tools    ToolStore
	Embedder Embedder
	Transfer Transferer

	CallID      string
	CallContext map[string]string

	// SampleRate is the canonical PCM rate of the pipeline, matching what the
	// transport serializer and TTS provider produce.
	SampleRate int

	// TextFeedback, when set, receives bot text fragments in presentation
	// order for client captioning.
	TextFeedback func(text string)

	// OnTransition observes node changes.
	OnTransition func(next, prev string)

	Metrics pipeline.MetricsSink
	Logger  *slog.Logger
}

// Session is one live call: the engine traversing the workflow and the
// pipeline task moving its frames.
type Session struct {
	Engine   *Engine
	Task     *pipeline.Task
	Recorder *pipeline.Recorder
	Metrics  *pipeline.MetricsAggregator

	logger *slog.Logger
}

// NewSession builds the engine and the processor chain. The engine is
// constructed first and handed the task afterwards; the two reference each
// other.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	convo := pipeline.NewContext()
	eng := New(Config{
		LLM:          cfg.LLM,
		Convo:        convo,
		Graph:        cfg.Graph,
		Workflow:     cfg.Workflow,
		Org:          cfg.Org,
		Tools:        cfg.Tools,
		Embedder:     cfg.Embedder,
		Transfer:     cfg.Transfer,
		CallID:       cfg.CallID,
		CallContext:  cfg.CallContext,
		OnTransition: cfg.OnTransition,
		Logger:       cfg.Logger,
	})

	sttCfg := stt.StreamConfig{
		SampleRate:     cfg.SampleRate,
		Channels:       1,
		Language:       "en",
		InterimResults: true,
	}
	for _, w := range cfg.Workflow.DictionaryWords {
		sttCfg.Keywords = append(sttCfg.Keywords, stt.KeywordBoost{Keyword: w.Word, Boost: w.Boost})
	}

	voice := tts.VoiceProfile{ID: cfg.Workflow.VoiceID}

	recorder := pipeline.NewRecorder(cfg.SampleRate)
	metrics := pipeline.NewMetricsAggregator(cfg.Metrics)

	task := pipeline.NewTask(cfg.Logger,
		pipeline.NewSTTService(cfg.STT, sttCfg, cfg.Logger),
		pipeline.NewMuter(pipeline.MuteFunc(eng.ShouldMute)),
		pipeline.NewTurnController(startStrategies(cfg.Workflow), stopStrategies(cfg.Workflow)),
		pipeline.NewUserAggregator(convo),
		pipeline.NewLLMService(cfg.LLM, convo, eng, cfg.Logger),
		pipeline.NewTTSService(cfg.TTS, voice, cfg.SampleRate, cfg.Logger),
		pipeline.NewTransportOut(cfg.Output, cfg.Logger),
		pipeline.NewAssistantAggregator(convo),
		pipeline.NewTextFeedback(cfg.TextFeedback, 0),
		recorder,
		metrics,
	)
	eng.SetTask(task)

	return &Session{
		Engine:   eng,
		Task:     task,
		Recorder: recorder,
		Metrics:  metrics,
		logger:   cfg.Logger.With("component", "session"),
	}
}

// Run enters the workflow and drives the pipeline until the call ends. The
// bot speaks first: the opening inference is queued before the pipeline
// starts consuming, so the greeting plays as soon as audio can flow.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Engine.Start(ctx); err != nil {
		return err
	}
	s.Task.Push(pipeline.LLMContextFrame{})
	return s.Task.Run(ctx)
}

// PushAudio injects one chunk of caller PCM.
func (s *Session) PushAudio(data []byte, sampleRate int) {
	s.Task.Push(pipeline.InputAudioFrame{Data: data, SampleRate: sampleRate})
}

// Hangup handles a client disconnect: final extraction runs synchronously,
// then the pipeline aborts without draining.
func (s *Session) Hangup(ctx context.Context) {
	s.Engine.EndCall(ctx, EndReasonUserHangup, true)
}

func startStrategies(wf store.WorkflowConfig) []pipeline.StartStrategy {
	switch wf.TurnStopStrategy {
	case "external":
		return []pipeline.StartStrategy{pipeline.ExternalStart{}}
	default:
		return []pipeline.StartStrategy{pipeline.VADStart{}, pipeline.TranscriptionStart{}}
	}
}

func stopStrategies(wf store.WorkflowConfig) []pipeline.StopStrategy {
	switch wf.TurnStopStrategy {
	case "external":
		return []pipeline.StopStrategy{&pipeline.ExternalStop{}}
	default:
		return []pipeline.StopStrategy{&pipeline.TimeoutStop{}}
	}
}
