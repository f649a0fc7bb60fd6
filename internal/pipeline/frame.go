// Package pipeline implements the per-call frame-based streaming runtime:
// transport-in, turn detection, context aggregation, LLM, TTS, transport-out,
// and recording, connected by bounded queues.
package pipeline

import (
	"time"

	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// Frame is a discriminated message flowing through the pipeline. The
// interface is sealed; every kind lives in this file.
type Frame interface{ frame() }

// ─── Control frames ─────────────────────────────────────────────────────────

// StartFrame opens the pipeline. Emitted once by the task before any other
// frame.
type StartFrame struct{}

// EndFrame requests a graceful shutdown: it flows through every processor so
// in-flight audio drains before the task stops.
type EndFrame struct{}

// CancelFrame aborts the pipeline immediately without draining.
type CancelFrame struct{}

// StopFrame pauses downstream processing until the next data frame. Used by
// tests to create backpressure.
type StopFrame struct{}

// InterruptionFrame flushes queued bot output after the user barges in.
type InterruptionFrame struct{}

// ─── Audio frames ───────────────────────────────────────────────────────────

// InputAudioFrame carries one chunk of caller audio from the transport.
type InputAudioFrame struct {
	Data       []byte // 16-bit little-endian PCM
	SampleRate int
}

// OutputAudioFrame carries one chunk of synthesized bot audio toward the
// transport.
type OutputAudioFrame struct {
	Data       []byte // 16-bit little-endian PCM
	SampleRate int
}

// ─── Speech events ──────────────────────────────────────────────────────────

// VADUserStartedFrame and VADUserStoppedFrame are raw voice-activity edges
// from the transport or an upstream VAD.
type VADUserStartedFrame struct{}
type VADUserStoppedFrame struct{}

// UserStartedSpeakingFrame marks the start of an accepted user turn.
type UserStartedSpeakingFrame struct{}

// UserStoppedSpeakingFrame marks the end of a user turn; Text is the
// accumulated turn transcription.
type UserStoppedSpeakingFrame struct {
	Text string
}

// BotStartedSpeakingFrame and BotStoppedSpeakingFrame bracket bot audio
// playback. Stopped is emitted exactly once per Started, including when the
// output transport gives up on consecutive write failures.
type BotStartedSpeakingFrame struct{}
type BotStoppedSpeakingFrame struct{}

// ─── Text frames ────────────────────────────────────────────────────────────

// TranscriptionFrame is a final STT result.
type TranscriptionFrame struct {
	Text      string
	Timestamp time.Time
}

// InterimTranscriptionFrame is a partial STT result, used for turn detection
// only; it never reaches the context.
type InterimTranscriptionFrame struct {
	Text string
}

// TTSTextFrame is one bot text fragment on its way to synthesis. PTS orders
// fragments for real-time delivery to observers.
type TTSTextFrame struct {
	Text string
	PTS  int64
}

// LLMContextFrame asks the LLM service to run inference over the current
// context.
type LLMContextFrame struct{}

// SpeakFrame synthesizes a fixed line immediately, bypassing the LLM. Goodbye
// messages and pre-transfer announcements use it.
type SpeakFrame struct {
	Text string
}

// LLMMessagesAppendFrame appends messages to the context; when RunLLM is set
// an inference follows immediately. Used by idle handling and transfer
// failure messaging.
type LLMMessagesAppendFrame struct {
	Messages []llm.Message
	RunLLM   bool
}

// ─── Function calls ─────────────────────────────────────────────────────────

// FunctionCallInProgressFrame reports that the LLM requested a tool call.
type FunctionCallInProgressFrame struct {
	ID        string
	Name      string
	Arguments string
}

// FunctionCallResultFrame carries a completed tool result back into the
// context. OnContextUpdated, when set, runs after the aggregator has
// committed the result; node transitions use it to emit EndFrame once the
// terminal node's result is in context.
type FunctionCallResultFrame struct {
	ID               string
	Name             string
	Result           map[string]any
	RunLLM           bool
	OnContextUpdated func()
}

// ─── Metrics ────────────────────────────────────────────────────────────────

// MetricsFrame reports per-processor measurements toward the metrics
// aggregator at the tail of the pipeline.
type MetricsFrame struct {
	Processor string
	TTFB      time.Duration
	Usage     *llm.Usage
}

func (StartFrame) frame()                  {}
func (EndFrame) frame()                    {}
func (CancelFrame) frame()                 {}
func (StopFrame) frame()                   {}
func (InterruptionFrame) frame()           {}
func (InputAudioFrame) frame()             {}
func (OutputAudioFrame) frame()            {}
func (VADUserStartedFrame) frame()         {}
func (VADUserStoppedFrame) frame()         {}
func (UserStartedSpeakingFrame) frame()    {}
func (UserStoppedSpeakingFrame) frame()    {}
func (BotStartedSpeakingFrame) frame()     {}
func (BotStoppedSpeakingFrame) frame()     {}
func (TranscriptionFrame) frame()          {}
func (InterimTranscriptionFrame) frame()   {}
func (TTSTextFrame) frame()                {}
func (LLMContextFrame) frame()             {}
func (SpeakFrame) frame()                  {}
func (LLMMessagesAppendFrame) frame()      {}
func (FunctionCallInProgressFrame) frame() {}
func (FunctionCallResultFrame) frame()     {}
func (MetricsFrame) frame()                {}
