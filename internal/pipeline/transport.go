package pipeline

import (
	"context"
	"log/slog"
)

// DefaultMaxWriteFailures is how many consecutive audio write failures the
// output stage tolerates before giving up on the burst.
const DefaultMaxWriteFailures = 2

// OutputTransport writes synthesized audio toward the caller. WriteAudioFrame
// reports false when the write failed (socket gone, provider rejected).
type OutputTransport interface {
	WriteAudioFrame(ctx context.Context, pcm []byte, sampleRate int) bool
}

// AudioClearer is implemented by transports whose remote end buffers audio.
// ClearAudio drops the buffered tail when the user barges in.
type AudioClearer interface {
	ClearAudio(ctx context.Context)
}

// TransportOut writes bot audio one frame at a time and owns the
// bot-started / bot-stopped signals. The stopped signal is pushed at the
// pipeline head so every upstream stage observes it; in particular the TTS
// service, which pauses between the two signals, would deadlock forever if a
// failed burst never produced one.
type TransportOut struct {
	w           OutputTransport
	maxFailures int
	logger      *slog.Logger

	task     *Task
	speaking bool
	failures int
	dropping bool
}

// NewTransportOut builds the audio output stage.
func NewTransportOut(w OutputTransport, logger *slog.Logger) *TransportOut {
	return &TransportOut{
		w:           w,
		maxFailures: DefaultMaxWriteFailures,
		logger:      logger.With("component", "transport_out"),
	}
}

func (t *TransportOut) Name() string { return "transport_out" }

func (t *TransportOut) attach(task *Task) { t.task = task }

func (t *TransportOut) Process(ctx context.Context, f Frame, out Push) error {
	switch f := f.(type) {
	case OutputAudioFrame:
		t.writeFrame(ctx, f, out)

	case speechEndFrame:
		t.stopSpeaking()
		t.failures = 0
		t.dropping = false

	case EndFrame:
		t.stopSpeaking()
		out(f)

	case UserStartedSpeakingFrame:
		if t.speaking {
			if c, ok := t.w.(AudioClearer); ok {
				c.ClearAudio(ctx)
			}
		}
		out(f)

	default:
		out(f)
	}
	return nil
}

func (t *TransportOut) writeFrame(ctx context.Context, f OutputAudioFrame, out Push) {
	if t.dropping {
		return
	}
	if !t.speaking {
		t.speaking = true
		t.push(BotStartedSpeakingFrame{})
	}
	if t.w.WriteAudioFrame(ctx, f.Data, f.SampleRate) {
		t.failures = 0
		out(f)
		return
	}
	t.failures++
	if t.failures >= t.maxFailures {
		t.logger.Warn("giving up on burst after consecutive write failures",
			"failures", t.failures)
		t.dropping = true
		t.stopSpeaking()
	}
}

// stopSpeaking delivers the bot-stopped signal exactly once per started.
func (t *TransportOut) stopSpeaking() {
	if !t.speaking {
		return
	}
	t.speaking = false
	t.push(BotStoppedSpeakingFrame{})
}

func (t *TransportOut) push(f Frame) {
	if t.task != nil {
		t.task.Push(f)
	}
}
