package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicelane/voicelane/pkg/provider/tts"
)

// speechEndFrame marks the end of one synthesized burst so the output
// transport knows when the bot's utterance is fully written.
type speechEndFrame struct{}

func (speechEndFrame) frame() {}

// TTSService synthesizes sentence fragments into audio bursts. Between a
// burst and the transport's bot-stopped signal the service holds back new
// synthesis so consecutive LLM replies cannot talk over each other. That is
// why the transport must always deliver bot-stopped, even on write failure.
type TTSService struct {
	provider tts.Provider
	voice    tts.VoiceProfile
	rate     int
	logger   *slog.Logger

	textCh  chan string
	audioCh <-chan []byte

	waiting bool
	held    []Frame
}

// NewTTSService builds the synthesis stage. rate is the PCM sample rate the
// provider is configured to emit.
func NewTTSService(p tts.Provider, voice tts.VoiceProfile, rate int, logger *slog.Logger) *TTSService {
	return &TTSService{
		provider: p,
		voice:    voice,
		rate:     rate,
		logger:   logger.With("component", "tts_service"),
	}
}

func (s *TTSService) Name() string { return "tts_service" }

func (s *TTSService) Process(ctx context.Context, f Frame, out Push) error {
	if s.waiting {
		switch f.(type) {
		case TTSTextFrame, ttsFlushFrame, SpeakFrame:
			// Next burst cannot start until the current one is spoken.
			s.held = append(s.held, f)
			return nil
		case BotStoppedSpeakingFrame:
			out(f)
			s.waiting = false
			held := s.held
			s.held = nil
			for _, h := range held {
				if err := s.Process(ctx, h, out); err != nil {
					return err
				}
			}
			return nil
		}
	}

	switch f := f.(type) {
	case TTSTextFrame:
		if err := s.feed(ctx, f.Text); err != nil {
			return err
		}
		out(f)

	case ttsFlushFrame:
		s.flush(out)

	case SpeakFrame:
		if err := s.feed(ctx, f.Text); err != nil {
			return err
		}
		s.flush(out)

	case InterruptionFrame:
		s.abandon()
		s.held = nil
		s.waiting = false
		out(f)

	case EndFrame:
		s.flush(out)
		out(f)

	default:
		out(f)
	}
	return nil
}

// feed lazily opens the synthesis stream and sends one fragment.
func (s *TTSService) feed(ctx context.Context, text string) error {
	if s.textCh == nil {
		textCh := make(chan string, 16)
		audioCh, err := s.provider.SynthesizeStream(ctx, textCh, s.voice)
		if err != nil {
			return fmt.Errorf("pipeline: open synthesis stream: %w", err)
		}
		s.textCh = textCh
		s.audioCh = audioCh
	}
	select {
	case s.textCh <- text:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// flush closes the synthesis stream, drains the audio into the pipeline,
// and marks the end of the burst. Afterwards the service waits for the
// transport's bot-stopped signal.
func (s *TTSService) flush(out Push) {
	if s.textCh == nil {
		return
	}
	close(s.textCh)
	for data := range s.audioCh {
		out(OutputAudioFrame{Data: data, SampleRate: s.rate})
	}
	s.textCh = nil
	s.audioCh = nil
	out(speechEndFrame{})
	s.waiting = true
}

// abandon drops an in-flight burst without emitting its audio.
func (s *TTSService) abandon() {
	if s.textCh == nil {
		return
	}
	close(s.textCh)
	audio := s.audioCh
	go func() {
		for range audio {
		}
	}()
	s.textCh = nil
	s.audioCh = nil
}
