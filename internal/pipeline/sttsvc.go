package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicelane/voicelane/pkg/provider/stt"
)

// STTService is the first stage of the chain. It feeds inbound audio to the
// transcription session and re-injects the resulting transcripts at the
// pipeline head, where the mute stage can suppress them while the bot talks.
type STTService struct {
	provider stt.Provider
	cfg      stt.StreamConfig
	logger   *slog.Logger

	task    *Task
	session stt.SessionHandle
	wg      sync.WaitGroup
}

// NewSTTService builds the transcription stage.
func NewSTTService(p stt.Provider, cfg stt.StreamConfig, logger *slog.Logger) *STTService {
	return &STTService{
		provider: p,
		cfg:      cfg,
		logger:   logger.With("component", "stt_service"),
	}
}

func (s *STTService) Name() string { return "stt_service" }

func (s *STTService) attach(t *Task) { s.task = t }

func (s *STTService) Process(ctx context.Context, f Frame, out Push) error {
	switch f := f.(type) {
	case StartFrame:
		if err := s.open(ctx); err != nil {
			return err
		}
		out(f)

	case InputAudioFrame:
		if s.session != nil {
			if err := s.session.SendAudio(f.Data); err != nil {
				s.logger.Warn("send audio to stt", "error", err)
			}
		}
		out(f)

	case EndFrame:
		s.closeSession()
		out(f)

	default:
		out(f)
	}
	return nil
}

func (s *STTService) open(ctx context.Context) error {
	session, err := s.provider.StartStream(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("pipeline: start stt session: %w", err)
	}
	s.session = session

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		for t := range session.Partials() {
			s.task.Push(InterimTranscriptionFrame{Text: t.Text})
		}
	}()
	go func() {
		defer s.wg.Done()
		for t := range session.Finals() {
			s.task.Push(TranscriptionFrame{Text: t.Text, Timestamp: time.Now()})
		}
	}()
	return nil
}

func (s *STTService) closeSession() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.logger.Warn("close stt session", "error", err)
	}
	s.wg.Wait()
	s.session = nil
}
