package pipeline

import (
	"context"
	"strings"
	"time"
)

// StartStrategy decides when a user turn begins.
type StartStrategy interface {
	// ShouldStart inspects one frame and reports whether a turn starts now.
	ShouldStart(f Frame) bool
}

// VADStart opens a turn on a voice-activity edge.
type VADStart struct{}

func (VADStart) ShouldStart(f Frame) bool {
	_, ok := f.(VADUserStartedFrame)
	return ok
}

// TranscriptionStart opens a turn on the first transcription, interim or
// final. Used when the transport carries no VAD.
type TranscriptionStart struct{}

func (TranscriptionStart) ShouldStart(f Frame) bool {
	switch f.(type) {
	case InterimTranscriptionFrame, TranscriptionFrame:
		return true
	}
	return false
}

// ExternalStart opens a turn when the transport protocol says so, surfaced
// as a pushed UserStartedSpeakingFrame.
type ExternalStart struct{}

func (ExternalStart) ShouldStart(f Frame) bool {
	_, ok := f.(UserStartedSpeakingFrame)
	return ok
}

// StopStrategy accumulates per-turn transcription and decides when the turn
// is over. Observe returns stopNow to end the turn immediately, or a
// non-zero arm duration asking the controller to schedule a deferred stop.
type StopStrategy interface {
	Observe(f Frame) (stopNow bool, arm time.Duration)
	Text() string
	Reset()
}

// TimeoutStop ends the turn a fixed interval after the last final
// transcription, once the user has gone quiet and some text accumulated.
type TimeoutStop struct {
	Timeout time.Duration

	text         strings.Builder
	userSpeaking bool
}

// DefaultStopTimeout is applied when no timeout is configured.
const DefaultStopTimeout = 800 * time.Millisecond

func (s *TimeoutStop) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultStopTimeout
}

func (s *TimeoutStop) Observe(f Frame) (bool, time.Duration) {
	switch f := f.(type) {
	case VADUserStartedFrame, UserStartedSpeakingFrame:
		s.userSpeaking = true
	case VADUserStoppedFrame:
		s.userSpeaking = false
		if s.text.Len() > 0 {
			return false, s.timeout()
		}
	case TranscriptionFrame:
		if s.text.Len() > 0 {
			s.text.WriteByte(' ')
		}
		s.text.WriteString(strings.TrimSpace(f.Text))
		if !s.userSpeaking && s.text.Len() > 0 {
			return false, s.timeout()
		}
	}
	return false, 0
}

func (s *TimeoutStop) Text() string { return s.text.String() }

func (s *TimeoutStop) Reset() {
	s.text.Reset()
	s.userSpeaking = false
}

// ExternalStop ends the turn when the transport protocol says so, surfaced
// as a pushed UserStoppedSpeakingFrame. Accumulated finals still provide the
// turn text when the protocol frame carries none.
type ExternalStop struct {
	text strings.Builder
}

func (s *ExternalStop) Observe(f Frame) (bool, time.Duration) {
	switch f := f.(type) {
	case TranscriptionFrame:
		if s.text.Len() > 0 {
			s.text.WriteByte(' ')
		}
		s.text.WriteString(strings.TrimSpace(f.Text))
	case UserStoppedSpeakingFrame:
		if f.Text != "" {
			s.text.Reset()
			s.text.WriteString(f.Text)
		}
		return true, 0
	}
	return false, 0
}

func (s *ExternalStop) Text() string { return s.text.String() }

func (s *ExternalStop) Reset() { s.text.Reset() }

// turnTimerFrame is the controller's own deferred-stop tick. The generation
// counter invalidates timers armed before the latest user activity.
type turnTimerFrame struct{ gen uint64 }

func (turnTimerFrame) frame() {}

// TurnController canonicalizes raw speech signals into exactly one
// UserStartedSpeakingFrame / UserStoppedSpeakingFrame pair per turn.
//
// A stop that arrives without a matching start is rejected, and rejection
// unconditionally resets every stop strategy. That clears transcription that
// leaked through after a suppressed start so it cannot contaminate the next
// turn.
type TurnController struct {
	starts []StartStrategy
	stops  []StopStrategy

	task         *Task
	userTurn     bool
	userSpeaking bool
	botSpeaking  bool
	gen          uint64
}

// NewTurnController builds a controller over the given strategies.
func NewTurnController(starts []StartStrategy, stops []StopStrategy) *TurnController {
	return &TurnController{starts: starts, stops: stops}
}

func (c *TurnController) Name() string { return "turn_controller" }

func (c *TurnController) attach(t *Task) { c.task = t }

func (c *TurnController) Process(_ context.Context, f Frame, out Push) error {
	switch f := f.(type) {
	case turnTimerFrame:
		if f.gen == c.gen && !c.userSpeaking {
			c.triggerStop(out)
		}
		return nil

	case BotStartedSpeakingFrame:
		c.botSpeaking = true
		out(f)
		return nil
	case BotStoppedSpeakingFrame:
		c.botSpeaking = false
		out(f)
		return nil

	case VADUserStartedFrame:
		c.userSpeaking = true
		c.gen++ // invalidate any pending deferred stop
	case VADUserStoppedFrame:
		c.userSpeaking = false
	}

	if !c.userTurn {
		for _, s := range c.starts {
			if s.ShouldStart(f) {
				c.userTurn = true
				out(UserStartedSpeakingFrame{})
				break
			}
		}
	}

	stopNow := false
	var arm time.Duration
	for _, s := range c.stops {
		now, d := s.Observe(f)
		stopNow = stopNow || now
		if d > arm {
			arm = d
		}
	}

	// Protocol-level start/stop markers are consumed here; the controller
	// emits its own canonical pair.
	switch f.(type) {
	case UserStartedSpeakingFrame, UserStoppedSpeakingFrame:
	default:
		out(f)
	}

	if stopNow {
		c.triggerStop(out)
		return nil
	}
	if arm > 0 {
		c.armTimer(arm)
	}
	return nil
}

func (c *TurnController) armTimer(d time.Duration) {
	c.gen++
	gen := c.gen
	task := c.task
	if task == nil {
		return
	}
	time.AfterFunc(d, func() {
		task.Push(turnTimerFrame{gen: gen})
	})
}

// triggerStop attempts to close the current turn. Without a matching start
// the stop is rejected and every stop strategy is reset.
func (c *TurnController) triggerStop(out Push) {
	text := ""
	for _, s := range c.stops {
		if t := s.Text(); t != "" {
			text = t
			break
		}
	}
	defer func() {
		for _, s := range c.stops {
			s.Reset()
		}
	}()

	if !c.userTurn {
		return
	}
	c.userTurn = false

	if c.botSpeaking {
		out(InterruptionFrame{})
	}
	out(UserStoppedSpeakingFrame{Text: text})
}
