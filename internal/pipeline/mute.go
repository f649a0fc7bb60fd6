package pipeline

import "context"

// MuteStrategy decides whether user input frames must be dropped. It sees
// every frame so it can track bot-speaking state from the speech markers.
type MuteStrategy interface {
	ShouldMute(f Frame) bool
}

// MuteFunc adapts a plain function to MuteStrategy. The engine's should-mute
// callback plugs in here.
type MuteFunc func(f Frame) bool

func (fn MuteFunc) ShouldMute(f Frame) bool { return fn(f) }

// Muter sits ahead of the turn controller and drops user speech signals
// while the strategy says so. Dropping the start markers keeps the turn
// controller's user_turn flag false, which is what makes it reject and reset
// on any transcription that leaks through after unmute.
type Muter struct {
	strategy MuteStrategy
}

// NewMuter builds the user-input mute stage.
func NewMuter(strategy MuteStrategy) *Muter {
	return &Muter{strategy: strategy}
}

func (m *Muter) Name() string { return "user_mute" }

func (m *Muter) Process(_ context.Context, f Frame, out Push) error {
	muted := m.strategy != nil && m.strategy.ShouldMute(f)
	if muted && isUserSignal(f) {
		return nil
	}
	out(f)
	return nil
}

func isUserSignal(f Frame) bool {
	switch f.(type) {
	case VADUserStartedFrame, VADUserStoppedFrame,
		UserStartedSpeakingFrame, UserStoppedSpeakingFrame,
		InterimTranscriptionFrame, TranscriptionFrame:
		return true
	}
	return false
}
