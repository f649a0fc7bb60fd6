package pipeline

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultTicksPerSecond paces fragment delivery when no tick rate is
// configured.
const DefaultTicksPerSecond = 2

// TextFeedback delivers bot text fragments to an observer in real time: the
// fragment with presentation timestamp pts is delivered at
// start_wall + (pts - first_pts) / ticks_per_sec. WebRTC clients use it to
// caption the bot as it speaks. Interruption discards everything still
// queued.
type TextFeedback struct {
	deliver func(text string)
	ticks   int64

	start    time.Time
	firstPTS int64
	gen      atomic.Uint64
}

// NewTextFeedback builds the real-time feedback observer. deliver may be
// nil, in which case the stage is a passthrough.
func NewTextFeedback(deliver func(text string), ticksPerSec int64) *TextFeedback {
	if ticksPerSec <= 0 {
		ticksPerSec = DefaultTicksPerSecond
	}
	return &TextFeedback{deliver: deliver, ticks: ticksPerSec}
}

func (t *TextFeedback) Name() string { return "text_feedback" }

func (t *TextFeedback) Process(_ context.Context, f Frame, out Push) error {
	switch f := f.(type) {
	case TTSTextFrame:
		t.schedule(f)
	case BotStoppedSpeakingFrame:
		t.start = time.Time{}
	case InterruptionFrame:
		t.gen.Add(1)
		t.start = time.Time{}
	}
	out(f)
	return nil
}

func (t *TextFeedback) schedule(f TTSTextFrame) {
	if t.deliver == nil {
		return
	}
	if t.start.IsZero() {
		t.start = time.Now()
		t.firstPTS = f.PTS
	}
	due := t.start.Add(time.Duration(f.PTS-t.firstPTS) * time.Second / time.Duration(t.ticks))
	gen := t.gen.Load()
	text := f.Text
	time.AfterFunc(time.Until(due), func() {
		if t.gen.Load() == gen {
			t.deliver(text)
		}
	})
}
