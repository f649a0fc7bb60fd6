package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voicelane/voicelane/pkg/audio"
)

// MaxRecordingBytes bounds the in-memory recording buffers. A call that
// exceeds it keeps running; the recording is simply truncated.
const MaxRecordingBytes = 100 << 20

// TranscriptEntry is one utterance in the call transcript.
type TranscriptEntry struct {
	Time time.Time
	Role string // "user" or "assistant"
	Text string
}

// Recorder is the tail stage that captures the call: caller audio on one
// track, bot audio overlaid at its arrival position on a second track, plus
// the per-utterance transcript. Flush mixes the tracks into one mono WAV.
type Recorder struct {
	mu sync.Mutex

	sampleRate int
	caller     []byte
	bot        []byte
	botPos     int
	truncated  bool

	fragments []string
	entries   []TranscriptEntry
}

// NewRecorder builds the recording stage. sampleRate is the pipeline's
// canonical PCM rate.
func NewRecorder(sampleRate int) *Recorder {
	return &Recorder{sampleRate: sampleRate}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Process(_ context.Context, f Frame, out Push) error {
	switch f := f.(type) {
	case InputAudioFrame:
		r.appendCaller(f.Data)
	case OutputAudioFrame:
		r.appendBot(f.Data)
	case UserStoppedSpeakingFrame:
		if strings.TrimSpace(f.Text) != "" {
			r.addEntry("user", f.Text)
		}
	case TTSTextFrame:
		r.mu.Lock()
		r.fragments = append(r.fragments, f.Text)
		r.mu.Unlock()
	case BotStoppedSpeakingFrame, InterruptionFrame:
		r.commitBotEntry()
	case EndFrame:
		r.commitBotEntry()
	}
	out(f)
	return nil
}

func (r *Recorder) appendCaller(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.caller)+len(r.bot)+len(data) > MaxRecordingBytes {
		r.truncated = true
		return
	}
	r.caller = append(r.caller, data...)
}

// appendBot overlays bot audio at the current caller-timeline position, so
// the mixed recording keeps both sides roughly aligned.
func (r *Recorder) appendBot(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.caller)+len(r.bot)+len(data) > MaxRecordingBytes {
		r.truncated = true
		return
	}
	if r.botPos < len(r.caller) {
		r.botPos = len(r.caller)
	}
	if need := r.botPos + len(data); need > len(r.bot) {
		r.bot = append(r.bot, make([]byte, need-len(r.bot))...)
	}
	copy(r.bot[r.botPos:], data)
	r.botPos += len(data)
}

func (r *Recorder) addEntry(role, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, TranscriptEntry{Time: time.Now(), Role: role, Text: text})
}

func (r *Recorder) commitBotEntry() {
	r.mu.Lock()
	fragments := r.fragments
	r.fragments = nil
	r.mu.Unlock()
	if text := strings.TrimSpace(strings.Join(fragments, " ")); text != "" {
		r.addEntry("assistant", text)
	}
}

// Truncated reports whether the recording hit the memory bound.
func (r *Recorder) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// Entries returns a copy of the transcript entries in order.
func (r *Recorder) Entries() []TranscriptEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TranscriptEntry(nil), r.entries...)
}

// Transcript renders the call transcript, one line per utterance.
func (r *Recorder) Transcript() string {
	var b strings.Builder
	for _, e := range r.Entries() {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Time.UTC().Format(time.RFC3339), e.Role, e.Text)
	}
	return b.String()
}

// WAV mixes both tracks into a mono 16-bit WAV file.
func (r *Recorder) WAV() ([]byte, error) {
	r.mu.Lock()
	caller := r.caller
	bot := r.bot
	r.mu.Unlock()

	mixed := mixPCM(caller, bot)
	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf, mixed, r.sampleRate); err != nil {
		return nil, fmt.Errorf("pipeline: encode recording: %w", err)
	}
	return buf.Bytes(), nil
}

// mixPCM sums two 16-bit little-endian PCM tracks sample-wise with clamping.
func mixPCM(a, b []byte) []byte {
	long, short := a, b
	if len(b) > len(a) {
		long, short = b, a
	}
	out := make([]byte, len(long))
	copy(out, long)
	for i := 0; i+1 < len(short); i += 2 {
		sa := int32(int16(uint16(out[i]) | uint16(out[i+1])<<8))
		sb := int32(int16(uint16(short[i]) | uint16(short[i+1])<<8))
		sum := sa + sb
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		out[i] = byte(uint16(sum))
		out[i+1] = byte(uint16(sum) >> 8)
	}
	return out
}
