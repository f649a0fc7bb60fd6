// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled synthesised audio into a pipeline under
// test. SynthesizeStream drains the supplied text channel (recording each
// fragment) and emits AudioChunks on the returned channel.
package mock

import (
	"context"
	"sync"

	"github.com/voicelane/voicelane/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
	// Text is the concatenation of all fragments drained from the text
	// channel. Populated once the channel closes; guard reads with the
	// provider's TextFor helper in concurrent tests.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// AudioChunks is the sequence of audio byte slices emitted for every
	// SynthesizeStream call, after the text channel has been drained.
	AudioChunks [][]byte

	// AudioPerFragment, when true, emits one chunk from AudioChunks per text
	// fragment received (cycling), instead of all chunks at the end. Useful
	// for testing pipelined synthesis.
	AudioPerFragment bool

	// SynthesizeErr, if non-nil, is returned as the error from
	// SynthesizeStream.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every invocation of SynthesizeStream.
	SynthesizeCalls []SynthesizeCall
}

// SynthesizeStream records the call, drains text, and emits AudioChunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Voice: voice})
	idx := len(p.SynthesizeCalls) - 1
	chunks := make([][]byte, len(p.AudioChunks))
	copy(chunks, p.AudioChunks)
	perFragment := p.AudioPerFragment
	p.mu.Unlock()

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		var full string
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case frag, ok := <-text:
				if !ok {
					if !perFragment {
						for _, c := range chunks {
							select {
							case out <- c:
							case <-ctx.Done():
								return
							}
						}
					}
					p.mu.Lock()
					p.SynthesizeCalls[idx].Text = full
					p.mu.Unlock()
					return
				}
				full += frag
				if perFragment && len(chunks) > 0 {
					select {
					case out <- chunks[n%len(chunks)]:
					case <-ctx.Done():
						return
					}
					n++
				}
			}
		}
	}()
	return out, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// TextFor returns the drained text of call n, or "" if not yet complete.
// Thread-safe.
func (p *Provider) TextFor(n int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 || n >= len(p.SynthesizeCalls) {
		return ""
	}
	return p.SynthesizeCalls[n].Text
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
