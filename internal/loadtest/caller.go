package loadtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voicelane/voicelane/pkg/provider/stt"
)

const (
	// quietGap is how long the bot must stay silent before the caller
	// considers the bot's turn finished.
	quietGap = 150 * time.Millisecond

	// responseTimeout bounds how long the caller waits for the bot to react
	// to an utterance before failing the call.
	responseTimeout = 10 * time.Second

	// callerFrameBytes is one 20 ms frame of 16 kHz mono PCM.
	callerFrameBytes = 640
)

// Caller is the scripted adversary of one simulated call. It waits for the
// bot to finish speaking, then delivers the next line of its script as audio
// plus a final transcript, the same two signals a real caller produces.
type Caller struct {
	// Lines is the caller's script, spoken in order.
	Lines []string

	// PushAudio injects caller PCM into the actor session.
	PushAudio func(pcm []byte, sampleRate int)

	// Finals is the actor's STT final-transcript channel.
	Finals chan<- stt.Transcript

	// BotAudio is the caller's side of the duplex link.
	BotAudio *Endpoint
}

// Run speaks the whole script. It returns the latency from each delivered
// line to the bot's first audio in response.
func (c *Caller) Run(ctx context.Context) ([]time.Duration, error) {
	// The bot greets first; wait for that to finish.
	if err := c.awaitQuiet(ctx); err != nil {
		return nil, fmt.Errorf("loadtest: waiting for greeting: %w", err)
	}

	latencies := make([]time.Duration, 0, len(c.Lines))
	silence := make([]byte, callerFrameBytes)
	for i, line := range c.Lines {
		// A real caller produces audio before the recognizer finalizes.
		for range 5 {
			c.PushAudio(silence, 16000)
		}
		start := time.Now()
		select {
		case c.Finals <- stt.Transcript{Text: line, IsFinal: true}:
		case <-ctx.Done():
			return latencies, ctx.Err()
		}

		if err := c.awaitAudio(ctx); err != nil {
			return latencies, fmt.Errorf("loadtest: line %d got no response: %w", i, err)
		}
		latencies = append(latencies, time.Since(start))

		if err := c.awaitQuiet(ctx); err != nil {
			return latencies, err
		}
	}
	return latencies, nil
}

// awaitAudio blocks until the bot produces at least one frame.
func (c *Caller) awaitAudio(ctx context.Context) error {
	select {
	case <-c.BotAudio.Activity():
		return nil
	case <-time.After(responseTimeout):
		return errors.New("response timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitQuiet blocks until no bot audio has arrived for quietGap. It requires
// at least one frame first so a slow bot start does not count as silence.
func (c *Caller) awaitQuiet(ctx context.Context) error {
	if err := c.awaitAudio(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-c.BotAudio.Activity():
		case <-time.After(quietGap):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
