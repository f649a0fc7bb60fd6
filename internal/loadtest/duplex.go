// Package loadtest exercises the call pipeline at scale without any
// provider, database, or network dependency. Each simulated call pairs a
// real engine session (the actor) with a scripted adversary caller over an
// in-memory duplex audio link.
package loadtest

import (
	"context"
	"sync/atomic"
)

// Endpoint is one side of an in-memory audio link. It satisfies the
// pipeline's output transport; written frames count toward the stats and
// wake anyone waiting on Activity.
type Endpoint struct {
	frames int64
	bytes  int64

	// activity gets a non-blocking signal per written frame.
	activity chan struct{}
}

// NewEndpoint returns an endpoint ready to receive audio.
func NewEndpoint() *Endpoint {
	return &Endpoint{activity: make(chan struct{}, 1)}
}

// WriteAudioFrame records the frame and signals activity. It never fails;
// the in-memory link has no socket to lose.
func (e *Endpoint) WriteAudioFrame(_ context.Context, pcm []byte, _ int) bool {
	atomic.AddInt64(&e.frames, 1)
	atomic.AddInt64(&e.bytes, int64(len(pcm)))
	select {
	case e.activity <- struct{}{}:
	default:
	}
	return true
}

// Activity is signaled whenever a frame arrives. The channel is buffered and
// lossy; it marks "something happened", not one event per frame.
func (e *Endpoint) Activity() <-chan struct{} { return e.activity }

// Frames returns how many frames were written.
func (e *Endpoint) Frames() int64 { return atomic.LoadInt64(&e.frames) }

// Bytes returns how many PCM bytes were written.
func (e *Endpoint) Bytes() int64 { return atomic.LoadInt64(&e.bytes) }
