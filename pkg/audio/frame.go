// Package audio provides the PCM frame type and codec helpers shared by the
// call pipeline and the telephony transports.
//
// All PCM in this package is little-endian signed 16-bit. Telephony media
// arrives either as G.711 µ-law at 8 kHz (classic carrier streams) or as
// linear 16-bit at 16 kHz (L16 streams); the pipeline itself runs on 16 kHz
// mono PCM and converts at the transport boundary.
package audio

import "time"

// Frame is a single chunk of audio flowing through the pipeline.
// Frames are the atomic unit of audio transport: read from the media
// WebSocket, fed to STT, produced by TTS, and written back out.
type Frame struct {
	// PCM audio data, little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (8000 for µ-law telephony, 16000 for the pipeline).
	SampleRate int

	// Channels is 1 for all telephony media; kept for transport symmetry.
	Channels int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame's PCM payload.
// Returns zero for frames with an invalid sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
