package telephony

import "github.com/voicelane/voicelane/pkg/audio"

// Serializer converts between a provider's wire audio format and the
// pipeline's canonical 16-bit mono PCM.
type Serializer interface {
	Name() string

	// WireRate is the sample rate of decoded wire audio.
	WireRate() int

	// Decode turns one wire payload into PCM at WireRate.
	Decode(payload []byte) []byte

	// Encode turns pipeline PCM at the given rate into one wire payload.
	Encode(pcm []byte, rate int) []byte
}

// ULawSerializer is the telephony-classic µ-law 8 kHz format (Twilio media
// streams, ARI external media).
type ULawSerializer struct{}

func (ULawSerializer) Name() string  { return "mulaw-8000" }
func (ULawSerializer) WireRate() int { return 8000 }

func (ULawSerializer) Decode(payload []byte) []byte {
	return audio.DecodeULaw(payload)
}

func (ULawSerializer) Encode(pcm []byte, rate int) []byte {
	if rate != 8000 {
		pcm = audio.ResampleMono16(pcm, rate, 8000)
	}
	return audio.EncodeULaw(pcm)
}

// L16Serializer carries uncompressed 16 kHz linear PCM.
type L16Serializer struct{}

func (L16Serializer) Name() string  { return "l16-16000" }
func (L16Serializer) WireRate() int { return 16000 }

func (L16Serializer) Decode(payload []byte) []byte { return payload }

func (L16Serializer) Encode(pcm []byte, rate int) []byte {
	if rate != 16000 {
		pcm = audio.ResampleMono16(pcm, rate, 16000)
	}
	return pcm
}

// PCMSerializer is raw binary PCM at an arbitrary configured rate, used by
// the in-process loadtest transport.
type PCMSerializer struct {
	Rate int
}

func (s PCMSerializer) Name() string  { return "pcm-binary" }
func (s PCMSerializer) WireRate() int { return s.Rate }

func (s PCMSerializer) Decode(payload []byte) []byte { return payload }

func (s PCMSerializer) Encode(pcm []byte, rate int) []byte {
	if rate != s.Rate {
		pcm = audio.ResampleMono16(pcm, rate, s.Rate)
	}
	return pcm
}
