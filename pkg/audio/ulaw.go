package audio

// G.711 µ-law codec. Telephony providers that stream 8 kHz carrier audio
// (Twilio media streams, Asterisk external media in ulaw mode) encode each
// sample as a single µ-law byte; the pipeline works on linear PCM, so the
// transport serializers convert at the boundary.

const ulawBias = 0x84

// ulawDecodeTable maps each µ-law byte to its linear int16 sample.
// Built once at init; the table form keeps per-frame decode branch-free.
var ulawDecodeTable [256]int16

func init() {
	for i := range 256 {
		u := ^uint8(i)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int16(mantissa)<<3 + ulawBias) << exponent
		sample -= ulawBias
		if u&0x80 == 0 {
			sample = -sample
		}
		ulawDecodeTable[i] = sample
	}
}

// DecodeULaw converts µ-law bytes to little-endian int16 PCM.
func DecodeULaw(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := ulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeULaw converts little-endian int16 PCM to µ-law bytes.
// A trailing odd byte is ignored.
func EncodeULaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeULawSample(s)
	}
	return out
}

// encodeULawSample compresses a single linear sample to µ-law.
func encodeULawSample(sample int16) byte {
	sign := byte(0x80)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0
	}
	s += ulawBias
	if s > 0x7FFF {
		s = 0x7FFF
	}

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
