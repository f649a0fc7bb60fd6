package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

func TestULawRoundTrip(t *testing.T) {
	// µ-law is lossy; a round trip must stay within one quantisation step
	// of the original for representable magnitudes.
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	pcm := pcmFromSamples(samples)

	decoded := samplesFromPCM(DecodeULaw(EncodeULaw(pcm)))
	if len(decoded) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(samples))
	}
	for i, want := range samples {
		got := decoded[i]
		diff := int32(got) - int32(want)
		if diff < 0 {
			diff = -diff
		}
		// Error bound grows with magnitude (8 segments, 16 steps each).
		bound := int32(want)/16 + 40
		if bound < 0 {
			bound = -bound
		}
		if diff > bound {
			t.Errorf("sample %d: decoded %d, want ~%d (diff %d > bound %d)", i, got, want, diff, bound)
		}
	}
}

func TestEncodeULaw_Silence(t *testing.T) {
	pcm := make([]byte, 160*2)
	enc := EncodeULaw(pcm)
	if len(enc) != 160 {
		t.Fatalf("encoded %d bytes, want 160", len(enc))
	}
	decoded := samplesFromPCM(DecodeULaw(enc))
	for i, s := range decoded {
		if s > 4 || s < -4 {
			t.Fatalf("silence sample %d decoded to %d", i, s)
		}
	}
}

func TestResampleMono16_DoublesSampleCount(t *testing.T) {
	pcm := pcmFromSamples([]int16{0, 1000, 2000, 3000})
	out := ResampleMono16(pcm, 8000, 16000)
	if len(out) != len(pcm)*2 {
		t.Fatalf("resampled length = %d, want %d", len(out), len(pcm)*2)
	}
}

func TestResampleMono16_SameRateUnchanged(t *testing.T) {
	pcm := pcmFromSamples([]int16{1, 2, 3})
	out := ResampleMono16(pcm, 16000, 16000)
	if !bytes.Equal(out, pcm) {
		t.Fatal("same-rate resample should return input unchanged")
	}
}

func TestConverter_FastPath(t *testing.T) {
	c := Converter{Target: Format{SampleRate: 16000, Channels: 1}}
	frame := Frame{Data: pcmFromSamples([]int16{5, 6}), SampleRate: 16000, Channels: 1}
	got := c.Convert(frame)
	if !bytes.Equal(got.Data, frame.Data) {
		t.Fatal("matching format should pass through unchanged")
	}
}

func TestConverter_DropsOddBytes(t *testing.T) {
	c := Converter{Target: Format{SampleRate: 16000, Channels: 1}}
	got := c.Convert(Frame{Data: []byte{1, 2, 3}, SampleRate: 8000, Channels: 1})
	if len(got.Data) != 0 {
		t.Fatalf("odd-length PCM should be dropped, got %d bytes", len(got.Data))
	}
}

func TestFrameDuration(t *testing.T) {
	// 160 samples at 8 kHz = 20 ms.
	f := Frame{Data: make([]byte, 320), SampleRate: 8000, Channels: 1}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Fatalf("Duration = %v, want 20ms", got)
	}
}

func TestWriteWAV_Header(t *testing.T) {
	pcm := pcmFromSamples([]int16{1, 2, 3, 4})
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, 16000); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	b := buf.Bytes()
	if len(b) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(b), 44+len(pcm))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(b[24:28]); rate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", rate)
	}
	if dataLen := binary.LittleEndian.Uint32(b[40:44]); int(dataLen) != len(pcm) {
		t.Fatalf("data length = %d, want %d", dataLen, len(pcm))
	}
}

func TestWriteWAV_InvalidRate(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, nil, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestReadWAV_RoundTrip(t *testing.T) {
	pcm := pcmFromSamples([]int16{100, -100, 2000, -2000, 0, 32767})
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, 8000); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	got, rate, err := ReadWAV(&buf)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != 8000 {
		t.Fatalf("sample rate = %d, want 8000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatal("samples did not survive the round trip")
	}
}

func TestReadWAV_RejectsGarbage(t *testing.T) {
	if _, _, err := ReadWAV(bytes.NewReader([]byte("definitely not a wav"))); err == nil {
		t.Fatal("expected error for non-wav input")
	}
}
