package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteWAV writes pcm as a 16-bit mono PCM WAV file to w.
// Call recordings are persisted in this shape regardless of the carrier
// format the media arrived in.
func WriteWAV(w io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}

	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataLen := uint32(len(pcm))

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataLen)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataLen)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// ReadWAV parses a 16-bit mono PCM WAV file and returns the raw samples and
// their rate. Only the plain PCM encoding is accepted; compressed or
// multi-channel files are rejected.
func ReadWAV(r io.Reader) (pcm []byte, sampleRate int, err error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, fmt.Errorf("audio: read wav header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: not a wav file")
	}

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, 0, fmt.Errorf("audio: read wav chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			fmtData := make([]byte, size)
			if _, err := io.ReadFull(r, fmtData); err != nil {
				return nil, 0, fmt.Errorf("audio: read wav format: %w", err)
			}
			if binary.LittleEndian.Uint16(fmtData[0:2]) != 1 {
				return nil, 0, fmt.Errorf("audio: wav is not plain pcm")
			}
			if binary.LittleEndian.Uint16(fmtData[2:4]) != 1 {
				return nil, 0, fmt.Errorf("audio: wav is not mono")
			}
			if binary.LittleEndian.Uint16(fmtData[14:16]) != 16 {
				return nil, 0, fmt.Errorf("audio: wav is not 16-bit")
			}
			sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
		case "data":
			if sampleRate == 0 {
				return nil, 0, fmt.Errorf("audio: wav data before format chunk")
			}
			pcm = make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, 0, fmt.Errorf("audio: read wav data: %w", err)
			}
			return pcm, sampleRate, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return nil, 0, fmt.Errorf("audio: skip wav chunk %q: %w", id, err)
			}
		}
	}
}
