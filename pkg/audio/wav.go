package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// Float32ToPCM16 converts mono float32 samples in [-1,1] to 16-bit
// little-endian PCM bytes, the inverse of ToFloat32Mono, so a decoded and
// resampled signal can be re-encoded with NewWavBuffer for inspection.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767.0)))
	}
	return out
}

var (
	ErrNotRIFF       = errors.New("audio: not a RIFF/WAVE file")
	ErrUnsupportedWav = errors.New("audio: only 16-bit PCM WAV is supported")
	ErrTruncatedWav  = errors.New("audio: truncated WAV data")
)

// Decoded is a decoded WAV file's format and raw sample bytes.
type Decoded struct {
	SampleRate int
	Channels   int
	PCM        []byte // 16-bit little-endian signed samples
}

// Decode parses a canonical RIFF/WAVE container (PCM, 16-bit) and returns
// its format plus raw sample bytes. It walks chunks rather than assuming
// "fmt " immediately precedes "data", since some encoders interleave
// metadata chunks (e.g. "LIST") between them.
func Decode(wav []byte) (Decoded, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return Decoded{}, ErrNotRIFF
	}

	var d Decoded
	var bitsPerSample uint16
	var sawFmt, sawData bool

	pos := 12
	for pos+8 <= len(wav) {
		id := string(wav[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(wav[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(wav) {
			return Decoded{}, ErrTruncatedWav
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Decoded{}, ErrTruncatedWav
			}
			audioFormat := binary.LittleEndian.Uint16(wav[body : body+2])
			if audioFormat != 1 {
				return Decoded{}, fmt.Errorf("%w: audio format %d", ErrUnsupportedWav, audioFormat)
			}
			d.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			d.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			bitsPerSample = binary.LittleEndian.Uint16(wav[body+14 : body+16])
			sawFmt = true
		case "data":
			d.PCM = wav[body : body+size]
			sawData = true
		}

		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}

	if !sawFmt || !sawData {
		return Decoded{}, ErrTruncatedWav
	}
	if bitsPerSample != 16 {
		return Decoded{}, fmt.Errorf("%w: got %d-bit", ErrUnsupportedWav, bitsPerSample)
	}
	return d, nil
}

// ToFloat32Mono down-mixes 16-bit little-endian PCM to mono float32 in
// [-1,1], averaging channels per frame.
func ToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			idx := i*frameBytes + ch*2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
