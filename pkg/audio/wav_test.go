package audio

import (
	"bytes"
	"testing"
)

func TestNewWavBuffer(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	sampleRate := 44100
	wav := NewWavBuffer(pcm, sampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("Expected RIFF prefix")
	}

	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Errorf("Expected WAVE format identifier")
	}

	expectedLen := 44 + len(pcm)
	if len(wav) != expectedLen {
		t.Errorf("Expected length %d, got %d", expectedLen, len(wav))
	}
}

func TestFloat32ToPCM16RoundTrips(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1}
	pcm := Float32ToPCM16(samples)
	back := ToFloat32Mono(pcm, 1)

	if len(back) != len(samples) {
		t.Fatalf("got %d samples back, want %d", len(back), len(samples))
	}
	for i, want := range samples {
		if diff := back[i] - want; diff > 0.001 || diff < -0.001 {
			t.Errorf("sample %d: got %v want %v", i, back[i], want)
		}
	}
}

func TestFloat32ToPCM16ClampsOutOfRange(t *testing.T) {
	pcm := Float32ToPCM16([]float32{2, -2})
	back := ToFloat32Mono(pcm, 1)
	if back[0] < 0.999 || back[0] > 1.001 {
		t.Errorf("got %v want clamped to 1", back[0])
	}
	if back[1] < -1.001 || back[1] > -0.999 {
		t.Errorf("got %v want clamped to -1", back[1])
	}
}
