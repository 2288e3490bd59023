package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/voicechat/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestFloat32ToPCM16(t *testing.T) {
	in := audio.SamplesToFloat32([]float32{0, 1, -1, 0.5, 2, -3, float32(math.NaN())})
	got := bytesToSamples(audio.Float32ToPCM16(in))
	want := []int16{0, 32767, -32768, 16383, 32767, -32768, 0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloat32ToPCM16_TrailingBytes(t *testing.T) {
	in := append(audio.SamplesToFloat32([]float32{0.25}), 0x01, 0x02)
	if got := len(audio.Float32ToPCM16(in)); got != 2 {
		t.Fatalf("expected 2 bytes, got %d", got)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	want := []float32{0.1, -0.2, 0.75}
	got := audio.Float32ToSamples(audio.SamplesToFloat32(want))
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	got := audio.PCM16ToFloat32(samplesToBytes([]int16{0, 16384, -32768}))
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}
