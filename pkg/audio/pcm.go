// Package audio holds the PCM helpers shared by the voice pipeline: sample
// format conversion between browser float32 frames and 16-bit provider audio,
// WAV container encoding and parsing, and linear resampling.
package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToSamples decodes little-endian IEEE-754 float32 PCM. A trailing
// partial sample is ignored.
func Float32ToSamples(pcm []byte) []float32 {
	n := len(pcm) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
	}
	return out
}

// SamplesToFloat32 encodes samples as little-endian float32 PCM.
func SamplesToFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// Float32ToPCM16 converts little-endian float32 PCM in [-1, 1] to signed
// 16-bit little-endian PCM. Out-of-range and NaN samples are clamped.
func Float32ToPCM16(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		f := math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(f)))
	}
	return out
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM to float32
// samples normalised to [-1.0, 1.0). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

func floatToInt16(f float32) int16 {
	if f != f { // NaN
		return 0
	}
	if f >= 1 {
		return math.MaxInt16
	}
	if f <= -1 {
		return math.MinInt16
	}
	return int16(f * 32767)
}
