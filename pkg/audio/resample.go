package audio

import "encoding/binary"

func sample16(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
}

func putSample16(pcm []byte, i int, v int32) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
}

// DownmixMono16 averages interleaved 16-bit PCM frames of the given channel
// count into mono. Mono input is returned as is; a trailing partial frame is
// dropped.
func DownmixMono16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for f := range frames {
		var sum int32
		for c := range channels {
			sum += sample16(pcm, f*channels+c)
		}
		// The mean of int16 values always fits in int16.
		putSample16(out, f, sum/int32(channels))
	}
	return out
}

// ResampleMono16 converts 16-bit mono PCM from srcRate to dstRate by linear
// interpolation. Equal or non-positive rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	outN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outN == 0 {
		return nil
	}

	out := make([]byte, outN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range outN {
		pos := float64(i) * step
		j := int(pos)
		a := sample16(pcm, j)
		b := a
		if j+1 < n {
			b = sample16(pcm, j+1)
		}
		frac := pos - float64(j)
		putSample16(out, i, int32(float64(a)+float64(b-a)*frac))
	}
	return out
}
