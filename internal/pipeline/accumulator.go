package pipeline

import "github.com/MrWong99/voicechat/internal/protocol"

// Accumulator buffers the raw float32 PCM chunks of one capture.
//
// It is owned by a single session goroutine and does no locking.
type Accumulator struct {
	// DefaultRate replaces missing sample rates. Zero selects
	// [protocol.DefaultSampleRate].
	DefaultRate int

	chunks     [][]byte
	size       int
	sampleRate int
}

// Add appends chunk, tagged with sampleRate. The most recent rate wins.
// Empty chunks update the rate but do not count as audio. A non-positive
// rate falls back to the default rate.
//
// Trailing bytes that do not form a whole float32 sample are cut off so
// later chunks stay aligned; Add returns how many were cut.
func (a *Accumulator) Add(chunk []byte, sampleRate int) (trimmed int) {
	if sampleRate <= 0 {
		sampleRate = a.defaultRate()
	}
	a.sampleRate = sampleRate
	whole := len(chunk) &^ (sampleBytes - 1)
	trimmed, chunk = len(chunk)-whole, chunk[:whole]
	if len(chunk) == 0 {
		return trimmed
	}
	a.chunks = append(a.chunks, chunk)
	a.size += len(chunk)
	return trimmed
}

// sampleBytes is the width of one float32 sample.
const sampleBytes = 4

// HasAudio reports whether at least one non-empty chunk was added since the
// last Clear.
func (a *Accumulator) HasAudio() bool { return len(a.chunks) > 0 }

// Len returns the number of buffered bytes.
func (a *Accumulator) Len() int { return a.size }

// Snapshot returns the concatenated PCM and its sample rate. The buffer is
// left untouched.
func (a *Accumulator) Snapshot() ([]byte, int) {
	out := make([]byte, 0, a.size)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	rate := a.sampleRate
	if rate == 0 {
		rate = a.defaultRate()
	}
	return out, rate
}

func (a *Accumulator) defaultRate() int {
	if a.DefaultRate > 0 {
		return a.DefaultRate
	}
	return protocol.DefaultSampleRate
}

// Clear drops all buffered audio.
func (a *Accumulator) Clear() {
	a.chunks = nil
	a.size = 0
	a.sampleRate = 0
}
