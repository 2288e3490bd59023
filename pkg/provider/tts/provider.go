// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one sentence of text into mono 16-bit PCM. The voice
// pipeline calls Synthesize once per sentence as the completion streams in,
// so the client can start playback before the full reply is known.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"
)

// Speech is synthesized audio for one piece of text.
type Speech struct {
	// PCM is 16-bit signed little-endian mono audio.
	PCM []byte

	// SampleRate is the sample rate of PCM in Hz.
	SampleRate int
}

// Duration returns the playback length of the speech.
func (s Speech) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.PCM)/2) * time.Second / time.Duration(s.SampleRate)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text to speech using the provider's configured voice.
	// It blocks until all audio for text is available or ctx is cancelled.
	Synthesize(ctx context.Context, text string) (Speech, error)
}
