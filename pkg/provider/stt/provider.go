// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (a whisper.cpp server,
// the in-process whisper.cpp bindings, or Deepgram's pre-recorded API) and
// turns one bounded capture of speech into text. The voice pipeline calls
// Transcribe once per utterance after the client signals the end of speech.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Audio is one captured utterance.
type Audio struct {
	// PCM is 16-bit signed little-endian mono audio.
	PCM []byte

	// SampleRate is the sample rate of PCM in Hz.
	SampleRate int

	// Language is an optional BCP-47 language hint (e.g., "ja", "en"). Empty
	// lets the provider use its configured default.
	Language string
}

// Duration returns the playback length of the audio.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	samples := len(a.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed speech content. May be empty when no speech was
	// recognised.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero if the
	// provider does not report confidence.
	Confidence float64

	// Language is the language the provider detected or used.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts audio to text. It blocks until the provider answers
	// or ctx is cancelled.
	Transcribe(ctx context.Context, audio Audio) (Transcript, error)
}
