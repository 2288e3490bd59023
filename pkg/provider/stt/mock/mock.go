// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to verify which audio the pipeline submits and to feed
// controlled transcripts or failures.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "こんにちは"}}
//	t, _ := p.Transcribe(ctx, audio)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicechat/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the utterance passed to Transcribe.
	Audio stt.Audio
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Block, if non-nil, makes Transcribe wait until Block is closed or the
	// call's context is cancelled. A cancelled wait returns ctx.Err().
	Block chan struct{}

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	p.mu.Lock()
	pcm := make([]byte, len(a.PCM))
	copy(pcm, a.PCM)
	a.PCM = pcm
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Audio: a})
	block := p.Block
	result, err := p.Result, p.Err
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	return result, err
}

// CallCount returns the number of Transcribe invocations. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent call, or false if none was made.
// Thread-safe.
func (p *Provider) LastCall() (TranscribeCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return TranscribeCall{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)
