// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to verify which sentences the pipeline synthesizes and to feed
// controlled audio or per-sentence failures.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Speech is returned by Synthesize for every successful call. If its PCM
	// is nil, two bytes of silence are returned instead.
	Speech tts.Speech

	// Err, if non-nil, is returned for every call.
	Err error

	// FailOn maps text to an error returned only for that exact text.
	FailOn map[string]error

	// Calls records every call to Synthesize.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Speech or the configured error.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Speech, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Text: text})
	if err, ok := p.FailOn[text]; ok {
		return tts.Speech{}, err
	}
	if p.Err != nil {
		return tts.Speech{}, p.Err
	}
	s := p.Speech
	if s.PCM == nil {
		s.PCM = []byte{0, 0}
	}
	if s.SampleRate == 0 {
		s.SampleRate = 16000
	}
	return s, nil
}

// Texts returns the text of every recorded call in order. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)
