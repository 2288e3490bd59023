package resilience

import (
	"context"

	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] that fails over between TTS backends.
type TTSFallback struct {
	group *Group[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a TTSFallback preferring primary.
func NewTTSFallback(name string, primary tts.Provider, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{group: NewGroup(name, primary, cfg)}
}

// AddFallback registers another backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.Add(name, p) }

// Group exposes the underlying group.
func (f *TTSFallback) Group() *Group[tts.Provider] { return f.group }

// Synthesize uses the first healthy backend. Backends may answer with
// different sample rates; the returned [tts.Speech] carries its own.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (tts.Speech, error) {
	return Call(ctx, f.group, func(ctx context.Context, p tts.Provider) (tts.Speech, error) {
		return p.Synthesize(ctx, text)
	})
}
