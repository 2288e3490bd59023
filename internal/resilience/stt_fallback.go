package resilience

import (
	"context"

	"github.com/MrWong99/voicechat/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that fails over between STT backends.
type STTFallback struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(name string, primary stt.Provider, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{group: NewGroup(name, primary, cfg)}
}

// AddFallback registers another backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.Add(name, p) }

// Group exposes the underlying group.
func (f *STTFallback) Group() *Group[stt.Provider] { return f.group }

// Transcribe uses the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	return Call(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, a)
	})
}
