package resilience

import (
	"context"

	"github.com/MrWong99/voicechat/pkg/audio"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over between LLM backends.
type LLMFallback struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback preferring primary.
func NewLLMFallback(name string, primary llm.Provider, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewGroup(name, primary, cfg)}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.Add(name, p) }

// Group exposes the underlying group.
func (f *LLMFallback) Group() *Group[llm.Provider] { return f.group }

// StreamCompletion opens a stream on the first healthy backend. A backend
// whose stream fails before its first chunk counts as failed and the next
// one is tried. Failures after the first chunk reach the caller.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return awaitFirstChunk(ctx, ch)
	})
}

// awaitFirstChunk blocks until ch yields its first chunk and returns a
// channel replaying it followed by the rest of ch.
func awaitFirstChunk(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var first llm.Chunk
	select {
	case c, ok := <-ch:
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out := make(chan llm.Chunk)
			close(out)
			return out, nil
		}
		if c.Err != nil {
			go audio.Drain(ch)
			return nil, c.Err
		}
		first = c
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := make(chan llm.Chunk, cap(ch)+1)
	out <- first
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case out <- c:
			case <-ctx.Done():
				audio.Drain(ch)
				return
			}
		}
	}()
	return out, nil
}
