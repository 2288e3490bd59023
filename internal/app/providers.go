package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/voicechat/internal/config"
	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/internal/resilience"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
	"github.com/MrWong99/voicechat/pkg/provider/stt"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// Providers holds one provider per pipeline stage. Each is usually a
// resilience fallback group built by [BuildProviders].
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// Names lists the member names per kind in failover order.
	Names map[string][]string

	closers []io.Closer
}

// Close releases providers that hold resources, such as an in-process
// whisper model.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *Providers) track(v any) {
	if c, ok := v.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
}

// breakerConfig is shared by every provider group.
var breakerConfig = resilience.CircuitBreakerConfig{
	MaxFailures: 3,
	Cooldown:    30 * time.Second,
	Probes:      1,
}

// BuildProviders instantiates the configured primary and fallback providers
// through reg and wraps each kind in a failover group with per-provider
// circuit breakers.
func BuildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	ps := &Providers{Names: make(map[string][]string, 3)}

	fb := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{CircuitBreaker: breakerConfig, Kind: kind, Metrics: metrics}
	}

	// ── LLM ───────────────────────────────────────────────────────────────────
	llmEntries := append([]config.ProviderEntry{cfg.Providers.LLM}, cfg.Providers.LLMFallbacks...)
	var llmGroup *resilience.LLMFallback
	for i, entry := range llmEntries {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.track(p)
		name := memberName(ps.Names["llm"], entry.Name)
		if i == 0 {
			llmGroup = resilience.NewLLMFallback(name, p, fb("llm"))
		} else {
			llmGroup.AddFallback(name, p)
		}
		ps.Names["llm"] = append(ps.Names["llm"], name)
		slog.Info("provider created", "kind", "llm", "name", name, "model", entry.Model)
	}
	ps.LLM = llmGroup

	// ── STT ───────────────────────────────────────────────────────────────────
	sttEntries := append([]config.ProviderEntry{cfg.Providers.STT}, cfg.Providers.STTFallbacks...)
	var sttGroup *resilience.STTFallback
	for i, entry := range sttEntries {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		ps.track(p)
		name := memberName(ps.Names["stt"], entry.Name)
		if i == 0 {
			sttGroup = resilience.NewSTTFallback(name, p, fb("stt"))
		} else {
			sttGroup.AddFallback(name, p)
		}
		ps.Names["stt"] = append(ps.Names["stt"], name)
		slog.Info("provider created", "kind", "stt", "name", name)
	}
	ps.STT = sttGroup

	// ── TTS ───────────────────────────────────────────────────────────────────
	ttsEntries := append([]config.ProviderEntry{cfg.Providers.TTS}, cfg.Providers.TTSFallbacks...)
	var ttsGroup *resilience.TTSFallback
	for i, entry := range ttsEntries {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.track(p)
		name := memberName(ps.Names["tts"], entry.Name)
		if i == 0 {
			ttsGroup = resilience.NewTTSFallback(name, p, fb("tts"))
		} else {
			ttsGroup.AddFallback(name, p)
		}
		ps.Names["tts"] = append(ps.Names["tts"], name)
		slog.Info("provider created", "kind", "tts", "name", name)
	}
	ps.TTS = ttsGroup

	return ps, nil
}

// memberName keeps group member names unique when the same provider is
// listed twice, e.g. two openai entries with different base URLs.
func memberName(taken []string, name string) string {
	candidate := name
	for n := 2; slices.Contains(taken, candidate); n++ {
		candidate = fmt.Sprintf("%s#%d", name, n)
	}
	return candidate
}
