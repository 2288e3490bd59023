// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the pipeline access to every vendor that library supports behind a
// single streaming call.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// streamBuffer bounds how far the backend may run ahead of the pipeline.
const streamBuffer = 32

type backendFactory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// factories are keyed by lower-case backend name. Each any-llm-go
// constructor returns its concrete type, hence the adapters.
var factories = map[string]backendFactory{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Backends returns the accepted backend names, sorted.
func Backends() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider streams completions from one any-llm-go backend and model.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New returns a Provider for backend (case-insensitive, see [Backends])
// serving model. Without an API key option most backends read their
// vendor's usual environment variable.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if name == "" {
		return nil, errors.New("anyllm: backend must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := factory(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string { return p.name }

// StreamCompletion implements [llm.Provider].
//
// any-llm-go reports a failure on its error channel after the chunk channel
// closed. It is forwarded as a final chunk carrying an *[llm.APIError]. A
// stream ended by ctx closes without an error chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: request has no messages")
	}
	chunks, errs := p.backend.CompletionStream(ctx, p.buildParams(req))

	out := make(chan llm.Chunk, streamBuffer)
	go func() {
		defer close(out)
		send := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			c := llm.Chunk{Text: choice.Delta.Content, FinishReason: string(choice.FinishReason)}
			if c.Text == "" && c.FinishReason == "" {
				continue
			}
			if !send(c) {
				return
			}
		}

		err := <-errs
		if err == nil || ctx.Err() != nil {
			return
		}
		send(llm.Chunk{Err: fmt.Errorf("anyllm: stream: %w", &llm.APIError{
			Provider: p.name,
			Message:  err.Error(),
			Err:      err,
		})})
	}()
	return out, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, len(req.Messages)),
	}
	for i, m := range req.Messages {
		// Role names match any-llm-go's.
		params.Messages[i] = anyllmlib.Message{Role: m.Role, Content: m.Content}
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		params.MaxTokens = &n
	}
	return params
}
