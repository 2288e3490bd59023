// Package openai streams chat completions from the OpenAI API or any server
// that speaks its Chat Completions protocol (vLLM, LM Studio, llama.cpp
// server and the like).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

const (
	providerName = "openai"
	streamBuffer = 32
)

var _ llm.Provider = (*Provider)(nil)

// Provider is an [llm.Provider] over the openai-go SDK.
type Provider struct {
	client oai.Client
	model  string
}

// Option adjusts the SDK client.
type Option func(*[]option.RequestOption)

func withRequestOption(o option.RequestOption) Option {
	return func(opts *[]option.RequestOption) { *opts = append(*opts, o) }
}

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option { return withRequestOption(option.WithBaseURL(url)) }

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option { return withRequestOption(option.WithOrganization(org)) }

// WithTimeout bounds each HTTP request. The stream shares the deadline, so
// keep it above the longest expected completion.
func WithTimeout(d time.Duration) Option {
	return withRequestOption(option.WithRequestTimeout(d))
}

// WithMaxRetries sets how often the SDK retries a failed request.
func WithMaxRetries(n int) Option { return withRequestOption(option.WithMaxRetries(n)) }

// WithHTTPClient replaces the SDK's HTTP client.
func WithHTTPClient(hc *http.Client) Option { return withRequestOption(option.WithHTTPClient(hc)) }

// New creates a Provider. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (p *Provider) Model() string { return p.model }

// StreamCompletion opens a streaming completion. HTTP failures before the
// first event are returned directly; later ones arrive as a final chunk with
// Err set. API errors are converted to [*llm.APIError].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("openai: open stream: %w", asAPIError(err))
	}

	ch := make(chan llm.Chunk, streamBuffer)
	go func() {
		defer close(ch)
		defer stream.Close()

		emit := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			ev := stream.Current()
			if len(ev.Choices) == 0 {
				continue
			}
			delta, finish := ev.Choices[0].Delta.Content, ev.Choices[0].FinishReason
			if delta == "" && finish == "" {
				continue
			}
			if !emit(llm.Chunk{Text: delta, FinishReason: finish}) {
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			emit(llm.Chunk{Err: fmt.Errorf("openai: stream: %w", asAPIError(err))})
		}
	}()
	return ch, nil
}

// asAPIError wraps SDK status errors; transport and context errors pass
// through.
func asAPIError(err error) error {
	var se *oai.Error
	if !errors.As(err, &se) {
		return err
	}
	msg := se.Message
	if msg == "" {
		msg = http.StatusText(se.StatusCode)
	}
	return &llm.APIError{Provider: providerName, StatusCode: se.StatusCode, Message: msg, Err: err}
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		params.Messages = append(params.Messages, msg)
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported role %q", m.Role)
	}
}
