// Package mock is a scripted [llm.Provider] for tests.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider replays StreamChunks on every call and records the requests it
// received. Set the exported fields before the first call.
type Provider struct {
	// StreamChunks are sent in order, then the channel is closed.
	StreamChunks []llm.Chunk

	// StreamErr fails the call before a stream is opened.
	StreamErr error

	// HoldOpen keeps the stream open after the last chunk until the call's
	// context ends, like a backend that stopped responding.
	HoldOpen bool

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	req.Messages = slices.Clone(req.Messages)

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	chunks := slices.Clone(p.StreamChunks)
	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if p.HoldOpen {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// CallCount reports how many times StreamCompletion ran.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// LastRequest returns the latest request with its messages copied at call
// time.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.requests[len(p.requests)-1], true
}
