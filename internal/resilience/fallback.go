package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicechat/internal/observe"
)

// ErrAllFailed is returned when no provider of a [Group] succeeded. The error
// of the last attempted provider is wrapped alongside it.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [Group].
type FallbackConfig struct {
	// CircuitBreaker is the template for every provider's breaker. Name is
	// replaced with the provider name.
	CircuitBreaker CircuitBreakerConfig

	// Kind labels provider metrics, e.g. "llm".
	Kind string

	// Metrics records one request per attempt. Nil disables it.
	Metrics *observe.Metrics
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group holds a primary provider and its fallbacks, each behind its own
// breaker. Members must be added before the group is shared; calls are safe
// for concurrent use afterwards.
type Group[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewGroup returns a Group whose first member is primary.
func NewGroup[T any](name string, primary T, cfg FallbackConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(name, primary)
	return g
}

// Add appends a fallback. Members are tried in the order they were added.
func (g *Group[T]) Add(name string, v T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names returns the member names in order.
func (g *Group[T]) Names() []string {
	out := make([]string, len(g.members))
	for i, m := range g.members {
		out[i] = m.name
	}
	return out
}

// Breaker returns the breaker of the named member, or nil.
func (g *Group[T]) Breaker(name string) *CircuitBreaker {
	for _, m := range g.members {
		if m.name == name {
			return m.breaker
		}
	}
	return nil
}

// Call runs fn against each member in order until one succeeds. Members with
// an open breaker are skipped; their remembered failure stands in when no
// member could be called. A cancelled or expired ctx stops the failover
// and its error is returned as is.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var res R
		err := m.breaker.Execute(func() error {
			var err error
			res, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			g.record(ctx, m.name, "ok")
			return res, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider with open circuit", "kind", g.cfg.Kind, "provider", m.name)
			// A failure seen during this call outranks a remembered one.
			if lastErr == nil {
				lastErr = err
			}
			continue
		}

		g.record(ctx, m.name, "error")
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		slog.Warn("provider failed, trying next", "kind", g.cfg.Kind, "provider", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (g *Group[T]) record(ctx context.Context, provider, status string) {
	if g.cfg.Metrics == nil {
		return
	}
	g.cfg.Metrics.RecordProviderRequest(ctx, provider, g.cfg.Kind, status)
	if status != "ok" {
		g.cfg.Metrics.RecordProviderError(ctx, provider, g.cfg.Kind)
	}
}
