package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

func newTestGroup() *Group[string] {
	g := NewGroup("primary", "primary", FallbackConfig{
		Kind:           "test",
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, Cooldown: time.Hour},
	})
	g.Add("secondary", "secondary")
	return g
}

func TestCall_PrimarySuccess(t *testing.T) {
	g := newTestGroup()
	var calls []string
	got, err := Call(context.Background(), g, func(_ context.Context, v string) (string, error) {
		calls = append(calls, v)
		return "from " + v, nil
	})
	if err != nil || got != "from primary" {
		t.Fatalf("Call = %q, %v", got, err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v", calls)
	}
}

func TestCall_Failover(t *testing.T) {
	g := newTestGroup()
	got, err := Call(context.Background(), g, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from " + v, nil
	})
	if err != nil || got != "from secondary" {
		t.Fatalf("Call = %q, %v", got, err)
	}
}

func TestCall_AllFailKeepsCause(t *testing.T) {
	g := newTestGroup()
	cause := &llm.APIError{Provider: "secondary", StatusCode: 429, Message: "slow down"}
	_, err := Call(context.Background(), g, func(_ context.Context, v string) (int, error) {
		if v == "primary" {
			return 0, errTest
		}
		return 0, cause
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	apiErr, ok := llm.AsAPIError(err)
	if !ok || !apiErr.RateLimited() {
		t.Fatalf("last provider error not reachable through %v", err)
	}
}

func TestCall_SkipsOpenCircuit(t *testing.T) {
	g := newTestGroup()
	flaky := func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	}
	for range 2 {
		_, _ = Call(context.Background(), g, flaky)
	}
	if g.Breaker("primary").State() != StateOpen {
		t.Fatal("primary breaker should be open")
	}

	var calls []string
	_, err := Call(context.Background(), g, func(_ context.Context, v string) (string, error) {
		calls = append(calls, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v, want only secondary", calls)
	}
}

func TestCall_AllOpenKeepsRememberedCause(t *testing.T) {
	g := newTestGroup()
	cause := &llm.APIError{Provider: "openai", StatusCode: 401, Message: "bad key"}
	failing := func(_ context.Context, _ string) (string, error) { return "", cause }
	for range 2 {
		_, _ = Call(context.Background(), g, failing)
	}
	for _, name := range g.Names() {
		if g.Breaker(name).State() != StateOpen {
			t.Fatalf("%s breaker should be open", name)
		}
	}

	called := false
	_, err := Call(context.Background(), g, func(_ context.Context, v string) (string, error) {
		called = true
		return v, nil
	})
	if called {
		t.Fatal("member with open circuit was called")
	}
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v", err)
	}
	apiErr, ok := llm.AsAPIError(err)
	if !ok || !apiErr.Unauthorized() {
		t.Fatalf("provider error not reachable through %v", err)
	}
}

func TestCall_CancellationStopsFailover(t *testing.T) {
	g := newTestGroup()
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	_, err := Call(ctx, g, func(ctx context.Context, v string) (string, error) {
		calls = append(calls, v)
		cancel()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want plain context.Canceled", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only primary", calls)
	}
	if g.Breaker("primary").State() != StateClosed {
		t.Error("cancellation counted against the breaker")
	}
}

func TestCall_ExpiredContext(t *testing.T) {
	g := newTestGroup()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := Call(ctx, g, func(context.Context, string) (string, error) {
		called = true
		return "", nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
}

func TestGroup_Names(t *testing.T) {
	g := newTestGroup()
	names := g.Names()
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Errorf("names = %v", names)
	}
	if g.Breaker("missing") != nil {
		t.Error("Breaker returned a value for an unknown name")
	}
}
