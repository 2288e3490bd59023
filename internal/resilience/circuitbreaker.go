// Package resilience guards providers with circuit breakers and fails over
// from a primary provider to its configured fallbacks.
//
// A [CircuitBreaker] trips after consecutive failures, rejects calls during a
// cooldown and then lets a few probe calls decide whether to close again.
// [Group] gives every provider of one kind its own breaker and tries them in
// order. [LLMFallback], [STTFallback] and [TTSFallback] expose a group as the
// provider interface it wraps.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the guarded function while the
// breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// OpenError is the rejection of a call by an open breaker. It matches
// [ErrCircuitOpen] and unwraps to the failure that last counted against the
// breaker, so callers can still classify the provider error.
type OpenError struct {
	Name string
	Last error
}

func (e *OpenError) Error() string {
	if e.Last == nil {
		return ErrCircuitOpen.Error()
	}
	return fmt.Sprintf("%v (%s): last failure: %v", ErrCircuitOpen, e.Name, e.Last)
}

func (e *OpenError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrCircuitOpen}
	}
	return []error{ErrCircuitOpen, e.Last}
}

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has passed.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default 5.
	MaxFailures int

	// Cooldown is how long an open breaker rejects calls. Default 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// the breaker. Default 3.
	Probes int

	// IsFailure decides whether an error counts against the breaker. The
	// default counts everything except context cancellation.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition.
	OnStateChange func(name string, from, to State)
}

// IsProviderFailure is the default failure predicate. A cancelled call says
// nothing about the health of the provider.
func IsProviderFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker is a three-state breaker. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes started
	succeeded int // half-open probes that succeeded
	lastErr   error
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsProviderFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker rejects the call with an [*OpenError].
// fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may run and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false, cb.rejection()
		}
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.inFlight >= cb.cfg.Probes {
			return false, cb.rejection()
		}
		cb.inFlight++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.cfg.IsFailure(err)
	if failed {
		cb.lastErr = err
	}
	switch {
	case probe && failed:
		cb.trip()
	case probe && err == nil:
		cb.succeeded++
		if cb.succeeded >= cb.cfg.Probes {
			cb.transition(StateClosed)
		}
	case probe:
		// An ignored error frees the probe slot.
		cb.inFlight--
	case failed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
			cb.trip()
		}
	case err == nil:
		cb.failures = 0
	}
}

// rejection must be called with cb.mu held.
func (cb *CircuitBreaker) rejection() error {
	return &OpenError{Name: cb.cfg.Name, Last: cb.lastErr}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.transition(StateOpen)
}

// transition moves to state to and resets the counters that belong to the
// old state. Must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.inFlight, cb.succeeded = 0, 0
	if to == StateClosed {
		cb.failures = 0
		cb.lastErr = nil
	}

	log := slog.With("breaker", cb.cfg.Name, "from", from.String(), "to", to.String())
	if to == StateOpen {
		log.Warn("circuit breaker opened", "consecutive_failures", cb.failures)
	} else {
		log.Info("circuit breaker state changed")
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.lastErr = nil
}
