// Package resilience guards the coaching request path. [CircuitBreaker]
// fails queued batches fast once the LLM backend is down instead of letting
// them stack multi-second timeouts, and [FallbackGroup] routes around an
// unhealthy backend when alternates are configured.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls. The API maps it to 503 so clients see "coach unavailable"
// rather than a timeout.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through to decide
	// whether the backend recovered.
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

// Defaults sized for coaching completions: one LLM round trip takes seconds,
// so a short failure streak already represents a lot of wall-clock pain for
// the batcher queued behind it.
const (
	defaultMaxFailures  = 3
	defaultResetTimeout = 20 * time.Second
	defaultHalfOpenMax  = 2
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the protected backend in log lines ("llm", "llm/ollama").
	Name string

	// MaxFailures is the failure streak that trips the breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker rejects calls before probing the
	// backend again. Default: 20s.
	ResetTimeout time.Duration

	// HalfOpenMax is how many probe calls may run in the half-open state;
	// that many consecutive successes close the breaker. Default: 2.
	HalfOpenMax int
}

// CircuitBreaker is a three-state breaker (closed, open, half-open) around
// a single backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu         sync.Mutex
	state      State
	failStreak int
	openedAt   time.Time
	probes     int
	probeFails int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields get
// the package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker is rejecting calls. fn's error is
// returned as-is; [ErrCircuitOpen] is returned without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn()
	cb.observe(probe, err)
	return err
}

// allow decides whether a call may proceed and whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) allow() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("breaker probing backend", "breaker", cb.name)
		fallthrough

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// observe records the call's outcome and moves the state machine.
func (cb *CircuitBreaker) observe(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil && probe:
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failStreak = 0
			slog.Info("breaker closed, backend recovered", "breaker", cb.name)
		}

	case err == nil:
		cb.failStreak = 0

	case probe:
		// One failed probe is enough evidence that the backend is still down.
		cb.probeFails++
		cb.trip()

	default:
		cb.failStreak++
		if cb.failStreak >= cb.maxFailures {
			cb.trip()
		}
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failStreak = cb.maxFailures
	slog.Warn("breaker open, rejecting calls",
		"breaker", cb.name,
		"failures", cb.failStreak,
		"retry_in", cb.resetTimeout)
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next
// [Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failStreak = 0
	cb.probes = 0
	cb.probeFails = 0
	slog.Info("breaker manually reset", "breaker", cb.name)
}
