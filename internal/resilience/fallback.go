package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] either
// failed or was skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig seeds the per-backend circuit breaker of a [FallbackGroup].
// The breaker name is always overridden with the backend's own name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// backend pairs one provider instance with its dedicated breaker, so a dead
// primary stops being dialled while a healthy alternate serves.
type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup tries a primary backend first and fails over to alternates
// in registration order. Built for the coaching LLM path, where a local
// ollama primary may have hosted alternates behind it; it is generic so the
// same failover applies to any provider type.
//
// Safe for concurrent use once registration is done.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup creates a group with primary as the preferred backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback registers an alternate, tried after everything registered
// before it. Not safe to call concurrently with Execute.
func (fg *FallbackGroup[T]) AddFallback(name string, alternate T) {
	fg.add(name, alternate)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.backends = append(fg.backends, backend[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute runs fn against backends in order until one succeeds. Backends
// with an open breaker are skipped without being dialled.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. A package-level function because Go methods cannot introduce type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.backends {
		b := &fg.backends[i]
		var result R
		err := b.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(b.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend, breaker open", "backend", b.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", b.name, "err", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
