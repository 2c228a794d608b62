package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed is returned when every provider in a [FallbackGroup] failed or
// sat behind an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-provider circuit breaker created for each
// member of a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// groupEntry pairs one provider with its dedicated breaker.
type groupEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary provider with zero or more alternates of the
// same pipeline stage (STT, LLM or TTS). When the primary fails mid-call, or
// its breaker is open from earlier failures, the next healthy alternate takes
// the request, in registration order.
//
// A FallbackGroup is safe for concurrent use once built; AddFallback is not
// safe to interleave with Execute.
type FallbackGroup[T any] struct {
	entries []groupEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first entry. Alternates
// are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends an alternate provider, tried after everything already
// registered.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, groupEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// names lists the group members for the all-failed error.
func (fg *FallbackGroup[T]) names() string {
	out := make([]string, len(fg.entries))
	for i := range fg.entries {
		out[i] = fg.entries[i].name
	}
	return strings.Join(out, ", ")
}

// Execute tries fn against each provider in order until one succeeds. Open
// breakers are skipped without an attempt. When every provider fails the
// returned error wraps [ErrAllFailed] and carries the last failure.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logAttempt(entry.name, err)
	}
	return fmt.Errorf("%w (tried %s): %v", ErrAllFailed, fg.names(), lastErr)
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a value.
// It is a package-level function because Go has no method-level type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logAttempt(entry.name, err)
	}
	return zero, fmt.Errorf("%w (tried %s): %v", ErrAllFailed, fg.names(), lastErr)
}

func logAttempt(name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("provider skipped, circuit open", "provider", name)
		return
	}
	slog.Warn("provider failed, trying next in group", "provider", name, "error", err)
}
