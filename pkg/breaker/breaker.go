// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package breaker implements a circuit breaker guarding the client
// engine's destination-resolution calls: repeated inventory lookup
// failures trip the breaker so a down inventory service isn't hammered
// on every reconnect attempt.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrResolutionTimeout is returned when a guarded resolution attempt
	// runs longer than Config.Timeout. An inventory lookup that hangs
	// counts as a failure toward tripping the breaker just like a
	// returned error would.
	ErrResolutionTimeout = errors.New("destination resolution timed out")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
	// Timeout is the maximum time allowed for a call.
	Timeout time.Duration
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu               sync.RWMutex
	config           Config
	state            State
	failures         int
	successes        int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	onStateChange    func(from, to State)
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes fn if the circuit breaker allows it, bounding it by
// Config.Timeout so a single hung resolution attempt against a stalled
// inventory service can't block the client's reconnect loop forever —
// it fails the attempt and counts toward tripping the breaker exactly
// like a returned error would.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := cb.runBounded(fn)

	cb.afterCall(err)
	return err
}

// runBounded runs fn on its own goroutine and returns ErrResolutionTimeout
// if it hasn't finished within the configured timeout. The goroutine is
// left to finish on its own; fn is assumed to observe ctx cancellation on
// its own terms, since CircuitBreaker itself is not context-aware.
func (cb *CircuitBreaker) runBounded(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(cb.config.Timeout):
		return ErrResolutionTimeout
	}
}

// beforeCall decides whether a resolution attempt may proceed, and
// performs the Open -> HalfOpen transition once ResetTimeout has passed
// so the next attempt gets to probe the inventory service again.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) > cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// Every attempt is admitted while half-open; attempts are not
		// limited to one probe at a time, so concurrent callers sharing
		// the guarded provider may each reach the inventory service.
		return nil

	case StateClosed:
		return nil

	default:
		return ErrCircuitOpen
	}
}

// afterCall records whether the resolution attempt succeeded or failed.
func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

// onFailure records a failed resolution attempt and trips the breaker
// once MaxFailures consecutive failures have accumulated.
func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// The inventory service is still down: reopen immediately
		// rather than counting toward MaxFailures again.
		cb.setState(StateOpen)
	}
}

// onSuccess records a successful resolution attempt.
func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState transitions the breaker and clears the counters that no
// longer apply to the new state: a fresh Closed run shouldn't inherit
// stale failure counts, and a fresh HalfOpen probe run starts its
// consecutive-success count over.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if newState == StateClosed {
		cb.failures = 0
		cb.successes = 0
	} else if newState == StateHalfOpen {
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State reports whether the client is currently allowed to reach the
// inventory service (Closed/HalfOpen) or is being fenced off from it
// (Open) after too many consecutive resolution failures.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// OnStateChange registers fn to run whenever the breaker trips open,
// starts probing again, or recovers to closed — the client wires this
// to update its circuit-breaker gauge and trip counter.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats reports the breaker's current state along with its running
// failure and success counters, for diagnostics and tests.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state, cb.failures, cb.successes
}

// Provider wraps a destination.Provider so every Resolve call is guarded
// by the breaker: while open, Resolve fails fast with ErrCircuitOpen
// instead of reaching the inventory service. Next and the return type
// are adapted to destination.Provider by the caller (see
// destination.ProviderFunc and cmd/wgtcptunnel), keeping this package free of a
// dependency on the tunnel's domain types.
type Provider struct {
	Next    ResolveFunc
	Breaker *CircuitBreaker
}

// ResolveFunc matches destination.Provider.Resolve's signature.
type ResolveFunc func(ctx context.Context) (host string, port uint16, err error)

// Resolve calls Next through the breaker.
func (p Provider) Resolve(ctx context.Context) (string, uint16, error) {
	var host string
	var port uint16
	err := p.Breaker.Call(func() error {
		var innerErr error
		host, port, innerErr = p.Next(ctx)
		return innerErr
	})
	return host, port, err
}
