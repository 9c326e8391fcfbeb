// Package circuitbreaker implements the circuit-breaker pattern for calls to
// external plugin servers. Each remote plugin gets its own CircuitBreaker so
// one unreachable server fails fast without slowing down the others.
//
// State transitions:
//
//	Closed → Open        when consecutive failures ≥ FailureThreshold
//	Open   → HalfOpen   after Timeout elapses
//	HalfOpen → Closed   when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open     on any failure
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed means calls pass through.
	StateClosed State = iota
	// StateOpen means the plugin server is considered down and calls are
	// rejected immediately.
	StateOpen
	// StateHalfOpen lets trial calls through to test recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Settings configures a CircuitBreaker. Zero values get defaults:
// FailureThreshold=5, SuccessThreshold=1, Timeout=30s.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// OnStateChange, when set, is called (without the lock held) after
	// every transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker guards a single external plugin server.
type CircuitBreaker struct {
	name             string
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openUntil        time.Time
	onStateChange    func(name string, from, to State)
}

// New creates a CircuitBreaker named after the plugin it guards.
func New(name string, s Settings) *CircuitBreaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: s.FailureThreshold,
		successThreshold: s.SuccessThreshold,
		timeout:          s.Timeout,
		onStateChange:    s.OnStateChange,
	}
}

// Name returns the name the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, transitioning Open→HalfOpen if the timeout
// has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	from, to := cb.resolveState()
	cb.mu.Unlock()
	cb.notify(from, to)
	return to
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() (from, to State) {
	from = cb.state
	if cb.state == StateOpen && time.Now().After(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}
	return from, cb.state
}

// Allow reports whether a call should proceed (circuit Closed or HalfOpen).
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openUntil = time.Now().Add(cb.timeout)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openUntil = time.Now().Add(cb.timeout)
		cb.successCount = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Execute runs fn if the circuit allows it and records the outcome.
// Errors for which countable returns false are passed through without
// counting as failures; a nil countable counts every error.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return err
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
