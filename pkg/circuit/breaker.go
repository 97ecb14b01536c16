// Package circuit provides a circuit breaker for excluding failing upstreams.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit is open and calls are rejected.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed indicates the circuit breaker is closed and requests are allowed through.
	StateClosed State = iota
	// StateOpen indicates the circuit breaker is open and requests are rejected.
	StateOpen
	// StateHalfOpen indicates the circuit breaker is half-open and testing if requests should be allowed.
	StateHalfOpen
)

// String returns the string representation of the state.
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

// Breaker implements the circuit breaker pattern. Callers may either run
// work through Call, or check Allow and report outcomes themselves when
// only a subset of failures should count against the circuit.
type Breaker struct {
	maxFailures      int
	successThreshold int
	timeout          time.Duration

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time

	// Auto-recovery support
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBreaker creates a new circuit breaker.
func NewBreaker(maxFailures, successThreshold int, timeout time.Duration) *Breaker {
	cb := &Breaker{
		maxFailures:      maxFailures,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}

	// Recover actively instead of waiting for the next request
	go cb.autoRecovery()

	return cb
}

func (cb *Breaker) autoRecovery() {
	defer close(cb.doneCh)

	const autoRecoveryCheckInterval = 100 * time.Millisecond

	ticker := time.NewTicker(autoRecoveryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cb.stopCh:
			return
		case <-ticker.C:
			cb.checkAndTransitionToHalfOpen()
		}
	}
}

func (cb *Breaker) checkAndTransitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailureTime) > cb.timeout {
		cb.setState(StateHalfOpen)
		cb.successes = 0
	}
}

// Call executes the function through the circuit breaker. Every error
// counts as a failure.
func (cb *Breaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()

	if err != nil {
		cb.OnFailure()
	} else {
		cb.OnSuccess()
	}

	return err
}

// Allow reports whether a call may proceed. It returns ErrOpen when the
// circuit is open.
func (cb *Breaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		return ErrOpen
	}

	return nil
}

// OnFailure records a failure and potentially opens the circuit.
func (cb *Breaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
			cb.failures = 0
		}
	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.setState(StateOpen)
		cb.failures = 0
	case StateOpen:
	}
}

// OnSuccess records a success and potentially closes the circuit.
func (cb *Breaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.successes = 0
		}
	case StateClosed:
	case StateOpen:
	}
}

func (cb *Breaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = time.Now()
}

// GetState returns the current state.
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// GetStateFloat returns the state as a float64 for metrics.
func (cb *Breaker) GetStateFloat() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return float64(cb.state)
}

// IsOpen returns true if the circuit is open.
func (cb *Breaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state == StateOpen
}

// Reset resets the circuit breaker to closed state.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = time.Now()
}

// Close stops the background auto-recovery goroutine.
func (cb *Breaker) Close() {
	close(cb.stopCh)
	<-cb.doneCh
}
