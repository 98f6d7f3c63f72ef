package safety

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrCircuitOpen rejects calls while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is OPEN")
	// ErrTooManyProbes rejects calls beyond the half-open probe budget.
	ErrTooManyProbes = errors.New("too many probe calls in HALF_OPEN state")
)

// BreakerConfig tunes the breaker transitions.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// CircuitBreaker trips after FailureThreshold consecutive failures and
// recovers through a HALF_OPEN probe phase. It never moves OPEN→CLOSED
// directly. All counters live behind one mutex; nowFn is swappable in tests.
type CircuitBreaker struct {
	mu     sync.Mutex
	config BreakerConfig

	state           BreakerState
	failures        int // consecutive failures while CLOSED
	probeSuccesses  int // consecutive successes while HALF_OPEN
	probeCalls      int // calls admitted while HALF_OPEN
	lastStateChange time.Time

	nowFn func() time.Time
}

// BreakerStatus is a point-in-time snapshot of the breaker.
type BreakerStatus struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failureCount"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// NewCircuitBreaker builds a breaker in the CLOSED state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		nowFn:           time.Now,
	}
}

// Allow admits or rejects one call. In OPEN it transitions to HALF_OPEN once
// the recovery timeout has elapsed; in HALF_OPEN it admits at most
// HalfOpenMaxCalls probes.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.nowFn().Sub(cb.lastStateChange) < cb.config.RecoveryTimeout {
			return ErrCircuitOpen
		}
		cb.transitionTo(StateHalfOpen)
		cb.probeCalls = 1
		return nil

	case StateHalfOpen:
		if cb.probeCalls >= cb.config.HalfOpenMaxCalls {
			return ErrTooManyProbes
		}
		cb.probeCalls++
		return nil

	default:
		return nil
	}
}

// RecordSuccess counts one successful call. In CLOSED it pays down the
// consecutive-failure counter; in HALF_OPEN enough consecutive successes
// close the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if cb.failures > 0 {
			cb.failures--
		}
	case StateHalfOpen:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.HalfOpenMaxCalls {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure counts one failed call. HALF_OPEN reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// State reports the current state, applying the OPEN→HALF_OPEN timeout so
// callers observing after recovery see HALF_OPEN.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.nowFn().Sub(cb.lastStateChange) >= cb.config.RecoveryTimeout {
		cb.transitionTo(StateHalfOpen)
	}
	return cb.state
}

// Status returns a snapshot for status reporting.
func (cb *CircuitBreaker) Status() BreakerStatus {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStatus{
		State:           state.String(),
		FailureCount:    cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the breaker back to CLOSED; used at session startup.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probeSuccesses = 0
	cb.probeCalls = 0
	cb.lastStateChange = cb.nowFn()
}

// transitionTo must be called with the mutex held.
func (cb *CircuitBreaker) transitionTo(state BreakerState) {
	if cb.state == state {
		return
	}
	cb.state = state
	cb.lastStateChange = cb.nowFn()
	switch state {
	case StateHalfOpen:
		cb.probeSuccesses = 0
		cb.probeCalls = 0
	case StateClosed:
		cb.failures = 0
		cb.probeSuccesses = 0
		cb.probeCalls = 0
	case StateOpen:
		cb.failures = 0
	}
}
