package notify

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a transport circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"    // Normal operation
	CircuitOpen     CircuitState = "open"      // Failing, sends are skipped
	CircuitHalfOpen CircuitState = "half-open" // One trial send allowed
)

// Level maps the state to a metric value: 0 closed, 1 half-open, 2 open.
func (s CircuitState) Level() int64 {
	switch s {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// ErrCircuitOpen is returned for sends skipped while a transport's circuit is open.
var ErrCircuitOpen = errors.New("transport circuit is open")

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Zero disables the breaker.
	FailureThreshold int
	// OpenTimeout is how long to skip sends before probing again.
	OpenTimeout time.Duration
}

// CircuitBreaker stops sending to a transport after repeated failures and
// lets a single trial through once OpenTimeout has passed.
type CircuitBreaker struct {
	config BreakerConfig
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	probing     bool
	rejected    int64
	lastChanged time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:      config,
		now:         time.Now,
		state:       CircuitClosed,
		lastChanged: time.Now(),
	}
}

// Allow reports whether a send may proceed. Every allowed send must be
// followed by Record.
func (cb *CircuitBreaker) Allow() error {
	if cb == nil || cb.config.FailureThreshold <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		if cb.probing {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an allowed send back into the breaker.
// It returns the state after the update.
func (cb *CircuitBreaker) Record(err error) CircuitState {
	if cb == nil || cb.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state != CircuitClosed {
			cb.transitionTo(CircuitClosed)
		}
		cb.failures = 0
		return cb.state
	}

	switch cb.state {
	case CircuitHalfOpen:
		// The trial failed
		cb.transitionTo(CircuitOpen)
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	now := cb.now()
	if state == CircuitOpen {
		cb.openedAt = now
	}
	cb.state = state
	cb.lastChanged = now
	cb.failures = 0
	cb.probing = false
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Rejected returns the number of sends skipped by the breaker.
func (cb *CircuitBreaker) Rejected() int64 {
	if cb == nil {
		return 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}
