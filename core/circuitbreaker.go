package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	// CircuitBreakerStateClosed means requests pass through normally
	CircuitBreakerStateClosed CircuitBreakerState = "closed"
	// CircuitBreakerStateOpen means requests fail immediately
	CircuitBreakerStateOpen CircuitBreakerState = "open"
	// CircuitBreakerStateHalfOpen means a trial request is allowed through
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitBreakerOpen is returned when circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when too many requests in half-open state
	ErrTooManyRequests = errors.New("too many requests")
	// ErrInvalidCircuitBreakerConfig is returned when circuit breaker config is invalid
	ErrInvalidCircuitBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures uint32 `mapstructure:"max_failures"`
	// Timeout is how long the circuit stays open before a trial request is allowed
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxHalfOpenRequests is max concurrent trial requests in half-open state
	MaxHalfOpenRequests uint32 `mapstructure:"max_half_open_requests"`
}

// Validate checks if the circuit breaker configuration is valid
func (c CircuitBreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Timeout <= 0 {
		return errors.New("Timeout must be greater than 0")
	}
	if c.MaxHalfOpenRequests == 0 {
		return errors.New("MaxHalfOpenRequests must be greater than 0")
	}
	return nil
}

// DefaultCircuitBreakerConfig returns the defaults used for outbound HTTP collaborators
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a failing collaborator until it has had
// time to recover. OnStateChange, when set, is called outside the lock
// after every transition.
type CircuitBreaker struct {
	name         string
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failures     uint32
	openedAt     time.Time
	halfOpenReqs uint32
	mu           sync.Mutex
	now          func() time.Time

	OnStateChange func(name string, from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a named circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCircuitBreakerConfig, err)
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitBreakerStateClosed,
		now:    time.Now,
	}, nil
}

// MustNewCircuitBreaker creates a new circuit breaker or panics if config is invalid.
// Only for hardcoded configurations.
func MustNewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	cb, err := NewCircuitBreaker(name, config)
	if err != nil {
		panic(err)
	}
	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker allows it and records the outcome
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return fmt.Errorf("%s: %w", cb.name, err)
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Allow checks if a request is allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var from CircuitBreakerState
	changed := false
	var err error

	switch cb.state {
	case CircuitBreakerStateOpen:
		if cb.now().Sub(cb.openedAt) <= cb.config.Timeout {
			err = ErrCircuitBreakerOpen
			break
		}
		from, changed = cb.state, true
		cb.state = CircuitBreakerStateHalfOpen
		cb.halfOpenReqs = 1
	case CircuitBreakerStateHalfOpen:
		if cb.halfOpenReqs >= cb.config.MaxHalfOpenRequests {
			err = ErrTooManyRequests
			break
		}
		cb.halfOpenReqs++
	}
	to := cb.state
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return err
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.halfOpenReqs = 0
	cb.state = CircuitBreakerStateClosed
	cb.mu.Unlock()

	if from != CircuitBreakerStateClosed {
		cb.notify(from, CircuitBreakerStateClosed)
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failures++

	switch cb.state {
	case CircuitBreakerStateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.state = CircuitBreakerStateOpen
			cb.openedAt = cb.now()
		}
	case CircuitBreakerStateHalfOpen:
		cb.state = CircuitBreakerStateOpen
		cb.openedAt = cb.now()
		cb.halfOpenReqs = 0
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, from, to)
	}
}
