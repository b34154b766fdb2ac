// Package circuit provides the circuit breaker used to isolate failing
// upstreams of the wsgate gateway. A breaker notifies its observers on every
// change of its reported status, which is how monitored services feed the
// health monitor.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/wsgate/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateRecovering - circuit lets trial requests through to test recovery
	StateRecovering
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Status is the externally reported circuit status. It adds the derived
// degraded status to the machine states.
type Status string

const (
	StatusClosed     Status = "closed"
	StatusDegraded   Status = "degraded"
	StatusOpen       Status = "open"
	StatusRecovering Status = "recovering"
	StatusUnknown    Status = "unknown"
	StatusError      Status = "error"
)

// ParseStatus maps a wire string onto a Status; unrecognised values are unknown.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusClosed, StatusDegraded, StatusOpen, StatusRecovering, StatusError:
		return Status(s)
	case "half-open", "half_open":
		return StatusRecovering
	default:
		return StatusUnknown
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name              string        // Service name reported to observers
	MaxFailures       int           // Consecutive failures before opening
	DegradedThreshold int           // Failures at which a closed circuit reports degraded
	SuccessRequired   int           // Successful trial requests required to close from recovering
	Timeout           time.Duration // How long to stay open before probing
	ResetTimeout      time.Duration // Idle time after which a closed circuit forgets old failures
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:       5,
		DegradedThreshold: 2,
		SuccessRequired:   1,
		Timeout:           30 * time.Second,
		ResetTimeout:      60 * time.Second,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State            State
	Failures         int
	Successes        int
	RecoveryAttempts int
	LastFailTime     time.Time
	LastSuccessTime  time.Time
	LastResetTime    time.Time

	degradedAt int
}

// Status derives the reported status from the machine state and failure count.
func (s Stats) Status() Status {
	switch s.State {
	case StateOpen:
		return StatusOpen
	case StateRecovering:
		return StatusRecovering
	case StateClosed:
		if s.degradedAt > 0 && s.Failures >= s.degradedAt {
			return StatusDegraded
		}
		return StatusClosed
	default:
		return StatusUnknown
	}
}

// Change describes one change of reported status.
type Change struct {
	Name  string
	From  Status
	To    Status
	Stats Stats
	At    time.Time
}

// Observer receives status changes. Calls are serialized per breaker and
// delivered in the order the changes happened.
type Observer interface {
	CircuitChanged(Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Change)

// CircuitChanged implements Observer.
func (f ObserverFunc) CircuitChanged(c Change) { f(c) }

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex
	now    func() time.Time

	state            State
	failures         int
	successes        int
	recoveryAttempts int
	lastFailTime     time.Time
	lastSuccessTime  time.Time
	lastResetTime    time.Time

	notifyMu  sync.Mutex
	observers []Observer
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SuccessRequired <= 0 {
		config.SuccessRequired = 1
	}

	return &Breaker{
		config:        config,
		now:           time.Now,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// SetClock replaces the time source. Intended for tests.
func (cb *Breaker) SetClock(now func() time.Time) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.now = now
	cb.lastResetTime = now()
}

// Name returns the configured service name.
func (cb *Breaker) Name() string {
	return cb.config.Name
}

// Observe registers an observer for status changes.
func (cb *Breaker) Observe(o Observer) {
	cb.notifyMu.Lock()
	defer cb.notifyMu.Unlock()
	cb.observers = append(cb.observers, o)
}

// Execute runs a function with circuit breaker protection
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return cb.openError()
	}

	err := fn()
	cb.Record(err)
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allowRequest() {
		return zero, cb.openError()
	}

	result, err := fn()
	cb.Record(err)
	return result, err
}

// IsOpen reports whether err was returned because a circuit rejected the call.
func IsOpen(err error) bool {
	var se *errors.ServiceError
	if !stderrors.As(err, &se) {
		return false
	}
	return se.Operation == "circuit_breaker"
}

func (cb *Breaker) openError() error {
	err := errors.New(errors.ErrorTypeUpstream, "circuit_breaker",
		"circuit breaker is open").
		WithContext("state", cb.GetState().String()).
		WithContext("service", cb.config.Name)
	// rejected calls never reached the upstream
	err.Retryable = false
	return err
}

// allowRequest determines if a request should be allowed based on current state
func (cb *Breaker) allowRequest() bool {
	cb.mutex.Lock()
	before := cb.statsLocked()
	now := cb.now()

	allowed := false
	switch cb.state {
	case StateClosed:
		if cb.config.ResetTimeout > 0 && now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateRecovering
			cb.successes = 0
			cb.recoveryAttempts++
			allowed = true
		}
	case StateRecovering:
		allowed = true
	}

	cb.unlockAndNotify(before)
	return allowed
}

// Record feeds the outcome of a call made outside Execute into the breaker.
func (cb *Breaker) Record(err error) {
	cb.mutex.Lock()
	before := cb.statsLocked()
	now := cb.now()

	if err != nil {
		cb.failures++
		cb.lastFailTime = now

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.state = StateOpen
				cb.successes = 0
			}
		case StateRecovering:
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		cb.lastSuccessTime = now
		switch cb.state {
		case StateRecovering:
			cb.successes++
			if cb.successes >= cb.config.SuccessRequired {
				cb.state = StateClosed
				cb.failures = 0
				cb.successes = 0
				cb.lastResetTime = now
			}
		case StateClosed:
			// consecutive failures only
			cb.failures = 0
			cb.successes++
		}
	}

	cb.unlockAndNotify(before)
}

// unlockAndNotify releases the state lock and, if the reported status moved,
// tells observers. notifyMu is taken before the state lock is released so
// that changes reach observers in order.
func (cb *Breaker) unlockAndNotify(before Stats) {
	after := cb.statsLocked()
	if before.Status() == after.Status() {
		cb.mutex.Unlock()
		return
	}
	at := cb.now()

	cb.notifyMu.Lock()
	cb.mutex.Unlock()
	defer cb.notifyMu.Unlock()

	change := Change{
		Name:  cb.config.Name,
		From:  before.Status(),
		To:    after.Status(),
		Stats: after,
		At:    at,
	}
	for _, o := range cb.observers {
		o.CircuitChanged(change)
	}
}

func (cb *Breaker) statsLocked() Stats {
	return Stats{
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		RecoveryAttempts: cb.recoveryAttempts,
		LastFailTime:     cb.lastFailTime,
		LastSuccessTime:  cb.lastSuccessTime,
		LastResetTime:    cb.lastResetTime,
		degradedAt:       cb.config.DegradedThreshold,
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.statsLocked()
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	before := cb.statsLocked()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.now()

	cb.unlockAndNotify(before)
}
