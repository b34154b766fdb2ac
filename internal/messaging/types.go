package messaging

import (
	"time"

	"github.com/bardlex/wsgate/pkg/errors"
)

// CircuitEvent is the circuit-breaker state a backend process reports for
// one of its services.
type CircuitEvent struct {
	Service          string    `json:"service"`
	Layer            string    `json:"layer,omitempty"`
	State            string    `json:"state"`
	Failures         int       `json:"failures"`
	LastFailure      time.Time `json:"lastFailure"`
	LastSuccess      time.Time `json:"lastSuccess"`
	LastReset        time.Time `json:"lastReset"`
	RecoveryAttempts int       `json:"recoveryAttempts"`
	Error            string    `json:"error,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// Validate checks the fields every event must carry.
func (e CircuitEvent) Validate() error {
	if e.Service == "" {
		return errors.New(errors.ErrorTypeValidation, "circuit_event", "service is required")
	}
	if e.State == "" {
		return errors.New(errors.ErrorTypeValidation, "circuit_event", "state is required").
			WithContext("service", e.Service)
	}
	return nil
}

// RecoverCommand asks the owner of a remote service to run its recovery
// routine.
type RecoverCommand struct {
	Service     string    `json:"service"`
	RequestedBy string    `json:"requestedBy"`
	Role        string    `json:"role"`
	RequestedAt time.Time `json:"requestedAt"`
}
