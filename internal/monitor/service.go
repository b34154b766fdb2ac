package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/wsgate/internal/messaging"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
)

// Service is one monitored upstream. Health returns the live state; the
// monitor fills Service and Layer.
type Service interface {
	Name() string
	Layer() string
	Health(ctx context.Context) (Health, error)
	Recover(ctx context.Context, req RecoverRequest) error
}

// RecoverRequest identifies who asked for a recovery.
type RecoverRequest struct {
	Requester string
	Role      protocol.Role
	At        time.Time
}

// RecoverFunc is a service's own recovery routine.
type RecoverFunc func(ctx context.Context) error

// BreakerService is a service guarded by an in-process circuit breaker.
// Status changes reach the monitor through the breaker's observers.
type BreakerService struct {
	breaker *circuit.Breaker
	layer   string
	recover RecoverFunc
}

// NewBreakerService wraps b. A nil recover resets the breaker unconditionally.
func NewBreakerService(b *circuit.Breaker, layer string, recover RecoverFunc) *BreakerService {
	return &BreakerService{breaker: b, layer: layer, recover: recover}
}

func (s *BreakerService) Name() string  { return s.breaker.Name() }
func (s *BreakerService) Layer() string { return s.layer }

// Breaker returns the wrapped breaker.
func (s *BreakerService) Breaker() *circuit.Breaker { return s.breaker }

// Health reads the breaker statistics.
func (s *BreakerService) Health(context.Context) (Health, error) {
	return healthFromStats(s.breaker.GetStats(), time.Now()), nil
}

// Recover runs the recovery routine and closes the breaker if it succeeds.
func (s *BreakerService) Recover(ctx context.Context, _ RecoverRequest) error {
	if s.recover != nil {
		if err := s.recover(ctx); err != nil {
			return err
		}
	}
	s.breaker.Reset()
	return nil
}

// CommandPublisher sends recovery commands to the process that owns a
// remote service. messaging.KafkaClient satisfies it.
type CommandPublisher interface {
	PublishRecover(ctx context.Context, cmd messaging.RecoverCommand) error
}

// RemoteService mirrors a service running in another process. Its state
// arrives as circuit events; recovery is delegated through commands.
type RemoteService struct {
	name     string
	layer    string
	commands CommandPublisher

	mu     sync.RWMutex
	health Health
}

// NewRemoteService creates a remote service in the unknown state.
func NewRemoteService(name, layer string, commands CommandPublisher) *RemoteService {
	return &RemoteService{
		name:     name,
		layer:    layer,
		commands: commands,
		health:   Health{Status: circuit.StatusUnknown},
	}
}

func (s *RemoteService) Name() string  { return s.name }
func (s *RemoteService) Layer() string { return s.layer }

// Health returns the last reported state.
func (s *RemoteService) Health(context.Context) (Health, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health, nil
}

// apply records a circuit event and returns the new state.
func (s *RemoteService) apply(ev messaging.CircuitEvent, now time.Time) Health {
	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}
	h := Health{
		Status:           circuit.ParseStatus(ev.State),
		Failures:         ev.Failures,
		RecoveryAttempts: ev.RecoveryAttempts,
		LastFailure:      timeOrNil(ev.LastFailure),
		LastSuccess:      timeOrNil(ev.LastSuccess),
		LastReset:        timeOrNil(ev.LastReset),
		Error:            ev.Error,
		CheckedAt:        at,
	}

	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
	return h
}

// Recover asks the owning process to recover the service. The mirrored state
// changes only when that process reports back.
func (s *RemoteService) Recover(ctx context.Context, req RecoverRequest) error {
	if s.commands == nil {
		return errors.New(errors.ErrorTypeUpstream, "recover",
			"no command channel for remote service").
			WithContext("service", s.name)
	}
	return s.commands.PublishRecover(ctx, messaging.RecoverCommand{
		Service:     s.name,
		RequestedBy: req.Requester,
		Role:        string(req.Role),
		RequestedAt: req.At,
	})
}
