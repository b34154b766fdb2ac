// Package monitor mirrors the circuit-breaker state of the gateway's
// upstream services and pushes every status change to the service, layer
// and global topics.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/wsgate/internal/audit"
	"github.com/bardlex/wsgate/internal/config"
	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/messaging"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

// Data subtypes
const (
	SubtypeCircuit     = "circuitBreaker"
	SubtypeLayer       = "layerStatus"
	SubtypeAlert       = "alert"
	SubtypeFullState   = "fullState"
	SubtypeHealthCheck = "healthCheck"
	SubtypeReset       = "circuitReset"
)

// DefaultLayer is assigned to remote services that report no layer and are
// not in the catalog.
const DefaultLayer = "external"

// Metrics receives circuit transitions. influx.Metrics satisfies it.
type Metrics interface {
	CircuitTransition(service, layer, from, to string)
}

// AuditPublisher mirrors audit entries off-process.
type AuditPublisher interface {
	PublishAudit(ctx context.Context, entry audit.Entry) error
}

// Requester is the caller of a monitor operation.
type Requester struct {
	Identity string
	Role     protocol.Role
}

func (r Requester) name() string {
	if r.Identity == "" {
		return "anonymous"
	}
	return r.Identity
}

// Options configures a Monitor. Every field is optional.
type Options struct {
	Audit          *audit.Log
	AuditPublisher AuditPublisher
	Commands       CommandPublisher
	Metrics        Metrics
	Catalog        *config.Catalog
	Logger         *log.Logger
}

// Monitor is the circuit-breaker monitor. It never originates failures: it
// mirrors what services report and broadcasts the changes.
type Monitor struct {
	out      *gateway.Broadcaster
	audit    *audit.Log
	auditPub AuditPublisher
	commands CommandPublisher
	metrics  Metrics
	catalog  *config.Catalog
	logger   *log.Logger
	now      func() time.Time

	mu       sync.RWMutex
	services map[string]Service
	mirror   map[string]Health
	// bumped on every mirror write
	versions map[string]uint64

	// held across fan-out so broadcasts leave in the order changes happened
	fanMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a monitor broadcasting through out.
func New(out *gateway.Broadcaster, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Monitor{
		out:      out,
		audit:    opts.Audit,
		auditPub: opts.AuditPublisher,
		commands: opts.Commands,
		metrics:  opts.Metrics,
		catalog:  opts.Catalog,
		logger:   logger.WithComponent("monitor"),
		now:      time.Now,
		services: make(map[string]Service),
		mirror:   make(map[string]Health),
		versions: make(map[string]uint64),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Register adds a service. Breaker-backed services report their changes
// from then on.
func (m *Monitor) Register(svc Service) error {
	name := svc.Name()
	if name == "" {
		return errors.New(errors.ErrorTypeValidation, "register_service", "service name is required")
	}

	h := m.evaluate(context.Background(), svc)
	if h.Status == circuit.StatusError {
		h.Status = circuit.StatusUnknown
	}

	m.mu.Lock()
	if _, dup := m.services[name]; dup {
		m.mu.Unlock()
		return errors.New(errors.ErrorTypeValidation, "register_service", "service already registered").
			WithContext("service", name)
	}
	m.services[name] = svc
	m.mirror[name] = h
	m.versions[name]++
	m.mu.Unlock()

	if bs, ok := svc.(*BreakerService); ok {
		bs.Breaker().Observe(circuit.ObserverFunc(func(ch circuit.Change) {
			m.Report(name, healthFromStats(ch.Stats, ch.At))
		}))
	}

	m.logger.WithService(name, svc.Layer()).Info("service registered", "status", string(h.Status))
	return nil
}

// RegisterCatalog registers every catalog service not yet known as a remote
// service in the unknown state.
func (m *Monitor) RegisterCatalog() {
	if m.catalog == nil {
		return
	}
	for _, entry := range m.catalog.Services {
		if m.Known(entry.Name) {
			continue
		}
		if err := m.Register(NewRemoteService(entry.Name, entry.Layer, m.commands)); err != nil {
			m.logger.WithError(err).Warn("failed to register catalog service", "service", entry.Name)
		}
	}
}

// Known reports whether a service is registered.
func (m *Monitor) Known(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.services[name]
	return ok
}

// HasLayer reports whether any registered service belongs to layer.
func (m *Monitor) HasLayer(layer string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, svc := range m.services {
		if svc.Layer() == layer {
			return true
		}
	}
	return false
}

func (m *Monitor) service(name string) (Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	return svc, ok
}

// evaluate fetches the live state of svc. Fetch errors and panics become an
// error record.
func (m *Monitor) evaluate(ctx context.Context, svc Service) (h Health) {
	name, layer := svc.Name(), svc.Layer()
	defer func() {
		if p := recover(); p != nil {
			m.logger.WithService(name, layer).Error("service health panicked", "panic", fmt.Sprint(p))
			h = errorHealth(name, layer, fmt.Errorf("health check panicked: %v", p), m.now())
		}
	}()

	h, err := svc.Health(ctx)
	if err != nil {
		m.logger.WithService(name, layer).WithError(err).Warn("service health unavailable")
		return errorHealth(name, layer, err, m.now())
	}
	h.Service = name
	h.Layer = layer
	h.CheckedAt = m.now()
	return h
}

// Report records new state for a registered service and fans it out when
// the status changed. It returns whether it did.
func (m *Monitor) Report(name string, h Health) bool {
	_, changed := m.commit(name, h, nil)
	return changed
}

// refresh evaluates svc and records the result unless another report for
// the service landed while the evaluation ran. It returns the record the
// mirror holds afterwards, or the error record of a failed evaluation.
func (m *Monitor) refresh(ctx context.Context, svc Service) Health {
	name := svc.Name()
	m.mu.RLock()
	seen := m.versions[name]
	m.mu.RUnlock()

	h := m.evaluate(ctx, svc)
	if h.Status == circuit.StatusError {
		return h
	}
	rec, _ := m.commit(name, h, &seen)
	return rec
}

// commit writes h to the mirror. With a non-nil base the write is dropped
// when the version moved past it and the current record is returned.
func (m *Monitor) commit(name string, h Health, base *uint64) (Health, bool) {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return h, false
	}
	if base != nil && m.versions[name] != *base {
		cur := m.mirror[name]
		m.mu.Unlock()
		m.logger.WithService(name, svc.Layer()).Debug("dropped stale health read")
		return cur, false
	}
	h.Service = name
	h.Layer = svc.Layer()
	if h.CheckedAt.IsZero() {
		h.CheckedAt = m.now()
	}

	prev := m.mirror[name]
	m.mirror[name] = h
	m.versions[name]++
	if prev.Status == h.Status {
		m.mu.Unlock()
		return h, false
	}
	layer := m.layerLocked(h.Layer)

	m.fanMu.Lock()
	m.mu.Unlock()
	defer m.fanMu.Unlock()

	m.fanOut(prev.Status, h, layer)
	return h, true
}

func (m *Monitor) fanOut(from circuit.Status, h Health, layer LayerHealth) {
	m.logger.LogTransition(h.Service, h.Layer, string(from), string(h.Status))
	if m.metrics != nil {
		m.metrics.CircuitTransition(h.Service, h.Layer, string(from), string(h.Status))
	}

	m.out.Publish(protocol.ServiceTopic(h.Service), SubtypeCircuit, Transition{Health: h, Previous: from})
	m.out.Publish(protocol.LayerTopic(h.Layer), SubtypeLayer, layer)

	if isAlert(from, h.Status) {
		msg := fmt.Sprintf("circuit for %s is %s", h.Service, h.Status)
		m.out.Publish(protocol.TopicServicesAll, SubtypeAlert, Alert{
			Severity: "high",
			Service:  h.Service,
			Layer:    h.Layer,
			From:     from,
			To:       h.Status,
			Message:  msg,
			At:       h.CheckedAt,
		})
	}
}

func (m *Monitor) layerLocked(layer string) LayerHealth {
	var records []Health
	for name, svc := range m.services {
		if svc.Layer() == layer {
			records = append(records, m.mirror[name])
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Service < records[j].Service })
	return layerHealth(layer, records)
}

// Record returns the mirrored state of a service.
func (m *Monitor) Record(name string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.mirror[name]
	return h, ok
}

// Layer returns the mirrored aggregate of a layer.
func (m *Monitor) Layer(layer string) LayerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layerLocked(layer)
}

// FullState returns the mirrored state of every service.
func (m *Monitor) FullState() State {
	m.mu.RLock()
	records := make([]Health, 0, len(m.mirror))
	for _, h := range m.mirror {
		records = append(records, h)
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Service < records[j].Service })
	return State{Services: records, Layers: layersOf(records), At: m.now()}
}

// HandleCircuitEvent mirrors a remote circuit event, registering the
// service on first sight.
func (m *Monitor) HandleCircuitEvent(_ context.Context, ev messaging.CircuitEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	svc, ok := m.service(ev.Service)
	if !ok {
		layer := ev.Layer
		if l, found := m.catalog.Layer(ev.Service); found {
			layer = l
		}
		if layer == "" {
			layer = DefaultLayer
		}
		if err := m.Register(NewRemoteService(ev.Service, layer, m.commands)); err != nil {
			// lost a registration race
			if svc, ok = m.service(ev.Service); !ok {
				return err
			}
		} else {
			svc, _ = m.service(ev.Service)
		}
	}

	remote, ok := svc.(*RemoteService)
	if !ok {
		return errors.New(errors.ErrorTypeValidation, "circuit_event",
			"event for a locally monitored service").
			WithContext("service", ev.Service)
	}
	m.Report(ev.Service, remote.apply(ev, m.now()))
	return nil
}

// HealthCheck re-evaluates one service, records the check and pushes the
// result to the service topic.
func (m *Monitor) HealthCheck(ctx context.Context, name string, req Requester) (Health, error) {
	svc, ok := m.service(name)
	if !ok {
		return Health{}, errors.NotFound("health_check", "unknown service").WithContext("service", name)
	}

	h := m.refresh(ctx, svc)

	outcome := audit.OutcomeSuccess
	if h.Status == circuit.StatusError {
		outcome = audit.OutcomeFailed
	}
	m.recordAudit(audit.Entry{
		Service:   name,
		Requester: req.name(),
		Role:      string(req.Role),
		Action:    audit.ActionHealthCheck,
		Outcome:   outcome,
		Error:     h.Error,
	}, false)
	m.logger.Info("health check",
		"monitored_service", name,
		"requester", req.name(),
		"status", string(h.Status),
	)

	m.out.Publish(protocol.ServiceTopic(name), SubtypeHealthCheck, h)
	return h, nil
}

// ResetCircuitBreaker runs the recovery routine of a service on behalf of an
// admin. A failed recovery is reported in the result, not as an error.
func (m *Monitor) ResetCircuitBreaker(ctx context.Context, name string, req Requester) (ResetResult, error) {
	if !req.Role.IsAdmin() {
		m.logger.LogAudit(req.name(), string(req.Role), audit.ActionReset, name, audit.OutcomeDenied)
		return ResetResult{}, errors.Unauthorized("reset_circuit_breaker", "admin role required").
			WithContext("service", name)
	}
	svc, ok := m.service(name)
	if !ok {
		return ResetResult{}, errors.NotFound("reset_circuit_breaker", "unknown service").
			WithContext("service", name)
	}

	at := m.now()
	err := m.recover(ctx, svc, RecoverRequest{Requester: req.name(), Role: req.Role, At: at})

	h := m.refresh(ctx, svc)

	result := ResetResult{
		Service:     name,
		Success:     err == nil,
		RequestedBy: req.name(),
		Role:        string(req.Role),
		Health:      h,
		At:          at,
	}
	entry := audit.Entry{
		Service:   name,
		Requester: req.name(),
		Role:      string(req.Role),
		Action:    audit.ActionReset,
		Outcome:   audit.OutcomeSuccess,
		At:        at,
	}
	if err != nil {
		result.Error = errors.ClientMessage(err)
		entry.Outcome = audit.OutcomeFailed
		entry.Error = err.Error()
	}
	m.recordAudit(entry, true)
	m.logger.WithError(err).LogAudit(req.name(), string(req.Role), audit.ActionReset, name, entry.Outcome)

	m.out.Publish(protocol.ServiceTopic(name), SubtypeReset, result)
	m.out.Publish(protocol.TopicAdminAlerts, SubtypeReset, result)
	return result, nil
}

func (m *Monitor) recover(ctx context.Context, svc Service, req RecoverRequest) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New(errors.ErrorTypeInternal, "recover", fmt.Sprintf("recovery panicked: %v", p)).
				WithContext("service", svc.Name())
		}
	}()
	return svc.Recover(ctx, req)
}

// recordAudit appends to the local trail and, when publish is set, mirrors
// the entry to Kafka in the background.
func (m *Monitor) recordAudit(entry audit.Entry, publish bool) {
	if m.audit != nil {
		if err := m.audit.Record(entry); err != nil {
			m.logger.WithError(err).Error("failed to record audit entry", "monitored_service", entry.Service)
		}
	}
	if !publish || m.auditPub == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.auditPub.PublishAudit(ctx, entry); err != nil {
			m.logger.WithError(err).Warn("failed to publish audit entry", "monitored_service", entry.Service)
		}
	}()
}

// Run re-evaluates every service each interval and pushes the full state to
// services.all while somebody listens.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one periodic broadcast. It does nothing without subscribers
// to services.all.
func (m *Monitor) Tick(ctx context.Context) bool {
	if !m.out.HasSubscribers(protocol.TopicServicesAll) {
		return false
	}

	m.mu.RLock()
	services := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.RUnlock()

	records := make([]Health, 0, len(services))
	for _, svc := range services {
		records = append(records, m.refresh(ctx, svc))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Service < records[j].Service })

	state := State{Services: records, Layers: layersOf(records), At: m.now()}
	m.out.Publish(protocol.TopicServicesAll, SubtypeFullState, state)
	return true
}

// Wait blocks until background audit publishing is done.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
