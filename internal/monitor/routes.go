package monitor

import (
	"context"

	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/errors"
)

// Kinds implements gateway.Feed.
func (m *Monitor) Kinds() []protocol.Kind {
	return []protocol.Kind{
		protocol.KindService,
		protocol.KindServiceLayer,
		protocol.KindServicesAll,
		protocol.KindAdminAlerts,
	}
}

// ValidateTopic refuses topics naming an unknown service or layer.
func (m *Monitor) ValidateTopic(topic protocol.Topic) error {
	switch topic.Kind {
	case protocol.KindService:
		if !m.Known(topic.Name) {
			return errors.NotFound("subscribe", "unknown service").WithContext("service", topic.Name)
		}
	case protocol.KindServiceLayer:
		if !m.HasLayer(topic.Name) {
			return errors.NotFound("subscribe", "unknown layer").WithContext("layer", topic.Name)
		}
	}
	return nil
}

// Snapshot implements gateway.Feed. admin.alerts has no current state.
func (m *Monitor) Snapshot(_ context.Context, _ *gateway.Connection, topic protocol.Topic) (any, error) {
	switch topic.Kind {
	case protocol.KindService:
		h, ok := m.Record(topic.Name)
		if !ok {
			return nil, errors.NotFound("snapshot", "unknown service").WithContext("service", topic.Name)
		}
		return h, nil
	case protocol.KindServiceLayer:
		return m.Layer(topic.Name), nil
	case protocol.KindServicesAll:
		return m.FullState(), nil
	default:
		return nil, nil
	}
}

// Mount registers the monitor's feed and actions on r.
func (m *Monitor) Mount(r *gateway.Router) {
	r.AddFeed(m)
	r.Route(protocol.TypeRequest, protocol.ActionHealthCheck, m.handleHealthCheck,
		gateway.OpenAccess(), gateway.ForKinds(protocol.KindService))
	r.Route(protocol.TypeRequest, protocol.ActionGetServices, m.handleGetServices,
		gateway.ForKinds(protocol.KindServicesAll))
	r.Route(protocol.TypeCommand, protocol.ActionResetCircuitBreaker, m.handleReset,
		gateway.OpenAccess(), gateway.ForKinds(protocol.KindService))
}

func requester(call *gateway.Call) Requester {
	return Requester{Identity: call.Credentials.Identity, Role: call.Credentials.Role}
}

func (m *Monitor) handleHealthCheck(ctx context.Context, call *gateway.Call) (any, error) {
	return m.HealthCheck(ctx, call.Topic.Name, requester(call))
}

func (m *Monitor) handleGetServices(_ context.Context, _ *gateway.Call) (any, error) {
	return m.FullState(), nil
}

func (m *Monitor) handleReset(ctx context.Context, call *gateway.Call) (any, error) {
	return m.ResetCircuitBreaker(ctx, call.Topic.Name, requester(call))
}
