package monitor

import (
	"sort"
	"time"

	"github.com/bardlex/wsgate/pkg/circuit"
)

// Health is the mirrored record of one monitored service.
type Health struct {
	Service          string         `json:"service"`
	Layer            string         `json:"layer"`
	Status           circuit.Status `json:"status"`
	Failures         int            `json:"failures"`
	RecoveryAttempts int            `json:"recoveryAttempts"`
	LastFailure      *time.Time     `json:"lastFailure,omitempty"`
	LastSuccess      *time.Time     `json:"lastSuccess,omitempty"`
	LastReset        *time.Time     `json:"lastReset,omitempty"`
	Error            string         `json:"error,omitempty"`
	CheckedAt        time.Time      `json:"checkedAt"`
}

// healthFromStats converts breaker statistics into a health record.
func healthFromStats(stats circuit.Stats, at time.Time) Health {
	return Health{
		Status:           stats.Status(),
		Failures:         stats.Failures,
		RecoveryAttempts: stats.RecoveryAttempts,
		LastFailure:      timeOrNil(stats.LastFailTime),
		LastSuccess:      timeOrNil(stats.LastSuccessTime),
		LastReset:        timeOrNil(stats.LastResetTime),
		CheckedAt:        at,
	}
}

// errorHealth is substituted when a service's state cannot be fetched.
func errorHealth(name, layer string, err error, at time.Time) Health {
	return Health{
		Service:   name,
		Layer:     layer,
		Status:    circuit.StatusError,
		Error:     err.Error(),
		CheckedAt: at,
	}
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// LayerStatus is the aggregate status of a layer.
type LayerStatus string

const (
	LayerOperational LayerStatus = "operational"
	LayerWarning     LayerStatus = "warning"
	LayerCritical    LayerStatus = "critical"
	LayerUnknown     LayerStatus = "unknown"
)

// LayerHealth is the aggregate view of every service of one layer.
type LayerHealth struct {
	Layer    string      `json:"layer"`
	Status   LayerStatus `json:"status"`
	Services []Health    `json:"services"`
}

// Aggregate takes the worst status of a layer's services. Error records
// carry no circuit state and are ignored.
func Aggregate(statuses []circuit.Status) LayerStatus {
	var open, warn, closed bool
	for _, s := range statuses {
		switch s {
		case circuit.StatusOpen:
			open = true
		case circuit.StatusDegraded, circuit.StatusRecovering:
			warn = true
		case circuit.StatusClosed:
			closed = true
		}
	}
	switch {
	case open:
		return LayerCritical
	case warn:
		return LayerWarning
	case closed:
		return LayerOperational
	default:
		return LayerUnknown
	}
}

// State is the full monitor state pushed to services.all.
type State struct {
	Services []Health     `json:"services"`
	Layers   []LayerHealth `json:"layers"`
	At       time.Time     `json:"at"`
}

// Alert is the high-severity notice sent to services.all when a circuit opens
// or closes again.
type Alert struct {
	Severity string         `json:"severity"`
	Service  string         `json:"service"`
	Layer    string         `json:"layer"`
	From     circuit.Status `json:"from"`
	To       circuit.Status `json:"to"`
	Message  string         `json:"message"`
	At       time.Time      `json:"at"`
}

// Transition is the payload of a service topic update.
type Transition struct {
	Health
	Previous circuit.Status `json:"previous"`
}

// ResetResult reports the outcome of an admin reset. Failed resets are
// reported with Success false.
type ResetResult struct {
	Service     string    `json:"service"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	RequestedBy string    `json:"requestedBy"`
	Role        string    `json:"role"`
	Health      Health    `json:"health"`
	At          time.Time `json:"at"`
}

// isAlert reports whether a transition goes to the global topic.
func isAlert(from, to circuit.Status) bool {
	if to == circuit.StatusOpen {
		return true
	}
	return to == circuit.StatusClosed && (from == circuit.StatusOpen || from == circuit.StatusRecovering)
}

func layersOf(records []Health) []LayerHealth {
	byLayer := make(map[string][]Health)
	for _, h := range records {
		byLayer[h.Layer] = append(byLayer[h.Layer], h)
	}
	out := make([]LayerHealth, 0, len(byLayer))
	for layer, hs := range byLayer {
		out = append(out, layerHealth(layer, hs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out
}

func layerHealth(layer string, records []Health) LayerHealth {
	statuses := make([]circuit.Status, len(records))
	for i, h := range records {
		statuses[i] = h.Status
	}
	return LayerHealth{Layer: layer, Status: Aggregate(statuses), Services: records}
}
