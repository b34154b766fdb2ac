// Package database wires the gateway's stores: PostgreSQL notifications,
// the Redis price and balance caches, and InfluxDB metrics. Each store sits
// behind its own circuit breaker that the monitor reports on.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/wsgate/internal/database/influx"
	"github.com/bardlex/wsgate/internal/database/postgres"
	"github.com/bardlex/wsgate/internal/database/redis"
	"github.com/bardlex/wsgate/internal/monitor"
	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

// Store names and layers reported to the monitor
const (
	NotificationStore = "notificationStore"

	LayerStorage = "storage"
	LayerData    = "data"
	LayerMetrics = "metrics"
)

// Manager coordinates the PostgreSQL, Redis and InfluxDB clients
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client // nil when metrics are disabled

	Notifications *postgres.NotificationRepository

	pgBreaker *circuit.Breaker
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config // nil disables metrics

	Breaker circuit.Config
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = pgClient.EnsureSchema(schemaCtx)
	cancel()
	if err != nil {
		_ = pgClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_schema",
			"failed to prepare notification schema")
	}

	// Initialize Redis
	if cfg.Redis.Breaker.MaxFailures <= 0 {
		cfg.Redis.Breaker = cfg.Breaker
	}
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, origErr
	}

	// Initialize InfluxDB
	var influxClient *influx.Client
	if cfg.Influx != nil {
		if cfg.Influx.Breaker.MaxFailures <= 0 {
			cfg.Influx.Breaker = cfg.Breaker
		}
		influxClient, err = influx.NewClient(cfg.Influx, logger)
		if err != nil {
			var closeErrs []error
			if closeErr := pgClient.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}
			if closeErr := redisClient.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}

			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")

			if len(closeErrs) > 0 {
				return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
			}
			return nil, origErr
		}
	}

	return NewManagerWith(pgClient, redisClient, influxClient, cfg.Breaker), nil
}

// NewManagerWith assembles a manager from already connected clients
func NewManagerWith(pg *postgres.Client, rdb *redis.Client, ix *influx.Client, breaker circuit.Config) *Manager {
	if breaker.MaxFailures <= 0 {
		breaker = circuit.Config{
			MaxFailures:       3,
			DegradedThreshold: 2,
			SuccessRequired:   2,
			Timeout:           30 * time.Second,
			ResetTimeout:      60 * time.Second,
		}
	}
	breaker.Name = NotificationStore
	pgBreaker := circuit.New(&breaker)

	return &Manager{
		Postgres:      pg,
		Redis:         rdb,
		Influx:        ix,
		Notifications: postgres.NewNotificationRepository(pg.DB(), pgBreaker),
		pgBreaker:     pgBreaker,
	}
}

// Services returns the stores as monitored services. Recovering a store
// pings it and closes its breaker only when the ping succeeds.
func (m *Manager) Services() []monitor.Service {
	services := []monitor.Service{
		monitor.NewBreakerService(m.pgBreaker, LayerStorage, m.Postgres.Health),
		monitor.NewBreakerService(m.Redis.BalanceBreaker(), LayerData, m.Redis.Health),
		monitor.NewBreakerService(m.Redis.PriceBreaker(), LayerData, m.Redis.Health),
	}
	if m.Influx != nil {
		services = append(services, monitor.NewBreakerService(m.Influx.Breaker(), LayerMetrics, m.Influx.Ping))
	}
	return services
}

// Metrics returns the InfluxDB client, or nil when metrics are disabled
func (m *Manager) Metrics() *influx.Client {
	return m.Influx
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if m.Influx != nil {
		if err := m.Influx.Ping(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}
