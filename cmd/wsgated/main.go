// Package main implements the wsgated daemon: the WebSocket pub/sub gateway
// serving balance, price, notification and circuit-breaker topics.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/wsgate/internal/audit"
	"github.com/bardlex/wsgate/internal/auth"
	"github.com/bardlex/wsgate/internal/config"
	"github.com/bardlex/wsgate/internal/database"
	"github.com/bardlex/wsgate/internal/database/influx"
	"github.com/bardlex/wsgate/internal/database/postgres"
	"github.com/bardlex/wsgate/internal/database/redis"
	"github.com/bardlex/wsgate/internal/feeds"
	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/messaging"
	"github.com/bardlex/wsgate/internal/monitor"
	"github.com/bardlex/wsgate/internal/ratelimit"
	"github.com/bardlex/wsgate/internal/solana"
	"github.com/bardlex/wsgate/internal/tracker"
	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/log"
)

const (
	// LayerBlockchain groups the chain RPC upstream
	LayerBlockchain = "blockchain"
	// LayerMessaging groups the Kafka bus
	LayerMessaging = "messaging"

	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wsgated",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"address", cfg.Addr(),
		"path", cfg.WSPath,
	)

	catalog, err := loadCatalog(cfg.ServicesFile)
	if err != nil {
		logger.WithError(err).Error("failed to load service catalog")
		os.Exit(1)
	}

	deps := dependencies{catalog: catalog}
	fail := func(msg string, err error, args ...any) {
		logger.WithError(err).Error(msg, args...)
		if err := deps.close(); err != nil {
			logger.WithError(err).Error("failed to release upstream clients")
		}
		os.Exit(1)
	}

	// Connect stores
	deps.stores, err = database.NewManager(storeConfig(cfg), logger)
	if err != nil {
		fail("failed to connect stores", err)
	}

	// Create Solana RPC client
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	deps.chain, err = solana.Dial(dialCtx, cfg.SolanaRPCURL)
	dialCancel()
	if err != nil {
		fail("failed to create Solana RPC client", err)
	}

	deps.audit, err = audit.Open(cfg.AuditWALDir)
	if err != nil {
		fail("failed to open audit log", err, "dir", cfg.AuditWALDir)
	}

	// Create Kafka client
	deps.bus = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	gw, err := newGateway(cfg, logger, deps)
	if err != nil {
		fail("failed to assemble gateway", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		logger.WithError(err).Error("gateway failed")
	}
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("wsgated stopped")
}

func loadCatalog(path string) (*config.Catalog, error) {
	if path == "" {
		return nil, nil
	}
	return config.LoadCatalog(path)
}

// storeConfig derives the store settings. Every store breaker inherits the
// monitor thresholds.
func storeConfig(cfg *config.Config) *database.Config {
	breaker := circuit.Config{
		MaxFailures:       cfg.CircuitFailureThreshold,
		DegradedThreshold: cfg.CircuitDegradedThreshold,
		SuccessRequired:   2,
		Timeout:           cfg.CircuitOpenTimeout,
		ResetTimeout:      2 * cfg.CircuitOpenTimeout,
	}

	dc := &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			MaxLifetime:  30 * time.Minute,
		},
		Redis: &redis.Config{
			URL:        cfg.RedisURL,
			PoolSize:   50,
			BalanceTTL: 10 * time.Minute,
		},
		Breaker: breaker,
	}
	if cfg.InfluxURL != "" {
		dc.Influx = &influx.Config{
			URL:           cfg.InfluxURL,
			Token:         cfg.InfluxToken,
			Org:           cfg.InfluxOrg,
			Bucket:        cfg.InfluxBucket,
			BatchSize:     500,
			FlushInterval: time.Second,
		}
	}
	return dc
}

type dependencies struct {
	stores  *database.Manager
	chain   *solana.Client
	bus     *messaging.KafkaClient
	audit   *audit.Log
	catalog *config.Catalog
}

// close releases every client that was created. Unset ones are skipped.
func (d dependencies) close() error {
	var errs []error
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit log: %w", err))
		}
	}
	if d.chain != nil {
		d.chain.Close()
	}
	if d.stores != nil {
		if err := d.stores.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Gateway owns every long-running component of the daemon.
type Gateway struct {
	cfg    *config.Config
	logger *log.Logger
	deps   dependencies

	router        *gateway.Router
	server        *gateway.Server
	tracker       *tracker.Tracker
	balances      *feeds.BalanceFeed
	prices        *feeds.PriceFeed
	notifications *feeds.NotificationFeed
	monitor       *monitor.Monitor
}

func newGateway(cfg *config.Config, logger *log.Logger, deps dependencies) (*Gateway, error) {
	metrics := gatewayMetrics(deps.stores.Metrics())

	limiter := ratelimit.NewSubscriptionLimiter(cfg.MaxActiveSubscriptions, cfg.SubscriptionsPerMinute, time.Minute)
	registry := gateway.NewRegistry(limiter, logger)
	out := gateway.NewBroadcaster(registry, metrics, logger)
	router := gateway.NewRouter(registry, out, auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer), metrics, logger)

	balances := tracker.New(deps.chain, deps.stores.Redis, logger)
	prices := feeds.NewPriceFeed(deps.stores.Redis, cfg.PriceCacheTTL, out, logger)
	refreshLimiter := ratelimit.NewTokenBucket(cfg.RefreshPerMinute, time.Minute, cfg.RateLimitMaxSubjects)
	balanceFeed := feeds.NewBalanceFeed(balances, prices, out, refreshLimiter, cfg.BalanceStaleAfter, logger)
	notifications := feeds.NewNotificationFeed(deps.stores.Notifications, out, feeds.NotificationIntervals{
		Poll:      cfg.NotificationPollInterval,
		Unread:    cfg.NotificationUnreadInterval,
		Prune:     cfg.NotificationPruneInterval,
		Retention: cfg.NotificationRetention,
	}, logger)

	opts := monitor.Options{
		Audit:          deps.audit,
		AuditPublisher: deps.bus,
		Commands:       deps.bus,
		Catalog:        deps.catalog,
		Logger:         logger,
	}
	if ix := deps.stores.Metrics(); ix != nil {
		opts.Metrics = ix
	}
	mon := monitor.New(out, opts)

	services := append(deps.stores.Services(),
		monitor.NewBreakerService(deps.chain.Breaker(), LayerBlockchain, deps.chain.Health),
		monitor.NewBreakerService(deps.bus.Breaker(), LayerMessaging, nil),
	)
	for _, svc := range services {
		if err := mon.Register(svc); err != nil {
			return nil, fmt.Errorf("failed to register service %s: %w", svc.Name(), err)
		}
	}
	mon.RegisterCatalog()

	prices.Mount(router)
	balanceFeed.Mount(router)
	notifications.Mount(router)
	mon.Mount(router)

	server := gateway.NewServer(gateway.ServerConfig{
		Path:              cfg.WSPath,
		MaxConnections:    cfg.MaxConnections,
		MaxMessageSize:    int64(cfg.MaxMessageSize),
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongWait:          cfg.PongWait,
		OutboundBuffer:    cfg.OutboundBuffer,
		AllowedOrigins:    cfg.AllowedOrigins,
		ShutdownTimeout:   shutdownTimeout,
	}, router, metrics, logger)

	return &Gateway{
		cfg:           cfg,
		logger:        logger.WithComponent("wsgated"),
		deps:          deps,
		router:        router,
		server:        server,
		tracker:       balances,
		balances:      balanceFeed,
		prices:        prices,
		notifications: notifications,
		monitor:       mon,
	}, nil
}

// gatewayMetrics avoids handing a nil *influx.Client to an interface.
func gatewayMetrics(ix *influx.Client) gateway.Metrics {
	if ix == nil {
		return gateway.NopMetrics{}
	}
	return ix
}

// Start runs every component until ctx is cancelled or one of them fails.
func (g *Gateway) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return g.tracker.Listen(ctx) })
	eg.Go(func() error { return g.prices.Run(ctx, g.cfg.PriceBroadcastInterval) })
	eg.Go(func() error { return g.notifications.Run(ctx) })
	eg.Go(func() error { return g.monitor.Run(ctx, g.cfg.MonitorBroadcastInterval) })
	eg.Go(func() error {
		return g.deps.bus.ConsumeCircuitEvents(ctx, g.cfg.KafkaGroupID, g.monitor.HandleCircuitEvent)
	})
	eg.Go(func() error { return g.server.Run(ctx, g.cfg.Addr()) })

	if err := eg.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown closes the listener, drains background work and releases every
// upstream client.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	g.balances.Wait()
	g.monitor.Wait()

	if err := g.deps.close(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}
