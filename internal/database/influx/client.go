// Package influx records gateway time-series metrics in InfluxDB.
// Writes go through the non-blocking write API; a failing InfluxDB never
// slows the gateway down.
package influx

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

// BreakerName is the service name the metrics store reports to the monitor
const BreakerName = "metricsStore"

// Measurements
const (
	measurementConnections = "ws_connections"
	measurementBroadcasts  = "ws_broadcasts"
	measurementTransitions = "circuit_transitions"
	measurementRateLimited = "rate_limited"
)

// Client writes gateway metrics. It satisfies gateway.Metrics and
// monitor.Metrics.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	breaker  *circuit.Breaker
	logger   *log.Logger
	now      func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// BatchSize and FlushInterval tune the async writer. Zero keeps the
	// client defaults.
	BatchSize     uint
	FlushInterval time.Duration

	Breaker circuit.Config
}

// NewClient creates a new InfluxDB client and checks the server is up
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	c := newClient(cfg, logger)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.ping(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(cfg *Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}

	opts := influxdb2.DefaultOptions().SetMaxRetries(0)
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	breakerCfg := cfg.Breaker
	if breakerCfg.MaxFailures <= 0 {
		breakerCfg = *circuit.DefaultConfig()
	}
	breakerCfg.Name = BreakerName

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		breaker:  circuit.New(&breakerCfg),
		logger:   logger.WithComponent("influx"),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	// must be taken before the first write
	errCh := c.writeAPI.Errors()
	c.wg.Add(1)
	go c.watchErrors(errCh)
	return c
}

func (c *Client) watchErrors(errCh <-chan error) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case err, ok := <-errCh:
			if !ok {
				return
			}
			c.breaker.Record(err)
			c.logger.WithError(err).Warn("metrics write failed")
		}
	}
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.writeAPI.Flush()
		close(c.stop)
		c.wg.Wait()
		c.client.Close()
	})
}

// Flush forces pending points out
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Breaker returns the breaker tracking write failures
func (c *Client) Breaker() *circuit.Breaker {
	return c.breaker
}

// Health checks InfluxDB connectivity through the breaker
func (c *Client) Health(ctx context.Context) error {
	return c.breaker.Execute(ctx, func() error {
		return c.ping(ctx)
	})
}

// Ping checks InfluxDB connectivity without touching the breaker
func (c *Client) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func (c *Client) ping(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "influx_health", "failed to check health")
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeUpstream, "influx_health",
			fmt.Sprintf("InfluxDB health check failed: %s", msg))
	}
	return nil
}

func (c *Client) write(measurement string, tags map[string]string, fields map[string]any) {
	// an open circuit drops points until a trial call or reset closes it
	if c.breaker.GetState() == circuit.StateOpen {
		return
	}
	c.writeAPI.WritePoint(influxdb2.NewPoint(measurement, tags, fields, c.now()))
}

// ConnectionOpened records a connection open and the resulting active count
func (c *Client) ConnectionOpened(active int) {
	c.write(measurementConnections,
		map[string]string{"event": "open"},
		map[string]any{"active": active})
}

// ConnectionClosed records a connection close and the resulting active count
func (c *Client) ConnectionClosed(active int) {
	c.write(measurementConnections,
		map[string]string{"event": "close"},
		map[string]any{"active": active})
}

// Broadcast records one topic broadcast
func (c *Client) Broadcast(topicKind string, delivered, dropped int) {
	c.write(measurementBroadcasts,
		map[string]string{"kind": topicKind},
		map[string]any{"delivered": delivered, "dropped": dropped})
}

// RateLimited records a rejected operation
func (c *Client) RateLimited(operation string) {
	c.write(measurementRateLimited,
		map[string]string{"operation": operation},
		map[string]any{"count": 1})
}

// CircuitTransition records a service status change
func (c *Client) CircuitTransition(service, layer, from, to string) {
	c.write(measurementTransitions,
		map[string]string{"service": service, "layer": layer, "from": from, "to": to},
		map[string]any{"count": 1})
}
