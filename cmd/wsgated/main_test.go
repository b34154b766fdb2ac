package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/wsgate/internal/audit"
	"github.com/bardlex/wsgate/internal/config"
	"github.com/bardlex/wsgate/internal/database"
	"github.com/bardlex/wsgate/internal/database/postgres"
	"github.com/bardlex/wsgate/internal/database/redis"
	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/messaging"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/internal/solana"
	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:                "wsgate-test",
		Version:                    "test",
		Environment:                "development",
		ListenAddr:                 "127.0.0.1",
		ListenPort:                 0,
		WSPath:                     "/ws",
		MaxConnections:             10,
		MaxMessageSize:             64 * 1024,
		WriteTimeout:               time.Second,
		HeartbeatInterval:          time.Minute,
		PongWait:                   2 * time.Minute,
		OutboundBuffer:             64,
		JWTSecret:                  "test-secret",
		RefreshPerMinute:           6,
		SubscriptionsPerMinute:     30,
		MaxActiveSubscriptions:     50,
		RateLimitMaxSubjects:       1000,
		PriceCacheTTL:              30 * time.Second,
		CircuitFailureThreshold:    5,
		CircuitDegradedThreshold:   2,
		CircuitOpenTimeout:         30 * time.Second,
		MonitorBroadcastInterval:   5 * time.Second,
		BalanceStaleAfter:          time.Minute,
		NotificationPollInterval:   time.Second,
		NotificationUnreadInterval: time.Second,
		NotificationPruneInterval:  time.Hour,
		NotificationRetention:      24 * time.Hour,
		PriceBroadcastInterval:     time.Second,
		KafkaGroupID:               "wsgate-test",
		LogLevel:                   "error",
		LogFormat:                  "json",
	}
}

type fixture struct {
	gw *Gateway
	mr *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	stores := database.NewManagerWith(postgres.NewClientWithDB(db), redis.NewClientWithRedis(rdb, nil), nil, circuit.Config{})

	// plain HTTP transports dial lazily
	chain, err := solana.Dial(context.Background(), "http://127.0.0.1:1")
	require.NoError(t, err)

	auditLog, err := audit.Open(t.TempDir())
	require.NoError(t, err)

	gw, err := newGateway(cfg, log.Nop(), dependencies{
		stores: stores,
		chain:  chain,
		bus:    messaging.NewKafkaClient([]string{"127.0.0.1:1"}, nil),
		audit:  auditLog,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, gw.Shutdown(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return &fixture{gw: gw, mr: mr}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.gw.server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + f.gw.cfg.WSPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	var hello protocol.Envelope
	require.NoError(t, ws.ReadJSON(&hello))
	require.Equal(t, protocol.TypeSystem, hello.Type)
	return ws
}

type reply struct {
	Type     protocol.MessageType `json:"type"`
	Topic    string               `json:"topic"`
	Subtype  string               `json:"subtype"`
	Topics   []string             `json:"topics"`
	Rejected []protocol.Rejection `json:"rejected"`
}

func read(t *testing.T, ws *websocket.Conn) reply {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r reply
	require.NoError(t, ws.ReadJSON(&r))
	return r
}

func TestNewGateway_RegistersUpstreams(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{
		database.NotificationStore,
		redis.BalanceBreaker,
		redis.PriceBreaker,
		solana.BreakerName,
		messaging.BreakerName,
	} {
		assert.True(t, f.gw.monitor.Known(name), "service %s registered", name)
	}
	assert.False(t, f.gw.monitor.Known("metricsStore"), "metrics disabled without influx")
	assert.True(t, f.gw.monitor.HasLayer(LayerBlockchain))
	assert.True(t, f.gw.monitor.HasLayer(LayerMessaging))
}

func TestGateway_PriceSubscription(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mr.Set("price:SOL/USD", "101.5"))
	ws := f.dial(t)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "SUBSCRIBE", "requestId": "1", "topics": []string{protocol.TopicMarketPrice},
	}))

	ack := read(t, ws)
	assert.Equal(t, protocol.TypeAcknowledge, ack.Type)
	assert.Equal(t, []string{protocol.TopicMarketPrice}, ack.Topics)

	snap := read(t, ws)
	assert.Equal(t, protocol.TypeData, snap.Type)
	assert.Equal(t, protocol.TopicMarketPrice, snap.Topic)
	assert.Equal(t, "snapshot", snap.Subtype)
}

func TestGateway_RestrictedTopicNeedsCredentials(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "SUBSCRIBE", "requestId": "1",
		"topics": []string{protocol.WalletTopic("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"), protocol.TopicServicesAll},
	}))

	ack := read(t, ws)
	assert.Equal(t, protocol.TypeAcknowledge, ack.Type)
	assert.Empty(t, ack.Topics)
	require.Len(t, ack.Rejected, 2)
	for _, r := range ack.Rejected {
		assert.Equal(t, errors.CodeUnauthorized, r.Code)
	}
}

func TestGatewayMetrics_NopWithoutInflux(t *testing.T) {
	assert.IsType(t, gateway.NopMetrics{}, gatewayMetrics(nil))
}

func TestStoreConfig(t *testing.T) {
	cfg := testConfig()
	dc := storeConfig(cfg)
	assert.Nil(t, dc.Influx)
	assert.Equal(t, cfg.CircuitFailureThreshold, dc.Breaker.MaxFailures)
	assert.Equal(t, cfg.CircuitDegradedThreshold, dc.Breaker.DegradedThreshold)

	cfg.InfluxURL = "http://influx:8086"
	dc = storeConfig(cfg)
	require.NotNil(t, dc.Influx)
	assert.Equal(t, cfg.InfluxBucket, dc.Influx.Bucket)
}

func TestLoadCatalog_Optional(t *testing.T) {
	c, err := loadCatalog("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDependencies_CloseReleasesWhatWasCreated(t *testing.T) {
	assert.NoError(t, dependencies{}.close(), "nothing created yet")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	stores := database.NewManagerWith(postgres.NewClientWithDB(db), redis.NewClientWithRedis(rdb, nil), nil, circuit.Config{})

	auditLog, err := audit.Open(t.TempDir())
	require.NoError(t, err)

	// assembly failed after stores and the audit log were opened
	require.NoError(t, dependencies{stores: stores, audit: auditLog}.close())
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.ErrorIs(t, rdb.Ping(context.Background()).Err(), goredis.ErrClosed)
}
