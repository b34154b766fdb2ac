package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/log"
)

// ServerConfig holds the transport limits of the WebSocket listener.
type ServerConfig struct {
	Path              string
	MaxConnections    int
	MaxMessageSize    int64
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	OutboundBuffer    int
	AllowedOrigins    []string
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns the listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Path:              "/ws",
		MaxConnections:    10000,
		MaxMessageSize:    64 * 1024,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PongWait:          60 * time.Second,
		OutboundBuffer:    256,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Server accepts WebSocket upgrades and runs one read pump and one write
// pump per connection.
type Server struct {
	cfg      ServerConfig
	router   *Router
	registry *Registry
	metrics  Metrics
	logger   *log.Logger
	upgrader websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc

	httpServer *http.Server
	active     atomic.Int64
	closing    atomic.Bool
	wg         sync.WaitGroup
}

// NewServer creates a server dispatching inbound frames to router.
func NewServer(cfg ServerConfig, router *Router, metrics Metrics, logger *log.Logger) *Server {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		router:   router,
		registry: router.Registry(),
		metrics:  metrics,
		logger:   logger.WithComponent("server"),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket path and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.ServeHTTP)
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", "address", addr, "path", s.cfg.Path)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.closing.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"connections": s.registry.Count(),
		"topics":      s.registry.TopicCount(),
	})
}

// ServeHTTP upgrades one client. It refuses with 503 when the server is
// full or shutting down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if n := s.active.Add(1); s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		s.logger.Warn("connection limit reached", "max_connections", s.cfg.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		s.logger.WithError(err).Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr)
		return
	}

	c := NewConnection(r.RemoteAddr, s.cfg.OutboundBuffer, s.logger)
	s.registry.Register(c)
	s.metrics.ConnectionOpened(s.registry.Count())
	c.Logger().LogConnection("connected", c.ID(), c.RemoteAddr())

	ctx, cancel := context.WithCancel(s.baseCtx)

	var authErr error
	if token := bearerToken(r); token != "" {
		_, authErr = s.router.Authenticate(ctx, c, token)
	}
	s.router.Broadcaster().SendToConnection(c, protocol.NewSystem(protocol.EventWelcome, welcome(c), time.Now()))
	if authErr != nil {
		s.router.Broadcaster().SendError(c, "", authErr)
	}

	s.wg.Add(2)
	go s.writePump(ws, c)
	go s.readPump(ctx, cancel, ws, c)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func welcome(c *Connection) map[string]any {
	creds := c.Credentials()
	data := map[string]any{
		"connectionId":  c.ID(),
		"authenticated": creds.Authenticated(),
		"publicTopics":  []string{protocol.TopicMarketPrice},
	}
	if creds.Authenticated() {
		data["identity"] = creds.Identity
		data["role"] = creds.Role
	}
	return data
}

// readPump handles inbound frames one at a time until the transport fails.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, c *Connection) {
	defer s.wg.Done()
	defer cancel()
	defer s.disconnect(c)

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	}
	if err := extend(); err != nil {
		c.Logger().WithError(err).Error("failed to set read deadline")
		return
	}
	ws.SetPongHandler(func(string) error {
		c.Touch()
		return extend()
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.Logger().WithError(err).Warn("connection read failed")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := extend(); err != nil {
			return
		}

		c.Logger().LogProtocolMessage("received", c.ID(), data)
		s.router.Handle(ctx, c, data)
	}
}

// writePump drains the outbound queue. Every heartbeat tick sends a ping;
// a connection that has seen no outbound frame for a whole interval also
// gets a SYSTEM heartbeat.
func (s *Server) writePump(ws *websocket.Conn, c *Connection) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		if err := ws.Close(); err != nil {
			c.Logger().Debug("failed to close socket", "error", err)
		}
		s.wg.Done()
	}()

	lastWrite := time.Now()
	write := func(data []byte) bool {
		if err := ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return false
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Logger().WithError(err).Debug("failed to write message")
			return false
		}
		lastWrite = time.Now()
		return true
	}

	for {
		select {
		case <-c.Done():
			s.flush(c, write)
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case data := <-c.Outbound():
			if !write(data) {
				c.Close()
				return
			}

		case now := <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, now.Add(s.cfg.WriteTimeout)); err != nil {
				c.Logger().WithError(err).Debug("failed to send ping")
				c.Close()
				return
			}
			if now.Sub(lastWrite) >= s.cfg.HeartbeatInterval {
				env := protocol.NewSystem(protocol.EventHeartbeat, map[string]any{
					"subscriptions": len(c.Topics()),
				}, now)
				if data, err := protocol.Encode(env); err == nil && !write(data) {
					c.Close()
					return
				}
			}
		}
	}
}

// flush writes frames already queued when the connection closed.
func (s *Server) flush(c *Connection, write func([]byte) bool) {
	for {
		select {
		case data := <-c.Outbound():
			if !write(data) {
				return
			}
		default:
			return
		}
	}
}

// disconnect unwinds every subscription and handler of c.
func (s *Server) disconnect(c *Connection) {
	c.Close()
	if s.registry.Unregister(c) {
		s.active.Add(-1)
		s.metrics.ConnectionClosed(s.registry.Count())
		c.Logger().LogConnection("disconnected", c.ID(), c.RemoteAddr())
	}
}

// Shutdown stops accepting upgrades, tells every client, closes all
// connections and waits for their pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("shutting down server", "connections", s.registry.Count())

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("failed to shut down http listener")
		}
	}

	bye := protocol.MustEncode(protocol.NewSystem(protocol.EventShutdown, nil, time.Now()))
	for _, c := range s.registry.Connections() {
		c.Send(bye)
		c.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// ActiveConnections returns the number of admitted sockets.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}
