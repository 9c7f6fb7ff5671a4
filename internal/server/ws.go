package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/config"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/metrics"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/session"
)

// WSConfig controls the client websocket endpoint
type WSConfig struct {
	SendQueueSize      int
	HandoffTimeout     time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxMessageBytes    int64
	EchoPrefixLen      int
	MessagesPerSecond  float64
	Burst              int
	AllowedOrigins     []string
	ForwardClientAudio bool
}

// WSConfigFrom builds a WSConfig from the service configuration
func WSConfigFrom(cfg *config.Config) WSConfig {
	return WSConfig{
		SendQueueSize:      cfg.Client.SendQueueSize,
		HandoffTimeout:     cfg.Client.GetHandoffTimeout(),
		WriteTimeout:       cfg.Client.GetWriteTimeout(),
		PingInterval:       cfg.Client.GetPingInterval(),
		MaxMessageBytes:    cfg.Client.MaxMessageBytes,
		EchoPrefixLen:      cfg.Client.EchoPrefixLen,
		MessagesPerSecond:  cfg.Client.MessagesPerSecond,
		Burst:              cfg.Client.Burst,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		ForwardClientAudio: cfg.Session.ForwardClientAudio,
	}
}

func (c *WSConfig) applyDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4 << 20
	}
	if c.EchoPrefixLen <= 0 {
		c.EchoPrefixLen = protocol.DefaultEchoPrefix
	}
}

// WSStatistics holds client endpoint counters
type WSStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ActiveConnections   int64  `json:"active_connections"`
	MessagesReceived    uint64 `json:"messages_received"`
	NonJSONMessages     uint64 `json:"non_json_messages"`
	RateLimited         uint64 `json:"rate_limited"`
	WriteErrors         uint64 `json:"write_errors"`
}

// WSServer accepts client websockets and bridges each one to a session
type WSServer struct {
	cfg      WSConfig
	registry *session.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*websocket.Conn

	connectionsAccepted atomic.Uint64
	activeConnections   atomic.Int64
	messagesReceived    atomic.Uint64
	nonJSONMessages     atomic.Uint64
	rateLimited         atomic.Uint64
	writeErrors         atomic.Uint64
}

// NewWSServer creates the client endpoint handler
func NewWSServer(cfg WSConfig, registry *session.Registry, m *metrics.Metrics, logger *slog.Logger) *WSServer {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		cfg:      cfg,
		registry: registry,
		metrics:  m,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*websocket.Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ctx.Done():
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &clientConn{
		id:     uuid.NewString(),
		server: s,
		ws:     ws,
		outbox: session.NewOutbox(s.cfg.SendQueueSize, s.cfg.HandoffTimeout),
		logger: s.logger,
	}
	c.logger = s.logger.With(slog.String("session_id", c.id))
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.mu.Lock()
	s.conns[c.id] = ws
	s.mu.Unlock()
	s.wg.Add(1)

	s.connectionsAccepted.Add(1)
	s.activeConnections.Add(1)
	s.metrics.ConnectionOpened()

	c.logger.Info("Client connected", slog.String("remote_addr", r.RemoteAddr))

	c.serve()

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.activeConnections.Add(-1)
	s.metrics.ConnectionClosed()
	s.wg.Done()
}

// Shutdown closes every client connection and waits for their handlers
func (s *WSServer) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for _, ws := range s.conns {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatistics returns current client endpoint statistics
func (s *WSServer) GetStatistics() WSStatistics {
	return WSStatistics{
		ConnectionsAccepted: s.connectionsAccepted.Load(),
		ActiveConnections:   s.activeConnections.Load(),
		MessagesReceived:    s.messagesReceived.Load(),
		NonJSONMessages:     s.nonJSONMessages.Load(),
		RateLimited:         s.rateLimited.Load(),
		WriteErrors:         s.writeErrors.Load(),
	}
}

// clientConn serves one client socket. The reader runs on the ServeHTTP
// goroutine; writeLoop is the only writer of ws.
type clientConn struct {
	id      string
	server  *WSServer
	ws      *websocket.Conn
	outbox  *session.Outbox
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (c *clientConn) serve() {
	ctx, cancel := context.WithCancel(c.server.ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	err := c.readLoop(ctx)

	// Tear down the session before the writer so nothing is handed off late
	c.server.registry.Remove(c.id)
	c.outbox.Close()
	cancel()
	<-writerDone
	_ = c.ws.Close()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.logger.Info("Client disconnected", slog.String("reason", err.Error()))
		return
	}
	c.logger.Info("Client disconnected")
}

func (c *clientConn) readLoop(ctx context.Context) error {
	pongWait := 2 * c.server.cfg.PingInterval

	c.ws.SetReadLimit(c.server.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.server.messagesReceived.Add(1)

		if c.limiter != nil && !c.limiter.Allow() {
			c.server.rateLimited.Add(1)
			c.server.metrics.RecordRateLimited()
			c.reply(ctx, protocol.NewError("Rate limit exceeded", time.Now()))
			continue
		}

		c.handle(ctx, data)
	}
}

// handle runs one client message to completion
func (c *clientConn) handle(ctx context.Context, data []byte) {
	now := time.Now()

	msg, err := protocol.ParseClientMessage(data)
	if errors.Is(err, protocol.ErrNotJSON) {
		c.server.nonJSONMessages.Add(1)
		c.server.metrics.RecordClientMessage("non_json")
		c.reply(ctx, protocol.NonJSONNotice(string(data)))
		return
	}
	c.server.metrics.RecordClientMessage(msg.Kind.String())

	switch msg.Kind {
	case protocol.KindAudioData:
		bridge, created := c.server.registry.GetOrCreate(c.id, c.outbox)
		if created {
			c.logger.Debug("Session created on first audio")
		}
		bridge.Touch()
		if bridge.Start() {
			c.logger.Info("Starting upstream session", slog.String("format", msg.Format))
		}
		if c.server.cfg.ForwardClientAudio && msg.Data != "" {
			c.forward(bridge, msg.Data)
		}
		c.reply(ctx, protocol.NewAck(utf8.RuneCountInString(msg.Data), now))

	case protocol.KindStop:
		if bridge, ok := c.server.registry.Get(c.id); ok {
			bridge.Stop()
			c.logger.Info("Session stopped by client")
		}
		c.reply(ctx, protocol.NewCompletion(now))

	case protocol.KindPing:
		c.reply(ctx, protocol.NewConnectivityProbe())

	case protocol.KindUntyped:
		c.reply(ctx, protocol.EchoUntyped(string(data), c.server.cfg.EchoPrefixLen))

	default:
		c.logger.Debug("Ignoring unsupported client message", slog.String("type", msg.Type))
		c.reply(ctx, protocol.NewIgnored(msg.Type, now))
	}
}

func (c *clientConn) forward(bridge *session.Bridge, fragment string) {
	err := bridge.ForwardAudio(fragment)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotConnected):
		c.logger.Debug("Dropping caller audio before upstream is ready")
	case errors.Is(err, session.ErrForwardBacklog):
		c.logger.Warn("Dropping caller audio, upstream is falling behind")
	default:
		c.logger.Warn("Failed to forward caller audio", slog.String("error", err.Error()))
	}
}

func (c *clientConn) reply(ctx context.Context, msg any) {
	if err := c.outbox.Send(ctx, msg); err != nil {
		switch {
		case errors.Is(err, session.ErrHandoffTimeout):
			c.server.metrics.RecordHandoffFailure(metrics.HandoffTimeout)
		case errors.Is(err, session.ErrClientGone):
			c.server.metrics.RecordHandoffFailure(metrics.HandoffClientGone)
		}
		c.logger.Warn("Failed to queue client reply", slog.String("error", err.Error()))
	}
}

func (c *clientConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return

		case msg := <-c.outbox.Messages():
			if err := c.write(msg); err != nil {
				c.server.writeErrors.Add(1)
				c.logger.Warn("Client write failed", slog.String("error", err.Error()))
				// Unblocks the reader
				_ = c.ws.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.server.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Client ping failed", slog.String("error", err.Error()))
				_ = c.ws.Close()
				return
			}
		}
	}
}

// drain flushes replies queued before shutdown so a final completion is not lost
func (c *clientConn) drain() {
	for {
		select {
		case msg := <-c.outbox.Messages():
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *clientConn) write(msg any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	if text, ok := msg.(string); ok {
		return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
	}
	return c.ws.WriteJSON(msg)
}
