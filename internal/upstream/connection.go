package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
)

// Connection errors
var (
	ErrMissingCredentials = errors.New("upstream API key is not configured")
	ErrClosed             = errors.New("upstream connection is closed")
	ErrConnectionLost     = errors.New("upstream connection lost")
)

// Handler receives upstream events in arrival order on the connection's read goroutine
type Handler interface {
	HandleEvent(ev protocol.Event)
	// HandleClose is called exactly once when the connection ends.
	// err is nil when Close was called locally.
	HandleClose(err error)
}

// Options configures a dial to the realtime API
type Options struct {
	URL          string
	Model        string
	APIKey       string
	BetaHeader   string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
	Logger       *slog.Logger
	Dialer       *websocket.Dialer
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 2 * o.PingInterval
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 16 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Stats holds connection counters
type Stats struct {
	EventsReceived uint64
	EventsSent     uint64
	ParseErrors    uint64
	Established    time.Time
}

// Connection is an authenticated websocket session with the realtime API.
// Sends are serialized; there is no automatic reconnection.
type Connection struct {
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error

	eventsReceived atomic.Uint64
	eventsSent     atomic.Uint64
	parseErrors    atomic.Uint64
	established    time.Time
}

// Endpoint returns the websocket URL for the configured model
func Endpoint(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid upstream URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported upstream URL scheme %q", u.Scheme)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial opens the upstream socket and starts delivering events to h
func Dial(ctx context.Context, opts Options, h Handler) (*Connection, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingCredentials
	}
	if h == nil {
		return nil, errors.New("upstream handler is required")
	}
	opts.applyDefaults()

	endpoint, err := Endpoint(opts.URL, opts.Model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.APIKey)
	if opts.BetaHeader != "" {
		header.Set("OpenAI-Beta", opts.BetaHeader)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancelDial()

	conn, resp, err := opts.Dialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial upstream: %w", err)
	}
	conn.SetReadLimit(opts.ReadLimit)

	c := &Connection{
		conn:        conn,
		opts:        opts,
		logger:      opts.Logger,
		done:        make(chan struct{}),
		established: time.Now(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.readLoop(gctx, h) })
	g.Go(func() error { return c.pingLoop(gctx) })

	go func() {
		err := g.Wait()
		c.shutdown()
		if c.closed.Load() {
			err = nil
		}
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		h.HandleClose(err)
	}()

	c.logger.Info("Upstream connection established",
		slog.String("endpoint", endpoint))

	return c, nil
}

func (c *Connection) readLoop(ctx context.Context, h Handler) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.ParseEvent(data)
		if err != nil {
			c.parseErrors.Add(1)
			c.logger.Warn("Dropping malformed upstream event",
				slog.String("error", err.Error()))
			continue
		}
		c.eventsReceived.Add(1)
		h.HandleEvent(ev)
	}
}

func (c *Connection) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if c.closed.Load() {
					return nil
				}
				// unblock the reader
				_ = c.conn.Close()
				return fmt.Errorf("%w: ping: %v", ErrConnectionLost, err)
			}
		}
	}
}

// Send marshals v as JSON and writes it as one text frame
func (c *Connection) Send(ctx context.Context, v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal upstream event: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("failed to send upstream event: %w", err)
	}
	c.eventsSent.Add(1)
	return nil
}

// Close ends the connection. It is safe to call more than once and does not
// wait for the read goroutine; use Done for that.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.shutdownErr()
	})
	return err
}

func (c *Connection) shutdown() {
	_ = c.shutdownErr()
}

func (c *Connection) shutdownErr() error {
	c.cancel()
	err := c.conn.Close()
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the read and ping loops have exited
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while open or after a local Close
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// GetStats returns connection counters
func (c *Connection) GetStats() Stats {
	return Stats{
		EventsReceived: c.eventsReceived.Load(),
		EventsSent:     c.eventsSent.Load(),
		ParseErrors:    c.parseErrors.Load(),
		Established:    c.established,
	}
}
