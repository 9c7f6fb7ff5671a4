package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/audio"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/metrics"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/responder"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/upstream"
)

// Session errors
var (
	ErrSessionClosed  = errors.New("session is closed")
	ErrNotConnected   = errors.New("upstream is not connected yet")
	ErrHandoffTimeout = errors.New("timed out handing message to client")
	ErrClientGone     = errors.New("client connection is gone")
	ErrForwardBacklog = errors.New("caller audio queue is full")
)

// forwardQueueSize bounds caller audio waiting to be sent upstream
const forwardQueueSize = 64

// State is the lifecycle state of a Bridge
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConfigured
	StateStreaming
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ClientHandle delivers messages to the client socket writer
type ClientHandle interface {
	Send(ctx context.Context, msg any) error
}

// Upstream is the part of the upstream connection the bridge uses
type Upstream interface {
	Send(ctx context.Context, event any) error
	Close() error
}

// Dialer opens an upstream connection that reports to h
type Dialer func(ctx context.Context, h upstream.Handler) (Upstream, error)

// UpstreamDialer dials the realtime API with opts
func UpstreamDialer(opts upstream.Options) Dialer {
	return func(ctx context.Context, h upstream.Handler) (Upstream, error) {
		conn, err := upstream.Dial(ctx, opts, h)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config holds per-session behaviour
type Config struct {
	// Session is sent as session.update once upstream reports session.created
	Session          protocol.SessionParams
	SendTimeout      time.Duration
	ResponderTimeout time.Duration
	// SampleRate of upstream response audio, used for metrics
	SampleRate int
}

func (c *Config) applyDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.ResponderTimeout <= 0 {
		c.ResponderTimeout = 30 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
}

// Info is a point-in-time view of a bridge for monitoring
type Info struct {
	ID                 string        `json:"id"`
	State              State         `json:"state"`
	Started            bool          `json:"started"`
	UpstreamConnected  bool          `json:"upstream_connected"`
	CreatedAt          time.Time     `json:"created_at"`
	LastActivity       time.Time     `json:"last_activity"`
	Duration           time.Duration `json:"duration"`
	PendingFragments   int           `json:"pending_fragments"`
	ResponsesRelayed   uint64        `json:"responses_relayed"`
	TranscriptsHandled uint64        `json:"transcripts_handled"`
	FragmentsForwarded uint64        `json:"fragments_forwarded"`
}

// Bridge joins one client connection to one upstream realtime session.
// Upstream events arrive on the upstream read goroutine; client commands
// arrive on the client reader goroutine. Results reach the client only
// through ClientHandle.
type Bridge struct {
	id        string
	cfg       Config
	client    ClientHandle
	dial      Dialer
	responder responder.Responder
	registry  *Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger

	assembler *audio.Assembler
	forward   chan string

	ctx    context.Context
	cancel context.CancelFunc

	// closed once the dial attempt has finished either way
	ready     chan struct{}
	readyOnce sync.Once

	mu           sync.Mutex
	state        State
	started      bool
	stopped      bool
	upstream     Upstream
	createdAt    time.Time
	lastActivity time.Time

	responsesRelayed   uint64
	transcriptsHandled uint64
	fragmentsForwarded uint64
}

func newBridge(id string, client ClientHandle, deps *Deps, registry *Registry) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Bridge{
		id:           id,
		cfg:          deps.Config,
		client:       client,
		dial:         deps.Dial,
		responder:    deps.Responder,
		registry:     registry,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With(slog.String("session_id", id)),
		assembler:    audio.NewAssembler(),
		forward:      make(chan string, forwardQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		ready:        make(chan struct{}),
		state:        StateIdle,
		createdAt:    now,
		lastActivity: now,
	}
}

// ID returns the session id
func (b *Bridge) ID() string {
	return b.id
}

// State returns the current state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Started reports whether upstream setup has been initiated
func (b *Bridge) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Touch records client activity for the idle reaper
func (b *Bridge) Touch() {
	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()
}

// Start opens the upstream connection in the background the first time it
// is called. It reports whether this call initiated setup.
func (b *Bridge) Start() bool {
	b.mu.Lock()
	b.lastActivity = time.Now()
	if b.started || b.stopped || b.state != StateIdle {
		b.mu.Unlock()
		return false
	}
	b.started = true
	b.state = StateConnecting
	b.mu.Unlock()

	b.logger.Info("Opening upstream connection")
	go b.connect()
	return true
}

func (b *Bridge) connect() {
	defer b.readyOnce.Do(func() { close(b.ready) })

	start := time.Now()
	up, err := b.dial(b.ctx, b)
	b.metrics.RecordUpstreamDial(time.Since(start).Seconds(), err)

	b.mu.Lock()
	if b.state == StateStopping || b.state == StateClosed {
		b.mu.Unlock()
		if up != nil {
			_ = up.Close()
		}
		return
	}
	if err != nil {
		b.state = StateClosed
		b.mu.Unlock()

		b.logger.Error("Failed to open upstream connection",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		b.notify(protocol.NewError(fmt.Sprintf("Failed to connect to upstream: %v", err), time.Now()))
		b.abandon()
		return
	}
	b.upstream = up
	b.mu.Unlock()

	go b.pumpAudio(up)

	b.logger.Info("Upstream connection ready",
		slog.Duration("dial_time", time.Since(start)),
	)
}

// HandleEvent dispatches one upstream event. It implements upstream.Handler.
func (b *Bridge) HandleEvent(ev protocol.Event) {
	<-b.ready

	b.mu.Lock()
	if b.state == StateStopping || b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.lastActivity = time.Now()
	b.metrics.RecordUpstreamEvent(ev.Type)

	switch ev.Type {
	case protocol.EventSessionCreated:
		if b.state == StateConnecting {
			b.state = StateConfigured
		}
		b.mu.Unlock()
		b.configure()

	case protocol.EventAudioDelta:
		delta, err := ev.AudioDelta()
		if err != nil {
			b.mu.Unlock()
			b.logger.Warn("Dropping malformed audio delta", slog.String("error", err.Error()))
			return
		}
		b.assembler.Append(delta.Delta)
		b.state = StateStreaming
		b.mu.Unlock()
		b.metrics.RecordFragmentAppended()

	case protocol.EventAudioDone:
		flushed := b.assembler.Flush()
		if b.state == StateStreaming {
			b.state = StateConfigured
		}
		b.mu.Unlock()
		b.relay(flushed)

	case protocol.EventResponseDone:
		b.mu.Unlock()
		summary := ev.ResponseDone()
		if summary.Topic == responder.TopicRAG {
			b.logger.Info("Answer response completed",
				slog.String("response_id", summary.ResponseID),
				slog.String("status", summary.Status),
				slog.String("text", summary.Text),
			)
		}

	case protocol.EventTranscriptionCompleted:
		b.transcriptsHandled++
		b.mu.Unlock()
		b.answer(ev)

	case protocol.EventTranscriptionFailed:
		b.mu.Unlock()
		b.logger.Warn("Upstream transcription failed", slog.String("event", string(ev.Raw)))

	case protocol.EventError:
		b.mu.Unlock()
		apiErr := ev.APIError()
		b.metrics.RecordUpstreamError()
		b.logger.Error("Upstream reported an error",
			slog.String("type", apiErr.Type),
			slog.String("code", apiErr.Code),
			slog.String("message", apiErr.Message),
		)

	default:
		b.mu.Unlock()
		b.logger.Debug("Ignoring upstream event", slog.String("type", ev.Type))
	}
}

// HandleClose is called once the upstream loops have ended. It implements upstream.Handler.
func (b *Bridge) HandleClose(err error) {
	b.mu.Lock()
	if b.state == StateStopping || b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.state = StateClosed
	b.upstream = nil
	dropped := b.assembler.Reset()
	b.mu.Unlock()

	b.metrics.RecordUpstreamDisconnect()

	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	b.logger.Warn("Upstream connection lost",
		slog.String("reason", reason),
		slog.Int("dropped_fragments", dropped),
	)
	b.notify(protocol.NewError("Upstream connection lost", time.Now()))
	b.abandon()
}

// abandon retires a bridge whose upstream is gone. The entry leaves the
// registry so the next audio_data on the connection opens a fresh session.
func (b *Bridge) abandon() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	if b.registry != nil {
		b.registry.detach(b)
	}
}

func (b *Bridge) configure() {
	update := protocol.NewSessionUpdate(b.cfg.Session)
	if err := b.sendUpstream(update); err != nil {
		b.logger.Error("Failed to send session configuration", slog.String("error", err.Error()))
		return
	}
	b.logger.Info("Session configured",
		slog.String("voice", b.cfg.Session.Voice),
	)
}

func (b *Bridge) relay(flushed audio.Flushed) {
	b.metrics.RecordFlush(len(flushed.Samples), flushed.Skipped, b.cfg.SampleRate)

	if flushed.Skipped > 0 {
		b.logger.Warn("Skipped undecodable audio fragments",
			slog.Int("skipped", flushed.Skipped),
			slog.Int("fragments", flushed.Fragments),
		)
	}
	if len(flushed.Samples) == 0 {
		b.logger.Debug("Response finished without audio")
		return
	}

	encoded := audio.Encode(flushed.Samples)
	if err := b.notify(protocol.NewAudioResponse(encoded)); err != nil {
		return
	}

	b.mu.Lock()
	b.responsesRelayed++
	b.mu.Unlock()

	b.logger.Info("Relayed response audio",
		slog.Int("samples", len(flushed.Samples)),
		slog.Int("fragments", flushed.Fragments),
		slog.Duration("stream_span", flushed.Span),
	)
}

func (b *Bridge) answer(ev protocol.Event) {
	tr, err := ev.Transcription()
	if err != nil {
		b.logger.Warn("Dropping malformed transcription", slog.String("error", err.Error()))
		return
	}

	b.logger.Info("Caller transcript",
		slog.String("item_id", tr.ItemID),
		slog.String("transcript", tr.Transcript),
	)

	if b.responder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ResponderTimeout)
	defer cancel()

	start := time.Now()
	event, err := b.responder.Respond(ctx, tr.Transcript, tr.ItemID)
	b.metrics.RecordResponder(time.Since(start).Seconds(), err)
	if err != nil {
		if errors.Is(err, responder.ErrEmptyTranscript) {
			b.logger.Debug("Skipping empty transcript", slog.String("item_id", tr.ItemID))
			return
		}
		b.logger.Warn("Responder failed",
			slog.String("item_id", tr.ItemID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := b.sendUpstream(event); err != nil {
		b.logger.Warn("Failed to send response request", slog.String("error", err.Error()))
	}
}

// ForwardAudio queues a caller audio fragment for input_audio_buffer.append.
// It never waits on the upstream: a full queue returns ErrForwardBacklog.
func (b *Bridge) ForwardAudio(fragment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.stopped || b.state == StateStopping || b.state == StateClosed:
		return ErrSessionClosed
	case b.upstream == nil:
		return ErrNotConnected
	}
	b.lastActivity = time.Now()

	select {
	case b.forward <- fragment:
		return nil
	default:
		return ErrForwardBacklog
	}
}

// pumpAudio sends queued caller audio upstream in arrival order until the
// session ends
func (b *Bridge) pumpAudio(up Upstream) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case fragment := <-b.forward:
			ctx, cancel := context.WithTimeout(b.ctx, b.cfg.SendTimeout)
			err := up.Send(ctx, protocol.NewInputAudioAppend(fragment))
			cancel()
			if err != nil {
				b.logger.Warn("Failed to forward caller audio", slog.String("error", err.Error()))
				continue
			}

			b.mu.Lock()
			b.fragmentsForwarded++
			b.mu.Unlock()
		}
	}
}

func (b *Bridge) sendUpstream(event any) error {
	b.mu.Lock()
	up := b.upstream
	closed := b.state == StateStopping || b.state == StateClosed
	b.mu.Unlock()

	if closed || up == nil {
		return ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.SendTimeout)
	defer cancel()
	return up.Send(ctx, event)
}

// notify hands msg to the client writer, recording failures
func (b *Bridge) notify(msg any) error {
	err := b.client.Send(b.ctx, msg)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrHandoffTimeout):
		b.metrics.RecordHandoffFailure(metrics.HandoffTimeout)
	case errors.Is(err, ErrClientGone), errors.Is(err, context.Canceled):
		b.metrics.RecordHandoffFailure(metrics.HandoffClientGone)
	}
	b.logger.Warn("Failed to hand message to client", slog.String("error", err.Error()))
	return err
}

// Stop closes the upstream connection, discards buffered audio and removes
// the bridge from its registry. It is safe to call more than once.
func (b *Bridge) Stop() {
	if b.shutdown() && b.registry != nil {
		b.registry.detach(b)
	}
}

// shutdown releases resources and reports whether this call did the work
func (b *Bridge) shutdown() bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.stopped = true
	b.state = StateStopping
	up := b.upstream
	b.upstream = nil
	b.mu.Unlock()

	b.cancel()
	if up != nil {
		if err := up.Close(); err != nil {
			b.logger.Debug("Error closing upstream", slog.String("error", err.Error()))
		}
	}
	dropped := b.assembler.Reset()
	b.readyOnce.Do(func() { close(b.ready) })

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()

	b.logger.Info("Session stopped",
		slog.Duration("duration", time.Since(b.createdAt)),
		slog.Int("dropped_fragments", dropped),
	)
	return true
}

// Info returns a monitoring snapshot
func (b *Bridge) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Info{
		ID:                 b.id,
		State:              b.state,
		Started:            b.started,
		UpstreamConnected:  b.upstream != nil,
		CreatedAt:          b.createdAt,
		LastActivity:       b.lastActivity,
		Duration:           time.Since(b.createdAt),
		PendingFragments:   b.assembler.Len(),
		ResponsesRelayed:   b.responsesRelayed,
		TranscriptsHandled: b.transcriptsHandled,
		FragmentsForwarded: b.fragmentsForwarded,
	}
}

func (b *Bridge) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastActivity)
}
