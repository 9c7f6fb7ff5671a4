package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/metrics"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/responder"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpstream records every event the bridge sends
type fakeUpstream struct {
	mu      sync.Mutex
	sent    []map[string]any
	closed  int
	sendErr error
	// hold, when set, blocks every Send until closed
	hold chan struct{}
}

func (f *fakeUpstream) Send(ctx context.Context, event any) error {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, decoded)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) sentOfType(eventType string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, ev := range f.sent {
		if ev["type"] == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeUpstream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recordingClient captures messages handed to the client
type recordingClient struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (c *recordingClient) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingClient) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

func (c *recordingClient) audioResponses() []protocol.ClientEvent {
	var out []protocol.ClientEvent
	for _, m := range c.messages() {
		if ev, ok := m.(protocol.ClientEvent); ok && ev.EventType == protocol.EventTypeAudioResponse {
			out = append(out, ev)
		}
	}
	return out
}

func (c *recordingClient) statuses(status string) []protocol.Status {
	var out []protocol.Status
	for _, m := range c.messages() {
		if s, ok := m.(protocol.Status); ok && s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// fakeDialer hands out one fakeUpstream per dial and counts dials
type fakeDialer struct {
	dials    atomic.Int32
	upstream *fakeUpstream
	err      error
	block    bool
}

func (d *fakeDialer) dial(ctx context.Context, h upstream.Handler) (Upstream, error) {
	d.dials.Add(1)
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.upstream, nil
}

type failingResponder struct{}

func (failingResponder) Respond(ctx context.Context, transcript, itemID string) (map[string]any, error) {
	return nil, errors.New("answer service unavailable")
}

func testSessionParams() protocol.SessionParams {
	return protocol.SessionParams{
		Instructions: "You are a hospital receptionist.",
		Voice:        "ballad",
		InputAudioTranscription: &protocol.TranscriptionParams{
			Model:    "whisper-1",
			Language: "en",
		},
		TurnDetection: &protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
}

func newTestRegistry(t *testing.T, dial Dialer, resp responder.Responder) *Registry {
	t.Helper()
	r := NewRegistry(Deps{
		Config: Config{
			Session:          testSessionParams(),
			SendTimeout:      time.Second,
			ResponderTimeout: time.Second,
		},
		Dial:      dial,
		Responder: resp,
		Metrics:   metrics.NewMetrics(),
		Logger:    testLogger(),
	}, 0)
	t.Cleanup(r.Stop)
	return r
}

// startedBridge returns a bridge whose upstream is connected to a fakeUpstream
func startedBridge(t *testing.T, resp responder.Responder) (*Registry, *Bridge, *fakeUpstream, *recordingClient) {
	t.Helper()
	up := &fakeUpstream{}
	d := &fakeDialer{upstream: up}
	r := newTestRegistry(t, d.dial, resp)
	client := &recordingClient{}

	b, created := r.GetOrCreate("conn-1", client)
	require.True(t, created)
	require.True(t, b.Start())

	require.Eventually(t, func() bool { return b.Info().UpstreamConnected }, 2*time.Second, 5*time.Millisecond)
	return r, b, up, client
}

func mustEvent(t testing.TB, raw string) protocol.Event {
	t.Helper()
	ev, err := protocol.ParseEvent([]byte(raw))
	require.NoError(t, err)
	return ev
}
