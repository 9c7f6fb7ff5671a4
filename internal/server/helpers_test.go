package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/config"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/metrics"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/responder"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/session"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/upstream"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/upstream/upstreamtest"
)

const testAPIKey = "sk-test-0123456789"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness runs the full service against an in-process fake upstream
type harness struct {
	cfg      *config.Config
	fake     *upstreamtest.Fake
	registry *session.Registry
	metrics  *metrics.Metrics
	http     *HTTPServer
	srv      *httptest.Server
}

func newHarness(t *testing.T, fakeOpts upstreamtest.Options, modify func(*config.Config)) *harness {
	t.Helper()

	if fakeOpts.APIKey == "" {
		fakeOpts.APIKey = testAPIKey
	}
	fakeOpts.Logger = testLogger()
	fake := upstreamtest.New(fakeOpts)
	upSrv := httptest.NewServer(fake)
	t.Cleanup(upSrv.Close)

	cfg := config.Default()
	cfg.Upstream.URL = upstreamtest.URL(upSrv.URL)
	cfg.Upstream.APIKey = testAPIKey
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, cfg.Validate())

	m := metrics.NewMetrics()
	logger := testLogger()
	resp := responder.NewTemplate(cfg.Responder.Instructions)

	registry := session.NewRegistry(session.Deps{
		Config: session.Config{
			Session:          cfg.Session.SessionParams(),
			SendTimeout:      cfg.Upstream.GetWriteTimeout(),
			ResponderTimeout: cfg.Responder.GetTimeoutDuration(),
		},
		Dial: session.UpstreamDialer(upstream.Options{
			URL:          cfg.Upstream.URL,
			Model:        cfg.Upstream.Model,
			APIKey:       cfg.Upstream.APIKey,
			BetaHeader:   cfg.Upstream.BetaHeader,
			DialTimeout:  cfg.Upstream.GetHandshakeTimeout(),
			WriteTimeout: cfg.Upstream.GetWriteTimeout(),
			PingInterval: cfg.Upstream.GetPingInterval(),
			Logger:       logger,
		}),
		Responder: resp,
		Metrics:   m,
		Logger:    logger,
	}, cfg.Session.GetIdleTimeout())
	t.Cleanup(registry.Stop)

	ws := NewWSServer(WSConfigFrom(cfg), registry, m, logger)
	h := NewHTTPServer(cfg, logger, registry, ws, m, resp)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	return &harness{
		cfg:      cfg,
		fake:     fake,
		registry: registry,
		metrics:  m,
		http:     h,
		srv:      srv,
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(upstreamtest.URL(h.srv.URL)+h.cfg.HTTP.WSPath, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func readObject(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &out))
	return out
}

// readUntil reads objects until match returns true, failing after timeout
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := readObject(t, conn)
		if match(msg) {
			return msg
		}
	}
	t.Fatal("expected message never arrived")
	return nil
}

func audioData(data string) map[string]any {
	return map[string]any{"type": "audio_data", "format": "pcm16", "data": data}
}
