package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/config"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/metrics"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/responder"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/session"
)

const (
	serviceName    = "voice-bridge"
	serviceVersion = "1.0.0"
)

// responderStats is implemented by responders that keep request statistics
type responderStats interface {
	GetStats() responder.ClientStats
}

// HTTPServer serves the client websocket endpoint and the monitoring API
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	registry *session.Registry
	ws       *WSServer
	metrics  *metrics.Metrics
	stats    responderStats

	startTime time.Time
	listener  net.Listener
}

// NewHTTPServer creates the HTTP server. resp may be nil.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, registry *session.Registry,
	ws *WSServer, m *metrics.Metrics, resp responder.Responder) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		registry:  registry,
		ws:        ws,
		metrics:   m,
		startTime: time.Now(),
	}
	if s, ok := resp.(responderStats); ok {
		h.stats = s
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = withCORS(mux)

	// No read/write timeouts on the server itself; websocket connections
	// manage their own deadlines
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:           h.handler,
		ReadHeaderTimeout: appConfig.HTTP.GetReadTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the root handler, for embedding in tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Client websocket endpoint; must not be wrapped, the upgrade needs the raw writer
	mux.Handle(h.config.HTTP.WSPath, h.ws)

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("/metrics", h.metrics.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withCORS allows any origin, matching the browser clients the service is used with
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP server",
		slog.String("address", ln.Addr().String()),
		slog.String("ws_path", h.config.HTTP.WSPath),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop closes client websockets, then gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	if err := h.ws.Shutdown(ctx); err != nil {
		h.logger.Warn("Client connections did not close in time", slog.String("error", err.Error()))
	}
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wsStats := h.ws.GetStatistics()

	components := map[string]interface{}{
		"websocket": map[string]interface{}{
			"status":             "running",
			"active_connections": wsStats.ActiveConnections,
			"messages_received":  wsStats.MessagesReceived,
		},
		"session_registry": map[string]interface{}{
			"status":          "running",
			"active_sessions": h.registry.Count(),
		},
		"upstream": map[string]interface{}{
			"url":                h.config.Upstream.URL,
			"credentials_loaded": h.config.Upstream.APIKey != "",
		},
	}
	if h.stats != nil {
		rs := h.stats.GetStats()
		components["responder"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  rs.TotalRequests,
			"success_rate":    rs.SuccessRate,
			"active_requests": rs.ActiveRequests,
		}
	}

	status := "healthy"
	if h.config.Upstream.APIKey == "" {
		status = "degraded"
	}

	writeJSON(w, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.registry.Snapshot()

	writeJSON(w, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	bridge, ok := h.registry.Get(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, bridge.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.config.Sanitized())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"websocket": h.ws.GetStatistics(),
		"sessions": map[string]interface{}{
			"active_count": h.registry.Count(),
		},
	}
	if h.stats != nil {
		stats["responder"] = h.stats.GetStats()
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]interface{}{
		"message": "WebSocket Audio Server",
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET " + h.config.HTTP.WSPath: "Client audio websocket",
			"GET /health":                "Service health check",
			"GET /sessions":              "List active sessions",
			"GET /sessions/{id}":         "Get detailed session information",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
