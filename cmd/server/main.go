package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/config"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/metrics"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/responder"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/server"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/session"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/upstream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-bridge"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file with credentials")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.String("ws_path", cfg.HTTP.WSPath),
		slog.String("upstream_url", cfg.Upstream.URL),
		slog.String("model", cfg.Upstream.Model),
		slog.String("voice", cfg.Session.Voice),
		slog.String("transcription_model", cfg.Session.TranscriptionModel),
		slog.Float64("vad_threshold", cfg.Session.VADThreshold),
		slog.Int("silence_duration_ms", cfg.Session.SilenceDurationMs),
		slog.String("responder_mode", cfg.Responder.Mode),
		slog.String("log_level", cfg.Logging.Level),
	)

	if cfg.Upstream.APIKey == "" {
		logger.Warn("No upstream API key configured; sessions will fail to connect",
			slog.String("env", config.EnvUpstreamAPIKey),
		)
	}

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	resp, closeResponder, err := newResponder(cfg.Responder)
	if err != nil {
		logger.Error("Failed to create responder", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeResponder()
	logger.Info("Responder initialized", slog.String("mode", cfg.Responder.Mode))

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
		Metrics:   appMetrics,
		Logger:    logger,
	}, cfg.Session.GetIdleTimeout())
	logger.Info("Session registry initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
	)

	wsServer := server.NewWSServer(server.WSConfigFrom(cfg), registry, appMetrics, logger)
	httpServer := server.NewHTTPServer(cfg, logger, registry, wsServer, appMetrics, resp)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()),
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.GetShutdownTimeout())
	defer shutdownCancel()

	// Stop accepting clients first, then close whatever sessions remain
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}
	registry.Stop()

	stats := wsServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("non_json_messages", stats.NonJSONMessages),
		slog.Uint64("rate_limited", stats.RateLimited),
	)

	logger.Info("Service stopped")
}

// newResponder builds the configured transcript responder
func newResponder(cfg config.ResponderConfig) (responder.Responder, func(), error) {
	switch cfg.Mode {
	case "http":
		client, err := responder.NewHTTPClient(responder.HTTPConfig{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxRetries:    cfg.MaxRetries,
			MaxConcurrent: cfg.MaxConcurrent,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	default:
		return responder.NewTemplate(cfg.Instructions), func() {}, nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
