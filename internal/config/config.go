package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
)

// Environment variables that override file values
const (
	EnvUpstreamAPIKey  = "OPENAI_API_KEY"
	EnvUpstreamURL     = "REALTIME_API_URL"
	EnvResponderAPIKey = "RESPONDER_API_KEY"
)

// Config represents the complete service configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Client    ClientConfig    `yaml:"client" json:"client"`
	Responder ResponderConfig `yaml:"responder" json:"responder"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// HTTPConfig contains HTTP and websocket listener configuration
type HTTPConfig struct {
	Port            int      `yaml:"port" json:"port"`
	Address         string   `yaml:"address" json:"address"`
	WSPath          string   `yaml:"ws_path" json:"ws_path"`
	ReadTimeout     int      `yaml:"read_timeout" json:"read_timeout"`         // seconds
	ShutdownTimeout int      `yaml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
	AllowedOrigins  []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// UpstreamConfig contains realtime API connection configuration
type UpstreamConfig struct {
	URL              string `yaml:"url" json:"url"`
	Model            string `yaml:"model" json:"model"`
	APIKey           string `yaml:"api_key" json:"api_key"`
	BetaHeader       string `yaml:"beta_header" json:"beta_header"`
	HandshakeTimeout int    `yaml:"handshake_timeout" json:"handshake_timeout"` // seconds
	WriteTimeout     int    `yaml:"write_timeout" json:"write_timeout"`         // seconds
	PingInterval     int    `yaml:"ping_interval" json:"ping_interval"`         // seconds
}

// SessionConfig contains the upstream session settings sent on session.created
type SessionConfig struct {
	Instructions       string  `yaml:"instructions" json:"instructions"`
	Voice              string  `yaml:"voice" json:"voice"`
	TranscriptionModel string  `yaml:"transcription_model" json:"transcription_model"`
	Language           string  `yaml:"language" json:"language"`
	VADThreshold       float64 `yaml:"vad_threshold" json:"vad_threshold"`
	PrefixPaddingMs    int     `yaml:"prefix_padding_ms" json:"prefix_padding_ms"`
	SilenceDurationMs  int     `yaml:"silence_duration_ms" json:"silence_duration_ms"`
	CreateResponse     bool    `yaml:"create_response" json:"create_response"`
	InterruptResponse  bool    `yaml:"interrupt_response" json:"interrupt_response"`
	IdleTimeout        int     `yaml:"idle_timeout" json:"idle_timeout"` // seconds, 0 disables
	ForwardClientAudio bool    `yaml:"forward_client_audio" json:"forward_client_audio"`
}

// ClientConfig contains per-client socket configuration
type ClientConfig struct {
	SendQueueSize     int     `yaml:"send_queue_size" json:"send_queue_size"`
	HandoffTimeoutMs  int     `yaml:"handoff_timeout_ms" json:"handoff_timeout_ms"`
	WriteTimeout      int     `yaml:"write_timeout" json:"write_timeout"` // seconds
	PingInterval      int     `yaml:"ping_interval" json:"ping_interval"` // seconds
	MaxMessageBytes   int64   `yaml:"max_message_bytes" json:"max_message_bytes"`
	EchoPrefixLen     int     `yaml:"echo_prefix_len" json:"echo_prefix_len"`
	MessagesPerSecond float64 `yaml:"messages_per_second" json:"messages_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// ResponderConfig selects how transcripts are answered
type ResponderConfig struct {
	Mode          string `yaml:"mode" json:"mode"` // "template" or "http"
	Instructions  string `yaml:"instructions" json:"instructions"`
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	APIKey        string `yaml:"api_key" json:"api_key"`
	Timeout       int    `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the configuration used for any field a file leaves out
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            8000,
			Address:         "0.0.0.0",
			WSPath:          "/ws",
			ReadTimeout:     15,
			ShutdownTimeout: 10,
			AllowedOrigins:  []string{"*"},
		},
		Upstream: UpstreamConfig{
			URL:              "wss://api.openai.com/v1/realtime",
			Model:            "gpt-4o-realtime-preview-2024-12-17",
			BetaHeader:       "realtime=v1",
			HandshakeTimeout: 10,
			WriteTimeout:     5,
			PingInterval:     20,
		},
		Session: SessionConfig{
			Instructions:       "You are the front desk receptionist of a hospital. Be brief and polite.",
			Voice:              "ballad",
			TranscriptionModel: "whisper-1",
			Language:           "en",
			VADThreshold:       0.5,
			PrefixPaddingMs:    300,
			SilenceDurationMs:  500,
		},
		Client: ClientConfig{
			SendQueueSize:     64,
			HandoffTimeoutMs:  2000,
			WriteTimeout:      10,
			PingInterval:      30,
			MaxMessageBytes:   4 << 20,
			EchoPrefixLen:     50,
			MessagesPerSecond: 100,
			Burst:             200,
		},
		Responder: ResponderConfig{
			Mode:          "template",
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadEnv loads variables from .env style files. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads and parses the configuration file on top of Default, then
// applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

// Parse decodes YAML on top of Default, applies the environment and validates
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv fills credentials and the upstream URL from the environment.
// An API key already set in the file wins.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Upstream.APIKey == "" {
		c.Upstream.APIKey = strings.TrimSpace(getenv(EnvUpstreamAPIKey))
	}
	if url := strings.TrimSpace(getenv(EnvUpstreamURL)); url != "" {
		c.Upstream.URL = url
	}
	if c.Responder.APIKey == "" {
		c.Responder.APIKey = strings.TrimSpace(getenv(EnvResponderAPIKey))
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if err := c.Responder.Validate(); err != nil {
		return fmt.Errorf("responder config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	// The responder runs on the upstream read goroutine, so a call must end
	// before the upstream pong deadline (twice the ping interval) lapses.
	if c.Responder.Timeout >= 2*c.Upstream.PingInterval {
		return fmt.Errorf("responder timeout (%ds) must be less than twice the upstream ping_interval (%ds)",
			c.Responder.Timeout, c.Upstream.PingInterval)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !strings.HasPrefix(h.WSPath, "/") {
		return fmt.Errorf("ws_path must start with '/', got '%s'", h.WSPath)
	}

	if h.ReadTimeout < 0 || h.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

// Validate validates upstream configuration. A missing API key is not an
// error here; sessions fail individually when they try to connect.
func (u *UpstreamConfig) Validate() error {
	if u.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if !strings.HasPrefix(u.URL, "ws://") && !strings.HasPrefix(u.URL, "wss://") {
		return fmt.Errorf("url must use ws:// or wss://, got '%s'", u.URL)
	}

	if u.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", u.HandshakeTimeout)
	}

	if u.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", u.WriteTimeout)
	}

	if u.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", u.PingInterval)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", s.VADThreshold)
	}

	if s.PrefixPaddingMs < 0 {
		return fmt.Errorf("prefix_padding_ms cannot be negative, got %d", s.PrefixPaddingMs)
	}

	if s.SilenceDurationMs < 0 {
		return fmt.Errorf("silence_duration_ms cannot be negative, got %d", s.SilenceDurationMs)
	}

	if s.TranscriptionModel == "" {
		return fmt.Errorf("transcription_model cannot be empty")
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	return nil
}

// Validate validates client socket configuration
func (c *ClientConfig) Validate() error {
	if c.SendQueueSize < 1 {
		return fmt.Errorf("send_queue_size must be at least 1, got %d", c.SendQueueSize)
	}

	if c.HandoffTimeoutMs < 1 {
		return fmt.Errorf("handoff_timeout_ms must be at least 1, got %d", c.HandoffTimeoutMs)
	}

	if c.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", c.WriteTimeout)
	}

	if c.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", c.PingInterval)
	}

	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", c.MaxMessageBytes)
	}

	if c.EchoPrefixLen < 1 {
		return fmt.Errorf("echo_prefix_len must be at least 1, got %d", c.EchoPrefixLen)
	}

	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("messages_per_second cannot be negative, got %f", c.MessagesPerSecond)
	}

	if c.MessagesPerSecond > 0 && c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when rate limiting, got %d", c.Burst)
	}

	return nil
}

// Validate validates responder configuration
func (r *ResponderConfig) Validate() error {
	switch r.Mode {
	case "template":
	case "http":
		if r.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty in http mode")
		}
	default:
		return fmt.Errorf("mode must be 'template' or 'http', got '%s'", r.Mode)
	}

	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", r.MaxRetries)
	}

	if r.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", r.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// SessionParams builds the session.update payload sent to the realtime API
func (s *SessionConfig) SessionParams() protocol.SessionParams {
	return protocol.SessionParams{
		Instructions: s.Instructions,
		Voice:        s.Voice,
		InputAudioTranscription: &protocol.TranscriptionParams{
			Model:    s.TranscriptionModel,
			Language: s.Language,
		},
		TurnDetection: &protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         s.VADThreshold,
			PrefixPaddingMs:   s.PrefixPaddingMs,
			SilenceDurationMs: s.SilenceDurationMs,
			CreateResponse:    s.CreateResponse,
			InterruptResponse: s.InterruptResponse,
		},
	}
}

// Sanitized returns a copy with secrets masked, suitable for the /config endpoint
func (c *Config) Sanitized() Config {
	out := *c
	out.Upstream.APIKey = mask(c.Upstream.APIKey)
	out.Responder.APIKey = mask(c.Responder.APIKey)
	out.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}

// GetReadTimeout returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeout() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetShutdownTimeout returns the graceful shutdown timeout as a time.Duration
func (h *HTTPConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(h.ShutdownTimeout) * time.Second
}

// GetHandshakeTimeout returns the upstream dial timeout as a time.Duration
func (u *UpstreamConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(u.HandshakeTimeout) * time.Second
}

// GetWriteTimeout returns the upstream write timeout as a time.Duration
func (u *UpstreamConfig) GetWriteTimeout() time.Duration {
	return time.Duration(u.WriteTimeout) * time.Second
}

// GetPingInterval returns the upstream keepalive interval as a time.Duration
func (u *UpstreamConfig) GetPingInterval() time.Duration {
	return time.Duration(u.PingInterval) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetHandoffTimeout returns the client handoff wait as a time.Duration
func (c *ClientConfig) GetHandoffTimeout() time.Duration {
	return time.Duration(c.HandoffTimeoutMs) * time.Millisecond
}

// GetWriteTimeout returns the client write timeout as a time.Duration
func (c *ClientConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// GetPingInterval returns the client keepalive interval as a time.Duration
func (c *ClientConfig) GetPingInterval() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// GetTimeoutDuration returns the responder timeout as a time.Duration
func (r *ResponderConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}
