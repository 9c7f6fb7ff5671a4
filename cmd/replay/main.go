// Command replay streams a PCM16 WAV file to the realtime API as caller
// audio and logs the transcripts and responses it gets back.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/audio"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/config"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/upstream"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/vad"
)

// Realtime API input rate for pcm16
const upstreamSampleRate = 24000

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file with credentials")
	file := flag.String("file", "", "PCM16 mono WAV file to stream (required)")
	chunkMs := flag.Int("chunk-ms", 100, "Audio per input_audio_buffer.append in milliseconds")
	realtime := flag.Bool("realtime", true, "Pace sends at playback speed")
	wait := flag.Duration("wait", 15*time.Second, "How long to wait for results after the last chunk")
	trim := flag.Bool("trim-silence", true, "Drop leading and trailing silence before streaming")
	silence := flag.Float64("silence-threshold", 0.02, "Normalized RMS energy below which a window counts as silence")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := config.LoadEnv(*envFile); err != nil {
		logger.Error("Failed to load environment", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		logger.Error("Failed to read audio file", slog.String("error", err.Error()))
		os.Exit(1)
	}
	samples, info, err := audio.DecodeWAV(data)
	if err != nil {
		logger.Error("Failed to decode WAV", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if info.SampleRate != upstreamSampleRate {
		logger.Warn("Sample rate differs from what the realtime API expects; audio will sound off",
			slog.Int("file_rate", int(info.SampleRate)),
			slog.Int("expected_rate", upstreamSampleRate),
		)
	}

	if *trim {
		samples, err = trimSilence(logger, samples, int(info.SampleRate), *silence, cfg.Session.PrefixPaddingMs)
		if err != nil {
			logger.Error("Failed to trim silence", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	logger.Info("Replaying audio",
		slog.String("file", *file),
		slog.Float64("duration_seconds", info.Duration),
		slog.Int("samples", len(samples)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newPrinter(logger)
	conn, err := upstream.Dial(ctx, upstream.Options{
		URL:          cfg.Upstream.URL,
		Model:        cfg.Upstream.Model,
		APIKey:       cfg.Upstream.APIKey,
		BetaHeader:   cfg.Upstream.BetaHeader,
		DialTimeout:  cfg.Upstream.GetHandshakeTimeout(),
		WriteTimeout: cfg.Upstream.GetWriteTimeout(),
		PingInterval: cfg.Upstream.GetPingInterval(),
		Logger:       logger,
	}, h)
	if err != nil {
		logger.Error("Failed to connect to upstream", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	if err := conn.Send(ctx, protocol.NewSessionUpdate(cfg.Session.SessionParams())); err != nil {
		logger.Error("Failed to configure session", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := stream(ctx, conn, samples, int(info.SampleRate), *chunkMs, *realtime); err != nil {
		logger.Error("Streaming stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := conn.Send(ctx, protocol.NewInputAudioCommit()); err != nil {
		logger.Warn("Failed to commit audio", slog.String("error", err.Error()))
	}
	logger.Info("Audio sent, waiting for results", slog.Duration("wait", *wait))

	select {
	case <-ctx.Done():
	case <-conn.Done():
		logger.Warn("Upstream closed the connection")
	case <-time.After(*wait):
	}

	stats := conn.GetStats()
	logger.Info("Replay finished",
		slog.Int("transcripts", h.count()),
		slog.Uint64("events_received", stats.EventsReceived),
		slog.Uint64("events_sent", stats.EventsSent),
	)
}

// trimSilence keeps the voiced part of samples plus paddingMs on each side
func trimSilence(logger *slog.Logger, samples []int16, sampleRate int, threshold float64, paddingMs int) ([]int16, error) {
	detector, err := vad.NewDetector(threshold, vad.WindowFor(sampleRate, 20))
	if err != nil {
		return nil, err
	}

	span, stats, ok := detector.SpeechSpan(samples, vad.WindowFor(sampleRate, paddingMs))
	if !ok {
		logger.Warn("No speech detected; streaming the whole file",
			slog.Int("windows", stats.Windows),
		)
		return samples, nil
	}

	logger.Info("Trimmed silence",
		slog.Int("kept_samples", span.Len()),
		slog.Int("dropped_samples", len(samples)-span.Len()),
		slog.Float64("voice_percentage", stats.VoicePercentage),
	)
	return samples[span.Start:span.End], nil
}

// stream sends samples as base64 pcm16 fragments of chunkMs each
func stream(ctx context.Context, conn *upstream.Connection, samples []int16, sampleRate, chunkMs int, realtime bool) error {
	if chunkMs <= 0 {
		chunkMs = 100
	}
	per := sampleRate * chunkMs / 1000
	if per <= 0 {
		per = len(samples)
	}
	interval := time.Duration(chunkMs) * time.Millisecond

	for start := 0; start < len(samples); start += per {
		end := min(start+per, len(samples))
		fragment := base64.StdEncoding.EncodeToString(audio.PCM16Bytes(samples[start:end]))

		if err := conn.Send(ctx, protocol.NewInputAudioAppend(fragment)); err != nil {
			return fmt.Errorf("append chunk at sample %d: %w", start, err)
		}

		if realtime {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return nil
}

// printer logs the interesting upstream events
type printer struct {
	logger *slog.Logger

	mu          sync.Mutex
	transcripts int
}

func newPrinter(logger *slog.Logger) *printer {
	return &printer{logger: logger}
}

func (p *printer) HandleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventSpeechStarted:
		p.logger.Info("Speech started")
	case protocol.EventSpeechStopped:
		p.logger.Info("Speech stopped")
	case protocol.EventTranscriptionCompleted:
		tr, err := ev.Transcription()
		if err != nil {
			p.logger.Warn("Malformed transcription", slog.String("error", err.Error()))
			return
		}
		p.mu.Lock()
		p.transcripts++
		p.mu.Unlock()
		p.logger.Info("Transcript",
			slog.String("item_id", tr.ItemID),
			slog.String("text", tr.Transcript),
		)
	case protocol.EventResponseDone:
		summary := ev.ResponseDone()
		p.logger.Info("Response done",
			slog.String("response_id", summary.ResponseID),
			slog.String("status", summary.Status),
			slog.String("text", summary.Text),
		)
	case protocol.EventError:
		apiErr := ev.APIError()
		p.logger.Error("Upstream error",
			slog.String("type", apiErr.Type),
			slog.String("message", apiErr.Message),
		)
	default:
		p.logger.Debug("Event", slog.String("type", ev.Type))
	}
}

func (p *printer) HandleClose(err error) {
	if err != nil {
		p.logger.Warn("Upstream connection ended", slog.String("error", err.Error()))
	}
}

func (p *printer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcripts
}
