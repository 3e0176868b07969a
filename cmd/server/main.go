package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/whispergate/whispergate/internal/config"
	"github.com/whispergate/whispergate/internal/metrics"
	"github.com/whispergate/whispergate/internal/pool"
	"github.com/whispergate/whispergate/internal/server"
	"github.com/whispergate/whispergate/internal/session"
	"github.com/whispergate/whispergate/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "whispergate"
	serviceVersion    = "1.0.0"

	poolGaugeInterval = 10 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load .env if present; real environment wins over file values
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env file: %v\n", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.Int("port", cfg.Server.Port),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("default_sample_rate", cfg.Audio.DefaultSampleRate),
		slog.Int("window_ms", cfg.Audio.WindowMillis),
		slog.Float64("vad_threshold", float64(cfg.VAD.Threshold)),
		slog.Float64("max_segment_duration", cfg.VAD.MaxSegmentDuration),
		slog.Int("in_flight_cap", cfg.Session.InFlightCap),
		slog.Int("pool_workers", cfg.Pool.Workers),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()

	// Initialize the transcription backend client
	client, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
		Metrics:       appMetrics,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Transcription client initialized",
		slog.String("endpoint", cfg.Transcription.Endpoint),
		slog.Int("max_concurrent", cfg.Transcription.MaxConcurrent),
	)

	// Initialize the shared worker pool
	workerPool, err := pool.New(pool.Config{
		Workers:        cfg.Pool.Workers,
		QueueSize:      cfg.Pool.QueueSize,
		SubmitTimeout:  cfg.Pool.GetSubmitTimeout(),
		RequestTimeout: cfg.Transcription.GetTimeoutDuration(),
		Metrics:        appMetrics,
	}, client, logger)
	if err != nil {
		logger.Error("Failed to create worker pool", slog.String("error", err.Error()))
		os.Exit(1)
	}
	workerPool.Start()
	logger.Info("Worker pool started",
		slog.Int("workers", cfg.Pool.Workers),
		slog.Int("queue_size", cfg.Pool.QueueSize),
	)

	// Initialize the session registry
	registry := session.NewRegistry(cfg.Server.MaxSessions, cfg.Session.GetIdleTimeout(), logger)

	// Initialize the HTTP server (streaming, batch and monitoring endpoints)
	httpServer := server.New(cfg, logger, registry, workerPool, client, appMetrics)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Keep the pool and session gauges current
	go updateGauges(ctx, appMetrics, workerPool, registry)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop the HTTP server first (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Abort remaining sessions, then drain the pool workers
	registry.Stop()
	workerPool.Stop()

	poolStats := workerPool.GetStats()
	registryStats := registry.GetStats()
	logger.Info("Final service statistics",
		slog.Uint64("sessions_created", registryStats.Created),
		slog.Uint64("segments_submitted", poolStats.Submitted),
		slog.Uint64("segments_completed", poolStats.Completed),
		slog.Uint64("segments_failed", poolStats.Failed),
	)

	logger.Info("Service stopped")
}

// updateGauges refreshes the gauge metrics that track pool and registry state
func updateGauges(ctx context.Context, m *metrics.Metrics, p *pool.Pool, r *session.Registry) {
	ticker := time.NewTicker(poolGaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := p.GetStats()
			m.SetPoolGauges(stats.QueueDepth, stats.Saturation)
			m.SetActiveSessions(r.Count())
		case <-ctx.Done():
			return
		}
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
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
