package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whispergate/whispergate/internal/config"
	"github.com/whispergate/whispergate/internal/metrics"
	"github.com/whispergate/whispergate/internal/pool"
	"github.com/whispergate/whispergate/internal/session"
	"github.com/whispergate/whispergate/internal/transcription"
)

// Server exposes the streaming endpoint together with the batch and
// monitoring APIs on one HTTP listener
type Server struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *session.Registry
	pool     *pool.Pool
	client   *transcription.Client
	metrics  *metrics.Metrics

	startTime time.Time
}

// New creates the HTTP server with all routes configured
func New(cfg *config.Config, logger *slog.Logger, registry *session.Registry,
	p *pool.Pool, client *transcription.Client, m *metrics.Metrics) *Server {

	s := &Server{
		logger:    logger,
		config:    cfg,
		registry:  registry,
		pool:      p,
		client:    client,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 0, // streaming connections stay open indefinitely
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures the endpoint routing
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Streaming endpoint (no metrics wrapper: the request lives as long as
	// the session, which has its own instrumentation)
	mux.HandleFunc("/ws", s.handleStream)

	// Batch transcription endpoint
	mux.HandleFunc("/transcribe", s.withMetrics("/transcribe", s.handleTranscribe))

	// Health check endpoint
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", s.withMetrics("/sessions", s.handleSessions))
	mux.HandleFunc("/sessions/", s.withMetrics("/sessions/{id}", s.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", s.withMetrics("/config", s.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", s.withMetrics("/stats", s.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", s.withMetrics("/", s.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, endpoint,
				fmt.Sprintf("%d", ww.statusCode), time.Since(startTime).Seconds())
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")

	return s.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint. The response is healthy as
// long as the process serves, with the pool saturation reported so load
// balancers can shed traffic before the queue fills.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	poolStats := s.pool.GetStats()
	registryStats := s.registry.GetStats()

	status := "healthy"
	if poolStats.Saturation >= 0.9 {
		status = "degraded"
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": map[string]interface{}{
			"name":    "whispergate",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"sessions": map[string]interface{}{
				"active":  registryStats.Active,
				"created": registryStats.Created,
				"limit":   s.config.Server.MaxSessions,
			},
			"pool": map[string]interface{}{
				"workers":        poolStats.Workers,
				"queue_depth":    poolStats.QueueDepth,
				"queue_capacity": poolStats.QueueCapacity,
				"saturation":     poolStats.Saturation,
			},
			"transcription": s.transcriptionHealth(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) transcriptionHealth() map[string]interface{} {
	if s.client == nil {
		return map[string]interface{}{"status": "not configured"}
	}

	stats := s.client.GetStats()
	return map[string]interface{}{
		"status":          "running",
		"total_requests":  stats.TotalRequests,
		"success_rate":    stats.SuccessRate,
		"active_requests": stats.ActiveRequests,
	}
}

// handleSessions implements the /sessions endpoint
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := s.registry.Infos()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, exists := s.registry.Get(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.GetInfo())
}

// handleConfig implements the /config endpoint
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Sanitized configuration: the API key is omitted
	sanitized := map[string]interface{}{
		"server": map[string]interface{}{
			"address":      s.config.Server.Address,
			"port":         s.config.Server.Port,
			"max_sessions": s.config.Server.MaxSessions,
			"read_limit":   s.config.Server.ReadLimit,
		},
		"audio": map[string]interface{}{
			"default_sample_rate": s.config.Audio.DefaultSampleRate,
			"sample_rates":        s.config.Audio.SampleRates,
			"window_ms":           s.config.Audio.WindowMillis,
		},
		"vad": map[string]interface{}{
			"threshold":            s.config.VAD.Threshold,
			"min_speech_duration":  s.config.VAD.MinSpeechDuration,
			"min_silence_duration": s.config.VAD.MinSilenceDuration,
			"max_segment_duration": s.config.VAD.MaxSegmentDuration,
		},
		"session": map[string]interface{}{
			"in_flight_cap":  s.config.Session.InFlightCap,
			"config_timeout": s.config.Session.ConfigTimeout,
			"idle_timeout":   s.config.Session.IdleTimeout,
		},
		"pool": map[string]interface{}{
			"workers":        s.config.Pool.Workers,
			"queue_size":     s.config.Pool.QueueSize,
			"submit_timeout": s.config.Pool.SubmitTimeout,
		},
		"transcription": map[string]interface{}{
			"endpoint":       s.config.Transcription.Endpoint,
			"timeout":        s.config.Transcription.Timeout,
			"max_retries":    s.config.Transcription.MaxRetries,
			"max_concurrent": s.config.Transcription.MaxConcurrent,
			"beam_size":      s.config.Transcription.BeamSize,
		},
		"logging": map[string]interface{}{
			"level":  s.config.Logging.Level,
			"format": s.config.Logging.Format,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitized)
}

// handleStats implements the /stats endpoint
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  s.registry.GetStats(),
		"pool":      s.pool.GetStats(),
	}

	if s.client != nil {
		stats["transcription"] = s.client.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "WhisperGate Transcription Gateway",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /ws":            "Streaming transcription (websocket)",
			"POST /transcribe":   "Batch transcription of a complete recording",
			"GET /health":        "Service health check",
			"GET /sessions":      "List all active sessions",
			"GET /sessions/{id}": "Get detailed session information",
			"GET /config":        "Get service configuration",
			"GET /stats":         "Get service statistics",
			"GET /metrics":       "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}

// sessionConfig resolves the per-session tunables from the service config
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		DefaultSampleRate:  cfg.Audio.DefaultSampleRate,
		SampleRates:        cfg.Audio.SampleRates,
		WindowMillis:       cfg.Audio.WindowMillis,
		VADThreshold:       cfg.VAD.Threshold,
		MinSpeechDuration:  cfg.VAD.GetMinSpeechDuration(),
		MinSilenceDuration: cfg.VAD.GetMinSilenceDuration(),
		MaxSegmentDuration: cfg.VAD.GetMaxSegmentDuration(),
		InFlightCap:        cfg.Session.InFlightCap,
		ConfigTimeout:      cfg.Session.GetConfigTimeout(),
		DefaultBeamSize:    cfg.Transcription.BeamSize,
	}
}
