package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Session       SessionConfig       `yaml:"session"`
	Pool          PoolConfig          `yaml:"pool"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	MaxSessions  int    `yaml:"max_sessions"`
	ReadLimit    int64  `yaml:"read_limit"`    // max websocket frame size in bytes
	WriteTimeout int    `yaml:"write_timeout"` // seconds, per outbound event
}

// AudioConfig contains audio format parameters
type AudioConfig struct {
	DefaultSampleRate int   `yaml:"default_sample_rate"` // Hz, used when config omits sample_rate
	SampleRates       []int `yaml:"sample_rates"`        // accepted rates for session negotiation
	WindowMillis      int   `yaml:"window_millis"`       // VAD analysis window duration
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	Threshold          float32 `yaml:"threshold"`
	MinSpeechDuration  float64 `yaml:"min_speech_duration"`  // seconds
	MinSilenceDuration float64 `yaml:"min_silence_duration"` // seconds
	MaxSegmentDuration float64 `yaml:"max_segment_duration"` // seconds, hard cap per segment
}

// SessionConfig contains per-session lifecycle configuration
type SessionConfig struct {
	InFlightCap   int `yaml:"in_flight_cap"`  // max segments queued or transcribing per session
	ConfigTimeout int `yaml:"config_timeout"` // seconds to wait for the first config message
	IdleTimeout   int `yaml:"idle_timeout"`   // seconds of inactivity before a session is reaped
}

// PoolConfig contains transcription worker pool configuration
type PoolConfig struct {
	Workers       int `yaml:"workers"`
	QueueSize     int `yaml:"queue_size"`
	SubmitTimeout int `yaml:"submit_timeout"` // seconds a blocked submission waits before failing
}

// TranscriptionConfig contains transcription backend configuration
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	BeamSize      int    `yaml:"beam_size"` // default decode beam size, overridable per session
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. The WHISPERGATE_API_KEY
// environment variable overrides transcription.api_key so the key can be
// kept out of the yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if key := os.Getenv("WHISPERGATE_API_KEY"); key != "" {
		config.Transcription.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.DefaultSampleRate <= 0 {
		return fmt.Errorf("default_sample_rate must be positive, got %d", a.DefaultSampleRate)
	}

	if len(a.SampleRates) == 0 {
		return fmt.Errorf("sample_rates cannot be empty")
	}

	found := false
	for _, rate := range a.SampleRates {
		if rate <= 0 {
			return fmt.Errorf("sample_rates entries must be positive, got %d", rate)
		}
		if rate == a.DefaultSampleRate {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("default_sample_rate %d must be listed in sample_rates", a.DefaultSampleRate)
	}

	if a.WindowMillis < 10 || a.WindowMillis > 100 {
		return fmt.Errorf("window_millis must be between 10 and 100, got %d", a.WindowMillis)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.MinSpeechDuration <= 0 {
		return fmt.Errorf("min_speech_duration must be positive, got %f", v.MinSpeechDuration)
	}

	if v.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", v.MinSilenceDuration)
	}

	if v.MaxSegmentDuration <= v.MinSpeechDuration {
		return fmt.Errorf("max_segment_duration (%f) must be greater than min_speech_duration (%f)",
			v.MaxSegmentDuration, v.MinSpeechDuration)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.InFlightCap < 1 {
		return fmt.Errorf("in_flight_cap must be at least 1, got %d", s.InFlightCap)
	}

	if s.ConfigTimeout < 1 {
		return fmt.Errorf("config_timeout must be at least 1 second, got %d", s.ConfigTimeout)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	return nil
}

// Validate validates pool configuration
func (p *PoolConfig) Validate() error {
	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", p.Workers)
	}

	if p.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", p.QueueSize)
	}

	if p.SubmitTimeout < 1 {
		return fmt.Errorf("submit_timeout must be at least 1 second, got %d", p.SubmitTimeout)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.BeamSize < 1 {
		return fmt.Errorf("beam_size must be at least 1, got %d", t.BeamSize)
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

	return nil
}

// SupportsSampleRate reports whether the given rate is accepted for session negotiation
func (a *AudioConfig) SupportsSampleRate(rate int) bool {
	for _, r := range a.SampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// WindowSamples returns the number of samples in one VAD window at the given rate
func (a *AudioConfig) WindowSamples(sampleRate int) int {
	return sampleRate * a.WindowMillis / 1000
}

// GetWindowDuration returns the VAD window duration as a time.Duration
func (a *AudioConfig) GetWindowDuration() time.Duration {
	return time.Duration(a.WindowMillis) * time.Millisecond
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(v.MinSpeechDuration * float64(time.Second))
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(v.MinSilenceDuration * float64(time.Second))
}

// GetMaxSegmentDuration returns the hard segment duration cap as a time.Duration
func (v *VADConfig) GetMaxSegmentDuration() time.Duration {
	return time.Duration(v.MaxSegmentDuration * float64(time.Second))
}

// GetConfigTimeout returns the config grace period as a time.Duration
func (s *SessionConfig) GetConfigTimeout() time.Duration {
	return time.Duration(s.ConfigTimeout) * time.Second
}

// GetIdleTimeout returns the idle reaping timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetSubmitTimeout returns the pool submission timeout as a time.Duration
func (p *PoolConfig) GetSubmitTimeout() time.Duration {
	return time.Duration(p.SubmitTimeout) * time.Second
}

// GetWriteTimeout returns the per-event write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetTimeoutDuration returns the transcription request timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
