package vad

import (
	"fmt"
	"math"
)

// Detector classifies fixed-size sample windows as speech or silence using
// smoothed RMS energy. It is the default boundary detector; a model-backed
// implementation can replace it behind the same Process signature since the
// segmenter only consumes Result values.
//
// A Detector is owned by one session's driving goroutine and keeps no locks.
type Detector struct {
	threshold  float32
	windowSize int // samples per window
	sampleRate int

	// Smoothed probability state
	lastResult float32
	smoothing  float32

	// Statistics
	totalWindows uint64
	voiceWindows uint64
}

// Result represents the classification of one audio window
type Result struct {
	Probability float32 // voice probability (0.0 - 1.0)
	HasVoice    bool
	Confidence  float32 // distance from the threshold, scaled to 0-1
}

// DetectorStats represents detector statistics for monitoring
type DetectorStats struct {
	TotalWindows    uint64  `json:"total_windows"`
	VoiceWindows    uint64  `json:"voice_windows"`
	VoicePercentage float64 `json:"voice_percentage"`
	Threshold       float32 `json:"threshold"`
}

// Full-scale normalization reference for 16-bit PCM energy. Speech at normal
// recording levels lands well above threshold*peakEnergy with the default
// threshold of 0.5.
const peakEnergy = 10000.0

// NewDetector creates an energy detector for the given window geometry
func NewDetector(threshold float32, windowSize, sampleRate int) (*Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Detector{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
		smoothing:  0.3, // light smoothing against single-window flicker
	}, nil
}

// Process classifies one window of exactly windowSize samples
func (d *Detector) Process(samples []int16) (Result, error) {
	if len(samples) != d.windowSize {
		return Result{}, fmt.Errorf("expected %d samples, got %d", d.windowSize, len(samples))
	}

	probability := d.windowProbability(samples)

	if d.totalWindows > 0 {
		probability = d.smoothing*probability + (1-d.smoothing)*d.lastResult
	}
	d.lastResult = probability

	hasVoice := probability >= d.threshold

	d.totalWindows++
	if hasVoice {
		d.voiceWindows++
	}

	confidence := float32(math.Abs(float64(probability - d.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return Result{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence * 2,
	}, nil
}

// windowProbability maps RMS energy of the window onto [0, 1]
func (d *Detector) windowProbability(samples []int16) float32 {
	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	probability := energy / peakEnergy
	if probability > 1.0 {
		probability = 1.0
	}

	return float32(probability)
}

// Reset clears the smoothing state and statistics
func (d *Detector) Reset() {
	d.lastResult = 0
	d.totalWindows = 0
	d.voiceWindows = 0
}

// GetThreshold returns the voice detection threshold
func (d *Detector) GetThreshold() float32 {
	return d.threshold
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	voicePercentage := float64(0)
	if d.totalWindows > 0 {
		voicePercentage = float64(d.voiceWindows) / float64(d.totalWindows) * 100
	}

	return DetectorStats{
		TotalWindows:    d.totalWindows,
		VoiceWindows:    d.voiceWindows,
		VoicePercentage: voicePercentage,
		Threshold:       d.threshold,
	}
}
