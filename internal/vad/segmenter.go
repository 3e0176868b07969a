package vad

import (
	"fmt"
	"time"
)

// State represents the segmenter's position in the speech boundary machine
type State int

const (
	StateSilence State = iota
	StateSpeaking
)

// Segment is a contiguous span of audio between a detected speech onset and
// a close decision, tagged with a sequence number unique within its session.
// Final is false for segments force-cut by the duration cap: their content
// is provisional because speech continued past the cut.
type Segment struct {
	Seq        uint64
	Samples    []int16
	SampleRate int
	Start      time.Duration // stream offset of the first sample
	End        time.Duration // stream offset one past the last sample
	Final      bool
}

// Duration returns the segment length on the sample clock
func (s *Segment) Duration() time.Duration {
	return s.End - s.Start
}

// SegmenterConfig contains the boundary decision thresholds
type SegmenterConfig struct {
	SampleRate         int
	WindowSize         int           // samples per pushed window
	MinSpeechDuration  time.Duration // voiced time below which a closed segment is discarded
	MinSilenceDuration time.Duration // silence required to close a segment naturally
	MaxSegmentDuration time.Duration // hard cap; reaching it force-cuts an interim segment
}

// Segmenter consumes classified audio windows and produces delimited
// Segments: Silence → (onset) → Speaking → (silence ≥ min) → Silence emits a
// final segment; exceeding the hard duration cap while speaking emits an
// interim segment and keeps collecting without a state transition. Time is
// tracked on the sample clock, so the same input always yields the same
// boundaries regardless of arrival pacing.
//
// A Segmenter is owned by one session's driving goroutine.
type Segmenter struct {
	cfg       SegmenterConfig
	detector  *Detector
	state     State
	windowDur time.Duration
	clock     time.Duration // stream offset of the next window

	// Open segment accumulation
	samples    []int16
	segStart   time.Duration
	speechDur  time.Duration
	silenceRun time.Duration

	// Sequence numbers are assigned at emission so discarded candidates
	// never leave gaps
	nextSeq uint64

	// Statistics
	segmentsEmitted   uint64
	segmentsDiscarded uint64
	forceCuts         uint64
}

// SegmenterStats represents segmenter statistics for monitoring
type SegmenterStats struct {
	State             string        `json:"state"`
	StreamOffset      time.Duration `json:"stream_offset"`
	SegmentsEmitted   uint64        `json:"segments_emitted"`
	SegmentsDiscarded uint64        `json:"segments_discarded"`
	ForceCuts         uint64        `json:"force_cuts"`
}

// NewSegmenter creates a segmenter over the given detector
func NewSegmenter(cfg SegmenterConfig, detector *Detector) (*Segmenter, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}

	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", cfg.WindowSize)
	}

	if cfg.MinSilenceDuration <= 0 {
		return nil, fmt.Errorf("min silence duration must be positive, got %s", cfg.MinSilenceDuration)
	}

	if cfg.MaxSegmentDuration <= 0 {
		return nil, fmt.Errorf("max segment duration must be positive, got %s", cfg.MaxSegmentDuration)
	}

	return &Segmenter{
		cfg:       cfg,
		detector:  detector,
		state:     StateSilence,
		windowDur: time.Duration(cfg.WindowSize) * time.Second / time.Duration(cfg.SampleRate),
	}, nil
}

// Push processes one fixed-size window and returns a completed Segment when a
// boundary decision closes one, or nil otherwise. At most one segment can
// emerge per window.
func (s *Segmenter) Push(window []int16) (*Segment, error) {
	result, err := s.detector.Process(window)
	if err != nil {
		return nil, fmt.Errorf("vad processing failed: %w", err)
	}

	windowEnd := s.clock + s.windowDur
	var emitted *Segment

	switch s.state {
	case StateSilence:
		if result.HasVoice {
			s.state = StateSpeaking
			s.segStart = s.clock
			s.samples = append(s.samples[:0], window...)
			s.speechDur = s.windowDur
			s.silenceRun = 0
		}

	case StateSpeaking:
		s.samples = append(s.samples, window...)
		if result.HasVoice {
			s.speechDur += s.windowDur
			s.silenceRun = 0
		} else {
			s.silenceRun += s.windowDur
		}

		if s.silenceRun >= s.cfg.MinSilenceDuration {
			emitted = s.closeSegment(windowEnd, true)
		} else if windowEnd-s.segStart >= s.cfg.MaxSegmentDuration {
			emitted = s.forceCut(windowEnd)
		}
	}

	s.clock = windowEnd
	return emitted, nil
}

// closeSegment ends the open segment on a natural silence boundary. Segments
// with less voiced time than the minimum are discarded without consuming a
// sequence number.
func (s *Segmenter) closeSegment(end time.Duration, final bool) *Segment {
	defer s.reset()

	if s.speechDur < s.cfg.MinSpeechDuration {
		s.segmentsDiscarded++
		return nil
	}

	return s.emit(end, final)
}

// forceCut emits the open segment as interim and immediately starts a new
// one, preserving the silence run so a pause spanning the cut still closes
// the successor.
func (s *Segmenter) forceCut(end time.Duration) *Segment {
	seg := s.emit(end, false)
	s.forceCuts++

	s.samples = nil
	s.segStart = end
	s.speechDur = 0
	return seg
}

// emit packages the accumulated samples into a sequence-numbered segment
func (s *Segmenter) emit(end time.Duration, final bool) *Segment {
	samples := make([]int16, len(s.samples))
	copy(samples, s.samples)

	seg := &Segment{
		Seq:        s.nextSeq,
		Samples:    samples,
		SampleRate: s.cfg.SampleRate,
		Start:      s.segStart,
		End:        end,
		Final:      final,
	}
	s.nextSeq++
	s.segmentsEmitted++
	return seg
}

// Flush closes any open segment as final regardless of VAD state, appending
// the trailing partial window first. Called on an explicit end-of-stream.
// Returns nil when no segment is open.
func (s *Segmenter) Flush(tail []int16) *Segment {
	if s.state != StateSpeaking {
		return nil
	}

	if len(tail) > 0 {
		s.samples = append(s.samples, tail...)
		s.clock += time.Duration(len(tail)) * time.Second / time.Duration(s.cfg.SampleRate)
	}

	seg := s.emit(s.clock, true)
	s.reset()
	return seg
}

// reset returns the segmenter to silence with no open segment
func (s *Segmenter) reset() {
	s.state = StateSilence
	s.samples = nil
	s.segStart = 0
	s.speechDur = 0
	s.silenceRun = 0
}

// NextSeq returns the sequence number the next emitted segment will carry
func (s *Segmenter) NextSeq() uint64 {
	return s.nextSeq
}

// State returns the current boundary machine state
func (s *Segmenter) State() State {
	return s.state
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	stateStr := "silence"
	if s.state == StateSpeaking {
		stateStr = "speaking"
	}

	return SegmenterStats{
		State:             stateStr,
		StreamOffset:      s.clock,
		SegmentsEmitted:   s.segmentsEmitted,
		SegmentsDiscarded: s.segmentsDiscarded,
		ForceCuts:         s.forceCuts,
	}
}
