package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whispergate/whispergate/internal/audio"
	"github.com/whispergate/whispergate/internal/metrics"
	"github.com/whispergate/whispergate/internal/pool"
	"github.com/whispergate/whispergate/internal/protocol"
	"github.com/whispergate/whispergate/internal/vad"
)

// State represents a session's lifecycle position
type State int32

const (
	StateAwaitingConfig State = iota
	StateStreaming
	StateDraining
	StateClosed
)

// String returns the lifecycle state name
func (s State) String() string {
	switch s {
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Transport is the outbound half of the bidirectional channel. SendEvent
// must serialize concurrent writers; Close is idempotent. The reason is
// empty for a normal drain-complete closure.
type Transport interface {
	SendEvent(ctx context.Context, ev protocol.Event) error
	Close(reason string) error
}

// Config contains the per-session tunables, resolved from the service
// configuration at connect time
type Config struct {
	DefaultSampleRate  int
	SampleRates        []int
	WindowMillis       int
	VADThreshold       float32
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	MaxSegmentDuration time.Duration
	InFlightCap        int
	ConfigTimeout      time.Duration
	DefaultBeamSize    int
}

// params holds the negotiated transcription parameters. Changes from a
// mid-stream config apply only to segments submitted after the message.
type params struct {
	language   string // empty requests auto-detection
	task       string
	sampleRate int
	beamSize   int
}

// Session owns one client connection's lifecycle: it validates configuration,
// routes binary audio through the chunker and segmenter, submits segments to
// the shared pool, and re-imposes sequence order on the pool's unordered
// completion stream before events leave through the transport.
//
// HandleControl and HandleAudio must be called from the single goroutine
// driving the session (the transport read loop); an internal collector
// goroutine performs the ordered emission.
type Session struct {
	id        string
	config    Config
	pool      *pool.Pool
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onClose   func(id string)

	// Pipeline components, created when the first valid config arrives
	chunker   *audio.Chunker
	segmenter *vad.Segmenter

	// In-flight accounting: one slot per submitted segment, released when
	// the slot's result has been emitted. Acquiring a slot blocks the
	// ingestion path, which is the backpressure mechanism.
	inflight chan struct{}
	results  chan pool.Result

	// Reorder buffer, owned by the collector goroutine under mu
	reorder  map[uint64]pool.Result
	nextEmit uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	configTimer *time.Timer

	mu                  sync.RWMutex
	state               State
	negotiated          params
	startTime           time.Time
	lastActivity        time.Time
	submitted           uint64
	emitted             uint64
	malformedFrames     uint64
	notConfiguredWarned bool
}

// Options bundles the dependencies for a new session
type Options struct {
	ID        string
	Config    Config
	Pool      *pool.Pool
	Transport Transport
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	OnClose   func(id string)
}

// New creates a session in AwaitingConfig and arms the config grace timer.
// The caller owns feeding it frames; the session owns everything after that.
func New(opts Options) (*Session, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if opts.Config.InFlightCap < 1 {
		return nil, fmt.Errorf("in-flight cap must be at least 1, got %d", opts.Config.InFlightCap)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	s := &Session{
		id:        opts.ID,
		config:    opts.Config,
		pool:      opts.Pool,
		transport: opts.Transport,
		logger:    logger.With(slog.String("session_id", opts.ID)),
		metrics:   opts.Metrics,
		onClose:   opts.OnClose,
		inflight:  make(chan struct{}, opts.Config.InFlightCap),
		// One pending result per in-flight slot, so delivery never blocks
		results:      make(chan pool.Result, opts.Config.InFlightCap),
		reorder:      make(map[uint64]pool.Result),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateAwaitingConfig,
		startTime:    now,
		lastActivity: now,
	}

	if opts.Config.ConfigTimeout > 0 {
		s.configTimer = time.AfterFunc(opts.Config.ConfigTimeout, s.configTimeoutExpired)
	}

	if s.metrics != nil {
		s.metrics.RecordSessionCreated()
	}

	go s.collectLoop()

	return s, nil
}

// ID returns the connection id
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed once the session reaches Closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastActivity returns the time of the last inbound frame
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// HandleControl processes one inbound JSON text frame
func (s *Session) HandleControl(data []byte) {
	s.touch()

	msg, err := protocol.ParseControlMessage(data)
	if err != nil {
		s.logger.Warn("Rejected control frame", slog.String("error", err.Error()))
		s.sendEvent(protocol.ErrorEvent(s.protocolErrSeq(), err.Error()))
		return
	}

	switch msg.Type {
	case protocol.MessageTypeConfig:
		s.handleConfig(msg.Config)
	case protocol.MessageTypeEnd:
		s.handleEnd()
	}
}

// HandleAudio processes one inbound binary audio frame. Acquiring an
// in-flight slot for a completed segment can block, which stalls the
// transport read loop: that is the capacity invariant's backpressure.
func (s *Session) HandleAudio(data []byte) {
	s.touch()

	s.mu.Lock()
	state := s.state
	warned := s.notConfiguredWarned
	if state == StateAwaitingConfig {
		s.notConfiguredWarned = true
	}
	s.mu.Unlock()

	switch state {
	case StateAwaitingConfig:
		// Reject rather than buffer: the sample rate of pre-config bytes
		// would be ambiguous. Reported once to avoid flooding the client.
		if !warned {
			s.sendEvent(protocol.ErrorEvent(0, "not configured: send a config message before audio"))
		}
		return

	case StateDraining, StateClosed:
		s.logger.Debug("Dropping audio received after end of stream", slog.Int("bytes", len(data)))
		return
	}

	windows, err := s.chunker.Push(data)
	if err != nil {
		if errors.Is(err, audio.ErrMalformedAudio) {
			s.mu.Lock()
			s.malformedFrames++
			s.mu.Unlock()

			if s.metrics != nil {
				s.metrics.RecordMalformedFrame()
			}

			s.logger.Warn("Malformed audio frame", slog.String("error", err.Error()))
			s.sendEvent(protocol.ErrorEvent(s.protocolErrSeq(), err.Error()))
			return
		}

		s.logger.Error("Chunker failure", slog.String("error", err.Error()))
		s.sendEvent(protocol.ErrorEvent(s.protocolErrSeq(), "internal audio processing failure"))
		return
	}

	for _, window := range windows {
		seg, err := s.segmenter.Push(window)
		if err != nil {
			s.logger.Error("Segmenter failure", slog.String("error", err.Error()))
			s.sendEvent(protocol.ErrorEvent(s.protocolErrSeq(), "internal audio processing failure"))
			return
		}

		if seg != nil {
			s.submitSegment(seg)
		}
	}
}

// Abort force-closes the session on a transport fault or an administrative
// stop. Pending and in-flight results are discarded; workers holding this
// session's segments complete them and drop the results.
func (s *Session) Abort(reason string) {
	s.finish(reason)
}

// handleConfig applies or merges a config message
func (s *Session) handleConfig(cfg *protocol.ConfigPayload) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateAwaitingConfig:
		s.applyInitialConfig(cfg)
	case StateStreaming:
		s.mergeConfig(cfg)
	default:
		// Out-of-order control messages are rejected without closing
		s.sendEvent(protocol.ErrorEvent(s.protocolErrSeq(), "config rejected: session is draining"))
	}
}

// applyInitialConfig negotiates parameters and builds the audio pipeline.
// An invalid config leaves the session in AwaitingConfig with the grace
// timer still running.
func (s *Session) applyInitialConfig(cfg *protocol.ConfigPayload) {
	p := s.resolveParams(params{
		task:       protocol.TaskTranscribe,
		sampleRate: s.config.DefaultSampleRate,
		beamSize:   s.config.DefaultBeamSize,
	}, cfg)

	if !s.supportsRate(p.sampleRate) {
		s.sendEvent(protocol.ErrorEvent(0, fmt.Sprintf("unsupported sample_rate %d", p.sampleRate)))
		return
	}

	windowSize := p.sampleRate * s.config.WindowMillis / 1000

	chunker, err := audio.NewChunker(windowSize)
	if err != nil {
		s.sendEvent(protocol.ErrorEvent(0, "internal configuration failure"))
		s.logger.Error("Failed to create chunker", slog.String("error", err.Error()))
		return
	}

	detector, err := vad.NewDetector(s.config.VADThreshold, windowSize, p.sampleRate)
	if err != nil {
		s.sendEvent(protocol.ErrorEvent(0, "internal configuration failure"))
		s.logger.Error("Failed to create detector", slog.String("error", err.Error()))
		return
	}

	segmenter, err := vad.NewSegmenter(vad.SegmenterConfig{
		SampleRate:         p.sampleRate,
		WindowSize:         windowSize,
		MinSpeechDuration:  s.config.MinSpeechDuration,
		MinSilenceDuration: s.config.MinSilenceDuration,
		MaxSegmentDuration: s.config.MaxSegmentDuration,
	}, detector)
	if err != nil {
		s.sendEvent(protocol.ErrorEvent(0, "internal configuration failure"))
		s.logger.Error("Failed to create segmenter", slog.String("error", err.Error()))
		return
	}

	if s.configTimer != nil {
		s.configTimer.Stop()
	}

	s.chunker = chunker
	s.segmenter = segmenter

	s.mu.Lock()
	s.negotiated = p
	s.state = StateStreaming
	s.mu.Unlock()

	s.logger.Info("Session configured",
		slog.String("language", displayLanguage(p.language)),
		slog.String("task", p.task),
		slog.Int("sample_rate", p.sampleRate),
		slog.Int("beam_size", p.beamSize),
	)

	s.sendEvent(protocol.ReadyEvent())
}

// mergeConfig applies a mid-stream config prospectively. The sample rate is
// fixed for the session's lifetime: changing it would re-interpret bytes
// already buffered in the chunker.
func (s *Session) mergeConfig(cfg *protocol.ConfigPayload) {
	s.mu.Lock()
	current := s.negotiated
	s.mu.Unlock()

	if cfg.SampleRate != 0 && cfg.SampleRate != current.sampleRate {
		s.sendEvent(protocol.ErrorEvent(s.protocolErrSeq(), "sample_rate cannot change mid-stream"))
		return
	}

	p := s.resolveParams(current, cfg)

	s.mu.Lock()
	s.negotiated = p
	s.mu.Unlock()

	s.logger.Info("Session config merged",
		slog.String("language", displayLanguage(p.language)),
		slog.String("task", p.task),
		slog.Int("beam_size", p.beamSize),
	)
}

// resolveParams overlays the fields a config message carries onto base
func (s *Session) resolveParams(base params, cfg *protocol.ConfigPayload) params {
	p := base

	if cfg.Language != nil {
		p.language = *cfg.Language
	} else if cfg.DetectLanguage {
		p.language = ""
	}

	if cfg.Task != "" {
		p.task = cfg.Task
	}

	if cfg.SampleRate != 0 {
		p.sampleRate = cfg.SampleRate
	}

	if cfg.BeamSize != 0 {
		p.beamSize = cfg.BeamSize
	}

	return p
}

// handleEnd starts the drain. Idempotent: a second End finds the session
// already draining or closed and does nothing.
func (s *Session) handleEnd() {
	s.mu.Lock()
	switch s.state {
	case StateAwaitingConfig:
		// Nothing was ever streamed; close out cleanly
		s.state = StateDraining
		s.mu.Unlock()
		s.finish("")
		return
	case StateDraining, StateClosed:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Flush the open segment, including trailing audio below one window
	tail := s.chunker.Flush()
	if seg := s.segmenter.Flush(tail); seg != nil {
		s.submitSegment(seg)
	}

	s.mu.Lock()
	s.state = StateDraining
	drained := s.submitted == s.emitted
	s.mu.Unlock()

	s.logger.Info("Session draining")

	if drained {
		s.finish("")
	}
}

// submitSegment hands one segment to the pool, blocking on the session's
// in-flight cap. A submission failure synthesizes an error-flagged result so
// the segment's sequence slot is still accounted for.
func (s *Session) submitSegment(seg *vad.Segment) {
	select {
	case s.inflight <- struct{}{}:
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	s.submitted++
	p := s.negotiated
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSegment(seg.Duration().Seconds(), !seg.Final)
	}

	job := &pool.Job{
		Ctx:      s.ctx,
		Segment:  seg,
		Language: p.language,
		Task:     p.task,
		BeamSize: p.beamSize,
		Out:      s.results,
	}

	if err := s.pool.Submit(s.ctx, job); err != nil {
		s.logger.Warn("Segment submission failed",
			slog.Uint64("seq", seg.Seq),
			slog.String("error", err.Error()),
		)
		// Guaranteed space: one buffered slot exists per acquired
		// in-flight token.
		s.results <- pool.Result{
			Seq:   seg.Seq,
			Final: seg.Final,
			Err:   fmt.Errorf("transcription failed: %w", err),
		}
	}
}

// collectLoop converts the unordered completion stream into ordered emission
func (s *Session) collectLoop() {
	for {
		select {
		case res := <-s.results:
			s.handleResult(res)
		case <-s.ctx.Done():
			return
		}
	}
}

// handleResult buffers one completed result and releases every event that is
// now contiguous with the emission frontier
func (s *Session) handleResult(res pool.Result) {
	s.mu.Lock()
	s.reorder[res.Seq] = res

	var events []protocol.Event
	for {
		next, ok := s.reorder[s.nextEmit]
		if !ok {
			break
		}
		delete(s.reorder, s.nextEmit)
		events = append(events, resultEvent(next))
		s.nextEmit++
		s.emitted++
	}
	drained := s.state == StateDraining && s.submitted == s.emitted
	s.mu.Unlock()

	for _, ev := range events {
		if s.metrics != nil {
			s.metrics.RecordEvent(ev.Type)
		}
		if err := s.transport.SendEvent(s.ctx, ev); err != nil {
			s.logger.Warn("Transport write failed, aborting session",
				slog.String("error", err.Error()),
			)
			s.finish("transport fault")
			return
		}
		// The slot is only returned once its event is on the wire, so the
		// reorder buffer shares the in-flight bound.
		<-s.inflight
	}

	if drained {
		s.finish("")
	}
}

// resultEvent maps a pool result onto its wire event
func resultEvent(res pool.Result) protocol.Event {
	if res.Err != nil {
		return protocol.ErrorEvent(res.Seq, res.Err.Error())
	}
	if res.Final {
		return protocol.FinalEvent(res.Seq, res.Text, res.Language)
	}
	return protocol.InterimEvent(res.Seq, res.Text)
}

// configTimeoutExpired closes sessions that never sent a config
func (s *Session) configTimeoutExpired() {
	if s.State() != StateAwaitingConfig {
		return
	}

	s.logger.Warn("Session closed: no config within grace period",
		slog.Duration("timeout", s.config.ConfigTimeout),
	)
	s.sendEvent(protocol.ErrorEvent(0, "config timeout: no config message received"))
	s.finish("config timeout")
}

// closeReason labels an empty reason as a normal drain-complete closure
// for logging.
func closeReason(reason string) string {
	if reason == "" {
		return "drain complete"
	}
	return reason
}

// finish moves the session to Closed exactly once. An empty reason is a
// normal drain-complete closure.
func (s *Session) finish(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		pending := s.submitted - s.emitted
		s.mu.Unlock()

		if s.configTimer != nil {
			s.configTimer.Stop()
		}

		s.cancel()

		if err := s.transport.Close(reason); err != nil {
			s.logger.Debug("Transport close failed", slog.String("error", err.Error()))
		}

		if s.onClose != nil {
			s.onClose(s.id)
		}

		close(s.done)

		if s.metrics != nil {
			s.metrics.RecordSessionClosed(time.Since(s.startTime).Seconds())
		}

		s.logger.Info("Session closed",
			slog.String("reason", closeReason(reason)),
			slog.Duration("duration", time.Since(s.startTime)),
			slog.Uint64("events_emitted", s.emittedCount()),
			slog.Uint64("results_discarded", pending),
		)
	})
}

// sendEvent writes one event outside the sequence-ordered path (handshake
// and non-slot errors). Write failures here surface on the next ordered
// write, so they are only logged.
func (s *Session) sendEvent(ev protocol.Event) {
	if err := s.transport.SendEvent(s.ctx, ev); err != nil {
		s.logger.Debug("Event write failed",
			slog.String("event", ev.String()),
			slog.String("error", err.Error()),
		)
	}
}

// protocolErrSeq is the informational sequence number attached to error
// events that do not occupy a segment slot
func (s *Session) protocolErrSeq() uint64 {
	if s.segmenter == nil {
		return 0
	}
	return s.segmenter.NextSeq()
}

func (s *Session) supportsRate(rate int) bool {
	for _, r := range s.config.SampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) emittedCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emitted
}

func displayLanguage(language string) string {
	if language == "" {
		return "auto"
	}
	return language
}

// Info represents session information for monitoring and APIs
type Info struct {
	ID              string        `json:"id"`
	State           string        `json:"state"`
	Language        string        `json:"language"`
	Task            string        `json:"task"`
	SampleRate      int           `json:"sample_rate"`
	StartTime       time.Time     `json:"start_time"`
	LastActivity    time.Time     `json:"last_activity"`
	Duration        time.Duration `json:"duration"`
	Submitted       uint64        `json:"segments_submitted"`
	Emitted         uint64        `json:"events_emitted"`
	InFlight        int           `json:"segments_in_flight"`
	MalformedFrames uint64        `json:"malformed_frames"`
}

// GetInfo returns a monitoring snapshot of the session
func (s *Session) GetInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		ID:              s.id,
		State:           s.state.String(),
		Language:        displayLanguage(s.negotiated.language),
		Task:            s.negotiated.task,
		SampleRate:      s.negotiated.sampleRate,
		StartTime:       s.startTime,
		LastActivity:    s.lastActivity,
		Duration:        time.Since(s.startTime),
		Submitted:       s.submitted,
		Emitted:         s.emitted,
		InFlight:        len(s.inflight),
		MalformedFrames: s.malformedFrames,
	}
}
