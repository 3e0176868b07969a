package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whispergate/whispergate/internal/audio"
	"github.com/whispergate/whispergate/internal/pool"
	"github.com/whispergate/whispergate/internal/protocol"
	"github.com/whispergate/whispergate/internal/transcription"
)

const (
	testSampleRate  = 16000
	testWindowBytes = 960 // 480 samples, 30ms at 16kHz
)

func testConfig() Config {
	return Config{
		DefaultSampleRate:  testSampleRate,
		SampleRates:        []int{8000, 16000},
		WindowMillis:       30,
		VADThreshold:       0.5,
		MinSpeechDuration:  30 * time.Millisecond,
		MinSilenceDuration: 150 * time.Millisecond,
		MaxSegmentDuration: 15 * time.Second,
		InFlightCap:        8,
		ConfigTimeout:      5 * time.Second,
		DefaultBeamSize:    5,
	}
}

// fakeTranscriber runs a caller-supplied function per request
type fakeTranscriber struct {
	fn    func(ctx context.Context, req *transcription.Request) (*transcription.Result, error)
	calls atomic.Int64
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Result, error) {
	n := f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &transcription.Result{Text: fmt.Sprintf("transcript %d", n), Language: "en"}, nil
}

type harness struct {
	sess      *Session
	collector *Collector
	pool      *pool.Pool
}

func newHarness(t *testing.T, cfg Config, tr transcription.Transcriber) *harness {
	t.Helper()

	if tr == nil {
		tr = &fakeTranscriber{}
	}

	p, err := pool.New(pool.Config{
		Workers:   4,
		QueueSize: 16,
	}, tr, slog.Default())
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	p.Start()
	t.Cleanup(p.Stop)

	collector := NewCollector()
	sess, err := New(Options{
		ID:        "test-session",
		Config:    cfg,
		Pool:      p,
		Transport: collector,
		Logger:    slog.Default(),
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	t.Cleanup(func() { sess.Abort("") })

	return &harness{sess: sess, collector: collector, pool: p}
}

func frame(amplitude int16, windows int) []byte {
	samples := make([]int16, windows*testWindowBytes/2)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.SamplesToBytes(samples)
}

func controlFrame(t *testing.T, msg *protocol.ControlMessage) []byte {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Failed to encode control message: %v", err)
	}
	return data
}

func configFrame(t *testing.T, cfg protocol.ConfigPayload) []byte {
	return controlFrame(t, &protocol.ControlMessage{Type: protocol.MessageTypeConfig, Config: &cfg})
}

func endFrame(t *testing.T) []byte {
	return controlFrame(t, &protocol.ControlMessage{Type: protocol.MessageTypeEnd})
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not close in time")
	}
}

// speakAndPause sends enough loud then quiet audio to close one segment
func speakAndPause(t *testing.T, s *Session) {
	t.Helper()
	s.HandleAudio(frame(10000, 10))
	s.HandleAudio(frame(0, 10))
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	if h.sess.State() != StateAwaitingConfig {
		t.Fatalf("Expected awaiting_config, got %v", h.sess.State())
	}

	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{SampleRate: 16000}))

	if h.sess.State() != StateStreaming {
		t.Fatalf("Expected streaming after config, got %v", h.sess.State())
	}

	speakAndPause(t, h.sess)
	h.sess.HandleControl(endFrame(t))

	waitClosed(t, h.sess)

	events := h.collector.Events()
	if len(events) < 2 {
		t.Fatalf("Expected ready plus at least one transcript event, got %d", len(events))
	}

	if events[0].Type != protocol.EventTypeReady {
		t.Errorf("Expected ready first, got %q", events[0].Type)
	}

	final := events[len(events)-1]
	if final.Type != protocol.EventTypeFinal {
		t.Errorf("Expected trailing final event, got %q", final.Type)
	}

	if final.Seq != 0 {
		t.Errorf("Expected seq 0 on first segment, got %d", final.Seq)
	}

	if h.collector.Reason() != "" {
		t.Errorf("Expected normal closure, got reason %q", h.collector.Reason())
	}
}

func TestSessionAudioBeforeConfig(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.sess.HandleAudio(frame(10000, 2))
	h.sess.HandleAudio(frame(10000, 2))

	if h.sess.State() != StateAwaitingConfig {
		t.Errorf("Expected session to remain awaiting config, got %v", h.sess.State())
	}

	// Pre-config audio is reported once, not per frame
	var errorEvents int
	for _, ev := range h.collector.Events() {
		if ev.Type == protocol.EventTypeError {
			errorEvents++
		}
	}
	if errorEvents != 1 {
		t.Errorf("Expected exactly one not-configured error, got %d", errorEvents)
	}

	// A config afterwards still works
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))
	if h.sess.State() != StateStreaming {
		t.Errorf("Expected streaming after late config, got %v", h.sess.State())
	}
}

func TestSessionRejectsUnsupportedSampleRate(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{SampleRate: 11025}))

	if h.sess.State() != StateAwaitingConfig {
		t.Errorf("Expected invalid config to be rejected without closing, got %v", h.sess.State())
	}

	events := h.collector.Events()
	if len(events) != 1 || events[0].Type != protocol.EventTypeError {
		t.Fatalf("Expected one error event, got %+v", events)
	}

	// A corrected config is accepted
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{SampleRate: 8000}))
	if h.sess.State() != StateStreaming {
		t.Errorf("Expected streaming after corrected config, got %v", h.sess.State())
	}
}

func TestSessionOrderedEmission(t *testing.T) {
	// The first segment transcribes slowly, so later segments complete
	// first and must be held back
	tr := &fakeTranscriber{}
	tr.fn = func(ctx context.Context, req *transcription.Request) (*transcription.Result, error) {
		if tr.calls.Load() == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &transcription.Result{Text: "ok", Language: "en"}, nil
	}

	h := newHarness(t, testConfig(), tr)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))

	for i := 0; i < 3; i++ {
		speakAndPause(t, h.sess)
	}
	h.sess.HandleControl(endFrame(t))

	waitClosed(t, h.sess)

	events := h.collector.Events()
	if events[0].Type != protocol.EventTypeReady {
		t.Fatalf("Expected ready first, got %q", events[0].Type)
	}

	transcript := events[1:]
	if len(transcript) < 2 {
		t.Fatalf("Expected multiple transcript events, got %d", len(transcript))
	}

	for i, ev := range transcript {
		if ev.Seq != uint64(i) {
			t.Errorf("Event %d: expected contiguous seq %d, got %d", i, i, ev.Seq)
		}
	}
}

func TestSessionEndIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))
	speakAndPause(t, h.sess)

	h.sess.HandleControl(endFrame(t))
	h.sess.HandleControl(endFrame(t))
	h.sess.HandleControl(endFrame(t))

	waitClosed(t, h.sess)

	// No duplicate events from the repeated end
	seen := make(map[uint64]int)
	for _, ev := range h.collector.Events() {
		if ev.Type == protocol.EventTypeFinal {
			seen[ev.Seq]++
		}
	}
	for seq, n := range seen {
		if n != 1 {
			t.Errorf("Seq %d emitted %d times", seq, n)
		}
	}
}

func TestSessionEndBeforeConfig(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.sess.HandleControl(endFrame(t))
	waitClosed(t, h.sess)

	if h.collector.Reason() != "" {
		t.Errorf("Expected clean close, got reason %q", h.collector.Reason())
	}
}

func TestSessionConfigTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConfigTimeout = 50 * time.Millisecond

	h := newHarness(t, cfg, nil)
	waitClosed(t, h.sess)

	if h.collector.Reason() == "" {
		t.Error("Expected an abnormal closure reason for config timeout")
	}

	events := h.collector.Events()
	if len(events) == 0 || events[len(events)-1].Type != protocol.EventTypeError {
		t.Errorf("Expected a final error event, got %+v", events)
	}
}

func TestSessionConfigArrivesBeforeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConfigTimeout = 100 * time.Millisecond

	h := newHarness(t, cfg, nil)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))

	time.Sleep(200 * time.Millisecond)

	if h.sess.State() != StateStreaming {
		t.Errorf("Expected timer disarmed after config, got state %v", h.sess.State())
	}
}

func TestSessionMidStreamConfigMerge(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))

	lang := "uk"
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{Language: &lang}))

	info := h.sess.GetInfo()
	if info.Language != "uk" {
		t.Errorf("Expected merged language uk, got %q", info.Language)
	}

	if h.sess.State() != StateStreaming {
		t.Errorf("Expected merge to keep streaming, got %v", h.sess.State())
	}
}

func TestSessionRejectsSampleRateChange(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{SampleRate: 16000}))

	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{SampleRate: 8000}))

	if h.sess.State() != StateStreaming {
		t.Errorf("Expected session to survive the rejected change, got %v", h.sess.State())
	}

	info := h.sess.GetInfo()
	if info.SampleRate != 16000 {
		t.Errorf("Expected sample rate unchanged at 16000, got %d", info.SampleRate)
	}

	var sawError bool
	for _, ev := range h.collector.Events() {
		if ev.Type == protocol.EventTypeError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("Expected an error event for the rejected sample rate change")
	}
}

func TestSessionMalformedAudio(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))

	h.sess.HandleAudio([]byte{1, 2, 3}) // odd length

	if h.sess.State() != StateStreaming {
		t.Errorf("Expected session to survive malformed audio, got %v", h.sess.State())
	}

	var sawError bool
	for _, ev := range h.collector.Events() {
		if ev.Type == protocol.EventTypeError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("Expected an error event for malformed audio")
	}

	if h.sess.GetInfo().MalformedFrames != 1 {
		t.Errorf("Expected 1 malformed frame recorded, got %d", h.sess.GetInfo().MalformedFrames)
	}

	// The session still transcribes afterwards
	speakAndPause(t, h.sess)
	h.sess.HandleControl(endFrame(t))
	waitClosed(t, h.sess)

	var finals int
	for _, ev := range h.collector.Events() {
		if ev.Type == protocol.EventTypeFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("Expected 1 final event after recovery, got %d", finals)
	}
}

func TestSessionMalformedControl(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.sess.HandleControl([]byte(`{"type":`))
	h.sess.HandleControl([]byte(`{"type":"reset"}`))

	if h.sess.State() != StateAwaitingConfig {
		t.Errorf("Expected malformed control to be rejected without closing, got %v", h.sess.State())
	}

	if n := len(h.collector.Events()); n != 2 {
		t.Errorf("Expected 2 error events, got %d", n)
	}
}

func TestSessionInFlightCapBackpressure(t *testing.T) {
	release := make(chan struct{})
	blocked := &fakeTranscriber{
		fn: func(ctx context.Context, _ *transcription.Request) (*transcription.Result, error) {
			select {
			case <-release:
				return &transcription.Result{Text: "ok"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	cfg := testConfig()
	cfg.InFlightCap = 1

	h := newHarness(t, cfg, blocked)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))

	// First segment occupies the single in-flight slot
	speakAndPause(t, h.sess)

	// The second segment cannot acquire a slot until the first result is
	// emitted, so ingestion blocks
	ingested := make(chan struct{})
	go func() {
		speakAndPause(t, h.sess)
		close(ingested)
	}()

	select {
	case <-ingested:
		t.Fatal("Expected ingestion to block on the in-flight cap")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)

	select {
	case <-ingested:
	case <-time.After(5 * time.Second):
		t.Fatal("Ingestion never unblocked after results drained")
	}

	h.sess.HandleControl(endFrame(t))
	waitClosed(t, h.sess)

	var finals int
	for _, ev := range h.collector.Events() {
		if ev.Type == protocol.EventTypeFinal {
			finals++
		}
	}
	if finals != 2 {
		t.Errorf("Expected 2 final events, got %d", finals)
	}
}

func TestSessionSubmitFailureOccupiesSlot(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	// Stop the pool so every submission fails immediately
	h.pool.Stop()

	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))
	speakAndPause(t, h.sess)
	h.sess.HandleControl(endFrame(t))

	waitClosed(t, h.sess)

	events := h.collector.Events()
	var sawSlotError bool
	for _, ev := range events {
		if ev.Type == protocol.EventTypeError && ev.Seq == 0 {
			sawSlotError = true
		}
	}
	if !sawSlotError {
		t.Errorf("Expected an error event occupying seq 0, got %+v", events)
	}
}

func TestSessionAbortDiscardsPending(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	blocked := &fakeTranscriber{
		fn: func(ctx context.Context, _ *transcription.Request) (*transcription.Result, error) {
			select {
			case <-release:
				return &transcription.Result{Text: "ok"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	h := newHarness(t, testConfig(), blocked)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))
	speakAndPause(t, h.sess)

	h.sess.Abort("transport fault")
	waitClosed(t, h.sess)

	if h.collector.Reason() != "transport fault" {
		t.Errorf("Expected abort reason on transport, got %q", h.collector.Reason())
	}

	if h.sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", h.sess.State())
	}
}

func TestSessionDropsAudioWhileDraining(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{}))

	speakAndPause(t, h.sess)
	h.sess.HandleControl(endFrame(t))

	// Audio after end must not produce segments or errors
	h.sess.HandleAudio(frame(10000, 10))

	waitClosed(t, h.sess)

	for _, ev := range h.collector.Events() {
		if ev.Type == protocol.EventTypeError {
			t.Errorf("Unexpected error event for post-end audio: %+v", ev)
		}
	}
}

func TestSessionGetInfo(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{SampleRate: 16000, Task: protocol.TaskTranslate}))

	info := h.sess.GetInfo()
	if info.ID != "test-session" {
		t.Errorf("Expected id test-session, got %q", info.ID)
	}

	if info.State != "streaming" {
		t.Errorf("Expected streaming state, got %q", info.State)
	}

	if info.Task != protocol.TaskTranslate {
		t.Errorf("Expected translate task, got %q", info.Task)
	}

	if info.Language != "auto" {
		t.Errorf("Expected auto language display, got %q", info.Language)
	}
}

func TestNewSessionValidation(t *testing.T) {
	p, _ := pool.New(pool.Config{Workers: 1, QueueSize: 1}, &fakeTranscriber{}, slog.Default())

	if _, err := New(Options{Config: testConfig(), Pool: p, Transport: NewCollector()}); err == nil {
		t.Error("Expected error for missing id")
	}

	if _, err := New(Options{ID: "x", Config: testConfig(), Transport: NewCollector()}); err == nil {
		t.Error("Expected error for missing pool")
	}

	if _, err := New(Options{ID: "x", Config: testConfig(), Pool: p}); err == nil {
		t.Error("Expected error for missing transport")
	}

	bad := testConfig()
	bad.InFlightCap = 0
	if _, err := New(Options{ID: "x", Config: bad, Pool: p, Transport: NewCollector()}); err == nil {
		t.Error("Expected error for zero in-flight cap")
	}
}

func TestSessionSilenceOnly(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{SampleRate: 16000}))
	h.sess.HandleAudio(frame(0, 40))
	h.sess.HandleControl(endFrame(t))

	waitClosed(t, h.sess)

	events := h.collector.Events()
	if len(events) != 1 {
		t.Fatalf("Expected only the ready event for silent audio, got %d events", len(events))
	}

	if events[0].Type != protocol.EventTypeReady {
		t.Errorf("Expected ready event, got %q", events[0].Type)
	}

	if h.collector.Reason() != "" {
		t.Errorf("Expected normal closure, got reason %q", h.collector.Reason())
	}
}

func TestSessionTranscriberFailure(t *testing.T) {
	tr := &fakeTranscriber{
		fn: func(_ context.Context, _ *transcription.Request) (*transcription.Result, error) {
			return nil, fmt.Errorf("backend unavailable")
		},
	}
	h := newHarness(t, testConfig(), tr)

	h.sess.HandleControl(configFrame(t, protocol.ConfigPayload{SampleRate: 16000}))
	speakAndPause(t, h.sess)
	h.sess.HandleControl(endFrame(t))

	waitClosed(t, h.sess)

	// The failed segment still occupies its sequence slot
	var errors []protocol.Event
	for _, ev := range h.collector.Events() {
		if ev.Type == protocol.EventTypeError {
			errors = append(errors, ev)
		}
	}

	if len(errors) != 1 {
		t.Fatalf("Expected 1 error event, got %d", len(errors))
	}

	if errors[0].Seq != 0 {
		t.Errorf("Expected error at seq 0, got %d", errors[0].Seq)
	}

	if h.collector.Reason() != "" {
		t.Errorf("Expected session to close cleanly after the failure, got reason %q", h.collector.Reason())
	}
}
