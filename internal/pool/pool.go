package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whispergate/whispergate/internal/metrics"
	"github.com/whispergate/whispergate/internal/transcription"
	"github.com/whispergate/whispergate/internal/vad"
)

// Submission errors surfaced to the session's ingestion path
var (
	ErrSubmitTimeout = errors.New("transcription queue full: submission timed out")
	ErrPoolStopped   = errors.New("worker pool stopped")
)

// Result is the outcome of transcribing one segment. Err is set for worker
// failures; such results still occupy their sequence slot so the session's
// ordering contract holds.
type Result struct {
	Seq      uint64
	Text     string
	Language string
	Final    bool
	Err      error
}

// Job is one segment submission. Out receives exactly one Result unless Ctx
// is done first, in which case the result is discarded (the owning session is
// gone). Out must have capacity for the session's in-flight cap so delivery
// never blocks a worker behind a slow consumer.
type Job struct {
	Ctx      context.Context
	Segment  *vad.Segment
	Language string // empty requests auto-detection
	Task     string
	BeamSize int
	Out      chan<- Result
}

// Config contains worker pool configuration
type Config struct {
	Workers        int
	QueueSize      int
	SubmitTimeout  time.Duration // how long Submit blocks on a full queue
	RequestTimeout time.Duration // per-segment transcription deadline
	Metrics        *metrics.Metrics
}

// Pool runs a fixed number of workers over one bounded queue shared by all
// sessions. All workers share a single Transcriber handle; no session ever
// touches the transcriber directly. A full queue blocks submission
// (backpressure) rather than dropping work.
type Pool struct {
	config      Config
	transcriber transcription.Transcriber
	logger      *slog.Logger

	queue  chan *Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	submitted uint64
	completed uint64
	failed    uint64
	panics    uint64
	mu        sync.RWMutex
}

// Stats represents pool statistics for monitoring and health reporting
type Stats struct {
	Workers       int     `json:"workers"`
	QueueDepth    int     `json:"queue_depth"`
	QueueCapacity int     `json:"queue_capacity"`
	Saturation    float64 `json:"saturation"`
	Submitted     uint64  `json:"submitted"`
	Completed     uint64  `json:"completed"`
	Failed        uint64  `json:"failed"`
	Panics        uint64  `json:"panics"`
}

// New creates a worker pool around the shared transcriber handle
func New(config Config, transcriber transcription.Transcriber, logger *slog.Logger) (*Pool, error) {
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}

	if config.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", config.Workers)
	}

	if config.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", config.QueueSize)
	}

	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 5 * time.Second
	}

	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:      config,
		transcriber: transcriber,
		logger:      logger,
		queue:       make(chan *Job, config.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		slog.Int("workers", p.config.Workers),
		slog.Int("queue_size", p.config.QueueSize),
	)
}

// Submit enqueues one segment for transcription. It blocks while the queue is
// full, propagating backpressure into the caller's ingestion path, and fails
// with ErrSubmitTimeout once the submit timeout elapses. The caller converts
// that into an error-flagged result for the segment's sequence slot.
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	if job == nil || job.Segment == nil {
		return fmt.Errorf("job must carry a segment")
	}

	timer := time.NewTimer(p.config.SubmitTimeout)
	defer timer.Stop()

	select {
	case p.queue <- job:
		p.mu.Lock()
		p.submitted++
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-timer.C:
		return ErrSubmitTimeout
	}
}

// Stop shuts the pool down. Workers finish the segment they hold; queued but
// undispatched jobs are abandoned, which is acceptable because sessions only
// drain through Stop at process shutdown.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()

	p.logger.Info("Worker pool stopped",
		slog.Uint64("completed", p.completedCount()),
		slog.Uint64("failed", p.failedCount()),
	)
}

// worker pulls jobs off the shared queue one at a time
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			result := p.process(job)

			p.mu.Lock()
			p.completed++
			if result.Err != nil {
				p.failed++
			}
			p.mu.Unlock()

			if result.Err != nil && p.config.Metrics != nil {
				p.config.Metrics.RecordPoolFailure()
			}

			// Discard the result if the owning session is gone; blocking a
			// worker on a dead session would stall every other session.
			select {
			case job.Out <- result:
			case <-job.Ctx.Done():
				p.logger.Debug("Discarding result for cancelled session",
					slog.Int("worker", id),
					slog.Uint64("seq", result.Seq),
				)
			}
		}
	}
}

// process transcribes one segment. A panicking transcriber yields an
// error-flagged result and leaves the worker able to accept the next
// segment.
func (p *Pool) process(job *Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			p.panics++
			p.mu.Unlock()

			p.logger.Error("Transcriber panicked",
				slog.Uint64("seq", job.Segment.Seq),
				slog.Any("panic", r),
			)
			result = Result{
				Seq:   job.Segment.Seq,
				Final: job.Segment.Final,
				Err:   fmt.Errorf("transcriber panic: %v", r),
			}
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.config.RequestTimeout)
	defer cancel()

	res, err := p.transcriber.Transcribe(ctx, &transcription.Request{
		Audio:      job.Segment.Samples,
		SampleRate: job.Segment.SampleRate,
		Language:   job.Language,
		Task:       job.Task,
		BeamSize:   job.BeamSize,
	})
	if err != nil {
		return Result{
			Seq:   job.Segment.Seq,
			Final: job.Segment.Final,
			Err:   fmt.Errorf("transcription failed: %w", err),
		}
	}

	return Result{
		Seq:      job.Segment.Seq,
		Text:     res.Text,
		Language: res.Language,
		Final:    job.Segment.Final,
	}
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	depth := len(p.queue)
	capacity := cap(p.queue)

	return Stats{
		Workers:       p.config.Workers,
		QueueDepth:    depth,
		QueueCapacity: capacity,
		Saturation:    float64(depth) / float64(capacity),
		Submitted:     p.submitted,
		Completed:     p.completed,
		Failed:        p.failed,
		Panics:        p.panics,
	}
}

func (p *Pool) completedCount() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completed
}

func (p *Pool) failedCount() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failed
}
