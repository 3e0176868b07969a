package transcription

import (
	"context"
)

// Request describes one audio span to transcribe. Audio is mono PCM-16 at
// SampleRate. An empty Language requests automatic detection.
type Request struct {
	Audio      []int16
	SampleRate int
	Language   string
	Task       string // "transcribe" or "translate"
	BeamSize   int    // 0 uses the backend default
}

// Result is the transcription of one request
type Result struct {
	Text       string
	Language   string
	Confidence float32
}

// Transcriber is the opaque capability converting one audio span into text.
// Implementations must be safe for concurrent use: the worker pool shares a
// single handle across all workers.
type Transcriber interface {
	Transcribe(ctx context.Context, req *Request) (*Result, error)
}
