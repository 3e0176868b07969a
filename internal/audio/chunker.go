package audio

import (
	"fmt"
)

// Chunker normalizes an inbound byte stream of PCM-16 audio into fixed-size
// sample windows for VAD analysis. Bytes that do not yet fill a whole window
// are retained until the next push.
//
// A Chunker is owned by the single goroutine driving its session and is not
// safe for concurrent use.
type Chunker struct {
	windowSize int    // samples per emitted window
	pending    []byte // remainder smaller than one window

	// Statistics
	bytesIn        uint64
	windowsEmitted uint64
}

// ChunkerStats represents chunker statistics for monitoring
type ChunkerStats struct {
	BytesIn        uint64 `json:"bytes_in"`
	WindowsEmitted uint64 `json:"windows_emitted"`
	PendingSamples int    `json:"pending_samples"`
}

// NewChunker creates a chunker emitting windows of windowSize samples
func NewChunker(windowSize int) (*Chunker, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	return &Chunker{
		windowSize: windowSize,
		pending:    make([]byte, 0, windowSize*4),
	}, nil
}

// Push appends one binary audio payload and returns every complete window it
// unlocks, in arrival order. Payloads that are not a whole number of samples
// are rejected with ErrMalformedAudio and leave the buffered state untouched.
func (c *Chunker) Push(data []byte) ([][]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: payload of %d bytes is not sample-aligned", ErrMalformedAudio, len(data))
	}

	c.bytesIn += uint64(len(data))
	c.pending = append(c.pending, data...)

	windowBytes := c.windowSize * 2
	var windows [][]int16
	for len(c.pending) >= windowBytes {
		window, err := BytesToSamples(c.pending[:windowBytes])
		if err != nil {
			return nil, err
		}
		windows = append(windows, window)
		c.pending = c.pending[windowBytes:]
		c.windowsEmitted++
	}

	// Compact so the retained remainder does not pin the old backing array
	if len(windows) > 0 && len(c.pending) > 0 {
		remainder := make([]byte, len(c.pending), c.windowSize*4)
		copy(remainder, c.pending)
		c.pending = remainder
	}

	return windows, nil
}

// Flush returns the buffered partial window, if any, and resets the chunker.
// Used on end-of-stream so trailing audio shorter than one window still
// reaches the open segment.
func (c *Chunker) Flush() []int16 {
	if len(c.pending) == 0 {
		return nil
	}

	samples, err := BytesToSamples(c.pending)
	if err != nil {
		// Push only ever buffers sample-aligned bytes
		samples = nil
	}
	c.pending = c.pending[:0]
	return samples
}

// WindowSize returns the emitted window size in samples
func (c *Chunker) WindowSize() int {
	return c.windowSize
}

// PendingSamples returns the number of buffered samples below one window
func (c *Chunker) PendingSamples() int {
	return len(c.pending) / 2
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	return ChunkerStats{
		BytesIn:        c.bytesIn,
		WindowsEmitted: c.windowsEmitted,
		PendingSamples: len(c.pending) / 2,
	}
}
