package audio

import (
	"errors"
	"testing"
)

func TestNewChunker(t *testing.T) {
	chunker, err := NewChunker(480)
	if err != nil {
		t.Fatalf("Failed to create chunker: %v", err)
	}

	if chunker.WindowSize() != 480 {
		t.Errorf("Expected window size 480, got %d", chunker.WindowSize())
	}

	if chunker.PendingSamples() != 0 {
		t.Errorf("Expected no pending samples, got %d", chunker.PendingSamples())
	}
}

func TestNewChunkerInvalidWindowSize(t *testing.T) {
	if _, err := NewChunker(0); err == nil {
		t.Error("Expected error for zero window size")
	}

	if _, err := NewChunker(-10); err == nil {
		t.Error("Expected error for negative window size")
	}
}

func TestChunkerExactWindow(t *testing.T) {
	chunker, _ := NewChunker(4)

	// 4 samples = 8 bytes, exactly one window
	data := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	windows, err := chunker.Push(data)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if len(windows) != 1 {
		t.Fatalf("Expected 1 window, got %d", len(windows))
	}

	expected := []int16{1, 2, 3, 4}
	for i, s := range windows[0] {
		if s != expected[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, expected[i], s)
		}
	}

	if chunker.PendingSamples() != 0 {
		t.Errorf("Expected no remainder, got %d pending samples", chunker.PendingSamples())
	}
}

func TestChunkerRemainderCarriesOver(t *testing.T) {
	chunker, _ := NewChunker(4)

	// 6 samples: one window plus 2 pending
	windows, err := chunker.Push(make([]byte, 12))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if len(windows) != 1 {
		t.Fatalf("Expected 1 window, got %d", len(windows))
	}

	if chunker.PendingSamples() != 2 {
		t.Errorf("Expected 2 pending samples, got %d", chunker.PendingSamples())
	}

	// 2 more samples complete the second window
	windows, err = chunker.Push(make([]byte, 4))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if len(windows) != 1 {
		t.Fatalf("Expected 1 window from remainder completion, got %d", len(windows))
	}

	if chunker.PendingSamples() != 0 {
		t.Errorf("Expected empty remainder, got %d pending samples", chunker.PendingSamples())
	}
}

func TestChunkerLargeFrame(t *testing.T) {
	chunker, _ := NewChunker(160)

	// 1000 samples across one push: 6 full windows, 40 pending
	windows, err := chunker.Push(make([]byte, 2000))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if len(windows) != 6 {
		t.Errorf("Expected 6 windows, got %d", len(windows))
	}

	if chunker.PendingSamples() != 40 {
		t.Errorf("Expected 40 pending samples, got %d", chunker.PendingSamples())
	}
}

func TestChunkerOddLengthRejected(t *testing.T) {
	chunker, _ := NewChunker(4)

	_, err := chunker.Push([]byte{1, 0, 2})
	if err == nil {
		t.Fatal("Expected error for odd-length frame")
	}

	if !errors.Is(err, ErrMalformedAudio) {
		t.Errorf("Expected ErrMalformedAudio, got %v", err)
	}

	// The rejected frame must not corrupt buffered state
	windows, err := chunker.Push(make([]byte, 8))
	if err != nil {
		t.Fatalf("Push after rejection failed: %v", err)
	}

	if len(windows) != 1 {
		t.Errorf("Expected 1 window after rejected frame, got %d", len(windows))
	}
}

func TestChunkerEmptyPush(t *testing.T) {
	chunker, _ := NewChunker(4)

	windows, err := chunker.Push(nil)
	if err != nil {
		t.Fatalf("Push of empty frame failed: %v", err)
	}

	if len(windows) != 0 {
		t.Errorf("Expected no windows from empty frame, got %d", len(windows))
	}
}

func TestChunkerFlush(t *testing.T) {
	chunker, _ := NewChunker(4)

	if _, err := chunker.Push(make([]byte, 6)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	tail := chunker.Flush()
	if len(tail) != 3 {
		t.Errorf("Expected 3 trailing samples, got %d", len(tail))
	}

	if chunker.PendingSamples() != 0 {
		t.Errorf("Expected empty chunker after flush, got %d pending", chunker.PendingSamples())
	}

	if tail = chunker.Flush(); tail != nil {
		t.Errorf("Expected nil from second flush, got %d samples", len(tail))
	}
}

func TestChunkerStats(t *testing.T) {
	chunker, _ := NewChunker(4)

	chunker.Push(make([]byte, 10))
	stats := chunker.GetStats()

	if stats.BytesIn != 10 {
		t.Errorf("Expected 10 bytes in, got %d", stats.BytesIn)
	}

	if stats.WindowsEmitted != 1 {
		t.Errorf("Expected 1 window emitted, got %d", stats.WindowsEmitted)
	}
}

func TestBytesToSamples(t *testing.T) {
	samples, err := BytesToSamples([]byte{0x34, 0x12, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}

	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(samples))
	}

	if samples[0] != 0x1234 {
		t.Errorf("Expected little-endian 0x1234, got 0x%04X", samples[0])
	}

	if samples[1] != -1 {
		t.Errorf("Expected -1, got %d", samples[1])
	}
}

func TestBytesToSamplesOddLength(t *testing.T) {
	if _, err := BytesToSamples([]byte{1, 2, 3}); !errors.Is(err, ErrMalformedAudio) {
		t.Errorf("Expected ErrMalformedAudio, got %v", err)
	}
}

func TestSamplesToBytesRoundTrip(t *testing.T) {
	original := []int16{0, 1, -1, 32767, -32768}

	data := SamplesToBytes(original)
	samples, err := BytesToSamples(data)
	if err != nil {
		t.Fatalf("Round trip failed: %v", err)
	}

	for i, s := range samples {
		if s != original[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, original[i], s)
		}
	}
}
