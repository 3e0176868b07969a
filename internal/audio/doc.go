// Package audio provides PCM normalization, window chunking and WAV
// encoding for the transcription pipeline.
package audio
