// Package vad provides voice activity detection over fixed audio windows
// and the segmenter that turns window classifications into bounded,
// sequence-numbered speech segments.
package vad
