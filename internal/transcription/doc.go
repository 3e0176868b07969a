// Package transcription defines the Transcriber capability and its default
// implementation, an HTTP client for a self-hosted whisper backend.
package transcription
