// Package session implements the per-connection state machine and the
// registry of live sessions. A session turns inbound control and audio
// frames into ordered transcription events, bounding the number of
// segments in flight per connection.
package session
