// Package protocol defines the wire format of the bidirectional
// transcription channel: inbound JSON control frames and outbound
// JSON event frames. Binary frames are headerless PCM and never
// pass through this package.
package protocol
