// Package server exposes the gateway's HTTP surface: the websocket
// streaming endpoint, the batch transcription endpoint, and the
// monitoring API.
package server
