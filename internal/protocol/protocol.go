package protocol

import (
	"encoding/json"
	"fmt"
)

// Message and event types carried in JSON text frames
const (
	// Inbound control messages
	MessageTypeConfig = "config"
	MessageTypeEnd    = "end"

	// Outbound events
	EventTypeReady   = "ready"
	EventTypeInterim = "interim"
	EventTypeFinal   = "final"
	EventTypeError   = "error"

	// Transcription tasks
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// ConfigPayload carries the negotiable session parameters of a config message.
// A nil Language together with DetectLanguage requests automatic detection.
type ConfigPayload struct {
	Language       *string `json:"language"`
	DetectLanguage bool    `json:"detect_language"`
	Task           string  `json:"task"`
	SampleRate     int     `json:"sample_rate"`
	BeamSize       int     `json:"beam_size"`
}

// ControlMessage is the parsed form of an inbound JSON text frame. Config is
// only set for config messages.
type ControlMessage struct {
	Type   string
	Config *ConfigPayload
}

// Encode serializes the control message to its wire form
func (m *ControlMessage) Encode() ([]byte, error) {
	raw := rawControl{Type: m.Type}
	if m.Config != nil {
		raw.Language = m.Config.Language
		raw.DetectLanguage = m.Config.DetectLanguage
		raw.Task = m.Config.Task
		raw.SampleRate = m.Config.SampleRate
		raw.BeamSize = m.Config.BeamSize
	}
	return json.Marshal(raw)
}

// rawControl mirrors the full inbound frame shape for a single-pass parse
type rawControl struct {
	Type           string  `json:"type"`
	Language       *string `json:"language"`
	DetectLanguage bool    `json:"detect_language"`
	Task           string  `json:"task"`
	SampleRate     int     `json:"sample_rate"`
	BeamSize       int     `json:"beam_size"`
}

// ParseControlMessage parses and validates one inbound JSON control frame.
// Unknown message types and malformed payloads are rejected; defaults for
// omitted config fields (task, sample rate, beam size) are applied by the
// session, not here.
func ParseControlMessage(data []byte) (*ControlMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty control frame")
	}

	var raw rawControl
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse control frame: %w", err)
	}

	switch raw.Type {
	case MessageTypeConfig:
		payload := &ConfigPayload{
			Language:       raw.Language,
			DetectLanguage: raw.DetectLanguage,
			Task:           raw.Task,
			SampleRate:     raw.SampleRate,
			BeamSize:       raw.BeamSize,
		}
		if err := payload.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config message: %w", err)
		}
		return &ControlMessage{Type: MessageTypeConfig, Config: payload}, nil

	case MessageTypeEnd:
		return &ControlMessage{Type: MessageTypeEnd}, nil

	case "":
		return nil, fmt.Errorf("control frame missing type field")

	default:
		return nil, fmt.Errorf("unknown control message type: %q", raw.Type)
	}
}

// Validate checks the config payload fields that have a bounded domain
func (c *ConfigPayload) Validate() error {
	if c.Task != "" && c.Task != TaskTranscribe && c.Task != TaskTranslate {
		return fmt.Errorf("task must be %q or %q, got %q", TaskTranscribe, TaskTranslate, c.Task)
	}

	if c.SampleRate < 0 {
		return fmt.Errorf("sample_rate cannot be negative, got %d", c.SampleRate)
	}

	if c.BeamSize < 0 {
		return fmt.Errorf("beam_size cannot be negative, got %d", c.BeamSize)
	}

	if c.Language != nil && *c.Language == "" {
		return fmt.Errorf("language cannot be an empty string; omit it or use null for auto-detection")
	}

	return nil
}

// Event is one outbound JSON text frame. Seq orders interim/final/error
// events within a session; the ready handshake does not occupy a
// sequence slot and always carries seq 0.
type Event struct {
	Type     string `json:"type"`
	Seq      uint64 `json:"seq"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ReadyEvent returns the handshake acknowledgment sent after a valid config
func ReadyEvent() Event {
	return Event{Type: EventTypeReady}
}

// InterimEvent returns a provisional transcript event for a force-cut segment
func InterimEvent(seq uint64, text string) Event {
	return Event{Type: EventTypeInterim, Seq: seq, Text: text}
}

// FinalEvent returns a finalized transcript event
func FinalEvent(seq uint64, text, language string) Event {
	return Event{Type: EventTypeFinal, Seq: seq, Text: text, Language: language}
}

// ErrorEvent returns an error event occupying the given sequence slot
func ErrorEvent(seq uint64, message string) Event {
	return Event{Type: EventTypeError, Seq: seq, Message: message}
}

// Encode serializes the event into its wire representation
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// String returns a human-readable representation of the control message
func (m *ControlMessage) String() string {
	if m.Type == MessageTypeConfig && m.Config != nil {
		lang := "auto"
		if m.Config.Language != nil {
			lang = *m.Config.Language
		}
		return fmt.Sprintf("ControlMessage{Type:config, Language:%s, DetectLanguage:%t, Task:%s, SampleRate:%d, BeamSize:%d}",
			lang, m.Config.DetectLanguage, m.Config.Task, m.Config.SampleRate, m.Config.BeamSize)
	}
	return fmt.Sprintf("ControlMessage{Type:%s}", m.Type)
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	switch e.Type {
	case EventTypeError:
		return fmt.Sprintf("Event{Type:error, Seq:%d, Message:%q}", e.Seq, e.Message)
	case EventTypeReady:
		return "Event{Type:ready}"
	default:
		return fmt.Sprintf("Event{Type:%s, Seq:%d, TextLen:%d}", e.Type, e.Seq, len(e.Text))
	}
}
