package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whispergate/whispergate/internal/audio"
	"github.com/whispergate/whispergate/internal/protocol"
	"github.com/whispergate/whispergate/internal/session"
)

const (
	maxBatchBytes  = 64 << 20 // 64 MiB of audio per batch request
	batchFeedBytes = 32 * 1024
	batchTimeout   = 5 * time.Minute
)

// batchResponse is the JSON body returned by the batch endpoint
type batchResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language,omitempty"`
	Events   []protocol.Event `json:"events"`
	Duration float64          `json:"duration"`
}

// handleTranscribe implements POST /transcribe: one complete recording in,
// the full ordered event log and merged transcript out. Internally the
// recording runs through the same session machinery as a stream, with an
// in-memory collector in place of the websocket.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pcm, sampleRate, err := s.readBatchAudio(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(pcm) == 0 {
		http.Error(w, "Request contains no audio", http.StatusBadRequest)
		return
	}

	cfg := &protocol.ConfigPayload{
		Task:       r.URL.Query().Get("task"),
		SampleRate: sampleRate,
	}
	if lang := r.URL.Query().Get("language"); lang != "" {
		cfg.Language = &lang
	} else {
		cfg.DetectLanguage = true
	}
	if beam := r.URL.Query().Get("beam_size"); beam != "" {
		n, err := strconv.Atoi(beam)
		if err != nil || n < 1 {
			http.Error(w, "Invalid beam_size", http.StatusBadRequest)
			return
		}
		cfg.BeamSize = n
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), batchTimeout)
	defer cancel()

	events, err := s.runBatch(ctx, cfg, pcm)
	if err != nil {
		s.logger.Error("Batch transcription failed", slog.String("error", err.Error()))
		http.Error(w, "Transcription failed", http.StatusInternalServerError)
		return
	}

	// A session that never acknowledged the config rejected it
	if msg, ok := configRejection(events); ok {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	resp := mergeBatchEvents(events)
	resp.Duration = float64(len(pcm)/2) / float64(sampleRateOrDefault(sampleRate, s.config.Audio.DefaultSampleRate))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// readBatchAudio extracts PCM bytes from the request: a multipart "file"
// part or the raw body, either WAV or bare 16-bit mono PCM. The returned
// sample rate is 0 when the request did not specify one.
func (s *Server) readBatchAudio(r *http.Request) ([]byte, int, error) {
	var body io.Reader = http.MaxBytesReader(nil, r.Body, maxBatchBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxBatchBytes); err != nil {
			return nil, 0, err
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, 0, err
		}
		defer file.Close()
		body = file
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, 0, err
	}

	sampleRate := 0
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, 0, err
		}
		sampleRate = n
	}

	if audio.IsWAV(data) {
		samples, wavRate, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, 0, err
		}
		return audio.SamplesToBytes(samples), wavRate, nil
	}

	return data, sampleRate, nil
}

// runBatch drives a collector-backed session over the recording
func (s *Server) runBatch(ctx context.Context, cfg *protocol.ConfigPayload, pcm []byte) ([]protocol.Event, error) {
	collector := session.NewCollector()

	sess, err := session.New(session.Options{
		ID:        uuid.New().String(),
		Config:    sessionConfig(s.config),
		Pool:      s.pool,
		Transport: collector,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Abort("")

	configMsg := &protocol.ControlMessage{Type: protocol.MessageTypeConfig, Config: cfg}
	data, err := configMsg.Encode()
	if err != nil {
		return nil, err
	}
	sess.HandleControl(data)

	for off := 0; off < len(pcm); off += batchFeedBytes {
		end := off + batchFeedBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		sess.HandleAudio(pcm[off:end])
	}

	endMsg := &protocol.ControlMessage{Type: protocol.MessageTypeEnd}
	data, err = endMsg.Encode()
	if err != nil {
		return nil, err
	}
	sess.HandleControl(data)

	if err := collector.Wait(ctx); err != nil {
		return nil, err
	}

	return collector.Events(), nil
}

// mergeBatchEvents folds the ordered event log into a single transcript.
// Interim events for force-cut spans are part of the text; their closing
// final covers audio the interim did not.
func mergeBatchEvents(events []protocol.Event) batchResponse {
	resp := batchResponse{Events: events}

	var parts []string
	for _, ev := range events {
		switch ev.Type {
		case protocol.EventTypeInterim, protocol.EventTypeFinal:
			if ev.Text != "" {
				parts = append(parts, strings.TrimSpace(ev.Text))
			}
			if ev.Language != "" && resp.Language == "" {
				resp.Language = ev.Language
			}
		}
	}

	resp.Text = strings.Join(parts, " ")
	return resp
}

func configRejection(events []protocol.Event) (string, bool) {
	for _, ev := range events {
		switch ev.Type {
		case protocol.EventTypeReady:
			return "", false
		case protocol.EventTypeError:
			return ev.Message, true
		}
	}
	return "Transcription produced no events", true
}

func sampleRateOrDefault(rate, fallback int) int {
	if rate > 0 {
		return rate
	}
	return fallback
}
