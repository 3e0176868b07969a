package transcription

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whispergate/whispergate/internal/audio"
)

func testRequest() *Request {
	return &Request{
		Audio:      make([]int16, 1600),
		SampleRate: 16000,
		Language:   "en",
		Task:       "transcribe",
		BeamSize:   5,
	}
}

func backendStub(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		Endpoint:   server.URL + "/transcribe",
		Timeout:    5 * time.Second,
		MaxRetries: 0,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	return server, client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("Expected error for empty endpoint")
	}
}

func TestClientTranscribe(t *testing.T) {
	_, client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		if got := r.URL.Query().Get("language"); got != "en" {
			t.Errorf("Expected language=en, got %q", got)
		}
		if got := r.URL.Query().Get("task"); got != "transcribe" {
			t.Errorf("Expected task=transcribe, got %q", got)
		}
		if got := r.URL.Query().Get("beam_size"); got != "5" {
			t.Errorf("Expected beam_size=5, got %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("Expected an X-Request-ID header")
		}

		file, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("Missing file part: %v", err)
		}
		defer file.Close()

		data, _ := io.ReadAll(file)
		if !audio.IsWAV(data) {
			t.Error("Expected WAV-encoded audio in the file part")
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"text":     "hello world",
			"language": "en",
		})
	})

	result, err := client.Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if result.Text != "hello world" {
		t.Errorf("Expected text %q, got %q", "hello world", result.Text)
	}

	if result.Language != "en" {
		t.Errorf("Expected language en, got %q", result.Language)
	}
}

func TestClientSendsAuthHeader(t *testing.T) {
	var gotAuth atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint: server.URL,
		APIKey:   "secret-key",
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if _, err := client.Transcribe(context.Background(), testRequest()); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if gotAuth.Load() != "Bearer secret-key" {
		t.Errorf("Expected bearer auth, got %q", gotAuth.Load())
	}
}

func TestClientEmptyAudioRejected(t *testing.T) {
	_, client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Backend should not be called for empty audio")
	})

	if _, err := client.Transcribe(context.Background(), &Request{SampleRate: 16000}); err == nil {
		t.Error("Expected error for empty audio")
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "recovered"})
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:   server.URL,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	result, err := client.Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Expected retries to recover, got %v", err)
	}

	if result.Text != "recovered" {
		t.Errorf("Expected recovered text, got %q", result.Text)
	}

	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}

	stats := client.GetStats()
	if stats.TotalRetries != 2 {
		t.Errorf("Expected 2 retries recorded, got %d", stats.TotalRetries)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64

	_, client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	})

	if _, err := client.Transcribe(context.Background(), testRequest()); err == nil {
		t.Fatal("Expected error for 400 response")
	}

	if calls.Load() != 1 {
		t.Errorf("Expected exactly 1 attempt for a 4xx, got %d", calls.Load())
	}
}

func TestClientStats(t *testing.T) {
	_, client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	})

	client.Transcribe(context.Background(), testRequest())
	client.Transcribe(context.Background(), testRequest())

	stats := client.GetStats()
	if stats.TotalRequests != 2 {
		t.Errorf("Expected 2 total requests, got %d", stats.TotalRequests)
	}

	if stats.SuccessRequests != 2 {
		t.Errorf("Expected 2 successes, got %d", stats.SuccessRequests)
	}

	if stats.SuccessRate != 100 {
		t.Errorf("Expected 100%% success rate, got %f", stats.SuccessRate)
	}
}

func TestClientContextCancellation(t *testing.T) {
	_, client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := client.Transcribe(ctx, testRequest()); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
