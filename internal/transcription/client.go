package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whispergate/whispergate/internal/audio"
	"github.com/whispergate/whispergate/internal/metrics"
)

// Client implements Transcriber against a self-hosted whisper HTTP backend.
// Segments are shipped as WAV in a multipart form with language/task/beam
// parameters in the query string; failed requests are retried with
// exponential backoff.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // bounds concurrent backend requests
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains backend client configuration
type Config struct {
	Endpoint      string
	APIKey        string // optional; self-hosted backends often run without auth
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Metrics       *metrics.Metrics
}

// backendResponse mirrors the backend's transcription response body
type backendResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		Confidence float32 `json:"confidence"`
	} `json:"segments"`
	LanguageProbability float32 `json:"language_probability"`
	Duration            float64 `json:"duration"`
}

// ClientStats represents backend client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a backend client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		metrics:    config.Metrics,
	}, nil
}

// Transcribe sends one audio span to the backend and returns its transcript
func (c *Client) Transcribe(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("request contains no audio")
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	wavData, err := audio.EncodeWAV(req.Audio, req.SampleRate)
	if err != nil {
		c.incrementFailedRequests()
		c.recordOutcome(false, startTime, 0)
		return nil, fmt.Errorf("failed to encode segment: %w", err)
	}

	var lastErr error
	retries := 0
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			retries++
			c.incrementTotalRetries()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.incrementFailedRequests()
				c.recordOutcome(false, startTime, retries)
				return nil, ctx.Err()
			}
		}

		result, err := c.doRequest(ctx, req, wavData)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			c.recordOutcome(true, startTime, retries)
			return result, nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.recordOutcome(false, startTime, retries)
	return nil, fmt.Errorf("transcription failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) recordOutcome(success bool, startTime time.Time, retries int) {
	if c.metrics != nil {
		c.metrics.RecordTranscription(success, time.Since(startTime).Seconds(), retries)
	}
}

// httpError marks backend responses eligible for retry decisions by status
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d: %s", e.status, e.body)
}

// doRequest performs one multipart request against the backend
func (c *Client) doRequest(ctx context.Context, req *Request, wavData []byte) (*Result, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wavData); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	endpoint, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	query := endpoint.Query()
	if req.Language != "" {
		query.Set("language", req.Language)
	}
	if req.Task != "" {
		query.Set("task", req.Task)
	}
	if req.BeamSize > 0 {
		query.Set("beam_size", strconv.Itoa(req.BeamSize))
	}
	endpoint.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{status: resp.StatusCode, body: string(respBody)}
	}

	var backendResp backendResponse
	if err := json.Unmarshal(respBody, &backendResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	var confidence float32
	if len(backendResp.Segments) > 0 {
		for _, seg := range backendResp.Segments {
			confidence += seg.Confidence
		}
		confidence /= float32(len(backendResp.Segments))
	}

	return &Result{
		Text:       backendResp.Text,
		Language:   backendResp.Language,
		Confidence: confidence,
	}, nil
}

// isRetryable reports whether a request error is worth another attempt
func isRetryable(err error) bool {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.status >= 500 || httpErr.status == http.StatusTooManyRequests
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// Transport-level failures (refused connections, timeouts) are retryable
	return true
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}
