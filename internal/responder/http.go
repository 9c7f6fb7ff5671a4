package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
)

// HTTPClient asks an external answer service for the reply to a transcript
type HTTPClient struct {
	config     HTTPConfig
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// HTTPConfig contains answer service client configuration
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// AnswerRequest is posted to the answer service
type AnswerRequest struct {
	Transcript string    `json:"transcript"`
	ItemID     string    `json:"item_id,omitempty"`
	RequestID  string    `json:"request_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// AnswerResponse is the answer service reply.
// Event, when present, is forwarded upstream as-is; otherwise Instructions
// (or Text) becomes a response.create.
type AnswerResponse struct {
	Event        map[string]any `json:"event,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Text         string         `json:"text,omitempty"`
	Topic        string         `json:"topic,omitempty"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// statusError carries a non-2xx answer service status
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewHTTPClient creates a new answer service client
func NewHTTPClient(config HTTPConfig) (*HTTPClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPClient{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Respond implements Responder
func (c *HTTPClient) Respond(ctx context.Context, transcript, itemID string) (map[string]any, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}

	// Acquire semaphore for concurrency limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	request := &AnswerRequest{
		Transcript: transcript,
		ItemID:     itemID,
		RequestID:  protocol.NewEventID(),
		Timestamp:  startTime,
	}

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, ctx.Err()
			}
		}

		answer, err := c.doRequest(ctx, request)
		if err == nil {
			event, err := answer.toEvent(transcript, itemID)
			if err != nil {
				lastErr = err
				break
			}
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return event, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("answer request failed: %w", lastErr)
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.BaseBackoff
	if d > c.config.MaxBackoff {
		d = c.config.MaxBackoff
	}
	return d
}

// doRequest performs a single HTTP request to the answer service
func (c *HTTPClient) doRequest(ctx context.Context, request *AnswerRequest) (*AnswerResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Realtime-Voice-Bridge/1.0")
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
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	var answer AnswerResponse
	if err := json.Unmarshal(respBody, &answer); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &answer, nil
}

func (a *AnswerResponse) toEvent(transcript, itemID string) (map[string]any, error) {
	if a.Event != nil {
		if t, _ := a.Event["type"].(string); t == "" {
			return nil, errors.New("answer event has no type")
		}
		return a.Event, nil
	}

	instructions := a.Instructions
	if instructions == "" && a.Text != "" {
		instructions = fmt.Sprintf("Say exactly: %q", a.Text)
	}
	if instructions == "" {
		return nil, errors.New("answer has neither event nor instructions")
	}

	topic := a.Topic
	if topic == "" {
		topic = TopicRAG
	}
	metadata := map[string]any{"topic": topic}
	if itemID != "" {
		metadata["item_id"] = itemID
	}

	return map[string]any{
		"event_id": protocol.NewEventID(),
		"type":     protocol.EventResponseCreate,
		"response": map[string]any{
			"modalities":   []string{"audio", "text"},
			"instructions": strings.ReplaceAll(instructions, TranscriptPlaceholder, transcript),
			"metadata":     metadata,
		},
	}, nil
}

// isRetryableError reports whether another attempt might succeed
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset")
}

// Statistics methods
func (c *HTTPClient) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *HTTPClient) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *HTTPClient) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *HTTPClient) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *HTTPClient) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() ClientStats {
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

// Close waits for in-flight requests to finish
func (c *HTTPClient) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
