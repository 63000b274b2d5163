// Package client is the HTTP client for the vaultwatch status server.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Status is the state of a running monitor.
type Status struct {
	Address       string        `json:"address"`
	State         string        `json:"state"`
	Cursor        string        `json:"cursor"`
	CursorSlot    uint64        `json:"cursor_slot"`
	PollInterval  time.Duration `json:"-"`
	Cycles        int           `json:"cycles"`
	FailedCycles  int           `json:"failed_cycles"`
	Events        int           `json:"events"`
	Alerts        int           `json:"alerts"`
	LastCycleAt   time.Time     `json:"last_cycle_at"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastError     string        `json:"last_error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}

// Health is the response of /health.
type Health struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Healthy reports whether the server considers the monitor healthy.
func (h *Health) Healthy() bool {
	return h.Status == "ok"
}

// Alert is one alert received from the alert stream.
type Alert struct {
	Signer    string    `json:"signer"`
	Action    string    `json:"action"`
	Quantity  string    `json:"quantity"`
	Symbol    string    `json:"symbol"`
	USD       string    `json:"usd"`
	Signature string    `json:"signature"`
	Index     int       `json:"instruction_index"`
	Slot      uint64    `json:"slot"`
	BlockTime time.Time `json:"block_time"`
	Text      string    `json:"text"`
}

// Client is the HTTP client for the vaultwatch status server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new status client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Status retrieves the monitor status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	resp, err := c.get(ctx, "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var apiStatus statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiStatus); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return responseToStatus(&apiStatus)
}

// Health checks the server. A 503 is not an error: the returned Health says why.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, c.parseErrorResponse(resp)
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &h, nil
}

// AwaitAlert subscribes to the alert stream and returns the first alert for
// which matcher returns true. It blocks until a match arrives or ctx is done.
func (c *Client) AwaitAlert(ctx context.Context, matcher func(*Alert) bool) (*Alert, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/stream/alerts", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream stays open; only ctx bounds it.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event != "" && event != "alert" {
				continue
			}
			var a Alert
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &a); err != nil {
				c.logger.Debug("skipping undecodable alert", "error", err)
				continue
			}
			if matcher == nil || matcher(&a) {
				return &a, nil
			}
		case line == "":
			event = ""
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream failed: %w", err)
	}
	return nil, fmt.Errorf("stream closed before a matching alert arrived")
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// statusResponse is the API response format for the status.
// The server returns poll_interval as a string (e.g. "2s").
type statusResponse struct {
	Status
	PollInterval string `json:"poll_interval"`
}

func responseToStatus(resp *statusResponse) (*Status, error) {
	s := resp.Status
	if resp.PollInterval != "" {
		d, err := time.ParseDuration(resp.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid poll_interval %q: %w", resp.PollInterval, err)
		}
		s.PollInterval = d
	}
	return &s, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
