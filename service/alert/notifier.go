package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/itchyny/gojq"
	"github.com/sony/gobreaker"
)

// Notifier delivers alert messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
	Name() string
}

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier POSTs each alert as JSON. Without a body filter the payload is
// {"content": "<text>"}, which chat webhooks render as a plain message.
type WebhookNotifier struct {
	url        string
	code       *gojq.Code
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewWebhookNotifier creates a webhook sink. bodyFilter is an optional jq
// program applied to the message object to build the request body, e.g.
//
//	{text: .text, username: "vaultwatch"}
func NewWebhookNotifier(webhookURL, bodyFilter string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	var code *gojq.Code
	if strings.TrimSpace(bodyFilter) != "" {
		query, err := gojq.Parse(bodyFilter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse webhook body filter %q: %w", bodyFilter, err)
		}
		code, err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile webhook body filter %q: %w", bodyFilter, err)
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &WebhookNotifier{
		url:        webhookURL,
		code:       code,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		metrics:    m,
		logger:     logger,
	}, nil
}

func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify posts msg once. Failures are returned to the caller and never retried.
func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := w.body(msg)
	if err != nil {
		return err
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}

func (w *WebhookNotifier) body(msg Message) ([]byte, error) {
	if w.code == nil {
		return json.Marshal(map[string]string{"content": msg.Text})
	}

	// gojq only understands plain JSON values.
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}

	iter := w.code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, errors.New("webhook body filter produced no output")
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("webhook body filter failed: %w", err)
	}
	return json.Marshal(v)
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// MultiNotifier delivers to every sink and records the outcome of each.
type MultiNotifier struct {
	sinks   []Notifier
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewMultiNotifier(m *metrics.Metrics, logger *slog.Logger, sinks ...Notifier) *MultiNotifier {
	return &MultiNotifier{sinks: sinks, metrics: m, logger: logger}
}

func (n *MultiNotifier) Name() string { return "multi" }

// Len returns the number of sinks. Zero means alerting is disabled.
func (n *MultiNotifier) Len() int {
	return len(n.sinks)
}

// Notify attempts every sink even if an earlier one fails and returns the
// joined errors.
func (n *MultiNotifier) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.sinks {
		if err := s.Notify(ctx, msg); err != nil {
			n.metrics.RecordAlert(s.Name(), "error")
			n.logger.ErrorContext(ctx, "alert delivery failed",
				"sink", s.Name(),
				"signature", msg.Signature,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.metrics.RecordAlert(s.Name(), "success")
	}
	return errors.Join(errs...)
}
