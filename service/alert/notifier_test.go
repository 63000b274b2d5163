package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage() Message {
	return Message{
		Signer:    "signer",
		Action:    "deposit",
		Quantity:  "1.5",
		Symbol:    "SOL",
		USD:       "30000",
		Signature: "sig",
		Slot:      9,
		Text:      "signer deposit 1.5 SOL $30000 sig",
	}
}

type webhookRecorder struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func (r *webhookRecorder) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(req.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		status := r.status
		r.mu.Unlock()

		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookNotifier_DefaultBody(t *testing.T) {
	rec := &webhookRecorder{}
	srv := rec.server(t)

	n, err := NewWebhookNotifier(srv.URL, "", time.Second, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), testMessage()))

	require.Len(t, rec.bodies, 1)
	assert.Equal(t, map[string]any{"content": "signer deposit 1.5 SOL $30000 sig"}, rec.bodies[0])
	assert.Equal(t, "webhook", n.Name())
}

func TestWebhookNotifier_BodyFilter(t *testing.T) {
	rec := &webhookRecorder{}
	srv := rec.server(t)

	n, err := NewWebhookNotifier(srv.URL, `{text: .text, asset: .symbol, slot: .slot}`, time.Second, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), testMessage()))

	require.Len(t, rec.bodies, 1)
	assert.Equal(t, "signer deposit 1.5 SOL $30000 sig", rec.bodies[0]["text"])
	assert.Equal(t, "SOL", rec.bodies[0]["asset"])
	assert.Equal(t, 9.0, rec.bodies[0]["slot"])
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusInternalServerError}
	srv := rec.server(t)

	n, err := NewWebhookNotifier(srv.URL, "", time.Second, nil, testLogger())
	require.NoError(t, err)

	err = n.Notify(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Len(t, rec.bodies, 1, "delivery is not retried")
}

func TestWebhookNotifier_BreakerOpens(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusBadGateway}
	srv := rec.server(t)

	n, err := NewWebhookNotifier(srv.URL, "", time.Second, nil, testLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.Error(t, n.Notify(context.Background(), testMessage()))
	}
	err = n.Notify(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Len(t, rec.bodies, 5)
}

func TestNewWebhookNotifier_Validation(t *testing.T) {
	_, err := NewWebhookNotifier("", "", 0, nil, testLogger())
	assert.Error(t, err)

	_, err = NewWebhookNotifier("http://localhost", "{{", 0, nil, testLogger())
	assert.Error(t, err)
}

type mockNotifier struct {
	name     string
	err      error
	mu       sync.Mutex
	messages []Message
}

func (m *mockNotifier) Name() string { return m.name }

func (m *mockNotifier) Notify(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.err
}

func TestMultiNotifier(t *testing.T) {
	failing := &mockNotifier{name: "failing", err: errors.New("down")}
	ok := &mockNotifier{name: "ok"}

	n := NewMultiNotifier(nil, testLogger(), failing, ok)
	assert.Equal(t, 2, n.Len())

	err := n.Notify(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: down")

	assert.Len(t, failing.messages, 1)
	assert.Len(t, ok.messages, 1, "later sinks still receive the alert")
}

func TestMultiNotifier_Empty(t *testing.T) {
	n := NewMultiNotifier(nil, testLogger())
	assert.Equal(t, 0, n.Len())
	assert.NoError(t, n.Notify(context.Background(), testMessage()))
}
