package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natspkg "github.com/brojonat/vaultwatch/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EventStreamer relays JetStream vault events to Server-Sent Events clients.
type EventStreamer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewEventStreamer connects to NATS. Every SSE connection gets its own
// ephemeral consumer on the vault event stream.
func NewEventStreamer(natsURL string, logger *slog.Logger) (*EventStreamer, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("vaultwatch-sse"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE streamer initialized", "nats_url", natsURL)

	return &EventStreamer{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *EventStreamer) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE streamer closed")
	}
	return nil
}

// eventSubject maps the optional action path value to a subject filter.
func eventSubject(action string) (string, error) {
	switch action {
	case "":
		return "vault.*.*", nil
	case "deposit", "withdraw":
		return "vault." + action + ".*", nil
	default:
		return "", fmt.Errorf("invalid action %q (must be deposit or withdraw)", action)
	}
}

// handleStreamEvents streams evaluated vault events, optionally filtered by action.
// GET /api/v1/stream/events[/{action}]
func handleStreamEvents(streamer *EventStreamer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := eventSubject(r.PathValue("action"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		stream(w, r, streamer, subject, "vault_event", logger, func(data []byte) (string, error) {
			var event natspkg.VaultEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return "", err
			}
			return event.MsgID(), nil
		})
	})
}

// handleStreamAlerts streams rendered alert messages.
// GET /api/v1/stream/alerts
func handleStreamAlerts(streamer *EventStreamer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream(w, r, streamer, natspkg.AlertSubject, "alert", logger, func(data []byte) (string, error) {
			var msg struct {
				Signature string `json:"signature"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				return "", err
			}
			return msg.Signature, nil
		})
	})
}

// stream relays messages on subject until the client disconnects. identify
// validates a payload and returns an id for logging.
func stream(w http.ResponseWriter, r *http.Request, streamer *EventStreamer, subject, eventName string, logger *slog.Logger, identify func([]byte) (string, error)) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flush := func() {
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
	flush()

	logger.DebugContext(r.Context(), "SSE client connected",
		"subject", subject,
		"remote_addr", r.RemoteAddr,
	)

	cons, err := streamer.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to create consumer",
			"subject", subject,
			"error", err,
		)
		fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
		return
	}

	msgChan := make(chan jetstream.Msg, 10)
	doneChan := make(chan struct{})

	go func() {
		defer close(doneChan)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			select {
			case msgChan <- msg:
			case <-r.Context().Done():
				return
			}
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start consuming messages",
				"error", err,
			)
			return
		}
		<-r.Context().Done()
		cc.Stop()
	}()

	fmt.Fprintf(w, "event: connected\ndata: {\"subject\":%q}\n\n", subject)
	flush()

	keepalive := time.NewTicker(10 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flush()

		case msg := <-msgChan:
			id, err := identify(msg.Data())
			if err != nil {
				logger.WarnContext(r.Context(), "failed to unmarshal message",
					"subject", msg.Subject(),
					"error", err,
				)
				msg.Ack()
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, msg.Data())
			flush()
			msg.Ack()

			logger.DebugContext(r.Context(), "sent event",
				"subject", msg.Subject(),
				"id", id,
			)

		case <-r.Context().Done():
			logger.DebugContext(r.Context(), "SSE client disconnected",
				"subject", subject,
				"remote_addr", r.RemoteAddr,
			)
			return

		case <-doneChan:
			return
		}
	}
}
