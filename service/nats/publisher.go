package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vaultwatch/service/alert"
	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamPublisher publishes vault events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for vault events.
	StreamName = "VAULT_EVENTS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "vault.>"

	// AlertSubject carries rendered alert messages.
	AlertSubject = "vault.alerts"

	// StreamRetention is how long messages are retained.
	StreamRetention = 30 * 24 * time.Hour

	// dedupWindow lets JetStream drop re-published events after a restart.
	dedupWindow = 10 * time.Minute
)

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("vaultwatch-publisher"),
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

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Deposits and withdrawals against monitored vaults",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created", "stream", StreamName)
	return nil
}

func (p *JetStreamPublisher) PublishEvent(ctx context.Context, event *VaultEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal vault event: %w", err)
	}
	subject := event.Subject()
	if err := p.publish(ctx, subject, data, jetstream.WithMsgID(event.MsgID())); err != nil {
		return err
	}

	p.logger.DebugContext(ctx, "published vault event",
		"subject", subject,
		"signature", event.Signature,
	)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) error {
	start := time.Now()
	_, err := p.js.Publish(ctx, subject, data, opts...)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

// AlertNotifier is an alert sink that publishes rendered alerts to AlertSubject.
type AlertNotifier struct {
	publisher *JetStreamPublisher
}

func NewAlertNotifier(p *JetStreamPublisher) *AlertNotifier {
	return &AlertNotifier{publisher: p}
}

func (n *AlertNotifier) Name() string { return "nats" }

func (n *AlertNotifier) Notify(ctx context.Context, msg alert.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return n.publisher.publish(ctx, AlertSubject, data, jetstream.WithMsgID(fmt.Sprintf("alert:%s:%d", msg.Signature, msg.Index)))
}
