// Package app assembles the monitor's components from configuration. The
// binaries share it so the service process, the Temporal worker and the CLI
// build the same pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/vaultwatch/service/alert"
	"github.com/brojonat/vaultwatch/service/config"
	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/brojonat/vaultwatch/service/db"
	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/brojonat/vaultwatch/service/monitor"
	natspkg "github.com/brojonat/vaultwatch/service/nats"
	"github.com/brojonat/vaultwatch/service/pacer"
	"github.com/brojonat/vaultwatch/service/price"
	"github.com/brojonat/vaultwatch/service/solana"
	"github.com/brojonat/vaultwatch/service/vault"
	"github.com/prometheus/client_golang/prometheus"
)

// App holds the assembled pipeline. Close releases every connection it opened.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Table     *vault.Table
	Solana    *solana.Client
	Prices    price.Source
	Evaluator *alert.Evaluator
	Notifier  *alert.MultiNotifier
	Publisher *natspkg.JetStreamPublisher
	Store     cursor.Store
	Cycle     *monitor.Cycle

	closers []func()
}

// Build wires every component the configuration asks for. On error anything
// already opened is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Metrics = metrics.NewMetrics(a.Registry)

	a.Table, err = vault.LoadFile(cfg.VaultTablePath)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded vault table", "path", cfg.VaultTablePath, "assets", a.Table.Len())

	a.Solana, err = NewSolanaClient(cfg, a.Metrics, logger)
	if err != nil {
		return nil, err
	}

	a.Prices, err = NewPriceSource(cfg, a.Table, a.Metrics, logger)
	if err != nil {
		return nil, err
	}

	a.Evaluator, err = alert.NewEvaluator(a.Table, cfg.MinTransferUSD)
	if err != nil {
		return nil, err
	}

	var sinks []alert.Notifier
	if cfg.WebhookURL != "" {
		webhook, err := alert.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookBodyJQ, cfg.WebhookTimeout, a.Metrics, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, webhook)
	}

	if cfg.NATSURL != "" {
		a.Publisher, err = natspkg.NewPublisher(cfg.NATSURL, a.Metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		publisher := a.Publisher
		a.closers = append(a.closers, func() { _ = publisher.Close() })
		sinks = append(sinks, natspkg.NewAlertNotifier(a.Publisher))
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	a.Notifier = alert.NewMultiNotifier(a.Metrics, logger, sinks...)
	if a.Notifier.Len() == 0 {
		logger.Warn("no alert sink configured, alerts will only be logged")
	}

	a.Store, err = a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	cycleCfg := monitor.CycleConfig{
		Fetcher:   a.Solana,
		Prices:    a.Prices,
		Evaluator: a.Evaluator,
		Address:   cfg.GroupAddress,
		PageLimit: cfg.SignaturePageLimit,
	}
	if a.Notifier.Len() > 0 {
		cycleCfg.Notifier = a.Notifier
	}
	if a.Publisher != nil {
		cycleCfg.Publisher = a.Publisher
	}
	a.Cycle, err = monitor.NewCycle(cycleCfg, a.Metrics, logger)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// NewSolanaClient builds the paced RPC client for one of the configured endpoints.
func NewSolanaClient(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*solana.Client, error) {
	rpcURL, err := cfg.RPCURL()
	if err != nil {
		return nil, err
	}
	classifier, err := solana.NewClassifier(cfg.ProgramID, cfg.GroupAddress, cfg.Layout())
	if err != nil {
		return nil, err
	}

	endpoint := solana.EndpointLabel(rpcURL)
	client := solana.NewClient(
		solana.NewRPCClient(rpcURL),
		classifier,
		pacer.New(cfg.RPCPacingInterval),
		endpoint,
		m,
		logger,
	)
	client.SetRetryPolicy(uint64(cfg.RPCMaxRetries), cfg.RPCRetryBackoff)

	logger.Info("initialized solana RPC client",
		"endpoint", endpoint,
		"total_endpoints", len(cfg.SolanaRPCURLs),
		"pacing_interval", cfg.RPCPacingInterval,
	)
	return client, nil
}

// NewPriceSource returns the HTTP feed when PRICE_FEED_URL is set and the
// table's fixed prices otherwise.
func NewPriceSource(cfg *config.Config, table *vault.Table, m *metrics.Metrics, logger *slog.Logger) (price.Source, error) {
	if cfg.PriceFeedURL == "" {
		logger.Warn("PRICE_FEED_URL not set, only fixed prices are available")
		return price.NewFixedSource(table), nil
	}
	return price.NewHTTPSource(cfg.PriceFeedURL, cfg.PriceFeedJQ, table, nil, m, logger)
}

// OpenStore opens the configured cursor store on its own, for tools that do
// not need the rest of the pipeline.
func OpenStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (cursor.Store, func(), error) {
	switch cfg.CursorStore {
	case config.CursorStoreBadger:
		store, err := cursor.NewBadgerStore(cfg.CursorPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.CursorStorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := db.NewStore(pool, m)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return cursor.NewMemoryStore(), func() {}, nil
	}
}

func (a *App) openStore(ctx context.Context) (cursor.Store, error) {
	store, closeFn, err := OpenStore(ctx, a.Config, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cursor store: %w", a.Config.CursorStore, err)
	}
	a.closers = append(a.closers, closeFn)
	a.Logger.Info("opened cursor store", "backend", a.Config.CursorStore)
	return store, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
