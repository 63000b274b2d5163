// Package monitor runs the poll cycles that turn new signatures of the
// monitored account into priced vault events and alerts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vaultwatch/service/alert"
	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/brojonat/vaultwatch/service/nats"
	"github.com/brojonat/vaultwatch/service/price"
	"github.com/brojonat/vaultwatch/service/solana"
	"github.com/brojonat/vaultwatch/service/vault"
	solanago "github.com/gagliardetto/solana-go"
)

// Fetcher lists and classifies the transactions after a cursor.
type Fetcher interface {
	FetchSince(ctx context.Context, params solana.FetchParams) (*solana.FetchResult, cursor.Cursor, error)
	LatestCursor(ctx context.Context, address solanago.PublicKey) (cursor.Cursor, error)
}

// EventPublisher receives every evaluated vault event.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *nats.VaultEvent) error
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	From cursor.Cursor `json:"-"`
	To   cursor.Cursor `json:"-"`

	Signatures    int `json:"signatures"`
	Missing       int `json:"missing"`
	FailedOnChain int `json:"failed_on_chain"` // reverted, never classified or alerted
	FetchErrors   int `json:"fetch_errors"`
	Instructions  int `json:"instructions"`
	Unrecognized  int `json:"unrecognized"`
	Malformed     int `json:"malformed"`

	// Truncated batches stopped at a deadline; Remaining signatures are
	// picked up by the next cycle.
	Truncated  bool `json:"truncated,omitempty"`
	Remaining  int  `json:"remaining,omitempty"`
	PageCapped bool `json:"page_capped,omitempty"`

	Events         int `json:"events"`
	BelowThreshold int `json:"below_threshold"`
	Unresolved     int `json:"unresolved"`
	MissingPrice   int `json:"missing_price"`
	Alerts         int `json:"alerts"`
	AlertFailures  int `json:"alert_failures"`

	// Evaluations holds the priced events in chain order.
	Evaluations []*alert.Evaluation `json:"-"`
}

// maxDeliveryReserve caps the share of a deadline kept back from fetching for
// pricing and alert delivery.
const maxDeliveryReserve = 30 * time.Second

// Cycle performs one fetch-classify-alert pass. It holds no cursor state.
type Cycle struct {
	fetcher   Fetcher
	prices    price.Source
	evaluator *alert.Evaluator
	notifier  alert.Notifier
	publisher EventPublisher
	address   solanago.PublicKey
	pageLimit int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// CycleConfig holds the collaborators of a Cycle. Notifier and Publisher are optional.
type CycleConfig struct {
	Fetcher   Fetcher
	Prices    price.Source
	Evaluator *alert.Evaluator
	Notifier  alert.Notifier
	Publisher EventPublisher
	Address   solanago.PublicKey
	PageLimit int
}

func NewCycle(cfg CycleConfig, m *metrics.Metrics, logger *slog.Logger) (*Cycle, error) {
	if cfg.Fetcher == nil || cfg.Prices == nil || cfg.Evaluator == nil {
		return nil, errors.New("fetcher, price source and evaluator are required")
	}
	if cfg.Address.IsZero() {
		return nil, errors.New("monitored address is required")
	}
	return &Cycle{
		fetcher:   cfg.Fetcher,
		prices:    cfg.Prices,
		evaluator: cfg.Evaluator,
		notifier:  cfg.Notifier,
		publisher: cfg.Publisher,
		address:   cfg.Address,
		pageLimit: cfg.PageLimit,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Address returns the monitored account.
func (c *Cycle) Address() solanago.PublicKey {
	return c.address
}

// LatestCursor returns a cursor at the newest signature of the monitored account.
func (c *Cycle) LatestCursor(ctx context.Context) (cursor.Cursor, error) {
	return c.fetcher.LatestCursor(ctx, c.address)
}

// Run processes every signature after cur and returns the advanced cursor.
//
// Listing and price failures fail the cycle and return cur unchanged; nothing
// has been alerted at that point, so the batch is simply retried. Everything
// after that is best effort: per-event and delivery failures are logged and
// the cursor still advances past the batch. Transactions that failed on chain
// are counted in FailedOnChain and never classified, so they never alert.
//
// When ctx has a deadline, fetching stops early enough to leave time for
// pricing and delivery. A batch cut short is marked Truncated.
func (c *Cycle) Run(ctx context.Context, cur cursor.Cursor) (*CycleReport, cursor.Cursor, error) {
	report := &CycleReport{StartedAt: time.Now().UTC(), From: cur, To: cur}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
	}()

	fetchCtx, cancel := withDeliveryReserve(ctx)
	result, next, err := c.fetcher.FetchSince(fetchCtx, solana.FetchParams{
		Address:   c.address,
		Cursor:    cur,
		PageLimit: c.pageLimit,
	})
	cancel()
	if err != nil {
		return report, cur, fmt.Errorf("fetch failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return report, cur, fmt.Errorf("cycle interrupted: %w", err)
	}

	report.Signatures = result.Signatures
	report.Missing = result.Missing
	report.FailedOnChain = result.FailedOnChain
	report.FetchErrors = result.FetchErrors
	report.Instructions = result.Instructions
	report.Unrecognized = result.Unrecognized
	report.Malformed = result.Malformed
	report.Truncated = result.Truncated
	report.Remaining = result.Remaining
	report.PageCapped = result.PageCapped
	report.Events = len(result.Events)

	if len(result.Events) > 0 {
		snap, err := c.prices.GetPrices(ctx)
		if err != nil {
			return report, cur, fmt.Errorf("failed to get prices from %s: %w", c.prices.Name(), err)
		}
		for _, ev := range result.Events {
			c.handleEvent(ctx, ev, snap, report)
		}
	}

	report.To = next
	return report, next, nil
}

// withDeliveryReserve shortens the deadline of ctx, if any, by a fifth of the
// remaining time, at most maxDeliveryReserve.
func withDeliveryReserve(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, func() {}
	}
	reserve := time.Until(deadline) / 5
	if reserve > maxDeliveryReserve {
		reserve = maxDeliveryReserve
	}
	return context.WithDeadline(ctx, deadline.Add(-reserve))
}

func (c *Cycle) handleEvent(ctx context.Context, ev solana.Event, snap price.Snapshot, report *CycleReport) {
	logger := c.logger.With(
		"signature", ev.Signature.String(),
		"slot", ev.Slot,
		"index", ev.InstructionIndex,
		"action", ev.Kind.String(),
		"vault", ev.Vault.String(),
	)

	eval, err := c.evaluator.Evaluate(ev, snap)
	switch {
	case errors.Is(err, vault.ErrUnresolvedVault):
		report.Unresolved++
		c.metrics.RecordEventEvaluated(ev.Kind.String(), "unknown", "unresolved_vault", -1)
		logger.WarnContext(ctx, "skipping event for unresolved vault", "error", err)
		return
	case errors.Is(err, alert.ErrMissingPrice):
		report.MissingPrice++
		c.metrics.RecordEventEvaluated(ev.Kind.String(), "unknown", "missing_price", -1)
		logger.WarnContext(ctx, "skipping event without price", "error", err)
		return
	case err != nil:
		c.metrics.RecordEventEvaluated(ev.Kind.String(), "unknown", "error", -1)
		logger.WarnContext(ctx, "failed to evaluate event", "error", err)
		return
	}

	report.Evaluations = append(report.Evaluations, eval)
	usd := eval.USD.InexactFloat64()
	logger = logger.With(
		"signer", ev.Signer.String(),
		"symbol", eval.Asset.Symbol,
		"quantity", eval.Quantity.String(),
		"usd", eval.USD.Round(2).String(),
	)

	c.publish(ctx, eval, logger)

	if !eval.Alert {
		report.BelowThreshold++
		c.metrics.RecordEventEvaluated(eval.Action(), eval.Asset.Symbol, "below_threshold", usd)
		logger.InfoContext(ctx, "transfer below threshold")
		return
	}

	report.Alerts++
	c.metrics.RecordEventEvaluated(eval.Action(), eval.Asset.Symbol, "alert", usd)
	logger.InfoContext(ctx, "transfer above threshold", "message", eval.Message.Text)

	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, *eval.Message); err != nil {
		report.AlertFailures++
		logger.ErrorContext(ctx, "failed to deliver alert", "error", err)
	}
}

func (c *Cycle) publish(ctx context.Context, eval *alert.Evaluation, logger *slog.Logger) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishEvent(ctx, nats.FromEvaluation(eval)); err != nil {
		logger.WarnContext(ctx, "failed to publish vault event", "error", err)
	}
}
