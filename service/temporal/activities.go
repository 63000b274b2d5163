package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/brojonat/vaultwatch/service/monitor"
	solanago "github.com/gagliardetto/solana-go"
)

// CursorState is the serializable form of a cursor carried in workflow state.
type CursorState struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

func toCursorState(c cursor.Cursor) *CursorState {
	if c.IsZero() {
		return nil
	}
	return &CursorState{Signature: c.Signature.String(), Slot: c.Slot}
}

func (s *CursorState) cursor() (cursor.Cursor, error) {
	if s == nil {
		return cursor.Cursor{}, nil
	}
	sig, err := solanago.SignatureFromBase58(s.Signature)
	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("invalid cursor signature: %w", err)
	}
	return cursor.Cursor{Signature: sig, Slot: s.Slot}, nil
}

// LatestCursorInput contains parameters for the LatestCursor activity.
type LatestCursorInput struct {
	Address string `json:"address"`
}

// RunCycleInput contains parameters for the RunCycle activity.
type RunCycleInput struct {
	Address string      `json:"address"`
	Cursor  CursorState `json:"cursor"`
}

// RunCycleResult summarizes one cycle run by the activity.
type RunCycleResult struct {
	Cursor        CursorState `json:"cursor"`
	Signatures    int         `json:"signatures"`
	Missing       int         `json:"missing"`
	FailedOnChain int         `json:"failed_on_chain"`
	Events        int         `json:"events"`
	Alerts        int         `json:"alerts"`
	AlertFailures int         `json:"alert_failures"`
	Unresolved    int         `json:"unresolved"`
	Malformed     int         `json:"malformed"`

	// Truncated is set when the activity deadline cut the batch short.
	Truncated bool `json:"truncated,omitempty"`
	Remaining int  `json:"remaining,omitempty"`
}

// CycleRunner is the part of monitor.Cycle the activities need.
type CycleRunner interface {
	Address() solanago.PublicKey
	Run(ctx context.Context, cur cursor.Cursor) (*monitor.CycleReport, cursor.Cursor, error)
	LatestCursor(ctx context.Context) (cursor.Cursor, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	cycle   CycleRunner
	store   cursor.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance. store is optional; when set,
// every advanced cursor is mirrored to it so the CLI can inspect it.
func NewActivities(cycle CycleRunner, store cursor.Store, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		cycle:   cycle,
		store:   store,
		metrics: m,
		logger:  logger,
	}
}

func (a *Activities) checkAddress(address string) error {
	if address != a.cycle.Address().String() {
		return fmt.Errorf("worker monitors %s, not %s", a.cycle.Address(), address)
	}
	return nil
}

// LatestCursor returns the starting cursor for a fresh workflow: the stored one if
// the store has it, otherwise the newest signature of the account.
func (a *Activities) LatestCursor(ctx context.Context, input LatestCursorInput) (*CursorState, error) {
	start := time.Now()
	defer metrics.Timer(start, func(d float64) { a.metrics.RecordActivityDuration("LatestCursor", d) })()

	if err := a.checkAddress(input.Address); err != nil {
		return nil, err
	}

	if a.store != nil {
		c, err := a.store.Load(ctx, a.cycle.Address())
		if err == nil && !c.IsZero() {
			a.logger.InfoContext(ctx, "resuming from stored cursor", "cursor", c.String())
			return toCursorState(c), nil
		}
	}

	c, err := a.cycle.LatestCursor(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to get latest signature", "address", input.Address, "error", err)
		return nil, fmt.Errorf("failed to get latest signature: %w", err)
	}
	return toCursorState(c), nil
}

// RunCycle processes every signature after input.Cursor.
func (a *Activities) RunCycle(ctx context.Context, input RunCycleInput) (*RunCycleResult, error) {
	start := time.Now()
	defer metrics.Timer(start, func(d float64) { a.metrics.RecordActivityDuration("RunCycle", d) })()

	if err := a.checkAddress(input.Address); err != nil {
		return nil, err
	}
	cur, err := input.Cursor.cursor()
	if err != nil {
		return nil, err
	}

	report, next, err := a.cycle.Run(ctx, cur)
	if err != nil {
		a.metrics.RecordCycle("error", time.Since(start).Seconds())
		a.metrics.RecordWorkflowCycle("error")
		a.logger.ErrorContext(ctx, "cycle failed", "cursor", cur.String(), "error", err)
		return nil, err
	}
	a.metrics.RecordCycle("success", time.Since(start).Seconds())
	if report.Truncated {
		a.metrics.RecordWorkflowCycle("truncated")
	} else {
		a.metrics.RecordWorkflowCycle("success")
	}

	if a.store != nil && next.Signature != cur.Signature {
		next.UpdatedAt = time.Now().UTC()
		if err := a.store.Save(ctx, a.cycle.Address(), next); err != nil {
			a.logger.WarnContext(ctx, "failed to mirror cursor", "cursor", next.String(), "error", err)
		}
	}

	return &RunCycleResult{
		Cursor:        CursorState{Signature: next.Signature.String(), Slot: next.Slot},
		Signatures:    report.Signatures,
		Missing:       report.Missing,
		FailedOnChain: report.FailedOnChain,
		Events:        report.Events,
		Alerts:        report.Alerts,
		AlertFailures: report.AlertFailures,
		Unresolved:    report.Unresolved,
		Malformed:     report.Malformed,
		Truncated:     report.Truncated,
		Remaining:     report.Remaining,
	}, nil
}
