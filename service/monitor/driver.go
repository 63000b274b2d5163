package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/brojonat/vaultwatch/service/metrics"
)

// State is the phase of the driver loop.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
)

// DefaultPollInterval is the wait between cycles when none is configured.
const DefaultPollInterval = 2 * time.Second

// Status is a read-only snapshot of the driver.
type Status struct {
	Address       string        `json:"address"`
	State         State         `json:"state"`
	Cursor        string        `json:"cursor"`
	CursorSlot    uint64        `json:"cursor_slot"`
	PollInterval  time.Duration `json:"poll_interval"`
	Cycles        int           `json:"cycles"`
	FailedCycles  int           `json:"failed_cycles"`
	Events        int           `json:"events"`
	Alerts        int           `json:"alerts"`
	LastCycleAt   time.Time     `json:"last_cycle_at,omitzero"`
	LastSuccessAt time.Time     `json:"last_success_at,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
	LastReport    *CycleReport  `json:"last_report,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CursorPersist bool          `json:"cursor_persisted"`
}

// Driver owns the cursor and runs cycles until its context is cancelled.
type Driver struct {
	cycle    *Cycle
	store    cursor.Store
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cur    cursor.Cursor
	status Status
}

// NewDriver creates a driver. store may be nil, in which case the cursor lives
// only in memory and a restart starts again from the newest signature.
func NewDriver(cycle *Cycle, store cursor.Store, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Driver {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Driver{
		cycle:    cycle,
		store:    store,
		interval: interval,
		metrics:  m,
		logger:   logger,
		status: Status{
			Address:       cycle.Address().String(),
			State:         StateIdle,
			Cursor:        cursor.Cursor{}.String(),
			PollInterval:  interval,
			StartedAt:     time.Now().UTC(),
			CursorPersist: store != nil,
		},
	}
}

// Init resolves the starting cursor: the persisted one when the store has it,
// otherwise the newest signature of the account. History before that point is
// never processed.
func (d *Driver) Init(ctx context.Context) error {
	address := d.cycle.Address()

	if d.store != nil {
		c, err := d.store.Load(ctx, address)
		switch {
		case err == nil && !c.IsZero():
			d.logger.InfoContext(ctx, "resuming from persisted cursor", "cursor", c.String())
			d.setCursor(c)
			return nil
		case err != nil && !errors.Is(err, cursor.ErrNotFound):
			return fmt.Errorf("failed to load cursor: %w", err)
		}
	}

	c, err := d.cycle.LatestCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest signature: %w", err)
	}
	if c.IsZero() {
		d.logger.WarnContext(ctx, "account has no signatures yet", "address", address.String())
		return nil
	}

	d.logger.InfoContext(ctx, "starting from newest signature", "cursor", c.String())
	d.advance(ctx, c)
	return nil
}

// Run polls until ctx is cancelled. A failed cycle is logged and retried on the
// next tick with the same cursor.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "monitor started",
		"address", d.cycle.Address().String(),
		"poll_interval", d.interval,
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "monitor stopped", "cursor", d.Cursor().String())
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single cycle from the current cursor.
func (d *Driver) RunOnce(ctx context.Context) (*CycleReport, error) {
	cur := d.Cursor()
	if cur.IsZero() {
		// Nothing to anchor on yet; try again to find the newest signature.
		if err := d.Init(ctx); err != nil {
			d.finishCycle(nil, err)
			return nil, err
		}
		return nil, nil
	}

	d.setState(StatePolling)
	defer d.setState(StateIdle)

	report, next, err := d.cycle.Run(ctx, cur)
	status := "success"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordCycle(status, time.Since(report.StartedAt).Seconds())

	if err == nil {
		d.advance(ctx, next)
	}
	d.finishCycle(report, err)

	if err == nil && report.Signatures > 0 {
		d.logger.InfoContext(ctx, "cycle complete",
			"signatures", report.Signatures,
			"events", report.Events,
			"alerts", report.Alerts,
			"missing", report.Missing,
			"truncated", report.Truncated,
			"page_capped", report.PageCapped,
			"cursor", next.String(),
		)
	}
	return report, err
}

// advance moves the cursor forward. A cursor at a lower slot is rejected so a
// lagging RPC node can never rewind processing.
func (d *Driver) advance(ctx context.Context, next cursor.Cursor) {
	d.mu.Lock()
	cur := d.cur
	if next.Before(cur) {
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "rejecting cursor older than current",
			"current", cur.String(),
			"proposed", next.String(),
		)
		return
	}
	changed := next.Signature != cur.Signature
	d.cur = next
	d.status.Cursor = next.String()
	d.status.CursorSlot = next.Slot
	d.mu.Unlock()

	d.metrics.SetCursorSlot(d.status.Address, next.Slot)

	if !changed || d.store == nil {
		return
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	if err := d.store.Save(ctx, d.cycle.Address(), next); err != nil {
		d.logger.ErrorContext(ctx, "failed to persist cursor", "cursor", next.String(), "error", err)
	}
}

func (d *Driver) setCursor(c cursor.Cursor) {
	d.mu.Lock()
	d.cur = c
	d.status.Cursor = c.String()
	d.status.CursorSlot = c.Slot
	d.mu.Unlock()
	d.metrics.SetCursorSlot(d.status.Address, c.Slot)
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.status.State = s
	d.mu.Unlock()
}

func (d *Driver) finishCycle(report *CycleReport, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status.Cycles++
	d.status.LastCycleAt = time.Now().UTC()
	if err != nil {
		d.status.FailedCycles++
		d.status.LastError = err.Error()
	} else {
		d.status.LastError = ""
		d.status.LastSuccessAt = d.status.LastCycleAt
	}
	if report != nil {
		d.status.LastReport = report
		if err == nil {
			d.status.Events += report.Events
			d.status.Alerts += report.Alerts
		}
	}
}

// Cursor returns the current cursor.
func (d *Driver) Cursor() cursor.Cursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur
}

// Status returns a snapshot of the driver.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.status
	if s.LastReport != nil {
		r := *s.LastReport
		r.Evaluations = nil
		s.LastReport = &r
	}
	return s
}
