package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// StatusQuery is the query type answered by MonitorWorkflow.
	StatusQuery = "status"

	defaultCyclesPerRun = 500
	defaultPollInterval = 2 * time.Second
	startRetryInterval  = 30 * time.Second
)

// MonitorInput is the input of MonitorWorkflow. Cursor is nil on the first run
// and carried across continue-as-new afterwards.
type MonitorInput struct {
	Address      string        `json:"address"`
	Cursor       *CursorState  `json:"cursor,omitempty"`
	PollInterval time.Duration `json:"poll_interval"`
	CyclesPerRun int           `json:"cycles_per_run"`

	// Totals carried across runs.
	Cycles       int `json:"cycles"`
	FailedCycles int `json:"failed_cycles"`
	Events       int `json:"events"`
	Alerts       int `json:"alerts"`
}

// WorkflowStatus is returned by the status query.
type WorkflowStatus struct {
	Address      string       `json:"address"`
	Cursor       *CursorState `json:"cursor,omitempty"`
	Cycles       int          `json:"cycles"`
	FailedCycles int          `json:"failed_cycles"`
	Events       int          `json:"events"`
	Alerts       int          `json:"alerts"`
	LastError    string       `json:"last_error,omitempty"`
	LastCycleAt  time.Time    `json:"last_cycle_at"`
}

// MonitorWorkflow polls the monitored account forever. The cursor lives in
// workflow state; after CyclesPerRun cycles the workflow continues as new to
// keep its history bounded.
func MonitorWorkflow(ctx workflow.Context, input MonitorInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("MonitorWorkflow started", "address", input.Address, "cursor", input.Cursor)

	if input.CyclesPerRun <= 0 {
		input.CyclesPerRun = defaultCyclesPerRun
	}
	if input.PollInterval <= 0 {
		input.PollInterval = defaultPollInterval
	}

	status := WorkflowStatus{
		Address:      input.Address,
		Cursor:       input.Cursor,
		Cycles:       input.Cycles,
		FailedCycles: input.FailedCycles,
		Events:       input.Events,
		Alerts:       input.Alerts,
	}
	if err := workflow.SetQueryHandler(ctx, StatusQuery, func() (WorkflowStatus, error) {
		return status, nil
	}); err != nil {
		return fmt.Errorf("failed to register status query: %w", err)
	}

	startCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	// A failed cycle is retried by the next tick, not by Temporal.
	cycleCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	for status.Cursor == nil {
		var latest *CursorState
		err := workflow.ExecuteActivity(startCtx, a.LatestCursor, LatestCursorInput{Address: input.Address}).Get(ctx, &latest)
		if err != nil {
			logger.Warn("failed to resolve starting cursor", "error", err)
			status.LastError = err.Error()
		} else if latest != nil {
			logger.Info("starting cursor resolved", "signature", latest.Signature, "slot", latest.Slot)
			status.Cursor = latest
			break
		}
		if err := workflow.Sleep(ctx, startRetryInterval); err != nil {
			return err
		}
	}

	for i := 0; i < input.CyclesPerRun; i++ {
		var result *RunCycleResult
		err := workflow.ExecuteActivity(cycleCtx, a.RunCycle, RunCycleInput{
			Address: input.Address,
			Cursor:  *status.Cursor,
		}).Get(ctx, &result)

		status.Cycles++
		status.LastCycleAt = workflow.Now(ctx)
		if err != nil {
			status.FailedCycles++
			status.LastError = err.Error()
			logger.Warn("cycle failed, keeping cursor", "slot", status.Cursor.Slot, "error", err)
		} else {
			status.LastError = ""
			status.Events += result.Events
			status.Alerts += result.Alerts
			switch {
			case result.Cursor.Slot < status.Cursor.Slot:
				logger.Warn("rejecting cursor older than current",
					"current_slot", status.Cursor.Slot,
					"proposed_slot", result.Cursor.Slot,
				)
			default:
				next := result.Cursor
				status.Cursor = &next
			}
			if result.Signatures > 0 {
				logger.Info("cycle complete",
					"signatures", result.Signatures,
					"events", result.Events,
					"alerts", result.Alerts,
					"slot", status.Cursor.Slot,
				)
			}
		}

		if err == nil && result.Truncated {
			// Backlog left over; run the next cycle right away.
			logger.Info("cycle truncated, continuing without sleep", "remaining", result.Remaining)
			continue
		}
		if err := workflow.Sleep(ctx, input.PollInterval); err != nil {
			return err
		}
	}

	logger.Info("continuing as new", "cycles", status.Cycles, "slot", status.Cursor.Slot)
	return workflow.NewContinueAsNewError(ctx, MonitorWorkflow, MonitorInput{
		Address:      input.Address,
		Cursor:       status.Cursor,
		PollInterval: input.PollInterval,
		CyclesPerRun: input.CyclesPerRun,
		Cycles:       status.Cycles,
		FailedCycles: status.FailedCycles,
		Events:       status.Events,
		Alerts:       status.Alerts,
	})
}
