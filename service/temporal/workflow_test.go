package temporal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

const workflowAddress = "2HqPaB7uVdyrRdbrryPQVPrkCDFxFkChUPSD7M1TiYWP"

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.LatestCursor)
	env.RegisterActivity(activities.RunCycle)
	return env, activities
}

// nextInput decodes the input the workflow continued as new with.
func nextInput(t *testing.T, err error) MonitorInput {
	t.Helper()
	var canErr *workflow.ContinueAsNewError
	require.True(t, errors.As(err, &canErr), "expected continue-as-new, got %v", err)

	var next MonitorInput
	require.NoError(t, converter.GetDefaultDataConverter().FromPayloads(canErr.Input, &next))
	return next
}

// advancingCycle returns a RunCycle stand-in that moves the cursor one slot
// forward per call and records the cursors it was given.
func advancingCycle(seen *[]uint64, failOn map[int]bool) func(context.Context, RunCycleInput) (*RunCycleResult, error) {
	call := 0
	return func(_ context.Context, in RunCycleInput) (*RunCycleResult, error) {
		call++
		*seen = append(*seen, in.Cursor.Slot)
		if failOn[call] {
			return nil, errors.New("fetch failed: rpc unavailable")
		}
		slot := in.Cursor.Slot + 1
		return &RunCycleResult{
			Cursor:     CursorState{Signature: fmt.Sprintf("sig-%d", slot), Slot: slot},
			Signatures: 1,
			Events:     1,
			Alerts:     1,
		}, nil
	}
}

func TestMonitorWorkflow_ContinuesAsNewWithCursor(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.LatestCursor, mock.Anything, mock.Anything).
		Return(&CursorState{Signature: "sig-100", Slot: 100}, nil)

	var seen []uint64
	env.OnActivity(activities.RunCycle, mock.Anything, mock.Anything).Return(advancingCycle(&seen, nil))

	env.ExecuteWorkflow(MonitorWorkflow, MonitorInput{
		Address:      workflowAddress,
		PollInterval: time.Second,
		CyclesPerRun: 3,
	})

	require.True(t, env.IsWorkflowCompleted())
	next := nextInput(t, env.GetWorkflowError())

	assert.Equal(t, []uint64{100, 101, 102}, seen, "each cycle starts where the previous one ended")
	require.NotNil(t, next.Cursor)
	assert.Equal(t, uint64(103), next.Cursor.Slot)
	assert.Equal(t, "sig-103", next.Cursor.Signature)
	assert.Equal(t, 3, next.Cycles)
	assert.Equal(t, 3, next.Alerts)
	assert.Equal(t, 3, next.CyclesPerRun)
	assert.Equal(t, workflowAddress, next.Address)
}

func TestMonitorWorkflow_FailedCycleKeepsCursor(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	var seen []uint64
	env.OnActivity(activities.RunCycle, mock.Anything, mock.Anything).
		Return(advancingCycle(&seen, map[int]bool{2: true}))

	env.ExecuteWorkflow(MonitorWorkflow, MonitorInput{
		Address:      workflowAddress,
		Cursor:       &CursorState{Signature: "sig-10", Slot: 10},
		CyclesPerRun: 3,
	})

	require.True(t, env.IsWorkflowCompleted())
	next := nextInput(t, env.GetWorkflowError())

	assert.Equal(t, []uint64{10, 11, 11}, seen, "no activity-level retry; the next tick retries")
	assert.Equal(t, uint64(12), next.Cursor.Slot)
	assert.Equal(t, 1, next.FailedCycles)
	assert.Equal(t, 3, next.Cycles)
}

func TestMonitorWorkflow_ExistingCursorSkipsLatest(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	latestCalls := 0
	env.OnActivity(activities.LatestCursor, mock.Anything, mock.Anything).
		Return(func(context.Context, LatestCursorInput) (*CursorState, error) {
			latestCalls++
			return &CursorState{Signature: "sig-999", Slot: 999}, nil
		})
	var seen []uint64
	env.OnActivity(activities.RunCycle, mock.Anything, mock.Anything).Return(advancingCycle(&seen, nil))

	env.ExecuteWorkflow(MonitorWorkflow, MonitorInput{
		Address:      workflowAddress,
		Cursor:       &CursorState{Signature: "sig-5", Slot: 5},
		CyclesPerRun: 1,
		Cycles:       41,
	})

	next := nextInput(t, env.GetWorkflowError())
	assert.Equal(t, 0, latestCalls)
	assert.Equal(t, []uint64{5}, seen)
	assert.Equal(t, 42, next.Cycles, "totals carry across runs")
}

func TestMonitorWorkflow_RejectsOlderCursor(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.RunCycle, mock.Anything, mock.Anything).
		Return(&RunCycleResult{Cursor: CursorState{Signature: "sig-50", Slot: 50}}, nil)

	env.ExecuteWorkflow(MonitorWorkflow, MonitorInput{
		Address:      workflowAddress,
		Cursor:       &CursorState{Signature: "sig-100", Slot: 100},
		CyclesPerRun: 2,
	})

	next := nextInput(t, env.GetWorkflowError())
	assert.Equal(t, uint64(100), next.Cursor.Slot)
	assert.Equal(t, "sig-100", next.Cursor.Signature)
}

func TestMonitorWorkflow_RetriesStartingCursor(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	calls := 0
	env.OnActivity(activities.LatestCursor, mock.Anything, mock.Anything).
		Return(func(context.Context, LatestCursorInput) (*CursorState, error) {
			calls++
			if calls == 1 {
				// Account has no signatures yet.
				return nil, nil
			}
			return &CursorState{Signature: "sig-1", Slot: 1}, nil
		})
	var seen []uint64
	env.OnActivity(activities.RunCycle, mock.Anything, mock.Anything).Return(advancingCycle(&seen, nil))

	env.ExecuteWorkflow(MonitorWorkflow, MonitorInput{Address: workflowAddress, CyclesPerRun: 1})

	next := nextInput(t, env.GetWorkflowError())
	assert.Equal(t, 2, calls)
	assert.Equal(t, []uint64{1}, seen)
	assert.Equal(t, uint64(2), next.Cursor.Slot)
}

func TestMonitorWorkflow_StatusQuery(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	var seen []uint64
	env.OnActivity(activities.RunCycle, mock.Anything, mock.Anything).Return(advancingCycle(&seen, nil))

	env.RegisterDelayedCallback(func() {
		value, err := env.QueryWorkflow(StatusQuery)
		require.NoError(t, err)

		var status WorkflowStatus
		require.NoError(t, value.Get(&status))
		assert.Equal(t, workflowAddress, status.Address)
		assert.GreaterOrEqual(t, status.Cycles, 1)
		require.NotNil(t, status.Cursor)
		assert.Greater(t, status.Cursor.Slot, uint64(20))
	}, 5*time.Second)

	env.ExecuteWorkflow(MonitorWorkflow, MonitorInput{
		Address:      workflowAddress,
		Cursor:       &CursorState{Signature: "sig-20", Slot: 20},
		PollInterval: 2 * time.Second,
		CyclesPerRun: 10,
	})

	nextInput(t, env.GetWorkflowError())
}

func TestMonitorWorkflow_TruncatedCycleSkipsSleep(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	call := 0
	env.OnActivity(activities.RunCycle, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in RunCycleInput) (*RunCycleResult, error) {
			call++
			slot := in.Cursor.Slot + 10
			return &RunCycleResult{
				Cursor:     CursorState{Signature: fmt.Sprintf("sig-%d", slot), Slot: slot},
				Signatures: 10,
				Truncated:  call < 3,
				Remaining:  10 * (3 - call),
			}, nil
		})

	start := env.Now()
	env.ExecuteWorkflow(MonitorWorkflow, MonitorInput{
		Address:      workflowAddress,
		Cursor:       &CursorState{Signature: "sig-10", Slot: 10},
		PollInterval: time.Hour,
		CyclesPerRun: 3,
	})

	require.True(t, env.IsWorkflowCompleted())
	next := nextInput(t, env.GetWorkflowError())
	assert.Equal(t, uint64(40), next.Cursor.Slot)

	// Only the final, complete cycle sleeps.
	elapsed := env.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, time.Hour)
	assert.Less(t, elapsed, 2*time.Hour)
}
