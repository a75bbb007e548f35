package decomposer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/driver"
	"github.com/ghosttab/orchestrator/internal/ipc"
	"github.com/ghosttab/orchestrator/internal/loop"
	"github.com/ghosttab/orchestrator/internal/modelclient"
	"github.com/ghosttab/orchestrator/internal/task"
)

func alwaysTrueVerifier() VerifierFunc {
	return func(_ context.Context, _ driver.Driver, _ task.Verification) (bool, error) {
		return true, nil
	}
}

func newTestLoop() *loop.Loop {
	tier1 := modelclient.NewFakeTier1Client(modelclient.Tier1Response{
		Action: driver.Action{Kind: driver.ActionDone}, Confidence: 0.9,
	})
	cfg := loop.DefaultConfig()
	return loop.New(cfg, tier1, modelclient.NewFakeTier2Client(), nil, zap.NewNop())
}

func TestDecomposer_RunsFreshPlanSequentially(t *testing.T) {
	planner := modelclient.NewFakePlannerClient(
		modelclient.PlannedSubtask{Intent: "step one", Verification: modelclient.Verification{Type: "always", Condition: "true"}},
		modelclient.PlannedSubtask{Intent: "step two", Verification: modelclient.Verification{Type: "always", Condition: "true"}},
	)
	d := New(planner, newTestLoop(), alwaysTrueVerifier(), ipc.NewBus(zap.NewNop()), zap.NewNop())

	fd := driver.NewFakeDriver("https://example.com")
	result := d.Run(context.Background(), loop.Params{
		TaskID: "task-1", ContextID: "ctx-1", Intent: "do two things", StartURL: "https://example.com", MaxSteps: 5,
		Driver: fd, Machine: task.NewMachine(),
	}, nil, task.NewCheckpoint())

	require.Equal(t, task.OutcomeSucceeded, result.Outcome)
	require.Len(t, result.Subtasks, 2)
	assert.Equal(t, task.SubtaskComplete, result.Subtasks[0].Status)
	assert.Equal(t, task.SubtaskComplete, result.Subtasks[1].Status)
	assert.Equal(t, 1, result.Checkpoint.LastCompletedSubtaskIndex)
}

func TestDecomposer_ResumesFromCheckpointSkippingCompleted(t *testing.T) {
	planner := modelclient.NewFakePlannerClient()
	d := New(planner, newTestLoop(), alwaysTrueVerifier(), ipc.NewBus(zap.NewNop()), zap.NewNop())

	subtasks := []task.Subtask{
		{ID: "subtask-a", Intent: "already done", Status: task.SubtaskComplete},
		{ID: "subtask-b", Intent: "still pending", Status: task.SubtaskPending},
	}
	checkpoint := task.NewCheckpoint().Advance(0, "done")

	fd := driver.NewFakeDriver("https://example.com")
	result := d.Run(context.Background(), loop.Params{
		TaskID: "task-1", ContextID: "ctx-1", Intent: "resume", StartURL: "https://example.com", MaxSteps: 5,
		Driver: fd, Machine: task.NewMachine(),
	}, subtasks, checkpoint)

	require.Equal(t, task.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, task.SubtaskComplete, result.Subtasks[0].Status)
	assert.Equal(t, task.SubtaskComplete, result.Subtasks[1].Status)
	assert.Equal(t, 1, result.Checkpoint.LastCompletedSubtaskIndex)
	require.Len(t, result.LoopResults, 1, "a completed subtask must not be re-run on resume")
}

func TestDecomposer_VerificationFailureStopsAndReportsFailure(t *testing.T) {
	planner := modelclient.NewFakePlannerClient(
		modelclient.PlannedSubtask{Intent: "step one", Verification: modelclient.Verification{Type: "never", Condition: "false"}},
	)
	falseVerifier := VerifierFunc(func(_ context.Context, _ driver.Driver, _ task.Verification) (bool, error) {
		return false, nil
	})
	d := New(planner, newTestLoop(), falseVerifier, ipc.NewBus(zap.NewNop()), zap.NewNop())

	fd := driver.NewFakeDriver("https://example.com")
	result := d.Run(context.Background(), loop.Params{
		TaskID: "task-1", ContextID: "ctx-1", Intent: "do one thing", StartURL: "https://example.com", MaxSteps: 5,
		Driver: fd, Machine: task.NewMachine(),
	}, nil, task.NewCheckpoint())

	require.Equal(t, task.OutcomeFailed, result.Outcome)
	require.NotNil(t, result.Err)
	assert.Equal(t, task.SubtaskFailed, result.Subtasks[0].Status)
	assert.Equal(t, -1, result.Checkpoint.LastCompletedSubtaskIndex)
}
