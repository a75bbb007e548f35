package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/contextpool"
	"github.com/ghosttab/orchestrator/internal/decomposer"
	"github.com/ghosttab/orchestrator/internal/driver"
	"github.com/ghosttab/orchestrator/internal/ipc"
	"github.com/ghosttab/orchestrator/internal/loop"
	"github.com/ghosttab/orchestrator/internal/modelclient"
	"github.com/ghosttab/orchestrator/internal/task"
)

func fakeDrivers() (contextpool.Factory, map[string]*driver.FakeDriver) {
	built := map[string]*driver.FakeDriver{}
	factory := func(slotID string) (driver.Driver, error) {
		fd := driver.NewFakeDriver("https://example.com")
		built[slotID] = fd
		return fd, nil
	}
	return factory, built
}

func alwaysVerifies() decomposer.VerifierFunc {
	return func(_ context.Context, _ driver.Driver, _ task.Verification) (bool, error) { return true, nil }
}

// blockingTier2Client answers no call before its context is done.
type blockingTier2Client struct{}

func (blockingTier2Client) Infer(ctx context.Context, _ modelclient.Tier2Request) (modelclient.Tier2Response, error) {
	<-ctx.Done()
	return modelclient.Tier2Response{}, ctx.Err()
}

func newDoneLoop(bus *ipc.Bus) *loop.Loop {
	tier1 := modelclient.NewFakeTier1Client(modelclient.Tier1Response{
		Action: driver.Action{Kind: driver.ActionDone}, Confidence: 0.9,
	})
	return loop.New(loop.DefaultConfig(), tier1, modelclient.NewFakeTier2Client(), bus, zap.NewNop())
}

func TestScheduler_SuccessfulTaskFinalizes(t *testing.T) {
	factory, _ := fakeDrivers()
	pool, err := contextpool.New(2, 2, false, factory, zap.NewNop())
	require.NoError(t, err)

	bus := ipc.NewBus(zap.NewNop())
	sched := New(pool, bus, ResourceBudget{}, nil, 1, zap.NewNop())
	d := decomposer.New(modelclient.NewFakePlannerClient(), newDoneLoop(bus), alwaysVerifies(), bus, zap.NewNop())

	tk := task.NewTask("t1", "go somewhere", "https://example.com", task.Foreground, 5, 1)
	sched.Submit(context.Background(), tk, d)

	require.Eventually(t, func() bool {
		return tk.Outcome != task.OutcomeNone
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, task.OutcomeSucceeded, tk.Outcome)
	assert.Equal(t, 2, pool.Snapshot().Available)
	assert.Equal(t, 0, pool.Snapshot().InUse)
}

func TestScheduler_CrashTriggersRetryThenSucceeds(t *testing.T) {
	factory, built := fakeDrivers()
	pool, err := contextpool.New(1, 1, true, factory, zap.NewNop())
	require.NoError(t, err)

	bus := ipc.NewBus(zap.NewNop())
	sched := New(pool, bus, ResourceBudget{}, nil, 2, zap.NewNop())
	d := decomposer.New(modelclient.NewFakePlannerClient(), newDoneLoop(bus), alwaysVerifies(), bus, zap.NewNop())

	tk := task.NewTask("t2", "go somewhere", "https://example.com", task.Foreground, 5, 2)
	sched.Submit(context.Background(), tk, d)

	require.Eventually(t, func() bool {
		return len(built) >= 1
	}, time.Second, 5*time.Millisecond)
	for _, fd := range built {
		fd.Crash("simulated crash")
		break
	}

	require.Eventually(t, func() bool {
		return tk.Outcome != task.OutcomeNone
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, task.OutcomeSucceeded, tk.Outcome)
}

func TestScheduler_CancelTaskMarksCancelledAndReleasesContext(t *testing.T) {
	factory, _ := fakeDrivers()
	pool, err := contextpool.New(1, 1, false, factory, zap.NewNop())
	require.NoError(t, err)

	// The fake driver's AX tree is empty, so every step is AX-deficient and
	// goes to Tier 2, which blocks until its context ends: the task stays in
	// flight until it is cancelled.
	bus := ipc.NewBus(zap.NewNop())
	l := loop.New(loop.DefaultConfig(), modelclient.NewFakeTier1Client(), blockingTier2Client{}, bus, zap.NewNop())
	sched := New(pool, bus, ResourceBudget{}, nil, 0, zap.NewNop())
	d := decomposer.New(modelclient.NewFakePlannerClient(), l, alwaysVerifies(), bus, zap.NewNop())

	tk := task.NewTask("t3", "go somewhere", "https://example.com", task.Foreground, 20, 0)
	sched.Submit(context.Background(), tk, d)

	require.Eventually(t, func() bool {
		return tk.ContextID != ""
	}, time.Second, 5*time.Millisecond)

	sched.CancelTask("t3")
	assert.Equal(t, task.OutcomeCancelled, tk.Outcome)

	require.Eventually(t, func() bool {
		return pool.Quiescent()
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_ActiveCountTracksNonTerminalTasks(t *testing.T) {
	factory, _ := fakeDrivers()
	pool, err := contextpool.New(2, 2, false, factory, zap.NewNop())
	require.NoError(t, err)

	bus := ipc.NewBus(zap.NewNop())
	sched := New(pool, bus, ResourceBudget{}, nil, 0, zap.NewNop())
	d := decomposer.New(modelclient.NewFakePlannerClient(), newDoneLoop(bus), alwaysVerifies(), bus, zap.NewNop())

	tk := task.NewTask("t4", "go somewhere", "https://example.com", task.Foreground, 5, 0)
	sched.Submit(context.Background(), tk, d)

	require.Eventually(t, func() bool {
		return sched.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)
}
