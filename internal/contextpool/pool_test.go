package contextpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/driver"
	"github.com/ghosttab/orchestrator/internal/task"
)

func fakeFactory() Factory {
	return func(slotID string) (driver.Driver, error) {
		return driver.NewFakeDriver("about:blank"), nil
	}
}

func newTestPool(t *testing.T, capacity int, autoReplenish bool) *Pool {
	t.Helper()
	p, err := New(capacity, capacity, autoReplenish, fakeFactory(), zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestAcquire_ImmediateWhenAvailable(t *testing.T) {
	p := newTestPool(t, 2, false)

	lease, err := p.Acquire(context.Background(), task.Foreground)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, 1, p.Snapshot().InUse)
	assert.Equal(t, 1, p.Snapshot().Available)
}

func TestAcquire_BlocksAtCapacityThenDispatchesOnRelease(t *testing.T) {
	p := newTestPool(t, 1, false)

	lease, err := p.Acquire(context.Background(), task.Background)
	require.NoError(t, err)

	done := make(chan *ContextLease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), task.Background)
		require.NoError(t, err)
		done <- l
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.Snapshot().Queued)

	p.Release(lease, false)

	select {
	case l := <-done:
		assert.NotNil(t, l)
	case <-time.After(time.Second):
		t.Fatal("waiter was never dispatched")
	}
}

func TestAcquire_ForegroundPreemptsQueuedBackground(t *testing.T) {
	p := newTestPool(t, 1, false)

	held, err := p.Acquire(context.Background(), task.Foreground)
	require.NoError(t, err)

	order := make(chan string, 2)

	go func() {
		l, err := p.Acquire(context.Background(), task.Background)
		require.NoError(t, err)
		order <- "background"
		p.Release(l, false)
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		l, err := p.Acquire(context.Background(), task.Foreground)
		require.NoError(t, err)
		order <- "foreground"
		p.Release(l, false)
	}()
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 2, p.Snapshot().Queued)
	p.Release(held, false)

	first := <-order
	<-order
	assert.Equal(t, "foreground", first, "a foreground waiter must preempt an earlier queued background waiter")
}

func TestAcquire_CancelledContextRemovesWaiterFromQueue(t *testing.T) {
	p := newTestPool(t, 1, false)

	_, err := p.Acquire(context.Background(), task.Foreground)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, task.Background)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.Snapshot().Queued)
	cancel()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}
	assert.Equal(t, 0, p.Snapshot().Queued)
}

func TestRelease_DoubleReleaseIsNoop(t *testing.T) {
	p := newTestPool(t, 1, false)

	lease, err := p.Acquire(context.Background(), task.Foreground)
	require.NoError(t, err)

	p.Release(lease, false)
	assert.Equal(t, 1, p.Snapshot().Available)

	p.Release(lease, false)
	assert.Equal(t, 1, p.Snapshot().Available)
	assert.Equal(t, 0, p.Snapshot().InUse)
}

func TestRelease_AutoReplenishStartsWithEmptyStorage(t *testing.T) {
	p := newTestPool(t, 1, true)

	lease, err := p.Acquire(context.Background(), task.Foreground)
	require.NoError(t, err)

	fake := lease.Driver.(*driver.FakeDriver)
	_, evalErr := fake.EvaluateExpression(context.Background(), "1")
	require.NoError(t, evalErr)
	require.NoError(t, fake.Navigate(context.Background(), "https://example.com/visited", time.Second))

	p.Release(lease, true)

	require.Eventually(t, func() bool {
		return p.Snapshot().Available == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, fake.Closed(), "the previous slot occupant must be closed on replenish")

	lease2, err := p.Acquire(context.Background(), task.Foreground)
	require.NoError(t, err)
	fresh := lease2.Driver.(*driver.FakeDriver)
	url, err := fresh.CurrentURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "about:blank", url, "a replenished slot must not inherit the prior context's navigation state")
}

func TestDestroy_IsIdempotentAndClosesDriver(t *testing.T) {
	p := newTestPool(t, 1, false)

	lease, err := p.Acquire(context.Background(), task.Foreground)
	require.NoError(t, err)
	fake := lease.Driver.(*driver.FakeDriver)

	p.Destroy(lease.ContextID, false)
	assert.True(t, fake.Closed())
	assert.Equal(t, 1, p.Snapshot().Available)

	p.Destroy(lease.ContextID, false)
	assert.Equal(t, 1, p.Snapshot().Available)
}

func TestShutdown_KeepsSlotAccountingAndRejectsAcquire(t *testing.T) {
	p := newTestPool(t, 3, false)

	l1, err := p.Acquire(context.Background(), task.Foreground)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), task.Background)
	require.NoError(t, err)

	p.Release(l1, false)
	assert.True(t, p.Snapshot().InUse == 1)

	p.Shutdown()
	snap := p.Snapshot()
	assert.Equal(t, 3, snap.Available+snap.InUse+snap.Replenishing+snap.Cold)

	_, err = p.Acquire(context.Background(), task.Foreground)
	assert.Error(t, err)
}
