// Package contextpool implements the warm ghost-context pool (C2): a
// fixed slot table with lease/release, async replenishment, and a
// priority-aware overflow queue. It generalizes the teacher's
// ChromePool — a fixed-size slot table, an available channel of slot
// ids, and an atomic active count — into a heap-ordered waiter list so a
// FOREGROUND waiter preempts earlier BACKGROUND waiters in the overflow
// queue, something a plain FIFO channel cannot express.
package contextpool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/driver"
	"github.com/ghosttab/orchestrator/internal/ghosterrors"
	"github.com/ghosttab/orchestrator/internal/task"
)

// slotState mirrors the teacher's InstanceStatus enum-with-methods idiom,
// generalized to the pool's own lifecycle vocabulary.
type slotState int

const (
	slotCold slotState = iota
	slotAvailable
	slotInUse
	slotReplenishing
)

type slot struct {
	id       string
	state    slotState
	instance driver.Driver
}

// ContextLease grants exclusive use of one pooled context for one task
// attempt. Exactly one active lease exists per contextId at a time;
// releasing an already-released lease is a no-op.
type ContextLease struct {
	ContextID    string
	Driver       driver.Driver
	AcquiredAt   time.Time
	released     bool
	mu           sync.Mutex
}

func (l *ContextLease) markReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false
	}
	l.released = true
	return true
}

// PoolSnapshot is the generalized form of the teacher's PoolStats:
// available + inUse + replenishing + cold must equal capacity at every
// quiescent point; queued is independent.
type PoolSnapshot struct {
	Available    int
	InUse        int
	Replenishing int
	Cold         int
	Queued       int
}

// Factory builds a fresh backing driver for one pool slot. In production
// this wraps driver.NewChromeDriver; tests supply a factory that returns
// driver.NewFakeDriver.
type Factory func(slotID string) (driver.Driver, error)

type waiter struct {
	priority  task.Priority
	enqueued  time.Time
	result    chan waitResult
	index     int
}

type waitResult struct {
	lease *ContextLease
	err   error
}

// waiterHeap orders by (priority, enqueueTimestamp): FOREGROUND waiters
// sort before BACKGROUND waiters regardless of arrival order, and ties
// break FIFO — the queue policy named in §4.2.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // Foreground(1) before Background(0)
	}
	return h[i].enqueued.Before(h[j].enqueued)
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// Pool is a fixed-capacity warm pool of ghost contexts.
type Pool struct {
	mu            sync.Mutex
	slots         []*slot
	waiters       waiterHeap
	warmMinimum   int
	autoReplenish bool
	factory       Factory
	logger        *zap.Logger
	shuttingDown  bool
}

// New builds a Pool of the given capacity, synchronously warming every
// slot up front (fail-fast, matching the teacher's sequential
// initialization).
func New(capacity, warmMinimum int, autoReplenish bool, factory Factory, logger *zap.Logger) (*Pool, error) {
	p := &Pool{
		slots:         make([]*slot, capacity),
		warmMinimum:   warmMinimum,
		autoReplenish: autoReplenish,
		factory:       factory,
		logger:        logger,
	}

	for i := 0; i < capacity; i++ {
		id := slotIDFor(i)
		inst, err := factory(id)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = p.slots[j].instance.Close()
			}
			return nil, ghosterrors.Runtime("failed to warm context pool slot", err)
		}
		p.slots[i] = &slot{id: id, state: slotAvailable, instance: inst}
	}

	return p, nil
}

func slotIDFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if i < len(letters) {
		return "ctx-" + string(letters[i])
	}
	return "ctx-" + string(rune('a'+i))
}

// Snapshot returns the pool's current PoolSnapshot.
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pool) snapshotLocked() PoolSnapshot {
	var s PoolSnapshot
	for _, sl := range p.slots {
		switch sl.state {
		case slotAvailable:
			s.Available++
		case slotInUse:
			s.InUse++
		case slotReplenishing:
			s.Replenishing++
		case slotCold:
			s.Cold++
		}
	}
	s.Queued = len(p.waiters)
	return s
}

// Acquire returns a lease, immediately when a slot is available, or after
// enqueueing in priority order when the pool is at capacity. It blocks
// until a slot is dispatched to this waiter or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context, priority task.Priority) (*ContextLease, error) {
	p.mu.Lock()

	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ghosterrors.State("context pool is shutting down")
	}

	if sl := p.firstAvailableLocked(); sl != nil {
		lease := p.dispatchLocked(sl)
		p.mu.Unlock()
		return lease, nil
	}

	w := &waiter{priority: priority, enqueued: time.Now(), result: make(chan waitResult, 1)}
	heap.Push(&p.waiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.result:
		return res.lease, res.err
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiterLocked(w)
		p.mu.Unlock()
		return nil, ghosterrors.Timeout("acquire cancelled while queued", ctx.Err())
	}
}

func (p *Pool) firstAvailableLocked() *slot {
	for _, sl := range p.slots {
		if sl.state == slotAvailable {
			return sl
		}
	}
	return nil
}

func (p *Pool) dispatchLocked(sl *slot) *ContextLease {
	sl.state = slotInUse
	return &ContextLease{
		ContextID:  sl.id,
		Driver:     sl.instance,
		AcquiredAt: time.Now(),
	}
}

func (p *Pool) removeWaiterLocked(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			heap.Remove(&p.waiters, i)
			return
		}
	}
}

// Release returns a leased slot to the pool. If a waiter is queued, the
// slot is dispatched directly to the highest-priority, earliest waiter
// instead of being marked available. When allowReplenish is true and
// auto-replenishment is enabled, a fresh context is asynchronously warmed
// into the slot before it is handed back; double-release is a no-op.
func (p *Pool) Release(lease *ContextLease, allowReplenish bool) {
	if lease == nil || !lease.markReleased() {
		return
	}

	p.mu.Lock()
	sl := p.slotByID(lease.ContextID)
	if sl == nil {
		p.mu.Unlock()
		return
	}

	if p.waiters.Len() > 0 {
		w := heap.Pop(&p.waiters).(*waiter)
		l := p.dispatchLocked(sl)
		p.mu.Unlock()
		w.result <- waitResult{lease: l}
		return
	}

	if allowReplenish && p.autoReplenish {
		sl.state = slotReplenishing
		p.mu.Unlock()
		p.replenish(sl)
		return
	}

	sl.state = slotAvailable
	p.mu.Unlock()
}

func (p *Pool) slotByID(id string) *slot {
	for _, sl := range p.slots {
		if sl.id == id {
			return sl
		}
	}
	return nil
}

// replenish warms a fresh context into sl, starting with empty storage —
// a replenished slot reusing an id never inherits the prior context's
// cookies, localStorage, sessionStorage, IndexedDB, or cache.
func (p *Pool) replenish(sl *slot) {
	go func() {
		_ = sl.instance.Close()
		inst, err := p.factory(sl.id)

		p.mu.Lock()
		defer p.mu.Unlock()

		if err != nil {
			p.logger.Error("contextpool: replenish failed, slot stays cold", zap.String("context_id", sl.id), zap.Error(err))
			sl.state = slotCold
			return
		}
		sl.instance = inst

		if p.waiters.Len() > 0 {
			w := heap.Pop(&p.waiters).(*waiter)
			l := p.dispatchLocked(sl)
			w.result <- waitResult{lease: l}
			return
		}
		sl.state = slotAvailable
	}()
}

// Destroy forcibly tears down a context (cancellation or crash recovery).
// Any in-flight CDP call against the torn-down driver will surface a CDP
// error to its caller; destroying one context never impairs a sibling.
//
// The slot's instance is always closed here, so it can never be handed
// to a queued waiter as-is: when waiters are queued this always routes
// through replenish for a fresh factory instance first, the same as
// Release's own replenish path, regardless of allowReplenish — unlike
// Release, Destroy has no valid "available" driver to fall back to.
func (p *Pool) Destroy(contextID string, allowReplenish bool) {
	p.mu.Lock()
	sl := p.slotByID(contextID)
	if sl == nil || sl.state == slotCold {
		p.mu.Unlock()
		return
	}
	_ = sl.instance.Close()

	if p.waiters.Len() > 0 || (allowReplenish && p.autoReplenish) {
		sl.state = slotReplenishing
		p.mu.Unlock()
		p.replenish(sl)
		return
	}

	sl.state = slotAvailable
	p.mu.Unlock()
}

// Quiescent reports whether the pool currently has no task holding a
// lease — used by tests asserting the post-cancellation invariant
// inUse=0, available>=1.
func (p *Pool) Quiescent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked().InUse == 0
}

// Shutdown marks the pool as shutting down (no further Acquire succeeds)
// and closes every slot's driver.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shuttingDown = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.result <- waitResult{err: ghosterrors.State("context pool is shutting down")}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sl := range p.slots {
		_ = sl.instance.Close()
	}
}
