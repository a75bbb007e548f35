// Package scheduler implements C7: the concurrency cap, crash retry, and
// resource-budget recovery layer that runs tasks against the context
// pool. The task table is this package's single owner — exactly as the
// pool owns its slot table — and every mutation goes through it with the
// termination guards (finalize/fail/applyStatus) named in §4.7.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/contextpool"
	"github.com/ghosttab/orchestrator/internal/decomposer"
	"github.com/ghosttab/orchestrator/internal/ghosterrors"
	"github.com/ghosttab/orchestrator/internal/ipc"
	"github.com/ghosttab/orchestrator/internal/loop"
	"github.com/ghosttab/orchestrator/internal/task"
)

// ResourceMode is the enforcement mode for a task's resource budget.
type ResourceMode string

const (
	ModeWarnOnly ResourceMode = "WARN_ONLY"
	ModeKillTab  ResourceMode = "KILL_TAB"
)

// ResourceBudget configures the periodic CPU/memory sampler.
type ResourceBudget struct {
	Enabled        bool
	Mode           ResourceMode
	MaxCPUPercent  float64
	MaxMemoryBytes int64
	SampleInterval time.Duration
}

// ResourceSample is one reading the sampler reports for a task's context.
type ResourceSample struct {
	CPUPercent  float64
	MemoryBytes int64
}

// Sampler reads resource usage for a context; a real implementation
// would shell out to the OS or query the browser process. Out of scope
// as a concrete implementation; the scheduler only needs the interface.
type Sampler interface {
	Sample(ctx context.Context, contextID string) (ResourceSample, error)
}

// entry is the scheduler's private record for one submitted task,
// distinct from task.Task so the scheduler can hold bookkeeping (retry
// counts, cancellation flags) without polluting the shared data model.
type entry struct {
	t           *task.Task
	decomposer  *decomposer.Decomposer
	lease       *contextpool.ContextLease
	cancelled   bool
	terminal    bool
	attempts    int
	stopSampler context.CancelFunc
}

// Scheduler runs up to poolSize tasks concurrently against the context
// pool, retrying crashed attempts and enforcing resource budgets.
type Scheduler struct {
	pool       *contextpool.Pool
	bus        *ipc.Bus
	budget     ResourceBudget
	sampler    Sampler
	maxRetries int
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a Scheduler.
func New(pool *contextpool.Pool, bus *ipc.Bus, budget ResourceBudget, sampler Sampler, maxRetries int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		pool:       pool,
		bus:        bus,
		budget:     budget,
		sampler:    sampler,
		maxRetries: maxRetries,
		logger:     logger,
		entries:    make(map[string]*entry),
	}
}

// Submit enqueues a task and runs it (blocking inside its own goroutine,
// not this call) once a pool slot is available, honoring the task's
// priority against the pool's preemption ordering.
func (s *Scheduler) Submit(ctx context.Context, t *task.Task, d *decomposer.Decomposer) {
	e := &entry{t: t, decomposer: d}

	s.mu.Lock()
	s.entries[t.ID] = e
	s.mu.Unlock()

	s.publishStatus(t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusQueue, QueueEvent: ipc.QueueEnqueued})

	go s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	t := e.t

	lease, err := s.pool.Acquire(ctx, t.Priority)
	if err != nil {
		s.fail(e, ghosterrors.State("failed to acquire context").WithStep(0))
		return
	}

	s.mu.Lock()
	if e.cancelled {
		s.mu.Unlock()
		s.pool.Release(lease, true)
		return
	}
	e.lease = lease
	t.ContextID = lease.ContextID
	s.mu.Unlock()

	s.publishStatus(t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusQueue, QueueEvent: ipc.QueueDispatched})
	s.publishStatus(t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusScheduler, SchedulerEvent: ipc.SchedulerStarted})

	s.startSampler(ctx, e)
	defer s.stopSamplerFor(e)

	for attempt := 0; attempt <= t.MaxRetries; attempt++ {
		e.attempts = attempt + 1

		crashed, stopWatch := s.watchCrash(e)

		params := loop.Params{
			TaskID: t.ID, ContextID: lease.ContextID, Intent: t.Intent, StartURL: t.StartURL, MaxSteps: t.MaxSteps,
			Driver: lease.Driver, Machine: t.Machine,
		}

		var result decomposer.Result
		if t.HasDecomposition() || len(t.Subtasks) > 0 {
			result = e.decomposer.Run(ctx, params, t.Subtasks, t.Checkpoint)
			t.Subtasks = result.Subtasks
			t.Checkpoint = result.Checkpoint
		} else {
			lr := e.decomposer.LoopOnly(ctx, params)
			result = decomposer.Result{Outcome: lr.Outcome, Err: lr.Err, LoopResults: []loop.Result{lr}}
			t.Steps = append(t.Steps, lr.Steps...)
		}
		close(stopWatch)

		select {
		case <-crashed:
			s.publishStatus(t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusScheduler, SchedulerEvent: ipc.SchedulerCrashDetected, Attempt: e.attempts, MaxRetries: t.MaxRetries})
			s.pool.Destroy(lease.ContextID, true)

			if attempt >= t.MaxRetries {
				s.fail(e, ghosterrors.CDP("task crashed and exhausted retries", nil))
				return
			}
			s.publishStatus(t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusScheduler, SchedulerEvent: ipc.SchedulerRetrying, Attempt: e.attempts + 1, MaxRetries: t.MaxRetries})

			newLease, err := s.pool.Acquire(ctx, t.Priority)
			if err != nil {
				s.fail(e, ghosterrors.State("failed to reacquire context after crash"))
				return
			}
			lease = newLease
			s.mu.Lock()
			e.lease = lease
			t.ContextID = lease.ContextID
			s.mu.Unlock()
			continue
		default:
		}

		s.mu.Lock()
		cancelled := e.cancelled
		s.mu.Unlock()
		if cancelled {
			return
		}

		if result.Outcome == task.OutcomeSucceeded {
			s.finalize(e, task.OutcomeSucceeded, nil)
			return
		}

		s.fail(e, result.Err)
		return
	}
}

// watchCrash returns a channel closed when the leased driver signals a
// crash during this attempt, and a stop channel the caller closes once
// the attempt finishes normally so the watcher goroutine doesn't
// outlive the lease it's watching.
func (s *Scheduler) watchCrash(e *entry) (<-chan struct{}, chan struct{}) {
	crashed := make(chan struct{})
	stop := make(chan struct{})
	leaseDriver := e.lease.Driver
	go func() {
		select {
		case <-leaseDriver.CrashSignal():
			close(crashed)
		case <-stop:
		}
	}()
	return crashed, stop
}

func (s *Scheduler) startSampler(ctx context.Context, e *entry) {
	if !s.budget.Enabled || s.sampler == nil {
		return
	}
	sampleCtx, cancel := context.WithCancel(ctx)
	e.stopSampler = cancel

	go func() {
		ticker := time.NewTicker(s.budget.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sampleCtx.Done():
				return
			case <-ticker.C:
				s.checkBudget(sampleCtx, e)
			}
		}
	}()
}

func (s *Scheduler) stopSamplerFor(e *entry) {
	if e.stopSampler != nil {
		e.stopSampler()
	}
}

func (s *Scheduler) checkBudget(ctx context.Context, e *entry) {
	s.mu.Lock()
	lease := e.lease
	terminal := e.terminal
	s.mu.Unlock()
	if lease == nil || terminal {
		return
	}

	sample, err := s.sampler.Sample(ctx, lease.ContextID)
	if err != nil {
		return
	}

	over := sample.CPUPercent > s.budget.MaxCPUPercent || sample.MemoryBytes > s.budget.MaxMemoryBytes
	if !over {
		return
	}

	if s.budget.Mode == ModeWarnOnly {
		s.publishStatus(e.t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusScheduler, SchedulerEvent: ipc.SchedulerBudgetExceeded})
		return
	}

	s.publishStatus(e.t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusScheduler, SchedulerEvent: ipc.SchedulerBudgetKilled})
	s.pool.Destroy(lease.ContextID, true)
	s.fail(e, ghosterrors.Runtime("resource budget exceeded", nil))
}

// CancelTask marks a task CANCELLED and destroys its context with
// allowReplenish=true. It does not record a partial-result snapshot:
// Task.Partial keeps whatever value it already held. In-flight CDP calls
// against the destroyed context then fail; those errors are discarded by
// the termination guards because the task is already terminal by the
// time they surface.
func (s *Scheduler) CancelTask(taskID string) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.terminal {
		s.mu.Unlock()
		return
	}
	e.cancelled = true
	e.terminal = true
	lease := e.lease
	s.mu.Unlock()

	e.t.Outcome = task.OutcomeCancelled

	if lease != nil {
		s.pool.Destroy(lease.ContextID, true)
	}
}

// finalize and fail are the termination guards named in §4.7: both check
// the terminal flag under lock and silently discard any late call.
func (s *Scheduler) finalize(e *entry, outcome task.Outcome, detail *ghosterrors.Detail) {
	s.mu.Lock()
	if e.terminal {
		s.mu.Unlock()
		return
	}
	e.terminal = true
	s.mu.Unlock()

	e.t.Outcome = outcome
	if detail != nil {
		e.t.Error = detail
	}
	if e.lease != nil {
		s.pool.Release(e.lease, true)
	}
	s.publishStatus(e.t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusScheduler, SchedulerEvent: ipc.SchedulerSucceeded})
}

func (s *Scheduler) fail(e *entry, err *ghosterrors.Error) {
	s.mu.Lock()
	if e.terminal {
		s.mu.Unlock()
		return
	}
	e.terminal = true
	s.mu.Unlock()

	e.t.Outcome = task.OutcomeFailed
	if err != nil {
		d := err.ToDetail()
		e.t.Error = &d
		s.logger.Warn("task failed", zap.String("task_id", e.t.ID), zap.Error(err))
	}
	if e.lease != nil {
		s.pool.Release(e.lease, true)
	}
	s.publishStatus(e.t.ID, ipc.TaskStatusPayload{Kind: ipc.StatusScheduler, SchedulerEvent: ipc.SchedulerFailed})
}

func (s *Scheduler) publishStatus(taskID string, payload ipc.TaskStatusPayload) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ipc.New(taskID, "", ipc.TypeTaskStatus, payload))
}

// ActiveCount reports how many tasks this scheduler currently tracks as
// non-terminal, for tests asserting the concurrency cap.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.terminal {
			n++
		}
	}
	return n
}
