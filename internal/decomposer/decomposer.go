// Package decomposer implements C6: wrapping the perception-action loop
// with a sequential, checkpointed multi-subtask plan for intents that
// imply more than two steps. Grounded on the checkpoint/resume idiom —
// a plain value-object checkpoint, never a shared pointer, resumed by
// index — the same shape the corpus's agent-execution packages use for
// durable sequential plans, adapted here to a single-level sequential
// decomposition with no parallel DAG and no human-in-the-loop pause.
package decomposer

import (
	"context"

	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/driver"
	"github.com/ghosttab/orchestrator/internal/ghosterrors"
	"github.com/ghosttab/orchestrator/internal/ipc"
	"github.com/ghosttab/orchestrator/internal/loop"
	"github.com/ghosttab/orchestrator/internal/modelclient"
	"github.com/ghosttab/orchestrator/internal/task"
)

// minSubtaskIntentSteps is the decomposition trigger named in §4.6: an
// intent implying more than two steps is planned rather than run as one
// loop attempt.
const minSubtaskIntentSteps = 2

// Verifier checks whether a completed subtask's loop run actually
// satisfied its verification condition. Concrete verification logic
// (e.g. "URL contains X", "element Y is present") is intentionally
// narrow and pluggable the same way the model clients are.
type Verifier interface {
	Verify(ctx context.Context, d driver.Driver, v task.Verification) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, d driver.Driver, v task.Verification) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, d driver.Driver, v task.Verification) (bool, error) {
	return f(ctx, d, v)
}

// Decomposer runs a planned sequence of subtasks, one loop.Loop attempt
// per subtask, advancing a checkpoint as each subtask's verification
// passes.
type Decomposer struct {
	planner  modelclient.PlannerClient
	loop     *loop.Loop
	verifier Verifier
	bus      *ipc.Bus
	logger   *zap.Logger
}

// New builds a Decomposer. bus may be nil, in which case SUBTASK status
// events are simply not published.
func New(planner modelclient.PlannerClient, l *loop.Loop, verifier Verifier, bus *ipc.Bus, logger *zap.Logger) *Decomposer {
	return &Decomposer{planner: planner, loop: l, verifier: verifier, bus: bus, logger: logger}
}

// publishState republishes a StateTransition as a STATE status event, the
// same as internal/loop does for transitions made inside a loop attempt —
// this covers the StateIdle reset Decomposer itself performs between
// subtasks.
func (d *Decomposer) publishState(taskID string, st task.StateTransition) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ipc.New(taskID, "", ipc.TypeTaskStatus, ipc.TaskStatusPayload{
		Kind:        ipc.StatusState,
		StateFrom:   string(st.From),
		StateTo:     string(st.To),
		StateStep:   st.Step,
		StateURL:    st.URL,
		StateReason: st.Reason,
	}))
}

// publishSubtask emits the SUBTASK status event named in §4.6 ("emit
// SUBTASK status COMPLETE"/"FAILED").
func (d *Decomposer) publishSubtask(taskID string, index int, status task.SubtaskStatus, checkpoint task.Checkpoint) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ipc.New(taskID, "", ipc.TypeTaskStatus, ipc.TaskStatusPayload{
		Kind:                                 ipc.StatusSubtask,
		SubtaskIndex:                         index,
		SubtaskStatus:                        string(status),
		CheckpointLastCompletedSubtaskIndex: checkpoint.LastCompletedSubtaskIndex,
	}))
}

// ShouldDecompose reports whether an intent should be planned into
// subtasks rather than run as a single loop attempt: it is true when
// subtaskHint, the caller's estimate of how many steps the intent
// implies, is more than two. The intent text itself is not inspected.
func ShouldDecompose(intent string, subtaskHint int) bool {
	return subtaskHint > minSubtaskIntentSteps
}

// LoopOnly runs a single loop attempt directly, bypassing planning and
// checkpointing, for intents that don't warrant decomposition.
func (d *Decomposer) LoopOnly(ctx context.Context, p loop.Params) loop.Result {
	return d.loop.Run(ctx, p)
}

// Result is what the scheduler needs after a decomposer run (whether the
// run resumed from an existing checkpoint or started fresh).
type Result struct {
	Checkpoint  task.Checkpoint
	Subtasks    []task.Subtask
	Outcome     task.Outcome
	Err         *ghosterrors.Error
	LoopResults []loop.Result
}

// Run requests a plan (unless subtasks are already supplied, i.e. this is
// a retry), then executes subtasks strictly in order starting from
// checkpoint.ResumeIndex(); completed subtasks are never re-entered.
func (d *Decomposer) Run(ctx context.Context, p loop.Params, subtasks []task.Subtask, checkpoint task.Checkpoint) Result {
	if len(subtasks) == 0 {
		plan, err := d.planner.Plan(ctx, modelclient.PlanRequest{Intent: p.Intent, StartURL: p.StartURL})
		if err != nil {
			return Result{Outcome: task.OutcomeFailed, Err: ghosterrors.Runtime("planner call failed", err), Checkpoint: checkpoint}
		}
		subtasks = make([]task.Subtask, len(plan))
		for i, s := range plan {
			subtasks[i] = task.Subtask{ID: subtaskID(i), Intent: s.Intent, Verification: s.Verification, Status: task.SubtaskPending}
		}
	}

	results := make([]loop.Result, 0, len(subtasks))

	for i := checkpoint.ResumeIndex(); i < len(subtasks); i++ {
		st := subtasks[i]
		if st.Status == task.SubtaskComplete {
			continue
		}

		subtasks[i].Status = task.SubtaskInProgress

		if cur := p.Machine.Current(); cur == task.StateComplete || cur == task.StateFailed {
			if st, err := p.Machine.Transition(task.StateIdle, i, p.StartURL, "next subtask"); err == nil {
				d.publishState(p.TaskID, st)
			}
		}

		subtaskParams := loop.Params{
			TaskID:    p.TaskID,
			ContextID: p.ContextID,
			Intent:    st.Intent,
			StartURL:  p.StartURL,
			MaxSteps:  p.MaxSteps,
			Driver:    p.Driver,
			Machine:   p.Machine,
		}
		lr := d.loop.Run(ctx, subtaskParams)
		results = append(results, lr)

		if lr.Outcome != task.OutcomeSucceeded {
			subtasks[i].Status = task.SubtaskFailed
			d.publishSubtask(p.TaskID, i, task.SubtaskFailed, checkpoint)
			return Result{
				Checkpoint: checkpoint, Subtasks: subtasks, Outcome: task.OutcomeFailed,
				Err: lr.Err, LoopResults: results,
			}
		}

		ok, err := d.verifier.Verify(ctx, p.Driver, st.Verification)
		if err != nil {
			subtasks[i].Status = task.SubtaskFailed
			d.publishSubtask(p.TaskID, i, task.SubtaskFailed, checkpoint)
			return Result{
				Checkpoint: checkpoint, Subtasks: subtasks, Outcome: task.OutcomeFailed,
				Err: ghosterrors.Runtime("subtask verification failed", err), LoopResults: results,
			}
		}
		if !ok {
			subtasks[i].Status = task.SubtaskFailed
			d.publishSubtask(p.TaskID, i, task.SubtaskFailed, checkpoint)
			return Result{
				Checkpoint: checkpoint, Subtasks: subtasks, Outcome: task.OutcomeFailed,
				Err: ghosterrors.Validation("subtask verification condition not satisfied").WithStep(i), LoopResults: results,
			}
		}

		subtasks[i].Status = task.SubtaskComplete
		checkpoint = checkpoint.Advance(i, subtaskArtifact(lr))
		d.publishSubtask(p.TaskID, i, task.SubtaskComplete, checkpoint)
		d.logger.Info("subtask complete", zap.Int("index", i), zap.String("intent", st.Intent))
	}

	return Result{
		Checkpoint: checkpoint, Subtasks: subtasks, Outcome: task.OutcomeSucceeded, LoopResults: results,
	}
}

func subtaskArtifact(lr loop.Result) any {
	return lr.Partial
}

func subtaskID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "subtask-" + string(letters[i])
	}
	return "subtask-n" + string(rune('0'+i%10))
}
