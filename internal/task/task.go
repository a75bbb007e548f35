// Package task holds the per-task data model and the closed lifecycle
// state machine (C3): Task, TaskState, Subtask, Checkpoint, and the
// transition table that produces STATE status events.
package task

import (
	"time"

	"github.com/ghosttab/orchestrator/internal/ghosterrors"
)

// Priority is a task's scheduling priority.
type Priority int

const (
	Background Priority = iota
	Foreground
)

func (p Priority) String() string {
	if p == Foreground {
		return "FOREGROUND"
	}
	return "BACKGROUND"
}

// State is one of the seven lifecycle states of the perception-action loop.
type State string

const (
	StateIdle       State = "IDLE"
	StateLoading    State = "LOADING"
	StatePerceiving State = "PERCEIVING"
	StateInferring  State = "INFERRING"
	StateActing     State = "ACTING"
	StateComplete   State = "COMPLETE"
	StateFailed     State = "FAILED"
)

// Outcome is the scheduler-level terminal outcome layered on top of the
// loop's own COMPLETE/FAILED states.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
)

// transitions is the closed permitted-transition graph for States.
var transitions = map[State]map[State]bool{
	StateIdle:       {StateLoading: true},
	StateLoading:    {StatePerceiving: true, StateFailed: true},
	StatePerceiving: {StateInferring: true, StateFailed: true},
	StateInferring:  {StateActing: true, StateFailed: true},
	StateActing:     {StatePerceiving: true, StateComplete: true, StateFailed: true},
	StateComplete:   {StateIdle: true},
	StateFailed:     {StateIdle: true},
}

// Machine drives legal transitions for a single task attempt and refuses
// anything outside the closed graph in §4.3.
type Machine struct {
	current State
}

// NewMachine starts a Machine in IDLE.
func NewMachine() *Machine {
	return &Machine{current: StateIdle}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	return m.current
}

// Transition attempts from→to. Any state may move to FAILED regardless of
// the table (error transitions are always legal); every other move must
// appear in the transition table. On success it returns a StateTransition
// record ready to become a STATE status event; on rejection it returns a
// STATE-kind error and leaves the machine's current state unchanged.
func (m *Machine) Transition(to State, step int, url, reason string) (StateTransition, error) {
	from := m.current

	allowed := to == StateFailed
	if !allowed {
		if next, ok := transitions[from]; ok {
			allowed = next[to]
		}
	}

	if !allowed {
		return StateTransition{}, ghosterrors.State(
			"illegal transition " + string(from) + " -> " + string(to))
	}

	m.current = to
	return StateTransition{
		From:   from,
		To:     to,
		Step:   step,
		URL:    url,
		Reason: reason,
		At:     time.Now(),
	}, nil
}

// StateTransition is the payload of a STATE status event.
type StateTransition struct {
	From   State
	To     State
	Step   int
	URL    string
	Reason string
	At     time.Time
}

// SubtaskStatus is the lifecycle status of one decomposed subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "PENDING"
	SubtaskInProgress SubtaskStatus = "IN_PROGRESS"
	SubtaskComplete   SubtaskStatus = "COMPLETE"
	SubtaskFailed     SubtaskStatus = "FAILED"
)

// Verification is the condition a subtask's loop run must satisfy to be
// considered successfully completed.
type Verification struct {
	Type      string
	Condition string
}

// Subtask is one ordered element of a decomposition plan.
type Subtask struct {
	ID           string
	Intent       string
	Verification Verification
	Status       SubtaskStatus
	Artifact     any
}

// Checkpoint is a plain value object recording decomposition progress; it
// is never shared as a pointer across goroutines, and resume always picks
// up at LastCompletedSubtaskIndex+1.
type Checkpoint struct {
	LastCompletedSubtaskIndex int
	Artifacts                 map[int]any
}

// NewCheckpoint returns a checkpoint representing "nothing completed yet".
func NewCheckpoint() Checkpoint {
	return Checkpoint{LastCompletedSubtaskIndex: -1, Artifacts: map[int]any{}}
}

// ResumeIndex returns the subtask index execution should resume at.
func (c Checkpoint) ResumeIndex() int {
	return c.LastCompletedSubtaskIndex + 1
}

// Advance returns a copy of c with the given subtask index marked
// complete and its artifact recorded. Checkpoint.Advance never mutates
// the receiver; callers replace their stored checkpoint with the result.
func (c Checkpoint) Advance(index int, artifact any) Checkpoint {
	next := Checkpoint{
		LastCompletedSubtaskIndex: index,
		Artifacts:                 make(map[int]any, len(c.Artifacts)+1),
	}
	for k, v := range c.Artifacts {
		next.Artifacts[k] = v
	}
	next.Artifacts[index] = artifact
	return next
}

// PartialResult is the last-known progress snapshot preserved for a
// cancelled or failed task.
type PartialResult struct {
	CurrentURL      string
	CurrentState    State
	CurrentAction   string
	ProgressLabel   string
}

// Task is the scheduler's exclusive record for one submitted intent.
type Task struct {
	ID            string
	Intent        string
	StartURL      string
	Priority      Priority
	MaxSteps      int
	MaxRetries    int
	Subtasks      []Subtask
	Checkpoint    Checkpoint
	Machine       *Machine
	Partial       PartialResult
	Steps         []StepRecord
	Outcome       Outcome
	Error         *ghosterrors.Detail
	Attempt       int
	SubmittedAt   time.Time
	ContextID     string
}

// NewTask constructs a Task in its initial submitted form.
func NewTask(id, intent, startURL string, priority Priority, maxSteps, maxRetries int) *Task {
	return &Task{
		ID:          id,
		Intent:      intent,
		StartURL:    startURL,
		Priority:    priority,
		MaxSteps:    maxSteps,
		MaxRetries:  maxRetries,
		Checkpoint:  NewCheckpoint(),
		Machine:     NewMachine(),
		SubmittedAt: time.Now(),
	}
}

// IsTerminal reports whether the task has already reached a
// scheduler-level terminal outcome; termination guards use this to
// silently discard late events.
func (t *Task) IsTerminal() bool {
	return t.Outcome != OutcomeNone
}

// HasDecomposition reports whether this task was split into subtasks.
func (t *Task) HasDecomposition() bool {
	return len(t.Subtasks) > 0
}

// Escalation is a first-class record of a tier escalation decision.
type Escalation struct {
	Step            int
	Reason          string
	SourceTier      int
	TargetTier      int
	URLAtEscalation string
	Confidence      float64
	ResolvedTier    int
}

// StepRecord is produced once per loop iteration (§3).
type StepRecord struct {
	Step                              int
	URL                               string
	Tier                              int
	Action                            string
	Confidence                        float64
	Reasoning                         string
	InteractiveElementCount           int
	AXDeficientDetected               bool
	ScrollY                           int
	ViewportHeight                    int
	DocumentHeight                    int
	TargetMightBeBelowFold            bool
	AXTreeRefetched                   bool
	AXTreeRefetchReason               string
	PostActionSignificantDomMutation  bool
	PostActionMutationSummary         string
	DomExtractionAttempted            bool
	DomBypassUsed                     bool
}

// TierUsage holds the running cost/escalation counters for one task
// attempt.
type TierUsage struct {
	Tier1Count                    int
	Tier2Count                    int
	Tier3ScrollCount              int
	DomBypassResolutions          int
	LowConfidenceEscalations      int
	NoProgressEscalations         int
	UnsafeActionEscalations       int
	AXDeficientDetections         int
	EstimatedVisionCostAvoidedUsd float64
}
