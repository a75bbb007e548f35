package ipc

import "github.com/ghosttab/orchestrator/internal/ghosterrors"

// NavigatePayload is the REQUEST payload for TypeNavigate.
type NavigatePayload struct {
	URL       string
	TimeoutMs int
}

// Validate enforces NAVIGATE.url non-empty (§4.4).
func (p NavigatePayload) Validate() error {
	if p.URL == "" {
		return ghosterrors.Validation("NAVIGATE.url must be non-empty")
	}
	return nil
}

// ScreenshotPayload is the REQUEST payload for TypeScreenshot.
type ScreenshotPayload struct {
	Mode          string // viewport | full-page
	Quality       int    // 0-100, default 80
	FromSurface   bool
	ScrollStepPx  int
	MaxScrollSteps int
}

// Validate enforces SCREENSHOT.quality 0-100 (§4.4).
func (p ScreenshotPayload) Validate() error {
	if p.Quality < 0 || p.Quality > 100 {
		return ghosterrors.Validation("SCREENSHOT.quality must be 0..100")
	}
	return nil
}

// AXTreePayload is the REQUEST payload for TypeAXTree.
type AXTreePayload struct {
	UseToonEncoding bool
}

// InjectJSPayload is the REQUEST payload for TypeInjectJS.
type InjectJSPayload struct {
	Expression string
}

// InputAction is the closed set of INPUT_EVENT actions.
type InputAction string

const (
	InputClick  InputAction = "CLICK"
	InputType   InputAction = "TYPE"
	InputScroll InputAction = "SCROLL"
	InputWait   InputAction = "WAIT"
	InputExtract InputAction = "EXTRACT"
	InputDone   InputAction = "DONE"
	InputFailed InputAction = "FAILED"
)

var validInputActions = map[InputAction]bool{
	InputClick: true, InputType: true, InputScroll: true, InputWait: true,
	InputExtract: true, InputDone: true, InputFailed: true,
}

// Target is an optional {x,y} point for an INPUT_EVENT.
type Target struct {
	X, Y float64
}

// InputEventPayload is the REQUEST payload for TypeInputEvent.
type InputEventPayload struct {
	Action     InputAction
	Target     *Target
	Text       string
	ScrollByPx int
	Confidence float64
}

// Validate enforces the INPUT_EVENT constraints named in §4.4: action in
// the closed set and confidence in [0,1].
func (p InputEventPayload) Validate() error {
	if !validInputActions[p.Action] {
		return ghosterrors.Validation("INPUT_EVENT.action is not in the closed set")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return ghosterrors.Validation("INPUT_EVENT.confidence must be in [0,1]")
	}
	return nil
}

// TaskResultPayload is the RESPONSE payload for TypeTaskResult carried by
// the terminal, whole-task result.
type TaskResultPayload struct {
	Outcome       string
	FinalURL      string
	StepsTaken    int
	ProgressLabel string
}

// DriverResultPayload is the RESPONSE payload for TypeTaskResult carried by
// a single dispatched C1 call (NAVIGATE/SCREENSHOT/AX_TREE/INJECT_JS/
// INPUT_EVENT) routed through Router — distinct from the whole-task
// TaskResultPayload above, which only ever appears once, at task end.
type DriverResultPayload struct {
	Data any
}

// TaskErrorPayload is the RESPONSE payload for TypeTaskError.
type TaskErrorPayload struct {
	Operation string
	Detail    ghosterrors.Detail
}

// StatusKind is the closed set of TASK_STATUS sub-kinds.
type StatusKind string

const (
	StatusQueue     StatusKind = "QUEUE"
	StatusState     StatusKind = "STATE"
	StatusScheduler StatusKind = "SCHEDULER"
	StatusSubtask   StatusKind = "SUBTASK"
)

// QueueEvent is the closed set of QUEUE sub-kind events.
type QueueEvent string

const (
	QueueEnqueued  QueueEvent = "ENQUEUED"
	QueueDispatched QueueEvent = "DISPATCHED"
	QueueReleased  QueueEvent = "RELEASED"
)

// SchedulerEvent is the closed set of SCHEDULER sub-kind events.
type SchedulerEvent string

const (
	SchedulerStarted               SchedulerEvent = "STARTED"
	SchedulerSucceeded             SchedulerEvent = "SUCCEEDED"
	SchedulerFailed                SchedulerEvent = "FAILED"
	SchedulerCrashDetected         SchedulerEvent = "CRASH_DETECTED"
	SchedulerRetrying              SchedulerEvent = "RETRYING"
	SchedulerBudgetExceeded        SchedulerEvent = "RESOURCE_BUDGET_EXCEEDED"
	SchedulerBudgetKilled          SchedulerEvent = "RESOURCE_BUDGET_KILLED"
)

// TaskStatusPayload is the RESPONSE payload for TypeTaskStatus. Exactly
// one of the Queue/State/Scheduler/Subtask fields is populated, selected
// by Kind.
type TaskStatusPayload struct {
	Kind StatusKind

	// QUEUE
	QueueEvent QueueEvent
	QueuePosition int

	// STATE
	StateFrom, StateTo string
	StateStep          int
	StateURL           string
	StateReason        string

	// SCHEDULER
	SchedulerEvent SchedulerEvent
	Attempt        int
	MaxRetries     int

	// SUBTASK
	SubtaskIndex  int
	SubtaskStatus string

	// Shared with every sub-kind per §4.4.
	CheckpointLastCompletedSubtaskIndex int
}

// Validate enforces TASK_STATUS.checkpointLastCompletedSubtaskIndex >= -1
// and that numeric fields are finite (Go floats used here are always
// finite unless explicitly set to NaN/Inf, so only the checkpoint bound
// needs an explicit check).
func (p TaskStatusPayload) Validate() error {
	if p.CheckpointLastCompletedSubtaskIndex < -1 {
		return ghosterrors.Validation("TASK_STATUS.checkpointLastCompletedSubtaskIndex must be >= -1")
	}
	return nil
}
