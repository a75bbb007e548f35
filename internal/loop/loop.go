// Package loop implements the perception-action loop (C5): the per-task
// iteration that perceives the page, routes between the fast and vision
// model tiers, acts, and observes the result, generalized from the
// teacher's RendererV2.Render task-sequencing style from "one render
// pass" to "N perceive/infer/act iterations with tier escalation."
package loop

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/axcodec"
	"github.com/ghosttab/orchestrator/internal/driver"
	"github.com/ghosttab/orchestrator/internal/ghosterrors"
	"github.com/ghosttab/orchestrator/internal/ipc"
	"github.com/ghosttab/orchestrator/internal/modelclient"
	"github.com/ghosttab/orchestrator/internal/task"
	"github.com/ghosttab/orchestrator/internal/tokenbudget"
)

// estimatedVisionCallCostUsd is the per-call cost credited to
// TierUsage.EstimatedVisionCostAvoidedUsd whenever the DOM bypass
// resolves an action without invoking Tier 2.
const estimatedVisionCallCostUsd = 0.01

// Config holds the tunables named in spec.md's Configuration section
// that this loop consumes directly.
type Config struct {
	ConfidenceThreshold  float64
	AXDeficientThreshold int
	ScrollStepPx         int
	MaxScrollSteps       int
	MaxNoProgressSteps   int
	CharBudget           int
	NavigateTimeout      time.Duration
	SettleWindow         time.Duration
	UseToonEncoding      bool
}

// DefaultConfig mirrors the §6 configuration defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:  0.75,
		AXDeficientThreshold: 5,
		ScrollStepPx:         800,
		MaxScrollSteps:       8,
		MaxNoProgressSteps:   3,
		CharBudget:           8000,
		NavigateTimeout:      30 * time.Second,
		SettleWindow:         500 * time.Millisecond,
	}
}

// Loop drives one task attempt (one subtask, in decomposer terms) against
// a single leased driver.
type Loop struct {
	cfg    Config
	tier1  modelclient.Tier1Client
	tier2  modelclient.Tier2Client
	bus    *ipc.Bus
	codec  axcodec.Codec
	logger *zap.Logger
}

// New builds a Loop. bus may be nil (e.g. in tests exercising the loop in
// isolation), in which case STATE status events are simply not published.
// When cfg.UseToonEncoding is true, a ToonCodec compacts the AX payload sent
// to both model tiers; otherwise the raw node slice is sent as before.
func New(cfg Config, tier1 modelclient.Tier1Client, tier2 modelclient.Tier2Client, bus *ipc.Bus, logger *zap.Logger) *Loop {
	return &Loop{cfg: cfg, tier1: tier1, tier2: tier2, bus: bus, codec: axcodec.NewToonCodec(), logger: logger}
}

// Params configures one Run call.
type Params struct {
	TaskID    string
	ContextID string
	Intent    string
	StartURL  string
	MaxSteps  int
	Driver    driver.Driver
	Machine   *task.Machine
}

// Result is everything the scheduler/decomposer need from one attempt.
type Result struct {
	Outcome     task.Outcome
	Steps       []task.StepRecord
	Usage       task.TierUsage
	Escalations []task.Escalation
	Partial     task.PartialResult
	Err         *ghosterrors.Error
}

// transition advances the machine and publishes the resulting
// StateTransition as a STATE status event (§2 "C3 transitions are emitted
// as STATE status events"), keeping every call site from having to repeat
// the publish step.
func (l *Loop) transition(p Params, to task.State, step int, url, reason string) (task.StateTransition, error) {
	st, err := p.Machine.Transition(to, step, url, reason)
	if err == nil {
		l.publishState(p.TaskID, st)
	}
	return st, err
}

func (l *Loop) publishState(taskID string, st task.StateTransition) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ipc.New(taskID, "", ipc.TypeTaskStatus, ipc.TaskStatusPayload{
		Kind:        ipc.StatusState,
		StateFrom:   string(st.From),
		StateTo:     string(st.To),
		StateStep:   st.Step,
		StateURL:    st.URL,
		StateReason: st.Reason,
	}))
}

// dispatch sends one request envelope through the driver router (C5
// calling C1 through C4, per §2) and unwraps the response, converting a
// TASK_ERROR response back into an *ghosterrors.Error via FromDetail.
func (l *Loop) dispatch(router *ipc.Router, p Params, typ ipc.Type, payload any) (any, *ghosterrors.Error) {
	resp := router.Dispatch(ipc.New(p.TaskID, p.ContextID, typ, payload))
	if len(resp) == 0 {
		return nil, ghosterrors.Runtime("driver dispatch produced no response envelope", nil)
	}
	switch env := resp[0]; env.Type {
	case ipc.TypeTaskError:
		errPayload, _ := env.Payload.(ipc.TaskErrorPayload)
		return nil, ghosterrors.FromDetail(errPayload.Detail)
	case ipc.TypeTaskResult:
		result, _ := env.Payload.(ipc.DriverResultPayload)
		return result.Data, nil
	default:
		return nil, ghosterrors.Runtime("unexpected driver dispatch response type", nil)
	}
}

// Run executes the nine-step iteration named in §4.5 until the model
// selects DONE, selects FAILED, or the step cap is reached.
func (l *Loop) Run(ctx context.Context, p Params) Result {
	router := driver.NewIPCRouter(ctx, p.Driver)

	if _, err := l.transition(p, task.StateLoading, 0, p.StartURL, "start"); err != nil {
		return l.fail(nil, task.TierUsage{}, nil, p.StartURL, ghosterrors.State(err.Error()))
	}

	if _, navErr := l.dispatch(router, p, ipc.TypeNavigate, ipc.NavigatePayload{
		URL: p.StartURL, TimeoutMs: int(l.cfg.NavigateTimeout / time.Millisecond),
	}); navErr != nil {
		l.transition(p, task.StateFailed, 0, p.StartURL, "navigate failed")
		return l.fail(nil, task.TierUsage{}, nil, p.StartURL, navErr)
	}

	var (
		prevPerception   *perception
		reason           = refetchInitial
		lastActionKind   driver.ActionKind
		lastURL          = p.StartURL
		noProgressStreak int
		usage            task.TierUsage
		steps            []task.StepRecord
		escalations      []task.Escalation
	)

	for step := 1; step <= p.MaxSteps; step++ {
		currentURL, _ := p.Driver.CurrentURL(ctx)

		if _, err := l.transition(p, task.StatePerceiving, step, currentURL, string(reason)); err != nil {
			return l.fail(steps, usage, escalations, currentURL, ghosterrors.State(err.Error()).WithStep(step))
		}

		perc, err := perceive(ctx, p.Driver, prevPerception, reason, l.cfg.CharBudget)
		if err != nil {
			l.transition(p, task.StateFailed, step, currentURL, "perceive failed")
			return l.fail(steps, usage, escalations, currentURL, asGhostError(err).WithStep(step))
		}
		prevPerception = &perc
		l.logBudget(p.TaskID, step, perc)

		if _, err := l.transition(p, task.StateInferring, step, currentURL, ""); err != nil {
			return l.fail(steps, usage, escalations, currentURL, ghosterrors.State(err.Error()).WithStep(step))
		}

		axDeficient := len(perc.interactive) < l.cfg.AXDeficientThreshold

		var (
			chosenAction  driver.Action
			confidence    float64
			reasoning     string
			tierUsed      int
			domBypassUsed bool
			domAttempted  bool
			escalateAs    string
		)

		if axDeficient {
			usage.AXDeficientDetections++
			escalateAs = "AX_DEFICIENT"
		} else {
			usage.Tier1Count++
			tier1Req := modelclient.Tier1Request{
				Intent:           p.Intent,
				NoProgressStreak: noProgressStreak,
			}
			if l.cfg.UseToonEncoding {
				tier1Req.InteractiveElementsEncoded = l.codec.Encode(perc.interactive)
			} else {
				tier1Req.InteractiveElements = perc.interactive
			}
			resp, err := l.tier1.Infer(ctx, tier1Req)
			if err != nil {
				l.transition(p, task.StateFailed, step, currentURL, "tier1 call failed")
				return l.fail(steps, usage, escalations, currentURL, asGhostError(err).WithStep(step))
			}

			chosenAction, confidence, reasoning, tierUsed = resp.Action, resp.Confidence, resp.Reasoning, 1

			if lastActionKind != "" && chosenAction.Kind == lastActionKind && currentURL == lastURL {
				noProgressStreak++
			} else {
				noProgressStreak = 0
			}

			switch {
			case confidence < l.cfg.ConfidenceThreshold:
				escalateAs = "LOW_CONFIDENCE"
			case chosenAction.Kind == driver.ActionFailed:
				escalateAs = "UNSAFE_ACTION"
			case noProgressStreak > l.cfg.MaxNoProgressSteps:
				escalateAs = "NO_PROGRESS"
			}
		}

		if escalateAs != "" {
			escalations = append(escalations, task.Escalation{
				Step: step, Reason: escalateAs, SourceTier: 1, TargetTier: 2,
				URLAtEscalation: currentURL, Confidence: confidence,
			})
			switch escalateAs {
			case "LOW_CONFIDENCE":
				usage.LowConfidenceEscalations++
			case "NO_PROGRESS":
				usage.NoProgressEscalations++
			case "UNSAFE_ACTION":
				usage.UnsafeActionEscalations++
			}

			bypass, err := runDomBypass(ctx, p.Driver, p.Intent)
			domAttempted = bypass.attempted
			if err != nil {
				l.logger.Warn("dom bypass probe failed, falling through to tier 2",
					zap.String("task_id", p.TaskID), zap.Int("step", step), zap.Error(err))
			}

			if err == nil && bypass.resolved {
				chosenAction = bypass.action
				tierUsed = 0
				domBypassUsed = true
				confidence = 1.0
				usage.DomBypassResolutions++
				usage.EstimatedVisionCostAvoidedUsd += estimatedVisionCallCostUsd
				escalations[len(escalations)-1].ResolvedTier = 0
			} else {
				usage.Tier2Count++
				scrollPos, _ := p.Driver.GetScrollPosition(ctx)
				defaultOpts := driver.DefaultScreenshotOptions()
				shotData, shotErr := l.dispatch(router, p, ipc.TypeScreenshot, ipc.ScreenshotPayload{
					Mode: string(defaultOpts.Mode), Quality: defaultOpts.Quality, FromSurface: defaultOpts.FromSurface,
					ScrollStepPx: defaultOpts.ScrollStepPx, MaxScrollSteps: defaultOpts.MaxScrollSteps,
				})
				if shotErr != nil {
					l.transition(p, task.StateFailed, step, currentURL, "screenshot capture failed")
					return l.fail(steps, usage, escalations, currentURL, shotErr.WithStep(step))
				}
				shot, _ := shotData.(driver.Screenshot)

				tier2Req := modelclient.Tier2Request{
					Intent: p.Intent, Screenshot: shot,
					ScrollY: scrollPos.ScrollY, ViewportHeight: scrollPos.ViewportHeight,
					DocumentHeight: scrollPos.DocumentHeight,
				}
				if l.cfg.UseToonEncoding {
					tier2Req.AXTreeEncoded = l.codec.Encode(perc.full)
				} else {
					tier2Req.AXTree = perc.full
				}
				resp, err := l.tier2.Infer(ctx, tier2Req)
				if err != nil {
					l.transition(p, task.StateFailed, step, currentURL, "tier2 call failed")
					return l.fail(steps, usage, escalations, currentURL, asGhostError(err).WithStep(step))
				}
				chosenAction, reasoning, tierUsed, confidence = resp.Action, resp.Reasoning, 2, 1.0
				escalations[len(escalations)-1].ResolvedTier = 2

				if scrollPos.BelowFold() && chosenAction.Kind != driver.ActionDone &&
					chosenAction.Kind != driver.ActionFailed && usage.Tier3ScrollCount < l.cfg.MaxScrollSteps {
					chosenAction = driver.Action{Kind: driver.ActionScroll, ScrollByPx: l.cfg.ScrollStepPx}
					usage.Tier3ScrollCount++
				}
			}
		}

		if _, err := l.transition(p, task.StateActing, step, currentURL, ""); err != nil {
			return l.fail(steps, usage, escalations, currentURL, ghosterrors.State(err.Error()).WithStep(step))
		}

		var settle driver.SettleResult
		if chosenAction.Kind != driver.ActionDone && chosenAction.Kind != driver.ActionFailed && chosenAction.Kind != driver.ActionExtract {
			if confidence >= l.cfg.ConfidenceThreshold || tierUsed != 1 {
				_, actErr := l.dispatch(router, p, ipc.TypeInputEvent, ipc.InputEventPayload{
					Action:     ipc.InputAction(chosenAction.Kind),
					Target:     &ipc.Target{X: chosenAction.X, Y: chosenAction.Y},
					Text:       chosenAction.Text,
					ScrollByPx: chosenAction.ScrollByPx,
					Confidence: confidence,
				})
				if actErr != nil {
					l.transition(p, task.StateFailed, step, currentURL, "action execution failed")
					return l.fail(steps, usage, escalations, currentURL, actErr.WithStep(step))
				}
				settle, _ = p.Driver.ObservePostActionSettle(ctx, l.cfg.SettleWindow)
			}
		}

		postURL, _ := p.Driver.CurrentURL(ctx)
		scrollPos, _ := p.Driver.GetScrollPosition(ctx)
		navigationOccurred := postURL != currentURL || settle.NavigationOccurred

		steps = append(steps, task.StepRecord{
			Step:                              step,
			URL:                               postURL,
			Tier:                              tierUsed,
			Action:                            string(chosenAction.Kind),
			Confidence:                        confidence,
			Reasoning:                         reasoning,
			InteractiveElementCount:           len(perc.interactive),
			AXDeficientDetected:               axDeficient,
			ScrollY:                           scrollPos.ScrollY,
			ViewportHeight:                    scrollPos.ViewportHeight,
			DocumentHeight:                    scrollPos.DocumentHeight,
			TargetMightBeBelowFold:            scrollPos.BelowFold(),
			AXTreeRefetched:                   perc.refetched,
			AXTreeRefetchReason:               string(perc.reason),
			PostActionSignificantDomMutation:  settle.Significant(),
			PostActionMutationSummary:         settle.MutationSummary,
			DomExtractionAttempted:            domAttempted,
			DomBypassUsed:                     domBypassUsed,
		})

		lastActionKind, lastURL = chosenAction.Kind, postURL

		switch chosenAction.Kind {
		case driver.ActionDone:
			l.transition(p, task.StateComplete, step, postURL, "done")
			return Result{
				Outcome: task.OutcomeSucceeded, Steps: steps, Usage: usage, Escalations: escalations,
				Partial: task.PartialResult{CurrentURL: postURL, CurrentState: task.StateComplete, CurrentAction: string(chosenAction.Kind)},
			}
		case driver.ActionFailed:
			l.transition(p, task.StateFailed, step, postURL, "failed action")
			return Result{
				Outcome: task.OutcomeFailed, Steps: steps, Usage: usage, Escalations: escalations,
				Partial: task.PartialResult{CurrentURL: postURL, CurrentState: task.StateFailed, CurrentAction: string(chosenAction.Kind)},
				Err:     ghosterrors.Validation("model selected FAILED action").WithStep(step).WithURL(postURL),
			}
		}

		switch {
		case navigationOccurred:
			reason = refetchNavigation
		case settle.Significant():
			reason = refetchSignificantMutation
		case chosenAction.Kind == driver.ActionScroll:
			reason = refetchScrollAction
		default:
			reason = refetchNone
		}
	}

	l.transition(p, task.StateFailed, p.MaxSteps, lastURL, "STEP_CAP")
	return Result{
		Outcome: task.OutcomeFailed, Steps: steps, Usage: usage, Escalations: escalations,
		Partial: task.PartialResult{CurrentURL: lastURL, CurrentState: task.StateFailed, ProgressLabel: "step cap reached"},
		Err:     ghosterrors.State("step cap reached").WithStep(p.MaxSteps),
	}
}

func (l *Loop) fail(steps []task.StepRecord, usage task.TierUsage, escalations []task.Escalation, url string, err *ghosterrors.Error) Result {
	return Result{
		Outcome:     task.OutcomeFailed,
		Steps:       steps,
		Usage:       usage,
		Escalations: escalations,
		Partial:     task.PartialResult{CurrentURL: url, CurrentState: task.StateFailed},
		Err:         err,
	}
}

func asGhostError(err error) *ghosterrors.Error {
	if ge, ok := err.(*ghosterrors.Error); ok {
		return ge
	}
	return ghosterrors.Runtime(err.Error(), err)
}

// logBudget reports, at debug level, how much of the char budget the
// refreshed AX snapshot consumed — the same tiktoken-backed accounting
// the teacher uses for body-text token counts, repurposed for AX payload
// size instead of article length.
func (l *Loop) logBudget(taskID string, step int, p perception) {
	if !p.refetched || l.logger == nil {
		return
	}
	var combined string
	for _, n := range p.full {
		combined += n.Role + n.Name + n.Value
	}
	tokens := tokenbudget.Count(combined, l.logger)
	l.logger.Debug("ax snapshot refetched",
		zap.String("task_id", taskID),
		zap.Int("step", step),
		zap.String("reason", string(p.reason)),
		zap.Int("node_count", len(p.full)),
		zap.Int("interactive_count", len(p.interactive)),
		zap.Int("estimated_tokens", tokens),
	)
}
