package driver

import (
	"context"
	"time"

	"github.com/ghosttab/orchestrator/internal/ghosterrors"
	"github.com/ghosttab/orchestrator/internal/ipc"
)

// NewIPCRouter builds the C4 router C5 dispatches requests through,
// fronting one Driver's five request operations (NAVIGATE, SCREENSHOT,
// AX_TREE, INJECT_JS, INPUT_EVENT) with envelope handlers. The router is
// bound to ctx at construction: callers build one per loop attempt, since
// every dispatch within a single Run call shares the same context.
func NewIPCRouter(ctx context.Context, d Driver) *ipc.Router {
	r := ipc.NewRouter()
	r.On(ipc.TypeNavigate, navigateHandler(ctx, d))
	r.On(ipc.TypeScreenshot, screenshotHandler(ctx, d))
	r.On(ipc.TypeAXTree, axTreeHandler(ctx, d))
	r.On(ipc.TypeInjectJS, injectJSHandler(ctx, d))
	r.On(ipc.TypeInputEvent, inputEventHandler(ctx, d))
	return r
}

func navigateHandler(ctx context.Context, d Driver) ipc.Handler {
	return func(e ipc.Envelope) []ipc.Envelope {
		payload, ok := e.Payload.(ipc.NavigatePayload)
		if !ok {
			return errEnvelope(e, "NAVIGATE", ghosterrors.Validation("NAVIGATE payload has the wrong type"))
		}
		if err := payload.Validate(); err != nil {
			return errEnvelope(e, "NAVIGATE", err)
		}
		timeout := time.Duration(payload.TimeoutMs) * time.Millisecond
		if err := d.Navigate(ctx, payload.URL, timeout); err != nil {
			return errEnvelope(e, "NAVIGATE", err)
		}
		return resultEnvelope(e, nil)
	}
}

func screenshotHandler(ctx context.Context, d Driver) ipc.Handler {
	return func(e ipc.Envelope) []ipc.Envelope {
		payload, ok := e.Payload.(ipc.ScreenshotPayload)
		if !ok {
			return errEnvelope(e, "SCREENSHOT", ghosterrors.Validation("SCREENSHOT payload has the wrong type"))
		}
		if err := payload.Validate(); err != nil {
			return errEnvelope(e, "SCREENSHOT", err)
		}
		opts := ScreenshotOptions{
			Mode:           ScreenshotMode(payload.Mode),
			Quality:        payload.Quality,
			FromSurface:    payload.FromSurface,
			ScrollStepPx:   payload.ScrollStepPx,
			MaxScrollSteps: payload.MaxScrollSteps,
		}
		shot, err := d.CaptureScreenshot(ctx, opts)
		if err != nil {
			return errEnvelope(e, "SCREENSHOT", err)
		}
		return resultEnvelope(e, shot)
	}
}

func axTreeHandler(ctx context.Context, d Driver) ipc.Handler {
	return func(e ipc.Envelope) []ipc.Envelope {
		if _, ok := e.Payload.(ipc.AXTreePayload); !ok {
			return errEnvelope(e, "AX_TREE", ghosterrors.Validation("AX_TREE payload has the wrong type"))
		}
		nodes, err := d.GetNormalizedAXTree(ctx, AXTreeOptions{CharBudget: defaultAXTreeCharBudget})
		if err != nil {
			return errEnvelope(e, "AX_TREE", err)
		}
		return resultEnvelope(e, nodes)
	}
}

func injectJSHandler(ctx context.Context, d Driver) ipc.Handler {
	return func(e ipc.Envelope) []ipc.Envelope {
		payload, ok := e.Payload.(ipc.InjectJSPayload)
		if !ok {
			return errEnvelope(e, "INJECT_JS", ghosterrors.Validation("INJECT_JS payload has the wrong type"))
		}
		result, err := d.EvaluateExpression(ctx, payload.Expression)
		if err != nil {
			return errEnvelope(e, "INJECT_JS", err)
		}
		return resultEnvelope(e, result)
	}
}

func inputEventHandler(ctx context.Context, d Driver) ipc.Handler {
	return func(e ipc.Envelope) []ipc.Envelope {
		payload, ok := e.Payload.(ipc.InputEventPayload)
		if !ok {
			return errEnvelope(e, "INPUT_EVENT", ghosterrors.Validation("INPUT_EVENT payload has the wrong type"))
		}
		if err := payload.Validate(); err != nil {
			return errEnvelope(e, "INPUT_EVENT", err)
		}
		action := Action{Kind: ActionKind(payload.Action), Text: payload.Text, ScrollByPx: payload.ScrollByPx}
		if payload.Target != nil {
			action.X, action.Y = payload.Target.X, payload.Target.Y
		}
		if err := d.ExecuteAction(ctx, action); err != nil {
			return errEnvelope(e, "INPUT_EVENT", err)
		}
		return resultEnvelope(e, nil)
	}
}

// defaultAXTreeCharBudget is used when dispatching AX_TREE through the
// router outside a loop.Run call already carrying its own configured
// budget (e.g. a standalone inspection request).
const defaultAXTreeCharBudget = 8000

func resultEnvelope(e ipc.Envelope, data any) []ipc.Envelope {
	return []ipc.Envelope{ipc.New(e.TaskID, e.ContextID, ipc.TypeTaskResult, ipc.DriverResultPayload{Data: data})}
}

func errEnvelope(e ipc.Envelope, operation string, err error) []ipc.Envelope {
	return []ipc.Envelope{ipc.New(e.TaskID, e.ContextID, ipc.TypeTaskError, ipc.TaskErrorPayload{
		Operation: operation,
		Detail:    ghosterrors.FromError(err),
	})}
}
