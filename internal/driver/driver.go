// Package driver defines the browser driver facade (C1): the polymorphic
// capability set the perception-action loop consumes, with a real
// chromedp-backed implementation and a deterministic in-memory fake used
// by every other package's tests.
package driver

import (
	"context"
	"time"
)

// ScreenshotMode selects the capture strategy for CaptureScreenshot.
type ScreenshotMode string

const (
	ScreenshotViewport ScreenshotMode = "viewport"
	ScreenshotFullPage ScreenshotMode = "full-page"
)

// Clip restricts a screenshot to a sub-rectangle of the page.
type Clip struct {
	X, Y, Width, Height float64
	Scale               float64
}

// ScreenshotOptions configures CaptureScreenshot. Defaults mirror §4.1:
// quality 80, fromSurface true, scrollStepPx 800, maxScrollSteps 8.
type ScreenshotOptions struct {
	Mode           ScreenshotMode
	Clip           *Clip
	Quality        int
	FromSurface    bool
	ScrollStepPx   int
	MaxScrollSteps int
	ScrollSettleMs int
}

// DefaultViewportWidth and DefaultViewportHeight are the §4.1 defaults.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 900
	DefaultDeviceScale    = 1.0
)

// DefaultScreenshotOptions returns the §4.1 default option set.
func DefaultScreenshotOptions() ScreenshotOptions {
	return ScreenshotOptions{
		Mode:           ScreenshotViewport,
		Quality:        80,
		FromSurface:    true,
		ScrollStepPx:   800,
		MaxScrollSteps: 8,
	}
}

// Screenshot is the result of CaptureScreenshot.
type Screenshot struct {
	JPEG      []byte
	Truncated bool // true when full-page capture hit maxScrollSteps
}

// AXNodeState is a boolean or keyed accessibility state on a normalized
// AX node (e.g. "focusable", "checked:true", "url:<value>").
type AXNodeState string

// BoundingBox is a normalized AX node's position in page coordinates.
type BoundingBox struct {
	X, Y, Width, Height float64
}

// AXNode is one normalized accessibility tree node, already pruned of the
// roles {generic, none, presentation, InlineTextBox} per §4.5 step 2.
type AXNode struct {
	NodeID      string
	Role        string
	Name        string
	Value       string
	Description string
	States      []AXNodeState
	BoundingBox BoundingBox
}

// InteractiveRoles is the closed set of roles counted as interactive by
// §4.5 step 2.
var InteractiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "combobox": true,
	"checkbox": true, "radio": true, "menuitem": true, "tab": true,
	"searchbox": true, "spinbutton": true, "slider": true, "switch": true,
}

// PrunedRoles is the closed set of roles stripped during normalization.
var PrunedRoles = map[string]bool{
	"generic": true, "none": true, "presentation": true, "InlineTextBox": true,
}

// AXTreeOptions configures GetNormalizedAXTree.
type AXTreeOptions struct {
	CharBudget int // default 8000, interactive nodes preserved first
}

// InteractiveIndexOptions configures ExtractInteractiveElementIndex.
type InteractiveIndexOptions struct {
	CharBudget int
}

// Action is the closed set of executable actions (§4.1).
type Action struct {
	Kind       ActionKind
	NodeID     string
	Text       string
	X, Y       float64
	ScrollByPx int
}

// ActionKind is the closed set of action kinds a loop may execute.
type ActionKind string

const (
	ActionClick   ActionKind = "CLICK"
	ActionType    ActionKind = "TYPE"
	ActionScroll  ActionKind = "SCROLL"
	ActionWait    ActionKind = "WAIT"
	ActionExtract ActionKind = "EXTRACT"
	ActionDone    ActionKind = "DONE"
	ActionFailed  ActionKind = "FAILED"
)

// SettleResult is the result of observing a post-action mutation window.
type SettleResult struct {
	NavigationOccurred bool
	MutationSummary    string
	AddedOrRemoved     int
	InteractiveRoleMut int
}

// Significant reports whether this settle result crosses the §4.5 step 8
// significance threshold.
func (s SettleResult) Significant() bool {
	return s.AddedOrRemoved >= 3 || s.InteractiveRoleMut > 0
}

// ScrollPosition is the result of GetScrollPosition.
type ScrollPosition struct {
	ScrollY        int
	ViewportHeight int
	DocumentHeight int
}

// BelowFold reports whether the scroll target is still below the fold.
func (s ScrollPosition) BelowFold() bool {
	return s.ScrollY+s.ViewportHeight < s.DocumentHeight
}

// CrashEvent is broadcast on a Driver's CrashSignal channel when the
// underlying browser/tab becomes unreachable.
type CrashEvent struct {
	Reason string
	At     time.Time
}

// Driver is the polymorphic capability set (C1) a ghost context backs.
// Any concrete driver exposing these operations can drive the
// perception-action loop; ChromeDriver is the real chromedp-backed
// implementation and FakeDriver is the deterministic in-memory
// substitute used throughout this module's tests.
type Driver interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	CurrentURL(ctx context.Context) (string, error)
	CaptureScreenshot(ctx context.Context, opts ScreenshotOptions) (Screenshot, error)
	ExtractInteractiveElementIndex(ctx context.Context, opts InteractiveIndexOptions) ([]AXNode, error)
	GetNormalizedAXTree(ctx context.Context, opts AXTreeOptions) ([]AXNode, error)
	EvaluateExpression(ctx context.Context, expression string) (any, error)
	ExecuteAction(ctx context.Context, action Action) error
	ObservePostActionSettle(ctx context.Context, window time.Duration) (SettleResult, error)
	GetScrollPosition(ctx context.Context) (ScrollPosition, error)
	CrashSignal() <-chan CrashEvent
	Close() error
}
