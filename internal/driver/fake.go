package driver

import (
	"context"
	"sync"
	"time"
)

// FakeDriver is the deterministic in-memory substitute named in §9 Design
// Notes ("testing substitutes an in-memory fake"). Every field a test
// wants to script is exported and guarded by the same mutex used to
// record calls, so scenario tests can both configure behavior ahead of
// time and assert on what was executed afterward.
type FakeDriver struct {
	mu sync.Mutex

	URL        string
	AXNodes    []AXNode
	Screenshot Screenshot
	Settle     SettleResult
	ScrollPos  ScrollPosition
	EvalResult any
	EvalErr    error

	NavigateErr error
	ActionErr   error

	ActionsExecuted []Action
	NavigateCalls   []string

	crashCh chan CrashEvent
	closed  bool
}

// NewFakeDriver builds a FakeDriver starting at startURL with an empty AX
// tree and a default (not-below-fold) scroll position.
func NewFakeDriver(startURL string) *FakeDriver {
	return &FakeDriver{
		URL:       startURL,
		ScrollPos: ScrollPosition{ScrollY: 0, ViewportHeight: DefaultViewportHeight, DocumentHeight: DefaultViewportHeight},
		crashCh:   make(chan CrashEvent, 1),
	}
}

func (f *FakeDriver) Navigate(_ context.Context, url string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NavigateCalls = append(f.NavigateCalls, url)
	if f.NavigateErr != nil {
		return f.NavigateErr
	}
	f.URL = url
	return nil
}

// CurrentURL satisfies Driver.CurrentURL.
func (f *FakeDriver) CurrentURL(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.URL, nil
}

func (f *FakeDriver) CaptureScreenshot(_ context.Context, _ ScreenshotOptions) (Screenshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Screenshot, nil
}

func (f *FakeDriver) ExtractInteractiveElementIndex(_ context.Context, _ InteractiveIndexOptions) ([]AXNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AXNode
	for _, n := range f.AXNodes {
		if InteractiveRoles[n.Role] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *FakeDriver) GetNormalizedAXTree(_ context.Context, _ AXTreeOptions) ([]AXNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AXNode(nil), f.AXNodes...), nil
}

func (f *FakeDriver) EvaluateExpression(_ context.Context, _ string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.EvalResult, f.EvalErr
}

func (f *FakeDriver) ExecuteAction(_ context.Context, action Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ActionErr != nil {
		return f.ActionErr
	}
	f.ActionsExecuted = append(f.ActionsExecuted, action)
	return nil
}

func (f *FakeDriver) ObservePostActionSettle(_ context.Context, _ time.Duration) (SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Settle, nil
}

func (f *FakeDriver) GetScrollPosition(_ context.Context) (ScrollPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ScrollPos, nil
}

func (f *FakeDriver) CrashSignal() <-chan CrashEvent {
	return f.crashCh
}

// Crash injects a crash event onto the driver's crash signal channel, for
// scheduler/loop recovery tests.
func (f *FakeDriver) Crash(reason string) {
	select {
	case f.crashCh <- CrashEvent{Reason: reason, At: time.Now()}:
	default:
	}
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return nil
}

// Closed reports whether Close has already been called, for pool
// replenishment tests.
func (f *FakeDriver) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ Driver = (*FakeDriver)(nil)
