package driver

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/ghosterrors"
	"github.com/ghosttab/orchestrator/internal/robots"
	"github.com/ghosttab/orchestrator/internal/security"
)

// ChromeConfig configures a ChromeDriver-backed pool slot.
type ChromeConfig struct {
	Headless        bool
	NoSandbox       bool
	Blocklist       *Blocklist
	CheckRobots     bool
	ViewportWidth   int
	ViewportHeight  int
}

// ChromeDriver is the real backing driver: one allocator and browser
// context per pool slot, one chromedp tab context for the lifetime of
// the lease holding this driver, following the teacher's instance/task
// sequencing style (event listeners registered before CDP domains are
// enabled, then navigate/extract/act as chromedp.Tasks).
type ChromeDriver struct {
	logger *zap.Logger
	cfg    ChromeConfig

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabCtx        context.Context
	tabCancel     context.CancelFunc

	robotsChecker *robots.Checker

	mu      sync.Mutex
	crashCh chan CrashEvent
}

// NewChromeDriver starts a fresh Chrome allocator/browser/tab triple.
func NewChromeDriver(cfg ChromeConfig, logger *zap.Logger) (*ChromeDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.WindowSize(viewportOrDefault(cfg.ViewportWidth, DefaultViewportWidth), viewportOrDefault(cfg.ViewportHeight, DefaultViewportHeight)),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	opts = append(opts, chromedp.DisableGPU)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	if err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, ghosterrors.CDP("failed to start chrome browser", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)

	d := &ChromeDriver{
		logger:        logger,
		cfg:           cfg,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabCtx:        tabCtx,
		tabCancel:     tabCancel,
		robotsChecker: robots.NewChecker(logger),
		crashCh:       make(chan CrashEvent, 1),
	}

	if err := chromedp.Run(tabCtx,
		page.Enable(),
		runtime.Enable(),
		network.Enable(),
		accessibility.Enable(),
	); err != nil {
		d.Close()
		return nil, ghosterrors.CDP("failed to enable CDP domains", err)
	}

	if err := d.applyDeviceMetrics(viewportOrDefault(cfg.ViewportWidth, DefaultViewportWidth), viewportOrDefault(cfg.ViewportHeight, DefaultViewportHeight)); err != nil {
		d.Close()
		return nil, ghosterrors.CDP("failed to apply device metrics", err)
	}

	d.setupCrashListener()
	d.setupBlocklist()

	return d, nil
}

func viewportOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (d *ChromeDriver) setupCrashListener() {
	chromedp.ListenTarget(d.tabCtx, func(ev any) {
		if _, ok := ev.(*inspector.EventTargetCrashed); ok {
			select {
			case d.crashCh <- CrashEvent{Reason: "target crashed", At: time.Now()}:
			default:
			}
		}
	})
}

func (d *ChromeDriver) setupBlocklist() {
	if d.cfg.Blocklist == nil || d.cfg.Blocklist.IsEmpty() {
		return
	}
	_ = chromedp.Run(d.tabCtx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
		{RequestStage: fetch.RequestStageRequest},
	}))
	chromedp.ListenTarget(d.tabCtx, func(ev any) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			cmdCtx, cancel := context.WithTimeout(d.tabCtx, 2*time.Second)
			defer cancel()
			if d.cfg.Blocklist.ShouldBlock(e.Request.URL, string(e.ResourceType)) {
				_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(cmdCtx)
			} else {
				_ = fetch.ContinueRequest(e.RequestID).Do(cmdCtx)
			}
		}()
	})
}

// Navigate guards the target through the SSRF checker and, when
// configured, a robots.txt politeness check, before ever handing the URL
// to chromedp — a blocked target never reaches the browser.
func (d *ChromeDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := security.Guard(ctx, url); err != nil {
		return err
	}
	if d.cfg.CheckRobots {
		allowed, err := d.robotsChecker.Allowed(ctx, url)
		if err == nil && !allowed {
			return ghosterrors.Validation("navigate target disallowed by robots.txt").WithURL(url)
		}
	}

	navCtx, cancel := context.WithTimeout(d.tabCtx, timeout)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return ghosterrors.Network("navigate failed", err).WithURL(url)
	}
	return nil
}

func (d *ChromeDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := chromedp.Run(d.tabCtx, chromedp.Location(&url)); err != nil {
		return "", ghosterrors.CDP("failed to read current url", err)
	}
	return url, nil
}

// CaptureScreenshot implements viewport and full-page capture. Full-page
// mode scrolls by opts.ScrollStepPx with ~11% viewport overlap and sets
// Truncated when opts.MaxScrollSteps is reached before the document
// bottom is captured (§4.1).
func (d *ChromeDriver) CaptureScreenshot(ctx context.Context, opts ScreenshotOptions) (Screenshot, error) {
	if opts.Mode == ScreenshotFullPage {
		return d.captureFullPage(ctx, opts)
	}
	return d.captureViewport(ctx, opts)
}

func (d *ChromeDriver) captureViewport(_ context.Context, opts ScreenshotOptions) (Screenshot, error) {
	var buf []byte

	if opts.Clip != nil {
		action := chromedp.ActionFunc(func(ctx context.Context) error {
			data, err := page.CaptureScreenshot().
				WithQuality(int64(opts.Quality)).
				WithFromSurface(opts.FromSurface).
				WithClip(&page.Viewport{
					X: opts.Clip.X, Y: opts.Clip.Y,
					Width: opts.Clip.Width, Height: opts.Clip.Height,
					Scale: opts.Clip.Scale,
				}).Do(ctx)
			if err != nil {
				return err
			}
			buf = data
			return nil
		})
		if err := chromedp.Run(d.tabCtx, action); err != nil {
			return Screenshot{}, ghosterrors.CDP("screenshot capture failed", err)
		}
		return Screenshot{JPEG: buf}, nil
	}

	if err := chromedp.Run(d.tabCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return Screenshot{}, ghosterrors.CDP("screenshot capture failed", err)
	}
	return Screenshot{JPEG: buf}, nil
}

func (d *ChromeDriver) captureFullPage(_ context.Context, opts ScreenshotOptions) (Screenshot, error) {
	stepPx := opts.ScrollStepPx
	if stepPx <= 0 {
		stepPx = 800
	}
	maxSteps := opts.MaxScrollSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}
	overlap := int(float64(stepPx) * 0.11)

	var pos ScrollPosition
	if err := chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return d.readScrollPosition(ctx, &pos)
	})); err != nil {
		return Screenshot{}, ghosterrors.CDP("failed reading scroll position", err)
	}

	truncated := false
	steps := 0
	for pos.ScrollY+pos.ViewportHeight < pos.DocumentHeight {
		if steps >= maxSteps {
			truncated = true
			break
		}
		scrollBy := stepPx - overlap
		if err := chromedp.Run(d.tabCtx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", scrollBy), nil)); err != nil {
			return Screenshot{}, ghosterrors.CDP("full-page scroll failed", err)
		}
		if opts.ScrollSettleMs > 0 {
			time.Sleep(time.Duration(opts.ScrollSettleMs) * time.Millisecond)
		}
		if err := chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return d.readScrollPosition(ctx, &pos)
		})); err != nil {
			return Screenshot{}, ghosterrors.CDP("failed reading scroll position", err)
		}
		steps++
	}

	var buf []byte
	if err := chromedp.Run(d.tabCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return Screenshot{}, ghosterrors.CDP("full-page screenshot capture failed", err)
	}
	return Screenshot{JPEG: buf, Truncated: truncated}, nil
}

// ExtractInteractiveElementIndex returns only the interactive-role subset
// of the normalized AX tree (§4.5 step 2).
func (d *ChromeDriver) ExtractInteractiveElementIndex(ctx context.Context, opts InteractiveIndexOptions) ([]AXNode, error) {
	nodes, err := d.GetNormalizedAXTree(ctx, AXTreeOptions{CharBudget: opts.CharBudget})
	if err != nil {
		return nil, err
	}
	var out []AXNode
	for _, n := range nodes {
		if InteractiveRoles[n.Role] {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetNormalizedAXTree pulls the full accessibility tree via CDP, prunes
// non-content roles, and trims to the char budget by dropping
// non-interactive nodes first.
func (d *ChromeDriver) GetNormalizedAXTree(_ context.Context, opts AXTreeOptions) ([]AXNode, error) {
	var raw []*accessibility.Node
	if err := chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		nodes, err := accessibility.GetFullAXTree().Do(ctx)
		raw = nodes
		return err
	})); err != nil {
		return nil, ghosterrors.CDP("failed to fetch accessibility tree", err)
	}

	nodes := normalizeAXNodes(raw)

	budget := opts.CharBudget
	if budget <= 0 {
		budget = 8000
	}
	return trimToCharBudget(nodes, budget), nil
}

func normalizeAXNodes(raw []*accessibility.Node) []AXNode {
	out := make([]AXNode, 0, len(raw))
	for _, n := range raw {
		role := ""
		if n.Role != nil {
			role = fmt.Sprintf("%v", n.Role.Value)
		}
		if PrunedRoles[role] {
			continue
		}

		name := ""
		if n.Name != nil {
			name = fmt.Sprintf("%v", n.Name.Value)
		}
		value := ""
		if n.Value != nil {
			value = fmt.Sprintf("%v", n.Value.Value)
		}
		desc := ""
		if n.Description != nil {
			desc = fmt.Sprintf("%v", n.Description.Value)
		}

		var states []AXNodeState
		for _, prop := range n.Properties {
			states = append(states, AXNodeState(fmt.Sprintf("%s:%v", prop.Name, prop.Value.Value)))
		}

		out = append(out, AXNode{
			NodeID:      string(n.NodeID),
			Role:        role,
			Name:        name,
			Value:       value,
			Description: desc,
			States:      states,
		})
	}
	return out
}

// trimToCharBudget drops non-interactive nodes first when the serialized
// size of the node set would exceed budget characters.
func trimToCharBudget(nodes []AXNode, budget int) []AXNode {
	size := func(ns []AXNode) int {
		total := 0
		for _, n := range ns {
			total += len(n.Role) + len(n.Name) + len(n.Value) + len(n.Description) + 8
		}
		return total
	}

	if size(nodes) <= budget {
		return nodes
	}

	var interactive, rest []AXNode
	for _, n := range nodes {
		if InteractiveRoles[n.Role] {
			interactive = append(interactive, n)
		} else {
			rest = append(rest, n)
		}
	}

	kept := append([]AXNode(nil), interactive...)
	for _, n := range rest {
		candidate := append(kept, n)
		if size(candidate) > budget {
			break
		}
		kept = candidate
	}
	return kept
}

func (d *ChromeDriver) EvaluateExpression(_ context.Context, expression string) (any, error) {
	var result any
	if err := chromedp.Run(d.tabCtx, chromedp.Evaluate(expression, &result)); err != nil {
		return nil, ghosterrors.Runtime("evaluate expression failed", err)
	}
	return result, nil
}

// ExecuteAction dispatches one of the closed action kinds. EXTRACT, DONE,
// and FAILED carry no browser-side effect; they are terminal markers the
// loop interprets itself.
func (d *ChromeDriver) ExecuteAction(ctx context.Context, action Action) error {
	switch action.Kind {
	case ActionClick:
		return d.click(action)
	case ActionType:
		return d.typeText(action)
	case ActionScroll:
		return d.scroll(action)
	case ActionWait:
		time.Sleep(50 * time.Millisecond)
		return nil
	case ActionExtract, ActionDone, ActionFailed:
		return nil
	default:
		return ghosterrors.Runtime("unknown action kind: "+string(action.Kind), nil)
	}
}

func (d *ChromeDriver) click(action Action) error {
	return chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MousePressed, action.X, action.Y).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	}), chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseReleased, action.X, action.Y).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	}))
}

func (d *ChromeDriver) typeText(action Action) error {
	if err := d.click(action); err != nil {
		return err
	}
	return chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(action.Text).Do(ctx)
	}))
}

func (d *ChromeDriver) scroll(action Action) error {
	delta := action.ScrollByPx
	if delta == 0 {
		delta = 800
	}
	return chromedp.Run(d.tabCtx, chromedp.Evaluate(
		fmt.Sprintf("window.scrollBy(0, %d)", delta), nil))
}

// ObservePostActionSettle samples a DOM mutation count over window via an
// injected MutationObserver, classifying significance per §4.5 step 8.
func (d *ChromeDriver) ObservePostActionSettle(_ context.Context, window time.Duration) (SettleResult, error) {
	before, _ := d.currentURLUnsafe()

	script := fmt.Sprintf(`
		(function() {
			window.__ghostMutations = {added: 0, removed: 0, interactive: 0};
			var interactiveTags = {A:1, BUTTON:1, INPUT:1, SELECT:1, TEXTAREA:1};
			var obs = new MutationObserver(function(muts) {
				muts.forEach(function(m) {
					window.__ghostMutations.added += m.addedNodes.length;
					window.__ghostMutations.removed += m.removedNodes.length;
					m.addedNodes.forEach(function(n) {
						if (n.tagName && interactiveTags[n.tagName]) window.__ghostMutations.interactive++;
					});
				});
			});
			obs.observe(document.body, {childList: true, subtree: true});
			window.__ghostObserver = obs;
			return true;
		})()
	`)
	_ = chromedp.Run(d.tabCtx, chromedp.Evaluate(script, nil))

	time.Sleep(window)

	var counts struct {
		Added       int `json:"added"`
		Removed     int `json:"removed"`
		Interactive int `json:"interactive"`
	}
	_ = chromedp.Run(d.tabCtx, chromedp.Evaluate(
		"(function(){ if(window.__ghostObserver) window.__ghostObserver.disconnect(); return window.__ghostMutations || {added:0,removed:0,interactive:0}; })()",
		&counts,
	))

	after, _ := d.currentURLUnsafe()

	result := SettleResult{
		NavigationOccurred: before != after,
		AddedOrRemoved:     counts.Added + counts.Removed,
		InteractiveRoleMut: counts.Interactive,
	}
	result.MutationSummary = fmt.Sprintf("added=%d removed=%d interactiveRoleMutations=%d", counts.Added, counts.Removed, counts.Interactive)
	return result, nil
}

func (d *ChromeDriver) currentURLUnsafe() (string, error) {
	var url string
	err := chromedp.Run(d.tabCtx, chromedp.Location(&url))
	return url, err
}

func (d *ChromeDriver) readScrollPosition(ctx context.Context, out *ScrollPosition) error {
	var raw map[string]any
	if err := chromedp.Evaluate(`({
		scrollY: window.scrollY,
		viewportHeight: window.innerHeight,
		documentHeight: document.documentElement.scrollHeight
	})`, &raw).Do(ctx); err != nil {
		return err
	}
	out.ScrollY = toInt(raw["scrollY"])
	out.ViewportHeight = toInt(raw["viewportHeight"])
	out.DocumentHeight = toInt(raw["documentHeight"])
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func (d *ChromeDriver) GetScrollPosition(ctx context.Context) (ScrollPosition, error) {
	var pos ScrollPosition
	if err := chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return d.readScrollPosition(ctx, &pos)
	})); err != nil {
		return ScrollPosition{}, ghosterrors.CDP("failed reading scroll position", err)
	}
	return pos, nil
}

func (d *ChromeDriver) CrashSignal() <-chan CrashEvent {
	return d.crashCh
}

// Close tears down the tab, browser, and allocator contexts in order.
func (d *ChromeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tabCancel != nil {
		d.tabCancel()
	}
	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	return nil
}

// applyDeviceMetrics sets the emulated viewport; called once at driver
// construction through a chromedp task so mobile tasks can override it
// later if this spec ever needs mobile emulation (it does not today).
func (d *ChromeDriver) applyDeviceMetrics(width, height int) error {
	return chromedp.Run(d.tabCtx, emulation.SetDeviceMetricsOverride(
		int64(width), int64(height), DefaultDeviceScale, false,
	))
}

var _ Driver = (*ChromeDriver)(nil)
