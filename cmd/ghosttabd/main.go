// Command ghosttabd is the orchestrator daemon: it wires the context
// pool (C2), the scheduler (C7), the perception-action loop (C5), the
// decomposer (C6), and the IPC bus (C4) together, then drives tasks
// submitted as newline-delimited JSON on stdin, streaming each task's
// status envelopes back out on stdout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/classifier"
	"github.com/ghosttab/orchestrator/internal/config"
	"github.com/ghosttab/orchestrator/internal/contextpool"
	"github.com/ghosttab/orchestrator/internal/decomposer"
	"github.com/ghosttab/orchestrator/internal/driver"
	"github.com/ghosttab/orchestrator/internal/ipc"
	"github.com/ghosttab/orchestrator/internal/loop"
	"github.com/ghosttab/orchestrator/internal/logger"
	"github.com/ghosttab/orchestrator/internal/modelclient"
	"github.com/ghosttab/orchestrator/internal/scheduler"
	"github.com/ghosttab/orchestrator/internal/task"
)

// submitRequest is one line of stdin input: a new intent to run.
type submitRequest struct {
	TaskID        string `json:"taskId"`
	Intent        string `json:"intent"`
	StartURL      string `json:"startUrl"`
	Priority      string `json:"priority"` // FOREGROUND | BACKGROUND
	MaxSteps      int    `json:"maxSteps"`
	MaxRetries    int    `json:"maxRetries"`
	OverrideToken string `json:"overrideToken"`
}

func main() {
	configPath := flag.String("c", "config.yaml", "config file path")
	flag.Parse()

	fmt.Println("ghosttabd starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, closeLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLogger()

	blocklist := driver.NewBlocklist(true, true, nil)
	factory := func(slotID string) (driver.Driver, error) {
		return driver.NewChromeDriver(driver.ChromeConfig{
			Headless:       true,
			NoSandbox:      false,
			Blocklist:      blocklist,
			CheckRobots:    true,
			ViewportWidth:  1280,
			ViewportHeight: 900,
		}, log)
	}

	pool, err := contextpool.New(cfg.Pool.ContextCount, cfg.Pool.WarmMinimum, cfg.Pool.AutoReplenish, factory, log)
	if err != nil {
		log.Fatal("failed to initialize context pool", zap.Error(err))
	}
	defer pool.Shutdown()

	httpCfg := modelclient.HTTPConfig{APIKey: cfg.Models.APIKey, Timeout: cfg.Models.Timeout}
	tier1 := modelclient.NewHTTPTier1Client(cfg.Models.Tier1Endpoint, httpCfg, log)
	tier2 := modelclient.NewHTTPTier2Client(cfg.Models.Tier2Endpoint, httpCfg, log)
	planner := modelclient.NewHTTPPlannerClient(cfg.Models.PlannerEndpoint, httpCfg, log)

	loopCfg := loop.DefaultConfig()
	loopCfg.ConfidenceThreshold = cfg.Perception.ConfidenceThreshold
	loopCfg.AXDeficientThreshold = cfg.Perception.AXDeficientThreshold
	loopCfg.ScrollStepPx = cfg.Perception.ScrollStepPx
	loopCfg.MaxScrollSteps = cfg.Perception.MaxScrollSteps
	loopCfg.MaxNoProgressSteps = cfg.Perception.MaxNoProgressSteps
	loopCfg.CharBudget = cfg.Perception.CharBudget
	loopCfg.UseToonEncoding = cfg.Perception.UseToonEncoding

	bus := ipc.NewBus(log)

	perceptionLoop := loop.New(loopCfg, tier1, tier2, bus, log)
	verifier := decomposer.VerifierFunc(verifyByURLSubstring)
	dcomp := decomposer.New(planner, perceptionLoop, verifier, bus, log)

	classif := classifier.New(cfg.Classifier.ModeOverrideSecret)

	budget := scheduler.ResourceBudget{
		Enabled:        cfg.Task.ResourceBudget.Enabled,
		Mode:           scheduler.ResourceMode(cfg.Task.ResourceBudget.Mode),
		MaxCPUPercent:  cfg.Task.ResourceBudget.MaxCPUPercent,
		MaxMemoryBytes: cfg.Task.ResourceBudget.MaxMemoryBytes,
		SampleInterval: cfg.Task.ResourceBudget.SampleInterval,
	}
	sched := scheduler.New(pool, bus, budget, nil, cfg.Task.MaxRetries, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newTasks := make(chan string, 64)
	go serveStdin(ctx, sched, dcomp, classif, bus, cfg, log, newTasks)
	go streamStdout(ctx, bus, newTasks)

	log.Info("ghosttabd started",
		zap.Int("pool_size", cfg.Pool.ContextCount),
		zap.Int("warm_minimum", cfg.Pool.WarmMinimum),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")
	cancel()
}

// verifyByURLSubstring is the default subtask verifier: it checks that
// the current page URL contains the substring named by the subtask's
// verification condition. A real deployment would register richer
// verifiers (element presence, extracted-text match); this is the
// narrowest one that exercises the Verifier contract end to end.
func verifyByURLSubstring(ctx context.Context, d driver.Driver, v task.Verification) (bool, error) {
	if v.Type != "url" {
		return true, nil
	}
	url, err := d.CurrentURL(ctx)
	if err != nil {
		return false, err
	}
	needle := v.Condition
	const prefix = "contains:"
	if len(needle) > len(prefix) && needle[:len(prefix)] == prefix {
		needle = needle[len(prefix):]
	}
	return containsSubstring(url, needle), nil
}

func containsSubstring(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// serveStdin reads one submitRequest per line and submits it to the
// scheduler, subscribing the bus to that task's stream before
// submission so the earliest QUEUE_ENQUEUED status is never dropped.
func serveStdin(ctx context.Context, sched *scheduler.Scheduler, dcomp *decomposer.Decomposer, classif *classifier.Classifier, bus *ipc.Bus, cfg *config.Config, log *zap.Logger, newTasks chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req submitRequest
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn("malformed submit request", zap.Error(err))
			continue
		}
		if req.TaskID == "" || req.Intent == "" || req.StartURL == "" {
			log.Warn("submit request missing required fields", zap.String("task_id", req.TaskID))
			continue
		}

		priority := task.Background
		if req.Priority == "FOREGROUND" {
			priority = task.Foreground
		}
		maxSteps := req.MaxSteps
		if maxSteps == 0 {
			maxSteps = cfg.Task.MaxSteps
		}
		maxRetries := req.MaxRetries
		if maxRetries == 0 {
			maxRetries = cfg.Task.MaxRetries
		}

		class := classif.Classify(req.Intent, req.OverrideToken)
		log.Info("task classified",
			zap.String("task_id", req.TaskID),
			zap.String("mode", string(class.Mode)),
			zap.Bool("override", class.Override),
		)

		bus.Subscribe(req.TaskID)
		t := task.NewTask(req.TaskID, req.Intent, req.StartURL, priority, maxSteps, maxRetries)
		sched.Submit(ctx, t, dcomp)

		select {
		case newTasks <- req.TaskID:
		case <-ctx.Done():
			return
		}
	}
}

// streamStdout fans each newly submitted task's rate-limited status
// view out to stdout as a JSON line per envelope, one goroutine per
// task, stopped when the task's view closes or the daemon shuts down.
func streamStdout(ctx context.Context, bus *ipc.Bus, newTasks <-chan string) {
	out := &syncWriter{w: bufio.NewWriter(os.Stdout)}
	defer out.flush()

	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-newTasks:
			view := bus.NewSubscriberView(taskID)
			go pipeTaskEvents(ctx, view, out)
		}
	}
}

// syncWriter serializes writes from one goroutine per active task onto
// the single stdout stream.
type syncWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (s *syncWriter) writeLine(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(b)
	s.w.WriteByte('\n')
	s.w.Flush()
}

func (s *syncWriter) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
}

func pipeTaskEvents(ctx context.Context, view *ipc.SubscriberView, out *syncWriter) {
	defer view.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-view.Events():
			if !ok {
				return
			}
			encoded, err := json.Marshal(e)
			if err != nil {
				continue
			}
			out.writeLine(encoded)
		}
	}
}
