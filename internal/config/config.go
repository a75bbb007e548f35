// Package config loads orchestrator configuration from a YAML file with
// environment-variable overrides, the same two-stage pattern the teacher
// project uses for its render-service config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghosttab/orchestrator/internal/logger"
)

// Config is the root orchestrator configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Pool       PoolConfig       `yaml:"pool"`
	Perception PerceptionConfig `yaml:"perception"`
	Task       TaskConfig       `yaml:"task"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Models     ModelsConfig     `yaml:"models"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// PoolConfig contains ghost context pool settings (C2).
type PoolConfig struct {
	ContextCount    int           `yaml:"context_count"`
	WarmMinimum     int           `yaml:"warm_minimum"`
	AutoReplenish   bool          `yaml:"auto_replenish"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PerceptionConfig contains C5 tier-routing and escalation settings.
type PerceptionConfig struct {
	UseToonEncoding      bool    `yaml:"use_toon_encoding"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	AXDeficientThreshold int     `yaml:"ax_deficient_threshold"`
	ScrollStepPx         int     `yaml:"scroll_step_px"`
	MaxScrollSteps       int     `yaml:"max_scroll_steps"`
	MaxNoProgressSteps   int     `yaml:"max_no_progress_steps"`
	CharBudget           int     `yaml:"char_budget"`
}

// TaskConfig contains per-task defaults.
type TaskConfig struct {
	MaxSteps       int                  `yaml:"max_steps"`
	MaxRetries     int                  `yaml:"max_retries"`
	ResourceBudget ResourceBudgetConfig `yaml:"resource_budget"`
}

// ResourceBudgetConfig contains §4.7 resource-budget enforcement settings.
type ResourceBudgetConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Mode           string        `yaml:"mode"` // WARN_ONLY | KILL_TAB
	MaxCPUPercent  float64       `yaml:"max_cpu_percent"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// ClassifierConfig contains intent-classifier authentication settings.
type ClassifierConfig struct {
	ModeOverrideSecret string `yaml:"mode_override_secret"`
}

// ModelsConfig contains connection settings for the two remote model
// tiers the perception-action loop drives (C5) and the planner model
// the decomposer drives (C6).
type ModelsConfig struct {
	Tier1Endpoint   string        `yaml:"tier1_endpoint"`
	Tier2Endpoint   string        `yaml:"tier2_endpoint"`
	PlannerEndpoint string        `yaml:"planner_endpoint"`
	APIKey          string        `yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Enforcement modes for ResourceBudgetConfig.Mode.
const (
	ModeWarnOnly = "WARN_ONLY"
	ModeKillTab  = "KILL_TAB"
)

// Default values.
const (
	defaultLogLevel  = logger.LevelInfo
	defaultLogFormat = logger.FormatJSON

	defaultContextCount    = 6
	defaultWarmMinimum     = 2
	defaultShutdownTimeout = 10 * time.Second

	defaultConfidenceThreshold  = 0.75
	defaultAXDeficientThreshold = 5
	defaultScrollStepPx         = 800
	defaultMaxScrollSteps       = 8
	defaultMaxNoProgressSteps   = 3
	defaultCharBudget           = 8000

	defaultMaxSteps   = 20
	defaultMaxRetries = 1

	defaultResourceSampleInterval = 5 * time.Second

	defaultModelTimeout = 30 * time.Second
)

var validLogLevels = map[string]bool{
	logger.LevelDebug: true,
	logger.LevelInfo:  true,
	logger.LevelWarn:  true,
	logger.LevelError: true,
}

var validLogFormats = map[string]bool{
	logger.FormatJSON:    true,
	logger.FormatConsole: true,
}

var validBudgetModes = map[string]bool{
	ModeWarnOnly: true,
	ModeKillTab:  true,
}

// Load reads configuration from a YAML file and applies environment
// overrides per §6 of the specification.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}

	if c.Pool.ContextCount == 0 {
		c.Pool.ContextCount = defaultContextCount
	}
	if c.Pool.WarmMinimum == 0 {
		c.Pool.WarmMinimum = defaultWarmMinimum
	}
	if c.Pool.ShutdownTimeout == 0 {
		c.Pool.ShutdownTimeout = defaultShutdownTimeout
	}

	if c.Perception.ConfidenceThreshold == 0 {
		c.Perception.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if c.Perception.AXDeficientThreshold == 0 {
		c.Perception.AXDeficientThreshold = defaultAXDeficientThreshold
	}
	if c.Perception.ScrollStepPx == 0 {
		c.Perception.ScrollStepPx = defaultScrollStepPx
	}
	if c.Perception.MaxScrollSteps == 0 {
		c.Perception.MaxScrollSteps = defaultMaxScrollSteps
	}
	if c.Perception.MaxNoProgressSteps == 0 {
		c.Perception.MaxNoProgressSteps = defaultMaxNoProgressSteps
	}
	if c.Perception.CharBudget == 0 {
		c.Perception.CharBudget = defaultCharBudget
	}

	if c.Task.MaxSteps == 0 {
		c.Task.MaxSteps = defaultMaxSteps
	}
	if c.Task.MaxRetries == 0 {
		c.Task.MaxRetries = defaultMaxRetries
	}
	if c.Task.ResourceBudget.Mode == "" {
		c.Task.ResourceBudget.Mode = ModeWarnOnly
	}
	if c.Task.ResourceBudget.SampleInterval == 0 {
		c.Task.ResourceBudget.SampleInterval = defaultResourceSampleInterval
	}

	if c.Models.Timeout == 0 {
		c.Models.Timeout = defaultModelTimeout
	}
}

// applyEnvOverrides applies the environment variables enumerated in §6.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GHOST_CONTEXT_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.ContextCount = n
		}
	}
	if v := os.Getenv("GHOST_CONTEXT_AUTO_REPLENISH"); v != "" {
		c.Pool.AutoReplenish = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("USE_TOON_ENCODING"); v != "" {
		c.Perception.UseToonEncoding = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("PHASE2_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Perception.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("PHASE2_AX_DEFICIENT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Perception.AXDeficientThreshold = n
		}
	}
	if v := os.Getenv("PHASE2_SCROLL_STEP_PX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Perception.ScrollStepPx = n
		}
	}
	if v := os.Getenv("PHASE2_MAX_SCROLL_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Perception.MaxScrollSteps = n
		}
	}
	if v := os.Getenv("PHASE2_MAX_NO_PROGRESS_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Perception.MaxNoProgressSteps = n
		}
	}
	if v := os.Getenv("GHOST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GHOST_MODEL_API_KEY"); v != "" {
		c.Models.APIKey = v
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Pool.ContextCount < 1 {
		return fmt.Errorf("invalid pool.context_count: %d (must be >= 1)", c.Pool.ContextCount)
	}
	if c.Pool.WarmMinimum < 0 || c.Pool.WarmMinimum > c.Pool.ContextCount {
		return fmt.Errorf("invalid pool.warm_minimum: %d (must be 0..%d)", c.Pool.WarmMinimum, c.Pool.ContextCount)
	}
	if c.Perception.ConfidenceThreshold < 0 || c.Perception.ConfidenceThreshold > 1 {
		return fmt.Errorf("invalid perception.confidence_threshold: %f (must be 0..1)", c.Perception.ConfidenceThreshold)
	}
	if c.Perception.AXDeficientThreshold < 0 {
		return fmt.Errorf("invalid perception.ax_deficient_threshold: %d", c.Perception.AXDeficientThreshold)
	}
	if c.Task.MaxSteps < 1 {
		return fmt.Errorf("invalid task.max_steps: %d", c.Task.MaxSteps)
	}
	if c.Task.MaxRetries < 0 {
		return fmt.Errorf("invalid task.max_retries: %d", c.Task.MaxRetries)
	}
	if !validBudgetModes[c.Task.ResourceBudget.Mode] {
		return fmt.Errorf("invalid task.resource_budget.mode: %s", c.Task.ResourceBudget.Mode)
	}
	return nil
}
