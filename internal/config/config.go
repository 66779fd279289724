// Package config loads operator/config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/example/operator/internal/core/breaker"
	"github.com/example/operator/internal/core/workflow"
)

// Duration is a time.Duration written as a string such as "5s" or "30m".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Queue     QueueConfig     `toml:"queue"`
	Agent     AgentConfig     `toml:"agent"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Retry     RetryConfig     `toml:"retry"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Workflows WorkflowsConfig `toml:"workflows"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type QueueConfig struct {
	MaxParallel   int      `toml:"max_parallel"`
	CoresReserved int      `toml:"cores_reserved"`
	TickInterval  Duration `toml:"tick_interval"`
	PriorityOrder []string `toml:"priority_order"`
	RecoveryGrace Duration `toml:"recovery_grace"`
	// CompletedHistory bounds the recently-completed list in state.json.
	CompletedHistory int `toml:"completed_history"`
}

type AgentConfig struct {
	PollInterval                Duration          `toml:"poll_interval"`
	StaleInterval               Duration          `toml:"stale_interval"`
	CompletionDetectionInterval Duration          `toml:"completion_detection_interval"`
	Executors                   map[string]string `toml:"executors"`
	DefaultExecutor             string            `toml:"default_executor"`
	CancelGrace                 Duration          `toml:"cancel_grace"`
	AgentEnvFile                string            `toml:"agent_env_file"`
	SessionPrefix               string            `toml:"session_prefix"`
	TailLines                   int               `toml:"tail_lines"`
	// TerminalTimeout bounds every tmux command.
	TerminalTimeout Duration `toml:"terminal_timeout"`
}

type BreakerConfig struct {
	MaxIterations int `toml:"max_iterations"`
	ErrorBudget   int `toml:"error_budget"`
}

type RetryConfig struct {
	MaxRetries     int      `toml:"max_retries"`
	InitialBackoff Duration `toml:"initial_backoff"`
}

type SandboxConfig struct {
	// SandboxRoot and SourceRoot are relative to the workspace unless absolute.
	SandboxRoot           string   `toml:"sandbox_root"`
	SourceRoot            string   `toml:"source_root"`
	DefaultBranchFallback string   `toml:"default_branch_fallback"`
	Remote                string   `toml:"remote"`
	CleanupScript         string   `toml:"cleanup_script"`
	PruneBranchOnCleanup  bool     `toml:"prune_branch_on_cleanup"`
	GitTimeout            Duration `toml:"git_timeout"`
	CleanupTimeout        Duration `toml:"cleanup_timeout"`
}

type WorkflowsConfig struct {
	Steps         map[string][]string `toml:"steps"`
	Review        []string            `toml:"review"`
	FinalApproval map[string]bool     `toml:"final_approval"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	ServiceName  string `toml:"service_name"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

func Default() Config {
	return Config{
		Queue: QueueConfig{
			MaxParallel:      4,
			CoresReserved:    2,
			TickInterval:     D(5 * time.Second),
			RecoveryGrace:    D(2 * time.Minute),
			CompletedHistory: 20,
		},
		Agent: AgentConfig{
			PollInterval:                D(5 * time.Second),
			StaleInterval:               D(30 * time.Minute),
			CompletionDetectionInterval: D(5 * time.Second),
			Executors: map[string]string{
				"claude": `claude "$(cat {prompt_file})"`,
				"codex":  `codex "$(cat {prompt_file})"`,
			},
			DefaultExecutor: "claude",
			CancelGrace:     D(10 * time.Second),
			SessionPrefix:   "op-",
			TailLines:       200,
			TerminalTimeout: D(10 * time.Second),
		},
		Breaker: BreakerConfig{MaxIterations: 5, ErrorBudget: 20},
		Retry:   RetryConfig{MaxRetries: 3, InitialBackoff: D(time.Second)},
		Sandbox: SandboxConfig{
			SandboxRoot:           "sandboxes",
			SourceRoot:            "repos",
			DefaultBranchFallback: "main",
			Remote:                "origin",
			GitTimeout:            D(30 * time.Second),
			CleanupTimeout:        D(2 * time.Minute),
		},
		Workflows: WorkflowsConfig{
			Steps: map[string][]string{workflow.DefaultType: {"implement"}},
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "operator",
			OTLPEndpoint: "http://127.0.0.1:4318",
		},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Path returns the config file location for a workspace root.
func Path(root string) string {
	return filepath.Join(root, "operator", "config.toml")
}

func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := Path(root)
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	var raw rawConfig
	if err := toml.Unmarshal(b, &raw); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed, raw)
	if err := res.Config.Validate(); err != nil {
		res.ParseError = err
	}
	return res
}

// WriteDefault writes the default configuration unless a file already exists.
func WriteDefault(root string) (string, error) {
	path := Path(root)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}
	b, err := toml.Marshal(Default())
	if err != nil {
		return path, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return path, fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// rawConfig is the undecoded file. merge uses it where zero is a meaningful
// value and cannot be told apart from an absent key.
type rawConfig map[string]any

func (r rawConfig) has(section, key string) bool {
	table, ok := r[section].(map[string]any)
	if !ok {
		return false
	}
	_, ok = table[key]
	return ok
}

func merge(def Config, cfg Config, raw rawConfig) Config {
	// Queue
	if cfg.Queue.MaxParallel != 0 {
		def.Queue.MaxParallel = cfg.Queue.MaxParallel
	}
	if cfg.Queue.CoresReserved != 0 || raw.has("queue", "cores_reserved") {
		def.Queue.CoresReserved = cfg.Queue.CoresReserved
	}
	if cfg.Queue.TickInterval.Duration != 0 {
		def.Queue.TickInterval = cfg.Queue.TickInterval
	}
	if len(cfg.Queue.PriorityOrder) != 0 {
		def.Queue.PriorityOrder = cfg.Queue.PriorityOrder
	}
	if cfg.Queue.RecoveryGrace.Duration != 0 {
		def.Queue.RecoveryGrace = cfg.Queue.RecoveryGrace
	}
	if cfg.Queue.CompletedHistory != 0 {
		def.Queue.CompletedHistory = cfg.Queue.CompletedHistory
	}
	// Agent
	if cfg.Agent.PollInterval.Duration != 0 {
		def.Agent.PollInterval = cfg.Agent.PollInterval
	}
	if cfg.Agent.StaleInterval.Duration != 0 {
		def.Agent.StaleInterval = cfg.Agent.StaleInterval
	}
	if cfg.Agent.CompletionDetectionInterval.Duration != 0 {
		def.Agent.CompletionDetectionInterval = cfg.Agent.CompletionDetectionInterval
	}
	for name, cmd := range cfg.Agent.Executors {
		def.Agent.Executors[name] = cmd
	}
	if cfg.Agent.DefaultExecutor != "" {
		def.Agent.DefaultExecutor = cfg.Agent.DefaultExecutor
	}
	if cfg.Agent.CancelGrace.Duration != 0 {
		def.Agent.CancelGrace = cfg.Agent.CancelGrace
	}
	if cfg.Agent.AgentEnvFile != "" {
		def.Agent.AgentEnvFile = cfg.Agent.AgentEnvFile
	}
	if cfg.Agent.SessionPrefix != "" {
		def.Agent.SessionPrefix = cfg.Agent.SessionPrefix
	}
	if cfg.Agent.TailLines != 0 {
		def.Agent.TailLines = cfg.Agent.TailLines
	}
	if cfg.Agent.TerminalTimeout.Duration != 0 {
		def.Agent.TerminalTimeout = cfg.Agent.TerminalTimeout
	}
	// Breaker
	if cfg.Breaker.MaxIterations != 0 {
		def.Breaker.MaxIterations = cfg.Breaker.MaxIterations
	}
	// error_budget = 0 disables the budget.
	if cfg.Breaker.ErrorBudget != 0 || raw.has("breaker", "error_budget") {
		def.Breaker.ErrorBudget = cfg.Breaker.ErrorBudget
	}
	// Retry
	if cfg.Retry.MaxRetries != 0 || raw.has("retry", "max_retries") {
		def.Retry.MaxRetries = cfg.Retry.MaxRetries
	}
	if cfg.Retry.InitialBackoff.Duration != 0 {
		def.Retry.InitialBackoff = cfg.Retry.InitialBackoff
	}
	// Sandbox
	if cfg.Sandbox.SandboxRoot != "" {
		def.Sandbox.SandboxRoot = cfg.Sandbox.SandboxRoot
	}
	if cfg.Sandbox.SourceRoot != "" {
		def.Sandbox.SourceRoot = cfg.Sandbox.SourceRoot
	}
	if cfg.Sandbox.DefaultBranchFallback != "" {
		def.Sandbox.DefaultBranchFallback = cfg.Sandbox.DefaultBranchFallback
	}
	if cfg.Sandbox.Remote != "" {
		def.Sandbox.Remote = cfg.Sandbox.Remote
	}
	if cfg.Sandbox.CleanupScript != "" {
		def.Sandbox.CleanupScript = cfg.Sandbox.CleanupScript
	}
	def.Sandbox.PruneBranchOnCleanup = cfg.Sandbox.PruneBranchOnCleanup
	if cfg.Sandbox.GitTimeout.Duration != 0 {
		def.Sandbox.GitTimeout = cfg.Sandbox.GitTimeout
	}
	if cfg.Sandbox.CleanupTimeout.Duration != 0 {
		def.Sandbox.CleanupTimeout = cfg.Sandbox.CleanupTimeout
	}
	// Workflows
	for typ, steps := range cfg.Workflows.Steps {
		def.Workflows.Steps[typ] = steps
	}
	if len(cfg.Workflows.Review) != 0 {
		def.Workflows.Review = cfg.Workflows.Review
	}
	if len(cfg.Workflows.FinalApproval) != 0 {
		def.Workflows.FinalApproval = cfg.Workflows.FinalApproval
	}
	// Metrics
	if cfg.Metrics.Listen != "" {
		def.Metrics.Listen = cfg.Metrics.Listen
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	return def
}

// Validate rejects configurations the controller cannot run with.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Queue.MaxParallel < 1 {
		add("queue.max_parallel must be at least 1")
	}
	if c.Queue.CoresReserved < 0 {
		add("queue.cores_reserved must not be negative")
	}
	for name, d := range map[string]Duration{
		"queue.tick_interval":                 c.Queue.TickInterval,
		"queue.recovery_grace":                c.Queue.RecoveryGrace,
		"agent.poll_interval":                 c.Agent.PollInterval,
		"agent.stale_interval":                c.Agent.StaleInterval,
		"agent.completion_detection_interval": c.Agent.CompletionDetectionInterval,
		"agent.cancel_grace":                  c.Agent.CancelGrace,
		"retry.initial_backoff":               c.Retry.InitialBackoff,
		"agent.terminal_timeout":              c.Agent.TerminalTimeout,
		"sandbox.git_timeout":                 c.Sandbox.GitTimeout,
		"sandbox.cleanup_timeout":             c.Sandbox.CleanupTimeout,
	} {
		if d.Duration <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.Breaker.MaxIterations < 1 {
		add("breaker.max_iterations must be at least 1")
	}
	if c.Breaker.ErrorBudget < 0 {
		add("breaker.error_budget must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative")
	}
	if _, ok := c.Agent.Executors[c.Agent.DefaultExecutor]; !ok {
		add("agent.default_executor %q is not in agent.executors", c.Agent.DefaultExecutor)
	}
	seen := map[string]bool{}
	for _, typ := range c.Queue.PriorityOrder {
		key := strings.ToUpper(strings.TrimSpace(typ))
		if key == "" {
			add("queue.priority_order contains an empty type")
			continue
		}
		if seen[key] {
			add("queue.priority_order repeats %s", typ)
		}
		seen[key] = true
	}
	if len(c.Workflows.Steps) == 0 {
		add("workflows.steps is empty")
	}
	for _, w := range c.Registry() {
		if err := w.Validate(); err != nil {
			add("%v", err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveMaxParallel is min(max_parallel, cpu - cores_reserved), at least 1.
func (c Config) EffectiveMaxParallel() int {
	return effectiveMaxParallel(c.Queue.MaxParallel, runtime.NumCPU(), c.Queue.CoresReserved)
}

func effectiveMaxParallel(maxParallel, cpus, reserved int) int {
	n := maxParallel
	if avail := cpus - reserved; avail < n {
		n = avail
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Registry builds the workflow registry.
func (c Config) Registry() workflow.Registry {
	return workflow.NewRegistry(c.Workflows.Steps, c.Workflows.Review, c.Workflows.FinalApproval)
}

// Policy returns the breaker and retry thresholds.
func (c Config) Policy() workflow.Policy {
	return workflow.Policy{
		Limits:     breaker.Limits{MaxIterations: c.Breaker.MaxIterations, ErrorBudget: c.Breaker.ErrorBudget},
		MaxRetries: c.Retry.MaxRetries,
	}
}

// SandboxRoot resolves sandbox.sandbox_root against the workspace root.
func (c Config) SandboxRoot(workspace string) string {
	return resolve(workspace, c.Sandbox.SandboxRoot)
}

// SourceRoot resolves sandbox.source_root against the workspace root.
func (c Config) SourceRoot(workspace string) string {
	return resolve(workspace, c.Sandbox.SourceRoot)
}

// SourceRepo returns the source repository path of project.
func (c Config) SourceRepo(workspace, project string) string {
	return filepath.Join(c.SourceRoot(workspace), project)
}

func resolve(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// LoadAgentEnv reads agent.agent_env_file. A missing setting yields nil.
func (c Config) LoadAgentEnv(workspace string) (map[string]string, error) {
	if c.Agent.AgentEnvFile == "" {
		return nil, nil
	}
	path := resolve(workspace, c.Agent.AgentEnvFile)
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent env file %s: %w", path, err)
	}
	return env, nil
}
