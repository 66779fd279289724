// Package wire provides dependency injection for the operator.
// It creates singleton services with lazy initialization.
package wire

import (
	"context"
	"database/sql"
	"log"
	"path/filepath"
	"sync"

	"github.com/example/operator/internal/adapters/filesystem"
	"github.com/example/operator/internal/adapters/git"
	"github.com/example/operator/internal/adapters/process"
	"github.com/example/operator/internal/adapters/sqlite"
	"github.com/example/operator/internal/adapters/tmux"
	"github.com/example/operator/internal/app"
	"github.com/example/operator/internal/config"
	"github.com/example/operator/internal/db"
	"github.com/example/operator/internal/metrics"
	"github.com/example/operator/internal/ports/primary"
	"github.com/example/operator/internal/ports/secondary"
)

var (
	workspace = "."

	cfg             config.Config
	database        *sql.DB
	stateStore      *filesystem.StateStore
	eventLog        secondary.EventLog
	collector       *metrics.Collector
	sandboxManager  *app.SandboxManager
	supervisor      *app.AgentSupervisor
	queueController *app.QueueController
	controlService  primary.ControlService
	once            sync.Once
)

// SetWorkspace sets the workspace root. It must be called before any service
// is requested.
func SetWorkspace(root string) {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	workspace = root
}

// Workspace returns the workspace root.
func Workspace() string {
	return workspace
}

// Config returns the loaded configuration.
func Config() config.Config {
	once.Do(initServices)
	return cfg
}

// QueueService returns the singleton QueueController instance.
func QueueService() *app.QueueController {
	once.Do(initServices)
	return queueController
}

// ControlService returns the singleton ControlService instance.
func ControlService() primary.ControlService {
	once.Do(initServices)
	return controlService
}

// SandboxService returns the singleton SandboxService instance.
func SandboxService() primary.SandboxService {
	once.Do(initServices)
	return sandboxManager
}

// Supervisor returns the singleton AgentSupervisor instance.
func Supervisor() *app.AgentSupervisor {
	once.Do(initServices)
	return supervisor
}

// EventLog returns the singleton event log.
func EventLog() secondary.EventLog {
	once.Do(initServices)
	return eventLog
}

// StateStore returns the singleton state store.
func StateStore() secondary.StateStore {
	once.Do(initServices)
	return stateStore
}

// Metrics returns the singleton metrics collector.
func Metrics() *metrics.Collector {
	once.Do(initServices)
	return collector
}

// Close releases the database handle.
func Close() error {
	if database == nil {
		return nil
	}
	return database.Close()
}

// initServices initializes all services and their dependencies.
// This is called once via sync.Once.
func initServices() {
	// Load configuration
	res := config.Load(workspace)
	if res.ParseError != nil {
		log.Fatalf("failed to load %s: %v", res.Path, res.ParseError)
	}
	cfg = res.Config

	// Queue directories
	store := filesystem.NewQueueStore(workspace)
	if err := store.Init(context.Background()); err != nil {
		log.Fatalf("failed to initialize queue directories: %v", err)
	}
	stateStore = filesystem.NewStateStore(workspace)
	inbox := filesystem.NewInbox(workspace)

	// Get database connection
	var err error
	database, err = db.Open(db.Path(workspace))
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	eventLog = sqlite.NewEventRepository(database)
	collector = metrics.NewCollector()

	// Create infrastructure adapters (secondary ports)
	runner := process.NewExecRunner()
	gitAdapter := git.NewAdapter(runner, cfg.Sandbox.GitTimeout.Duration)
	terminal, err := tmux.NewAdapter(runner, cfg.Agent.TerminalTimeout.Duration)
	if err != nil {
		log.Fatalf("failed to initialize tmux: %v", err)
	}
	signaler := process.NewGroupSignaler()

	agentEnv, err := cfg.LoadAgentEnv(workspace)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Create services
	sandboxManager = app.NewSandboxManager(gitAdapter, runner, app.NewLockTable(), app.SandboxSettings{
		Root:                  cfg.SandboxRoot(workspace),
		SourceRoot:            cfg.SourceRoot(workspace),
		Remote:                cfg.Sandbox.Remote,
		DefaultBranchFallback: cfg.Sandbox.DefaultBranchFallback,
		CleanupScript:         cfg.Sandbox.CleanupScript,
		CleanupTimeout:        cfg.Sandbox.CleanupTimeout.Duration,
		PruneBranchOnCleanup:  cfg.Sandbox.PruneBranchOnCleanup,
	}, nil)

	supervisor = app.NewAgentSupervisor(terminal, signaler, app.SupervisorSettings{
		SessionsDir:        filepath.Join(workspace, filesystem.OperatorDir, "sessions"),
		SessionPrefix:      cfg.Agent.SessionPrefix,
		Executors:          cfg.Agent.Executors,
		DefaultExecutor:    cfg.Agent.DefaultExecutor,
		StaleInterval:      cfg.Agent.StaleInterval.Duration,
		PollInterval:       cfg.Agent.PollInterval.Duration,
		TickInterval:       cfg.Queue.TickInterval.Duration,
		CompletionInterval: cfg.Agent.CompletionDetectionInterval.Duration,
		CancelGrace:        cfg.Agent.CancelGrace.Duration,
		TailLines:          cfg.Agent.TailLines,
		Env:                agentEnv,
	}, nil)

	prompts, err := app.NewPromptRenderer()
	if err != nil {
		log.Fatalf("failed to load prompt templates: %v", err)
	}
	steps := app.NewStepController(supervisor, prompts, cfg.Registry(), cfg.Policy(), app.StepControllerOptions{
		InitialBackoff: cfg.Retry.InitialBackoff.Duration,
		Metrics:        collector,
		Events:         eventLog,
	})

	queueController = app.NewQueueController(app.QueueDeps{
		Store:      store,
		State:      stateStore,
		Inbox:      inbox,
		Events:     eventLog,
		Steps:      steps,
		Sandboxes:  sandboxManager,
		Supervisor: supervisor,
		Metrics:    collector,
	}, app.QueueSettings{
		MaxParallel:      cfg.EffectiveMaxParallel(),
		TickInterval:     cfg.Queue.TickInterval.Duration,
		RecoveryGrace:    cfg.Queue.RecoveryGrace.Duration,
		CompletedHistory: cfg.Queue.CompletedHistory,
		PriorityOrder:    cfg.Queue.PriorityOrder,
	})

	controlService = app.NewControlService(inbox)
}
