// Command codeforge runs the execution core in batch mode: it loads a plan
// file of subtasks for one project, drives them to completion inside
// sandboxes, and exits when the project reaches a terminal status.
//
// The planning and code-generation collaborators are external to the core;
// this binary substitutes file-backed stand-ins (a static plan and a
// directory of pre-generated artifacts) so the engine can run without an
// API layer attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"codeforge/pkg/config"
	"codeforge/pkg/events"
	"codeforge/pkg/executor"
	"codeforge/pkg/logx"
	"codeforge/pkg/orch"
	"codeforge/pkg/proto"
	"codeforge/pkg/sandbox"
	"codeforge/pkg/store"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file (.json or .yaml)")
		projectName  = flag.String("project", "", "Project name")
		requestText  = flag.String("request", "", "Change request text")
		planPath     = flag.String("plan", "", "Path to a plan file with subtasks (.json or .yaml)")
		artifactsDir = flag.String("artifacts", "", "Directory holding pre-generated artifact files")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("codeforge %s (%s)\n", version, commit)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *projectName, *requestText, *planPath, *artifactsDir))
}

// run contains the main application logic and returns an exit code, so
// defers execute before the process exits.
func run(configPath, projectName, requestText, planPath, artifactsDir string) int {
	logger := logx.NewLogger("main")

	if projectName == "" || planPath == "" {
		logger.Error("Both -project and -plan are required")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		return 1
	}

	projectStore, err := store.NewStore(cfg.Persistence.ProjectsBasePath)
	if err != nil {
		logger.Error("Failed to open project store: %v", err)
		return 1
	}

	sandboxes, err := sandbox.NewManager(&cfg.Sandbox)
	if err != nil {
		logger.Error("Failed to initialize sandbox manager: %v", err)
		return 1
	}

	queue := events.NewQueue(cfg.Events.BufferSize)
	journal, err := openJournal(cfg)
	if err != nil {
		logger.Error("Failed to open event journal: %v", err)
		return 1
	}
	journal.Drain(queue.Events())

	planner, err := newFilePlanner(planPath)
	if err != nil {
		logger.Error("Failed to load plan: %v", err)
		return 1
	}

	generator := newDirGenerator(artifactsDir)
	taskExecutor := executor.New(sandboxes, generator, queue, cfg.Executor.MaxDebugAttempts, cfg.DefaultCommandTimeout())
	orchestrator := orch.New(cfg, projectStore, taskExecutor, planner, queue, sandboxes)

	if err := orchestrator.Submit(projectName, requestText); err != nil {
		logger.Error("Failed to submit project: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orchestrator.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := waitForCompletion(ctx, orchestrator, projectName, sigCh, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	orchestrator.Shutdown(shutdownCtx)

	queue.Close()
	if err := journal.Close(); err != nil {
		logger.Warn("Failed to close event journal: %v", err)
	}
	return exitCode
}

// waitForCompletion polls the project until it leaves the queue or a
// signal arrives.
func waitForCompletion(ctx context.Context, orchestrator *orch.Orchestrator, projectName string, sigCh <-chan os.Signal, logger *logx.Logger) int {
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info("Received %s, shutting down", sig)
			return 130
		case <-ctx.Done():
			return 1
		case <-poll.C:
			if orchestrator.QueueLength() > 0 {
				continue
			}
			status, err := orchestrator.ProjectStatus(projectName)
			if err != nil {
				logger.Error("Failed to read final project status: %v", err)
				return 1
			}
			logger.Info("Project %s finished: %s", projectName, status)
			if status == proto.StatusCompleted {
				return 0
			}
			return 1
		}
	}
}

func openJournal(cfg *config.Config) (*events.Journal, error) {
	if dir := filepath.Dir(cfg.Events.JournalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	return events.OpenJournal(cfg.Events.JournalPath)
}
