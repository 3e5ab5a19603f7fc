package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentpool/internal/branch"
	"github.com/aristath/agentpool/internal/config"
	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/logging"
	"github.com/aristath/agentpool/internal/orchestrator"
	"github.com/aristath/agentpool/internal/persistence"
	"github.com/aristath/agentpool/internal/process"
	"github.com/aristath/agentpool/internal/recovery"
	"github.com/aristath/agentpool/internal/scheduler"
	"github.com/aristath/agentpool/internal/tui"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	var tasks []*scheduler.Task
	if len(os.Args) > 1 {
		tasks, err = loadTasks(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading tasks: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.New(logDir(cfg), cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	bus := events.NewBus()
	defer bus.Close()

	// Tracks every spawned command so a forced exit can still reap them
	procs := process.NewManager()

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger.Logger),
		orchestrator.WithBus(bus),
		orchestrator.WithProcessManager(procs),
	}

	var store persistence.Store
	if cfg.HistoryDB != "" {
		store, err = persistence.NewSQLiteStore(ctx, cfg.HistoryDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening history database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, orchestrator.WithStore(store))
	}

	pool, err := orchestrator.New(*cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.Recovery.Enabled {
		if err := enableRecovery(ctx, pool, cfg, logger, bus, store); err != nil {
			fmt.Fprintf(os.Stderr, "Error enabling recovery: %v\n", err)
			os.Exit(1)
		}
	}

	for _, task := range tasks {
		if _, err := pool.Submit(task); err != nil {
			// Tasks reloaded from a previous run keep their IDs
			if errors.Is(err, scheduler.ErrTaskExists) {
				continue
			}
			log.Printf("Skipping task %q: %v", task.Title, err)
		}
	}

	if err := pool.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting pool: %v\n", err)
		os.Exit(1)
	}

	model := tui.New(bus, pool.CancelTask)

	// Start Bubble Tea program in a goroutine so main can handle shutdown
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// Normal TUI exit (user pressed 'q')
		if err != nil {
			log.Printf("TUI error: %v", err)
		}
	case <-ctx.Done():
		// Call stop() to restore default signal handling (double Ctrl+C = force exit)
		stop()
		log.Println("Shutdown signal received, cleaning up...")

		p.Quit()
		select {
		case err := <-errChan:
			if err != nil {
				log.Printf("TUI exit error: %v", err)
			}
		case <-time.After(shutdownTimeout):
			log.Println("TUI did not exit in time")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping pool: %v", err)
	}

	// Anything Stop could not reach in time
	if err := procs.KillAll(); err != nil {
		log.Printf("Error killing subprocesses: %v", err)
	}

	stats := pool.Stats()
	log.Printf("Shutdown complete: %d completed, %d failed", stats.TotalCompleted, stats.TotalFailed)
}

// enableRecovery builds the recovery engine with the configured strategies
// and attaches it to the pool. Branch tracking is added when the working
// directory is inside a git repository.
func enableRecovery(ctx context.Context, pool *orchestrator.Pool, cfg *config.Config, logger *logging.Logger, bus *events.Bus, store persistence.Store) error {
	engineOpts := []recovery.Option{
		recovery.WithLogger(logger.Logger),
		recovery.WithBus(bus),
		recovery.WithLimits(cfg.Recovery.MaxSnapshots, cfg.Recovery.MaxSnapshotAge.D()),
	}
	if store != nil {
		engineOpts = append(engineOpts, recovery.WithAuditSink(store))
	}

	engine, err := recovery.NewEngine(cfg.RecoveryDir(), engineOpts...)
	if err != nil {
		return err
	}
	if err := engine.RegisterConfigStrategies(cfg.Recovery.Strategies); err != nil {
		return err
	}

	var branches recovery.BranchProvider
	bm := branch.NewManager(branch.Config{RepoPath: "."})
	if _, err := bm.CurrentBranch(ctx); err != nil {
		logger.Info("branch tracking disabled", "error", err)
	} else {
		branches = bm
	}

	pool.EnableRecovery(engine, branches)
	return nil
}

// logDir picks the log directory. Stderr belongs to the TUI, so logs go
// under the work directory unless a directory is configured.
func logDir(cfg *config.Config) string {
	if cfg.Logging.Dir != "" {
		return cfg.Logging.Dir
	}
	return cfg.WorkDir
}

// loadTasks reads a JSON array of tasks.
func loadTasks(path string) ([]*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var tasks []*scheduler.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, t := range tasks {
		if t == nil || len(t.Command) == 0 {
			return nil, fmt.Errorf("task %d in %s has no command", i, path)
		}
	}
	return tasks, nil
}
