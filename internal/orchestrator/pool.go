// Package orchestrator runs submitted tasks on a bounded pool of agents. A
// single owner goroutine holds the agent and task tables and the scheduler;
// everything else talks to it through a request channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentpool/internal/config"
	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/persistence"
	"github.com/aristath/agentpool/internal/process"
	"github.com/aristath/agentpool/internal/recovery"
	"github.com/aristath/agentpool/internal/scheduler"
)

var (
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("pool closed")
	// ErrQueueFull is returned when the simple-mode queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
	// ErrTaskNotFound and ErrAgentNotFound report unknown IDs.
	ErrTaskNotFound  = errors.New("task not found")
	ErrAgentNotFound = errors.New("agent not found")
	// ErrTaskFinished is returned when cancelling a task that already ended.
	ErrTaskFinished = errors.New("task already finished")
	// ErrRecoveryDisabled is returned by recovery calls before EnableRecovery.
	ErrRecoveryDisabled = errors.New("recovery system is not enabled")
)

// Environment variables injected into every task.
const (
	EnvAgentID = "AGENTPOOL_AGENT_ID"
	EnvTaskID  = "AGENTPOOL_TASK_ID"
)

// run tracks one in-flight execution.
type run struct {
	agentID string
	handle  *process.Handle
	load    float64
	cancel  context.CancelFunc
}

// Pool owns agents, tasks and the scheduler.
type Pool struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *events.Bus
	store    persistence.Store
	procs    *process.Manager
	breakers *BreakerRegistry
	locks    *scheduler.ResourceLocks
	now      func() time.Time

	requests chan func()
	kick     chan struct{}
	quit     chan struct{}
	exited   chan struct{}
	closeMu  sync.Once
	inflight sync.WaitGroup // execution and termination goroutines

	cbMu        sync.RWMutex
	onStarted   []TaskCallback
	onCompleted []TaskCallback
	onFailed    []TaskCallback
	onAgentErr  []AgentErrorCallback

	recMu    sync.RWMutex
	recovery *recovery.Engine
	branches recovery.BranchProvider

	// Owner goroutine only.
	running        bool
	runCtx         context.Context
	runCancel      context.CancelFunc
	dispatchTicker *time.Ticker
	monitorTicker  *time.Ticker
	rebalanceTick  *time.Ticker
	mode           string
	sched          *scheduler.Scheduler
	fifo           []string
	agents         map[string]*scheduler.Agent
	tasks          map[string]*scheduler.Task
	completed      []string
	runs           map[string]*run // task ID -> execution
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithBus publishes lifecycle events.
func WithBus(bus *events.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithStore records executions and task snapshots.
func WithStore(store persistence.Store) Option {
	return func(p *Pool) { p.store = store }
}

// WithProcessManager tracks spawned processes for emergency cleanup.
func WithProcessManager(m *process.Manager) Option {
	return func(p *Pool) { p.procs = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool and reloads <work_dir>/pool_state.json if present.
// The pool accepts tasks immediately; dispatch begins with Start.
func New(cfg config.Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		requests: make(chan func()),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
		locks:    scheduler.NewResourceLocks(),
		mode:     cfg.Mode,
		agents:   make(map[string]*scheduler.Agent),
		tasks:    make(map[string]*scheduler.Task),
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.procs == nil {
		p.procs = process.NewManager()
	}
	p.breakers = NewBreakerRegistry(cfg.Breaker, p.logger)
	p.sched = scheduler.New(scheduler.WithLogger(p.logger), scheduler.WithClock(p.now))

	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
			return nil, fmt.Errorf("creating work directory: %w", err)
		}
		p.loadState()
	}

	go p.loop()
	return p, nil
}

// do runs fn on the owner goroutine and waits for it.
func (p *Pool) do(fn func()) error {
	done := make(chan struct{})
	select {
	case p.requests <- func() { fn(); close(done) }:
	case <-p.quit:
		return ErrClosed
	}
	<-done
	return nil
}

func (p *Pool) kickDispatch() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (p *Pool) loop() {
	defer close(p.exited)
	for {
		select {
		case <-p.quit:
			return
		case fn := <-p.requests:
			fn()
		case <-p.kick:
			if p.running {
				p.dispatch()
			}
		case <-tickerC(p.dispatchTicker):
			p.dispatch()
		case <-tickerC(p.monitorTicker):
			p.monitor()
		case <-tickerC(p.rebalanceTick):
			p.autoRebalance()
		}
	}
}

// Start begins dispatching, health monitoring and (if configured) automatic
// rebalancing. Executions are bound to ctx. Starting a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	err := p.do(func() {
		if p.running {
			p.logger.Warn("pool is already running")
			return
		}
		p.running = true
		p.runCtx, p.runCancel = context.WithCancel(ctx)
		p.dispatchTicker = time.NewTicker(p.cfg.DispatchInterval.D())
		p.monitorTicker = time.NewTicker(p.cfg.MonitorInterval.D())
		if p.cfg.AutoRebalance {
			p.rebalanceTick = time.NewTicker(p.cfg.RebalanceInterval.D())
		}
		p.logger.Info("pool started", "max_agents", p.cfg.MaxAgents, "mode", p.mode)
	})
	if err == nil {
		p.kickDispatch()
	}
	return err
}

// Stop halts the loops, terminates every agent's process (SIGTERM, then
// SIGKILL after the grace period), waits for executions to settle and
// saves state. The pool can be started again.
func (p *Pool) Stop(ctx context.Context) error {
	var handles []*process.Handle
	var wasRunning bool
	err := p.do(func() {
		wasRunning = p.running
		if !p.running {
			return
		}
		p.running = false
		for _, t := range []*time.Ticker{p.dispatchTicker, p.monitorTicker, p.rebalanceTick} {
			if t != nil {
				t.Stop()
			}
		}
		p.dispatchTicker, p.monitorTicker, p.rebalanceTick = nil, nil, nil
		// Cancelling first makes every execution report an interruption
		// rather than a failure.
		if p.runCancel != nil {
			p.runCancel()
		}
		for _, id := range p.agentIDs() {
			if h := p.terminateAgentLocked(id, "pool stopped"); h != nil {
				handles = append(handles, h)
			}
		}
	})
	if err != nil || !wasRunning {
		return err
	}

	p.logger.Info("stopping pool", "processes", len(handles))
	stopErr := p.stopHandles(ctx, handles)

	settled := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		p.logger.Warn("pool stop timed out waiting for executions")
	}

	p.do(p.saveState)
	p.logger.Info("pool stopped")
	return stopErr
}

// Close stops the owner goroutine. Call Stop first to terminate agents.
func (p *Pool) Close() error {
	p.closeMu.Do(func() { close(p.quit) })
	<-p.exited
	return nil
}

// stopHandles terminates processes concurrently.
func (p *Pool) stopHandles(ctx context.Context, handles []*process.Handle) error {
	g, _ := errgroup.WithContext(ctx)
	grace := p.cfg.TerminateGrace.D()
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := h.Stop(grace); err != nil && !errors.Is(err, process.ErrNotStarted) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// stopHandlesAsync terminates processes without blocking the owner.
func (p *Pool) stopHandlesAsync(handles []*process.Handle) {
	if len(handles) == 0 {
		return
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		if err := p.stopHandles(context.Background(), handles); err != nil {
			p.logger.Warn("failed to terminate processes", "error", err)
		}
	}()
}

// terminateAgentLocked marks the agent terminated and returns its process
// handle for the caller to stop outside the owner.
func (p *Pool) terminateAgentLocked(agentID, reason string) *process.Handle {
	agent, ok := p.agents[agentID]
	if !ok || agent.State == scheduler.AgentTerminated {
		return nil
	}
	h := agent.Process
	agent.State = scheduler.AgentTerminated
	agent.CurrentTask = ""
	agent.Process = nil
	p.publishAgent(agent, "", reason)
	p.logger.Info("terminated agent", "agent_id", agentID, "reason", reason)
	return h
}

// Running reports whether dispatch is active.
func (p *Pool) Running() bool {
	var running bool
	p.do(func() { running = p.running })
	return running
}
