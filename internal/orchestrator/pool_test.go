package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/agentpool/internal/config"
	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/logging"
	"github.com/aristath/agentpool/internal/persistence"
	"github.com/aristath/agentpool/internal/scheduler"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.MaxAgents = 2
	cfg.DispatchInterval = config.Duration(20 * time.Millisecond)
	cfg.MonitorInterval = config.Duration(time.Hour)
	cfg.TerminateGrace = config.Duration(200 * time.Millisecond)
	return cfg
}

// newTestPool builds a pool that is not started. The pool is stopped and
// closed when the test ends.
func newTestPool(t *testing.T, cfg config.Config, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.Stop(ctx)
		p.Close()
	})
	return p
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func shell(script string) []string {
	return []string{"sh", "-c", script}
}

// waitForStatus polls until the task reaches want or the deadline passes.
func waitForStatus(t *testing.T, p *Pool, id string, want scheduler.TaskStatus, timeout time.Duration) *scheduler.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		task, err := p.Task(id)
		if err != nil {
			t.Fatalf("Task(%s) failed: %v", id, err)
		}
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s: status %s, want %s (error %q)", id, task.Status, want, task.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func submit(t *testing.T, p *Pool, title string, command []string, opts ...TaskOption) string {
	t.Helper()
	id, err := p.CreateTask(title, command, "", opts...)
	if err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", title, err)
	}
	return id
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAgents = 0
	if _, err := New(cfg, WithLogger(logging.Discard())); err == nil {
		t.Fatal("expected error for max_agents 0")
	}
}

func TestPoolRunsTasks(t *testing.T) {
	tests := []struct {
		name       string
		command    []string
		timeout    time.Duration
		wantStatus scheduler.TaskStatus
		wantExit   int
		wantOutput string
		wantError  string
	}{
		{
			name:       "success",
			command:    shell("echo hello"),
			wantStatus: scheduler.TaskCompleted,
			wantOutput: "hello\n",
		},
		{
			name:       "non-zero exit",
			command:    shell("echo broken >&2; exit 3"),
			wantStatus: scheduler.TaskFailed,
			wantExit:   3,
			wantError:  "broken",
		},
		{
			name:       "timeout",
			command:    []string{"sleep", "30"},
			timeout:    time.Second,
			wantStatus: scheduler.TaskFailed,
			wantExit:   -1,
			wantError:  "Task timed out after 1 seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, testConfig(t))
			startPool(t, p)

			var opts []TaskOption
			if tt.timeout > 0 {
				opts = append(opts, WithTimeout(tt.timeout))
			}
			id := submit(t, p, tt.name, tt.command, opts...)
			task := waitForStatus(t, p, id, tt.wantStatus, 10*time.Second)

			if task.Output != tt.wantOutput {
				t.Errorf("Output = %q, want %q", task.Output, tt.wantOutput)
			}
			if !strings.Contains(task.Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", task.Error, tt.wantError)
			}
			if tt.wantStatus == scheduler.TaskCompleted || tt.wantExit > 0 {
				if task.ExitCode == nil || *task.ExitCode != tt.wantExit {
					t.Errorf("ExitCode = %v, want %d", task.ExitCode, tt.wantExit)
				}
			}
			if task.AssignedAgent == "" {
				t.Error("expected task to record its agent")
			}
			if task.StartTime == nil || task.EndTime == nil {
				t.Error("expected start and end times")
			}

			agent, err := p.Agent(task.AssignedAgent)
			if err != nil {
				t.Fatalf("Agent failed: %v", err)
			}
			if agent.CurrentTask != "" {
				t.Errorf("agent still holds task %q", agent.CurrentTask)
			}
			if agent.CompletedTasks+agent.FailedTasks != 1 {
				t.Errorf("agent counters = %d/%d, want one outcome", agent.CompletedTasks, agent.FailedTasks)
			}
		})
	}
}

func TestPoolInjectsEnvironment(t *testing.T) {
	p := newTestPool(t, testConfig(t))
	startPool(t, p)

	id := submit(t, p, "env", shell(`printf '%s %s %s' "$AGENTPOOL_TASK_ID" "$GREETING" "${AGENTPOOL_AGENT_ID%%-*}"`),
		WithEnvironment(map[string]string{"GREETING": "hi"}))
	task := waitForStatus(t, p, id, scheduler.TaskCompleted, 5*time.Second)

	want := id + " hi agent"
	if task.Output != want {
		t.Errorf("Output = %q, want %q", task.Output, want)
	}
}

func TestPoolWorkingDirectory(t *testing.T) {
	p := newTestPool(t, testConfig(t))
	startPool(t, p)

	dir := t.TempDir()
	id, err := p.CreateTask("pwd", shell("pwd -P"), dir)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	task := waitForStatus(t, p, id, scheduler.TaskCompleted, 5*time.Second)

	want, _ := filepath.EvalSymlinks(dir)
	if strings.TrimSpace(task.Output) != want {
		t.Errorf("Output = %q, want %q", task.Output, want)
	}
}

func TestPoolDependencies(t *testing.T) {
	for _, mode := range []string{config.ModeScheduler, config.ModeSimple} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Mode = mode
			p := newTestPool(t, cfg)

			marker := filepath.Join(t.TempDir(), "first")
			first := submit(t, p, "first", shell("sleep 0.2; touch "+marker), WithPriority(1))
			second := submit(t, p, "second", shell("test -f "+marker), WithPriority(10), WithDependencies(first))
			startPool(t, p)

			waitForStatus(t, p, second, scheduler.TaskCompleted, 10*time.Second)
			a := waitForStatus(t, p, first, scheduler.TaskCompleted, time.Second)
			b, _ := p.Task(second)
			if b.StartTime.Before(*a.EndTime) {
				t.Errorf("dependent started at %v before dependency ended at %v", b.StartTime, a.EndTime)
			}
			if len(b.Dependencies) != 0 {
				t.Errorf("Dependencies = %v, want resolved", b.Dependencies)
			}
		})
	}
}

func TestPoolBoundsAgents(t *testing.T) {
	for _, mode := range []string{config.ModeScheduler, config.ModeSimple} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Mode = mode
			cfg.MaxAgents = 2
			bus := events.NewBus()
			defer bus.Close()
			agentCh := bus.Subscribe(events.TopicAgent, 1000)

			p := newTestPool(t, cfg, WithBus(bus))
			var ids []string
			for i := 0; i < 6; i++ {
				ids = append(ids, submit(t, p, "sleep", shell("sleep 0.1")))
			}
			startPool(t, p)
			for _, id := range ids {
				waitForStatus(t, p, id, scheduler.TaskCompleted, 10*time.Second)
			}

			if n := len(p.Agents()); n > 2 {
				t.Errorf("created %d agents, want at most 2", n)
			}

			created := 0
			for {
				select {
				case ev := <-agentCh:
					if ev.(events.AgentStateEvent).Reason == "created" {
						created++
					}
					continue
				default:
				}
				break
			}
			if created > 2 {
				t.Errorf("saw %d agent creations, want at most 2", created)
			}

			st := p.Stats()
			if st.TotalCompleted != 6 || st.TaskCounts["completed"] != 6 {
				t.Errorf("Stats = %+v, want 6 completed", st)
			}
			if st.QueueSize != 0 {
				t.Errorf("QueueSize = %d, want 0", st.QueueSize)
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	p := newTestPool(t, testConfig(t))

	a := submit(t, p, "a", shell("true"), WithDependencies("b"))
	if _, err := p.Submit(&scheduler.Task{ID: "b", Command: shell("true"), Dependencies: []string{a}}); !errors.Is(err, scheduler.ErrDependencyCycle) {
		t.Errorf("cycle: err = %v, want ErrDependencyCycle", err)
	}
	if _, err := p.Submit(&scheduler.Task{ID: a, Command: shell("true")}); !errors.Is(err, scheduler.ErrTaskExists) {
		t.Errorf("duplicate: err = %v, want ErrTaskExists", err)
	}
	if _, err := p.Submit(&scheduler.Task{Title: "empty"}); err == nil {
		t.Error("expected error for a task without a command")
	}

	task, err := p.Task(a)
	if err != nil {
		t.Fatalf("Task failed: %v", err)
	}
	if task.Priority != scheduler.DefaultPriority || task.Timeout != scheduler.DefaultTimeout {
		t.Errorf("defaults not applied: priority %d timeout %v", task.Priority, task.Timeout)
	}
	if _, err := p.Task("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Task(missing) err = %v, want ErrTaskNotFound", err)
	}
}

func TestSimpleQueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeSimple
	cfg.QueueSize = 1
	p := newTestPool(t, cfg)

	submit(t, p, "first", shell("true"))
	if _, err := p.CreateTask("second", shell("true"), ""); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if n := len(p.Tasks()); n != 1 {
		t.Errorf("pool holds %d tasks, want 1", n)
	}
}

func TestRequeueIgnoresQueueBound(t *testing.T) {
	tests := []struct {
		name    string
		requeue func(p *Pool, task *scheduler.Task, agent *scheduler.Agent)
	}{
		{
			name:    "returned to queue",
			requeue: func(p *Pool, task *scheduler.Task, _ *scheduler.Agent) { p.returnToQueue(task.ID) },
		},
		{
			name: "breaker rejection",
			requeue: func(p *Pool, task *scheduler.Task, agent *scheduler.Agent) {
				p.requeueRejected(task, agent, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Mode = config.ModeSimple
			cfg.QueueSize = 1
			p := newTestPool(t, cfg)

			// Hand the first task to an agent by hand, then fill the queue.
			first := submit(t, p, "first", shell("true"))
			p.do(func() {
				p.dequeue(first)
				agent := p.createAgent()
				task := p.tasks[first]
				task.Status = scheduler.TaskAssigned
				task.AssignedAgent = agent.ID
				agent.State = scheduler.AgentWorking
				agent.CurrentTask = first
			})
			second := submit(t, p, "second", shell("true"))

			var queued []string
			p.do(func() {
				task := p.tasks[first]
				tt.requeue(p, task, p.agents[task.AssignedAgent])
				queued = append(queued, p.fifo...)
			})

			if len(queued) != 2 || queued[0] != second || queued[1] != first {
				t.Errorf("queue = %v, want [%s %s]", queued, second, first)
			}
			task, _ := p.Task(first)
			if task.Status != scheduler.TaskPending || task.AssignedAgent != "" {
				t.Errorf("task status = %s agent = %q, want pending and unassigned", task.Status, task.AssignedAgent)
			}
		})
	}
}

func TestCallbacks(t *testing.T) {
	p := newTestPool(t, testConfig(t))

	var mu sync.Mutex
	var seen []string
	record := func(kind string) TaskCallback {
		return func(_ context.Context, task *scheduler.Task) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, kind+":"+task.Title)
			return nil
		}
	}

	p.OnTaskStarted(func(context.Context, *scheduler.Task) error { panic("observer bug") })
	p.OnTaskStarted(record("started"))
	p.OnTaskCompleted(func(context.Context, *scheduler.Task) error { return errors.New("ignored") })
	p.OnTaskCompleted(record("completed"))
	p.OnTaskFailed(record("failed"))

	ok := submit(t, p, "ok", shell("true"))
	bad := submit(t, p, "bad", shell("exit 1"))
	startPool(t, p)
	waitForStatus(t, p, ok, scheduler.TaskCompleted, 5*time.Second)
	waitForStatus(t, p, bad, scheduler.TaskFailed, 5*time.Second)

	// Callbacks run after the status is recorded.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{"started:ok": true, "started:bad": true, "completed:ok": true, "failed:bad": true}
	if len(seen) != len(want) {
		t.Fatalf("callbacks = %v, want %d calls", seen, len(want))
	}
	for _, s := range seen {
		if !want[s] {
			t.Errorf("unexpected callback %q", s)
		}
	}
}

func TestAgentErrorCallback(t *testing.T) {
	p := newTestPool(t, testConfig(t))

	errs := make(chan error, 1)
	p.OnAgentError(func(_ context.Context, agent *scheduler.Agent, err error) error {
		errs <- err
		return nil
	})

	id := submit(t, p, "missing binary", []string{"/nonexistent/agentpool-test-binary"})
	startPool(t, p)
	task := waitForStatus(t, p, id, scheduler.TaskFailed, 5*time.Second)

	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected a spawn error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent error callback not fired")
	}
	agent, _ := p.Agent(task.AssignedAgent)
	if agent.State != scheduler.AgentError {
		t.Errorf("agent state = %s, want error", agent.State)
	}
}

func TestCancelTask(t *testing.T) {
	p := newTestPool(t, testConfig(t))

	queued := submit(t, p, "queued", shell("true"))
	if err := p.CancelTask(queued); err != nil {
		t.Fatalf("CancelTask(queued) failed: %v", err)
	}
	task, _ := p.Task(queued)
	if task.Status != scheduler.TaskCancelled || task.EndTime == nil {
		t.Errorf("queued task = %s (end %v), want cancelled with end time", task.Status, task.EndTime)
	}

	running := submit(t, p, "running", []string{"sleep", "30"})
	startPool(t, p)
	waitForStatus(t, p, running, scheduler.TaskRunning, 5*time.Second)
	if err := p.CancelTask(running); err != nil {
		t.Fatalf("CancelTask(running) failed: %v", err)
	}
	task = waitForStatus(t, p, running, scheduler.TaskCancelled, 5*time.Second)

	// The process has to be gone before the run is recorded.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if agent, _ := p.Agent(task.AssignedAgent); agent.State == scheduler.AgentIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never returned to idle")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.CancelTask(running); !errors.Is(err, ErrTaskFinished) {
		t.Errorf("second cancel err = %v, want ErrTaskFinished", err)
	}
	if err := p.CancelTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing cancel err = %v, want ErrTaskNotFound", err)
	}

	if n := p.ClearFinished(); n != 2 {
		t.Errorf("ClearFinished removed %d, want 2", n)
	}
	if n := len(p.Tasks()); n != 0 {
		t.Errorf("%d tasks left after ClearFinished", n)
	}
}

func TestBreakerSuspendsAgent(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAgents = 1
	cfg.Mode = config.ModeSimple
	cfg.Breaker.ConsecutiveFailures = 2
	cfg.Breaker.OpenTimeout = config.Duration(time.Hour)
	p := newTestPool(t, cfg)

	first := submit(t, p, "fail-1", shell("exit 1"))
	second := submit(t, p, "fail-2", shell("exit 1"))
	startPool(t, p)
	waitForStatus(t, p, first, scheduler.TaskFailed, 5*time.Second)
	task := waitForStatus(t, p, second, scheduler.TaskFailed, 5*time.Second)

	agent, _ := p.Agent(task.AssignedAgent)
	if agent.State != scheduler.AgentSuspended {
		t.Fatalf("agent state = %s, want suspended", agent.State)
	}

	third := submit(t, p, "blocked", shell("true"))
	time.Sleep(200 * time.Millisecond)
	if task, _ := p.Task(third); task.Status != scheduler.TaskPending {
		t.Errorf("task ran on a suspended pool: status %s", task.Status)
	}

	// A reset gives the agent a fresh breaker.
	if err := p.ResetAgent(context.Background(), agent.ID); err != nil {
		t.Fatalf("ResetAgent failed: %v", err)
	}
	waitForStatus(t, p, third, scheduler.TaskCompleted, 5*time.Second)
}

func TestStopInterruptsRunningTasks(t *testing.T) {
	p := newTestPool(t, testConfig(t))
	id := submit(t, p, "long", []string{"sleep", "30"})
	startPool(t, p)
	waitForStatus(t, p, id, scheduler.TaskRunning, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if p.Running() {
		t.Error("pool still running after Stop")
	}

	task, _ := p.Task(id)
	if task.Status != scheduler.TaskFailed || task.Error != "Task interrupted" {
		t.Errorf("task = %s %q, want failed \"Task interrupted\"", task.Status, task.Error)
	}
	for _, a := range p.Agents() {
		if a.State != scheduler.AgentTerminated {
			t.Errorf("agent %s state = %s, want terminated", a.ID, a.State)
		}
	}
	if _, err := os.Stat(filepath.Join(p.cfg.WorkDir, StateFileName)); err != nil {
		t.Errorf("state not saved: %v", err)
	}
}

func TestCloseRejectsCalls(t *testing.T) {
	p := newTestPool(t, testConfig(t))
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := p.CreateTask("late", shell("true"), ""); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start err = %v, want ErrClosed", err)
	}
}

func TestExecutionHistoryRecorded(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	defer store.Close()

	p := newTestPool(t, testConfig(t), WithStore(store))
	id := submit(t, p, "recorded", shell("exit 2"))
	startPool(t, p)
	waitForStatus(t, p, id, scheduler.TaskFailed, 5*time.Second)

	var execs []persistence.Execution
	deadline := time.Now().Add(2 * time.Second)
	for len(execs) == 0 && time.Now().Before(deadline) {
		execs, err = store.ListExecutions(ctx, persistence.ExecutionFilter{TaskID: id})
		if err != nil {
			t.Fatalf("ListExecutions failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	if execs[0].Success || execs[0].ExitCode != 2 {
		t.Errorf("execution = %+v, want failed with exit 2", execs[0])
	}

	saved, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if saved.Status != scheduler.TaskFailed {
		t.Errorf("stored status = %s, want failed", saved.Status)
	}
}
