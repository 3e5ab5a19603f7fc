package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentpool/internal/config"
	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/scheduler"
)

// TaskOption adjusts a task built by CreateTask.
type TaskOption func(*scheduler.Task)

func WithDescription(description string) TaskOption {
	return func(t *scheduler.Task) { t.Description = description }
}

func WithPriority(priority int) TaskOption {
	return func(t *scheduler.Task) { t.Priority = priority }
}

func WithComplexity(complexity int) TaskOption {
	return func(t *scheduler.Task) { t.Complexity = complexity }
}

func WithTimeout(timeout time.Duration) TaskOption {
	return func(t *scheduler.Task) { t.Timeout = timeout }
}

// WithDependencies gates the task until every listed task has completed.
func WithDependencies(ids ...string) TaskOption {
	return func(t *scheduler.Task) { t.Dependencies = append(t.Dependencies, ids...) }
}

func WithEnvironment(env map[string]string) TaskOption {
	return func(t *scheduler.Task) {
		if t.Environment == nil {
			t.Environment = make(map[string]string, len(env))
		}
		for k, v := range env {
			t.Environment[k] = v
		}
	}
}

func WithTags(tags ...string) TaskOption {
	return func(t *scheduler.Task) { t.Metadata.Tags = append(t.Metadata.Tags, tags...) }
}

// WithResources makes the task hold the named resource locks while it runs.
func WithResources(keys ...string) TaskOption {
	return func(t *scheduler.Task) { t.Resources = append(t.Resources, keys...) }
}

// CreateTask builds a task with a fresh ID and submits it.
func (p *Pool) CreateTask(title string, command []string, workingDir string, opts ...TaskOption) (string, error) {
	task := &scheduler.Task{
		ID:         uuid.NewString(),
		Title:      title,
		Command:    command,
		WorkingDir: workingDir,
	}
	for _, opt := range opts {
		opt(task)
	}
	return p.Submit(task)
}

// Submit queues a copy of task and returns its ID. Missing fields get their
// defaults. Dependencies on tasks that already completed are dropped;
// dependencies that would form a cycle are rejected.
func (p *Pool) Submit(task *scheduler.Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("submitting task: nil task")
	}
	if len(task.Command) == 0 {
		return "", fmt.Errorf("task %q has no command", task.Title)
	}
	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = p.now()
	t.Normalize()
	t.Status = scheduler.TaskPending
	t.AssignedAgent = ""
	t.StartTime, t.EndTime, t.ExitCode = nil, nil, nil

	var (
		err   error
		saved *scheduler.Task
	)
	doErr := p.do(func() {
		if _, ok := p.tasks[t.ID]; ok {
			err = fmt.Errorf("task %s: %w", t.ID, scheduler.ErrTaskExists)
			return
		}

		deps := t.Dependencies[:0]
		for _, dep := range t.Dependencies {
			if d, ok := p.tasks[dep]; ok && d.Status == scheduler.TaskCompleted {
				continue
			}
			deps = append(deps, dep)
		}
		t.Dependencies = deps

		if len(t.Dependencies) > 0 {
			all := make([]*scheduler.Task, 0, len(p.tasks)+1)
			for _, known := range p.tasks {
				all = append(all, known)
			}
			all = append(all, t)
			unknown, cerr := scheduler.CheckDependencies(all)
			if cerr != nil {
				err = fmt.Errorf("task %s: %w", t.ID, cerr)
				return
			}
			if len(unknown) > 0 {
				p.logger.Warn("task depends on unknown tasks", "task_id", t.ID, "unknown", unknown)
			}
		}

		if err = p.enqueue(t); err != nil {
			return
		}
		p.tasks[t.ID] = t
		saved = t.Clone()
		p.logger.Info("task submitted", "task_id", t.ID, "title", t.Title, "priority", t.Priority)
		p.bus.Publish(events.TaskSubmittedEvent{ID: t.ID, Title: t.Title, Priority: t.Priority, Timestamp: t.CreatedAt})
		p.publishProgress()
		p.saveState()
		p.kickDispatch()
	})
	if doErr != nil {
		return "", doErr
	}
	if err != nil {
		return "", err
	}

	if p.store != nil {
		if serr := p.store.SaveTask(context.Background(), saved); serr != nil {
			p.logger.Warn("failed to save task", "task_id", t.ID, "error", serr)
		}
	}
	return t.ID, nil
}

// Task returns a copy of the task.
func (p *Pool) Task(id string) (*scheduler.Task, error) {
	var task *scheduler.Task
	if err := p.do(func() { task = p.tasks[id].Clone() }); err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return task, nil
}

// Tasks returns copies of the tasks in submission order. With statuses
// given, only tasks in one of them are returned.
func (p *Pool) Tasks(statuses ...scheduler.TaskStatus) []*scheduler.Task {
	want := make(map[scheduler.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var tasks []*scheduler.Task
	p.do(func() {
		tasks = p.sortedTasks(func(t *scheduler.Task) bool { return len(want) == 0 || want[t.Status] })
	})
	return tasks
}

func (p *Pool) sortedTasks(keep func(*scheduler.Task) bool) []*scheduler.Task {
	var out []*scheduler.Task
	for _, t := range p.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Agent returns a copy of the agent.
func (p *Pool) Agent(id string) (*scheduler.Agent, error) {
	var agent *scheduler.Agent
	if err := p.do(func() { agent = p.agents[id].Clone() }); err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	return agent, nil
}

// Agents returns copies of every agent ordered by ID.
func (p *Pool) Agents() []*scheduler.Agent {
	var agents []*scheduler.Agent
	p.do(func() {
		for _, id := range p.agentIDs() {
			agents = append(agents, p.agents[id].Clone())
		}
	})
	return agents
}

// Stats summarizes the pool.
type Stats struct {
	MaxAgents            int            `json:"max_agents"`
	ActiveAgents         int            `json:"active_agents"`
	WorkingAgents        int            `json:"working_agents"`
	IdleAgents           int            `json:"idle_agents"`
	TotalCompleted       int            `json:"total_completed"`
	TotalFailed          int            `json:"total_failed"`
	AverageExecutionTime time.Duration  `json:"average_execution_time"`
	TaskCounts           map[string]int `json:"task_status_counts"`
	QueueSize            int            `json:"queue_size"`
	Mode                 string         `json:"mode"`
	Running              bool           `json:"running"`
}

// Stats counts agents, outcomes and tasks by status.
func (p *Pool) Stats() Stats {
	var st Stats
	p.do(func() {
		st = Stats{
			MaxAgents:  p.cfg.MaxAgents,
			TaskCounts: make(map[string]int),
			QueueSize:  p.queueSize(),
			Mode:       p.mode,
			Running:    p.running,
		}
		var execTime time.Duration
		for _, a := range p.agents {
			if a.Alive() {
				st.ActiveAgents++
			}
			switch a.State {
			case scheduler.AgentWorking:
				st.WorkingAgents++
			case scheduler.AgentIdle:
				st.IdleAgents++
			}
			st.TotalCompleted += a.CompletedTasks
			st.TotalFailed += a.FailedTasks
			execTime += a.TotalExecutionTime
		}
		if done := st.TotalCompleted + st.TotalFailed; done > 0 {
			st.AverageExecutionTime = execTime / time.Duration(done)
		}
		for _, t := range p.tasks {
			st.TaskCounts[t.Status.String()]++
		}
	})
	return st
}

// SchedulingMetrics returns the scheduler's load and efficiency figures.
func (p *Pool) SchedulingMetrics() scheduler.Metrics {
	var m scheduler.Metrics
	p.do(func() {
		m = p.sched.Metrics()
		m.QueueSize = p.queueSize()
	})
	return m
}

// SetMode switches between capability-aware and FIFO dispatch. Queued
// tasks move to the new queue in their current order.
func (p *Pool) SetMode(mode string) error {
	if mode != config.ModeScheduler && mode != config.ModeSimple {
		return fmt.Errorf("unknown dispatch mode %q", mode)
	}
	return p.do(func() {
		if mode == p.mode {
			return
		}
		var queued []*scheduler.Task
		if p.mode == config.ModeSimple {
			for _, id := range p.fifo {
				if t, ok := p.tasks[id]; ok && t.Status == scheduler.TaskPending {
					queued = append(queued, t)
				}
			}
			p.fifo = nil
		} else {
			queued = p.sched.Queued()
			p.sched.Reset()
		}

		p.mode = mode
		for _, t := range queued {
			p.requeue(t)
		}
		p.logger.Info("dispatch mode changed", "mode", mode, "queued", len(queued))
		p.kickDispatch()
	})
}

// UpdateAgentCapability replaces the agent's scheduling profile.
func (p *Pool) UpdateAgentCapability(agentID string, capability scheduler.Capability) error {
	var err error
	doErr := p.do(func() {
		agent, ok := p.agents[agentID]
		if !ok {
			err = fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
			return
		}
		p.sched.RegisterAgent(agent, capability.Clone())
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// RebalanceWorkload asks the scheduler to even out agent loads.
func (p *Pool) RebalanceWorkload() []scheduler.RebalanceAction {
	var actions []scheduler.RebalanceAction
	p.do(func() { actions = p.rebalance() })
	return actions
}

// CancelTask withdraws a task. A queued task is cancelled at once; a
// running one has its process stopped and keeps the cancelled status.
func (p *Pool) CancelTask(id string) error {
	var err error
	doErr := p.do(func() {
		task, ok := p.tasks[id]
		if !ok {
			err = fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
			return
		}
		if task.Status.Finished() {
			err = fmt.Errorf("task %s is %s: %w", id, task.Status, ErrTaskFinished)
			return
		}

		task.Status = scheduler.TaskCancelled
		if r, ok := p.runs[id]; ok {
			// finish records the end time once the process is gone.
			r.cancel()
			p.logger.Info("cancelling running task", "task_id", id, "agent_id", r.agentID)
			return
		}
		p.dequeue(id)
		now := p.now()
		task.EndTime = &now
		p.logger.Info("task cancelled", "task_id", id)
		p.bus.Publish(events.TaskCancelledEvent{ID: id, Timestamp: now})
		p.publishProgress()
		p.saveState()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// ClearFinished forgets completed, failed and cancelled tasks and returns
// how many were removed.
func (p *Pool) ClearFinished() int {
	removed := 0
	p.do(func() {
		for id, t := range p.tasks {
			if t.Status.Finished() {
				delete(p.tasks, id)
				removed++
			}
		}
		p.completed = nil
		if removed > 0 {
			p.publishProgress()
			p.saveState()
		}
	})
	return removed
}
