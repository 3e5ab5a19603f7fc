package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/aristath/agentpool/internal/config"
	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/process"
	"github.com/aristath/agentpool/internal/scheduler"
)

func (p *Pool) agentIDs() []string {
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) liveAgents() int {
	n := 0
	for _, a := range p.agents {
		if a.Alive() {
			n++
		}
	}
	return n
}

// idleAgents returns idle agents whose breaker is not open, ordered by ID.
func (p *Pool) idleAgents() []*scheduler.Agent {
	var idle []*scheduler.Agent
	for _, id := range p.agentIDs() {
		a := p.agents[id]
		if a.State == scheduler.AgentIdle && !p.breakers.Open(id) {
			idle = append(idle, a)
		}
	}
	return idle
}

func (p *Pool) createAgent() *scheduler.Agent {
	n := len(p.agents) + 1
	id := fmt.Sprintf("agent-%d-%d", n, p.now().Unix())
	for p.agents[id] != nil {
		n++
		id = fmt.Sprintf("agent-%d-%d", n, p.now().Unix())
	}

	agent := scheduler.NewAgent(id)
	agent.CreatedAt = p.now()
	agent.LastHeartbeat = agent.CreatedAt
	p.agents[id] = agent
	p.sched.RegisterAgent(agent, nil)

	p.logger.Info("created agent", "agent_id", id)
	p.publishAgent(agent, "", "created")
	return agent
}

func (p *Pool) dispatch() {
	if !p.running {
		return
	}
	if p.mode == config.ModeSimple {
		p.dispatchSimple()
		return
	}
	p.dispatchScheduled()
}

// dispatchScheduled tops the pool up to MaxAgents and hands the scheduler's
// plan for the idle agents to them.
func (p *Pool) dispatchScheduled() {
	if p.sched.QueueSize() == 0 {
		return
	}
	idle := p.idleAgents()
	for p.liveAgents() < p.cfg.MaxAgents {
		idle = append(idle, p.createAgent())
	}
	if len(idle) == 0 {
		return
	}
	for _, a := range p.sched.TakeAssignments(idle) {
		p.assign(a.Agent, a.Task)
	}
}

// dispatchSimple walks the FIFO once. Tasks still waiting on dependencies
// go to the back; when no agent is free the head is put back and the pass ends.
func (p *Pool) dispatchSimple() {
	n := len(p.fifo)
	for i := 0; i < n && len(p.fifo) > 0; i++ {
		id := p.fifo[0]
		p.fifo = p.fifo[1:]

		task, ok := p.tasks[id]
		if !ok || task.Status != scheduler.TaskPending {
			continue
		}
		if len(task.Dependencies) > 0 {
			p.fifo = append(p.fifo, id)
			continue
		}

		agent := p.availableAgent()
		if agent == nil {
			p.fifo = append([]string{id}, p.fifo...)
			return
		}
		p.assign(agent, task)
	}
}

func (p *Pool) availableAgent() *scheduler.Agent {
	if idle := p.idleAgents(); len(idle) > 0 {
		return idle[0]
	}
	if p.liveAgents() < p.cfg.MaxAgents {
		return p.createAgent()
	}
	return nil
}

func (p *Pool) enqueue(task *scheduler.Task) error {
	if p.mode == config.ModeSimple {
		if len(p.fifo) >= p.cfg.QueueSize {
			return fmt.Errorf("task %s: %w", task.ID, ErrQueueFull)
		}
		p.fifo = append(p.fifo, task.ID)
		return nil
	}
	return p.sched.AddTask(task)
}

// requeue queues a task the pool has already accepted. The simple-mode
// bound only applies to new submissions, so this never drops a task.
func (p *Pool) requeue(task *scheduler.Task) {
	if p.mode == config.ModeSimple {
		p.fifo = append(p.fifo, task.ID)
		return
	}
	if err := p.sched.AddTask(task); err != nil {
		p.logger.Warn("failed to requeue task", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) dequeue(taskID string) {
	p.sched.Remove(taskID)
	for i, id := range p.fifo {
		if id == taskID {
			p.fifo = append(p.fifo[:i], p.fifo[i+1:]...)
			break
		}
	}
}

func (p *Pool) queueSize() int {
	if p.mode == config.ModeSimple {
		return len(p.fifo)
	}
	return p.sched.QueueSize()
}

// taskEnv is the caller's environment plus the task's own variables and
// the agent/task identifiers.
func taskEnv(task *scheduler.Task, agentID string) []string {
	env := os.Environ()
	for k, v := range task.Environment {
		env = append(env, k+"="+v)
	}
	return append(env, EnvAgentID+"="+agentID, EnvTaskID+"="+task.ID)
}

// assign binds task to agent and launches the execution goroutine.
func (p *Pool) assign(agent *scheduler.Agent, task *scheduler.Task) {
	now := p.now()
	task.Status = scheduler.TaskAssigned
	task.AssignedAgent = agent.ID
	task.StartTime, task.EndTime, task.ExitCode = nil, nil, nil
	task.Output, task.Error = "", ""

	agent.State = scheduler.AgentWorking
	agent.CurrentTask = task.ID
	agent.LastHeartbeat = now

	var load float64
	if p.mode != config.ModeSimple {
		load = p.sched.AcquireLoad(agent.ID, task)
	}

	h := process.NewHandle(task.Command, process.Options{
		Dir:     task.WorkingDir,
		Env:     taskEnv(task, agent.ID),
		Manager: p.procs,
	})
	agent.Process = h

	ctx, cancel := context.WithCancel(p.runCtx)
	p.runs[task.ID] = &run{agentID: agent.ID, handle: h, load: load, cancel: cancel}

	p.logger.Info("assigned task", "task_id", task.ID, "agent_id", agent.ID)
	p.publishAgent(agent, task.ID, "assigned")

	p.inflight.Add(1)
	go p.execute(ctx, agent.ID, task.ID, h)
}

// markRunning moves an assigned task to running. It returns nil if the
// assignment was withdrawn before the process spawned.
func (p *Pool) markRunning(taskID string, h *process.Handle) *scheduler.Task {
	r := p.runs[taskID]
	task := p.tasks[taskID]
	if r == nil || r.handle != h || task == nil || task.Status != scheduler.TaskAssigned {
		return nil
	}
	now := p.now()
	task.Status = scheduler.TaskRunning
	task.StartTime = &now

	p.bus.Publish(events.TaskStartedEvent{
		ID:        task.ID,
		Title:     task.Title,
		AgentID:   r.agentID,
		Timestamp: now,
	})
	return task.Clone()
}
