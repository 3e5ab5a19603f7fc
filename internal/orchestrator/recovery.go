package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aristath/agentpool/internal/recovery"
	"github.com/aristath/agentpool/internal/scheduler"
)

// Operation is a unit of work run under ExecuteWithRecovery.
type Operation func(ctx context.Context) (any, error)

// EnableRecovery attaches a recovery engine. Task failures are handed to it
// before they are recorded, and the snapshot calls become available.
// branches may be nil when no repository is involved.
func (p *Pool) EnableRecovery(engine *recovery.Engine, branches recovery.BranchProvider) {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	p.recovery = engine
	p.branches = branches
	p.logger.Info("recovery system enabled")
}

// Recovery returns the attached engine, or nil.
func (p *Pool) Recovery() *recovery.Engine {
	engine, _ := p.recoverySystem()
	return engine
}

func (p *Pool) recoverySystem() (*recovery.Engine, recovery.BranchProvider) {
	p.recMu.RLock()
	defer p.recMu.RUnlock()
	return p.recovery, p.branches
}

// CreateSnapshot records the pool, branch state and the given files.
func (p *Pool) CreateSnapshot(ctx context.Context, kind recovery.Kind, description string, files ...string) (*recovery.Snapshot, error) {
	engine, branches := p.recoverySystem()
	if engine == nil {
		return nil, ErrRecoveryDisabled
	}
	return engine.CreateSnapshot(ctx, kind, description, recovery.SnapshotOptions{
		Pool:     p,
		Branches: branches,
		Files:    files,
	})
}

// RollbackToSnapshot restores everything the snapshot holds, files included.
func (p *Pool) RollbackToSnapshot(ctx context.Context, snapshotID string) (bool, error) {
	engine, branches := p.recoverySystem()
	if engine == nil {
		return false, ErrRecoveryDisabled
	}
	return engine.ManualRollback(ctx, snapshotID, p, branches), nil
}

// ExecuteWithRecovery snapshots the pool, then runs op until it succeeds.
// Each failure goes through the recovery engine before the next attempt;
// attempts are spaced by the configured exponential backoff and at most
// maxRetries retries follow the first attempt.
func (p *Pool) ExecuteWithRecovery(ctx context.Context, op Operation, kind recovery.Kind, description string, maxRetries int) (any, error) {
	engine, branches := p.recoverySystem()
	if engine == nil {
		return nil, ErrRecoveryDisabled
	}

	snap, err := p.CreateSnapshot(ctx, kind, description)
	if err != nil {
		return nil, err
	}
	opID := "op-" + uuid.NewString()

	var (
		result  any
		attempt int
	)
	try := func() error {
		attempt++
		engine.StartOperation(opID, snap.ID)
		res, err := op(ctx)
		if err == nil {
			result = res
			engine.CompleteOperation(opID)
			return nil
		}
		fc := recovery.FailureContext{
			OperationType: string(kind),
			Extra: map[string]string{
				"description": description,
				"attempt":     strconv.Itoa(attempt),
			},
		}
		if engine.HandleFailure(ctx, opID, err, fc, p, branches) {
			p.logger.Info("recovery succeeded, retrying operation", "operation_id", opID, "attempt", attempt)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("operation failed, backing off", "operation_id", opID, "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(try, newBackOff(ctx, p.cfg.Retry, maxRetries), notify); err != nil {
		return nil, fmt.Errorf("operation %s failed after %d attempts: %w", opID, attempt, err)
	}
	return result, nil
}

// CaptureState returns copies of the agent and task tables.
func (p *Pool) CaptureState(context.Context) ([]*scheduler.Agent, []*scheduler.Task, error) {
	var agents []*scheduler.Agent
	var tasks []*scheduler.Task
	err := p.do(func() {
		for _, id := range p.agentIDs() {
			agents = append(agents, p.agents[id].Clone())
		}
		tasks = p.sortedTasks(func(*scheduler.Task) bool { return true })
	})
	return agents, tasks, err
}

// RestoreAgents puts recorded agents back. Processes cannot be restored, so
// agents recorded as working come back idle and any run they currently own
// is withdrawn. Agents that are not alive now are only revived while the
// pool is below max_agents; the rest come back terminated.
func (p *Pool) RestoreAgents(_ context.Context, agents []*scheduler.Agent) error {
	return p.do(func() {
		// Agents that are alive now keep their slot, so they go first.
		ordered := make([]*scheduler.Agent, 0, len(agents))
		var revived []*scheduler.Agent
		for _, rec := range agents {
			if rec == nil {
				continue
			}
			if cur, ok := p.agents[rec.ID]; ok && cur.Alive() {
				ordered = append(ordered, rec)
			} else {
				revived = append(revived, rec)
			}
		}
		ordered = append(ordered, revived...)

		for _, rec := range ordered {
			cur, known := p.agents[rec.ID]
			if known && cur.CurrentTask != "" {
				p.returnToQueue(cur.CurrentTask)
			}
			agent := rec.Clone()
			agent.CurrentTask = ""
			if agent.State == scheduler.AgentWorking {
				agent.State = scheduler.AgentIdle
			}
			if agent.Alive() && (!known || !cur.Alive()) && p.liveAgents() >= p.cfg.MaxAgents {
				p.logger.Warn("agent not revived, pool at capacity", "agent_id", agent.ID, "max_agents", p.cfg.MaxAgents)
				agent.State = scheduler.AgentTerminated
			}
			agent.LastHeartbeat = p.now()
			if !known {
				p.sched.RegisterAgent(agent, nil)
			}
			p.agents[agent.ID] = agent
			p.publishAgent(agent, "", "restored")
		}
		p.logger.Info("restored agents", "count", len(ordered))
		p.saveState()
	})
}

// RestoreTasks replaces the task table. Every in-flight run is withdrawn;
// interrupted tasks come back pending and all pending tasks are queued.
func (p *Pool) RestoreTasks(_ context.Context, tasks []*scheduler.Task) error {
	return p.do(func() {
		for taskID := range p.runs {
			p.withdrawRun(taskID)
		}
		for _, agent := range p.agents {
			if agent.State == scheduler.AgentWorking {
				agent.State = scheduler.AgentIdle
				agent.CurrentTask = ""
				p.publishAgent(agent, "", "restored")
			}
		}

		p.sched.Reset()
		p.fifo = nil
		p.tasks = make(map[string]*scheduler.Task, len(tasks))
		restored := make([]*scheduler.Task, 0, len(tasks))
		for _, rec := range tasks {
			if rec == nil {
				continue
			}
			task := rec.Clone()
			if task.Status == scheduler.TaskAssigned || task.Status == scheduler.TaskRunning {
				task.Status = scheduler.TaskPending
				task.AssignedAgent = ""
				task.StartTime, task.EndTime = nil, nil
			}
			p.tasks[task.ID] = task
			restored = append(restored, task)
		}
		sort.SliceStable(restored, func(i, j int) bool { return restored[i].CreatedAt.Before(restored[j].CreatedAt) })
		for _, task := range restored {
			if task.Status != scheduler.TaskPending {
				continue
			}
			p.requeue(task)
		}

		p.logger.Info("restored tasks", "count", len(p.tasks))
		p.publishProgress()
		p.saveState()
		p.kickDispatch()
	})
}

// ResetAgent withdraws whatever the agent is running and returns it to idle
// with a fresh circuit breaker.
func (p *Pool) ResetAgent(_ context.Context, agentID string) error {
	var err error
	doErr := p.do(func() {
		agent, ok := p.agents[agentID]
		if !ok {
			err = fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
			return
		}
		if r, ok := p.runs[agent.CurrentTask]; ok && r.agentID == agentID {
			if task := p.tasks[agent.CurrentTask]; task != nil && task.Status == scheduler.TaskAssigned {
				// Not spawned yet: hand the task back to the queue.
				p.returnToQueue(task.ID)
			} else {
				r.cancel()
			}
		}
		agent.State = scheduler.AgentIdle
		agent.CurrentTask = ""
		agent.LastHeartbeat = p.now()
		p.breakers.Forget(agentID)
		p.publishAgent(agent, "", "reset")
		p.saveState()
		p.kickDispatch()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// withdrawRun detaches a run from the pool and cancels it. The execution
// goroutine's result is ignored when it arrives.
func (p *Pool) withdrawRun(taskID string) {
	r, ok := p.runs[taskID]
	if !ok {
		return
	}
	delete(p.runs, taskID)
	r.cancel()
	if r.load > 0 {
		p.sched.ReleaseLoad(r.agentID, r.load)
	}
	if agent := p.agents[r.agentID]; agent != nil && agent.Process == r.handle {
		agent.Process = nil
	}
	p.logger.Debug("withdrew run", "task_id", taskID, "agent_id", r.agentID)
}

// returnToQueue withdraws a task's run and queues the task again.
func (p *Pool) returnToQueue(taskID string) {
	p.withdrawRun(taskID)
	task := p.tasks[taskID]
	if task == nil || (task.Status != scheduler.TaskAssigned && task.Status != scheduler.TaskRunning) {
		return
	}
	task.Status = scheduler.TaskPending
	task.AssignedAgent = ""
	task.StartTime, task.EndTime = nil, nil
	p.requeue(task)
}
