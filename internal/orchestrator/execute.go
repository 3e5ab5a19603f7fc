package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/persistence"
	"github.com/aristath/agentpool/internal/process"
	"github.com/aristath/agentpool/internal/recovery"
	"github.com/aristath/agentpool/internal/scheduler"
)

// outcome is what an execution goroutine reports back to the owner.
type outcome struct {
	result    process.Result
	err       error // spawn failure
	cancelled bool  // run context cancelled (task cancel or pool stop)
	withdrawn bool  // assignment withdrawn before spawning
	rejected  bool  // the agent's breaker refused the run
}

// finished is the owner's view after recording an outcome.
type finished struct {
	task     *scheduler.Task
	agent    *scheduler.Agent
	agentErr bool
}

func (p *Pool) execute(ctx context.Context, agentID, taskID string, h *process.Handle) {
	defer p.inflight.Done()

	var task *scheduler.Task
	if err := p.do(func() { task = p.markRunning(taskID, h) }); err != nil {
		return
	}
	if task == nil {
		p.report(ctx, taskID, h, outcome{withdrawn: true}, nil)
		return
	}

	p.fireTask(ctx, "started", p.callbacks(&p.onStarted), task)
	p.logger.Info("agent starting task", "agent_id", agentID, "task_id", taskID)

	p.locks.Acquire(task.Resources)
	var out outcome
	_, err := p.breakers.Get(agentID).Execute(func() (interface{}, error) {
		res, err := h.Run(ctx, task.Timeout, p.cfg.TerminateGrace.D())
		out.result = res
		switch {
		case err != nil:
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case res.TimedOut || res.ExitCode != 0:
			return nil, errTaskFailed
		}
		return nil, nil
	})
	p.locks.Release(task.Resources)

	switch {
	case err == nil, errors.Is(err, errTaskFailed):
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		out.rejected = true
	case ctx.Err() != nil:
		out.cancelled = true
	default:
		out.err = err
	}

	p.report(ctx, taskID, h, out, task)
}

// report forwards failures to the recovery engine, records the outcome on
// the owner, then notifies observers and the history store.
func (p *Pool) report(ctx context.Context, taskID string, h *process.Handle, out outcome, started *scheduler.Task) {
	bg := context.WithoutCancel(ctx)

	if started != nil && !out.cancelled && !out.withdrawn && !out.rejected && (out.err != nil || out.result.TimedOut || out.result.ExitCode != 0) {
		p.recoverTask(bg, started, out)
	}

	var fin *finished
	if err := p.do(func() { fin = p.finish(taskID, h, out) }); err != nil || fin == nil {
		return
	}
	task := fin.task

	switch task.Status {
	case scheduler.TaskCompleted:
		p.fireTask(bg, "completed", p.callbacks(&p.onCompleted), task)
	case scheduler.TaskFailed:
		p.fireTask(bg, "failed", p.callbacks(&p.onFailed), task)
	}
	if fin.agentErr {
		p.fireAgentError(bg, fin.agent, out.err)
	}

	if p.store != nil && started != nil {
		p.recordExecution(bg, task, out)
	}
}

// failureMessage is the error text recovery strategies are matched against.
func failureMessage(task *scheduler.Task, out outcome) string {
	switch {
	case out.err != nil:
		return out.err.Error()
	case out.result.TimedOut:
		return timeoutMessage(task)
	default:
		msg := fmt.Sprintf("exit code %d", out.result.ExitCode)
		if stderr := strings.TrimSpace(out.result.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		return msg
	}
}

func timeoutMessage(task *scheduler.Task) string {
	return fmt.Sprintf("Task timed out after %d seconds", int(task.Timeout.Seconds()))
}

func (p *Pool) recoverTask(ctx context.Context, task *scheduler.Task, out outcome) {
	engine, branches := p.recoverySystem()
	if engine == nil {
		return
	}
	fc := recovery.FailureContext{
		OperationType: string(recovery.KindTaskExecution),
		AgentID:       task.AssignedAgent,
		TaskID:        task.ID,
	}
	if engine.HandleFailure(ctx, task.ID, errors.New(failureMessage(task, out)), fc, p, branches) {
		p.logger.Info("task failure recovered", "task_id", task.ID)
	}
}

// finish records an outcome on the owner. Outcomes for runs that were
// withdrawn (reset, rollback, termination) only release the agent.
func (p *Pool) finish(taskID string, h *process.Handle, out outcome) *finished {
	r := p.runs[taskID]
	if r == nil || r.handle != h {
		for _, agent := range p.agents {
			if agent.Process == h {
				agent.Process = nil
			}
		}
		p.logger.Debug("ignoring stale execution result", "task_id", taskID)
		return nil
	}
	delete(p.runs, taskID)
	r.cancel()

	task := p.tasks[taskID]
	agent := p.agents[r.agentID]
	if r.load > 0 {
		p.sched.ReleaseLoad(r.agentID, r.load)
	}
	if task == nil {
		return nil
	}

	if out.rejected && task.Status != scheduler.TaskCancelled {
		return p.requeueRejected(task, agent, h)
	}

	now := p.now()
	task.EndTime = &now
	if !out.withdrawn && !out.cancelled && out.err == nil {
		code := out.result.ExitCode
		task.ExitCode = &code
		task.Output = out.result.Stdout
		task.Error = out.result.Stderr
	}

	switch {
	case task.Status == scheduler.TaskCancelled:
	case out.withdrawn:
		task.Status = scheduler.TaskCancelled
	case out.err != nil:
		task.Status = scheduler.TaskFailed
		task.Error = out.err.Error()
	case out.cancelled:
		task.Status = scheduler.TaskFailed
		task.Error = "Task interrupted"
	case out.result.TimedOut:
		task.Status = scheduler.TaskFailed
		task.Error = timeoutMessage(task)
	case out.result.ExitCode == 0:
		task.Status = scheduler.TaskCompleted
	default:
		task.Status = scheduler.TaskFailed
	}

	fin := &finished{task: task.Clone()}

	if agent != nil {
		switch task.Status {
		case scheduler.TaskCompleted:
			agent.CompletedTasks++
			p.completed = append(p.completed, taskID)
		case scheduler.TaskFailed:
			agent.FailedTasks++
		}
		var execTime time.Duration
		if task.StartTime != nil {
			execTime = now.Sub(*task.StartTime)
			agent.TotalExecutionTime += execTime
		}
		if task.Status == scheduler.TaskCompleted || task.Status == scheduler.TaskFailed {
			p.sched.UpdateAgentPerformance(agent.ID, task, task.Status == scheduler.TaskCompleted, execTime)
		}

		if agent.Process == h {
			agent.Process = nil
		}
		if agent.CurrentTask == taskID {
			agent.CurrentTask = ""
			switch {
			case out.err != nil:
				agent.State = scheduler.AgentError
				fin.agentErr = true
			case p.breakers.Open(agent.ID):
				agent.State = scheduler.AgentSuspended
				p.logger.Warn("agent suspended by circuit breaker", "agent_id", agent.ID)
			case agent.State == scheduler.AgentWorking:
				agent.State = scheduler.AgentIdle
			}
			p.publishAgent(agent, "", task.Status.String())
		}
		fin.agent = agent.Clone()
	}

	if task.Status == scheduler.TaskCompleted {
		p.resolveDependents(taskID)
	}

	p.publishTaskOutcome(task)
	p.publishProgress()
	p.saveState()
	p.kickDispatch()

	p.logger.Info("task finished", "task_id", taskID, "status", task.Status.String(), "agent_id", r.agentID)
	return fin
}

// requeueRejected puts a task the breaker refused back in the queue and
// suspends the agent.
func (p *Pool) requeueRejected(task *scheduler.Task, agent *scheduler.Agent, h *process.Handle) *finished {
	task.Status = scheduler.TaskPending
	task.AssignedAgent = ""
	task.StartTime, task.EndTime = nil, nil
	p.requeue(task)
	if agent != nil {
		if agent.Process == h {
			agent.Process = nil
		}
		if agent.CurrentTask == task.ID {
			agent.CurrentTask = ""
			agent.State = scheduler.AgentSuspended
			p.publishAgent(agent, "", "circuit open")
		}
	}
	p.logger.Warn("agent breaker rejected task, requeued", "task_id", task.ID)
	p.kickDispatch()
	return nil
}

// resolveDependents opens the dependency gate for tasks waiting on taskID.
func (p *Pool) resolveDependents(taskID string) {
	p.sched.ResolveDependency(taskID)
	for _, t := range p.tasks {
		if t.Status != scheduler.TaskPending || len(t.Dependencies) == 0 {
			continue
		}
		kept := t.Dependencies[:0]
		for _, dep := range t.Dependencies {
			if dep != taskID {
				kept = append(kept, dep)
			}
		}
		t.Dependencies = kept
	}
}

func (p *Pool) publishTaskOutcome(task *scheduler.Task) {
	now := p.now()
	switch task.Status {
	case scheduler.TaskCompleted:
		p.bus.Publish(events.TaskCompletedEvent{
			ID:        task.ID,
			AgentID:   task.AssignedAgent,
			Output:    task.Output,
			Duration:  task.Duration(),
			Timestamp: now,
		})
	case scheduler.TaskFailed:
		ev := events.TaskFailedEvent{
			ID:        task.ID,
			AgentID:   task.AssignedAgent,
			Error:     task.Error,
			TimedOut:  strings.HasPrefix(task.Error, "Task timed out"),
			Duration:  task.Duration(),
			Timestamp: now,
		}
		if task.ExitCode != nil {
			ev.ExitCode = *task.ExitCode
		}
		p.bus.Publish(ev)
	case scheduler.TaskCancelled:
		p.bus.Publish(events.TaskCancelledEvent{ID: task.ID, Timestamp: now})
	}
}

func (p *Pool) recordExecution(ctx context.Context, task *scheduler.Task, out outcome) {
	exec := persistence.Execution{
		TaskID:   task.ID,
		AgentID:  task.AssignedAgent,
		Command:  task.Command,
		ExitCode: out.result.ExitCode,
		Success:  task.Status == scheduler.TaskCompleted,
		TimedOut: out.result.TimedOut && !out.cancelled,
		Error:    task.Error,
	}
	if task.StartTime != nil {
		exec.StartedAt = *task.StartTime
	}
	if task.EndTime != nil {
		exec.FinishedAt = *task.EndTime
	}
	if err := p.store.RecordExecution(ctx, exec); err != nil {
		p.logger.Warn("failed to record execution", "task_id", task.ID, "error", err)
	}
	if err := p.store.SaveTask(ctx, task); err != nil {
		p.logger.Warn("failed to save task", "task_id", task.ID, "error", err)
	}
}
