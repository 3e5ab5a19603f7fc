package orchestrator

import (
	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/scheduler"
)

func (p *Pool) publishAgent(agent *scheduler.Agent, taskID, reason string) {
	p.bus.Publish(events.AgentStateEvent{
		AgentID:   agent.ID,
		State:     agent.State.String(),
		TaskID:    taskID,
		Reason:    reason,
		Timestamp: p.now(),
	})
}

func (p *Pool) publishProgress() {
	if p.bus == nil {
		return
	}
	ev := events.PoolProgressEvent{Total: len(p.tasks), Timestamp: p.now()}
	for _, t := range p.tasks {
		switch t.Status {
		case scheduler.TaskPending:
			ev.Pending++
		case scheduler.TaskAssigned, scheduler.TaskRunning:
			ev.Running++
		case scheduler.TaskCompleted:
			ev.Completed++
		case scheduler.TaskFailed:
			ev.Failed++
		case scheduler.TaskCancelled:
			ev.Cancelled++
		}
	}
	for _, a := range p.agents {
		if !a.Alive() {
			continue
		}
		ev.Agents++
		if a.State == scheduler.AgentWorking {
			ev.Working++
		}
	}
	p.bus.Publish(ev)
}
