package orchestrator

import (
	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/process"
	"github.com/aristath/agentpool/internal/scheduler"
)

// rebalanceShift is the load moved between a rebalanced pair.
const rebalanceShift = 0.1

// monitor terminates agents that stopped reporting, refreshes heartbeats
// of agents with a live run and returns suspended agents to service once
// their breaker allows it.
func (p *Pool) monitor() {
	now := p.now()
	timeout := p.cfg.HeartbeatTimeout.D()

	var stale []*process.Handle
	for _, id := range p.agentIDs() {
		agent := p.agents[id]
		if agent.State == scheduler.AgentTerminated {
			continue
		}

		if agent.State == scheduler.AgentWorking {
			if r, ok := p.runs[agent.CurrentTask]; ok && r.agentID == id {
				agent.LastHeartbeat = now
				continue
			}
		}

		if now.Sub(agent.LastHeartbeat) > timeout {
			p.logger.Warn("agent heartbeat is stale", "agent_id", id, "last_heartbeat", agent.LastHeartbeat)
			if agent.CurrentTask != "" {
				p.returnToQueue(agent.CurrentTask)
			}
			if h := p.terminateAgentLocked(id, "stale heartbeat"); h != nil {
				stale = append(stale, h)
			}
			continue
		}

		if agent.State == scheduler.AgentSuspended && !p.breakers.Open(id) {
			agent.State = scheduler.AgentIdle
			agent.LastHeartbeat = now
			p.logger.Info("agent back in service", "agent_id", id)
			p.publishAgent(agent, "", "circuit closed")
		}
	}
	p.stopHandlesAsync(stale)

	p.publishProgress()
	p.saveState()
	p.kickDispatch()
}

// autoRebalance evens out loads when the balance score drops below the
// configured threshold.
func (p *Pool) autoRebalance() {
	if !p.running {
		return
	}
	score := p.sched.Metrics().LoadBalanceScore
	if score >= p.cfg.RebalanceThreshold {
		return
	}
	p.logger.Info("load imbalance detected, rebalancing", "load_balance", score)
	p.rebalance()
}

// rebalance runs the scheduler's rebalancing and then shifts a further
// fixed amount along each recorded pair.
func (p *Pool) rebalance() []scheduler.RebalanceAction {
	actions := p.sched.Rebalance()
	for _, a := range actions {
		from, okFrom := p.sched.Capability(a.From)
		to, okTo := p.sched.Capability(a.To)
		if !okFrom || !okTo {
			continue
		}
		p.sched.UpdateAgentLoad(a.From, from.CurrentLoad-rebalanceShift)
		p.sched.UpdateAgentLoad(a.To, to.CurrentLoad+rebalanceShift)
	}
	if len(actions) > 0 {
		p.bus.Publish(events.RebalanceEvent{
			Actions:     len(actions),
			LoadBalance: p.sched.Metrics().LoadBalanceScore,
			Timestamp:   p.now(),
		})
	}
	return actions
}
