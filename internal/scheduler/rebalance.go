package scheduler

import (
	"sort"
)

const (
	overloadedThreshold  = 0.8
	underloadedThreshold = 0.3
	rebalanceGap         = 0.4
	maxTransfer          = 0.15
)

// RebalanceAction records load moved from one agent to another.
type RebalanceAction struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Transferred float64 `json:"transferred"`
}

// Rebalance shifts estimated load from overloaded agents to underloaded
// ones. Only pairs whose load gap exceeds 0.4 are touched; each moves
// min(0.15, 0.3*gap) and nudges processing power so later assignments
// favor the lighter agent. In-flight work is never moved.
func (s *Scheduler) Rebalance() []RebalanceAction {
	var over, under []*Capability
	for _, capability := range s.capabilities {
		switch {
		case capability.CurrentLoad > overloadedThreshold:
			over = append(over, capability)
		case capability.CurrentLoad < underloadedThreshold:
			under = append(under, capability)
		}
	}
	if len(over) == 0 || len(under) == 0 {
		return nil
	}
	byID := func(list []*Capability) {
		sort.Slice(list, func(i, j int) bool { return list[i].AgentID < list[j].AgentID })
	}
	byID(over)
	byID(under)

	var actions []RebalanceAction
	for _, from := range over {
		for _, to := range under {
			gap := from.CurrentLoad - to.CurrentLoad
			if gap <= rebalanceGap {
				continue
			}
			amount := min(maxTransfer, 0.3*gap)
			from.SetLoad(from.CurrentLoad - amount)
			to.SetLoad(to.CurrentLoad + amount)
			from.ProcessingPower *= 0.8
			to.ProcessingPower *= 1.2
			actions = append(actions, RebalanceAction{From: from.AgentID, To: to.AgentID, Transferred: amount})
		}
	}
	if len(actions) > 0 {
		s.logger.Info("rebalanced scheduler load", "actions", len(actions))
	}
	return actions
}

// Metrics summarizes scheduler health.
type Metrics struct {
	LoadBalanceScore float64 `json:"load_balancing_score"`
	EfficiencyScore  float64 `json:"efficiency_score"`
	TotalScheduled   int     `json:"total_scheduled"`
	QueueSize        int     `json:"queue_size"`
	ActiveAgents     int     `json:"active_agents"` // Agents carrying any load
}

// Metrics reports load balance as 1 minus the variance of agent loads and
// efficiency as the mean of processing power times success rate.
func (s *Scheduler) Metrics() Metrics {
	m := Metrics{
		LoadBalanceScore: 1.0,
		TotalScheduled:   s.totalScheduled,
		QueueSize:        s.queue.Len(),
	}
	n := float64(len(s.capabilities))
	if n == 0 {
		return m
	}

	var loadSum, efficiencySum float64
	for _, capability := range s.capabilities {
		loadSum += capability.CurrentLoad
		efficiencySum += capability.ProcessingPower * capability.SuccessRate
		if capability.CurrentLoad > 0 {
			m.ActiveAgents++
		}
	}
	mean := loadSum / n
	var variance float64
	for _, capability := range s.capabilities {
		d := capability.CurrentLoad - mean
		variance += d * d
	}
	variance /= n

	m.LoadBalanceScore = max(0, 1-variance)
	m.EfficiencyScore = efficiencySum / n
	return m
}
