package scheduler

import (
	"testing"
)

func schedulerWithLoads(loads map[string]float64) *Scheduler {
	s := newTestScheduler()
	for id, load := range loads {
		s.RegisterAgent(NewAgent(id), &Capability{ProcessingPower: 1, SuccessRate: 1, ComplexityPreference: 0.5, CurrentLoad: load})
	}
	return s
}

func TestRebalance(t *testing.T) {
	tests := []struct {
		name        string
		loads       map[string]float64
		wantActions int
	}{
		{"empty", map[string]float64{}, 0},
		{"balanced", map[string]float64{"a": 0.5, "b": 0.6, "c": 0.4}, 0},
		{"within gap", map[string]float64{"a": 0.85, "b": 0.5}, 0},
		{"overloaded but gap too small", map[string]float64{"a": 0.85, "b": 0.29 + 0.17}, 0},
		{"extreme pair", map[string]float64{"a": 0.9, "b": 0.1}, 1},
		{"two underloaded", map[string]float64{"a": 0.95, "b": 0.1, "c": 0.2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := schedulerWithLoads(tt.loads)
			actions := s.Rebalance()
			if len(actions) != tt.wantActions {
				t.Errorf("Rebalance returned %d actions, want %d: %+v", len(actions), tt.wantActions, actions)
			}
		})
	}
}

func TestRebalanceMovesLoad(t *testing.T) {
	s := schedulerWithLoads(map[string]float64{"from": 0.9, "to": 0.1})

	actions := s.Rebalance()
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].From != "from" || actions[0].To != "to" {
		t.Errorf("action = %+v", actions[0])
	}
	if abs(actions[0].Transferred-0.15) > 1e-9 {
		t.Errorf("Transferred = %f, want 0.15", actions[0].Transferred)
	}

	from, _ := s.Capability("from")
	to, _ := s.Capability("to")
	if abs(from.CurrentLoad-0.75) > 1e-9 {
		t.Errorf("from load = %f, want 0.75", from.CurrentLoad)
	}
	if abs(to.CurrentLoad-0.25) > 1e-9 {
		t.Errorf("to load = %f, want 0.25", to.CurrentLoad)
	}
	if abs(from.ProcessingPower-0.8) > 1e-9 || abs(to.ProcessingPower-1.2) > 1e-9 {
		t.Errorf("processing power = %f/%f, want 0.8/1.2", from.ProcessingPower, to.ProcessingPower)
	}
}

func TestMetrics(t *testing.T) {
	s := schedulerWithLoads(map[string]float64{"a": 0, "b": 1})
	m := s.Metrics()
	// Loads 0 and 1: variance 0.25.
	if abs(m.LoadBalanceScore-0.75) > 1e-9 {
		t.Errorf("LoadBalanceScore = %f, want 0.75", m.LoadBalanceScore)
	}
	if abs(m.EfficiencyScore-1.0) > 1e-9 {
		t.Errorf("EfficiencyScore = %f, want 1.0", m.EfficiencyScore)
	}
	if m.ActiveAgents != 1 {
		t.Errorf("ActiveAgents = %d, want 1", m.ActiveAgents)
	}

	empty := newTestScheduler().Metrics()
	if empty.LoadBalanceScore != 1.0 {
		t.Errorf("empty LoadBalanceScore = %f, want 1.0", empty.LoadBalanceScore)
	}
}
