package orchestrator

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/scheduler"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMonitorTerminatesStaleAgents(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testConfig(t)
	p := newTestPool(t, cfg, WithClock(clock.Now))

	var stale, fresh, suspended string
	p.do(func() {
		stale = p.createAgent().ID
		fresh = p.createAgent().ID
		p.agents[stale].LastHeartbeat = clock.Now().Add(-10 * time.Minute)
	})
	clock.Advance(time.Second)
	p.do(func() {
		a := p.createAgent()
		a.State = scheduler.AgentSuspended
		suspended = a.ID
	})

	p.do(p.monitor)

	states := map[string]scheduler.AgentState{}
	for _, a := range p.Agents() {
		states[a.ID] = a.State
	}
	if states[stale] != scheduler.AgentTerminated {
		t.Errorf("stale agent state = %s, want terminated", states[stale])
	}
	if states[fresh] != scheduler.AgentIdle {
		t.Errorf("fresh agent state = %s, want idle", states[fresh])
	}
	// No breaker was ever opened for it.
	if states[suspended] != scheduler.AgentIdle {
		t.Errorf("suspended agent state = %s, want idle", states[suspended])
	}
}

func TestRebalanceWorkload(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	poolCh := bus.Subscribe(events.TopicPool, 100)

	p := newTestPool(t, testConfig(t), WithBus(bus))
	var busy, spare string
	p.do(func() {
		busy = p.createAgent().ID
		spare = p.createAgent().ID
		p.sched.UpdateAgentLoad(busy, 0.9)
		p.sched.UpdateAgentLoad(spare, 0.1)
	})

	actions := p.RebalanceWorkload()
	if len(actions) != 1 || actions[0].From != busy || actions[0].To != spare {
		t.Fatalf("actions = %+v, want one move from %s to %s", actions, busy, spare)
	}

	var busyLoad, spareLoad float64
	p.do(func() {
		c, _ := p.sched.Capability(busy)
		busyLoad = c.CurrentLoad
		c, _ = p.sched.Capability(spare)
		spareLoad = c.CurrentLoad
	})
	// Scheduler moves 0.15, the pool a further 0.1.
	if math.Abs(busyLoad-0.65) > 1e-9 || math.Abs(spareLoad-0.35) > 1e-9 {
		t.Errorf("loads = %.3f/%.3f, want 0.650/0.350", busyLoad, spareLoad)
	}

	found := false
	for !found {
		select {
		case ev := <-poolCh:
			_, found = ev.(events.RebalanceEvent)
		case <-time.After(time.Second):
			t.Fatal("no rebalance event published")
		}
	}

	if again := p.RebalanceWorkload(); len(again) != 0 {
		t.Errorf("second rebalance = %+v, want none", again)
	}
}

func TestAutoRebalanceRespectsThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		want      float64
	}{
		{name: "balanced enough", threshold: 0.5, want: 0.9},
		{name: "imbalanced", threshold: 0.99, want: 0.65},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.RebalanceThreshold = tt.threshold
			p := newTestPool(t, cfg)
			startPool(t, p)

			var busy string
			var load float64
			p.do(func() {
				busy = p.createAgent().ID
				spare := p.createAgent().ID
				p.sched.UpdateAgentLoad(busy, 0.9)
				p.sched.UpdateAgentLoad(spare, 0.1)

				p.autoRebalance()
				c, _ := p.sched.Capability(busy)
				load = c.CurrentLoad
			})
			if math.Abs(load-tt.want) > 1e-9 {
				t.Errorf("busy load = %.3f, want %.3f", load, tt.want)
			}
		})
	}
}
