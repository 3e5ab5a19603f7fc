package scheduler

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	learningRate   = 0.1
	maxHistory     = 100
	baseTimeFactor = 60 * time.Second
)

var (
	testCommands  = map[string]bool{"test": true, "pytest": true}
	buildCommands = map[string]bool{"build": true, "compile": true, "make": true}
	lintCommands  = map[string]bool{"lint": true, "format": true, "check": true}
)

// UpdateAgentPerformance feeds one finished execution into the agent's
// profile. Success rate, average time and processing power move toward the
// new sample by the learning rate. Unknown agents are ignored.
func (s *Scheduler) UpdateAgentPerformance(agentID string, task *Task, success bool, execTime time.Duration) {
	capability, ok := s.capabilities[agentID]
	if !ok {
		return
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	capability.SuccessRate = ema(capability.SuccessRate, outcome)

	seconds := execTime.Seconds()
	if capability.AverageExecutionTime == 0 {
		capability.AverageExecutionTime = seconds
	} else {
		capability.AverageExecutionTime = ema(capability.AverageExecutionTime, seconds)
	}

	expected := s.EstimateBaseTime(task).Seconds()
	if expected > 0 && seconds > 0 {
		capability.ProcessingPower = ema(capability.ProcessingPower, expected/seconds)
	}

	history := append(s.history[agentID], task)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	s.history[agentID] = history

	s.logger.Debug("updated agent performance",
		"agent_id", agentID,
		"success_rate", capability.SuccessRate,
		"processing_power", capability.ProcessingPower)
}

// History returns the tasks most recently finished by the agent, oldest first.
func (s *Scheduler) History(agentID string) []*Task {
	return append([]*Task(nil), s.history[agentID]...)
}

// EstimateBaseTime guesses how long a task takes on a reference agent:
// complexity minutes, scaled by the kind of command.
func (s *Scheduler) EstimateBaseTime(task *Task) time.Duration {
	base := time.Duration(task.Complexity) * baseTimeFactor
	if len(task.Command) == 0 {
		return base
	}

	name := strings.ToLower(filepath.Base(task.Command[0]))
	switch {
	case testCommands[name]:
		return base * 2
	case buildCommands[name]:
		return base * 3 / 2
	case lintCommands[name]:
		return base / 2
	}
	return base
}

// estimateTaskTime adjusts the base estimate for a specific agent.
func (s *Scheduler) estimateTaskTime(task *Task, capability *Capability) time.Duration {
	multiplier := 1.0 / max(0.1, capability.ProcessingPower)
	if task.HasTag(capability.Specializations) {
		multiplier *= 0.8
	}
	return time.Duration(float64(s.EstimateBaseTime(task)) * multiplier)
}

// AcquireLoad raises the agent's load by the task's estimated hours and
// returns the amount added so ReleaseLoad can undo it.
func (s *Scheduler) AcquireLoad(agentID string, task *Task) float64 {
	capability, ok := s.capabilities[agentID]
	if !ok {
		return 0
	}
	delta := s.estimateTaskTime(task, capability).Hours()
	before := capability.CurrentLoad
	capability.SetLoad(before + delta)
	return capability.CurrentLoad - before
}

// ReleaseLoad lowers the agent's load by a previously acquired amount.
func (s *Scheduler) ReleaseLoad(agentID string, amount float64) {
	if capability, ok := s.capabilities[agentID]; ok {
		capability.SetLoad(capability.CurrentLoad - amount)
	}
}

// UpdateAgentLoad sets the agent's load, clamped into [0,1].
func (s *Scheduler) UpdateAgentLoad(agentID string, load float64) {
	if capability, ok := s.capabilities[agentID]; ok {
		capability.SetLoad(load)
	}
}

// SetSpecializations replaces the agent's specialization tags.
func (s *Scheduler) SetSpecializations(agentID string, tags []string) {
	if capability, ok := s.capabilities[agentID]; ok {
		capability.Specializations = append([]string(nil), tags...)
	}
}

func ema(current, sample float64) float64 {
	return current*(1-learningRate) + sample*learningRate
}
