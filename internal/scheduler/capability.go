package scheduler

// Capability is the scheduler's performance and suitability profile for one agent.
type Capability struct {
	AgentID              string   `json:"agent_id"`
	ProcessingPower      float64  `json:"processing_power"`       // Relative speed multiplier
	SuccessRate          float64  `json:"success_rate"`           // EMA of outcomes, 0-1
	AverageExecutionTime float64  `json:"average_execution_time"` // EMA of seconds per task
	ComplexityPreference float64  `json:"complexity_preference"`  // 0-1
	Specializations      []string `json:"specializations,omitempty"`
	CurrentLoad          float64  `json:"current_load"` // 0-1
}

// DefaultCapability returns the profile given to agents registered without one.
func DefaultCapability(agentID string) *Capability {
	return &Capability{
		AgentID:              agentID,
		ProcessingPower:      1.0,
		SuccessRate:          1.0,
		ComplexityPreference: 0.5,
	}
}

// EfficiencyScore rates how well this agent suits the task. Never below 0.1.
func (c *Capability) EfficiencyScore(task *Task) float64 {
	base := c.ProcessingPower * c.SuccessRate

	complexityMatch := 1.0 - abs(c.ComplexityPreference-float64(task.Complexity)/10.0)
	score := base + 0.2*complexityMatch

	if task.HasTag(c.Specializations) {
		score += 0.3
	}

	score -= 0.5 * c.CurrentLoad

	if score < 0.1 {
		return 0.1
	}
	return score
}

// totalScore orders agents for batch assignment.
func (c *Capability) totalScore() float64 {
	return 0.4*c.ProcessingPower + 0.4*c.SuccessRate + 0.2*(1.0-c.CurrentLoad)
}

// SetLoad stores load clamped into [0,1].
func (c *Capability) SetLoad(load float64) {
	c.CurrentLoad = clamp(load, 0, 1)
}

// Clone returns an independent copy of the profile.
func (c *Capability) Clone() *Capability {
	cp := *c
	cp.Specializations = append([]string(nil), c.Specializations...)
	return &cp
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
