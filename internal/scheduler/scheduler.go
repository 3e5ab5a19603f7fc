package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Priority score weights.
const (
	priorityWeight   = 0.4
	complexityWeight = 0.3
	urgencyWeight    = 0.2
	dependencyWeight = 0.1
)

var (
	// ErrTaskExists is returned when a task ID is already queued or known.
	ErrTaskExists = errors.New("task already exists")
	// ErrDependencyCycle is returned when a task's dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Assignment pairs an agent with the task it should run next.
type Assignment struct {
	Agent *Agent
	Task  *Task
}

// Scheduler keeps a priority queue of unassigned tasks and a capability
// profile per agent.
//
// Scheduler is not safe for concurrent use. The pool's owner goroutine is
// its only caller.
type Scheduler struct {
	queue          *priorityQueue
	capabilities   map[string]*Capability
	history        map[string][]*Task
	totalScheduled int
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for scheduling decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for task age.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:        newPriorityQueue(),
		capabilities: make(map[string]*Capability),
		history:      make(map[string][]*Task),
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterAgent adds an agent's capability profile, replacing any existing one.
// A nil capability registers the default profile.
func (s *Scheduler) RegisterAgent(agent *Agent, capability *Capability) {
	if capability == nil {
		capability = DefaultCapability(agent.ID)
	}
	capability.AgentID = agent.ID
	capability.SetLoad(capability.CurrentLoad)
	s.capabilities[agent.ID] = capability
	s.history[agent.ID] = nil
	s.logger.Debug("registered agent with scheduler", "agent_id", agent.ID)
}

// UnregisterAgent drops the agent's profile and history.
func (s *Scheduler) UnregisterAgent(agentID string) {
	delete(s.capabilities, agentID)
	delete(s.history, agentID)
}

// capabilityFor returns the agent's profile, registering a default one if needed.
func (s *Scheduler) capabilityFor(agent *Agent) *Capability {
	capability, ok := s.capabilities[agent.ID]
	if !ok {
		s.RegisterAgent(agent, nil)
		capability = s.capabilities[agent.ID]
	}
	return capability
}

// Capability returns a copy of the agent's profile.
func (s *Scheduler) Capability(agentID string) (*Capability, bool) {
	capability, ok := s.capabilities[agentID]
	if !ok {
		return nil, false
	}
	return capability.Clone(), true
}

// Capabilities returns copies of every profile keyed by agent ID.
func (s *Scheduler) Capabilities() map[string]*Capability {
	out := make(map[string]*Capability, len(s.capabilities))
	for id, capability := range s.capabilities {
		out[id] = capability.Clone()
	}
	return out
}

// AddTask queues a task with its computed priority score.
func (s *Scheduler) AddTask(task *Task) error {
	if s.queue.contains(task.ID) {
		return fmt.Errorf("queue %q: %w", task.ID, ErrTaskExists)
	}
	score := s.PriorityScore(task)
	s.queue.push(task, score)
	s.logger.Debug("queued task", "task_id", task.ID, "score", score)
	return nil
}

// PriorityScore combines priority, complexity, age and how many tasks
// the given task unblocks. Each term is bounded by its weight.
func (s *Scheduler) PriorityScore(task *Task) float64 {
	score := float64(task.Priority) / 10.0 * priorityWeight
	score += float64(task.Complexity) / 10.0 * complexityWeight

	if !task.CreatedAt.IsZero() {
		ageHours := s.now().Sub(task.CreatedAt).Hours()
		if ageHours > 0 {
			score += min(1.0, ageHours/24.0) * urgencyWeight
		}
	}

	blocking := task.Metadata.BlocksTasks
	if blocking == 0 {
		blocking = s.queuedDependents(task.ID)
	}
	if blocking > 0 {
		score += min(1.0, float64(blocking)/5.0) * dependencyWeight
	}
	return score
}

func (s *Scheduler) queuedDependents(taskID string) int {
	count := 0
	for _, item := range s.queue.items {
		for _, dep := range item.task.Dependencies {
			if dep == taskID {
				count++
				break
			}
		}
	}
	return count
}

// ready reports whether the task may be handed out. Any outstanding
// dependency blocks it.
func ready(task *Task) bool {
	return len(task.Dependencies) == 0
}

// NextTaskForAgent removes and returns the queued task that best suits the
// agent, or nil if no eligible task is queued.
func (s *Scheduler) NextTaskForAgent(agent *Agent) *Task {
	if s.queue.Len() == 0 {
		return nil
	}
	capability := s.capabilityFor(agent)

	var best *queueItem
	bestScore := 0.0
	for _, item := range s.queue.ordered() {
		if !ready(item.task) {
			continue
		}
		combined := 0.7*item.score + 0.3*capability.EfficiencyScore(item.task)
		if combined > bestScore {
			bestScore = combined
			best = item
		}
	}
	if best == nil {
		return nil
	}

	s.queue.remove(best.task.ID)
	s.totalScheduled++
	return best.task
}

// OptimalAssignment plans at most one task per agent without touching the
// live queue. Stronger agents choose first; each agent picks the remaining
// eligible task with the best efficiency discounted by the load already
// planned for it in this pass.
func (s *Scheduler) OptimalAssignment(agents []*Agent) []Assignment {
	if len(agents) == 0 || s.queue.Len() == 0 {
		return nil
	}

	sorted := make([]*Agent, len(agents))
	copy(sorted, agents)
	for _, agent := range sorted {
		s.capabilityFor(agent)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return s.capabilities[sorted[i].ID].totalScore() > s.capabilities[sorted[j].ID].totalScore()
	})

	remaining := s.queue.ordered()
	passLoad := make(map[string]float64, len(sorted))
	var plan []Assignment

	for _, agent := range sorted {
		if len(remaining) == 0 {
			break
		}
		capability := s.capabilities[agent.ID]

		bestIndex := -1
		bestScore := 0.0
		for i, item := range remaining {
			if !ready(item.task) {
				continue
			}
			score := capability.EfficiencyScore(item.task) * (1.0 - passLoad[agent.ID])
			if score > bestScore {
				bestScore = score
				bestIndex = i
			}
		}
		if bestIndex < 0 {
			continue
		}

		chosen := remaining[bestIndex].task
		plan = append(plan, Assignment{Agent: agent, Task: chosen})
		passLoad[agent.ID] += s.estimateTaskTime(chosen, capability).Hours()
		remaining = append(remaining[:bestIndex], remaining[bestIndex+1:]...)
	}
	return plan
}

// TakeAssignments plans like OptimalAssignment and removes every planned
// task from the queue in the same step, so no task can be planned twice.
func (s *Scheduler) TakeAssignments(agents []*Agent) []Assignment {
	plan := s.OptimalAssignment(agents)
	for _, a := range plan {
		s.queue.remove(a.Task.ID)
		s.totalScheduled++
	}
	return plan
}

// Remove takes a task out of the queue. Returns nil if it was not queued.
func (s *Scheduler) Remove(taskID string) *Task {
	item := s.queue.remove(taskID)
	if item == nil {
		return nil
	}
	return item.task
}

// Contains reports whether the task is queued.
func (s *Scheduler) Contains(taskID string) bool {
	return s.queue.contains(taskID)
}

// QueueSize returns the number of queued tasks.
func (s *Scheduler) QueueSize() int {
	return s.queue.Len()
}

// Queued returns the queued tasks from highest to lowest priority.
func (s *Scheduler) Queued() []*Task {
	items := s.queue.ordered()
	out := make([]*Task, len(items))
	for i, item := range items {
		out[i] = item.task
	}
	return out
}

// Reset empties the queue. Capability profiles are kept.
func (s *Scheduler) Reset() {
	s.queue = newPriorityQueue()
}
