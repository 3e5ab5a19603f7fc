package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/agentpool/internal/process"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Queued, waiting for an agent
	TaskAssigned                    // Paired with an agent, not yet spawned
	TaskRunning                     // Process is executing
	TaskCompleted                   // Exited with code 0
	TaskFailed                      // Non-zero exit, timeout or spawn error
	TaskCancelled                   // Removed before it ran
)

var taskStatusNames = map[TaskStatus]string{
	TaskPending:   "pending",
	TaskAssigned:  "assigned",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskCancelled: "cancelled",
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// Finished reports whether the status is terminal.
func (s TaskStatus) Finished() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	name, ok := taskStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown task status %d", int(s))
	}
	return []byte(name), nil
}

func (s *TaskStatus) UnmarshalText(text []byte) error {
	for status, name := range taskStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", string(text))
}

// ParseTaskStatus converts a status name ("pending", "failed", ...) to a TaskStatus.
func ParseTaskStatus(name string) (TaskStatus, error) {
	var s TaskStatus
	err := s.UnmarshalText([]byte(name))
	return s, err
}

// AgentState represents the lifecycle state of an agent.
type AgentState int

const (
	AgentIdle AgentState = iota
	AgentWorking
	AgentSuspended
	AgentTerminated
	AgentError
)

var agentStateNames = map[AgentState]string{
	AgentIdle:       "idle",
	AgentWorking:    "working",
	AgentSuspended:  "suspended",
	AgentTerminated: "terminated",
	AgentError:      "error",
}

func (s AgentState) String() string {
	if name, ok := agentStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("AgentState(%d)", int(s))
}

func (s AgentState) MarshalText() ([]byte, error) {
	name, ok := agentStateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown agent state %d", int(s))
	}
	return []byte(name), nil
}

func (s *AgentState) UnmarshalText(text []byte) error {
	for state, name := range agentStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown agent state %q", string(text))
}

// Default task parameters applied by Normalize.
const (
	DefaultTimeout    = 300 * time.Second
	DefaultPriority   = 5
	DefaultComplexity = 5
)

// Metadata carries free-form task annotations used by the scheduler.
type Metadata struct {
	Tags        []string          `json:"tags,omitempty"`
	BlocksTasks int               `json:"blocks_tasks,omitempty"` // How many other tasks wait on this one
	Extra       map[string]string `json:"extra,omitempty"`
}

// Task represents a unit of work: a command plus its scheduling constraints.
type Task struct {
	ID            string            `json:"task_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Command       []string          `json:"command"`
	WorkingDir    string            `json:"working_directory"`
	Environment   map[string]string `json:"environment,omitempty"`
	Timeout       time.Duration     `json:"-"` // Encoded as "timeout" seconds
	Priority      int               `json:"priority"`   // 1-10, higher runs first
	Complexity    int               `json:"complexity"` // 1-10 effort estimate
	Dependencies  []string          `json:"dependencies,omitempty"`
	Resources     []string          `json:"resources,omitempty"` // Exclusive resource keys held while running
	Metadata      Metadata          `json:"metadata"`
	Status        TaskStatus        `json:"status"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartTime     *time.Time        `json:"start_time,omitempty"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	Output        string            `json:"output"`
	Error         string            `json:"error"`
	ExitCode      *int              `json:"exit_code,omitempty"`
}

type taskJSON Task

type taskWire struct {
	*taskJSON
	Timeout float64 `json:"timeout"`
}

// MarshalJSON encodes the timeout as seconds alongside the regular fields.
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskWire{
		taskJSON: (*taskJSON)(&t),
		Timeout:  t.Timeout.Seconds(),
	})
}

func (t *Task) UnmarshalJSON(data []byte) error {
	w := taskWire{taskJSON: (*taskJSON)(t)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Timeout = time.Duration(w.Timeout * float64(time.Second))
	return nil
}

// Normalize fills zero-valued fields with their defaults and clamps
// priority and complexity into 1-10.
func (t *Task) Normalize() {
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.Complexity == 0 {
		t.Complexity = DefaultComplexity
	}
	t.Priority = clampInt(t.Priority, 1, 10)
	t.Complexity = clampInt(t.Complexity, 1, 10)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
}

// Duration returns the wall time between start and end, or zero if either is unset.
func (t *Task) Duration() time.Duration {
	if t.StartTime == nil || t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(*t.StartTime)
}

// HasTag reports whether any of the given tags is present on the task.
func (t *Task) HasTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range t.Metadata.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Command = append([]string(nil), t.Command...)
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Resources = append([]string(nil), t.Resources...)
	cp.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	if t.Environment != nil {
		cp.Environment = make(map[string]string, len(t.Environment))
		for k, v := range t.Environment {
			cp.Environment[k] = v
		}
	}
	if t.Metadata.Extra != nil {
		cp.Metadata.Extra = make(map[string]string, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			cp.Metadata.Extra[k] = v
		}
	}
	if t.StartTime != nil {
		st := *t.StartTime
		cp.StartTime = &st
	}
	if t.EndTime != nil {
		et := *t.EndTime
		cp.EndTime = &et
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		cp.ExitCode = &code
	}
	return &cp
}

// Agent is a worker slot that runs at most one task at a time.
type Agent struct {
	ID                 string            `json:"agent_id"`
	State              AgentState        `json:"state"`
	CurrentTask        string            `json:"current_task,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	LastHeartbeat      time.Time         `json:"last_heartbeat"`
	CompletedTasks     int               `json:"completed_tasks"`
	FailedTasks        int               `json:"failed_tasks"`
	TotalExecutionTime time.Duration     `json:"-"` // Encoded as "total_execution_time" seconds
	Metadata           map[string]string `json:"metadata,omitempty"`

	// Process is owned exclusively by this agent while a task runs.
	// It never survives serialization or a restart.
	Process *process.Handle `json:"-"`
}

type agentJSON Agent

type agentWire struct {
	*agentJSON
	TotalExecutionTime float64 `json:"total_execution_time"`
}

func (a Agent) MarshalJSON() ([]byte, error) {
	return json.Marshal(agentWire{
		agentJSON:          (*agentJSON)(&a),
		TotalExecutionTime: a.TotalExecutionTime.Seconds(),
	})
}

func (a *Agent) UnmarshalJSON(data []byte) error {
	w := agentWire{agentJSON: (*agentJSON)(a)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.TotalExecutionTime = time.Duration(w.TotalExecutionTime * float64(time.Second))
	a.Process = nil
	return nil
}

// NewAgent creates an idle agent with fresh timestamps.
func NewAgent(id string) *Agent {
	now := time.Now()
	return &Agent{
		ID:            id,
		State:         AgentIdle,
		CreatedAt:     now,
		LastHeartbeat: now,
		Metadata:      make(map[string]string),
	}
}

// Alive reports whether the agent still counts against the pool limit.
func (a *Agent) Alive() bool {
	return a.State != AgentTerminated
}

// Clone returns a copy of the agent without its process handle.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Process = nil
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
