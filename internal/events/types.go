package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicAgent    = "agent"
	TopicPool     = "pool"
	TopicRecovery = "recovery"
)

// Event type constants
const (
	EventTypeTaskSubmitted = "task.submitted"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeAgentState    = "agent.state"
	EventTypePoolProgress  = "pool.progress"
	EventTypePoolRebalance = "pool.rebalanced"
	EventTypeRecovery      = "recovery.handled"
	EventTypeSnapshot      = "recovery.snapshot"
)

// TaskSubmittedEvent is published when a task enters the pool.
type TaskSubmittedEvent struct {
	ID        string
	Title     string
	Priority  int
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) Topic() string     { return TopicTask }

// TaskStartedEvent is published when an agent spawns a task's command.
type TaskStartedEvent struct {
	ID        string
	Title     string
	AgentID   string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }

// TaskCompletedEvent is published when a command exits with code 0.
type TaskCompletedEvent struct {
	ID        string
	AgentID   string
	Output    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }

// TaskFailedEvent is published when a command fails, times out or cannot spawn.
type TaskFailedEvent struct {
	ID        string
	AgentID   string
	Error     string
	ExitCode  int
	TimedOut  bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }

// TaskCancelledEvent is published when a queued task is withdrawn.
type TaskCancelledEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) Topic() string     { return TopicTask }

// AgentStateEvent is published whenever an agent changes state.
type AgentStateEvent struct {
	AgentID   string
	State     string
	TaskID    string
	Reason    string
	Timestamp time.Time
}

func (e AgentStateEvent) EventType() string { return EventTypeAgentState }
func (e AgentStateEvent) Topic() string     { return TopicAgent }

// PoolProgressEvent summarizes task and agent counts after each change.
type PoolProgressEvent struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Agents    int
	Working   int
	Timestamp time.Time
}

func (e PoolProgressEvent) EventType() string { return EventTypePoolProgress }
func (e PoolProgressEvent) Topic() string     { return TopicPool }

// RebalanceEvent is published when load is shifted between agents.
type RebalanceEvent struct {
	Actions     int
	LoadBalance float64
	Timestamp   time.Time
}

func (e RebalanceEvent) EventType() string { return EventTypePoolRebalance }
func (e RebalanceEvent) Topic() string     { return TopicPool }

// RecoveryEvent is published after the recovery engine handles a failure.
type RecoveryEvent struct {
	OperationID string
	Strategy    string
	Recovered   bool
	Error       string
	Timestamp   time.Time
}

func (e RecoveryEvent) EventType() string { return EventTypeRecovery }
func (e RecoveryEvent) Topic() string     { return TopicRecovery }

// SnapshotEvent is published when a snapshot is created or rolled back to.
type SnapshotEvent struct {
	SnapshotID string
	Kind       string
	RolledBack bool
	Timestamp  time.Time
}

func (e SnapshotEvent) EventType() string { return EventTypeSnapshot }
func (e SnapshotEvent) Topic() string     { return TopicRecovery }
