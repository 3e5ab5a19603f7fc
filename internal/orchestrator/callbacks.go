package orchestrator

import (
	"context"
	"fmt"

	"github.com/aristath/agentpool/internal/scheduler"
)

// TaskCallback observes a task lifecycle transition. It receives a copy of
// the task; returned errors are logged and otherwise ignored.
type TaskCallback func(ctx context.Context, task *scheduler.Task) error

// AgentErrorCallback observes an agent that failed to run its task.
type AgentErrorCallback func(ctx context.Context, agent *scheduler.Agent, err error) error

// OnTaskStarted registers a callback fired when a task's process starts.
func (p *Pool) OnTaskStarted(cb TaskCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onStarted = append(p.onStarted, cb)
}

// OnTaskCompleted registers a callback fired when a task exits with code 0.
func (p *Pool) OnTaskCompleted(cb TaskCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onCompleted = append(p.onCompleted, cb)
}

// OnTaskFailed registers a callback fired when a task fails or times out.
func (p *Pool) OnTaskFailed(cb TaskCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onFailed = append(p.onFailed, cb)
}

// OnAgentError registers a callback fired when an agent enters the error state.
func (p *Pool) OnAgentError(cb AgentErrorCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onAgentErr = append(p.onAgentErr, cb)
}

func (p *Pool) callbacks(list *[]TaskCallback) []TaskCallback {
	p.cbMu.RLock()
	defer p.cbMu.RUnlock()
	return append([]TaskCallback(nil), (*list)...)
}

func (p *Pool) fireTask(ctx context.Context, kind string, cbs []TaskCallback, task *scheduler.Task) {
	for _, cb := range cbs {
		if err := safeCall(func() error { return cb(ctx, task.Clone()) }); err != nil {
			p.logger.Warn("task callback failed", "callback", kind, "task_id", task.ID, "error", err)
		}
	}
}

func (p *Pool) fireAgentError(ctx context.Context, agent *scheduler.Agent, cause error) {
	p.cbMu.RLock()
	cbs := append([]AgentErrorCallback(nil), p.onAgentErr...)
	p.cbMu.RUnlock()

	for _, cb := range cbs {
		if err := safeCall(func() error { return cb(ctx, agent.Clone(), cause) }); err != nil {
			p.logger.Warn("agent error callback failed", "agent_id", agent.ID, "error", err)
		}
	}
}

// safeCall turns a panicking callback into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fn()
}
