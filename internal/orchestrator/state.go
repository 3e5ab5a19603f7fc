package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aristath/agentpool/internal/scheduler"
)

// StateFileName is written under the work directory after every change
// that matters for a restart.
const StateFileName = "pool_state.json"

type poolState struct {
	Agents         map[string]*scheduler.Agent `json:"agents"`
	Tasks          map[string]*scheduler.Task  `json:"tasks"`
	CompletedTasks []string                    `json:"completed_tasks"`
	SavedAt        time.Time                   `json:"saved_at"`
}

func (p *Pool) statePath() string {
	return filepath.Join(p.cfg.WorkDir, StateFileName)
}

// saveState writes the agent and task tables. Failures are logged.
func (p *Pool) saveState() {
	if p.cfg.WorkDir == "" {
		return
	}
	state := poolState{
		Agents:         p.agents,
		Tasks:          p.tasks,
		CompletedTasks: p.completed,
		SavedAt:        p.now(),
	}
	if err := writeState(p.statePath(), state); err != nil {
		p.logger.Warn("failed to save pool state", "error", err)
	}
}

func writeState(path string, state poolState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling pool state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing pool state: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadState restores tables from a previous run. Processes never survive a
// restart: live agents come back idle, interrupted tasks go back to pending
// and every pending task is queued again. Terminated agents are dropped.
func (p *Pool) loadState() {
	data, err := os.ReadFile(p.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		p.logger.Warn("failed to read pool state", "error", err)
		return
	}
	var state poolState
	if err := json.Unmarshal(data, &state); err != nil {
		p.logger.Warn("ignoring corrupt pool state", "error", err)
		return
	}

	for id, agent := range state.Agents {
		if agent == nil || !agent.Alive() {
			continue
		}
		agent.ID = id
		agent.State = scheduler.AgentIdle
		agent.CurrentTask = ""
		agent.Process = nil
		p.agents[id] = agent
		p.sched.RegisterAgent(agent, nil)
	}

	ids := make([]string, 0, len(state.Tasks))
	for id, task := range state.Tasks {
		if task == nil {
			continue
		}
		task.ID = id
		p.tasks[id] = task
		ids = append(ids, id)
	}
	// Requeue in submission order so FIFO and tie-breaking survive the restart.
	sort.Slice(ids, func(i, j int) bool {
		a, b := p.tasks[ids[i]], p.tasks[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	requeued := 0
	for _, id := range ids {
		task := p.tasks[id]
		switch task.Status {
		case scheduler.TaskAssigned, scheduler.TaskRunning:
			task.Status = scheduler.TaskPending
			task.AssignedAgent = ""
			task.StartTime = nil
		case scheduler.TaskPending:
		default:
			continue
		}
		p.requeue(task)
		requeued++
	}
	p.completed = state.CompletedTasks

	p.logger.Info("loaded pool state", "agents", len(p.agents), "tasks", len(p.tasks), "requeued", requeued)
}
