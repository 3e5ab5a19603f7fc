package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aristath/agentpool/internal/branch"
	"github.com/aristath/agentpool/internal/events"
	"github.com/aristath/agentpool/internal/scheduler"
	"github.com/google/uuid"
)

// Kind classifies the operation a snapshot protects.
type Kind string

const (
	KindTaskExecution    Kind = "task_execution"
	KindBranchOperation  Kind = "branch_operation"
	KindAgentAssignment  Kind = "agent_assignment"
	KindFileModification Kind = "file_modification"
	KindSystemConfig     Kind = "system_config"
	KindTestExecution    Kind = "test_execution"
)

// Instruction types understood by rollback.
const (
	InstructionGitCommand    = "git_command"
	InstructionFileOperation = "file_operation"
)

// Instruction is an extra step replayed at the end of a rollback.
// git_command uses Args; file_operation uses Operation ("create" or
// "delete") and Path.
type Instruction struct {
	Type      string   `json:"type"`
	Args      []string `json:"args,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Path      string   `json:"file_path,omitempty"`
}

// BranchState is the repository state captured with a snapshot.
type BranchState struct {
	CurrentBranch string                 `json:"current_branch"`
	Status        *branch.Status         `json:"status,omitempty"`
	Branches      map[string]branch.Info `json:"branches,omitempty"`
}

// Snapshot is a restorable copy of pool, branch and file state.
type Snapshot struct {
	ID           string             `json:"snapshot_id"`
	Kind         Kind               `json:"operation_type"`
	Timestamp    time.Time          `json:"timestamp"`
	Description  string             `json:"description"`
	Agents       []*scheduler.Agent `json:"agents,omitempty"`
	Tasks        []*scheduler.Task  `json:"tasks,omitempty"`
	Branch       *BranchState       `json:"branch,omitempty"`
	Files        map[string]string  `json:"files,omitempty"` // original path -> backup path
	Context      map[string]string  `json:"context,omitempty"`
	Instructions []Instruction      `json:"rollback_instructions,omitempty"`
}

// PoolState is the view of the agent pool that snapshots capture and
// rollbacks restore.
type PoolState interface {
	CaptureState(ctx context.Context) ([]*scheduler.Agent, []*scheduler.Task, error)
	// RestoreAgents puts each agent back into its recorded state, stopping
	// running processes and recreating agents that no longer exist.
	RestoreAgents(ctx context.Context, agents []*scheduler.Agent) error
	// RestoreTasks replaces the task table. Running or assigned tasks come
	// back as pending with no agent and no timing.
	RestoreTasks(ctx context.Context, tasks []*scheduler.Task) error
	// ResetAgent stops the agent's process and returns it to idle.
	ResetAgent(ctx context.Context, agentID string) error
}

// BranchProvider exposes the repository state kept in snapshots.
type BranchProvider interface {
	CurrentBranch(ctx context.Context) (string, error)
	Status(ctx context.Context, name string) (branch.Status, error)
	Branches() map[string]branch.Info
	Switch(ctx context.Context, name string) error
	RestoreBranches(branches map[string]branch.Info) error
}

// SnapshotOptions selects what a snapshot captures. Nil collaborators are skipped.
type SnapshotOptions struct {
	Pool         PoolState
	Branches     BranchProvider
	Files        []string
	Context      map[string]string
	Instructions []Instruction
}

func newSnapshotID(now time.Time) string {
	return fmt.Sprintf("snap-%d-%s", now.Unix(), uuid.NewString()[:8])
}

// CreateSnapshot captures state before a risky operation. Branch capture
// problems are logged and leave the branch section partial; files that
// do not exist are skipped.
func (e *Engine) CreateSnapshot(ctx context.Context, kind Kind, description string, opts SnapshotOptions) (*Snapshot, error) {
	now := e.now()
	snap := &Snapshot{
		ID:           newSnapshotID(now),
		Kind:         kind,
		Timestamp:    now,
		Description:  description,
		Context:      copyStrings(opts.Context),
		Instructions: append([]Instruction(nil), opts.Instructions...),
	}

	if opts.Pool != nil {
		agents, tasks, err := opts.Pool.CaptureState(ctx)
		if err != nil {
			return nil, fmt.Errorf("capturing pool state: %w", err)
		}
		snap.Agents = agents
		snap.Tasks = tasks
	}

	if opts.Branches != nil {
		snap.Branch = e.captureBranch(ctx, opts.Branches)
	}

	if len(opts.Files) > 0 {
		files, err := e.backupFiles(snap.ID, opts.Files)
		if err != nil {
			return nil, err
		}
		snap.Files = files
	}

	if err := e.writeSnapshot(snap); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.snapshots[snap.ID] = snap
	e.counters.TotalOperations++
	e.mu.Unlock()

	e.cleanupSnapshots()
	e.saveState()

	e.logger.Info("snapshot created", "snapshot_id", snap.ID, "kind", string(kind), "files", len(snap.Files))
	e.bus.Publish(events.SnapshotEvent{SnapshotID: snap.ID, Kind: string(kind), Timestamp: now})
	return snap, nil
}

func (e *Engine) captureBranch(ctx context.Context, provider BranchProvider) *BranchState {
	state := &BranchState{Branches: provider.Branches()}

	current, err := provider.CurrentBranch(ctx)
	if err != nil {
		e.logger.Warn("failed to capture current branch", "error", err)
		return state
	}
	state.CurrentBranch = current

	if current != "" {
		status, err := provider.Status(ctx, current)
		if err != nil {
			e.logger.Warn("failed to capture branch status", "branch", current, "error", err)
		} else {
			state.Status = &status
		}
	}
	return state
}

// Snapshot returns a snapshot by ID.
func (e *Engine) Snapshot(id string) (*Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.snapshots[id]
	return snap, ok
}

// ListSnapshots returns all snapshots, newest first.
func (e *Engine) ListSnapshots() []*Snapshot {
	e.mu.Lock()
	out := make([]*Snapshot, 0, len(e.snapshots))
	for _, snap := range e.snapshots {
		out = append(out, snap)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// cleanupSnapshots removes snapshots past the age limit, then the oldest
// ones above the count ceiling.
func (e *Engine) cleanupSnapshots() {
	cutoff := e.now().Add(-e.maxAge)

	e.mu.Lock()
	remove := make(map[string]bool)
	ordered := make([]*Snapshot, 0, len(e.snapshots))
	for id, snap := range e.snapshots {
		if e.maxAge > 0 && snap.Timestamp.Before(cutoff) {
			remove[id] = true
		}
		ordered = append(ordered, snap)
	}
	if e.maxSnapshots > 0 && len(ordered) > e.maxSnapshots {
		sort.Slice(ordered, func(i, j int) bool {
			if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
				return ordered[i].Timestamp.Before(ordered[j].Timestamp)
			}
			return ordered[i].ID < ordered[j].ID
		})
		for _, snap := range ordered[:len(ordered)-e.maxSnapshots] {
			remove[snap.ID] = true
		}
	}
	for id := range remove {
		delete(e.snapshots, id)
	}
	e.mu.Unlock()

	for id := range remove {
		e.removeSnapshotFiles(id)
	}
	if len(remove) > 0 {
		e.logger.Info("cleaned up old snapshots", "count", len(remove))
	}
}

func (e *Engine) removeSnapshotFiles(id string) {
	if err := os.Remove(e.snapshotPath(id)); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove snapshot file", "snapshot_id", id, "error", err)
	}
	if err := os.RemoveAll(filepath.Join(e.backupsDir(), id)); err != nil {
		e.logger.Warn("failed to remove snapshot backups", "snapshot_id", id, "error", err)
	}
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
